package main

import (
	"fmt"
	"slices"

	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"
	"github.com/vortexl2/vortexl2/forward"
	"github.com/vortexl2/vortexl2/internal/app"
	"github.com/vortexl2/vortexl2/store"
	"github.com/vortexl2/vortexl2/tunnel"
)

func newForwardCmd(gf *globalFlags) *cobra.Command {
	root := &cobra.Command{Use: "forward", Short: "Manage port forwarding through HAProxy"}
	root.AddCommand(
		newForwardModeCmd(gf),
		newForwardAddCmd(gf),
		newForwardRemoveCmd(gf),
		newForwardListCmd(gf),
		newForwardReloadCmd(gf),
	)
	return root
}

// republish regenerates forwarding after a change and prints the outcome.
func republish(cmd *cobra.Command, a *app.App) error {
	res, err := a.Republish(cmd.Context())
	if err != nil {
		return err
	}
	mode, err := a.Store.Global(cmd.Context())
	if err != nil {
		return err
	}
	if mode.ForwardMode == store.ForwardHAProxy || res.Changed {
		printForwardResult(cmd.OutOrStdout(), res)
	}
	return nil
}

func newForwardModeCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mode [none|haproxy]",
		Short: "Show or set the forwarding mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			if len(args) == 0 {
				g, err := a.Store.Global(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), g.ForwardMode)
				return nil
			}
			mode, err := store.ParseForwardMode(args[0])
			if err != nil {
				return err
			}
			if err := a.Store.SetForwardMode(cmd.Context(), mode); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forward mode set to %v\n", mode)
			return republish(cmd, a)
		}),
	}
}

func newForwardAddCmd(gf *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "add <tunnel> <ports>",
		Short: "Forward ports over a tunnel",
		Long: `Forward comma separated ports over an IRAN side tunnel.  Ports that another
program is already listening on are refused unless --force is given.`,
		Args: cobra.ExactArgs(2),
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			ports, err := parsePorts(args[1])
			if err != nil {
				return err
			}
			if !force {
				if err := checkPortsFree(cmd, a, ports); err != nil {
					return err
				}
			}
			_, err = a.Store.Update(cmd.Context(), args[0], func(t *tunnel.Tunnel) error {
				for _, p := range ports {
					if slices.Contains(t.ForwardedPorts, p) {
						return fmt.Errorf("port %d is already forwarded by %s", p, t.Name)
					}
				}
				t.ForwardedPorts = append(t.ForwardedPorts, ports...)
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forwarding %s over %s\n", formatPorts(ports), args[0])
			return republish(cmd, a)
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "forward ports even if they are in use")
	return cmd
}

// checkPortsFree refuses ports some other program listens on.  Ports HAProxy
// already serves for us are fine.
func checkPortsFree(cmd *cobra.Command, a *app.App, ports []uint16) error {
	listening, err := forward.ListeningPorts(cmd.Context())
	if err != nil {
		level.Warn(a.Logger).Log("message", "cannot list listening ports", "error", err)
		return nil
	}
	tunnels, err := a.Store.List(cmd.Context())
	if err != nil {
		return err
	}
	ours, _ := forward.Plan(tunnels)
	if busy := forward.Busy(ports, listening, ours); len(busy) > 0 {
		return fmt.Errorf("ports already in use: %s (use --force to override)", formatPorts(busy))
	}
	return nil
}

func newForwardRemoveCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <tunnel> <ports>",
		Short: "Stop forwarding ports over a tunnel",
		Args:  cobra.ExactArgs(2),
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			ports, err := parsePorts(args[1])
			if err != nil {
				return err
			}
			_, err = a.Store.Update(cmd.Context(), args[0], func(t *tunnel.Tunnel) error {
				for _, p := range ports {
					if !slices.Contains(t.ForwardedPorts, p) {
						return fmt.Errorf("port %d is not forwarded by %s", p, t.Name)
					}
				}
				t.ForwardedPorts = slices.DeleteFunc(t.ForwardedPorts, func(p uint16) bool {
					return slices.Contains(ports, p)
				})
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped forwarding %s over %s\n", formatPorts(ports), args[0])
			return republish(cmd, a)
		}),
	}
}

func newForwardListCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List forwarded ports",
		Args:  cobra.NoArgs,
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			snap, err := a.Store.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "mode: %v\n", snap.Global.ForwardMode)
			units, conflicts := forward.Plan(snap.Tunnels)
			fmt.Fprintf(w, "%-6s %-16s %s\n", "PORT", "TUNNEL", "TARGET")
			for _, u := range units {
				fmt.Fprintf(w, "%-6d %-16s %s\n", u.Port, u.Tunnel, u.Target)
			}
			for _, c := range conflicts {
				fmt.Fprintf(w, "warning: port %d claimed by %s and %s, using %s\n", c.Port, c.Winner, c.Loser, c.Winner)
			}
			return nil
		}),
	}
}

func newForwardReloadCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Check the HAProxy configuration and reload HAProxy",
		Args:  cobra.NoArgs,
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			if err := a.Forward.Reload(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "haproxy reloaded")
			return nil
		}),
	}
}

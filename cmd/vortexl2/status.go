package main

import (
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
	"github.com/vortexl2/vortexl2/internal/app"
	"github.com/vortexl2/vortexl2/tunnel"
)

func newStatusCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [pattern]",
		Short: "Show the observed state of tunnels",
		Long: `Show the observed state, identifiers, interface, traffic counters and
forwarded ports of every tunnel, or of those whose name matches a glob
pattern such as "ir-*".`,
		Args: cobra.MaximumNArgs(1),
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			match := func(string) bool { return true }
			if len(args) == 1 {
				g, err := glob.Compile(args[0])
				if err != nil {
					return fmt.Errorf("bad pattern %q: %w", args[0], err)
				}
				match = g.Match
			}

			tunnels, err := a.Store.List(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-16s %-7s %-10s %-10s %-11s %-10s %-10s %s\n",
				"NAME", "SIDE", "STATE", "INTERFACE", "TID/PTID", "RX", "TX", "PORTS")
			for _, t := range tunnels {
				if !match(t.Name) {
					continue
				}
				obs, err := a.Reconciler.Observe(cmd.Context(), t)
				if err != nil {
					return fmt.Errorf("tunnel %q: %w", t.Name, err)
				}
				fmt.Fprintf(w, "%-16s %-7v %-10v %-10s %-11s %-10s %-10s %s\n",
					t.Name,
					t.Side,
					obs.State,
					t.InterfaceName(),
					fmt.Sprintf("%d/%d", t.TunnelID, t.PeerTunnelID),
					datasize.ByteSize(obs.Statistics.RxBytes).HumanReadable(),
					datasize.ByteSize(obs.Statistics.TxBytes).HumanReadable(),
					formatPorts(t.ForwardedPorts))
				if gf.verbose {
					printObservation(cmd, obs)
				}
			}
			return nil
		}),
	}
}

func printObservation(cmd *cobra.Command, obs *tunnel.Observation) {
	check := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "missing"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "    tunnel=%s session=%s link=%s address=%s up=%v rx_packets=%d tx_packets=%d rx_errors=%d tx_errors=%d\n",
		check(obs.Tunnel), check(obs.Session), check(obs.Link), check(obs.Address), obs.LinkUp,
		obs.Statistics.RxPackets, obs.Statistics.TxPackets, obs.Statistics.RxErrors, obs.Statistics.TxErrors)
}

func formatPorts(ports []uint16) string {
	if len(ports) == 0 {
		return "-"
	}
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, ",")
}

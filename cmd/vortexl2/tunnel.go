package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vortexl2/vortexl2/internal/app"
	"github.com/vortexl2/vortexl2/store"
	"github.com/vortexl2/vortexl2/tunnel"
)

// tunnelFlags are the declaration fields settable from the command line.
type tunnelFlags struct {
	side            string
	localIP         string
	remoteIP        string
	interfaceIP     string
	remoteForwardIP string
	encap           string
	udpPort         uint16
	ports           string
	tunnelID        uint32
	peerTunnelID    uint32
	sessionID       uint32
	peerSessionID   uint32
	apply           bool
}

func (tf *tunnelFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&tf.localIP, "local-ip", "", "public address of this host")
	f.StringVar(&tf.remoteIP, "remote-ip", "", "public address of the peer host")
	f.StringVar(&tf.interfaceIP, "interface-ip", "", "address of the tunnel interface, in CIDR form")
	f.StringVar(&tf.remoteForwardIP, "remote-forward-ip", "", "address forwarded ports are relayed to")
	f.StringVar(&tf.encap, "encap", "", "data packet encapsulation, 'ip' or 'udp'")
	f.Uint16Var(&tf.udpPort, "udp-port", 0, "UDP port for 'udp' encapsulation")
	f.StringVar(&tf.ports, "ports", "", "comma separated ports to forward (IRAN side only)")
	f.Uint32Var(&tf.tunnelID, "tunnel-id", 0, "local tunnel ID")
	f.Uint32Var(&tf.peerTunnelID, "peer-tunnel-id", 0, "peer tunnel ID")
	f.Uint32Var(&tf.sessionID, "session-id", 0, "local session ID")
	f.Uint32Var(&tf.peerSessionID, "peer-session-id", 0, "peer session ID")
	f.BoolVar(&tf.apply, "apply", false, "bring the tunnel up once saved")
}

// update copies every flag given on the command line into t.
func (tf *tunnelFlags) update(cmd *cobra.Command, t *tunnel.Tunnel) error {
	f := cmd.Flags()
	if f.Changed("local-ip") {
		t.LocalIP = tf.localIP
	}
	if f.Changed("remote-ip") {
		t.RemoteIP = tf.remoteIP
	}
	if f.Changed("interface-ip") {
		t.InterfaceIP = tf.interfaceIP
	}
	if f.Changed("remote-forward-ip") {
		t.RemoteForwardIP = tf.remoteForwardIP
	}
	if f.Changed("encap") {
		e, err := tunnel.ParseEncapType(tf.encap)
		if err != nil {
			return err
		}
		t.Encap = e
	}
	if f.Changed("udp-port") {
		t.UDPPort = tf.udpPort
	}
	if f.Changed("ports") {
		ports, err := parsePorts(tf.ports)
		if err != nil {
			return err
		}
		t.ForwardedPorts = ports
	}
	if f.Changed("tunnel-id") {
		t.TunnelID = tf.tunnelID
	}
	if f.Changed("peer-tunnel-id") {
		t.PeerTunnelID = tf.peerTunnelID
	}
	if f.Changed("session-id") {
		t.SessionID = tf.sessionID
	}
	if f.Changed("peer-session-id") {
		t.PeerSessionID = tf.peerSessionID
	}
	return nil
}

// parsePorts accepts ports separated by commas or spaces.
func parsePorts(s string) ([]uint16, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]uint16, 0, len(fields))
	for _, field := range fields {
		p, err := strconv.ParseUint(field, 10, 16)
		if err != nil || p == 0 {
			return nil, fmt.Errorf("invalid port %q", field)
		}
		out = append(out, uint16(p))
	}
	return tunnel.NormalizePorts(out), nil
}

func newTunnelCmd(gf *globalFlags) *cobra.Command {
	root := &cobra.Command{Use: "tunnel", Short: "Manage tunnel declarations"}
	root.AddCommand(
		newTunnelCreateCmd(gf),
		newTunnelEditCmd(gf),
		newTunnelDeleteCmd(gf),
		newTunnelListCmd(gf),
		newTunnelShowCmd(gf),
	)
	return root
}

func newTunnelCreateCmd(gf *globalFlags) *cobra.Command {
	var tf tunnelFlags
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Declare a new tunnel",
		Long: `Declare a new tunnel.  Identifiers and the interface are allocated from
the first free interface index unless given explicitly.  On the KHAREJ side
local and peer identifiers are swapped so that the defaults on both hosts
match up.`,
		Args: cobra.ExactArgs(1),
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			side, err := tunnel.ParseSide(tf.side)
			if err != nil {
				return fmt.Errorf("--side: %w", err)
			}
			existing, err := a.Store.List(cmd.Context())
			if err != nil {
				return err
			}
			t := tunnel.Allocate(args[0], side, existing)
			if side == tunnel.SideKharej {
				t.SwapPeer()
			}
			if err := tf.update(cmd, &t); err != nil {
				return err
			}
			if err := a.Store.Create(cmd.Context(), t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tunnel %s created on %s\n", t.Name, t.InterfaceName())
			if tf.apply {
				return applyOne(cmd, a, t.Name)
			}
			return nil
		}),
	}
	tf.register(cmd)
	cmd.Flags().StringVar(&tf.side, "side", "", "role of this host, 'IRAN' or 'KHAREJ'")
	cmd.MarkFlagRequired("side")
	cmd.MarkFlagRequired("local-ip")
	cmd.MarkFlagRequired("remote-ip")
	return cmd
}

func newTunnelEditCmd(gf *globalFlags) *cobra.Command {
	var tf tunnelFlags
	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Change a tunnel declaration",
		Long: `Change the fields of a tunnel declaration given on the command line.  The
running tunnel is not changed until it is applied again.`,
		Args: cobra.ExactArgs(1),
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			t, err := a.Store.Update(cmd.Context(), args[0], func(t *tunnel.Tunnel) error {
				return tf.update(cmd, t)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tunnel %s updated\n", t.Name)
			if tf.apply {
				return applyOne(cmd, a, t.Name)
			}
			return nil
		}),
	}
	tf.register(cmd)
	return cmd
}

func applyOne(cmd *cobra.Command, a *app.App, name string) error {
	res, err := a.Apply(cmd.Context(), name)
	if err != nil {
		return err
	}
	printApply(cmd.OutOrStdout(), res)
	if !res.OK() {
		return errFailed
	}
	return nil
}

func newTunnelDeleteCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Tear a tunnel down and remove its declaration",
		Args:  cobra.ExactArgs(1),
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			if err := a.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tunnel %s deleted\n", args[0])
			res, err := a.Republish(cmd.Context())
			if err != nil {
				return fmt.Errorf("tunnel deleted but forwarding not updated: %w", err)
			}
			if res.Changed {
				printForwardResult(cmd.OutOrStdout(), res)
			}
			return nil
		}),
	}
}

func newTunnelListCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tunnel declarations",
		Args:  cobra.NoArgs,
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			tunnels, err := a.Store.List(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-16s %-7s %-18s %-18s %-10s %-18s %s\n",
				"NAME", "SIDE", "LOCAL", "REMOTE", "INTERFACE", "ADDRESS", "PORTS")
			for _, t := range tunnels {
				fmt.Fprintf(w, "%-16s %-7v %-18s %-18s %-10s %-18s %s\n",
					t.Name, t.Side, t.LocalIP, t.RemoteIP, t.InterfaceName(), t.InterfaceIP, formatPorts(t.ForwardedPorts))
			}
			return nil
		}),
	}
}

func newTunnelShowCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a tunnel declaration",
		Args:  cobra.ExactArgs(1),
		RunE: gf.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			t, err := a.Store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			b, err := store.Marshal(t)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		}),
	}
}

// Package forward publishes ports forwarded over tunnels through HAProxy.
//
// The generated configuration holds one forwarding unit, a frontend and
// backend pair, per forwarded port.  Each unit binds the port on all local
// addresses and relays TCP connections to the owning tunnel's
// remote_forward_ip.  Rendering is deterministic, so regenerating from an
// unchanged set of ports yields a byte-identical file and no reload.
package forward

import (
	"cmp"
	"slices"
	"strings"

	"github.com/vortexl2/vortexl2/tunnel"
)

// Unit forwards one local port to Target:Port.
type Unit struct {
	Port   uint16
	Tunnel string
	Target string
}

// Conflict is a port claimed by more than one tunnel.  Winner is the
// tunnel whose unit was emitted.
type Conflict struct {
	Port   uint16
	Winner string
	Loser  string
}

// Plan computes the forwarding units for tunnels without side effects.
// Only IRAN side tunnels forward ports.  Units are sorted by port, and a
// port claimed twice goes to the tunnel with the smallest name.
func Plan(tunnels []tunnel.Tunnel) ([]Unit, []Conflict) {
	sorted := slices.Clone(tunnels)
	slices.SortFunc(sorted, func(a, b tunnel.Tunnel) int {
		return strings.Compare(a.Name, b.Name)
	})

	owner := make(map[uint16]Unit)
	var conflicts []Conflict
	for _, t := range sorted {
		if t.Side != tunnel.SideIran || t.RemoteForwardIP == "" {
			continue
		}
		for _, p := range tunnel.NormalizePorts(t.ForwardedPorts) {
			if u, ok := owner[p]; ok {
				conflicts = append(conflicts, Conflict{Port: p, Winner: u.Tunnel, Loser: t.Name})
				continue
			}
			owner[p] = Unit{Port: p, Tunnel: t.Name, Target: t.RemoteForwardIP}
		}
	}

	units := make([]Unit, 0, len(owner))
	for _, u := range owner {
		units = append(units, u)
	}
	slices.SortFunc(units, func(a, b Unit) int {
		return cmp.Compare(a.Port, b.Port)
	})
	slices.SortFunc(conflicts, func(a, b Conflict) int {
		if c := cmp.Compare(a.Port, b.Port); c != 0 {
			return c
		}
		return strings.Compare(a.Loser, b.Loser)
	})
	return units, conflicts
}

// Ports lists the ports of units in order.
func Ports(units []Unit) []uint16 {
	out := make([]uint16, len(units))
	for i, u := range units {
		out[i] = u.Port
	}
	return out
}

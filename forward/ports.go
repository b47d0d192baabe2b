package forward

import (
	"context"
	"slices"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// ListeningPorts returns the local TCP ports with a listening socket,
// sorted and without duplicates.
func ListeningPorts(ctx context.Context) ([]uint16, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	var out []uint16
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port > 0 && c.Laddr.Port <= 0xffff {
			out = append(out, uint16(c.Laddr.Port))
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Busy returns the ports in want that something is already listening on,
// excluding ports HAProxy serves on our behalf.
func Busy(want, listening []uint16, ours []Unit) []uint16 {
	served := make(map[uint16]bool, len(ours))
	for _, u := range ours {
		served[u.Port] = true
	}
	var out []uint16
	for _, p := range want {
		if !served[p] && slices.Contains(listening, p) {
			out = append(out, p)
		}
	}
	return out
}

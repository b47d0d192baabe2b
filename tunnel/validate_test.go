package tunnel

import (
	"errors"
	"testing"
)

func iranTunnel(name string, idx int) Tunnel {
	t := Allocate(name, SideIran, nil)
	t.InterfaceIndex = idx
	t.TunnelID = uint32(1000 + idx*100)
	t.PeerTunnelID = t.TunnelID + 1000
	t.SessionID = uint32(10 + idx)
	t.PeerSessionID = uint32(20 + idx)
	t.LocalIP = "192.0.2.1"
	t.RemoteIP = "198.51.100.1"
	return t
}

func TestValidate(t *testing.T) {
	existing := []Tunnel{iranTunnel("t1", 0)}
	existing[0].ForwardedPorts = []uint16{443}

	cases := []struct {
		name   string
		modify func(t *Tunnel)
		expect ErrorKind
	}{
		{
			name:   "ok",
			modify: func(t *Tunnel) {},
		},
		{
			name:   "duplicate name",
			modify: func(t *Tunnel) { t.Name = "t1" },
			expect: DuplicateName,
		},
		{
			name:   "duplicate tunnel id",
			modify: func(t *Tunnel) { t.TunnelID = 1000 },
			expect: DuplicateTunnelID,
		},
		{
			name:   "duplicate session id",
			modify: func(t *Tunnel) { t.SessionID = 10 },
			expect: DuplicateSessionID,
		},
		{
			name:   "duplicate interface index",
			modify: func(t *Tunnel) { t.InterfaceIndex = 0 },
			expect: DuplicateInterfaceIndex,
		},
		{
			name:   "invalid cidr",
			modify: func(t *Tunnel) { t.InterfaceIP = "10.30.30.1" },
			expect: InvalidCIDR,
		},
		{
			name:   "garbage cidr",
			modify: func(t *Tunnel) { t.InterfaceIP = "10.30.30.1/33" },
			expect: InvalidCIDR,
		},
		{
			name: "forward on kharej",
			modify: func(t *Tunnel) {
				t.Side = SideKharej
				t.ForwardedPorts = []uint16{80}
			},
			expect: ForwardOnNonIranSide,
		},
		{
			name:   "kharej without ports",
			modify: func(t *Tunnel) { t.Side = SideKharej },
		},
		{
			name:   "duplicate forwarded port",
			modify: func(t *Tunnel) { t.ForwardedPorts = []uint16{80, 443} },
			expect: DuplicateForwardedPort,
		},
		{
			name: "first violation wins",
			modify: func(t *Tunnel) {
				t.TunnelID = 1000
				t.SessionID = 10
				t.InterfaceIP = "bogus"
			},
			expect: DuplicateTunnelID,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			candidate := iranTunnel("t2", 1)
			c.modify(&candidate)
			err := Validate(candidate, existing)
			if c.expect == 0 {
				if err != nil {
					t.Fatalf("Validate(%v): %v", candidate.Name, err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate(%v): expected ValidationError, got %v", candidate.Name, err)
			}
			if verr.Kind != c.expect {
				t.Errorf("expected %v, got %v", c.expect, verr.Kind)
			}
		})
	}
}

func TestValidateEditExcludesSelf(t *testing.T) {
	all := []Tunnel{iranTunnel("t1", 0), iranTunnel("t2", 1)}

	edited := all[0].Clone()
	edited.ForwardedPorts = []uint16{8080}
	if err := Validate(edited, Others(all, edited.Name)); err != nil {
		t.Fatalf("Validate(edit): %v", err)
	}

	edited.SessionID = all[1].SessionID
	err := Validate(edited, Others(all, edited.Name))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Kind != DuplicateSessionID {
		t.Fatalf("expected DuplicateSessionID, got %v", err)
	}
	if verr.Conflict != "t2" {
		t.Errorf("expected conflict with t2, got %q", verr.Conflict)
	}
}

func TestValidateIsPure(t *testing.T) {
	existing := []Tunnel{iranTunnel("t1", 0)}
	candidate := iranTunnel("t2", 0)
	first := Validate(candidate, existing)
	second := Validate(candidate, existing)
	if first == nil || second == nil || first.Error() != second.Error() {
		t.Fatalf("expected identical failures, got %v and %v", first, second)
	}
	if len(existing) != 1 || existing[0].Name != "t1" {
		t.Fatalf("existing modified: %v", existing)
	}
}

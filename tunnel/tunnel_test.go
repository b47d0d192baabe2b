package tunnel

import (
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseSide(t *testing.T) {
	cases := []struct {
		in         string
		expect     Side
		expectFail bool
	}{
		{in: "IRAN", expect: SideIran},
		{in: "iran", expect: SideIran},
		{in: " Kharej ", expect: SideKharej},
		{in: "germany", expectFail: true},
		{in: "", expectFail: true},
	}
	for _, c := range cases {
		got, err := ParseSide(c.in)
		if c.expectFail {
			if err == nil {
				t.Errorf("ParseSide(%q) succeeded, expected failure", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSide(%q): %v", c.in, err)
		} else if got != c.expect {
			t.Errorf("ParseSide(%q): expected %v, got %v", c.in, c.expect, got)
		}
	}
}

func TestSideYAML(t *testing.T) {
	b, err := yaml.Marshal(struct {
		Side Side `yaml:"side"`
	}{SideKharej})
	if err != nil {
		t.Fatalf("yaml.Marshal: %v", err)
	}
	if string(b) != "side: KHAREJ\n" {
		t.Errorf("unexpected encoding %q", b)
	}

	var out struct {
		Side Side `yaml:"side"`
	}
	if err := yaml.Unmarshal([]byte("side: IRAN\n"), &out); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if out.Side != SideIran {
		t.Errorf("expected IRAN, got %v", out.Side)
	}
	if err := yaml.Unmarshal([]byte("side: nowhere\n"), &out); err == nil {
		t.Errorf("expected failure decoding unknown side")
	}
}

func TestAllocate(t *testing.T) {
	existing := []Tunnel{iranTunnel("a", 0), iranTunnel("b", 2)}
	got := Allocate("c", SideIran, existing)

	if got.InterfaceIndex != 1 {
		t.Fatalf("expected first free index 1, got %d", got.InterfaceIndex)
	}
	if got.TunnelID != 1100 || got.PeerTunnelID != 2100 {
		t.Errorf("unexpected tunnel IDs %d/%d", got.TunnelID, got.PeerTunnelID)
	}
	if got.SessionID != 11 || got.PeerSessionID != 21 {
		t.Errorf("unexpected session IDs %d/%d", got.SessionID, got.PeerSessionID)
	}
	if got.InterfaceName() != "l2tpeth1" {
		t.Errorf("unexpected interface %v", got.InterfaceName())
	}
	if got.InterfaceIP != DefaultInterfaceIP || got.RemoteForwardIP != DefaultRemoteForwardIP {
		t.Errorf("unexpected addressing %v -> %v", got.InterfaceIP, got.RemoteForwardIP)
	}
	got.LocalIP, got.RemoteIP = "192.0.2.1", "198.51.100.1"
	if err := Validate(got, existing); err != nil {
		t.Errorf("allocated tunnel fails validation: %v", err)
	}
}

func TestCheck(t *testing.T) {
	cases := []struct {
		name   string
		modify func(t *Tunnel)
		field  string
	}{
		{name: "ok", modify: func(t *Tunnel) {}},
		{name: "bad name", modify: func(t *Tunnel) { t.Name = "../etc" }, field: "name"},
		{name: "empty name", modify: func(t *Tunnel) { t.Name = "" }, field: "name"},
		{name: "no side", modify: func(t *Tunnel) { t.Side = 0 }, field: "side"},
		{name: "bad local ip", modify: func(t *Tunnel) { t.LocalIP = "a.b.c.d" }, field: "local_ip"},
		{name: "mixed families", modify: func(t *Tunnel) { t.RemoteIP = "2001:db8::1" }, field: "remote_ip"},
		{name: "zero tunnel id", modify: func(t *Tunnel) { t.TunnelID = 0 }, field: "tunnel_id"},
		{name: "zero peer session id", modify: func(t *Tunnel) { t.PeerSessionID = 0 }, field: "peer_session_id"},
		{name: "negative index", modify: func(t *Tunnel) { t.InterfaceIndex = -1 }, field: "interface_index"},
		{name: "huge index", modify: func(t *Tunnel) { t.InterfaceIndex = 100000000 }, field: "interface_index"},
		{
			name: "ports without forward ip",
			modify: func(t *Tunnel) {
				t.ForwardedPorts = []uint16{80}
				t.RemoteForwardIP = ""
			},
			field: "remote_forward_ip",
		},
		{name: "port zero", modify: func(t *Tunnel) { t.ForwardedPorts = []uint16{0} }, field: "forwarded_ports"},
		{
			name: "udp without port",
			modify: func(t *Tunnel) {
				t.Encap = EncapUDP
				t.UDPPort = 0
			},
			field: "udp_port",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tun := iranTunnel("t1", 0)
			c.modify(&tun)
			err := tun.Check()
			if c.field == "" {
				if err != nil {
					t.Fatalf("Check(): %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Check(): expected ValidationError, got %v", err)
			}
			if verr.Kind != InvalidField || verr.Field != c.field {
				t.Errorf("expected invalid %v, got %v %v", c.field, verr.Kind, verr.Field)
			}
		})
	}
}

func TestNormalizePorts(t *testing.T) {
	got := NormalizePorts([]uint16{443, 80, 2053, 80})
	expect := []uint16{80, 443, 2053}
	if len(got) != len(expect) {
		t.Fatalf("expected %v, got %v", expect, got)
	}
	for i := range expect {
		if got[i] != expect[i] {
			t.Fatalf("expected %v, got %v", expect, got)
		}
	}
}

func TestSwapPeer(t *testing.T) {
	tun := Allocate("t1", SideKharej, nil)
	tun.SwapPeer()
	if tun.TunnelID != 2000 || tun.PeerTunnelID != 1000 {
		t.Errorf("unexpected tunnel IDs %d/%d", tun.TunnelID, tun.PeerTunnelID)
	}
	if tun.SessionID != 20 || tun.PeerSessionID != 10 {
		t.Errorf("unexpected session IDs %d/%d", tun.SessionID, tun.PeerSessionID)
	}
	if tun.InterfaceIP != MirroredInterfaceIP || tun.RemoteForwardIP != MirroredRemoteForwardIP {
		t.Errorf("unexpected addressing %v -> %v", tun.InterfaceIP, tun.RemoteForwardIP)
	}

	tun.InterfaceIP = "172.16.0.1/30"
	tun.SwapPeer()
	if tun.TunnelID != 1000 || tun.InterfaceIP != "172.16.0.1/30" {
		t.Errorf("custom address changed or IDs not restored: %v %v", tun.TunnelID, tun.InterfaceIP)
	}
}

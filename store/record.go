package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vortexl2/vortexl2/tunnel"
	"gopkg.in/yaml.v3"
)

// record is the on-disk form of a tunnel.  Required fields are pointers so
// that a missing field can be told apart from a zero value.
type record struct {
	Name            *string           `yaml:"name"`
	Side            *tunnel.Side      `yaml:"side"`
	LocalIP         *string           `yaml:"local_ip"`
	RemoteIP        *string           `yaml:"remote_ip"`
	InterfaceIP     *string           `yaml:"interface_ip"`
	RemoteForwardIP string            `yaml:"remote_forward_ip,omitempty"`
	TunnelID        *uint32           `yaml:"tunnel_id"`
	PeerTunnelID    *uint32           `yaml:"peer_tunnel_id"`
	SessionID       *uint32           `yaml:"session_id"`
	PeerSessionID   *uint32           `yaml:"peer_session_id"`
	InterfaceIndex  *int              `yaml:"interface_index"`
	ForwardedPorts  []uint16          `yaml:"forwarded_ports,flow"`
	EncapType       *tunnel.EncapType `yaml:"encap_type,omitempty"`
	UDPPort         *uint16           `yaml:"udp_port,omitempty"`
}

func (r *record) missing() []string {
	var out []string
	check := func(name string, isNil bool) {
		if isNil {
			out = append(out, name)
		}
	}
	check("name", r.Name == nil)
	check("side", r.Side == nil)
	check("local_ip", r.LocalIP == nil)
	check("remote_ip", r.RemoteIP == nil)
	check("interface_ip", r.InterfaceIP == nil)
	check("tunnel_id", r.TunnelID == nil)
	check("peer_tunnel_id", r.PeerTunnelID == nil)
	check("session_id", r.SessionID == nil)
	check("peer_session_id", r.PeerSessionID == nil)
	check("interface_index", r.InterfaceIndex == nil)
	return out
}

func (r *record) tunnel() tunnel.Tunnel {
	t := tunnel.Tunnel{
		Name:            *r.Name,
		Side:            *r.Side,
		LocalIP:         *r.LocalIP,
		RemoteIP:        *r.RemoteIP,
		InterfaceIP:     *r.InterfaceIP,
		RemoteForwardIP: r.RemoteForwardIP,
		TunnelID:        *r.TunnelID,
		PeerTunnelID:    *r.PeerTunnelID,
		SessionID:       *r.SessionID,
		PeerSessionID:   *r.PeerSessionID,
		InterfaceIndex:  *r.InterfaceIndex,
		ForwardedPorts:  tunnel.NormalizePorts(r.ForwardedPorts),
		Encap:           tunnel.EncapIP,
		UDPPort:         tunnel.DefaultUDPPort,
	}
	if r.EncapType != nil {
		t.Encap = *r.EncapType
	}
	if r.UDPPort != nil {
		t.UDPPort = *r.UDPPort
	}
	if len(t.ForwardedPorts) == 0 {
		t.ForwardedPorts = nil
	}
	return t
}

func newRecord(t *tunnel.Tunnel) *record {
	r := &record{
		Name:            &t.Name,
		Side:            &t.Side,
		LocalIP:         &t.LocalIP,
		RemoteIP:        &t.RemoteIP,
		InterfaceIP:     &t.InterfaceIP,
		RemoteForwardIP: t.RemoteForwardIP,
		TunnelID:        &t.TunnelID,
		PeerTunnelID:    &t.PeerTunnelID,
		SessionID:       &t.SessionID,
		PeerSessionID:   &t.PeerSessionID,
		InterfaceIndex:  &t.InterfaceIndex,
		ForwardedPorts:  tunnel.NormalizePorts(t.ForwardedPorts),
		EncapType:       &t.Encap,
	}
	if r.ForwardedPorts == nil {
		r.ForwardedPorts = []uint16{}
	}
	if t.Encap == tunnel.EncapUDP {
		r.UDPPort = &t.UDPPort
	}
	return r
}

// decodeStrict decodes a single YAML document into out, rejecting unknown
// fields.
func decodeStrict(b []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty document")
		}
		return err
	}
	return nil
}

func decodeTunnel(b []byte) (tunnel.Tunnel, error) {
	var r record
	if err := decodeStrict(b, &r); err != nil {
		return tunnel.Tunnel{}, err
	}
	if missing := r.missing(); len(missing) > 0 {
		return tunnel.Tunnel{}, fmt.Errorf("missing required fields: %v", strings.Join(missing, ", "))
	}
	return r.tunnel(), nil
}

func encodeTunnel(t *tunnel.Tunnel) ([]byte, error) {
	return yaml.Marshal(newRecord(t))
}

// ForwardMode selects how forwarded ports are served.
type ForwardMode int

const (
	ForwardNone ForwardMode = iota
	ForwardHAProxy
)

func (m ForwardMode) String() string {
	switch m {
	case ForwardNone:
		return "none"
	case ForwardHAProxy:
		return "haproxy"
	}
	return fmt.Sprintf("ForwardMode(%d)", int(m))
}

// ParseForwardMode accepts "none" or "haproxy".
func ParseForwardMode(s string) (ForwardMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return ForwardNone, nil
	case "haproxy":
		return ForwardHAProxy, nil
	}
	return 0, fmt.Errorf("expect 'none' or 'haproxy', got %q", s)
}

func (m ForwardMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

func (m *ForwardMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := ParseForwardMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Global is the process-wide configuration record.
type Global struct {
	ForwardMode ForwardMode `yaml:"forward_mode"`
}

func encodeGlobal(g *Global) ([]byte, error) {
	return yaml.Marshal(g)
}

// Marshal renders t as it is stored.
func Marshal(t tunnel.Tunnel) ([]byte, error) {
	return encodeTunnel(&t)
}

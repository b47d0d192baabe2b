package tunnel

import (
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Side is the role a host plays in a tunnel pair.
type Side int

const (
	// SideIran receives client traffic and may forward ports over the tunnel.
	SideIran Side = iota + 1
	// SideKharej is the external relay side.
	SideKharej
)

func (s Side) String() string {
	switch s {
	case SideIran:
		return "IRAN"
	case SideKharej:
		return "KHAREJ"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

// ParseSide accepts "IRAN" or "KHAREJ" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IRAN":
		return SideIran, nil
	case "KHAREJ":
		return SideKharej, nil
	}
	return 0, fmt.Errorf("expect 'IRAN' or 'KHAREJ', got %q", s)
}

func (s Side) MarshalYAML() (interface{}, error) {
	switch s {
	case SideIran, SideKharej:
		return s.String(), nil
	}
	return nil, fmt.Errorf("invalid side %d", int(s))
}

func (s *Side) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	v, err := ParseSide(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// EncapType is the encapsulation of L2TP data packets.
type EncapType int

const (
	EncapIP EncapType = iota
	EncapUDP
)

// DefaultUDPPort is used when UDP encapsulation is chosen without a port.
const DefaultUDPPort = 55555

func (e EncapType) String() string {
	switch e {
	case EncapIP:
		return "ip"
	case EncapUDP:
		return "udp"
	}
	return fmt.Sprintf("EncapType(%d)", int(e))
}

// ParseEncapType accepts "ip" or "udp".
func ParseEncapType(s string) (EncapType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ip", "":
		return EncapIP, nil
	case "udp":
		return EncapUDP, nil
	}
	return 0, fmt.Errorf("expect 'ip' or 'udp', got %q", s)
}

func (e EncapType) MarshalYAML() (interface{}, error) {
	return e.String(), nil
}

func (e *EncapType) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	v, err := ParseEncapType(str)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// Tunnel is the declaration of one L2TPv3 Ethernet link.
type Tunnel struct {
	Name            string
	Side            Side
	LocalIP         string
	RemoteIP        string
	InterfaceIP     string
	RemoteForwardIP string
	TunnelID        uint32
	PeerTunnelID    uint32
	SessionID       uint32
	PeerSessionID   uint32
	InterfaceIndex  int
	ForwardedPorts  []uint16
	Encap           EncapType
	UDPPort         uint16
}

// InterfaceName is the kernel interface the tunnel's session creates.
func (t *Tunnel) InterfaceName() string {
	return fmt.Sprintf("l2tpeth%d", t.InterfaceIndex)
}

// Clone returns a deep copy.
func (t Tunnel) Clone() Tunnel {
	t.ForwardedPorts = slices.Clone(t.ForwardedPorts)
	return t
}

// NormalizePorts sorts and de-duplicates ports.
func NormalizePorts(ports []uint16) []uint16 {
	out := slices.Clone(ports)
	slices.Sort(out)
	return slices.Compact(out)
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,63}$`)

// ValidName reports whether name is usable as a tunnel name, which is also
// its record's file name.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// Check validates a single declaration on its own.
func (t *Tunnel) Check() error {
	invalid := func(field, format string, args ...interface{}) error {
		return &ValidationError{
			Kind:   InvalidField,
			Tunnel: t.Name,
			Field:  field,
			Detail: fmt.Sprintf(format, args...),
		}
	}

	if !ValidName(t.Name) {
		return invalid("name", "%q is not a valid tunnel name", t.Name)
	}
	switch t.Side {
	case SideIran, SideKharej:
	default:
		return invalid("side", "expect IRAN or KHAREJ")
	}

	local, err := netip.ParseAddr(t.LocalIP)
	if err != nil {
		return invalid("local_ip", "%v", err)
	}
	remote, err := netip.ParseAddr(t.RemoteIP)
	if err != nil {
		return invalid("remote_ip", "%v", err)
	}
	if local.Is4() != remote.Is4() {
		return invalid("remote_ip", "local and remote addresses must be of the same family")
	}

	if t.TunnelID == 0 {
		return invalid("tunnel_id", "must be non-zero")
	}
	if t.PeerTunnelID == 0 {
		return invalid("peer_tunnel_id", "must be non-zero")
	}
	if t.SessionID == 0 {
		return invalid("session_id", "must be non-zero")
	}
	if t.PeerSessionID == 0 {
		return invalid("peer_session_id", "must be non-zero")
	}
	if t.InterfaceIndex < 0 {
		return invalid("interface_index", "must not be negative")
	}
	if len(t.InterfaceName()) >= 16 {
		return invalid("interface_index", "%d is too large", t.InterfaceIndex)
	}

	for _, p := range t.ForwardedPorts {
		if p == 0 {
			return invalid("forwarded_ports", "port 0 is not valid")
		}
	}
	if len(t.ForwardedPorts) > 0 {
		if _, err := netip.ParseAddr(t.RemoteForwardIP); err != nil {
			return invalid("remote_forward_ip", "required when ports are forwarded: %v", err)
		}
	} else if t.RemoteForwardIP != "" {
		if _, err := netip.ParseAddr(t.RemoteForwardIP); err != nil {
			return invalid("remote_forward_ip", "%v", err)
		}
	}

	switch t.Encap {
	case EncapIP:
	case EncapUDP:
		if t.UDPPort == 0 {
			return invalid("udp_port", "required for UDP encapsulation")
		}
	default:
		return invalid("encap_type", "expect ip or udp")
	}
	return nil
}

// Defaults for newly allocated tunnels.  The KHAREJ host of a pair uses
// the mirrored addresses.
const (
	DefaultInterfaceIP     = "10.30.30.1/30"
	DefaultRemoteForwardIP = "10.30.30.2"

	MirroredInterfaceIP     = "10.30.30.2/30"
	MirroredRemoteForwardIP = "10.30.30.1"
)

// Allocate returns a new declaration named name with identifiers derived
// from the first interface index unused by existing.  The caller swaps the
// local and peer identifiers on one of the two hosts.
func Allocate(name string, side Side, existing []Tunnel) Tunnel {
	used := make(map[int]bool, len(existing))
	for _, t := range existing {
		used[t.InterfaceIndex] = true
	}
	idx := 0
	for used[idx] {
		idx++
	}

	tid := uint32(1000 + idx*100)
	return Tunnel{
		Name:            name,
		Side:            side,
		InterfaceIP:     DefaultInterfaceIP,
		RemoteForwardIP: DefaultRemoteForwardIP,
		TunnelID:        tid,
		PeerTunnelID:    tid + 1000,
		SessionID:       uint32(10 + idx),
		PeerSessionID:   uint32(20 + idx),
		InterfaceIndex:  idx,
		Encap:           EncapIP,
		UDPPort:         DefaultUDPPort,
	}
}

// SwapPeer exchanges local and peer identifiers, and the default tunnel
// addresses, turning one host's declaration into its peer's.
func (t *Tunnel) SwapPeer() {
	t.TunnelID, t.PeerTunnelID = t.PeerTunnelID, t.TunnelID
	t.SessionID, t.PeerSessionID = t.PeerSessionID, t.SessionID
	switch t.InterfaceIP {
	case DefaultInterfaceIP:
		t.InterfaceIP = MirroredInterfaceIP
	case MirroredInterfaceIP:
		t.InterfaceIP = DefaultInterfaceIP
	}
	switch t.RemoteForwardIP {
	case DefaultRemoteForwardIP:
		t.RemoteForwardIP = MirroredRemoteForwardIP
	case MirroredRemoteForwardIP:
		t.RemoteForwardIP = DefaultRemoteForwardIP
	}
}

package tunnel

import (
	"fmt"
	"net/netip"
)

// ErrorKind classifies a rejected declaration.
type ErrorKind int

const (
	DuplicateName ErrorKind = iota + 1
	DuplicateTunnelID
	DuplicateSessionID
	DuplicateInterfaceIndex
	InvalidCIDR
	ForwardOnNonIranSide
	DuplicateForwardedPort
	// InvalidField is a declaration that is malformed on its own.
	InvalidField
)

func (k ErrorKind) String() string {
	switch k {
	case DuplicateName:
		return "DuplicateName"
	case DuplicateTunnelID:
		return "DuplicateTunnelID"
	case DuplicateSessionID:
		return "DuplicateSessionID"
	case DuplicateInterfaceIndex:
		return "DuplicateInterfaceIndex"
	case InvalidCIDR:
		return "InvalidCIDR"
	case ForwardOnNonIranSide:
		return "ForwardOnNonIranSide"
	case DuplicateForwardedPort:
		return "DuplicateForwardedPort"
	case InvalidField:
		return "InvalidField"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ValidationError rejects a declaration before it is persisted.
type ValidationError struct {
	Kind ErrorKind
	// Tunnel is the rejected declaration's name.
	Tunnel string
	// Conflict names the existing tunnel involved, if any.
	Conflict string
	Field    string
	Detail   string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("tunnel %q: %v", e.Tunnel, e.Kind)
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Conflict != "" {
		msg += fmt.Sprintf(" (conflicts with tunnel %q)", e.Conflict)
	}
	return msg
}

// Validate checks candidate against every other declaration on the host.
// When re-validating an edit, existing must not contain the candidate
// itself; see Others.  Checks run in a fixed order and the first violation
// is returned.
func Validate(candidate Tunnel, existing []Tunnel) error {
	reject := func(kind ErrorKind, conflict, detail string) error {
		return &ValidationError{
			Kind:     kind,
			Tunnel:   candidate.Name,
			Conflict: conflict,
			Detail:   detail,
		}
	}

	for _, t := range existing {
		if t.Name == candidate.Name {
			return reject(DuplicateName, t.Name, "")
		}
	}
	for _, t := range existing {
		if t.TunnelID == candidate.TunnelID {
			return reject(DuplicateTunnelID, t.Name, fmt.Sprintf("tunnel_id %d in use", candidate.TunnelID))
		}
	}
	for _, t := range existing {
		if t.SessionID == candidate.SessionID {
			return reject(DuplicateSessionID, t.Name, fmt.Sprintf("session_id %d in use", candidate.SessionID))
		}
	}
	for _, t := range existing {
		if t.InterfaceIndex == candidate.InterfaceIndex {
			return reject(DuplicateInterfaceIndex, t.Name, fmt.Sprintf("%s in use", candidate.InterfaceName()))
		}
	}
	if _, err := netip.ParsePrefix(candidate.InterfaceIP); err != nil {
		return reject(InvalidCIDR, "", fmt.Sprintf("interface_ip %q: %v", candidate.InterfaceIP, err))
	}
	if len(candidate.ForwardedPorts) > 0 {
		switch candidate.Side {
		case SideIran:
		case SideKharej:
			return reject(ForwardOnNonIranSide, "", "only IRAN side tunnels forward ports")
		default:
			return reject(ForwardOnNonIranSide, "", fmt.Sprintf("side %v", candidate.Side))
		}
	}
	for _, t := range existing {
		for _, p := range candidate.ForwardedPorts {
			for _, q := range t.ForwardedPorts {
				if p == q {
					return reject(DuplicateForwardedPort, t.Name, fmt.Sprintf("port %d already forwarded", p))
				}
			}
		}
	}
	return nil
}

// Others returns all, minus the declaration named name.
func Others(all []Tunnel, name string) []Tunnel {
	out := make([]Tunnel, 0, len(all))
	for _, t := range all {
		if t.Name != name {
			out = append(out, t)
		}
	}
	return out
}

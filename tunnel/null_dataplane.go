package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
)

var _ DataPlane = (*nullDataPlane)(nil)

type sessionKey struct {
	tid, sid uint32
}

// nullDataPlane keeps kernel objects in memory.  Creating a session
// creates its interface, and deleting a tunnel deletes its sessions, as the
// kernel does.
type nullDataPlane struct {
	mu       sync.Mutex
	tunnels  map[uint32]KernelTunnel
	sessions map[sessionKey]KernelSession
	links    map[string]*KernelLink
}

// NewNullDataPlane returns an in-memory DataPlane.
func NewNullDataPlane() DataPlane {
	return newNullDataPlane()
}

func newNullDataPlane() *nullDataPlane {
	return &nullDataPlane{
		tunnels:  make(map[uint32]KernelTunnel),
		sessions: make(map[sessionKey]KernelSession),
		links:    make(map[string]*KernelLink),
	}
}

func (ndp *nullDataPlane) GetTunnel(ctx context.Context, tid uint32) (*KernelTunnel, error) {
	ndp.mu.Lock()
	defer ndp.mu.Unlock()
	kt, ok := ndp.tunnels[tid]
	if !ok {
		return nil, fmt.Errorf("tunnel %d: %w", tid, ErrNotFound)
	}
	return &kt, nil
}

func (ndp *nullDataPlane) CreateTunnel(ctx context.Context, kt *KernelTunnel) error {
	ndp.mu.Lock()
	defer ndp.mu.Unlock()
	if _, ok := ndp.tunnels[kt.TunnelID]; ok {
		return fmt.Errorf("tunnel %d: %w", kt.TunnelID, ErrExist)
	}
	ndp.tunnels[kt.TunnelID] = *kt
	return nil
}

func (ndp *nullDataPlane) DeleteTunnel(ctx context.Context, tid uint32) error {
	ndp.mu.Lock()
	defer ndp.mu.Unlock()
	if _, ok := ndp.tunnels[tid]; !ok {
		return fmt.Errorf("tunnel %d: %w", tid, ErrNotFound)
	}
	for k, s := range ndp.sessions {
		if k.tid == tid {
			delete(ndp.links, s.InterfaceName)
			delete(ndp.sessions, k)
		}
	}
	delete(ndp.tunnels, tid)
	return nil
}

func (ndp *nullDataPlane) GetSession(ctx context.Context, tid, sid uint32) (*KernelSession, error) {
	ndp.mu.Lock()
	defer ndp.mu.Unlock()
	ks, ok := ndp.sessions[sessionKey{tid, sid}]
	if !ok {
		return nil, fmt.Errorf("session %d/%d: %w", tid, sid, ErrNotFound)
	}
	return &ks, nil
}

func (ndp *nullDataPlane) CreateSession(ctx context.Context, ks *KernelSession) error {
	ndp.mu.Lock()
	defer ndp.mu.Unlock()
	if _, ok := ndp.tunnels[ks.TunnelID]; !ok {
		return fmt.Errorf("tunnel %d: %w", ks.TunnelID, ErrNotFound)
	}
	key := sessionKey{ks.TunnelID, ks.SessionID}
	if _, ok := ndp.sessions[key]; ok {
		return fmt.Errorf("session %d/%d: %w", ks.TunnelID, ks.SessionID, ErrExist)
	}
	if _, ok := ndp.links[ks.InterfaceName]; ok {
		return fmt.Errorf("interface %v: %w", ks.InterfaceName, ErrExist)
	}
	ndp.sessions[key] = *ks
	ndp.links[ks.InterfaceName] = &KernelLink{Name: ks.InterfaceName}
	return nil
}

func (ndp *nullDataPlane) DeleteSession(ctx context.Context, tid, sid uint32) error {
	ndp.mu.Lock()
	defer ndp.mu.Unlock()
	key := sessionKey{tid, sid}
	ks, ok := ndp.sessions[key]
	if !ok {
		return fmt.Errorf("session %d/%d: %w", tid, sid, ErrNotFound)
	}
	delete(ndp.links, ks.InterfaceName)
	delete(ndp.sessions, key)
	return nil
}

func (ndp *nullDataPlane) GetLink(ctx context.Context, name string) (*KernelLink, error) {
	ndp.mu.Lock()
	defer ndp.mu.Unlock()
	l, ok := ndp.links[name]
	if !ok {
		return nil, fmt.Errorf("link %v: %w", name, ErrNotFound)
	}
	out := *l
	out.Addrs = slices.Clone(l.Addrs)
	return &out, nil
}

func (ndp *nullDataPlane) AddAddr(ctx context.Context, link, cidr string) error {
	if _, err := netip.ParsePrefix(cidr); err != nil {
		return err
	}
	ndp.mu.Lock()
	defer ndp.mu.Unlock()
	l, ok := ndp.links[link]
	if !ok {
		return fmt.Errorf("link %v: %w", link, ErrNotFound)
	}
	if hasAddr(l, cidr) {
		return fmt.Errorf("address %v on %v: %w", cidr, link, ErrExist)
	}
	l.Addrs = append(l.Addrs, cidr)
	return nil
}

func (ndp *nullDataPlane) DelAddr(ctx context.Context, link, cidr string) error {
	ndp.mu.Lock()
	defer ndp.mu.Unlock()
	l, ok := ndp.links[link]
	if !ok {
		return fmt.Errorf("link %v: %w", link, ErrNotFound)
	}
	for i, a := range l.Addrs {
		if sameCIDR(a, cidr) {
			l.Addrs = slices.Delete(l.Addrs, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("address %v on %v: %w", cidr, link, ErrNotFound)
}

func (ndp *nullDataPlane) SetLinkUp(ctx context.Context, link string) error {
	return ndp.setLink(link, true)
}

func (ndp *nullDataPlane) SetLinkDown(ctx context.Context, link string) error {
	return ndp.setLink(link, false)
}

func (ndp *nullDataPlane) setLink(link string, up bool) error {
	ndp.mu.Lock()
	defer ndp.mu.Unlock()
	l, ok := ndp.links[link]
	if !ok {
		return fmt.Errorf("link %v: %w", link, ErrNotFound)
	}
	l.Up = up
	return nil
}

func (ndp *nullDataPlane) Close() error {
	return nil
}

func hasAddr(l *KernelLink, cidr string) bool {
	for _, a := range l.Addrs {
		if sameCIDR(a, cidr) {
			return true
		}
	}
	return false
}

func sameCIDR(a, b string) bool {
	pa, err := netip.ParsePrefix(a)
	if err != nil {
		return false
	}
	pb, err := netip.ParsePrefix(b)
	if err != nil {
		return false
	}
	return pa == pb
}

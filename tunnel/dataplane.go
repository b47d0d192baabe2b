package tunnel

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by a DataPlane for a missing kernel object.
	ErrNotFound = errors.New("not found")
	// ErrExist is returned by a DataPlane when creating an object that
	// already exists.
	ErrExist = errors.New("already exists")
)

// KernelTunnel is an L2TP tunnel instance.
type KernelTunnel struct {
	TunnelID     uint32
	PeerTunnelID uint32
	Encap        EncapType
	LocalIP      string
	RemoteIP     string
	// UDPPort is used for both ends of UDP encapsulated tunnels.
	UDPPort uint16
}

// KernelSession is an Ethernet pseudowire session within a tunnel.
type KernelSession struct {
	TunnelID      uint32
	PeerTunnelID  uint32
	SessionID     uint32
	PeerSessionID uint32
	InterfaceName string
	Statistics    Statistics
}

// Statistics are the data plane counters of a session.
type Statistics struct {
	TxPackets uint64
	TxBytes   uint64
	TxErrors  uint64
	RxPackets uint64
	RxBytes   uint64
	RxErrors  uint64
}

// KernelLink is a network interface.
type KernelLink struct {
	Name string
	Up   bool
	// Addrs are the interface's addresses in CIDR notation.
	Addrs []string
}

// DataPlane creates, deletes and queries the kernel objects a tunnel is
// built from.  Get methods return ErrNotFound for missing objects; Create
// methods return ErrExist for duplicates; Delete methods return ErrNotFound
// when there is nothing to delete.
type DataPlane interface {
	GetTunnel(ctx context.Context, tid uint32) (*KernelTunnel, error)
	CreateTunnel(ctx context.Context, kt *KernelTunnel) error
	DeleteTunnel(ctx context.Context, tid uint32) error

	GetSession(ctx context.Context, tid, sid uint32) (*KernelSession, error)
	CreateSession(ctx context.Context, ks *KernelSession) error
	DeleteSession(ctx context.Context, tid, sid uint32) error

	GetLink(ctx context.Context, name string) (*KernelLink, error)
	AddAddr(ctx context.Context, link, cidr string) error
	DelAddr(ctx context.Context, link, cidr string) error
	SetLinkUp(ctx context.Context, link string) error
	SetLinkDown(ctx context.Context, link string) error

	Close() error
}

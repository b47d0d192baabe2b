package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vortexl2/vortexl2/internal/nll2tp"
	"golang.org/x/sys/unix"
)

var _ DataPlane = (*nlDataPlane)(nil)

// nlDataPlane manages L2TP instances over the l2tp generic netlink family,
// and links and addresses over rtnetlink.
type nlDataPlane struct {
	nlconn *nll2tp.Conn
}

// NewNetlinkDataPlane connects to the kernel's L2TP subsystem.
func NewNetlinkDataPlane() (DataPlane, error) {
	nlconn, err := nll2tp.Dial()
	if err != nil {
		return nil, fmt.Errorf("failed to establish a netlink/L2TP connection: %v", err)
	}
	return &nlDataPlane{nlconn: nlconn}, nil
}

func encapToNl(e EncapType) nll2tp.L2tpEncapType {
	switch e {
	case EncapUDP:
		return nll2tp.EncaptypeUdp
	}
	return nll2tp.EncaptypeIp
}

func encapFromNl(e nll2tp.L2tpEncapType) EncapType {
	switch e {
	case nll2tp.EncaptypeUdp:
		return EncapUDP
	}
	return EncapIP
}

func tunnelCfgToNl(kt *KernelTunnel) *nll2tp.TunnelConfig {
	return &nll2tp.TunnelConfig{
		Tid:        nll2tp.L2tpTunnelID(kt.TunnelID),
		Ptid:       nll2tp.L2tpTunnelID(kt.PeerTunnelID),
		Version:    nll2tp.ProtocolVersion3,
		Encap:      encapToNl(kt.Encap),
		DebugFlags: nll2tp.L2tpDebugFlags(0),
	}
}

func sessionCfgToNl(ks *KernelSession) *nll2tp.SessionConfig {
	return &nll2tp.SessionConfig{
		Tid:            nll2tp.L2tpTunnelID(ks.TunnelID),
		Ptid:           nll2tp.L2tpTunnelID(ks.PeerTunnelID),
		Sid:            nll2tp.L2tpSessionID(ks.SessionID),
		Psid:           nll2tp.L2tpSessionID(ks.PeerSessionID),
		PseudowireType: nll2tp.PwtypeEth,
		L2SpecType:     nll2tp.L2spectypeDefault,
		IfName:         ks.InterfaceName,
		DebugFlags:     nll2tp.L2tpDebugFlags(0),
	}
}

// mapErr translates kernel errnos into the DataPlane sentinels.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	var lnf netlink.LinkNotFoundError
	switch {
	case nll2tp.IsNotFound(err), errors.As(err, &lnf), errors.Is(err, unix.EADDRNOTAVAIL):
		return fmt.Errorf("%v: %w (%v)", what, ErrNotFound, err)
	case nll2tp.IsExist(err):
		return fmt.Errorf("%v: %w (%v)", what, ErrExist, err)
	}
	return fmt.Errorf("%v: %w", what, err)
}

func (dp *nlDataPlane) GetTunnel(ctx context.Context, tid uint32) (*KernelTunnel, error) {
	info, err := dp.nlconn.GetTunnelInfo(nll2tp.L2tpTunnelID(tid))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("tunnel %d", tid))
	}
	kt := &KernelTunnel{
		TunnelID:     uint32(info.Tid),
		PeerTunnelID: uint32(info.Ptid),
		Encap:        encapFromNl(info.Encap),
		UDPPort:      info.LocalPort,
	}
	if info.Local != nil {
		kt.LocalIP = info.Local.String()
	}
	if info.Peer != nil {
		kt.RemoteIP = info.Peer.String()
	}
	return kt, nil
}

func (dp *nlDataPlane) CreateTunnel(ctx context.Context, kt *KernelTunnel) error {
	local := net.ParseIP(kt.LocalIP)
	if local == nil {
		return fmt.Errorf("invalid local address %q", kt.LocalIP)
	}
	remote := net.ParseIP(kt.RemoteIP)
	if remote == nil {
		return fmt.Errorf("invalid remote address %q", kt.RemoteIP)
	}
	err := dp.nlconn.CreateStaticTunnel(local, kt.UDPPort, remote, kt.UDPPort, tunnelCfgToNl(kt))
	return mapErr(err, fmt.Sprintf("tunnel %d", kt.TunnelID))
}

func (dp *nlDataPlane) DeleteTunnel(ctx context.Context, tid uint32) error {
	err := dp.nlconn.DeleteTunnel(&nll2tp.TunnelConfig{Tid: nll2tp.L2tpTunnelID(tid)})
	return mapErr(err, fmt.Sprintf("tunnel %d", tid))
}

func (dp *nlDataPlane) GetSession(ctx context.Context, tid, sid uint32) (*KernelSession, error) {
	info, err := dp.nlconn.GetSessionInfo(&nll2tp.SessionConfig{
		Tid: nll2tp.L2tpTunnelID(tid),
		Sid: nll2tp.L2tpSessionID(sid),
	})
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("session %d/%d", tid, sid))
	}
	return &KernelSession{
		TunnelID:      uint32(info.Tid),
		PeerTunnelID:  uint32(info.Ptid),
		SessionID:     uint32(info.Sid),
		PeerSessionID: uint32(info.Psid),
		InterfaceName: info.IfName,
		Statistics: Statistics{
			TxPackets: info.Statistics.TxPacketCount,
			TxBytes:   info.Statistics.TxBytes,
			TxErrors:  info.Statistics.TxErrorCount,
			RxPackets: info.Statistics.RxPacketCount,
			RxBytes:   info.Statistics.RxBytes,
			RxErrors:  info.Statistics.RxErrorCount,
		},
	}, nil
}

func (dp *nlDataPlane) CreateSession(ctx context.Context, ks *KernelSession) error {
	err := dp.nlconn.CreateSession(sessionCfgToNl(ks))
	return mapErr(err, fmt.Sprintf("session %d/%d", ks.TunnelID, ks.SessionID))
}

func (dp *nlDataPlane) DeleteSession(ctx context.Context, tid, sid uint32) error {
	err := dp.nlconn.DeleteSession(&nll2tp.SessionConfig{
		Tid: nll2tp.L2tpTunnelID(tid),
		Sid: nll2tp.L2tpSessionID(sid),
	})
	return mapErr(err, fmt.Sprintf("session %d/%d", tid, sid))
}

func (dp *nlDataPlane) GetLink(ctx context.Context, name string) (*KernelLink, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, mapErr(err, "link "+name)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, mapErr(err, "link "+name)
	}
	kl := &KernelLink{
		Name: name,
		Up:   link.Attrs().Flags&net.FlagUp != 0,
	}
	for _, a := range addrs {
		if a.IPNet != nil {
			kl.Addrs = append(kl.Addrs, a.IPNet.String())
		}
	}
	return kl, nil
}

func (dp *nlDataPlane) AddAddr(ctx context.Context, name, cidr string) error {
	link, addr, err := linkAndAddr(name, cidr)
	if err != nil {
		return err
	}
	return mapErr(netlink.AddrAdd(link, addr), fmt.Sprintf("address %v on %v", cidr, name))
}

func (dp *nlDataPlane) DelAddr(ctx context.Context, name, cidr string) error {
	link, addr, err := linkAndAddr(name, cidr)
	if err != nil {
		return err
	}
	return mapErr(netlink.AddrDel(link, addr), fmt.Sprintf("address %v on %v", cidr, name))
}

func linkAndAddr(name, cidr string) (netlink.Link, *netlink.Addr, error) {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid address %q: %v", cidr, err)
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, nil, mapErr(err, "link "+name)
	}
	return link, addr, nil
}

func (dp *nlDataPlane) SetLinkUp(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return mapErr(err, "link "+name)
	}
	return mapErr(netlink.LinkSetUp(link), "link "+name)
}

func (dp *nlDataPlane) SetLinkDown(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return mapErr(err, "link "+name)
	}
	return mapErr(netlink.LinkSetDown(link), "link "+name)
}

func (dp *nlDataPlane) Close() error {
	if dp.nlconn != nil {
		dp.nlconn.Close()
	}
	return nil
}

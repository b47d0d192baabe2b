// Package nll2tp is a thin client for the Linux kernel's L2TP generic
// netlink family.  It creates, deletes and queries unmanaged tunnel and
// session instances.
package nll2tp

import (
	"errors"
	"fmt"
	"net"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

type L2tpProtocolVersion uint32
type L2tpTunnelID uint32
type L2tpSessionID uint32

const (
	ProtocolVersion2 = 2
	ProtocolVersion3 = 3
)

// TunnelConfig identifies a kernel tunnel instance.
type TunnelConfig struct {
	Tid        L2tpTunnelID
	Ptid       L2tpTunnelID
	Version    L2tpProtocolVersion
	Encap      L2tpEncapType
	DebugFlags L2tpDebugFlags
}

// SessionConfig identifies a kernel session instance within a tunnel.
type SessionConfig struct {
	Tid            L2tpTunnelID
	Ptid           L2tpTunnelID
	Sid            L2tpSessionID
	Psid           L2tpSessionID
	PseudowireType L2tpPwtype
	L2SpecType     L2tpL2specType
	IfName         string
	DebugFlags     L2tpDebugFlags
}

// TunnelInfo is the kernel's view of a tunnel instance.
type TunnelInfo struct {
	Tid       L2tpTunnelID
	Ptid      L2tpTunnelID
	Version   L2tpProtocolVersion
	Encap     L2tpEncapType
	Local     net.IP
	Peer      net.IP
	LocalPort uint16
	PeerPort  uint16
}

// SessionStatistics are the data plane counters of a session.
type SessionStatistics struct {
	TxPacketCount uint64
	TxBytes       uint64
	TxErrorCount  uint64
	RxPacketCount uint64
	RxBytes       uint64
	RxErrorCount  uint64
}

// SessionInfo is the kernel's view of a session instance.
type SessionInfo struct {
	Tid            L2tpTunnelID
	Ptid           L2tpTunnelID
	Sid            L2tpSessionID
	Psid           L2tpSessionID
	PseudowireType L2tpPwtype
	IfName         string
	Statistics     SessionStatistics
}

// Conn is a genetlink connection bound to the l2tp family.
type Conn struct {
	genlFamily genetlink.Family
	c          *genetlink.Conn
}

// Dial creates a new genetlink L2TP connection to the kernel.
func Dial() (*Conn, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, err
	}

	id, err := c.GetFamily(GenlName)
	if err != nil {
		c.Close()
		return nil, err
	}

	return &Conn{
		genlFamily: id,
		c:          c,
	}, nil
}

// Close connection, releasing associated resources
func (c *Conn) Close() {
	c.c.Close()
}

// IsNotFound reports whether err is the kernel telling us the tunnel or
// session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENOENT)
}

// IsExist reports whether err is the kernel rejecting a duplicate instance.
func IsExist(err error) bool {
	return errors.Is(err, unix.EEXIST)
}

// CreateStaticTunnel creates an unmanaged tunnel instance in the kernel.
// Ports are only used for UDP encapsulation.
func (c *Conn) CreateStaticTunnel(localAddr net.IP, localPort uint16,
	peerAddr net.IP, peerPort uint16,
	config *TunnelConfig) error {

	if localAddr == nil {
		return errors.New("unmanaged tunnel needs a valid local address")
	}
	if peerAddr == nil {
		return errors.New("unmanaged tunnel needs a valid peer address")
	}
	if ipAddrLen(localAddr) != ipAddrLen(peerAddr) {
		return errors.New("local and peer IP addresses must be of the same address family")
	}

	attr, err := tunnelCreateAttr(config)
	if err != nil {
		return err
	}

	saddr, daddr := uint16(AttrIpSaddr), uint16(AttrIpDaddr)
	if ipAddrLen(localAddr) == 16 {
		saddr, daddr = AttrIp6Saddr, AttrIp6Daddr
	}
	attr = append(attr, netlink.Attribute{
		Type: saddr,
		Data: ipAddrBytes(localAddr),
	}, netlink.Attribute{
		Type: daddr,
		Data: ipAddrBytes(peerAddr),
	})

	if config.Encap == EncaptypeUdp {
		if localPort == 0 || peerPort == 0 {
			return errors.New("UDP encapsulated tunnel needs valid local and peer ports")
		}
		attr = append(attr, netlink.Attribute{
			Type: AttrUdpSport,
			Data: nlenc.Uint16Bytes(localPort),
		}, netlink.Attribute{
			Type: AttrUdpDport,
			Data: nlenc.Uint16Bytes(peerPort),
		})
	}

	return c.execute(CmdTunnelCreate, attr)
}

// DeleteTunnel deletes a tunnel instance in the kernel, along with any
// sessions it contains.
func (c *Conn) DeleteTunnel(config *TunnelConfig) error {
	if config == nil {
		return errors.New("invalid nil tunnel config")
	}
	return c.execute(CmdTunnelDelete, []netlink.Attribute{
		{
			Type: AttrConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Tid)),
		},
	})
}

// GetTunnelInfo queries the kernel for the tunnel with the given ID.
func (c *Conn) GetTunnelInfo(tid L2tpTunnelID) (*TunnelInfo, error) {
	msgs, err := c.query(CmdTunnelGet, []netlink.Attribute{
		{
			Type: AttrConnId,
			Data: nlenc.Uint32Bytes(uint32(tid)),
		},
	})
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		info, err := decodeTunnelInfo(m.Data)
		if err != nil {
			return nil, err
		}
		if info.Tid == tid {
			return info, nil
		}
	}
	return nil, fmt.Errorf("tunnel %d: %w", tid, unix.ENODEV)
}

// CreateSession creates a session instance in the kernel.
func (c *Conn) CreateSession(config *SessionConfig) error {
	attr, err := sessionCreateAttr(config)
	if err != nil {
		return err
	}
	return c.execute(CmdSessionCreate, attr)
}

// DeleteSession deletes a session instance in the kernel.
func (c *Conn) DeleteSession(config *SessionConfig) error {
	if config == nil {
		return errors.New("invalid nil session config")
	}
	return c.execute(CmdSessionDelete, sessionKeyAttr(config))
}

// GetSessionInfo queries the kernel for a session instance.
func (c *Conn) GetSessionInfo(config *SessionConfig) (*SessionInfo, error) {
	if config == nil {
		return nil, errors.New("invalid nil session config")
	}
	msgs, err := c.query(CmdSessionGet, sessionKeyAttr(config))
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		info, err := decodeSessionInfo(m.Data)
		if err != nil {
			return nil, err
		}
		if info.Tid == config.Tid && info.Sid == config.Sid {
			return info, nil
		}
	}
	return nil, fmt.Errorf("session %d/%d: %w", config.Tid, config.Sid, unix.ENODEV)
}

func (c *Conn) execute(cmd L2tpCmd, attr []netlink.Attribute) error {
	_, err := c.send(cmd, attr, netlink.Request|netlink.Acknowledge)
	return err
}

func (c *Conn) query(cmd L2tpCmd, attr []netlink.Attribute) ([]genetlink.Message, error) {
	return c.send(cmd, attr, netlink.Request)
}

func (c *Conn) send(cmd L2tpCmd, attr []netlink.Attribute, flags netlink.HeaderFlags) ([]genetlink.Message, error) {
	b, err := netlink.MarshalAttributes(attr)
	if err != nil {
		return nil, err
	}

	req := genetlink.Message{
		Header: genetlink.Header{
			Command: uint8(cmd),
			Version: c.genlFamily.Version,
		},
		Data: b,
	}

	return c.c.Execute(req, c.genlFamily.ID, flags)
}

func tunnelCreateAttr(config *TunnelConfig) ([]netlink.Attribute, error) {

	// Basic error checking
	if config == nil {
		return nil, errors.New("invalid nil tunnel config")
	}
	if config.Tid == 0 {
		return nil, errors.New("tunnel config must have a non-zero tunnel ID")
	}
	if config.Ptid == 0 {
		return nil, errors.New("tunnel config must have a non-zero peer tunnel ID")
	}
	if config.Version < ProtocolVersion2 || config.Version > ProtocolVersion3 {
		return nil, fmt.Errorf("invalid tunnel protocol version %d", config.Version)
	}
	if config.Encap != EncaptypeUdp && config.Encap != EncaptypeIp {
		return nil, errors.New("invalid tunnel encap (expect IP or UDP)")
	}

	// Version-specific checks
	if config.Version == ProtocolVersion2 {
		if config.Tid > 65535 {
			return nil, errors.New("L2TPv2 tunnel ID can't exceed 16-bit limit")
		}
		if config.Ptid > 65535 {
			return nil, errors.New("L2TPv2 peer tunnel ID can't exceed 16-bit limit")
		}
		if config.Encap != EncaptypeUdp {
			return nil, errors.New("L2TPv2 only supports UDP encapsulation")
		}
	}

	return []netlink.Attribute{
		{
			Type: AttrConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Tid)),
		},
		{
			Type: AttrPeerConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Ptid)),
		},
		{
			Type: AttrProtoVersion,
			Data: nlenc.Uint8Bytes(uint8(config.Version)),
		},
		{
			Type: AttrEncapType,
			Data: nlenc.Uint16Bytes(uint16(config.Encap)),
		},
		{
			Type: AttrDebug,
			Data: nlenc.Uint32Bytes(uint32(config.DebugFlags)),
		},
	}, nil
}

func sessionKeyAttr(config *SessionConfig) []netlink.Attribute {
	return []netlink.Attribute{
		{
			Type: AttrConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Tid)),
		},
		{
			Type: AttrSessionId,
			Data: nlenc.Uint32Bytes(uint32(config.Sid)),
		},
	}
}

func sessionCreateAttr(config *SessionConfig) ([]netlink.Attribute, error) {
	if config == nil {
		return nil, errors.New("invalid nil session config")
	}
	if config.Tid == 0 || config.Ptid == 0 {
		return nil, errors.New("session config must have non-zero tunnel IDs")
	}
	if config.Sid == 0 {
		return nil, errors.New("session config must have a non-zero session ID")
	}
	if config.Psid == 0 {
		return nil, errors.New("session config must have a non-zero peer session ID")
	}
	switch config.PseudowireType {
	case PwtypeEth, PwtypeEthVlan, PwtypePpp, PwtypeIp:
	default:
		return nil, fmt.Errorf("unsupported pseudowire type %d", config.PseudowireType)
	}

	attr := []netlink.Attribute{
		{
			Type: AttrConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Tid)),
		},
		{
			Type: AttrPeerConnId,
			Data: nlenc.Uint32Bytes(uint32(config.Ptid)),
		},
		{
			Type: AttrSessionId,
			Data: nlenc.Uint32Bytes(uint32(config.Sid)),
		},
		{
			Type: AttrPeerSessionId,
			Data: nlenc.Uint32Bytes(uint32(config.Psid)),
		},
		{
			Type: AttrPwType,
			Data: nlenc.Uint16Bytes(uint16(config.PseudowireType)),
		},
		{
			Type: AttrL2specType,
			Data: nlenc.Uint8Bytes(uint8(config.L2SpecType)),
		},
		{
			Type: AttrDebug,
			Data: nlenc.Uint32Bytes(uint32(config.DebugFlags)),
		},
	}
	if config.L2SpecType == L2spectypeDefault {
		attr = append(attr, netlink.Attribute{
			Type: AttrL2specLen,
			Data: nlenc.Uint8Bytes(4),
		})
	}
	if config.IfName != "" {
		if len(config.IfName) >= unix.IFNAMSIZ {
			return nil, fmt.Errorf("interface name %q too long", config.IfName)
		}
		attr = append(attr, netlink.Attribute{
			Type: AttrIfname,
			Data: nlenc.Bytes(config.IfName),
		})
	}
	return attr, nil
}

func decodeTunnelInfo(b []byte) (*TunnelInfo, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return nil, err
	}
	info := &TunnelInfo{}
	for ad.Next() {
		switch ad.Type() {
		case AttrConnId:
			info.Tid = L2tpTunnelID(ad.Uint32())
		case AttrPeerConnId:
			info.Ptid = L2tpTunnelID(ad.Uint32())
		case AttrProtoVersion:
			info.Version = L2tpProtocolVersion(ad.Uint8())
		case AttrEncapType:
			info.Encap = L2tpEncapType(ad.Uint16())
		case AttrIpSaddr, AttrIp6Saddr:
			info.Local = net.IP(ad.Bytes())
		case AttrIpDaddr, AttrIp6Daddr:
			info.Peer = net.IP(ad.Bytes())
		case AttrUdpSport:
			info.LocalPort = ad.Uint16()
		case AttrUdpDport:
			info.PeerPort = ad.Uint16()
		}
	}
	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode tunnel info: %v", err)
	}
	return info, nil
}

func decodeSessionInfo(b []byte) (*SessionInfo, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return nil, err
	}
	info := &SessionInfo{}
	for ad.Next() {
		switch ad.Type() {
		case AttrConnId:
			info.Tid = L2tpTunnelID(ad.Uint32())
		case AttrPeerConnId:
			info.Ptid = L2tpTunnelID(ad.Uint32())
		case AttrSessionId:
			info.Sid = L2tpSessionID(ad.Uint32())
		case AttrPeerSessionId:
			info.Psid = L2tpSessionID(ad.Uint32())
		case AttrPwType:
			info.PseudowireType = L2tpPwtype(ad.Uint16())
		case AttrIfname:
			info.IfName = ad.String()
		case AttrStats:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				return decodeStats(nad, &info.Statistics)
			})
		}
	}
	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode session info: %v", err)
	}
	return info, nil
}

func decodeStats(ad *netlink.AttributeDecoder, stats *SessionStatistics) error {
	for ad.Next() {
		switch ad.Type() {
		case AttrTxPackets:
			stats.TxPacketCount = ad.Uint64()
		case AttrTxBytes:
			stats.TxBytes = ad.Uint64()
		case AttrTxErrors:
			stats.TxErrorCount = ad.Uint64()
		case AttrRxPackets:
			stats.RxPacketCount = ad.Uint64()
		case AttrRxBytes:
			stats.RxBytes = ad.Uint64()
		case AttrRxErrors:
			stats.RxErrorCount = ad.Uint64()
		}
	}
	return nil
}

func ipAddrLen(addr net.IP) uint {
	switch {
	case addr == nil:
		return 0
	case addr.To4() != nil:
		return 4
	case addr.To16() != nil:
		return 16
	default:
		return 0
	}
}

func ipAddrBytes(addr net.IP) []byte {
	if addr != nil {
		b := addr.To4()
		if b != nil {
			return b
		}
		b = addr.To16()
		if b != nil {
			return b
		}
	}
	return nil
}

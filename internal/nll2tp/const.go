package nll2tp

// Generic netlink family name and version for the kernel L2TP subsystem,
// as defined in linux/l2tp.h.
const (
	GenlName    = "l2tp"
	GenlVersion = 0x1
)

// L2tpCmd is a generic netlink command for the l2tp family.
type L2tpCmd uint8

const (
	CmdNoop          L2tpCmd = 0
	CmdTunnelCreate  L2tpCmd = 1
	CmdTunnelDelete  L2tpCmd = 2
	CmdTunnelModify  L2tpCmd = 3
	CmdTunnelGet     L2tpCmd = 4
	CmdSessionCreate L2tpCmd = 5
	CmdSessionDelete L2tpCmd = 6
	CmdSessionModify L2tpCmd = 7
	CmdSessionGet    L2tpCmd = 8
)

// Netlink attribute types.
const (
	AttrNone           = 0
	AttrPwType         = 1  // u16
	AttrEncapType      = 2  // u16
	AttrOffset         = 3  // u16, obsolete
	AttrDataSeq        = 4  // u16, obsolete
	AttrL2specType     = 5  // u8
	AttrL2specLen      = 6  // u8
	AttrProtoVersion   = 7  // u8
	AttrIfname         = 8  // string
	AttrConnId         = 9  // u32
	AttrPeerConnId     = 10 // u32
	AttrSessionId      = 11 // u32
	AttrPeerSessionId  = 12 // u32
	AttrUdpCsum        = 13 // u8
	AttrVlanId         = 14 // u16
	AttrCookie         = 15 // 0, 4 or 8 bytes
	AttrPeerCookie     = 16 // 0, 4 or 8 bytes
	AttrDebug          = 17 // u32
	AttrRecvSeq        = 18 // u8
	AttrSendSeq        = 19 // u8
	AttrLnsMode        = 20 // u8
	AttrUsingIpsec     = 21 // u8
	AttrRecvTimeout    = 22 // msec
	AttrFd             = 23 // int32
	AttrIpSaddr        = 24 // u32
	AttrIpDaddr        = 25 // u32
	AttrUdpSport       = 26 // u16
	AttrUdpDport       = 27 // u16
	AttrMtu            = 28 // u16
	AttrMru            = 29 // u16
	AttrStats          = 30 // nested
	AttrIp6Saddr       = 31 // struct in6_addr
	AttrIp6Daddr       = 32 // struct in6_addr
	AttrUdpZeroCsum6Tx = 33 // flag
	AttrUdpZeroCsum6Rx = 34 // flag
	AttrPad            = 35
)

// Nested statistics attribute types.
const (
	AttrStatsNone     = 0
	AttrTxPackets     = 1 // u64
	AttrTxBytes       = 2 // u64
	AttrTxErrors      = 3 // u64
	AttrRxPackets     = 4 // u64
	AttrRxBytes       = 5 // u64
	AttrRxSeqDiscards = 6 // u64
	AttrRxOosPackets  = 7 // u64
	AttrRxErrors      = 8 // u64
	AttrStatsPad      = 9
)

// L2tpPwtype is the pseudowire type carried by a session.
type L2tpPwtype uint16

const (
	PwtypeNone    L2tpPwtype = 0x0000
	PwtypeEthVlan L2tpPwtype = 0x0004
	PwtypeEth     L2tpPwtype = 0x0005
	PwtypePpp     L2tpPwtype = 0x0007
	PwtypePppAc   L2tpPwtype = 0x0008
	PwtypeIp      L2tpPwtype = 0x000b
)

// L2tpEncapType is the lower-level encapsulation of a tunnel.
type L2tpEncapType uint16

const (
	EncaptypeUdp L2tpEncapType = 0
	EncaptypeIp  L2tpEncapType = 1
)

// L2tpL2specType is the Layer 2 specific sublayer type of a session.
type L2tpL2specType uint8

const (
	L2spectypeNone    L2tpL2specType = 0
	L2spectypeDefault L2tpL2specType = 1
)

// L2tpDebugFlags control kernel debug output for tunnels and sessions.
type L2tpDebugFlags uint32

const (
	MsgControl L2tpDebugFlags = 1 << 0
	MsgSeq     L2tpDebugFlags = 1 << 1
	MsgData    L2tpDebugFlags = 1 << 2
)

package nll2tp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

func TestTunnelCreateAttr(t *testing.T) {
	cases := []struct {
		name       string
		cfg        *TunnelConfig
		expectFail bool
	}{
		{
			name: "l2tpv3 ip",
			cfg:  &TunnelConfig{Tid: 1000, Ptid: 2000, Version: ProtocolVersion3, Encap: EncaptypeIp},
		},
		{
			name: "l2tpv3 udp",
			cfg:  &TunnelConfig{Tid: 1000, Ptid: 2000, Version: ProtocolVersion3, Encap: EncaptypeUdp},
		},
		{
			name:       "nil",
			expectFail: true,
		},
		{
			name:       "zero tid",
			cfg:        &TunnelConfig{Ptid: 2000, Version: ProtocolVersion3},
			expectFail: true,
		},
		{
			name:       "zero ptid",
			cfg:        &TunnelConfig{Tid: 1000, Version: ProtocolVersion3},
			expectFail: true,
		},
		{
			name:       "bad version",
			cfg:        &TunnelConfig{Tid: 1000, Ptid: 2000, Version: 4},
			expectFail: true,
		},
		{
			name:       "l2tpv2 ip encap",
			cfg:        &TunnelConfig{Tid: 10, Ptid: 20, Version: ProtocolVersion2, Encap: EncaptypeIp},
			expectFail: true,
		},
		{
			name:       "l2tpv2 tid range",
			cfg:        &TunnelConfig{Tid: 70000, Ptid: 20, Version: ProtocolVersion2, Encap: EncaptypeUdp},
			expectFail: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			attr, err := tunnelCreateAttr(c.cfg)
			if c.expectFail {
				if err == nil {
					t.Fatalf("tunnelCreateAttr(%v) succeeded, expected failure", c.cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("tunnelCreateAttr(%v): %v", c.cfg, err)
			}
			if attr[0].Type != AttrConnId || nlenc.Uint32(attr[0].Data) != uint32(c.cfg.Tid) {
				t.Errorf("expected first attribute to carry tunnel ID %d, got %v", c.cfg.Tid, attr[0])
			}
		})
	}
}

func TestSessionCreateAttr(t *testing.T) {
	cases := []struct {
		name       string
		cfg        *SessionConfig
		expectLen  int
		expectFail bool
	}{
		{
			name:      "eth with ifname",
			cfg:       &SessionConfig{Tid: 1000, Ptid: 2000, Sid: 10, Psid: 20, PseudowireType: PwtypeEth, IfName: "l2tpeth0"},
			expectLen: 8,
		},
		{
			name:      "eth default l2spec",
			cfg:       &SessionConfig{Tid: 1000, Ptid: 2000, Sid: 10, Psid: 20, PseudowireType: PwtypeEth, L2SpecType: L2spectypeDefault},
			expectLen: 8,
		},
		{
			name:       "zero sid",
			cfg:        &SessionConfig{Tid: 1000, Ptid: 2000, Psid: 20, PseudowireType: PwtypeEth},
			expectFail: true,
		},
		{
			name:       "zero psid",
			cfg:        &SessionConfig{Tid: 1000, Ptid: 2000, Sid: 10, PseudowireType: PwtypeEth},
			expectFail: true,
		},
		{
			name:       "no pseudowire",
			cfg:        &SessionConfig{Tid: 1000, Ptid: 2000, Sid: 10, Psid: 20},
			expectFail: true,
		},
		{
			name:       "ifname too long",
			cfg:        &SessionConfig{Tid: 1000, Ptid: 2000, Sid: 10, Psid: 20, PseudowireType: PwtypeEth, IfName: "l2tpeth0123456789"},
			expectFail: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			attr, err := sessionCreateAttr(c.cfg)
			if c.expectFail {
				if err == nil {
					t.Fatalf("sessionCreateAttr(%v) succeeded, expected failure", c.cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("sessionCreateAttr(%v): %v", c.cfg, err)
			}
			if len(attr) != c.expectLen {
				t.Errorf("expected %d attributes, got %d", c.expectLen, len(attr))
			}
		})
	}
}

func TestDecodeSessionInfo(t *testing.T) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(AttrConnId, 1000)
	ae.Uint32(AttrPeerConnId, 2000)
	ae.Uint32(AttrSessionId, 10)
	ae.Uint32(AttrPeerSessionId, 20)
	ae.Uint16(AttrPwType, uint16(PwtypeEth))
	ae.String(AttrIfname, "l2tpeth3")
	ae.Nested(AttrStats, func(nae *netlink.AttributeEncoder) error {
		nae.Uint64(AttrTxBytes, 4096)
		nae.Uint64(AttrRxBytes, 8192)
		nae.Uint64(AttrRxErrors, 2)
		return nil
	})
	b, err := ae.Encode()
	if err != nil {
		t.Fatalf("Encode(): %v", err)
	}

	info, err := decodeSessionInfo(b)
	if err != nil {
		t.Fatalf("decodeSessionInfo(): %v", err)
	}
	expect := SessionInfo{
		Tid:            1000,
		Ptid:           2000,
		Sid:            10,
		Psid:           20,
		PseudowireType: PwtypeEth,
		IfName:         "l2tpeth3",
		Statistics: SessionStatistics{
			TxBytes:      4096,
			RxBytes:      8192,
			RxErrorCount: 2,
		},
	}
	if *info != expect {
		t.Errorf("expected %+v, got %+v", expect, *info)
	}
}

func TestDecodeTunnelInfo(t *testing.T) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(AttrConnId, 1100)
	ae.Uint32(AttrPeerConnId, 2100)
	ae.Uint8(AttrProtoVersion, ProtocolVersion3)
	ae.Uint16(AttrEncapType, uint16(EncaptypeUdp))
	ae.Bytes(AttrIpSaddr, []byte{192, 0, 2, 1})
	ae.Bytes(AttrIpDaddr, []byte{198, 51, 100, 1})
	ae.Uint16(AttrUdpSport, 55555)
	b, err := ae.Encode()
	if err != nil {
		t.Fatalf("Encode(): %v", err)
	}

	info, err := decodeTunnelInfo(b)
	if err != nil {
		t.Fatalf("decodeTunnelInfo(): %v", err)
	}
	if info.Tid != 1100 || info.Ptid != 2100 || info.Encap != EncaptypeUdp || info.LocalPort != 55555 {
		t.Errorf("unexpected tunnel info %+v", info)
	}
	if info.Local.String() != "192.0.2.1" || info.Peer.String() != "198.51.100.1" {
		t.Errorf("unexpected addresses %v -> %v", info.Local, info.Peer)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err       error
		notFound  bool
		duplicate bool
	}{
		{err: unix.ENODEV, notFound: true},
		{err: fmt.Errorf("get: %w", unix.ENOENT), notFound: true},
		{err: &netlink.OpError{Op: "receive", Err: unix.EEXIST}, duplicate: true},
		{err: errors.New("boom")},
	}
	for _, c := range cases {
		if got := IsNotFound(c.err); got != c.notFound {
			t.Errorf("IsNotFound(%v): expected %v, got %v", c.err, c.notFound, got)
		}
		if got := IsExist(c.err); got != c.duplicate {
			t.Errorf("IsExist(%v): expected %v, got %v", c.err, c.duplicate, got)
		}
	}
}

package ipv4

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket/layers"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/protocol"
)

// Session routes datagrams between one (local, remote) address pair on
// behalf of the upstream protocol that opened it.
type Session struct {
	proto    *Protocol
	upstream protocol.ProtocolId
	local    netip.Addr
	remote   netip.Addr
	slot     int
	mtu      int

	downstream protocol.Session
}

// Send builds an IPv4 header addressed from Session.local to Session.remote
// naming upstream as the payload protocol, fragmenting per RFC 791 §3.2 if
// msg exceeds the route's MTU, and submits each resulting datagram to the
// underlying pci session.
func (s *Session) Send(msg message.Message, m protocol.Machiner) error {
	srcBytes := s.local.As4()
	dstBytes := s.remote.As4()

	hdr := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      DefaultTTL,
		Id:       uint16(s.proto.idCounter.Add(1)),
		Protocol: layers.IPProtocol(s.upstream),
		SrcIP:    net.IP(srcBytes[:]),
		DstIP:    net.IP(dstBytes[:]),
	}

	datagrams, err := buildDatagrams(hdr, msg.Bytes(), s.mtu)
	if err != nil {
		return err
	}

	for _, raw := range datagrams {
		if err := s.downstream.Send(message.New(raw), m); err != nil {
			return err
		}
	}
	return nil
}

// Receive is unused: inbound datagrams are handled by Protocol.Demux, which
// constructs a fresh reply Session rather than replaying data through an
// existing one.
func (s *Session) Receive(msg message.Message, ctl control.Control, m protocol.Machiner) error {
	return fmt.Errorf("ipv4: Receive is not supported on an ipv4 session")
}

// Query delegates PCI-slot queries to the underlying pci session and
// otherwise reports no match.
func (s *Session) Query(key control.Key) (control.Value, bool) {
	return s.downstream.Query(key)
}

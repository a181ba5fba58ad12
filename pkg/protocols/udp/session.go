package udp

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/endpoint"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/protocol"
)

// Session is a UDP flow between one local and one remote Endpoint. It
// carries no state beyond its key and the downstream IPv4 session: it is
// never explicitly closed, matching the lifetime UDP sessions have in the
// data model (destroyed only when the owning protocol is dropped).
type Session struct {
	local  endpoint.Endpoint
	remote endpoint.Endpoint
	app    Application

	downstream protocol.Session
}

// Send frames payload with a UDP header addressed from local to remote,
// computing the RFC 768 checksum over the IPv4 pseudo-header, and submits
// it to the downstream IPv4 session.
func (s *Session) Send(msg message.Message, m protocol.Machiner) error {
	hdr := layers.UDP{
		SrcPort: layers.UDPPort(s.local.Port),
		DstPort: layers.UDPPort(s.remote.Port),
	}

	srcBytes := s.local.Addr.As4()
	dstBytes := s.remote.Addr.As4()
	pseudo := &layers.IPv4{
		SrcIP:    net.IP(srcBytes[:]),
		DstIP:    net.IP(dstBytes[:]),
		Protocol: layers.IPProtocolUDP,
	}
	if err := hdr.SetNetworkLayerForChecksum(pseudo); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	payload := msg.Bytes()
	if err := gopacket.SerializeLayers(buf, opts, &hdr, gopacket.Payload(payload)); err != nil {
		return err
	}

	raw := make([]byte, len(buf.Bytes()))
	copy(raw, buf.Bytes())

	return s.downstream.Send(message.New(raw), m)
}

// Receive is unused: Protocol.Demux delivers directly to Application.Receive
// rather than replaying data through the Session interface.
func (s *Session) Receive(msg message.Message, ctl control.Control, m protocol.Machiner) error {
	return fmt.Errorf("udp: Receive is not supported on a udp session")
}

// Query reports the session's endpoints when asked.
func (s *Session) Query(key control.Key) (control.Value, bool) {
	switch key {
	case control.KeyLocalEndpoint:
		return control.NewValue[uint64](s.local.Pack()), true
	case control.KeyRemoteEndpoint:
		return control.NewValue[uint64](s.remote.Pack()), true
	default:
		return control.Value{}, false
	}
}

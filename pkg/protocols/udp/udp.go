// Package udp implements the connectionless transport: Endpoints-keyed
// sessions, pseudo-header checksum validation per RFC 768, and listen
// bindings that spin up a session on first contact from a new peer.
package udp

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"go.uber.org/zap"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/endpoint"
	"github.com/elvis-sim/elvis/pkg/machine"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/protocol"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4"
)

// Application is the callback an upper layer (typically pkg/protocols/socket)
// registers to receive datagrams delivered to a UDP session.
type Application interface {
	Receive(msg message.Message, from endpoint.Endpoint)
}

// Protocol is the UDP transport. One instance per machine.
type Protocol struct {
	id     protocol.ProtocolId
	ipv4ID protocol.ProtocolId
	log    *zap.SugaredLogger

	sessions  *protocol.SessionMap[endpoint.Endpoints, *Session]
	listeners *protocol.SessionMap[endpoint.Endpoint, Application]
}

// New constructs a UDP protocol identified by id, riding atop the IPv4
// protocol identified by ipv4ID.
func New(id, ipv4ID protocol.ProtocolId, log *zap.SugaredLogger) *Protocol {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Protocol{
		id:        id,
		ipv4ID:    ipv4ID,
		log:       log,
		sessions:  protocol.NewSessionMap[endpoint.Endpoints, *Session](),
		listeners: protocol.NewSessionMap[endpoint.Endpoint, Application](),
	}
}

// ID satisfies protocol.Protocol.
func (p *Protocol) ID() protocol.ProtocolId { return p.id }

// Start has no background work: UDP has no retransmission or keep-alive.
func (p *Protocol) Start(ctx context.Context, shutdown protocol.Shutdown, barrier *protocol.Barrier, m protocol.Machiner) error {
	barrier.Arrive()
	if err := barrier.Wait(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Listen registers app to receive datagrams addressed to local, spinning up
// a fresh Session on first contact from each distinct remote peer.
func (p *Protocol) Listen(local endpoint.Endpoint, app Application) {
	p.listeners.Store(local, app)
}

// Open returns the session for (local, remote) on behalf of app, creating
// it (and the downstream IPv4 session) on first use.
func (p *Protocol) Open(local, remote endpoint.Endpoint, app Application, m protocol.Machiner) (*Session, error) {
	key := endpoint.Endpoints{Local: local, Remote: remote}
	return p.sessions.LoadOrCreate(key, func() (*Session, error) {
		return p.buildSession(local, remote, app, m)
	})
}

func (p *Protocol) buildSession(local, remote endpoint.Endpoint, app Application, m protocol.Machiner) (*Session, error) {
	ip, ok := machine.ProtocolAs[*ipv4.Protocol](m, p.ipv4ID)
	if !ok {
		return nil, protocol.ErrMissingProtocol
	}

	downstream, err := ip.Open(p.id, local.Addr, remote.Addr, m)
	if err != nil {
		return nil, err
	}

	return &Session{local: local, remote: remote, app: app, downstream: downstream}, nil
}

// Demux strips the UDP header, validates the checksum when nonzero, and
// delivers the payload to the matching session — an existing exact-match
// session, a freshly-spun-up session from a listen binding at the exact
// local endpoint, or (as a final fallback) a listen binding on the wildcard
// address.
func (p *Protocol) Demux(msg message.Message, caller protocol.Session, ctl control.Control, m protocol.Machiner) error {
	hdr := &layers.UDP{}
	if err := hdr.DecodeFromBytes(msg.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return err
	}

	addrs, err := ctl.Get(control.KeyIPv4Header)
	if err != nil {
		return err
	}
	src, dst := ipv4.UnpackAddrs(addrs)

	if hdr.Checksum != 0 && !verifyChecksum(hdr, hdr.Payload, src, dst) {
		p.log.Warnw("dropping udp datagram with invalid checksum", "src", src, "dst", dst)
		return nil
	}

	local := endpoint.Endpoint{Addr: dst, Port: uint16(hdr.DstPort)}
	remote := endpoint.Endpoint{Addr: src, Port: uint16(hdr.SrcPort)}
	key := endpoint.Endpoints{Local: local, Remote: remote}

	if sess, ok := p.sessions.Load(key); ok {
		sess.app.Receive(message.New(hdr.Payload), remote)
		return nil
	}

	if app, ok := p.listeners.Load(local); ok {
		return p.acceptFromListener(local, remote, app, hdr.Payload, m)
	}

	wildcard := endpoint.Endpoint{Addr: netip.IPv4Unspecified(), Port: local.Port}
	if app, ok := p.listeners.Load(wildcard); ok {
		return p.acceptFromListener(local, remote, app, hdr.Payload, m)
	}

	p.log.Warnw("dropping udp datagram: no session or listener", "local", local, "remote", remote)
	return protocol.ErrMissingSession
}

func (p *Protocol) acceptFromListener(local, remote endpoint.Endpoint, app Application, payload []byte, m protocol.Machiner) error {
	sess, err := p.Open(local, remote, app, m)
	if err != nil {
		return err
	}
	sess.app.Receive(message.New(payload), remote)
	return nil
}

func verifyChecksum(hdr *layers.UDP, payload []byte, src, dst netip.Addr) bool {
	check := *hdr
	srcBytes := src.As4()
	dstBytes := dst.As4()
	pseudo := &layers.IPv4{
		SrcIP:    net.IP(srcBytes[:]),
		DstIP:    net.IP(dstBytes[:]),
		Protocol: layers.IPProtocolUDP,
	}
	if err := check.SetNetworkLayerForChecksum(pseudo); err != nil {
		return false
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &check, gopacket.Payload(payload)); err != nil {
		return false
	}

	b := buf.Bytes()
	if len(b) < 8 {
		return false
	}
	return binary.BigEndian.Uint16(b[6:8]) == hdr.Checksum
}

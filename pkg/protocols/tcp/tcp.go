// Package tcp implements the reliable byte-stream transport: a TCB state
// machine per RFC 9293, modular sequence-number arithmetic (package
// seqnum), out-of-order segment reassembly, and exponential-backoff
// retransmission.
package tcp

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"go.uber.org/zap"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/endpoint"
	"github.com/elvis-sim/elvis/pkg/machine"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/protocol"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4"
	"github.com/elvis-sim/elvis/pkg/protocols/tcp/seqnum"
)

// Application receives bytes as they become available in stream order.
type Application interface {
	Receive(data []byte, from endpoint.Endpoint)
}

// MSL is the simulated maximum segment lifetime; TimeWait holds for 2*MSL
// before the TCB is destroyed, per RFC 9293 §3.3.3. Real stacks use two
// minutes; a discrete-event simulation scales it down so scenarios and
// tests don't pay wall-clock minutes for a formality.
const MSL = 150 * time.Millisecond

type segmentFlags struct {
	SYN, ACK, FIN, RST, PSH bool
}

// Protocol is the TCP transport. One instance per machine.
type Protocol struct {
	id     protocol.ProtocolId
	ipv4ID protocol.ProtocolId
	log    *zap.SugaredLogger

	sessions  *protocol.SessionMap[endpoint.Endpoints, *Session]
	listeners *protocol.SessionMap[endpoint.Endpoint, *listener]

	ctxVal context.Context
	ctxSet chan struct{}
}

// listener accepts completed handshakes for a local endpoint bound via Listen.
type listener struct {
	local   endpoint.Endpoint
	app     Application
	backlog chan *Session
}

// New constructs a TCP protocol identified by id, riding atop the IPv4
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
		listeners: protocol.NewSessionMap[endpoint.Endpoint, *listener](),
		ctxSet:    make(chan struct{}),
	}
}

// ID satisfies protocol.Protocol.
func (p *Protocol) ID() protocol.ProtocolId { return p.id }

// Start records the run context (so later-created sessions can spawn
// retransmit loops bound to it) and blocks until shutdown.
func (p *Protocol) Start(ctx context.Context, shutdown protocol.Shutdown, barrier *protocol.Barrier, m protocol.Machiner) error {
	p.ctxVal = ctx
	close(p.ctxSet)
	barrier.Arrive()
	if err := barrier.Wait(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// runContext blocks until Start has recorded the run's context.
func (p *Protocol) runContext() context.Context {
	<-p.ctxSet
	return p.ctxVal
}

// Listen binds local with app as the Application every accepted connection
// delivers data to, returning a handle whose Accept yields sessions as
// their handshake completes.
func (p *Protocol) Listen(local endpoint.Endpoint, app Application, backlog int) *Listener {
	l := &listener{local: local, app: app, backlog: make(chan *Session, backlog)}
	p.listeners.Store(local, l)
	return &Listener{l: l}
}

// Listener is the accept-side handle returned by Listen.
type Listener struct{ l *listener }

// Accept blocks until an inbound connection completes its handshake, or ctx
// is cancelled.
func (a *Listener) Accept(ctx context.Context) (*Session, error) {
	select {
	case s := <-a.l.backlog:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connect performs an active open against remote, blocking until the
// three-way handshake completes, fails, or ctx is cancelled.
func (p *Protocol) Connect(ctx context.Context, local, remote endpoint.Endpoint, app Application, m protocol.Machiner) (*Session, error) {
	ip, ok := machine.ProtocolAs[*ipv4.Protocol](m, p.ipv4ID)
	if !ok {
		return nil, protocol.ErrMissingProtocol
	}
	downstream, err := ip.Open(p.id, local.Addr, remote.Addr, m)
	if err != nil {
		return nil, err
	}

	s := newSession(p, local, remote, app, downstream)
	if err := s.tcb.Transition(EventActiveOpen); err != nil {
		return nil, err
	}
	p.sessions.Store(endpoint.Endpoints{Local: local, Remote: remote}, s)
	go s.retransmitLoop(p.runContext())

	if err := s.sendControl(segmentFlags{SYN: true}, nil); err != nil {
		return nil, err
	}

	select {
	case <-s.established:
		return s, nil
	case <-s.failed:
		return nil, ErrConnectionRefused{Remote: remote.String()}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Demux decodes an inbound TCP segment, validates its checksum, and routes
// it to the matching session (or spawns one from a listen binding, for an
// inbound SYN).
func (p *Protocol) Demux(msg message.Message, caller protocol.Session, ctl control.Control, m protocol.Machiner) error {
	hdr := &layers.TCP{}
	if err := hdr.DecodeFromBytes(msg.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return err
	}

	addrs, err := ctl.Get(control.KeyIPv4Header)
	if err != nil {
		return err
	}
	src, dst := ipv4.UnpackAddrs(addrs)

	if hdr.Checksum != 0 && !verifyChecksum(hdr, hdr.Payload, src, dst) {
		p.log.Warnw("dropping tcp segment with invalid checksum", "src", src, "dst", dst)
		return nil
	}

	local := endpoint.Endpoint{Addr: dst, Port: uint16(hdr.DstPort)}
	remote := endpoint.Endpoint{Addr: src, Port: uint16(hdr.SrcPort)}
	key := endpoint.Endpoints{Local: local, Remote: remote}

	if sess, ok := p.sessions.Load(key); ok {
		sess.handleSegment(hdr)
		return nil
	}

	if hdr.SYN && !hdr.ACK {
		l, ok := p.listeners.Load(local)
		if !ok {
			p.log.Warnw("dropping tcp SYN: no listener", "local", local)
			return nil
		}
		return p.acceptFromListener(l, local, remote, hdr, m)
	}

	p.log.Warnw("dropping tcp segment: no matching session", "local", local, "remote", remote)
	return protocol.ErrMissingSession
}

func (p *Protocol) acceptFromListener(l *listener, local, remote endpoint.Endpoint, hdr *layers.TCP, m protocol.Machiner) error {
	ip, ok := machine.ProtocolAs[*ipv4.Protocol](m, p.ipv4ID)
	if !ok {
		return protocol.ErrMissingProtocol
	}
	downstream, err := ip.Open(p.id, local.Addr, remote.Addr, m)
	if err != nil {
		return err
	}

	s := newSession(p, local, remote, l.app, downstream)
	s.acceptedInto = l.backlog
	if err := s.tcb.Transition(EventPassiveOpen); err != nil {
		return err
	}
	p.sessions.Store(endpoint.Endpoints{Local: local, Remote: remote}, s)
	go s.retransmitLoop(p.runContext())

	s.handleSegment(hdr)
	return nil
}

func verifyChecksum(hdr *layers.TCP, payload []byte, src, dst netip.Addr) bool {
	check := *hdr
	check.Payload = nil
	srcBytes := src.As4()
	dstBytes := dst.As4()
	pseudo := &layers.IPv4{
		SrcIP:    net.IP(srcBytes[:]),
		DstIP:    net.IP(dstBytes[:]),
		Protocol: layers.IPProtocolTCP,
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
	decoded := &layers.TCP{}
	if err := decoded.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return false
	}
	return decoded.Checksum == hdr.Checksum
}

func buildSegment(local, remote endpoint.Endpoint, seq, ack seqnum.Value, flags segmentFlags, window uint16, payload []byte) ([]byte, error) {
	hdr := layers.TCP{
		SrcPort:    layers.TCPPort(local.Port),
		DstPort:    layers.TCPPort(remote.Port),
		Seq:        seq,
		Ack:        ack,
		SYN:        flags.SYN,
		ACK:        flags.ACK,
		FIN:        flags.FIN,
		RST:        flags.RST,
		PSH:        flags.PSH,
		Window:     window,
		DataOffset: 5,
	}

	srcBytes := local.Addr.As4()
	dstBytes := remote.Addr.As4()
	pseudo := &layers.IPv4{
		SrcIP:    net.IP(srcBytes[:]),
		DstIP:    net.IP(dstBytes[:]),
		Protocol: layers.IPProtocolTCP,
	}
	if err := hdr.SetNetworkLayerForChecksum(pseudo); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &hdr, gopacket.Payload(payload)); err != nil {
		return nil, err
	}

	raw := make([]byte, len(buf.Bytes()))
	copy(raw, buf.Bytes())
	return raw, nil
}

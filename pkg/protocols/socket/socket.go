// Package socket is a thin BSD-socket-shaped façade over pkg/protocols/tcp
// and pkg/protocols/udp: one Socket value per connection or listen binding,
// dispatching to whichever transport it was constructed for. It adds no
// scheduling of its own — every blocking operation is a context-aware
// channel receive delegated to the underlying transport's Application
// callback.
package socket

import (
	"context"
	"fmt"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/endpoint"
	"github.com/elvis-sim/elvis/pkg/protocol"
	"github.com/elvis-sim/elvis/pkg/protocols/tcp"
	"github.com/elvis-sim/elvis/pkg/protocols/udp"
)

// Family names the address family a Socket is constructed for. The
// simulator only ever speaks IPv4, but the taxonomy is kept so callers read
// like they would against a real socket API.
type Family uint8

const FamilyInet Family = 1

// Kind selects the transport semantics: a byte stream (TCP) or individually
// framed datagrams (UDP).
type Kind uint8

const (
	KindStream Kind = iota + 1
	KindDatagram
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	default:
		return "unknown"
	}
}

// Option configures a Socket at construction time.
type Option func(*Socket)

// WithTCP supplies the machine's TCP protocol instance, required for
// KindStream sockets.
func WithTCP(p *tcp.Protocol) Option { return func(s *Socket) { s.tcpProto = p } }

// WithUDP supplies the machine's UDP protocol instance, required for
// KindDatagram sockets.
func WithUDP(p *udp.Protocol) Option { return func(s *Socket) { s.udpProto = p } }

// WithMachiner supplies the protocol.Machiner threaded through to
// Connect/Open calls on the underlying transport.
func WithMachiner(m protocol.Machiner) Option { return func(s *Socket) { s.machiner = m } }

// Socket is a single connection (stream) or binding (datagram), or a
// listening stream socket awaiting Accept.
type Socket struct {
	family Family
	kind   Kind

	tcpProto *tcp.Protocol
	udpProto *udp.Protocol
	machiner protocol.Machiner

	local  endpoint.Endpoint
	remote endpoint.Endpoint
	bound  bool

	tcpSess     *tcp.Session
	tcpListener *tcp.Listener
	listenerApp *listenerApp

	udpSess     *udp.Session
	datagramApp *datagramApp

	chunkApp *chunkApp
	residual []byte
}

// NewSocket constructs an unbound, unconnected Socket of the given family
// and kind. WithTCP or WithUDP (matching kind) must be supplied.
func NewSocket(family Family, kind Kind, opts ...Option) (*Socket, error) {
	if family != FamilyInet {
		return nil, Error{Kind: ErrOther, Err: fmt.Errorf("socket: unsupported family %d", family)}
	}

	s := &Socket{family: family, kind: kind}
	for _, opt := range opts {
		opt(s)
	}

	switch kind {
	case KindStream:
		if s.tcpProto == nil {
			return nil, Error{Kind: ErrOther, Err: fmt.Errorf("socket: stream socket requires WithTCP")}
		}
	case KindDatagram:
		if s.udpProto == nil {
			return nil, Error{Kind: ErrOther, Err: fmt.Errorf("socket: datagram socket requires WithUDP")}
		}
	default:
		return nil, Error{Kind: ErrOther, Err: fmt.Errorf("socket: unsupported kind %d", kind)}
	}

	return s, nil
}

// Bind assigns the local endpoint a subsequent Listen or Connect uses.
func (s *Socket) Bind(local endpoint.Endpoint) error {
	if s.bound {
		return Error{Kind: ErrOther, Err: fmt.Errorf("socket: already bound to %s", s.local)}
	}
	s.local = local
	s.bound = true
	return nil
}

// Listen starts accepting inbound connections (stream) or datagrams
// (datagram) on the bound local endpoint.
func (s *Socket) Listen(backlog int) error {
	if !s.bound {
		return Error{Kind: ErrOther, Err: fmt.Errorf("socket: Listen requires Bind first")}
	}

	switch s.kind {
	case KindStream:
		s.listenerApp = newListenerApp()
		s.tcpListener = s.tcpProto.Listen(s.local, s.listenerApp, backlog)
		return nil
	case KindDatagram:
		s.datagramApp = newDatagramApp()
		s.udpProto.Listen(s.local, s.datagramApp)
		return nil
	default:
		return Error{Kind: ErrOther, Err: fmt.Errorf("socket: Listen unsupported for kind %s", s.kind)}
	}
}

// Accept blocks for the next inbound stream connection. Only valid on a
// listening KindStream socket.
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	if s.kind != KindStream || s.tcpListener == nil {
		return nil, Error{Kind: ErrOther, Err: fmt.Errorf("socket: Accept requires a listening stream socket")}
	}

	sess, err := s.tcpListener.Accept(ctx)
	if err != nil {
		return nil, classifyCtxErr(err)
	}

	remote := queryEndpoint(sess, control.KeyRemoteEndpoint)
	local := queryEndpoint(sess, control.KeyLocalEndpoint)

	child := &Socket{
		family:   s.family,
		kind:     KindStream,
		tcpProto: s.tcpProto,
		machiner: s.machiner,
		local:    local,
		remote:   remote,
		bound:    true,
		tcpSess:  sess,
		chunkApp: newChunkApp(),
	}
	s.listenerApp.register(remote, child.chunkApp)
	return child, nil
}

// Connect establishes a stream connection or binds a datagram socket's
// default peer.
func (s *Socket) Connect(ctx context.Context, remote endpoint.Endpoint) error {
	if !s.bound {
		return Error{Kind: ErrOther, Err: fmt.Errorf("socket: Connect requires Bind first")}
	}

	switch s.kind {
	case KindStream:
		s.chunkApp = newChunkApp()
		sess, err := s.tcpProto.Connect(ctx, s.local, remote, s.chunkApp, s.machiner)
		if err != nil {
			return classifyCtxErr(err)
		}
		s.tcpSess = sess
		s.remote = remote
		return nil
	case KindDatagram:
		s.datagramApp = newDatagramApp()
		sess, err := s.udpProto.Open(s.local, remote, s.datagramApp, s.machiner)
		if err != nil {
			return Error{Kind: ErrOther, Err: err}
		}
		s.udpSess = sess
		s.remote = remote
		return nil
	default:
		return Error{Kind: ErrOther, Err: fmt.Errorf("socket: Connect unsupported for kind %s", s.kind)}
	}
}

// ConnectByName resolves name with resolver (a collaborator the caller
// supplies, e.g. a DNS client) and Connects to the result.
func (s *Socket) ConnectByName(ctx context.Context, name string, resolver func(ctx context.Context, name string) (endpoint.Endpoint, error)) error {
	remote, err := resolver(ctx, name)
	if err != nil {
		return Error{Kind: ErrOther, Err: err}
	}
	return s.Connect(ctx, remote)
}

// Close releases the socket. Closing a stream socket drives its TCP
// session through its close sequence; closing a datagram socket or
// listener only unblocks local readers, since UDP sessions and TCP
// listeners have no teardown handshake of their own.
func (s *Socket) Close() error {
	if s.chunkApp != nil {
		s.chunkApp.close()
	}
	if s.datagramApp != nil {
		s.datagramApp.close()
	}
	if s.tcpSess != nil {
		if err := s.tcpSess.Close(); err != nil {
			return Error{Kind: ErrOther, Err: err}
		}
	}
	return nil
}

func classifyCtxErr(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return Error{Kind: ErrTimeout, Err: err}
	}
	return Error{Kind: ErrOther, Err: err}
}

func queryEndpoint(q interface {
	Query(key control.Key) (control.Value, bool)
}, key control.Key) endpoint.Endpoint {
	v, ok := q.Query(key)
	if !ok {
		return endpoint.Endpoint{}
	}
	return endpoint.Unpack(control.As[uint64](v))
}

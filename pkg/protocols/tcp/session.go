package tcp

import (
	"context"
	"sync"
	"time"

	"github.com/gopacket/gopacket/layers"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/endpoint"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/protocol"
	"github.com/elvis-sim/elvis/pkg/protocols/tcp/seqnum"
)

// Session is one TCP connection, keyed by its (local, remote) Endpoints.
type Session struct {
	mu sync.Mutex

	proto  *Protocol
	local  endpoint.Endpoint
	remote endpoint.Endpoint
	app    Application

	downstream protocol.Session
	tcb        *Tcb
	reasm      *reassembler
	rtq        *retransmitQueue

	// acceptedInto is set on server-spawned sessions: the listener's
	// backlog channel they are pushed onto once Established.
	acceptedInto chan *Session

	established     chan struct{}
	establishedOnce sync.Once
	failed          chan struct{}
	failedOnce      sync.Once
	closed          chan struct{}
	closedOnce      sync.Once
}

func newSession(p *Protocol, local, remote endpoint.Endpoint, app Application, downstream protocol.Session) *Session {
	tcb := NewTcb()
	return &Session{
		proto:       p,
		local:       local,
		remote:      remote,
		app:         app,
		downstream:  downstream,
		tcb:         tcb,
		reasm:       newReassembler(tcb.RcvNxt),
		rtq:         newRetransmitQueue(),
		established: make(chan struct{}),
		failed:      make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

// Send submits payload as a new data segment, piggybacking the current ACK
// and window. Only valid once data may flow (Established or, for a
// half-closed peer that has not yet closed its own side, CloseWait).
func (s *Session) Send(msg message.Message, m protocol.Machiner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tcb.State != StateEstablished && s.tcb.State != StateCloseWait {
		return ErrConnectionClosed{}
	}
	return s.sendControlLocked(segmentFlags{ACK: true, PSH: true}, msg.Bytes())
}

// Receive is unused: inbound data is delivered to Application.Receive by
// Protocol.Demux / handleSegment, not replayed through the Session interface.
func (s *Session) Receive(msg message.Message, ctl control.Control, m protocol.Machiner) error {
	return ErrConnectionClosed{}
}

// Query reports the session's endpoints, falling back to the downstream
// IPv4 session for anything else (e.g. the PCI slot).
func (s *Session) Query(key control.Key) (control.Value, bool) {
	switch key {
	case control.KeyLocalEndpoint:
		return control.NewValue[uint64](s.local.Pack()), true
	case control.KeyRemoteEndpoint:
		return control.NewValue[uint64](s.remote.Pack()), true
	default:
		return s.downstream.Query(key)
	}
}

// Close initiates an active close: Established or CloseWait sends a FIN and
// advances the TCB accordingly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.tcb.State {
	case StateEstablished, StateCloseWait:
		if err := s.tcb.Transition(EventClose); err != nil {
			return err
		}
		return s.sendControlLocked(segmentFlags{FIN: true, ACK: true}, nil)
	default:
		return ErrConnectionClosed{}
	}
}

// State reports the session's current TCB state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcb.State
}

// Done reports the channel closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) sendControlLocked(flags segmentFlags, payload []byte) error {
	seq := s.tcb.SndNxt
	raw, err := buildSegment(s.local, s.remote, seq, s.tcb.RcvNxt, flags, uint16(s.tcb.RcvWnd), payload)
	if err != nil {
		return err
	}

	consumesSeq := flags.SYN || flags.FIN || len(payload) > 0
	if consumesSeq {
		delta := uint32(len(payload))
		if flags.SYN || flags.FIN {
			delta++
		}
		s.rtq.Add(seq, payload, flags)
		s.tcb.SndNxt = seqnum.Add(seq, delta)
	}

	return s.downstream.Send(message.New(raw), nil)
}

// sendControl takes the session lock and delegates to sendControlLocked,
// for use by callers (Connect) that do not already hold it.
func (s *Session) sendControl(flags segmentFlags, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendControlLocked(flags, payload)
}

func (s *Session) markEstablished() {
	s.establishedOnce.Do(func() { close(s.established) })
}

func (s *Session) failClosed() {
	s.failedOnce.Do(func() { close(s.failed) })
	s.finishClose()
}

func (s *Session) finishClose() {
	s.proto.sessions.Delete(endpoint.Endpoints{Local: s.local, Remote: s.remote})
	s.closedOnce.Do(func() { close(s.closed) })
}

func (s *Session) startTimeWait() {
	time.AfterFunc(2*MSL, func() {
		s.mu.Lock()
		_ = s.tcb.Transition(EventTimeWaitExpire)
		s.mu.Unlock()
		s.finishClose()
	})
}

// handleSegment drives the TCB state machine and delivers payload bytes to
// the Application as they become contiguous with RCV.NXT.
func (s *Session) handleSegment(hdr *layers.TCP) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hdr.RST {
		_ = s.tcb.Transition(EventRecvRST)
		s.failClosed()
		return
	}

	switch s.tcb.State {
	case StateListen:
		if hdr.SYN {
			s.tcb.Irs = seqnum.Value(hdr.Seq)
			s.tcb.RcvNxt = seqnum.Add(s.tcb.Irs, 1)
			_ = s.tcb.Transition(EventRecvSYN)
			s.reasm = newReassembler(s.tcb.RcvNxt)
			_ = s.sendControlLocked(segmentFlags{SYN: true, ACK: true}, nil)
		}
		return

	case StateSynSent:
		switch {
		case hdr.SYN && hdr.ACK:
			s.tcb.Irs = seqnum.Value(hdr.Seq)
			s.tcb.RcvNxt = seqnum.Add(s.tcb.Irs, 1)
			s.tcb.SndUna = seqnum.Value(hdr.Ack)
			_ = s.tcb.Transition(EventRecvSYNACK)
			s.reasm = newReassembler(s.tcb.RcvNxt)
			s.rtq.AckUpTo(s.tcb.SndUna)
			_ = s.sendControlLocked(segmentFlags{ACK: true}, nil)
			s.markEstablished()
		case hdr.SYN:
			s.tcb.Irs = seqnum.Value(hdr.Seq)
			s.tcb.RcvNxt = seqnum.Add(s.tcb.Irs, 1)
			_ = s.tcb.Transition(EventRecvSYN)
			s.reasm = newReassembler(s.tcb.RcvNxt)
			_ = s.sendControlLocked(segmentFlags{SYN: true, ACK: true}, nil)
		}
		return

	case StateSynReceived:
		if hdr.ACK {
			s.tcb.SndUna = seqnum.Value(hdr.Ack)
			_ = s.tcb.Transition(EventRecvACK)
			s.rtq.AckUpTo(s.tcb.SndUna)
			s.markEstablished()
			if s.acceptedInto != nil {
				select {
				case s.acceptedInto <- s:
				default:
				}
			}
		}
		return
	}

	// Established and every close-sequence state: process ACK, data, FIN.
	if hdr.ACK {
		newUna := seqnum.Value(hdr.Ack)
		if seqnum.LessEq(s.tcb.SndUna, newUna) {
			s.tcb.SndUna = newUna
			s.rtq.AckUpTo(newUna)
		}
		switch s.tcb.State {
		case StateFinWait1:
			_ = s.tcb.Transition(EventRecvACK)
		case StateClosing:
			_ = s.tcb.Transition(EventRecvACK)
			s.startTimeWait()
		case StateLastAck:
			_ = s.tcb.Transition(EventRecvACK)
			s.finishClose()
		}
	}

	if len(hdr.Payload) > 0 {
		seg := inSegment{Seq: seqnum.Value(hdr.Seq), Data: append([]byte(nil), hdr.Payload...)}
		out, nxt := s.reasm.Add(seg, s.tcb.RcvNxt)
		s.tcb.RcvNxt = nxt
		if len(out) > 0 && s.app != nil {
			s.app.Receive(out, s.remote)
		}
		_ = s.sendControlLocked(segmentFlags{ACK: true}, nil)
	}

	if hdr.FIN {
		s.tcb.RcvNxt = seqnum.Add(s.tcb.RcvNxt, 1)
		switch s.tcb.State {
		case StateEstablished:
			_ = s.tcb.Transition(EventRecvFIN)
		case StateFinWait1:
			_ = s.tcb.Transition(EventRecvFIN)
		case StateFinWait2:
			_ = s.tcb.Transition(EventRecvFIN)
			s.startTimeWait()
		}
		_ = s.sendControlLocked(segmentFlags{ACK: true}, nil)
	}
}

// retransmitLoop resends every due unacked segment until the session closes
// or ctx is cancelled.
func (s *Session) retransmitLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			s.mu.Lock()
			due := s.rtq.Due(time.Now())
			ack := s.tcb.RcvNxt
			window := uint16(s.tcb.RcvWnd)
			local, remote := s.local, s.remote
			s.mu.Unlock()

			for _, e := range due {
				raw, err := buildSegment(local, remote, e.Seq, ack, e.Flags, window, e.Data)
				if err != nil {
					continue
				}
				_ = s.downstream.Send(message.New(raw), nil)
			}
		}
	}
}

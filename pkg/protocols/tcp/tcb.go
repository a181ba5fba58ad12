package tcp

import (
	"math/rand/v2"

	"github.com/elvis-sim/elvis/pkg/protocols/tcp/seqnum"
)

// DefaultWindow is the receive window advertised by every new Tcb.
const DefaultWindow = 64 * 1024

// Tcb holds the RFC 9293 §3.3.1 control-block variables for one connection.
// It is not safe for concurrent use; Session serializes access under its
// own mutex.
type Tcb struct {
	State State

	// Send sequence variables.
	SndUna seqnum.Value // oldest unacknowledged sequence number
	SndNxt seqnum.Value // next sequence number to send
	SndWnd uint32       // peer's advertised receive window
	Iss    seqnum.Value // initial send sequence number

	// Receive sequence variables.
	RcvNxt seqnum.Value // next sequence number expected
	RcvWnd uint32       // our advertised receive window
	Irs    seqnum.Value // initial receive sequence number
}

// NewTcb constructs a Tcb in StateClosed with a randomized ISS.
func NewTcb() *Tcb {
	iss := seqnum.Value(rand.Uint32())
	return &Tcb{
		State:  StateClosed,
		Iss:    iss,
		SndUna: iss,
		SndNxt: iss,
		RcvWnd: DefaultWindow,
	}
}

// Transition drives the TCB's state machine, returning ErrInvalidTransition
// if event has no edge from the current state.
func (t *Tcb) Transition(event Event) error {
	next, err := transition(t.State, event)
	if err != nil {
		return err
	}
	t.State = next
	return nil
}

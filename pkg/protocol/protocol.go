// Package protocol defines the x-kernel-style composition contract every
// layer in the stack implements: a long-lived Protocol that creates
// Sessions, and a Session that carries per-connection state between a
// caller above it and a callee below it.
package protocol

import (
	"context"
	"fmt"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/message"
)

// ProtocolId is a stable numeric identity distinguishing protocol types. It
// is carried on the wire as an 8-byte big-endian prefix (pkg/protocols/pci)
// and used as the key into a machine's ProtocolMap.
type ProtocolId uint64

func (id ProtocolId) String() string {
	return fmt.Sprintf("protocol(%d)", uint64(id))
}

// Machiner is the narrow view of a machine that a Protocol needs: the
// ability to resolve a sibling protocol by id. Defined here, rather than
// depending on pkg/machine directly, to avoid an import cycle (pkg/machine
// depends on pkg/protocol, not the other way around).
type Machiner interface {
	Protocol(id ProtocolId) (Protocol, bool)
}

// Protocol is a shared, long-lived object that creates Sessions on Open or
// Listen, demultiplexes inbound messages via Demux, and runs any background
// application logic from Start.
type Protocol interface {
	ID() ProtocolId
	Start(ctx context.Context, shutdown Shutdown, barrier *Barrier, m Machiner) error
	Demux(msg message.Message, caller Session, ctl control.Control, m Machiner) error
}

// Session is a per-connection (or per-flow) object threading a caller above
// it to a callee below it.
type Session interface {
	Send(msg message.Message, m Machiner) error
	Receive(msg message.Message, ctl control.Control, m Machiner) error
	Query(key control.Key) (control.Value, bool)
}

// Sentinel errors returned by Demux and session-map lookups. These are
// ordinary runtime conditions (a peer that hasn't connected yet, a session
// that already tore down), never programming errors, so callers are
// expected to check and handle them rather than recover from a panic.
var (
	ErrMissingSession  = fmt.Errorf("protocol: no matching session")
	ErrClosedSession   = fmt.Errorf("protocol: session is closed")
	ErrMissingProtocol = fmt.Errorf("protocol: no protocol registered for that id")
)

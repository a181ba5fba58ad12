// Package machine implements the container that owns one simulated
// endpoint's protocol stack: at most one instance of each protocol type,
// wired together and started as a unit.
package machine

import (
	"context"
	"fmt"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/elvis-sim/elvis/pkg/protocol"
)

// ErrDuplicateProtocol is returned by New when the caller supplies two
// protocols with the same ID. It is a construction-time error, not a
// panic, since it's driven by caller-supplied configuration rather than an
// internal invariant violation.
type ErrDuplicateProtocol struct {
	ID protocol.ProtocolId
}

func (e ErrDuplicateProtocol) Error() string {
	return fmt.Sprintf("machine: duplicate protocol registered for id %s", e.ID)
}

// Machine holds one machine's complete protocol stack: exactly one instance
// of each protocol type, addressable by ProtocolId.
type Machine struct {
	ID        xid.ID
	protocols map[protocol.ProtocolId]protocol.Protocol
	shutdown  protocol.Shutdown
}

// New constructs a Machine from a set of protocols, none of which may share
// an ID.
func New(protocols ...protocol.Protocol) (*Machine, error) {
	m := &Machine{
		ID:        xid.New(),
		protocols: make(map[protocol.ProtocolId]protocol.Protocol, len(protocols)),
	}

	for _, p := range protocols {
		if _, exists := m.protocols[p.ID()]; exists {
			return nil, ErrDuplicateProtocol{ID: p.ID()}
		}
		m.protocols[p.ID()] = p
	}

	return m, nil
}

// Protocol resolves a sibling protocol by its ID. It satisfies
// protocol.Machiner.
func (m *Machine) Protocol(id protocol.ProtocolId) (protocol.Protocol, bool) {
	p, ok := m.protocols[id]
	return p, ok
}

// ProtocolAs resolves a sibling protocol by its ID and asserts it to a
// concrete type, the common case of a typed lookup used by one protocol
// implementation to reach another (e.g. UDP asking IPv4 to open a session).
func ProtocolAs[T protocol.Protocol](m protocol.Machiner, id protocol.ProtocolId) (T, bool) {
	var zero T
	p, ok := m.Protocol(id)
	if !ok {
		return zero, false
	}
	typed, ok := p.(T)
	return typed, ok
}

// ProtocolCount reports how many protocols this machine holds, used by
// pkg/internet to size the startup barrier across every machine in a run.
func (m *Machine) ProtocolCount() int {
	return len(m.protocols)
}

// Start launches Start on every protocol as a member of group, passing
// shutdown and barrier through unchanged. It returns immediately; group's
// Wait (owned by the caller, typically pkg/internet) reports any protocol
// failure.
func (m *Machine) Start(ctx context.Context, group *errgroup.Group, shutdown protocol.Shutdown, barrier *protocol.Barrier) {
	m.shutdown = shutdown
	for _, p := range m.protocols {
		p := p
		group.Go(func() error {
			if err := p.Start(ctx, shutdown, barrier, m); err != nil {
				return fmt.Errorf("machine %s: protocol %s: %w", m.ID, p.ID(), err)
			}
			return nil
		})
	}
}

package machine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/protocol"
)

type fakeProtocol struct {
	id        protocol.ProtocolId
	startErr  error
	startedAt chan struct{}
}

func (f *fakeProtocol) ID() protocol.ProtocolId { return f.id }

func (f *fakeProtocol) Start(ctx context.Context, shutdown protocol.Shutdown, barrier *protocol.Barrier, m protocol.Machiner) error {
	if f.startedAt != nil {
		close(f.startedAt)
	}
	barrier.Arrive()
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeProtocol) Demux(msg message.Message, caller protocol.Session, ctl control.Control, m protocol.Machiner) error {
	return nil
}

func TestNewRejectsDuplicateProtocolIDs(t *testing.T) {
	a := &fakeProtocol{id: 1}
	b := &fakeProtocol{id: 1}

	_, err := New(a, b)
	require.Error(t, err)

	var dup ErrDuplicateProtocol
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, protocol.ProtocolId(1), dup.ID)
}

func TestProtocolLookup(t *testing.T) {
	a := &fakeProtocol{id: 1}
	b := &fakeProtocol{id: 2}
	m, err := New(a, b)
	require.NoError(t, err)

	got, ok := m.Protocol(2)
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = m.Protocol(99)
	assert.False(t, ok)
}

func TestProtocolAsTypedLookup(t *testing.T) {
	a := &fakeProtocol{id: 1}
	m, err := New(a)
	require.NoError(t, err)

	got, ok := ProtocolAs[*fakeProtocol](m, 1)
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestStartRunsEveryProtocolAndBarrierReleases(t *testing.T) {
	a := &fakeProtocol{id: 1, startedAt: make(chan struct{})}
	b := &fakeProtocol{id: 2, startedAt: make(chan struct{})}
	m, err := New(a, b)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	barrier := protocol.NewBarrier(2)
	shutdown := protocol.NewShutdown()

	m.Start(gctx, group, shutdown, barrier)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, barrier.Wait(waitCtx))

	cancel()
	require.NoError(t, group.Wait())
}

func TestStartPropagatesProtocolFailure(t *testing.T) {
	wantErr := fmt.Errorf("boom")
	a := &fakeProtocol{id: 1, startErr: wantErr}
	m, err := New(a)
	require.NoError(t, err)

	group, gctx := errgroup.WithContext(context.Background())
	barrier := protocol.NewBarrier(1)
	shutdown := protocol.NewShutdown()

	m.Start(gctx, group, shutdown, barrier)

	err = group.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

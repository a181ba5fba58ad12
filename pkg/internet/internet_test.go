package internet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/machine"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/protocol"
)

type fakeProtocol struct {
	id      protocol.ProtocolId
	shutNow bool
	code    uint32
}

func (f *fakeProtocol) ID() protocol.ProtocolId { return f.id }

func (f *fakeProtocol) Start(ctx context.Context, shutdown protocol.Shutdown, barrier *protocol.Barrier, m protocol.Machiner) error {
	barrier.Arrive()
	if f.shutNow {
		if err := barrier.Wait(ctx); err != nil {
			return err
		}
		shutdown.Shut(f.code)
		return nil
	}
	<-ctx.Done()
	return nil
}

func (f *fakeProtocol) Demux(msg message.Message, caller protocol.Session, ctl control.Control, m protocol.Machiner) error {
	return nil
}

func TestRunReturnsStatusFromExplicitShutdown(t *testing.T) {
	a, err := machine.New(&fakeProtocol{id: 1, shutNow: true, code: 5})
	require.NoError(t, err)
	b, err := machine.New(&fakeProtocol{id: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, err := Run(ctx, []*machine.Machine{a, b})
	require.NoError(t, err)
	assert.Equal(t, Status{Code: 5}, status)
}

func TestRunWithTimeoutYieldsTimedOut(t *testing.T) {
	a, err := machine.New(&fakeProtocol{id: 1})
	require.NoError(t, err)

	status, err := RunWithTimeout(context.Background(), []*machine.Machine{a}, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimedOut{}, status)
}

func TestRunWithRecorderOption(t *testing.T) {
	m := NewMetrics()
	a, err := machine.New(&fakeProtocol{id: 1, shutNow: true, code: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = Run(ctx, []*machine.Machine{a}, WithRecorder(m))
	require.NoError(t, err)

	m.MessageSent()
	metricFamilies, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, metricFamilies)
}

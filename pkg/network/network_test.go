package network

import (
	"context"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/pkg/message"
)

func TestUnicastDelivery(t *testing.T) {
	n := New(Config{MTU: 1500 * datasize.B})
	inA, detachA := n.Attach(1)
	defer detachA()
	_, detachB := n.Attach(2)
	defer detachB()

	ctx := context.Background()
	err := n.Send(ctx, Delivery{
		Message:     message.New([]byte("hello")),
		Source:      1,
		Destination: Unicast(2),
	})
	require.NoError(t, err)

	select {
	case d := <-inA:
		t.Fatalf("unexpected delivery to non-destination: %v", d)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroadcastDeliveryExcludesSender(t *testing.T) {
	n := New(Config{MTU: 1500 * datasize.B})
	inA, detachA := n.Attach(1)
	defer detachA()
	inB, detachB := n.Attach(2)
	defer detachB()
	inC, detachC := n.Attach(3)
	defer detachC()

	err := n.Send(context.Background(), Delivery{
		Message:     message.New([]byte("hi")),
		Source:      1,
		Destination: BroadcastMAC,
	})
	require.NoError(t, err)

	for _, ch := range []<-chan Delivery{inB, inC} {
		select {
		case d := <-ch:
			assert.Equal(t, "hi", string(d.Message.Bytes()))
		case <-time.After(200 * time.Millisecond):
			t.Fatal("expected broadcast delivery")
		}
	}

	select {
	case <-inA:
		t.Fatal("sender should not receive its own broadcast")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMTUExceededPanics(t *testing.T) {
	n := New(Config{MTU: 4 * datasize.B})
	assert.Panics(t, func() {
		_ = n.Send(context.Background(), Delivery{
			Message:     message.New([]byte("toolong")),
			Destination: BroadcastMAC,
		})
	})
}

func TestLatencyDelaysDelivery(t *testing.T) {
	n := New(Config{MTU: 1500 * datasize.B, Latency: Latency{Fixed: 100 * time.Millisecond}})
	in, detach := n.Attach(2)
	defer detach()

	start := time.Now()
	err := n.Send(context.Background(), Delivery{
		Message:     message.New([]byte("x")),
		Source:      1,
		Destination: Unicast(2),
	})
	require.NoError(t, err)

	select {
	case <-in:
		assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected delayed delivery")
	}
}

func TestLossRateOneDropsEverything(t *testing.T) {
	var lost int
	n := New(Config{MTU: 1500 * datasize.B, LossRate: 1})
	n.OnLoss = func(Delivery) { lost++ }
	in, detach := n.Attach(2)
	defer detach()

	for i := 0; i < 5; i++ {
		err := n.Send(context.Background(), Delivery{
			Message:     message.New([]byte("x")),
			Source:      1,
			Destination: Unicast(2),
		})
		require.NoError(t, err)
	}

	select {
	case <-in:
		t.Fatal("expected no deliveries with loss rate 1")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 5, lost)
}

func TestSamePairDeliveriesPreserveSubmissionOrder(t *testing.T) {
	n := New(Config{MTU: 1500 * datasize.B, Latency: Latency{Lo: 0, Hi: 20 * time.Millisecond}})
	in, detach := n.Attach(2)
	defer detach()

	const count = 50
	for i := 0; i < count; i++ {
		err := n.Send(context.Background(), Delivery{
			Message:     message.New([]byte{byte(i)}),
			Source:      1,
			Destination: Unicast(2),
		})
		require.NoError(t, err)
	}

	for i := 0; i < count; i++ {
		select {
		case d := <-in:
			assert.Equal(t, byte(i), d.Message.Bytes()[0])
		case <-time.After(time.Second):
			t.Fatalf("expected delivery %d", i)
		}
	}
}

func TestShutdownClosesQueues(t *testing.T) {
	n := New(Config{MTU: 1500 * datasize.B})
	in, _ := n.Attach(1)

	n.Shutdown(context.Background())

	_, ok := <-in
	assert.False(t, ok)
}

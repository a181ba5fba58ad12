package internet

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/pkg/endpoint"
	"github.com/elvis-sim/elvis/pkg/machine"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/network"
	"github.com/elvis-sim/elvis/pkg/protocol"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4/rib"
	"github.com/elvis-sim/elvis/pkg/protocols/pci"
	"github.com/elvis-sim/elvis/pkg/protocols/udp"
)

// pingPongApp bounces a single-byte TTL back to its sender, decrementing it
// on every receive, until the TTL reaches zero. exchanges and lastTTL are
// shared across both sides so the test can assert on the whole rally.
type pingPongApp struct {
	proto  *udp.Protocol
	m      protocol.Machiner
	local  endpoint.Endpoint
	remote endpoint.Endpoint

	exchanges *int32
	lastTTL   *int32
	done      chan struct{}
	doneOnce  *sync.Once
}

func (a *pingPongApp) Receive(msg message.Message, from endpoint.Endpoint) {
	ttl := msg.Bytes()[0]
	next := ttl - 1

	atomic.AddInt32(a.exchanges, 1)
	atomic.StoreInt32(a.lastTTL, int32(next))

	if next == 0 {
		a.doneOnce.Do(func() { close(a.done) })
		return
	}

	sess, err := a.proto.Open(a.local, a.remote, a, a.m)
	if err != nil {
		return
	}
	_ = sess.Send(message.New([]byte{next}), a.m)
}

// TestPingPongTTLCountdown covers scenario 2: a TTL starting at 255 is
// bounced between two machines, decrementing once per receive, until it
// reaches zero after exactly 255 exchanges.
func TestPingPongTTLCountdown(t *testing.T) {
	fabric := network.New(network.Config{MTU: 1500 * datasize.B})

	aPci := pci.New(scenarioPciID, nil)
	bPci := pci.New(scenarioPciID, nil)
	aPci.Attach(fabric, 1)
	bPci.Attach(fabric, 2)

	aIPv4 := ipv4.New(scenarioIPID, scenarioPciID, nil)
	bIPv4 := ipv4.New(scenarioIPID, scenarioPciID, nil)

	aAddr := netip.MustParseAddr("10.0.0.1")
	bAddr := netip.MustParseAddr("10.0.0.2")
	aMAC := network.Unicast(1)
	bMAC := network.Unicast(2)
	aIPv4.AddRoute(netip.MustParsePrefix("10.0.0.2/32"), rib.Recipient{Slot: 0, MAC: &bMAC})
	bIPv4.AddRoute(netip.MustParsePrefix("10.0.0.1/32"), rib.Recipient{Slot: 0, MAC: &aMAC})

	aUDP := udp.New(scenarioUDPID, scenarioIPID, nil)
	bUDP := udp.New(scenarioUDPID, scenarioIPID, nil)

	aEP := endpoint.Endpoint{Addr: aAddr, Port: 7000}
	bEP := endpoint.Endpoint{Addr: bAddr, Port: 7000}

	aMachine, err := machine.New(aPci, aIPv4, aUDP)
	require.NoError(t, err)
	bMachine, err := machine.New(bPci, bIPv4, bUDP)
	require.NoError(t, err)

	var exchanges, lastTTL int32
	done := make(chan struct{})
	var doneOnce sync.Once

	aApp := &pingPongApp{proto: aUDP, m: aMachine, local: aEP, remote: bEP, exchanges: &exchanges, lastTTL: &lastTTL, done: done, doneOnce: &doneOnce}
	bApp := &pingPongApp{proto: bUDP, m: bMachine, local: bEP, remote: aEP, exchanges: &exchanges, lastTTL: &lastTTL, done: done, doneOnce: &doneOnce}

	aUDP.Listen(aEP, aApp)
	bUDP.Listen(bEP, bApp)

	ctx := context.Background()
	resultCh := make(chan error, 1)
	go func() {
		_, err := RunWithTimeout(ctx, []*machine.Machine{aMachine, bMachine}, 5*time.Second)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sess, err := aUDP.Open(aEP, bEP, aApp, aMachine)
	require.NoError(t, err)
	require.NoError(t, sess.Send(message.New([]byte{255}), aMachine))

	select {
	case <-done:
		assert.EqualValues(t, 255, atomic.LoadInt32(&exchanges))
		assert.EqualValues(t, 0, atomic.LoadInt32(&lastTTL))
	case <-time.After(5 * time.Second):
		t.Fatal("expected the TTL countdown to reach zero")
	}

	require.NoError(t, <-resultCh)
}

package ipv4

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/network"
	"github.com/elvis-sim/elvis/pkg/protocol"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4/rib"
	"github.com/elvis-sim/elvis/pkg/protocols/pci"
)

const testUpstreamID = protocol.ProtocolId(17)

type recordingUpperProtocol struct {
	id       protocol.ProtocolId
	received chan []byte
}

func (r *recordingUpperProtocol) ID() protocol.ProtocolId { return r.id }

func (r *recordingUpperProtocol) Start(ctx context.Context, shutdown protocol.Shutdown, barrier *protocol.Barrier, m protocol.Machiner) error {
	barrier.Arrive()
	<-ctx.Done()
	return nil
}

func (r *recordingUpperProtocol) Demux(msg message.Message, caller protocol.Session, ctl control.Control, m protocol.Machiner) error {
	r.received <- msg.Bytes()
	return nil
}

type fakeMachiner struct {
	protocols map[protocol.ProtocolId]protocol.Protocol
}

func (f *fakeMachiner) Protocol(id protocol.ProtocolId) (protocol.Protocol, bool) {
	p, ok := f.protocols[id]
	return p, ok
}

func TestSendAndReceiveWithFragmentation(t *testing.T) {
	fabric := network.New(network.Config{MTU: 48 * datasize.B})

	senderPci := pci.New(protocol.ProtocolId(1), nil)
	receiverPci := pci.New(protocol.ProtocolId(1), nil)
	senderPci.Attach(fabric, 10)
	receiverPci.Attach(fabric, 20)

	senderIPv4 := New(protocol.ProtocolId(2), protocol.ProtocolId(1), nil)
	receiverIPv4 := New(protocol.ProtocolId(2), protocol.ProtocolId(1), nil)

	srcAddr := netip.MustParseAddr("10.0.0.1")
	dstAddr := netip.MustParseAddr("10.0.0.2")

	mac := network.Unicast(20)
	senderIPv4.AddRoute(netip.MustParsePrefix("10.0.0.2/32"), rib.Recipient{Slot: 0, MAC: &mac})
	receiverIPv4.AddLocalAddress(dstAddr, 0)

	upper := &recordingUpperProtocol{id: testUpstreamID, received: make(chan []byte, 1)}

	senderMachiner := &fakeMachiner{protocols: map[protocol.ProtocolId]protocol.Protocol{1: senderPci, 2: senderIPv4}}
	receiverMachiner := &fakeMachiner{protocols: map[protocol.ProtocolId]protocol.Protocol{1: receiverPci, 2: receiverIPv4, testUpstreamID: upper}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	barrier := protocol.NewBarrier(1)
	go func() { _ = receiverPci.Start(ctx, protocol.NewShutdown(), barrier, receiverMachiner) }()
	require.NoError(t, barrier.Wait(context.Background()))

	sess, err := senderIPv4.Open(testUpstreamID, srcAddr, dstAddr, senderMachiner)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("A"), 100)
	require.NoError(t, sess.Send(message.New(payload), senderMachiner))

	select {
	case got := <-upper.received:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("expected reassembled payload to reach the upper protocol")
	}
}

func TestSendWithoutFragmentationWhenUnderMTU(t *testing.T) {
	fabric := network.New(network.Config{MTU: 1500 * datasize.B})

	senderPci := pci.New(protocol.ProtocolId(1), nil)
	receiverPci := pci.New(protocol.ProtocolId(1), nil)
	senderPci.Attach(fabric, 10)
	receiverPci.Attach(fabric, 20)

	senderIPv4 := New(protocol.ProtocolId(2), protocol.ProtocolId(1), nil)
	receiverIPv4 := New(protocol.ProtocolId(2), protocol.ProtocolId(1), nil)

	srcAddr := netip.MustParseAddr("10.0.0.1")
	dstAddr := netip.MustParseAddr("10.0.0.2")
	mac := network.Unicast(20)
	senderIPv4.AddRoute(netip.MustParsePrefix("10.0.0.2/32"), rib.Recipient{Slot: 0, MAC: &mac})

	upper := &recordingUpperProtocol{id: testUpstreamID, received: make(chan []byte, 1)}
	receiverMachiner := &fakeMachiner{protocols: map[protocol.ProtocolId]protocol.Protocol{1: receiverPci, 2: receiverIPv4, testUpstreamID: upper}}
	senderMachiner := &fakeMachiner{protocols: map[protocol.ProtocolId]protocol.Protocol{1: senderPci, 2: senderIPv4}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	barrier := protocol.NewBarrier(1)
	go func() { _ = receiverPci.Start(ctx, protocol.NewShutdown(), barrier, receiverMachiner) }()
	require.NoError(t, barrier.Wait(context.Background()))

	sess, err := senderIPv4.Open(testUpstreamID, srcAddr, dstAddr, senderMachiner)
	require.NoError(t, err)
	require.NoError(t, sess.Send(message.New([]byte("hello")), senderMachiner))

	select {
	case got := <-upper.received:
		assert.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("expected payload to reach upper protocol without fragmentation")
	}
}

func TestOpenWithNoRouteFails(t *testing.T) {
	p := New(protocol.ProtocolId(2), protocol.ProtocolId(1), nil)
	_, err := p.Open(testUpstreamID, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), &fakeMachiner{})
	require.Error(t, err)
	var noRoute ErrNoRoute
	assert.ErrorAs(t, err, &noRoute)
}

func TestOpenWithUnresolvedMACAndNoResolverFails(t *testing.T) {
	p := New(protocol.ProtocolId(2), protocol.ProtocolId(1), nil)
	p.AddRoute(netip.MustParsePrefix("10.0.0.2/32"), rib.Recipient{Slot: 0})

	_, err := p.Open(testUpstreamID, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), &fakeMachiner{})
	require.Error(t, err)
	var noResolver ErrNoResolver
	assert.ErrorAs(t, err, &noResolver)
}

func TestAddressPacking(t *testing.T) {
	src := netip.MustParseAddr("192.168.1.1")
	dst := netip.MustParseAddr("10.0.0.2")

	v := packAddrs(src, dst)
	gotSrc, gotDst := UnpackAddrs(v)
	assert.Equal(t, src, gotSrc)
	assert.Equal(t, dst, gotDst)
}

package tcp

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/pkg/endpoint"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/network"
	"github.com/elvis-sim/elvis/pkg/protocol"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4/rib"
	"github.com/elvis-sim/elvis/pkg/protocols/pci"
)

const (
	pciID = protocol.ProtocolId(1)
	ipID  = protocol.ProtocolId(2)
	tcpID = protocol.ProtocolId(6)
)

type fakeMachiner struct {
	protocols map[protocol.ProtocolId]protocol.Protocol
}

func (f *fakeMachiner) Protocol(id protocol.ProtocolId) (protocol.Protocol, bool) {
	p, ok := f.protocols[id]
	return p, ok
}

type recordingApp struct {
	received chan []byte
}

func (r *recordingApp) Receive(data []byte, from endpoint.Endpoint) {
	r.received <- data
}

type harness struct {
	clientM, serverM     *fakeMachiner
	clientTCP, serverTCP *Protocol
	clientEP, serverEP   endpoint.Endpoint
}

func setup(t *testing.T) *harness {
	t.Helper()
	fabric := network.New(network.Config{MTU: 1500 * datasize.B})

	clientPci := pci.New(pciID, nil)
	serverPci := pci.New(pciID, nil)
	clientPci.Attach(fabric, 10)
	serverPci.Attach(fabric, 20)

	clientIPv4 := ipv4.New(ipID, pciID, nil)
	serverIPv4 := ipv4.New(ipID, pciID, nil)

	mac := network.Unicast(20)
	clientIPv4.AddRoute(netip.MustParsePrefix("10.0.0.2/32"), rib.Recipient{Slot: 0, MAC: &mac})
	serverIPv4.AddLocalAddress(netip.MustParseAddr("10.0.0.2"), 0)

	clientTCP := New(tcpID, ipID, nil)
	serverTCP := New(tcpID, ipID, nil)

	clientM := &fakeMachiner{protocols: map[protocol.ProtocolId]protocol.Protocol{pciID: clientPci, ipID: clientIPv4, tcpID: clientTCP}}
	serverM := &fakeMachiner{protocols: map[protocol.ProtocolId]protocol.Protocol{pciID: serverPci, ipID: serverIPv4, tcpID: serverTCP}}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bClientPci := protocol.NewBarrier(1)
	go func() { _ = clientPci.Start(ctx, protocol.NewShutdown(), bClientPci, clientM) }()
	require.NoError(t, bClientPci.Wait(context.Background()))

	bServerPci := protocol.NewBarrier(1)
	go func() { _ = serverPci.Start(ctx, protocol.NewShutdown(), bServerPci, serverM) }()
	require.NoError(t, bServerPci.Wait(context.Background()))

	bClient := protocol.NewBarrier(1)
	go func() { _ = clientTCP.Start(ctx, protocol.NewShutdown(), bClient, clientM) }()
	require.NoError(t, bClient.Wait(context.Background()))

	bServer := protocol.NewBarrier(1)
	go func() { _ = serverTCP.Start(ctx, protocol.NewShutdown(), bServer, serverM) }()
	require.NoError(t, bServer.Wait(context.Background()))

	return &harness{
		clientM:   clientM,
		serverM:   serverM,
		clientTCP: clientTCP,
		serverTCP: serverTCP,
		clientEP:  endpoint.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 4000},
		serverEP:  endpoint.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 80},
	}
}

func TestHandshakeDataAndClose(t *testing.T) {
	h := setup(t)

	serverApp := &recordingApp{received: make(chan []byte, 1)}
	listener := h.serverTCP.Listen(h.serverEP, serverApp, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acceptCh := make(chan *Session, 1)
	go func() {
		s, err := listener.Accept(ctx)
		require.NoError(t, err)
		acceptCh <- s
	}()

	clientApp := &recordingApp{received: make(chan []byte, 1)}
	clientSess, err := h.clientTCP.Connect(ctx, h.clientEP, h.serverEP, clientApp, h.clientM)
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, clientSess.State())

	var serverSess *Session
	select {
	case serverSess = <-acceptCh:
	case <-time.After(time.Second):
		t.Fatal("expected server to accept the connection")
	}
	assert.Equal(t, StateEstablished, serverSess.State())

	require.NoError(t, clientSess.Send(message.New([]byte("hello from client")), h.clientM))
	select {
	case got := <-serverApp.received:
		assert.Equal(t, "hello from client", string(got))
	case <-time.After(time.Second):
		t.Fatal("expected server application to receive client data")
	}

	require.NoError(t, serverSess.Send(message.New([]byte("hello from server")), h.serverM))
	select {
	case got := <-clientApp.received:
		assert.Equal(t, "hello from server", string(got))
	case <-time.After(time.Second):
		t.Fatal("expected client application to receive server data")
	}

	require.NoError(t, clientSess.Close())

	require.Eventually(t, func() bool {
		return serverSess.State() == StateCloseWait
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, serverSess.Close())

	require.Eventually(t, func() bool {
		select {
		case <-clientSess.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

package socket

import (
	"sync"

	"github.com/elvis-sim/elvis/pkg/endpoint"
	"github.com/elvis-sim/elvis/pkg/message"
)

// chunkApp is the tcp.Application a connected or accepted stream socket
// registers: every Receive call is a channel send, so Read's blocking is a
// plain channel receive rather than any new scheduling primitive.
type chunkApp struct {
	chunks    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newChunkApp() *chunkApp {
	return &chunkApp{
		chunks: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (a *chunkApp) Receive(data []byte, _ endpoint.Endpoint) {
	cp := append([]byte(nil), data...)
	select {
	case a.chunks <- cp:
	case <-a.closed:
	}
}

func (a *chunkApp) close() { a.closeOnce.Do(func() { close(a.closed) }) }

// listenerApp is the single tcp.Application shared by every connection a
// listening stream socket accepts; it demuxes by remote endpoint to the
// chunkApp of the child Socket Accept returned for that peer.
type listenerApp struct {
	mu       sync.Mutex
	byRemote map[endpoint.Endpoint]*chunkApp
}

func newListenerApp() *listenerApp {
	return &listenerApp{byRemote: make(map[endpoint.Endpoint]*chunkApp)}
}

func (a *listenerApp) register(remote endpoint.Endpoint, app *chunkApp) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byRemote[remote] = app
}

func (a *listenerApp) Receive(data []byte, from endpoint.Endpoint) {
	a.mu.Lock()
	app, ok := a.byRemote[from]
	a.mu.Unlock()
	if ok {
		app.Receive(data, from)
	}
}

// datagramEntry pairs a received datagram with its sender, the payload
// RecvMsg needs that Recv discards.
type datagramEntry struct {
	data []byte
	from endpoint.Endpoint
}

// datagramApp is the udp.Application a datagram socket registers, either
// for a connected peer or a bound listen address.
type datagramApp struct {
	entries   chan datagramEntry
	closed    chan struct{}
	closeOnce sync.Once
}

func newDatagramApp() *datagramApp {
	return &datagramApp{
		entries: make(chan datagramEntry, 64),
		closed:  make(chan struct{}),
	}
}

func (a *datagramApp) Receive(msg message.Message, from endpoint.Endpoint) {
	entry := datagramEntry{data: msg.Bytes(), from: from}
	select {
	case a.entries <- entry:
	case <-a.closed:
	}
}

func (a *datagramApp) close() { a.closeOnce.Do(func() { close(a.closed) }) }

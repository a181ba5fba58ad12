// Package network implements the simulated link-layer fabric that attached
// machines send and receive frames through: MTU enforcement, configurable
// latency, independent per-delivery loss, and an optional throughput cap.
package network

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"golang.org/x/time/rate"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/message"
)

// Latency describes the delay a Network applies to each delivery. A zero
// value applies no delay. If Lo/Hi are both zero, Fixed is used verbatim;
// otherwise a uniform draw in [Lo, Hi] is used per delivery.
type Latency struct {
	Fixed  time.Duration
	Lo, Hi time.Duration
}

func (l Latency) sample() time.Duration {
	if l.Hi > l.Lo {
		span := l.Hi - l.Lo
		return l.Lo + time.Duration(rand.Int64N(int64(span)))
	}
	return l.Fixed
}

// Config parameterizes a Network's behavior.
type Config struct {
	MTU        datasize.ByteSize
	Latency    Latency
	LossRate   float64
	Throughput datasize.ByteSize
}

// ErrMTUExceeded is returned when a caller attempts to send a message whose
// length exceeds the network's configured MTU. Unlike a malformed header,
// this is a recoverable condition: the caller may refragment and retry.
type ErrMTUExceeded struct {
	Len int
	MTU datasize.ByteSize
}

func (e ErrMTUExceeded) Error() string {
	return fmt.Sprintf("network: message length %d exceeds MTU %s", e.Len, e.MTU.HumanReadable())
}

// Delivery is one frame submitted to a Network for transport.
type Delivery struct {
	Message     message.Message
	Control     control.Control
	Source      uint64
	Destination MAC
}

// LossHook, if set, is invoked once per delivery dropped to loss, so a
// caller can count losses without this package depending on a metrics
// implementation. Nothing in this module sets it outside tests.
type LossHook func(d Delivery)

// Network is a simulated broadcast-domain fabric. Attached machines each get
// a bounded, ordered inbound queue. Each submitted delivery waits out its
// latency in its own goroutine, so the number of deliveries in flight
// towards a full queue is not bounded by the queue's capacity.
type Network struct {
	cfg Config

	mu       sync.RWMutex
	machines map[uint64]chan Delivery
	closed   bool

	txLimiter *rate.Limiter
	rxLimiter *rate.Limiter

	// orderMu/order serialize the channel hand-off of deliverAsync's
	// goroutines per (source, destination) pair, so two deliveries from
	// the same sender to the same receiver are pushed onto the receiver's
	// queue in submission order even when latency sampling would
	// otherwise let the later one's timer fire first.
	orderMu sync.Mutex
	order   map[pairKey]chan struct{}

	pending sync.WaitGroup

	OnLoss LossHook
}

type pairKey struct {
	source, dest uint64
}

const inboundQueueDepth = 64

// New constructs a Network with the given configuration. A zero
// Config.Throughput disables rate limiting.
func New(cfg Config) *Network {
	n := &Network{
		cfg:      cfg,
		machines: make(map[uint64]chan Delivery),
		order:    make(map[pairKey]chan struct{}),
	}
	if cfg.Throughput > 0 {
		bytesPerSec := rate.Limit(cfg.Throughput.Bytes())
		burst := int(cfg.Throughput.Bytes())
		if burst <= 0 {
			burst = 1
		}
		n.txLimiter = rate.NewLimiter(bytesPerSec, burst)
		n.rxLimiter = rate.NewLimiter(bytesPerSec, burst)
	}
	return n
}

// Attach registers a machine on this network and returns its inbound queue
// and a detach function. Calling detach closes the queue; the Network
// itself does not drain it further.
func (n *Network) Attach(id uint64) (<-chan Delivery, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Delivery, inboundQueueDepth)
	n.machines[id] = ch

	detach := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if cur, ok := n.machines[id]; ok && cur == ch {
			delete(n.machines, id)
			close(ch)
		}
	}
	return ch, detach
}

// Send submits a Delivery to the fabric. It enforces the MTU, applies the
// throughput limiter (if configured) before the loss and latency model, then
// either broadcasts to every attached machine or enqueues to the one
// addressed by Destination.
//
// Send panics if d.Message exceeds the MTU; callers are expected to have
// checked via MTU() first (this package treats an oversized delivery as a
// programming error in the caller, per the session layer's own
// ErrMTUExceeded check at the point messages are accepted from an
// application).
func (n *Network) Send(ctx context.Context, d Delivery) error {
	if d.Message.Len() > int(n.cfg.MTU.Bytes()) {
		panic(ErrMTUExceeded{Len: d.Message.Len(), MTU: n.cfg.MTU})
	}

	if n.txLimiter != nil {
		if err := n.txLimiter.WaitN(ctx, d.Message.Len()); err != nil {
			return err
		}
	}

	if n.cfg.LossRate > 0 && rand.Float64() < n.cfg.LossRate {
		if n.OnLoss != nil {
			n.OnLoss(d)
		}
		return nil
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil
	}

	if d.Destination.Broadcast {
		for id, ch := range n.machines {
			if id == d.Source {
				continue
			}
			n.deliverAsync(ctx, ch, d, id)
		}
		return nil
	}

	ch, ok := n.machines[d.Destination.Address]
	if !ok {
		return nil
	}
	n.deliverAsync(ctx, ch, d, d.Destination.Address)
	return nil
}

// deliverAsync schedules d for delivery onto ch after the configured
// latency/throughput model, without blocking Send. dest is the concrete
// recipient id (it equals d.Destination.Address except when fanning a
// broadcast out to each attached machine in turn).
//
// The wait for delay/throughput runs concurrently across deliveries, but
// the actual push onto ch is serialized per (source, dest) pair via a
// ticket handed off through n.order, so two deliveries from the same
// sender to the same receiver always land in submission order even if
// the second one happens to sample a shorter delay.
func (n *Network) deliverAsync(ctx context.Context, ch chan Delivery, d Delivery, dest uint64) {
	delay := n.cfg.Latency.sample()

	key := pairKey{source: d.Source, dest: dest}
	n.orderMu.Lock()
	prev := n.order[key]
	next := make(chan struct{})
	n.order[key] = next
	n.orderMu.Unlock()

	n.pending.Add(1)
	go func() {
		defer n.pending.Done()
		defer close(next)

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}

		if n.rxLimiter != nil {
			if err := n.rxLimiter.WaitN(ctx, d.Message.Len()); err != nil {
				return
			}
		}

		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}

		select {
		case ch <- d:
		case <-ctx.Done():
		}
	}()
}

// MTU returns the network's configured maximum transmission unit, in bytes.
func (n *Network) MTU() int {
	return int(n.cfg.MTU.Bytes())
}

// Shutdown detaches all machines and waits for in-flight deliveries (timers,
// rate-limiter waits) to finish or be cancelled by ctx.
func (n *Network) Shutdown(ctx context.Context) {
	n.mu.Lock()
	n.closed = true
	for id, ch := range n.machines {
		delete(n.machines, id)
		close(ch)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

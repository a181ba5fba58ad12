// Package reassembly implements RFC 791 §3.2 IPv4 fragment reassembly: a
// per-(source, destination, identification) record tracking which 8-byte
// blocks of the final datagram have arrived, backed by a fixed-capacity
// bitset so completion is an O(1) count comparison rather than a
// bit-by-bit scan on every fragment.
package reassembly

import (
	"container/heap"
	"net/netip"
	"sync"
	"time"

	"github.com/gopacket/gopacket/layers"

	"github.com/elvis-sim/elvis/internal/bitset"
	"github.com/elvis-sim/elvis/pkg/protocol"
)

// Fragment is one arriving piece of a datagram being reassembled.
type Fragment struct {
	Header        layers.IPv4
	Offset        int // byte offset of Payload within the reassembled datagram
	MoreFragments bool
	Payload       []byte
}

// Datagram is a completed reassembly: the first fragment's header (offset
// 0), amended with the final total length and MF cleared, plus the
// concatenated payload.
type Datagram struct {
	Header  layers.IPv4
	Payload []byte
}

// Key identifies one in-progress reassembly.
type Key struct {
	Src, Dst netip.Addr
	ID       uint16
}

type fragHeap []Fragment

func (h fragHeap) Len() int            { return len(h) }
func (h fragHeap) Less(i, j int) bool  { return h[i].Offset < h[j].Offset }
func (h fragHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fragHeap) Push(x interface{}) { *h = append(*h, x.(Fragment)) }
func (h *fragHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Segment accumulates fragments for a single (src, dst, identification)
// triple until the datagram is complete or the timer expires.
type Segment struct {
	mu sync.Mutex

	frags fragHeap
	bits  bitset.TinyBitset

	totalDataLength int // -1 until the final fragment (MF=0) has arrived
	hasTemplate     bool
	template        layers.IPv4

	timer    *time.Timer
	timeout  time.Duration
	onExpire func()
}

// NewSegment creates an empty Segment. onExpire is invoked (once, from the
// timer's own goroutine) if the datagram does not complete in time. The
// timer restarts on every fragment, with a duration of the larger of
// timeout and the highest TTL (in seconds) seen so far.
func NewSegment(timeout time.Duration, onExpire func()) *Segment {
	s := &Segment{
		totalDataLength: -1,
		timeout:         timeout,
		onExpire:        onExpire,
	}
	s.timer = time.AfterFunc(timeout, s.expire)
	return s
}

func (s *Segment) expire() {
	if s.onExpire != nil {
		s.onExpire()
	}
}

// Add records one arriving fragment, returning the completed Datagram and
// true if this fragment was the last one needed.
func (s *Segment) Add(frag Fragment) (*Datagram, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	heap.Push(&s.frags, frag)

	startBlock := frag.Offset / 8
	blocks := (len(frag.Payload) + 7) / 8
	for i := 0; i < blocks; i++ {
		s.bits.Insert(uint32(startBlock + i))
	}

	if !frag.MoreFragments {
		s.totalDataLength = frag.Offset + len(frag.Payload)
	}
	if frag.Offset == 0 {
		s.template = frag.Header
		s.hasTemplate = true
	}

	if s.totalDataLength >= 0 {
		expectedBlocks := uint((s.totalDataLength + 7) / 8)
		if s.bits.Count() >= expectedBlocks {
			s.timer.Stop()
			return s.assemble(), true
		}
	}

	if ttl := time.Duration(frag.Header.TTL) * time.Second; ttl > s.timeout {
		s.timeout = ttl
	}
	s.timer.Reset(s.timeout)
	return nil, false
}

func (s *Segment) assemble() *Datagram {
	payload := make([]byte, s.totalDataLength)
	for s.frags.Len() > 0 {
		frag := heap.Pop(&s.frags).(Fragment)
		copy(payload[frag.Offset:], frag.Payload)
	}

	hdr := s.template
	hdr.Length = uint16(int(hdr.IHL)*4 + s.totalDataLength)
	hdr.Flags &^= layers.IPv4MoreFragments
	hdr.FragOffset = 0

	return &Datagram{Header: hdr, Payload: payload}
}

// Manager tracks in-progress reassemblies keyed by Key, using the same
// "occupied -> reuse, vacant -> construct exactly once" discipline as
// pkg/protocol.SessionMap so concurrent arrivals for a brand-new
// (src, dst, id) never create two Segments for it.
type Manager struct {
	segments *protocol.SessionMap[Key, *Segment]
	timeout  time.Duration
}

// NewManager creates a Manager whose incomplete segments expire after the
// larger of timeout and the highest fragment TTL (in seconds) seen.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		segments: protocol.NewSessionMap[Key, *Segment](),
		timeout:  timeout,
	}
}

// Add routes frag to the Segment for key, creating one if needed, and
// reports the completed Datagram if frag completed it.
func (m *Manager) Add(key Key, frag Fragment) (*Datagram, bool) {
	seg, _ := m.segments.LoadOrCreate(key, func() (*Segment, error) {
		return NewSegment(m.timeout, func() { m.segments.Delete(key) }), nil
	})

	datagram, done := seg.Add(frag)
	if done {
		m.segments.Delete(key)
	}
	return datagram, done
}

// Pending reports how many reassemblies are currently in progress.
func (m *Manager) Pending() int {
	return m.segments.Len()
}

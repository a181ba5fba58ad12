package tcp

import (
	"container/heap"

	"github.com/elvis-sim/elvis/pkg/protocols/tcp/seqnum"
)

// inSegment is one received data segment awaiting in-order delivery.
type inSegment struct {
	Seq  seqnum.Value
	Data []byte
}

// end returns the sequence number one past the segment's last byte.
func (s inSegment) end() seqnum.Value {
	return seqnum.Add(s.Seq, uint32(len(s.Data)))
}

// segmentHeap orders inSegments by modular sequence number so the segment
// with the lowest distance ahead of a reference point (the current RCV.NXT)
// is always popped first, letting out-of-order arrivals be reassembled.
type segmentHeap struct {
	items []inSegment
	ref   seqnum.Value
}

func (h *segmentHeap) Len() int { return len(h.items) }

func (h *segmentHeap) Less(i, j int) bool {
	return seqnum.Diff(h.ref, h.items[i].Seq) < seqnum.Diff(h.ref, h.items[j].Seq)
}

func (h *segmentHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *segmentHeap) Push(x any) { h.items = append(h.items, x.(inSegment)) }

func (h *segmentHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// reassembler buffers out-of-order incoming segments and releases
// contiguous runs starting at the next expected sequence number.
type reassembler struct {
	h *segmentHeap
}

func newReassembler(rcvNxt seqnum.Value) *reassembler {
	h := &segmentHeap{ref: rcvNxt}
	heap.Init(h)
	return &reassembler{h: h}
}

// Add inserts seg and returns every byte range now contiguous with nxt, in
// order, along with the updated nxt. Duplicate or fully-overlapped
// segments are dropped; a partially-overlapping segment is trimmed to its
// novel suffix.
func (r *reassembler) Add(seg inSegment, nxt seqnum.Value) ([]byte, seqnum.Value) {
	if len(seg.Data) == 0 {
		return nil, nxt
	}
	if seqnum.Less(seg.end(), nxt) || seg.end() == nxt {
		return nil, nxt // entirely old data
	}
	if seqnum.Less(seg.Seq, nxt) {
		trim := seqnum.Diff(seg.Seq, nxt)
		seg.Data = seg.Data[trim:]
		seg.Seq = nxt
	}
	r.h.ref = nxt
	heap.Push(r.h, seg)

	var out []byte
	for r.h.Len() > 0 {
		top := r.h.items[0]
		if seqnum.Less(nxt, top.Seq) {
			break
		}
		heap.Pop(r.h)
		if seqnum.Less(top.end(), nxt) || top.end() == nxt {
			continue // stale duplicate surfaced after a trim
		}
		if seqnum.Less(top.Seq, nxt) {
			overlap := seqnum.Diff(top.Seq, nxt)
			top.Data = top.Data[overlap:]
		}
		out = append(out, top.Data...)
		nxt = top.end()
		r.h.ref = nxt
	}
	return out, nxt
}

// Pending reports how many out-of-order segments are buffered.
func (r *reassembler) Pending() int { return r.h.Len() }

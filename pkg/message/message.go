// Package message implements the zero-copy byte container shared by every
// protocol in the simulator. A Message is a small value type: cloning it
// (simply copying the struct) is O(1) and shares the underlying bytes with
// the original, prepending a header is O(1), and slicing is O(1) amortized.
// None of these operations ever copies payload bytes.
package message

import (
	"fmt"
	"iter"
)

// ErrSliceOutOfRange is the panic value used when a slice range falls
// outside the current message, a programming error rather than a runtime
// condition.
type ErrSliceOutOfRange struct {
	Start, End, Len int
}

func (e ErrSliceOutOfRange) Error() string {
	return fmt.Sprintf("message: slice [%d:%d) out of range for length %d", e.Start, e.End, e.Len)
}

// Message is an immutable, cheaply-cloned byte sequence. The zero value is
// an empty message.
type Message struct {
	head   *node
	length int
}

// New creates a message with the given body content. The body is copied
// once so the caller's slice may be reused or mutated afterward.
func New(body []byte) Message {
	return Message{
		head:   &node{c: newChunk(body), lo: 0, hi: len(body)},
		length: len(body),
	}
}

// Prepend returns a new message with header placed in front of the
// receiver's current content. O(1): it pushes one new node and never
// touches the existing chain.
func (m Message) Prepend(header []byte) Message {
	return Message{
		head:   &node{c: newChunk(header), lo: 0, hi: len(header), tail: m.head},
		length: m.length + len(header),
	}
}

// Slice returns the sub-message [start, end) of the receiver's current
// window. It panics with ErrSliceOutOfRange if the range exceeds Len().
//
// O(1) amortized: only whole leading nodes consumed by start are walked and
// replaced; the end boundary is enforced lazily by the returned message's
// length, never by eagerly trimming the chain.
func (m Message) Slice(start, end int) Message {
	if start < 0 || end < start || end > m.length {
		panic(ErrSliceOutOfRange{Start: start, End: end, Len: m.length})
	}

	want := end - start
	remaining := start
	h := m.head

	for remaining > 0 {
		avail := h.len()
		if remaining < avail {
			h = &node{c: h.c, lo: h.lo + remaining, hi: h.hi, tail: h.tail}
			remaining = 0
		} else {
			remaining -= avail
			h = h.tail
		}
	}

	return Message{head: h, length: want}
}

// Len returns the number of bytes in the message's current window.
func (m Message) Len() int {
	return m.length
}

// IsEmpty reports whether the message contains no bytes.
func (m Message) IsEmpty() bool {
	return m.length == 0
}

// Iter returns a lazy, restartable sequence over the message's bytes,
// honoring its current window.
func (m Message) Iter() iter.Seq[byte] {
	return func(yield func(byte) bool) {
		n := m.head
		remaining := m.length

		for remaining > 0 && n != nil {
			for i := n.lo; i < n.hi && remaining > 0; i++ {
				if !yield(n.c.bytes[i]) {
					return
				}
				remaining--
			}
			n = n.tail
		}
	}
}

// Bytes materializes the message's current window into one contiguous
// slice. Unlike Iter, this copies; it exists for callers (wire codecs,
// checksum helpers) that need a flat view rather than the zero-copy path.
func (m Message) Bytes() []byte {
	out := make([]byte, 0, m.length)
	for b := range m.Iter() {
		out = append(out, b)
	}
	return out
}

// Equal reports whether two messages hold the same byte sequence.
func (m Message) Equal(other Message) bool {
	if m.length != other.length {
		return false
	}

	next, stop := iter.Pull(other.Iter())
	defer stop()

	for b := range m.Iter() {
		ob, ok := next()
		if !ok || b != ob {
			return false
		}
	}

	_, ok := next()
	return !ok
}

// String renders the message as a space-separated hex dump, mirroring the
// original's Display impl; useful for logging dropped or malformed frames.
func (m Message) String() string {
	out := make([]byte, 0, m.length*3)
	for b := range m.Iter() {
		out = fmt.Appendf(out, "%02x ", b)
	}
	return string(out)
}

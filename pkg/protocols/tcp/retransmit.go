package tcp

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/elvis-sim/elvis/pkg/protocols/tcp/seqnum"
)

// retransmitEntry is one unacknowledged outgoing segment. Each entry owns
// its own exponential backoff so a segment that keeps timing out backs off
// independently of its neighbors.
type retransmitEntry struct {
	Seq     seqnum.Value
	Data    []byte
	Flags   segmentFlags
	backoff *backoff.ExponentialBackOff
	next    time.Time
}

func (e *retransmitEntry) end() seqnum.Value {
	length := uint32(len(e.Data))
	if e.Flags.SYN || e.Flags.FIN {
		length++
	}
	return seqnum.Add(e.Seq, length)
}

func newRetransmitEntry(seq seqnum.Value, data []byte, flags segmentFlags) *retransmitEntry {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         30 * time.Second,
	}
	b.Reset()
	return &retransmitEntry{
		Seq:     seq,
		Data:    data,
		Flags:   flags,
		backoff: b,
		next:    time.Now().Add(b.NextBackOff()),
	}
}

// retransmitQueue holds every unacked outgoing segment, ordered by sequence
// number (oldest first) as RFC 9293 names SND.UNA.
type retransmitQueue struct {
	entries []*retransmitEntry
}

func newRetransmitQueue() *retransmitQueue {
	return &retransmitQueue{}
}

// Add enqueues a freshly-sent segment.
func (q *retransmitQueue) Add(seq seqnum.Value, data []byte, flags segmentFlags) {
	q.entries = append(q.entries, newRetransmitEntry(seq, data, flags))
}

// AckUpTo removes every entry fully covered by the new SND.UNA, resetting
// (for symmetry with entries that remain live) and discarding them.
func (q *retransmitQueue) AckUpTo(una seqnum.Value) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if seqnum.LessEq(e.end(), una) {
			e.backoff.Reset()
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
}

// Due returns every entry whose retransmission timer has elapsed as of now,
// advancing each one's backoff for its next check.
func (q *retransmitQueue) Due(now time.Time) []*retransmitEntry {
	var due []*retransmitEntry
	for _, e := range q.entries {
		if now.Before(e.next) {
			continue
		}
		due = append(due, e)
		e.next = now.Add(e.backoff.NextBackOff())
	}
	return due
}

// Empty reports whether every outgoing segment has been acknowledged.
func (q *retransmitQueue) Empty() bool { return len(q.entries) == 0 }

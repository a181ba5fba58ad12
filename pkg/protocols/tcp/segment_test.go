package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReassemblerInOrderSegments(t *testing.T) {
	r := newReassembler(100)

	out, nxt := r.Add(inSegment{Seq: 100, Data: []byte("abc")}, 100)
	assert.Equal(t, "abc", string(out))
	assert.Equal(t, uint32(103), nxt)

	out, nxt = r.Add(inSegment{Seq: 103, Data: []byte("def")}, nxt)
	assert.Equal(t, "def", string(out))
	assert.Equal(t, uint32(106), nxt)
	assert.Equal(t, 0, r.Pending())
}

func TestReassemblerOutOfOrderSegments(t *testing.T) {
	r := newReassembler(100)

	out, nxt := r.Add(inSegment{Seq: 103, Data: []byte("def")}, 100)
	assert.Empty(t, out)
	assert.Equal(t, uint32(100), nxt)
	assert.Equal(t, 1, r.Pending())

	out, nxt = r.Add(inSegment{Seq: 100, Data: []byte("abc")}, nxt)
	assert.Equal(t, "abcdef", string(out))
	assert.Equal(t, uint32(106), nxt)
	assert.Equal(t, 0, r.Pending())
}

func TestReassemblerDropsFullyOldSegment(t *testing.T) {
	r := newReassembler(100)
	out, nxt := r.Add(inSegment{Seq: 90, Data: []byte("xxxxxxxxxx")}, 100)
	assert.Empty(t, out)
	assert.Equal(t, uint32(100), nxt)
}

func TestReassemblerTrimsPartialOverlap(t *testing.T) {
	r := newReassembler(100)
	out, nxt := r.Add(inSegment{Seq: 95, Data: []byte("xxxxxabc")}, 100)
	assert.Equal(t, "abc", string(out))
	assert.Equal(t, uint32(103), nxt)
}

package message

// chunk is an immutable byte vector shared by reference across every
// Message that was built from it. Once constructed its bytes are never
// mutated; aliasing it across many Message values needs no refcounting of
// its own, the Go garbage collector keeps it alive for as long as any node
// in any message still points to it.
type chunk struct {
	bytes []byte
}

func newChunk(b []byte) *chunk {
	owned := make([]byte, len(b))
	copy(owned, b)
	return &chunk{bytes: owned}
}

func (c *chunk) len() int {
	return len(c.bytes)
}

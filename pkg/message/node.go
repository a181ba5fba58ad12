package message

// node is one link of the cons-list a Message is built from: a chunk window
// [lo, hi) plus whatever comes after it. Prepending a header pushes a new
// node in front; slicing narrows a node's lo without touching the shared
// chunk or the nodes behind it, so every existing clone of a Message keeps
// seeing what it saw before.
type node struct {
	c    *chunk
	lo   int
	hi   int
	tail *node
}

func (n *node) len() int {
	return n.hi - n.lo
}

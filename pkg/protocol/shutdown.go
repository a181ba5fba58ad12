package protocol

import "sync"

// Shutdown is a broadcast, fire-once signal shared by every protocol and
// network in a run. Any number of protocols may call Shut concurrently;
// only the first call's status code is recorded, and the underlying
// channel is closed exactly once regardless of how many callers race to
// shut the simulation down.
type Shutdown struct {
	state *shutdownState
}

type shutdownState struct {
	once sync.Once
	ch   chan uint32
}

// NewShutdown creates a fresh Shutdown signal.
func NewShutdown() Shutdown {
	return Shutdown{state: &shutdownState{ch: make(chan uint32, 1)}}
}

// Shut records status (if this is the first call) and closes the signal.
func (s Shutdown) Shut(status uint32) {
	s.state.once.Do(func() {
		s.state.ch <- status
		close(s.state.ch)
	})
}

// Done returns a channel that yields the recorded status exactly once, then
// stays closed forever.
func (s Shutdown) Done() <-chan uint32 {
	return s.state.ch
}

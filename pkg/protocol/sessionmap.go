package protocol

import "sync"

// SessionMap is a concurrent map from a session key (typically Endpoints or
// a (source, destination) pair) to a session value. It is deliberately not
// built on sync.Map: LoadOrCreate needs a single critical section spanning
// "check occupied, construct if vacant, insert" so that two concurrent
// Demux calls for the same new endpoint construct the session exactly
// once — sync.Map.LoadOrStore alone can't express that when construction
// itself can fail and must run at most once.
type SessionMap[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

// NewSessionMap creates an empty SessionMap.
func NewSessionMap[K comparable, V any]() *SessionMap[K, V] {
	return &SessionMap[K, V]{m: make(map[K]V)}
}

// Load returns the session stored under key, if any.
func (s *SessionMap[K, V]) Load(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

// LoadOrCreate returns the existing session under key if occupied;
// otherwise it calls create exactly once, and on success stores and returns
// the new session. create runs with the map locked, so two concurrent
// callers racing for the same vacant key never construct two sessions.
func (s *SessionMap[K, V]) LoadOrCreate(key K, create func() (V, error)) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.m[key]; ok {
		return v, nil
	}

	v, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	s.m[key] = v
	return v, nil
}

// Store unconditionally records value under key, overwriting any existing
// session.
func (s *SessionMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// Delete removes the session stored under key, if any.
func (s *SessionMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Len reports the number of sessions currently stored.
func (s *SessionMap[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Range calls fn for every session currently stored, stopping early if fn
// returns false. fn must not call back into the SessionMap.
func (s *SessionMap[K, V]) Range(fn func(key K, value V) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.m {
		if !fn(k, v) {
			return
		}
	}
}

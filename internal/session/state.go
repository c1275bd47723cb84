package session

import "sync"

// State is the run lock of an Orchestrator. At most one session holds it.
type State struct {
	mu     sync.Mutex
	active bool
}

// TryAcquire takes the lock if it is free. The returned release is safe to
// call more than once; only the first call has an effect.
func (s *State) TryAcquire() (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return func() {}, false
	}
	s.active = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		})
	}, true
}

// Active reports whether a session currently holds the lock.
func (s *State) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

package job

import "sync"

// sourceLocks serializes workers per source key. Locks are created lazily
// on first use and never removed; the set of sources is small and stable.
type sourceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSourceLocks() *sourceLocks {
	return &sourceLocks{locks: make(map[string]*sync.Mutex)}
}

func (s *sourceLocks) get(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// TryAcquire attempts to take the lock for a source without blocking.
// A false return means another worker holds the source.
func (s *sourceLocks) TryAcquire(key string) bool {
	return s.get(key).TryLock()
}

// Release unlocks a source previously acquired with TryAcquire
func (s *sourceLocks) Release(key string) {
	s.get(key).Unlock()
}

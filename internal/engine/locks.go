package engine

import "sync"

// keyedLock is a set of non-blocking per-key mutexes.
type keyedLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: make(map[string]struct{})}
}

// TryLock acquires key and reports whether it was free.
func (l *keyedLock) TryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *keyedLock) Unlock(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}

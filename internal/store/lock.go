package store

import "sync"

// pathLock serializes appends per shard path. An entry exists only while its
// path is held or contended; the last releaser removes it, so the table stays
// proportional to in-flight writes.
type pathLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newPathLock() *pathLock {
	return &pathLock{locks: make(map[string]*lockEntry)}
}

// acquire blocks until no other holder has path.
func (l *pathLock) acquire(path string) {
	l.mu.Lock()
	e, ok := l.locks[path]
	if !ok {
		e = &lockEntry{}
		l.locks[path] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
}

// release frees path. Must be called on every exit path of an append,
// including failures, or the shard stays stuck.
func (l *pathLock) release(path string) {
	l.mu.Lock()
	e, ok := l.locks[path]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(l.locks, path)
		}
	}
	l.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}

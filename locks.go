package hitlflow

import "sync"

// runLocks serializes work on a single run while letting different runs
// proceed in parallel. Entries are reference counted and dropped when idle.
type runLocks struct {
	mutex sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: map[string]*runLock{}}
}

// Lock blocks until the run is free and returns the matching unlock func.
func (l *runLocks) Lock(runID string) func() {
	l.mutex.Lock()
	lock, ok := l.locks[runID]
	if !ok {
		lock = &runLock{}
		l.locks[runID] = lock
	}
	lock.refs++
	l.mutex.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		l.mutex.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, runID)
		}
		l.mutex.Unlock()
	}
}

func (l *runLocks) size() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.locks)
}

package conversations

import (
	"context"
	"sync"
)

// ThreadLocks serialises turns per thread. Entries are dropped once unused.
type ThreadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	ch   chan struct{}
	refs int
}

func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{locks: make(map[string]*threadLock)}
}

// Lock blocks until the thread is free or ctx is done. The returned func releases it.
func (l *ThreadLocks) Lock(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{ch: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(threadID, tl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.ch
			l.release(threadID, tl)
		})
	}, nil
}

func (l *ThreadLocks) release(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}

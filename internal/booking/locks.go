package booking

import (
	"context"
	"sync"
)

// showLocks serializes work per show. Waiters on one show are admitted in
// arrival order; entries are dropped once nobody holds or waits for them.
type showLocks struct {
	mu sync.Mutex
	m  map[string]*showLock
}

type showLock struct {
	sem  chan struct{}
	refs int
}

func newShowLocks() *showLocks {
	return &showLocks{m: make(map[string]*showLock)}
}

func (l *showLocks) acquire(ctx context.Context, showID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.m[showID]
	if !ok {
		e = &showLock{sem: make(chan struct{}, 1)}
		l.m[showID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(showID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.unref(showID, e)
		})
	}, nil
}

func (l *showLocks) unref(showID string, e *showLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, showID)
	}
}

func (l *showLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

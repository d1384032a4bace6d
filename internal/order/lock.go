package order

import (
	"context"
	"sync"
)

// pairLocks is a mutex per key. Entries are reference counted and removed
// when the last holder or waiter leaves.
type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*pairLock
}

type pairLock struct {
	ch   chan struct{}
	refs int
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[string]*pairLock)}
}

func pairKey(accountID, symbol string) string {
	return accountID + "|" + symbol
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (p *pairLocks) Lock(ctx context.Context, key string) (func(), error) {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{ch: make(chan struct{}, 1)}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		p.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			p.release(key, l)
		})
	}, nil
}

func (p *pairLocks) release(key string, l *pairLock) {
	p.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, key)
	}
	p.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (p *pairLocks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}

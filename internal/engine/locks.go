package engine

import "sync"

// productLocks hands out one mutex per product id. Entries are reference
// counted and dropped when no goroutine holds or waits on them.
type productLocks struct {
	mu    sync.Mutex
	locks map[string]*productLock
}

type productLock struct {
	mu   sync.Mutex
	refs int
}

func newProductLocks() *productLocks {
	return &productLocks{locks: make(map[string]*productLock)}
}

// lock blocks until the caller holds the product lock and returns the
// matching unlock function.
func (p *productLocks) lock(productID string) (unlock func()) {
	p.mu.Lock()
	l, ok := p.locks[productID]
	if !ok {
		l = &productLock{}
		p.locks[productID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, productID)
		}
		p.mu.Unlock()
	}
}

// size returns the number of live entries. Used for testing.
func (p *productLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}

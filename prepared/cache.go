// Package prepared holds fully encoded liquidations waiting for their
// borrower to cross the line, so the block trigger can fire without
// re-planning.
package prepared

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidation-bot/strategy"
)

// Cache is the TTL-bounded prepared-liquidation store. Entries expire
// rather than update; a fired or stale entry is re-planned from scratch.
type Cache struct {
	logger *zap.Logger
	ttl    time.Duration

	mu        sync.Mutex
	entries   map[common.Address]*strategy.Prepared
	preparing map[common.Address]struct{}

	now func() time.Time
}

// New builds a cache with the given entry TTL.
func New(ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		logger:    logger.Named("prepared"),
		ttl:       ttl,
		entries:   make(map[common.Address]*strategy.Prepared),
		preparing: make(map[common.Address]struct{}),
		now:       time.Now,
	}
}

// Put stores a prepared liquidation and clears the preparing mark.
func (c *Cache) Put(p *strategy.Prepared) {
	c.mu.Lock()
	c.entries[p.Borrower] = p
	delete(c.preparing, p.Borrower)
	c.mu.Unlock()
}

// Get returns the borrower's entry if it is still inside its TTL. Expired
// entries are evicted on the way out.
func (c *Cache) Get(borrower common.Address) (*strategy.Prepared, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[borrower]
	if !ok {
		return nil, false
	}
	if !p.Fresh(c.now(), c.ttl) {
		delete(c.entries, borrower)
		return nil, false
	}
	return p, true
}

// Invalidate drops the borrower's entry, fresh or not.
func (c *Cache) Invalidate(borrower common.Address) {
	c.mu.Lock()
	delete(c.entries, borrower)
	delete(c.preparing, borrower)
	c.mu.Unlock()
}

// TryMarkPreparing claims the borrower for an in-flight preparation. It
// returns false when a fresh entry already exists or another preparation is
// running.
func (c *Cache) TryMarkPreparing(borrower common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[borrower]; ok && p.Fresh(c.now(), c.ttl) {
		return false
	}
	if _, ok := c.preparing[borrower]; ok {
		return false
	}
	c.preparing[borrower] = struct{}{}
	return true
}

// UnmarkPreparing releases a claim that did not produce an entry.
func (c *Cache) UnmarkPreparing(borrower common.Address) {
	c.mu.Lock()
	delete(c.preparing, borrower)
	c.mu.Unlock()
}

// Len reports live (unexpired) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for borrower, p := range c.entries {
		if !p.Fresh(now, c.ttl) {
			delete(c.entries, borrower)
			continue
		}
		n++
	}
	return n
}

// Snapshot copies the live entries for reporting.
func (c *Cache) Snapshot() []*strategy.Prepared {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]*strategy.Prepared, 0, len(c.entries))
	for borrower, p := range c.entries {
		if !p.Fresh(now, c.ttl) {
			delete(c.entries, borrower)
			continue
		}
		out = append(out, p)
	}
	return out
}

// Package blacklist suppresses borrowers that keep failing so the executor
// does not burn gas and RPC budget on losing candidates.
package blacklist

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Reason tags why an attempt failed.
type Reason string

const (
	ReasonNoStrategy       Reason = "no-strategy"
	ReasonNoProfitableSize Reason = "no-profitable-size"
	ReasonSimulationRevert Reason = "simulation-revert"
	ReasonExecutionRevert  Reason = "execution-revert"
	ReasonSwapFailed       Reason = "swap-failed"
	ReasonNegativeReward   Reason = "negative-reward"
)

// suppressAfter is the failure count at which a borrower is skipped.
const suppressAfter = 3

// Entry is the per-borrower failure record.
type Entry struct {
	Failures      int
	LastAttemptAt time.Time
	LastReason    Reason
}

// Blacklist is the failure counter map with TTL expiry.
type Blacklist struct {
	logger *zap.Logger
	ttl    time.Duration

	mu      sync.Mutex
	entries map[common.Address]*Entry

	now func() time.Time
}

// New builds a blacklist with the given entry TTL.
func New(ttl time.Duration, logger *zap.Logger) *Blacklist {
	return &Blacklist{
		logger:  logger.Named("blacklist"),
		ttl:     ttl,
		entries: make(map[common.Address]*Entry),
		now:     time.Now,
	}
}

// RecordFailure bumps the borrower's counter and returns the new count.
// A counter whose last attempt fell outside the TTL restarts from one.
func (b *Blacklist) RecordFailure(borrower common.Address, reason Reason) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	entry, ok := b.entries[borrower]
	if !ok || now.Sub(entry.LastAttemptAt) > b.ttl {
		entry = &Entry{}
		b.entries[borrower] = entry
	}
	entry.Failures++
	entry.LastAttemptAt = now
	entry.LastReason = reason
	if entry.Failures == suppressAfter {
		b.logger.Info("borrower blacklisted",
			zap.String("borrower", borrower.Hex()),
			zap.String("reason", string(reason)))
	}
	return entry.Failures
}

// RecordSuccess purges the borrower; a win resets its history.
func (b *Blacklist) RecordSuccess(borrower common.Address) {
	b.mu.Lock()
	delete(b.entries, borrower)
	b.mu.Unlock()
}

// IsBlacklisted reports whether the borrower is currently suppressed.
// Expired entries are removed lazily here.
func (b *Blacklist) IsBlacklisted(borrower common.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[borrower]
	if !ok {
		return false
	}
	if b.now().Sub(entry.LastAttemptAt) > b.ttl {
		delete(b.entries, borrower)
		return false
	}
	return entry.Failures >= suppressAfter
}

// Get returns a copy of the borrower's entry.
func (b *Blacklist) Get(borrower common.Address) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[borrower]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Snapshot lists currently suppressed borrowers, evicting expired entries.
func (b *Blacklist) Snapshot() map[common.Address]Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make(map[common.Address]Entry)
	for borrower, entry := range b.entries {
		if now.Sub(entry.LastAttemptAt) > b.ttl {
			delete(b.entries, borrower)
			continue
		}
		if entry.Failures >= suppressAfter {
			out[borrower] = *entry
		}
	}
	return out
}

// Package tracker maintains the set of warm borrower positions, those whose
// health factor sits in the [1, 1.10) band with enough debt to be worth
// watching.
package tracker

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HFUnit is the health factor fixed-point scale (18 fractional digits).
var HFUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// WarmCeiling is the HF above which a position is not tracked (1.10 in wad).
var WarmCeiling = big.NewInt(1_100_000_000_000_000_000)

// staleAfter evicts entries not refreshed within this window.
const staleAfter = 5 * time.Minute

// Position is one tracked borrower on one pool.
type Position struct {
	Borrower     common.Address
	Pool         common.Address
	HealthFactor *big.Int // 18 fractional digits
	DebtValueUSD decimal.Decimal
	LastSeenAt   time.Time
}

// PriceDrop returns the collateral price drop in percent that would pull the
// position's HF to one, assuming a single dominant collateral.
func (p *Position) PriceDrop() decimal.Decimal {
	return PriceDropToLiquidate(p.HealthFactor)
}

// PriorityScore orders warm positions: larger debt closer to the line first.
func (p *Position) PriorityScore() decimal.Decimal {
	hf := decimal.NewFromBigInt(p.HealthFactor, -18)
	if hf.IsZero() {
		return decimal.Zero
	}
	return p.DebtValueUSD.Div(hf)
}

// PriceDropToLiquidate computes (1 - 1/HF) * 100 for HF > 1.
func PriceDropToLiquidate(healthFactor *big.Int) decimal.Decimal {
	hf := decimal.NewFromBigInt(healthFactor, -18)
	if hf.LessThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	return one.Sub(one.Div(hf)).Mul(decimal.NewFromInt(100))
}

// Tracker is the hot-position map. Entries are owned by the most recent
// observation and mutated only by replacement.
type Tracker struct {
	logger     *zap.Logger
	minDebtUSD decimal.Decimal

	mu        sync.RWMutex
	positions map[common.Address]*Position

	now func() time.Time
}

// New builds a tracker that ignores positions below minDebtUSD.
func New(minDebtUSD float64, logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:     logger.Named("tracker"),
		minDebtUSD: decimal.NewFromFloat(minDebtUSD),
		positions:  make(map[common.Address]*Position),
		now:        time.Now,
	}
}

// Observe records a fresh observation. Positions outside the warm band or
// below the debt floor are removed rather than stored.
func (t *Tracker) Observe(borrower, pool common.Address, healthFactor *big.Int, debtValueUSD decimal.Decimal) {
	warm := healthFactor.Cmp(HFUnit) >= 0 &&
		healthFactor.Cmp(WarmCeiling) < 0 &&
		debtValueUSD.GreaterThanOrEqual(t.minDebtUSD)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !warm {
		delete(t.positions, borrower)
		return
	}
	t.positions[borrower] = &Position{
		Borrower:     borrower,
		Pool:         pool,
		HealthFactor: new(big.Int).Set(healthFactor),
		DebtValueUSD: debtValueUSD,
		LastSeenAt:   t.now(),
	}
}

// Remove drops a borrower, used when it recovers or gets liquidated.
func (t *Tracker) Remove(borrower common.Address) {
	t.mu.Lock()
	delete(t.positions, borrower)
	t.mu.Unlock()
}

// Get returns a copy of the borrower's entry.
func (t *Tracker) Get(borrower common.Address) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[borrower]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Snapshot returns all live entries sorted by priority score descending,
// evicting stale ones on the way.
func (t *Tracker) Snapshot() []Position {
	cutoff := t.now().Add(-staleAfter)

	t.mu.Lock()
	out := make([]Position, 0, len(t.positions))
	for borrower, p := range t.positions {
		if p.LastSeenAt.Before(cutoff) {
			delete(t.positions, borrower)
			continue
		}
		out = append(out, *p)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].PriorityScore().GreaterThan(out[j].PriorityScore())
	})
	return out
}

// Len reports the number of live entries without evicting.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

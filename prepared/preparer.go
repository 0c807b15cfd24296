package prepared

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidation-bot/sizer"
	"liquidation-bot/strategy"
)

// maxBatch bounds how many borrowers one PrepareBatch call works through.
const maxBatch = 50

// ContextBuilder assembles the per-borrower liquidation context.
type ContextBuilder interface {
	Build(ctx context.Context, pool, borrower common.Address) (*strategy.LiquidationContext, error)
}

// BatchContextBuilder assembles contexts for a whole cohort, combining the
// account and price reads across borrowers into shared aggregator calls.
type BatchContextBuilder interface {
	BuildBatch(ctx context.Context, pool common.Address, borrowers []common.Address) (map[common.Address]*strategy.LiquidationContext, map[common.Address]error)
}

// Planner turns a context into an encoded liquidation. Strategies listed in
// exclude are skipped.
type Planner interface {
	Plan(ctx context.Context, lctx *strategy.LiquidationContext, gasPriceWei *big.Int, nativePriceUSD decimal.Decimal, exclude ...strategy.ID) (*strategy.Prepared, error)
}

// GasQuoter supplies the live gas price and native token USD price for
// profit estimates.
type GasQuoter interface {
	GasContext(ctx context.Context) (gasPriceWei *big.Int, nativePriceUSD decimal.Decimal, err error)
}

// Preparer plans liquidations for near-the-line borrowers ahead of time and
// parks them in the cache.
type Preparer struct {
	logger  *zap.Logger
	builder BatchContextBuilder
	planner Planner
	gas     GasQuoter
	cache   *Cache
}

// NewPreparer wires the preparer.
func NewPreparer(builder BatchContextBuilder, planner Planner, gas GasQuoter, cache *Cache, logger *zap.Logger) *Preparer {
	return &Preparer{
		logger:  logger.Named("preparer"),
		builder: builder,
		planner: planner,
		gas:     gas,
		cache:   cache,
	}
}

// PrepareBatch plans up to maxBatch of the given borrowers, skipping any that
// are already prepared or in flight. It returns the planning error per
// borrower that failed, for blacklist accounting.
func (p *Preparer) PrepareBatch(ctx context.Context, pool common.Address, borrowers []common.Address) map[common.Address]error {
	if len(borrowers) > maxBatch {
		borrowers = borrowers[:maxBatch]
	}

	gasPrice, nativeUSD, err := p.gas.GasContext(ctx)
	if err != nil {
		p.logger.Warn("gas context unavailable, planning without gas cost", zap.Error(err))
		gasPrice, nativeUSD = nil, decimal.Zero
	}

	claimed := make([]common.Address, 0, len(borrowers))
	for _, borrower := range borrowers {
		if p.cache.TryMarkPreparing(borrower) {
			claimed = append(claimed, borrower)
		}
	}
	failures := make(map[common.Address]error)
	if len(claimed) == 0 {
		return failures
	}

	// One shared context pass for the whole cohort; the builder combines the
	// per-reserve rows and prices into as few aggregator calls as possible.
	started := time.Now()
	contexts, buildErrs := p.builder.BuildBatch(ctx, pool, claimed)
	contextElapsed := time.Since(started)
	for borrower, err := range buildErrs {
		p.cache.UnmarkPreparing(borrower)
		failures[borrower] = err
	}

	for _, borrower := range claimed {
		lctx, ok := contexts[borrower]
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			p.cache.UnmarkPreparing(borrower)
			continue
		}
		planStarted := time.Now()
		prep, err := p.planner.Plan(ctx, lctx, gasPrice, nativeUSD)
		if err != nil {
			p.logger.Debug("preparation rejected",
				zap.String("borrower", borrower.Hex()),
				zap.Error(err))
			p.cache.UnmarkPreparing(borrower)
			failures[borrower] = err
			continue
		}
		p.cache.Put(prep)

		p.logger.Info("liquidation prepared",
			zap.String("borrower", borrower.Hex()),
			zap.String("strategy", string(prep.Strategy)),
			zap.String("debtToCover", prep.DebtToCover.String()),
			zap.String("profitUsd", prep.EstimatedProfitUSD.StringFixed(4)),
			zap.Duration("contextMs", contextElapsed),
			zap.Duration("planMs", time.Since(planStarted)))
	}
	return failures
}

var (
	_ Planner             = (*sizer.Planner)(nil)
	_ ContextBuilder      = (*strategy.ContextBuilder)(nil)
	_ BatchContextBuilder = (*strategy.ContextBuilder)(nil)
)

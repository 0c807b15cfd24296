package sizer

import (
	"context"
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidation-bot/strategy"
)

// Planner combines strategy selection and sizing into one verdict: the best
// ready-to-encode liquidation for a candidate, or a typed rejection.
type Planner struct {
	logger   *zap.Logger
	registry *strategy.Registry
	sizer    *Sizer
}

// NewPlanner wires the planner.
func NewPlanner(registry *strategy.Registry, sizer *Sizer, logger *zap.Logger) *Planner {
	return &Planner{logger: logger.Named("planner"), registry: registry, sizer: sizer}
}

// Plan walks matching strategies in priority order and returns the first one
// with a profitable size, fully encoded. gasPriceWei and nativePriceUSD feed
// the per-strategy gas cost estimate. Strategies in exclude are skipped; the
// executor passes the ones that already reverted in simulation.
func (p *Planner) Plan(ctx context.Context, lctx *strategy.LiquidationContext, gasPriceWei *big.Int, nativePriceUSD decimal.Decimal, exclude ...strategy.ID) (*strategy.Prepared, error) {
	skip := make(map[strategy.ID]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var candidates []strategy.Strategy
	for _, strat := range p.registry.Candidates(lctx) {
		if !skip[strat.ID()] {
			candidates = append(candidates, strat)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoStrategy
	}

	var lastErr error
	for _, strat := range candidates {
		gasCost := GasCostUSD(strat.GasUnits(), gasPriceWei, nativePriceUSD)
		sizing, err := p.sizer.Best(ctx, lctx, strat, gasCost)
		if err != nil {
			lastErr = err
			continue
		}
		prep, err := strat.Build(ctx, lctx, sizing)
		if err != nil {
			p.logger.Debug("strategy build failed, escalating",
				zap.String("strategy", string(strat.ID())),
				zap.String("borrower", lctx.Borrower.Hex()),
				zap.Error(err))
			lastErr = err
			continue
		}
		p.logger.Info("liquidation planned",
			zap.String("borrower", lctx.Borrower.Hex()),
			zap.String("strategy", string(strat.ID())),
			zap.Int64("fractionPct", sizing.FractionPct),
			zap.String("debtToCover", sizing.DebtToCover.String()),
			zap.String("profitUsd", sizing.ProfitUSD.StringFixed(4)))
		return prep, nil
	}
	if lastErr == nil || errors.Is(lastErr, strategy.ErrCannotHandle) {
		lastErr = ErrNotProfitable
	}
	return nil, lastErr
}

// GasCostUSD converts a gas budget at a wei price into USD.
func GasCostUSD(gasUnits uint64, gasPriceWei *big.Int, nativePriceUSD decimal.Decimal) decimal.Decimal {
	if gasPriceWei == nil || nativePriceUSD.IsZero() {
		return decimal.Zero
	}
	wei := new(big.Int).Mul(gasPriceWei, new(big.Int).SetUint64(gasUnits))
	return decimal.NewFromBigInt(wei, -18).Mul(nativePriceUSD)
}

// Package sizer picks how much debt to cover per liquidation: it walks the
// size ladder, prices each rung against live venue quotes, and keeps the most
// profitable rung that clears gas.
package sizer

import (
	"context"
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidation-bot/config"
	"liquidation-bot/liquidity"
	"liquidation-bot/strategy"
)

var (
	// ErrNoStrategy means no strategy in the registry matched the candidate.
	ErrNoStrategy = errors.New("no strategy for candidate")
	// ErrNotProfitable means every evaluated rung lost money after gas.
	ErrNotProfitable = errors.New("no profitable size")
)

// Quoter is the batched venue-quote surface.
type Quoter interface {
	BatchQuote(ctx context.Context, requests []liquidity.QuoteRequest) ([]liquidity.Quote, error)
}

// Sizer evaluates the liquidation ladder for one strategy.
type Sizer struct {
	logger *zap.Logger
	cfg    *config.Config
	quoter Quoter
}

// New builds a sizer.
func New(cfg *config.Config, quoter Quoter, logger *zap.Logger) *Sizer {
	return &Sizer{logger: logger.Named("sizer"), cfg: cfg, quoter: quoter}
}

type rung struct {
	pct                int64
	debtToCover        *big.Int
	expectedCollateral *big.Int
}

// ladder computes the candidate sizes: each fraction of the borrower's debt,
// capped by the close factor, bumped once by the interest buffer, and capped
// by the seizable reserve.
func (s *Sizer) ladder(lctx *strategy.LiquidationContext) []rung {
	rungs := make([]rung, 0, len(s.cfg.LiquidationLadderPct))
	for _, pct := range s.cfg.LiquidationLadderPct {
		eff := pct
		if eff > s.cfg.CloseFactorPct {
			eff = s.cfg.CloseFactorPct
		}
		debtToCover := new(big.Int).Mul(lctx.UserDebt, big.NewInt(eff))
		debtToCover.Div(debtToCover, big.NewInt(100))
		debtToCover.Mul(debtToCover, big.NewInt(10_000+s.cfg.InterestBufferBps))
		debtToCover.Div(debtToCover, big.NewInt(10_000))
		if lctx.AvailableReserve != nil && debtToCover.Cmp(lctx.AvailableReserve) > 0 {
			debtToCover.Set(lctx.AvailableReserve)
		}
		if debtToCover.Sign() <= 0 {
			continue
		}
		rungs = append(rungs, rung{
			pct:                pct,
			debtToCover:        debtToCover,
			expectedCollateral: s.expectedCollateral(lctx, debtToCover),
		})
	}
	return rungs
}

// expectedCollateral converts debtToCover into the collateral seized: price
// conversion, liquidation bonus, then the conservative haircut, flooring at
// each division.
func (s *Sizer) expectedCollateral(lctx *strategy.LiquidationContext, debtToCover *big.Int) *big.Int {
	out := new(big.Int).Mul(debtToCover, lctx.DebtPrice)
	out.Mul(out, pow10(lctx.CollateralDecimals))
	out.Div(out, lctx.CollateralPrice)
	out.Div(out, pow10(lctx.DebtDecimals))
	out.Mul(out, lctx.LiquidationBonus)
	out.Div(out, big.NewInt(10_000))
	out.Mul(out, big.NewInt(s.cfg.ConservativeFactorPct))
	out.Div(out, big.NewInt(100))
	return out
}

// collateralToDebtValue converts a collateral amount into debt units at
// oracle prices, with no haircut.
func collateralToDebtValue(lctx *strategy.LiquidationContext, amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, lctx.CollateralPrice)
	out.Mul(out, pow10(lctx.DebtDecimals))
	out.Div(out, lctx.DebtPrice)
	out.Div(out, pow10(lctx.CollateralDecimals))
	return out
}

// Best evaluates the ladder bottom-up for one strategy and returns the most
// profitable rung. Evaluation stops at the first rung that loses money; the
// curve rises and then falls as price impact overtakes the bonus.
func (s *Sizer) Best(ctx context.Context, lctx *strategy.LiquidationContext, strat strategy.Strategy, gasCostUSD decimal.Decimal) (strategy.Sizing, error) {
	rungs := s.ladder(lctx)
	if len(rungs) == 0 {
		return strategy.Sizing{}, ErrNotProfitable
	}

	quotes := s.fetchQuotes(ctx, lctx, strat, rungs)

	var best strategy.Sizing
	found := false
	for i, r := range rungs {
		sizing := strategy.Sizing{
			FractionPct:        r.pct,
			DebtToCover:        r.debtToCover,
			ExpectedCollateral: r.expectedCollateral,
		}

		out := s.swapOutput(lctx, strat, r, quotes, i, &sizing)
		repay := new(big.Int).Add(r.debtToCover, strat.FlashFee(lctx, r.debtToCover))
		profitTokens := new(big.Int).Sub(out, repay)
		sizing.ProfitTokens = profitTokens
		sizing.ProfitUSD = lctx.DebtValueUSD(profitTokens).Sub(gasCostUSD)

		if sizing.ProfitUSD.Sign() <= 0 {
			s.logger.Debug("ladder rung unprofitable",
				zap.String("borrower", lctx.Borrower.Hex()),
				zap.Int64("pct", r.pct),
				zap.String("profitUsd", sizing.ProfitUSD.String()))
			break
		}
		if !found || sizing.ProfitUSD.GreaterThan(best.ProfitUSD) {
			best, found = sizing, true
		}
	}
	if !found {
		return strategy.Sizing{}, ErrNotProfitable
	}
	return best, nil
}

// fetchQuotes resolves all rung quotes in one batch; a nil slice means the
// venue is not quotable and the empirical fallback applies throughout.
func (s *Sizer) fetchQuotes(ctx context.Context, lctx *strategy.LiquidationContext, strat strategy.Strategy, rungs []rung) []liquidity.Quote {
	requests := make([]liquidity.QuoteRequest, 0, len(rungs))
	for _, r := range rungs {
		req, ok := strat.SwapQuoteRequest(lctx, r.expectedCollateral)
		if !ok {
			return nil
		}
		requests = append(requests, req)
	}
	quotes, err := s.quoter.BatchQuote(ctx, requests)
	if err != nil {
		s.logger.Warn("batch quote failed, using empirical slippage", zap.Error(err))
		return nil
	}
	return quotes
}

// swapOutput is the primary swap's expected debt-asset output for a rung:
// the live quote when available, otherwise oracle value less the strategy's
// empirical slippage.
func (s *Sizer) swapOutput(lctx *strategy.LiquidationContext, strat strategy.Strategy, r rung, quotes []liquidity.Quote, i int, sizing *strategy.Sizing) *big.Int {
	if quotes != nil && i < len(quotes) && quotes[i].Err == nil && quotes[i].AmountOut != nil {
		sizing.SwapQuote = &quotes[i]
		return quotes[i].AmountOut
	}
	out := collateralToDebtValue(lctx, r.expectedCollateral)
	out.Mul(out, big.NewInt(10_000-strat.EmpiricalSlippageBps()))
	out.Div(out, big.NewInt(10_000))
	return out
}

func pow10(d uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d)), nil)
}

package sizer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"liquidation-bot/config"
	"liquidation-bot/liquidity"
	"liquidation-bot/strategy"
)

var (
	usda = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdb = common.HexToAddress("0x00000000000000000000000000000000000000a2")

	stablePoolAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	poolAddr       = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	contractAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	borrowerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

// fakeQuoter answers quotes from a map keyed by amountIn, or 1:1 when the
// map is nil. err makes every batch fail.
type fakeQuoter struct {
	outs map[string]*big.Int
	err  error
}

func (f *fakeQuoter) BatchQuote(_ context.Context, requests []liquidity.QuoteRequest) ([]liquidity.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	quotes := make([]liquidity.Quote, len(requests))
	for i, req := range requests {
		quotes[i] = liquidity.Quote{Request: req}
		if f.outs == nil {
			quotes[i].AmountOut = new(big.Int).Set(req.AmountIn)
			continue
		}
		if out, ok := f.outs[req.AmountIn.String()]; ok {
			quotes[i].AmountOut = out
		} else {
			quotes[i].Err = errors.New("no quote")
		}
	}
	return quotes, nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.StableAssets = []common.Address{usda, usdb}
	cfg.StablePools = map[string]config.StablePool{
		"usda-usdb": {Address: stablePoolAddr, Token0: usda, Token1: usdb, Idx0: 0, Idx1: 1},
	}
	return cfg
}

func stableContext(cfg *config.Config) *strategy.LiquidationContext {
	return &strategy.LiquidationContext{
		Borrower:            borrowerAddr,
		Pool:                poolAddr,
		LiquidationContract: contractAddr,
		CollateralAsset:     usdb,
		DebtAsset:           usda,
		CollateralDecimals:  6,
		DebtDecimals:        6,
		CollateralPrice:     big.NewInt(100_000_000),
		DebtPrice:           big.NewInt(100_000_000),
		LiquidationBonus:    big.NewInt(10_500),
		UserDebt:            big.NewInt(1_000_000_000),
		CollateralBalance:   big.NewInt(2_000_000_000),
		AvailableReserve:    big.NewInt(2_000_000_000),
		StableCollateral:    true,
		StableDebt:          true,
		RequiredDebt:        big.NewInt(500_500_000),
		Config:              cfg,
	}
}

func selectStrategy(t *testing.T, cfg *config.Config, lctx *strategy.LiquidationContext) strategy.Strategy {
	t.Helper()
	reg := strategy.NewRegistry(cfg, nil, zap.NewNop())
	s, ok := reg.Select(lctx)
	require.True(t, ok)
	return s
}

func TestBestPicksLargestProfitableRung(t *testing.T) {
	cfg := testConfig()
	lctx := stableContext(cfg)
	s := selectStrategy(t, cfg, lctx)
	sz := New(cfg, &fakeQuoter{}, zap.NewNop())

	sizing, err := sz.Best(context.Background(), lctx, s, decimal.Zero)
	require.NoError(t, err)

	// 50% of 1e9, buffered once by 10 bps.
	assert.Equal(t, int64(50), sizing.FractionPct)
	assert.Equal(t, big.NewInt(500_500_000), sizing.DebtToCover)
	// x1.05 bonus then the 99% haircut, floored.
	assert.Equal(t, big.NewInt(520_269_750), sizing.ExpectedCollateral)
	// 1:1 quote: 520,269,750 out, 500,750,250 to repay -> 19.5195 USD.
	assert.Equal(t, "19.5195", sizing.ProfitUSD.StringFixed(4))
	require.NotNil(t, sizing.SwapQuote)
}

func TestBestStopsAtFirstUnprofitableRung(t *testing.T) {
	cfg := testConfig()
	lctx := stableContext(cfg)
	s := selectStrategy(t, cfg, lctx)

	// Rung profits: 10% -> +1.5, 25% -> +4, 50% -> -2. The hump sits at 25%.
	quoter := &fakeQuoter{outs: map[string]*big.Int{
		"104053950": big.NewInt(101_650_050),
		"260134875": big.NewInt(254_375_125),
		"520269750": big.NewInt(498_750_250),
	}}
	sz := New(cfg, quoter, zap.NewNop())

	sizing, err := sz.Best(context.Background(), lctx, s, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, int64(25), sizing.FractionPct)
	assert.Equal(t, "4.0000", sizing.ProfitUSD.StringFixed(4))
}

func TestBestRejectsWhenFirstRungLoses(t *testing.T) {
	cfg := testConfig()
	lctx := stableContext(cfg)
	s := selectStrategy(t, cfg, lctx)

	// The smallest rung already loses one token unit; evaluation stops there
	// even though larger rungs would have been quoted profitable.
	quoter := &fakeQuoter{outs: map[string]*big.Int{
		"104053950": big.NewInt(100_150_049),
		"260134875": big.NewInt(300_000_000),
		"520269750": big.NewInt(600_000_000),
	}}
	sz := New(cfg, quoter, zap.NewNop())

	_, err := sz.Best(context.Background(), lctx, s, decimal.Zero)
	assert.ErrorIs(t, err, ErrNotProfitable)
}

func TestLadderCapsAtAvailableReserve(t *testing.T) {
	cfg := testConfig()
	lctx := stableContext(cfg)
	lctx.AvailableReserve = big.NewInt(300_000_000)
	s := selectStrategy(t, cfg, lctx)
	sz := New(cfg, &fakeQuoter{}, zap.NewNop())

	sizing, err := sz.Best(context.Background(), lctx, s, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300_000_000), sizing.DebtToCover)
	assert.True(t, sizing.DebtToCover.Cmp(lctx.AvailableReserve) <= 0)
}

func TestEmpiricalFallbackWhenQuotesFail(t *testing.T) {
	cfg := testConfig()
	lctx := stableContext(cfg)
	s := selectStrategy(t, cfg, lctx)
	sz := New(cfg, &fakeQuoter{err: errors.New("rpc down")}, zap.NewNop())

	sizing, err := sz.Best(context.Background(), lctx, s, decimal.Zero)
	require.NoError(t, err)
	assert.Nil(t, sizing.SwapQuote)
	// 520,269,750 at oracle parity less 1% empirical slippage, minus the
	// 500,750,250 repayment.
	assert.Equal(t, "14.3168", sizing.ProfitUSD.StringFixed(4))
}

func TestGasCostEntersProfit(t *testing.T) {
	cfg := testConfig()
	lctx := stableContext(cfg)
	s := selectStrategy(t, cfg, lctx)
	sz := New(cfg, &fakeQuoter{}, zap.NewNop())

	sizing, err := sz.Best(context.Background(), lctx, s, decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "16.5195", sizing.ProfitUSD.StringFixed(4))
}

func TestGasCostUSD(t *testing.T) {
	// 1.3M gas at 2 gwei with the native token at $2500 is $6.50.
	cost := GasCostUSD(1_300_000, big.NewInt(2_000_000_000), decimal.NewFromInt(2500))
	assert.Equal(t, "6.50", cost.StringFixed(2))

	assert.True(t, GasCostUSD(1_300_000, nil, decimal.NewFromInt(2500)).IsZero())
}

func TestPlannerEncodesRepaymentFloor(t *testing.T) {
	cfg := testConfig()
	lctx := stableContext(cfg)
	reg := strategy.NewRegistry(cfg, nil, zap.NewNop())
	sz := New(cfg, &fakeQuoter{}, zap.NewNop())
	planner := NewPlanner(reg, sz, zap.NewNop())

	prep, err := planner.Plan(context.Background(), lctx, big.NewInt(1_000_000_000), decimal.NewFromInt(2500))
	require.NoError(t, err)

	assert.Equal(t, strategy.StableKittyOverAaveFlash, prep.Strategy)
	assert.Equal(t, big.NewInt(500_500_000), prep.DebtToCover)
	assert.Equal(t, big.NewInt(520_269_750), prep.ExpectedCollateral)
	// Primary minOut is the repayment floor: debtToCover plus the 5 bps flash
	// premium.
	assert.Equal(t, big.NewInt(500_750_250), prep.Primary.AmountOutMin)
}

func TestPlannerNoStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.StablePools = nil
	lctx := stableContext(cfg)
	reg := strategy.NewRegistry(cfg, nil, zap.NewNop())
	planner := NewPlanner(reg, New(cfg, &fakeQuoter{}, zap.NewNop()), zap.NewNop())

	_, err := planner.Plan(context.Background(), lctx, big.NewInt(1), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNoStrategy)
}

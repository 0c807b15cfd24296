package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liquidation-bot/config"
	"liquidation-bot/contracts"
	"liquidation-bot/liquidity"
)

var (
	// ErrCannotHandle is returned by Build when the candidate no longer
	// matches the strategy's predicate (whitelist changed, depth gone).
	ErrCannotHandle = errors.New("strategy cannot handle candidate")
)

// v3FeeToBps converts a concentrated-liquidity fee tier (micros) to bps.
func v3FeeToBps(feeMicro uint32) int64 {
	return int64(feeMicro) / 100
}

// v3FlashFee computes ceil(amount * feeMicro / 1e6).
func v3FlashFee(amount *big.Int, feeMicro uint32) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(int64(feeMicro)))
	rem := new(big.Int)
	fee.DivMod(fee, big.NewInt(1_000_000), rem)
	if rem.Sign() > 0 {
		fee.Add(fee, big.NewInt(1))
	}
	return fee
}

// depthAtLeastTwice reports whether depth covers 2x the required amount.
// Missing depth data fails the predicate; we never flash-borrow blind.
func depthAtLeastTwice(depth, required *big.Int) bool {
	if depth == nil || required == nil {
		return false
	}
	need := new(big.Int).Lsh(required, 1)
	return depth.Cmp(need) >= 0
}

// v2DebtDepth resolves the pair's reserve of the debt asset from prefetched
// reserves, honoring token order.
func v2DebtDepth(lctx *LiquidationContext, pair config.V2Pair) *big.Int {
	depth, ok := lctx.V2Reserves[pair.Address]
	if !ok {
		return nil
	}
	if pair.Token0 == lctx.DebtAsset {
		return depth.Reserve0
	}
	return depth.Reserve1
}

// v2Route finds a whitelisted V2 route collateral -> debt: the direct pair,
// or a two-hop route through a stable asset both legs pair with.
func v2Route(cfg *config.Config, collateral, debt common.Address) []common.Address {
	if _, ok := cfg.FindV2Pair(collateral, debt); ok {
		return []common.Address{collateral, debt}
	}
	for _, mid := range cfg.StableAssets {
		if mid == collateral || mid == debt {
			continue
		}
		_, okIn := cfg.FindV2Pair(collateral, mid)
		_, okOut := cfg.FindV2Pair(mid, debt)
		if okIn && okOut {
			return []common.Address{collateral, mid, debt}
		}
	}
	return nil
}

// assemble fills the fields shared by every strategy's Build.
func assemble(lctx *LiquidationContext, s Strategy, sizing Sizing, method contracts.ContractMethod, flashSource common.Address, primary contracts.SwapParams) *Prepared {
	residual, residualOut := residualSwap(lctx)
	var profitOut *big.Int
	if meta, ok := lctx.Stables[residualOut]; ok {
		profitOut = debtToTokenUnits(lctx, sizing.ProfitTokens, meta.Price, meta.Decimals)
	}
	return &Prepared{
		Borrower:    lctx.Borrower,
		Strategy:    s.ID(),
		Method:      method,
		FlashSource: flashSource,
		Contract:    lctx.LiquidationContract,
		Params: contracts.LiquidationParams{
			CollateralAsset: lctx.CollateralAsset,
			DebtAsset:       lctx.DebtAsset,
			User:            lctx.Borrower,
			Amount:          sizing.DebtToCover,
			TransferAmount:  sizing.ExpectedCollateral,
			DebtToCover:     sizing.DebtToCover,
		},
		Primary:                  primary,
		Residual:                 residual,
		Receiver:                 lctx.Receiver,
		CollateralAsset:          lctx.CollateralAsset,
		DebtAsset:                lctx.DebtAsset,
		DebtToCover:              sizing.DebtToCover,
		ExpectedCollateral:       sizing.ExpectedCollateral,
		EstimatedProfitTokens:    sizing.ProfitTokens,
		EstimatedProfitOutTokens: profitOut,
		EstimatedProfitUSD:       sizing.ProfitUSD,
		TradeSizeUSD:             lctx.DebtValueUSD(sizing.DebtToCover),
		GasUnits:                 s.GasUnits(),
		CreatedAt:                time.Now(),
	}
}

// debtToTokenUnits converts an amount of debt base units into another token's
// base units at oracle prices.
func debtToTokenUnits(lctx *LiquidationContext, amount, outPrice *big.Int, outDecimals uint8) *big.Int {
	if amount == nil || outPrice == nil || lctx.DebtPrice == nil {
		return nil
	}
	den := new(big.Int).Mul(outPrice, pow10(lctx.DebtDecimals))
	if den.Sign() == 0 {
		return nil
	}
	num := new(big.Int).Mul(amount, lctx.DebtPrice)
	num.Mul(num, pow10(outDecimals))
	return num.Div(num, den)
}

// residualSwap forwards the profit leg. Profit lands in the debt asset after
// the primary swap; when that is already a stable we keep it as-is (empty
// path, the contract skips the swap). Otherwise route it into a stable via
// the V2 router with amountIn zero so the contract swaps its observed
// balance. The executor fills AmountOutMin from the live slippage tier; the
// returned address is the swap's out token, zero for the no-op case.
func residualSwap(lctx *LiquidationContext) (contracts.SwapParams, common.Address) {
	noop := contracts.SwapParams{
		SwapKind:     uint8(contracts.SwapKindV2),
		AmountIn:     big.NewInt(0),
		AmountOutMin: big.NewInt(0),
	}
	if lctx.StableDebt || lctx.Config == nil {
		return noop, common.Address{}
	}
	for _, stable := range lctx.Config.StableAssets {
		if _, ok := lctx.Config.FindV2Pair(lctx.DebtAsset, stable); ok {
			return contracts.SwapParams{
				SwapKind:     uint8(contracts.SwapKindV2),
				Router:       lctx.Config.V2RouterAddress,
				Path:         contracts.EncodeV2Path([]common.Address{lctx.DebtAsset, stable}),
				AmountIn:     big.NewInt(0),
				AmountOutMin: big.NewInt(0),
			}, stable
		}
	}
	return noop, common.Address{}
}

// stableSwapParams encodes the primary swap through a Curve-style pool.
func stableSwapParams(pool config.StablePool, lctx *LiquidationContext, sizing Sizing, minOut *big.Int) (contracts.SwapParams, error) {
	inner := contracts.PackStableExchange(pool.Idx0, pool.Idx1, sizing.ExpectedCollateral, minOut)
	path, err := contracts.EncodeTuplePath(lctx.CollateralAsset, lctx.DebtAsset, inner)
	if err != nil {
		return contracts.SwapParams{}, err
	}
	return contracts.SwapParams{
		SwapKind:     uint8(contracts.SwapKindNativeAggregator),
		Router:       pool.Address,
		Path:         path,
		AmountIn:     sizing.ExpectedCollateral,
		AmountOutMin: minOut,
	}, nil
}

// v2SwapParams encodes the primary swap along a V2 route.
func v2SwapParams(cfg *config.Config, route []common.Address, sizing Sizing, minOut *big.Int) contracts.SwapParams {
	return contracts.SwapParams{
		SwapKind:     uint8(contracts.SwapKindV2),
		Router:       cfg.V2RouterAddress,
		Path:         contracts.EncodeV2Path(route),
		AmountIn:     sizing.ExpectedCollateral,
		AmountOutMin: minOut,
	}
}

// ---- StableKittyOverAaveFlash (priority 1) ----
//
// Both legs stable and a stable pool covers the pair: flash the debt from the
// money market, swap seized collateral back through the stable pool.
type stableKittyOverAaveFlash struct {
	cfg *config.Config
}

func (s *stableKittyOverAaveFlash) ID() ID                      { return StableKittyOverAaveFlash }
func (s *stableKittyOverAaveFlash) Priority() int               { return 1 }
func (s *stableKittyOverAaveFlash) GasUnits() uint64            { return 1_300_000 }
func (s *stableKittyOverAaveFlash) EmpiricalSlippageBps() int64 { return 100 }

func (s *stableKittyOverAaveFlash) FeeBps(*LiquidationContext) int64 {
	return AaveFlashFeeBps + StablePoolFeeBps
}

func (s *stableKittyOverAaveFlash) FlashFee(_ *LiquidationContext, debtToCover *big.Int) *big.Int {
	return flashFeeFromBps(debtToCover, AaveFlashFeeBps)
}

func (s *stableKittyOverAaveFlash) CanHandle(lctx *LiquidationContext) bool {
	if !lctx.StableCollateral || !lctx.StableDebt {
		return false
	}
	_, ok := s.cfg.FindStablePool(lctx.CollateralAsset, lctx.DebtAsset)
	return ok
}

func (s *stableKittyOverAaveFlash) SwapQuoteRequest(lctx *LiquidationContext, amountIn *big.Int) (liquidity.QuoteRequest, bool) {
	pool, ok := s.cfg.FindStablePool(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return liquidity.QuoteRequest{}, false
	}
	return liquidity.QuoteRequest{
		Venue:    liquidity.VenueStable,
		Pool:     pool.Address,
		TokenIn:  lctx.CollateralAsset,
		TokenOut: lctx.DebtAsset,
		AmountIn: amountIn,
		StableI:  pool.Idx0,
		StableJ:  pool.Idx1,
	}, true
}

func (s *stableKittyOverAaveFlash) Build(_ context.Context, lctx *LiquidationContext, sizing Sizing) (*Prepared, error) {
	pool, ok := s.cfg.FindStablePool(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return nil, ErrCannotHandle
	}
	minOut := repayAmount(lctx, s, sizing.DebtToCover)
	primary, err := stableSwapParams(pool, lctx, sizing, minOut)
	if err != nil {
		return nil, err
	}
	return assemble(lctx, s, sizing, contracts.MethodFlashPool, lctx.Pool, primary), nil
}

// ---- StableKittyOverV3Flash (priority 2) ----
//
// Same swap leg, but the debt is flashed from a whitelisted V3 pool that
// holds it, trading the 5 bps money-market premium for the pool's fee tier.
type stableKittyOverV3Flash struct {
	cfg *config.Config
}

func (s *stableKittyOverV3Flash) ID() ID                      { return StableKittyOverV3Flash }
func (s *stableKittyOverV3Flash) Priority() int               { return 2 }
func (s *stableKittyOverV3Flash) GasUnits() uint64            { return 1_200_000 }
func (s *stableKittyOverV3Flash) EmpiricalSlippageBps() int64 { return 100 }

func (s *stableKittyOverV3Flash) flashPool(lctx *LiquidationContext) (config.V3Pool, bool) {
	pool, ok := s.cfg.FindV3PoolWith(lctx.DebtAsset)
	if !ok {
		return config.V3Pool{}, false
	}
	return pool, depthAtLeastTwice(lctx.V3Liquidity[pool.Address], lctx.RequiredDebt)
}

func (s *stableKittyOverV3Flash) FeeBps(lctx *LiquidationContext) int64 {
	pool, ok := s.cfg.FindV3PoolWith(lctx.DebtAsset)
	if !ok {
		return StablePoolFeeBps
	}
	return v3FeeToBps(pool.FeeMicro) + StablePoolFeeBps
}

func (s *stableKittyOverV3Flash) FlashFee(lctx *LiquidationContext, debtToCover *big.Int) *big.Int {
	pool, ok := s.cfg.FindV3PoolWith(lctx.DebtAsset)
	if !ok {
		return big.NewInt(0)
	}
	return v3FlashFee(debtToCover, pool.FeeMicro)
}

func (s *stableKittyOverV3Flash) CanHandle(lctx *LiquidationContext) bool {
	if !lctx.StableCollateral || !lctx.StableDebt {
		return false
	}
	if _, ok := s.cfg.FindStablePool(lctx.CollateralAsset, lctx.DebtAsset); !ok {
		return false
	}
	_, ok := s.flashPool(lctx)
	return ok
}

func (s *stableKittyOverV3Flash) SwapQuoteRequest(lctx *LiquidationContext, amountIn *big.Int) (liquidity.QuoteRequest, bool) {
	pool, ok := s.cfg.FindStablePool(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return liquidity.QuoteRequest{}, false
	}
	return liquidity.QuoteRequest{
		Venue:    liquidity.VenueStable,
		Pool:     pool.Address,
		TokenIn:  lctx.CollateralAsset,
		TokenOut: lctx.DebtAsset,
		AmountIn: amountIn,
		StableI:  pool.Idx0,
		StableJ:  pool.Idx1,
	}, true
}

func (s *stableKittyOverV3Flash) Build(_ context.Context, lctx *LiquidationContext, sizing Sizing) (*Prepared, error) {
	flash, ok := s.flashPool(lctx)
	if !ok {
		return nil, ErrCannotHandle
	}
	pool, ok := s.cfg.FindStablePool(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return nil, ErrCannotHandle
	}
	minOut := repayAmount(lctx, s, sizing.DebtToCover)
	primary, err := stableSwapParams(pool, lctx, sizing, minOut)
	if err != nil {
		return nil, err
	}
	return assemble(lctx, s, sizing, contracts.MethodV3Flash, flash.Address, primary), nil
}

// ---- V2FlashSwap (priority 3) ----
//
// Flash-swap the debt out of a whitelisted V2 pair carrying at least twice
// the required amount; repay the pair from the seized collateral.
type v2FlashSwap struct {
	cfg *config.Config
}

func (s *v2FlashSwap) ID() ID                      { return V2FlashSwap }
func (s *v2FlashSwap) Priority() int               { return 3 }
func (s *v2FlashSwap) GasUnits() uint64            { return 1_100_000 }
func (s *v2FlashSwap) EmpiricalSlippageBps() int64 { return 300 }

func (s *v2FlashSwap) FeeBps(*LiquidationContext) int64 { return V2FlashFeeBps }

func (s *v2FlashSwap) FlashFee(_ *LiquidationContext, debtToCover *big.Int) *big.Int {
	return flashFeeFromBps(debtToCover, V2FlashFeeBps)
}

func (s *v2FlashSwap) flashPair(lctx *LiquidationContext) (config.V2Pair, bool) {
	pair, ok := s.cfg.FindV2PairWith(lctx.DebtAsset)
	if !ok {
		return config.V2Pair{}, false
	}
	return pair, depthAtLeastTwice(v2DebtDepth(lctx, pair), lctx.RequiredDebt)
}

func (s *v2FlashSwap) CanHandle(lctx *LiquidationContext) bool {
	if _, ok := s.cfg.FindV2Pair(lctx.CollateralAsset, lctx.DebtAsset); !ok {
		return false
	}
	_, ok := s.flashPair(lctx)
	return ok
}

func (s *v2FlashSwap) SwapQuoteRequest(lctx *LiquidationContext, amountIn *big.Int) (liquidity.QuoteRequest, bool) {
	pair, ok := s.cfg.FindV2Pair(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return liquidity.QuoteRequest{}, false
	}
	return liquidity.QuoteRequest{
		Venue:    liquidity.VenueV2,
		Pool:     pair.Address,
		Router:   s.cfg.V2RouterAddress,
		TokenIn:  lctx.CollateralAsset,
		TokenOut: lctx.DebtAsset,
		AmountIn: amountIn,
		FeeBps:   pair.FeeBps,
	}, true
}

func (s *v2FlashSwap) Build(_ context.Context, lctx *LiquidationContext, sizing Sizing) (*Prepared, error) {
	flash, ok := s.flashPair(lctx)
	if !ok {
		return nil, ErrCannotHandle
	}
	minOut := repayAmount(lctx, s, sizing.DebtToCover)
	primary := v2SwapParams(s.cfg, []common.Address{lctx.CollateralAsset, lctx.DebtAsset}, sizing, minOut)
	return assemble(lctx, s, sizing, contracts.MethodV2FlashSwap, flash.Address, primary), nil
}

// ---- V3Flash (priority 4) ----
//
// Flash the debt from a whitelisted V3 pool; swap collateral back on V2.
type v3Flash struct {
	cfg *config.Config
}

func (s *v3Flash) ID() ID                      { return V3Flash }
func (s *v3Flash) Priority() int               { return 4 }
func (s *v3Flash) GasUnits() uint64            { return 1_200_000 }
func (s *v3Flash) EmpiricalSlippageBps() int64 { return 300 }

func (s *v3Flash) flashPool(lctx *LiquidationContext) (config.V3Pool, bool) {
	pool, ok := s.cfg.FindV3PoolWith(lctx.DebtAsset)
	if !ok {
		return config.V3Pool{}, false
	}
	return pool, depthAtLeastTwice(lctx.V3Liquidity[pool.Address], lctx.RequiredDebt)
}

func (s *v3Flash) FeeBps(lctx *LiquidationContext) int64 {
	pool, ok := s.cfg.FindV3PoolWith(lctx.DebtAsset)
	if !ok {
		return 0
	}
	return v3FeeToBps(pool.FeeMicro)
}

func (s *v3Flash) FlashFee(lctx *LiquidationContext, debtToCover *big.Int) *big.Int {
	pool, ok := s.cfg.FindV3PoolWith(lctx.DebtAsset)
	if !ok {
		return big.NewInt(0)
	}
	return v3FlashFee(debtToCover, pool.FeeMicro)
}

func (s *v3Flash) CanHandle(lctx *LiquidationContext) bool {
	if _, ok := s.cfg.FindV2Pair(lctx.CollateralAsset, lctx.DebtAsset); !ok {
		return false
	}
	_, ok := s.flashPool(lctx)
	return ok
}

func (s *v3Flash) SwapQuoteRequest(lctx *LiquidationContext, amountIn *big.Int) (liquidity.QuoteRequest, bool) {
	pair, ok := s.cfg.FindV2Pair(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return liquidity.QuoteRequest{}, false
	}
	return liquidity.QuoteRequest{
		Venue:    liquidity.VenueV2,
		Pool:     pair.Address,
		Router:   s.cfg.V2RouterAddress,
		TokenIn:  lctx.CollateralAsset,
		TokenOut: lctx.DebtAsset,
		AmountIn: amountIn,
		FeeBps:   pair.FeeBps,
	}, true
}

func (s *v3Flash) Build(_ context.Context, lctx *LiquidationContext, sizing Sizing) (*Prepared, error) {
	flash, ok := s.flashPool(lctx)
	if !ok {
		return nil, ErrCannotHandle
	}
	minOut := repayAmount(lctx, s, sizing.DebtToCover)
	primary := v2SwapParams(s.cfg, []common.Address{lctx.CollateralAsset, lctx.DebtAsset}, sizing, minOut)
	return assemble(lctx, s, sizing, contracts.MethodV3Flash, flash.Address, primary), nil
}

// ---- V2DirectOverAaveFlash (priority 5) ----
//
// Money-market flash plus a direct V2 pair swap; the generic non-stable path.
type v2DirectOverAaveFlash struct {
	cfg *config.Config
}

func (s *v2DirectOverAaveFlash) ID() ID                      { return V2DirectOverAaveFlash }
func (s *v2DirectOverAaveFlash) Priority() int               { return 5 }
func (s *v2DirectOverAaveFlash) GasUnits() uint64            { return 1_300_000 }
func (s *v2DirectOverAaveFlash) EmpiricalSlippageBps() int64 { return 300 }

func (s *v2DirectOverAaveFlash) FeeBps(*LiquidationContext) int64 {
	return AaveFlashFeeBps + V2FlashFeeBps
}

func (s *v2DirectOverAaveFlash) FlashFee(_ *LiquidationContext, debtToCover *big.Int) *big.Int {
	return flashFeeFromBps(debtToCover, AaveFlashFeeBps)
}

func (s *v2DirectOverAaveFlash) CanHandle(lctx *LiquidationContext) bool {
	_, ok := s.cfg.FindV2Pair(lctx.CollateralAsset, lctx.DebtAsset)
	return ok
}

func (s *v2DirectOverAaveFlash) SwapQuoteRequest(lctx *LiquidationContext, amountIn *big.Int) (liquidity.QuoteRequest, bool) {
	pair, ok := s.cfg.FindV2Pair(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return liquidity.QuoteRequest{}, false
	}
	return liquidity.QuoteRequest{
		Venue:    liquidity.VenueV2,
		Pool:     pair.Address,
		Router:   s.cfg.V2RouterAddress,
		TokenIn:  lctx.CollateralAsset,
		TokenOut: lctx.DebtAsset,
		AmountIn: amountIn,
		FeeBps:   pair.FeeBps,
	}, true
}

func (s *v2DirectOverAaveFlash) Build(_ context.Context, lctx *LiquidationContext, sizing Sizing) (*Prepared, error) {
	if _, ok := s.cfg.FindV2Pair(lctx.CollateralAsset, lctx.DebtAsset); !ok {
		return nil, ErrCannotHandle
	}
	minOut := repayAmount(lctx, s, sizing.DebtToCover)
	primary := v2SwapParams(s.cfg, []common.Address{lctx.CollateralAsset, lctx.DebtAsset}, sizing, minOut)
	return assemble(lctx, s, sizing, contracts.MethodFlashPool, lctx.Pool, primary), nil
}

// ---- V3DirectOverAaveFlash (priority 6) ----
//
// A V3 pool covers the pair but there is no direct V2 pair; flash from the
// V3 pool (typically the 0.05% tier, matching the money-market premium) and
// swap along a two-hop V2 route through a stable.
type v3DirectOverAaveFlash struct {
	cfg *config.Config
}

func (s *v3DirectOverAaveFlash) ID() ID                      { return V3DirectOverAaveFlash }
func (s *v3DirectOverAaveFlash) Priority() int               { return 6 }
func (s *v3DirectOverAaveFlash) GasUnits() uint64            { return 1_350_000 }
func (s *v3DirectOverAaveFlash) EmpiricalSlippageBps() int64 { return 300 }

func (s *v3DirectOverAaveFlash) flashPool(lctx *LiquidationContext) (config.V3Pool, bool) {
	pool, ok := s.cfg.FindV3Pool(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return config.V3Pool{}, false
	}
	return pool, depthAtLeastTwice(lctx.V3Liquidity[pool.Address], lctx.RequiredDebt)
}

func (s *v3DirectOverAaveFlash) FeeBps(lctx *LiquidationContext) int64 {
	pool, ok := s.cfg.FindV3Pool(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return V2FlashFeeBps
	}
	return v3FeeToBps(pool.FeeMicro) + V2FlashFeeBps
}

func (s *v3DirectOverAaveFlash) FlashFee(lctx *LiquidationContext, debtToCover *big.Int) *big.Int {
	pool, ok := s.cfg.FindV3Pool(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return big.NewInt(0)
	}
	return v3FlashFee(debtToCover, pool.FeeMicro)
}

func (s *v3DirectOverAaveFlash) CanHandle(lctx *LiquidationContext) bool {
	if _, ok := s.flashPool(lctx); !ok {
		return false
	}
	return v2Route(s.cfg, lctx.CollateralAsset, lctx.DebtAsset) != nil
}

func (s *v3DirectOverAaveFlash) SwapQuoteRequest(lctx *LiquidationContext, amountIn *big.Int) (liquidity.QuoteRequest, bool) {
	route := v2Route(s.cfg, lctx.CollateralAsset, lctx.DebtAsset)
	if len(route) != 2 {
		// Multi-hop quotes go through the router, not a single pair read.
		return liquidity.QuoteRequest{}, false
	}
	pair, ok := s.cfg.FindV2Pair(lctx.CollateralAsset, lctx.DebtAsset)
	if !ok {
		return liquidity.QuoteRequest{}, false
	}
	return liquidity.QuoteRequest{
		Venue:    liquidity.VenueV2,
		Pool:     pair.Address,
		Router:   s.cfg.V2RouterAddress,
		TokenIn:  lctx.CollateralAsset,
		TokenOut: lctx.DebtAsset,
		AmountIn: amountIn,
		FeeBps:   pair.FeeBps,
	}, true
}

func (s *v3DirectOverAaveFlash) Build(_ context.Context, lctx *LiquidationContext, sizing Sizing) (*Prepared, error) {
	flash, ok := s.flashPool(lctx)
	if !ok {
		return nil, ErrCannotHandle
	}
	route := v2Route(s.cfg, lctx.CollateralAsset, lctx.DebtAsset)
	if route == nil {
		return nil, ErrCannotHandle
	}
	minOut := repayAmount(lctx, s, sizing.DebtToCover)
	primary := v2SwapParams(s.cfg, route, sizing, minOut)
	return assemble(lctx, s, sizing, contracts.MethodV3Flash, flash.Address, primary), nil
}

// ---- AggregatorOverAaveFlash (priority 99) ----
//
// Last resort: money-market flash plus an external aggregator swap. The
// aggregator quote already bakes its price impact into the calldata.
type aggregatorOverAaveFlash struct {
	cfg    *config.Config
	client *AggregatorClient
}

func (s *aggregatorOverAaveFlash) ID() ID                      { return AggregatorOverAaveFlash }
func (s *aggregatorOverAaveFlash) Priority() int               { return 99 }
func (s *aggregatorOverAaveFlash) GasUnits() uint64            { return 1_600_000 }
func (s *aggregatorOverAaveFlash) EmpiricalSlippageBps() int64 { return 500 }

func (s *aggregatorOverAaveFlash) FeeBps(*LiquidationContext) int64 { return AaveFlashFeeBps }

func (s *aggregatorOverAaveFlash) FlashFee(_ *LiquidationContext, debtToCover *big.Int) *big.Int {
	return flashFeeFromBps(debtToCover, AaveFlashFeeBps)
}

func (s *aggregatorOverAaveFlash) CanHandle(*LiquidationContext) bool {
	return s.client != nil && s.client.Configured()
}

func (s *aggregatorOverAaveFlash) SwapQuoteRequest(*LiquidationContext, *big.Int) (liquidity.QuoteRequest, bool) {
	// Aggregator quotes come over HTTP, not through the batch probe.
	return liquidity.QuoteRequest{}, false
}

func (s *aggregatorOverAaveFlash) Build(ctx context.Context, lctx *LiquidationContext, sizing Sizing) (*Prepared, error) {
	if !s.CanHandle(lctx) {
		return nil, ErrCannotHandle
	}
	minOut := repayAmount(lctx, s, sizing.DebtToCover)
	quote, err := s.client.Quote(ctx, QuoteParams{
		FromToken:   lctx.CollateralAsset,
		ToToken:     lctx.DebtAsset,
		Amount:      sizing.ExpectedCollateral,
		FromAddress: lctx.LiquidationContract,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregator quote: %w", err)
	}
	if quote.ToAmount != nil && quote.ToAmount.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("aggregator output %s below repayment %s: %w",
			quote.ToAmount, minOut, ErrCannotHandle)
	}
	path, err := contracts.EncodeTuplePath(lctx.CollateralAsset, lctx.DebtAsset, quote.Calldata)
	if err != nil {
		return nil, err
	}
	primary := contracts.SwapParams{
		SwapKind:     uint8(contracts.SwapKindExternalAggregator),
		Router:       quote.To,
		Path:         path,
		AmountIn:     sizing.ExpectedCollateral,
		AmountOutMin: minOut,
	}
	return assemble(lctx, s, sizing, contracts.MethodFlashPool, lctx.Pool, primary), nil
}

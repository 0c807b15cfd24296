// Package strategy enumerates the closed set of liquidation strategies and
// selects, per candidate, the highest-priority one that can handle it.
package strategy

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"liquidation-bot/config"
	"liquidation-bot/contracts"
	"liquidation-bot/liquidity"
)

// ID tags one liquidation strategy.
type ID string

const (
	StableKittyOverAaveFlash ID = "StableKittyOverAaveFlash"
	StableKittyOverV3Flash   ID = "StableKittyOverV3Flash"
	V2FlashSwap              ID = "V2FlashSwap"
	V3Flash                  ID = "V3Flash"
	V2DirectOverAaveFlash    ID = "V2DirectOverAaveFlash"
	V3DirectOverAaveFlash    ID = "V3DirectOverAaveFlash"
	AggregatorOverAaveFlash  ID = "AggregatorOverAaveFlash"
)

// Flash-source fees in basis points.
const (
	AaveFlashFeeBps  = 5
	V2FlashFeeBps    = 30
	StablePoolFeeBps = 4
)

// LiquidationContext is everything a strategy needs to decide and build:
// the borrower's dominant collateral and debt holdings, fresh prices, reserve
// configuration, and prefetched venue depth.
type LiquidationContext struct {
	Borrower            common.Address
	Pool                common.Address
	LiquidationContract common.Address
	Receiver            common.Address

	CollateralAsset    common.Address
	DebtAsset          common.Address
	CollateralDecimals uint8
	DebtDecimals       uint8
	CollateralPrice    *big.Int // 8 fractional digits
	DebtPrice          *big.Int // 8 fractional digits
	LiquidationBonus   *big.Int // 10000 = no bonus

	UserDebt          *big.Int // total debt in debt base units
	CollateralBalance *big.Int // aToken balance in collateral base units
	AvailableReserve  *big.Int // debt units held by the reserve's aToken

	StableCollateral bool
	StableDebt       bool

	// RequiredDebt is the largest ladder debtToCover, used for the 2x depth
	// predicates.
	RequiredDebt *big.Int

	// Prefetched venue state, keyed by pool/pair address.
	V2Reserves  map[common.Address]liquidity.V2ReserveDepth
	V3Liquidity map[common.Address]*big.Int

	// Stables carries price and decimals for the configured stable assets,
	// used to denominate the residual swap's output floor.
	Stables map[common.Address]StableMeta

	Config *config.Config
}

// StableMeta is the oracle view of one configured stable asset.
type StableMeta struct {
	Price    *big.Int // 8 fractional digits
	Decimals uint8
}

// DebtValueUSD converts an amount of debt base units to USD.
func (c *LiquidationContext) DebtValueUSD(amount *big.Int) decimal.Decimal {
	return usdValue(amount, c.DebtPrice, c.DebtDecimals)
}

// CollateralValueUSD converts an amount of collateral base units to USD.
func (c *LiquidationContext) CollateralValueUSD(amount *big.Int) decimal.Decimal {
	return usdValue(amount, c.CollateralPrice, c.CollateralDecimals)
}

func usdValue(amount, price8 *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil || price8 == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).
		Mul(decimal.NewFromBigInt(price8, -8))
}

// Sizing is the adaptive sizer's verdict for one candidate and strategy.
type Sizing struct {
	FractionPct        int64
	DebtToCover        *big.Int
	ExpectedCollateral *big.Int
	SwapQuote          *liquidity.Quote // nil when the empirical fallback was used
	ProfitTokens       *big.Int         // pre-gas profit in debt base units
	ProfitUSD          decimal.Decimal
}

// Prepared is a fully encoded, ready-to-submit liquidation.
type Prepared struct {
	Borrower common.Address
	Strategy ID
	Method   contracts.ContractMethod

	// FlashSource is the pair/pool the flash variants borrow from.
	FlashSource common.Address
	Contract    common.Address

	Params   contracts.LiquidationParams
	Primary  contracts.SwapParams
	Residual contracts.SwapParams
	Receiver common.Address

	CollateralAsset    common.Address
	DebtAsset          common.Address
	DebtToCover        *big.Int
	ExpectedCollateral *big.Int

	EstimatedProfitTokens *big.Int // pre-gas, in debt base units
	// EstimatedProfitOutTokens is the expected residual swap output in the
	// out-token's base units; nil when there is no residual swap or the out
	// token's oracle view is missing.
	EstimatedProfitOutTokens *big.Int
	EstimatedProfitUSD       decimal.Decimal
	TradeSizeUSD             decimal.Decimal
	GasUnits                 uint64
	CreatedAt                time.Time
}

// Fresh reports whether the prepared entry is still inside its TTL.
func (p *Prepared) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.CreatedAt) <= ttl
}

// Calldata encodes the executor-contract call for this prepared liquidation.
func (p *Prepared) Calldata() ([]byte, error) {
	return contracts.PackExecute(p.Method, p.FlashSource, p.Params, p.Primary, p.Residual, p.Receiver)
}

// Strategy is one member of the closed strategy set.
type Strategy interface {
	ID() ID
	// Priority orders strategies ascending; lower tries first.
	Priority() int
	// FeeBps is the strategy's total fee model in basis points.
	FeeBps(lctx *LiquidationContext) int64
	// FlashFee is the flash-leg repayment premium on debtToCover.
	FlashFee(lctx *LiquidationContext, debtToCover *big.Int) *big.Int
	// GasUnits is the empirical gas cost of the full transaction.
	GasUnits() uint64
	// EmpiricalSlippageBps is the fallback slippage assumption when no quote
	// is available for the swap venue.
	EmpiricalSlippageBps() int64
	// CanHandle reports whether the strategy applies to the candidate.
	CanHandle(lctx *LiquidationContext) bool
	// SwapQuoteRequest describes the primary-swap quote the sizer should
	// fetch for a given collateral amount, if the venue is quotable.
	SwapQuoteRequest(lctx *LiquidationContext, amountIn *big.Int) (liquidity.QuoteRequest, bool)
	// Build encodes the prepared liquidation for a chosen sizing.
	Build(ctx context.Context, lctx *LiquidationContext, sizing Sizing) (*Prepared, error)
}

// flashFeeFromBps computes ceil(amount * bps / 10000), the repayment premium.
func flashFeeFromBps(amount *big.Int, bps int64) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(bps))
	rem := new(big.Int)
	fee.DivMod(fee, big.NewInt(10_000), rem)
	if rem.Sign() > 0 {
		fee.Add(fee, big.NewInt(1))
	}
	return fee
}

// repayAmount is debtToCover plus the flash premium; the primary swap's
// amountOutMin. The residual swap absorbs everything above it as profit.
func repayAmount(lctx *LiquidationContext, s Strategy, debtToCover *big.Int) *big.Int {
	return new(big.Int).Add(debtToCover, s.FlashFee(lctx, debtToCover))
}

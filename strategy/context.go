package strategy

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidation-bot/config"
	"liquidation-bot/contracts"
	"liquidation-bot/liquidity"
	"liquidation-bot/pricecache"
)

// Caller is the read surface the context builder needs.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// ContextBuilder assembles a LiquidationContext for a borrower: scans their
// reserve holdings, picks the dominant collateral and debt, and prefetches
// prices, reserve config and venue depth.
type ContextBuilder struct {
	logger   *zap.Logger
	cfg      *config.Config
	caller   Caller
	prices   *pricecache.PriceCache
	reserves *pricecache.ReserveConfigCache
	probe    *liquidity.Probe
	receiver common.Address
}

// NewContextBuilder wires the builder.
func NewContextBuilder(cfg *config.Config, caller Caller, prices *pricecache.PriceCache, reserves *pricecache.ReserveConfigCache, probe *liquidity.Probe, receiver common.Address, logger *zap.Logger) *ContextBuilder {
	return &ContextBuilder{
		logger:   logger.Named("context"),
		cfg:      cfg,
		caller:   caller,
		prices:   prices,
		reserves: reserves,
		probe:    probe,
		receiver: receiver,
	}
}

type holding struct {
	asset common.Address
	data  *contracts.UserReserveData
}

// Build assembles the full context, or an error when the borrower has no
// usable collateral/debt pair.
func (b *ContextBuilder) Build(ctx context.Context, pool, borrower common.Address) (*LiquidationContext, error) {
	built, failures := b.BuildBatch(ctx, pool, []common.Address{borrower})
	if err, ok := failures[borrower]; ok {
		return nil, err
	}
	lctx, ok := built[borrower]
	if !ok {
		return nil, fmt.Errorf("no context built for %s", borrower.Hex())
	}
	return lctx, nil
}

// BuildBatch assembles contexts for a whole cohort at once: the per-reserve
// account rows for every borrower go through shared aggregator chunks, and
// one price read covers the union of their assets. Per-borrower failures are
// reported individually.
func (b *ContextBuilder) BuildBatch(ctx context.Context, pool common.Address, borrowers []common.Address) (map[common.Address]*LiquidationContext, map[common.Address]error) {
	built := make(map[common.Address]*LiquidationContext, len(borrowers))
	failures := make(map[common.Address]error)
	if len(borrowers) == 0 {
		return built, failures
	}

	failAll := func(err error) (map[common.Address]*LiquidationContext, map[common.Address]error) {
		for _, borrower := range borrowers {
			failures[borrower] = err
		}
		return built, failures
	}

	holdingsBy, err := b.scanHoldings(ctx, borrowers)
	if err != nil {
		return failAll(fmt.Errorf("scan holdings: %w", err))
	}

	assetSet := make(map[common.Address]struct{})
	for _, holdings := range holdingsBy {
		for _, h := range holdings {
			assetSet[h.asset] = struct{}{}
		}
	}
	for _, stable := range b.cfg.StableAssets {
		assetSet[stable] = struct{}{}
	}
	assets := make([]common.Address, 0, len(assetSet))
	for asset := range assetSet {
		assets = append(assets, asset)
	}

	prices, err := b.prices.BatchGetPrices(ctx, assets)
	if err != nil {
		return failAll(fmt.Errorf("batch prices: %w", err))
	}
	decimals := b.assetDecimals(ctx, assets)
	stables := b.stableMeta(prices, decimals)

	for _, borrower := range borrowers {
		lctx, err := b.assembleContext(ctx, pool, borrower, holdingsBy[borrower], prices, decimals, stables)
		if err != nil {
			failures[borrower] = err
			continue
		}
		built[borrower] = lctx
	}
	return built, failures
}

func (b *ContextBuilder) assembleContext(ctx context.Context, pool, borrower common.Address, holdings []holding, prices map[common.Address]*big.Int, decimals map[common.Address]uint8, stables map[common.Address]StableMeta) (*LiquidationContext, error) {
	collateral, debt, err := pickDominant(holdings, prices, decimals)
	if err != nil {
		return nil, err
	}

	colCfg, err := b.reserves.Get(ctx, collateral.asset)
	if err != nil {
		return nil, fmt.Errorf("collateral reserve config: %w", err)
	}
	debtCfg, err := b.reserves.Get(ctx, debt.asset)
	if err != nil {
		return nil, fmt.Errorf("debt reserve config: %w", err)
	}
	if !colCfg.Active || colCfg.Frozen {
		return nil, fmt.Errorf("collateral reserve %s inactive", collateral.asset.Hex())
	}

	liqContract, ok := b.cfg.LiquidationContractPerPool[pool]
	if !ok {
		return nil, fmt.Errorf("no liquidation contract for pool %s", pool.Hex())
	}

	lctx := &LiquidationContext{
		Borrower:            borrower,
		Pool:                pool,
		LiquidationContract: liqContract,
		Receiver:            b.receiver,
		CollateralAsset:     collateral.asset,
		DebtAsset:           debt.asset,
		CollateralDecimals:  colCfg.Decimals,
		DebtDecimals:        debtCfg.Decimals,
		CollateralPrice:     prices[collateral.asset],
		DebtPrice:           prices[debt.asset],
		LiquidationBonus:    colCfg.LiquidationBonus,
		UserDebt:            debt.data.TotalDebt(),
		CollateralBalance:   collateral.data.ATokenBalance,
		StableCollateral:    b.cfg.IsStable(collateral.asset),
		StableDebt:          b.cfg.IsStable(debt.asset),
		Stables:             stables,
		Config:              b.cfg,
	}
	if lctx.CollateralPrice == nil || lctx.DebtPrice == nil {
		return nil, fmt.Errorf("missing price for %s/%s", collateral.asset.Hex(), debt.asset.Hex())
	}

	// The seizable ceiling is the smaller of the borrower's collateral and
	// the underlying the reserve actually holds, expressed in debt units.
	underlying, err := b.collateralLiquidity(ctx, collateral.asset, colCfg.AToken)
	if err != nil {
		b.logger.Warn("collateral liquidity read failed, using borrower balance",
			zap.String("asset", collateral.asset.Hex()), zap.Error(err))
		underlying = collateral.data.ATokenBalance
	}
	seizable := collateral.data.ATokenBalance
	if underlying.Cmp(seizable) < 0 {
		seizable = underlying
	}
	lctx.AvailableReserve = b.seizableToDebtUnits(lctx, seizable)

	lctx.RequiredDebt = b.requiredDebt(lctx.UserDebt)

	if err := b.prefetchVenues(ctx, lctx); err != nil {
		// Depth reads are advisory; strategies treat missing depth as
		// insufficient and fall through to the money-market flash paths.
		b.logger.Warn("venue depth prefetch failed", zap.Error(err))
	}
	return lctx, nil
}

// scanHoldings multicalls getUserReserveData for every (borrower, reserve)
// pair in shared chunks and keeps the nonzero rows per borrower.
func (b *ContextBuilder) scanHoldings(ctx context.Context, borrowers []common.Address) (map[common.Address][]holding, error) {
	reserves, err := b.reserves.AllReserves(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address][]holding, len(borrowers))
	if len(reserves) == 0 {
		return out, nil
	}

	calls := make([]contracts.Call3, 0, len(borrowers)*len(reserves))
	for _, borrower := range borrowers {
		for _, r := range reserves {
			calls = append(calls, contracts.Call3{
				Target:       b.cfg.ReserveDataProviderAddress,
				AllowFailure: true,
				CallData:     contracts.PackGetUserReserveData(r.TokenAddress, borrower),
			})
		}
	}

	offset := 0
	for _, chunk := range contracts.ChunkCalls(calls, liquidity.ChunkLimit) {
		raw, err := b.caller.CallContract(ctx, b.cfg.MulticallAddress, mustPackAggregate3(chunk))
		if err != nil {
			return nil, err
		}
		results, err := contracts.UnpackAggregate3(raw, len(chunk))
		if err != nil {
			return nil, err
		}
		for i, res := range results {
			if !res.Success {
				continue
			}
			data, err := contracts.UnpackUserReserveData(res.ReturnData)
			if err != nil {
				continue
			}
			if data.ATokenBalance.Sign() == 0 && data.TotalDebt().Sign() == 0 {
				continue
			}
			global := offset + i
			borrower := borrowers[global/len(reserves)]
			asset := reserves[global%len(reserves)].TokenAddress
			out[borrower] = append(out[borrower], holding{asset: asset, data: data})
		}
		offset += len(chunk)
	}
	return out, nil
}

// pickDominant selects the largest collateral holding flagged as collateral
// and the largest debt, both ranked by USD value normalized by the asset's
// decimals. Assets with no price or unknown decimals are skipped.
func pickDominant(holdings []holding, prices map[common.Address]*big.Int, decimals map[common.Address]uint8) (collateral, debt holding, err error) {
	var haveCol, haveDebt bool
	var bestCol, bestDebt decimal.Decimal
	for _, h := range holdings {
		price := prices[h.asset]
		dec, ok := decimals[h.asset]
		if price == nil || !ok {
			continue
		}
		if h.data.UsageAsCollateral && h.data.ATokenBalance.Sign() > 0 {
			v := usdValue(h.data.ATokenBalance, price, dec)
			if !haveCol || v.GreaterThan(bestCol) {
				haveCol, bestCol, collateral = true, v, h
			}
		}
		if d := h.data.TotalDebt(); d.Sign() > 0 {
			v := usdValue(d, price, dec)
			if !haveDebt || v.GreaterThan(bestDebt) {
				haveDebt, bestDebt, debt = true, v, h
			}
		}
	}
	if !haveCol {
		return collateral, debt, fmt.Errorf("borrower has no collateral holdings")
	}
	if !haveDebt {
		return collateral, debt, fmt.Errorf("borrower has no debt holdings")
	}
	return collateral, debt, nil
}

// assetDecimals resolves decimals per asset through the reserve config cache,
// best effort; unknown assets are simply absent.
func (b *ContextBuilder) assetDecimals(ctx context.Context, assets []common.Address) map[common.Address]uint8 {
	out := make(map[common.Address]uint8, len(assets))
	for _, asset := range assets {
		cfg, err := b.reserves.Get(ctx, asset)
		if err != nil {
			b.logger.Debug("reserve config unavailable",
				zap.String("asset", asset.Hex()), zap.Error(err))
			continue
		}
		out[asset] = cfg.Decimals
	}
	return out
}

func (b *ContextBuilder) stableMeta(prices map[common.Address]*big.Int, decimals map[common.Address]uint8) map[common.Address]StableMeta {
	out := make(map[common.Address]StableMeta, len(b.cfg.StableAssets))
	for _, stable := range b.cfg.StableAssets {
		price := prices[stable]
		dec, ok := decimals[stable]
		if price == nil || !ok {
			continue
		}
		out[stable] = StableMeta{Price: price, Decimals: dec}
	}
	return out
}

func (b *ContextBuilder) collateralLiquidity(ctx context.Context, asset, aToken common.Address) (*big.Int, error) {
	out, err := b.caller.CallContract(ctx, asset, contracts.PackBalanceOf(aToken))
	if err != nil {
		return nil, err
	}
	return contracts.UnpackUint256(out)
}

// seizableToDebtUnits converts a collateral amount to the debt that seizing
// it covers, inverting the bonus-scaled seizure formula.
func (b *ContextBuilder) seizableToDebtUnits(lctx *LiquidationContext, seizable *big.Int) *big.Int {
	num := new(big.Int).Mul(seizable, lctx.CollateralPrice)
	num.Mul(num, pow10(lctx.DebtDecimals))
	num.Mul(num, big.NewInt(10_000))
	den := new(big.Int).Mul(lctx.DebtPrice, pow10(lctx.CollateralDecimals))
	den.Mul(den, lctx.LiquidationBonus)
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	return num.Div(num, den)
}

// requiredDebt is the largest ladder rung plus the interest buffer; the
// amount the 2x depth predicates are measured against.
func (b *ContextBuilder) requiredDebt(userDebt *big.Int) *big.Int {
	out := new(big.Int).Mul(userDebt, big.NewInt(b.cfg.CloseFactorPct))
	out.Div(out, big.NewInt(100))
	out.Mul(out, big.NewInt(10_000+b.cfg.InterestBufferBps))
	out.Div(out, big.NewInt(10_000))
	return out
}

// prefetchVenues pulls pair reserves and pool liquidity for every whitelisted
// venue a strategy might consult for this pair.
func (b *ContextBuilder) prefetchVenues(ctx context.Context, lctx *LiquidationContext) error {
	var pairs []common.Address
	if p, ok := b.cfg.FindV2PairWith(lctx.DebtAsset); ok {
		pairs = append(pairs, p.Address)
	}
	if p, ok := b.cfg.FindV2Pair(lctx.CollateralAsset, lctx.DebtAsset); ok {
		pairs = append(pairs, p.Address)
	}
	var pools []common.Address
	if p, ok := b.cfg.FindV3PoolWith(lctx.DebtAsset); ok {
		pools = append(pools, p.Address)
	}
	if p, ok := b.cfg.FindV3Pool(lctx.CollateralAsset, lctx.DebtAsset); ok {
		pools = append(pools, p.Address)
	}

	if len(pairs) > 0 {
		depths, err := b.probe.BatchReserves(ctx, pairs)
		if err != nil {
			return err
		}
		lctx.V2Reserves = depths
	}
	if len(pools) > 0 {
		liq, err := b.probe.BatchV3Liquidity(ctx, pools)
		if err != nil {
			return err
		}
		lctx.V3Liquidity = liq
	}
	return nil
}

func mustPackAggregate3(calls []contracts.Call3) []byte {
	data, err := contracts.PackAggregate3(calls)
	if err != nil {
		panic(err)
	}
	return data
}

func pow10(d uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d)), nil)
}

package strategy

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"liquidation-bot/config"
	"liquidation-bot/contracts"
	"liquidation-bot/liquidity"
)

var (
	usda = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdb = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	weth = common.HexToAddress("0x00000000000000000000000000000000000000a3")

	stablePoolAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	v2PairAddr     = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	v3PoolAddr     = common.HexToAddress("0x00000000000000000000000000000000000000d3")
	routerAddr     = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	poolAddr       = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	contractAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	receiverAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e3")
	borrowerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.V2RouterAddress = routerAddr
	cfg.StableAssets = []common.Address{usda, usdb}
	cfg.StablePools = map[string]config.StablePool{
		"usda-usdb": {Address: stablePoolAddr, Token0: usda, Token1: usdb, Idx0: 0, Idx1: 1},
	}
	cfg.V2Pairs = []config.V2Pair{
		{Address: v2PairAddr, Token0: weth, Token1: usda, FeeBps: 30},
	}
	cfg.V3Pools = []config.V3Pool{
		{Address: v3PoolAddr, Token0: usda, Token1: usdb, FeeMicro: 500},
	}
	return cfg
}

func stableContext(cfg *config.Config) *LiquidationContext {
	return &LiquidationContext{
		Borrower:            borrowerAddr,
		Pool:                poolAddr,
		LiquidationContract: contractAddr,
		Receiver:            receiverAddr,
		CollateralAsset:     usdb,
		DebtAsset:           usda,
		CollateralDecimals:  6,
		DebtDecimals:        6,
		CollateralPrice:     big.NewInt(100_000_000),
		DebtPrice:           big.NewInt(100_000_000),
		LiquidationBonus:    big.NewInt(10_500),
		UserDebt:            big.NewInt(1_000_000_000),
		CollateralBalance:   big.NewInt(2_000_000_000),
		AvailableReserve:    big.NewInt(1_000_000_000),
		StableCollateral:    true,
		StableDebt:          true,
		RequiredDebt:        big.NewInt(500_500_000),
		V3Liquidity: map[common.Address]*big.Int{
			v3PoolAddr: big.NewInt(10_000_000_000),
		},
		Config: cfg,
	}
}

func TestRegistryPrefersStableKittyOverAaveFlash(t *testing.T) {
	cfg := testConfig()
	reg := NewRegistry(cfg, nil, zap.NewNop())

	lctx := stableContext(cfg)
	s, ok := reg.Select(lctx)
	require.True(t, ok)
	assert.Equal(t, StableKittyOverAaveFlash, s.ID())

	// Escalation order follows priority across every matching strategy.
	cands := reg.Candidates(lctx)
	require.GreaterOrEqual(t, len(cands), 2)
	assert.Equal(t, StableKittyOverAaveFlash, cands[0].ID())
	assert.Equal(t, StableKittyOverV3Flash, cands[1].ID())
}

func TestRegistryFallsToV3FlashVariantWithoutStablePool(t *testing.T) {
	cfg := testConfig()
	cfg.StablePools = nil
	reg := NewRegistry(cfg, nil, zap.NewNop())

	lctx := stableContext(cfg)
	_, ok := reg.Select(lctx)
	// No stable pool, no V2 pair for usdb/usda, no aggregator: nothing fits.
	assert.False(t, ok)
}

func TestRegistryV2FlashSwapForNonStablePair(t *testing.T) {
	cfg := testConfig()
	reg := NewRegistry(cfg, nil, zap.NewNop())

	lctx := stableContext(cfg)
	lctx.CollateralAsset = weth
	lctx.CollateralDecimals = 18
	lctx.StableCollateral = false
	lctx.V2Reserves = map[common.Address]liquidity.V2ReserveDepth{
		// Token0 = weth, token1 = usda: debt depth is reserve1.
		v2PairAddr: {Pair: v2PairAddr, Reserve0: big.NewInt(1), Reserve1: big.NewInt(2_000_000_000)},
	}

	s, ok := reg.Select(lctx)
	require.True(t, ok)
	assert.Equal(t, V2FlashSwap, s.ID())
}

func TestV2FlashSwapRequiresTwiceTheDepth(t *testing.T) {
	cfg := testConfig()
	reg := NewRegistry(cfg, nil, zap.NewNop())

	lctx := stableContext(cfg)
	lctx.CollateralAsset = weth
	lctx.StableCollateral = false
	lctx.V2Reserves = map[common.Address]liquidity.V2ReserveDepth{
		v2PairAddr: {Pair: v2PairAddr, Reserve0: big.NewInt(1), Reserve1: big.NewInt(1_000_999_999)},
	}

	s, ok := reg.Select(lctx)
	// Depth below 2x required falls through to the V3 flash variant.
	require.True(t, ok)
	assert.Equal(t, V3Flash, s.ID())
}

func TestAggregatorIsLastResort(t *testing.T) {
	cfg := testConfig()
	cfg.StablePools = nil
	cfg.V2Pairs = nil
	cfg.V3Pools = nil
	client := NewAggregatorClient("https://example.invalid", "key", 8453, zap.NewNop())
	reg := NewRegistry(cfg, client, zap.NewNop())

	lctx := stableContext(cfg)
	s, ok := reg.Select(lctx)
	require.True(t, ok)
	assert.Equal(t, AggregatorOverAaveFlash, s.ID())
}

func TestStableKittyBuildEncodesRepaymentFloor(t *testing.T) {
	cfg := testConfig()
	reg := NewRegistry(cfg, nil, zap.NewNop())
	lctx := stableContext(cfg)

	s, ok := reg.Select(lctx)
	require.True(t, ok)

	debtToCover := big.NewInt(500_500_000)
	sizing := Sizing{
		FractionPct:        50,
		DebtToCover:        debtToCover,
		ExpectedCollateral: big.NewInt(520_269_750),
	}
	prep, err := s.Build(context.Background(), lctx, sizing)
	require.NoError(t, err)

	assert.Equal(t, contracts.MethodFlashPool, prep.Method)
	assert.Equal(t, contractAddr, prep.Contract)
	assert.Equal(t, borrowerAddr, prep.Params.User)
	assert.Equal(t, debtToCover, prep.Params.DebtToCover)

	// Primary minOut covers the repayment: debtToCover + ceil(5 bps).
	wantMinOut := big.NewInt(500_750_250)
	assert.Equal(t, wantMinOut, prep.Primary.AmountOutMin)
	assert.Equal(t, sizing.ExpectedCollateral, prep.Primary.AmountIn)
	assert.Equal(t, uint8(contracts.SwapKindNativeAggregator), prep.Primary.SwapKind)
	assert.Equal(t, stablePoolAddr, prep.Primary.Router)

	// Path decodes back to the pair with the stable exchange calldata inside.
	t0, t1, inner, err := contracts.DecodeTuplePath(prep.Primary.Path)
	require.NoError(t, err)
	assert.Equal(t, usdb, t0)
	assert.Equal(t, usda, t1)
	assert.NotEmpty(t, inner)

	// Stable debt keeps profit as-is: residual path empty, amountIn zero.
	assert.Empty(t, prep.Residual.Path)
	assert.Zero(t, prep.Residual.AmountIn.Sign())

	calldata, err := prep.Calldata()
	require.NoError(t, err)
	assert.NotEmpty(t, calldata)
}

func TestV2FlashSwapBuild(t *testing.T) {
	cfg := testConfig()
	reg := NewRegistry(cfg, nil, zap.NewNop())

	lctx := stableContext(cfg)
	lctx.CollateralAsset = weth
	lctx.CollateralDecimals = 18
	lctx.StableCollateral = false
	lctx.V2Reserves = map[common.Address]liquidity.V2ReserveDepth{
		v2PairAddr: {Pair: v2PairAddr, Reserve0: big.NewInt(1), Reserve1: big.NewInt(2_000_000_000)},
	}

	s, ok := reg.Select(lctx)
	require.True(t, ok)
	require.Equal(t, V2FlashSwap, s.ID())

	debtToCover := big.NewInt(1_000_000)
	prep, err := s.Build(context.Background(), lctx, Sizing{
		DebtToCover:        debtToCover,
		ExpectedCollateral: big.NewInt(350_000_000_000_000),
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.MethodV2FlashSwap, prep.Method)
	assert.Equal(t, v2PairAddr, prep.FlashSource)

	// 30 bps flash premium.
	assert.Equal(t, big.NewInt(1_003_000), prep.Primary.AmountOutMin)

	route, err := contracts.DecodeV2Path(prep.Primary.Path)
	require.NoError(t, err)
	require.Len(t, route, 2)
	assert.Equal(t, weth, route[0])
	assert.Equal(t, usda, route[1])
}

func TestFlashFeeRoundsUp(t *testing.T) {
	// 5 bps of 1000001 is 500.0005, must round to 501.
	fee := flashFeeFromBps(big.NewInt(1_000_001), 5)
	assert.Equal(t, big.NewInt(501), fee)

	fee = v3FlashFee(big.NewInt(1_000_000), 500)
	assert.Equal(t, big.NewInt(500), fee)
	fee = v3FlashFee(big.NewInt(1_000_001), 500)
	assert.Equal(t, big.NewInt(501), fee)
}

func TestResidualSwapRoutesNonStableProfit(t *testing.T) {
	cfg := testConfig()
	cfg.V2Pairs = append(cfg.V2Pairs, config.V2Pair{
		Address: common.HexToAddress("0x00000000000000000000000000000000000000d5"),
		Token0:  weth, Token1: usdb, FeeBps: 30,
	})

	lctx := stableContext(cfg)
	lctx.DebtAsset = weth
	lctx.StableDebt = false

	residual, outToken := residualSwap(lctx)
	require.NotEmpty(t, residual.Path)
	route, err := contracts.DecodeV2Path(residual.Path)
	require.NoError(t, err)
	assert.Equal(t, weth, route[0])
	assert.Equal(t, usda, route[1])
	assert.Equal(t, usda, outToken)
	assert.Zero(t, residual.AmountIn.Sign())
}

func TestResidualProfitDenominatedInOutToken(t *testing.T) {
	cfg := testConfig()
	lctx := stableContext(cfg)
	lctx.CollateralAsset = usda
	lctx.DebtAsset = weth
	lctx.CollateralDecimals = 6
	lctx.DebtDecimals = 18
	lctx.DebtPrice = big.NewInt(250_000_000_000) // $2500
	lctx.StableCollateral = true
	lctx.StableDebt = false
	lctx.UserDebt = big.NewInt(0).Mul(big.NewInt(4), pow10(17))
	lctx.RequiredDebt = big.NewInt(0).Mul(big.NewInt(2), pow10(17))
	lctx.Stables = map[common.Address]StableMeta{
		usda: {Price: big.NewInt(100_000_000), Decimals: 6},
		usdb: {Price: big.NewInt(100_000_000), Decimals: 6},
	}

	s := &v2DirectOverAaveFlash{cfg: cfg}
	require.True(t, s.CanHandle(lctx))

	// 0.01 WETH of pre-gas profit at $2500 is $25, which is 25_000_000 in the
	// 6-decimal stable the residual swap forwards into.
	prep, err := s.Build(context.Background(), lctx, Sizing{
		DebtToCover:        big.NewInt(0).Mul(big.NewInt(2), pow10(17)),
		ExpectedCollateral: big.NewInt(525_000_000),
		ProfitTokens:       pow10(16),
	})
	require.NoError(t, err)
	require.NotEmpty(t, prep.Residual.Path)
	assert.Equal(t, big.NewInt(25_000_000), prep.EstimatedProfitOutTokens)
}

func TestDebtToTokenUnits(t *testing.T) {
	lctx := &LiquidationContext{
		DebtPrice:    big.NewInt(250_000_000_000),
		DebtDecimals: 18,
	}
	out := debtToTokenUnits(lctx, pow10(16), big.NewInt(100_000_000), 6)
	assert.Equal(t, big.NewInt(25_000_000), out)

	// Missing oracle views leave the estimate unset rather than wrong.
	assert.Nil(t, debtToTokenUnits(lctx, nil, big.NewInt(100_000_000), 6))
	assert.Nil(t, debtToTokenUnits(lctx, pow10(16), nil, 6))
}

func TestFeeModels(t *testing.T) {
	cfg := testConfig()
	lctx := stableContext(cfg)

	assert.EqualValues(t, 9, (&stableKittyOverAaveFlash{cfg: cfg}).FeeBps(lctx))
	// V3 pool fee tier 500 micro = 5 bps, plus the 4 bps stable swap.
	assert.EqualValues(t, 9, (&stableKittyOverV3Flash{cfg: cfg}).FeeBps(lctx))
	assert.EqualValues(t, 30, (&v2FlashSwap{cfg: cfg}).FeeBps(lctx))
	assert.EqualValues(t, 5, (&v3Flash{cfg: cfg}).FeeBps(lctx))
	assert.EqualValues(t, 35, (&v2DirectOverAaveFlash{cfg: cfg}).FeeBps(lctx))
	assert.EqualValues(t, 35, (&v3DirectOverAaveFlash{cfg: cfg}).FeeBps(lctx))
	assert.EqualValues(t, 5, (&aggregatorOverAaveFlash{cfg: cfg}).FeeBps(lctx))
}

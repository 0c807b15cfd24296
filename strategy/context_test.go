package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"liquidation-bot/config"
	"liquidation-bot/contracts"
	"liquidation-bot/liquidity"
	"liquidation-bot/pricecache"
)

var (
	dataProviderAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	oracleAddr       = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	multicallAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f3")
	tokA             = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	tokB             = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	carolAddr        = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func aTokenOf(asset common.Address) common.Address {
	return common.BigToAddress(new(big.Int).Add(asset.Big(), big.NewInt(0x10000)))
}

// marketStub answers the data provider, oracle and aggregator surface from
// scripted holdings so the builder can run against a fake market.
type marketStub struct {
	t        *testing.T
	reserves []contracts.ReserveToken
	rows     map[common.Address]map[common.Address]contracts.UserReserveData
	prices   map[common.Address]*big.Int
	decimals map[common.Address]uint8

	holdingAggs int // aggregate batches that carried getUserReserveData rows
}

func (m *marketStub) CallContract(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	if to == multicallAddr {
		calls, err := contracts.UnpackAggregate3Request(data)
		require.NoError(m.t, err)
		rowSelector := contracts.PackGetUserReserveData(tokA, carolAddr)[:4]
		carriedRows := false
		results := make([]contracts.Call3Result, len(calls))
		for i, call := range calls {
			if bytes.Equal(call.CallData[:4], rowSelector) {
				carriedRows = true
			}
			out, err := m.answer(call.Target, call.CallData)
			if err != nil {
				results[i] = contracts.Call3Result{Success: false}
				continue
			}
			results[i] = contracts.Call3Result{Success: true, ReturnData: out}
		}
		if carriedRows {
			m.holdingAggs++
		}
		return contracts.PackAggregate3Response(results)
	}
	return m.answer(to, data)
}

func (m *marketStub) answer(target common.Address, data []byte) ([]byte, error) {
	switch target {
	case dataProviderAddr:
		method, err := contracts.DataProviderABI.MethodById(data[:4])
		require.NoError(m.t, err)
		switch method.Name {
		case "getAllReservesTokens":
			type token struct {
				Symbol       string
				TokenAddress common.Address
			}
			out := make([]token, len(m.reserves))
			for i, r := range m.reserves {
				out[i] = token{Symbol: r.Symbol, TokenAddress: r.TokenAddress}
			}
			return method.Outputs.Pack(out)
		case "getUserReserveData":
			args, err := method.Inputs.Unpack(data[4:])
			require.NoError(m.t, err)
			asset := args[0].(common.Address)
			user := args[1].(common.Address)
			row, ok := m.rows[user][asset]
			if !ok {
				row = contracts.UserReserveData{
					ATokenBalance: big.NewInt(0),
					StableDebt:    big.NewInt(0),
					VariableDebt:  big.NewInt(0),
				}
			}
			zero := big.NewInt(0)
			return method.Outputs.Pack(
				row.ATokenBalance, row.StableDebt, row.VariableDebt,
				zero, zero, zero, zero, zero, row.UsageAsCollateral)
		case "getReserveConfigurationData":
			args, err := method.Inputs.Unpack(data[4:])
			require.NoError(m.t, err)
			asset := args[0].(common.Address)
			dec, ok := m.decimals[asset]
			if !ok {
				return nil, fmt.Errorf("unknown reserve %s", asset.Hex())
			}
			zero := big.NewInt(0)
			return method.Outputs.Pack(
				big.NewInt(int64(dec)), zero, big.NewInt(8_500), big.NewInt(10_500), zero,
				true, true, false, true, false)
		case "getReserveTokensAddresses":
			args, err := method.Inputs.Unpack(data[4:])
			require.NoError(m.t, err)
			asset := args[0].(common.Address)
			return method.Outputs.Pack(aTokenOf(asset), common.Address{}, common.Address{})
		}
		return nil, fmt.Errorf("unhandled data provider method %s", method.Name)
	case oracleAddr:
		method, err := contracts.OracleABI.MethodById(data[:4])
		require.NoError(m.t, err)
		args, err := method.Inputs.Unpack(data[4:])
		require.NoError(m.t, err)
		price := m.prices[args[0].(common.Address)]
		if price == nil {
			return nil, errors.New("no oracle source")
		}
		return method.Outputs.Pack(price)
	default:
		// ERC20 balanceOf for the reserve's underlying liquidity; deep enough
		// to never cap the seizable amount.
		return contracts.ERC20ABI.Methods["balanceOf"].Outputs.Pack(
			new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil))
	}
}

func newMarketBuilder(t *testing.T, stub *marketStub) *ContextBuilder {
	t.Helper()
	cfg := config.Defaults()
	cfg.MulticallAddress = multicallAddr
	cfg.OracleAddress = oracleAddr
	cfg.ReserveDataProviderAddress = dataProviderAddr
	cfg.StableAssets = []common.Address{usda}
	cfg.LiquidationContractPerPool = map[common.Address]common.Address{poolAddr: contractAddr}
	prices := pricecache.NewPriceCache(stub, oracleAddr, multicallAddr, time.Minute, zap.NewNop())
	reserves := pricecache.NewReserveConfigCache(stub, dataProviderAddr, multicallAddr, time.Minute, zap.NewNop())
	probe := liquidity.NewProbe(stub, multicallAddr, zap.NewNop())
	return NewContextBuilder(cfg, stub, prices, reserves, probe, receiverAddr, zap.NewNop())
}

func TestBuildPicksDominantByNormalizedValue(t *testing.T) {
	stub := &marketStub{
		t: t,
		reserves: []contracts.ReserveToken{
			{Symbol: "TOKA", TokenAddress: tokA},
			{Symbol: "TOKB", TokenAddress: tokB},
		},
		rows: map[common.Address]map[common.Address]contracts.UserReserveData{
			borrowerAddr: {
				// One whole 18-decimal token worth $1 against one whole
				// 8-decimal token worth $60,000. The raw base-unit amounts
				// order the opposite way.
				tokA: {ATokenBalance: pow10(18), StableDebt: big.NewInt(0), VariableDebt: pow10(18), UsageAsCollateral: true},
				tokB: {ATokenBalance: pow10(8), StableDebt: big.NewInt(0), VariableDebt: pow10(8), UsageAsCollateral: true},
			},
		},
		prices: map[common.Address]*big.Int{
			tokA: big.NewInt(100_000_000),
			tokB: new(big.Int).Mul(big.NewInt(60_000), big.NewInt(100_000_000)),
			usda: big.NewInt(100_000_000),
		},
		decimals: map[common.Address]uint8{tokA: 18, tokB: 8, usda: 6},
	}
	b := newMarketBuilder(t, stub)

	lctx, err := b.Build(context.Background(), poolAddr, borrowerAddr)
	require.NoError(t, err)
	assert.Equal(t, tokB, lctx.CollateralAsset)
	assert.Equal(t, tokB, lctx.DebtAsset)
	assert.Equal(t, uint8(8), lctx.CollateralDecimals)

	// The configured stables arrive priced for the residual leg.
	meta, ok := lctx.Stables[usda]
	require.True(t, ok)
	assert.Equal(t, uint8(6), meta.Decimals)
	assert.Equal(t, big.NewInt(100_000_000), meta.Price)
}

func TestPickDominantSkipsUnpricedHoldings(t *testing.T) {
	holdings := []holding{
		{asset: tokA, data: &contracts.UserReserveData{
			ATokenBalance: pow10(18), StableDebt: big.NewInt(0), VariableDebt: pow10(18), UsageAsCollateral: true,
		}},
		{asset: tokB, data: &contracts.UserReserveData{
			ATokenBalance: pow10(8), StableDebt: big.NewInt(0), VariableDebt: pow10(8), UsageAsCollateral: true,
		}},
	}
	prices := map[common.Address]*big.Int{tokB: big.NewInt(100_000_000)}
	decimals := map[common.Address]uint8{tokA: 18, tokB: 8}

	collateral, debt, err := pickDominant(holdings, prices, decimals)
	require.NoError(t, err)
	assert.Equal(t, tokB, collateral.asset)
	assert.Equal(t, tokB, debt.asset)
}

func TestBuildBatchSharesAggregateChunks(t *testing.T) {
	row := contracts.UserReserveData{
		ATokenBalance: pow10(18), StableDebt: big.NewInt(0),
		VariableDebt: pow10(17), UsageAsCollateral: true,
	}
	stub := &marketStub{
		t: t,
		reserves: []contracts.ReserveToken{
			{Symbol: "TOKA", TokenAddress: tokA},
			{Symbol: "TOKB", TokenAddress: tokB},
		},
		rows: map[common.Address]map[common.Address]contracts.UserReserveData{
			borrowerAddr: {tokA: row},
			carolAddr:    {tokB: row},
		},
		prices: map[common.Address]*big.Int{
			tokA: big.NewInt(100_000_000),
			tokB: big.NewInt(200_000_000),
			usda: big.NewInt(100_000_000),
		},
		decimals: map[common.Address]uint8{tokA: 18, tokB: 18, usda: 6},
	}
	b := newMarketBuilder(t, stub)

	built, failures := b.BuildBatch(context.Background(), poolAddr, []common.Address{borrowerAddr, carolAddr})
	assert.Empty(t, failures)
	require.Len(t, built, 2)

	// Both borrowers' reserve rows ride one shared aggregate batch.
	assert.Equal(t, 1, stub.holdingAggs)

	// Rows land on the right borrower and asset.
	assert.Equal(t, tokA, built[borrowerAddr].CollateralAsset)
	assert.Equal(t, tokA, built[borrowerAddr].DebtAsset)
	assert.Equal(t, tokB, built[carolAddr].CollateralAsset)
	assert.Equal(t, tokB, built[carolAddr].DebtAsset)
}

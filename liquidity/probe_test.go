package liquidity

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"liquidation-bot/contracts"
)

var (
	multicallAddr = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	routerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f3")
	stablePool    = common.HexToAddress("0x00000000000000000000000000000000000000f4")
	v3Pool        = common.HexToAddress("0x00000000000000000000000000000000000000f5")
	tokenIn       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenOut      = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

// batchCaller answers aggregator batches with canned sub-results and counts
// roundtrips.
type batchCaller struct {
	roundtrips int
	answer     func(call contracts.Call3) contracts.Call3Result
}

func (b *batchCaller) CallContract(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	b.roundtrips++
	calls, err := contracts.UnpackAggregate3Request(data)
	if err != nil {
		return nil, err
	}
	results := make([]contracts.Call3Result, len(calls))
	for i, c := range calls {
		results[i] = b.answer(c)
	}
	return contracts.PackAggregate3Response(results)
}

func uint256Ret(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func amountsOutRet(t *testing.T, amounts []*big.Int) []byte {
	t.Helper()
	out, err := contracts.V2RouterABI.Methods["getAmountsOut"].Outputs.Pack(amounts)
	require.NoError(t, err)
	return out
}

func slot0Ret(t *testing.T, sqrtPrice *big.Int) []byte {
	t.Helper()
	out, err := contracts.V3PoolABI.Methods["slot0"].Outputs.Pack(
		sqrtPrice, big.NewInt(0), uint16(0), uint16(0), uint16(0), uint8(0), true)
	require.NoError(t, err)
	return out
}

func TestBatchQuoteMixedVenues(t *testing.T) {
	// sqrtPriceX96 = 2^96 means price 1.0.
	sqrtOne := new(big.Int).Lsh(big.NewInt(1), 96)
	caller := &batchCaller{answer: func(c contracts.Call3) contracts.Call3Result {
		switch c.Target {
		case routerAddr:
			return contracts.Call3Result{Success: true, ReturnData: amountsOutRet(t, []*big.Int{big.NewInt(1_000_000), big.NewInt(996_000)})}
		case stablePool:
			return contracts.Call3Result{Success: true, ReturnData: uint256Ret(big.NewInt(999_500))}
		case v3Pool:
			return contracts.Call3Result{Success: true, ReturnData: slot0Ret(t, sqrtOne)}
		}
		return contracts.Call3Result{Success: false}
	}}
	probe := NewProbe(caller, multicallAddr, zap.NewNop())

	quotes, err := probe.BatchQuote(context.Background(), []QuoteRequest{
		{Venue: VenueV2, Router: routerAddr, TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: big.NewInt(1_000_000)},
		{Venue: VenueStable, Pool: stablePool, StableI: 0, StableJ: 1, AmountIn: big.NewInt(1_000_000)},
		{Venue: VenueV3, Pool: v3Pool, TokenIn: tokenIn, TokenOut: tokenOut, V3Token0: tokenIn, FeeMicro: 3000, AmountIn: big.NewInt(1_000_000)},
	})
	require.NoError(t, err)
	require.Len(t, quotes, 3)
	assert.Equal(t, 1, caller.roundtrips)

	assert.Equal(t, big.NewInt(996_000), quotes[0].AmountOut)
	assert.Equal(t, big.NewInt(999_500), quotes[1].AmountOut)
	// Price 1.0 less the 0.3% fee.
	assert.Equal(t, big.NewInt(997_000), quotes[2].AmountOut)
}

func TestBatchQuoteChunking(t *testing.T) {
	caller := &batchCaller{answer: func(c contracts.Call3) contracts.Call3Result {
		return contracts.Call3Result{Success: true, ReturnData: uint256Ret(big.NewInt(1))}
	}}
	probe := NewProbe(caller, multicallAddr, zap.NewNop())

	requests := make([]QuoteRequest, 120)
	for i := range requests {
		requests[i] = QuoteRequest{Venue: VenueStable, Pool: stablePool, AmountIn: big.NewInt(1)}
	}
	quotes, err := probe.BatchQuote(context.Background(), requests)
	require.NoError(t, err)
	assert.Len(t, quotes, 120)
	assert.Equal(t, 3, caller.roundtrips, "ceil(120/50) aggregator calls")
}

func TestBatchQuoteFailedSubCallIsolated(t *testing.T) {
	caller := &batchCaller{answer: func(c contracts.Call3) contracts.Call3Result {
		if c.Target == stablePool {
			return contracts.Call3Result{Success: false}
		}
		return contracts.Call3Result{Success: true, ReturnData: amountsOutRet(t, []*big.Int{big.NewInt(10), big.NewInt(9)})}
	}}
	probe := NewProbe(caller, multicallAddr, zap.NewNop())

	quotes, err := probe.BatchQuote(context.Background(), []QuoteRequest{
		{Venue: VenueStable, Pool: stablePool, AmountIn: big.NewInt(10)},
		{Venue: VenueV2, Router: routerAddr, TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: big.NewInt(10)},
	})
	require.NoError(t, err)
	assert.Error(t, quotes[0].Err)
	assert.NoError(t, quotes[1].Err)
	assert.Equal(t, big.NewInt(9), quotes[1].AmountOut)
}

func TestV3QuoteDirections(t *testing.T) {
	// sqrtPriceX96 for price 4 (token1 per token0) is 2 * 2^96.
	sqrtFour := new(big.Int).Lsh(big.NewInt(2), 96)

	out := V3QuoteFromSqrtPrice(big.NewInt(1_000_000), sqrtFour, 0, true)
	assert.Equal(t, big.NewInt(4_000_000), out)

	out = V3QuoteFromSqrtPrice(big.NewInt(4_000_000), sqrtFour, 0, false)
	assert.Equal(t, big.NewInt(1_000_000), out)

	out = V3QuoteFromSqrtPrice(big.NewInt(1_000_000), sqrtFour, 500, true)
	assert.Equal(t, big.NewInt(3_998_000), out)

	assert.Equal(t, int64(0), V3QuoteFromSqrtPrice(big.NewInt(1), big.NewInt(0), 0, true).Int64())
}

func TestQuoteUsable(t *testing.T) {
	q := Quote{Request: QuoteRequest{AmountIn: big.NewInt(1_000)}, AmountOut: big.NewInt(1_010)}
	assert.True(t, q.Usable(big.NewInt(5)))
	assert.False(t, q.Usable(big.NewInt(10)), "amountOut must strictly exceed amountIn plus fees")
	assert.False(t, Quote{Err: assert.AnError}.Usable(big.NewInt(0)))
}

// Package liquidity produces swap quotes across the configured DEX venues.
// All on-chain reads for a batch of quote requests share aggregator calls.
package liquidity

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidation-bot/contracts"
)

// Venue identifies the quoting protocol for a pool.
type Venue int

const (
	VenueV2 Venue = iota
	VenueV3
	VenueStable
)

func (v Venue) String() string {
	switch v {
	case VenueV2:
		return "v2"
	case VenueV3:
		return "v3"
	case VenueStable:
		return "stable"
	default:
		return "unknown"
	}
}

// ChunkLimit bounds sub-calls per aggregator roundtrip.
const ChunkLimit = 50

// QuoteRequest asks for the output of swapping AmountIn of TokenIn into
// TokenOut on a specific pool.
type QuoteRequest struct {
	Venue    Venue
	Pool     common.Address
	Router   common.Address // V2 router for getAmountsOut
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int

	FeeMicro uint32 // V3 fee tier (micros)
	FeeBps   int64  // V2 pair fee
	StableI  int64  // stable pool coin indexes
	StableJ  int64

	V3Token0 common.Address // V3 direction resolution
}

// Quote is the outcome of one request. Err is set when the sub-call failed;
// the batch as a whole still succeeds.
type Quote struct {
	Request   QuoteRequest
	AmountOut *big.Int
	Err       error
}

// Usable reports whether the quote output covers the input plus fees; quotes
// below that line lose money before the liquidation bonus is counted.
func (q Quote) Usable(fees *big.Int) bool {
	if q.Err != nil || q.AmountOut == nil {
		return false
	}
	need := new(big.Int).Add(q.Request.AmountIn, fees)
	return q.AmountOut.Cmp(need) > 0
}

// Caller is the read surface the probe needs.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Probe batches quote reads through the aggregator contract.
type Probe struct {
	logger    *zap.Logger
	caller    Caller
	multicall common.Address
}

// NewProbe builds a probe.
func NewProbe(caller Caller, multicall common.Address, logger *zap.Logger) *Probe {
	return &Probe{logger: logger.Named("liquidity"), caller: caller, multicall: multicall}
}

// BatchQuote resolves all requests using at most ceil(N/ChunkLimit)
// aggregator calls. Result order matches request order.
func (p *Probe) BatchQuote(ctx context.Context, requests []QuoteRequest) ([]Quote, error) {
	quotes := make([]Quote, len(requests))
	calls := make([]contracts.Call3, len(requests))
	for i, req := range requests {
		quotes[i] = Quote{Request: req}
		var callData []byte
		switch req.Venue {
		case VenueV2:
			callData = contracts.PackGetAmountsOut(req.AmountIn, []common.Address{req.TokenIn, req.TokenOut})
			calls[i] = contracts.Call3{Target: req.Router, AllowFailure: true, CallData: callData}
		case VenueStable:
			callData = contracts.PackGetDy(req.StableI, req.StableJ, req.AmountIn)
			calls[i] = contracts.Call3{Target: req.Pool, AllowFailure: true, CallData: callData}
		case VenueV3:
			callData = contracts.PackSlot0()
			calls[i] = contracts.Call3{Target: req.Pool, AllowFailure: true, CallData: callData}
		default:
			quotes[i].Err = fmt.Errorf("liquidity: unknown venue %d", req.Venue)
		}
	}

	offset := 0
	for _, chunk := range contracts.ChunkCalls(calls, ChunkLimit) {
		data, err := contracts.PackAggregate3(chunk)
		if err != nil {
			return nil, err
		}
		out, err := p.caller.CallContract(ctx, p.multicall, data)
		if err != nil {
			return nil, fmt.Errorf("quote batch: %w", err)
		}
		results, err := contracts.UnpackAggregate3(out, len(chunk))
		if err != nil {
			return nil, err
		}
		for j, r := range results {
			idx := offset + j
			if quotes[idx].Err != nil {
				continue
			}
			p.decodeOne(&quotes[idx], r)
		}
		offset += len(chunk)
	}
	return quotes, nil
}

func (p *Probe) decodeOne(q *Quote, r contracts.Call3Result) {
	if !r.Success {
		q.Err = errors.New("liquidity: sub-call reverted")
		return
	}
	switch q.Request.Venue {
	case VenueV2:
		out, err := contracts.UnpackGetAmountsOut(r.ReturnData)
		if err != nil {
			q.Err = err
			return
		}
		q.AmountOut = out
	case VenueStable:
		out, err := contracts.UnpackUint256(r.ReturnData)
		if err != nil {
			q.Err = err
			return
		}
		q.AmountOut = out
	case VenueV3:
		slot, err := contracts.UnpackSlot0(r.ReturnData)
		if err != nil {
			q.Err = err
			return
		}
		zeroForOne := q.Request.TokenIn == q.Request.V3Token0
		q.AmountOut = V3QuoteFromSqrtPrice(q.Request.AmountIn, slot.SqrtPriceX96, q.Request.FeeMicro, zeroForOne)
	}
}

var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

// V3QuoteFromSqrtPrice approximates the output of a V3 swap from the pool's
// current sqrt price, ignoring in-range liquidity. Valid for sizes small
// relative to in-tick liquidity; used for candidate ranking only, never as a
// final amountOutMin.
func V3QuoteFromSqrtPrice(amountIn, sqrtPriceX96 *big.Int, feeMicro uint32, zeroForOne bool) *big.Int {
	if amountIn == nil || sqrtPriceX96 == nil || sqrtPriceX96.Sign() == 0 {
		return big.NewInt(0)
	}
	priceSq := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	out := new(big.Int)
	if zeroForOne {
		out.Mul(amountIn, priceSq)
		out.Div(out, q192)
	} else {
		out.Mul(amountIn, q192)
		out.Div(out, priceSq)
	}
	out.Mul(out, big.NewInt(int64(1_000_000-feeMicro)))
	out.Div(out, big.NewInt(1_000_000))
	return out
}

// V2ReserveDepth decodes a pair's reserve of token relative to token0 order.
type V2ReserveDepth struct {
	Pair     common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// BatchReserves reads getReserves for each pair in one aggregator batch.
func (p *Probe) BatchReserves(ctx context.Context, pairs []common.Address) (map[common.Address]V2ReserveDepth, error) {
	calls := make([]contracts.Call3, len(pairs))
	for i, pair := range pairs {
		calls[i] = contracts.Call3{Target: pair, AllowFailure: true, CallData: contracts.PackGetReserves()}
	}
	depths := make(map[common.Address]V2ReserveDepth, len(pairs))
	offset := 0
	for _, chunk := range contracts.ChunkCalls(calls, ChunkLimit) {
		data, err := contracts.PackAggregate3(chunk)
		if err != nil {
			return nil, err
		}
		out, err := p.caller.CallContract(ctx, p.multicall, data)
		if err != nil {
			return nil, fmt.Errorf("reserve batch: %w", err)
		}
		results, err := contracts.UnpackAggregate3(out, len(chunk))
		if err != nil {
			return nil, err
		}
		for j, r := range results {
			if !r.Success {
				continue
			}
			r0, r1, derr := contracts.UnpackGetReserves(r.ReturnData)
			if derr != nil {
				continue
			}
			pair := pairs[offset+j]
			depths[pair] = V2ReserveDepth{Pair: pair, Reserve0: r0, Reserve1: r1}
		}
		offset += len(chunk)
	}
	return depths, nil
}

// BatchV3Liquidity reads liquidity() for each pool in one aggregator batch.
func (p *Probe) BatchV3Liquidity(ctx context.Context, pools []common.Address) (map[common.Address]*big.Int, error) {
	liqCall, err := contracts.V3PoolABI.Pack("liquidity")
	if err != nil {
		return nil, err
	}
	calls := make([]contracts.Call3, len(pools))
	for i, pool := range pools {
		calls[i] = contracts.Call3{Target: pool, AllowFailure: true, CallData: liqCall}
	}
	liquidity := make(map[common.Address]*big.Int, len(pools))
	offset := 0
	for _, chunk := range contracts.ChunkCalls(calls, ChunkLimit) {
		data, err := contracts.PackAggregate3(chunk)
		if err != nil {
			return nil, err
		}
		out, err := p.caller.CallContract(ctx, p.multicall, data)
		if err != nil {
			return nil, fmt.Errorf("liquidity batch: %w", err)
		}
		results, err := contracts.UnpackAggregate3(out, len(chunk))
		if err != nil {
			return nil, err
		}
		for j, r := range results {
			if !r.Success {
				continue
			}
			if v, derr := contracts.UnpackUint256(r.ReturnData); derr == nil {
				liquidity[pools[offset+j]] = v
			}
		}
		offset += len(chunk)
	}
	return liquidity, nil
}

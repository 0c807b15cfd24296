package contracts

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var errShortReturn = errors.New("contracts: return data too short")

// Call3 is one sub-call of a Multicall3 aggregate3 batch.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Call3Result is one decoded sub-result of an aggregate3 batch.
type Call3Result struct {
	Success    bool
	ReturnData []byte
}

// multicall3Call matches the ABI tuple layout for packing.
type multicall3Call struct {
	Target       common.Address `abi:"target"`
	AllowFailure bool           `abi:"allowFailure"`
	CallData     []byte         `abi:"callData"`
}

type multicall3Result struct {
	Success    bool   `abi:"success"`
	ReturnData []byte `abi:"returnData"`
}

// PackAggregate3 encodes an aggregate3 batch.
func PackAggregate3(calls []Call3) ([]byte, error) {
	packed := make([]multicall3Call, len(calls))
	for i, c := range calls {
		packed[i] = multicall3Call{Target: c.Target, AllowFailure: c.AllowFailure, CallData: c.CallData}
	}
	data, err := MulticallABI.Pack("aggregate3", packed)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	return data, nil
}

// UnpackAggregate3 decodes an aggregate3 result and checks the arity against
// the request so callers can zip results back to their sub-call metadata.
func UnpackAggregate3(out []byte, want int) ([]Call3Result, error) {
	vals, err := MulticallABI.Unpack("aggregate3", out)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	raw := *abi.ConvertType(vals[0], new([]multicall3Result)).(*[]multicall3Result)
	if len(raw) != want {
		return nil, fmt.Errorf("contracts: aggregate3 returned %d results, want %d", len(raw), want)
	}
	results := make([]Call3Result, len(raw))
	for i, r := range raw {
		results[i] = Call3Result{Success: r.Success, ReturnData: r.ReturnData}
	}
	return results, nil
}

// UnpackAggregate3Request decodes an aggregate3 request back into its
// sub-calls. Used by simulation harnesses that answer batches locally.
func UnpackAggregate3Request(data []byte) ([]Call3, error) {
	method := MulticallABI.Methods["aggregate3"]
	if len(data) < 4 {
		return nil, errShortReturn
	}
	vals, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3 request: %w", err)
	}
	raw := *abi.ConvertType(vals[0], new([]multicall3Call)).(*[]multicall3Call)
	calls := make([]Call3, len(raw))
	for i, c := range raw {
		calls[i] = Call3{Target: c.Target, AllowFailure: c.AllowFailure, CallData: c.CallData}
	}
	return calls, nil
}

// PackAggregate3Response encodes sub-results the way the aggregator returns
// them. The inverse of UnpackAggregate3, for simulation harnesses.
func PackAggregate3Response(results []Call3Result) ([]byte, error) {
	packed := make([]multicall3Result, len(results))
	for i, r := range results {
		packed[i] = multicall3Result{Success: r.Success, ReturnData: r.ReturnData}
	}
	return MulticallABI.Methods["aggregate3"].Outputs.Pack(packed)
}

// ChunkCalls splits a batch into slices of at most limit sub-calls.
func ChunkCalls(calls []Call3, limit int) [][]Call3 {
	if limit <= 0 {
		limit = 50
	}
	var chunks [][]Call3
	for len(calls) > limit {
		chunks = append(chunks, calls[:limit])
		calls = calls[limit:]
	}
	if len(calls) > 0 {
		chunks = append(chunks, calls)
	}
	return chunks
}

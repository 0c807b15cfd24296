package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Path encodings understood by the on-chain executor:
//
//	V2:      token ++ token ++ ... (20 bytes each)
//	V3:      token ++ uint24(fee) ++ token (packed)
//	tuple:   abi.encode(token0, token1, innerCalldata) for stable pools and
//	         aggregator routes
var (
	tupleArgs abi.Arguments

	ErrBadPath = errors.New("contracts: malformed swap path")
)

func init() {
	addrTy, _ := abi.NewType("address", "", nil)
	bytesTy, _ := abi.NewType("bytes", "", nil)
	tupleArgs = abi.Arguments{
		{Name: "token0", Type: addrTy},
		{Name: "token1", Type: addrTy},
		{Name: "data", Type: bytesTy},
	}
}

// EncodeV2Path concatenates the hop tokens of a V2 route.
func EncodeV2Path(tokens []common.Address) []byte {
	path := make([]byte, 0, len(tokens)*common.AddressLength)
	for _, t := range tokens {
		path = append(path, t.Bytes()...)
	}
	return path
}

// DecodeV2Path splits a concatenated token list.
func DecodeV2Path(path []byte) ([]common.Address, error) {
	if len(path) == 0 || len(path)%common.AddressLength != 0 {
		return nil, ErrBadPath
	}
	tokens := make([]common.Address, 0, len(path)/common.AddressLength)
	for i := 0; i < len(path); i += common.AddressLength {
		tokens = append(tokens, common.BytesToAddress(path[i:i+common.AddressLength]))
	}
	return tokens, nil
}

// EncodeV3Path packs tokenIn ++ uint24(fee) ++ tokenOut, the single-hop
// Uniswap V3 path layout.
func EncodeV3Path(tokenIn common.Address, feeMicro uint32, tokenOut common.Address) []byte {
	path := make([]byte, 0, 2*common.AddressLength+3)
	path = append(path, tokenIn.Bytes()...)
	path = append(path, byte(feeMicro>>16), byte(feeMicro>>8), byte(feeMicro))
	path = append(path, tokenOut.Bytes()...)
	return path
}

// DecodeV3Path unpacks a single-hop V3 path.
func DecodeV3Path(path []byte) (tokenIn common.Address, feeMicro uint32, tokenOut common.Address, err error) {
	if len(path) != 2*common.AddressLength+3 {
		err = ErrBadPath
		return
	}
	tokenIn = common.BytesToAddress(path[:common.AddressLength])
	feeMicro = uint32(path[20])<<16 | uint32(path[21])<<8 | uint32(path[22])
	tokenOut = common.BytesToAddress(path[23:])
	return
}

// EncodeTuplePath abi-encodes (token0, token1, innerCalldata), the layout the
// executor expects for stable-pool exchanges and aggregator routes.
func EncodeTuplePath(token0, token1 common.Address, inner []byte) ([]byte, error) {
	packed, err := tupleArgs.Pack(token0, token1, inner)
	if err != nil {
		return nil, fmt.Errorf("pack tuple path: %w", err)
	}
	return packed, nil
}

// DecodeTuplePath decodes an (token0, token1, innerCalldata) path.
func DecodeTuplePath(path []byte) (token0, token1 common.Address, inner []byte, err error) {
	vals, uerr := tupleArgs.Unpack(path)
	if uerr != nil {
		err = fmt.Errorf("%w: %v", ErrBadPath, uerr)
		return
	}
	token0 = vals[0].(common.Address)
	token1 = vals[1].(common.Address)
	inner = vals[2].([]byte)
	return
}

// PackStableExchange encodes the Curve-style exchange(i, j, dx, minDy)
// calldata carried inside a tuple path.
func PackStableExchange(i, j int64, dx, minDy *big.Int) []byte {
	sig := []byte{0x3d, 0xf0, 0x21, 0x24} // exchange(int128,int128,uint256,uint256)
	int128Ty, _ := abi.NewType("int128", "", nil)
	uintTy, _ := abi.NewType("uint256", "", nil)
	args := abi.Arguments{{Type: int128Ty}, {Type: int128Ty}, {Type: uintTy}, {Type: uintTy}}
	packed, err := args.Pack(big.NewInt(i), big.NewInt(j), dx, minDy)
	if err != nil {
		panic(err)
	}
	return append(sig, packed...)
}

// PackGetDy encodes a get_dy quote probe.
func PackGetDy(i, j int64, dx *big.Int) []byte {
	data, err := StablePoolABI.Pack("get_dy", big.NewInt(i), big.NewInt(j), dx)
	if err != nil {
		panic(err)
	}
	return data
}

// PackGetAmountsOut encodes a V2 router quote probe.
func PackGetAmountsOut(amountIn *big.Int, route []common.Address) []byte {
	data, err := V2RouterABI.Pack("getAmountsOut", amountIn, route)
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackGetAmountsOut decodes the final hop amount of a getAmountsOut result.
func UnpackGetAmountsOut(out []byte) (*big.Int, error) {
	vals, err := V2RouterABI.Unpack("getAmountsOut", out)
	if err != nil {
		return nil, err
	}
	amounts := vals[0].([]*big.Int)
	if len(amounts) == 0 {
		return nil, errShortReturn
	}
	return amounts[len(amounts)-1], nil
}

// Slot0 is the decoded V3 slot0 state, trimmed to the price field.
type Slot0 struct {
	SqrtPriceX96 *big.Int
}

// PackSlot0 encodes a slot0 read.
func PackSlot0() []byte {
	data, err := V3PoolABI.Pack("slot0")
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackSlot0 decodes a slot0 result.
func UnpackSlot0(out []byte) (*Slot0, error) {
	vals, err := V3PoolABI.Unpack("slot0", out)
	if err != nil {
		return nil, err
	}
	return &Slot0{SqrtPriceX96: vals[0].(*big.Int)}, nil
}

// PackGetReserves encodes a V2 pair getReserves read.
func PackGetReserves() []byte {
	data, err := V2PairABI.Pack("getReserves")
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackGetReserves decodes a V2 pair getReserves result.
func UnpackGetReserves(out []byte) (reserve0, reserve1 *big.Int, err error) {
	vals, uerr := V2PairABI.Unpack("getReserves", out)
	if uerr != nil {
		return nil, nil, uerr
	}
	return vals[0].(*big.Int), vals[1].(*big.Int), nil
}

// ReserveToken is one entry of getAllReservesTokens.
type ReserveToken struct {
	Symbol       string
	TokenAddress common.Address
}

type reserveTokenTuple struct {
	Symbol       string         `abi:"symbol"`
	TokenAddress common.Address `abi:"tokenAddress"`
}

// PackGetAllReservesTokens encodes the reserve enumeration read.
func PackGetAllReservesTokens() []byte {
	data, err := DataProviderABI.Pack("getAllReservesTokens")
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackGetAllReservesTokens decodes the reserve enumeration read.
func UnpackGetAllReservesTokens(out []byte) ([]ReserveToken, error) {
	vals, err := DataProviderABI.Unpack("getAllReservesTokens", out)
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(vals[0], new([]reserveTokenTuple)).(*[]reserveTokenTuple)
	tokens := make([]ReserveToken, len(raw))
	for i, r := range raw {
		tokens[i] = ReserveToken{Symbol: r.Symbol, TokenAddress: r.TokenAddress}
	}
	return tokens, nil
}

// ContractMethod names the three executor overloads.
type ContractMethod string

const (
	MethodFlashPool   ContractMethod = "executeWithFlashPool"
	MethodV2FlashSwap ContractMethod = "executeWithV2FlashSwap"
	MethodV3Flash     ContractMethod = "executeWithV3Flash"
)

// PackExecute encodes one of the three executor overloads. flashSource is the
// pair or pool address for the flash-swap variants and ignored for the
// money-market flash loan.
func PackExecute(method ContractMethod, flashSource common.Address, params LiquidationParams, primary, residual SwapParams, receiver common.Address) ([]byte, error) {
	switch method {
	case MethodFlashPool:
		return LiquidationABI.Pack(string(method), params, primary, residual, receiver)
	case MethodV2FlashSwap, MethodV3Flash:
		return LiquidationABI.Pack(string(method), flashSource, params, primary, residual, receiver)
	default:
		return nil, fmt.Errorf("contracts: unknown method %q", method)
	}
}

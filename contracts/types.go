package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SwapKind selects how the on-chain executor interprets a SwapParams.path.
type SwapKind uint8

const (
	SwapKindV2                 SwapKind = 0
	SwapKindV3                 SwapKind = 1
	SwapKindNativeAggregator   SwapKind = 2
	SwapKindExternalAggregator SwapKind = 3
)

// LiquidationParams mirrors the executor contract's params tuple.
type LiquidationParams struct {
	CollateralAsset common.Address
	DebtAsset       common.Address
	User            common.Address
	Amount          *big.Int
	TransferAmount  *big.Int
	DebtToCover     *big.Int
}

// SwapParams mirrors the executor contract's swap tuple. AmountIn == 0 on the
// residual swap tells the contract to swap its observed post-liquidation
// balance; the caller never sets a nonzero residual amountIn.
type SwapParams struct {
	SwapKind     uint8
	Router       common.Address
	Path         []byte
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Adapters     []common.Address
}

// UserAccountData is the decoded getUserAccountData result. Base values carry
// 8 fractional digits in the oracle numeraire; HealthFactor carries 18.
type UserAccountData struct {
	TotalCollateralBase         *big.Int
	TotalDebtBase               *big.Int
	AvailableBorrowsBase        *big.Int
	CurrentLiquidationThreshold *big.Int
	LTV                         *big.Int
	HealthFactor                *big.Int
}

// ReserveConfigData is the decoded getReserveConfigurationData result,
// trimmed to the fields the pipeline uses.
type ReserveConfigData struct {
	Decimals             uint8
	LiquidationThreshold *big.Int
	LiquidationBonus     *big.Int
	UsableAsCollateral   bool
	Active               bool
	Frozen               bool
}

// ReserveTokens is the decoded getReserveTokensAddresses result.
type ReserveTokens struct {
	AToken          common.Address
	StableDebtToken common.Address
	VarDebtToken    common.Address
}

// UserReserveData is the decoded getUserReserveData result, trimmed.
type UserReserveData struct {
	ATokenBalance     *big.Int
	StableDebt        *big.Int
	VariableDebt      *big.Int
	UsageAsCollateral bool
}

// TotalDebt sums stable and variable debt.
func (u *UserReserveData) TotalDebt() *big.Int {
	return new(big.Int).Add(u.StableDebt, u.VariableDebt)
}

// PackGetUserAccountData encodes a getUserAccountData call.
func PackGetUserAccountData(user common.Address) []byte {
	data, err := PoolABI.Pack("getUserAccountData", user)
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackUserAccountData decodes a getUserAccountData result.
func UnpackUserAccountData(out []byte) (*UserAccountData, error) {
	vals, err := PoolABI.Unpack("getUserAccountData", out)
	if err != nil {
		return nil, err
	}
	return &UserAccountData{
		TotalCollateralBase:         vals[0].(*big.Int),
		TotalDebtBase:               vals[1].(*big.Int),
		AvailableBorrowsBase:        vals[2].(*big.Int),
		CurrentLiquidationThreshold: vals[3].(*big.Int),
		LTV:                         vals[4].(*big.Int),
		HealthFactor:                vals[5].(*big.Int),
	}, nil
}

// PackGetAssetPrice encodes a getAssetPrice call.
func PackGetAssetPrice(asset common.Address) []byte {
	data, err := OracleABI.Pack("getAssetPrice", asset)
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackAssetPrice decodes a getAssetPrice result.
func UnpackAssetPrice(out []byte) (*big.Int, error) {
	vals, err := OracleABI.Unpack("getAssetPrice", out)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// PackGetReserveConfigurationData encodes the data-provider config read.
func PackGetReserveConfigurationData(asset common.Address) []byte {
	data, err := DataProviderABI.Pack("getReserveConfigurationData", asset)
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackReserveConfigurationData decodes the data-provider config read.
func UnpackReserveConfigurationData(out []byte) (*ReserveConfigData, error) {
	vals, err := DataProviderABI.Unpack("getReserveConfigurationData", out)
	if err != nil {
		return nil, err
	}
	return &ReserveConfigData{
		Decimals:             uint8(vals[0].(*big.Int).Uint64()),
		LiquidationThreshold: vals[2].(*big.Int),
		LiquidationBonus:     vals[3].(*big.Int),
		UsableAsCollateral:   vals[5].(bool),
		Active:               vals[8].(bool),
		Frozen:               vals[9].(bool),
	}, nil
}

// PackGetReserveTokensAddresses encodes the receipt-token lookup.
func PackGetReserveTokensAddresses(asset common.Address) []byte {
	data, err := DataProviderABI.Pack("getReserveTokensAddresses", asset)
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackReserveTokensAddresses decodes the receipt-token lookup.
func UnpackReserveTokensAddresses(out []byte) (*ReserveTokens, error) {
	vals, err := DataProviderABI.Unpack("getReserveTokensAddresses", out)
	if err != nil {
		return nil, err
	}
	return &ReserveTokens{
		AToken:          vals[0].(common.Address),
		StableDebtToken: vals[1].(common.Address),
		VarDebtToken:    vals[2].(common.Address),
	}, nil
}

// PackGetUserReserveData encodes the per-user holding read.
func PackGetUserReserveData(asset, user common.Address) []byte {
	data, err := DataProviderABI.Pack("getUserReserveData", asset, user)
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackUserReserveData decodes the per-user holding read.
func UnpackUserReserveData(out []byte) (*UserReserveData, error) {
	vals, err := DataProviderABI.Unpack("getUserReserveData", out)
	if err != nil {
		return nil, err
	}
	return &UserReserveData{
		ATokenBalance:     vals[0].(*big.Int),
		StableDebt:        vals[1].(*big.Int),
		VariableDebt:      vals[2].(*big.Int),
		UsageAsCollateral: vals[8].(bool),
	}, nil
}

// PackBalanceOf encodes an ERC20 balanceOf call.
func PackBalanceOf(owner common.Address) []byte {
	data, err := ERC20ABI.Pack("balanceOf", owner)
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackUint256 decodes a single uint256 return value.
func UnpackUint256(out []byte) (*big.Int, error) {
	if len(out) < 32 {
		return nil, errShortReturn
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

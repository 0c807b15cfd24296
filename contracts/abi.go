// Package contracts holds the ABI surface the bot talks to: the lending pool,
// the price oracle, the protocol data provider, the multicall aggregator, the
// DEX venues and the on-chain liquidation executor. All encoding goes through
// go-ethereum's abi package; nothing here issues RPC calls itself.
package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const poolABIJSON = `[
  {"type":"function","name":"getUserAccountData","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[
     {"name":"totalCollateralBase","type":"uint256"},
     {"name":"totalDebtBase","type":"uint256"},
     {"name":"availableBorrowsBase","type":"uint256"},
     {"name":"currentLiquidationThreshold","type":"uint256"},
     {"name":"ltv","type":"uint256"},
     {"name":"healthFactor","type":"uint256"}]}
]`

const oracleABIJSON = `[
  {"type":"function","name":"getAssetPrice","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getSourceOfAsset","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[{"name":"","type":"address"}]}
]`

const dataProviderABIJSON = `[
  {"type":"function","name":"getAllReservesTokens","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"symbol","type":"string"},
     {"name":"tokenAddress","type":"address"}]}]},
  {"type":"function","name":"getReserveConfigurationData","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[
     {"name":"decimals","type":"uint256"},
     {"name":"ltv","type":"uint256"},
     {"name":"liquidationThreshold","type":"uint256"},
     {"name":"liquidationBonus","type":"uint256"},
     {"name":"reserveFactor","type":"uint256"},
     {"name":"usageAsCollateralEnabled","type":"bool"},
     {"name":"borrowingEnabled","type":"bool"},
     {"name":"stableBorrowRateEnabled","type":"bool"},
     {"name":"isActive","type":"bool"},
     {"name":"isFrozen","type":"bool"}]},
  {"type":"function","name":"getReserveTokensAddresses","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[
     {"name":"aTokenAddress","type":"address"},
     {"name":"stableDebtTokenAddress","type":"address"},
     {"name":"variableDebtTokenAddress","type":"address"}]},
  {"type":"function","name":"getUserReserveData","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"},{"name":"user","type":"address"}],
   "outputs":[
     {"name":"currentATokenBalance","type":"uint256"},
     {"name":"currentStableDebt","type":"uint256"},
     {"name":"currentVariableDebt","type":"uint256"},
     {"name":"principalStableDebt","type":"uint256"},
     {"name":"scaledVariableDebt","type":"uint256"},
     {"name":"stableBorrowRate","type":"uint256"},
     {"name":"liquidityRate","type":"uint256"},
     {"name":"stableRateLastUpdated","type":"uint40"},
     {"name":"usageAsCollateralEnabled","type":"bool"}]}
]`

const multicallABIJSON = `[
  {"type":"function","name":"aggregate3","stateMutability":"payable",
   "inputs":[{"name":"calls","type":"tuple[]","components":[
     {"name":"target","type":"address"},
     {"name":"allowFailure","type":"bool"},
     {"name":"callData","type":"bytes"}]}],
   "outputs":[{"name":"returnData","type":"tuple[]","components":[
     {"name":"success","type":"bool"},
     {"name":"returnData","type":"bytes"}]}]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

const v2RouterABIJSON = `[
  {"type":"function","name":"getAmountsOut","stateMutability":"view",
   "inputs":[
     {"name":"amountIn","type":"uint256"},
     {"name":"path","type":"address[]"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const v2PairABIJSON = `[
  {"type":"function","name":"getReserves","stateMutability":"view",
   "inputs":[],
   "outputs":[
     {"name":"reserve0","type":"uint112"},
     {"name":"reserve1","type":"uint112"},
     {"name":"blockTimestampLast","type":"uint32"}]},
  {"type":"function","name":"token0","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"token1","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

const v3PoolABIJSON = `[
  {"type":"function","name":"slot0","stateMutability":"view",
   "inputs":[],
   "outputs":[
     {"name":"sqrtPriceX96","type":"uint160"},
     {"name":"tick","type":"int24"},
     {"name":"observationIndex","type":"uint16"},
     {"name":"observationCardinality","type":"uint16"},
     {"name":"observationCardinalityNext","type":"uint16"},
     {"name":"feeProtocol","type":"uint8"},
     {"name":"unlocked","type":"bool"}]},
  {"type":"function","name":"liquidity","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint128"}]}
]`

const stablePoolABIJSON = `[
  {"type":"function","name":"get_dy","stateMutability":"view",
   "inputs":[
     {"name":"i","type":"int128"},
     {"name":"j","type":"int128"},
     {"name":"dx","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// The liquidation executor's three overloads, distinguished by flash source.
const liquidationABIJSON = `[
  {"type":"function","name":"executeWithFlashPool","stateMutability":"nonpayable",
   "inputs":[
     {"name":"params","type":"tuple","components":[
       {"name":"collateralAsset","type":"address"},
       {"name":"debtAsset","type":"address"},
       {"name":"user","type":"address"},
       {"name":"amount","type":"uint256"},
       {"name":"transferAmount","type":"uint256"},
       {"name":"debtToCover","type":"uint256"}]},
     {"name":"primarySwap","type":"tuple","components":[
       {"name":"swapKind","type":"uint8"},
       {"name":"router","type":"address"},
       {"name":"path","type":"bytes"},
       {"name":"amountIn","type":"uint256"},
       {"name":"amountOutMin","type":"uint256"},
       {"name":"adapters","type":"address[]"}]},
     {"name":"residualSwap","type":"tuple","components":[
       {"name":"swapKind","type":"uint8"},
       {"name":"router","type":"address"},
       {"name":"path","type":"bytes"},
       {"name":"amountIn","type":"uint256"},
       {"name":"amountOutMin","type":"uint256"},
       {"name":"adapters","type":"address[]"}]},
     {"name":"receiver","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"executeWithV2FlashSwap","stateMutability":"nonpayable",
   "inputs":[
     {"name":"pair","type":"address"},
     {"name":"params","type":"tuple","components":[
       {"name":"collateralAsset","type":"address"},
       {"name":"debtAsset","type":"address"},
       {"name":"user","type":"address"},
       {"name":"amount","type":"uint256"},
       {"name":"transferAmount","type":"uint256"},
       {"name":"debtToCover","type":"uint256"}]},
     {"name":"primarySwap","type":"tuple","components":[
       {"name":"swapKind","type":"uint8"},
       {"name":"router","type":"address"},
       {"name":"path","type":"bytes"},
       {"name":"amountIn","type":"uint256"},
       {"name":"amountOutMin","type":"uint256"},
       {"name":"adapters","type":"address[]"}]},
     {"name":"residualSwap","type":"tuple","components":[
       {"name":"swapKind","type":"uint8"},
       {"name":"router","type":"address"},
       {"name":"path","type":"bytes"},
       {"name":"amountIn","type":"uint256"},
       {"name":"amountOutMin","type":"uint256"},
       {"name":"adapters","type":"address[]"}]},
     {"name":"receiver","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"executeWithV3Flash","stateMutability":"nonpayable",
   "inputs":[
     {"name":"pool","type":"address"},
     {"name":"params","type":"tuple","components":[
       {"name":"collateralAsset","type":"address"},
       {"name":"debtAsset","type":"address"},
       {"name":"user","type":"address"},
       {"name":"amount","type":"uint256"},
       {"name":"transferAmount","type":"uint256"},
       {"name":"debtToCover","type":"uint256"}]},
     {"name":"primarySwap","type":"tuple","components":[
       {"name":"swapKind","type":"uint8"},
       {"name":"router","type":"address"},
       {"name":"path","type":"bytes"},
       {"name":"amountIn","type":"uint256"},
       {"name":"amountOutMin","type":"uint256"},
       {"name":"adapters","type":"address[]"}]},
     {"name":"residualSwap","type":"tuple","components":[
       {"name":"swapKind","type":"uint8"},
       {"name":"router","type":"address"},
       {"name":"path","type":"bytes"},
       {"name":"amountIn","type":"uint256"},
       {"name":"amountOutMin","type":"uint256"},
       {"name":"adapters","type":"address[]"}]},
     {"name":"receiver","type":"address"}],
   "outputs":[]}
]`

// Parsed ABIs, shared by every package that packs calldata.
var (
	PoolABI         abi.ABI
	OracleABI       abi.ABI
	DataProviderABI abi.ABI
	MulticallABI    abi.ABI
	ERC20ABI        abi.ABI
	V2RouterABI     abi.ABI
	V2PairABI       abi.ABI
	V3PoolABI       abi.ABI
	StablePoolABI   abi.ABI
	LiquidationABI  abi.ABI
)

func init() {
	PoolABI = mustParse("pool", poolABIJSON)
	OracleABI = mustParse("oracle", oracleABIJSON)
	DataProviderABI = mustParse("dataProvider", dataProviderABIJSON)
	MulticallABI = mustParse("multicall", multicallABIJSON)
	ERC20ABI = mustParse("erc20", erc20ABIJSON)
	V2RouterABI = mustParse("v2router", v2RouterABIJSON)
	V2PairABI = mustParse("v2pair", v2PairABIJSON)
	V3PoolABI = mustParse("v3pool", v3PoolABIJSON)
	StablePoolABI = mustParse("stablepool", stablePoolABIJSON)
	LiquidationABI = mustParse("liquidation", liquidationABIJSON)
}

func mustParse(name, js string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(js))
	if err != nil {
		panic(fmt.Sprintf("contracts: bad %s abi: %v", name, err))
	}
	return parsed
}

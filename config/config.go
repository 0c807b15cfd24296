// Package config loads the agent configuration from a JSON file with
// environment-variable overrides for deployment secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StablePool describes one Curve-style pool usable for stable-stable swaps.
type StablePool struct {
	Address common.Address `json:"address"`
	Token0  common.Address `json:"token0"`
	Token1  common.Address `json:"token1"`
	Idx0    int64          `json:"idx0"`
	Idx1    int64          `json:"idx1"`
}

// V2Pair describes a whitelisted constant-product pair usable as a flash-swap
// source and swap venue.
type V2Pair struct {
	Address common.Address `json:"address"`
	Token0  common.Address `json:"token0"`
	Token1  common.Address `json:"token1"`
	FeeBps  int64          `json:"feeBps"`
}

// V3Pool describes a whitelisted concentrated-liquidity pool.
type V3Pool struct {
	Address  common.Address `json:"address"`
	Token0   common.Address `json:"token0"`
	Token1   common.Address `json:"token1"`
	FeeMicro uint32         `json:"feeMicro"`
}

// GasTier maps a profit ceiling (USD) to a gas price multiplier.
type GasTier struct {
	MaxProfitUSD float64 `json:"maxProfitUsd"`
	Multiplier   float64 `json:"multiplier"`
}

// SlippageTier maps a trade size ceiling (USD) to a slippage tolerance in bps.
type SlippageTier struct {
	MaxSizeUSD   float64 `json:"maxSizeUsd"`
	ToleranceBps int64   `json:"toleranceBps"`
}

// Config is the full operator surface.
type Config struct {
	ReadRPCURL string `json:"readRpcUrl"`
	TxRPCURL   string `json:"txRpcUrl"`
	WsURL      string `json:"wsUrl"`

	IndexerURL string `json:"indexerUrl"`

	LiquidatorKey              string                            `json:"liquidatorKey"`
	LiquidationContractPerPool map[common.Address]common.Address `json:"-"`
	PoolsList                  []common.Address                  `json:"poolsList"`
	MulticallAddress           common.Address                    `json:"multicallAddress"`
	OracleAddress              common.Address                    `json:"oracleAddress"`
	WrappedNativeAddress       common.Address                    `json:"wrappedNativeAddress"`
	ReserveDataProviderAddress common.Address                    `json:"reserveDataProviderAddress"`
	V2RouterAddress            common.Address                    `json:"v2RouterAddress"`

	StableAssets []common.Address      `json:"stableAssets"`
	StablePools  map[string]StablePool `json:"stablePools"`
	V2Pairs      []V2Pair              `json:"v2Pairs"`
	V3Pools      []V3Pool              `json:"v3Pools"`

	MinDebtUSD          float64 `json:"minDebtUsd"`
	LoopIntervalSeconds int     `json:"loopIntervalSeconds"`
	ReportIntervalHours int     `json:"reportIntervalHours"`

	PriceCacheTTLMs int64 `json:"priceCacheTtlMs"`
	ReserveCfgTTLMs int64 `json:"reserveCfgTtlMs"`
	PreparedTTLMs   int64 `json:"preparedTtlMs"`
	BlacklistTTLMs  int64 `json:"blacklistTtlMs"`

	CloseFactorPct        int64 `json:"closeFactorPct"`
	InterestBufferBps     int64 `json:"interestBufferBps"`
	ConservativeFactorPct int64 `json:"conservativeFactorPct"`

	GasTiers             []GasTier      `json:"gasTiers"`
	SlippageTiers        []SlippageTier `json:"slippageTiers"`
	LiquidationLadderPct []int64        `json:"liquidationLadderPct"`

	AggregatorAPIKey string `json:"aggregatorApiKey"`
	AggregatorURL    string `json:"aggregatorUrl"`
	ChainID          int64  `json:"chainId"`

	AlertWebhookURL string `json:"alertWebhookUrl"`
	InfoWebhookURL  string `json:"infoWebhookUrl"`

	StateFilePath string `json:"stateFilePath"`
	HistoryDSN    string `json:"historyDsn"`
	APIListenAddr string `json:"apiListenAddr"`

	// Raw form of LiquidationContractPerPool; JSON map keys must be strings.
	LiquidationContracts map[string]common.Address `json:"liquidationContractPerPool"`
}

// Defaults returns a Config with every tunable at its documented default.
func Defaults() *Config {
	return &Config{
		MinDebtUSD:            1,
		LoopIntervalSeconds:   60,
		ReportIntervalHours:   1,
		PriceCacheTTLMs:       8_000,
		ReserveCfgTTLMs:       60_000,
		PreparedTTLMs:         30_000,
		BlacklistTTLMs:        300_000,
		CloseFactorPct:        50,
		InterestBufferBps:     10,
		ConservativeFactorPct: 99,
		LiquidationLadderPct:  []int64{10, 25, 50},
		GasTiers: []GasTier{
			{MaxProfitUSD: 5, Multiplier: 1.5},
			{MaxProfitUSD: 50, Multiplier: 2.5},
			{MaxProfitUSD: 200, Multiplier: 4},
			{MaxProfitUSD: 1_000, Multiplier: 5},
			{MaxProfitUSD: 5_000, Multiplier: 6},
			{MaxProfitUSD: 0, Multiplier: 8}, // MaxProfitUSD 0 marks the open-ended tier
		},
		SlippageTiers: []SlippageTier{
			{MaxSizeUSD: 100, ToleranceBps: 200},
			{MaxSizeUSD: 1_000, ToleranceBps: 300},
			{MaxSizeUSD: 10_000, ToleranceBps: 500},
			{MaxSizeUSD: 50_000, ToleranceBps: 700},
			{MaxSizeUSD: 0, ToleranceBps: 1_000},
		},
		StateFilePath: "liquidator-state.json",
		APIListenAddr: "127.0.0.1:8745",
	}
}

// Load reads the JSON config at path, applies env overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("LIQUIDATOR_KEY")); v != "" {
		c.LiquidatorKey = strings.Trim(strings.Trim(v, `"`), "'")
	}
	if v := os.Getenv("READ_RPC_URL"); v != "" {
		c.ReadRPCURL = v
	}
	if v := os.Getenv("TX_RPC_URL"); v != "" {
		c.TxRPCURL = v
	}
	if v := os.Getenv("WS_URL"); v != "" {
		c.WsURL = v
	}
	if v := os.Getenv("INDEXER_URL"); v != "" {
		c.IndexerURL = v
	}
	if v := os.Getenv("AGGREGATOR_API_KEY"); v != "" {
		c.AggregatorAPIKey = v
	}
	if v := os.Getenv("HISTORY_DSN"); v != "" {
		c.HistoryDSN = v
	}
	if v := os.Getenv("MIN_DEBT_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MinDebtUSD = f
		}
	}
	if v := os.Getenv("LOOP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LoopIntervalSeconds = n
		}
	}
}

func (c *Config) normalize() error {
	if c.ReadRPCURL == "" {
		return fmt.Errorf("config: readRpcUrl is required")
	}
	if c.TxRPCURL == "" {
		c.TxRPCURL = c.ReadRPCURL
	}
	if c.IndexerURL == "" {
		return fmt.Errorf("config: indexerUrl is required")
	}
	if c.LiquidatorKey == "" {
		return fmt.Errorf("config: liquidatorKey is required")
	}
	if len(c.PoolsList) == 0 {
		return fmt.Errorf("config: poolsList must name at least one pool")
	}
	if (c.MulticallAddress == common.Address{}) {
		return fmt.Errorf("config: multicallAddress is required")
	}
	if (c.OracleAddress == common.Address{}) {
		return fmt.Errorf("config: oracleAddress is required")
	}
	if (c.ReserveDataProviderAddress == common.Address{}) {
		return fmt.Errorf("config: reserveDataProviderAddress is required")
	}
	if c.PriceCacheTTLMs < 5_000 || c.PriceCacheTTLMs > 10_000 {
		return fmt.Errorf("config: priceCacheTtlMs must be within [5000,10000], got %d", c.PriceCacheTTLMs)
	}
	c.LiquidationContractPerPool = make(map[common.Address]common.Address, len(c.LiquidationContracts))
	for k, v := range c.LiquidationContracts {
		if !common.IsHexAddress(k) {
			return fmt.Errorf("config: bad pool address %q in liquidationContractPerPool", k)
		}
		c.LiquidationContractPerPool[common.HexToAddress(k)] = v
	}
	for _, pool := range c.PoolsList {
		if (c.LiquidationContractPerPool[pool] == common.Address{}) {
			return fmt.Errorf("config: pool %s has no liquidation contract", pool.Hex())
		}
	}
	return nil
}

// IsStable reports whether asset is in the configured stable set.
func (c *Config) IsStable(asset common.Address) bool {
	for _, s := range c.StableAssets {
		if s == asset {
			return true
		}
	}
	return false
}

// FindStablePool returns the first configured stable pool whose token pair
// matches (t0,t1) exactly, then (t1,t0). Iteration follows sorted pool names
// so the choice is deterministic.
func (c *Config) FindStablePool(t0, t1 common.Address) (StablePool, bool) {
	names := make([]string, 0, len(c.StablePools))
	for name := range c.StablePools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := c.StablePools[name]
		if p.Token0 == t0 && p.Token1 == t1 {
			return p, true
		}
	}
	for _, name := range names {
		p := c.StablePools[name]
		if p.Token0 == t1 && p.Token1 == t0 {
			return StablePool{Address: p.Address, Token0: p.Token1, Token1: p.Token0, Idx0: p.Idx1, Idx1: p.Idx0}, true
		}
	}
	return StablePool{}, false
}

// FindV2Pair returns the first whitelisted V2 pair carrying both tokens.
func (c *Config) FindV2Pair(t0, t1 common.Address) (V2Pair, bool) {
	for _, p := range c.V2Pairs {
		if (p.Token0 == t0 && p.Token1 == t1) || (p.Token0 == t1 && p.Token1 == t0) {
			return p, true
		}
	}
	return V2Pair{}, false
}

// FindV2PairWith returns the first whitelisted V2 pair carrying token.
func (c *Config) FindV2PairWith(token common.Address) (V2Pair, bool) {
	for _, p := range c.V2Pairs {
		if p.Token0 == token || p.Token1 == token {
			return p, true
		}
	}
	return V2Pair{}, false
}

// FindV3Pool returns the first whitelisted V3 pool carrying both tokens.
func (c *Config) FindV3Pool(t0, t1 common.Address) (V3Pool, bool) {
	for _, p := range c.V3Pools {
		if (p.Token0 == t0 && p.Token1 == t1) || (p.Token0 == t1 && p.Token1 == t0) {
			return p, true
		}
	}
	return V3Pool{}, false
}

// FindV3PoolWith returns the first whitelisted V3 pool carrying token.
func (c *Config) FindV3PoolWith(token common.Address) (V3Pool, bool) {
	for _, p := range c.V3Pools {
		if p.Token0 == token || p.Token1 == token {
			return p, true
		}
	}
	return V3Pool{}, false
}

// LoopInterval returns the scan cadence.
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalSeconds) * time.Second
}

// ReportInterval returns the status report cadence.
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalHours) * time.Hour
}

func (c *Config) PriceTTL() time.Duration { return time.Duration(c.PriceCacheTTLMs) * time.Millisecond }
func (c *Config) ReserveCfgTTL() time.Duration {
	return time.Duration(c.ReserveCfgTTLMs) * time.Millisecond
}
func (c *Config) PreparedTTL() time.Duration {
	return time.Duration(c.PreparedTTLMs) * time.Millisecond
}
func (c *Config) BlacklistTTL() time.Duration {
	return time.Duration(c.BlacklistTTLMs) * time.Millisecond
}

// GasMultiplier picks the gas price multiplier for an expected profit. Tiers
// are ordered by ceiling; MaxProfitUSD zero marks the open-ended tier.
func (c *Config) GasMultiplier(profitUSD float64) float64 {
	for _, t := range c.GasTiers {
		if t.MaxProfitUSD > 0 && profitUSD < t.MaxProfitUSD {
			return t.Multiplier
		}
	}
	for _, t := range c.GasTiers {
		if t.MaxProfitUSD == 0 {
			return t.Multiplier
		}
	}
	return 1
}

// SlippageToleranceBps picks the slippage tolerance for a trade size in USD.
// MaxSizeUSD zero marks the open-ended tier.
func (c *Config) SlippageToleranceBps(sizeUSD float64) int64 {
	for _, t := range c.SlippageTiers {
		if t.MaxSizeUSD > 0 && sizeUSD < t.MaxSizeUSD {
			return t.ToleranceBps
		}
	}
	for _, t := range c.SlippageTiers {
		if t.MaxSizeUSD == 0 {
			return t.ToleranceBps
		}
	}
	return 0
}

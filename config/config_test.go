package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, mutate func(map[string]any)) string {
	t.Helper()
	base := map[string]any{
		"readRpcUrl":                 "https://rpc.example",
		"txRpcUrl":                   "https://tx.example",
		"indexerUrl":                 "https://graph.example",
		"liquidatorKey":              "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		"poolsList":                  []string{"0x0000000000000000000000000000000000000a01"},
		"multicallAddress":           "0x0000000000000000000000000000000000000a02",
		"oracleAddress":              "0x0000000000000000000000000000000000000a03",
		"reserveDataProviderAddress": "0x0000000000000000000000000000000000000a04",
		"liquidationContractPerPool": map[string]string{
			"0x0000000000000000000000000000000000000a01": "0x0000000000000000000000000000000000000a05",
		},
	}
	if mutate != nil {
		mutate(base)
	}
	raw, err := json.Marshal(base)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, nil))
	require.NoError(t, err)

	assert.Equal(t, float64(1), cfg.MinDebtUSD)
	assert.Equal(t, 60, cfg.LoopIntervalSeconds)
	assert.Equal(t, int64(8_000), cfg.PriceCacheTTLMs)
	assert.Equal(t, int64(50), cfg.CloseFactorPct)
	assert.Equal(t, []int64{10, 25, 50}, cfg.LiquidationLadderPct)
	assert.Len(t, cfg.GasTiers, 6)
	assert.Len(t, cfg.SlippageTiers, 5)

	pool := common.HexToAddress("0x0000000000000000000000000000000000000a01")
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000a05"),
		cfg.LiquidationContractPerPool[pool])
}

func TestLoadMissingRequired(t *testing.T) {
	for _, missing := range []string{"readRpcUrl", "indexerUrl", "liquidatorKey", "multicallAddress"} {
		path := writeConfig(t, func(m map[string]any) {
			if missing == "multicallAddress" {
				m[missing] = "0x0000000000000000000000000000000000000000"
			} else {
				delete(m, missing)
			}
		})
		_, err := Load(path)
		assert.Error(t, err, missing)
	}
}

func TestLoadPriceTTLBounds(t *testing.T) {
	_, err := Load(writeConfig(t, func(m map[string]any) { m["priceCacheTtlMs"] = 3_000 }))
	assert.Error(t, err)
	_, err = Load(writeConfig(t, func(m map[string]any) { m["priceCacheTtlMs"] = 12_000 }))
	assert.Error(t, err)
	cfg, err := Load(writeConfig(t, func(m map[string]any) { m["priceCacheTtlMs"] = 5_000 }))
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), cfg.PriceCacheTTLMs)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LIQUIDATOR_KEY", `"deadbeef"`)
	t.Setenv("MIN_DEBT_USD", "25")
	cfg, err := Load(writeConfig(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", cfg.LiquidatorKey)
	assert.Equal(t, float64(25), cfg.MinDebtUSD)
}

func TestFindStablePoolCanonicalOrdering(t *testing.T) {
	usdf := common.HexToAddress("0x0000000000000000000000000000000000000b01")
	stg := common.HexToAddress("0x0000000000000000000000000000000000000b02")
	cfg := Defaults()
	cfg.StablePools = map[string]StablePool{
		"kitty-b": {Address: common.HexToAddress("0xb"), Token0: stg, Token1: usdf, Idx0: 0, Idx1: 1},
		"kitty-a": {Address: common.HexToAddress("0xa"), Token0: usdf, Token1: stg, Idx0: 0, Idx1: 1},
	}

	// Exact (t0,t1) match wins over a reversed match earlier in name order.
	p, ok := cfg.FindStablePool(usdf, stg)
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xa"), p.Address)

	// Reversed match flips indexes so i/j follow the swap direction.
	cfg.StablePools = map[string]StablePool{
		"only": {Address: common.HexToAddress("0xc"), Token0: stg, Token1: usdf, Idx0: 3, Idx1: 7},
	}
	p, ok = cfg.FindStablePool(usdf, stg)
	require.True(t, ok)
	assert.Equal(t, int64(7), p.Idx0)
	assert.Equal(t, int64(3), p.Idx1)

	_, ok = cfg.FindStablePool(usdf, common.HexToAddress("0xdead"))
	assert.False(t, ok)
}

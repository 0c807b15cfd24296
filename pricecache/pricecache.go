// Package pricecache memoizes oracle prices and reserve configuration reads
// behind short TTLs, batching misses through the multicall aggregator.
package pricecache

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidation-bot/contracts"
)

// Caller is the read surface the caches need from the RPC gateway.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// ErrPriceUnavailable is returned when the oracle fails and no stale value
// exists to fall back on.
var ErrPriceUnavailable = errors.New("pricecache: price unavailable")

type priceEntry struct {
	price      *big.Int
	observedAt time.Time
}

// PriceCache is the TTL price cache over the oracle.
type PriceCache struct {
	logger    *zap.Logger
	caller    Caller
	oracle    common.Address
	multicall common.Address
	ttl       time.Duration

	mu      sync.RWMutex
	entries map[common.Address]priceEntry

	now func() time.Time
}

// NewPriceCache builds a price cache with the given TTL (5-10s band).
func NewPriceCache(caller Caller, oracle, multicall common.Address, ttl time.Duration, logger *zap.Logger) *PriceCache {
	return &PriceCache{
		logger:    logger.Named("pricecache"),
		caller:    caller,
		oracle:    oracle,
		multicall: multicall,
		ttl:       ttl,
		entries:   make(map[common.Address]priceEntry),
		now:       time.Now,
	}
}

// GetPrice returns the cached price if fresh, else re-reads the oracle. On
// oracle failure the last cached value is served stale; with no cached value
// the error is ErrPriceUnavailable.
func (c *PriceCache) GetPrice(ctx context.Context, asset common.Address) (*big.Int, error) {
	c.mu.RLock()
	entry, ok := c.entries[asset]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.observedAt) <= c.ttl {
		return new(big.Int).Set(entry.price), nil
	}

	out, err := c.caller.CallContract(ctx, c.oracle, contracts.PackGetAssetPrice(asset))
	if err == nil {
		if price, perr := contracts.UnpackAssetPrice(out); perr == nil {
			c.store(asset, price)
			return new(big.Int).Set(price), nil
		}
	}
	if ok {
		c.logger.Warn("oracle read failed, serving stale price",
			zap.String("asset", asset.Hex()),
			zap.Duration("age", c.now().Sub(entry.observedAt)),
			zap.Error(err))
		return new(big.Int).Set(entry.price), nil
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, asset.Hex(), err)
}

// BatchGetPrices returns prices for all assets, coalescing cache misses into
// a single aggregator read. Assets whose sub-call fails fall back to stale
// entries; assets with neither are absent from the result.
func (c *PriceCache) BatchGetPrices(ctx context.Context, assets []common.Address) (map[common.Address]*big.Int, error) {
	result := make(map[common.Address]*big.Int, len(assets))
	var misses []common.Address
	now := c.now()

	c.mu.RLock()
	for _, asset := range assets {
		if entry, ok := c.entries[asset]; ok && now.Sub(entry.observedAt) <= c.ttl {
			result[asset] = new(big.Int).Set(entry.price)
		} else {
			misses = append(misses, asset)
		}
	}
	c.mu.RUnlock()

	if len(misses) == 0 {
		return result, nil
	}

	calls := make([]contracts.Call3, len(misses))
	for i, asset := range misses {
		calls[i] = contracts.Call3{Target: c.oracle, AllowFailure: true, CallData: contracts.PackGetAssetPrice(asset)}
	}
	data, err := contracts.PackAggregate3(calls)
	if err != nil {
		return result, err
	}
	out, err := c.caller.CallContract(ctx, c.multicall, data)
	if err != nil {
		c.fillStale(result, misses)
		return result, nil
	}
	results, err := contracts.UnpackAggregate3(out, len(misses))
	if err != nil {
		c.fillStale(result, misses)
		return result, nil
	}
	for i, r := range results {
		asset := misses[i]
		if !r.Success {
			c.fillStale(result, []common.Address{asset})
			continue
		}
		price, perr := contracts.UnpackAssetPrice(r.ReturnData)
		if perr != nil {
			continue
		}
		c.store(asset, price)
		result[asset] = new(big.Int).Set(price)
	}
	return result, nil
}

func (c *PriceCache) store(asset common.Address, price *big.Int) {
	c.mu.Lock()
	c.entries[asset] = priceEntry{price: new(big.Int).Set(price), observedAt: c.now()}
	c.mu.Unlock()
}

func (c *PriceCache) fillStale(result map[common.Address]*big.Int, assets []common.Address) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, asset := range assets {
		if entry, ok := c.entries[asset]; ok {
			result[asset] = new(big.Int).Set(entry.price)
		}
	}
}

// ReserveConfig is the cached per-asset reserve view.
type ReserveConfig struct {
	Decimals         uint8
	LiquidationBonus *big.Int
	AToken           common.Address
	VarDebtToken     common.Address
	Active           bool
	Frozen           bool
}

type reserveEntry struct {
	cfg        ReserveConfig
	observedAt time.Time
}

// ReserveConfigCache memoizes reserve configuration with a 60s-class TTL.
type ReserveConfigCache struct {
	logger       *zap.Logger
	caller       Caller
	dataProvider common.Address
	multicall    common.Address
	ttl          time.Duration

	mu      sync.RWMutex
	entries map[common.Address]reserveEntry

	reservesMu      sync.Mutex
	reserves        []contracts.ReserveToken
	reservesFetched time.Time
	reservesListTTL time.Duration

	now func() time.Time
}

// NewReserveConfigCache builds the reserve config cache.
func NewReserveConfigCache(caller Caller, dataProvider, multicall common.Address, ttl time.Duration, logger *zap.Logger) *ReserveConfigCache {
	return &ReserveConfigCache{
		logger:          logger.Named("reservecache"),
		caller:          caller,
		dataProvider:    dataProvider,
		multicall:       multicall,
		ttl:             ttl,
		entries:         make(map[common.Address]reserveEntry),
		reservesListTTL: 10 * time.Minute,
		now:             time.Now,
	}
}

// Get returns the reserve config for asset, reading through on a miss. The
// configuration and receipt-token reads share one aggregator call.
func (c *ReserveConfigCache) Get(ctx context.Context, asset common.Address) (ReserveConfig, error) {
	c.mu.RLock()
	entry, ok := c.entries[asset]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.observedAt) <= c.ttl {
		return entry.cfg, nil
	}

	calls := []contracts.Call3{
		{Target: c.dataProvider, CallData: contracts.PackGetReserveConfigurationData(asset)},
		{Target: c.dataProvider, CallData: contracts.PackGetReserveTokensAddresses(asset)},
	}
	data, err := contracts.PackAggregate3(calls)
	if err != nil {
		return ReserveConfig{}, err
	}
	out, err := c.caller.CallContract(ctx, c.multicall, data)
	if err != nil {
		if ok {
			return entry.cfg, nil
		}
		return ReserveConfig{}, fmt.Errorf("reserve config read: %w", err)
	}
	results, err := contracts.UnpackAggregate3(out, 2)
	if err != nil {
		return ReserveConfig{}, err
	}
	cfgData, err := contracts.UnpackReserveConfigurationData(results[0].ReturnData)
	if err != nil {
		return ReserveConfig{}, err
	}
	tokens, err := contracts.UnpackReserveTokensAddresses(results[1].ReturnData)
	if err != nil {
		return ReserveConfig{}, err
	}
	cfg := ReserveConfig{
		Decimals:         cfgData.Decimals,
		LiquidationBonus: cfgData.LiquidationBonus,
		AToken:           tokens.AToken,
		VarDebtToken:     tokens.VarDebtToken,
		Active:           cfgData.Active,
		Frozen:           cfgData.Frozen,
	}
	c.mu.Lock()
	c.entries[asset] = reserveEntry{cfg: cfg, observedAt: c.now()}
	c.mu.Unlock()
	return cfg, nil
}

// AllReserves enumerates the money market's reserve tokens, cached for ten
// minutes; the set changes only on governance action.
func (c *ReserveConfigCache) AllReserves(ctx context.Context) ([]contracts.ReserveToken, error) {
	c.reservesMu.Lock()
	defer c.reservesMu.Unlock()
	if c.reserves != nil && c.now().Sub(c.reservesFetched) <= c.reservesListTTL {
		return c.reserves, nil
	}
	out, err := c.caller.CallContract(ctx, c.dataProvider, contracts.PackGetAllReservesTokens())
	if err != nil {
		if c.reserves != nil {
			return c.reserves, nil
		}
		return nil, fmt.Errorf("reserves list read: %w", err)
	}
	tokens, err := contracts.UnpackGetAllReservesTokens(out)
	if err != nil {
		return nil, err
	}
	c.reserves = tokens
	c.reservesFetched = c.now()
	return tokens, nil
}

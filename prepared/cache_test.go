package prepared

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"liquidation-bot/strategy"
)

var (
	pool  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func prep(borrower common.Address, at time.Time) *strategy.Prepared {
	return &strategy.Prepared{
		Borrower:    borrower,
		Strategy:    strategy.StableKittyOverAaveFlash,
		DebtToCover: big.NewInt(1),
		CreatedAt:   at,
	}
}

func TestCacheTTL(t *testing.T) {
	c := New(30*time.Second, zap.NewNop())
	now := time.Unix(10_000, 0)
	c.now = func() time.Time { return now }

	c.Put(prep(alice, now))
	_, ok := c.Get(alice)
	assert.True(t, ok)

	now = now.Add(30*time.Second + time.Millisecond)
	_, ok = c.Get(alice)
	assert.False(t, ok, "entries past the TTL are stale")
	assert.Equal(t, 0, c.Len())
}

func TestTryMarkPreparing(t *testing.T) {
	c := New(30*time.Second, zap.NewNop())
	now := time.Unix(10_000, 0)
	c.now = func() time.Time { return now }

	assert.True(t, c.TryMarkPreparing(alice))
	assert.False(t, c.TryMarkPreparing(alice), "claim is exclusive")

	c.Put(prep(alice, now))
	assert.False(t, c.TryMarkPreparing(alice), "fresh entry blocks re-preparation")

	// Expiry frees the borrower for another pass.
	now = now.Add(time.Minute)
	assert.True(t, c.TryMarkPreparing(alice))
}

func TestInvalidate(t *testing.T) {
	c := New(30*time.Second, zap.NewNop())
	c.Put(prep(alice, time.Now()))
	c.Invalidate(alice)
	_, ok := c.Get(alice)
	assert.False(t, ok)
}

type stubBuilder struct {
	err        error
	batchCalls int
}

func (s *stubBuilder) BuildBatch(_ context.Context, _ common.Address, borrowers []common.Address) (map[common.Address]*strategy.LiquidationContext, map[common.Address]error) {
	s.batchCalls++
	contexts := make(map[common.Address]*strategy.LiquidationContext)
	errs := make(map[common.Address]error)
	for _, b := range borrowers {
		if s.err != nil {
			errs[b] = s.err
			continue
		}
		contexts[b] = &strategy.LiquidationContext{Borrower: b}
	}
	return contexts, errs
}

type stubPlanner struct {
	err   error
	calls int
}

func (s *stubPlanner) Plan(_ context.Context, lctx *strategy.LiquidationContext, _ *big.Int, _ decimal.Decimal, _ ...strategy.ID) (*strategy.Prepared, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return prep(lctx.Borrower, time.Now()), nil
}

type stubGas struct{}

func (stubGas) GasContext(context.Context) (*big.Int, decimal.Decimal, error) {
	return big.NewInt(1_000_000_000), decimal.NewFromInt(2500), nil
}

func TestPrepareBatchStoresAndSkips(t *testing.T) {
	cache := New(30*time.Second, zap.NewNop())
	planner := &stubPlanner{}
	p := NewPreparer(&stubBuilder{}, planner, stubGas{}, cache, zap.NewNop())

	failures := p.PrepareBatch(context.Background(), pool, []common.Address{alice})
	assert.Empty(t, failures)
	_, ok := cache.Get(alice)
	require.True(t, ok)

	// A fresh entry suppresses re-planning.
	p.PrepareBatch(context.Background(), pool, []common.Address{alice})
	assert.Equal(t, 1, planner.calls)
}

func TestPrepareBatchBuildsCohortInOnePass(t *testing.T) {
	cache := New(30*time.Second, zap.NewNop())
	builder := &stubBuilder{}
	planner := &stubPlanner{}
	p := NewPreparer(builder, planner, stubGas{}, cache, zap.NewNop())

	failures := p.PrepareBatch(context.Background(), pool, []common.Address{alice, bob})
	assert.Empty(t, failures)

	// The whole cohort goes through one shared context build.
	assert.Equal(t, 1, builder.batchCalls)
	assert.Equal(t, 2, planner.calls)
	_, ok := cache.Get(alice)
	assert.True(t, ok)
	_, ok = cache.Get(bob)
	assert.True(t, ok)
}

func TestPrepareBatchReportsFailures(t *testing.T) {
	cache := New(30*time.Second, zap.NewNop())
	wantErr := errors.New("no profitable size")
	p := NewPreparer(&stubBuilder{}, &stubPlanner{err: wantErr}, stubGas{}, cache, zap.NewNop())

	failures := p.PrepareBatch(context.Background(), pool, []common.Address{bob})
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[bob], wantErr)

	// The claim is released so the next pass can retry.
	assert.True(t, cache.TryMarkPreparing(bob))
}

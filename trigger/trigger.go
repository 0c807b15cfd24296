// Package trigger runs the per-block quick check over the warm set: refresh
// health factors, hand crossed borrowers to the executor, and queue
// near-the-line ones for preparation.
package trigger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidation-bot/contracts"
	"liquidation-bot/tracker"
)

// PrepareCeiling is the HF below which a warm borrower gets pre-planned
// (1.05 in wad).
var PrepareCeiling = big.NewInt(1_050_000_000_000_000_000)

const chunkLimit = 50

// Caller is the read surface the trigger needs.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Hit is a borrower the quick check found at or past the line.
type Hit struct {
	Borrower     common.Address
	Pool         common.Address
	HealthFactor *big.Int
	Block        uint64
}

// Callbacks connect the trigger to the executor and preparer. Both are
// invoked synchronously on the trigger goroutine; implementations enqueue
// and return.
type Callbacks struct {
	// OnLiquidatable fires for each borrower with HF <= 1, largest debt first.
	OnLiquidatable func(ctx context.Context, hit Hit)
	// OnPrepare fires once per block per pool with the borrowers that moved
	// under the preparation ceiling.
	OnPrepare func(ctx context.Context, pool common.Address, borrowers []common.Address)
}

// Trigger consumes new block numbers and runs the warm-set check for each,
// strictly one block at a time. Blocks that arrive while a check is running
// are collapsed to the newest.
type Trigger struct {
	logger    *zap.Logger
	caller    Caller
	tracker   *tracker.Tracker
	multicall common.Address
	callbacks Callbacks

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New wires a trigger.
func New(caller Caller, tr *tracker.Tracker, multicall common.Address, callbacks Callbacks, logger *zap.Logger) *Trigger {
	return &Trigger{
		logger:    logger.Named("trigger"),
		caller:    caller,
		tracker:   tr,
		multicall: multicall,
		callbacks: callbacks,
		stopCh:    make(chan struct{}),
	}
}

// Run consumes blocks until the context ends or Stop is called. Check
// failures are logged and the loop moves to the next block.
func (t *Trigger) Run(ctx context.Context, blocks <-chan uint64) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case blk, ok := <-blocks:
				if !ok {
					return
				}
				blk = drainToLatest(blocks, blk)
				if err := t.ProcessBlock(ctx, blk); err != nil {
					t.logger.Warn("block check failed", zap.Uint64("block", blk), zap.Error(err))
				}
			}
		}
	}()
}

// Stop terminates the loop and waits for the in-flight check.
func (t *Trigger) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

// drainToLatest collapses any backlog to the newest block number.
func drainToLatest(blocks <-chan uint64, current uint64) uint64 {
	for {
		select {
		case blk, ok := <-blocks:
			if !ok {
				return current
			}
			if blk > current {
				current = blk
			}
		default:
			return current
		}
	}
}

// ProcessBlock refreshes every warm position and dispatches the callbacks.
func (t *Trigger) ProcessBlock(ctx context.Context, block uint64) error {
	positions := t.tracker.Snapshot()
	if len(positions) == 0 {
		return nil
	}
	started := time.Now()

	// Group by pool; account reads go against the pool contract.
	byPool := make(map[common.Address][]tracker.Position)
	for _, p := range positions {
		byPool[p.Pool] = append(byPool[p.Pool], p)
	}

	for pool, ps := range byPool {
		if err := t.checkPool(ctx, block, pool, ps); err != nil {
			t.logger.Warn("pool check failed",
				zap.Uint64("block", block),
				zap.String("pool", pool.Hex()),
				zap.Error(err))
		}
	}

	t.logger.Debug("block check done",
		zap.Uint64("block", block),
		zap.Int("warm", len(positions)),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (t *Trigger) checkPool(ctx context.Context, block uint64, pool common.Address, positions []tracker.Position) error {
	calls := make([]contracts.Call3, len(positions))
	for i, p := range positions {
		calls[i] = contracts.Call3{
			Target:       pool,
			AllowFailure: true,
			CallData:     contracts.PackGetUserAccountData(p.Borrower),
		}
	}

	var toPrepare []common.Address
	offset := 0
	for _, chunk := range contracts.ChunkCalls(calls, chunkLimit) {
		packed, err := contracts.PackAggregate3(chunk)
		if err != nil {
			return err
		}
		out, err := t.caller.CallContract(ctx, t.multicall, packed)
		if err != nil {
			return err
		}
		results, err := contracts.UnpackAggregate3(out, len(chunk))
		if err != nil {
			return err
		}
		for i, res := range results {
			pos := positions[offset+i]
			if !res.Success {
				continue
			}
			account, err := contracts.UnpackUserAccountData(res.ReturnData)
			if err != nil {
				continue
			}
			t.dispatch(ctx, block, pool, pos, account, &toPrepare)
		}
		offset += len(chunk)
	}

	if len(toPrepare) > 0 && t.callbacks.OnPrepare != nil {
		t.callbacks.OnPrepare(ctx, pool, toPrepare)
	}
	return nil
}

func (t *Trigger) dispatch(ctx context.Context, block uint64, pool common.Address, pos tracker.Position, account *contracts.UserAccountData, toPrepare *[]common.Address) {
	hf := account.HealthFactor
	debtUSD := pos.DebtValueUSD
	if account.TotalDebtBase != nil {
		debtUSD = candidateDebtUSD(account.TotalDebtBase)
	}
	t.tracker.Observe(pos.Borrower, pool, hf, debtUSD)

	if hf.Cmp(tracker.HFUnit) <= 0 {
		if t.callbacks.OnLiquidatable != nil {
			t.callbacks.OnLiquidatable(ctx, Hit{
				Borrower:     pos.Borrower,
				Pool:         pool,
				HealthFactor: hf,
				Block:        block,
			})
		}
		return
	}
	if hf.Cmp(PrepareCeiling) < 0 {
		*toPrepare = append(*toPrepare, pos.Borrower)
	}
}

// candidateDebtUSD converts base-currency debt (8 decimals) to USD.
func candidateDebtUSD(totalDebtBase *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(totalDebtBase, -8)
}

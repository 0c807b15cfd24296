// Package scanner runs the periodic full sweep: every borrower from the
// indexer, health-checked in multicall batches, split into liquidatable and
// warm cohorts.
package scanner

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidation-bot/contracts"
	"liquidation-bot/tracker"
)

// chunkLimit bounds one health-check multicall.
const chunkLimit = 50

// Caller is the read surface the scanner needs.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// BorrowerSource lists the borrowers to sweep.
type BorrowerSource interface {
	Borrowers(ctx context.Context, pool common.Address) ([]common.Address, error)
}

// Candidate is a borrower at or past the liquidation line.
type Candidate struct {
	Borrower common.Address
	Pool     common.Address
	Account  *contracts.UserAccountData
}

// DebtUSD is the candidate's total debt in USD (base currency, 8 decimals).
func (c *Candidate) DebtUSD() decimal.Decimal {
	return decimal.NewFromBigInt(c.Account.TotalDebtBase, -8)
}

// Result is one sweep's outcome.
type Result struct {
	Pool         common.Address
	Total        int
	Liquidatable []Candidate
	Warm         int
	Elapsed      time.Duration
}

// Scanner sweeps a pool's borrowers and feeds the warm tracker.
type Scanner struct {
	logger    *zap.Logger
	caller    Caller
	source    BorrowerSource
	tracker   *tracker.Tracker
	multicall common.Address
}

// New wires a scanner.
func New(caller Caller, source BorrowerSource, tr *tracker.Tracker, multicall common.Address, logger *zap.Logger) *Scanner {
	return &Scanner{
		logger:    logger.Named("scanner"),
		caller:    caller,
		source:    source,
		tracker:   tr,
		multicall: multicall,
	}
}

// Scan sweeps the pool: health-checks every borrower, returns liquidatable
// candidates sorted by debt descending, and refreshes the warm tracker.
// Healthy positions are dropped on the floor.
func (s *Scanner) Scan(ctx context.Context, pool common.Address) (*Result, error) {
	started := time.Now()
	borrowers, err := s.source.Borrowers(ctx, pool)
	if err != nil {
		return nil, err
	}

	result := &Result{Pool: pool, Total: len(borrowers)}

	calls := make([]contracts.Call3, len(borrowers))
	for i, b := range borrowers {
		calls[i] = contracts.Call3{
			Target:       pool,
			AllowFailure: true,
			CallData:     contracts.PackGetUserAccountData(b),
		}
	}

	offset := 0
	for _, chunk := range contracts.ChunkCalls(calls, chunkLimit) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		packed, err := contracts.PackAggregate3(chunk)
		if err != nil {
			return nil, err
		}
		out, err := s.caller.CallContract(ctx, s.multicall, packed)
		if err != nil {
			return nil, err
		}
		results, err := contracts.UnpackAggregate3(out, len(chunk))
		if err != nil {
			return nil, err
		}
		for i, res := range results {
			borrower := borrowers[offset+i]
			if !res.Success {
				s.logger.Debug("account data read failed", zap.String("borrower", borrower.Hex()))
				continue
			}
			account, err := contracts.UnpackUserAccountData(res.ReturnData)
			if err != nil {
				continue
			}
			s.classify(pool, borrower, account, result)
		}
		offset += len(chunk)
	}

	sort.Slice(result.Liquidatable, func(i, j int) bool {
		return result.Liquidatable[i].Account.TotalDebtBase.Cmp(result.Liquidatable[j].Account.TotalDebtBase) > 0
	})

	result.Elapsed = time.Since(started)
	s.logger.Info("sweep complete",
		zap.String("pool", pool.Hex()),
		zap.Int("borrowers", result.Total),
		zap.Int("liquidatable", len(result.Liquidatable)),
		zap.Int("warm", result.Warm),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

func (s *Scanner) classify(pool, borrower common.Address, account *contracts.UserAccountData, result *Result) {
	if account.TotalDebtBase.Sign() == 0 {
		return
	}
	debtUSD := decimal.NewFromBigInt(account.TotalDebtBase, -8)
	hf := account.HealthFactor

	// A health factor of exactly 1.0 is already liquidatable.
	if hf.Cmp(tracker.HFUnit) <= 0 {
		result.Liquidatable = append(result.Liquidatable, Candidate{Borrower: borrower, Pool: pool, Account: account})
		s.tracker.Remove(borrower)
		return
	}
	if hf.Cmp(tracker.WarmCeiling) < 0 {
		s.tracker.Observe(borrower, pool, hf, debtUSD)
		result.Warm++
		return
	}
	// Healthy: make sure any stale warm entry goes away.
	s.tracker.Remove(borrower)
}

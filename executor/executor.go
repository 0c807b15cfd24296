// Package executor turns a crossed borrower into a submitted liquidation:
// freshness gate, prepared fast path, simulation with slippage escalation,
// tiered gas pricing, submission and result attribution.
package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidation-bot/blacklist"
	"liquidation-bot/config"
	"liquidation-bot/contracts"
	"liquidation-bot/prepared"
	"liquidation-bot/rpcgateway"
	"liquidation-bot/strategy"
	"liquidation-bot/tracker"
	"liquidation-bot/trigger"
)

// State is one step of the attempt lifecycle.
type State string

const (
	StateConsidered State = "considered"
	StateRecovered  State = "recovered"
	StateRejected   State = "rejected"
	StateSimulated  State = "simulated"
	StateSubmitted  State = "submitted"
	StateConfirmed  State = "confirmed"
	StateReverted   State = "reverted"
	StateLostRace   State = "lost-race"
)

// slippageEscalation widens the residual swap tolerance on SwapFailed
// simulation reverts.
var slippageEscalation = []int64{100, 150, 250} // percent of the tier, x100

// Attempt is the full record of one execution, handed to the result sink.
type Attempt struct {
	Borrower           common.Address
	Pool               common.Address
	Strategy           strategy.ID
	State              State
	Block              uint64
	TxHash             common.Hash
	DebtToCover        *big.Int
	ExpectedCollateral *big.Int
	ProfitUSD          decimal.Decimal
	GasPriceWei        *big.Int
	GasUsed            uint64
	Error              string
	StartedAt          time.Time
	FinishedAt         time.Time
}

// Chain is the transaction surface the executor needs from the gateway.
type Chain interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	CallContractFrom(ctx context.Context, from, to common.Address, data []byte) ([]byte, error)
	SubmitTx(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// ResultSink receives finished attempts (history store, notifier).
type ResultSink func(attempt *Attempt)

// Executor drives one liquidation at a time per borrower.
type Executor struct {
	logger    *zap.Logger
	cfg       *config.Config
	chain     Chain
	cache     *prepared.Cache
	builder   prepared.ContextBuilder
	planner   prepared.Planner
	gas       prepared.GasQuoter
	blacklist *blacklist.Blacklist
	tracker   *tracker.Tracker
	sink      ResultSink

	key  *ecdsa.PrivateKey
	from common.Address

	chainIDOnce sync.Once
	chainID     *big.Int

	mu       sync.Mutex
	inflight map[common.Address]struct{}
}

// New wires an executor. key signs every liquidation transaction.
func New(cfg *config.Config, chain Chain, cache *prepared.Cache, builder prepared.ContextBuilder, planner prepared.Planner, gas prepared.GasQuoter, bl *blacklist.Blacklist, tr *tracker.Tracker, key *ecdsa.PrivateKey, sink ResultSink, logger *zap.Logger) *Executor {
	return &Executor{
		logger:    logger.Named("executor"),
		cfg:       cfg,
		chain:     chain,
		cache:     cache,
		builder:   builder,
		planner:   planner,
		gas:       gas,
		blacklist: bl,
		tracker:   tr,
		sink:      sink,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		inflight:  make(map[common.Address]struct{}),
	}
}

// From is the operator address transactions are sent from.
func (e *Executor) From() common.Address { return e.from }

// Execute runs the full pipeline for one trigger hit. Every outcome lands in
// the result sink; errors are terminal for this attempt, never fatal.
func (e *Executor) Execute(ctx context.Context, hit trigger.Hit) {
	if e.blacklist.IsBlacklisted(hit.Borrower) {
		return
	}
	if !e.claim(hit.Borrower) {
		return
	}
	defer e.release(hit.Borrower)

	attempt := &Attempt{
		Borrower:  hit.Borrower,
		Pool:      hit.Pool,
		State:     StateConsidered,
		Block:     hit.Block,
		StartedAt: time.Now(),
	}
	defer func() {
		attempt.FinishedAt = time.Now()
		if e.sink != nil {
			e.sink(attempt)
		}
	}()

	// Freshness gate: the position must still be under water right now.
	account, err := e.readAccount(ctx, hit.Pool, hit.Borrower)
	if err != nil {
		attempt.fail(StateRejected, fmt.Errorf("freshness read: %w", err))
		return
	}
	if account.HealthFactor.Cmp(tracker.HFUnit) > 0 {
		attempt.State = StateRecovered
		e.logger.Info("borrower recovered before execution",
			zap.String("borrower", hit.Borrower.Hex()),
			zap.String("healthFactor", account.HealthFactor.String()))
		return
	}

	gasPrice, nativeUSD, gerr := e.gas.GasContext(ctx)
	if gerr != nil {
		gasPrice, nativeUSD = nil, decimal.Zero
	}

	var lctx *strategy.LiquidationContext
	prep, ok := e.cache.Get(hit.Borrower)
	if ok {
		e.logger.Debug("using prepared liquidation",
			zap.String("borrower", hit.Borrower.Hex()),
			zap.String("strategy", string(prep.Strategy)))
	} else {
		var err error
		lctx, err = e.builder.Build(ctx, hit.Pool, hit.Borrower)
		if err != nil {
			err = fmt.Errorf("build context: %w", err)
			attempt.fail(StateRejected, err)
			e.blacklist.RecordFailure(hit.Borrower, planFailureReason(err))
			return
		}
		prep, err = e.planner.Plan(ctx, lctx, gasPrice, nativeUSD)
		if err != nil {
			attempt.fail(StateRejected, err)
			e.blacklist.RecordFailure(hit.Borrower, planFailureReason(err))
			return
		}
	}

	// Simulation loop: a revert on the swap leg walks the slippage ladder
	// inside simulate; any other revert falls through to the next matching
	// strategy until the registry is exhausted.
	var calldata []byte
	var tried []strategy.ID
	for {
		attempt.Strategy = prep.Strategy
		attempt.DebtToCover = prep.DebtToCover
		attempt.ExpectedCollateral = prep.ExpectedCollateral
		attempt.ProfitUSD = prep.EstimatedProfitUSD

		var simErr error
		calldata, simErr = e.simulate(ctx, prep)
		if simErr == nil {
			break
		}
		e.cache.Invalidate(hit.Borrower)
		if simFailureReason(simErr) == blacklist.ReasonSwapFailed {
			attempt.fail(StateRejected, simErr)
			e.blacklist.RecordFailure(hit.Borrower, blacklist.ReasonSwapFailed)
			return
		}

		tried = append(tried, prep.Strategy)
		if lctx == nil {
			var err error
			lctx, err = e.builder.Build(ctx, hit.Pool, hit.Borrower)
			if err != nil {
				attempt.fail(StateRejected, simErr)
				e.blacklist.RecordFailure(hit.Borrower, blacklist.ReasonSimulationRevert)
				return
			}
		}
		next, perr := e.planner.Plan(ctx, lctx, gasPrice, nativeUSD, tried...)
		if perr != nil {
			attempt.fail(StateRejected, simErr)
			e.blacklist.RecordFailure(hit.Borrower, blacklist.ReasonSimulationRevert)
			e.logger.Warn("every matching strategy reverted in simulation",
				zap.String("borrower", hit.Borrower.Hex()),
				zap.Int("strategiesTried", len(tried)),
				zap.Error(simErr))
			return
		}
		e.logger.Info("strategy reverted in simulation, trying the next",
			zap.String("borrower", hit.Borrower.Hex()),
			zap.String("failed", string(prep.Strategy)),
			zap.String("next", string(next.Strategy)),
			zap.Error(simErr))
		prep = next
	}
	attempt.State = StateSimulated

	receipt, hash, gasPrice, err := e.submit(ctx, prep, calldata)
	attempt.TxHash = hash
	attempt.GasPriceWei = gasPrice
	if err != nil {
		attempt.fail(StateRejected, err)
		return
	}
	attempt.State = StateSubmitted
	e.cache.Invalidate(hit.Borrower)

	e.attribute(ctx, hit, receipt, attempt)
}

func (e *Executor) claim(borrower common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[borrower]; ok {
		return false
	}
	e.inflight[borrower] = struct{}{}
	return true
}

func (e *Executor) release(borrower common.Address) {
	e.mu.Lock()
	delete(e.inflight, borrower)
	e.mu.Unlock()
}

func (e *Executor) readAccount(ctx context.Context, pool, borrower common.Address) (*contracts.UserAccountData, error) {
	out, err := e.chain.CallContract(ctx, pool, contracts.PackGetUserAccountData(borrower))
	if err != nil {
		return nil, err
	}
	return contracts.UnpackUserAccountData(out)
}

// simulate static-calls the liquidation, walking the slippage escalation
// ladder when the swap leg is the problem. It returns the calldata that
// simulated clean.
func (e *Executor) simulate(ctx context.Context, prep *strategy.Prepared) ([]byte, error) {
	tolBps := e.cfg.SlippageToleranceBps(prep.TradeSizeUSD.InexactFloat64())

	var lastErr error
	for _, escalation := range slippageEscalation {
		e.applyResidualMinOut(prep, tolBps, escalation)
		calldata, err := prep.Calldata()
		if err != nil {
			return nil, err
		}
		if _, err := e.chain.CallContractFrom(ctx, e.from, prep.Contract, calldata); err != nil {
			reason := rpcgateway.RevertReason(err)
			if !isSwapRevert(reason) {
				return nil, fmt.Errorf("simulation revert: %s", reason)
			}
			e.logger.Debug("swap leg reverted, widening slippage",
				zap.String("borrower", prep.Borrower.Hex()),
				zap.Int64("escalationPct", escalation),
				zap.String("reason", reason))
			lastErr = fmt.Errorf("swap failed: %s", reason)
			continue
		}
		return calldata, nil
	}
	return nil, lastErr
}

// applyResidualMinOut floors the profit-forwarding swap at the tier
// tolerance scaled by the escalation step, denominated in the residual's out
// token. The primary swap's minimum is the flash repayment and never moves.
func (e *Executor) applyResidualMinOut(prep *strategy.Prepared, tolBps, escalationPct int64) {
	if len(prep.Residual.Path) == 0 || prep.EstimatedProfitOutTokens == nil || prep.EstimatedProfitOutTokens.Sign() <= 0 {
		return
	}
	effective := tolBps * escalationPct / 100
	if effective > 9_999 {
		effective = 9_999
	}
	minOut := new(big.Int).Mul(prep.EstimatedProfitOutTokens, big.NewInt(10_000-effective))
	minOut.Div(minOut, big.NewInt(10_000))
	prep.Residual.AmountOutMin = minOut
}

func (e *Executor) submit(ctx context.Context, prep *strategy.Prepared, calldata []byte) (*types.Receipt, common.Hash, *big.Int, error) {
	gasPrice, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, common.Hash{}, nil, fmt.Errorf("gas price: %w", err)
	}
	gasPrice = scaleGasPrice(gasPrice, e.cfg.GasMultiplier(prep.EstimatedProfitUSD.InexactFloat64()))

	nonce, err := e.chain.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, common.Hash{}, gasPrice, fmt.Errorf("nonce: %w", err)
	}
	chainID, err := e.getChainID(ctx)
	if err != nil {
		return nil, common.Hash{}, gasPrice, err
	}

	gasLimit := prep.GasUnits + prep.GasUnits/5
	tx := types.NewTransaction(nonce, prep.Contract, big.NewInt(0), gasLimit, gasPrice, calldata)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), e.key)
	if err != nil {
		return nil, common.Hash{}, gasPrice, fmt.Errorf("sign: %w", err)
	}

	hash, err := e.chain.SubmitTx(ctx, signed)
	if err != nil {
		return nil, hash, gasPrice, fmt.Errorf("submit: %w", err)
	}
	e.logger.Info("liquidation submitted",
		zap.String("borrower", prep.Borrower.Hex()),
		zap.String("strategy", string(prep.Strategy)),
		zap.String("tx", hash.Hex()),
		zap.String("gasPrice", gasPrice.String()))

	receipt, err := e.chain.WaitMined(ctx, hash)
	if err != nil {
		return nil, hash, gasPrice, fmt.Errorf("wait mined: %w", err)
	}
	return receipt, hash, gasPrice, nil
}

// attribute resolves the final state from the receipt. A reverted
// transaction against a now-healthy borrower means another liquidator won
// the race; that is not a borrower problem.
func (e *Executor) attribute(ctx context.Context, hit trigger.Hit, receipt *types.Receipt, attempt *Attempt) {
	attempt.GasUsed = receipt.GasUsed

	if receipt.Status == types.ReceiptStatusSuccessful {
		attempt.State = StateConfirmed
		e.blacklist.RecordSuccess(hit.Borrower)
		e.tracker.Remove(hit.Borrower)
		e.logger.Info("liquidation confirmed",
			zap.String("borrower", hit.Borrower.Hex()),
			zap.String("tx", attempt.TxHash.Hex()),
			zap.Uint64("gasUsed", receipt.GasUsed),
			zap.String("profitUsd", attempt.ProfitUSD.StringFixed(4)))
		return
	}

	account, err := e.readAccount(ctx, hit.Pool, hit.Borrower)
	if err == nil && account.HealthFactor.Cmp(tracker.HFUnit) > 0 {
		attempt.State = StateLostRace
		e.tracker.Remove(hit.Borrower)
		e.logger.Info("lost the race",
			zap.String("borrower", hit.Borrower.Hex()),
			zap.String("tx", attempt.TxHash.Hex()))
		return
	}

	attempt.State = StateReverted
	e.blacklist.RecordFailure(hit.Borrower, blacklist.ReasonExecutionRevert)
	e.logger.Warn("liquidation reverted",
		zap.String("borrower", hit.Borrower.Hex()),
		zap.String("tx", attempt.TxHash.Hex()))
}

func (e *Executor) getChainID(ctx context.Context) (*big.Int, error) {
	var err error
	e.chainIDOnce.Do(func() {
		e.chainID, err = e.chain.ChainID(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if e.chainID == nil {
		return nil, fmt.Errorf("chain id unavailable")
	}
	return e.chainID, nil
}

func (a *Attempt) fail(state State, err error) {
	a.State = state
	a.Error = err.Error()
}

func planFailureReason(err error) blacklist.Reason {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no strategy"):
		return blacklist.ReasonNoStrategy
	case strings.Contains(msg, "no profitable size"):
		return blacklist.ReasonNoProfitableSize
	default:
		return blacklist.ReasonNoProfitableSize
	}
}

func simFailureReason(err error) blacklist.Reason {
	if strings.Contains(err.Error(), "swap failed") {
		return blacklist.ReasonSwapFailed
	}
	return blacklist.ReasonSimulationRevert
}

// isSwapRevert matches the revert strings the swap legs produce.
func isSwapRevert(reason string) bool {
	lower := strings.ToLower(reason)
	for _, marker := range []string{
		"swapfailed",
		"insufficient_output_amount",
		"too little received",
		"slippage",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func scaleGasPrice(price *big.Int, multiplier float64) *big.Int {
	scaled, _ := new(big.Float).Mul(new(big.Float).SetInt(price), big.NewFloat(multiplier)).Int(nil)
	return scaled
}

// Package liquidator wires the pipeline together and runs it: the periodic
// sweep, the per-block trigger, the sequential executor and the hourly
// report.
package liquidator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidation-bot/backend"
	"liquidation-bot/blacklist"
	"liquidation-bot/config"
	"liquidation-bot/contracts"
	"liquidation-bot/executor"
	"liquidation-bot/liquidity"
	"liquidation-bot/notify"
	"liquidation-bot/prepared"
	"liquidation-bot/pricecache"
	"liquidation-bot/rpcgateway"
	"liquidation-bot/scanner"
	"liquidation-bot/sizer"
	"liquidation-bot/state"
	"liquidation-bot/store"
	"liquidation-bot/strategy"
	"liquidation-bot/tracker"
	"liquidation-bot/trigger"
)

// executePause separates consecutive executions so one borrower's
// transaction settles before the next candidate is attempted.
const executePause = 5 * time.Second

// scanAlertAfter is the consecutive sweep-failure count that pages.
const scanAlertAfter = 3

// Liquidator is the top-level service.
type Liquidator struct {
	logger *zap.Logger
	cfg    *config.Config

	gateway   *rpcgateway.Gateway
	blocks    *rpcgateway.BlockStream
	prices    *pricecache.PriceCache
	reserves  *pricecache.ReserveConfigCache
	tracker   *tracker.Tracker
	blacklist *blacklist.Blacklist
	cache     *prepared.Cache
	preparer  *prepared.Preparer
	scanner   *scanner.Scanner
	trigger   *trigger.Trigger
	executor  *executor.Executor
	notifier  *notify.Notifier
	history   *store.Store
	api       *backend.Server
	stateFile *state.File

	execQueue chan trigger.Hit

	mu            sync.Mutex
	running       bool
	lastScanAt    time.Time
	lastScanTotal int
	lastScanLiq   int
	scanErrStreak int
	lastReportAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the fully wired service. It dials RPC but starts nothing.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Liquidator, error) {
	gw, err := rpcgateway.Dial(ctx, cfg.ReadRPCURL, cfg.TxRPCURL, logger)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.LiquidatorKey, "0x"))
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("liquidator key: %w", err)
	}
	operator := crypto.PubkeyToAddress(key.PublicKey)

	l := &Liquidator{
		logger:    logger.Named("liquidator"),
		cfg:       cfg,
		gateway:   gw,
		tracker:   tracker.New(cfg.MinDebtUSD, logger),
		blacklist: blacklist.New(cfg.BlacklistTTL(), logger),
		cache:     prepared.New(cfg.PreparedTTL(), logger),
		notifier:  notify.New(cfg.AlertWebhookURL, cfg.InfoWebhookURL, logger),
		stateFile: state.NewFile(cfg.StateFilePath),
		execQueue: make(chan trigger.Hit, 256),
	}

	l.prices = pricecache.NewPriceCache(gw, cfg.OracleAddress, cfg.MulticallAddress, cfg.PriceTTL(), logger)
	l.reserves = pricecache.NewReserveConfigCache(gw, cfg.ReserveDataProviderAddress, cfg.MulticallAddress, cfg.ReserveCfgTTL(), logger)
	probe := liquidity.NewProbe(gw, cfg.MulticallAddress, logger)

	agg := strategy.NewAggregatorClient(cfg.AggregatorURL, cfg.AggregatorAPIKey, cfg.ChainID, logger)
	registry := strategy.NewRegistry(cfg, agg, logger)
	builder := strategy.NewContextBuilder(cfg, gw, l.prices, l.reserves, probe, operator, logger)
	planner := sizer.NewPlanner(registry, sizer.New(cfg, probe, logger), logger)

	l.preparer = prepared.NewPreparer(builder, planner, l, l.cache, logger)
	l.scanner = scanner.New(gw, scanner.NewIndexerClient(cfg.IndexerURL, logger), l.tracker, cfg.MulticallAddress, logger)
	l.executor = executor.New(cfg, gw, l.cache, builder, planner, l, l.blacklist, l.tracker, key, l.onAttempt, logger)
	l.blocks = rpcgateway.NewBlockStream(cfg.WsURL, gw, logger)
	l.trigger = trigger.New(gw, l.tracker, cfg.MulticallAddress, trigger.Callbacks{
		OnLiquidatable: l.enqueue,
		OnPrepare:      l.prepare,
	}, logger)

	if cfg.HistoryDSN != "" {
		l.history, err = store.Open(cfg.HistoryDSN, logger)
		if err != nil {
			l.logger.Warn("history store unavailable, continuing without it", zap.Error(err))
			l.history = nil
		}
	}
	l.api = backend.New(cfg.APIListenAddr, l.tracker, l.blacklist, l.cache, l.status, logger)

	gw.SetModeChangeCallback(func(failover bool) {
		if failover {
			l.notifier.Alertf(context.Background(), "rpc failover",
				"read traffic moved to the tx endpoint after repeated network errors")
		} else {
			l.notifier.Infof(context.Background(), "rpc recovered",
				"read traffic back on the primary endpoint")
		}
	})

	if st, err := l.stateFile.Load(); err == nil {
		l.lastReportAt = st.LastReportAt
	} else {
		l.logger.Warn("state file unreadable", zap.Error(err))
	}
	return l, nil
}

// Start launches every loop. Safe to call once.
func (l *Liquidator) Start(parent context.Context) {
	l.ctx, l.cancel = context.WithCancel(parent)
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	l.blocks.Start(l.ctx)
	l.trigger.Run(l.ctx, l.blocks.Blocks())
	l.api.Start()

	l.wg.Add(3)
	go l.scanLoop()
	go l.executeLoop()
	go l.reportLoop()

	l.logger.Info("liquidator started",
		zap.Int("pools", len(l.cfg.PoolsList)),
		zap.String("operator", l.executor.From().Hex()),
		zap.Duration("scanInterval", l.cfg.LoopInterval()))
}

// Stop shuts the pipeline down in dependency order and waits.
func (l *Liquidator) Stop() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	l.cancel()
	l.trigger.Stop()
	l.blocks.Stop()
	l.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.api.Stop(shutdownCtx); err != nil {
		l.logger.Warn("api shutdown", zap.Error(err))
	}
	l.gateway.Close()
	l.logger.Info("liquidator stopped")
}

// GasContext supplies the gas price and native token price for profit
// estimates. Implements prepared.GasQuoter.
func (l *Liquidator) GasContext(ctx context.Context) (*big.Int, decimal.Decimal, error) {
	gasPrice, err := l.gateway.SuggestGasPrice(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if l.cfg.WrappedNativeAddress == (common.Address{}) {
		return gasPrice, decimal.Zero, nil
	}
	price, err := l.prices.GetPrice(ctx, l.cfg.WrappedNativeAddress)
	if err != nil {
		return gasPrice, decimal.Zero, nil
	}
	return gasPrice, decimal.NewFromBigInt(price, -8), nil
}

// enqueue hands a crossed borrower to the sequential executor. A full queue
// drops the hit; the next block will re-surface it.
func (l *Liquidator) enqueue(_ context.Context, hit trigger.Hit) {
	select {
	case l.execQueue <- hit:
	default:
		l.logger.Warn("execution queue full, dropping hit",
			zap.String("borrower", hit.Borrower.Hex()))
	}
}

// prepare pre-plans near-the-line borrowers and feeds planning failures to
// the blacklist.
func (l *Liquidator) prepare(ctx context.Context, pool common.Address, borrowers []common.Address) {
	eligible := borrowers[:0]
	for _, b := range borrowers {
		if !l.blacklist.IsBlacklisted(b) {
			eligible = append(eligible, b)
		}
	}
	failures := l.preparer.PrepareBatch(ctx, pool, eligible)
	for borrower, err := range failures {
		l.blacklist.RecordFailure(borrower, planReason(err))
	}
}

func planReason(err error) blacklist.Reason {
	switch {
	case err == nil:
		return blacklist.ReasonNoProfitableSize
	case strings.Contains(err.Error(), "no strategy"):
		return blacklist.ReasonNoStrategy
	default:
		return blacklist.ReasonNoProfitableSize
	}
}

// scanLoop runs the full sweep per pool on the configured cadence and pushes
// found liquidatable borrowers straight onto the execution queue.
func (l *Liquidator) scanLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.LoopInterval())
	defer ticker.Stop()

	l.scanOnce()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.scanOnce()
		}
	}
}

func (l *Liquidator) scanOnce() {
	var failed bool
	total, liq := 0, 0
	for _, pool := range l.cfg.PoolsList {
		result, err := l.scanner.Scan(l.ctx, pool)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			failed = true
			l.logger.Warn("sweep failed", zap.String("pool", pool.Hex()), zap.Error(err))
			continue
		}
		total += result.Total
		liq += len(result.Liquidatable)
		for _, c := range result.Liquidatable {
			if l.blacklist.IsBlacklisted(c.Borrower) {
				continue
			}
			l.enqueue(l.ctx, trigger.Hit{
				Borrower:     c.Borrower,
				Pool:         c.Pool,
				HealthFactor: c.Account.HealthFactor,
			})
		}
	}

	l.mu.Lock()
	if failed {
		l.scanErrStreak++
	} else {
		l.scanErrStreak = 0
		l.lastScanAt = time.Now()
		l.lastScanTotal = total
		l.lastScanLiq = liq
	}
	streak := l.scanErrStreak
	l.mu.Unlock()

	if streak == scanAlertAfter {
		l.notifier.Alertf(l.ctx, "sweeps failing",
			"%d consecutive sweep failures, last pools: %d", streak, len(l.cfg.PoolsList))
	}
}

// executeLoop drains the queue one candidate at a time with a settle pause
// between attempts.
func (l *Liquidator) executeLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case hit := <-l.execQueue:
			l.executor.Execute(l.ctx, hit)
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(executePause):
			}
		}
	}
}

// onAttempt is the executor's result sink: history, notifications.
func (l *Liquidator) onAttempt(a *executor.Attempt) {
	l.history.RecordAttempt(a)
	switch a.State {
	case executor.StateConfirmed:
		l.notifier.Infof(context.Background(), "liquidation confirmed",
			"borrower %s strategy %s profit $%s tx %s",
			a.Borrower.Hex(), a.Strategy, a.ProfitUSD.StringFixed(2), a.TxHash.Hex())
	case executor.StateReverted:
		l.notifier.Alertf(context.Background(), "liquidation reverted",
			"borrower %s strategy %s tx %s", a.Borrower.Hex(), a.Strategy, a.TxHash.Hex())
	}
}

func (l *Liquidator) status() backend.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return backend.Status{
		Running:        l.running,
		FailoverActive: l.gateway.FailoverActive(),
		PollingBlocks:  l.blocks.Polling(),
		LastScanAt:     l.lastScanAt,
		LastScanTotal:  l.lastScanTotal,
		LastScanLiq:    l.lastScanLiq,
	}
}

// reportLoop emits the periodic operator report, resuming the cadence from
// the persisted timestamp across restarts.
func (l *Liquidator) reportLoop() {
	defer l.wg.Done()
	for {
		next := l.nextReportIn()
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(next):
			l.report()
		}
	}
}

func (l *Liquidator) nextReportIn() time.Duration {
	l.mu.Lock()
	last := l.lastReportAt
	l.mu.Unlock()
	interval := l.cfg.ReportInterval()
	if last.IsZero() {
		return interval
	}
	due := time.Until(last.Add(interval))
	if due < time.Minute {
		due = time.Minute
	}
	return due
}

func (l *Liquidator) report() {
	var b strings.Builder

	warm := l.tracker.Snapshot()
	fmt.Fprintf(&b, "warm positions: %d\n", len(warm))
	for i, p := range warm {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "  %s hf=%s debt=$%s drop=%s%%\n",
			p.Borrower.Hex(), p.HealthFactor.String(),
			p.DebtValueUSD.StringFixed(0), p.PriceDrop().StringFixed(1))
	}
	fmt.Fprintf(&b, "prepared: %d, blacklisted: %d\n", l.cache.Len(), len(l.blacklist.Snapshot()))

	if bal, err := l.gateway.BalanceAt(l.ctx, l.executor.From()); err == nil {
		fmt.Fprintf(&b, "operator balance: %s wei\n", bal.String())
	}
	for token, bal := range l.tokenBalances() {
		fmt.Fprintf(&b, "  %s: %s\n", token.Hex(), bal.String())
	}
	if summary, err := l.history.Summary(time.Now().Add(-l.cfg.ReportInterval())); err == nil && len(summary) > 0 {
		fmt.Fprintf(&b, "attempts:")
		for st, n := range summary {
			fmt.Fprintf(&b, " %s=%d", st, n)
		}
		b.WriteString("\n")
	}
	if l.blocks.Polling() {
		b.WriteString("block feed: polling fallback\n")
	}

	l.notifier.Infof(l.ctx, "liquidator report", "%s", b.String())

	now := time.Now()
	l.mu.Lock()
	l.lastReportAt = now
	l.mu.Unlock()
	if err := l.stateFile.Save(state.State{LastReportAt: now}); err != nil {
		l.logger.Warn("state save failed", zap.Error(err))
	}
}

// tokenBalances reads the operator's balance of every configured stable asset
// plus the wrapped native token in one multicall. Best effort; an empty map on
// any failure.
func (l *Liquidator) tokenBalances() map[common.Address]*big.Int {
	tokens := make([]common.Address, 0, len(l.cfg.StableAssets)+1)
	tokens = append(tokens, l.cfg.StableAssets...)
	if (l.cfg.WrappedNativeAddress != common.Address{}) {
		tokens = append(tokens, l.cfg.WrappedNativeAddress)
	}
	if len(tokens) == 0 {
		return nil
	}

	calls := make([]contracts.Call3, len(tokens))
	for i, token := range tokens {
		calls[i] = contracts.Call3{
			Target:       token,
			AllowFailure: true,
			CallData:     contracts.PackBalanceOf(l.executor.From()),
		}
	}
	data, err := contracts.PackAggregate3(calls)
	if err != nil {
		return nil
	}
	out, err := l.gateway.CallContract(l.ctx, l.cfg.MulticallAddress, data)
	if err != nil {
		l.logger.Warn("token balance read failed", zap.Error(err))
		return nil
	}
	results, err := contracts.UnpackAggregate3(out, len(calls))
	if err != nil {
		return nil
	}

	balances := make(map[common.Address]*big.Int, len(tokens))
	for i, res := range results {
		if !res.Success {
			continue
		}
		if bal, err := contracts.UnpackUint256(res.ReturnData); err == nil {
			balances[tokens[i]] = bal
		}
	}
	return balances
}

// Package rpcgateway wraps the chain RPC endpoints behind a retrying,
// failover-aware client. Reads go to the public endpoint until a burst of
// network errors flips them to the transaction endpoint; transaction
// submission always uses the transaction endpoint.
package rpcgateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const (
	maxAttempts      = 3
	baseRetryDelay   = time.Second
	failoverAfter    = 2 // consecutive network errors before reads fail over
	defaultCallBound = 15 * time.Second
)

// ErrNonRetryable wraps errors the retry policy must not retry.
var ErrNonRetryable = errors.New("rpcgateway: non-retryable")

// ModeChangeCallback is invoked when reads fail over or recover.
type ModeChangeCallback func(failover bool)

// Gateway is the dual-endpoint RPC client.
type Gateway struct {
	logger *zap.Logger

	readClient *rpc.Client
	txClient   *rpc.Client
	readEth    *ethclient.Client
	txEth      *ethclient.Client

	mu           sync.RWMutex
	failover     bool
	netErrStreak int
	modeCallback ModeChangeCallback

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// Dial connects both endpoints.
func Dial(ctx context.Context, readURL, txURL string, logger *zap.Logger) (*Gateway, error) {
	readClient, err := rpc.DialContext(ctx, readURL)
	if err != nil {
		return nil, fmt.Errorf("dial read endpoint: %w", err)
	}
	txClient, err := rpc.DialContext(ctx, txURL)
	if err != nil {
		readClient.Close()
		return nil, fmt.Errorf("dial tx endpoint: %w", err)
	}
	return &Gateway{
		logger:     logger.Named("rpc"),
		readClient: readClient,
		txClient:   txClient,
		readEth:    ethclient.NewClient(readClient),
		txEth:      ethclient.NewClient(txClient),
		sleep:      time.Sleep,
	}, nil
}

// Close tears down both connections.
func (g *Gateway) Close() {
	g.readClient.Close()
	g.txClient.Close()
}

// SetModeChangeCallback registers the failover notification hook.
func (g *Gateway) SetModeChangeCallback(cb ModeChangeCallback) {
	g.mu.Lock()
	g.modeCallback = cb
	g.mu.Unlock()
}

// FailoverActive reports whether reads currently use the tx endpoint.
func (g *Gateway) FailoverActive() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.failover
}

func (g *Gateway) readRPC() *rpc.Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.failover {
		return g.txClient
	}
	return g.readClient
}

func (g *Gateway) readEthClient() *ethclient.Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.failover {
		return g.txEth
	}
	return g.readEth
}

// retry runs fn under the standard policy: up to maxAttempts tries with
// exponential backoff (1s, 2s, 4s) on transient classes only. Network-class
// failures feed the failover counter; any success clears it and, if failover
// was active, flips reads back to the public endpoint.
func (g *Gateway) retry(ctx context.Context, op string, fn func() error) error {
	delay := baseRetryDelay
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			g.noteSuccess()
			return nil
		}
		kind := Classify(err)
		if kind == KindFatal {
			return fmt.Errorf("%w: %s: %v", ErrNonRetryable, op, err)
		}
		if kind == KindNetwork {
			g.noteNetworkError()
		}
		if attempt == maxAttempts {
			break
		}
		g.logger.Warn("rpc call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		g.sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxAttempts, err)
}

func (g *Gateway) noteSuccess() {
	g.mu.Lock()
	g.netErrStreak = 0
	wasFailover := g.failover
	g.failover = false
	cb := g.modeCallback
	g.mu.Unlock()
	if wasFailover {
		g.logger.Info("read endpoint restored to public node")
		if cb != nil {
			cb(false)
		}
	}
}

func (g *Gateway) noteNetworkError() {
	g.mu.Lock()
	g.netErrStreak++
	flip := !g.failover && g.netErrStreak >= failoverAfter
	if flip {
		g.failover = true
	}
	cb := g.modeCallback
	g.mu.Unlock()
	if flip {
		g.logger.Warn("read endpoint failed over to tx node")
		if cb != nil {
			cb(true)
		}
	}
}

// Call performs a raw JSON-RPC call against the active read endpoint.
func (g *Gateway) Call(ctx context.Context, result any, method string, args ...any) error {
	return g.retry(ctx, method, func() error {
		cctx, cancel := context.WithTimeout(ctx, defaultCallBound)
		defer cancel()
		return g.readRPC().CallContext(cctx, result, method, args...)
	})
}

// CallContract performs an eth_call with calldata against the read endpoint.
func (g *Gateway) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := g.retry(ctx, "eth_call", func() error {
		cctx, cancel := context.WithTimeout(ctx, defaultCallBound)
		defer cancel()
		res, cerr := g.readEthClient().CallContract(cctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if cerr != nil {
			return cerr
		}
		out = res
		return nil
	})
	return out, err
}

// CallContractFrom performs an eth_call with an explicit sender, used for
// strategy simulation where the executor contract checks the caller.
func (g *Gateway) CallContractFrom(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := g.retry(ctx, "eth_call", func() error {
		cctx, cancel := context.WithTimeout(ctx, defaultCallBound)
		defer cancel()
		res, cerr := g.readEthClient().CallContract(cctx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
		if cerr != nil {
			return cerr
		}
		out = res
		return nil
	})
	return out, err
}

// SubmitTx broadcasts a signed transaction via the tx endpoint. Submission is
// not retried past the standard policy; an already-known error counts as
// success.
func (g *Gateway) SubmitTx(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	err := g.retry(ctx, "eth_sendRawTransaction", func() error {
		cctx, cancel := context.WithTimeout(ctx, defaultCallBound)
		defer cancel()
		serr := g.txEth.SendTransaction(cctx, tx)
		if serr != nil && strings.Contains(serr.Error(), "already known") {
			return nil
		}
		return serr
	})
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// WaitMined polls for the receipt of hash until ctx expires.
func (g *Gateway) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := g.txEth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SuggestGasPrice reads the current gas price from the tx endpoint.
func (g *Gateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := g.retry(ctx, "eth_gasPrice", func() error {
		cctx, cancel := context.WithTimeout(ctx, defaultCallBound)
		defer cancel()
		p, perr := g.txEth.SuggestGasPrice(cctx)
		if perr != nil {
			return perr
		}
		price = p
		return nil
	})
	return price, err
}

// PendingNonceAt reads the account nonce from the tx endpoint.
func (g *Gateway) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := g.retry(ctx, "eth_getTransactionCount", func() error {
		cctx, cancel := context.WithTimeout(ctx, defaultCallBound)
		defer cancel()
		n, nerr := g.txEth.PendingNonceAt(cctx, account)
		if nerr != nil {
			return nerr
		}
		nonce = n
		return nil
	})
	return nonce, err
}

// ChainID reads the chain id from the read endpoint.
func (g *Gateway) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := g.retry(ctx, "eth_chainId", func() error {
		cctx, cancel := context.WithTimeout(ctx, defaultCallBound)
		defer cancel()
		c, cerr := g.readEthClient().ChainID(cctx)
		if cerr != nil {
			return cerr
		}
		id = c
		return nil
	})
	return id, err
}

// BlockNumber reads the head block number from the read endpoint.
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	var num uint64
	err := g.retry(ctx, "eth_blockNumber", func() error {
		cctx, cancel := context.WithTimeout(ctx, defaultCallBound)
		defer cancel()
		n, nerr := g.readEthClient().BlockNumber(cctx)
		if nerr != nil {
			return nerr
		}
		num = n
		return nil
	})
	return num, err
}

// BalanceAt reads the native balance of account.
func (g *Gateway) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var bal *big.Int
	err := g.retry(ctx, "eth_getBalance", func() error {
		cctx, cancel := context.WithTimeout(ctx, defaultCallBound)
		defer cancel()
		b, berr := g.readEthClient().BalanceAt(cctx, account, nil)
		if berr != nil {
			return berr
		}
		bal = b
		return nil
	})
	return bal, err
}

// ErrorKind buckets an RPC failure into its recovery class.
type ErrorKind int

const (
	KindTransient ErrorKind = iota // timeout, missing revert data, processing-response
	KindNetwork                    // connect refused, DNS, reset
	KindFatal                      // explicit revert, invalid argument
)

// Classify maps an error to its recovery class per the retry policy.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTransient
		}
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"):
		return KindNetwork
	case strings.Contains(msg, "missing trie node"),
		strings.Contains(msg, "missing revert data"),
		strings.Contains(msg, "processing response"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "too many requests"):
		return KindTransient
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "invalid argument"),
		strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "insufficient funds"):
		return KindFatal
	default:
		return KindTransient
	}
}

// RevertReason extracts the revert string from an eth_call error, if any.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok && len(data) > 0 {
			if reason, derr := abiDecodeRevert(common.FromHex(data)); derr == nil {
				return reason
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted:"); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("execution reverted:"):])
	}
	return msg
}

// abiDecodeRevert decodes the Error(string) selector payload.
func abiDecodeRevert(data []byte) (string, error) {
	if len(data) < 4+32+32 {
		return "", errors.New("short revert data")
	}
	// 0x08c379a0 = Error(string)
	if data[0] != 0x08 || data[1] != 0xc3 || data[2] != 0x79 || data[3] != 0xa0 {
		return "", errors.New("not Error(string)")
	}
	payload := data[4:]
	length := new(big.Int).SetBytes(payload[32:64]).Int64()
	if int64(len(payload)) < 64+length {
		return "", errors.New("truncated revert string")
	}
	return string(payload[64 : 64+length]), nil
}

package rpcgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsHeartbeat        = 20 * time.Second
	wsBackoffBase      = time.Second
	wsBackoffCap       = 30 * time.Second
	wsMaxReconnects    = 10
	pollInterval       = 3 * time.Second
)

// BlockStream delivers new block numbers over a websocket subscription,
// degrading to fixed-interval polling after repeated reconnect failures.
type BlockStream struct {
	logger  *zap.Logger
	url     string
	gateway *Gateway
	dialer  *websocket.Dialer

	blocks chan uint64

	mu                sync.Mutex
	conn              *websocket.Conn
	reconnectAttempts int
	polling           bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBlockStream builds a stream for wsURL. The gateway is the polling
// fallback source.
func NewBlockStream(wsURL string, gateway *Gateway, logger *zap.Logger) *BlockStream {
	return &BlockStream{
		logger:  logger.Named("blockstream"),
		url:     wsURL,
		gateway: gateway,
		dialer: &websocket.Dialer{
			HandshakeTimeout: wsHandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		blocks: make(chan uint64, 64),
	}
}

// Blocks is the delivery channel. Slow consumers drop blocks rather than
// stalling the reader.
func (s *BlockStream) Blocks() <-chan uint64 {
	return s.blocks
}

// Polling reports whether the stream has degraded to polling.
func (s *BlockStream) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

// Start launches the subscription loop.
func (s *BlockStream) Start(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	s.wg.Add(1)
	go s.run()
}

// Stop tears the stream down and waits for the reader to exit.
func (s *BlockStream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *BlockStream) run() {
	defer s.wg.Done()
	if s.url == "" {
		s.logger.Info("no ws url configured, using polling")
		s.setPolling(true)
		s.pollLoop()
		return
	}
	backoff := wsBackoffBase
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		err := s.subscribeOnce()
		if s.ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		s.reconnectAttempts++
		attempts := s.reconnectAttempts
		s.mu.Unlock()
		if attempts >= wsMaxReconnects {
			s.logger.Warn("websocket reconnect budget exhausted, degrading to polling",
				zap.Int("attempts", attempts), zap.Error(err))
			s.setPolling(true)
			s.pollLoop()
			return
		}
		s.logger.Warn("websocket dropped, reconnecting",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsBackoffCap {
			backoff = wsBackoffCap
		}
	}
}

// subscribeOnce dials, subscribes to newHeads, and pumps headers until the
// connection dies. A successful subscription resets the reconnect counter.
func (s *BlockStream) subscribeOnce() error {
	conn, _, err := s.dialer.DialContext(s.ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial ws: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	sub := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []any{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	// First frame is the subscription ack.
	var ack struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("subscribe ack: %w", err)
	}
	if ack.Error != nil {
		return fmt.Errorf("subscribe rejected: %s", ack.Error.Message)
	}
	s.mu.Lock()
	s.reconnectAttempts = 0
	s.mu.Unlock()
	s.logger.Info("subscribed to new block headers")

	done := make(chan struct{})
	defer close(done)
	go s.heartbeat(conn, done)

	for {
		var frame struct {
			Params struct {
				Result struct {
					Number string `json:"number"`
				} `json:"result"`
			} `json:"params"`
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Params.Result.Number == "" {
			continue
		}
		num, perr := strconv.ParseUint(strings.TrimPrefix(frame.Params.Result.Number, "0x"), 16, 64)
		if perr != nil {
			continue
		}
		s.deliver(num)
	}
}

func (s *BlockStream) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

func (s *BlockStream) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			num, err := s.gateway.BlockNumber(s.ctx)
			if err != nil {
				s.logger.Warn("poll block number failed", zap.Error(err))
				continue
			}
			if num > last {
				last = num
				s.deliver(num)
			}
		}
	}
}

func (s *BlockStream) deliver(num uint64) {
	select {
	case s.blocks <- num:
	default:
		s.logger.Debug("block channel full, dropping", zap.Uint64("block", num))
	}
}

func (s *BlockStream) setPolling(v bool) {
	s.mu.Lock()
	s.polling = v
	s.mu.Unlock()
}

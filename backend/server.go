// Package backend serves the operator HTTP API: liveness, pipeline status,
// the warm set and the blacklist.
package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"liquidation-bot/blacklist"
	"liquidation-bot/prepared"
	"liquidation-bot/tracker"
)

// Status is the coordinator-level view the API reports.
type Status struct {
	Running        bool      `json:"running"`
	FailoverActive bool      `json:"failoverActive"`
	PollingBlocks  bool      `json:"pollingBlocks"`
	LastScanAt     time.Time `json:"lastScanAt"`
	LastScanTotal  int       `json:"lastScanTotal"`
	LastScanLiq    int       `json:"lastScanLiquidatable"`
	WarmCount      int       `json:"warmCount"`
	PreparedCount  int       `json:"preparedCount"`
}

// StatusFunc supplies the live status snapshot.
type StatusFunc func() Status

// Server is the operator API.
type Server struct {
	logger    *zap.Logger
	srv       *http.Server
	tracker   *tracker.Tracker
	blacklist *blacklist.Blacklist
	prepared  *prepared.Cache
	status    StatusFunc
}

// New builds the server; Start actually binds the listener.
func New(addr string, tr *tracker.Tracker, bl *blacklist.Blacklist, cache *prepared.Cache, status StatusFunc, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		logger:    logger.Named("api"),
		tracker:   tr,
		blacklist: bl,
		prepared:  cache,
		status:    status,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", s.handleHealthz)
	api := engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/hot", s.handleHot)
		api.GET("/blacklist", s.handleBlacklist)
	}

	s.srv = &http.Server{Addr: addr, Handler: engine}
	return s
}

// Start serves until Stop or a listener error.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("api listening", zap.String("addr", s.srv.Addr))
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.status()
	st.WarmCount = s.tracker.Len()
	st.PreparedCount = s.prepared.Len()
	c.JSON(http.StatusOK, st)
}

type hotEntry struct {
	Borrower     string `json:"borrower"`
	Pool         string `json:"pool"`
	HealthFactor string `json:"healthFactor"`
	DebtUSD      string `json:"debtUsd"`
	PriceDropPct string `json:"priceDropPct"`
	LastSeenAt   string `json:"lastSeenAt"`
}

func (s *Server) handleHot(c *gin.Context) {
	positions := s.tracker.Snapshot()
	out := make([]hotEntry, 0, len(positions))
	for _, p := range positions {
		out = append(out, hotEntry{
			Borrower:     p.Borrower.Hex(),
			Pool:         p.Pool.Hex(),
			HealthFactor: p.HealthFactor.String(),
			DebtUSD:      p.DebtValueUSD.StringFixed(2),
			PriceDropPct: p.PriceDrop().StringFixed(2),
			LastSeenAt:   p.LastSeenAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "positions": out})
}

type blacklistEntry struct {
	Borrower      string `json:"borrower"`
	Failures      int    `json:"failures"`
	LastReason    string `json:"lastReason"`
	LastAttemptAt string `json:"lastAttemptAt"`
}

func (s *Server) handleBlacklist(c *gin.Context) {
	snap := s.blacklist.Snapshot()
	out := make([]blacklistEntry, 0, len(snap))
	for borrower, e := range snap {
		out = append(out, blacklistEntry{
			Borrower:      borrower.Hex(),
			Failures:      e.Failures,
			LastReason:    string(e.LastReason),
			LastAttemptAt: e.LastAttemptAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "entries": out})
}

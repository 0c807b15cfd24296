package strategy

import (
	"sort"

	"go.uber.org/zap"

	"liquidation-bot/config"
)

// Registry holds the closed strategy set sorted by priority.
type Registry struct {
	logger     *zap.Logger
	strategies []Strategy
}

// NewRegistry builds the full strategy set. The aggregator client may be
// unconfigured; its strategy then never matches.
func NewRegistry(cfg *config.Config, agg *AggregatorClient, logger *zap.Logger) *Registry {
	r := &Registry{
		logger: logger.Named("strategy"),
		strategies: []Strategy{
			&stableKittyOverAaveFlash{cfg: cfg},
			&stableKittyOverV3Flash{cfg: cfg},
			&v2FlashSwap{cfg: cfg},
			&v3Flash{cfg: cfg},
			&v2DirectOverAaveFlash{cfg: cfg},
			&v3DirectOverAaveFlash{cfg: cfg},
			&aggregatorOverAaveFlash{cfg: cfg, client: agg},
		},
	}
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.strategies[i].Priority() < r.strategies[j].Priority()
	})
	return r
}

// Candidates returns every strategy that can handle the context, best
// priority first. The executor escalates down this list when an attempt
// fails for strategy-specific reasons.
func (r *Registry) Candidates(lctx *LiquidationContext) []Strategy {
	var out []Strategy
	for _, s := range r.strategies {
		if s.CanHandle(lctx) {
			out = append(out, s)
		}
	}
	return out
}

// Select returns the highest-priority strategy that can handle the context.
func (r *Registry) Select(lctx *LiquidationContext) (Strategy, bool) {
	for _, s := range r.strategies {
		if s.CanHandle(lctx) {
			return s, true
		}
	}
	return nil, false
}

// All exposes the ordered set, used by status reporting.
func (r *Registry) All() []Strategy {
	out := make([]Strategy, len(r.strategies))
	copy(out, r.strategies)
	return out
}

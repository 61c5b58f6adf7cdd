// Package ratelimit enforces the minimum spacing between outgoing requests
// and decodes server-provided Retry-After hints.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/jira-harvester/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request pacing.
var (
	rateFloorWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_rate_floor_wait_seconds",
		Help:    "Time spent waiting for the inter-request floor",
		Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	rateFloorWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_rate_floor_waits_total",
		Help: "Total number of requests delayed by the inter-request floor",
	})
)

// Floor guarantees a minimum interval between the starts of consecutive
// requests issued through it. The floor is a hard lower bound, so retries
// cannot raise the aggregate request rate above 1/interval.
type Floor struct {
	interval time.Duration
	clock    clock.Clock
	logger   zerolog.Logger

	mu        sync.Mutex
	lastStart time.Time
}

// NewFloor creates a Floor. A nil clock uses real time.
func NewFloor(interval time.Duration, clk clock.Clock, logger zerolog.Logger) *Floor {
	if clk == nil {
		clk = clock.Real()
	}
	if interval < 0 {
		interval = 0
	}
	return &Floor{
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Interval returns the configured minimum spacing.
func (f *Floor) Interval() time.Duration {
	return f.interval
}

// Wait blocks until the interval has elapsed since the previous request
// started, then records now as the start of the next request.
func (f *Floor) Wait(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.lastStart.IsZero() {
		wait := f.lastStart.Add(f.interval).Sub(f.clock.Now())
		if wait > 0 {
			f.logger.Debug().Dur("wait", wait).Msg("Waiting for request floor")
			rateFloorWaitsTotal.Inc()
			rateFloorWaitSeconds.Observe(wait.Seconds())
			if err := f.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	f.lastStart = f.clock.Now()
	return nil
}

// LastStart returns the start time of the most recent request, or zero.
func (f *Floor) LastStart() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastStart
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/jira-harvester/pkg/client"
	"github.com/Sternrassler/jira-harvester/pkg/clock"
	"github.com/Sternrassler/jira-harvester/pkg/page"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Transport fetches one page with a single request.
type Transport interface {
	Fetch(ctx context.Context, resource string, cursor page.Cursor) (*page.Page, error)
}

// Retrier wraps a Transport in repeated attempts. All backoff sleeps of the
// pipeline happen here, on the injected clock.
type Retrier struct {
	transport Transport
	policy    Policy
	clock     clock.Clock
	logger    zerolog.Logger
}

// New creates a Retrier. A nil clock uses real time.
func New(transport Transport, policy Policy, clk clock.Clock) (*Retrier, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Retrier{
		transport: transport,
		policy:    policy,
		clock:     clk,
		logger:    log.With().Str("component", "retry").Logger(),
	}, nil
}

// Policy returns the backoff policy in use.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// FetchWithRetry fetches the page at cursor, retrying retryable failures
// per the policy. The page is an atomic unit: any unrecovered failure
// aborts it with a *FetchFailure.
func (r *Retrier) FetchWithRetry(ctx context.Context, resource string, cursor page.Cursor) (*page.Page, error) {
	for attempt := 1; ; attempt++ {
		p, err := r.transport.Fetch(ctx, resource, cursor)
		if err == nil {
			if attempt > 1 {
				r.logger.Info().
					Str("resource", resource).
					Str("cursor", cursor.String()).
					Int("attempt", attempt).
					Msg("Page fetched after retry")
			}
			return p, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctxErr)
		}

		// Unclassified errors are treated as fatal.
		errClass := client.ErrorClassClient
		var retryAfter time.Duration
		var fetchErr *client.FetchError
		if errors.As(err, &fetchErr) {
			errClass = fetchErr.ErrorClass
			retryAfter = fetchErr.RetryAfter
		}

		if !errClass.Retryable() {
			r.logger.Error().
				Err(err).
				Str("resource", resource).
				Str("cursor", cursor.String()).
				Str("error_class", string(errClass)).
				Msg("Fatal fetch error")
			return nil, &FetchFailure{
				Resource:   resource,
				Cursor:     cursor,
				Attempts:   attempt,
				ErrorClass: errClass,
				Kind:       ErrFetchFatal,
				Err:        err,
			}
		}

		delay, again := r.policy.NextDelay(attempt, errClass, retryAfter)
		if !again {
			retryExhaustedTotal.WithLabelValues(string(errClass)).Inc()
			r.logger.Error().
				Err(err).
				Str("resource", resource).
				Str("cursor", cursor.String()).
				Str("error_class", string(errClass)).
				Int("max_attempts", r.policy.MaxAttempts).
				Msg("Retry attempts exhausted")
			return nil, &FetchFailure{
				Resource:   resource,
				Cursor:     cursor,
				Attempts:   attempt,
				ErrorClass: errClass,
				Kind:       ErrFetchExhausted,
				Err:        err,
			}
		}

		retriesTotal.WithLabelValues(string(errClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(errClass)).Observe(delay.Seconds())

		r.logger.Warn().
			Err(err).
			Str("resource", resource).
			Str("cursor", cursor.String()).
			Str("error_class", string(errClass)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying page after backoff")

		if err := r.clock.Sleep(ctx, delay); err != nil {
			r.logger.Warn().
				Str("resource", resource).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}
}

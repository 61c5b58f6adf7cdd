package pagination

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
	"github.com/Sternrassler/jira-harvester/pkg/clock"
	"github.com/Sternrassler/jira-harvester/pkg/page"
	"github.com/Sternrassler/jira-harvester/pkg/sink"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies spans emitted by the driver.
const TracerName = "github.com/Sternrassler/jira-harvester/pkg/pagination"

// Prometheus metrics for pagination progress.
var (
	pagesCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_pages_committed_total",
		Help: "Total pages whose records were written and whose cursor was committed",
	}, []string{"resource"})

	recordsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_records_written_total",
		Help: "Total records written to the sink by resource",
	}, []string{"resource"})

	resourceStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvester_resource_state",
		Help: "Current state per resource (0=not_started, 1=in_progress, 2=complete, 3=failed)",
	}, []string{"resource"})
)

// Fetcher fetches one page, retrying transient failures internally.
// *retry.Retrier implements it.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, resource string, cursor page.Cursor) (*page.Page, error)
}

// Config holds driver configuration.
type Config struct {
	// InitialCursor is where a resource without a checkpoint starts.
	InitialCursor page.Cursor

	// MaxPages bounds the pages fetched per resource in one run.
	// Zero means unlimited.
	MaxPages int
}

// DefaultConfig starts every resource at offset zero with no page limit.
func DefaultConfig() Config {
	return Config{
		InitialCursor: page.Offset(0),
	}
}

// Option configures a Driver.
type Option func(*Driver)

// WithTracerProvider sets the provider used for run and page spans.
// Defaults to the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Driver) {
		d.tracer = tp.Tracer(TracerName)
	}
}

// WithClock sets the clock used for report timestamps.
func WithClock(clk clock.Clock) Option {
	return func(d *Driver) {
		d.clock = clk
	}
}

// Driver advances resources page by page, writing records before
// committing each next cursor.
type Driver struct {
	fetcher Fetcher
	store   checkpoint.Store
	sink    sink.Writer
	config  Config
	clock   clock.Clock
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewDriver creates a Driver.
func NewDriver(fetcher Fetcher, store checkpoint.Store, out sink.Writer, cfg Config, opts ...Option) (*Driver, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if out == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.InitialCursor == "" {
		return nil, fmt.Errorf("initial cursor is required")
	}
	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("max_pages must be >= 0 (got %d)", cfg.MaxPages)
	}

	d := &Driver{
		fetcher: fetcher,
		store:   store,
		sink:    out,
		config:  cfg,
		clock:   clock.Real(),
		tracer:  otel.Tracer(TracerName),
		logger:  log.With().Str("component", "pagination").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run processes resources sequentially in the given order.
//
// The returned Report is never nil. A non-nil error means the run was
// aborted: the checkpoint could not be loaded, the sink or the store
// failed, or ctx was cancelled. Resources that failed to fetch are
// reported in the Report without aborting the run.
func (d *Driver) Run(ctx context.Context, resources []string) (*Report, error) {
	report := &Report{
		RunID:     uuid.New(),
		StartedAt: d.clock.Now(),
	}
	logger := d.logger.With().Str("run_id", report.RunID.String()).Logger()

	ctx, span := d.tracer.Start(ctx, "harvester.run",
		trace.WithAttributes(
			attribute.String("run.id", report.RunID.String()),
			attribute.StringSlice("resources", resources),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	err := d.run(ctx, logger, resources, report)
	endSpan(span, err)
	report.Duration = d.clock.Now().Sub(report.StartedAt)

	if err != nil {
		logger.Error().Err(err).Msg("Run aborted")
		return report, err
	}

	logger.Info().
		Int("resources", len(report.Results)).
		Int("failed", len(report.Failed())).
		Int("records", report.Records()).
		Dur("duration", report.Duration).
		Msg("Run finished")
	return report, nil
}

func (d *Driver) run(ctx context.Context, logger zerolog.Logger, resources []string, report *Report) error {
	seen := make(map[string]struct{}, len(resources))
	for _, r := range resources {
		if r == "" {
			return fmt.Errorf("empty resource identifier")
		}
		if _, dup := seen[r]; dup {
			return fmt.Errorf("duplicate resource %q", r)
		}
		seen[r] = struct{}{}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	state, err := d.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	for _, resource := range resources {
		res, err := d.runResource(ctx, logger.With().Str("resource", resource).Logger(), resource, state)
		report.Results = append(report.Results, res)
		resourceStateGauge.WithLabelValues(resource).Set(float64(res.State))
		if err != nil {
			return err
		}
	}
	return nil
}

// runResource drains one resource. A returned error aborts the run; fetch
// failures only mark the resource Failed.
func (d *Driver) runResource(ctx context.Context, logger zerolog.Logger, resource string, state checkpoint.State) (Result, error) {
	res := Result{Resource: resource, State: StateNotStarted}

	pos, found := state.Lookup(resource)
	if found && pos.Complete {
		res.State = StateComplete
		res.Skipped = true
		logger.Info().Msg("Resource already complete, skipping")
		return res, nil
	}

	cursor := d.config.InitialCursor
	if found {
		cursor = pos.Cursor
	}
	res.Start = cursor
	res.Cursor = cursor
	res.State = StateInProgress
	resourceStateGauge.WithLabelValues(resource).Set(float64(res.State))

	logger.Info().
		Str("cursor", cursor.String()).
		Bool("resumed", found).
		Msg("Resource started")

	for {
		if d.config.MaxPages > 0 && res.Pages >= d.config.MaxPages {
			logger.Info().
				Int("pages", res.Pages).
				Str("cursor", cursor.String()).
				Msg("Page limit reached, resource stays in progress")
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		p, err := d.step(ctx, resource, cursor)
		if err != nil {
			var fetchErr *pageFetchError
			if !errors.As(err, &fetchErr) {
				return res, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.State = StateFailed
			res.Err = fetchErr.err
			logger.Error().
				Err(fetchErr.err).
				Str("cursor", cursor.String()).
				Int("pages", res.Pages).
				Msg("Resource failed, committed progress kept")
			return res, nil
		}

		res.Pages++
		res.Records += len(p.Records)

		if p.Done {
			res.State = StateComplete
			res.Cursor = ""
			logger.Info().
				Int("pages", res.Pages).
				Int("records", res.Records).
				Msg("Resource complete")
			return res, nil
		}

		cursor = p.Next
		res.Cursor = cursor
		logger.Info().
			Str("cursor", cursor.String()).
			Int("records", len(p.Records)).
			Int("total", p.Total).
			Msg("Page committed")
	}
}

// pageFetchError marks failures that fail only the current resource.
type pageFetchError struct {
	err error
}

func (e *pageFetchError) Error() string { return e.err.Error() }
func (e *pageFetchError) Unwrap() error { return e.err }

// step fetches, writes and commits the page at cursor.
func (d *Driver) step(ctx context.Context, resource string, cursor page.Cursor) (p *page.Page, err error) {
	ctx, span := d.tracer.Start(ctx, "harvester.page",
		trace.WithAttributes(
			attribute.String("resource", resource),
			attribute.String("cursor", cursor.String()),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer func() { endSpan(span, err) }()

	p, err = d.fetcher.FetchWithRetry(ctx, resource, cursor)
	if err != nil {
		return nil, &pageFetchError{err: err}
	}
	if p == nil {
		return nil, &pageFetchError{err: fmt.Errorf("%s at cursor %q: empty response", resource, cursor)}
	}
	if !p.Done && !page.Advances(cursor, p.Next) {
		return nil, &pageFetchError{err: fmt.Errorf("%w: %s from %q to %q", ErrCursorStalled, resource, cursor, p.Next)}
	}

	span.SetAttributes(
		attribute.Int("records", len(p.Records)),
		attribute.Bool("done", p.Done),
	)

	if err := d.sink.Write(ctx, p.Records); err != nil {
		return nil, fmt.Errorf("%w: %s at cursor %q: %w", ErrSinkWrite, resource, cursor, err)
	}
	recordsWrittenTotal.WithLabelValues(resource).Add(float64(len(p.Records)))

	pos := checkpoint.Completed()
	if !p.Done {
		pos = checkpoint.At(p.Next)
		span.SetAttributes(attribute.String("next", p.Next.String()))
	}
	if err := d.store.Commit(ctx, resource, pos); err != nil {
		return nil, fmt.Errorf("%w: %s to %s: %w", ErrCommit, resource, pos, err)
	}
	pagesCommittedTotal.WithLabelValues(resource).Inc()

	return p, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

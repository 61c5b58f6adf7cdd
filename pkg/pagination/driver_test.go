package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
	"github.com/Sternrassler/jira-harvester/pkg/clock"
	"github.com/Sternrassler/jira-harvester/pkg/page"
	"github.com/Sternrassler/jira-harvester/pkg/retry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// fakeFetcher serves offset pages of a fixed size from per-resource totals.
type fakeFetcher struct {
	mu       sync.Mutex
	totals   map[string]int
	pageSize int
	failAt   map[string]error // keyed by "resource@cursor"
	calls    []string
	onFetch  func(resource string, cursor page.Cursor)
	override func(resource string, cursor page.Cursor) (*page.Page, bool)
}

func newFakeFetcher(pageSize int, totals map[string]int) *fakeFetcher {
	return &fakeFetcher{totals: totals, pageSize: pageSize, failAt: make(map[string]error)}
}

func (f *fakeFetcher) FetchWithRetry(ctx context.Context, resource string, cursor page.Cursor) (*page.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, resource+"@"+cursor.String())
	err := f.failAt[resource+"@"+cursor.String()]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(resource, cursor)
	}
	if err != nil {
		return nil, err
	}
	if f.override != nil {
		if p, ok := f.override(resource, cursor); ok {
			return p, nil
		}
	}

	start, convErr := cursor.Offset()
	if convErr != nil {
		return nil, convErr
	}
	total := f.totals[resource]
	p := &page.Page{Resource: resource, Cursor: cursor, Total: total}
	for i := start; i < start+f.pageSize && i < total; i++ {
		rec, _ := page.NewRecord(fmt.Sprintf("%s-%d", resource, i+1), []byte(fmt.Sprintf(`{"key":"%s-%d"}`, resource, i+1)))
		p.Records = append(p.Records, rec)
	}
	next := start + len(p.Records)
	if len(p.Records) == 0 || next >= total {
		p.Done = true
	} else {
		p.Next = page.Offset(next)
	}
	return p, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// memorySink records written ids and can be told to fail.
type memorySink struct {
	mu   sync.Mutex
	ids  []string
	fail error
}

func (s *memorySink) Write(ctx context.Context, records []page.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for _, r := range records {
		s.ids = append(s.ids, r.ID)
	}
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func newTestDriver(t *testing.T, fetcher Fetcher, store checkpoint.Store, out *memorySink, cfg Config, opts ...Option) *Driver {
	t.Helper()
	opts = append([]Option{WithClock(clock.NewFake(time.Unix(0, 0)))}, opts...)
	d, err := NewDriver(fetcher, store, out, cfg, opts...)
	require.NoError(t, err)
	return d
}

func TestNewDriver_Validation(t *testing.T) {
	fetcher := newFakeFetcher(2, nil)
	store := checkpoint.NewMemoryStore(nil)
	out := &memorySink{}

	_, err := NewDriver(nil, store, out, DefaultConfig())
	assert.Error(t, err)
	_, err = NewDriver(fetcher, nil, out, DefaultConfig())
	assert.Error(t, err)
	_, err = NewDriver(fetcher, store, nil, DefaultConfig())
	assert.Error(t, err)
	_, err = NewDriver(fetcher, store, out, Config{})
	assert.Error(t, err)
	_, err = NewDriver(fetcher, store, out, Config{InitialCursor: page.Offset(0), MaxPages: -1})
	assert.Error(t, err)
}

func TestRun_DrainsResourcesInOrder(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 5, "KAFKA": 3})
	store := checkpoint.NewMemoryStore(nil)
	out := &memorySink{}

	report, err := newTestDriver(t, fetcher, store, out, DefaultConfig()).Run(context.Background(), []string{"SPARK", "KAFKA"})
	require.NoError(t, err)

	assert.Equal(t, []string{"SPARK@0", "SPARK@2", "SPARK@4", "KAFKA@0", "KAFKA@2"}, fetcher.Calls())
	assert.Equal(t, []string{"SPARK-1", "SPARK-2", "SPARK-3", "SPARK-4", "SPARK-5", "KAFKA-1", "KAFKA-2", "KAFKA-3"}, out.IDs())

	// Every commit follows the cursor chain and ends with the completion marker.
	var spark []string
	for _, c := range store.Commits() {
		if c.Resource == "SPARK" {
			spark = append(spark, c.Position.String())
		}
	}
	assert.Equal(t, []string{"2", "4", "COMPLETED"}, spark)

	require.Len(t, report.Results, 2)
	res, ok := report.Result("SPARK")
	require.True(t, ok)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 5, res.Records)
	assert.Equal(t, page.Offset(0), res.Start)
	assert.Equal(t, 8, report.Records())
	assert.Empty(t, report.Failed())
	assert.NotEqual(t, uuid.Nil, report.RunID)
}

func TestRun_SkipsCompletedResources(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 5, "KAFKA": 1})
	store := checkpoint.NewMemoryStore(checkpoint.State{"SPARK": checkpoint.Completed()})
	out := &memorySink{}

	report, err := newTestDriver(t, fetcher, store, out, DefaultConfig()).Run(context.Background(), []string{"SPARK", "KAFKA"})
	require.NoError(t, err)

	assert.Equal(t, []string{"KAFKA@0"}, fetcher.Calls(), "a completed resource must not issue requests")
	res, _ := report.Result("SPARK")
	assert.True(t, res.Skipped)
	assert.Equal(t, StateComplete, res.State)
}

func TestRun_ResumesExactlyAtCheckpoint(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 5})
	store := checkpoint.NewMemoryStore(checkpoint.State{"SPARK": checkpoint.At(page.Offset(2))})
	out := &memorySink{}

	report, err := newTestDriver(t, fetcher, store, out, DefaultConfig()).Run(context.Background(), []string{"SPARK"})
	require.NoError(t, err)

	assert.Equal(t, []string{"SPARK@2", "SPARK@4"}, fetcher.Calls())
	assert.Equal(t, []string{"SPARK-3", "SPARK-4", "SPARK-5"}, out.IDs())
	res, _ := report.Result("SPARK")
	assert.Equal(t, page.Offset(2), res.Start)
}

func TestRun_FailedResourceDoesNotStopOthers(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 5, "KAFKA": 2, "HADOOP": 3})
	exhausted := &retry.FetchFailure{Resource: "SPARK", Cursor: page.Offset(2), Attempts: 5, Kind: retry.ErrFetchExhausted}
	fetcher.failAt["SPARK@2"] = exhausted
	fatal := &retry.FetchFailure{Resource: "KAFKA", Cursor: page.Offset(0), Attempts: 1, Kind: retry.ErrFetchFatal}
	fetcher.failAt["KAFKA@0"] = fatal

	store := checkpoint.NewMemoryStore(nil)
	out := &memorySink{}

	report, err := newTestDriver(t, fetcher, store, out, DefaultConfig()).Run(context.Background(), []string{"SPARK", "KAFKA", "HADOOP"})
	require.NoError(t, err, "fetch failures must not abort the run")

	spark, _ := report.Result("SPARK")
	assert.Equal(t, StateFailed, spark.State)
	assert.ErrorIs(t, spark.Err, retry.ErrFetchExhausted)
	assert.Equal(t, page.Offset(2), spark.Cursor)

	kafka, _ := report.Result("KAFKA")
	assert.Equal(t, StateFailed, kafka.State)
	assert.ErrorIs(t, kafka.Err, retry.ErrFetchFatal)

	hadoop, _ := report.Result("HADOOP")
	assert.Equal(t, StateComplete, hadoop.State)
	assert.Len(t, report.Failed(), 2)

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.At(page.Offset(2)), state["SPARK"], "committed progress is untouched")
	_, kafkaCommitted := state["KAFKA"]
	assert.False(t, kafkaCommitted)
	assert.True(t, state["HADOOP"].Complete)
}

func TestRun_CorruptCheckpointAborts(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 5})
	out := &memorySink{}

	report, err := newTestDriver(t, fetcher, corruptStore{}, out, DefaultConfig()).Run(context.Background(), []string{"SPARK"})
	require.ErrorIs(t, err, checkpoint.ErrCorrupt)
	assert.Empty(t, fetcher.Calls(), "no request may be issued on a corrupt checkpoint")
	assert.Empty(t, report.Results)
}

type corruptStore struct{}

func (corruptStore) Load(context.Context) (checkpoint.State, error) {
	return nil, fmt.Errorf("%w: test", checkpoint.ErrCorrupt)
}
func (corruptStore) Commit(context.Context, string, checkpoint.Position) error { return nil }
func (corruptStore) Close() error { return nil }

func TestRun_SinkFailureAbortsWithoutCommit(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 5, "KAFKA": 1})
	store := checkpoint.NewMemoryStore(nil)
	diskFull := errors.New("no space left on device")
	out := &memorySink{fail: diskFull}

	report, err := newTestDriver(t, fetcher, store, out, DefaultConfig()).Run(context.Background(), []string{"SPARK", "KAFKA"})
	require.ErrorIs(t, err, ErrSinkWrite)
	assert.ErrorIs(t, err, diskFull)
	assert.Empty(t, store.Commits(), "checkpoint must never move ahead of the sink")
	assert.Equal(t, []string{"SPARK@0"}, fetcher.Calls())
	require.Len(t, report.Results, 1)
	assert.Equal(t, StateInProgress, report.Results[0].State)
}

func TestRun_CommitFailureAborts(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 5, "KAFKA": 1})
	store := checkpoint.NewMemoryStore(nil)
	boom := errors.New("read-only file system")
	store.FailWith(func(resource string, pos checkpoint.Position) error {
		if pos.Cursor == page.Offset(4) {
			return boom
		}
		return nil
	})
	out := &memorySink{}

	_, err := newTestDriver(t, fetcher, store, out, DefaultConfig()).Run(context.Background(), []string{"SPARK", "KAFKA"})
	require.ErrorIs(t, err, ErrCommit)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"SPARK@0", "SPARK@2"}, fetcher.Calls())
	assert.Equal(t, []string{"SPARK-1", "SPARK-2", "SPARK-3", "SPARK-4"}, out.IDs())
}

func TestRun_StalledCursorFailsResource(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 5, "KAFKA": 1})
	fetcher.override = func(resource string, cursor page.Cursor) (*page.Page, bool) {
		if resource == "SPARK" && cursor == page.Offset(2) {
			rec, _ := page.NewRecord("SPARK-3", []byte(`{"key":"SPARK-3"}`))
			return &page.Page{Resource: resource, Cursor: cursor, Records: []page.Record{rec}, Next: page.Offset(2)}, true
		}
		return nil, false
	}
	store := checkpoint.NewMemoryStore(nil)
	out := &memorySink{}

	report, err := newTestDriver(t, fetcher, store, out, DefaultConfig()).Run(context.Background(), []string{"SPARK", "KAFKA"})
	require.NoError(t, err)

	spark, _ := report.Result("SPARK")
	assert.Equal(t, StateFailed, spark.State)
	assert.ErrorIs(t, spark.Err, ErrCursorStalled)
	assert.Equal(t, []string{"SPARK-1", "SPARK-2", "KAFKA-1"}, out.IDs(), "records of a stalled page are not written")

	kafka, _ := report.Result("KAFKA")
	assert.Equal(t, StateComplete, kafka.State)
}

func TestRun_MaxPages(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 9, "KAFKA": 2})
	store := checkpoint.NewMemoryStore(nil)
	out := &memorySink{}

	cfg := DefaultConfig()
	cfg.MaxPages = 2
	report, err := newTestDriver(t, fetcher, store, out, cfg).Run(context.Background(), []string{"SPARK", "KAFKA"})
	require.NoError(t, err)

	spark, _ := report.Result("SPARK")
	assert.Equal(t, StateInProgress, spark.State)
	assert.Equal(t, page.Offset(4), spark.Cursor)
	assert.Equal(t, 2, spark.Pages)

	kafka, _ := report.Result("KAFKA")
	assert.Equal(t, StateComplete, kafka.State)

	// The next run picks up where the limit stopped.
	report, err = newTestDriver(t, fetcher, store, out, cfg).Run(context.Background(), []string{"SPARK", "KAFKA"})
	require.NoError(t, err)
	spark, _ = report.Result("SPARK")
	assert.Equal(t, page.Offset(4), spark.Start)
	assert.Equal(t, page.Offset(8), spark.Cursor)
}

func TestRun_ContextCancelledAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 9, "KAFKA": 2})
	fetcher.onFetch = func(resource string, cursor page.Cursor) {
		if cursor == page.Offset(2) {
			cancel()
		}
	}
	fetcher.failAt["SPARK@2"] = fmt.Errorf("%w: %w", retry.ErrContextCancelled, context.Canceled)

	store := checkpoint.NewMemoryStore(nil)
	out := &memorySink{}

	report, err := newTestDriver(t, fetcher, store, out, DefaultConfig()).Run(ctx, []string{"SPARK", "KAFKA"})
	require.ErrorIs(t, err, context.Canceled)

	spark, _ := report.Result("SPARK")
	assert.Equal(t, StateInProgress, spark.State, "cancellation is not a resource failure")
	_, ok := report.Result("KAFKA")
	assert.False(t, ok)
	assert.Len(t, store.Commits(), 1)
}

func TestRun_RejectsDuplicateResources(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 1})
	d := newTestDriver(t, fetcher, checkpoint.NewMemoryStore(nil), &memorySink{}, DefaultConfig())

	_, err := d.Run(context.Background(), []string{"SPARK", "SPARK"})
	assert.Error(t, err)
	_, err = d.Run(context.Background(), []string{""})
	assert.Error(t, err)
	assert.Empty(t, fetcher.Calls())
}

func TestRun_EmptyResource(t *testing.T) {
	fetcher := newFakeFetcher(2, map[string]int{"EMPTY": 0})
	store := checkpoint.NewMemoryStore(nil)

	report, err := newTestDriver(t, fetcher, store, &memorySink{}, DefaultConfig()).Run(context.Background(), []string{"EMPTY"})
	require.NoError(t, err)

	res, _ := report.Result("EMPTY")
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 0, res.Records)
}

func TestRun_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	fetcher := newFakeFetcher(2, map[string]int{"SPARK": 3, "KAFKA": 1})
	fetcher.failAt["KAFKA@0"] = &retry.FetchFailure{Resource: "KAFKA", Kind: retry.ErrFetchFatal}

	d := newTestDriver(t, fetcher, checkpoint.NewMemoryStore(nil), &memorySink{}, DefaultConfig(), WithTracerProvider(tp))
	report, err := d.Run(context.Background(), []string{"SPARK", "KAFKA"})
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 4, "two SPARK pages, one KAFKA page, one run")

	var pages []tracetest.SpanStub
	var run tracetest.SpanStub
	for _, s := range spans {
		switch s.Name {
		case "harvester.page":
			pages = append(pages, s)
		case "harvester.run":
			run = s
		}
	}
	require.Len(t, pages, 3)

	attrs := func(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
		out := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes {
			out[kv.Key] = kv.Value
		}
		return out
	}

	first := attrs(pages[0])
	assert.Equal(t, "SPARK", first["resource"].AsString())
	assert.Equal(t, "0", first["cursor"].AsString())
	assert.Equal(t, int64(2), first["records"].AsInt64())
	assert.Equal(t, "2", first["next"].AsString())
	assert.Equal(t, codes.Ok, pages[0].Status.Code)

	assert.True(t, attrs(pages[1])["done"].AsBool())

	assert.Equal(t, codes.Error, pages[2].Status.Code)
	assert.NotEmpty(t, pages[2].Events, "fetch error is recorded on the page span")

	assert.Equal(t, report.RunID.String(), attrs(run)["run.id"].AsString())
	for _, p := range pages {
		assert.Equal(t, run.SpanContext.SpanID(), p.Parent.SpanID(), "page spans are children of the run span")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "not_started", StateNotStarted.String())
	assert.Equal(t, "in_progress", StateInProgress.String())
	assert.Equal(t, "complete", StateComplete.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}

// Package sink appends fetched records to a durable line-oriented artifact.
package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Sternrassler/jira-harvester/pkg/page"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("sink closed")

// Prometheus metrics for the sink.
var (
	sinkRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_sink_records_total",
		Help: "Total number of records appended to the output artifact",
	})

	sinkBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_sink_bytes_total",
		Help: "Total number of bytes appended to the output artifact",
	})

	sinkSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_sink_skipped_total",
		Help: "Total number of records skipped by tail deduplication",
	})
)

// Writer appends batches of records.
// A Write that returns nil has made every record durable.
type Writer interface {
	Write(ctx context.Context, records []page.Record) error
	Close() error
}

// Option configures a FileSink.
type Option func(*FileSink)

// WithTailDedup remembers the IDs of the last n records already present in
// the artifact and skips re-fetched records carrying one of those IDs.
// Records without an ID are always written.
func WithTailDedup(n int) Option {
	return func(s *FileSink) {
		s.dedupWindow = n
	}
}

// WithLogger sets the sink logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *FileSink) {
		s.logger = logger
	}
}

// FileSink writes one JSON record per line to an append-only file.
type FileSink struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	closed bool

	dedupWindow int
	seen        map[string]struct{}
}

// Open opens path for appending, creating it if needed. Existing content is
// never truncated; a torn final line left by a crash is terminated first.
func Open(path string, opts ...Option) (*FileSink, error) {
	s := &FileSink{
		path:   path,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dedupWindow < 0 {
		return nil, fmt.Errorf("tail dedup window must be >= 0 (got %d)", s.dedupWindow)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}

	repaired, err := terminateTornLine(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("inspect output %s: %w", path, err)
	}
	if repaired {
		s.logger.Warn().Str("path", path).Msg("Terminated torn trailing line left by an interrupted run")
	}

	if s.dedupWindow > 0 {
		ids, err := tailIDs(f, s.dedupWindow)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("read output tail %s: %w", path, err)
		}
		s.seen = ids
		s.logger.Debug().Int("ids", len(ids)).Msg("Tail dedup window loaded")
	}

	s.file = f
	s.buf = bufio.NewWriter(f)
	return s, nil
}

// Path returns the artifact path.
func (s *FileSink) Path() string {
	return s.path
}

// Write appends records in order, one per line, and syncs the file.
func (s *FileSink) Write(ctx context.Context, records []page.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// The page is all or nothing: reject it before any byte is buffered.
	batch := make([]page.Record, 0, len(records))
	skipped := 0
	for _, rec := range records {
		if s.seen != nil && rec.ID != "" {
			if _, dup := s.seen[rec.ID]; dup {
				skipped++
				continue
			}
		}
		if len(rec.Raw) == 0 {
			return fmt.Errorf("record %q has no payload", rec.ID)
		}
		if bytes.IndexByte(rec.Raw, '\n') >= 0 {
			return fmt.Errorf("record %q spans multiple lines", rec.ID)
		}
		batch = append(batch, rec)
	}

	written, size := 0, 0
	for _, rec := range batch {
		if _, err := s.buf.Write(rec.Raw); err != nil {
			s.buf.Reset(s.file)
			return fmt.Errorf("append record: %w", err)
		}
		if err := s.buf.WriteByte('\n'); err != nil {
			s.buf.Reset(s.file)
			return fmt.Errorf("append record: %w", err)
		}
		written++
		size += len(rec.Raw) + 1
	}

	if err := s.buf.Flush(); err != nil {
		s.buf.Reset(s.file)
		return fmt.Errorf("flush output: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}

	sinkRecordsTotal.Add(float64(written))
	sinkBytesTotal.Add(float64(size))
	if skipped > 0 {
		sinkSkippedTotal.Add(float64(skipped))
		s.logger.Info().Int("skipped", skipped).Msg("Skipped records already present in output")
	}
	return nil
}

// Close flushes and closes the file. Closing twice is a no-op.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.buf.Flush()
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	return errors.Join(flushErr, syncErr, closeErr)
}

// terminateTornLine appends a newline when the file does not end in one.
func terminateTornLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	if last[0] == '\n' {
		return false, nil
	}

	if _, err := f.Write([]byte{'\n'}); err != nil {
		return false, err
	}
	return true, f.Sync()
}

// tailChunk is how far back from the end tailIDs reads per step.
const tailChunk = 64 * 1024

// tailIDs returns the IDs of the last n complete lines of f.
func tailIDs(f *os.File, n int) (map[string]struct{}, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := info.Size()
	var tail []byte
	for offset := size; offset > 0; {
		step := int64(tailChunk)
		if offset < step {
			step = offset
		}
		offset -= step

		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return nil, err
		}
		tail = append(chunk, tail...)

		if bytes.Count(tail, []byte{'\n'}) > n {
			break
		}
	}

	lines := bytes.Split(bytes.TrimRight(tail, "\n"), []byte{'\n'})
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	ids := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if id := page.IdentifyJSON(line); id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

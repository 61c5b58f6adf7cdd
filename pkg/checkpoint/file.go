package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const fileBackend = "file"

// FileStore keeps all positions in one JSON object on disk, for example
// {"SPARK": 200, "KAFKA": "COMPLETED"}. Every commit rewrites the file
// through a synced temporary file and an atomic rename.
type FileStore struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	state  State
	loaded bool
	closed bool
}

// NewFileStore creates a store backed by path. The file is not touched
// until Load or Commit.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	return &FileStore{
		path:   path,
		logger: logger.With().Str("backend", fileBackend).Str("path", path).Logger(),
		state:  make(State),
	}, nil
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state, err := readStateFile(s.path)
	if err != nil {
		checkpointErrorsTotal.WithLabelValues(fileBackend, "load").Inc()
		return nil, err
	}

	s.state = state
	s.loaded = true
	s.logger.Debug().Int("resources", len(state)).Msg("Checkpoint loaded")
	return copyState(state), nil
}

// Commit implements Store.
func (s *FileStore) Commit(ctx context.Context, resource string, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Commits must never drop positions of other resources, so merge into
	// whatever is on disk if Load was skipped.
	if !s.loaded {
		state, err := readStateFile(s.path)
		if err != nil {
			checkpointErrorsTotal.WithLabelValues(fileBackend, "commit").Inc()
			return err
		}
		s.state = state
		s.loaded = true
	}

	if _, err := encodeValue(pos); err != nil {
		return fmt.Errorf("commit %q: %w", resource, err)
	}

	next := copyState(s.state)
	next[resource] = pos

	data, err := marshalState(next)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		checkpointErrorsTotal.WithLabelValues(fileBackend, "commit").Inc()
		return fmt.Errorf("write checkpoint %s: %w", s.path, err)
	}

	s.state = next
	checkpointCommitsTotal.WithLabelValues(fileBackend).Inc()
	s.logger.Debug().Str("resource", resource).Str("position", pos.String()).Msg("Checkpoint committed")
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func readStateFile(path string) (State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(State), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorrupt, path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	state := make(State, len(raw))
	for resource, value := range raw {
		pos, err := decodeValue(resource, value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		state[resource] = pos
	}
	return state, nil
}

// marshalState writes keys in sorted order so the file is diff-friendly.
func marshalState(state State) ([]byte, error) {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n  ")
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value, err := encodeValue(state[k])
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(value)
	}
	if len(keys) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// writeFileAtomic replaces path with data so that a crash leaves either the
// old or the new content, never a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// Quarantine moves a checkpoint file aside so the next run starts fresh.
// It returns the new location, or "" if there was no file.
func Quarantine(path string, now time.Time) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	target := fmt.Sprintf("%s.corrupt-%s", path, now.UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", path, err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return "", err
	}
	return target, nil
}

func copyState(state State) State {
	out := make(State, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

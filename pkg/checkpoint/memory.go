package checkpoint

import (
	"context"
	"sync"
)

const memoryBackend = "memory"

// MemoryStore keeps positions in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	state   State
	commits []Commit
	closed  bool
	failOn  func(resource string, pos Position) error
}

// Commit is one recorded call to MemoryStore.Commit.
type Commit struct {
	Resource string
	Position Position
}

// NewMemoryStore returns a store seeded with a copy of initial.
func NewMemoryStore(initial State) *MemoryStore {
	return &MemoryStore{state: copyState(initial)}
}

// FailWith makes subsequent commits return the error produced by fn
// (nil lets the commit through).
func (s *MemoryStore) FailWith(fn func(resource string, pos Position) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn = fn
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return copyState(s.state), nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(ctx context.Context, resource string, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := encodeValue(pos); err != nil {
		return err
	}
	if s.failOn != nil {
		if err := s.failOn(resource, pos); err != nil {
			checkpointErrorsTotal.WithLabelValues(memoryBackend, "commit").Inc()
			return err
		}
	}

	s.state[resource] = pos
	s.commits = append(s.commits, Commit{Resource: resource, Position: pos})
	checkpointCommitsTotal.WithLabelValues(memoryBackend).Inc()
	return nil
}

// Commits returns every successful commit in order.
func (s *MemoryStore) Commits() []Commit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Commit, len(s.commits))
	copy(out, s.commits)
	return out
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

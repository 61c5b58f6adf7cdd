// Package checkpoint persists per-resource pagination progress.
//
// A Store maps each resource to the cursor of the next page that has not
// been committed yet, or to the Complete marker once the resource is fully
// drained. Absence of an entry means the resource starts from the beginning.
// A Commit is durable once it returns.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Sternrassler/jira-harvester/pkg/page"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CompletedMarker is the persisted value of a fully drained resource.
const CompletedMarker = "COMPLETED"

var (
	// ErrCorrupt is returned when persisted checkpoint data cannot be decoded.
	ErrCorrupt = errors.New("checkpoint data corrupt")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("checkpoint store closed")
)

// Prometheus metrics for checkpoint stores.
var (
	checkpointCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_checkpoint_commits_total",
			Help: "Total number of durable checkpoint commits",
		},
		[]string{"backend"},
	)

	checkpointErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_checkpoint_errors_total",
			Help: "Total number of checkpoint store failures",
		},
		[]string{"backend", "operation"},
	)
)

// Position is the committed progress of one resource.
type Position struct {
	// Cursor is the next page to fetch. Ignored when Complete is set.
	Cursor page.Cursor

	// Complete marks a fully drained resource.
	Complete bool
}

// At returns a position resuming at cursor.
func At(cursor page.Cursor) Position {
	return Position{Cursor: cursor}
}

// Completed returns the end-of-resource position.
func Completed() Position {
	return Position{Complete: true}
}

// String implements fmt.Stringer.
func (p Position) String() string {
	if p.Complete {
		return CompletedMarker
	}
	return string(p.Cursor)
}

// MarshalJSON encodes numeric cursors as JSON numbers, the Complete marker
// as "COMPLETED" and opaque tokens as strings.
func (p Position) MarshalJSON() ([]byte, error) {
	if p.Complete {
		return json.Marshal(CompletedMarker)
	}
	if p.Cursor == "" {
		return nil, errors.New("empty cursor")
	}
	if p.Cursor.IsOffset() {
		n, _ := p.Cursor.Offset()
		return json.Marshal(n)
	}
	return json.Marshal(string(p.Cursor))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Position) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty value")
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "":
			return errors.New("empty cursor")
		case CompletedMarker:
			*p = Completed()
		default:
			*p = At(page.Cursor(s))
		}
		return nil
	}

	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("value %s is neither an offset nor a token", data)
	}
	if n < 0 {
		return fmt.Errorf("negative offset %d", n)
	}
	*p = At(page.Offset(n))
	return nil
}

// State is the full set of committed positions keyed by resource.
type State map[string]Position

// Lookup returns the position of a resource and whether one was committed.
func (s State) Lookup(resource string) (Position, bool) {
	p, ok := s[resource]
	return p, ok
}

// Store persists checkpoint positions.
type Store interface {
	// Load reads all committed positions. A store that has never been
	// written returns an empty State. Undecodable data returns ErrCorrupt.
	Load(ctx context.Context) (State, error)

	// Commit durably records the position of one resource.
	Commit(ctx context.Context, resource string, pos Position) error

	// Close releases the store.
	Close() error
}

func decodeValue(resource string, raw []byte) (Position, error) {
	var pos Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return Position{}, fmt.Errorf("%w: resource %q: %v", ErrCorrupt, resource, err)
	}
	return pos, nil
}

func encodeValue(pos Position) ([]byte, error) {
	if !pos.Complete && pos.Cursor == "" {
		return nil, errors.New("checkpoint position has neither cursor nor completion marker")
	}
	return json.Marshal(pos)
}

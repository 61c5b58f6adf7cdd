package pagination

import (
	"time"

	"github.com/Sternrassler/jira-harvester/pkg/page"
	"github.com/google/uuid"
)

// State is the lifecycle state of one resource within a run.
type State int

const (
	// StateNotStarted means no page of the resource has been handled in this run.
	StateNotStarted State = iota

	// StateInProgress means the resource has more pages to fetch.
	StateInProgress

	// StateComplete means the resource is fully drained.
	StateComplete

	// StateFailed means a page could not be fetched; committed progress is kept.
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInProgress:
		return "in_progress"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result summarises one resource after a run.
type Result struct {
	Resource string
	State    State

	// Start is the cursor the run resumed from. Empty when skipped.
	Start page.Cursor

	// Cursor is the last committed cursor. Empty once Complete.
	Cursor page.Cursor

	// Skipped is set when the resource was already complete before the run.
	Skipped bool

	Pages   int
	Records int

	// Err is the failure that moved the resource to Failed.
	Err error
}

// Report is the outcome of Driver.Run.
type Report struct {
	RunID     uuid.UUID
	StartedAt time.Time
	Duration  time.Duration
	Results   []Result
}

// Failed returns the results of failed resources.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.State == StateFailed {
			out = append(out, res)
		}
	}
	return out
}

// Result returns the result for resource.
func (r *Report) Result(resource string) (Result, bool) {
	for _, res := range r.Results {
		if res.Resource == resource {
			return res, true
		}
	}
	return Result{}, false
}

// Records returns the number of records written across all resources.
func (r *Report) Records() int {
	total := 0
	for _, res := range r.Results {
		total += res.Records
	}
	return total
}

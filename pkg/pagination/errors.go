package pagination

import "errors"

var (
	// ErrSinkWrite aborts the run when records could not be made durable.
	ErrSinkWrite = errors.New("sink write failed")

	// ErrCommit aborts the run when a checkpoint could not be committed.
	ErrCommit = errors.New("checkpoint commit failed")

	// ErrCursorStalled fails a resource whose next cursor does not advance.
	ErrCursorStalled = errors.New("cursor did not advance")
)

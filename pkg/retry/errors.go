package retry

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/jira-harvester/pkg/client"
	"github.com/Sternrassler/jira-harvester/pkg/page"
)

// Common errors returned by the retry loop.
var (
	// ErrFetchExhausted is returned when retryable failures outlast the policy.
	ErrFetchExhausted = errors.New("retry attempts exhausted")

	// ErrFetchFatal is returned for failures that retrying cannot fix.
	ErrFetchFatal = errors.New("fatal fetch error")

	// ErrContextCancelled is returned when the context is cancelled during backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// FetchFailure describes a page that could not be fetched.
// It matches ErrFetchExhausted or ErrFetchFatal via errors.Is and unwraps
// to the last transport error.
type FetchFailure struct {
	Resource   string
	Cursor     page.Cursor
	Attempts   int
	ErrorClass client.ErrorClass

	// Kind is ErrFetchExhausted or ErrFetchFatal.
	Kind error

	// Err is the last error returned by the transport.
	Err error
}

// Error implements the error interface.
func (f *FetchFailure) Error() string {
	return fmt.Sprintf("%s: %s at cursor %q after %d attempt(s): %v",
		f.Kind, f.Resource, f.Cursor.String(), f.Attempts, f.Err)
}

// Unwrap exposes both the failure kind and the transport error.
func (f *FetchFailure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/driftworks/conductor/engine/resolver"
)

var (
	// ErrCancelled reports that the parent execution was cancelled while
	// the run was in flight
	ErrCancelled = errors.New("execution cancelled")

	// ErrTimeout reports that the soft timeout expired and the run was
	// aborted gracefully
	ErrTimeout = errors.New("execution timed out")

	// ErrRetryExhausted reports that a broker task burned through its
	// delivery budget without completing
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

// UpstreamError wraps a failure reported by the agent invoker
type UpstreamError struct {
	Err       error
	Transient bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream failure: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// permanentError marks a failure that must not be retried
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps an error so the retry classifier treats it as final
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable classifies a node failure. Transient external conditions
// (network, timeouts, upstream hiccups) retry under the node budget;
// structural and validation failures never do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, resolver.ErrInvalidGraph) || errors.Is(err, resolver.ErrCycle) {
		return false
	}
	if errors.Is(err, ErrCancelled) {
		return false
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Transient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified handler errors default to retryable; the budget is
	// small and the classifier marks known-permanent cases explicitly
	return true
}

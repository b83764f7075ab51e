package retrieval

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrRetrievalRejected marks a non-transient failure. It is never retried.
	ErrRetrievalRejected = errors.New("retrieval rejected")
	// ErrRetrievalExhausted is returned once the retry ceiling is spent.
	ErrRetrievalExhausted = errors.New("retrieval exhausted")
	// ErrRateLimited is the transient error produced when the limiter denies an attempt.
	ErrRateLimited = errors.New("rate limited")
)

// TransportError is a classified failure reported by a Transport.
type TransportError struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
	}
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &TransportError{Transient: true, Err: err}
}

// Permanent wraps err as a failure that must not be retried.
func Permanent(err error) error {
	return &TransportError{Err: err}
}

// IsTransient reports whether err is worth another attempt.
// Classified TransportErrors decide for themselves; otherwise timeouts,
// connection resets and network-level errors are transient and everything
// else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// AttemptError is the terminal error of a fetch. Kind is one of
// ErrRetrievalRejected, ErrRetrievalExhausted or a context error.
type AttemptError struct {
	Key      string
	Attempts int
	Kind     error
	Last     error
}

func (e *AttemptError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: %v after %d attempt(s)", e.Key, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%s: %v after %d attempt(s): %v", e.Key, e.Kind, e.Attempts, e.Last)
}

func (e *AttemptError) Unwrap() []error {
	if e.Last == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Last}
}

// Attempts extracts the attempt count from a fetch error, or 0.
func Attempts(err error) int {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Attempts
	}
	return 0
}

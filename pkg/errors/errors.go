// Package errors holds the keeper's error taxonomy. Callers wrap the
// sentinels with fmt.Errorf("%w") and test them with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedInput is returned by decoders fed bad data.
	ErrMalformedInput = errors.New("malformed input")
	// ErrStateInconsistency means an assumed invariant was violated.
	// Fatal to the enclosing job or agent, not the process.
	ErrStateInconsistency = errors.New("state inconsistency")
	ErrChainClient        = errors.New("chain client error")
	ErrIndexSource        = errors.New("index source error")
	ErrEstimationFailure  = errors.New("gas estimation failed")
	ErrRelay              = errors.New("relay error")
	ErrBundleResolution   = errors.New("bundle resolution fault")
	ErrFatal              = errors.New("fatal")
)

var (
	ErrKeyRegistered = errors.New("key already registered")
	ErrKeyInvalid    = errors.New("invalid registry key")
)

// FatalError marks a condition after which the in-memory model of on-chain
// state can no longer be trusted. The process exits and is restarted.
type FatalError struct {
	Source string
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal [%s]: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal [%s]: %s", e.Source, e.Reason)
}

func (e *FatalError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFatal, e.Err}
	}
	return []error{ErrFatal}
}

func NewFatal(source, reason string, err error) *FatalError {
	return &FatalError{Source: source, Reason: reason, Err: err}
}

// IsFatal reports whether err should terminate the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// FatalSink receives process-fatal faults. The bootstrap owns the reader.
type FatalSink chan<- *FatalError

// Report delivers f without blocking when the sink already holds a fault.
func (s FatalSink) Report(f *FatalError) {
	if s == nil {
		return
	}
	select {
	case s <- f:
	default:
	}
}

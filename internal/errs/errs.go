// Package errs defines the error taxonomy shared across the orchestrator.
package errs

import "errors"

// Kind classifies an error into one of the buckets the core reasons about
// when deciding whether to retry, count a breaker failure, or surface to
// an operator.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindCapacity         Kind = "capacity"
	KindTransient        Kind = "transient"
	KindProcessorFailure Kind = "processor_failure"
	KindProtocol         Kind = "protocol"
	KindFatal            Kind = "fatal"
)

// Sentinel errors for errors.Is comparisons.
var (
	ErrValidation       = errors.New("validation error")
	ErrCapacity         = errors.New("capacity error")
	ErrTransient        = errors.New("transient substrate error")
	ErrProcessorFailure = errors.New("processor failure")
	ErrProtocol         = errors.New("protocol error")

	// ErrNoCapableProcessor is returned by the router when no registered
	// processor advertises the capability a frame requires.
	ErrNoCapableProcessor = errors.New("no processor capable of handling frame")
	// ErrAllBreakersOpen is returned when every capable processor's
	// circuit breaker is open.
	ErrAllBreakersOpen = errors.New("all capable processors have an open circuit")
	// ErrQueueFull is returned by the work queue manager when a bounded
	// queue cannot accept more entries.
	ErrQueueFull = errors.New("processor queue full")
	// ErrMissingCapability is returned when a frame has no detection_type.
	ErrMissingCapability = errors.New("frame missing detection_type metadata")
	// ErrNotFound is returned when a lookup (processor id, queue) misses.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a register call targets an existing id.
	ErrConflict = errors.New("already exists")
)

// Error tags an underlying cause with a Kind so callers can classify it
// with Is(err, kind), while still wrapping the cause for errors.Unwrap and
// errors.Is against the sentinels above.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) is classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

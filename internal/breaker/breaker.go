// Package breaker implements the per-processor circuit breaker set (§3,
// §4.5 C6) on top of github.com/sony/gobreaker.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/frameworks-oss/frameorchestrator/internal/errs"
)

// Config carries the per-breaker parameters from §4.5, with the stated
// defaults applied by Defaults.
type Config struct {
	FailureThreshold   uint32
	RecoveryTimeout    time.Duration
	SuccessThreshold   uint32
	CallTimeout        time.Duration
	ExcludedErrorKinds []errs.Kind
}

// Defaults returns §4.5's stated defaults.
func Defaults() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  5 * time.Minute,
		SuccessThreshold: 2,
	}
}

// Set owns one gobreaker.CircuitBreaker per processor id, created lazily
// and cached, mirroring the Python original's CircuitBreakerManager.
type Set struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New constructs a breaker Set. A nil logger defaults to slog.Default().
func New(cfg Config, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = Defaults().FailureThreshold
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = Defaults().RecoveryTimeout
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = Defaults().SuccessThreshold
	}
	return &Set{cfg: cfg, logger: logger, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (s *Set) isExcluded(err error) bool {
	if err == nil || len(s.cfg.ExcludedErrorKinds) == 0 {
		return false
	}
	for _, k := range s.cfg.ExcludedErrorKinds {
		if errs.Is(err, k) {
			return true
		}
	}
	return false
}

func (s *Set) breakerFor(id string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[id]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: s.cfg.SuccessThreshold,
		Timeout:     s.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("breaker: state transition", "processor_id", name, "from", from.String(), "to", to.String())
		},
	})
	s.breakers[id] = b
	return b
}

// Available reports whether the breaker for id is Closed or Half-Open with
// probe budget remaining — the router's availability contract (§4.6).
func (s *Set) Available(id string) bool {
	b := s.breakerFor(id)
	switch b.State() {
	case gobreaker.StateOpen:
		return false
	case gobreaker.StateHalfOpen:
		return b.Counts().Requests < s.cfg.SuccessThreshold
	}
	return true
}

// State exposes the raw gobreaker state for observability.
func (s *Set) State(id string) gobreaker.State {
	return s.breakerFor(id).State()
}

// Call runs fn through the breaker for id, applying the §4.5 call-timeout
// (counted as a failure; the error is a KindTransient "call timeout" error,
// as errs has no separate timeout kind) and excluded-error-kind
// carve-out: an excluded error propagates to the caller without shifting
// the breaker's counters either way.
func (s *Set) Call(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	b := s.breakerFor(id)
	if b.State() == gobreaker.StateOpen {
		return errs.New(errs.KindCapacity, "breaker.Call", errors.Join(errs.ErrAllBreakersOpen, errors.New(id)))
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}

	callErr := fn(callCtx)
	if callCtx.Err() != nil && callErr == nil {
		callErr = errs.New(errs.KindTransient, "breaker.Call", errors.New("call timeout"))
	}

	if s.isExcluded(callErr) {
		// Propagates without shifting success/failure counters: skip the
		// breaker's own bookkeeping entirely for this call.
		return callErr
	}

	_, execErr := b.Execute(func() (interface{}, error) {
		return nil, callErr
	})
	if execErr != callErr {
		// gobreaker.ErrOpenState / ErrTooManyRequests: the breaker flipped
		// or exhausted its half-open budget between Available() and here.
		return errs.New(errs.KindCapacity, "breaker.Call", errs.ErrAllBreakersOpen)
	}
	return callErr
}

// RecordSuccess/RecordFailure let callers (e.g. the health monitor) drive
// breaker bookkeeping without routing an actual call through it.
func (s *Set) RecordSuccess(id string) {
	b := s.breakerFor(id)
	_, _ = b.Execute(func() (interface{}, error) { return nil, nil })
}

func (s *Set) RecordFailure(id string, err error) {
	if err == nil {
		err = errs.New(errs.KindProcessorFailure, "breaker.RecordFailure", errors.New("forced failure"))
	}
	if s.isExcluded(err) {
		return
	}
	b := s.breakerFor(id)
	_, _ = b.Execute(func() (interface{}, error) { return nil, err })
}

// Remove drops a breaker when its processor unregisters.
func (s *Set) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, id)
}

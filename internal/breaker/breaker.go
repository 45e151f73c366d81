// Package breaker implements C2, a Closed/Open/HalfOpen circuit breaker
// gating a risky operation (an outbound REST call or connect attempt).
package breaker

import (
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by Execute while the breaker is Open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State mirrors spec §3's CircuitState taxonomy.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker wraps sony/gobreaker with the thresholds spec §4.2 names.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// Config carries the two spec-named knobs; zero values fall back to the
// spec defaults (failure_threshold=5, reset_timeout=60s).
type Config struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// New builds a breaker named for the operation it guards.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 60 * time.Second
	}

	st := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(st)}
}

// Execute runs fn if the breaker is Closed or HalfOpen, recording the
// outcome. In Open it short-circuits with ErrCircuitOpen without calling
// fn. Errors returned by fn are re-raised unchanged.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Counts exposes the underlying request/failure counters for health probes.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Package breaker gates calls to external integrations behind a
// three-state circuit breaker so a failing dependency sheds load fast
// instead of consuming task attempts on guaranteed failures.
package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opspilot/opspilot/fault"
)

// ErrOpen is returned when the circuit rejects a call without invoking it.
// It is classified transient so callers retry after the recovery window.
var ErrOpen = errors.New("circuit breaker is open")

// Settings tunes a breaker. Zero values take the defaults below.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the circuit from closed to open.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit again.
	SuccessThreshold int
}

// DefaultSettings matches the engine defaults: trip after 5 consecutive
// failures, probe after 60s, close after 2 half-open successes.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker wraps a named gobreaker circuit.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a Breaker for the named integration.
func New(name string, s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 60 * time.Second
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(s.SuccessThreshold),
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(s.FailureThreshold)
		},
	})}
}

// Execute runs fn through the circuit. A rejected call returns ErrOpen
// wrapped as a transient fault; fn's own error passes through unchanged.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Transient(ErrOpen)
	}
	return err
}

// State returns the circuit state name: "closed", "open", or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

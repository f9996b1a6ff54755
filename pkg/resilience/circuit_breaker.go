// Package resilience wraps flaky external collaborators (subprocess calls,
// network round trips) in a circuit breaker so a failing dependency degrades
// fast instead of stalling every caller behind it.
package resilience

import (
	"time"

	"github.com/sony/gobreaker"
)

// Config mirrors the handful of gobreaker settings this engine tunes.
type Config struct {
	Name               string
	FailureThreshold   uint32
	Timeout            time.Duration
	MaxHalfOpenRequest uint32
}

func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		FailureThreshold:   5,
		Timeout:            30 * time.Second,
		MaxHalfOpenRequest: 1,
	}
}

// Breaker wraps a gobreaker.CircuitBreaker for single-return-value (error-only)
// operations, which is the shape of every Object Reader call it guards.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func New(cfg Config) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxHalfOpenRequest,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. When the breaker is open it returns
// gobreaker.ErrOpenState without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state as a string ("closed", "open", "half-open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts returns the breaker's rolling failure/success counters.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

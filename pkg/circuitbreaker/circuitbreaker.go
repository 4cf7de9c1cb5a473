// Package circuitbreaker wraps sony/gobreaker so outbound calls to external
// services — notification channels, durable backing stores — trip open
// after a run of consecutive failures instead of queuing requests a known-down
// dependency will only reject.
package circuitbreaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors gobreaker.State so callers outside this package never import
// gobreaker directly.
type State gobreaker.State

func (s State) String() string {
	return gobreaker.State(s).String()
}

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

// Config tunes when a breaker trips and how long it stays open before
// allowing a trial request through.
type Config struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	OnStateChange    func(from, to State)
}

// CircuitBreaker guards a single downstream dependency.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a CircuitBreaker that trips after cfg.FailureThreshold
// consecutive failures.
func New(cfg Config) *CircuitBreaker {
	settings := gobreaker.Settings{
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker, short-circuiting on ctx cancellation
// before fn ever runs.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, fn()
		}
	})
	return err
}

// Call runs fn through the breaker without a context.
func (c *CircuitBreaker) Call(fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State reports whether the breaker is currently letting calls through.
func (c *CircuitBreaker) State() State {
	return State(c.cb.State())
}

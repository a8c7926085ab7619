// Package resilience guards calls to the graph store with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/WessleyAI/gridgraph/pkg/fn"
)

// State is the breaker position.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed   // calls flow
	StateHalfOpen = gobreaker.StateHalfOpen // a limited number of trial calls may run
	StateOpen     = gobreaker.StateOpen     // calls rejected until Cooldown elapses
)

// ErrOpen is returned without calling through while the breaker is open or
// its half-open slots are taken.
var ErrOpen = errors.New("circuit breaker is open")

// BreakerOpts configures a Breaker.
type BreakerOpts struct {
	// Name labels the breaker in state-change callbacks.
	Name string
	// FailThreshold consecutive counted failures open the breaker.
	FailThreshold int
	// Cooldown is how long the breaker stays open before letting a trial
	// call through.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int
	// Counts reports whether err says something about the protected
	// dependency. Nil counts every error. Errors that do not count are
	// treated as answers from the dependency.
	Counts func(err error) bool
	// OnStateChange observes transitions.
	OnStateChange func(from, to State)
}

// DefaultBreakerOpts opens after five failures and retries after 30s.
var DefaultBreakerOpts = BreakerOpts{
	Name:          "graph-store",
	FailThreshold: 5,
	Cooldown:      30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker is a gobreaker circuit breaker that reports rejections as ErrOpen.
type Breaker struct {
	opts BreakerOpts
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker fills zero options from DefaultBreakerOpts.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.Name == "" {
		opts.Name = DefaultBreakerOpts.Name
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultBreakerOpts.Cooldown
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}

	threshold := uint32(opts.FailThreshold)
	st := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: uint32(opts.HalfOpenMax),
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (opts.Counts != nil && !opts.Counts(err))
		},
	}
	if opts.OnStateChange != nil {
		st.OnStateChange = func(_ string, from, to gobreaker.State) { opts.OnStateChange(from, to) }
	}
	return &Breaker{opts: opts, cb: gobreaker.NewCircuitBreaker(st)}
}

// State returns the current position.
func (b *Breaker) State() State { return b.cb.State() }

// Call runs f unless the breaker is open.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, f(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// Stage wraps an fn.Stage with the breaker.
func Stage[In, Out any](b *Breaker, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		var (
			r   fn.Result[Out]
			ran bool
		)
		err := b.Call(ctx, func(ctx context.Context) error {
			ran = true
			r = stage(ctx, in)
			_, err := r.Unwrap()
			return err
		})
		if !ran {
			return fn.Err[Out](err)
		}
		return r
	}
}

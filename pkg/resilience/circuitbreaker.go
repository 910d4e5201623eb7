// Package resilience guards calls to downstream services with a circuit
// breaker and a token-bucket rate limiter.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/WessleyAI/chaingraph/pkg/fn"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast
	StateHalfOpen              // a limited number of trials may pass
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned instead of calling through an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures a Breaker.
type BreakerOpts struct {
	// FailThreshold consecutive failures trip the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// HalfOpenMax trials are let through while half-open.
	HalfOpenMax int
	// IsFailure classifies errors. Nil counts every error; cancelled
	// contexts are never counted.
	IsFailure func(error) bool
	// OnStateChange is called outside the breaker lock after a transition.
	OnStateChange func(from, to State)
}

// DefaultBreakerOpts trips after 5 failures and lets a trial call through after 30s.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker is a closed/open/half-open circuit breaker.
type Breaker struct {
	mu       sync.Mutex
	opts     BreakerOpts
	state    State
	failures int
	openedAt time.Time
	trials   int
	now      func() time.Time
}

// NewBreaker fills unset options from DefaultBreakerOpts.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current position, moving open to half-open once the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	st, from := b.refreshLocked()
	b.mu.Unlock()
	b.notify(from, st)
	return st
}

func (b *Breaker) refreshLocked() (now, before State) {
	before = b.state
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Timeout {
		b.state = StateHalfOpen
		b.trials = 0
	}
	return b.state, before
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}

// acquire reserves a slot for one call.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	st, from := b.refreshLocked()
	var err error
	switch st {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.trials >= b.opts.HalfOpenMax {
			err = ErrCircuitOpen
		} else {
			b.trials++
		}
	}
	b.mu.Unlock()
	b.notify(from, st)
	return err
}

func (b *Breaker) countable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if b.opts.IsFailure != nil {
		return b.opts.IsFailure(err)
	}
	return true
}

// release records the outcome of a call admitted by acquire.
func (b *Breaker) release(err error) {
	b.mu.Lock()
	from := b.state
	if b.countable(err) {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
			b.trials = 0
		}
	} else if err == nil {
		b.state = StateClosed
		b.failures = 0
	} else if b.state == StateHalfOpen && b.trials > 0 {
		// uncounted trial: free its slot for the next caller
		b.trials--
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// Call runs f unless the breaker is open.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := f(ctx)
	b.release(err)
	return err
}

// CallResult is Call for functions returning a Result.
func CallResult[T any](ctx context.Context, b *Breaker, f func(context.Context) fn.Result[T]) fn.Result[T] {
	if err := b.acquire(); err != nil {
		return fn.Err[T](err)
	}
	r := f(ctx)
	b.release(r.Error())
	return r
}

// BreakerStage guards stage with b.
func BreakerStage[In, Out any](b *Breaker, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		return CallResult(ctx, b, func(ctx context.Context) fn.Result[Out] {
			return stage(ctx, in)
		})
	}
}

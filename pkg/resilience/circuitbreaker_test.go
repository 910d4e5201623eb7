package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WessleyAI/chaingraph/pkg/fn"
)

var errFail = errors.New("fail")

func failing(context.Context) error { return errFail }
func passing(context.Context) error { return nil }

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerOpts{})
	if b.opts.FailThreshold != 5 || b.opts.Timeout != 30*time.Second || b.opts.HalfOpenMax != 1 {
		t.Fatalf("defaults not applied: %+v", b.opts)
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, failing)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	called := false
	err := b.Call(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("expected fast ErrCircuitOpen, got %v (called=%v)", err, called)
	}
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, passing)
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	if b.State() != StateClosed {
		t.Fatalf("expected still closed, got %v", b.State())
	}
}

func TestBreakerHalfOpenTransitions(t *testing.T) {
	tests := []struct {
		name  string
		trial func(context.Context) error
		want  State
	}{
		{"trial succeeds", passing, StateClosed},
		{"trial fails", failing, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Now()
			var changes []string
			b := NewBreaker(BreakerOpts{
				FailThreshold: 2, Timeout: 5 * time.Second,
				OnStateChange: func(from, to State) { changes = append(changes, from.String()+">"+to.String()) },
			})
			b.now = func() time.Time { return now }
			ctx := context.Background()

			_ = b.Call(ctx, failing)
			_ = b.Call(ctx, failing)
			now = now.Add(6 * time.Second)
			if b.State() != StateHalfOpen {
				t.Fatalf("expected half-open, got %v", b.State())
			}
			_ = b.Call(ctx, tt.trial)
			if b.State() != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, b.State())
			}
			if len(changes) != 3 || changes[0] != "closed>open" || changes[1] != "open>half-open" {
				t.Fatalf("state changes = %v", changes)
			}
		})
	}
}

func TestBreakerHalfOpenTrialLimit(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()
	_ = b.Call(ctx, failing)
	now = now.Add(2 * time.Second)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Call(ctx, func(context.Context) error { <-release; return nil })
	}()
	// wait until the trial holds the only slot
	for {
		b.mu.Lock()
		p := b.trials
		b.mu.Unlock()
		if p == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := b.Call(ctx, passing); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second trial should be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerIgnoresUncountedErrors(t *testing.T) {
	notMine := errors.New("bad input")
	b := NewBreaker(BreakerOpts{FailThreshold: 1, IsFailure: func(err error) bool { return !errors.Is(err, notMine) }})
	ctx := context.Background()
	_ = b.Call(ctx, func(context.Context) error { return notMine })
	_ = b.Call(ctx, func(context.Context) error { return context.Canceled })
	if b.State() != StateClosed {
		t.Fatalf("uncounted errors tripped the breaker: %v", b.State())
	}
}

func TestBreakerStage(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	ctx := context.Background()
	stage := BreakerStage(b, func(ctx context.Context, in int) fn.Result[int] {
		return fn.Err[int](errFail)
	})
	_ = stage(ctx, 1)
	_ = stage(ctx, 2)
	if err := stage(ctx, 3).Error(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q", s, s.String())
		}
	}
}

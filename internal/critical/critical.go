// Package critical implements the read, verify, mutate, write, verify cycle
// used for every status change on a tracked resource.
//
// A critical update reads the current state and its version, checks a
// precondition, applies a mutation and persists the result with a
// compare-and-set against the version it read. When the write loses a race
// with a concurrent writer the whole cycle is repeated against the freshly
// read state, up to a bounded number of attempts. The postcondition is
// evaluated against the state that was persisted.
//
// Mutations must be monotonic with respect to the deposit state machine; the
// engine does not know about statuses and cannot enforce that on its own.
package critical

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/metrics"
)

var (
	// ErrConflict is returned (or matched via errors.Is) by Store.CompareAndSet
	// when the stored version no longer equals the expected version.
	ErrConflict                  = errors.New("concurrent modification")
	ErrConcurrentUpdateExhausted = errors.New("concurrent update retries exhausted")
	ErrPostconditionFailed       = errors.New("postcondition failed")
)

const (
	DefaultMaxAttempts = 5
	defaultBaseDelay   = 20 * time.Millisecond
	defaultMaxDelay    = 500 * time.Millisecond
)

type Store[T any] interface {
	Get(ctx context.Context, id string) (T, int64, error)
	CompareAndSet(ctx context.Context, id string, expectedVersion int64, next T) error
}

// Update is the context of one critical update invocation. Precondition and
// Postcondition may be nil, in which case they always hold.
type Update[T any] struct {
	Kind          domain.ResourceKind
	ID            string
	Precondition  func(T) bool
	Mutate        func(T) (T, error)
	Postcondition func(T) bool
}

type Outcome string

const (
	OutcomeSucceeded           Outcome = "succeeded"
	OutcomePreconditionFailed  Outcome = "precondition_failed"
	OutcomePostconditionFailed Outcome = "postcondition_failed"
	OutcomeExhausted           Outcome = "exhausted"
	OutcomeErrored             Outcome = "errored"
)

type Result[T any] struct {
	Outcome  Outcome
	State    T
	Attempts int
	Err      error
}

// Applied reports whether this invocation persisted its mutation.
func (r Result[T]) Applied() bool {
	return r.Outcome == OutcomeSucceeded || r.Outcome == OutcomePostconditionFailed
}

// Error returns nil for a successful update and for an inapplicable one.
func (r Result[T]) Error() error {
	switch r.Outcome {
	case OutcomeSucceeded, OutcomePreconditionFailed:
		return nil
	default:
		return r.Err
	}
}

type options struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

type Option func(*options)

func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay between conflicting attempts. A zero base
// disables waiting.
func WithBackoff(base, max time.Duration) Option {
	return func(o *options) {
		o.baseDelay = base
		o.maxDelay = max
	}
}

func Apply[T any](ctx context.Context, store Store[T], u Update[T], opts ...Option) Result[T] {
	o := options{maxAttempts: DefaultMaxAttempts, baseDelay: defaultBaseDelay, maxDelay: defaultMaxDelay}
	for _, opt := range opts {
		opt(&o)
	}

	res := apply(ctx, store, u, o)
	metrics.RecordCriticalUpdate(u.Kind.String(), string(res.Outcome), res.Attempts)
	return res
}

func apply[T any](ctx context.Context, store Store[T], u Update[T], o options) Result[T] {
	var last T
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		current, version, err := store.Get(ctx, u.ID)
		if err != nil {
			return Result[T]{Outcome: OutcomeErrored, Attempts: attempt, Err: fmt.Errorf("read %s %s: %w", u.Kind, u.ID, err)}
		}
		last = current

		if u.Precondition != nil && !u.Precondition(current) {
			return Result[T]{Outcome: OutcomePreconditionFailed, State: current, Attempts: attempt}
		}

		next, err := u.Mutate(current)
		if err != nil {
			return Result[T]{Outcome: OutcomeErrored, State: current, Attempts: attempt, Err: fmt.Errorf("mutate %s %s: %w", u.Kind, u.ID, err)}
		}

		err = store.CompareAndSet(ctx, u.ID, version, next)
		if err == nil {
			if u.Postcondition != nil && !u.Postcondition(next) {
				return Result[T]{
					Outcome:  OutcomePostconditionFailed,
					State:    next,
					Attempts: attempt,
					Err:      fmt.Errorf("%s %s: %w", u.Kind, u.ID, ErrPostconditionFailed),
				}
			}
			return Result[T]{Outcome: OutcomeSucceeded, State: next, Attempts: attempt}
		}
		if !errors.Is(err, ErrConflict) {
			return Result[T]{Outcome: OutcomeErrored, State: current, Attempts: attempt, Err: fmt.Errorf("write %s %s: %w", u.Kind, u.ID, err)}
		}

		if attempt < o.maxAttempts {
			if err := wait(ctx, backoff(o, attempt)); err != nil {
				return Result[T]{Outcome: OutcomeErrored, State: current, Attempts: attempt, Err: err}
			}
		}
	}

	return Result[T]{
		Outcome:  OutcomeExhausted,
		State:    last,
		Attempts: o.maxAttempts,
		Err:      fmt.Errorf("%s %s after %d attempts: %w", u.Kind, u.ID, o.maxAttempts, ErrConcurrentUpdateExhausted),
	}
}

func backoff(o options, attempt int) time.Duration {
	if o.baseDelay <= 0 {
		return 0
	}
	d := o.baseDelay << (attempt - 1)
	if o.maxDelay > 0 && d > o.maxDelay {
		d = o.maxDelay
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

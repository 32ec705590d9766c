package command

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/teranos/weft/errors"
)

// RetryOutcome classifies how a retry loop ended.
type RetryOutcome int

const (
	RetrySucceeded RetryOutcome = iota
	// RetryConflictExhausted means every attempt hit an optimistic lock conflict.
	RetryConflictExhausted
	// RetryFailed means an attempt failed with an error that is not retried.
	RetryFailed
)

func (o RetryOutcome) String() string {
	switch o {
	case RetrySucceeded:
		return "succeeded"
	case RetryConflictExhausted:
		return "conflict_exhausted"
	default:
		return "failed"
	}
}

// RetryResult is what a retry loop returns instead of looping implicitly.
type RetryResult struct {
	Value    any
	Err      error
	Attempts int
	Outcome  RetryOutcome
}

// RetryPolicy bounds the retries of optimistic lock conflicts.
type RetryPolicy struct {
	Attempts    int           // total attempts, at least 1
	BackoffBase time.Duration // upper bound of the first sleep
	BackoffCap  time.Duration // upper bound of any sleep
}

// DefaultRetryPolicy matches the shipped configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:    3,
	BackoffBase: 10 * time.Millisecond,
	BackoffCap:  200 * time.Millisecond,
}

// Backoff returns the sleep before attempt+1 after attempt conflicted: a
// random duration up to min(cap, base*2^(attempt-1)).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	ceiling := p.BackoffBase
	for i := 1; i < attempt && (p.BackoffCap <= 0 || ceiling < p.BackoffCap); i++ {
		ceiling *= 2
	}
	if p.BackoffCap > 0 && ceiling > p.BackoffCap {
		ceiling = p.BackoffCap
	}
	return rand.N(ceiling + 1)
}

// Retry runs fn until it succeeds, fails with an error other than an
// optimistic lock conflict, or runs out of attempts. It sleeps between
// attempts and stops early when ctx is done.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) (any, error), onRetry func(attempt int, err error)) RetryResult {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var res RetryResult
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		res.Value, res.Err = fn(attempt)
		switch {
		case res.Err == nil:
			res.Outcome = RetrySucceeded
			return res
		case !errors.IsOptimisticLockConflict(res.Err):
			res.Outcome = RetryFailed
			return res
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, res.Err)
		}
		if d := p.Backoff(attempt); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				res.Outcome = RetryConflictExhausted
				return res
			case <-t.C:
			}
		}
	}
	res.Value = nil
	res.Outcome = RetryConflictExhausted
	return res
}

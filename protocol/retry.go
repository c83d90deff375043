package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
)

// ErrFetchExhausted marks a fetch that failed on every attempt. The wrapped
// error chain carries the last underlying failure.
var ErrFetchExhausted = errors.New("fetch retries exhausted")

// Default retry policy matching production fetch behaviour.
const (
	DefaultAttempts   = 3
	DefaultRetryDelay = time.Second
)

// Sleeper abstracts the inter-attempt delay for testing.
type Sleeper interface {
	After(d time.Duration) <-chan time.Time
}

// Retry is a bounded retry policy. Each call is attempted up to Attempts
// times with Delay between attempts; once exhausted the last failure is
// propagated wrapped in ErrFetchExhausted. A started attempt always runs to
// completion - there is no cancellation inside the loop.
type Retry struct {
	Attempts int
	Delay    time.Duration
	Sleep    Sleeper
}

// retry runs fn under policy r.
func retry[T any](ctx context.Context, r Retry, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt < attempts && r.Delay > 0 && r.Sleep != nil {
			<-r.Sleep.After(r.Delay)
		}
	}

	return zero, fmt.Errorf("%w: %s after %d attempts: %w", ErrFetchExhausted, op, attempts, lastErr)
}

// retrySource wraps a Source with a bounded retry on every call.
type retrySource struct {
	src    Source
	policy Retry
}

// WithRetry returns a Source whose calls are retried under the given policy.
func WithRetry(src Source, policy Retry) Source {
	return &retrySource{src: src, policy: policy}
}

func (s *retrySource) CurrentRoundInfo(ctx context.Context) (RoundInfo, error) {
	return retry(ctx, s.policy, "current round info", s.src.CurrentRoundInfo)
}

func (s *retrySource) Delegates(ctx context.Context) ([]Delegate, error) {
	return retry(ctx, s.policy, "delegates", s.src.Delegates)
}

func (s *retrySource) DelegateAccount(ctx context.Context, address string) (Delegate, error) {
	return retry(ctx, s.policy, "delegate account", func(ctx context.Context) (Delegate, error) {
		return s.src.DelegateAccount(ctx, address)
	})
}

func (s *retrySource) DelegatorAccount(ctx context.Context, address string) (Delegator, error) {
	return retry(ctx, s.policy, "delegator account", func(ctx context.Context) (Delegator, error) {
		return s.src.DelegatorAccount(ctx, address)
	})
}

func (s *retrySource) PoolsForRound(ctx context.Context, roundID uint64) ([]PoolReward, error) {
	return retry(ctx, s.policy, "pools for round", func(ctx context.Context) ([]PoolReward, error) {
		return s.src.PoolsForRound(ctx, roundID)
	})
}

func (s *retrySource) TotalBonded(ctx context.Context) (token.Amount, error) {
	return retry(ctx, s.policy, "total bonded", s.src.TotalBonded)
}

func (s *retrySource) MintedTokensForNextRound(ctx context.Context) (token.Amount, error) {
	return retry(ctx, s.policy, "minted tokens for next round", s.src.MintedTokensForNextRound)
}

func (s *retrySource) DidDelegateCallReward(ctx context.Context, address string) (bool, error) {
	return retry(ctx, s.policy, "did delegate call reward", func(ctx context.Context) (bool, error) {
		return s.src.DidDelegateCallReward(ctx, address)
	})
}

func (s *retrySource) DefaultConstants(ctx context.Context) (Constants, error) {
	return retry(ctx, s.policy, "default constants", s.src.DefaultConstants)
}

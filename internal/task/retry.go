package task

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"fiscalsync/internal/clock"
	"fiscalsync/internal/remote"
)

// Authenticator hands out bearer tokens for network operations.
type Authenticator interface {
	EnsureValid(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// RetryResult is the final result of a retried operation.
type RetryResult int

const (
	RetrySent RetryResult = iota
	RetryFailed
	RetryInterrupted
)

// Operation is one network call made with a fresh token.
type Operation func(ctx context.Context, token string) error

// RetryObserver is told about retries and is asked whether to stop early.
type RetryObserver interface {
	Interrupted() bool
	Retrying(ctx context.Context, label string, attempt, maxAttempts int, err error)
	GaveUp(ctx context.Context, label string, err error)
}

// Retrier runs operations with a bounded number of attempts and exponential
// delays between them. Errors stop here; callers only see a RetryResult.
type Retrier struct {
	cfg   RetryConfig
	auth  Authenticator
	clock clock.Clock
}

// NewRetrier builds a Retrier. A nil clock means the wall clock.
func NewRetrier(cfg RetryConfig, auth Authenticator, c clock.Clock) *Retrier {
	if c == nil {
		c = clock.Real()
	}
	return &Retrier{cfg: cfg.withDefaults(), auth: auth, clock: c}
}

func (r *Retrier) policy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialDelay
	b.Multiplier = r.cfg.Multiplier
	b.MaxInterval = r.cfg.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs op up to MaxAttempts times. Pause or cancel between attempts ends
// with RetryInterrupted without a final failure.
func (r *Retrier) Do(ctx context.Context, label string, obs RetryObserver, op Operation) RetryResult {
	delays := r.policy()
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if obs.Interrupted() || ctx.Err() != nil {
				return RetryInterrupted
			}
			obs.Retrying(ctx, label, attempt, r.cfg.MaxAttempts, lastErr)
			if err := clock.Sleep(ctx, r.clock, delays.NextBackOff()); err != nil {
				return RetryInterrupted
			}
			if obs.Interrupted() {
				return RetryInterrupted
			}
		}
		lastErr = r.attempt(ctx, op)
		if lastErr == nil {
			return RetrySent
		}
		if ctx.Err() != nil {
			return RetryInterrupted
		}
		log.Debug().Str("item", label).Int("attempt", attempt).Err(lastErr).Msg("attempt failed")
	}
	obs.GaveUp(ctx, label, lastErr)
	return RetryFailed
}

// attempt gets a token and runs op. A rejected token is refreshed once and
// the call repeated without spending an attempt.
func (r *Retrier) attempt(ctx context.Context, op Operation) error {
	token, err := r.auth.EnsureValid(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}
	err = op(ctx, token)
	if !errors.Is(err, remote.ErrUnauthorized) {
		return err
	}
	token, rerr := r.auth.Refresh(ctx)
	if rerr != nil {
		log.Warn().Err(rerr).Msg("re-authentication after rejected token failed")
		return err
	}
	return op(ctx, token)
}

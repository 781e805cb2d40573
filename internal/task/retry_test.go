package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalsync/internal/clock"
	"fiscalsync/internal/remote"
)

type stubAuth struct {
	mu         sync.Mutex
	ensureErr  error
	refreshErr error
	ensures    int
	refreshes  int
	token      string
}

func (a *stubAuth) EnsureValid(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensures++
	if a.ensureErr != nil {
		return "", a.ensureErr
	}
	if a.token == "" {
		return "tok-1", nil
	}
	return a.token, nil
}

func (a *stubAuth) Refresh(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	if a.refreshErr != nil {
		return "", a.refreshErr
	}
	a.token = "tok-2"
	return a.token, nil
}

type stubObserver struct {
	interruptAfter int
	checks         int
	retrying       []int
	gaveUp         []error
}

func (o *stubObserver) Interrupted() bool {
	o.checks++
	return o.interruptAfter > 0 && o.checks >= o.interruptAfter
}

func (o *stubObserver) Retrying(_ context.Context, _ string, attempt, _ int, _ error) {
	o.retrying = append(o.retrying, attempt)
}

func (o *stubObserver) GaveUp(_ context.Context, _ string, err error) {
	o.gaveUp = append(o.gaveUp, err)
}

func newTestRetrier(cfg RetryConfig, auth Authenticator) (*Retrier, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRetrier(cfg, auth, clk), clk
}

func TestRetrierStopsAfterMaxAttempts(t *testing.T) {
	r, clk := newTestRetrier(RetryConfig{MaxAttempts: 4, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}, &stubAuth{})
	obs := &stubObserver{}
	calls := 0
	boom := errors.New("boom")

	res := r.Do(context.Background(), "a.xml", obs, func(context.Context, string) error {
		calls++
		return boom
	})
	assert.Equal(t, RetryFailed, res)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{2, 3, 4}, obs.retrying)
	require.Len(t, obs.gaveUp, 1)
	assert.ErrorIs(t, obs.gaveUp[0], boom)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clk.Sleeps())
}

func TestRetrierSucceedsAfterTransientFailures(t *testing.T) {
	r, clk := newTestRetrier(RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}, &stubAuth{})
	obs := &stubObserver{}
	calls := 0

	res := r.Do(context.Background(), "a.xml", obs, func(context.Context, string) error {
		calls++
		if calls <= 2 {
			return errors.New("timeout")
		}
		return nil
	})
	assert.Equal(t, RetrySent, res)
	assert.Equal(t, 3, calls)
	assert.Empty(t, obs.gaveUp)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestRetrierCapsDelay(t *testing.T) {
	r, clk := newTestRetrier(RetryConfig{MaxAttempts: 4, InitialDelay: time.Second, Multiplier: 10, MaxDelay: 5 * time.Second}, &stubAuth{})
	r.Do(context.Background(), "x", &stubObserver{}, func(context.Context, string) error { return errors.New("no") })
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 5 * time.Second}, clk.Sleeps())
}

func TestRetrierRefreshesRejectedToken(t *testing.T) {
	auth := &stubAuth{}
	r, clk := newTestRetrier(RetryConfig{MaxAttempts: 1}, auth)
	var tokens []string

	res := r.Do(context.Background(), "a.xml", &stubObserver{}, func(_ context.Context, token string) error {
		tokens = append(tokens, token)
		if token == "tok-1" {
			return remote.ErrUnauthorized
		}
		return nil
	})
	assert.Equal(t, RetrySent, res)
	assert.Equal(t, []string{"tok-1", "tok-2"}, tokens)
	assert.Equal(t, 1, auth.refreshes)
	assert.Empty(t, clk.Sleeps())
}

func TestRetrierFailedRefreshSpendsTheAttempt(t *testing.T) {
	auth := &stubAuth{refreshErr: errors.New("down")}
	r, _ := newTestRetrier(RetryConfig{MaxAttempts: 2}, auth)
	calls := 0
	res := r.Do(context.Background(), "a.xml", &stubObserver{}, func(context.Context, string) error {
		calls++
		return remote.ErrUnauthorized
	})
	assert.Equal(t, RetryFailed, res)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, auth.refreshes)
}

func TestRetrierInterruptedBetweenAttempts(t *testing.T) {
	r, clk := newTestRetrier(RetryConfig{MaxAttempts: 5}, &stubAuth{})
	obs := &stubObserver{interruptAfter: 1}
	calls := 0
	res := r.Do(context.Background(), "a.xml", obs, func(context.Context, string) error {
		calls++
		return errors.New("fail")
	})
	assert.Equal(t, RetryInterrupted, res)
	assert.Equal(t, 1, calls)
	assert.Empty(t, obs.gaveUp)
	assert.Empty(t, clk.Sleeps())
}

func TestRetrierAuthFailureCountsAsAttempt(t *testing.T) {
	r, _ := newTestRetrier(RetryConfig{MaxAttempts: 2}, &stubAuth{ensureErr: errors.New("no session")})
	obs := &stubObserver{}
	calls := 0
	res := r.Do(context.Background(), "a.xml", obs, func(context.Context, string) error {
		calls++
		return nil
	})
	assert.Equal(t, RetryFailed, res)
	assert.Zero(t, calls)
	require.Len(t, obs.gaveUp, 1)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "file too large for the server", describe(remote.ErrTooLarge))
	assert.Equal(t, "rejected by the server (http 422)", describe(&remote.RejectedError{Status: 422}))
	assert.Equal(t, "boom", describe(errors.New("boom")))
}

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalsync/internal/clock"
	"fiscalsync/internal/remote"
	"fiscalsync/internal/storage"
)

type fakeSignIn struct {
	calls   int
	results []error
}

func (f *fakeSignIn) signIn(_ context.Context, user, pass string) (string, error) {
	f.calls++
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			return "", err
		}
	}
	return user + ":" + pass + ":token", nil
}

func newTestManager(t *testing.T, fs *fakeSignIn) (*Manager, *clock.Fake, storage.Repository) {
	t.Helper()
	repo := storage.NewMemory()
	c, err := NewCipher("test-secret")
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	m := NewManager(repo, fs.signIn, c, Options{
		TokenLifetime:  time.Hour,
		RefreshMargin:  5 * time.Minute,
		SignInAttempts: 3,
		SignInDelay:    time.Second,
		Clock:          clk,
	})
	return m, clk, repo
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("k1")
	require.NoError(t, err)
	sealed, err := c.Seal("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	other, _ := NewCipher("k2")
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = c.Open("short")
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = NewCipher("")
	assert.Error(t, err)
}

func TestEnsureValidWithoutCredentials(t *testing.T) {
	fs := &fakeSignIn{}
	m, _, _ := newTestManager(t, fs)
	_, err := m.EnsureValid(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, StateFailed, m.State())
	assert.Zero(t, fs.calls)
}

func TestEnsureValidCachesUntilExpiring(t *testing.T) {
	fs := &fakeSignIn{}
	m, clk, repo := newTestManager(t, fs)
	ctx := context.Background()
	require.NoError(t, m.SetCredentials(ctx, "ana", "pw"))
	assert.Equal(t, StateNoSession, m.State())

	tok, err := m.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ana:pw:token", tok)
	assert.Equal(t, StateAuthenticated, m.State())

	_, err = m.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fs.calls)

	stored, err := repo.AuthSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, stored.Token)
	assert.NotEqual(t, "pw", stored.Password)

	clk.Advance(56 * time.Minute)
	assert.Equal(t, StateExpiring, m.State())
	_, err = m.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.calls)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestSignInRetriesTransientFailures(t *testing.T) {
	fs := &fakeSignIn{results: []error{errors.New("timeout"), errors.New("timeout")}}
	m, clk, _ := newTestManager(t, fs)
	ctx := context.Background()
	require.NoError(t, m.SetCredentials(ctx, "ana", "pw"))

	_, err := m.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, fs.calls)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, clk.Sleeps())
}

func TestSignInGivesUp(t *testing.T) {
	fs := &fakeSignIn{results: []error{errors.New("a"), errors.New("b"), errors.New("c"), nil}}
	m, _, _ := newTestManager(t, fs)
	ctx := context.Background()
	require.NoError(t, m.SetCredentials(ctx, "ana", "pw"))

	_, err := m.EnsureValid(ctx)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, 3, fs.calls)
	assert.Equal(t, StateFailed, m.State())
}

func TestInvalidCredentialsStopEarly(t *testing.T) {
	fs := &fakeSignIn{results: []error{remote.ErrInvalidCredentials}}
	m, _, _ := newTestManager(t, fs)
	ctx := context.Background()
	require.NoError(t, m.SetCredentials(ctx, "ana", "bad"))

	_, err := m.EnsureValid(ctx)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.ErrorIs(t, err, remote.ErrInvalidCredentials)
	assert.Equal(t, 1, fs.calls)
}

func TestRefreshForcesSignInAndLoadRestores(t *testing.T) {
	fs := &fakeSignIn{}
	m, _, repo := newTestManager(t, fs)
	ctx := context.Background()
	require.NoError(t, m.SetCredentials(ctx, "ana", "pw"))
	_, err := m.EnsureValid(ctx)
	require.NoError(t, err)
	_, err = m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.calls)

	// a fresh manager over the same store reuses the persisted token
	c, _ := NewCipher("test-secret")
	again := NewManager(repo, fs.signIn, c, Options{Clock: m.opts.Clock})
	require.NoError(t, again.Load(ctx))
	assert.Equal(t, StateAuthenticated, again.State())
	assert.Equal(t, "ana", again.Username())
	_, err = again.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.calls)
}

func TestStaticKey(t *testing.T) {
	tok, err := StaticKey("abc").EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
	_, err = StaticKey("").Refresh(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)
}

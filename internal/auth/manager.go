// Package auth keeps the upload service bearer token fresh and stores the
// operator credentials encrypted at rest.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"fiscalsync/internal/clock"
	"fiscalsync/internal/remote"
	"fiscalsync/internal/storage"
)

// State is the session lifecycle position.
type State string

const (
	StateNoSession      State = "no_session"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateExpiring       State = "expiring"
	StateFailed         State = "failed"
)

// SignInFunc exchanges credentials for a token.
type SignInFunc func(ctx context.Context, username, password string) (string, error)

// Options configures a Manager.
type Options struct {
	TokenLifetime  time.Duration
	RefreshMargin  time.Duration
	SignInAttempts int
	SignInDelay    time.Duration
	Clock          clock.Clock
}

// Manager owns the cached session. It is safe for concurrent use; sign-ins
// are serialized.
type Manager struct {
	repo   storage.Repository
	signIn SignInFunc
	cipher *Cipher
	opts   Options

	mu      sync.Mutex
	loaded  bool
	session storage.AuthSession
	state   State
}

// NewManager builds a Manager. Zero options fall back to a 1h lifetime, a
// 5m refresh margin and 3 sign-in attempts 2s apart.
func NewManager(repo storage.Repository, signIn SignInFunc, cipher *Cipher, opts Options) *Manager {
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = time.Hour
	}
	if opts.RefreshMargin < 0 || opts.RefreshMargin >= opts.TokenLifetime {
		opts.RefreshMargin = 5 * time.Minute
	}
	if opts.SignInAttempts < 1 {
		opts.SignInAttempts = 3
	}
	if opts.SignInDelay <= 0 {
		opts.SignInDelay = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Manager{repo: repo, signIn: signIn, cipher: cipher, opts: opts, state: StateNoSession}
}

// Load reads the persisted session. A missing record leaves the manager in
// StateNoSession without error.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx)
}

func (m *Manager) loadLocked(ctx context.Context) error {
	s, err := m.repo.AuthSession(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.session = storage.AuthSession{}
	case err != nil:
		return fmt.Errorf("load auth session: %w", err)
	default:
		m.session = s
	}
	m.loaded = true
	m.state = m.currentState()
	return nil
}

// State reports where the session currently is.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed || m.state == StateAuthenticating {
		return m.state
	}
	return m.currentState()
}

// Username returns the configured user, empty when none.
func (m *Manager) Username() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Username
}

func (m *Manager) currentState() State {
	if m.session.Token == "" {
		return StateNoSession
	}
	expiringAt := m.session.AcquiredAt.Add(m.opts.TokenLifetime - m.opts.RefreshMargin)
	if !m.opts.Clock.Now().Before(expiringAt) {
		return StateExpiring
	}
	return StateAuthenticated
}

// SetCredentials stores new credentials and drops the cached token.
func (m *Manager) SetCredentials(ctx context.Context, username, password string) error {
	sealed, err := m.cipher.Seal(password)
	if err != nil {
		return fmt.Errorf("seal password: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := storage.AuthSession{Username: username, Password: sealed}
	if err := m.repo.SaveAuthSession(ctx, s); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	m.session = s
	m.loaded = true
	m.state = StateNoSession
	return nil
}

// EnsureValid returns the cached token unless it is missing or expiring, in
// which case it signs in again.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		if err := m.loadLocked(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}
	if m.currentState() == StateAuthenticated {
		return m.session.Token, nil
	}
	return m.signInLocked(ctx)
}

// Refresh signs in regardless of the cached token.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		if err := m.loadLocked(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}
	return m.signInLocked(ctx)
}

func (m *Manager) signInLocked(ctx context.Context) (string, error) {
	if m.session.Username == "" || m.session.Password == "" {
		m.state = StateFailed
		return "", fmt.Errorf("%w: %w", ErrAuthFailed, ErrNoCredentials)
	}
	password, err := m.cipher.Open(m.session.Password)
	if err != nil {
		m.state = StateFailed
		return "", fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	m.state = StateAuthenticating
	var token string
	op := func() error {
		t, err := m.signIn(ctx, m.session.Username, password)
		if errors.Is(err, remote.ErrInvalidCredentials) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err //nolint:wrapcheck
		}
		token = t
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.SignInDelay), uint64(m.opts.SignInAttempts-1)), //nolint:gosec
		ctx,
	)
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("sign-in failed, retrying")
	}
	if err := backoff.RetryNotifyWithTimer(op, policy, notify, &clockTimer{clock: m.opts.Clock}); err != nil {
		m.state = StateFailed
		log.Error().Err(err).Str("user", m.session.Username).Msg("sign-in failed")
		return "", fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	m.session.Token = token
	m.session.AcquiredAt = m.opts.Clock.Now()
	if err := m.repo.SaveAuthSession(ctx, m.session); err != nil {
		// the token is usable even when it could not be cached
		log.Warn().Err(err).Msg("persist auth session failed")
	}
	m.state = StateAuthenticated
	log.Info().Str("user", m.session.Username).Msg("signed in")
	return token, nil
}

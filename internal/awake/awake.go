// Package awake keeps the machine from sleeping while a job runs.
package awake

import (
	"context"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"
)

// Inhibitor acquires a sleep hold. The returned release func is idempotent.
type Inhibitor interface {
	Acquire(ctx context.Context, reason string) func()
}

// Noop never holds anything.
type Noop struct{}

func (Noop) Acquire(context.Context, string) func() { return func() {} }

// Systemd holds a systemd-inhibit lock by running a child that blocks until
// released. When systemd-inhibit is missing the hold is skipped.
type Systemd struct {
	// Binary defaults to systemd-inhibit.
	Binary string
}

func (s Systemd) Acquire(ctx context.Context, reason string) func() {
	bin := s.Binary
	if bin == "" {
		bin = "systemd-inhibit"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		log.Debug().Err(err).Msg("keep-awake unavailable")
		return func() {}
	}

	holdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(holdCtx, path, //nolint:gosec // fixed binary
		"--what=sleep:idle", "--who=fiscalsync", "--why="+reason, "--mode=block",
		"sleep", "infinity")
	if err := cmd.Start(); err != nil {
		cancel()
		log.Warn().Err(err).Msg("keep-awake start failed")
		return func() {}
	}
	log.Debug().Str("reason", reason).Msg("keep-awake acquired")

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = cmd.Wait()
			log.Debug().Str("reason", reason).Msg("keep-awake released")
		})
	}
}

// New returns the systemd inhibitor when enabled, Noop otherwise.
func New(enabled bool) Inhibitor {
	if !enabled {
		return Noop{}
	}
	return Systemd{}
}

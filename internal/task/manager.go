package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"fiscalsync/internal/storage"
	"fiscalsync/internal/transport"
)

// Job is the control surface of one orchestrator.
type Job interface {
	Kind() storage.JobKind
	Launch(ctx context.Context, p Params, done func()) error
	Running() bool
	Pause()
	Resume()
	Cancel()
	Snapshot() State
}

// Manager routes control commands to the job of each kind and tracks the
// goroutines running them.
type Manager struct {
	mu        sync.RWMutex
	jobs      map[storage.JobKind]Job
	workersWG sync.WaitGroup
	baseCtx   context.Context
}

// NewManager registers jobs by kind. A later job replaces an earlier one of
// the same kind.
func NewManager(jobs ...Job) *Manager {
	m := &Manager{
		jobs:    make(map[storage.JobKind]Job, len(jobs)),
		baseCtx: context.Background(),
	}
	for _, j := range jobs {
		m.jobs[j.Kind()] = j
	}
	return m
}

// SetBaseContext sets the context runs execute under. Intended to be set at
// process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// Handle applies a control command. Runs are not bound to ctx; they live
// until they end or the base context is cancelled.
func (m *Manager) Handle(_ context.Context, cmd transport.Command) error {
	m.mu.RLock()
	job, ok := m.jobs[cmd.Kind]
	base := m.baseCtx
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, cmd.Kind)
	}

	switch cmd.Action {
	case transport.ActionStart:
		m.workersWG.Add(1)
		if err := job.Launch(base, Params{CountOnly: cmd.CountOnly}, m.workersWG.Done); err != nil {
			m.workersWG.Done()
			return err
		}
		log.Info().Str("kind", string(cmd.Kind)).Bool("count_only", cmd.CountOnly).Msg("start requested")
	case transport.ActionPause:
		if !job.Running() {
			return ErrNotRunning
		}
		job.Pause()
	case transport.ActionResume:
		if !job.Running() {
			return ErrNotRunning
		}
		job.Resume()
	case transport.ActionStop:
		if !job.Running() {
			return ErrNotRunning
		}
		job.Cancel()
	default:
		return fmt.Errorf("%w: unknown action %q", transport.ErrBadCommand, cmd.Action)
	}
	return nil
}

// Snapshots returns the state of every job ordered by kind.
func (m *Manager) Snapshots() []State {
	m.mu.RLock()
	out := make([]State, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// IsBusy reports whether any job is running.
func (m *Manager) IsBusy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.Running() {
			return true
		}
	}
	return false
}

// WaitAll blocks until all running jobs finish or the context is done.
// Returns true if all finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

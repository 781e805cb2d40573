// Package task runs the long-lived jobs: discover or plan a working set,
// process it item by item with retries, and report progress. Runs can be
// paused, resumed and cancelled from any goroutine.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"fiscalsync/internal/awake"
	"fiscalsync/internal/clock"
	"fiscalsync/internal/progress"
	"fiscalsync/internal/remote"
	"fiscalsync/internal/storage"
	"fiscalsync/internal/transport"
)

const (
	msgNoCredentials = "could not authenticate, check the configured credentials"
	msgNothingToDo   = "nothing to process"
)

// Plan is the working set of a run.
type Plan[T any] struct {
	Items []T
	// EmptyMessage concludes the run when Items is empty.
	EmptyMessage string
}

// Strategy supplies the kind-specific parts of a run.
type Strategy[T any] interface {
	Plan(ctx context.Context, run *Run) (Plan[T], error)
	Process(ctx context.Context, run *Run, item T) (Outcome, error)
	Label(item T) string
}

// Deps are the collaborators shared by every run of a job kind.
type Deps struct {
	Auth      Authenticator
	Reporter  *progress.Reporter
	Inhibitor awake.Inhibitor
	Clock     clock.Clock
}

// loader is implemented by authenticators that cache a persisted session.
type loader interface {
	Load(ctx context.Context) error
}

// control is the part of an orchestrator that does not depend on the item
// type; Run hands it to strategies.
type control struct {
	kind      storage.JobKind
	cfg       Config
	auth      Authenticator
	reporter  *progress.Reporter
	inhibitor awake.Inhibitor
	clock     clock.Clock
	retrier   *Retrier

	running   atomic.Bool
	paused    atomic.Bool
	cancelled atomic.Bool

	mu    sync.Mutex
	state State
}

// Orchestrator drives one job kind. At most one run is active at a time.
type Orchestrator[T any] struct {
	*control
	strategy Strategy[T]
}

// NewOrchestrator wires a strategy to its collaborators.
func NewOrchestrator[T any](kind storage.JobKind, strategy Strategy[T], deps Deps, cfg Config) *Orchestrator[T] {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Inhibitor == nil {
		deps.Inhibitor = awake.Noop{}
	}
	return &Orchestrator[T]{
		control: &control{
			kind:      kind,
			cfg:       cfg,
			auth:      deps.Auth,
			reporter:  deps.Reporter,
			inhibitor: deps.Inhibitor,
			clock:     deps.Clock,
			retrier:   NewRetrier(cfg.Retry, deps.Auth, deps.Clock),
			state:     State{Kind: kind, Status: transport.StatusIdle},
		},
		strategy: strategy,
	}
}

func (c *control) Kind() storage.JobKind { return c.kind }

// Running reports whether a run is active.
func (c *control) Running() bool { return c.running.Load() }

// Pause asks the running loop to hold before its next item.
func (c *control) Pause() { c.paused.Store(true) }

// Resume releases a pause.
func (c *control) Resume() { c.paused.Store(false) }

// Cancel asks the running loop to stop before its next item.
func (c *control) Cancel() { c.cancelled.Store(true) }

// Snapshot returns a copy of the run state.
func (c *control) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *control) update(fn func(s *State)) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
	return c.state
}

// claim takes the single-run guard and clears leftover signals.
func (c *control) claim() bool {
	if !c.running.CompareAndSwap(false, true) {
		return false
	}
	c.paused.Store(false)
	c.cancelled.Store(false)
	return true
}

func (c *control) report(ctx context.Context, msg string, chatter bool, fileName string) {
	s := c.Snapshot()
	c.reporter.Report(ctx, progress.Update{
		Message:   msg,
		Status:    s.Status,
		Processed: s.Processed,
		Current:   s.Index,
		Total:     s.Total,
		Sent:      s.Sent,
		FileName:  fileName,
		Chatter:   chatter,
	})
}

func (c *control) setStatus(st transport.Status) {
	c.update(func(s *State) { s.Status = st })
}

// Run executes one run on the calling goroutine and returns its terminal status.
func (o *Orchestrator[T]) Run(ctx context.Context, p Params) (transport.Status, error) {
	if !o.claim() {
		return "", ErrAlreadyRunning
	}
	return o.execute(ctx, p), nil
}

// Launch starts a run on a new goroutine and calls done when it ends.
func (o *Orchestrator[T]) Launch(ctx context.Context, p Params, done func()) error {
	if !o.claim() {
		return ErrAlreadyRunning
	}
	go func() {
		defer done()
		o.execute(ctx, p)
	}()
	return nil
}

func (o *Orchestrator[T]) execute(ctx context.Context, p Params) transport.Status {
	defer o.running.Store(false)

	release := o.inhibitor.Acquire(ctx, fmt.Sprintf("sending %s", o.kind))
	rec := o.reporter.Begin(ctx, release)
	o.update(func(s *State) {
		*s = State{Kind: o.kind, Status: transport.StatusRunning, RunID: rec.ID, StartedAt: rec.StartedAt}
	})
	run := &Run{ID: rec.ID, Params: p, ctl: o.control}
	log.Info().Str("kind", string(o.kind)).Str("run_id", rec.ID).Msg("job started")

	if l, ok := o.auth.(loader); ok {
		if err := l.Load(ctx); err != nil {
			log.Warn().Str("kind", string(o.kind)).Err(err).Msg("load auth session failed")
		}
	}
	o.report(ctx, "preparing the working set", false, "")

	var plan Plan[T]
	var err error
	for {
		if o.cancelled.Load() || ctx.Err() != nil {
			return o.cancelRun(ctx)
		}
		plan, err = o.plan(ctx, run)
		if o.cancelled.Load() || ctx.Err() != nil {
			return o.cancelRun(ctx)
		}
		if !errors.Is(err, ErrInterrupted) {
			break
		}
		o.holdWhilePaused(ctx)
	}
	if err != nil {
		log.Error().Str("kind", string(o.kind)).Err(err).Msg("plan failed")
		return o.finish(ctx, transport.StatusStopped, "could not prepare the job: "+err.Error())
	}
	if len(plan.Items) == 0 {
		msg := plan.EmptyMessage
		if msg == "" {
			msg = msgNothingToDo
		}
		return o.finish(ctx, transport.StatusConcluded, msg)
	}
	o.update(func(s *State) { s.Total = len(plan.Items) })

	if _, err := o.auth.EnsureValid(ctx); err != nil {
		log.Error().Str("kind", string(o.kind)).Err(err).Msg("authentication failed")
		return o.finish(ctx, transport.StatusStopped, msgNoCredentials)
	}

	index, resumes := 0, 0
	for {
		next, status, err := o.loop(ctx, plan.Items, index, run)
		if err == nil {
			return status
		}
		resumes++
		log.Error().Str("kind", string(o.kind)).Int("index", next).Int("resume", resumes).Err(err).Msg("run interrupted by unexpected error")
		if resumes > o.cfg.ResumeLimit {
			o.update(func(s *State) { s.HasError = true })
			return o.finish(ctx, transport.StatusStopped, fmt.Sprintf("stopped after an unexpected error at item %d: %v", next+1, err))
		}
		o.report(ctx, fmt.Sprintf("an error occurred at item %d, attempting to continue", next+1), false, "")
		if _, err := o.auth.Refresh(ctx); err != nil {
			log.Error().Str("kind", string(o.kind)).Err(err).Msg("re-authentication failed")
			return o.finish(ctx, transport.StatusStopped, msgNoCredentials)
		}
		index = next
	}
}

// loop processes items from start. It returns the failing index and the
// error when processing escapes with an error or panic.
func (o *Orchestrator[T]) loop(ctx context.Context, items []T, start int, run *Run) (int, transport.Status, error) {
	for i := start; i < len(items); {
		if o.cancelled.Load() || ctx.Err() != nil {
			return i, o.cancelRun(ctx), nil
		}
		if o.paused.Load() {
			o.holdWhilePaused(ctx)
			continue
		}

		item := items[i]
		label := o.strategy.Label(item)
		o.update(func(s *State) { s.Index = i })
		out, err := o.process(ctx, run, item)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return i, "", err
		}
		if out.Status == OutcomeInterrupted {
			o.update(func(s *State) { s.Sent += out.Sent })
			continue
		}
		o.apply(out)
		i++
		o.update(func(s *State) { s.Index = i })
		o.report(ctx, fmt.Sprintf("%s: %s", label, out.Status), true, label)
	}
	s := o.Snapshot()
	if s.Errored > 0 || s.HasError {
		return len(items), o.finish(ctx, transport.StatusConcluded, fmt.Sprintf("concluded with %d errors: %d files sent", s.Errored, s.Sent)), nil
	}
	return len(items), o.finish(ctx, transport.StatusConcluded, fmt.Sprintf("concluded: %d files sent", s.Sent)), nil
}

// plan runs the strategy's Plan, turning a panic into an error.
func (o *Orchestrator[T]) plan(ctx context.Context, run *Run) (p Plan[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("kind", string(o.kind)).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("planning panicked")
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return o.strategy.Plan(ctx, run)
}

func (o *Orchestrator[T]) process(ctx context.Context, run *Run, item T) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("kind", string(o.kind)).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("item processing panicked")
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return o.strategy.Process(ctx, run, item)
}

// holdWhilePaused reports the pause once and polls until it is released,
// cancelled or ctx ends. Only a released pause is reported as resumed.
func (c *control) holdWhilePaused(ctx context.Context) {
	if !c.paused.Load() {
		return
	}
	c.setStatus(transport.StatusPaused)
	c.report(ctx, "paused", false, "")
	for c.paused.Load() && !c.cancelled.Load() && ctx.Err() == nil {
		_ = clock.Sleep(ctx, c.clock, c.cfg.PausePollInterval)
	}
	if c.cancelled.Load() || ctx.Err() != nil {
		return
	}
	c.setStatus(transport.StatusRunning)
	c.report(ctx, "resumed", false, "")
}

func (c *control) apply(out Outcome) {
	c.update(func(s *State) {
		s.Processed++
		s.Sent += out.Sent
		switch out.Status {
		case OutcomeInvalid:
			s.Invalid++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeFailed:
			s.Errored++
			s.HasError = true
		}
	})
}

func (c *control) cancelRun(ctx context.Context) transport.Status {
	s := c.Snapshot()
	st := c.finish(ctx, transport.StatusStopped, fmt.Sprintf("cancelled: %d files sent", s.Sent))
	c.paused.Store(false)
	c.cancelled.Store(false)
	return st
}

func (c *control) finish(ctx context.Context, st transport.Status, msg string) transport.Status {
	c.setStatus(st)
	c.report(ctx, msg, false, "")
	s := c.Snapshot()
	log.Info().Str("kind", string(c.kind)).Str("run_id", s.RunID).Str("status", string(st)).
		Int("sent", s.Sent).Int("errored", s.Errored).Int("invalid", s.Invalid).Msg(msg)
	return st
}

// Run is the handle strategies use during one run.
type Run struct {
	ID     string
	Params Params
	ctl    *control
}

// Interrupted reports a pending pause or cancel.
func (r *Run) Interrupted() bool { return r.ctl.paused.Load() || r.ctl.cancelled.Load() }

// Report records an operator message in the run log.
func (r *Run) Report(ctx context.Context, msg string) { r.ctl.report(ctx, msg, false, "") }

// Retry runs op under the job's retry policy.
func (r *Run) Retry(ctx context.Context, label string, op Operation) RetryResult {
	return r.ctl.retrier.Do(ctx, label, r, op)
}

// RecordError counts a failure that did not fail the whole item.
func (r *Run) RecordError() {
	r.ctl.update(func(s *State) {
		s.Errored++
		s.HasError = true
	})
}

func (r *Run) Retrying(ctx context.Context, label string, attempt, maxAttempts int, err error) {
	r.ctl.report(ctx, fmt.Sprintf("%s: retrying (%d/%d) after: %s", label, attempt, maxAttempts, describe(err)), true, label)
}

func (r *Run) GaveUp(ctx context.Context, label string, err error) {
	r.ctl.update(func(s *State) { s.HasError = true })
	r.ctl.report(ctx, fmt.Sprintf("%s: could not be sent: %s", label, describe(err)), false, label)
}

// describe turns an upload error into an operator message.
func describe(err error) string {
	var rejected *remote.RejectedError
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, remote.ErrTooLarge):
		return "file too large for the server"
	case errors.As(err, &rejected):
		return fmt.Sprintf("rejected by the server (http %d)", rejected.Status)
	default:
		return err.Error()
	}
}

// Package progress turns job state changes into operator events and keeps
// the run history record.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fiscalsync/internal/clock"
	"fiscalsync/internal/storage"
	"fiscalsync/internal/transport"
)

const logTimeLayout = "2006-01-02 15:04:05"

// Update is one state change reported by a running job.
type Update struct {
	Message   string
	Status    transport.Status
	Processed int
	Current   int
	Total     int
	// Sent is the running count of delivered files; stored on the run at the end.
	Sent     int
	FileName string
	// Chatter marks per-file noise that is sent but not kept in the run log.
	Chatter bool
}

// Reporter belongs to one job kind. Begin starts a new run; Report never
// fails, sink and storage errors are logged.
type Reporter struct {
	kind  storage.JobKind
	repo  storage.Repository
	sink  transport.Sink
	clock clock.Clock

	mu       sync.Mutex
	run      storage.JobRun
	release  func()
	finished bool
	last     transport.Event
}

// NewReporter builds a Reporter. A nil clock means the wall clock.
func NewReporter(kind storage.JobKind, repo storage.Repository, sink transport.Sink, c clock.Clock) *Reporter {
	if c == nil {
		c = clock.Real()
	}
	return &Reporter{
		kind:     kind,
		repo:     repo,
		sink:     sink,
		clock:    c,
		finished: true,
		last:     transport.Event{Kind: kind, Status: transport.StatusIdle},
	}
}

// Begin opens a run record. release is called once when the run ends.
func (r *Reporter) Begin(ctx context.Context, release func()) storage.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run = storage.JobRun{ID: uuid.NewString(), Kind: r.kind, StartedAt: r.clock.Now().UTC()}
	r.release = release
	r.finished = false
	if err := r.repo.CreateRun(ctx, r.run); err != nil {
		log.Error().Str("kind", string(r.kind)).Str("run_id", r.run.ID).Err(err).Msg("create run failed")
	}
	return r.run
}

// Report computes rates, records the message and emits the event.
func (r *Reporter) Report(ctx context.Context, u Update) {
	r.mu.Lock()
	now := r.clock.Now()
	ev := transport.Event{
		Kind:         r.kind,
		Message:      u.Message,
		CurrentIndex: u.Current,
		Total:        u.Total,
		Status:       u.Status,
		ID:           r.run.ID,
		StartedAt:    r.run.StartedAt,
		LastFileName: u.FileName,
	}
	ev.ProgressPct, ev.Throughput, ev.EtaSeconds = rates(u.Processed, u.Total, now.Sub(r.run.StartedAt))
	if !u.Chatter && u.Message != "" {
		r.run.Log = append(r.run.Log, fmt.Sprintf("[%s] %s", now.Format(logTimeLayout), u.Message))
	}
	r.last = ev

	var (
		finish  bool
		release func()
		run     storage.JobRun
	)
	if u.Status.Terminal() && !r.finished {
		r.finished = true
		finish = true
		release, r.release = r.release, nil
		ended := now.UTC()
		r.run.EndedAt = &ended
		r.run.FilesSent = u.Sent
		run = r.run
		run.Log = append([]string(nil), r.run.Log...)
	}
	r.mu.Unlock()

	if err := r.sink.Send(ctx, ev); err != nil {
		log.Warn().Str("kind", string(r.kind)).Err(err).Msg("send progress event failed")
	}
	if !finish {
		return
	}
	if release != nil {
		release()
	}
	// the run is closed even when the job context is already cancelled
	if err := r.repo.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error().Str("kind", string(r.kind)).Str("run_id", run.ID).Err(err).Msg("finish run failed")
	}
}

// Last returns the most recent event.
func (r *Reporter) Last() transport.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// rates returns progress percentage, items per second and remaining seconds.
func rates(processed, total int, elapsed time.Duration) (pct, throughput, eta float64) {
	if total > 0 {
		pct = float64(processed) / float64(total) * 100
	}
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(processed) / secs
	}
	if throughput > 0 && total > processed {
		eta = float64(total-processed) / throughput
	}
	return pct, throughput, eta
}

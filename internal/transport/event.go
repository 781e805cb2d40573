// Package transport carries progress events to connected operators and
// control commands back to the job manager over a single WebSocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fiscalsync/internal/storage"
)

// Status is the job state carried by an event.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusConcluded Status = "concluded"
	StatusStopped   Status = "stopped"
	// StatusRejected answers a command that could not be applied.
	StatusRejected Status = "rejected"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool { return s == StatusConcluded || s == StatusStopped }

// Event is one progress notification.
type Event struct {
	Kind         storage.JobKind `json:"kind"`
	Message      string          `json:"message"`
	ProgressPct  float64         `json:"progressPct"`
	CurrentIndex int             `json:"currentIndex"`
	Total        int             `json:"total"`
	Status       Status          `json:"status"`
	ID           string          `json:"id"`
	StartedAt    time.Time       `json:"startedAt"`
	EtaSeconds   float64         `json:"etaSeconds"`
	Throughput   float64         `json:"throughput"`
	LastFileName string          `json:"lastFileName,omitempty"`
}

// Sink receives events in emission order.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Action is a control verb.
type Action string

const (
	ActionStart  Action = "start"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionStop   Action = "stop"
)

// Command is an inbound control message.
type Command struct {
	Action    Action          `json:"action"`
	Kind      storage.JobKind `json:"kind"`
	CountOnly bool            `json:"countOnly,omitempty"`
}

var ErrBadCommand = errors.New("invalid command")

// Validate checks the action and kind.
func (c Command) Validate() error {
	switch c.Action {
	case ActionStart, ActionPause, ActionResume, ActionStop:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrBadCommand, c.Action)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrBadCommand, c.Kind)
	}
	return nil
}

// CommandHandler applies control commands.
type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) error
}

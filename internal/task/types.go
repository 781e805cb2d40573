package task

import (
	"time"

	"fiscalsync/internal/storage"
	"fiscalsync/internal/transport"
)

// Params are the start parameters of a run.
type Params struct {
	// CountOnly makes the provider job report availability without downloading.
	CountOnly bool
}

// State is the in-memory picture of the current or last run of a job kind.
type State struct {
	Kind      storage.JobKind  `json:"kind"`
	Status    transport.Status `json:"status"`
	RunID     string           `json:"run_id,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Index     int              `json:"index"`
	Total     int              `json:"total"`
	Processed int              `json:"processed"`
	Sent      int              `json:"sent"`
	Errored   int              `json:"errored"`
	Invalid   int              `json:"invalid"`
	Skipped   int              `json:"skipped"`
	HasError  bool             `json:"has_error"`
}

// OutcomeStatus is what happened to one item.
type OutcomeStatus int

const (
	OutcomeSent OutcomeStatus = iota
	OutcomeSkipped
	OutcomeInvalid
	OutcomeFailed
	// OutcomeInterrupted means pause or cancel cut the item short; it is
	// processed again from the start once the job continues.
	OutcomeInterrupted
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeFailed:
		return "failed"
	case OutcomeInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Outcome is returned by a strategy for every processed item.
type Outcome struct {
	Status OutcomeStatus
	// Sent is how many files this item delivered or wrote.
	Sent   int
	Reason string
}

func sent(n int) Outcome { return Outcome{Status: OutcomeSent, Sent: n} }
func skipped(why string) Outcome { return Outcome{Status: OutcomeSkipped, Reason: why} }
func invalid(why string) Outcome { return Outcome{Status: OutcomeInvalid, Reason: why} }
func failed(why string) Outcome { return Outcome{Status: OutcomeFailed, Reason: why} }

var interrupted = Outcome{Status: OutcomeInterrupted}

// Config tunes an orchestrator.
type Config struct {
	PausePollInterval time.Duration
	// ResumeLimit caps how often a run re-enters its loop after an
	// unexpected error. Zero means the default of one, negative disables it.
	ResumeLimit int
	Retry       RetryConfig
}

// RetryConfig is the per-item retry policy.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

const (
	defaultPausePoll    = time.Second
	defaultResumeLimit  = 1
	defaultMaxAttempts  = 3
	defaultInitialDelay = time.Second
	defaultMultiplier   = 2
	defaultMaxDelay     = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PausePollInterval <= 0 {
		c.PausePollInterval = defaultPausePoll
	}
	switch {
	case c.ResumeLimit == 0:
		c.ResumeLimit = defaultResumeLimit
	case c.ResumeLimit < 0:
		c.ResumeLimit = 0
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	return c
}

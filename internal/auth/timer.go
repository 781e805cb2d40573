package auth

import (
	"time"

	"fiscalsync/internal/clock"
)

// clockTimer drives backoff waits from an injectable clock.
type clockTimer struct {
	clock clock.Clock
	ch    <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.ch = t.clock.After(d) }
func (t *clockTimer) Stop()                 {}
func (t *clockTimer) C() <-chan time.Time   { return t.ch }

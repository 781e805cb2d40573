package awake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSelectsImplementation(t *testing.T) {
	assert.IsType(t, Noop{}, New(false))
	assert.IsType(t, Systemd{}, New(true))
}

func TestMissingBinaryIsANoop(t *testing.T) {
	release := Systemd{Binary: "definitely-not-installed-inhibit"}.Acquire(context.Background(), "test")
	assert.NotPanics(t, func() {
		release()
		release()
	})
}

package enginecfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3500*time.Millisecond, cfg.ClickTimeout)
	assert.Equal(t, 5000*time.Millisecond, cfg.SettleTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.SettlePollRate)
	assert.Equal(t, 750*time.Millisecond, cfg.ExecutionContextWait)
	assert.Equal(t, 3, cfg.CaptureMaxRetries)
	assert.Equal(t, 150*time.Millisecond, cfg.CaptureRetryBackoff)
	assert.Equal(t, 1*time.Second, cfg.SnapshotMaxAge)
	assert.True(t, cfg.ScrollProbe)
}

func TestNew_NoOptionsMatchesDefault(t *testing.T) {
	assert.Equal(t, Default(), New())
}

func TestNew_OptionsApplyInOrder(t *testing.T) {
	cfg := New(
		WithClickTimeout(1*time.Second),
		WithSettleTimeout(2*time.Second),
		WithExecutionContextWait(500*time.Millisecond),
		WithCaptureMaxRetries(9),
		WithSnapshotMaxAge(10*time.Second),
		WithScrollProbe(false),
	)

	assert.Equal(t, 1*time.Second, cfg.ClickTimeout)
	assert.Equal(t, 2*time.Second, cfg.SettleTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.ExecutionContextWait)
	assert.Equal(t, 9, cfg.CaptureMaxRetries)
	assert.Equal(t, 10*time.Second, cfg.SnapshotMaxAge)
	assert.False(t, cfg.ScrollProbe)

	// untouched fields keep their default values.
	assert.Equal(t, 100*time.Millisecond, cfg.SettlePollRate)
	assert.Equal(t, 150*time.Millisecond, cfg.CaptureRetryBackoff)
}

func TestWithClickTimeout_LastOptionWins(t *testing.T) {
	cfg := New(WithClickTimeout(1*time.Second), WithClickTimeout(4*time.Second))
	assert.Equal(t, 4*time.Second, cfg.ClickTimeout)
}

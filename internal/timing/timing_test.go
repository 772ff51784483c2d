package timing

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNone_DelayNeverBlocks(t *testing.T) {
	var s Strategy = None{}
	start := time.Now()
	require.NoError(t, s.Delay(context.Background(), "click-hold"))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestNone_DelayUnknownStepStillNoop(t *testing.T) {
	var s Strategy = None{}
	require.NoError(t, s.Delay(context.Background(), "anything"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 40, cfg.ClickHoldMinMs)
	assert.Equal(t, 120, cfg.ClickHoldMaxMs)
	assert.Equal(t, 70.0, cfg.KeyHoldMeanMs)
}

func TestHumanoid_ClickHoldWithinBounds(t *testing.T) {
	cfg := Config{ClickHoldMinMs: 20, ClickHoldMaxMs: 200, KeyHoldMeanMs: 70}
	h := NewHumanoid(cfg, 1)

	for i := 0; i < 50; i++ {
		d := h.clickHoldDuration()
		assert.GreaterOrEqual(t, d, time.Duration(cfg.ClickHoldMinMs)*time.Millisecond)
		assert.LessOrEqual(t, d, time.Duration(cfg.ClickHoldMaxMs)*time.Millisecond)
	}
}

func TestHumanoid_KeyHoldNeverBelowOneMillisecond(t *testing.T) {
	cfg := Config{ClickHoldMinMs: 20, ClickHoldMaxMs: 200, KeyHoldMeanMs: 1}
	h := NewHumanoid(cfg, 2)

	for i := 0; i < 50; i++ {
		d := h.keyHoldDuration()
		assert.GreaterOrEqual(t, d, time.Millisecond)
	}
}

func TestHumanoid_DelayRespectsStepKind(t *testing.T) {
	h := NewHumanoid(DefaultConfig(), 3)

	start := time.Now()
	require.NoError(t, h.Delay(context.Background(), "click-hold"))
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(0))

	start = time.Now()
	require.NoError(t, h.Delay(context.Background(), "unrecognized-step"))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestHumanoid_DelayHonorsContextCancellation(t *testing.T) {
	cfg := Config{ClickHoldMinMs: 5000, ClickHoldMaxMs: 6000, KeyHoldMeanMs: 70}
	h := NewHumanoid(cfg, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.Delay(ctx, "click-hold")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHumanoid_DeterministicWithSameSeed(t *testing.T) {
	cfg := Config{ClickHoldMinMs: 20, ClickHoldMaxMs: 200, KeyHoldMeanMs: 70}
	a := NewHumanoid(cfg, 42)
	b := NewHumanoid(cfg, 42)

	for i := 0; i < 10; i++ {
		assert.Equal(t, a.clickHoldDuration(), b.clickHoldDuration())
	}
}

func TestPinkNoise_BoundedOutput(t *testing.T) {
	pn := newPinkNoise(rand.New(rand.NewSource(7)), 12)
	for i := 0; i < 1000; i++ {
		v := pn.next()
		assert.GreaterOrEqual(t, v, -1.5)
		assert.LessOrEqual(t, v, 1.5)
	}
}

func TestPinkNoise_DefaultsOctaveCountWhenNonPositive(t *testing.T) {
	pn := newPinkNoise(rand.New(rand.NewSource(7)), 0)
	assert.Equal(t, 12, pn.n)
	assert.Len(t, pn.values, 12)
}

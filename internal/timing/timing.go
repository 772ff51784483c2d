package timing

import (
	"context"
	"math/rand"
	"time"
)

// Strategy paces the delay between dispatched input sub-events (e.g.
// mouseMoved → mousePressed → mouseReleased, or keyDown → keyUp). The
// dispatcher calls Delay between mousePressed and mouseReleased (step
// "click-hold") and between keyDown and keyUp (step "key-hold"); a Strategy
// that never sleeps reproduces the mechanical, zero-jitter default.
type Strategy interface {
	// Delay blocks for this strategy's chosen duration, or returns early if
	// ctx is canceled.
	Delay(ctx context.Context, step string) error
}

// None is the default strategy: spec §4.6's CDP primitive sequence runs with
// no inter-event delay at all.
type None struct{}

func (None) Delay(ctx context.Context, step string) error { return nil }

// Config carries the three budgets the teacher's humanoid package exposes
// for interaction pacing.
type Config struct {
	ClickHoldMinMs int
	ClickHoldMaxMs int
	KeyHoldMeanMs  float64
}

// DefaultConfig mirrors typical human click-hold/key-hold timing.
func DefaultConfig() Config {
	return Config{ClickHoldMinMs: 40, ClickHoldMaxMs: 120, KeyHoldMeanMs: 70}
}

// Humanoid adds pink-noise-jittered delays around click holds and key holds,
// ported from the teacher's mouse/keyboard pacing model but stripped of
// trajectory and drag simulation, which the dispatch protocol (pure CDP
// primitive dispatch, not mouse-path synthesis) has no use for.
type Humanoid struct {
	cfg   Config
	noise *pinkNoise
}

func NewHumanoid(cfg Config, seed int64) *Humanoid {
	return &Humanoid{cfg: cfg, noise: newPinkNoise(rand.New(rand.NewSource(seed)), 12)}
}

func (h *Humanoid) Delay(ctx context.Context, step string) error {
	var d time.Duration
	switch step {
	case "click-hold":
		d = h.clickHoldDuration()
	case "key-hold":
		d = h.keyHoldDuration()
	default:
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Humanoid) clickHoldDuration() time.Duration {
	span := float64(h.cfg.ClickHoldMaxMs - h.cfg.ClickHoldMinMs)
	jittered := float64(h.cfg.ClickHoldMinMs) + span*(h.noise.next()+1)/2
	return time.Duration(jittered) * time.Millisecond
}

func (h *Humanoid) keyHoldDuration() time.Duration {
	jittered := h.cfg.KeyHoldMeanMs * (1 + 0.3*h.noise.next())
	if jittered < 1 {
		jittered = 1
	}
	return time.Duration(jittered) * time.Millisecond
}

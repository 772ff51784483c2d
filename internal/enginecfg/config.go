// Package enginecfg holds the engine's tunable budgets, wired through a
// functional-options constructor rather than file/env config loading, which
// is an integrator concern the engine itself stays out of.
package enginecfg

import "time"

// Config carries every budget named across §4 and §5: how long a click or
// settle wait may take, how many times capture retries a transient failure,
// and how stale a cached Snapshot may be before a caller must re-observe.
// ExecutionContextWait is carried but not read by the engine: the resolver,
// the scrollable probe and visual mode each use a fixed 750ms wait.
type Config struct {
	ClickTimeout         time.Duration
	SettleTimeout        time.Duration
	SettlePollRate       time.Duration
	ExecutionContextWait time.Duration
	CaptureMaxRetries    int
	CaptureRetryBackoff  time.Duration
	SnapshotMaxAge       time.Duration
	ScrollProbe          bool
}

// Option mutates a Config under construction.
type Option func(*Config)

// Default matches the numbers spec §4/§5 state explicitly: 3500ms click,
// 5000ms settle, 750ms execution-context wait, 3 capture retries, 1s
// snapshot staleness ceiling.
func Default() *Config {
	return &Config{
		ClickTimeout:         3500 * time.Millisecond,
		SettleTimeout:        5000 * time.Millisecond,
		SettlePollRate:       100 * time.Millisecond,
		ExecutionContextWait: 750 * time.Millisecond,
		CaptureMaxRetries:    3,
		CaptureRetryBackoff:  150 * time.Millisecond,
		SnapshotMaxAge:       1 * time.Second,
		ScrollProbe:          true,
	}
}

// New builds a Config from Default, applying opts in order.
func New(opts ...Option) *Config {
	cfg := Default()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func WithClickTimeout(d time.Duration) Option {
	return func(c *Config) { c.ClickTimeout = d }
}

func WithSettleTimeout(d time.Duration) Option {
	return func(c *Config) { c.SettleTimeout = d }
}

func WithExecutionContextWait(d time.Duration) Option {
	return func(c *Config) { c.ExecutionContextWait = d }
}

func WithCaptureMaxRetries(n int) Option {
	return func(c *Config) { c.CaptureMaxRetries = n }
}

func WithSnapshotMaxAge(d time.Duration) Option {
	return func(c *Config) { c.SnapshotMaxAge = d }
}

func WithScrollProbe(enabled bool) Option {
	return func(c *Config) { c.ScrollProbe = enabled }
}

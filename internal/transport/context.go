// Package transport implements the CDP Transport component: typed
// request/response dispatch over a chromedp session, event-handler
// registration, a small session pool keyed by kind, and child-session
// creation for out-of-process iframes.
package transport

import (
	"context"
	"time"
)

// Combine derives a context from primary (which is expected to carry the
// chromedp connection values) that is canceled when either primary or
// operational is done. Operations combine the long-lived session context
// with a short operational deadline this way so that either side's
// cancellation terminates an in-flight CDP call, while CDP's context-borne
// values (the target/session association) are preserved from primary.
func Combine(primary, operational context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-operational.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// valueOnlyContext inherits values from its parent but ignores the parent's
// deadline and cancellation signal.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that carries ctx's values (in particular
// chromedp's CDP connection/target association) but survives ctx's own
// cancellation. Background cleanup and detached listener goroutines run on a
// Detach-derived context so they outlive the operational call that spawned
// them while still dying with the session that owns them.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}

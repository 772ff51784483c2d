package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Kind names one of the three reusable pooled sessions a capture cycle needs:
// a session for DOM/accessibility calls, one for screenshot capture, and one
// dedicated to the Network/Page lifecycle events the settle routine listens on.
type Kind string

const (
	KindDOM        Kind = "dom"
	KindScreenshot Kind = "screenshot"
	KindLifecycle  Kind = "lifecycle"
)

// Session is a live CDP session: a chromedp context plus the identifiers
// needed to address a specific session/target pair across calls.
type Session struct {
	Ctx       context.Context
	SessionID target.SessionID
	TargetID  target.ID
	cancel    context.CancelFunc
}

// Transport is the CDP Transport component: it owns the root session, a pool
// of kind-keyed pooled sessions reused across calls, and child-session
// creation for OOPIFs. It does not own the Frame Graph; the Frame Graph is
// the sole consumer that decides when a child session represents an OOPIF.
type Transport struct {
	root   Session
	logger *zap.Logger

	mu   sync.Mutex
	pool map[Kind]Session
}

// New wraps an already-established chromedp context (the root session) as a
// Transport. ctx must have been produced by chromedp.NewContext and already
// be running (chromedp.Run called at least once), matching how the browser
// process lifecycle (out of scope here) hands off a live page to the engine.
func New(ctx context.Context, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := chromedp.FromContext(ctx)
	root := Session{Ctx: ctx}
	if c != nil && c.Target != nil {
		root.SessionID = c.Target.SessionID
		root.TargetID = c.Target.TargetID
	}
	return &Transport{
		root:   root,
		logger: logger.Named("transport"),
		pool:   make(map[Kind]Session),
	}
}

// Root returns the main session (the root frame's session).
func (t *Transport) Root() Session { return t.root }

// executorFromContext wraps cdp.ExecutorFromContext, which panics rather
// than returning nil when the context has no bound executor.
func executorFromContext(ctx context.Context) (exec cdp.Executor) {
	defer func() {
		if recover() != nil {
			exec = nil
		}
	}()
	return cdp.ExecutorFromContext(ctx)
}

// SendCommand dispatches a single typed CDP command on session and decodes
// the result into res (which may be nil for commands with no return value).
// This is the same mechanism cdproto's generated `Do(ctx)` methods use
// internally; exposing it directly lets callers batch many commands as
// chromedp.Action values via RunActions, or issue ad-hoc commands CDP
// exposes but cdproto's high-level helpers do not wrap.
func (t *Transport) SendCommand(ctx context.Context, session Session, method string, params, res interface{}) error {
	opCtx, cancel := Combine(session.Ctx, ctx)
	defer cancel()

	exec := executorFromContext(opCtx)
	if exec == nil {
		return fmt.Errorf("transport: no CDP executor bound to session for method %s", method)
	}

	start := time.Now()
	err := exec.Execute(opCtx, method, params, res)
	t.logger.Debug("sendCommand",
		zap.String("method", method),
		zap.String("session", string(session.SessionID)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return fmt.Errorf("cdp command %s failed: %w", method, err)
	}
	return nil
}

// RunActions executes a sequence of chromedp.Action values against session,
// combining the session's lifetime context with the caller's operational
// deadline.
func (t *Transport) RunActions(ctx context.Context, session Session, actions ...chromedp.Action) error {
	opCtx, cancel := Combine(session.Ctx, ctx)
	defer cancel()
	if err := chromedp.Run(opCtx, actions...); err != nil {
		return fmt.Errorf("cdp actions failed: %w", err)
	}
	return nil
}

// Subscribe registers handler for every CDP event delivered to session's
// target. Events arrive in CDP order per session; no ordering is promised
// across sessions. The returned function deregisters the handler.
//
// chromedp.ListenTarget has no native unsubscribe, so deregistration is
// implemented as a filtering wrapper: the returned function flips a flag the
// dispatched callback checks before invoking handler, rather than removing
// the underlying listener.
func (t *Transport) Subscribe(session Session, handler func(ev interface{})) (unsubscribe func()) {
	var active atomic.Bool
	active.Store(true)
	chromedp.ListenTarget(session.Ctx, func(ev interface{}) {
		if active.Load() {
			handler(ev)
		}
	})
	return func() { active.Store(false) }
}

// PooledSession returns the session for kind, lazily creating and caching a
// dedicated child session keyed by kind on first use. Pooled sessions are
// reused across calls until InvalidatePooled drops them; the next call then
// re-acquires one. The transport does not watch for detach events itself.
func (t *Transport) PooledSession(ctx context.Context, kind Kind) (Session, error) {
	t.mu.Lock()
	if s, ok := t.pool[kind]; ok {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	session, err := t.newChildSession(ctx, t.root.TargetID)
	if err != nil {
		return Session{}, fmt.Errorf("transport: acquiring pooled session %q: %w", kind, err)
	}

	t.mu.Lock()
	t.pool[kind] = session
	t.mu.Unlock()
	return session, nil
}

// InvalidatePooled drops the cached session for kind, for example after the
// session has detached; the next PooledSession call re-acquires it.
func (t *Transport) InvalidatePooled(kind Kind) {
	t.mu.Lock()
	delete(t.pool, kind)
	t.mu.Unlock()
}

// NewChildSession opens a dedicated CDP session attached to targetID. This is
// the mechanism the Frame Graph uses to detect and attach to OOPIFs: a
// successful attach on a frame's target means the frame is running
// out-of-process; a failure means it is same-origin and already reachable
// through the root session's pierced DOM tree.
func (t *Transport) NewChildSession(ctx context.Context, targetID target.ID) (Session, error) {
	return t.newChildSession(ctx, targetID)
}

func (t *Transport) newChildSession(ctx context.Context, targetID target.ID) (Session, error) {
	childCtx, cancel := chromedp.NewContext(t.root.Ctx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(childCtx); err != nil {
		cancel()
		return Session{}, err
	}
	c := chromedp.FromContext(childCtx)
	session := Session{Ctx: childCtx, TargetID: targetID, cancel: cancel}
	if c != nil && c.Target != nil {
		session.SessionID = c.Target.SessionID
	}
	return session, nil
}

// Close cancels every pooled session in parallel and empties the pool.
// Child sessions returned by NewChildSession (the Frame Graph's OOPIF
// sessions) are not tracked by the Transport and are not canceled here.
func (t *Transport) Close() {
	t.mu.Lock()
	sessions := make([]Session, 0, len(t.pool))
	for kind, s := range t.pool {
		sessions = append(sessions, s)
		delete(t.pool, kind)
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		if s.cancel == nil {
			continue
		}
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			s.cancel()
		}(s)
	}
	wg.Wait()
}

// IsNodeNotFoundError reports whether err is CDP's "no node with given id"
// class of error (recognized by message, the same heuristic used throughout
// the resolver and capture retry logic: CDP reports this as a generic -32000
// protocol error with no structured code to switch on).
func IsNodeNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Could not find node") ||
		strings.Contains(msg, "No node with given id") ||
		strings.Contains(msg, "-32000")
}

// IsExecutionContextDestroyedError reports whether err indicates the
// execution context the call targeted has been torn down, typically by a
// navigation racing the call.
func IsExecutionContextDestroyedError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Cannot find context") ||
		strings.Contains(msg, "context with specified id")
}

// IsTargetClosedError reports whether err indicates the underlying page or
// target closed mid-call.
func IsTargetClosedError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Target closed") || strings.Contains(msg, "context canceled")
}

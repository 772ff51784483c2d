package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/skiffbrowser/frameview/internal/transport"
)

// Settler implements §4.6b: track in-flight network requests on the
// lifecycle-pooled session and report when the page has gone quiet, or when
// the overall timeout elapses first.
type Settler struct {
	transport *transport.Transport
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewSettler(t *transport.Transport, logger *zap.Logger) *Settler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settler{transport: t, logger: logger.Named("settle"), inFlight: make(map[string]bool)}
}

// WaitSettled enables Network events on the lifecycle-pooled session,
// subscribes to requestWillBeSent/loadingFinished/loadingFailed, and polls
// the in-flight set every pollRate until it has been empty for one sample or
// timeout elapses. Returns "quiet" or "timeout" per §4.6b.
func (s *Settler) WaitSettled(ctx context.Context, timeout, pollRate time.Duration) (string, error) {
	session, err := s.transport.PooledSession(ctx, transport.KindLifecycle)
	if err != nil {
		return "", fmt.Errorf("settle: acquiring lifecycle session: %w", err)
	}

	if err := s.transport.SendCommand(ctx, session, "Network.enable", nil, nil); err != nil {
		return "", fmt.Errorf("settle: Network.enable: %w", err)
	}

	unsubscribe := s.subscribe(session)
	defer unsubscribe()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollRate)
	defer ticker.Stop()

	for {
		if s.isEmpty() {
			return "quiet", nil
		}
		if time.Now().After(deadline) {
			return "timeout", nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *Settler) isEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight) == 0
}

// subscribe wires the three Network lifecycle events this tracker needs,
// decoding just the requestId field rather than the full typed event, per
// this codebase's convention of local wire-shape structs for events outside
// the Frame Graph's own typed subscriptions.
func (s *Settler) subscribe(session transport.Session) func() {
	handler := func(ev interface{}) {
		method, payload, ok := eventNameAndPayload(ev)
		if !ok {
			return
		}
		var decoded struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(payload, &decoded); err != nil || decoded.RequestID == "" {
			return
		}
		s.mu.Lock()
		switch method {
		case "Network.requestWillBeSent":
			s.inFlight[decoded.RequestID] = true
		case "Network.loadingFinished", "Network.loadingFailed":
			delete(s.inFlight, decoded.RequestID)
		}
		s.mu.Unlock()
	}
	return s.transport.Subscribe(session, handler)
}

// eventNameAndPayload adapts chromedp's ListenTarget callback, which hands
// typed *network.EventX pointers rather than a (method, json) pair, into the
// shape subscribe expects. It marshals the event back to JSON and dispatches
// on its Go type name's CDP method equivalent via a small lookup, avoiding a
// dependency on the exact field layout of each generated event struct.
func eventNameAndPayload(ev interface{}) (string, json.RawMessage, bool) {
	method, ok := networkEventMethod(ev)
	if !ok {
		return "", nil, false
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", nil, false
	}
	return method, payload, true
}

// networkEventMethod maps the three typed network event pointers chromedp's
// ListenTarget delivers to their CDP method names.
func networkEventMethod(ev interface{}) (string, bool) {
	switch ev.(type) {
	case *network.EventRequestWillBeSent:
		return "Network.requestWillBeSent", true
	case *network.EventLoadingFinished:
		return "Network.loadingFinished", true
	case *network.EventLoadingFailed:
		return "Network.loadingFailed", true
	default:
		return "", false
	}
}

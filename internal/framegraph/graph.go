// Package framegraph implements the Frame Graph & Context Manager component:
// a single-writer, many-reader live registry of frames, sessions, and
// execution contexts, synchronized from asynchronous CDP Page and Runtime
// events and reconciled with DOM-order discovery during capture.
package framegraph

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skiffbrowser/frameview/internal/model"
	"github.com/skiffbrowser/frameview/internal/transport"
)

// DenyListFunc reports whether a frame's URL should be skipped before OOPIF
// session creation is attempted, to save connections on known ad/tracking
// frames. A nil DenyListFunc never skips.
type DenyListFunc func(frameURL string) bool

// Graph owns {frameIndex ↔ frameId ↔ session ↔ executionContextId ↔ owning
// iframe backendNodeId}. It is the frame graph's only writer; readers take a
// consistent snapshot via the exported accessor methods.
type Graph struct {
	transport *transport.Transport
	logger    *zap.Logger
	denyList  DenyListFunc

	mu              sync.RWMutex
	byFrameID       map[cdp.FrameID]*model.FrameRecord
	byIndex         map[int]cdp.FrameID
	sessionsByFrame map[cdp.FrameID]transport.Session
	nextPrelimIndex int
	initialized     bool

	waiters map[cdp.FrameID][]chan struct{}
}

// New constructs a Graph bound to t's root session. denyList may be nil.
func New(t *transport.Transport, logger *zap.Logger, denyList DenyListFunc) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		transport:       t,
		logger:          logger.Named("framegraph"),
		denyList:        denyList,
		byFrameID:       make(map[cdp.FrameID]*model.FrameRecord),
		byIndex:         make(map[int]cdp.FrameID),
		sessionsByFrame: make(map[cdp.FrameID]transport.Session),
		waiters:         make(map[cdp.FrameID][]chan struct{}),
	}
}

// EnsureInitialized is idempotent. The first call enumerates Page.getFrameTree,
// registers every frame with a preliminary breadth-first frameIndex, resolves
// each non-root frame's owning backendNodeId via DOM.getFrameOwner, and
// attaches the five event subscriptions from §4.2.
func (g *Graph) EnsureInitialized(ctx context.Context) error {
	g.mu.Lock()
	if g.initialized {
		g.mu.Unlock()
		return nil
	}
	g.initialized = true
	g.mu.Unlock()

	root := g.transport.Root()

	var tree page.FrameTree
	if err := g.transport.SendCommand(ctx, root, "Page.getFrameTree", nil, &tree); err != nil {
		return fmt.Errorf("framegraph: Page.getFrameTree: %w", err)
	}

	g.registerTreeBreadthFirst(&tree, root.SessionID)

	g.mu.RLock()
	frameIDs := make([]cdp.FrameID, 0, len(g.byFrameID))
	for id := range g.byFrameID {
		frameIDs = append(frameIDs, id)
	}
	g.mu.RUnlock()

	for _, id := range frameIDs {
		g.resolveOwnerBackendNodeID(ctx, root, id)
	}

	g.attachEventSubscriptions(root)

	if err := g.transport.SendCommand(ctx, root, "Page.enable", nil, nil); err != nil {
		g.logger.Warn("Page.enable failed", zap.Error(err))
	}
	if err := g.transport.SendCommand(ctx, root, "Runtime.enable", nil, nil); err != nil {
		g.logger.Warn("Runtime.enable failed", zap.Error(err))
	}

	return nil
}

// registerTreeBreadthFirst walks tree in BFS order assigning preliminary
// frameIndex values, main frame = 0. These are later overwritten by
// AssignFrameIndex with the DFS-order values DOM capture computes.
func (g *Graph) registerTreeBreadthFirst(tree *page.FrameTree, sessionID target.SessionID) {
	type queued struct {
		frame  *page.FrameTree
		parent cdp.FrameID
	}
	queue := []queued{{frame: tree}}

	g.mu.Lock()
	defer g.mu.Unlock()

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		idx := g.nextPrelimIndex
		g.nextPrelimIndex++

		rec := &model.FrameRecord{
			FrameID:       cur.frame.Frame.ID,
			ParentFrameID: cur.parent,
			FrameIndex:    &idx,
			LoaderID:      cur.frame.Frame.LoaderID,
			Name:          cur.frame.Frame.Name,
			URL:           cur.frame.Frame.URL,
			SessionID:     sessionID,
			LastUpdated:   time.Now(),
		}
		g.byFrameID[rec.FrameID] = rec
		g.byIndex[idx] = rec.FrameID
		g.sessionsByFrame[rec.FrameID] = g.transport.Root()

		for _, child := range cur.frame.ChildFrames {
			queue = append(queue, queued{frame: child, parent: cur.frame.Frame.ID})
		}
	}
}

func (g *Graph) resolveOwnerBackendNodeID(ctx context.Context, session transport.Session, frameID cdp.FrameID) {
	g.mu.RLock()
	rec := g.byFrameID[frameID]
	isRoot := rec != nil && rec.ParentFrameID == ""
	g.mu.RUnlock()
	if rec == nil || isRoot {
		return
	}

	// DOM.getFrameOwner may fail for the main frame and for detached frames;
	// failures are swallowed per §4.2's failure model.
	params := dom.GetFrameOwner(frameID)
	var result struct {
		BackendNodeID cdp.BackendNodeID `json:"backendNodeId"`
		NodeID        cdp.NodeID        `json:"nodeId"`
	}
	if err := g.transport.SendCommand(ctx, session, "DOM.getFrameOwner", params, &result); err != nil {
		g.logger.Debug("DOM.getFrameOwner failed", zap.String("frameId", string(frameID)), zap.Error(err))
		return
	}

	g.mu.Lock()
	if rec := g.byFrameID[frameID]; rec != nil {
		rec.BackendNodeID = result.BackendNodeID
		rec.HasBackendNodeID = true
		rec.LastUpdated = time.Now()
	}
	g.mu.Unlock()
}

// AssignFrameIndex is the authoritative overwrite DOM Capture (§4.3) uses to
// impose DFS-order indices on same-origin iframes after initial event-driven
// allocation.
func (g *Graph) AssignFrameIndex(frameID cdp.FrameID, index int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.byFrameID[frameID]
	if !ok {
		return
	}
	if rec.FrameIndex != nil {
		delete(g.byIndex, *rec.FrameIndex)
	}
	idx := index
	rec.FrameIndex = &idx
	g.byIndex[idx] = frameID
	rec.LastUpdated = time.Now()
}

// FrameByID returns a copy of the record for frameID, or nil if unknown.
func (g *Graph) FrameByID(frameID cdp.FrameID) *model.FrameRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byFrameID[frameID].Clone()
}

// FrameByIndex returns a copy of the record at frameIndex, or nil if unassigned.
func (g *Graph) FrameByIndex(frameIndex int) *model.FrameRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byIndex[frameIndex]
	if !ok {
		return nil
	}
	return g.byFrameID[id].Clone()
}

// FrameByOwnerBackendNodeID finds the frame whose owning <iframe> element in
// its parent document has the given backendNodeId. This is the Pass-3 bridge
// in §9: "the only reliable bridge" between DOM-order discovery and the
// event-driven Frame Graph.
func (g *Graph) FrameByOwnerBackendNodeID(backendNodeID cdp.BackendNodeID) *model.FrameRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, rec := range g.byFrameID {
		if rec.HasBackendNodeID && rec.BackendNodeID == backendNodeID {
			return rec.Clone()
		}
	}
	return nil
}

// SessionFor returns the session that routes to frameID.
func (g *Graph) SessionFor(frameID cdp.FrameID) (transport.Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessionsByFrame[frameID]
	return s, ok
}

// AllFrameIDs returns every frame id currently registered, for diagnostic dumps.
func (g *Graph) AllFrameIDs() []cdp.FrameID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]cdp.FrameID, 0, len(g.byFrameID))
	for id := range g.byFrameID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WaitForExecutionContext resolves when frameID's default execution context
// is registered, or after timeout with ok=false. It never blocks past
// timeout, matching §9's "channel receive with timeout" model.
func (g *Graph) WaitForExecutionContext(ctx context.Context, frameID cdp.FrameID, timeout time.Duration) (runtime.ExecutionContextID, bool) {
	g.mu.Lock()
	if rec, ok := g.byFrameID[frameID]; ok && rec.HasExecutionContext {
		id := rec.ExecutionContextID
		g.mu.Unlock()
		return id, true
	}
	ready := make(chan struct{}, 1)
	g.waiters[frameID] = append(g.waiters[frameID], ready)
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		g.mu.RLock()
		rec, ok := g.byFrameID[frameID]
		g.mu.RUnlock()
		if ok && rec.HasExecutionContext {
			return rec.ExecutionContextID, true
		}
		return 0, false
	case <-timer.C:
		return 0, false
	case <-ctx.Done():
		return 0, false
	}
}

func (g *Graph) releaseWaiters(frameID cdp.FrameID) {
	waiters := g.waiters[frameID]
	delete(g.waiters, frameID)
	for _, w := range waiters {
		close(w)
	}
}

// CaptureOOPIFs attempts to open a dedicated child CDP session for every
// frame reported by the browser driver that is not the main frame and does
// not already have a session. Successful attaches are registered as OOPIFs
// with a frameIndex >= startIndex; failures classify the frame as
// same-origin (already covered by the main-session DOM walk). Candidates are
// attempted in parallel, per §5's parallelism guarantee.
func (g *Graph) CaptureOOPIFs(ctx context.Context, candidates []target.Info, startIndex int) ([]*model.FrameRecord, error) {
	type attempt struct {
		info    target.Info
		session transport.Session
		err     error
	}

	filtered := make([]target.Info, 0, len(candidates))
	for _, c := range candidates {
		if g.denyList != nil && g.denyList(c.URL) {
			g.logger.Debug("skipping denylisted frame before OOPIF session creation", zap.String("url", c.URL))
			continue
		}
		g.mu.RLock()
		_, known := g.sessionsByFrame[cdp.FrameID(c.TargetID)]
		g.mu.RUnlock()
		if known {
			continue
		}
		filtered = append(filtered, c)
	}

	results := make([]attempt, len(filtered))
	group, gctx := errgroup.WithContext(ctx)
	for i, c := range filtered {
		i, c := i, c
		group.Go(func() error {
			session, err := g.transport.NewChildSession(gctx, c.TargetID)
			results[i] = attempt{info: c, session: session, err: err}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("framegraph: CaptureOOPIFs: %w", err)
	}

	var registered []*model.FrameRecord
	idx := startIndex
	g.mu.Lock()
	for _, a := range results {
		if a.err != nil {
			g.logger.Debug("OOPIF session attach failed; treating frame as same-origin",
				zap.String("url", a.info.URL), zap.Error(a.err))
			continue
		}
		frameID := cdp.FrameID(a.info.TargetID)
		i := idx
		idx++
		rec := &model.FrameRecord{
			FrameID:     frameID,
			FrameIndex:  &i,
			URL:         a.info.URL,
			SessionID:   a.session.SessionID,
			IsOOPIF:     true,
			LastUpdated: time.Now(),
		}
		g.byFrameID[frameID] = rec
		g.byIndex[i] = frameID
		g.sessionsByFrame[frameID] = a.session
		registered = append(registered, rec.Clone())
	}
	g.mu.Unlock()

	for _, rec := range registered {
		session, _ := g.SessionFor(rec.FrameID)
		if err := g.transport.SendCommand(ctx, session, "Page.enable", nil, nil); err != nil {
			g.logger.Warn("Page.enable on OOPIF session failed", zap.String("frameId", string(rec.FrameID)), zap.Error(err))
		}
	}

	return registered, nil
}

// DefaultDenyList recognizes a small, configurable set of ad/tracking host
// substrings. Callers needing production-grade coverage should supply their
// own DenyListFunc.
func DefaultDenyList(hosts []string) DenyListFunc {
	return func(frameURL string) bool {
		u, err := url.Parse(frameURL)
		if err != nil {
			return false
		}
		host := strings.ToLower(u.Hostname())
		for _, h := range hosts {
			if strings.Contains(host, strings.ToLower(h)) {
				return true
			}
		}
		return false
	}
}

package framegraph

import (
	"encoding/json"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/skiffbrowser/frameview/internal/model"
	"github.com/skiffbrowser/frameview/internal/transport"
)

// newPreliminaryRecord builds a bare record for a frame discovered through an
// event (as opposed to the initial Page.getFrameTree walk), with its
// frameIndex to be overwritten later by AssignFrameIndex.
func newPreliminaryRecord(frameID, parentFrameID cdp.FrameID, frameIndex int) *model.FrameRecord {
	idx := frameIndex
	return &model.FrameRecord{
		FrameID:       frameID,
		ParentFrameID: parentFrameID,
		FrameIndex:    &idx,
		LastUpdated:   time.Now(),
	}
}

// attachEventSubscriptions wires the five event handlers named in §4.2 onto
// root's target. A single dispatch switch mirrors the teacher's harvester
// listener: one ListenTarget callback, one type switch.
func (g *Graph) attachEventSubscriptions(root transport.Session) {
	// Never unsubscribed: the graph's event feed must live as long as the
	// page's root session does.
	_ = g.transport.Subscribe(root, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameAttached:
			g.handleFrameAttached(e)
		case *page.EventFrameNavigated:
			g.handleFrameNavigated(e)
		case *page.EventFrameDetached:
			g.handleFrameDetached(e)
		case *runtime.EventExecutionContextCreated:
			g.handleExecutionContextCreated(e)
		case *runtime.EventExecutionContextDestroyed:
			g.handleExecutionContextDestroyed(e)
		case *runtime.EventExecutionContextsCleared:
			g.handleExecutionContextsCleared()
		}
	})
}

// handleFrameAttached upserts a preliminary record for a newly attached
// frame, allocating its frameIndex monotonically, then asynchronously
// resolves the owning iframe's backendNodeId.
func (g *Graph) handleFrameAttached(e *page.EventFrameAttached) {
	g.mu.Lock()
	if _, exists := g.byFrameID[e.FrameID]; exists {
		g.mu.Unlock()
		return
	}
	idx := g.nextPrelimIndex
	g.nextPrelimIndex++
	rec := newPreliminaryRecord(e.FrameID, e.ParentFrameID, idx)
	g.byFrameID[e.FrameID] = rec
	g.byIndex[idx] = e.FrameID
	g.sessionsByFrame[e.FrameID] = g.transport.Root()
	g.mu.Unlock()

	g.resolveOwnerBackendNodeID(transport.Detach(g.transport.Root().Ctx), g.transport.Root(), e.FrameID)
}

func (g *Graph) handleFrameNavigated(e *page.EventFrameNavigated) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.byFrameID[e.Frame.ID]
	if !ok {
		idx := g.nextPrelimIndex
		g.nextPrelimIndex++
		rec = newPreliminaryRecord(e.Frame.ID, e.Frame.ParentID, idx)
		g.byFrameID[e.Frame.ID] = rec
		g.byIndex[idx] = e.Frame.ID
		g.sessionsByFrame[e.Frame.ID] = g.transport.Root()
	}
	rec.URL = e.Frame.URL
	rec.Name = e.Frame.Name
	rec.LoaderID = e.Frame.LoaderID
	rec.LastUpdated = time.Now()
}

// handleFrameDetached removes the record and every descendant, releasing
// their execution contexts and any cached resolutions a reader might still
// hold (the resolved-element cache lives on the Snapshot, not here, so the
// graph's obligation ends at removing the frame's own bookkeeping).
func (g *Graph) handleFrameDetached(e *page.EventFrameDetached) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeFrameAndDescendantsLocked(e.FrameID)
}

func (g *Graph) removeFrameAndDescendantsLocked(frameID cdp.FrameID) {
	var children []cdp.FrameID
	for id, rec := range g.byFrameID {
		if rec.ParentFrameID == frameID {
			children = append(children, id)
		}
	}
	for _, child := range children {
		g.removeFrameAndDescendantsLocked(child)
	}

	if rec, ok := g.byFrameID[frameID]; ok {
		if rec.FrameIndex != nil {
			delete(g.byIndex, *rec.FrameIndex)
		}
		delete(g.byFrameID, frameID)
	}
	delete(g.sessionsByFrame, frameID)
	g.releaseWaiters(frameID)
}

// handleExecutionContextCreated stores frameId -> executionContextId when
// auxData names a known frame and the context's type is "default", then
// releases any waiters blocked in WaitForExecutionContext.
func (g *Graph) handleExecutionContextCreated(e *runtime.EventExecutionContextCreated) {
	var aux map[string]interface{}
	if err := json.Unmarshal(e.Context.AuxData, &aux); err != nil {
		return
	}
	frameIDStr, _ := aux["frameId"].(string)
	if frameIDStr == "" {
		return
	}
	isDefault, _ := aux["isDefault"].(bool)
	if !isDefault {
		return
	}
	frameID := cdp.FrameID(frameIDStr)

	g.mu.Lock()
	rec, ok := g.byFrameID[frameID]
	if !ok {
		g.mu.Unlock()
		return
	}
	rec.ExecutionContextID = e.Context.ID
	rec.HasExecutionContext = true
	rec.LastUpdated = time.Now()
	g.releaseWaiters(frameID)
	g.mu.Unlock()

	g.logger.Debug("execution context created", zap.String("frameId", frameIDStr), zap.Int64("contextId", int64(e.Context.ID)))
}

// handleExecutionContextDestroyed invalidates the stored context id for
// whichever frame owned it.
func (g *Graph) handleExecutionContextDestroyed(e *runtime.EventExecutionContextDestroyed) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rec := range g.byFrameID {
		if rec.HasExecutionContext && rec.ExecutionContextID == e.ExecutionContextID {
			rec.HasExecutionContext = false
			rec.ExecutionContextID = 0
			rec.LastUpdated = time.Now()
			return
		}
	}
}

// handleExecutionContextsCleared invalidates every stored context id,
// typically delivered around a cross-origin navigation of the root frame.
func (g *Graph) handleExecutionContextsCleared() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rec := range g.byFrameID {
		rec.HasExecutionContext = false
		rec.ExecutionContextID = 0
	}
}

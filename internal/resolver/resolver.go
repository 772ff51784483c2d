// Package resolver implements the Element Resolver component: turning a
// stable EncodedId back into a live backendNodeId/objectId pair on the
// correct CDP session, recovering via XPath when the DOM node behind an
// EncodedId has been replaced since the snapshot was captured.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/skiffbrowser/frameview/internal/framegraph"
	"github.com/skiffbrowser/frameview/internal/model"
	"github.com/skiffbrowser/frameview/internal/transport"
)

// ExecutionContextWait bounds how long Resolve waits for a frame's default
// execution context to appear during XPath recovery (§4.5 step 4).
const ExecutionContextWait = 750 * time.Millisecond

// Resolved is the live handle Resolve produces: the session to issue further
// commands on, plus the resolved backendNodeId/objectId pair.
type Resolved struct {
	Session       transport.Session
	FrameID       cdp.FrameID
	BackendNodeID cdp.BackendNodeID
	ObjectID      runtime.RemoteObjectID
}

// Resolver resolves EncodedIds against a Frame Graph and Transport, caching
// results on the snapshot they were resolved from.
type Resolver struct {
	transport *transport.Transport
	graph     *framegraph.Graph
	logger    *zap.Logger
}

func New(t *transport.Transport, g *framegraph.Graph, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{transport: t, graph: g, logger: logger.Named("resolver")}
}

// Resolve implements §4.5's five-step algorithm.
func (r *Resolver) Resolve(ctx context.Context, snap *model.Snapshot, id model.EncodedID) (Resolved, error) {
	session, frameID, err := r.sessionForFrame(id.FrameIndex)
	if err != nil {
		return Resolved{}, err
	}

	if backendID, objectID, ok := snap.CachedResolution(id); ok && objectID != "" {
		if err := r.probeObjectID(ctx, session, objectID); err == nil {
			return Resolved{Session: session, FrameID: frameID, BackendNodeID: backendID, ObjectID: objectID}, nil
		}
	}

	backendID, ok := snap.BackendNodeMap[id]
	if !ok {
		return Resolved{}, model.NewEngineError(model.KindStructural, "", id.String(), model.ErrFrameNotInGraph)
	}

	objectID, err := r.resolveNode(ctx, session, backendID)
	if err == nil {
		snap.CacheResolution(id, backendID, objectID)
		return Resolved{Session: session, FrameID: frameID, BackendNodeID: backendID, ObjectID: objectID}, nil
	}
	if !transport.IsNodeNotFoundError(err) {
		return Resolved{}, model.NewEngineError(model.KindFatal, "DOM.resolveNode", id.String(), err)
	}

	// Step 4: XPath recovery.
	xpath, ok := snap.XPathMap[id]
	if !ok {
		return Resolved{}, model.NewEngineError(model.KindStructural, "DOM.resolveNode", id.String(), model.ErrNoXPathForID)
	}

	ctxFrameID := frameID
	if id.FrameIndex == 0 {
		if rec := r.graph.FrameByIndex(0); rec != nil {
			ctxFrameID = rec.FrameID
		}
	}
	execCtxID, ok := r.graph.WaitForExecutionContext(ctx, ctxFrameID, ExecutionContextWait)
	if !ok {
		return Resolved{}, model.NewEngineError(model.KindFatal, "waitForExecutionContext", id.String(), fmt.Errorf("frame-not-ready: execution context never became available for frame %s", frameID))
	}

	newObjectID, err := r.evaluateXPath(ctx, session, execCtxID, xpath)
	if err != nil {
		return Resolved{}, model.NewEngineError(model.KindTransient, "Runtime.evaluate", id.String(), fmt.Errorf("stale-element: %w", err))
	}

	newBackendID, err := r.describeNode(ctx, session, newObjectID)
	if err != nil {
		return Resolved{}, model.NewEngineError(model.KindFatal, "DOM.describeNode", id.String(), fmt.Errorf("stale-element: %w", err))
	}
	snap.UpdateBackendNodeID(id, newBackendID)

	if _, err := r.resolveNode(ctx, session, newBackendID); err != nil {
		return Resolved{}, model.NewEngineError(model.KindFatal, "DOM.resolveNode", id.String(), fmt.Errorf("stale-element: retry after xpath recovery failed: %w", err))
	}
	snap.CacheResolution(id, newBackendID, newObjectID)
	return Resolved{Session: session, FrameID: frameID, BackendNodeID: newBackendID, ObjectID: newObjectID}, nil
}

func (r *Resolver) sessionForFrame(frameIndex int) (transport.Session, cdp.FrameID, error) {
	if frameIndex == 0 {
		return r.transport.Root(), "", nil
	}
	rec := r.graph.FrameByIndex(frameIndex)
	if rec == nil {
		return transport.Session{}, "", model.NewEngineError(model.KindStructural, "", "", model.ErrFrameNotInGraph)
	}
	session, ok := r.graph.SessionFor(rec.FrameID)
	if !ok {
		return transport.Session{}, "", model.NewEngineError(model.KindStructural, "", "", model.ErrFrameNotInGraph)
	}
	return session, rec.FrameID, nil
}

// resolveNode calls DOM.resolveNode(backendNodeId), returning the resulting
// remote object id.
func (r *Resolver) resolveNode(ctx context.Context, session transport.Session, backendID cdp.BackendNodeID) (runtime.RemoteObjectID, error) {
	params := struct {
		BackendNodeID cdp.BackendNodeID `json:"backendNodeId"`
	}{BackendNodeID: backendID}
	var result struct {
		Object struct {
			ObjectID runtime.RemoteObjectID `json:"objectId"`
		} `json:"object"`
	}
	if err := r.transport.SendCommand(ctx, session, "DOM.resolveNode", params, &result); err != nil {
		return "", err
	}
	return result.Object.ObjectID, nil
}

// probeObjectID checks a cached objectId is still live via a no-op
// callFunctionOn; a dead objectId reports "Could not find object with given
// id", the object-id analogue of node-not-found.
func (r *Resolver) probeObjectID(ctx context.Context, session transport.Session, objectID runtime.RemoteObjectID) error {
	params := struct {
		FunctionDeclaration string                 `json:"functionDeclaration"`
		ObjectID            runtime.RemoteObjectID `json:"objectId"`
		ReturnByValue       bool                   `json:"returnByValue"`
	}{FunctionDeclaration: "function(){ return true; }", ObjectID: objectID, ReturnByValue: true}
	return r.transport.SendCommand(ctx, session, "Runtime.callFunctionOn", params, nil)
}

// evaluateXPath evaluates xpath in execCtxID via document.evaluate, returning
// the objectId of the first matching node.
func (r *Resolver) evaluateXPath(ctx context.Context, session transport.Session, execCtxID runtime.ExecutionContextID, xpath string) (runtime.RemoteObjectID, error) {
	expr := fmt.Sprintf(
		`document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`,
		xpath,
	)
	params := struct {
		Expression    string                     `json:"expression"`
		ContextID     runtime.ExecutionContextID `json:"contextId"`
		ReturnByValue bool                       `json:"returnByValue"`
		AwaitPromise  bool                       `json:"awaitPromise"`
		Silent        bool                       `json:"silent"`
	}{Expression: expr, ContextID: execCtxID, ReturnByValue: false, AwaitPromise: false, Silent: true}

	var result struct {
		Result struct {
			ObjectID runtime.RemoteObjectID `json:"objectId"`
			Type     string                 `json:"type"`
			Subtype  string                 `json:"subtype"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails,omitempty"`
	}
	if err := r.transport.SendCommand(ctx, session, "Runtime.evaluate", params, &result); err != nil {
		return "", err
	}
	if result.ExceptionDetails != nil {
		return "", fmt.Errorf("xpath evaluate raised an exception: %s", result.ExceptionDetails.Text)
	}
	if result.Result.Subtype == "null" || result.Result.ObjectID == "" {
		return "", model.ErrXPathNoMatch
	}
	return result.Result.ObjectID, nil
}

// describeNode calls DOM.describeNode(objectId) to read back the
// backendNodeId CDP assigned the recovered node.
func (r *Resolver) describeNode(ctx context.Context, session transport.Session, objectID runtime.RemoteObjectID) (cdp.BackendNodeID, error) {
	params := struct {
		ObjectID runtime.RemoteObjectID `json:"objectId"`
	}{ObjectID: objectID}
	var result struct {
		Node struct {
			BackendNodeID cdp.BackendNodeID `json:"backendNodeId"`
		} `json:"node"`
	}
	if err := r.transport.SendCommand(ctx, session, "DOM.describeNode", params, &result); err != nil {
		return 0, err
	}
	if result.Node.BackendNodeID == 0 {
		return 0, model.ErrNodeNotFound
	}
	return result.Node.BackendNodeID, nil
}

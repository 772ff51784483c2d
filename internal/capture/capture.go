// Package capture implements the DOM & A11y Capture component: the
// seven-pass pipeline that walks a page's DOM and accessibility trees across
// the main frame, same-origin iframes, and out-of-process iframes, and
// merges the result into a single Snapshot.
package capture

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/skiffbrowser/frameview/internal/framegraph"
	"github.com/skiffbrowser/frameview/internal/model"
	"github.com/skiffbrowser/frameview/internal/transport"
)

// Options tunes capture behavior; see SPEC_FULL.md §6 for the engine-level
// config this maps onto.
type Options struct {
	// MaxRetries bounds capture-wide retries after a transient root-session
	// failure (execution-context-destroyed, target-closed). Default 3.
	MaxRetries int
	// RetryBackoff is waited between retries to let the DOM settle.
	RetryBackoff time.Duration
	// ScrollProbe enables Pass 5's scrollTop-mutation probe. When false,
	// scrollable decoration is skipped entirely (no computed-style
	// fallback is implemented).
	ScrollProbe bool
}

// DefaultOptions mirrors the budgets named in spec §4.3 and §5.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, RetryBackoff: 150 * time.Millisecond, ScrollProbe: true}
}

// Capturer runs capture cycles against one page's Transport and Frame Graph.
type Capturer struct {
	transport *transport.Transport
	graph     *framegraph.Graph
	logger    *zap.Logger
	opts      Options
}

func New(t *transport.Transport, g *framegraph.Graph, logger *zap.Logger, opts Options) *Capturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{transport: t, graph: g, logger: logger.Named("capture"), opts: opts}
}

// Capture runs the seven-pass pipeline, retrying up to opts.MaxRetries times
// when the root session reports an execution-context-destroyed or
// target-closed error, per §4.3's failure semantics.
func (c *Capturer) Capture(ctx context.Context) (*model.Snapshot, error) {
	if err := c.graph.EnsureInitialized(ctx); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		snap, err := c.captureOnce(ctx)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if !transport.IsExecutionContextDestroyedError(err) && !transport.IsTargetClosedError(err) {
			return nil, err
		}
		c.logger.Warn("capture attempt failed with a transient error, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(c.opts.RetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("capture: exhausted %d retries: %w", c.opts.MaxRetries, lastErr)
}

func (c *Capturer) captureOnce(ctx context.Context) (*model.Snapshot, error) {
	root := c.transport.Root()

	rootDoc, err := c.getDocument(ctx, root, true)
	if err != nil {
		return nil, fmt.Errorf("capture: DOM.getDocument on root: %w", err)
	}

	nextFrameIndex := 1
	walks := walkDocument(root, rootDoc, 0, nil, false, &nextFrameIndex)

	// Pass 2: discover OOPIFs among the targets the browser driver reports,
	// then walk each on its own session.
	oopifWalks, err := c.captureOOPIFs(ctx, &nextFrameIndex)
	if err != nil {
		c.logger.Warn("OOPIF discovery failed; continuing with same-origin frames only", zap.Error(err))
	}
	walks = append(walks, oopifWalks...)

	// Pass 3: reconcile DOM-order IframeInfo records with the Frame Graph.
	snapshot := model.NewSnapshot()
	includedFrames := map[int]bool{0: true}
	for _, fw := range walks {
		if fw.isOOPIF {
			includedFrames[fw.frameIndex] = true
		}
	}
	for _, fw := range walks {
		for _, info := range fw.iframes {
			rec := c.graph.FrameByOwnerBackendNodeID(info.IframeBackendNodeID)
			if rec == nil {
				msg := fmt.Sprintf("unmatched-frame: iframe at %s under frame %d was not reconciled with the frame graph and was dropped", info.XPath, fw.frameIndex)
				c.logger.Info(msg)
				snapshot.Warnings = append(snapshot.Warnings, msg)
				continue
			}
			info.FrameID = rec.FrameID
			info.ExecutionContextID = rec.ExecutionContextID
			info.HasExecutionContext = rec.HasExecutionContext
			info.CDPSessionID = rec.SessionID
			info.Synced = true
			c.graph.AssignFrameIndex(rec.FrameID, info.FrameIndex)
			info.FramePath = framePathHeader(info.FrameIndex, snapshot.FrameMap)
			snapshot.FrameMap[info.FrameIndex] = info
			includedFrames[info.FrameIndex] = true
		}
	}
	for _, fw := range walks {
		if fw.isOOPIF {
			if _, ok := snapshot.FrameMap[fw.frameIndex]; !ok {
				parent := 0
				snapshot.FrameMap[fw.frameIndex] = &model.IframeInfo{
					FrameIndex:       fw.frameIndex,
					ParentFrameIndex: &parent,
					FrameID:          fw.frameID,
					Synced:           true,
					FramePath:        framePathHeader(fw.frameIndex, snapshot.FrameMap),
				}
			}
		}
	}

	keptWalks := make([]*frameWalk, 0, len(walks))
	for _, fw := range walks {
		if includedFrames[fw.frameIndex] {
			keptWalks = append(keptWalks, fw)
		}
	}

	// Pass 4: accessibility trees, in parallel across frames.
	axByFrame, err := c.fetchAXTreesParallel(ctx, keptWalks)
	if err != nil {
		return nil, fmt.Errorf("capture: fetching accessibility trees: %w", err)
	}

	// Pass 5: scrollable-element detection, per frame.
	scrollableByFrame := make(map[int]map[cdp.BackendNodeID]bool, len(keptWalks))
	if c.opts.ScrollProbe {
		for _, fw := range keptWalks {
			set, err := c.detectScrollable(ctx, fw)
			if err != nil {
				c.logger.Debug("scrollable probe failed for frame", zap.Int("frameIndex", fw.frameIndex), zap.Error(err))
				continue
			}
			scrollableByFrame[fw.frameIndex] = set
		}
	}

	// Pass 6 + 7: build and format each frame's tree, merging into the
	// snapshot's combined maps.
	var mainSection string
	byIndex := make(map[int]string)
	for _, fw := range keptWalks {
		roots, elements := buildFrameTree(axByFrame[fw.frameIndex], fw, scrollableByFrame[fw.frameIndex])
		for id, el := range elements {
			snapshot.Elements[id] = el
			snapshot.BackendNodeMap[id] = cdp.BackendNodeID(id.BackendNodeID)
			if xpath, ok := fw.xpaths[cdp.BackendNodeID(id.BackendNodeID)]; ok {
				snapshot.XPathMap[id] = xpath
			}
		}
		lines := formatFrameLines(roots)
		header := "=== " + framePathHeader(fw.frameIndex, snapshot.FrameMap) + " ==="
		section := header + "\n" + strings.Join(lines, "\n")
		if fw.frameIndex == 0 {
			mainSection = section
		} else {
			byIndex[fw.frameIndex] = section
		}
	}

	sections := []string{mainSection}
	var childIndices []int
	for idx := range byIndex {
		childIndices = append(childIndices, idx)
	}
	sort.Ints(childIndices)
	for _, idx := range childIndices {
		sections = append(sections, byIndex[idx])
	}
	snapshot.DOMState = strings.Join(sections, "\n\n")

	return snapshot, nil
}

// getDocument calls DOM.getDocument(depth=-1) on session, with pierce set as
// the caller directs: true for the main frame and same-origin walks (so
// nested same-origin iframes arrive inline via ContentDocument), false for an
// OOPIF's own walk to avoid capturing its own transient child frames.
func (c *Capturer) getDocument(ctx context.Context, session transport.Session, pierce bool) (*cdp.Node, error) {
	params := struct {
		Depth  int64 `json:"depth"`
		Pierce bool  `json:"pierce"`
	}{Depth: -1, Pierce: pierce}

	var result struct {
		Root *cdp.Node `json:"root"`
	}
	if err := c.transport.SendCommand(ctx, session, "DOM.getDocument", params, &result); err != nil {
		return nil, err
	}
	return result.Root, nil
}

// captureOOPIFs runs Pass 2: ask the browser for every target, filter to
// iframe-typed targets the Frame Graph does not already have a session for,
// hand the candidates to the Frame Graph's OOPIF attach logic, then walk
// every newly registered OOPIF on its own session.
func (c *Capturer) captureOOPIFs(ctx context.Context, nextFrameIndex *int) ([]*frameWalk, error) {
	var targetsResult struct {
		TargetInfos []target.Info `json:"targetInfos"`
	}
	root := c.transport.Root()
	if err := c.transport.SendCommand(ctx, root, "Target.getTargets", struct{}{}, &targetsResult); err != nil {
		return nil, fmt.Errorf("Target.getTargets: %w", err)
	}

	var candidates []target.Info
	for _, info := range targetsResult.TargetInfos {
		if info.Type == "iframe" {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	registered, err := c.graph.CaptureOOPIFs(ctx, candidates, *nextFrameIndex)
	if err != nil {
		return nil, err
	}

	var walks []*frameWalk
	for _, rec := range registered {
		if candidate := rec.FrameIndexOrZero() + 1; candidate > *nextFrameIndex {
			*nextFrameIndex = candidate
		}
		session, ok := c.graph.SessionFor(rec.FrameID)
		if !ok {
			continue
		}
		doc, err := c.getDocument(ctx, session, false)
		if err != nil {
			c.logger.Warn("DOM.getDocument failed on OOPIF session", zap.String("frameId", string(rec.FrameID)), zap.Error(err))
			continue
		}
		idx := rec.FrameIndexOrZero()
		fws := walkDocument(session, doc, idx, nil, true, nextFrameIndex)
		if len(fws) > 0 {
			fws[0].frameID = rec.FrameID
		}
		walks = append(walks, fws...)
	}
	return walks, nil
}

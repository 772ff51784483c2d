// Package engine is the public surface of the frame-aware page observation
// and action dispatch engine (§6): it wires the Transport, Frame Graph,
// Capture, Resolver, Overlay, and Dispatch components together per page and
// exposes the five operations an integrator or LLM-driving agent calls.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skiffbrowser/frameview/internal/capture"
	"github.com/skiffbrowser/frameview/internal/dispatch"
	"github.com/skiffbrowser/frameview/internal/enginecfg"
	"github.com/skiffbrowser/frameview/internal/framegraph"
	"github.com/skiffbrowser/frameview/internal/model"
	"github.com/skiffbrowser/frameview/internal/observability"
	"github.com/skiffbrowser/frameview/internal/overlay"
	"github.com/skiffbrowser/frameview/internal/resolver"
	"github.com/skiffbrowser/frameview/internal/transport"
)

// Page is an opaque handle to one page's live engine state, returned by
// Open. Every other public operation takes a Page rather than a raw
// chromedp context, so the engine — not the caller — owns component
// lifetime and the per-page snapshot cache.
type Page struct {
	id string
}

type pageState struct {
	id         string
	transport  *transport.Transport
	graph      *framegraph.Graph
	capturer   *capture.Capturer
	resolver   *resolver.Resolver
	dispatcher *dispatch.Dispatcher
	overlay    *overlay.Collector

	mu           sync.Mutex
	snapshot     *model.Snapshot
	snapshotTime time.Time
}

// Engine owns every open Page's components and the budgets that parameterize
// them. One Engine is typically long-lived for a process; Pages come and go
// as the integrator navigates tabs.
type Engine struct {
	logger *zap.Logger
	cfg    *enginecfg.Config

	mu    sync.RWMutex
	pages map[string]*pageState
}

// New constructs an Engine. cfg may be nil to use enginecfg.Default(); logger
// may be nil to fall back to the process-wide logger observability.GetLogger()
// returns (a development logger until the integrator calls
// observability.InitializeLogger with its own LoggerConfig).
func New(logger *zap.Logger, cfg *enginecfg.Config) *Engine {
	if logger == nil {
		logger = observability.GetLogger()
	}
	if cfg == nil {
		cfg = enginecfg.Default()
	}
	return &Engine{logger: logger.Named("engine"), cfg: cfg, pages: make(map[string]*pageState)}
}

// Open wires a Transport, Frame Graph, Capturer, Resolver, Overlay Collector,
// and Dispatcher around an already-running chromedp context (browserCtx must
// have had chromedp.Run called on it at least once) and returns the Page
// handle every other operation is keyed on.
func (e *Engine) Open(browserCtx context.Context) (*Page, error) {
	id := uuid.New().String()
	logger := e.logger.With(zap.String("pageId", id))

	t := transport.New(browserCtx, logger)
	graph := framegraph.New(t, logger, nil)
	capturer := capture.New(t, graph, logger, capture.Options{
		MaxRetries:   e.cfg.CaptureMaxRetries,
		RetryBackoff: e.cfg.CaptureRetryBackoff,
		ScrollProbe:  e.cfg.ScrollProbe,
	})
	res := resolver.New(t, graph, logger)
	disp := dispatch.New(t, graph, res, logger, dispatch.Options{
		ClickTimeout:   e.cfg.ClickTimeout,
		SettleTimeout:  e.cfg.SettleTimeout,
		SettlePollRate: e.cfg.SettlePollRate,
	})
	ov := overlay.New(t, graph, logger)

	state := &pageState{id: id, transport: t, graph: graph, capturer: capturer, resolver: res, dispatcher: disp, overlay: ov}

	e.mu.Lock()
	e.pages[id] = state
	e.mu.Unlock()

	return &Page{id: id}, nil
}

func (e *Engine) state(page *Page) (*pageState, error) {
	if page == nil {
		return nil, model.NewEngineError(model.KindStructural, "", "", fmt.Errorf("%w: nil page handle", model.ErrMalformedRequest))
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.pages[page.id]
	if !ok {
		return nil, model.NewEngineError(model.KindFatal, "", "", fmt.Errorf("page closed mid-operation: %s", page.id))
	}
	return s, nil
}

// ObserveOptions controls one capture cycle, per §6's observe(page,
// options) contract.
type ObserveOptions struct {
	VisualMode bool
	UseCache   bool
	Streaming  bool
	DebugDir   string
}

// Observe runs observe(page, options) → Snapshot: reuses the page's cached
// Snapshot when UseCache is set and it is not dirty and not older than
// cfg.SnapshotMaxAge, otherwise runs a fresh capture cycle (and, in visual
// mode, a bounding-box/overlay pass over it).
func (e *Engine) Observe(ctx context.Context, page *Page, opts ObserveOptions) (*model.Snapshot, error) {
	state, err := e.state(page)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	cached := state.snapshot
	cachedAt := state.snapshotTime
	state.mu.Unlock()

	if opts.UseCache && cached != nil && !cached.Dirty() && time.Since(cachedAt) <= e.cfg.SnapshotMaxAge {
		return cached, nil
	}

	start := time.Now()
	snap, err := state.capturer.Capture(ctx)
	if err != nil {
		return nil, err
	}
	captureElapsed := time.Since(start)

	if opts.VisualMode {
		if err := e.populateVisualMode(ctx, state, snap); err != nil {
			e.logger.Warn("visual mode capture degraded", zap.String("pageId", page.id), zap.Error(err))
		}
	}

	state.mu.Lock()
	state.snapshot = snap
	state.snapshotTime = time.Now()
	state.mu.Unlock()

	if opts.DebugDir != "" {
		if err := writeDebugArtifacts(opts.DebugDir, snap, captureElapsed); err != nil {
			e.logger.Warn("failed writing debug artifacts", zap.String("debugDir", opts.DebugDir), zap.Error(err))
		}
	}

	return snap, nil
}

// visualModeExecutionContextWait bounds how long populateVisualMode waits
// for a same-origin child frame's default execution context to appear,
// mirroring resolver.ExecutionContextWait.
const visualModeExecutionContextWait = 750 * time.Millisecond

// populateVisualMode runs §4.4's bounding-box collection per frame, merges
// and translates the results into main-viewport coordinates, and composes
// the overlay PNG.
func (e *Engine) populateVisualMode(ctx context.Context, state *pageState, snap *model.Snapshot) error {
	snap.BoundingBoxMap = make(map[model.EncodedID]model.Rect)

	byFrame := make(map[int]map[model.EncodedID]string)
	for id, xpath := range snap.XPathMap {
		if byFrame[id.FrameIndex] == nil {
			byFrame[id.FrameIndex] = make(map[model.EncodedID]string)
		}
		byFrame[id.FrameIndex][id] = xpath
	}

	for frameIndex, xpaths := range byFrame {
		var session transport.Session
		var execCtxID runtime.ExecutionContextID
		if frameIndex == 0 {
			session = state.transport.Root()
		} else {
			rec := state.graph.FrameByIndex(frameIndex)
			if rec == nil {
				continue
			}
			s, ok := state.graph.SessionFor(rec.FrameID)
			if !ok {
				continue
			}
			session = s
			if id, ok := state.graph.WaitForExecutionContext(ctx, rec.FrameID, visualModeExecutionContextWait); ok {
				execCtxID = id
			} else {
				e.logger.Debug("execution context never became available for frame", zap.Int("frameIndex", frameIndex))
			}
		}

		backendXpaths := make(map[cdp.BackendNodeID]string, len(xpaths))
		idByBackend := make(map[cdp.BackendNodeID]model.EncodedID, len(xpaths))
		for id, xpath := range xpaths {
			backend := cdp.BackendNodeID(id.BackendNodeID)
			backendXpaths[backend] = xpath
			idByBackend[backend] = id
		}

		result, err := state.overlay.CollectFrame(ctx, session, execCtxID, backendXpaths)
		if err != nil {
			e.logger.Debug("bounding-box collection failed for frame", zap.Int("frameIndex", frameIndex), zap.Error(err))
			continue
		}
		for backendID, rect := range result.Boxes {
			id := idByBackend[backendID]
			snap.BoundingBoxMap[id] = overlay.Translate(rect, frameIndex, snap.FrameMap)
		}
		for _, backendID := range result.Failed {
			id := idByBackend[backendID]
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("bounding box unavailable for %s (no layout)", id.String()))
		}
	}

	shot, err := state.overlay.CaptureScreenshot(ctx)
	if err != nil {
		return fmt.Errorf("capturing screenshot for overlay: %w", err)
	}
	composed, err := overlay.Compose(shot, snap.BoundingBoxMap)
	if err != nil {
		return fmt.Errorf("composing overlay: %w", err)
	}
	snap.VisualOverlay = composed
	return nil
}

// ExecuteAction runs executeAction(page, snapshot, encodedId, method,
// arguments) → {ok, message}.
func (e *Engine) ExecuteAction(ctx context.Context, page *Page, snap *model.Snapshot, id model.EncodedID, method dispatch.Method, args []string) (dispatch.Result, error) {
	state, err := e.state(page)
	if err != nil {
		return dispatch.Result{}, err
	}
	return state.dispatcher.Execute(ctx, snap, id, method, args)
}

// Invalidate implements invalidate(page): marks the page's cached Snapshot
// dirty, forcing the next Observe(useCache=true) to run a fresh capture.
func (e *Engine) Invalidate(page *Page) {
	state, err := e.state(page)
	if err != nil {
		return
	}
	state.mu.Lock()
	if state.snapshot != nil {
		state.snapshot.MarkDirty()
	}
	state.mu.Unlock()
}

// Close implements close(page): disposes every session the page's Transport
// owns. Idempotent; closing an already-closed or unknown Page is a no-op.
func (e *Engine) Close(page *Page) {
	if page == nil {
		return
	}
	e.mu.Lock()
	state, ok := e.pages[page.id]
	if ok {
		delete(e.pages, page.id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	state.transport.Close()
}

func writeDebugArtifacts(dir string, snap *model.Snapshot, captureElapsed time.Duration) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating debug dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "elems.txt"), []byte(snap.DOMState), 0o644); err != nil {
		return err
	}
	if len(snap.VisualOverlay) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "screenshot.png"), snap.VisualOverlay, 0o644); err != nil {
			return err
		}
	}
	framesJSON, err := json.MarshalIndent(snap.FrameMap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "frames.json"), framesJSON, 0o644); err != nil {
		return err
	}

	perf := map[string]interface{}{"captureElapsedMs": captureElapsed.Milliseconds()}
	perfJSON, _ := json.MarshalIndent(perf, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "perf.json"), perfJSON, 0o644); err != nil {
		return err
	}

	metrics := map[string]interface{}{
		"elementCount": len(snap.Elements),
		"frameCount":   len(snap.FrameMap) + 1,
		"warnings":     snap.Warnings,
		"capturedAt":   snap.CapturedAt,
	}
	metricsJSON, _ := json.MarshalIndent(metrics, "", "  ")
	return os.WriteFile(filepath.Join(dir, "dom-capture-metrics.json"), metricsJSON, 0o644)
}

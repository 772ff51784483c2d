// Package overlay implements the Bounding-Box & Overlay component: batched
// getBoundingClientRect collection per frame, iframe-to-viewport coordinate
// translation, and PNG overlay composition over a page screenshot.
package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/skiffbrowser/frameview/internal/framegraph"
	"github.com/skiffbrowser/frameview/internal/model"
	"github.com/skiffbrowser/frameview/internal/transport"
)

// collectBoxesScript is injected afresh on every CollectFrame call and
// batches getBoundingClientRect() across every xpath the caller supplies.
const collectBoxesScript = `function collectBoxes(xpathByBackendId) {
	const out = {};
	for (const backendId in xpathByBackendId) {
		const xpath = xpathByBackendId[backendId];
		const node = document.evaluate(xpath, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
		if (!node || !node.getBoundingClientRect) continue;
		const r = node.getBoundingClientRect();
		if (r.width === 0 && r.height === 0) continue;
		out[backendId] = {x: r.x, y: r.y, width: r.width, height: r.height, top: r.top, left: r.left, right: r.right, bottom: r.bottom};
	}
	return out;
}`

// palette cycles colors by frameIndex % len(palette), so elements from the
// same frame share a color in the rendered overlay.
var palette = []color.RGBA{
	{R: 255, G: 64, B: 64, A: 255},
	{R: 64, G: 160, B: 255, A: 255},
	{R: 64, G: 200, B: 96, A: 255},
	{R: 230, G: 180, B: 40, A: 255},
	{R: 180, G: 90, B: 220, A: 255},
}

// Collector gathers bounding boxes per frame and composes the visual-mode
// overlay PNG.
type Collector struct {
	transport *transport.Transport
	graph     *framegraph.Graph
	logger    *zap.Logger
}

func New(t *transport.Transport, g *framegraph.Graph, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{transport: t, graph: g, logger: logger.Named("overlay")}
}

// FrameBoxResult is the outcome of one frame's batched collectBoxes call.
type FrameBoxResult struct {
	Boxes  map[cdp.BackendNodeID]model.Rect
	Failed []cdp.BackendNodeID
}

// CollectFrame runs §4.4 steps 1-2 for one frame: inject collectBoxes (a
// fresh function per call, since no handle to a previously injected function
// id is kept across capture cycles) and batch-evaluate it against every kept
// element's xpath. execCtxID pins the evaluation to that frame's own JS world
// (zero for the main frame, which evaluates in its session's default world);
// same-origin child frames route through the shared root session, so without
// it the script would run against the wrong document entirely.
func (c *Collector) CollectFrame(ctx context.Context, session transport.Session, execCtxID runtime.ExecutionContextID, xpathByBackend map[cdp.BackendNodeID]string) (FrameBoxResult, error) {
	byBackend := make(map[string]string, len(xpathByBackend))
	for backendID, xpath := range xpathByBackend {
		byBackend[fmt.Sprintf("%d", backendID)] = xpath
	}
	argJSON, err := json.Marshal(byBackend)
	if err != nil {
		return FrameBoxResult{}, fmt.Errorf("overlay: marshal xpath batch: %w", err)
	}

	expr := fmt.Sprintf("(%s)(%s)", collectBoxesScript, string(argJSON))
	params := struct {
		Expression    string                     `json:"expression"`
		ContextID     runtime.ExecutionContextID `json:"contextId,omitempty"`
		ReturnByValue bool                       `json:"returnByValue"`
		AwaitPromise  bool                       `json:"awaitPromise"`
		Silent        bool                       `json:"silent"`
	}{Expression: expr, ContextID: execCtxID, ReturnByValue: true, AwaitPromise: false, Silent: true}

	var result struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails json.RawMessage `json:"exceptionDetails,omitempty"`
	}
	if err := c.transport.SendCommand(ctx, session, "Runtime.evaluate", params, &result); err != nil {
		return FrameBoxResult{}, fmt.Errorf("overlay: collectBoxes Runtime.evaluate: %w", err)
	}

	raw := make(map[string]struct {
		X, Y, Width, Height, Top, Left, Right, Bottom float64
	})
	if len(result.Result.Value) > 0 {
		if err := json.Unmarshal(result.Result.Value, &raw); err != nil {
			return FrameBoxResult{}, fmt.Errorf("overlay: decoding collectBoxes result: %w", err)
		}
	}

	boxes := make(map[cdp.BackendNodeID]model.Rect, len(raw))
	for key, r := range raw {
		var backendID int64
		if _, err := fmt.Sscanf(key, "%d", &backendID); err != nil {
			continue
		}
		boxes[cdp.BackendNodeID(backendID)] = model.Rect{
			X: r.X, Y: r.Y, Width: r.Width, Height: r.Height,
			Top: r.Top, Left: r.Left, Right: r.Right, Bottom: r.Bottom,
		}
	}

	var failed []cdp.BackendNodeID
	for backendID := range xpathByBackend {
		if _, ok := boxes[backendID]; !ok {
			failed = append(failed, backendID)
		}
	}
	return FrameBoxResult{Boxes: boxes, Failed: failed}, nil
}

// Translate implements §4.4 step 3: add the AbsoluteBoundingBox offset of
// the frame's own iframe and of every ancestor iframe to rect, walking the
// parentFrameIndex chain up to the main frame, so the offsets accumulate.
func Translate(rect model.Rect, frameIndex int, frameMap map[int]*model.IframeInfo) model.Rect {
	cur := frameIndex
	for {
		info, ok := frameMap[cur]
		if !ok || info.ParentFrameIndex == nil {
			break
		}
		if info.AbsoluteBoundingBox != nil {
			rect.X += info.AbsoluteBoundingBox.X
			rect.Y += info.AbsoluteBoundingBox.Y
			rect.Top += info.AbsoluteBoundingBox.Y
			rect.Left += info.AbsoluteBoundingBox.X
			rect.Right += info.AbsoluteBoundingBox.X
			rect.Bottom += info.AbsoluteBoundingBox.Y
		}
		cur = *info.ParentFrameIndex
		if cur == 0 {
			break
		}
	}
	return rect
}

// CaptureScreenshot calls Page.captureScreenshot on the root session,
// returning decoded PNG bytes.
func (c *Collector) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	params := struct {
		Format string `json:"format"`
	}{Format: "png"}
	var result struct {
		Data []byte `json:"data"`
	}
	if err := c.transport.SendCommand(ctx, c.transport.Root(), "Page.captureScreenshot", params, &result); err != nil {
		return nil, fmt.Errorf("overlay: Page.captureScreenshot: %w", err)
	}
	return result.Data, nil
}

// boxEntry pairs an EncodedId with its final, viewport-absolute rectangle,
// for deterministic overlay rendering order.
type boxEntry struct {
	id   model.EncodedID
	rect model.Rect
}

// Compose draws one rectangle and EncodedId label per box atop screenshotPNG,
// dropping boxes fully outside the viewport, per §4.4's overlay composition
// rule.
func Compose(screenshotPNG []byte, boxes map[model.EncodedID]model.Rect) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(screenshotPNG))
	if err != nil {
		return nil, fmt.Errorf("overlay: decoding screenshot: %w", err)
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	entries := make([]boxEntry, 0, len(boxes))
	for id, rect := range boxes {
		entries = append(entries, boxEntry{id: id, rect: rect})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].id.FrameIndex != entries[j].id.FrameIndex {
			return entries[i].id.FrameIndex < entries[j].id.FrameIndex
		}
		return entries[i].id.BackendNodeID < entries[j].id.BackendNodeID
	})

	for _, e := range entries {
		r := image.Rect(int(e.rect.Left), int(e.rect.Top), int(e.rect.Right), int(e.rect.Bottom))
		if !r.Overlaps(bounds) {
			continue
		}
		col := palette[e.id.FrameIndex%len(palette)]
		drawRectOutline(canvas, r, col)
		drawLabel(canvas, r.Min.X+2, r.Min.Y+12, e.id.String(), col)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("overlay: encoding composed overlay: %w", err)
	}
	return buf.Bytes(), nil
}

func drawRectOutline(img *image.RGBA, r image.Rectangle, col color.RGBA) {
	for x := r.Min.X; x < r.Max.X; x++ {
		img.Set(x, r.Min.Y, col)
		img.Set(x, r.Max.Y-1, col)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.Set(r.Min.X, y, col)
		img.Set(r.Max.X-1, y, col)
	}
}

func drawLabel(img *image.RGBA, x, y int, text string, col color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"
)

// scrollableExecutionContextWait bounds how long detectScrollable waits for a
// same-origin child frame's default execution context to appear, mirroring
// resolver.ExecutionContextWait.
const scrollableExecutionContextWait = 750 * time.Millisecond

// scrollableProbeScript identifies elements whose overflow genuinely scrolls
// by mutating and restoring scrollTop, rather than trusting computed style
// alone (an element can have overflow:auto set and still have nothing to
// scroll). Candidates are ordered by scrollHeight descending and returned as
// document-relative XPaths so the caller can resolve them against the xpath
// map Pass 1 already built, without a second round trip per element.
const scrollableProbeScript = `(() => {
	function xpathFor(el) {
		const parts = [];
		let node = el;
		while (node && node.nodeType === 1) {
			if (node.id) {
				parts.unshift('/' + node.tagName.toLowerCase() + '[@id="' + node.id + '"]');
				return '/' + parts.join('/');
			}
			let index = 1;
			let sibling = node.previousElementSibling;
			while (sibling) {
				if (sibling.tagName === node.tagName) index++;
				sibling = sibling.previousElementSibling;
			}
			parts.unshift(node.tagName.toLowerCase() + '[' + index + ']');
			node = node.parentElement;
		}
		return '/' + parts.join('/');
	}
	const found = [];
	const all = document.querySelectorAll('*');
	for (const el of all) {
		if (el.scrollHeight <= el.clientHeight || el.clientHeight === 0) continue;
		const before = el.scrollTop;
		el.scrollTop = before + 1;
		const moved = el.scrollTop !== before;
		el.scrollTop = before;
		if (moved) {
			found.push({ xpath: xpathFor(el), scrollHeight: el.scrollHeight });
		}
	}
	found.sort((a, b) => b.scrollHeight - a.scrollHeight);
	return found.map(f => f.xpath);
})()`

// detectScrollable runs Pass 5 for one frame: evaluate the probe script in
// its execution context and resolve each returned XPath back to a
// backendNodeId using the reverse map Pass 1 already built for that frame.
func (c *Capturer) detectScrollable(ctx context.Context, fw *frameWalk) (map[cdp.BackendNodeID]bool, error) {
	var raw json.RawMessage
	params := struct {
		Expression    string                     `json:"expression"`
		ContextID     runtime.ExecutionContextID `json:"contextId,omitempty"`
		ReturnByValue bool                       `json:"returnByValue"`
		AwaitPromise  bool                       `json:"awaitPromise"`
		Silent        bool                       `json:"silent"`
	}{Expression: scrollableProbeScript, ContextID: c.executionContextForFrame(ctx, fw.frameIndex), ReturnByValue: true, AwaitPromise: true, Silent: true}

	type evalResult struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails json.RawMessage `json:"exceptionDetails,omitempty"`
	}
	var result evalResult
	if err := c.transport.SendCommand(ctx, fw.session, "Runtime.evaluate", params, &result); err != nil {
		return nil, fmt.Errorf("capture: scrollable probe Runtime.evaluate: %w", err)
	}
	raw = result.Result.Value

	var xpaths []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &xpaths); err != nil {
			c.logger.Debug("scrollable probe returned unexpected shape", zap.Error(err))
			return nil, nil
		}
	}

	scrollable := make(map[cdp.BackendNodeID]bool, len(xpaths))
	for _, xpath := range xpaths {
		if backendID, ok := fw.reverseXPath[xpath]; ok {
			scrollable[backendID] = true
		}
	}
	return scrollable, nil
}

// executionContextForFrame resolves the execution context a frame's own
// document evaluates in. The main frame (index 0) evaluates in its session's
// default world without naming a contextId; every other frame routes through
// the shared root session for same-origin iframes (see framegraph.Graph), so
// the probe must be pinned to that frame's own context or it silently runs
// against the wrong document.
func (c *Capturer) executionContextForFrame(ctx context.Context, frameIndex int) runtime.ExecutionContextID {
	if frameIndex == 0 {
		return 0
	}
	rec := c.graph.FrameByIndex(frameIndex)
	if rec == nil {
		return 0
	}
	id, ok := c.graph.WaitForExecutionContext(ctx, rec.FrameID, scrollableExecutionContextWait)
	if !ok {
		c.logger.Debug("execution context never became available for frame", zap.Int("frameIndex", frameIndex))
		return 0
	}
	return id
}

package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skiffbrowser/frameview/internal/transport"
)

// axValue mirrors the wire shape of an Accessibility.AXValue, decoded
// directly rather than through cdproto's accessibility package so the
// embedded "value" field (whose JSON shape varies by AXValueType) can be
// read with encoding/json without pulling in easyjson decoding.
type axValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (v *axValue) stringValue() string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err == nil {
		return s
	}
	return string(v.Value)
}

type axNode struct {
	NodeID            string          `json:"nodeId"`
	Ignored           bool            `json:"ignored"`
	Role              *axValue        `json:"role,omitempty"`
	Name              *axValue        `json:"name,omitempty"`
	Description       *axValue        `json:"description,omitempty"`
	Value             *axValue        `json:"value,omitempty"`
	ParentID          string          `json:"parentId,omitempty"`
	ChildIDs          []string        `json:"childIds,omitempty"`
	BackendDOMNodeID  cdp.BackendNodeID `json:"backendDOMNodeId,omitempty"`
	FrameID           cdp.FrameID     `json:"frameId,omitempty"`
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "searchbox": true,
	"combobox": true, "checkbox": true, "radio": true,
}

// fetchAXTree runs Pass 4 for one frame: fetch its accessibility nodes over
// CDP, or synthesize a DOM-fallback tree from fw's tagNames when the result
// contains no non-ignored interactive role.
func (c *Capturer) fetchAXTree(ctx context.Context, fw *frameWalk) ([]*axNode, error) {
	var nodes []*axNode
	var err error

	if fw.isOOPIF {
		nodes, err = c.getFullAXTree(ctx, fw.session)
	} else if fw.frameIndex == 0 {
		nodes, err = c.getFullAXTree(ctx, fw.session)
	} else {
		nodes, err = c.getPartialAXTree(ctx, fw.session, fw.contentDocBackendID)
	}
	if err != nil {
		return nil, err
	}

	if !hasInteractiveRole(nodes) {
		nodes = synthesizeAXTree(fw)
	}
	return nodes, nil
}

func hasInteractiveRole(nodes []*axNode) bool {
	for _, n := range nodes {
		if n.Ignored || n.Role == nil {
			continue
		}
		if interactiveRoles[n.Role.stringValue()] {
			return true
		}
	}
	return false
}

func (c *Capturer) getFullAXTree(ctx context.Context, session transport.Session) ([]*axNode, error) {
	var result struct {
		Nodes []*axNode `json:"nodes"`
	}
	if err := c.transport.SendCommand(ctx, session, "Accessibility.getFullAXTree", struct{}{}, &result); err != nil {
		return nil, fmt.Errorf("capture: Accessibility.getFullAXTree: %w", err)
	}
	return result.Nodes, nil
}

func (c *Capturer) getPartialAXTree(ctx context.Context, session transport.Session, backendNodeID cdp.BackendNodeID) ([]*axNode, error) {
	params := struct {
		BackendNodeID  cdp.BackendNodeID `json:"backendNodeId"`
		FetchRelatives bool              `json:"fetchRelatives"`
	}{BackendNodeID: backendNodeID, FetchRelatives: true}

	var result struct {
		Nodes []*axNode `json:"nodes"`
	}
	if err := c.transport.SendCommand(ctx, session, "Accessibility.getPartialAXTree", params, &result); err != nil {
		return nil, fmt.Errorf("capture: Accessibility.getPartialAXTree: %w", err)
	}
	return result.Nodes, nil
}

// synthesizeAXTree builds a flat one-level AX tree from fw's tagNames when
// the real accessibility tree reported no interactive roles, mapping
// input/textarea to textbox, button to button, a to link, select to combobox.
func synthesizeAXTree(fw *frameWalk) []*axNode {
	var out []*axNode
	for _, backendID := range fw.order {
		tag := fw.tagNames[backendID]
		role := domFallbackRole(tag)
		if role == "" {
			continue
		}
		name := fw.accessibleNames[backendID]
		out = append(out, &axNode{
			NodeID:           strconv.FormatInt(int64(backendID), 10),
			Role:             &axValue{Type: "role", Value: mustJSON(role)},
			Name:             &axValue{Type: "computedString", Value: mustJSON(name)},
			BackendDOMNodeID: backendID,
		})
	}
	return out
}

func domFallbackRole(tag string) string {
	switch tag {
	case "input", "textarea":
		return "textbox"
	case "button":
		return "button"
	case "a":
		return "link"
	case "select":
		return "combobox"
	default:
		return ""
	}
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// fetchAXTreesParallel runs fetchAXTree across every frame walk concurrently,
// per §5's parallelism guarantee for per-frame accessibility fetches.
func (c *Capturer) fetchAXTreesParallel(ctx context.Context, walks []*frameWalk) (map[int][]*axNode, error) {
	results := make(map[int][]*axNode, len(walks))

	group, gctx := errgroup.WithContext(ctx)
	type pair struct {
		idx   int
		nodes []*axNode
	}
	out := make(chan pair, len(walks))
	for _, fw := range walks {
		fw := fw
		group.Go(func() error {
			nodes, err := c.fetchAXTree(gctx, fw)
			if err != nil {
				c.logger.Warn("accessibility fetch failed for frame", zap.Int("frameIndex", fw.frameIndex), zap.Error(err))
				out <- pair{idx: fw.frameIndex, nodes: nil}
				return nil
			}
			out <- pair{idx: fw.frameIndex, nodes: nodes}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	close(out)
	for p := range out {
		results[p.idx] = p.nodes
	}
	return results, nil
}

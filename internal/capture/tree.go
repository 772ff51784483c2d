package capture

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/chromedp/cdproto/cdp"

	"github.com/skiffbrowser/frameview/internal/model"
)

// treeNode is the Pass-6 working representation of one kept AX node, built
// from the flat axNode list before being flattened into model.AccessibilityNode
// entries and a Pass-7 text listing.
type treeNode struct {
	encodedID   model.EncodedID
	backendID   cdp.BackendNodeID
	role        string
	name        string
	description string
	value       string
	signature   string
	children    []*treeNode
}

// buildFrameTree runs Pass 6 for one frame: convert its flat AX nodes into a
// hierarchical tree, decorate scrollable roles, collapse structural wrappers,
// drop redundant StaticText children, and normalize names. It returns the
// kept root nodes (document order) and the fingerprint-bearing AccessibilityNode
// entries keyed by EncodedID.
func buildFrameTree(axNodes []*axNode, fw *frameWalk, scrollable map[cdp.BackendNodeID]bool) ([]*treeNode, map[model.EncodedID]*model.AccessibilityNode) {
	byID := make(map[string]*axNode, len(axNodes))
	for _, n := range axNodes {
		byID[n.NodeID] = n
	}

	childIDs := make(map[string]bool)
	for _, n := range axNodes {
		for _, c := range n.ChildIDs {
			childIDs[c] = true
		}
	}

	var roots []*axNode
	for _, n := range axNodes {
		if !childIDs[n.NodeID] {
			roots = append(roots, n)
		}
	}

	visited := make(map[string]bool)
	var built []*treeNode
	for _, r := range roots {
		if tn := convertAXNode(r, byID, fw, scrollable, visited); tn != nil {
			built = append(built, tn)
		}
	}

	elements := make(map[model.EncodedID]*model.AccessibilityNode)
	for _, tn := range built {
		collectElements(tn, elements)
	}
	return built, elements
}

func convertAXNode(n *axNode, byID map[string]*axNode, fw *frameWalk, scrollable map[cdp.BackendNodeID]bool, visited map[string]bool) *treeNode {
	if n == nil || visited[n.NodeID] {
		return nil
	}
	visited[n.NodeID] = true

	var children []*treeNode
	for _, cid := range n.ChildIDs {
		if child := convertAXNode(byID[cid], byID, fw, scrollable, visited); child != nil {
			children = append(children, child)
		}
	}

	if n.Ignored {
		return collapseSingleChild(children)
	}

	role := ""
	if n.Role != nil {
		role = n.Role.stringValue()
	}
	name := normalizeName(valueOf(n.Name))

	var signature string
	if domNode, ok := fw.nodesByBackend[n.BackendDOMNodeID]; ok {
		signature = nodeFingerprint(domNode, attributeMap(domNode))
	}

	tn := &treeNode{
		backendID:   n.BackendDOMNodeID,
		role:        decorateRole(role, n.BackendDOMNodeID, scrollable),
		name:        name,
		description: valueOf(n.Description),
		value:       valueOf(n.Value),
		signature:   signature,
		children:    children,
	}
	tn.encodedID = model.EncodedID{FrameIndex: fw.frameIndex, BackendNodeID: int64(n.BackendDOMNodeID)}

	tn = cleanStructuralWrapper(tn, fw)
	if tn == nil {
		return nil
	}
	dropRedundantStaticText(tn)

	if tn.name == "" && len(tn.children) == 0 && isStructuralRole(role) {
		return nil
	}
	return tn
}

func valueOf(v *axValue) string {
	if v == nil {
		return ""
	}
	return v.stringValue()
}

func decorateRole(role string, backendID cdp.BackendNodeID, scrollable map[cdp.BackendNodeID]bool) string {
	if !scrollable[backendID] {
		return role
	}
	if role == "generic" || role == "none" || role == "" {
		return "scrollable"
	}
	return "scrollable, " + role
}

func isStructuralRole(role string) bool {
	return role == "generic" || role == "none" || role == ""
}

// cleanStructuralWrapper implements Pass 6's structural-cleanup rule: a
// generic/none node with exactly one child collapses to that child; with no
// children it is pruned; otherwise it is relabeled with its own HTML tag
// name (a combobox role backed by a <select> becomes "select").
func cleanStructuralWrapper(tn *treeNode, fw *frameWalk) *treeNode {
	baseRole := strings.TrimPrefix(strings.TrimPrefix(tn.role, "scrollable, "), "scrollable")
	if !isStructuralRole(baseRole) {
		return tn
	}
	switch len(tn.children) {
	case 0:
		return nil
	case 1:
		return tn.children[0]
	default:
		if tag, ok := fw.tagNames[tn.backendID]; ok && tag != "" {
			if strings.HasPrefix(tn.role, "scrollable") {
				tn.role = "scrollable, " + tag
			} else {
				tn.role = tag
			}
		}
		return tn
	}
}

func collapseSingleChild(children []*treeNode) *treeNode {
	if len(children) == 1 {
		return children[0]
	}
	return nil
}

// dropRedundantStaticText removes a sole StaticText child whose name equals
// its parent's name, a pattern accessibility trees commonly produce for
// simple labeled controls (e.g. a button whose only child restates its name).
func dropRedundantStaticText(tn *treeNode) {
	if len(tn.children) != 1 {
		return
	}
	child := tn.children[0]
	if strings.EqualFold(child.role, "StaticText") && child.name == tn.name {
		tn.children = nil
	}
}

// normalizeName trims whitespace, collapses non-breaking-space variants to a
// single ASCII space, and strips private-use-area unicode codepoints icon
// fonts sometimes leak into accessible names.
func normalizeName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case unicode.In(r, unicode.Co):
			continue
		case r == '\u00a0' || r == '\u202f' || r == '\u2007': // nbsp, narrow nbsp, figure space
			sb.WriteRune(' ')
		default:
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(strings.Join(strings.Fields(sb.String()), " "))
}

func collectElements(tn *treeNode, out map[model.EncodedID]*model.AccessibilityNode) {
	node := &model.AccessibilityNode{
		Role:             tn.role,
		Name:             tn.name,
		Description:      tn.description,
		Value:            tn.value,
		BackendDOMNodeID: tn.backendID,
		Signature:        tn.signature,
	}
	for _, child := range tn.children {
		node.Children = append(node.Children, child.encodedID)
		collectElements(child, out)
	}
	out[tn.encodedID] = node
}

// formatFrameLines runs the per-frame half of Pass 7: one line per kept
// node, indented by depth, formatted "[<encodedId>] <role>[: <name>]".
func formatFrameLines(roots []*treeNode) []string {
	var lines []string
	var walk func(tn *treeNode, depth int)
	walk = func(tn *treeNode, depth int) {
		indent := strings.Repeat("  ", depth)
		line := fmt.Sprintf("%s[%s] %s", indent, tn.encodedID.String(), tn.role)
		if tn.name != "" {
			line += ": " + tn.name
		}
		lines = append(lines, line)
		for _, child := range tn.children {
			walk(child, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return lines
}

// framePathHeader reconstructs "Main → Frame a → Frame i" by walking
// parentFrameIndex back to the root, per Pass 7's header rule.
func framePathHeader(frameIndex int, frameMap map[int]*model.IframeInfo) string {
	if frameIndex == 0 {
		return "Frame 0 (Main)"
	}
	var chain []string
	cur := frameIndex
	for {
		info, ok := frameMap[cur]
		if !ok {
			chain = append([]string{"Frame " + strconv.Itoa(cur)}, chain...)
			break
		}
		chain = append([]string{"Frame " + strconv.Itoa(cur)}, chain...)
		if info.ParentFrameIndex == nil || *info.ParentFrameIndex == 0 {
			break
		}
		cur = *info.ParentFrameIndex
	}
	path := append([]string{"Main"}, chain...)
	return fmt.Sprintf("Frame %d (%s)", frameIndex, strings.Join(path, " → "))
}

package capture

import (
	"strings"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffbrowser/frameview/internal/model"
	"github.com/skiffbrowser/frameview/internal/transport"
)

func strValue(s string) *axValue {
	return &axValue{Type: "string", Value: mustJSON(s)}
}

func TestValueOf_NilReturnsEmptyString(t *testing.T) {
	assert.Equal(t, "", valueOf(nil))
}

func TestValueOf_ReturnsDecodedString(t *testing.T) {
	assert.Equal(t, "Submit", valueOf(strValue("Submit")))
}

func TestDecorateRole_PrefixesScrollableWhenMarked(t *testing.T) {
	scrollable := map[cdp.BackendNodeID]bool{5: true}
	assert.Equal(t, "scrollable, list", decorateRole("list", 5, scrollable))
	assert.Equal(t, "scrollable", decorateRole("generic", 5, scrollable))
	assert.Equal(t, "scrollable", decorateRole("", 5, scrollable))
}

func TestDecorateRole_LeavesRoleUnchangedWhenNotScrollable(t *testing.T) {
	assert.Equal(t, "button", decorateRole("button", 5, map[cdp.BackendNodeID]bool{}))
}

func TestIsStructuralRole(t *testing.T) {
	assert.True(t, isStructuralRole("generic"))
	assert.True(t, isStructuralRole("none"))
	assert.True(t, isStructuralRole(""))
	assert.False(t, isStructuralRole("button"))
}

func TestCollapseSingleChild(t *testing.T) {
	child := &treeNode{role: "button"}
	assert.Same(t, child, collapseSingleChild([]*treeNode{child}))
	assert.Nil(t, collapseSingleChild(nil))
	assert.Nil(t, collapseSingleChild([]*treeNode{child, child}))
}

func TestDropRedundantStaticText_RemovesMatchingSoleChild(t *testing.T) {
	tn := &treeNode{
		name:     "Submit",
		children: []*treeNode{{role: "StaticText", name: "Submit"}},
	}
	dropRedundantStaticText(tn)
	assert.Nil(t, tn.children)
}

func TestDropRedundantStaticText_KeepsChildWhenNamesDiffer(t *testing.T) {
	tn := &treeNode{
		name:     "Submit",
		children: []*treeNode{{role: "StaticText", name: "Something else"}},
	}
	dropRedundantStaticText(tn)
	assert.Len(t, tn.children, 1)
}

func TestDropRedundantStaticText_NoopWithMultipleChildren(t *testing.T) {
	tn := &treeNode{
		name: "x",
		children: []*treeNode{
			{role: "StaticText", name: "x"},
			{role: "button", name: "y"},
		},
	}
	dropRedundantStaticText(tn)
	assert.Len(t, tn.children, 2)
}

func TestNormalizeName_CollapsesWhitespaceAndStripsPrivateUse(t *testing.T) {
	assert.Equal(t, "Submit order", normalizeName("  Submit  order  "))
	assert.Equal(t, "icon text", normalizeName("icon text"))
}

func TestCleanStructuralWrapper_PrunesChildlessGeneric(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 0, nil, false)
	tn := &treeNode{role: "generic"}
	assert.Nil(t, cleanStructuralWrapper(tn, fw))
}

func TestCleanStructuralWrapper_CollapsesSingleChildGeneric(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 0, nil, false)
	child := &treeNode{role: "button", name: "Submit"}
	tn := &treeNode{role: "none", children: []*treeNode{child}}
	assert.Same(t, child, cleanStructuralWrapper(tn, fw))
}

func TestCleanStructuralWrapper_RelabelsMultiChildGenericWithTagName(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 0, nil, false)
	fw.tagNames[cdp.BackendNodeID(9)] = "select"
	tn := &treeNode{
		role:      "generic",
		backendID: 9,
		children:  []*treeNode{{role: "option"}, {role: "option"}},
	}
	out := cleanStructuralWrapper(tn, fw)
	require.NotNil(t, out)
	assert.Equal(t, "select", out.role)
}

func TestCleanStructuralWrapper_LeavesNonStructuralRoleUntouched(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 0, nil, false)
	tn := &treeNode{role: "button", children: []*treeNode{{role: "StaticText"}}}
	assert.Same(t, tn, cleanStructuralWrapper(tn, fw))
}

func TestConvertAXNode_BuildsLeafNodeWithEncodedID(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 2, nil, false)
	n := &axNode{
		NodeID:           "1",
		Role:             strValue("button"),
		Name:             strValue("Submit"),
		BackendDOMNodeID: cdp.BackendNodeID(5),
	}
	byID := map[string]*axNode{"1": n}

	tn := convertAXNode(n, byID, fw, nil, map[string]bool{})

	require.NotNil(t, tn)
	assert.Equal(t, "button", tn.role)
	assert.Equal(t, "Submit", tn.name)
	assert.Equal(t, model.EncodedID{FrameIndex: 2, BackendNodeID: 5}, tn.encodedID)
}

func TestConvertAXNode_PopulatesSignatureFromBackingDOMNode(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 0, nil, false)
	fw.nodesByBackend[5] = &cdp.Node{NodeName: "BUTTON", Attributes: []string{"id", "go"}}
	n := &axNode{NodeID: "1", Role: strValue("button"), Name: strValue("Submit"), BackendDOMNodeID: 5}
	byID := map[string]*axNode{"1": n}

	tn := convertAXNode(n, byID, fw, nil, map[string]bool{})

	require.NotNil(t, tn)
	assert.Equal(t, nodeFingerprint(fw.nodesByBackend[5], attributeMap(fw.nodesByBackend[5])), tn.signature)
	assert.NotEmpty(t, tn.signature)
}

func TestConvertAXNode_IgnoredNodeCollapsesToSingleChild(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 0, nil, false)
	child := &axNode{NodeID: "2", Role: strValue("button"), Name: strValue("OK"), BackendDOMNodeID: 3}
	parent := &axNode{NodeID: "1", Ignored: true, ChildIDs: []string{"2"}}
	byID := map[string]*axNode{"1": parent, "2": child}

	tn := convertAXNode(parent, byID, fw, nil, map[string]bool{})

	require.NotNil(t, tn)
	assert.Equal(t, "button", tn.role)
}

func TestConvertAXNode_PrunesEmptyStructuralLeaf(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 0, nil, false)
	n := &axNode{NodeID: "1", Role: strValue("generic")}
	byID := map[string]*axNode{"1": n}

	tn := convertAXNode(n, byID, fw, nil, map[string]bool{})

	assert.Nil(t, tn)
}

func TestConvertAXNode_NilAndAlreadyVisitedReturnNil(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 0, nil, false)
	assert.Nil(t, convertAXNode(nil, nil, fw, nil, map[string]bool{}))

	n := &axNode{NodeID: "1", Role: strValue("button"), Name: strValue("x")}
	visited := map[string]bool{"1": true}
	assert.Nil(t, convertAXNode(n, map[string]*axNode{"1": n}, fw, nil, visited))
}

func TestBuildFrameTree_ReturnsRootsAndElementsKeyedByEncodedID(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 0, nil, false)
	nodes := []*axNode{
		{NodeID: "1", Role: strValue("button"), Name: strValue("Submit"), BackendDOMNodeID: 1},
		{NodeID: "2", Role: strValue("link"), Name: strValue("Home"), BackendDOMNodeID: 2},
	}

	roots, elements := buildFrameTree(nodes, fw, nil)

	assert.Len(t, roots, 2)

	want := map[model.EncodedID]*model.AccessibilityNode{
		{FrameIndex: 0, BackendNodeID: 1}: {Role: "button", Name: "Submit", BackendDOMNodeID: 1},
		{FrameIndex: 0, BackendNodeID: 2}: {Role: "link", Name: "Home", BackendDOMNodeID: 2},
	}
	if diff := cmp.Diff(want, elements); diff != "" {
		t.Errorf("buildFrameTree elements mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildFrameTree_OnlyRootsWithoutParentsAreTopLevel(t *testing.T) {
	fw := newFrameWalk(transport.Session{}, 0, nil, false)
	nodes := []*axNode{
		{NodeID: "1", Role: strValue("generic"), ChildIDs: []string{"2"}},
		{NodeID: "2", Role: strValue("button"), Name: strValue("Go"), BackendDOMNodeID: 2},
	}

	roots, _ := buildFrameTree(nodes, fw, nil)

	require.Len(t, roots, 1)
	assert.Equal(t, "button", roots[0].role)
}

func TestCollectElements_CarriesSignatureIntoAccessibilityNode(t *testing.T) {
	tn := &treeNode{encodedID: model.EncodedID{FrameIndex: 0, BackendNodeID: 1}, role: "button", signature: "abc123"}

	out := map[model.EncodedID]*model.AccessibilityNode{}
	collectElements(tn, out)

	assert.Equal(t, "abc123", out[tn.encodedID].Signature)
}

func TestCollectElements_RecordsChildEncodedIDs(t *testing.T) {
	child := &treeNode{encodedID: model.EncodedID{FrameIndex: 0, BackendNodeID: 2}, role: "button"}
	root := &treeNode{
		encodedID: model.EncodedID{FrameIndex: 0, BackendNodeID: 1},
		role:      "generic",
		children:  []*treeNode{child},
	}

	out := map[model.EncodedID]*model.AccessibilityNode{}
	collectElements(root, out)

	require.Len(t, out, 2)
	assert.Equal(t, []model.EncodedID{child.encodedID}, out[root.encodedID].Children)
}

func TestFormatFrameLines_IndentsByDepthAndIncludesName(t *testing.T) {
	child := &treeNode{encodedID: model.EncodedID{FrameIndex: 0, BackendNodeID: 2}, role: "StaticText"}
	root := &treeNode{
		encodedID: model.EncodedID{FrameIndex: 0, BackendNodeID: 1},
		role:      "button",
		name:      "Submit",
		children:  []*treeNode{child},
	}

	lines := formatFrameLines([]*treeNode{root})

	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "button: Submit")
	assert.True(t, strings.HasPrefix(lines[1], "  "))
	assert.Contains(t, lines[1], "StaticText")
}

func TestFramePathHeader_MainFrameIsZero(t *testing.T) {
	assert.Equal(t, "Frame 0 (Main)", framePathHeader(0, nil))
}

func TestFramePathHeader_BuildsChainThroughAncestors(t *testing.T) {
	root := 0
	frameA := 1
	frameMap := map[int]*model.IframeInfo{
		1: {FrameIndex: 1, ParentFrameIndex: &root},
		2: {FrameIndex: 2, ParentFrameIndex: &frameA},
	}

	header := framePathHeader(2, frameMap)

	assert.Equal(t, "Frame 2 (Main → Frame 1 → Frame 2)", header)
}

func TestFramePathHeader_UnknownFrameStopsChain(t *testing.T) {
	header := framePathHeader(9, map[int]*model.IframeInfo{})
	assert.Equal(t, "Frame 9 (Main → Frame 9)", header)
}

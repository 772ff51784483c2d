package capture

import (
	"strings"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
)

func TestAttributeMap_PairsUpFlatAttributeList(t *testing.T) {
	node := &cdp.Node{Attributes: []string{"id", "foo", "class", "a b"}}
	attrs := attributeMap(node)
	assert.Equal(t, "foo", attrs["id"])
	assert.Equal(t, "a b", attrs["class"])
}

func TestAttributeMap_NilNodeReturnsEmptyMap(t *testing.T) {
	assert.Empty(t, attributeMap(nil))
}

func TestAttributeMap_OddLengthDropsTrailingKey(t *testing.T) {
	node := &cdp.Node{Attributes: []string{"id", "foo", "dangling"}}
	attrs := attributeMap(node)
	assert.Len(t, attrs, 1)
	assert.Equal(t, "foo", attrs["id"])
}

func TestTruncateBytes_NoopWhenShort(t *testing.T) {
	assert.Equal(t, "hi", truncateBytes("hi", 10))
}

func TestTruncateBytes_CutsOnRuneBoundary(t *testing.T) {
	s := "cafébar" // "café" + "bar", é is 2 bytes in utf8
	truncated := truncateBytes(s, 4)
	assert.True(t, strings.HasPrefix(s, truncated))
	assert.LessOrEqual(t, len(truncated), 4)
}

func TestNodeText_CollectsDirectTextChildren(t *testing.T) {
	node := &cdp.Node{
		Children: []*cdp.Node{
			{NodeType: cdp.NodeTypeText, NodeValue: "Hello "},
			{NodeType: cdp.NodeTypeText, NodeValue: "world"},
		},
	}
	assert.Equal(t, "Hello world", nodeText(node, nil))
}

func TestNodeText_FallsBackToAriaLabelWhenNoTextChildren(t *testing.T) {
	node := &cdp.Node{}
	assert.Equal(t, "an icon", nodeText(node, map[string]string{"aria-label": "an icon"}))
}

func TestNodeText_FallsBackToTitleWhenNoAriaLabel(t *testing.T) {
	node := &cdp.Node{}
	assert.Equal(t, "tooltip", nodeText(node, map[string]string{"title": "tooltip"}))
}

func TestNodeText_NilNodeReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", nodeText(nil, map[string]string{"aria-label": "x"}))
}

func TestNodeFingerprint_IncludesTagIDClassesAndText(t *testing.T) {
	node := &cdp.Node{
		NodeName: "BUTTON",
		Children: []*cdp.Node{{NodeType: cdp.NodeTypeText, NodeValue: "Submit"}},
	}
	attrs := map[string]string{"id": "go", "class": "b a"}

	fp := nodeFingerprint(node, attrs)
	assert.NotEmpty(t, fp)
}

func TestNodeFingerprint_NilNodeReturnsEmptyString(t *testing.T) {
	assert.Equal(t, "", nodeFingerprint(nil, nil))
}

func TestNodeFingerprint_IsDeterministicForSameInput(t *testing.T) {
	node := &cdp.Node{NodeName: "A", Children: []*cdp.Node{{NodeType: cdp.NodeTypeText, NodeValue: "link"}}}
	attrs := map[string]string{"href": "/x"}

	a := nodeFingerprint(node, attrs)
	b := nodeFingerprint(node, attrs)
	assert.Equal(t, a, b)
}

func TestNodeFingerprint_IgnoresClassOrder(t *testing.T) {
	node := &cdp.Node{NodeName: "DIV"}
	a := nodeFingerprint(node, map[string]string{"class": "b a"})
	b := nodeFingerprint(node, map[string]string{"class": "a b"})
	assert.Equal(t, a, b, "class tokens are sorted before hashing so token order must not matter")
}

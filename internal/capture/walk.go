package capture

import (
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/cdp"

	"github.com/skiffbrowser/frameview/internal/model"
	"github.com/skiffbrowser/frameview/internal/transport"
)

// frameWalk is the Pass-1 result for a single frame's own document (the main
// frame, or one OOPIF's own session). Same-origin child iframes piereced into
// via DOM.getDocument's pierce flag are walked in the same pass but recorded
// as their own frameWalk entries, since every frame keeps an independent set
// of backend-id/xpath maps.
type frameWalk struct {
	frameIndex       int
	parentFrameIndex *int
	session          transport.Session
	frameID          cdp.FrameID
	isOOPIF          bool

	// contentDocBackendID is the backendNodeId of this frame's own document
	// node, used by Pass 4 to address Accessibility.getPartialAXTree for
	// same-origin iframes.
	contentDocBackendID cdp.BackendNodeID

	tagNames        map[cdp.BackendNodeID]string
	nodesByBackend  map[cdp.BackendNodeID]*cdp.Node
	xpaths          map[cdp.BackendNodeID]string
	reverseXPath    map[string]cdp.BackendNodeID
	accessibleNames map[cdp.BackendNodeID]string
	order           []cdp.BackendNodeID

	iframes []*model.IframeInfo
}

func newFrameWalk(session transport.Session, frameIndex int, parentFrameIndex *int, isOOPIF bool) *frameWalk {
	return &frameWalk{
		frameIndex:       frameIndex,
		parentFrameIndex: parentFrameIndex,
		session:          session,
		isOOPIF:          isOOPIF,
		tagNames:         make(map[cdp.BackendNodeID]string),
		nodesByBackend:   make(map[cdp.BackendNodeID]*cdp.Node),
		xpaths:           make(map[cdp.BackendNodeID]string),
		reverseXPath:     make(map[string]cdp.BackendNodeID),
		accessibleNames:  make(map[cdp.BackendNodeID]string),
	}
}

// walkDocument runs Pass 1 on root (the return value of DOM.getDocument for
// one frame's own session) and every same-origin iframe reachable from it
// through root.ContentDocument, flattening the result into one frameWalk per
// frame. The first returned walk is root's own frame.
func walkDocument(session transport.Session, root *cdp.Node, frameIndex int, parentFrameIndex *int, isOOPIF bool, nextFrameIndex *int) []*frameWalk {
	fw := newFrameWalk(session, frameIndex, parentFrameIndex, isOOPIF)
	walks := []*frameWalk{fw}
	if root == nil {
		return walks
	}
	fw.contentDocBackendID = root.BackendNodeID
	siblingCounts := make(map[string]int)
	walkNode(fw, root, "", siblingCounts, nextFrameIndex, &walks)
	return walks
}

func walkNode(fw *frameWalk, node *cdp.Node, parentXPath string, siblingCounts map[string]int, nextFrameIndex *int, walks *[]*frameWalk) {
	if node == nil {
		return
	}

	tag := strings.ToLower(node.NodeName)
	isElement := node.NodeType == cdp.NodeTypeElement

	var xpath string
	if isElement {
		attrs := attributeMap(node)
		siblingCounts[tag]++
		if id := attrs["id"]; id != "" {
			xpath = `//` + tag + `[@id="` + id + `"]`
		} else {
			xpath = parentXPath + "/" + tag + "[" + strconv.Itoa(siblingCounts[tag]) + "]"
		}

		fw.tagNames[node.BackendNodeID] = tag
		fw.nodesByBackend[node.BackendNodeID] = node
		fw.xpaths[node.BackendNodeID] = xpath
		fw.reverseXPath[xpath] = node.BackendNodeID
		fw.order = append(fw.order, node.BackendNodeID)

		if name := accessibleName(attrs); name != "" {
			fw.accessibleNames[node.BackendNodeID] = name
		}

		if tag == "iframe" {
			childIndex := *nextFrameIndex
			*nextFrameIndex++
			parent := fw.frameIndex
			info := &model.IframeInfo{
				FrameIndex:          childIndex,
				ParentFrameIndex:    &parent,
				IframeBackendNodeID: node.BackendNodeID,
				XPath:               xpath,
				Src:                 attrs["src"],
				Name:                attrs["name"],
				SiblingPosition:     siblingCounts[tag],
			}
			fw.iframes = append(fw.iframes, info)

			if node.ContentDocument != nil {
				info.HasContentDocument = true
				info.ContentDocumentBackendNodeID = node.ContentDocument.BackendNodeID
				nested := walkDocument(fw.session, node.ContentDocument, childIndex, &parent, false, nextFrameIndex)
				*walks = append(*walks, nested...)
			}
			// OOPIFs have no contentDocument here; Pass 2 discovers and walks
			// them independently on their own session.
			return
		}
	}

	childSiblingCounts := make(map[string]int)
	for _, child := range node.Children {
		walkNode(fw, child, xpath, childSiblingCounts, nextFrameIndex, walks)
	}
	for _, shadow := range node.ShadowRoots {
		walkNode(fw, shadow, xpath, childSiblingCounts, nextFrameIndex, walks)
	}
}

func accessibleName(attrs map[string]string) string {
	if v := attrs["aria-label"]; v != "" {
		return v
	}
	if v := attrs["title"]; v != "" {
		return v
	}
	if v := attrs["placeholder"]; v != "" {
		return v
	}
	return ""
}

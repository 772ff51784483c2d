package model

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// AccessibilityNode is the merged accessibility-plus-DOM view of one kept
// element, keyed by EncodedID in Snapshot.Elements.
type AccessibilityNode struct {
	Role        string
	Name        string
	Description string
	Value       string

	BackendDOMNodeID cdp.BackendNodeID
	Children         []EncodedID

	// Signature is an opaque fingerprint (tag + attributes + text) a caller
	// can use to detect whether the same logical element reappeared across
	// snapshots, independent of EncodedId stability.
	Signature string
}

// Snapshot is the output of one capture cycle: the merged accessibility/DOM
// state of a page, spanning the main frame, same-origin iframes, and OOPIFs.
type Snapshot struct {
	// DOMState is the formatted text tree from Pass 7, suitable for model
	// consumption.
	DOMState string

	Elements       map[EncodedID]*AccessibilityNode
	XPathMap       map[EncodedID]string
	BackendNodeMap map[EncodedID]cdp.BackendNodeID
	FrameMap       map[int]*IframeInfo

	BoundingBoxMap map[EncodedID]Rect
	VisualOverlay  []byte // PNG bytes, only populated in visual mode

	// Warnings surfaces conditions that degrade but do not invalidate the
	// snapshot (e.g. an iframe dropped because no frame-graph record matched
	// it, or an element whose bounding box was unavailable for lack of
	// layout).
	Warnings []string

	CapturedAt time.Time

	mu       sync.Mutex
	resolved map[EncodedID]resolvedEntry
	dirty    bool
}

type resolvedEntry struct {
	backendNodeID cdp.BackendNodeID
	objectID      runtime.RemoteObjectID
}

// MarkDirty invalidates the snapshot. Callers must re-observe before issuing
// further actions against it. Dispatched mutating actions call this
// unconditionally, and Engine.Invalidate calls it on request; navigation
// and frame events do not call it.
func (s *Snapshot) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Dirty reports whether the snapshot has been invalidated.
func (s *Snapshot) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Age reports how long ago this snapshot was captured.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.CapturedAt)
}

// CachedResolution returns the resolver's cached backendNodeId/objectId for
// id, if the snapshot's own BackendNodeMap still agrees it is current. Used
// by internal/resolver to implement §4.5 step 2.
func (s *Snapshot) CachedResolution(id EncodedID) (cdp.BackendNodeID, runtime.RemoteObjectID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.resolved[id]
	if !ok {
		return 0, "", false
	}
	current, ok := s.BackendNodeMap[id]
	if !ok || current != entry.backendNodeID {
		return 0, "", false
	}
	return entry.backendNodeID, entry.objectID, true
}

// CacheResolution records a successful resolution for id, used by
// internal/resolver after every successful DOM.resolveNode call.
func (s *Snapshot) CacheResolution(id EncodedID, backendNodeID cdp.BackendNodeID, objectID runtime.RemoteObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved == nil {
		s.resolved = make(map[EncodedID]resolvedEntry)
	}
	s.resolved[id] = resolvedEntry{backendNodeID: backendNodeID, objectID: objectID}
}

// UpdateBackendNodeID rewrites the backend-node id for id after XPath
// recovery (§4.5 step 4) and invalidates any cached objectId, since a new
// backendNodeId means a new underlying DOM node.
func (s *Snapshot) UpdateBackendNodeID(id EncodedID, backendNodeID cdp.BackendNodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BackendNodeMap[id] = backendNodeID
	if s.resolved == nil {
		s.resolved = make(map[EncodedID]resolvedEntry)
	}
	s.resolved[id] = resolvedEntry{backendNodeID: backendNodeID}
}

// NewSnapshot builds an empty snapshot ready to be filled in by a capture cycle.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Elements:       make(map[EncodedID]*AccessibilityNode),
		XPathMap:       make(map[EncodedID]string),
		BackendNodeMap: make(map[EncodedID]cdp.BackendNodeID),
		FrameMap:       make(map[int]*IframeInfo),
		resolved:       make(map[EncodedID]resolvedEntry),
		CapturedAt:     time.Now(),
	}
}

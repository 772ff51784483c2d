package model

import (
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

// FrameRecord is one entry in the Frame Graph. At most one record exists per
// FrameID; ParentFrameID either points to another record's FrameID or is empty
// (the root frame). FrameIndex values are unique within the graph once assigned.
type FrameRecord struct {
	FrameID       cdp.FrameID
	ParentFrameID cdp.FrameID // empty for the root frame

	FrameIndex          *int // nil until assigned
	LoaderID            cdp.LoaderID
	Name                string
	URL                 string
	SessionID           target.SessionID // empty until a session routes to this frame
	ExecutionContextID  runtime.ExecutionContextID
	HasExecutionContext bool
	BackendNodeID       cdp.BackendNodeID // owning <iframe> element in the parent document
	HasBackendNodeID    bool
	IsOOPIF             bool

	LastUpdated time.Time
}

// Clone returns a shallow copy safe to hand to a reader outside the graph's lock.
func (f *FrameRecord) Clone() *FrameRecord {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

// FrameIndexOrZero returns the assigned frameIndex, or 0 if none has been
// assigned yet (the zero value is never a valid non-root index in practice,
// since index 0 is reserved for the main frame).
func (f *FrameRecord) FrameIndexOrZero() int {
	if f == nil || f.FrameIndex == nil {
		return 0
	}
	return *f.FrameIndex
}

// IframeInfo describes one <iframe> element discovered during a DOM walk
// (Pass 1 of the capture cycle). It is the bridge record used by Pass 3 to
// reconcile DOM-order discovery with the event-driven Frame Graph.
type IframeInfo struct {
	FrameIndex       int
	ParentFrameIndex *int

	// IframeBackendNodeID is the backendNodeId of the <iframe> element itself,
	// in its parent document. This is the bridge key into the Frame Graph.
	IframeBackendNodeID cdp.BackendNodeID

	// ContentDocumentBackendNodeID is set only for same-origin iframes.
	ContentDocumentBackendNodeID cdp.BackendNodeID
	HasContentDocument           bool

	XPath           string
	Src             string
	Name            string
	SiblingPosition int

	// Populated later, during Pass 3 sync with the Frame Graph.
	FrameID             cdp.FrameID
	ExecutionContextID  runtime.ExecutionContextID
	HasExecutionContext bool
	CDPSessionID        target.SessionID
	Synced              bool

	AbsoluteBoundingBox *Rect
	FramePath           string
}

// Rect is a viewport-absolute rectangle, always expressed in the page's main
// viewport coordinate system regardless of source frame.
type Rect struct {
	X, Y, Width, Height float64
	Top, Left, Right, Bottom float64
}

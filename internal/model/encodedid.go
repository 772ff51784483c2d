// Package model holds the data types shared by the frame graph, capture,
// resolver, and dispatch packages: EncodedId, FrameRecord, IframeInfo, and
// the Snapshot that a capture cycle produces.
package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedEncodedID is returned when a caller-supplied id does not match
// the wire format `^\d+-\d+$`.
var ErrMalformedEncodedID = errors.New("malformed encoded id")

// EncodedID is the engine's stable element address: "<frameIndex>-<backendNodeId>".
// frameIndex is assigned by depth-first DOM traversal order (main frame = 0);
// backendNodeId is the per-document node id CDP reports for that frame's document.
type EncodedID struct {
	FrameIndex    int
	BackendNodeID int64
}

// String formats the id back into its wire form. Parsing and reformatting
// round-trips: String(Parse(s)) == s for any well-formed s.
func (e EncodedID) String() string {
	return strconv.Itoa(e.FrameIndex) + "-" + strconv.FormatInt(e.BackendNodeID, 10)
}

// ParseEncodedID parses the wire format. Both components must be
// non-negative decimal integers with no leading zeros (other than "0" itself).
func ParseEncodedID(s string) (EncodedID, error) {
	dash := strings.IndexByte(s, '-')
	if dash <= 0 || dash == len(s)-1 {
		return EncodedID{}, fmt.Errorf("%w: %q", ErrMalformedEncodedID, s)
	}
	left, right := s[:dash], s[dash+1:]
	if !isCanonicalDecimal(left) || !isCanonicalDecimal(right) {
		return EncodedID{}, fmt.Errorf("%w: %q", ErrMalformedEncodedID, s)
	}
	frameIndex, err := strconv.Atoi(left)
	if err != nil {
		return EncodedID{}, fmt.Errorf("%w: %q", ErrMalformedEncodedID, s)
	}
	backendNodeID, err := strconv.ParseInt(right, 10, 64)
	if err != nil {
		return EncodedID{}, fmt.Errorf("%w: %q", ErrMalformedEncodedID, s)
	}
	return EncodedID{FrameIndex: frameIndex, BackendNodeID: backendNodeID}, nil
}

func isCanonicalDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	return true
}

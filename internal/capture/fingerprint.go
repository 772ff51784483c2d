package capture

import (
	"hash"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/chromedp/cdproto/cdp"
)

// hasherPool reuses FNV-64a hashers across fingerprint computations, grounded
// on the same pooling the teacher's interactor used for its node fingerprints.
var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

const maxFingerprintText = 64

// nodeFingerprint builds a signature describing node's tag, id, sorted
// classes, a curated attribute set, and leading text, then hashes it. The
// hash lets a caller recognize the same logical element reappearing across
// snapshots even after its backendNodeId has changed underneath it.
func nodeFingerprint(node *cdp.Node, attrs map[string]string) string {
	if node == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(strings.ToLower(node.NodeName))

	if id, ok := attrs["id"]; ok && id != "" {
		sb.WriteString("#" + id)
	}
	if cls, ok := attrs["class"]; ok && cls != "" {
		classes := strings.Fields(cls)
		sort.Strings(classes)
		for _, c := range classes {
			if c != "" {
				sb.WriteString("." + c)
			}
		}
	}

	attributesToInclude := []string{"action", "aria-label", "for", "href", "name", "placeholder", "role", "title", "type", "value"}
	for _, attr := range attributesToInclude {
		if val, ok := attrs[attr]; ok && val != "" {
			escaped := strings.ReplaceAll(val, `"`, `\"`)
			sb.WriteString(`[` + attr + `="` + escaped + `"]`)
		}
	}

	if text := nodeText(node, attrs); text != "" {
		sb.WriteString(`[text="` + strings.ReplaceAll(text, `"`, `\"`) + `"]`)
	}

	description := sb.String()
	hasher := hasherPool.Get().(hash.Hash64)
	_, _ = hasher.Write([]byte(description))
	fingerprint := strconv.FormatUint(hasher.Sum64(), 16)
	hasher.Reset()
	hasherPool.Put(hasher)
	return fingerprint
}

// nodeText collects the node's leading text-node content, falling back to
// aria-label/title when the element carries no direct text children.
func nodeText(node *cdp.Node, attrs map[string]string) string {
	if node == nil {
		return ""
	}
	var sb strings.Builder
	for _, child := range node.Children {
		if child != nil && child.NodeType == cdp.NodeTypeText {
			sb.WriteString(child.NodeValue)
		}
		if sb.Len() >= maxFingerprintText {
			break
		}
	}
	if sb.Len() == 0 {
		if label := attrs["aria-label"]; label != "" {
			sb.WriteString(label)
		} else if title := attrs["title"]; title != "" {
			sb.WriteString(title)
		}
	}
	text := strings.TrimSpace(sb.String())
	if len(text) > maxFingerprintText {
		return truncateBytes(text, maxFingerprintText)
	}
	return text
}

func attributeMap(node *cdp.Node) map[string]string {
	attrs := make(map[string]string)
	if node == nil || len(node.Attributes) == 0 {
		return attrs
	}
	for i := 0; i+1 < len(node.Attributes); i += 2 {
		attrs[node.Attributes[i]] = node.Attributes[i+1]
	}
	return attrs
}

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Package schemas defines the wire types crossing the engine's LLM and
// browser boundaries (§6): the structured element-finding result, the
// multi-step agent envelope, and the three-function browser driver contract.
package schemas

import "context"

// FindElementResult is the schema the engine hands an LLM's invokeStructured
// call for single-shot element finding.
type FindElementResult struct {
	ElementID   string   `json:"elementId"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Method      string   `json:"method"`
	Arguments   []string `json:"arguments"`
}

// ActionParams is the tagged union's payload: a flat string-keyed map, since
// the action catalog's arguments are themselves a plain string array and
// individual action types don't need richer structure.
type ActionParams struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params"`
}

// AgentEnvelope is the multi-step agent integration schema: a thought/memory
// scratchpad plus one tagged-union action per turn.
type AgentEnvelope struct {
	Thoughts string       `json:"thoughts"`
	Memory   string       `json:"memory"`
	Action   ActionParams `json:"action"`
}

// Message is one entry in an LLM conversation, role/content pairs matching
// the common chat-completion shape every provider in this codebase's
// ecosystem accepts.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StructuredInvoker is the engine's "provide a schema, get validated output"
// LLM boundary: `llm.invokeStructured(schema, messages) → (raw_text, parsed)`.
// ok is false when the model's output didn't validate against schema; out
// is filled only when ok is true.
type StructuredInvoker interface {
	InvokeStructured(ctx context.Context, schema interface{}, messages []Message, out interface{}) (rawText string, ok bool, err error)
}

// FreeformInvoker is the engine's free-form extraction LLM boundary:
// `llm.invoke(messages) → content`.
type FreeformInvoker interface {
	Invoke(ctx context.Context, messages []Message) (content string, err error)
}

// FrameDescriptor is one frame as the browser boundary's enumeration
// function reports it: `(url, name, parentUrl)`.
type FrameDescriptor struct {
	URL       string
	Name      string
	ParentURL string
}

// BrowserDriver is the three-operation contract §6 requires of any browser
// integration: a session accessor, a frame enumerator, and an OOPIF-probing
// child-session opener. The engine's transport/framegraph packages are built
// directly against chromedp, not against this interface; BrowserDriver
// exists for integrators who want to plug in a different browser automation
// stack ahead of those packages.
type BrowserDriver interface {
	Session(ctx context.Context, page interface{}) (interface{}, error)
	Frames(ctx context.Context, page interface{}) ([]FrameDescriptor, error)
	OpenChildSession(ctx context.Context, frameHandle interface{}) (interface{}, error)
}

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skiffbrowser/frameview/api/schemas"
	"github.com/skiffbrowser/frameview/internal/dispatch"
	"github.com/skiffbrowser/frameview/internal/enginecfg"
	"github.com/skiffbrowser/frameview/internal/model"
)

type stubInvoker struct {
	responses []stubResponse
	calls     int
}

type stubResponse struct {
	result schemas.FindElementResult
	ok     bool
	err    error
}

func (s *stubInvoker) InvokeStructured(ctx context.Context, schema interface{}, messages []schemas.Message, out interface{}) (string, bool, error) {
	resp := s.responses[s.calls]
	s.calls++
	if resp.err != nil {
		return "", false, resp.err
	}
	if !resp.ok {
		return "malformed", false, nil
	}
	*out.(*schemas.FindElementResult) = resp.result
	return "ok", true, nil
}

func newTestEngine(t *testing.T) *Engine {
	return New(zaptest.NewLogger(t), enginecfg.Default())
}

func snapshotWithElement(id model.EncodedID) *model.Snapshot {
	snap := model.NewSnapshot()
	snap.Elements[id] = &model.AccessibilityNode{Role: "button", Name: "Submit"}
	snap.DOMState = "0-5: button \"Submit\""
	return snap
}

func TestFindElement_NilSnapshotIsStructuralError(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.FindElement(context.Background(), "click submit", nil, &stubInvoker{})

	require.Error(t, err)
	var engineErr *model.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, model.KindStructural, engineErr.Kind)
}

func TestFindElement_ReturnsNilWhenLLMReportsNotFound(t *testing.T) {
	e := newTestEngine(t)
	id := model.EncodedID{FrameIndex: 0, BackendNodeID: 5}
	snap := snapshotWithElement(id)

	llm := &stubInvoker{responses: []stubResponse{
		{ok: true, result: schemas.FindElementResult{ElementID: "not-found"}},
	}}

	result, err := e.FindElement(context.Background(), "click a button that does not exist", snap, llm)

	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 1, llm.calls)
}

func TestFindElement_SuccessOnFirstAttempt(t *testing.T) {
	e := newTestEngine(t)
	id := model.EncodedID{FrameIndex: 0, BackendNodeID: 5}
	snap := snapshotWithElement(id)

	llm := &stubInvoker{responses: []stubResponse{
		{ok: true, result: schemas.FindElementResult{ElementID: id.String(), Method: string(dispatch.Click), Confidence: 0.9}},
	}}

	result, err := e.FindElement(context.Background(), "click submit", snap, llm)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, id.String(), result.ElementID)
	assert.Equal(t, string(dispatch.Click), result.Method)
}

func TestFindElement_RetriesOnEncodedIDNotInSnapshot(t *testing.T) {
	e := newTestEngine(t)
	id := model.EncodedID{FrameIndex: 0, BackendNodeID: 5}
	snap := snapshotWithElement(id)

	llm := &stubInvoker{responses: []stubResponse{
		{ok: true, result: schemas.FindElementResult{ElementID: "0-999", Method: string(dispatch.Click)}},
		{ok: true, result: schemas.FindElementResult{ElementID: id.String(), Method: string(dispatch.Click)}},
	}}

	result, err := e.FindElement(context.Background(), "click submit", snap, llm)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, llm.calls)
}

func TestFindElement_RetriesOnInvalidMethod(t *testing.T) {
	e := newTestEngine(t)
	id := model.EncodedID{FrameIndex: 0, BackendNodeID: 5}
	snap := snapshotWithElement(id)

	llm := &stubInvoker{responses: []stubResponse{
		{ok: true, result: schemas.FindElementResult{ElementID: id.String(), Method: "deleteEverything"}},
		{ok: true, result: schemas.FindElementResult{ElementID: id.String(), Method: string(dispatch.Click)}},
	}}

	result, err := e.FindElement(context.Background(), "click submit", snap, llm)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, llm.calls)
}

func TestFindElement_FailsFatallyAfterMaxAttempts(t *testing.T) {
	e := newTestEngine(t)
	id := model.EncodedID{FrameIndex: 0, BackendNodeID: 5}
	snap := snapshotWithElement(id)

	llm := &stubInvoker{responses: []stubResponse{
		{err: errors.New("provider unavailable")},
		{err: errors.New("provider unavailable")},
		{err: errors.New("provider unavailable")},
	}}

	_, err := e.FindElement(context.Background(), "click submit", snap, llm)

	require.Error(t, err)
	var engineErr *model.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, model.KindFatal, engineErr.Kind)
	assert.Equal(t, maxFindElementAttempts, llm.calls)
}

func TestFindElement_RetriesWhenStructuredOutputDoesNotValidate(t *testing.T) {
	e := newTestEngine(t)
	id := model.EncodedID{FrameIndex: 0, BackendNodeID: 5}
	snap := snapshotWithElement(id)

	llm := &stubInvoker{responses: []stubResponse{
		{ok: false},
		{ok: true, result: schemas.FindElementResult{ElementID: id.String(), Method: string(dispatch.Click)}},
	}}

	result, err := e.FindElement(context.Background(), "click submit", snap, llm)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, llm.calls)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hell...", truncate("hello", 4))
	assert.Equal(t, "", truncate("", 4))
}

func TestBuildFindElementPrompt_IncludesInstructionAndTree(t *testing.T) {
	prompt := buildFindElementPrompt("click submit", "0-5: button \"Submit\"")
	assert.Contains(t, prompt, "click submit")
	assert.Contains(t, prompt, "0-5: button \"Submit\"")
	assert.Contains(t, prompt, "not-found")
}

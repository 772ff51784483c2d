package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffbrowser/frameview/internal/model"
)

func TestIsValidMethod(t *testing.T) {
	for m := range catalog {
		assert.True(t, IsValidMethod(m))
	}
	assert.False(t, IsValidMethod(Method("deleteEverything")))
	assert.False(t, IsValidMethod(Method("")))
}

func TestExecute_RejectsUnknownMethod(t *testing.T) {
	d := New(nil, nil, nil, nil, DefaultOptions())
	snap := model.NewSnapshot()
	id := model.EncodedID{FrameIndex: 0, BackendNodeID: 5}

	_, err := d.Execute(context.Background(), snap, id, Method("notARealMethod"), nil)

	require.Error(t, err)
	var engineErr *model.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, model.KindStructural, engineErr.Kind)
	assert.ErrorIs(t, err, model.ErrMalformedRequest)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, int64(3500), opts.ClickTimeout.Milliseconds())
	assert.Equal(t, int64(5000), opts.SettleTimeout.Milliseconds())
	assert.Equal(t, int64(100), opts.SettlePollRate.Milliseconds())
}

func TestFirstArg(t *testing.T) {
	assert.Equal(t, "", firstArg(nil))
	assert.Equal(t, "", firstArg([]string{}))
	assert.Equal(t, "hello", firstArg([]string{"hello", "world"}))
}

func TestWrapBoolArg_EncodesArgumentAsJSONLiteral(t *testing.T) {
	wrapped := wrapBoolArg(`function(v){ return v === "x"; }`, `needs "quoting"`)
	assert.Contains(t, wrapped, `"needs \"quoting\""`)
	assert.Contains(t, wrapped, "function(){ return (")
}

func TestAbsFloat(t *testing.T) {
	assert.Equal(t, 3.0, absFloat(-3))
	assert.Equal(t, 3.0, absFloat(3))
	assert.Equal(t, 0.0, absFloat(0))
}

func TestWithTiming_SwapsStrategy(t *testing.T) {
	d := New(nil, nil, nil, nil, DefaultOptions())
	custom := timingRecorder{}
	d.WithTiming(&custom)
	assert.Same(t, &custom, d.timing)
}

type timingRecorder struct{}

func (t *timingRecorder) Delay(ctx context.Context, step string) error { return nil }

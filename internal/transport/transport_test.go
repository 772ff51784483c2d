package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestNew_DefaultsToNopLoggerWhenNil(t *testing.T) {
	tr := New(context.Background(), nil)
	require.NotNil(t, tr)
	assert.NotNil(t, tr.logger)
}

func TestSendCommand_NoExecutorBoundReturnsError(t *testing.T) {
	tr := New(context.Background(), zaptest.NewLogger(t))

	err := tr.SendCommand(context.Background(), tr.Root(), "DOM.resolveNode", nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no CDP executor bound")
	assert.Contains(t, err.Error(), "DOM.resolveNode")
}

func TestInvalidatePooled_RemovesCachedSession(t *testing.T) {
	tr := New(context.Background(), zaptest.NewLogger(t))
	tr.mu.Lock()
	tr.pool[KindDOM] = Session{}
	tr.mu.Unlock()

	tr.InvalidatePooled(KindDOM)

	tr.mu.Lock()
	_, ok := tr.pool[KindDOM]
	tr.mu.Unlock()
	assert.False(t, ok)
}

func TestClose_NoopWithNoSessions(t *testing.T) {
	tr := New(context.Background(), zaptest.NewLogger(t))
	assert.NotPanics(t, func() { tr.Close() })
}

func TestClose_CancelsEverySessionAndLeavesNoGoroutineBehind(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := New(context.Background(), zaptest.NewLogger(t))
	canceled := make([]bool, 3)

	tr.mu.Lock()
	tr.pool[KindDOM] = Session{cancel: func() { canceled[0] = true }}
	tr.pool[KindScreenshot] = Session{cancel: func() { canceled[1] = true }}
	tr.pool[KindLifecycle] = Session{cancel: func() { canceled[2] = true }}
	tr.mu.Unlock()

	tr.Close()

	assert.True(t, canceled[0])
	assert.True(t, canceled[1])
	assert.True(t, canceled[2])

	tr.mu.Lock()
	assert.Empty(t, tr.pool)
	tr.mu.Unlock()
}

func TestIsNodeNotFoundError(t *testing.T) {
	assert.True(t, IsNodeNotFoundError(errors.New("Could not find node with given id")))
	assert.True(t, IsNodeNotFoundError(errors.New("No node with given id -12")))
	assert.True(t, IsNodeNotFoundError(errors.New("rpc error: -32000 generic")))
	assert.False(t, IsNodeNotFoundError(errors.New("Target closed")))
	assert.False(t, IsNodeNotFoundError(nil))
}

func TestIsExecutionContextDestroyedError(t *testing.T) {
	assert.True(t, IsExecutionContextDestroyedError(errors.New("Cannot find context with specified id")))
	assert.True(t, IsExecutionContextDestroyedError(errors.New("no context with specified id 42")))
	assert.False(t, IsExecutionContextDestroyedError(errors.New("Target closed")))
	assert.False(t, IsExecutionContextDestroyedError(nil))
}

func TestIsTargetClosedError(t *testing.T) {
	assert.True(t, IsTargetClosedError(errors.New("Target closed")))
	assert.True(t, IsTargetClosedError(errors.New("operation failed: context canceled")))
	assert.False(t, IsTargetClosedError(errors.New("Could not find node with given id")))
	assert.False(t, IsTargetClosedError(nil))
}

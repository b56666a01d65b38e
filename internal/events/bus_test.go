package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizy/claude-agent-hub/internal/platform/logger"
)

// recordingLogger captures error lines so tests can assert on them.
type recordingLogger struct {
	logger.Logger
	errors []string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{Logger: logger.Nop()}
}

func (l *recordingLogger) Error(msg string, fields ...interface{}) {
	l.errors = append(l.errors, msg)
}

func TestEmitReachesTargetedAndCatchAll(t *testing.T) {
	bus := NewBus(nil)
	var targeted, all []Kind
	bus.On(TaskCompleted, func(e Event) { targeted = append(targeted, e.Kind) })
	bus.OnAny(func(e Event) { all = append(all, e.Kind) })

	assert.True(t, bus.Emit(Event{Kind: TaskCompleted, TaskID: "task-1"}))
	assert.True(t, bus.Emit(Event{Kind: NodeFailed, TaskID: "task-1"}))

	assert.Equal(t, []Kind{TaskCompleted}, targeted)
	assert.Equal(t, []Kind{TaskCompleted, NodeFailed}, all)
}

func TestEmitReportsNoListeners(t *testing.T) {
	bus := NewBus(nil)
	assert.False(t, bus.Emit(Event{Kind: TaskStarted}))
}

func TestEmitStampsTimestamp(t *testing.T) {
	bus := NewBus(nil)
	var got Event
	bus.On(TaskStarted, func(e Event) { got = e })
	bus.Emit(Event{Kind: TaskStarted})
	assert.False(t, got.Timestamp.IsZero())
}

func TestPanickingListenerDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(nil)
	reached := false
	bus.On(TaskFailed, func(Event) { panic("bad subscriber") })
	bus.On(TaskFailed, func(Event) { reached = true })

	assert.NotPanics(t, func() { bus.Emit(Event{Kind: TaskFailed}) })
	assert.True(t, reached)
}

func TestPanickingListenerIsLogged(t *testing.T) {
	log := newRecordingLogger()
	bus := NewBus(log)
	bus.On(TaskFailed, func(Event) { panic("bad subscriber") })

	bus.Emit(Event{Kind: TaskFailed, TaskID: "task-1"})

	require.Len(t, log.errors, 1)
	assert.Equal(t, "event listener panicked", log.errors[0])
}

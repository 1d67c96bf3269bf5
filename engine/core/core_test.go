package core

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMetricsRollingAverage(t *testing.T) {
	m := NewFrameMetrics()
	for i := 0; i < AVG_COUNT; i++ {
		m.Update(0.010)
	}
	assert.InDelta(t, 10.0, m.FrameTime(), 1e-9)

	// push the window fully past the first samples
	for i := 0; i < AVG_COUNT; i++ {
		m.Update(0.020)
	}
	assert.InDelta(t, 20.0, m.FrameTime(), 1e-9)
	assert.Equal(t, uint64(2*AVG_COUNT), m.TotalFrames())
	assert.Equal(t, 0.0, m.FPS())

	// crossing one accumulated second publishes the frame count
	m.Update(0.200)
	assert.Equal(t, float64(2*AVG_COUNT), m.FPS())
}

func TestEventBusFireStopsAtFirstHandler(t *testing.T) {
	bus := NewEventBus()
	calls := 0
	a, b := new(int), new(int)

	require.True(t, bus.Register(EVENT_CODE_RESIZED, a, func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
		calls++
		assert.Equal(t, uint32(640), data.Data.U32[0])
		return true
	}))
	require.True(t, bus.Register(EVENT_CODE_RESIZED, b, func(SystemEventCode, interface{}, interface{}, EventContext) bool {
		calls++
		return false
	}))
	assert.False(t, bus.Register(EVENT_CODE_RESIZED, a, nil))

	ctx := EventContext{}
	ctx.Data.U32[0] = 640
	assert.True(t, bus.Fire(EVENT_CODE_RESIZED, nil, ctx))
	assert.Equal(t, 1, calls)

	assert.True(t, bus.Unregister(EVENT_CODE_RESIZED, a))
	assert.False(t, bus.Fire(EVENT_CODE_RESIZED, nil, ctx))
	assert.Equal(t, 2, calls)
	assert.False(t, bus.Fire(EVENT_CODE_APPLICATION_QUIT, nil, ctx))
}

func TestLogFatalUsesHandler(t *testing.T) {
	prev := SetFatalHandler(PanicOnFatal)
	defer SetFatalHandler(prev)

	assert.PanicsWithValue(t, FatalError{Message: "boom 42"}, func() {
		LogFatal("boom %d", 42)
	})
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)

	require.NoError(t, SetLogLevel("error"))
	LogInfo("hidden")
	LogError("visible")
	require.NoError(t, SetLogLevel("debug"))

	assert.False(t, strings.Contains(buf.String(), "hidden"))
	assert.True(t, strings.Contains(buf.String(), "visible"))
	assert.Error(t, SetLogLevel("loud"))
}

func TestDebugNamesAreUnique(t *testing.T) {
	a := NewDebugName("texture")
	b := NewDebugName("texture")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "texture-"))
}

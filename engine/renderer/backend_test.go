package renderer

import (
	"testing"
	"time"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/software"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 64

var (
	red   = math.Vec4{X: 1, W: 1}
	black = math.Vec4{W: 1}
)

func newTestBackend(t *testing.T) (*Backend, *software.SoftwareDevice) {
	t.Helper()
	prev := core.SetFatalHandler(core.PanicOnFatal)
	t.Cleanup(func() { core.SetFatalHandler(prev) })

	dev, err := software.NewSoftwareDevice(software.Options{Width: testSize, Height: testSize, SwapchainImages: 2})
	require.NoError(t, err)
	b, err := NewBackend(dev, Options{FramesInFlight: 2, Width: testSize, Height: testSize}, core.NewEventBus())
	require.NoError(t, err)
	t.Cleanup(b.Shutdown)
	return b, dev
}

func quad(extent float32) ([]math.Vertex, []uint32) {
	vertices := []math.Vertex{
		{Position: math.NewVec3(-extent, -extent, 0)},
		{Position: math.NewVec3(extent, -extent, 0)},
		{Position: math.NewVec3(extent, extent, 0)},
		{Position: math.NewVec3(-extent, extent, 0)},
	}
	return vertices, []uint32{0, 1, 2, 0, 2, 3}
}

func pixel(data []byte, x, y int) [4]byte {
	i := (y*testSize + x) * 4
	return [4]byte{data[i], data[i+1], data[i+2], data[i+3]}
}

func TestFrameIndexWraps(t *testing.T) {
	b, _ := newTestBackend(t)
	for i := 0; i < 5; i++ {
		assert.Equal(t, uint32(i%2), b.CurrentFrame())
		require.NoError(t, b.BeginFrame())
		require.NoError(t, b.EndFrame())
	}
	assert.Equal(t, uint64(5), b.Stats().FrameSerial)
}

func TestBeginFrameWaitsForReusedSlot(t *testing.T) {
	b, dev := newTestBackend(t)
	require.NoError(t, b.BeginFrame())
	dev.PauseQueue()
	require.NoError(t, b.EndFrame())

	// Slot 1 has never been used.
	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.EndFrame())

	done := make(chan error)
	go func() { done <- b.BeginFrame() }()
	select {
	case <-done:
		t.Fatal("frame slot 0 was reused while its work was still queued")
	case <-time.After(50 * time.Millisecond):
	}

	dev.ResumeQueue()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("BeginFrame did not return after the queue drained")
	}
	require.NoError(t, b.EndFrame())
}

func TestDeletionWaitsForFramesInFlight(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), red)
	b := f.b
	dev := b.Device().(*software.SoftwareDevice)
	vertices, indices := quad(0.5)
	mesh, err := b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)

	record := func() {
		require.NoError(t, b.SwitchFrameBuffer(f.fbo))
		require.NoError(t, b.UseShader(f.shader))
		require.NoError(t, b.UseMaterialData(f.material))
	}

	// Frame t draws the mesh, then deletes it while the draw is still queued.
	require.NoError(t, b.BeginFrame())
	dev.PauseQueue()
	record()
	require.NoError(t, b.Draw(mesh))
	require.NoError(t, b.GenerateDrawCommand(f.cmd))
	b.DeleteMesh(mesh)
	require.NoError(t, b.EndFrame())
	assert.Equal(t, 1, b.Stats().Meshes)
	assert.Equal(t, 1, b.Stats().PendingDeletions)

	// Frame t+1 still draws it.
	require.NoError(t, b.BeginFrame())
	record()
	require.NoError(t, b.Draw(mesh))
	require.NoError(t, b.GenerateDrawCommand(f.cmd))
	require.NoError(t, b.EndFrame())
	assert.Equal(t, 1, b.Stats().Meshes)

	// Frame t+2 destroys the mesh once frames t and t+1 retired.
	done := make(chan error)
	go func() { done <- b.BeginFrame() }()
	select {
	case <-done:
		t.Fatal("mesh destroyed while frames drawing it were still queued")
	case <-time.After(50 * time.Millisecond):
	}
	dev.ResumeQueue()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("BeginFrame did not return after the queue drained")
	}
	assert.GreaterOrEqual(t, b.frameFence.CompletedValue(), uint64(2), "frame t+1 retired first")
	assert.Equal(t, 0, b.Stats().Meshes)
	assert.Equal(t, 0, b.Stats().PendingDeletions)
	require.NoError(t, b.EndFrame())

	require.NoError(t, b.WaitForRenderFinish())
	assert.NoError(t, dev.Err())
}

func TestDestroyedSlotIsReused(t *testing.T) {
	b, _ := newTestBackend(t)
	vertices, indices := quad(0.5)
	first, err := b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)
	second, err := b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)

	b.DeleteMesh(first)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.BeginFrame())
		require.NoError(t, b.EndFrame())
	}

	third, err := b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.NotEqual(t, second, third)
}

func TestDeleteIsIgnoredTwice(t *testing.T) {
	b, _ := newTestBackend(t)
	vertices, indices := quad(0.5)
	mesh, err := b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)

	b.DeleteMesh(mesh)
	b.DeleteMesh(mesh)
	assert.Equal(t, 1, b.Stats().PendingDeletions)
}

func TestResizeRecreatesWindowSizedFrameBuffers(t *testing.T) {
	b, dev := newTestBackend(t)
	follow, err := b.CreateFrameBuffer(metadata.FrameBufferTypeNormal, metadata.NewClearInfo(metadata.ClearFrameBufferColor, black), 0, 0)
	require.NoError(t, err)
	fixed, err := b.CreateFrameBuffer(metadata.FrameBufferTypeColor, metadata.NewClearInfo(metadata.ClearFrameBufferColor, black), 32, 32)
	require.NoError(t, err)

	var ctx core.EventContext
	ctx.Data.U32[0], ctx.Data.U32[1] = 128, 96
	b.events.Fire(core.EVENT_CODE_RESIZED, nil, ctx)
	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.EndFrame())

	w, h := b.FrameBufferSize(follow)
	assert.Equal(t, [2]uint32{128, 96}, [2]uint32{w, h})
	w, h = b.FrameBufferSize(fixed)
	assert.Equal(t, [2]uint32{32, 32}, [2]uint32{w, h})
	w, h = b.FrameBufferSize(b.PresentFrameBuffer())
	assert.Equal(t, [2]uint32{128, 96}, [2]uint32{w, h})
	require.NoError(t, dev.Err())
}

func TestMinimizedWindowKeepsSize(t *testing.T) {
	b, _ := newTestBackend(t)
	b.OnWindowResized(0, 0)
	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.EndFrame())
	w, h := b.FrameBufferSize(b.PresentFrameBuffer())
	assert.Equal(t, [2]uint32{testSize, testSize}, [2]uint32{w, h})
}

func TestShutdownReleasesDeviceResources(t *testing.T) {
	b, dev := newTestBackend(t)
	vertices, indices := quad(0.5)
	_, err := b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)
	_, err = b.CreateFrameBuffer(metadata.FrameBufferTypeNormal, metadata.NewClearInfo(metadata.ClearFrameBufferColor, black), 16, 16)
	require.NoError(t, err)

	buffers, textures, _, _ := dev.Stats()
	assert.NotZero(t, buffers)
	assert.NotZero(t, textures)
	assert.NotPanics(t, b.Shutdown)
}

package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[window]
width = 32
height = 32

[renderer]
frames_in_flight = 2

[assets]
hot_reload = false

[log]
level = "warn"
`

type countingGame struct {
	*Game
	updates, renders, resizes, shutdowns int
	lastResize                           [2]uint32
	presentSize                          [2]uint32
	onUpdate                             func(n int)

	shader   metadata.ShaderHandle
	material metadata.MaterialDataHandle
	mesh     metadata.MeshHandle
	cmd      metadata.CommandHandle
}

func newCountingGame(t *testing.T, maxFrames uint64) *countingGame {
	t.Helper()
	path := filepath.Join(t.TempDir(), "renderer.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	g := &countingGame{}
	g.Game = &Game{
		ApplicationConfig: &ApplicationConfig{ConfigPath: path, Headless: true, MaxFrames: maxFrames},
	}
	g.FnInitialize = g.initialize
	g.FnUpdate = func(float64) error {
		g.updates++
		if g.onUpdate != nil {
			g.onUpdate(g.updates)
		}
		return nil
	}
	g.FnRender = g.render
	g.FnOnResize = func(w, h uint32) error {
		g.resizes++
		g.lastResize = [2]uint32{w, h}
		return nil
	}
	g.FnShutdown = func() error {
		g.shutdowns++
		return nil
	}
	return g
}

func (g *countingGame) initialize() error {
	b := g.Renderer
	info := metadata.ShaderInfo{
		StateSet: metadata.DefaultShaderStateSet(),
		Stages:   metadata.ShaderStageVertex | metadata.ShaderStageFragment,
		FragProperties: metadata.ShaderPropertiesInfo{
			BaseProperties: []metadata.ShaderProperty{{Name: "_Color", Size: 16, Offset: 0, Type: metadata.ShaderPropertyTypeVec4}},
		},
	}
	var err error
	if g.shader, err = b.SetUpShader("unlit_color", info, nil, metadata.FrameBufferTypePresent); err != nil {
		return err
	}
	g.material = b.CreateMaterialData()
	values := metadata.NewMaterialValues()
	values.Vec4s["_Color"] = math.Vec4{X: 1, W: 1}
	if err := b.SetUpMaterial(g.material, g.shader, values); err != nil {
		return err
	}
	vertices := []math.Vertex{
		{Position: math.NewVec3(-1, -1, 0)},
		{Position: math.NewVec3(1, -1, 0)},
		{Position: math.NewVec3(1, 1, 0)},
	}
	if g.mesh, err = b.SetUpStaticMesh(vertices, []uint32{0, 1, 2}); err != nil {
		return err
	}
	g.cmd = b.AllocateDrawCommand(metadata.CommandTypeCommon)
	return nil
}

func (g *countingGame) render(float64) error {
	b := g.Renderer
	g.renders++
	w, h := b.FrameBufferSize(b.PresentFrameBuffer())
	g.presentSize = [2]uint32{w, h}
	if err := b.SwitchFrameBuffer(b.PresentFrameBuffer()); err != nil {
		return err
	}
	if err := b.UseShader(g.shader); err != nil {
		return err
	}
	if err := b.UseMaterialData(g.material); err != nil {
		return err
	}
	if err := b.Draw(g.mesh); err != nil {
		return err
	}
	return b.GenerateDrawCommand(g.cmd)
}

func TestRunStopsAfterMaxFrames(t *testing.T) {
	g := newCountingGame(t, 3)
	e, err := New(g.Game)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())

	w, h := e.GetFramebufferSize()
	assert.Equal(t, uint32(32), w)
	assert.Equal(t, uint32(32), h)
	assert.Equal(t, 1, g.resizes, "the game learns the initial size")

	require.NoError(t, e.Run())
	assert.Equal(t, 3, g.updates)
	assert.Equal(t, 3, g.renders)
	assert.Equal(t, 1, g.shutdowns)
	assert.Equal(t, EngineStageShuttingDown, e.currentStage)
}

func TestQuitEventStopsTheLoop(t *testing.T) {
	g := newCountingGame(t, 0)
	e, err := New(g.Game)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	g.onUpdate = func(n int) {
		if n == 2 {
			e.Quit()
		}
	}

	require.NoError(t, e.Run())
	assert.Equal(t, 2, g.renders, "the frame in progress still completes")
	require.NoError(t, e.Shutdown(), "shutting down twice is a no-op")
	assert.Equal(t, 1, g.shutdowns)
}

func TestMinimizeSuspendsAndRestoreResumes(t *testing.T) {
	g := newCountingGame(t, 1)
	e, err := New(g.Game)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())

	var ctx core.EventContext
	e.events.Fire(core.EVENT_CODE_RESIZED, nil, ctx)
	assert.True(t, e.isSuspended.Load())
	assert.Equal(t, 1, g.resizes, "a minimized window is not forwarded")

	ctx.Data.U32[0], ctx.Data.U32[1] = 48, 24
	e.events.Fire(core.EVENT_CODE_RESIZED, nil, ctx)
	assert.False(t, e.isSuspended.Load())
	assert.Equal(t, [2]uint32{48, 24}, g.lastResize)

	require.NoError(t, e.Run())
	assert.Equal(t, [2]uint32{48, 24}, g.presentSize, "the backend applied the resize before rendering")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[renderer]\nframes_in_flight = 9\n"), 0o644))
	_, err := New(&Game{ApplicationConfig: &ApplicationConfig{ConfigPath: path}})
	assert.Error(t, err)

	_, err = New(&Game{})
	assert.Error(t, err)
}

package renderer

import (
	"testing"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/software"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unlitColorInfo(cull metadata.FaceCullOption) metadata.ShaderInfo {
	state := metadata.DefaultShaderStateSet()
	state.Cull = cull
	return metadata.ShaderInfo{
		StateSet: state,
		Stages:   metadata.ShaderStageVertex | metadata.ShaderStageFragment,
		FragProperties: metadata.ShaderPropertiesInfo{
			BaseProperties: []metadata.ShaderProperty{{Name: "_Color", Size: 16, Offset: 0, Type: metadata.ShaderPropertyTypeVec4}},
		},
	}
}

type drawFixture struct {
	b        *Backend
	fbo      metadata.FrameBufferHandle
	shader   metadata.ShaderHandle
	material metadata.MaterialDataHandle
	cmd      metadata.CommandHandle
}

func newDrawFixture(t *testing.T, info metadata.ShaderInfo, color math.Vec4) *drawFixture {
	t.Helper()
	b, _ := newTestBackend(t)
	fbo, err := b.CreateFrameBuffer(metadata.FrameBufferTypeColor, metadata.NewClearInfo(metadata.ClearFrameBufferColor, black), testSize, testSize)
	require.NoError(t, err)
	shader, err := b.SetUpShader("unlit_color", info, nil, metadata.FrameBufferTypeColor)
	require.NoError(t, err)

	material := b.CreateMaterialData()
	values := metadata.NewMaterialValues()
	values.Vec4s["_Color"] = color
	require.NoError(t, b.SetUpMaterial(material, shader, values))

	return &drawFixture{b: b, fbo: fbo, shader: shader, material: material, cmd: b.AllocateDrawCommand(metadata.CommandTypeCommon)}
}

// render draws meshes into the fixture's frame buffer and returns its color
// attachment once the GPU is done.
func (f *drawFixture) render(t *testing.T, meshes ...metadata.MeshHandle) []byte {
	t.Helper()
	b := f.b
	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.SwitchFrameBuffer(f.fbo))
	require.NoError(t, b.UseShader(f.shader))
	require.NoError(t, b.UseMaterialData(f.material))
	for _, m := range meshes {
		require.NoError(t, b.Draw(m))
	}
	require.NoError(t, b.GenerateDrawCommand(f.cmd))
	require.NoError(t, b.WaitForRenderFinish())

	out, err := b.ReadFrameBufferColor(f.fbo)
	require.NoError(t, err)
	require.NoError(t, b.EndFrame())
	return out
}

func TestDrawTriangleIntoColorFrameBuffer(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), red)
	mesh, err := f.b.SetUpStaticMesh([]math.Vertex{
		{Position: math.NewVec3(-0.5, -0.5, 0)},
		{Position: math.NewVec3(0.5, -0.5, 0)},
		{Position: math.NewVec3(0, 0.5, 0)},
	}, []uint32{0, 1, 2})
	require.NoError(t, err)

	out := f.render(t, mesh)
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 32, 32))
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 0, 0))
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 63, 63))
	assert.Zero(t, f.b.PendingDraws())
}

func TestDrawListIsFrameScoped(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), red)
	vertices, indices := quad(0.5)
	mesh, err := f.b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)

	out := f.render(t, mesh)
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 32, 32))

	// Nothing drawn: only the clear runs.
	out = f.render(t)
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 32, 32))
}

func TestViewportOriginIsBottomLeft(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), red)
	vertices, indices := quad(1)
	mesh, err := f.b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)

	f.b.SetViewPort(testSize/2, testSize/2, 0, 0)
	out := f.render(t, mesh)

	// Image rows grow downwards, so the bottom left quadrant is x < 32, y >= 32.
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 16, 48))
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 16, 16))
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 48, 48))
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 48, 16))
}

func TestInvalidFrameBufferType(t *testing.T) {
	b, _ := newTestBackend(t)
	fbo, err := b.CreateFrameBuffer(metadata.FrameBufferTypeMax, metadata.ClearInfo{}, 16, 16)
	assert.ErrorIs(t, err, core.ErrInvalidFrameBufferType)
	assert.Equal(t, metadata.InvalidFrameBuffer, fbo)
	assert.Error(t, b.SwitchFrameBuffer(fbo))
}

func TestPresentFrameBufferIsShared(t *testing.T) {
	b, _ := newTestBackend(t)
	fbo, err := b.CreateFrameBuffer(metadata.FrameBufferTypePresent, metadata.ClearInfo{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, b.PresentFrameBuffer(), fbo)
}

func TestParticleMesh(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullNone), red)
	mesh, err := f.b.GenerateParticleMesh()
	require.NoError(t, err)
	assert.Equal(t, uint32(6), f.b.MeshIndexCount(mesh))

	out := f.render(t, mesh)
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 32, 32))
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 20, 44))
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 2, 2))
}

func TestDrawRequiresShaderAndMesh(t *testing.T) {
	b, _ := newTestBackend(t)
	vertices, indices := quad(0.5)
	mesh, err := b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Draw(mesh), core.ErrInvalidHandle)
	assert.ErrorIs(t, b.Draw(metadata.InvalidMesh), core.ErrInvalidHandle)
	assert.Zero(t, b.PendingDraws())
}

func TestDynamicMeshKeepsOneCopyPerFrame(t *testing.T) {
	b, _ := newTestBackend(t)
	mesh, err := b.SetUpDynamicMesh(8, 12)
	require.NoError(t, err)
	vertices, indices := quad(0.5)

	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.UpdateDynamicMesh(mesh, vertices, indices))
	require.NoError(t, b.EndFrame())

	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.UpdateDynamicMesh(mesh, vertices[:3], indices[:3]))
	assert.Equal(t, uint32(3), b.MeshIndexCount(mesh))
	require.NoError(t, b.EndFrame())

	assert.Equal(t, uint32(6), b.MeshIndexCount(mesh))
	assert.Error(t, b.UpdateDynamicMesh(mesh, make([]math.Vertex, 9), indices))
}

func TestClearFrameBufferHonoursFlags(t *testing.T) {
	b, _ := newTestBackend(t)
	fbo, err := b.CreateFrameBuffer(metadata.FrameBufferTypeColor, metadata.NewClearInfo(metadata.ClearFrameBufferColor, red), testSize, testSize)
	require.NoError(t, err)

	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.SwitchFrameBuffer(fbo))
	require.NoError(t, b.ClearFrameBuffer())
	require.NoError(t, b.WaitForRenderFinish())
	out, err := b.ReadFrameBufferColor(fbo)
	require.NoError(t, err)
	require.NoError(t, b.EndFrame())
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 10, 10))
}

func TestDeleteDrawCommandReleasesLists(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), red)
	b := f.b
	dev := b.Device().(*software.SoftwareDevice)
	vertices, indices := quad(0.5)
	mesh, err := b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)
	base := dev.CommandLists()

	cmd := b.AllocateDrawCommand(metadata.CommandTypeCommon)
	assert.Equal(t, base+int(b.FramesInFlight()), dev.CommandLists())

	// Two submissions in one frame grow that frame's pool by a list.
	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.SwitchFrameBuffer(f.fbo))
	require.NoError(t, b.UseShader(f.shader))
	require.NoError(t, b.UseMaterialData(f.material))
	require.NoError(t, b.Draw(mesh))
	require.NoError(t, b.GenerateDrawCommand(cmd))
	require.NoError(t, b.GenerateDrawCommand(cmd))
	require.NoError(t, b.EndFrame())
	assert.Equal(t, base+int(b.FramesInFlight())+1, dev.CommandLists())

	require.NoError(t, b.DeleteDrawCommand(cmd))
	assert.Equal(t, base, dev.CommandLists())
	assert.ErrorIs(t, b.DeleteDrawCommand(cmd), core.ErrInvalidHandle)

	// The remaining commands still record and submit.
	out := f.render(t, mesh)
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 32, 32))
	require.NoError(t, dev.Err())

	b.Shutdown()
	assert.Zero(t, dev.CommandLists())
}

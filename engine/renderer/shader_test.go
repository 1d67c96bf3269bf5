package renderer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spaghettifunk/anima-rhi/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/software"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SPIR-V magic and version, enough for the loader.
var spirvStub = []byte{0x03, 0x02, 0x23, 0x07, 0, 0, 1, 0}

const unlitColorReflection = `
name: unlit_color
programs:
  vertex: unlit_color.vert.spv
  fragment: unlit_color.frag.spv
state:
  cull: %d
fragment:
  base:
    - {name: _Color, size: 16, offset: 0, type: vec4}
`

// writeUnlitColorShader writes the description file and stub stages of the
// unlit_color shader into dir and returns the description path.
func writeUnlitColorShader(t *testing.T, dir string, cull metadata.FaceCullOption) string {
	t.Helper()
	for _, stage := range []string{"vert", "frag"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "unlit_color."+stage+".spv"), spirvStub, 0o644))
	}
	path := filepath.Join(dir, "unlit_color"+loaders.ShaderReflectionExt)
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(unlitColorReflection, cull)), 0o644))
	return path
}

func livePipelines(dev *software.SoftwareDevice) int {
	_, _, _, pipelines := dev.Stats()
	return pipelines
}

func shaderChanged(b *Backend, path string) {
	var ctx core.EventContext
	ctx.Data.C[0] = path
	b.events.Fire(core.EVENT_CODE_SHADER_CHANGED, nil, ctx)
}

func TestCompileShaderFromReflection(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), black)
	dev := f.b.Device().(*software.SoftwareDevice)
	before := livePipelines(dev)

	shader, info, err := f.b.CompileShader(writeUnlitColorShader(t, t.TempDir(), metadata.FaceCullNone), metadata.FrameBufferTypeColor)
	require.NoError(t, err)
	assert.Equal(t, before+1, livePipelines(dev))
	assert.Equal(t, metadata.FaceCullNone, info.StateSet.Cull)
	prop, ok := info.FindBaseProperty("_Color")
	require.True(t, ok)
	assert.Equal(t, metadata.ShaderPropertyTypeVec4, prop.Type)

	material := f.b.CreateMaterialData()
	values := metadata.NewMaterialValues()
	values.Vec4s["_Color"] = red
	require.NoError(t, f.b.SetUpMaterial(material, shader, values))
	f.shader, f.material = shader, material

	vertices, indices := quad(0.5)
	mesh, err := f.b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)
	out := f.render(t, mesh)
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 32, 32))
}

func TestShaderChangeSwapsPipelineAfterFramesInFlight(t *testing.T) {
	b, dev := newTestBackend(t)
	dir := t.TempDir()
	shader, _, err := b.CompileShader(writeUnlitColorShader(t, dir, metadata.FaceCullBack), metadata.FrameBufferTypeColor)
	require.NoError(t, err)
	base := livePipelines(dev)

	writeUnlitColorShader(t, dir, metadata.FaceCullNone)
	shaderChanged(b, filepath.Join(dir, "unlit_color.frag.spv"))
	assert.Equal(t, base, livePipelines(dev), "reloads wait for the next frame")

	require.NoError(t, b.BeginFrame())
	info, ok := b.ShaderInfo(shader)
	require.True(t, ok)
	assert.Equal(t, metadata.FaceCullNone, info.StateSet.Cull)
	assert.Equal(t, base+1, livePipelines(dev), "the replaced pipeline outlives the frames in flight")
	require.NoError(t, b.EndFrame())

	require.NoError(t, b.BeginFrame())
	assert.Equal(t, base+1, livePipelines(dev))
	require.NoError(t, b.EndFrame())

	require.NoError(t, b.BeginFrame())
	assert.Equal(t, base, livePipelines(dev))
	require.NoError(t, b.EndFrame())
	require.NoError(t, dev.Err())
}

func TestFailedReloadKeepsPipeline(t *testing.T) {
	b, dev := newTestBackend(t)
	dir := t.TempDir()
	path := writeUnlitColorShader(t, dir, metadata.FaceCullBack)
	shader, _, err := b.CompileShader(path, metadata.FrameBufferTypeColor)
	require.NoError(t, err)
	base := livePipelines(dev)

	shaderChanged(b, filepath.Join(t.TempDir(), "other.frag.spv"))
	require.NoError(t, os.WriteFile(path, []byte("programs:\n  fragment: unlit_color.frag.spv\n"), 0o644))
	shaderChanged(b, path)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.BeginFrame())
		require.NoError(t, b.EndFrame())
	}

	assert.Equal(t, base, livePipelines(dev))
	info, ok := b.ShaderInfo(shader)
	require.True(t, ok)
	assert.Equal(t, metadata.FaceCullBack, info.StateSet.Cull)
	assert.NoError(t, b.UseShader(shader))
}

func TestShaderFromMemoryCannotReload(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), red)
	assert.Error(t, f.b.ReloadShader(f.shader))
	assert.ErrorIs(t, f.b.ReloadShader(metadata.InvalidShader), core.ErrInvalidHandle)
}

func TestSetRenderStateRebuildsPipeline(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), red)
	dev := f.b.Device().(*software.SoftwareDevice)
	vertices, _ := quad(0.5)
	clockwise, err := f.b.SetUpStaticMesh(vertices, []uint32{0, 2, 1, 0, 3, 2})
	require.NoError(t, err)

	out := f.render(t, clockwise)
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 32, 32), "back faces are culled")

	before := livePipelines(dev)
	state := metadata.DefaultShaderStateSet()
	state.Cull = metadata.FaceCullNone
	require.NoError(t, f.b.SetRenderState(f.shader, state))
	assert.Equal(t, before+1, livePipelines(dev))
	info, _ := f.b.ShaderInfo(f.shader)
	assert.Equal(t, metadata.FaceCullNone, info.StateSet.Cull)

	out = f.render(t, clockwise)
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 32, 32))
	assert.Equal(t, before+1, livePipelines(dev), "the old pipeline may still be in flight")

	f.render(t)
	assert.Equal(t, before, livePipelines(dev))
	assert.ErrorIs(t, f.b.SetRenderState(metadata.InvalidShader, state), core.ErrInvalidHandle)
}

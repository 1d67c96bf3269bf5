package loaders

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func checker(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

var spirvHeader = string([]byte{0x03, 0x02, 0x23, 0x07, 0, 0, 1, 0})

func TestBytecodeWords(t *testing.T) {
	words, err := BytesToBytecode([]byte(spirvHeader))
	require.NoError(t, err)
	assert.Equal(t, []uint32{spirvMagic, 0x00010000}, words)
	assert.True(t, IsSPIRV([]byte(spirvHeader)))
	assert.False(t, IsSPIRV([]byte{1, 2}))

	_, err = BytesToBytecode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestLoadBinaryRejectsEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadBinary(writeFile(t, dir, "empty.spv", ""))
	assert.Error(t, err)
	_, err = LoadBinary(filepath.Join(dir, "missing.spv"))
	assert.Error(t, err)
}

func TestLoadImageFlipsAndBuildsMips(t *testing.T) {
	img := checker(4, 2, color.NRGBA{B: 255, A: 255})
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	path := writePNG(t, t.TempDir(), "top-left.png", img)

	out, err := LoadImage(path, ImageOptions{FlipY: true, GenerateMips: true})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), out.Width)
	assert.Equal(t, uint32(2), out.Height)
	require.Len(t, out.Mips, int(MipLevels(4, 2)))
	assert.Len(t, out.Mips[0], 4*2*4)
	assert.Len(t, out.Mips[1], 2*1*4)
	assert.Len(t, out.Mips[2], 1*1*4)

	// The red pixel moved to the last row.
	assert.Equal(t, []byte{255, 0, 0, 255}, out.Mips[0][4*4:4*4+4])
	assert.Equal(t, []byte{0, 0, 255, 255}, out.Mips[0][:4])

	plain, err := LoadImage(path, ImageOptions{})
	require.NoError(t, err)
	assert.Len(t, plain.Mips, 1)
	assert.Equal(t, []byte{255, 0, 0, 255}, plain.Mips[0][:4])
}

func TestMipLevels(t *testing.T) {
	assert.Equal(t, uint32(1), MipLevels(1, 1))
	assert.Equal(t, uint32(3), MipLevels(4, 2))
	assert.Equal(t, uint32(9), MipLevels(256, 1))
}

func TestLoadCubeFaces(t *testing.T) {
	dir := t.TempDir()
	var paths [6]string
	for i := range paths {
		paths[i] = writePNG(t, dir, string(rune('a'+i))+".png", checker(2, 2, color.NRGBA{R: uint8(i * 40), A: 255}))
	}
	faces, err := LoadCubeFaces(paths)
	require.NoError(t, err)
	for i, f := range faces {
		require.NotNil(t, f)
		assert.Equal(t, byte(i*40), f.Mips[0][0], "face %d keeps its order", i)
	}

	paths[3] = filepath.Join(dir, "missing.png")
	_, err = LoadCubeFaces(paths)
	assert.Error(t, err)
}

const unlitReflection = `
name: unlit
programs:
  vertex: unlit.vert.spv
  fragment: unlit.frag.spv
state:
  cull: 2
vertex:
  base:
    - {name: _MVP, size: 64, offset: 0, type: mat4}
fragment:
  base:
    - {name: _Color, size: 16, offset: 0, type: vec4}
  textures:
    - {name: _MainTex, binding: 0, type: sampler2D}
`

func TestLoadShaderReadsSidecarAndStages(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "unlit.vert.spv", spirvHeader)
	writeFile(t, dir, "unlit.frag.spv", spirvHeader)
	path := writeFile(t, dir, "unlit"+ShaderReflectionExt, unlitReflection)

	src, err := LoadShader(path)
	require.NoError(t, err)
	assert.Equal(t, "unlit", src.Name)
	assert.Equal(t, metadata.ShaderStageVertex|metadata.ShaderStageFragment, src.Info.Stages)
	assert.Equal(t, metadata.FaceCullNone, src.Info.StateSet.Cull)
	assert.True(t, src.Info.StateSet.DepthWrite, "unset state keeps its default")
	assert.Len(t, src.Code, 2)
	assert.Len(t, src.Files, 3)

	prop, ok := src.Info.FindBaseProperty("_Color")
	require.True(t, ok)
	assert.Equal(t, metadata.ShaderPropertyTypeVec4, prop.Type)
	require.Len(t, src.Info.FragProperties.TextureProperties, 1)
	assert.Equal(t, metadata.ShaderPropertyTypeSampler2D, src.Info.FragProperties.TextureProperties[0].Type)
}

func TestLoadShaderErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.vert.spv", spirvHeader)

	noVertex := writeFile(t, dir, "b.reflect.yaml", "programs:\n  fragment: a.vert.spv\n")
	_, err := LoadShader(noVertex)
	assert.Error(t, err)

	badStage := writeFile(t, dir, "c.reflect.yaml", "programs:\n  vertex: a.vert.spv\n  tessellation: a.vert.spv\n")
	_, err = LoadShader(badStage)
	assert.Error(t, err)

	missingCode := writeFile(t, dir, "d.reflect.yaml", "programs:\n  vertex: nope.spv\n")
	_, err = LoadShader(missingCode)
	assert.Error(t, err)

	unknownKey := writeFile(t, dir, "e.reflect.yaml", "programs:\n  vertex: a.vert.spv\ncolour: red\n")
	_, err = LoadShader(unknownKey)
	assert.Error(t, err)
}

func TestLoadRayTracingPipeline(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "path.yaml", `
groups:
  raygen: [shaders/camera.rgen.spv]
  miss: [shaders/sky.rmiss.spv]
  closest_hit: [shaders/material.rchit.spv]
material:
  base:
    - {name: _Color, size: 16, offset: 0, type: vec4}
`)
	desc, err := LoadRayTracingPipeline(path)
	require.NoError(t, err)
	assert.Equal(t, "path", desc.Name)
	assert.Equal(t, uint32(1), desc.MaxRecursion)
	require.Len(t, desc.Groups.RGenPaths, 1)
	assert.True(t, filepath.IsAbs(desc.Groups.RGenPaths[0]))
	assert.True(t, strings.HasSuffix(desc.Groups.RMissPaths[0], filepath.Join("shaders", "sky.rmiss.spv")))
	assert.Equal(t, uint32(16), desc.MaterialSize())

	_, err = LoadRayTracingPipeline(writeFile(t, dir, "empty.yaml", "name: empty\n"))
	assert.Error(t, err)
}

func TestLoadMaterial(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "brick.amt", `
# a brick wall
name = brick
shader = shaders/lit.reflect.yaml
vec4 _Color = 1 0.5 0.25 1
float _Shininess = 32
int _Mode = -2
uint _Layer = 3
vec2 _Tiling = 2 2
texture _MainTex = textures/brick.png
cubemap _Env = px.png nx.png py.png ny.png pz.png nz.png
`)
	cfg, err := LoadMaterial(path)
	require.NoError(t, err)
	assert.Equal(t, "brick", cfg.Name)
	assert.Equal(t, "shaders/lit.reflect.yaml", cfg.Shader)
	assert.Equal(t, math.NewVec4(1, 0.5, 0.25, 1), cfg.Values.Vec4s["_Color"])
	assert.Equal(t, float32(32), cfg.Values.Floats["_Shininess"])
	assert.Equal(t, int32(-2), cfg.Values.Ints["_Mode"])
	assert.Equal(t, uint32(3), cfg.Values.Uints["_Layer"])
	assert.Equal(t, math.NewVec2(2, 2), cfg.Values.Vec2s["_Tiling"])
	assert.Equal(t, "textures/brick.png", cfg.Textures["_MainTex"])
	assert.Equal(t, "nz.png", cfg.CubeMaps["_Env"][5])

	_, err = LoadMaterial(writeFile(t, dir, "bad.amt", "name = x\nshader = y\nvec4 _Color = 1 2\n"))
	assert.Error(t, err)
	_, err = LoadMaterial(writeFile(t, dir, "anon.amt", "shader = y\n"))
	assert.Error(t, err)
}

func TestParseOBJ(t *testing.T) {
	meshes, err := ParseOBJ(strings.NewReader(`
v -1 -1 0
v 1 -1 0
v 1 1 0
v -1 1 0
vt 0 0
vt 1 0
vt 1 1
vt 0 1
vn 0 0 1
o quad
f 1/1/1 2/2/1 3/3/1 4/4/1
o tri
f -4//1 -3//1 -2//1
`))
	require.NoError(t, err)
	require.Len(t, meshes, 2)

	quad := meshes[0]
	assert.Equal(t, "quad", quad.Name)
	assert.Len(t, quad.Vertices, 4)
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, quad.Indices)
	assert.Equal(t, math.NewVec2(1, 1), quad.Vertices[2].Texcoord)
	assert.Equal(t, math.NewVec3(0, 0, 1), quad.Vertices[0].Normal)

	tri := meshes[1]
	assert.Len(t, tri.Vertices, 3)
	assert.Equal(t, math.NewVec3(-1, -1, 0), tri.Vertices[0].Position)

	_, err = ParseOBJ(strings.NewReader("v 0 0 0\nf 1 2 3\n"))
	assert.Error(t, err)
	_, err = ParseOBJ(strings.NewReader("v 0 0 0\n"))
	assert.Error(t, err)
}

func TestDefaultGlyphAtlas(t *testing.T) {
	atlas := DefaultGlyphAtlas()
	assert.Equal(t, 13, atlas.LineHeight)
	g, ok := atlas.Glyphs['A']
	require.True(t, ok)
	assert.NotZero(t, g.Width)
	assert.Len(t, g.Bitmap, int(g.Width*g.Height))
	assert.Positive(t, g.XAdvance)

	var lit bool
	for _, v := range g.Bitmap {
		lit = lit || v > 0
	}
	assert.True(t, lit, "glyph A has coverage")
}

func TestLoadGlyphAtlas(t *testing.T) {
	dir := t.TempDir()
	page := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	page.SetNRGBA(1, 1, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	writePNG(t, dir, "test_0.png", page)
	path := writeFile(t, dir, "test.fnt", `info face="Test" size=8 bold=0 italic=0 charset="" unicode=1 stretchH=100 smooth=1 aa=1 padding=0,0,0,0 spacing=1,1 outline=0
common lineHeight=10 base=8 scaleW=4 scaleH=4 pages=1 packed=0 alphaChnl=0 redChnl=0 greenChnl=0 blueChnl=0
page id=0 file="test_0.png"
chars count=1
char id=65   x=0     y=0     width=2     height=2     xoffset=0     yoffset=1     xadvance=3     page=0  chnl=15
kernings count=1
kerning first=65  second=65  amount=-1
`)
	atlas, err := LoadGlyphAtlas(path)
	require.NoError(t, err)
	assert.Equal(t, "Test", atlas.Face)
	assert.Equal(t, 10, atlas.LineHeight)
	assert.Equal(t, 8, atlas.Baseline)
	g, ok := atlas.Glyphs['A']
	require.True(t, ok)
	assert.Equal(t, uint32(2), g.Width)
	assert.Equal(t, 3, g.XAdvance)
	assert.Equal(t, []byte{0, 0, 0, 255}, g.Bitmap)
	assert.Equal(t, -1, atlas.Kerning('A', 'A'))
}

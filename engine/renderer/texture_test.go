package renderer

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePNG writes a w x h image of fill whose top left pixel is corner.
func writePNG(t *testing.T, dir, name string, w, h int, fill, corner color.NRGBA) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	img.SetNRGBA(0, 0, corner)

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestCreateTextureFromFile(t *testing.T) {
	b, _ := newTestBackend(t)
	blue := color.NRGBA{B: 255, A: 255}
	path := writePNG(t, t.TempDir(), "corner.png", 4, 2, blue, color.NRGBA{R: 255, A: 255})

	tex, w, h, err := b.CreateTexture(path)
	require.NoError(t, err)
	assert.Equal(t, [2]uint32{4, 2}, [2]uint32{w, h})
	rec, ok := b.texture(tex)
	require.True(t, ok)
	assert.Equal(t, uint32(3), rec.desc.MipLevels, "4x2, 2x1 and 1x1")
	assert.Equal(t, metadata.ResourceStateGenericRead, rec.state)

	out, err := b.device.ReadTexture(rec.native, 0)
	require.NoError(t, err)
	require.Len(t, out, 4*2*4)
	// Rows are flipped, the top left pixel lands in the last row.
	assert.Equal(t, []byte{255, 0, 0, 255}, out[4*4:4*4+4])
	assert.Equal(t, []byte{0, 0, 255, 255}, out[0:4])

	_, _, _, err = b.CreateTexture(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func writeCubeFaces(t *testing.T, dir string, size int) [6]string {
	t.Helper()
	var faces [6]string
	for i := range faces {
		fill := color.NRGBA{R: uint8(40 * i), G: 10, B: 20, A: 255}
		faces[i] = writePNG(t, dir, "face"+string(rune('0'+i))+".png", size, size, fill, fill)
	}
	return faces
}

func TestCreateCubeMapKeepsFaceOrder(t *testing.T) {
	b, _ := newTestBackend(t)
	cube, err := b.CreateCubeMap(writeCubeFaces(t, t.TempDir(), 2))
	require.NoError(t, err)

	rec, ok := b.texture(cube)
	require.True(t, ok)
	assert.Equal(t, metadata.TextureTypeCube, rec.desc.Type)
	assert.Equal(t, uint32(6), rec.desc.Layers)
	for face := uint32(0); face < 6; face++ {
		out, err := b.device.ReadTexture(rec.native, face)
		require.NoError(t, err)
		assert.Equal(t, uint8(40*face), out[0], "face %d", face)
	}
}

func TestCreateCubeMapRejectsMismatchedFaces(t *testing.T) {
	b, dev := newTestBackend(t)
	dir := t.TempDir()
	faces := writeCubeFaces(t, dir, 2)
	faces[3] = writePNG(t, dir, "large.png", 4, 4, color.NRGBA{A: 255}, color.NRGBA{A: 255})
	_, before, _, _ := dev.Stats()

	cube, err := b.CreateCubeMap(faces)
	assert.Error(t, err)
	assert.Equal(t, metadata.InvalidTexture, cube)
	_, after, _, _ := dev.Stats()
	assert.Equal(t, before, after)

	faces[3] = filepath.Join(dir, "missing.png")
	_, err = b.CreateCubeMap(faces)
	assert.Error(t, err)
}

func TestRenderBufferBindsFrameCopies(t *testing.T) {
	b, dev := newTestBackend(t)
	shader, err := b.SetUpShader("unlit_texture", unlitTextureInfo(), nil, metadata.FrameBufferTypeColor)
	require.NoError(t, err)
	src, err := b.CreateFrameBuffer(metadata.FrameBufferTypeColor, metadata.NewClearInfo(metadata.ClearFrameBufferColor, red), 8, 8)
	require.NoError(t, err)
	rb := b.FrameBufferColorBuffer(src)
	group, ok := b.renderBuffer(rb)
	require.True(t, ok)
	require.Len(t, group.textures, int(b.FramesInFlight()))

	material := b.CreateMaterialData()
	require.NoError(t, b.SetUpMaterial(material, shader, nil))
	require.NoError(t, b.SetShaderRenderBuffer(material, "_MainTex", rb, true))

	m, _ := b.material(material)
	native := func(frame uint32) rhi.TextureID {
		rec, ok := b.texture(group.textures[frame])
		require.True(t, ok)
		return rec.native
	}
	for frame := uint32(0); frame < b.FramesInFlight(); frame++ {
		got, ok := dev.DescriptorTexture(m.textureSets[frame], 0)
		require.True(t, ok)
		assert.Equal(t, native(frame), got, "frame %d", frame)
	}
	assert.NotEqual(t, native(0), native(1))

	// A single frame write leaves the other copy alone.
	tex, err := b.CreateTextureFromPixels(1, 1, metadata.TextureFormatRGBA8, [][]byte{{0, 255, 0, 255}}, "green")
	require.NoError(t, err)
	require.NoError(t, b.SetShaderTexture(material, "_MainTex", tex, false))
	rec, _ := b.texture(tex)
	got, _ := dev.DescriptorTexture(m.textureSets[b.CurrentFrame()], 0)
	assert.Equal(t, rec.native, got)
	got, _ = dev.DescriptorTexture(m.textureSets[(b.CurrentFrame()+1)%b.FramesInFlight()], 0)
	assert.Equal(t, native((b.CurrentFrame()+1)%b.FramesInFlight()), got)

	assert.ErrorIs(t, b.SetShaderRenderBuffer(material, "_MainTex", metadata.InvalidRenderBuffer, true), core.ErrInvalidHandle)
}

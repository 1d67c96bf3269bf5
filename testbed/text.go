package testbed

import (
	"github.com/spaghettifunk/anima-rhi/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

type glyphSlot struct {
	mesh     metadata.MeshHandle
	material metadata.MaterialDataHandle
}

/**
 * @brief A line of screen space text. Every glyph has its own texture, so
 * each character position owns a quad and a material that are rewritten
 * every frame.
 */
type textLabel struct {
	b      *renderer.Backend
	shader metadata.ShaderHandle
	atlas  *loaders.GlyphAtlas
	glyphs map[rune]metadata.TextureHandle
	slots  []glyphSlot
	scale  float32
}

func newTextLabel(b *renderer.Backend, shader metadata.ShaderHandle, atlas *loaders.GlyphAtlas, maxChars int, color math.Vec4, scale float32) (*textLabel, error) {
	l := &textLabel{
		b:      b,
		shader: shader,
		atlas:  atlas,
		glyphs: b.UploadGlyphAtlas(atlas),
		scale:  scale,
	}
	values := metadata.NewMaterialValues()
	values.Vec4s["_TextColor"] = color
	for i := 0; i < maxChars; i++ {
		mesh, err := b.SetUpDynamicMesh(4, 6)
		if err != nil {
			l.destroy()
			return nil, err
		}
		mat := b.CreateMaterialData()
		l.slots = append(l.slots, glyphSlot{mesh: mesh, material: mat})
		if err := b.SetUpMaterial(mat, shader, values); err != nil {
			l.destroy()
			return nil, err
		}
		if err := b.SetShaderMatrix(mat, "_MVP", math.NewMat4Identity(), true); err != nil {
			l.destroy()
			return nil, err
		}
	}
	return l, nil
}

// draw queues text with its top left corner at x, y pixels on a target of
// width by height pixels. Characters past the slot count are dropped.
func (l *textLabel) draw(text string, x, y float32, width, height uint32) error {
	if err := l.b.UseShader(l.shader); err != nil {
		return err
	}
	pen := x
	used := 0
	var prev rune
	for _, r := range text {
		if used == len(l.slots) {
			break
		}
		g, ok := l.atlas.Glyphs[r]
		if !ok {
			core.LogDebug("no glyph for %q in %s", r, l.atlas.Face)
			continue
		}
		if prev != 0 {
			pen += float32(l.atlas.Kerning(prev, r)) * l.scale
		}
		prev = r

		if tex, ok := l.glyphs[r]; ok {
			slot := l.slots[used]
			left := pen + float32(g.XOffset)*l.scale
			top := y + float32(g.YOffset)*l.scale
			vertices := glyphQuad(left, top, float32(g.Width)*l.scale, float32(g.Height)*l.scale, width, height)
			if err := l.b.UpdateDynamicMesh(slot.mesh, vertices, []uint32{0, 1, 2, 0, 2, 3}); err != nil {
				return err
			}
			if err := l.b.SetShaderTexture(slot.material, "_Text", tex, false); err != nil {
				return err
			}
			if err := l.b.UseMaterialData(slot.material); err != nil {
				return err
			}
			if err := l.b.Draw(slot.mesh); err != nil {
				return err
			}
			used++
		}
		pen += float32(g.XAdvance) * l.scale
	}
	return nil
}

// glyphQuad converts a pixel rectangle, y down, into clip space.
func glyphQuad(left, top, w, h float32, width, height uint32) []math.Vertex {
	toX := func(px float32) float32 { return px/float32(width)*2 - 1 }
	toY := func(py float32) float32 { return 1 - py/float32(height)*2 }
	x0, x1 := toX(left), toX(left+w)
	y0, y1 := toY(top), toY(top+h)
	return []math.Vertex{
		{Position: math.NewVec3(x0, y0, 0), Texcoord: math.NewVec2(0, 0)},
		{Position: math.NewVec3(x0, y1, 0), Texcoord: math.NewVec2(0, 1)},
		{Position: math.NewVec3(x1, y1, 0), Texcoord: math.NewVec2(1, 1)},
		{Position: math.NewVec3(x1, y0, 0), Texcoord: math.NewVec2(1, 0)},
	}
}

func (l *textLabel) destroy() {
	for _, s := range l.slots {
		l.b.DeleteMesh(s.mesh)
		l.b.DeleteMaterialData(s.material)
	}
	l.slots = nil
	for _, tex := range l.glyphs {
		l.b.DeleteTexture(tex)
	}
	l.glyphs = nil
}

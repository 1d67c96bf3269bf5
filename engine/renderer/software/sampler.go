package software

import (
	"github.com/chewxy/math32"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

func (t *texture) texel(layer uint32, x, y int) math.Vec4 {
	w, h := int(t.desc.Width), int(t.desc.Height)
	x = ((x % w) + w) % w
	y = ((y % h) + h) % h
	bpp := int(t.desc.Format.BytesPerPixel())
	i := (y*w + x) * bpp
	return metadata.DecodeTexel(t.desc.Format, t.level(layer, 0)[i:i+bpp])
}

func (t *texture) store(layer uint32, x, y int, c math.Vec4) {
	bpp := int(t.desc.Format.BytesPerPixel())
	i := (y*int(t.desc.Width) + x) * bpp
	metadata.EncodeTexel(t.desc.Format, t.level(layer, 0)[i:i+bpp], c)
}

// sample2D filters mip 0 bilinearly with repeat addressing.
func (t *texture) sample2D(layer uint32, uv math.Vec2) math.Vec4 {
	fx := uv.X*float32(t.desc.Width) - 0.5
	fy := uv.Y*float32(t.desc.Height) - 0.5
	x0 := int(math32.Floor(fx))
	y0 := int(math32.Floor(fy))
	tx := fx - float32(x0)
	ty := fy - float32(y0)

	c00 := t.texel(layer, x0, y0)
	c10 := t.texel(layer, x0+1, y0)
	c01 := t.texel(layer, x0, y0+1)
	c11 := t.texel(layer, x0+1, y0+1)

	top := lerp4(c00, c10, tx)
	bottom := lerp4(c01, c11, tx)
	return lerp4(top, bottom, ty)
}

// sampleCube picks the major axis face, in +X -X +Y -Y +Z -Z layer order.
func (t *texture) sampleCube(dir math.Vec3) math.Vec4 {
	ax, ay, az := math32.Abs(dir.X), math32.Abs(dir.Y), math32.Abs(dir.Z)
	var layer uint32
	var sc, tc, ma float32
	switch {
	case ax >= ay && ax >= az:
		ma = ax
		if dir.X > 0 {
			layer, sc, tc = 0, -dir.Z, -dir.Y
		} else {
			layer, sc, tc = 1, dir.Z, -dir.Y
		}
	case ay >= az:
		ma = ay
		if dir.Y > 0 {
			layer, sc, tc = 2, dir.X, dir.Z
		} else {
			layer, sc, tc = 3, dir.X, -dir.Z
		}
	default:
		ma = az
		if dir.Z > 0 {
			layer, sc, tc = 4, dir.X, -dir.Y
		} else {
			layer, sc, tc = 5, -dir.X, -dir.Y
		}
	}
	if ma == 0 {
		return math.Vec4{}
	}
	if layer >= t.desc.Layers {
		layer = 0
	}
	uv := math.Vec2{X: (sc/ma + 1) * 0.5, Y: (tc/ma + 1) * 0.5}
	return t.sample2D(layer, uv)
}

func lerp4(a, b math.Vec4, t float32) math.Vec4 {
	return math.Vec4{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
		Z: a.Z + (b.Z-a.Z)*t,
		W: a.W + (b.W-a.W)*t,
	}
}

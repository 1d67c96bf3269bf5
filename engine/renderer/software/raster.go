package software

import (
	"encoding/binary"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type rasterVertex struct {
	screen   math.Vec3
	invW     float32
	varyings Varyings
}

func readVertex(data []byte, offset uint64) math.Vertex {
	f := func(i uint64) float32 {
		return math32.Float32frombits(binary.LittleEndian.Uint32(data[offset+i*4:]))
	}
	return math.Vertex{
		Position:  math.Vec3{X: f(0), Y: f(1), Z: f(2)},
		Texcoord:  math.Vec2{X: f(3), Y: f(4)},
		Normal:    math.Vec3{X: f(5), Y: f(6), Z: f(7)},
		Tangent:   math.Vec3{X: f(8), Y: f(9), Z: f(10)},
		Bitangent: math.Vec3{X: f(11), Y: f(12), Z: f(13)},
	}
}

// drawIndexed rasterizes a triangle list into layer 0 of the bound targets.
func (x *executor) drawIndexed(indexCount, firstIndex uint32, baseVertex int32) error {
	p := x.graphics
	if p == nil {
		return fmt.Errorf("draw: no pipeline bound")
	}
	vb, err := x.buffer(x.vertexBuffer)
	if err != nil {
		return fmt.Errorf("draw %s: vertex buffer: %w", p.name, err)
	}
	ib, err := x.buffer(x.indexBuffer)
	if err != nil {
		return fmt.Errorf("draw %s: index buffer: %w", p.name, err)
	}
	if uint64(firstIndex+indexCount)*4 > uint64(len(ib.data)) {
		return fmt.Errorf("draw %s: %d indices from %d overrun %s", p.name, indexCount, firstIndex, ib.name)
	}
	stride := uint64(x.vertexStride)
	if stride == 0 {
		stride = math.VertexSize
	}

	var color, depth *texture
	if x.color != rhi.InvalidTexture {
		if color, err = x.texture(x.color); err != nil {
			return err
		}
	}
	if x.depth != rhi.InvalidTexture {
		if depth, err = x.texture(x.depth); err != nil {
			return err
		}
	}
	target := color
	if target == nil {
		target = depth
	}
	if target == nil {
		return fmt.Errorf("draw %s: no render target bound", p.name)
	}

	ctx := &ShaderContext{pipeline: p, x: x}
	if cb, ok := x.constantBuffers[metadata.GraphicsRootConstantBuffer]; ok {
		b, err := x.buffer(cb)
		if err != nil {
			return fmt.Errorf("draw %s: constant buffer: %w", p.name, err)
		}
		ctx.constants = b.data
	}

	vp := x.viewport
	if vp.width == 0 || vp.height == 0 {
		vp = viewport{width: float32(target.desc.Width), height: float32(target.desc.Height)}
	}
	minX, minY := 0, 0
	maxX, maxY := int(target.desc.Width), int(target.desc.Height)
	if x.hasScissor {
		minX = max(minX, int(x.scissor.x))
		minY = max(minY, int(x.scissor.y))
		maxX = min(maxX, int(x.scissor.x+x.scissor.width))
		maxY = min(maxY, int(x.scissor.y+x.scissor.height))
	}

	state := p.desc.Info.StateSet
	var tri [3]rasterVertex
	for i := uint32(0); i+2 < indexCount; i += 3 {
		clipped := false
		var ndc [3]math.Vec3
		for k := 0; k < 3; k++ {
			index := int64(binary.LittleEndian.Uint32(ib.data[(firstIndex+i+uint32(k))*4:])) + int64(baseVertex)
			offset := uint64(index) * stride
			if index < 0 || offset+math.VertexSize > uint64(len(vb.data)) {
				return fmt.Errorf("draw %s: vertex %d out of range of %s", p.name, index, vb.name)
			}
			clip, out := p.program.Vertex(ctx, readVertex(vb.data, offset))
			if clip.W <= 0 {
				clipped = true
				break
			}
			ndc[k] = math.Vec3{X: clip.X / clip.W, Y: clip.Y / clip.W, Z: clip.Z / clip.W}
			tri[k] = rasterVertex{
				screen: math.Vec3{
					X: vp.x + (ndc[k].X+1)*0.5*vp.width,
					Y: vp.y + (1-ndc[k].Y)*0.5*vp.height,
					Z: (ndc[k].Z + 1) * 0.5,
				},
				invW:     1 / clip.W,
				varyings: out,
			}
		}
		if clipped {
			continue
		}

		// Counter clockwise in NDC is front facing.
		ndcArea := (ndc[1].X-ndc[0].X)*(ndc[2].Y-ndc[0].Y) - (ndc[2].X-ndc[0].X)*(ndc[1].Y-ndc[0].Y)
		if ndcArea == 0 {
			continue
		}
		if (state.Cull == metadata.FaceCullBack && ndcArea < 0) || (state.Cull == metadata.FaceCullFront && ndcArea > 0) {
			continue
		}
		x.rasterizeTriangle(ctx, &tri, color, depth, state, minX, minY, maxX, maxY)
	}
	return nil
}

func edge(a, b math.Vec3, px, py float32) float32 {
	return (b.X-a.X)*(py-a.Y) - (b.Y-a.Y)*(px-a.X)
}

func (x *executor) rasterizeTriangle(ctx *ShaderContext, tri *[3]rasterVertex, color, depth *texture, state metadata.ShaderStateSet, minX, minY, maxX, maxY int) {
	s0, s1, s2 := tri[0].screen, tri[1].screen, tri[2].screen
	area := edge(s0, s1, s2.X, s2.Y)
	if area == 0 {
		return
	}
	x0 := max(minX, int(math32.Floor(math32.Min(s0.X, math32.Min(s1.X, s2.X)))))
	y0 := max(minY, int(math32.Floor(math32.Min(s0.Y, math32.Min(s1.Y, s2.Y)))))
	x1 := min(maxX, int(math32.Ceil(math32.Max(s0.X, math32.Max(s1.X, s2.X)))))
	y1 := min(maxY, int(math32.Ceil(math32.Max(s0.Y, math32.Max(s1.Y, s2.Y)))))

	for py := y0; py < y1; py++ {
		for px := x0; px < x1; px++ {
			cx, cy := float32(px)+0.5, float32(py)+0.5
			b0 := edge(s1, s2, cx, cy) / area
			b1 := edge(s2, s0, cx, cy) / area
			b2 := edge(s0, s1, cx, cy) / area
			if b0 < 0 || b1 < 0 || b2 < 0 {
				continue
			}
			z := b0*s0.Z + b1*s1.Z + b2*s2.Z
			if depth != nil {
				stored := depth.texel(0, px, py).X
				if !state.DepthCompareOp.Compare(z, stored) {
					continue
				}
			}

			w0, w1, w2 := b0*tri[0].invW, b1*tri[1].invW, b2*tri[2].invW
			norm := 1 / (w0 + w1 + w2)
			var in Varyings
			for i := range in {
				in[i] = (w0*tri[0].varyings[i] + w1*tri[1].varyings[i] + w2*tri[2].varyings[i]) * norm
			}
			out, keep := ctx.pipeline.program.Fragment(ctx, &in)
			if !keep {
				continue
			}
			if color != nil {
				color.store(0, px, py, blend(state, out, color.texel(0, px, py)))
			}
			if depth != nil && state.DepthWrite {
				depth.store(0, px, py, math.Vec4{X: z})
			}
		}
	}
}

func blendFactor(f metadata.BlendFactor, src, dst math.Vec4) math.Vec4 {
	switch f {
	case metadata.BlendFactorZero:
		return math.Vec4{}
	case metadata.BlendFactorSrcColor:
		return src
	case metadata.BlendFactorOneMinusSrcColor:
		return math.Vec4{X: 1 - src.X, Y: 1 - src.Y, Z: 1 - src.Z, W: 1 - src.W}
	case metadata.BlendFactorDstColor:
		return dst
	case metadata.BlendFactorOneMinusDstColor:
		return math.Vec4{X: 1 - dst.X, Y: 1 - dst.Y, Z: 1 - dst.Z, W: 1 - dst.W}
	case metadata.BlendFactorSrcAlpha:
		return math.Vec4{X: src.W, Y: src.W, Z: src.W, W: src.W}
	case metadata.BlendFactorOneMinusSrcAlpha:
		a := 1 - src.W
		return math.Vec4{X: a, Y: a, Z: a, W: a}
	case metadata.BlendFactorDstAlpha:
		return math.Vec4{X: dst.W, Y: dst.W, Z: dst.W, W: dst.W}
	case metadata.BlendFactorOneMinusDstAlpha:
		a := 1 - dst.W
		return math.Vec4{X: a, Y: a, Z: a, W: a}
	}
	return math.Vec4{X: 1, Y: 1, Z: 1, W: 1}
}

func blend(state metadata.ShaderStateSet, src, dst math.Vec4) math.Vec4 {
	sf := blendFactor(state.SrcFactor, src, dst)
	df := blendFactor(state.DstFactor, src, dst)
	s := math.Vec4{X: src.X * sf.X, Y: src.Y * sf.Y, Z: src.Z * sf.Z, W: src.W * sf.W}
	d := math.Vec4{X: dst.X * df.X, Y: dst.Y * df.Y, Z: dst.Z * df.Z, W: dst.W * df.W}
	switch state.BlendOp {
	case metadata.BlendOptionSubtract:
		return math.Vec4{X: s.X - d.X, Y: s.Y - d.Y, Z: s.Z - d.Z, W: s.W - d.W}
	case metadata.BlendOptionReverseSubtract:
		return math.Vec4{X: d.X - s.X, Y: d.Y - s.Y, Z: d.Z - s.Z, W: d.W - s.W}
	case metadata.BlendOptionMin:
		return math.Vec4{X: math32.Min(src.X, dst.X), Y: math32.Min(src.Y, dst.Y), Z: math32.Min(src.Z, dst.Z), W: math32.Min(src.W, dst.W)}
	case metadata.BlendOptionMax:
		return math.Vec4{X: math32.Max(src.X, dst.X), Y: math32.Max(src.Y, dst.Y), Z: math32.Max(src.Z, dst.Z), W: math32.Max(src.W, dst.W)}
	}
	return math.Vec4{X: s.X + d.X, Y: s.Y + d.Y, Z: s.Z + d.Z, W: s.W + d.W}
}

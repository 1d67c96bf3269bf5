package software

import (
	"fmt"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type viewport struct {
	x, y, width, height float32
}

type scissor struct {
	x, y, width, height int32
}

type table struct {
	heap rhi.HeapID
	base uint32
}

// executor holds the bound state while one command list snapshot runs.
type executor struct {
	d *SoftwareDevice

	color, depth rhi.TextureID
	viewport     viewport
	scissor      scissor
	hasScissor   bool

	graphics   *pipeline
	rayTracing *pipeline

	constantBuffers map[uint32]rhi.BufferID
	tables          map[uint32]table
	rootConstants   map[uint32][]uint32

	vertexBuffer rhi.BufferID
	vertexStride uint32
	indexBuffer  rhi.BufferID
}

func newExecutor(d *SoftwareDevice) *executor {
	return &executor{
		d:               d,
		color:           rhi.InvalidTexture,
		depth:           rhi.InvalidTexture,
		constantBuffers: map[uint32]rhi.BufferID{},
		tables:          map[uint32]table{},
		rootConstants:   map[uint32][]uint32{},
		vertexBuffer:    rhi.InvalidBuffer,
		indexBuffer:     rhi.InvalidBuffer,
	}
}

func (x *executor) texture(id rhi.TextureID) (*texture, error) {
	t, ok := x.d.textures[id]
	if !ok {
		return nil, fmt.Errorf("texture %d: %w", id, core.ErrInvalidHandle)
	}
	return t, nil
}

func (x *executor) buffer(id rhi.BufferID) (*buffer, error) {
	b, ok := x.d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("buffer %d: %w", id, core.ErrInvalidHandle)
	}
	return b, nil
}

func (x *executor) pipeline(id rhi.PipelineID, rayTracing bool) (*pipeline, error) {
	p, ok := x.d.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %d: %w", id, core.ErrInvalidHandle)
	}
	if p.rayTracing != rayTracing {
		return nil, fmt.Errorf("pipeline %s bound to the wrong bind point", p.name)
	}
	return p, nil
}

func (x *executor) transition(id rhi.TextureID, before, after metadata.ResourceState) error {
	_, err := x.texture(id)
	return err
}

func (x *executor) clear(id rhi.TextureID, value math.Vec4) error {
	t, err := x.texture(id)
	if err != nil {
		return err
	}
	bpp := t.desc.Format.BytesPerPixel()
	texel := make([]byte, bpp)
	metadata.EncodeTexel(t.desc.Format, texel, value)
	for layer := uint32(0); layer < t.desc.Layers; layer++ {
		data := t.level(layer, 0)
		for i := 0; i < len(data); i += int(bpp) {
			copy(data[i:], texel)
		}
	}
	return nil
}

func (x *executor) copyBuffer(dst rhi.BufferID, dstOffset uint64, src rhi.BufferID, srcOffset, size uint64) error {
	db, err := x.buffer(dst)
	if err != nil {
		return err
	}
	sb, err := x.buffer(src)
	if err != nil {
		return err
	}
	if srcOffset+size > uint64(len(sb.data)) || dstOffset+size > uint64(len(db.data)) {
		return fmt.Errorf("copy %s -> %s: range out of bounds", sb.name, db.name)
	}
	copy(db.data[dstOffset:dstOffset+size], sb.data[srcOffset:srcOffset+size])
	return nil
}

func (x *executor) copyBufferToTexture(dst rhi.TextureID, layer, mip uint32, src rhi.BufferID, srcOffset uint64) error {
	t, err := x.texture(dst)
	if err != nil {
		return err
	}
	b, err := x.buffer(src)
	if err != nil {
		return err
	}
	if layer >= t.desc.Layers || mip >= t.desc.MipLevels {
		return fmt.Errorf("copy to %s: subresource %d/%d out of range", t.name, layer, mip)
	}
	level := t.level(layer, mip)
	if srcOffset+uint64(len(level)) > uint64(len(b.data)) {
		return fmt.Errorf("copy to %s: source %s too small", t.name, b.name)
	}
	copy(level, b.data[srcOffset:])
	return nil
}

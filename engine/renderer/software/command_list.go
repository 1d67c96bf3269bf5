package software

import (
	"fmt"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

// op is one recorded command, executed on the queue goroutine.
type op func(x *executor) error

type commandList struct {
	dev       *SoftwareDevice
	name      string
	ops       []op
	recording bool
	released  bool
}

func (d *SoftwareDevice) CreateCommandList() (rhi.CommandList, error) {
	d.mu.Lock()
	d.commandLists++
	d.mu.Unlock()
	return &commandList{dev: d, name: core.NewDebugName("command-list")}, nil
}

func (c *commandList) Release() {
	if c.released {
		return
	}
	c.released = true
	c.recording = false
	c.ops = nil
	c.dev.mu.Lock()
	c.dev.commandLists--
	c.dev.mu.Unlock()
}

func (c *commandList) Reset() error {
	if c.released {
		return fmt.Errorf("reset: command list %s was released", c.name)
	}
	c.ops = c.ops[:0]
	c.recording = true
	return nil
}

func (c *commandList) Close() error {
	if !c.recording {
		return fmt.Errorf("close: command list %s is not recording", c.name)
	}
	c.recording = false
	return nil
}

func (c *commandList) record(o op) {
	if !c.recording {
		core.LogError("command list %s: command recorded outside Reset/Close", c.name)
		return
	}
	c.ops = append(c.ops, o)
}

func (c *commandList) Barrier(tex rhi.TextureID, before, after metadata.ResourceState) {
	c.record(func(x *executor) error {
		return x.transition(tex, before, after)
	})
}

// UAVBarrier is implicit on a serial queue.
func (c *commandList) UAVBarrier(buf rhi.BufferID) {}

func (c *commandList) SetRenderTargets(color, depth rhi.TextureID) {
	c.record(func(x *executor) error {
		x.color, x.depth = color, depth
		return nil
	})
}

func (c *commandList) ClearColor(tex rhi.TextureID, color math.Vec4) {
	c.record(func(x *executor) error {
		return x.clear(tex, color)
	})
}

func (c *commandList) ClearDepthStencil(tex rhi.TextureID, depth float32, stencil uint32) {
	c.record(func(x *executor) error {
		return x.clear(tex, math.Vec4{X: depth})
	})
}

func (c *commandList) SetViewport(vx, vy, width, height float32) {
	c.record(func(x *executor) error {
		x.viewport = viewport{x: vx, y: vy, width: width, height: height}
		return nil
	})
}

func (c *commandList) SetScissor(sx, sy int32, width, height uint32) {
	c.record(func(x *executor) error {
		x.scissor = scissor{x: sx, y: sy, width: int32(width), height: int32(height)}
		x.hasScissor = true
		return nil
	})
}

func (c *commandList) SetPipeline(p rhi.PipelineID) {
	c.record(func(x *executor) error {
		pl, err := x.pipeline(p, false)
		x.graphics = pl
		return err
	})
}

func (c *commandList) SetConstantBuffer(slot uint32, buf rhi.BufferID) {
	c.record(func(x *executor) error {
		x.constantBuffers[slot] = buf
		return nil
	})
}

func (c *commandList) SetDescriptorTable(slot uint32, heap rhi.HeapID, base uint32) {
	c.record(func(x *executor) error {
		x.tables[slot] = table{heap: heap, base: base}
		return nil
	})
}

func (c *commandList) SetVertexBuffer(buf rhi.BufferID, stride uint32) {
	c.record(func(x *executor) error {
		x.vertexBuffer, x.vertexStride = buf, stride
		return nil
	})
}

func (c *commandList) SetIndexBuffer(buf rhi.BufferID) {
	c.record(func(x *executor) error {
		x.indexBuffer = buf
		return nil
	})
}

func (c *commandList) DrawIndexed(indexCount, firstIndex uint32, baseVertex int32) {
	c.record(func(x *executor) error {
		return x.drawIndexed(indexCount, firstIndex, baseVertex)
	})
}

func (c *commandList) CopyBuffer(dst rhi.BufferID, dstOffset uint64, src rhi.BufferID, srcOffset, size uint64) {
	c.record(func(x *executor) error {
		return x.copyBuffer(dst, dstOffset, src, srcOffset, size)
	})
}

func (c *commandList) CopyBufferToTexture(dst rhi.TextureID, layer, mip uint32, src rhi.BufferID, srcOffset uint64) {
	c.record(func(x *executor) error {
		return x.copyBufferToTexture(dst, layer, mip, src, srcOffset)
	})
}

func (c *commandList) BuildAccelerationStructure(desc metadata.ASBuildDesc) {
	geometry := append([]metadata.ASTriangleGeometry(nil), desc.Inputs.Geometry...)
	desc.Inputs.Geometry = geometry
	c.record(func(x *executor) error {
		return x.buildAccelerationStructure(desc)
	})
}

func (c *commandList) SetRayTracingPipeline(p rhi.PipelineID) {
	c.record(func(x *executor) error {
		pl, err := x.pipeline(p, true)
		x.rayTracing = pl
		return err
	})
}

func (c *commandList) SetRootConstants(slot uint32, data []uint32) {
	values := append([]uint32(nil), data...)
	c.record(func(x *executor) error {
		x.rootConstants[slot] = values
		return nil
	})
}

func (c *commandList) DispatchRays(desc metadata.DispatchRaysDesc) {
	c.record(func(x *executor) error {
		return x.dispatchRays(desc)
	})
}

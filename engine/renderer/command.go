package renderer

import (
	"fmt"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type drawEntry struct {
	mesh     metadata.MeshHandle
	shader   metadata.ShaderHandle
	material metadata.MaterialDataHandle
}

/**
 * @brief A draw command owns command lists per frame in flight. A command
 * generated several times in one frame takes a fresh list each time, since a
 * list must not be reset while its submission may still run.
 */
type commandRecord struct {
	typ   metadata.CommandType
	lists [][]rhi.CommandList
	used  []int
	open  []bool
}

func (b *Backend) command(h metadata.CommandHandle) (*commandRecord, bool) {
	if !metadata.IsValid(h) || !b.commands.Valid(uint32(h)) {
		return nil, false
	}
	return b.commands.Get(uint32(h)), true
}

// AllocateDrawCommand creates a draw command of the given role.
func (b *Backend) AllocateDrawCommand(typ metadata.CommandType) metadata.CommandHandle {
	cmd := commandRecord{
		typ:   typ,
		lists: make([][]rhi.CommandList, b.framesInFlight),
		used:  make([]int, b.framesInFlight),
		open:  make([]bool, b.framesInFlight),
	}
	for i := range cmd.lists {
		cl, err := b.device.CreateCommandList()
		if err != nil {
			core.LogFatal("failed to create command list: %s", err)
			return metadata.InvalidCommand
		}
		cmd.lists[i] = append(cmd.lists[i], cl)
	}
	id := b.commands.Allocate()
	*b.commands.Get(id) = cmd
	return metadata.CommandHandle(id)
}

// beginCommand returns the open list of h for the current frame, resetting a
// free one when none is open.
func (b *Backend) beginCommand(h metadata.CommandHandle) (rhi.CommandList, error) {
	cmd, ok := b.command(h)
	if !ok {
		core.LogError("invalid draw command %d", h)
		return nil, core.ErrInvalidHandle
	}
	f := b.currentFrame
	if cmd.open[f] {
		return cmd.lists[f][cmd.used[f]-1], nil
	}
	if cmd.used[f] == len(cmd.lists[f]) {
		cl, err := b.device.CreateCommandList()
		if err != nil {
			core.LogFatal("failed to create command list: %s", err)
			return nil, err
		}
		cmd.lists[f] = append(cmd.lists[f], cl)
	}
	cl := cmd.lists[f][cmd.used[f]]
	if err := cl.Reset(); err != nil {
		return nil, err
	}
	cmd.used[f]++
	cmd.open[f] = true
	return cl, nil
}

func (b *Backend) submitCommand(h metadata.CommandHandle) error {
	cmd, ok := b.command(h)
	f := b.currentFrame
	if !ok || !cmd.open[f] {
		return fmt.Errorf("draw command %d is not recording", h)
	}
	cl := cmd.lists[f][cmd.used[f]-1]
	cmd.open[f] = false
	if err := cl.Close(); err != nil {
		return err
	}
	if err := b.device.Submit(cl); err != nil {
		core.LogError("submit of draw command %d failed: %s", h, err)
		return err
	}
	return nil
}

// submitOpenCommands flushes lists left open by a build without a dispatch.
func (b *Backend) submitOpenCommands() error {
	var err error
	b.commands.Each(func(id uint32, cmd *commandRecord) {
		if cmd.open[b.currentFrame] && err == nil {
			err = b.submitCommand(metadata.CommandHandle(id))
		}
	})
	return err
}

// recycleCommands makes every list of the current frame available again.
// The frame fence guarantees none of them still runs.
func (b *Backend) recycleCommands() {
	b.commands.Each(func(_ uint32, cmd *commandRecord) {
		cmd.used[b.currentFrame] = 0
	})
}

// Draw records mesh with the current shader and material.
func (b *Backend) Draw(mesh metadata.MeshHandle) error {
	if _, ok := b.mesh(mesh); !ok {
		core.LogError("draw of invalid mesh %d", mesh)
		return core.ErrInvalidHandle
	}
	if _, ok := b.shader(b.curShader); !ok {
		core.LogError("draw of mesh %d without a shader", mesh)
		return core.ErrInvalidHandle
	}
	b.drawList = append(b.drawList, drawEntry{mesh: mesh, shader: b.curShader, material: b.curMaterial})
	return nil
}

// PendingDraws is the number of draws recorded since the last GenerateDrawCommand.
func (b *Backend) PendingDraws() int {
	return len(b.drawList)
}

// transitionTargets moves the attachments of fb between their steady state
// and the writable state, and returns them.
func (b *Backend) transitionTargets(cl rhi.CommandList, fb *frameBufferRecord, toWrite bool) (color, depth *textureRecord) {
	steady := metadata.ResourceStateGenericRead
	if fb.typ == metadata.FrameBufferTypePresent {
		steady = metadata.ResourceStatePresent
	}
	if t, ok := b.renderBufferTexture(fb.color); ok {
		color = t
		if toWrite {
			cl.Barrier(t.native, steady, metadata.ResourceStateRenderTarget)
		} else {
			cl.Barrier(t.native, metadata.ResourceStateRenderTarget, steady)
		}
	}
	if t, ok := b.renderBufferTexture(fb.depth); ok {
		depth = t
		if toWrite {
			cl.Barrier(t.native, steady, metadata.ResourceStateDepthWrite)
		} else {
			cl.Barrier(t.native, metadata.ResourceStateDepthWrite, steady)
		}
	}
	return color, depth
}

func (b *Backend) clearTargets(cl rhi.CommandList, fb *frameBufferRecord, color, depth *textureRecord) {
	flags := fb.clear.ClearFlags
	if color != nil && flags&metadata.ClearFrameBufferColor != 0 {
		cl.ClearColor(color.native, fb.clear.Color)
	}
	if depth != nil && flags&(metadata.ClearFrameBufferDepth|metadata.ClearFrameBufferStencil) != 0 {
		cl.ClearDepthStencil(depth.native, fb.clear.Depth, fb.clear.Stencil)
	}
}

// viewportRect converts the last SetViewPort request into the device
// convention. A zero sized request covers the whole frame buffer.
func (b *Backend) viewportRect(fb *frameBufferRecord) (x, y int32, width, height uint32) {
	vp := b.viewPort
	if vp.Width == 0 || vp.Height == 0 {
		return 0, 0, fb.width, fb.height
	}
	x, y = vp.XOffset, vp.YOffset
	if b.caps.OriginTopLeft {
		y = int32(fb.height) - int32(vp.Height) - vp.YOffset
	}
	return x, y, vp.Width, vp.Height
}

/**
 * @brief Replays the draws recorded since the last call into the command
 * list of h for the current frame, targeting the current frame buffer, and
 * submits it. The draw list is empty afterwards.
 */
func (b *Backend) GenerateDrawCommand(h metadata.CommandHandle) error {
	defer func() { b.drawList = b.drawList[:0] }()

	fb, ok := b.frameBuffer(b.curFrameBuffer)
	if !ok {
		core.LogError("draw command %d without a frame buffer", h)
		return core.ErrInvalidHandle
	}
	cl, err := b.beginCommand(h)
	if err != nil {
		return err
	}

	color, depth := b.transitionTargets(cl, fb, true)
	colorID, depthID := rhi.InvalidTexture, rhi.InvalidTexture
	if color != nil {
		colorID = color.native
	}
	if depth != nil {
		depthID = depth.native
	}
	cl.SetRenderTargets(colorID, depthID)
	b.clearTargets(cl, fb, color, depth)

	x, y, w, hgt := b.viewportRect(fb)
	cl.SetViewport(float32(x), float32(y), float32(w), float32(hgt))
	cl.SetScissor(x, y, w, hgt)

	for _, e := range b.drawList {
		b.recordDraw(cl, e)
	}

	b.transitionTargets(cl, fb, false)
	return b.submitCommand(h)
}

func (b *Backend) recordDraw(cl rhi.CommandList, e drawEntry) {
	m, ok := b.mesh(e.mesh)
	if !ok {
		core.LogWarn("skipping draw of deleted mesh %d", e.mesh)
		return
	}
	s, ok := b.shader(e.shader)
	if !ok {
		core.LogWarn("skipping draw with deleted shader %d", e.shader)
		return
	}
	f := b.currentFrame
	cl.SetPipeline(s.native)

	if mat, ok := b.material(e.material); ok && mat.setUp {
		if len(mat.constantBuffers) > 0 {
			cl.SetConstantBuffer(metadata.GraphicsRootConstantBuffer, mat.constantBuffers[f])
		}
		if mat.textureCount > 0 {
			if b.dynamicCursor+mat.textureCount > DynamicDescriptorCapacity {
				core.LogError("dynamic descriptor range exhausted, skipping draw of mesh %d", e.mesh)
				return
			}
			heap := b.dynamicHeaps[f]
			b.device.CopyDescriptors(heap, b.dynamicCursor, mat.textureSets[f], 0, mat.textureCount)
			cl.SetDescriptorTable(metadata.GraphicsRootTextureTable, heap, b.dynamicCursor)
			b.dynamicCursor += mat.textureCount
		}
	}

	buf := m.buffersFor(f)
	cl.SetVertexBuffer(buf.vertex, math.VertexSize)
	cl.SetIndexBuffer(buf.index)
	cl.DrawIndexed(buf.indexCount, 0, 0)
}

// DeleteDrawCommand waits for the GPU and releases the lists of h.
func (b *Backend) DeleteDrawCommand(h metadata.CommandHandle) error {
	c, ok := b.command(h)
	if !ok || h == b.clearCommand {
		return core.ErrInvalidHandle
	}
	if err := b.WaitForRenderFinish(); err != nil {
		return err
	}
	c.release()
	b.commands.Destroy(uint32(h))
	return nil
}

func (c *commandRecord) release() {
	for _, frame := range c.lists {
		for _, cl := range frame {
			cl.Release()
		}
	}
	c.lists = nil
}

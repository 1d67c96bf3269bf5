package vulkan

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_IN_RENDER_PASS
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer
	// Command buffer state.
	State VulkanCommandBufferState
}

func NewVulkanCommandBuffer(d *VulkanDevice, pool vk.CommandPool, isPrimary bool) (*VulkanCommandBuffer, error) {
	vCommandBuffer := &VulkanCommandBuffer{
		State: COMMAND_BUFFER_STATE_NOT_ALLOCATED,
	}

	level := vk.CommandBufferLevelSecondary
	if isPrimary {
		level = vk.CommandBufferLevelPrimary
	}

	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		CommandBufferCount: 1,
		Level:              level,
	}

	handles := make([]vk.CommandBuffer, 1)
	err := d.locks.SafeCall(CommandPoolManagement, func() error {
		return d.check("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(d.logicalDevice, &allocateInfo, handles))
	})
	if err != nil {
		err = fmt.Errorf("failed to allocate command buffer: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	vCommandBuffer.Handle = handles[0]
	vCommandBuffer.State = COMMAND_BUFFER_STATE_READY
	return vCommandBuffer, nil
}

func (v *VulkanCommandBuffer) Free(d *VulkanDevice, pool vk.CommandPool) {
	d.locks.SafeCall(CommandPoolManagement, func() error {
		vk.FreeCommandBuffers(d.logicalDevice, pool, 1, []vk.CommandBuffer{v.Handle})
		return nil
	})
	v.Handle = nil
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (v *VulkanCommandBuffer) Begin(isSingleUse, isRenderpassContinue, isSimultaneousUse bool) error {
	vBeginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if isSingleUse {
		vBeginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if isRenderpassContinue {
		vBeginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageRenderPassContinueBit)
	}
	if isSimultaneousUse {
		vBeginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageSimultaneousUseBit)
	}

	if res := vk.BeginCommandBuffer(v.Handle, vBeginInfo); res != vk.Success {
		err := fmt.Errorf("failed to begin command buffer: %w", vulkanError("vkBeginCommandBuffer", res))
		core.LogError(err.Error())
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if res := vk.EndCommandBuffer(v.Handle); res != vk.Success {
		err := fmt.Errorf("failed to end command buffer: %w", vulkanError("vkEndCommandBuffer", res))
		core.LogError(err.Error())
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) UpdateSubmitted() {
	v.State = COMMAND_BUFFER_STATE_SUBMITTED
}

/**
 * Allocates a primary command buffer from pool and begins recording it.
 */
func AllocateAndBeginSingleUse(d *VulkanDevice, pool vk.CommandPool) (*VulkanCommandBuffer, error) {
	cb, err := NewVulkanCommandBuffer(d, pool, true)
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(true, false, false); err != nil {
		cb.Free(d, pool)
		return nil, err
	}
	return cb, nil
}

/**
 * Ends recording, submits to and waits for queue operation and frees the provided command buffer.
 */
func (v *VulkanCommandBuffer) EndSingleUse(d *VulkanDevice, pool vk.CommandPool, queue vk.Queue) error {
	defer v.Free(d, pool)
	if err := v.End(); err != nil {
		return err
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{v.Handle},
	}
	return d.locks.SafeQueueCall(d.queues.GraphicsFamilyIndex, func() error {
		if res := vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submitInfo}, vk.NullFence); res != vk.Success {
			return d.check("vkQueueSubmit", res)
		}
		return d.check("vkQueueWaitIdle", vk.QueueWaitIdle(queue))
	})
}

/**
 * @brief rhi.CommandList over a primary command buffer. Render passes open
 * lazily on the first clear or draw after SetRenderTargets and close on the
 * next barrier, copy, target change or Close. Descriptor sets come from pools
 * owned by the list and are recycled on Reset.
 */
type VulkanCommandList struct {
	*VulkanCommandBuffer
	dev *VulkanDevice

	pools    []vk.DescriptorPool
	poolNext int
	err      error

	color, depth rhi.TextureID
	fb           *VulkanFramebuffer

	pipeline      *pipeline
	pipelineDirty bool
	constants     rhi.BufferID
	tableHeap     rhi.HeapID
	tableBase     uint32
	setsDirty     bool
}

func (d *VulkanDevice) CreateCommandList() (rhi.CommandList, error) {
	cb, err := NewVulkanCommandBuffer(d, d.commandPool, true)
	if err != nil {
		return nil, err
	}
	cl := &VulkanCommandList{
		VulkanCommandBuffer: cb,
		dev:                 d,
		color:               rhi.InvalidTexture,
		depth:               rhi.InvalidTexture,
		constants:           rhi.InvalidBuffer,
		tableHeap:           rhi.InvalidHeap,
	}
	d.mu.Lock()
	d.commandLists = append(d.commandLists, cl)
	d.mu.Unlock()
	return cl, nil
}

func (cl *VulkanCommandList) destroy() {
	for _, p := range cl.pools {
		vk.DestroyDescriptorPool(cl.dev.logicalDevice, p, nil)
	}
	cl.pools = nil
}

// Release frees the command buffer back to the device pool.
func (cl *VulkanCommandList) Release() {
	d := cl.dev
	d.mu.Lock()
	for i, other := range d.commandLists {
		if other == cl {
			d.commandLists = append(d.commandLists[:i], d.commandLists[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	if cl.State == COMMAND_BUFFER_STATE_NOT_ALLOCATED {
		return
	}
	cl.destroy()
	cl.Free(d, d.commandPool)
}

// fail keeps the first recording error; Close returns it.
func (cl *VulkanCommandList) fail(err error) {
	if cl.err == nil {
		cl.err = err
		core.LogError("command list: %s", err)
	}
}

func (cl *VulkanCommandList) Reset() error {
	if cl.State == COMMAND_BUFFER_STATE_RECORDING || cl.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		return fmt.Errorf("reset of a command list that is still recording")
	}
	if res := vk.ResetCommandBuffer(cl.Handle, 0); res != vk.Success {
		return cl.dev.check("vkResetCommandBuffer", res)
	}
	for _, p := range cl.pools {
		if res := vk.ResetDescriptorPool(cl.dev.logicalDevice, p, 0); res != vk.Success {
			return cl.dev.check("vkResetDescriptorPool", res)
		}
	}
	cl.poolNext = 0
	cl.err = nil
	cl.color, cl.depth, cl.fb = rhi.InvalidTexture, rhi.InvalidTexture, nil
	cl.pipeline, cl.pipelineDirty = nil, false
	cl.constants, cl.tableHeap, cl.tableBase = rhi.InvalidBuffer, rhi.InvalidHeap, 0
	cl.setsDirty = false
	return cl.Begin(true, false, false)
}

func (cl *VulkanCommandList) Close() error {
	cl.endPass()
	if err := cl.End(); err != nil {
		return err
	}
	return cl.err
}

func (cl *VulkanCommandList) beginPass() bool {
	if cl.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		return true
	}
	if cl.fb == nil {
		fb, err := cl.dev.framebuffer(cl.color, cl.depth)
		if err != nil {
			cl.fail(err)
			return false
		}
		cl.fb = fb
	}
	beginInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  cl.fb.Renderpass,
		Framebuffer: cl.fb.Handle,
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: 0, Y: 0},
			Extent: vk.Extent2D{Width: cl.fb.Width, Height: cl.fb.Height},
		},
	}
	vk.CmdBeginRenderPass(cl.Handle, &beginInfo, vk.SubpassContentsInline)
	cl.State = COMMAND_BUFFER_STATE_IN_RENDER_PASS
	return true
}

func (cl *VulkanCommandList) endPass() {
	if cl.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		vk.CmdEndRenderPass(cl.Handle)
		cl.State = COMMAND_BUFFER_STATE_RECORDING
	}
}

func (cl *VulkanCommandList) Barrier(tex rhi.TextureID, before, after metadata.ResourceState) {
	cl.endPass()
	t, ok := cl.dev.lookupTexture(tex)
	if !ok {
		cl.fail(fmt.Errorf("barrier on unknown texture %d: %w", tex, core.ErrInvalidHandle))
		return
	}
	depth := t.desc.Format.IsDepth()
	oldLayout := layoutFor(before, depth)
	if t.layout == vk.ImageLayoutUndefined {
		oldLayout = vk.ImageLayoutUndefined
	}
	newLayout := layoutFor(after, depth)
	recordImageBarrier(cl.Handle, t, oldLayout, newLayout)
	t.layout = newLayout
}

func (cl *VulkanCommandList) UAVBarrier(buf rhi.BufferID) {
	cl.endPass()
	barrier := vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: vk.AccessFlags(vk.AccessShaderWriteBit | vk.AccessTransferWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit | vk.AccessTransferReadBit),
	}
	vk.CmdPipelineBarrier(cl.Handle,
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)
}

func (cl *VulkanCommandList) SetRenderTargets(color, depth rhi.TextureID) {
	if color == cl.color && depth == cl.depth && cl.fb != nil {
		return
	}
	cl.endPass()
	cl.color, cl.depth, cl.fb = color, depth, nil
}

func (cl *VulkanCommandList) clearRect() []vk.ClearRect {
	return []vk.ClearRect{{
		Rect: vk.Rect2D{
			Extent: vk.Extent2D{Width: cl.fb.Width, Height: cl.fb.Height},
		},
		BaseArrayLayer: 0,
		LayerCount:     cl.fb.Layers,
	}}
}

func (cl *VulkanCommandList) ClearColor(tex rhi.TextureID, color math.Vec4) {
	cl.clearTarget(tex, false, vk.ClearAttachment{
		AspectMask:      vk.ImageAspectFlags(vk.ImageAspectColorBit),
		ColorAttachment: 0,
		ClearValue:      vk.NewClearValue([]float32{color.X, color.Y, color.Z, color.W}),
	})
}

func (cl *VulkanCommandList) ClearDepthStencil(tex rhi.TextureID, depth float32, stencil uint32) {
	cl.clearTarget(tex, true, vk.ClearAttachment{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectDepthBit),
		ClearValue: vk.NewClearDepthStencil(depth, stencil),
	})
}

// clearTarget clears tex inside a render pass. A texture that is not the
// bound target is cleared through a temporary pass of its own, moving it to
// the attachment layout and back.
func (cl *VulkanCommandList) clearTarget(tex rhi.TextureID, depth bool, attachment vk.ClearAttachment) {
	bound := cl.color
	if depth {
		bound = cl.depth
	}
	if tex == bound && tex != rhi.InvalidTexture {
		if cl.beginPass() {
			vk.CmdClearAttachments(cl.Handle, 1, []vk.ClearAttachment{attachment}, 1, cl.clearRect())
		}
		return
	}

	cl.endPass()
	t, ok := cl.dev.lookupTexture(tex)
	if !ok {
		cl.fail(fmt.Errorf("clear of unknown texture %d: %w", tex, core.ErrInvalidHandle))
		return
	}
	savedColor, savedDepth, savedFB := cl.color, cl.depth, cl.fb
	target := vk.ImageLayoutColorAttachmentOptimal
	cl.color, cl.depth, cl.fb = tex, rhi.InvalidTexture, nil
	if depth {
		target = vk.ImageLayoutDepthStencilAttachmentOptimal
		cl.color, cl.depth = rhi.InvalidTexture, tex
	}

	restore := t.layout
	recordImageBarrier(cl.Handle, t, t.layout, target)
	if cl.beginPass() {
		vk.CmdClearAttachments(cl.Handle, 1, []vk.ClearAttachment{attachment}, 1, cl.clearRect())
		cl.endPass()
	}
	if restore == vk.ImageLayoutUndefined {
		t.layout = target
	} else {
		recordImageBarrier(cl.Handle, t, target, restore)
	}
	cl.color, cl.depth, cl.fb = savedColor, savedDepth, savedFB
}

// SetViewport flips the viewport so clip space Y points up.
func (cl *VulkanCommandList) SetViewport(x, y, width, height float32) {
	vk.CmdSetViewport(cl.Handle, 0, 1, []vk.Viewport{{
		X:        x,
		Y:        y + height,
		Width:    width,
		Height:   -height,
		MinDepth: 0,
		MaxDepth: 1,
	}})
}

func (cl *VulkanCommandList) SetScissor(x, y int32, width, height uint32) {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	vk.CmdSetScissor(cl.Handle, 0, 1, []vk.Rect2D{{
		Offset: vk.Offset2D{X: x, Y: y},
		Extent: vk.Extent2D{Width: width, Height: height},
	}})
}

func (cl *VulkanCommandList) SetPipeline(p rhi.PipelineID) {
	pl, ok := cl.dev.lookupPipeline(p)
	if !ok {
		cl.fail(fmt.Errorf("unknown pipeline %d: %w", p, core.ErrInvalidHandle))
		return
	}
	if pl != cl.pipeline {
		cl.pipeline = pl
		cl.pipelineDirty = true
		cl.setsDirty = true
	}
}

func (cl *VulkanCommandList) SetConstantBuffer(slot uint32, buf rhi.BufferID) {
	if slot != metadata.GraphicsRootConstantBuffer {
		cl.fail(fmt.Errorf("constant buffer bound to slot %d", slot))
		return
	}
	cl.constants = buf
	cl.setsDirty = true
}

func (cl *VulkanCommandList) SetDescriptorTable(slot uint32, heap rhi.HeapID, base uint32) {
	if slot != metadata.GraphicsRootTextureTable {
		cl.fail(fmt.Errorf("descriptor table bound to slot %d", slot))
		return
	}
	cl.tableHeap, cl.tableBase = heap, base
	cl.setsDirty = true
}

func (cl *VulkanCommandList) SetVertexBuffer(buf rhi.BufferID, stride uint32) {
	b, ok := cl.dev.lookupBuffer(buf)
	if !ok {
		cl.fail(fmt.Errorf("unknown vertex buffer %d: %w", buf, core.ErrInvalidHandle))
		return
	}
	if stride != math.VertexSize {
		cl.fail(fmt.Errorf("vertex stride %d does not match the pipeline layout", stride))
		return
	}
	vk.CmdBindVertexBuffers(cl.Handle, 0, 1, []vk.Buffer{b.handle}, []vk.DeviceSize{0})
}

func (cl *VulkanCommandList) SetIndexBuffer(buf rhi.BufferID) {
	b, ok := cl.dev.lookupBuffer(buf)
	if !ok {
		cl.fail(fmt.Errorf("unknown index buffer %d: %w", buf, core.ErrInvalidHandle))
		return
	}
	vk.CmdBindIndexBuffer(cl.Handle, b.handle, 0, vk.IndexTypeUint32)
}

// nextSet allocates a set for layout, growing the list's pools when full.
func (cl *VulkanCommandList) nextSet(layout vk.DescriptorSetLayout) (vk.DescriptorSet, error) {
	for {
		if cl.poolNext == len(cl.pools) {
			pool, err := cl.dev.createDescriptorPool()
			if err != nil {
				return nil, err
			}
			cl.pools = append(cl.pools, pool)
		}
		set, err := cl.dev.allocateSet(cl.pools[cl.poolNext], layout)
		if err == nil {
			return set, nil
		}
		if errors.Is(err, core.ErrDeviceLost) {
			return nil, err
		}
		cl.poolNext++
	}
}

func (cl *VulkanCommandList) bindSets() error {
	p := cl.pipeline
	if p.hasConstants {
		b, ok := cl.dev.lookupBuffer(cl.constants)
		if !ok {
			return fmt.Errorf("pipeline %s drawn without a constant buffer", p.name)
		}
		set, err := cl.nextSet(p.SetLayouts[constantBufferSet])
		if err != nil {
			return err
		}
		cl.dev.writeConstantSet(set, b)
		vk.CmdBindDescriptorSets(cl.Handle, vk.PipelineBindPointGraphics, p.Layout, constantBufferSet, 1, []vk.DescriptorSet{set}, 0, nil)
	}
	if p.textureCount > 0 && cl.tableHeap != rhi.InvalidHeap {
		entries, err := cl.dev.snapshot(cl.tableHeap, cl.tableBase, p.textureCount)
		if err != nil {
			return err
		}
		set, err := cl.nextSet(p.SetLayouts[textureSet])
		if err != nil {
			return err
		}
		cl.dev.writeTextureSet(set, entries)
		vk.CmdBindDescriptorSets(cl.Handle, vk.PipelineBindPointGraphics, p.Layout, textureSet, 1, []vk.DescriptorSet{set}, 0, nil)
	}
	return nil
}

func (cl *VulkanCommandList) DrawIndexed(indexCount, firstIndex uint32, baseVertex int32) {
	if cl.pipeline == nil {
		cl.fail(fmt.Errorf("draw without a pipeline"))
		return
	}
	if !cl.beginPass() {
		return
	}
	if cl.pipelineDirty {
		vk.CmdBindPipeline(cl.Handle, vk.PipelineBindPointGraphics, cl.pipeline.Handle)
		cl.pipelineDirty = false
	}
	if cl.setsDirty {
		if err := cl.bindSets(); err != nil {
			cl.fail(err)
			return
		}
		cl.setsDirty = false
	}
	vk.CmdDrawIndexed(cl.Handle, indexCount, 1, firstIndex, baseVertex, 0)
}

func (cl *VulkanCommandList) CopyBuffer(dst rhi.BufferID, dstOffset uint64, src rhi.BufferID, srcOffset, size uint64) {
	cl.endPass()
	d, ok1 := cl.dev.lookupBuffer(dst)
	s, ok2 := cl.dev.lookupBuffer(src)
	if !ok1 || !ok2 {
		cl.fail(fmt.Errorf("copy between unknown buffers %d <- %d: %w", dst, src, core.ErrInvalidHandle))
		return
	}
	vk.CmdCopyBuffer(cl.Handle, s.handle, d.handle, 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}})
}

func (cl *VulkanCommandList) CopyBufferToTexture(dst rhi.TextureID, layer, mip uint32, src rhi.BufferID, srcOffset uint64) {
	cl.endPass()
	t, ok1 := cl.dev.lookupTexture(dst)
	s, ok2 := cl.dev.lookupBuffer(src)
	if !ok1 || !ok2 {
		cl.fail(fmt.Errorf("copy into unknown texture %d from buffer %d: %w", dst, src, core.ErrInvalidHandle))
		return
	}
	vk.CmdCopyBufferToImage(cl.Handle, s.handle, t.Handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{{
		BufferOffset: vk.DeviceSize(srcOffset),
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     t.aspect,
			MipLevel:       mip,
			BaseArrayLayer: layer,
			LayerCount:     1,
		},
		ImageExtent: vk.Extent3D{
			Width:  metadata.MipExtent(t.Width, mip),
			Height: metadata.MipExtent(t.Height, mip),
			Depth:  1,
		},
	}})
}

func (cl *VulkanCommandList) BuildAccelerationStructure(desc metadata.ASBuildDesc) {
	cl.fail(fmt.Errorf("build acceleration structure: %w", core.ErrUnsupported))
}

func (cl *VulkanCommandList) SetRayTracingPipeline(p rhi.PipelineID) {
	cl.fail(fmt.Errorf("set ray tracing pipeline: %w", core.ErrUnsupported))
}

func (cl *VulkanCommandList) SetRootConstants(slot uint32, data []uint32) {
	cl.fail(fmt.Errorf("root constants: %w", core.ErrUnsupported))
}

func (cl *VulkanCommandList) DispatchRays(desc metadata.DispatchRaysDesc) {
	cl.fail(fmt.Errorf("dispatch rays: %w", core.ErrUnsupported))
}

// Submit queues the lists in one batch on the graphics queue.
func (d *VulkanDevice) Submit(lists ...rhi.CommandList) error {
	if err := d.Err(); err != nil {
		return err
	}
	handles := make([]vk.CommandBuffer, 0, len(lists))
	natives := make([]*VulkanCommandList, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*VulkanCommandList)
		if !ok || cl.dev != d {
			return fmt.Errorf("submit of foreign command list: %w", core.ErrInvalidHandle)
		}
		if cl.State != COMMAND_BUFFER_STATE_RECORDING_ENDED {
			return fmt.Errorf("submit of a command list that is not closed")
		}
		handles = append(handles, cl.Handle)
		natives = append(natives, cl)
	}
	if len(handles) == 0 {
		return nil
	}
	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(handles)),
		PCommandBuffers:    handles,
	}
	err := d.locks.SafeQueueCall(d.queues.GraphicsFamilyIndex, func() error {
		return d.check("vkQueueSubmit", vk.QueueSubmit(d.graphicsQueue, 1, []vk.SubmitInfo{submitInfo}, vk.NullFence))
	})
	if err != nil {
		return err
	}
	for _, cl := range natives {
		cl.UpdateSubmitted()
	}
	return nil
}

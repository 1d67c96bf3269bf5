package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type VulkanImage struct {
	Handle vk.Image
	Memory vk.DeviceMemory
	// View covers every layer and mip for sampling.
	View vk.ImageView
	// TargetView is mip 0 of every layer, set for render and depth targets.
	TargetView vk.ImageView
	Width      uint32
	Height     uint32
}

type texture struct {
	VulkanImage
	desc   metadata.TextureDesc
	format vk.Format
	aspect vk.ImageAspectFlags
	// Layout as of the last recorded barrier. Command lists must be
	// submitted in recording order for this to hold on the GPU.
	layout vk.ImageLayout
}

func vulkanFormat(f metadata.TextureFormat) vk.Format {
	switch f {
	case metadata.TextureFormatR8:
		return vk.FormatR8Unorm
	case metadata.TextureFormatRGBA16F:
		return vk.FormatR16g16b16a16Sfloat
	case metadata.TextureFormatRGBA32F:
		return vk.FormatR32g32b32a32Sfloat
	case metadata.TextureFormatD32F:
		return vk.FormatD32Sfloat
	}
	return vk.FormatR8g8b8a8Unorm
}

func imageUsageFlags(desc metadata.TextureDesc) vk.ImageUsageFlags {
	flags := vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit)
	if desc.Usage&metadata.TextureUsageSampled != 0 {
		flags |= vk.ImageUsageFlags(vk.ImageUsageSampledBit)
	}
	if desc.Usage&metadata.TextureUsageRenderTarget != 0 {
		flags |= vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)
	}
	if desc.Usage&metadata.TextureUsageDepthTarget != 0 {
		flags |= vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit)
	}
	if desc.Usage&metadata.TextureUsageStorage != 0 && !desc.Format.IsDepth() {
		flags |= vk.ImageUsageFlags(vk.ImageUsageStorageBit)
	}
	return flags
}

// layoutFor maps a resource state onto the image layout it implies.
func layoutFor(state metadata.ResourceState, depth bool) vk.ImageLayout {
	switch state {
	case metadata.ResourceStateGenericRead:
		if depth {
			return vk.ImageLayoutDepthStencilReadOnlyOptimal
		}
		return vk.ImageLayoutShaderReadOnlyOptimal
	case metadata.ResourceStateRenderTarget:
		return vk.ImageLayoutColorAttachmentOptimal
	case metadata.ResourceStateDepthWrite:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	case metadata.ResourceStatePresent, metadata.ResourceStateCopySource:
		// Back buffers are offscreen images blitted into the swapchain.
		return vk.ImageLayoutTransferSrcOptimal
	case metadata.ResourceStateCopyDest:
		return vk.ImageLayoutTransferDstOptimal
	}
	return vk.ImageLayoutGeneral
}

func (d *VulkanDevice) createImageView(t *texture, viewType vk.ImageViewType, levels, layers uint32) (vk.ImageView, error) {
	info := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    t.Handle,
		ViewType: viewType,
		Format:   t.format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: t.aspect,
			LevelCount: levels,
			LayerCount: layers,
		},
	}
	var view vk.ImageView
	if res := vk.CreateImageView(d.logicalDevice, &info, nil, &view); res != vk.Success {
		return nil, d.check("vkCreateImageView", res)
	}
	return view, nil
}

func (d *VulkanDevice) newTexture(desc metadata.TextureDesc) (*texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("texture %q: %w", desc.DebugName, core.ErrZeroSizedTexture)
	}
	if desc.Layers == 0 {
		desc.Layers = 1
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	t := &texture{
		VulkanImage: VulkanImage{Width: desc.Width, Height: desc.Height},
		desc:        desc,
		format:      vulkanFormat(desc.Format),
		aspect:      vk.ImageAspectFlags(vk.ImageAspectColorBit),
		layout:      vk.ImageLayoutUndefined,
	}
	if desc.Format.IsDepth() {
		t.aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}

	info := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    t.format,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  1,
		},
		MipLevels:     desc.MipLevels,
		ArrayLayers:   desc.Layers,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         imageUsageFlags(desc),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	if desc.Type == metadata.TextureTypeCube {
		info.Flags = vk.ImageCreateFlags(vk.ImageCreateCubeCompatibleBit)
	}
	if res := vk.CreateImage(d.logicalDevice, &info, nil, &t.Handle); res != vk.Success {
		return nil, d.check("vkCreateImage", res)
	}

	var requirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.logicalDevice, t.Handle, &requirements)
	requirements.Deref()
	memory, err := d.allocate(requirements, memoryCandidates(metadata.MemoryKindDeviceLocal))
	if err != nil {
		d.releaseTexture(t)
		return nil, fmt.Errorf("texture %q: %w", desc.DebugName, err)
	}
	t.Memory = memory
	if res := vk.BindImageMemory(d.logicalDevice, t.Handle, t.Memory, 0); res != vk.Success {
		d.releaseTexture(t)
		return nil, d.check("vkBindImageMemory", res)
	}

	viewType := vk.ImageViewType2d
	switch {
	case desc.Type == metadata.TextureTypeCube:
		viewType = vk.ImageViewTypeCube
	case desc.Layers > 1:
		viewType = vk.ImageViewType2dArray
	}
	if t.View, err = d.createImageView(t, viewType, desc.MipLevels, desc.Layers); err != nil {
		d.releaseTexture(t)
		return nil, err
	}
	if desc.Usage&(metadata.TextureUsageRenderTarget|metadata.TextureUsageDepthTarget) != 0 {
		targetType := vk.ImageViewType2d
		if desc.Layers > 1 {
			targetType = vk.ImageViewType2dArray
		}
		if t.TargetView, err = d.createImageView(t, targetType, 1, desc.Layers); err != nil {
			d.releaseTexture(t)
			return nil, err
		}
	}
	return t, nil
}

func (d *VulkanDevice) releaseTexture(t *texture) {
	if t.TargetView != nil {
		vk.DestroyImageView(d.logicalDevice, t.TargetView, nil)
		t.TargetView = nil
	}
	if t.View != nil {
		vk.DestroyImageView(d.logicalDevice, t.View, nil)
		t.View = nil
	}
	if t.Handle != nil {
		vk.DestroyImage(d.logicalDevice, t.Handle, nil)
		t.Handle = nil
	}
	if t.Memory != nil {
		vk.FreeMemory(d.logicalDevice, t.Memory, nil)
		t.Memory = nil
	}
}

func (d *VulkanDevice) CreateTexture(desc metadata.TextureDesc) (rhi.TextureID, error) {
	t, err := d.newTexture(desc)
	if err != nil {
		core.LogError("failed to create texture: %s", err)
		return rhi.InvalidTexture, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := rhi.TextureID(d.nextID())
	d.textures[id] = t
	return id, nil
}

// DestroyTexture releases the image and every cached framebuffer using it.
func (d *VulkanDevice) DestroyTexture(id rhi.TextureID) {
	d.mu.Lock()
	t, ok := d.textures[id]
	delete(d.textures, id)
	var stale []*VulkanFramebuffer
	for key, fb := range d.framebuffers {
		if key.color == id || key.depth == id {
			stale = append(stale, fb)
			delete(d.framebuffers, key)
		}
	}
	d.mu.Unlock()

	for _, fb := range stale {
		fb.Destroy(d)
	}
	if ok {
		d.releaseTexture(t)
	}
}

func (d *VulkanDevice) lookupTexture(id rhi.TextureID) (*texture, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.textures[id]
	return t, ok
}

func fullRange(t *texture) vk.ImageSubresourceRange {
	return vk.ImageSubresourceRange{
		AspectMask: t.aspect,
		LevelCount: t.desc.MipLevels,
		LayerCount: t.desc.Layers,
	}
}

func imageBarrier(cmd vk.CommandBuffer, image vk.Image, subresource vk.ImageSubresourceRange, oldLayout, newLayout vk.ImageLayout) {
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       vk.AccessFlags(vk.AccessMemoryWriteBit),
		DstAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
		OldLayout:           oldLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image,
		SubresourceRange:    subresource,
	}
	vk.CmdPipelineBarrier(cmd,
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
}

// recordImageBarrier moves every subresource of t from oldLayout to newLayout.
func recordImageBarrier(cmd vk.CommandBuffer, t *texture, oldLayout, newLayout vk.ImageLayout) {
	imageBarrier(cmd, t.Handle, fullRange(t), oldLayout, newLayout)
}

// ReadTexture copies mip 0 of layer into a temporary readback buffer and
// waits for the copy.
func (d *VulkanDevice) ReadTexture(id rhi.TextureID, layer uint32) ([]byte, error) {
	t, ok := d.lookupTexture(id)
	if !ok {
		return nil, fmt.Errorf("read of unknown texture %d: %w", id, core.ErrInvalidHandle)
	}
	if layer >= t.desc.Layers {
		return nil, fmt.Errorf("read of layer %d of texture %q with %d layers", layer, t.desc.DebugName, t.desc.Layers)
	}
	size := t.desc.LayerSize(0)
	staging, err := d.newBuffer(metadata.BufferDesc{
		Size:      size,
		Usage:     metadata.BufferUsageTransferDst,
		Memory:    metadata.MemoryKindReadback,
		DebugName: "texture-readback",
	})
	if err != nil {
		return nil, err
	}
	defer d.releaseBuffer(staging)

	cb, err := AllocateAndBeginSingleUse(d, d.commandPool)
	if err != nil {
		return nil, err
	}
	restore := t.layout
	if restore == vk.ImageLayoutUndefined {
		restore = vk.ImageLayoutTransferSrcOptimal
	}
	recordImageBarrier(cb.Handle, t, t.layout, vk.ImageLayoutTransferSrcOptimal)
	vk.CmdCopyImageToBuffer(cb.Handle, t.Handle, vk.ImageLayoutTransferSrcOptimal, staging.handle, 1, []vk.BufferImageCopy{{
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     t.aspect,
			MipLevel:       0,
			BaseArrayLayer: layer,
			LayerCount:     1,
		},
		ImageExtent: vk.Extent3D{Width: t.Width, Height: t.Height, Depth: 1},
	}})
	if restore != vk.ImageLayoutTransferSrcOptimal {
		recordImageBarrier(cb.Handle, t, vk.ImageLayoutTransferSrcOptimal, restore)
	}
	if err := cb.EndSingleUse(d, d.commandPool, d.graphicsQueue); err != nil {
		return nil, err
	}
	t.layout = restore

	out := make([]byte, size)
	copy(out, staging.mapped)
	return out, nil
}

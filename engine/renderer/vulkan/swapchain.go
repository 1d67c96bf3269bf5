package vulkan

import (
	"fmt"
	"math"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

/**
 * @brief The native swapchain. Frames are rendered into offscreen back
 * buffer textures and blitted into the acquired image on Present, so the
 * number of back buffers is independent of the image count the surface
 * grants.
 */
type VulkanSwapchain struct {
	ImageFormat       vk.SurfaceFormat
	MaxFramesInFlight uint32
	Handle            vk.Swapchain
	ImageCount        uint32
	Images            []vk.Image
	Extent            vk.Extent2D

	// One of each per frame in flight.
	imageAvailable []vk.Semaphore
	renderComplete []vk.Semaphore
	inFlight       []*VulkanFence
	commands       []*VulkanCommandBuffer
	frame          uint32
}

type VulkanSwapchainSupportInfo struct {
	Capabilities vk.SurfaceCapabilities
	Formats      []vk.SurfaceFormat
	PresentModes []vk.PresentMode
}

func querySwapchainSupport(device vk.PhysicalDevice, surface vk.Surface) (VulkanSwapchainSupportInfo, error) {
	var info VulkanSwapchainSupportInfo
	if res := vk.GetPhysicalDeviceSurfaceCapabilities(device, surface, &info.Capabilities); res != vk.Success {
		return info, vulkanError("vkGetPhysicalDeviceSurfaceCapabilitiesKHR", res)
	}
	info.Capabilities.Deref()
	info.Capabilities.CurrentExtent.Deref()
	info.Capabilities.MinImageExtent.Deref()
	info.Capabilities.MaxImageExtent.Deref()

	var formatCount uint32
	if res := vk.GetPhysicalDeviceSurfaceFormats(device, surface, &formatCount, nil); res != vk.Success {
		return info, vulkanError("vkGetPhysicalDeviceSurfaceFormatsKHR", res)
	}
	if formatCount > 0 {
		info.Formats = make([]vk.SurfaceFormat, formatCount)
		if res := vk.GetPhysicalDeviceSurfaceFormats(device, surface, &formatCount, info.Formats); res != vk.Success {
			return info, vulkanError("vkGetPhysicalDeviceSurfaceFormatsKHR", res)
		}
		for i := range info.Formats {
			info.Formats[i].Deref()
		}
	}

	var modeCount uint32
	if res := vk.GetPhysicalDeviceSurfacePresentModes(device, surface, &modeCount, nil); res != vk.Success {
		return info, vulkanError("vkGetPhysicalDeviceSurfacePresentModesKHR", res)
	}
	if modeCount > 0 {
		info.PresentModes = make([]vk.PresentMode, modeCount)
		if res := vk.GetPhysicalDeviceSurfacePresentModes(device, surface, &modeCount, info.PresentModes); res != vk.Success {
			return info, vulkanError("vkGetPhysicalDeviceSurfacePresentModesKHR", res)
		}
	}
	return info, nil
}

func clampUint32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func createSwapchain(d *VulkanDevice, width, height uint32) (*VulkanSwapchain, error) {
	support, err := querySwapchainSupport(d.physicalDevice, d.surface)
	if err != nil {
		return nil, err
	}
	if len(support.Formats) == 0 {
		return nil, fmt.Errorf("surface reports no formats")
	}
	caps := support.Capabilities
	if vk.ImageUsageFlagBits(caps.SupportedUsageFlags)&vk.ImageUsageTransferDstBit == 0 {
		return nil, fmt.Errorf("surface images cannot be transfer destinations")
	}

	swapchain := &VulkanSwapchain{
		MaxFramesInFlight: d.opts.SwapchainImages,
	}

	// Choose a swap surface format.
	swapchain.ImageFormat = support.Formats[0]
	for _, format := range support.Formats {
		if format.Format == vk.FormatB8g8r8a8Unorm && format.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			swapchain.ImageFormat = format
			break
		}
	}

	presentMode := vk.PresentModeFifo
	if !d.opts.VSync {
		for _, mode := range support.PresentModes {
			if mode == vk.PresentModeMailbox {
				presentMode = mode
				break
			}
			if mode == vk.PresentModeImmediate {
				presentMode = mode
			}
		}
	}

	swapchainExtent := vk.Extent2D{Width: width, Height: height}
	if caps.CurrentExtent.Width != math.MaxUint32 {
		swapchainExtent = caps.CurrentExtent
	}
	// Clamp to the value allowed by the GPU.
	swapchainExtent.Width = clampUint32(swapchainExtent.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width)
	swapchainExtent.Height = clampUint32(swapchainExtent.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height)
	swapchain.Extent = swapchainExtent

	imageCount := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}

	swapchainCreateInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          d.surface,
		MinImageCount:    imageCount,
		ImageFormat:      swapchain.ImageFormat.Format,
		ImageColorSpace:  swapchain.ImageFormat.ColorSpace,
		ImageExtent:      swapchainExtent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      presentMode,
		Clipped:          vk.True,
		ImageSharingMode: vk.SharingModeExclusive,
	}
	if d.queues.GraphicsFamilyIndex != d.queues.PresentFamilyIndex {
		swapchainCreateInfo.ImageSharingMode = vk.SharingModeConcurrent
		swapchainCreateInfo.QueueFamilyIndexCount = 2
		swapchainCreateInfo.PQueueFamilyIndices = []uint32{d.queues.GraphicsFamilyIndex, d.queues.PresentFamilyIndex}
	}

	if res := vk.CreateSwapchain(d.logicalDevice, &swapchainCreateInfo, nil, &swapchain.Handle); res != vk.Success {
		err := fmt.Errorf("failed to create swapchain: %w", d.check("vkCreateSwapchainKHR", res))
		core.LogError(err.Error())
		return nil, err
	}

	if res := vk.GetSwapchainImages(d.logicalDevice, swapchain.Handle, &swapchain.ImageCount, nil); res != vk.Success {
		swapchain.Destroy(d)
		return nil, d.check("vkGetSwapchainImagesKHR", res)
	}
	swapchain.Images = make([]vk.Image, swapchain.ImageCount)
	if res := vk.GetSwapchainImages(d.logicalDevice, swapchain.Handle, &swapchain.ImageCount, swapchain.Images); res != vk.Success {
		swapchain.Destroy(d)
		return nil, d.check("vkGetSwapchainImagesKHR", res)
	}

	if err := swapchain.createSyncObjects(d); err != nil {
		swapchain.Destroy(d)
		return nil, err
	}

	core.LogInfo("swapchain created: %dx%d, %d images", swapchainExtent.Width, swapchainExtent.Height, swapchain.ImageCount)
	return swapchain, nil
}

func (vs *VulkanSwapchain) createSyncObjects(d *VulkanDevice) error {
	n := vs.MaxFramesInFlight
	vs.imageAvailable = make([]vk.Semaphore, n)
	vs.renderComplete = make([]vk.Semaphore, n)
	vs.inFlight = make([]*VulkanFence, n)
	vs.commands = make([]*VulkanCommandBuffer, n)

	info := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	for i := uint32(0); i < n; i++ {
		if res := vk.CreateSemaphore(d.logicalDevice, &info, nil, &vs.imageAvailable[i]); res != vk.Success {
			return d.check("vkCreateSemaphore", res)
		}
		if res := vk.CreateSemaphore(d.logicalDevice, &info, nil, &vs.renderComplete[i]); res != vk.Success {
			return d.check("vkCreateSemaphore", res)
		}
		// Signaled so the first wait on each slot returns immediately.
		fence, err := NewFence(d, true)
		if err != nil {
			return err
		}
		vs.inFlight[i] = fence
		cb, err := NewVulkanCommandBuffer(d, d.commandPool, true)
		if err != nil {
			return err
		}
		vs.commands[i] = cb
	}
	return nil
}

func (vs *VulkanSwapchain) Destroy(d *VulkanDevice) {
	vk.DeviceWaitIdle(d.logicalDevice)
	for i := range vs.commands {
		if vs.commands[i] != nil {
			vs.commands[i].Free(d, d.commandPool)
		}
		if vs.inFlight[i] != nil {
			vs.inFlight[i].Destroy(d)
		}
		if vs.imageAvailable[i] != nil {
			vk.DestroySemaphore(d.logicalDevice, vs.imageAvailable[i], nil)
		}
		if vs.renderComplete[i] != nil {
			vk.DestroySemaphore(d.logicalDevice, vs.renderComplete[i], nil)
		}
	}
	vs.commands, vs.inFlight, vs.imageAvailable, vs.renderComplete = nil, nil, nil, nil

	// The images are owned by the swapchain and go with it.
	if vs.Handle != vk.NullSwapchain {
		vk.DestroySwapchain(d.logicalDevice, vs.Handle, nil)
		vs.Handle = vk.NullSwapchain
	}
	vs.Images = nil
}

// recreate rebuilds the native swapchain after it went out of date. Back
// buffers are not touched.
func (d *VulkanDevice) recreateSwapchain() error {
	if d.swapchain != nil {
		d.swapchain.Destroy(d)
		d.swapchain = nil
	}
	sc, err := createSwapchain(d, d.width, d.height)
	if err != nil {
		return err
	}
	d.swapchain = sc
	return nil
}

// blit records the copy of the back buffer src into swapchain image index.
func (vs *VulkanSwapchain) blit(cmd vk.CommandBuffer, src *texture, index uint32) {
	colorRange := vk.ImageSubresourceRange{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LevelCount: 1,
		LayerCount: 1,
	}
	colorLayers := vk.ImageSubresourceLayers{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LayerCount: 1,
	}
	srcLayout := src.layout
	if srcLayout != vk.ImageLayoutTransferSrcOptimal {
		recordImageBarrier(cmd, src, srcLayout, vk.ImageLayoutTransferSrcOptimal)
	}
	dst := vs.Images[index]
	imageBarrier(cmd, dst, colorRange, vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal)
	vk.CmdBlitImage(cmd,
		src.Handle, vk.ImageLayoutTransferSrcOptimal,
		dst, vk.ImageLayoutTransferDstOptimal,
		1, []vk.ImageBlit{{
			SrcSubresource: colorLayers,
			SrcOffsets:     [2]vk.Offset3D{{}, {X: int32(src.Width), Y: int32(src.Height), Z: 1}},
			DstSubresource: colorLayers,
			DstOffsets:     [2]vk.Offset3D{{}, {X: int32(vs.Extent.Width), Y: int32(vs.Extent.Height), Z: 1}},
		}}, vk.FilterLinear)
	imageBarrier(cmd, dst, colorRange, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutPresentSrc)
	switch srcLayout {
	case vk.ImageLayoutTransferSrcOptimal:
	case vk.ImageLayoutUndefined:
		src.layout = vk.ImageLayoutTransferSrcOptimal
	default:
		recordImageBarrier(cmd, src, vk.ImageLayoutTransferSrcOptimal, srcLayout)
	}
}

func (d *VulkanDevice) SwapchainTextures() []rhi.TextureID {
	out := make([]rhi.TextureID, len(d.backBuffers))
	copy(out, d.backBuffers)
	return out
}

func (d *VulkanDevice) CurrentBackBuffer() uint32 {
	return d.backBuffer
}

func (d *VulkanDevice) advanceBackBuffer() {
	d.backBuffer = (d.backBuffer + 1) % uint32(len(d.backBuffers))
}

/**
 * @brief Blits the current back buffer into the next swapchain image and
 * queues it for presentation, then moves to the next back buffer. An out of
 * date swapchain is recreated and the frame is dropped. Without a surface
 * only the back buffer index moves.
 */
func (d *VulkanDevice) Present() error {
	if err := d.Err(); err != nil {
		return err
	}
	defer d.advanceBackBuffer()

	vs := d.swapchain
	if vs == nil {
		return nil
	}
	src, ok := d.lookupTexture(d.backBuffers[d.backBuffer])
	if !ok {
		return fmt.Errorf("present of destroyed back buffer %d: %w", d.backBuffers[d.backBuffer], core.ErrInvalidHandle)
	}

	slot := vs.frame
	if err := vs.inFlight[slot].Wait(d, vk.MaxUint64); err != nil {
		return err
	}

	var imageIndex uint32
	result := vk.AcquireNextImage(d.logicalDevice, vs.Handle, vk.MaxUint64, vs.imageAvailable[slot], vk.NullFence, &imageIndex)
	switch result {
	case vk.Success, vk.Suboptimal:
	case vk.ErrorOutOfDate:
		core.LogDebug("swapchain out of date on acquire, recreating")
		return d.recreateSwapchain()
	default:
		return d.check("vkAcquireNextImageKHR", result)
	}

	if err := vs.inFlight[slot].Reset(d); err != nil {
		return err
	}
	cb := vs.commands[slot]
	if res := vk.ResetCommandBuffer(cb.Handle, 0); res != vk.Success {
		return d.check("vkResetCommandBuffer", res)
	}
	if err := cb.Begin(true, false, false); err != nil {
		return err
	}
	vs.blit(cb.Handle, src, imageIndex)
	if err := cb.End(); err != nil {
		return err
	}

	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   1,
		PWaitSemaphores:      []vk.Semaphore{vs.imageAvailable[slot]},
		PWaitDstStageMask:    []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageTransferBit)},
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{cb.Handle},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{vs.renderComplete[slot]},
	}
	err := d.locks.SafeQueueCall(d.queues.GraphicsFamilyIndex, func() error {
		return d.check("vkQueueSubmit", vk.QueueSubmit(d.graphicsQueue, 1, []vk.SubmitInfo{submitInfo}, vs.inFlight[slot].Handle))
	})
	if err != nil {
		return err
	}
	cb.UpdateSubmitted()

	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{vs.renderComplete[slot]},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{vs.Handle},
		PImageIndices:      []uint32{imageIndex},
	}
	err = d.locks.SafeQueueCall(d.queues.PresentFamilyIndex, func() error {
		result = vk.QueuePresent(d.presentQueue, &presentInfo)
		return nil
	})
	if err != nil {
		return err
	}
	vs.frame = (vs.frame + 1) % vs.MaxFramesInFlight

	switch result {
	case vk.Success:
		return nil
	case vk.ErrorOutOfDate, vk.Suboptimal:
		// Out of date, suboptimal or resized under us.
		return d.recreateSwapchain()
	}
	return d.check("vkQueuePresentKHR", result)
}

/**
 * @brief Recreates the back buffers at the new size, and the native
 * swapchain when presenting to a surface. A zero extent, as reported for a
 * minimized window, is ignored.
 */
func (d *VulkanDevice) ResizeSwapchain(width, height uint32) error {
	if width == 0 || height == 0 {
		core.LogDebug("ignoring swapchain resize to %dx%d", width, height)
		return nil
	}
	if err := d.WaitIdle(); err != nil {
		return err
	}
	d.width, d.height = width, height

	if d.surface != vk.NullSurface {
		if err := d.recreateSwapchain(); err != nil {
			return fmt.Errorf("resize swapchain: %w", err)
		}
	}

	for i, id := range d.backBuffers {
		if id != rhi.InvalidTexture {
			d.DestroyTexture(id)
			d.backBuffers[i] = rhi.InvalidTexture
		}
		tex, err := d.CreateTexture(metadata.TextureDesc{
			Width:  width,
			Height: height,
			Format: metadata.TextureFormatRGBA8,
			Usage: metadata.TextureUsageRenderTarget | metadata.TextureUsageStorage |
				metadata.TextureUsageTransferSrc | metadata.TextureUsageSampled,
			DebugName: fmt.Sprintf("backbuffer-%d", i),
		})
		if err != nil {
			return fmt.Errorf("resize swapchain: %w", err)
		}
		d.backBuffers[i] = tex
	}
	d.backBuffer = 0
	return nil
}

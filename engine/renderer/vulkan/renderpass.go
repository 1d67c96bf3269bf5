package vulkan

import (
	vk "github.com/goki/vulkan"
)

// renderPassKey identifies a cached render pass by attachment formats.
// FormatUndefined marks an absent attachment.
type renderPassKey struct {
	color vk.Format
	depth vk.Format
}

/**
 * @brief Returns the render pass for the given attachment formats, creating it
 * on first use. Attachments load and store their contents: clears are recorded
 * explicitly and layout changes come from barriers, so the pass starts and
 * ends in the attachment layouts.
 */
func (d *VulkanDevice) renderPass(key renderPassKey) (vk.RenderPass, error) {
	d.mu.RLock()
	rp, ok := d.renderPasses[key]
	d.mu.RUnlock()
	if ok {
		return rp, nil
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint: vk.PipelineBindPointGraphics,
	}
	var attachments []vk.AttachmentDescription

	if key.color != vk.FormatUndefined {
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         key.color,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpLoad,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutColorAttachmentOptimal,
			FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
		})
		subpass.ColorAttachmentCount = 1
		subpass.PColorAttachments = []vk.AttachmentReference{{
			Attachment: 0,
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		}}
	}

	if key.depth != vk.FormatUndefined {
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         key.depth,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpLoad,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutDepthStencilAttachmentOptimal,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		})
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(len(attachments) - 1),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}

	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageAllGraphicsBit),
		SrcAccessMask: vk.AccessFlags(vk.AccessMemoryWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit |
			vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit),
	}

	info := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}

	err := d.locks.SafeCall(RenderpassManagement, func() error {
		d.mu.RLock()
		existing, ok := d.renderPasses[key]
		d.mu.RUnlock()
		if ok {
			rp = existing
			return nil
		}
		if res := vk.CreateRenderPass(d.logicalDevice, &info, nil, &rp); res != vk.Success {
			return d.check("vkCreateRenderPass", res)
		}
		d.mu.Lock()
		d.renderPasses[key] = rp
		d.mu.Unlock()
		return nil
	})
	return rp, err
}

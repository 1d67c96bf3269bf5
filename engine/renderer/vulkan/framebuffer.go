package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type framebufferKey struct {
	color rhi.TextureID
	depth rhi.TextureID
}

type VulkanFramebuffer struct {
	Handle      vk.Framebuffer
	Attachments []vk.ImageView
	Renderpass  vk.RenderPass
	Width       uint32
	Height      uint32
	Layers      uint32
}

func FramebufferCreate(d *VulkanDevice, renderpass vk.RenderPass, width, height, layers uint32, attachments []vk.ImageView) (*VulkanFramebuffer, error) {
	outFramebuffer := &VulkanFramebuffer{
		Attachments: append([]vk.ImageView(nil), attachments...),
		Renderpass:  renderpass,
		Width:       width,
		Height:      height,
		Layers:      layers,
	}

	framebufferCreateInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      renderpass,
		AttachmentCount: uint32(len(outFramebuffer.Attachments)),
		PAttachments:    outFramebuffer.Attachments,
		Width:           width,
		Height:          height,
		Layers:          layers,
	}

	var pFramebuffer vk.Framebuffer
	if res := vk.CreateFramebuffer(d.logicalDevice, &framebufferCreateInfo, nil, &pFramebuffer); res != vk.Success {
		err := fmt.Errorf("failed to create framebuffer: %w", d.check("vkCreateFramebuffer", res))
		core.LogError(err.Error())
		return nil, err
	}
	outFramebuffer.Handle = pFramebuffer
	return outFramebuffer, nil
}

func (vfb *VulkanFramebuffer) Destroy(d *VulkanDevice) {
	if vfb.Handle != nil {
		vk.DestroyFramebuffer(d.logicalDevice, vfb.Handle, nil)
	}
	vfb.Attachments = nil
	vfb.Handle = nil
	vfb.Renderpass = nil
}

/**
 * @brief Returns the cached framebuffer of a color and depth target pair.
 * Either may be InvalidTexture, but not both. The extent and layer count come
 * from the first present target.
 */
func (d *VulkanDevice) framebuffer(color, depth rhi.TextureID) (*VulkanFramebuffer, error) {
	key := framebufferKey{color: color, depth: depth}
	d.mu.RLock()
	fb, ok := d.framebuffers[key]
	d.mu.RUnlock()
	if ok {
		return fb, nil
	}

	var (
		rpKey                 = renderPassKey{color: vk.FormatUndefined, depth: vk.FormatUndefined}
		views                 []vk.ImageView
		width, height, layers uint32
	)
	for _, id := range []rhi.TextureID{color, depth} {
		if id == rhi.InvalidTexture {
			continue
		}
		t, ok := d.lookupTexture(id)
		if !ok {
			return nil, fmt.Errorf("framebuffer with unknown texture %d: %w", id, core.ErrInvalidHandle)
		}
		if t.TargetView == nil {
			return nil, fmt.Errorf("texture %q is not a render target", t.desc.DebugName)
		}
		if id == color {
			rpKey.color = t.format
		} else {
			rpKey.depth = t.format
		}
		views = append(views, t.TargetView)
		if width == 0 {
			width, height, layers = t.Width, t.Height, t.desc.Layers
		}
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("framebuffer without attachments")
	}

	rp, err := d.renderPass(rpKey)
	if err != nil {
		return nil, err
	}
	fb, err = FramebufferCreate(d, rp, width, height, layers, views)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.framebuffers[key] = fb
	d.mu.Unlock()
	return fb, nil
}

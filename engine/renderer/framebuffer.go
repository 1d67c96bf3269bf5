package renderer

import (
	"fmt"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

/**
 * @brief A render buffer group: one physical texture per frame in flight, so
 * a frame can render into its copy while an older frame still reads another.
 */
type renderBufferRecord struct {
	textures []metadata.TextureHandle
	format   metadata.TextureFormat
	// Indexed by the swapchain back buffer rather than the frame slot.
	swapchain bool
}

type frameBufferRecord struct {
	typ           metadata.FrameBufferType
	clear         metadata.ClearInfo
	width, height uint32
	followWindow  bool
	color         metadata.RenderBufferHandle
	depth         metadata.RenderBufferHandle
	deleting      bool
}

type attachmentLayout struct {
	hasColor    bool
	colorFormat metadata.TextureFormat
	colorUsage  metadata.TextureUsage
	hasDepth    bool
	depthFormat metadata.TextureFormat
	layers      uint32
}

func frameBufferLayout(typ metadata.FrameBufferType) (attachmentLayout, bool) {
	sampledColor := metadata.TextureUsageRenderTarget | metadata.TextureUsageSampled | metadata.TextureUsageTransferSrc
	switch typ {
	case metadata.FrameBufferTypeNormal:
		return attachmentLayout{hasColor: true, colorFormat: metadata.TextureFormatRGBA8, colorUsage: sampledColor,
			hasDepth: true, depthFormat: metadata.TextureFormatD32F, layers: 1}, true
	case metadata.FrameBufferTypeColor:
		return attachmentLayout{hasColor: true, colorFormat: metadata.TextureFormatRGBA8, colorUsage: sampledColor, layers: 1}, true
	case metadata.FrameBufferTypeHighPrecision:
		return attachmentLayout{hasColor: true, colorFormat: metadata.TextureFormatRGBA32F, colorUsage: sampledColor, layers: 1}, true
	case metadata.FrameBufferTypeShadowMap:
		return attachmentLayout{hasDepth: true, depthFormat: metadata.TextureFormatD32F, layers: 1}, true
	case metadata.FrameBufferTypeShadowCubeMap:
		return attachmentLayout{hasDepth: true, depthFormat: metadata.TextureFormatD32F, layers: 6}, true
	case metadata.FrameBufferTypeRayTracing:
		return attachmentLayout{hasColor: true, colorFormat: metadata.TextureFormatRGBA8,
			colorUsage: sampledColor | metadata.TextureUsageStorage, layers: 1}, true
	case metadata.FrameBufferTypePresent:
		return attachmentLayout{hasColor: true, colorFormat: metadata.TextureFormatRGBA8, layers: 1}, true
	}
	return attachmentLayout{}, false
}

func (b *Backend) frameBuffer(h metadata.FrameBufferHandle) (*frameBufferRecord, bool) {
	if !b.frameBuffers.Valid(uint32(h)) {
		return nil, false
	}
	return b.frameBuffers.Get(uint32(h)), true
}

func (b *Backend) renderBuffer(h metadata.RenderBufferHandle) (*renderBufferRecord, bool) {
	if !metadata.IsValid(h) || !b.renderBuffers.Valid(uint32(h)) {
		return nil, false
	}
	return b.renderBuffers.Get(uint32(h)), true
}

// renderBufferTexture is the copy of rb that the current frame renders into.
func (b *Backend) renderBufferTexture(h metadata.RenderBufferHandle) (*textureRecord, bool) {
	rb, ok := b.renderBuffer(h)
	if !ok {
		return nil, false
	}
	i := b.currentFrame
	if rb.swapchain {
		i = b.device.CurrentBackBuffer()
	}
	return b.texture(rb.textures[i%uint32(len(rb.textures))])
}

/**
 * @brief Creates a frame buffer of the given type.
 * @param typ What attachments the frame buffer has.
 * @param clear How the attachments are cleared when a draw command begins.
 * @param width The width in pixels. 0 together with height 0 follows the window size.
 * @param height The height in pixels.
 */
func (b *Backend) CreateFrameBuffer(typ metadata.FrameBufferType, clear metadata.ClearInfo, width, height uint32) (metadata.FrameBufferHandle, error) {
	if typ == metadata.FrameBufferTypePresent {
		return b.presentFrameBuffer, nil
	}
	layout, ok := frameBufferLayout(typ)
	if !ok {
		core.LogError("invalid frame buffer type %d", typ)
		return metadata.InvalidFrameBuffer, core.ErrInvalidFrameBufferType
	}

	fb := frameBufferRecord{
		typ:    typ,
		clear:  clear,
		width:  width,
		height: height,
		color:  metadata.InvalidRenderBuffer,
		depth:  metadata.InvalidRenderBuffer,
	}
	if width == 0 && height == 0 {
		fb.followWindow = true
		fb.width, fb.height = b.width, b.height
	}
	if err := b.createAttachments(&fb, layout); err != nil {
		return metadata.InvalidFrameBuffer, err
	}
	id := b.frameBuffers.Allocate()
	*b.frameBuffers.Get(id) = fb
	core.LogDebug("created %s frame buffer %d (%dx%d)", typ, id, fb.width, fb.height)
	return metadata.FrameBufferHandle(id), nil
}

func (b *Backend) createAttachments(fb *frameBufferRecord, layout attachmentLayout) error {
	var err error
	if layout.hasColor {
		fb.color, err = b.createRenderBuffer(metadata.TextureDesc{
			Width:     fb.width,
			Height:    fb.height,
			Layers:    layout.layers,
			MipLevels: 1,
			Format:    layout.colorFormat,
			Usage:     layout.colorUsage,
			DebugName: fmt.Sprintf("%s-color", fb.typ),
		})
		if err != nil {
			return err
		}
	}
	if layout.hasDepth {
		desc := metadata.TextureDesc{
			Width:     fb.width,
			Height:    fb.height,
			Layers:    layout.layers,
			MipLevels: 1,
			Format:    layout.depthFormat,
			Usage:     metadata.TextureUsageDepthTarget | metadata.TextureUsageSampled | metadata.TextureUsageTransferSrc,
			DebugName: fmt.Sprintf("%s-depth", fb.typ),
		}
		if layout.layers == 6 {
			desc.Type = metadata.TextureTypeCube
		}
		fb.depth, err = b.createRenderBuffer(desc)
	}
	return err
}

func (b *Backend) createRenderBuffer(desc metadata.TextureDesc) (metadata.RenderBufferHandle, error) {
	rb := renderBufferRecord{format: desc.Format}
	for i := uint32(0); i < b.framesInFlight; i++ {
		tex, err := b.createRenderTexture(desc)
		if err != nil {
			for _, t := range rb.textures {
				b.destroyTexture(t)
			}
			return metadata.InvalidRenderBuffer, err
		}
		rb.textures = append(rb.textures, tex)
	}
	id := b.renderBuffers.Allocate()
	*b.renderBuffers.Get(id) = rb
	return metadata.RenderBufferHandle(id), nil
}

func (b *Backend) destroyRenderBuffer(h metadata.RenderBufferHandle) {
	rb, ok := b.renderBuffer(h)
	if !ok {
		return
	}
	for _, t := range rb.textures {
		b.destroyTexture(t)
	}
	b.renderBuffers.Destroy(uint32(h))
}

func (b *Backend) createPresentFrameBuffer() metadata.FrameBufferHandle {
	rb := renderBufferRecord{format: metadata.TextureFormatRGBA8, swapchain: true}
	rbID := b.renderBuffers.Allocate()
	*b.renderBuffers.Get(rbID) = rb

	id := b.frameBuffers.Allocate()
	*b.frameBuffers.Get(id) = frameBufferRecord{
		typ:          metadata.FrameBufferTypePresent,
		clear:        metadata.NewClearInfo(metadata.ClearFrameBufferColor, math.Vec4{W: 1}),
		followWindow: true,
		color:        metadata.RenderBufferHandle(rbID),
		depth:        metadata.InvalidRenderBuffer,
	}
	b.presentFrameBuffer = metadata.FrameBufferHandle(id)
	b.rewrapPresentTargets()
	return b.presentFrameBuffer
}

// rewrapPresentTargets points the present frame buffer at the current swapchain images.
func (b *Backend) rewrapPresentTargets() {
	fb, ok := b.frameBuffer(b.presentFrameBuffer)
	if !ok {
		return
	}
	rb, _ := b.renderBuffer(fb.color)
	for _, t := range rb.textures {
		b.destroyTexture(t)
	}
	rb.textures = rb.textures[:0]
	for _, native := range b.device.SwapchainTextures() {
		rb.textures = append(rb.textures, b.wrapExternalTexture(native))
	}
	fb.width, fb.height = b.width, b.height
}

// resizeFrameBuffer recreates the attachments. The GPU must be idle.
func (b *Backend) resizeFrameBuffer(fb *frameBufferRecord, width, height uint32) {
	if fb.typ == metadata.FrameBufferTypePresent {
		return
	}
	layout, _ := frameBufferLayout(fb.typ)
	b.destroyRenderBuffer(fb.color)
	b.destroyRenderBuffer(fb.depth)
	fb.color, fb.depth = metadata.InvalidRenderBuffer, metadata.InvalidRenderBuffer
	fb.width, fb.height = width, height
	if err := b.createAttachments(fb, layout); err != nil {
		core.LogFatal("failed to recreate %s frame buffer: %s", fb.typ, err)
	}
}

// SwitchFrameBuffer makes fbo the target of the following draw commands.
func (b *Backend) SwitchFrameBuffer(fbo metadata.FrameBufferHandle) error {
	if _, ok := b.frameBuffer(fbo); !ok {
		core.LogError("switch to invalid frame buffer %d", fbo)
		return core.ErrInvalidHandle
	}
	b.curFrameBuffer = fbo
	return nil
}

func (b *Backend) CurrentFrameBuffer() metadata.FrameBufferHandle {
	return b.curFrameBuffer
}

/**
 * @brief Sets the viewport of the following draw commands. The origin is the
 * bottom-left corner of the frame buffer. A zero size covers the whole target.
 */
func (b *Backend) SetViewPort(width, height uint32, xOffset, yOffset int32) {
	b.viewPort = metadata.ViewPortInfo{Width: width, Height: height, XOffset: xOffset, YOffset: yOffset}
}

// FrameBufferColorBuffer returns the render buffer group of the color attachment.
func (b *Backend) FrameBufferColorBuffer(fbo metadata.FrameBufferHandle) metadata.RenderBufferHandle {
	if fb, ok := b.frameBuffer(fbo); ok {
		return fb.color
	}
	return metadata.InvalidRenderBuffer
}

func (b *Backend) FrameBufferDepthBuffer(fbo metadata.FrameBufferHandle) metadata.RenderBufferHandle {
	if fb, ok := b.frameBuffer(fbo); ok {
		return fb.depth
	}
	return metadata.InvalidRenderBuffer
}

func (b *Backend) FrameBufferSize(fbo metadata.FrameBufferHandle) (uint32, uint32) {
	if fb, ok := b.frameBuffer(fbo); ok {
		return fb.width, fb.height
	}
	return 0, 0
}

// ReadFrameBufferColor waits for the GPU and returns layer 0 of the color
// attachment copy of the current frame.
func (b *Backend) ReadFrameBufferColor(fbo metadata.FrameBufferHandle) ([]byte, error) {
	return b.readAttachment(fbo, false)
}

func (b *Backend) ReadFrameBufferDepth(fbo metadata.FrameBufferHandle) ([]byte, error) {
	return b.readAttachment(fbo, true)
}

func (b *Backend) readAttachment(fbo metadata.FrameBufferHandle, depth bool) ([]byte, error) {
	fb, ok := b.frameBuffer(fbo)
	if !ok {
		return nil, core.ErrInvalidHandle
	}
	rb := fb.color
	if depth {
		rb = fb.depth
	}
	t, ok := b.renderBufferTexture(rb)
	if !ok {
		return nil, fmt.Errorf("%s frame buffer has no such attachment: %w", fb.typ, core.ErrInvalidHandle)
	}
	return b.device.ReadTexture(t.native, 0)
}

// ClearFrameBuffer clears the current frame buffer with its clear info
// outside of a draw command.
func (b *Backend) ClearFrameBuffer() error {
	fb, ok := b.frameBuffer(b.curFrameBuffer)
	if !ok {
		return core.ErrInvalidHandle
	}
	cl, err := b.beginCommand(b.clearCommand)
	if err != nil {
		return err
	}
	color, depth := b.transitionTargets(cl, fb, true)
	b.clearTargets(cl, fb, color, depth)
	b.transitionTargets(cl, fb, false)
	return b.submitCommand(b.clearCommand)
}

// DeleteFrameBuffer releases the frame buffer and its render buffer groups.
func (b *Backend) DeleteFrameBuffer(fbo metadata.FrameBufferHandle) {
	fb, ok := b.frameBuffer(fbo)
	if !ok || fb.deleting || fbo == b.presentFrameBuffer {
		core.LogWarn("delete of invalid frame buffer %d", fbo)
		return
	}
	fb.deleting = true
	if b.curFrameBuffer == fbo {
		b.curFrameBuffer = b.presentFrameBuffer
	}
	b.scheduleDeletion(deleteFrameBuffer, uint32(fbo))
}

func (b *Backend) destroyFrameBuffer(fbo metadata.FrameBufferHandle) {
	fb, ok := b.frameBuffer(fbo)
	if !ok {
		return
	}
	b.destroyRenderBuffer(fb.color)
	b.destroyRenderBuffer(fb.depth)
	b.frameBuffers.Destroy(uint32(fbo))
}

package renderer

import (
	"fmt"
	"path/filepath"

	"github.com/spaghettifunk/anima-rhi/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type textureRecord struct {
	native rhi.TextureID
	desc   metadata.TextureDesc
	state  metadata.ResourceState
	// Owned by the swapchain, never destroyed by the backend.
	external bool
	deleting bool
}

func (b *Backend) texture(h metadata.TextureHandle) (*textureRecord, bool) {
	if !b.textures.Valid(uint32(h)) {
		return nil, false
	}
	return b.textures.Get(uint32(h)), true
}

func (b *Backend) resolvePath(path string) string {
	if filepath.IsAbs(path) || b.opts.AssetRoot == "" {
		return path
	}
	return filepath.Join(b.opts.AssetRoot, path)
}

/**
 * @brief Loads an image file into a sampled texture with a full mip chain.
 * @returns The handle plus the width and height of the image.
 */
func (b *Backend) CreateTexture(path string) (metadata.TextureHandle, uint32, uint32, error) {
	img, err := loaders.LoadImage(b.resolvePath(path), loaders.ImageOptions{FlipY: true, GenerateMips: true})
	if err != nil {
		core.LogError("failed to load texture %s: %s", path, err)
		return metadata.InvalidTexture, 0, 0, err
	}
	h, err := b.CreateTextureFromPixels(img.Width, img.Height, metadata.TextureFormatRGBA8, img.Mips, filepath.Base(path))
	return h, img.Width, img.Height, err
}

/**
 * @brief Uploads ready made pixel data. mips[0] is the full size level; each
 * following entry is the next smaller level.
 */
func (b *Backend) CreateTextureFromPixels(width, height uint32, format metadata.TextureFormat, mips [][]byte, name string) (metadata.TextureHandle, error) {
	desc := metadata.TextureDesc{
		Width:     width,
		Height:    height,
		Layers:    1,
		MipLevels: uint32(max(len(mips), 1)),
		Format:    format,
		Usage:     metadata.TextureUsageSampled | metadata.TextureUsageTransferDst,
		Type:      metadata.TextureType2d,
		DebugName: name,
	}
	return b.createSampledTexture(desc, [][][]byte{mips})
}

/**
 * @brief Loads six face images into a cube texture, in the order +X, -X,
 * +Y, -Y, +Z, -Z.
 */
func (b *Backend) CreateCubeMap(faces [6]string) (metadata.TextureHandle, error) {
	var paths [6]string
	for i, f := range faces {
		paths[i] = b.resolvePath(f)
	}
	images, err := loaders.LoadCubeFaces(paths)
	if err != nil {
		core.LogError("failed to load cube map %s: %s", faces[0], err)
		return metadata.InvalidTexture, err
	}
	layers := make([][][]byte, 6)
	for i, img := range images {
		if img.Width != images[0].Width || img.Height != images[0].Height {
			err := fmt.Errorf("cube face %s is %dx%d, expected %dx%d", faces[i], img.Width, img.Height, images[0].Width, images[0].Height)
			core.LogError("%s", err)
			return metadata.InvalidTexture, err
		}
		layers[i] = img.Mips[:1]
	}
	return b.createSampledTexture(metadata.TextureDesc{
		Width:     images[0].Width,
		Height:    images[0].Height,
		Layers:    6,
		MipLevels: 1,
		Format:    metadata.TextureFormatRGBA8,
		Usage:     metadata.TextureUsageSampled | metadata.TextureUsageTransferDst,
		Type:      metadata.TextureTypeCube,
		DebugName: filepath.Base(faces[0]),
	}, layers)
}

/**
 * @brief Creates a single channel texture holding one glyph bitmap. Zero
 * sized glyphs (spaces) have no texture; they yield InvalidTexture.
 */
func (b *Backend) GenerateTextTexture(width, height uint32, data []byte) metadata.TextureHandle {
	if width == 0 || height == 0 {
		core.LogWarn("skipping zero sized text texture (%dx%d)", width, height)
		return metadata.InvalidTexture
	}
	h, err := b.createSampledTexture(metadata.TextureDesc{
		Width:     width,
		Height:    height,
		Layers:    1,
		MipLevels: 1,
		Format:    metadata.TextureFormatR8,
		Usage:     metadata.TextureUsageSampled | metadata.TextureUsageTransferDst,
		Type:      metadata.TextureType2d,
		DebugName: core.NewDebugName("glyph"),
	}, [][][]byte{{data}})
	if err != nil {
		return metadata.InvalidTexture
	}
	return h
}

// createSampledTexture uploads layers[layer][mip] through one staging buffer.
func (b *Backend) createSampledTexture(desc metadata.TextureDesc, layers [][][]byte) (metadata.TextureHandle, error) {
	native, err := b.device.CreateTexture(desc)
	if err != nil {
		core.LogFatal("failed to create texture %s: %s", desc.DebugName, err)
		return metadata.InvalidTexture, err
	}

	var staging []byte
	type region struct {
		layer, mip uint32
		offset     uint64
	}
	var regions []region
	for layer, mips := range layers {
		for mip, pixels := range mips {
			want := desc.LayerSize(uint32(mip))
			if uint64(len(pixels)) < want {
				b.device.DestroyTexture(native)
				return metadata.InvalidTexture, fmt.Errorf("texture %s: level %d/%d has %d bytes, expected %d", desc.DebugName, layer, mip, len(pixels), want)
			}
			regions = append(regions, region{uint32(layer), uint32(mip), uint64(len(staging))})
			staging = append(staging, pixels[:want]...)
		}
	}

	if len(regions) > 0 {
		src, err := b.uploadBuffer(staging, 0, "texture-staging")
		if err != nil {
			b.device.DestroyTexture(native)
			core.LogFatal("failed to create staging buffer for %s: %s", desc.DebugName, err)
			return metadata.InvalidTexture, err
		}
		err = b.immediateExecute(func(cl rhi.CommandList) {
			cl.Barrier(native, metadata.ResourceStateCommon, metadata.ResourceStateCopyDest)
			for _, r := range regions {
				cl.CopyBufferToTexture(native, r.layer, r.mip, src, r.offset)
			}
			cl.Barrier(native, metadata.ResourceStateCopyDest, metadata.ResourceStateGenericRead)
		})
		b.device.DestroyBuffer(src)
		if err != nil {
			b.device.DestroyTexture(native)
			core.LogFatal("failed to upload texture %s: %s", desc.DebugName, err)
			return metadata.InvalidTexture, err
		}
	}

	id := b.textures.Allocate()
	*b.textures.Get(id) = textureRecord{native: native, desc: desc, state: metadata.ResourceStateGenericRead}
	return metadata.TextureHandle(id), nil
}

// createRenderTexture allocates a texture slot for a frame buffer attachment.
func (b *Backend) createRenderTexture(desc metadata.TextureDesc) (metadata.TextureHandle, error) {
	native, err := b.device.CreateTexture(desc)
	if err != nil {
		core.LogFatal("failed to create render texture %s: %s", desc.DebugName, err)
		return metadata.InvalidTexture, err
	}
	id := b.textures.Allocate()
	*b.textures.Get(id) = textureRecord{native: native, desc: desc, state: metadata.ResourceStateGenericRead}
	return metadata.TextureHandle(id), nil
}

// wrapExternalTexture exposes a swapchain image through a texture slot.
func (b *Backend) wrapExternalTexture(native rhi.TextureID) metadata.TextureHandle {
	id := b.textures.Allocate()
	*b.textures.Get(id) = textureRecord{native: native, state: metadata.ResourceStatePresent, external: true}
	return metadata.TextureHandle(id)
}

// TextureSize returns the size of mip 0.
func (b *Backend) TextureSize(h metadata.TextureHandle) (uint32, uint32, bool) {
	t, ok := b.texture(h)
	if !ok {
		return 0, 0, false
	}
	return t.desc.Width, t.desc.Height, true
}

// DeleteTexture releases the texture once no frame in flight can use it.
func (b *Backend) DeleteTexture(h metadata.TextureHandle) {
	t, ok := b.texture(h)
	if !ok || t.deleting {
		core.LogWarn("delete of invalid texture %d", h)
		return
	}
	t.deleting = true
	b.scheduleDeletion(deleteTexture, uint32(h))
}

func (b *Backend) destroyTexture(h metadata.TextureHandle) {
	t, ok := b.texture(h)
	if !ok {
		return
	}
	if !t.external {
		b.device.DestroyTexture(t.native)
	}
	b.textures.Destroy(uint32(h))
}

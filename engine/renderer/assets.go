package renderer

import (
	"github.com/spaghettifunk/anima-rhi/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

/**
 * @brief Uploads every glyph of an atlas as its own text texture. Glyphs
 * without pixels (spaces) are left out of the result.
 */
func (b *Backend) UploadGlyphAtlas(atlas *loaders.GlyphAtlas) map[rune]metadata.TextureHandle {
	out := make(map[rune]metadata.TextureHandle, len(atlas.Glyphs))
	for r, g := range atlas.Glyphs {
		if g.Width == 0 || g.Height == 0 {
			continue
		}
		if h := b.GenerateTextTexture(g.Width, g.Height, g.Bitmap); metadata.IsValid(h) {
			out[r] = h
		}
	}
	core.LogDebug("uploaded %d glyphs of %s", len(out), atlas.Face)
	return out
}

// LoadModel reads an OBJ file into one static mesh per object.
func (b *Backend) LoadModel(path string) ([]metadata.MeshHandle, error) {
	meshes, err := loaders.LoadOBJ(b.resolvePath(path))
	if err != nil {
		core.LogError("failed to load model %s: %s", path, err)
		return nil, err
	}
	handles := make([]metadata.MeshHandle, 0, len(meshes))
	for _, m := range meshes {
		h, err := b.SetUpStaticMesh(m.Vertices, m.Indices)
		if err != nil {
			for _, done := range handles {
				b.DeleteMesh(done)
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

/**
 * @brief Reads a material file, uploads the textures it names and sets the
 * material up for shader. Returns the parsed file as well so the caller can
 * check which shader it was written for.
 */
func (b *Backend) LoadMaterial(path string, shader metadata.ShaderHandle) (metadata.MaterialDataHandle, *loaders.MaterialConfig, error) {
	cfg, err := loaders.LoadMaterial(b.resolvePath(path))
	if err != nil {
		core.LogError("failed to load material %s: %s", path, err)
		return metadata.InvalidMaterialData, nil, err
	}
	var created []metadata.TextureHandle
	release := func() {
		for _, t := range created {
			b.DeleteTexture(t)
		}
	}
	for name, file := range cfg.Textures {
		tex, _, _, err := b.CreateTexture(file)
		if err != nil {
			release()
			return metadata.InvalidMaterialData, nil, err
		}
		cfg.Values.Textures[name] = tex
		created = append(created, tex)
	}
	for name, faces := range cfg.CubeMaps {
		tex, err := b.CreateCubeMap(faces)
		if err != nil {
			release()
			return metadata.InvalidMaterialData, nil, err
		}
		cfg.Values.CubeMaps[name] = tex
		created = append(created, tex)
	}

	h := b.CreateMaterialData()
	if err := b.SetUpMaterial(h, shader, cfg.Values); err != nil {
		b.DeleteMaterialData(h)
		release()
		return metadata.InvalidMaterialData, nil, err
	}
	return h, cfg, nil
}

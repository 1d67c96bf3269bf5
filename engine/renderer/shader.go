package renderer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spaghettifunk/anima-rhi/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type shaderRecord struct {
	name   string
	info   metadata.ShaderInfo
	code   metadata.ShaderCode
	fbType metadata.FrameBufferType
	native rhi.PipelineID
	// Description file and the files it references. Empty for shaders set up
	// from memory, which cannot be reloaded.
	path     string
	files    []string
	deleting bool
}

func (b *Backend) shader(h metadata.ShaderHandle) (*shaderRecord, bool) {
	if !metadata.IsValid(h) || !b.shaders.Valid(uint32(h)) {
		return nil, false
	}
	return b.shaders.Get(uint32(h)), true
}

func (b *Backend) pipelineDesc(rec *shaderRecord) (metadata.PipelineDesc, error) {
	layout, ok := frameBufferLayout(rec.fbType)
	if !ok {
		return metadata.PipelineDesc{}, core.ErrInvalidFrameBufferType
	}
	return metadata.PipelineDesc{
		Name:        rec.name,
		Info:        rec.info,
		Code:        rec.code,
		ColorFormat: layout.colorFormat,
		HasColor:    layout.hasColor,
		DepthFormat: layout.depthFormat,
		HasDepth:    layout.hasDepth,
		Layers:      layout.layers,
	}, nil
}

/**
 * @brief Creates the native pipeline of a shader rendering into frame buffers
 * of type fbType.
 * @param name The shader name. Devices that run programs on the CPU select
 * the program by this name.
 * @param info The reflection of the compiled stages.
 * @param code The compiled code per stage.
 * @param fbType The type of frame buffer the shader renders into.
 */
func (b *Backend) SetUpShader(name string, info metadata.ShaderInfo, code metadata.ShaderCode, fbType metadata.FrameBufferType) (metadata.ShaderHandle, error) {
	return b.setUpShader(shaderRecord{name: name, info: info, code: code, fbType: fbType})
}

func (b *Backend) setUpShader(rec shaderRecord) (metadata.ShaderHandle, error) {
	for _, dup := range rec.info.DuplicateBaseNames() {
		core.LogWarn("shader %s: property %s is declared by several stages, the vertex stage wins", rec.name, dup)
	}
	desc, err := b.pipelineDesc(&rec)
	if err != nil {
		core.LogError("shader %s: invalid frame buffer type %d", rec.name, rec.fbType)
		return metadata.InvalidShader, err
	}
	rec.native, err = b.device.CreatePipeline(desc)
	if err != nil {
		core.LogFatal("failed to create pipeline for shader %s: %s", rec.name, err)
		return metadata.InvalidShader, err
	}
	id := b.shaders.Allocate()
	*b.shaders.Get(id) = rec
	return metadata.ShaderHandle(id), nil
}

// CompileShader loads a shader description file and its compiled stages.
func (b *Backend) CompileShader(path string, fbType metadata.FrameBufferType) (metadata.ShaderHandle, metadata.ShaderInfo, error) {
	full := b.resolvePath(path)
	src, err := loaders.LoadShader(full)
	if err != nil {
		core.LogFatal("failed to compile shader %s: %s", path, err)
		return metadata.InvalidShader, metadata.ShaderInfo{}, err
	}
	h, err := b.setUpShader(shaderRecord{
		name:   src.Name,
		info:   src.Info,
		code:   src.Code,
		fbType: fbType,
		path:   full,
		files:  src.Files,
	})
	return h, src.Info, err
}

func (b *Backend) ShaderInfo(h metadata.ShaderHandle) (metadata.ShaderInfo, bool) {
	s, ok := b.shader(h)
	if !ok {
		return metadata.ShaderInfo{}, false
	}
	return s.info, true
}

// UseShader selects the shader the following Draw calls record.
func (b *Backend) UseShader(h metadata.ShaderHandle) error {
	if _, ok := b.shader(h); !ok {
		core.LogError("use of invalid shader %d", h)
		return core.ErrInvalidHandle
	}
	b.curShader = h
	return nil
}

// SetRenderState replaces the fixed function state of a shader. The native
// pipeline is rebuilt; the previous one is released once no frame uses it.
func (b *Backend) SetRenderState(h metadata.ShaderHandle, state metadata.ShaderStateSet) error {
	s, ok := b.shader(h)
	if !ok {
		return core.ErrInvalidHandle
	}
	info := s.info
	info.StateSet = state
	return b.replacePipeline(h, info, s.code)
}

func (b *Backend) replacePipeline(h metadata.ShaderHandle, info metadata.ShaderInfo, code metadata.ShaderCode) error {
	s, _ := b.shader(h)
	next := *s
	next.info, next.code = info, code
	desc, err := b.pipelineDesc(&next)
	if err != nil {
		return err
	}
	native, err := b.device.CreatePipeline(desc)
	if err != nil {
		return fmt.Errorf("rebuild pipeline of %s: %w", s.name, err)
	}
	b.deletions.Push(deletion{kind: deleteNativePipeline, native: s.native})
	s.info, s.code, s.native = info, code, native
	return nil
}

// ReloadShader reads the description file of a compiled shader again and
// swaps in the new pipeline. On failure the old pipeline stays in use.
func (b *Backend) ReloadShader(h metadata.ShaderHandle) error {
	s, ok := b.shader(h)
	if !ok {
		return core.ErrInvalidHandle
	}
	if s.path == "" {
		return fmt.Errorf("shader %s was not loaded from disk", s.name)
	}
	src, err := loaders.LoadShader(s.path)
	if err != nil {
		return err
	}
	if err := b.replacePipeline(h, src.Info, src.Code); err != nil {
		return err
	}
	s.files = src.Files
	core.LogInfo("reloaded shader %s", s.name)
	return nil
}

func (b *Backend) onShaderChangedEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	b.reloadMu.Lock()
	b.pendingReloads = append(b.pendingReloads, filepath.Clean(data.Data.C[0]))
	b.reloadMu.Unlock()
	return false
}

func (b *Backend) applyPendingReloads() {
	b.reloadMu.Lock()
	changed := b.pendingReloads
	b.pendingReloads = nil
	b.reloadMu.Unlock()
	if len(changed) == 0 {
		return
	}

	b.shaders.Each(func(id uint32, s *shaderRecord) {
		if s.path == "" || s.deleting || !s.uses(changed) {
			return
		}
		if err := b.ReloadShader(metadata.ShaderHandle(id)); err != nil {
			core.LogError("hot reload of shader %s failed: %s", s.name, err)
		}
	})
}

func (s *shaderRecord) uses(changed []string) bool {
	for _, c := range changed {
		if sameFile(c, s.path) {
			return true
		}
		for _, f := range s.files {
			if sameFile(c, f) {
				return true
			}
		}
	}
	return false
}

func sameFile(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	return a == b || strings.HasSuffix(a, string(filepath.Separator)+b) || strings.HasSuffix(b, string(filepath.Separator)+a)
}

func (b *Backend) DeleteShader(h metadata.ShaderHandle) {
	s, ok := b.shader(h)
	if !ok || s.deleting {
		core.LogWarn("delete of invalid shader %d", h)
		return
	}
	s.deleting = true
	if b.curShader == h {
		b.curShader = metadata.InvalidShader
	}
	b.scheduleDeletion(deleteShader, uint32(h))
}

func (b *Backend) destroyShader(h metadata.ShaderHandle) {
	s, ok := b.shader(h)
	if !ok {
		return
	}
	b.device.DestroyPipeline(s.native)
	b.shaders.Destroy(uint32(h))
}

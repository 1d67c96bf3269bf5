package renderer

import (
	"encoding/binary"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

/**
 * @brief Per frame copies of a material: one constant buffer and one texture
 * set per frame in flight.
 */
type materialRecord struct {
	shader          metadata.ShaderHandle
	constantBuffers []rhi.BufferID
	constants       [][]byte
	textureSets     []rhi.HeapID
	textureCount    uint32
	setUp           bool
	deleting        bool
}

func (b *Backend) material(h metadata.MaterialDataHandle) (*materialRecord, bool) {
	if !metadata.IsValid(h) || !b.materials.Valid(uint32(h)) {
		return nil, false
	}
	return b.materials.Get(uint32(h)), true
}

// CreateMaterialData reserves a material slot. SetUpMaterial fills it.
func (b *Backend) CreateMaterialData() metadata.MaterialDataHandle {
	id := b.materials.Allocate()
	*b.materials.Get(id) = materialRecord{shader: metadata.InvalidShader}
	return metadata.MaterialDataHandle(id)
}

func textureSlots(info *metadata.ShaderInfo) uint32 {
	var n uint32
	for _, stage := range info.TextureStages() {
		for _, p := range stage.TextureProperties {
			n = max(n, p.Binding+1)
		}
	}
	return n
}

/**
 * @brief Creates the per frame constant buffers and texture sets of a
 * material rendered with shader, and writes the initial values into every
 * frame copy.
 */
func (b *Backend) SetUpMaterial(h metadata.MaterialDataHandle, shader metadata.ShaderHandle, values *metadata.MaterialValues) error {
	m, ok := b.material(h)
	if !ok {
		core.LogError("set up of invalid material data %d", h)
		return core.ErrInvalidHandle
	}
	if m.setUp {
		return fmt.Errorf("material data %d is already set up", h)
	}
	s, ok := b.shader(shader)
	if !ok {
		core.LogError("material data %d: invalid shader %d", h, shader)
		return core.ErrInvalidHandle
	}

	size := s.info.ConstantBufferSize()
	if size > 0 {
		size = math.AlignUp(size, max(b.caps.ConstantBufferAlignment, 256))
	}
	m.shader = shader
	m.textureCount = textureSlots(&s.info)
	for i := uint32(0); i < b.framesInFlight; i++ {
		if size > 0 {
			cb, err := b.uploadBuffer(make([]byte, size), metadata.BufferUsageConstant, fmt.Sprintf("material-%d-cb-%d", h, i))
			if err != nil {
				core.LogFatal("failed to create material constant buffer: %s", err)
				return err
			}
			data, _ := b.device.MapBuffer(cb)
			m.constantBuffers = append(m.constantBuffers, cb)
			m.constants = append(m.constants, data)
		}
		if m.textureCount > 0 {
			heap, err := b.device.CreateDescriptorHeap(m.textureCount)
			if err != nil {
				core.LogFatal("failed to create material texture set: %s", err)
				return err
			}
			m.textureSets = append(m.textureSets, heap)
		}
	}
	m.setUp = true

	if values == nil {
		return nil
	}
	for name, tex := range values.Textures {
		_ = b.SetShaderTexture(h, name, tex, true)
	}
	for name, tex := range values.CubeMaps {
		_ = b.SetShaderCubeMap(h, name, tex, true)
	}
	for name, v := range values.Vec2s {
		_ = b.SetShaderVector(h, name, v, true)
	}
	for name, v := range values.Vec3s {
		_ = b.SetShaderVector(h, name, v, true)
	}
	for name, v := range values.Vec4s {
		_ = b.SetShaderVector(h, name, v, true)
	}
	for name, v := range values.Floats {
		_ = b.SetShaderScalar(h, name, v, true)
	}
	for name, v := range values.Ints {
		_ = b.SetShaderScalar(h, name, v, true)
	}
	for name, v := range values.Uints {
		_ = b.SetShaderScalar(h, name, v, true)
	}
	return nil
}

// UseMaterialData selects the material the following Draw calls record.
func (b *Backend) UseMaterialData(h metadata.MaterialDataHandle) error {
	if _, ok := b.material(h); !ok {
		core.LogError("use of invalid material data %d", h)
		return core.ErrInvalidHandle
	}
	b.curMaterial = h
	return nil
}

// constantTargets returns the frame copies a write goes to: all of them, or
// only the one of the current frame.
func (b *Backend) constantTargets(m *materialRecord, allBuffer bool) [][]byte {
	if allBuffer || len(m.constants) == 0 {
		return m.constants
	}
	return m.constants[b.currentFrame : b.currentFrame+1]
}

// materialProperty resolves name through the material's shader, vertex then
// geometry then fragment.
func (b *Backend) materialProperty(h metadata.MaterialDataHandle, name string) (*materialRecord, *metadata.ShaderProperty, error) {
	m, ok := b.material(h)
	if !ok || !m.setUp {
		core.LogError("write of %s to invalid material data %d", name, h)
		return nil, nil, core.ErrInvalidHandle
	}
	s, ok := b.shader(m.shader)
	if !ok {
		return nil, nil, core.ErrInvalidHandle
	}
	prop, ok := s.info.FindBaseProperty(name)
	if !ok {
		core.LogError("no shader property named %s in %s", name, s.name)
		return nil, nil, core.ErrShaderPropertyNotFound
	}
	return m, prop, nil
}

// writeProperty copies payload to element index of prop in every target.
func writeProperty(targets [][]byte, prop *metadata.ShaderProperty, index uint32, payload []byte) error {
	if prop.ArrayLength > 0 && index >= prop.ArrayLength {
		return fmt.Errorf("index %d out of range for %s[%d]", index, prop.Name, prop.ArrayLength)
	}
	if prop.ArrayLength == 0 && index > 0 {
		return fmt.Errorf("%s is not an array", prop.Name)
	}
	offset := int(prop.Offset + prop.ArrayOffset*index)
	for _, t := range targets {
		if offset+len(payload) > len(t) {
			return fmt.Errorf("%s at offset %d overflows the %d byte buffer", prop.Name, offset, len(t))
		}
		copy(t[offset:], payload)
	}
	return nil
}

func (b *Backend) setMaterialValue(h metadata.MaterialDataHandle, name string, index uint32, payload []byte, allBuffer bool) error {
	m, prop, err := b.materialProperty(h, name)
	if err != nil {
		return err
	}
	if err := writeProperty(b.constantTargets(m, allBuffer), prop, index, payload); err != nil {
		core.LogError("write of %s failed: %s", name, err)
		return err
	}
	return nil
}

func encodeFloats(values ...float32) []byte {
	out := make([]byte, 0, len(values)*4)
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math32.Float32bits(v))
	}
	return out
}

// encodeScalar accepts bool, float32, int32, uint32 and int. Bools take 4 bytes.
func encodeScalar(value interface{}) ([]byte, error) {
	out := make([]byte, 4)
	switch v := value.(type) {
	case bool:
		if v {
			binary.LittleEndian.PutUint32(out, 1)
		}
	case float32:
		binary.LittleEndian.PutUint32(out, math32.Float32bits(v))
	case float64:
		binary.LittleEndian.PutUint32(out, math32.Float32bits(float32(v)))
	case int32:
		binary.LittleEndian.PutUint32(out, uint32(v))
	case int:
		binary.LittleEndian.PutUint32(out, uint32(int32(v)))
	case uint32:
		binary.LittleEndian.PutUint32(out, v)
	default:
		return nil, fmt.Errorf("unsupported scalar type %T", value)
	}
	return out, nil
}

// encodeVector accepts Vec2, Vec3 and Vec4.
func encodeVector(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case math.Vec2:
		return encodeFloats(v.X, v.Y), nil
	case math.Vec3:
		return encodeFloats(v.X, v.Y, v.Z), nil
	case math.Vec4:
		return encodeFloats(v.X, v.Y, v.Z, v.W), nil
	}
	return nil, fmt.Errorf("unsupported vector type %T", value)
}

func encodeMatrix(m math.Mat4) []byte {
	cm := m.ColumnMajor()
	return encodeFloats(cm[:]...)
}

/**
 * @brief Writes a scalar shader property.
 * @param allBuffer true writes every frame copy, false only the copy of the current frame.
 */
func (b *Backend) SetShaderScalar(h metadata.MaterialDataHandle, name string, value interface{}, allBuffer bool) error {
	payload, err := encodeScalar(value)
	if err != nil {
		core.LogError("%s: %s", name, err)
		return err
	}
	return b.setMaterialValue(h, name, 0, payload, allBuffer)
}

func (b *Backend) SetShaderVector(h metadata.MaterialDataHandle, name string, value interface{}, allBuffer bool) error {
	return b.SetShaderVectorAt(h, name, value, 0, allBuffer)
}

// SetShaderVectorAt writes element index of a vector array property.
func (b *Backend) SetShaderVectorAt(h metadata.MaterialDataHandle, name string, value interface{}, index uint32, allBuffer bool) error {
	payload, err := encodeVector(value)
	if err != nil {
		core.LogError("%s: %s", name, err)
		return err
	}
	return b.setMaterialValue(h, name, index, payload, allBuffer)
}

// SetShaderVectorArray writes values to the first len(values) elements.
func (b *Backend) SetShaderVectorArray(h metadata.MaterialDataHandle, name string, values []math.Vec4, allBuffer bool) error {
	for i, v := range values {
		if err := b.SetShaderVectorAt(h, name, v, uint32(i), allBuffer); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) SetShaderMatrix(h metadata.MaterialDataHandle, name string, value math.Mat4, allBuffer bool) error {
	return b.setMaterialValue(h, name, 0, encodeMatrix(value), allBuffer)
}

func (b *Backend) SetShaderMatrixAt(h metadata.MaterialDataHandle, name string, value math.Mat4, index uint32, allBuffer bool) error {
	return b.setMaterialValue(h, name, index, encodeMatrix(value), allBuffer)
}

func (b *Backend) SetShaderMatrixArray(h metadata.MaterialDataHandle, name string, values []math.Mat4, allBuffer bool) error {
	for i, v := range values {
		if err := b.SetShaderMatrixAt(h, name, v, uint32(i), allBuffer); err != nil {
			return err
		}
	}
	return nil
}

// SetShaderTexture binds tex to the texture property name. Lookup order is
// fragment, vertex then geometry.
func (b *Backend) SetShaderTexture(h metadata.MaterialDataHandle, name string, tex metadata.TextureHandle, allBuffer bool) error {
	return b.bindMaterialTexture(h, name, func(uint32) metadata.TextureHandle { return tex }, allBuffer)
}

func (b *Backend) SetShaderCubeMap(h metadata.MaterialDataHandle, name string, tex metadata.TextureHandle, allBuffer bool) error {
	return b.SetShaderTexture(h, name, tex, allBuffer)
}

// SetShaderRenderBuffer binds each frame copy of a render buffer group to
// the same frame's texture set.
func (b *Backend) SetShaderRenderBuffer(h metadata.MaterialDataHandle, name string, rb metadata.RenderBufferHandle, allBuffer bool) error {
	group, ok := b.renderBuffer(rb)
	if !ok {
		core.LogError("bind of invalid render buffer %d to %s", rb, name)
		return core.ErrInvalidHandle
	}
	return b.bindMaterialTexture(h, name, func(frame uint32) metadata.TextureHandle {
		return group.textures[frame%uint32(len(group.textures))]
	}, allBuffer)
}

func (b *Backend) bindMaterialTexture(h metadata.MaterialDataHandle, name string, texFor func(frame uint32) metadata.TextureHandle, allBuffer bool) error {
	m, ok := b.material(h)
	if !ok || !m.setUp {
		core.LogError("bind of %s to invalid material data %d", name, h)
		return core.ErrInvalidHandle
	}
	s, ok := b.shader(m.shader)
	if !ok {
		core.LogError("bind of %s to material data %d whose shader was deleted", name, h)
		return core.ErrInvalidHandle
	}
	prop, ok := s.info.FindTextureProperty(name)
	if !ok {
		core.LogError("no texture found named %s in %s", name, s.name)
		return core.ErrTextureBindingNotFound
	}
	kind := metadata.DescriptorKindTextureSRV
	if prop.Type.IsCube() {
		kind = metadata.DescriptorKindCubeSRV
	}

	frames := []uint32{b.currentFrame}
	if allBuffer {
		frames = frames[:0]
		for i := uint32(0); i < b.framesInFlight; i++ {
			frames = append(frames, i)
		}
	}
	for _, frame := range frames {
		t, ok := b.texture(texFor(frame))
		if !ok {
			core.LogError("bind of invalid texture to %s", name)
			return core.ErrInvalidHandle
		}
		b.device.WriteTextureDescriptor(m.textureSets[frame], prop.Binding, t.native, kind)
	}
	return nil
}

// DeleteMaterialData releases the frame copies once no frame uses them.
func (b *Backend) DeleteMaterialData(h metadata.MaterialDataHandle) {
	m, ok := b.material(h)
	if !ok || m.deleting {
		core.LogWarn("delete of invalid material data %d", h)
		return
	}
	m.deleting = true
	if b.curMaterial == h {
		b.curMaterial = metadata.InvalidMaterialData
	}
	b.scheduleDeletion(deleteMaterialData, uint32(h))
}

func (b *Backend) destroyMaterialData(h metadata.MaterialDataHandle) {
	m, ok := b.material(h)
	if !ok {
		return
	}
	for _, cb := range m.constantBuffers {
		b.device.DestroyBuffer(cb)
	}
	for _, heap := range m.textureSets {
		b.device.DestroyDescriptorHeap(heap)
	}
	b.materials.Destroy(uint32(h))
}

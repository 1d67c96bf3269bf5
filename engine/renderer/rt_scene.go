package renderer

import (
	"encoding/binary"
	"fmt"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type rtInstance struct {
	mesh      metadata.MeshHandle
	hitGroup  uint32
	material  metadata.RTMaterialDataHandle
	transform math.Mat4
}

/**
 * @brief Scene state of the ray tracer. The texture tables and the instance
 * list only live for the frame they are pushed in.
 */
type rayTracingState struct {
	pipeline metadata.RTPipelineHandle
	skyBox   metadata.TextureHandle

	textureIndex map[metadata.TextureHandle]uint32
	textures     []metadata.TextureHandle
	cubeIndex    map[metadata.TextureHandle]uint32
	cubeMaps     []metadata.TextureHandle
	instances    []rtInstance
	// A material wrote cube map indices this frame; index 0 is frozen.
	cubesPushed bool

	lastVP       math.Mat4
	hasVP        bool
	accumulation uint32
}

func (s *rayTracingState) reset() {
	s.pipeline = metadata.InvalidRTPipeline
	s.skyBox = metadata.InvalidTexture
	s.clearScene()
}

// clearScene drops what was pushed this frame. The sky box keeps cube map
// index 0.
func (s *rayTracingState) clearScene() {
	s.textureIndex = map[metadata.TextureHandle]uint32{}
	s.textures = s.textures[:0]
	s.cubeIndex = map[metadata.TextureHandle]uint32{}
	s.cubeMaps = s.cubeMaps[:0]
	s.instances = s.instances[:0]
	s.cubesPushed = false
	if metadata.IsValid(s.skyBox) {
		s.cubeIndex[s.skyBox] = 0
		s.cubeMaps = append(s.cubeMaps, s.skyBox)
	}
}

// rtMaterialRecord holds one std430 material record per frame in flight.
type rtMaterialRecord struct {
	pipeline metadata.RTPipelineHandle
	buffers  []rhi.BufferID
	data     [][]byte
	textures map[string]metadata.TextureHandle
	cubeMaps map[string]metadata.TextureHandle
	setUp    bool
	deleting bool
}

func (b *Backend) rtMaterial(h metadata.RTMaterialDataHandle) (*rtMaterialRecord, bool) {
	if !metadata.IsValid(h) || !b.rtMaterials.Valid(uint32(h)) {
		return nil, false
	}
	return b.rtMaterials.Get(uint32(h)), true
}

func (b *Backend) currentRTPipeline() (*rtPipelineRecord, error) {
	p, ok := b.rtPipeline(b.rt.pipeline)
	if !ok {
		core.LogError("no ray tracing pipeline selected")
		return nil, core.ErrInvalidHandle
	}
	return p, nil
}

func (b *Backend) CreateRayTracingMaterialData() metadata.RTMaterialDataHandle {
	id := b.rtMaterials.Allocate()
	*b.rtMaterials.Get(id) = rtMaterialRecord{pipeline: metadata.InvalidRTPipeline}
	return metadata.RTMaterialDataHandle(id)
}

/**
 * @brief Lays values out as the material record of the current ray tracing
 * pipeline. Texture and cube map properties become uint slots holding the
 * index of the texture in the scene tables; they are filled when the material
 * is pushed.
 */
func (b *Backend) SetUpRayTracingMaterialData(h metadata.RTMaterialDataHandle, values *metadata.MaterialValues) error {
	m, ok := b.rtMaterial(h)
	if !ok {
		core.LogError("set up of invalid ray tracing material %d", h)
		return core.ErrInvalidHandle
	}
	if m.setUp {
		return fmt.Errorf("ray tracing material %d is already set up", h)
	}
	p, err := b.currentRTPipeline()
	if err != nil {
		return err
	}

	size := math.AlignUp(max(p.desc.MaterialSize(), 16), 16)
	m.pipeline = b.rt.pipeline
	m.textures = map[string]metadata.TextureHandle{}
	m.cubeMaps = map[string]metadata.TextureHandle{}
	for i := uint32(0); i < b.framesInFlight; i++ {
		buf, err := b.uploadBuffer(make([]byte, size), metadata.BufferUsageStorage, fmt.Sprintf("rt-material-%d-%d", h, i))
		if err != nil {
			core.LogFatal("failed to create ray tracing material buffer: %s", err)
			return err
		}
		data, _ := b.device.MapBuffer(buf)
		m.buffers = append(m.buffers, buf)
		m.data = append(m.data, data)
	}
	m.setUp = true

	if values == nil {
		return nil
	}
	for name, tex := range values.Textures {
		_ = b.SetRayTracingMaterialTexture(h, name, tex)
	}
	for name, tex := range values.CubeMaps {
		_ = b.SetRayTracingMaterialCubeMap(h, name, tex)
	}
	for name, v := range values.Vec2s {
		_ = b.SetRayTracingMaterialVector(h, name, v, true)
	}
	for name, v := range values.Vec3s {
		_ = b.SetRayTracingMaterialVector(h, name, v, true)
	}
	for name, v := range values.Vec4s {
		_ = b.SetRayTracingMaterialVector(h, name, v, true)
	}
	for name, v := range values.Floats {
		_ = b.SetRayTracingMaterialScalar(h, name, v, true)
	}
	for name, v := range values.Ints {
		_ = b.SetRayTracingMaterialScalar(h, name, v, true)
	}
	for name, v := range values.Uints {
		_ = b.SetRayTracingMaterialScalar(h, name, v, true)
	}
	return nil
}

func (b *Backend) rtMaterialProperty(h metadata.RTMaterialDataHandle, name string) (*rtMaterialRecord, *metadata.ShaderProperty, error) {
	m, ok := b.rtMaterial(h)
	if !ok || !m.setUp {
		core.LogError("write of %s to invalid ray tracing material %d", name, h)
		return nil, nil, core.ErrInvalidHandle
	}
	p, ok := b.rtPipeline(m.pipeline)
	if !ok {
		return nil, nil, core.ErrInvalidHandle
	}
	prop, ok := p.desc.FindMaterialProperty(name)
	if !ok {
		core.LogError("no ray tracing material property named %s in %s", name, p.desc.Name)
		return nil, nil, core.ErrShaderPropertyNotFound
	}
	return m, prop, nil
}

func (b *Backend) setRTMaterialValue(h metadata.RTMaterialDataHandle, name string, payload []byte, allBuffer bool) error {
	m, prop, err := b.rtMaterialProperty(h, name)
	if err != nil {
		return err
	}
	targets := m.data
	if !allBuffer {
		targets = m.data[b.currentFrame : b.currentFrame+1]
	}
	if err := writeProperty(targets, prop, 0, payload); err != nil {
		core.LogError("write of %s failed: %s", name, err)
		return err
	}
	return nil
}

func (b *Backend) SetRayTracingMaterialScalar(h metadata.RTMaterialDataHandle, name string, value interface{}, allBuffer bool) error {
	payload, err := encodeScalar(value)
	if err != nil {
		core.LogError("%s: %s", name, err)
		return err
	}
	return b.setRTMaterialValue(h, name, payload, allBuffer)
}

func (b *Backend) SetRayTracingMaterialVector(h metadata.RTMaterialDataHandle, name string, value interface{}, allBuffer bool) error {
	payload, err := encodeVector(value)
	if err != nil {
		core.LogError("%s: %s", name, err)
		return err
	}
	return b.setRTMaterialValue(h, name, payload, allBuffer)
}

func (b *Backend) SetRayTracingMaterialMatrix(h metadata.RTMaterialDataHandle, name string, value math.Mat4, allBuffer bool) error {
	return b.setRTMaterialValue(h, name, encodeMatrix(value), allBuffer)
}

// SetRayTracingMaterialTexture binds tex to the texture slot name.
func (b *Backend) SetRayTracingMaterialTexture(h metadata.RTMaterialDataHandle, name string, tex metadata.TextureHandle) error {
	m, prop, err := b.rtMaterialProperty(h, name)
	if err != nil {
		return err
	}
	if _, ok := b.texture(tex); !ok {
		core.LogError("ray tracing material %d: invalid texture %d for %s", h, tex, name)
		return core.ErrInvalidHandle
	}
	if prop.Type.IsCube() {
		m.cubeMaps[name] = tex
	} else {
		m.textures[name] = tex
	}
	return nil
}

func (b *Backend) SetRayTracingMaterialCubeMap(h metadata.RTMaterialDataHandle, name string, tex metadata.TextureHandle) error {
	return b.SetRayTracingMaterialTexture(h, name, tex)
}

// SetRayTracingSkyBox makes cube the cube map at scene index 0, which miss
// shaders sample. Once a material pushed cube maps in the current frame the
// change applies from the next frame on.
func (b *Backend) SetRayTracingSkyBox(cube metadata.TextureHandle) error {
	if _, ok := b.texture(cube); !ok {
		core.LogError("invalid sky box texture %d", cube)
		return core.ErrInvalidHandle
	}
	b.rt.skyBox = cube
	if b.rt.cubesPushed {
		core.LogWarn("sky box %d set after cube maps were pushed, it applies from the next frame", cube)
		return nil
	}
	if len(b.rt.cubeMaps) > 0 {
		delete(b.rt.cubeIndex, b.rt.cubeMaps[0])
		b.rt.cubeMaps[0] = cube
	} else {
		b.rt.cubeMaps = append(b.rt.cubeMaps, cube)
	}
	b.rt.cubeIndex[cube] = 0
	return nil
}

func (b *Backend) DeleteRayTracingMaterialData(h metadata.RTMaterialDataHandle) {
	m, ok := b.rtMaterial(h)
	if !ok || m.deleting {
		core.LogWarn("delete of invalid ray tracing material %d", h)
		return
	}
	m.deleting = true
	b.scheduleDeletion(deleteRTMaterialData, uint32(h))
}

func (b *Backend) destroyRTMaterialData(h metadata.RTMaterialDataHandle) {
	m, ok := b.rtMaterial(h)
	if !ok {
		return
	}
	for _, buf := range m.buffers {
		b.device.DestroyBuffer(buf)
	}
	b.rtMaterials.Destroy(uint32(h))
}

// sceneIndex returns the index of tex in table, appending it when new. It
// fails when the table already holds limit entries.
func sceneIndex(index map[metadata.TextureHandle]uint32, table *[]metadata.TextureHandle, tex metadata.TextureHandle, limit uint32) (uint32, bool) {
	if i, ok := index[tex]; ok {
		return i, true
	}
	if uint32(len(*table)) >= limit {
		return 0, false
	}
	i := uint32(len(*table))
	*table = append(*table, tex)
	index[tex] = i
	return i, true
}

/**
 * @brief Adds the textures of h to this frame's scene tables and writes
 * their indices into the material's texture slots. A texture already in the
 * tables keeps its index.
 */
func (b *Backend) PushRayTracingMaterialData(h metadata.RTMaterialDataHandle) error {
	m, ok := b.rtMaterial(h)
	if !ok || !m.setUp {
		core.LogError("push of invalid ray tracing material %d", h)
		return core.ErrInvalidHandle
	}
	p, ok := b.rtPipeline(m.pipeline)
	if !ok {
		return core.ErrInvalidHandle
	}
	data := m.data[b.currentFrame]
	write := func(name string, tex metadata.TextureHandle, index map[metadata.TextureHandle]uint32, table *[]metadata.TextureHandle, limit uint32) error {
		prop, ok := p.desc.FindMaterialProperty(name)
		if !ok {
			return core.ErrShaderPropertyNotFound
		}
		i, ok := sceneIndex(index, table, tex, limit)
		if !ok {
			core.LogWarn("scene texture table full (%d entries), %s of material %d not bound", limit, name, h)
			return nil
		}
		binary.LittleEndian.PutUint32(data[prop.Offset:], i)
		return nil
	}
	for name, tex := range m.textures {
		if err := write(name, tex, b.rt.textureIndex, &b.rt.textures, p.desc.SceneTextureNum); err != nil {
			return err
		}
	}
	for name, tex := range m.cubeMaps {
		if err := write(name, tex, b.rt.cubeIndex, &b.rt.cubeMaps, p.desc.SceneCubeMapNum); err != nil {
			return err
		}
		b.rt.cubesPushed = true
	}
	return nil
}

/**
 * @brief Adds an instance of mesh to this frame's scene. The bottom level
 * structure of the mesh is built on first use.
 */
func (b *Backend) PushAccelerationStructure(mesh metadata.MeshHandle, hitGroup uint32, material metadata.RTMaterialDataHandle, transform math.Mat4) error {
	if _, err := b.currentRTPipeline(); err != nil {
		return err
	}
	if err := b.BuildBottomLevelAccelerationStructure(mesh); err != nil {
		return err
	}
	if err := b.PushRayTracingMaterialData(material); err != nil {
		return err
	}
	b.rt.instances = append(b.rt.instances, rtInstance{mesh: mesh, hitGroup: hitGroup, material: material, transform: transform})
	return nil
}

/**
 * @brief Writes this frame's instances and data references, then records the
 * build of the top level structure into cmd. An unchanged instance count
 * refits the previous structure in place.
 */
func (b *Backend) BuildTopLevelAccelerationStructure(cmd metadata.CommandHandle) error {
	p, err := b.currentRTPipeline()
	if err != nil {
		return err
	}
	f := b.currentFrame
	frame := &p.frames[f]

	instances := b.rt.instances
	if limit := b.opts.RayTracing.SceneObjectNum; uint32(len(instances)) > limit {
		core.LogWarn("%d ray tracing instances pushed, only %d fit the scene", len(instances), limit)
		instances = instances[:limit]
	}
	count := uint32(0)
	for _, inst := range instances {
		m, ok := b.mesh(inst.mesh)
		if !ok || !m.blas.built {
			core.LogWarn("skipping ray tracing instance of deleted mesh %d", inst.mesh)
			continue
		}
		mat, ok := b.rtMaterial(inst.material)
		if !ok {
			core.LogWarn("skipping ray tracing instance with deleted material %d", inst.material)
			continue
		}
		desc := metadata.ASInstanceDesc{
			Transform:     inst.transform.RowMajor3x4(),
			InstanceID:    count,
			Mask:          0xFF,
			HitGroupIndex: inst.hitGroup,
			BLASAddress:   m.blas.address,
		}
		desc.Encode(frame.tlas.instanceData[count*metadata.ASInstanceDescSize:])
		ref := metadata.RTDataReference{
			IndexAddress:    b.device.BufferAddress(m.buffers[0].index),
			VertexAddress:   b.device.BufferAddress(m.buffers[0].vertex),
			MaterialAddress: b.device.BufferAddress(mat.buffers[f]),
		}
		ref.Encode(frame.dataRefData[count*metadata.RTDataReferenceSize:])
		count++
	}
	frame.dataRefCount = count

	flags := metadata.ASBuildAllowUpdate | metadata.ASBuildPreferFastTrace
	build := metadata.ASBuildDesc{
		DestAddress:    frame.tlas.resultAddress,
		ScratchAddress: b.device.BufferAddress(frame.tlas.scratch),
	}
	if frame.tlas.built && frame.tlas.instanceCount == count {
		flags |= metadata.ASBuildPerformUpdate
		build.SourceAddress = frame.tlas.resultAddress
	}
	build.Inputs = metadata.ASInputs{
		Type:            metadata.AccelerationStructureTopLevel,
		Flags:           flags,
		InstanceCount:   count,
		InstanceAddress: b.device.BufferAddress(frame.tlas.instances),
	}

	cl, err := b.beginCommand(cmd)
	if err != nil {
		return err
	}
	cl.BuildAccelerationStructure(build)
	cl.UAVBarrier(frame.tlas.result)
	frame.tlas.built = true
	frame.tlas.instanceCount = count
	return nil
}

// accumulate returns how many frames the camera has not moved for.
func (b *Backend) accumulate(vp math.Mat4) uint32 {
	if b.rt.hasVP && b.rt.lastVP.Compare(vp, 0) {
		b.rt.accumulation++
	} else {
		b.rt.accumulation = 0
	}
	b.rt.lastVP, b.rt.hasVP = vp, true
	return b.rt.accumulation
}

/**
 * @brief Traces this frame's scene into the color buffer of the current frame
 * buffer and submits cmd. The scene tables are cleared afterwards.
 */
func (b *Backend) RayTrace(cmd metadata.CommandHandle, constants metadata.RayTracingPipelineConstants) error {
	defer b.rt.clearScene()

	p, err := b.currentRTPipeline()
	if err != nil {
		return err
	}
	fb, ok := b.frameBuffer(b.curFrameBuffer)
	if !ok {
		core.LogError("ray trace without a frame buffer")
		return core.ErrInvalidHandle
	}
	output, ok := b.renderBufferTexture(fb.color)
	if !ok || output.desc.Usage&metadata.TextureUsageStorage == 0 {
		core.LogError("frame buffer %s cannot be a ray tracing target", fb.typ)
		return core.ErrInvalidFrameBufferType
	}
	frame := &p.frames[b.currentFrame]
	if !frame.tlas.built {
		if err := b.BuildTopLevelAccelerationStructure(cmd); err != nil {
			return err
		}
	}

	constants.FrameCount = b.accumulate(constants.VP)
	packed := constants.Pack()
	for i, v := range packed {
		binary.LittleEndian.PutUint32(frame.constantsData[i*4:], v)
	}

	heap := frame.heap
	b.device.WriteTextureDescriptor(heap, metadata.RTHeapOffsetOutputImage, output.native, metadata.DescriptorKindTextureUAV)
	for i, tex := range b.rt.textures {
		if t, ok := b.texture(tex); ok {
			b.device.WriteTextureDescriptor(heap, metadata.RTHeapOffsetTexture2DArray+uint32(i), t.native, metadata.DescriptorKindTextureSRV)
		}
	}
	cubeBase := metadata.RTHeapOffsetTextureCubeArray(p.desc.SceneTextureNum)
	for i, tex := range b.rt.cubeMaps {
		if t, ok := b.texture(tex); ok {
			b.device.WriteTextureDescriptor(heap, cubeBase+uint32(i), t.native, metadata.DescriptorKindCubeSRV)
		}
	}

	cl, err := b.beginCommand(cmd)
	if err != nil {
		return err
	}
	steady := metadata.ResourceStateGenericRead
	if fb.typ == metadata.FrameBufferTypePresent {
		steady = metadata.ResourceStatePresent
	}
	cl.Barrier(output.native, steady, metadata.ResourceStateUnorderedAccess)
	cl.SetRayTracingPipeline(p.native)
	cl.SetRootConstants(metadata.RTRootConstantBuffer, packed)
	cl.DispatchRays(p.dispatchDesc(frame, fb.width, fb.height))
	cl.Barrier(output.native, metadata.ResourceStateUnorderedAccess, steady)
	return b.submitCommand(cmd)
}

// RayTracingSceneTextures returns the flattened texture and cube map tables
// of the current frame.
func (b *Backend) RayTracingSceneTextures() (textures, cubeMaps []metadata.TextureHandle) {
	return append([]metadata.TextureHandle(nil), b.rt.textures...), append([]metadata.TextureHandle(nil), b.rt.cubeMaps...)
}

// RayTracingDataReferences decodes the records written by the last top level
// build of the current frame.
func (b *Backend) RayTracingDataReferences() []metadata.RTDataReference {
	p, ok := b.rtPipeline(b.rt.pipeline)
	if !ok {
		return nil
	}
	frame := &p.frames[b.currentFrame]
	out := make([]metadata.RTDataReference, 0, frame.dataRefCount)
	for i := uint32(0); i < frame.dataRefCount; i++ {
		out = append(out, metadata.DecodeRTDataReference(frame.dataRefData[i*metadata.RTDataReferenceSize:]))
	}
	return out
}

// AccumulatedFrames is the frame count handed to the last dispatch.
func (b *Backend) AccumulatedFrames() uint32 {
	return b.rt.accumulation
}

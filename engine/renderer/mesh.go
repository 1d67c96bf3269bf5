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

// meshBuffers is one vertex and index buffer pair.
type meshBuffers struct {
	vertex      rhi.BufferID
	index       rhi.BufferID
	vertexCount uint32
	indexCount  uint32
	// Persistent mappings of dynamic meshes.
	vertexData []byte
	indexData  []byte
}

type blasRecord struct {
	buffer  rhi.BufferID
	address uint64
	built   bool
}

/**
 * @brief A static mesh owns one device local buffer pair. A dynamic mesh owns
 * one mapped pair per frame in flight, so the caller can rewrite it every
 * frame without touching a copy the GPU still reads.
 */
type meshRecord struct {
	dynamic     bool
	buffers     []meshBuffers
	maxVertices uint32
	maxIndices  uint32
	blas        blasRecord
	deleting    bool
}

func (b *Backend) mesh(h metadata.MeshHandle) (*meshRecord, bool) {
	if !metadata.IsValid(h) || !b.meshes.Valid(uint32(h)) {
		return nil, false
	}
	return b.meshes.Get(uint32(h)), true
}

// buffersFor returns the pair the current frame draws from.
func (m *meshRecord) buffersFor(frame uint32) *meshBuffers {
	if m.dynamic {
		return &m.buffers[frame%uint32(len(m.buffers))]
	}
	return &m.buffers[0]
}

func encodeVertices(vertices []math.Vertex) []byte {
	floats := math.VertexFloatData(vertices)
	out := make([]byte, 0, len(floats)*4)
	for _, f := range floats {
		out = binary.LittleEndian.AppendUint32(out, math32.Float32bits(f))
	}
	return out
}

func encodeIndices(indices []uint32) []byte {
	out := make([]byte, 0, len(indices)*4)
	for _, i := range indices {
		out = binary.LittleEndian.AppendUint32(out, i)
	}
	return out
}

// SetUpStaticMesh uploads vertices and indices into device local memory.
func (b *Backend) SetUpStaticMesh(vertices []math.Vertex, indices []uint32) (metadata.MeshHandle, error) {
	if len(vertices) == 0 || len(indices) == 0 {
		return metadata.InvalidMesh, fmt.Errorf("static mesh needs vertices and indices, got %d and %d", len(vertices), len(indices))
	}
	vb, err := b.createDeviceBuffer(encodeVertices(vertices), metadata.BufferUsageVertex|metadata.BufferUsageStorage, "vertex")
	if err != nil {
		core.LogFatal("failed to create vertex buffer: %s", err)
		return metadata.InvalidMesh, err
	}
	ib, err := b.createDeviceBuffer(encodeIndices(indices), metadata.BufferUsageIndex|metadata.BufferUsageStorage, "index")
	if err != nil {
		b.device.DestroyBuffer(vb)
		core.LogFatal("failed to create index buffer: %s", err)
		return metadata.InvalidMesh, err
	}

	id := b.meshes.Allocate()
	*b.meshes.Get(id) = meshRecord{
		buffers: []meshBuffers{{
			vertex:      vb,
			index:       ib,
			vertexCount: uint32(len(vertices)),
			indexCount:  uint32(len(indices)),
		}},
		maxVertices: uint32(len(vertices)),
		maxIndices:  uint32(len(indices)),
	}
	return metadata.MeshHandle(id), nil
}

// createDeviceBuffer copies data into a new device local buffer through a staging buffer.
func (b *Backend) createDeviceBuffer(data []byte, usage metadata.BufferUsage, kind string) (rhi.BufferID, error) {
	dst, err := b.device.CreateBuffer(metadata.BufferDesc{
		Size:      uint64(len(data)),
		Usage:     usage | metadata.BufferUsageTransferDst,
		Memory:    metadata.MemoryKindDeviceLocal,
		DebugName: core.NewDebugName(kind),
	})
	if err != nil {
		return rhi.InvalidBuffer, err
	}
	src, err := b.uploadBuffer(data, 0, kind+"-staging")
	if err != nil {
		b.device.DestroyBuffer(dst)
		return rhi.InvalidBuffer, err
	}
	defer b.device.DestroyBuffer(src)

	if err := b.immediateExecute(func(cl rhi.CommandList) {
		cl.CopyBuffer(dst, 0, src, 0, uint64(len(data)))
	}); err != nil {
		b.device.DestroyBuffer(dst)
		return rhi.InvalidBuffer, err
	}
	return dst, nil
}

// SetUpDynamicMesh reserves room for maxVertices and maxIndices per frame in flight.
func (b *Backend) SetUpDynamicMesh(maxVertices, maxIndices uint32) (metadata.MeshHandle, error) {
	m := meshRecord{dynamic: true, maxVertices: maxVertices, maxIndices: maxIndices}
	for i := uint32(0); i < b.framesInFlight; i++ {
		vb, err := b.uploadBuffer(make([]byte, maxVertices*math.VertexSize), metadata.BufferUsageVertex, "dynamic-vertex")
		if err != nil {
			core.LogFatal("failed to create dynamic vertex buffer: %s", err)
			return metadata.InvalidMesh, err
		}
		ib, err := b.uploadBuffer(make([]byte, maxIndices*4), metadata.BufferUsageIndex, "dynamic-index")
		if err != nil {
			core.LogFatal("failed to create dynamic index buffer: %s", err)
			return metadata.InvalidMesh, err
		}
		vdata, _ := b.device.MapBuffer(vb)
		idata, _ := b.device.MapBuffer(ib)
		m.buffers = append(m.buffers, meshBuffers{vertex: vb, index: ib, vertexData: vdata, indexData: idata})
	}
	id := b.meshes.Allocate()
	*b.meshes.Get(id) = m
	return metadata.MeshHandle(id), nil
}

// UpdateDynamicMesh rewrites the current frame's copy of a dynamic mesh.
func (b *Backend) UpdateDynamicMesh(h metadata.MeshHandle, vertices []math.Vertex, indices []uint32) error {
	m, ok := b.mesh(h)
	if !ok || !m.dynamic {
		core.LogError("update of invalid dynamic mesh %d", h)
		return core.ErrInvalidHandle
	}
	if uint32(len(vertices)) > m.maxVertices || uint32(len(indices)) > m.maxIndices {
		return fmt.Errorf("dynamic mesh %d holds %d vertices and %d indices, got %d and %d",
			h, m.maxVertices, m.maxIndices, len(vertices), len(indices))
	}
	buf := m.buffersFor(b.currentFrame)
	copy(buf.vertexData, encodeVertices(vertices))
	copy(buf.indexData, encodeIndices(indices))
	buf.vertexCount = uint32(len(vertices))
	buf.indexCount = uint32(len(indices))
	return nil
}

// GenerateParticleMesh creates the unit quad particles are drawn with.
func (b *Backend) GenerateParticleMesh() (metadata.MeshHandle, error) {
	vertices := []math.Vertex{
		{Position: math.NewVec3(0.5, 0.5, 0), Texcoord: math.NewVec2(1, 0)},
		{Position: math.NewVec3(0.5, -0.5, 0), Texcoord: math.NewVec2(1, 1)},
		{Position: math.NewVec3(-0.5, 0.5, 0), Texcoord: math.NewVec2(0, 0)},
		{Position: math.NewVec3(-0.5, -0.5, 0), Texcoord: math.NewVec2(0, 1)},
	}
	indices := []uint32{
		2, 1, 3,
		2, 0, 1,
	}
	return b.SetUpStaticMesh(vertices, indices)
}

// MeshIndexCount is the number of indices the next draw of h issues.
func (b *Backend) MeshIndexCount(h metadata.MeshHandle) uint32 {
	m, ok := b.mesh(h)
	if !ok {
		return 0
	}
	return m.buffersFor(b.currentFrame).indexCount
}

/**
 * @brief Builds the bottom level acceleration structure of a static mesh.
 * Does nothing when it is already built.
 */
func (b *Backend) BuildBottomLevelAccelerationStructure(h metadata.MeshHandle) error {
	if !b.caps.RayTracing {
		core.LogError("device %s does not support ray tracing", b.caps.Name)
		return core.ErrUnsupported
	}
	m, ok := b.mesh(h)
	if !ok || m.dynamic {
		core.LogError("acceleration structure for invalid static mesh %d", h)
		return core.ErrInvalidHandle
	}
	if m.blas.built {
		return nil
	}

	buf := m.buffers[0]
	inputs := metadata.ASInputs{
		Type:  metadata.AccelerationStructureBottomLevel,
		Flags: metadata.ASBuildPreferFastTrace,
		Geometry: []metadata.ASTriangleGeometry{{
			VertexAddress: b.device.BufferAddress(buf.vertex),
			VertexStride:  math.VertexSize,
			VertexCount:   buf.vertexCount,
			IndexAddress:  b.device.BufferAddress(buf.index),
			IndexCount:    buf.indexCount,
			Opaque:        true,
		}},
	}
	sizes := b.device.AccelerationStructureSizes(inputs)
	result, err := b.createASBuffer(sizes.ResultSize, metadata.BufferUsageAccelerationStructure, "blas")
	if err != nil {
		core.LogFatal("failed to create bottom level acceleration structure: %s", err)
		return err
	}
	scratch, err := b.createASBuffer(sizes.ScratchSize, metadata.BufferUsageScratch, "blas-scratch")
	if err != nil {
		b.device.DestroyBuffer(result)
		core.LogFatal("failed to create acceleration structure scratch buffer: %s", err)
		return err
	}
	defer b.device.DestroyBuffer(scratch)

	address := b.device.BufferAddress(result)
	if err := b.immediateExecute(func(cl rhi.CommandList) {
		cl.BuildAccelerationStructure(metadata.ASBuildDesc{
			Inputs:         inputs,
			DestAddress:    address,
			ScratchAddress: b.device.BufferAddress(scratch),
		})
		cl.UAVBarrier(result)
	}); err != nil {
		b.device.DestroyBuffer(result)
		core.LogFatal("failed to build bottom level acceleration structure: %s", err)
		return err
	}
	m.blas = blasRecord{buffer: result, address: address, built: true}
	return nil
}

func (b *Backend) createASBuffer(size uint64, usage metadata.BufferUsage, kind string) (rhi.BufferID, error) {
	align := uint64(max(b.caps.AccelerationStructureAlignment, 1))
	return b.device.CreateBuffer(metadata.BufferDesc{
		Size:      math.AlignUp(max(size, 1), align),
		Usage:     usage | metadata.BufferUsageStorage,
		Memory:    metadata.MemoryKindDeviceLocal,
		DebugName: core.NewDebugName(kind),
	})
}

// DeleteMesh releases the buffers and the acceleration structure of h.
func (b *Backend) DeleteMesh(h metadata.MeshHandle) {
	m, ok := b.mesh(h)
	if !ok || m.deleting {
		core.LogWarn("delete of invalid mesh %d", h)
		return
	}
	m.deleting = true
	b.scheduleDeletion(deleteMesh, uint32(h))
}

func (b *Backend) destroyMesh(h metadata.MeshHandle) {
	m, ok := b.mesh(h)
	if !ok {
		return
	}
	for _, buf := range m.buffers {
		b.device.DestroyBuffer(buf.vertex)
		b.device.DestroyBuffer(buf.index)
	}
	if m.blas.built {
		b.device.DestroyBuffer(m.blas.buffer)
	}
	b.meshes.Destroy(uint32(h))
}

package renderer

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spaghettifunk/anima-rhi/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

/**
 * @brief Byte layout of a shader binding table: raygen, miss and hit group
 * sections of fixed size records, back to back.
 */
type ShaderTableLayout struct {
	RecordSize     uint64
	RayGenOffset   uint64
	RayGenSize     uint64
	MissOffset     uint64
	MissSize       uint64
	HitGroupOffset uint64
	HitGroupSize   uint64
	TotalSize      uint64
}

// ComputeShaderTableLayout lays out a table of rayGen, miss and hitGroup
// records. A record is the shader identifier followed by one descriptor
// address per root parameter.
func ComputeShaderTableLayout(caps metadata.DeviceCapabilities, rayGen, miss, hitGroup int) ShaderTableLayout {
	record := math.AlignUp(uint64(caps.ShaderIdentifierSize+metadata.RTRootArgumentSize), uint64(max(caps.ShaderRecordAlignment, 1)))
	l := ShaderTableLayout{RecordSize: record}
	l.RayGenSize = uint64(rayGen) * record
	l.MissOffset = l.RayGenOffset + l.RayGenSize
	l.MissSize = uint64(miss) * record
	l.HitGroupOffset = l.MissOffset + l.MissSize
	l.HitGroupSize = uint64(hitGroup) * record
	l.TotalSize = math.AlignUp(l.HitGroupOffset+l.HitGroupSize, uint64(max(caps.ShaderTableAlignment, 1)))
	return l
}

type tlasRecord struct {
	result        rhi.BufferID
	scratch       rhi.BufferID
	instances     rhi.BufferID
	instanceData  []byte
	resultAddress uint64
	instanceCount uint32
	built         bool
}

// rtFrameData is everything one frame in flight of a ray tracing pipeline writes.
type rtFrameData struct {
	heap          rhi.HeapID
	shaderTable   rhi.BufferID
	tableAddress  uint64
	dataRefs      rhi.BufferID
	dataRefData   []byte
	dataRefCount  uint32
	constants     rhi.BufferID
	constantsData []byte
	tlas          tlasRecord
}

type rtPipelineRecord struct {
	desc     metadata.RayTracingPipelineDesc
	native   rhi.PipelineID
	layout   ShaderTableLayout
	frames   []rtFrameData
	deleting bool
}

func (b *Backend) rtPipeline(h metadata.RTPipelineHandle) (*rtPipelineRecord, bool) {
	if !metadata.IsValid(h) || !b.rtPipelines.Valid(uint32(h)) {
		return nil, false
	}
	return b.rtPipelines.Get(uint32(h)), true
}

func exportNames(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		base := filepath.Base(p)
		out = append(out, strings.TrimSuffix(base, filepath.Ext(base)))
	}
	return out
}

func (b *Backend) heapSize(desc *metadata.RayTracingPipelineDesc) uint32 {
	return metadata.RTHeapOffsetTexture2DArray + desc.SceneTextureNum + desc.SceneCubeMapNum
}

/**
 * @brief Compiles the ray tracing shader groups into a pipeline and writes
 * its shader binding table, one per frame in flight. Export names default to
 * the file names of the shader paths; code is read from the paths when the
 * description carries none.
 */
func (b *Backend) CreateRayTracingPipeline(desc metadata.RayTracingPipelineDesc) (metadata.RTPipelineHandle, error) {
	if !b.caps.RayTracing {
		core.LogError("device %s does not support ray tracing", b.caps.Name)
		return metadata.InvalidRTPipeline, core.ErrUnsupported
	}
	if len(desc.RayGenExports) == 0 {
		desc.RayGenExports = exportNames(desc.Groups.RGenPaths)
	}
	if len(desc.MissExports) == 0 {
		desc.MissExports = exportNames(desc.Groups.RMissPaths)
	}
	if len(desc.HitExports) == 0 {
		desc.HitExports = exportNames(desc.Groups.RClosestHitPaths)
	}
	if desc.SceneTextureNum == 0 {
		desc.SceneTextureNum = b.opts.RayTracing.SceneTextureNum
	}
	if desc.SceneCubeMapNum == 0 {
		desc.SceneCubeMapNum = b.opts.RayTracing.SceneCubeMapNum
	}
	if desc.Code == nil {
		desc.Code = map[string][]byte{}
		for _, group := range [][]string{desc.Groups.RGenPaths, desc.Groups.RMissPaths, desc.Groups.RClosestHitPaths,
			desc.Groups.RAnyHitPaths, desc.Groups.RIntersectionPaths} {
			for _, path := range group {
				code, err := loaders.LoadBinary(b.resolvePath(path))
				if err != nil {
					core.LogFatal("failed to read ray tracing shader %s: %s", path, err)
					return metadata.InvalidRTPipeline, err
				}
				desc.Code[path] = code
			}
		}
	}

	native, err := b.device.CreateRayTracingPipeline(desc)
	if err != nil {
		core.LogFatal("failed to create ray tracing pipeline %s: %s", desc.Name, err)
		return metadata.InvalidRTPipeline, err
	}
	rec := rtPipelineRecord{
		desc:   desc,
		native: native,
		layout: ComputeShaderTableLayout(b.caps, len(desc.RayGenExports), len(desc.MissExports), len(desc.HitExports)),
	}
	for i := uint32(0); i < b.framesInFlight; i++ {
		frame, err := b.createRTFrameData(&rec)
		if err != nil {
			b.releaseRTPipeline(&rec)
			core.LogFatal("failed to create ray tracing pipeline %s: %s", desc.Name, err)
			return metadata.InvalidRTPipeline, err
		}
		rec.frames = append(rec.frames, frame)
	}

	id := b.rtPipelines.Allocate()
	*b.rtPipelines.Get(id) = rec
	if !metadata.IsValid(b.rt.pipeline) {
		b.rt.pipeline = metadata.RTPipelineHandle(id)
	}
	core.LogInfo("created ray tracing pipeline %s (%d raygen, %d miss, %d hit groups)",
		desc.Name, len(desc.RayGenExports), len(desc.MissExports), len(desc.HitExports))
	return metadata.RTPipelineHandle(id), nil
}

// CompileRayTracingPipeline loads a pipeline description file and creates it.
func (b *Backend) CompileRayTracingPipeline(path string) (metadata.RTPipelineHandle, error) {
	desc, err := loaders.LoadRayTracingPipeline(b.resolvePath(path))
	if err != nil {
		core.LogError("failed to load ray tracing pipeline %s: %s", path, err)
		return metadata.InvalidRTPipeline, err
	}
	return b.CreateRayTracingPipeline(desc)
}

func (b *Backend) createRTFrameData(rec *rtPipelineRecord) (rtFrameData, error) {
	desc := &rec.desc
	objects := b.opts.RayTracing.SceneObjectNum
	frame := rtFrameData{}

	var err error
	if frame.heap, err = b.device.CreateDescriptorHeap(b.heapSize(desc)); err != nil {
		return frame, err
	}

	// Shader table
	if frame.shaderTable, err = b.uploadBuffer(make([]byte, max(rec.layout.TotalSize, 1)), metadata.BufferUsageShaderTable, "shader-table"); err != nil {
		return frame, err
	}
	frame.tableAddress = b.device.BufferAddress(frame.shaderTable)
	table, err := b.device.MapBuffer(frame.shaderTable)
	if err != nil {
		return frame, err
	}
	if err := b.writeShaderTable(rec, frame.heap, table); err != nil {
		return frame, err
	}

	// Scene data
	if frame.dataRefs, err = b.uploadBuffer(make([]byte, objects*metadata.RTDataReferenceSize), metadata.BufferUsageStorage, "rt-data-refs"); err != nil {
		return frame, err
	}
	frame.dataRefData, _ = b.device.MapBuffer(frame.dataRefs)
	if frame.constants, err = b.uploadBuffer(make([]byte, 256), metadata.BufferUsageConstant, "rt-constants"); err != nil {
		return frame, err
	}
	frame.constantsData, _ = b.device.MapBuffer(frame.constants)

	// Top level structure sized for the scene capacity, refit in place afterwards.
	sizes := b.device.AccelerationStructureSizes(metadata.ASInputs{
		Type:          metadata.AccelerationStructureTopLevel,
		Flags:         metadata.ASBuildAllowUpdate | metadata.ASBuildPreferFastTrace,
		InstanceCount: objects,
	})
	if frame.tlas.result, err = b.createASBuffer(sizes.ResultSize, metadata.BufferUsageAccelerationStructure, "tlas"); err != nil {
		return frame, err
	}
	if frame.tlas.scratch, err = b.createASBuffer(max(sizes.ScratchSize, sizes.UpdateScratchSize), metadata.BufferUsageScratch, "tlas-scratch"); err != nil {
		return frame, err
	}
	if frame.tlas.instances, err = b.uploadBuffer(make([]byte, objects*metadata.ASInstanceDescSize), metadata.BufferUsageStorage, "tlas-instances"); err != nil {
		return frame, err
	}
	frame.tlas.instanceData, _ = b.device.MapBuffer(frame.tlas.instances)
	frame.tlas.resultAddress = b.device.BufferAddress(frame.tlas.result)

	b.device.WriteAccelerationStructureDescriptor(frame.heap, metadata.RTHeapOffsetTLAS, frame.tlas.resultAddress)
	b.device.WriteBufferDescriptor(frame.heap, metadata.RTHeapOffsetDataReference, frame.dataRefs, 0,
		uint64(len(frame.dataRefData)), metadata.DescriptorKindStructuredBuffer)
	b.device.WriteBufferDescriptor(frame.heap, metadata.RTHeapOffsetConstantBuffer, frame.constants, 0,
		uint64(len(frame.constantsData)), metadata.DescriptorKindConstantBuffer)
	return frame, nil
}

// rootArguments are the descriptor addresses every record of the table
// carries, in root parameter order.
func (b *Backend) rootArguments(desc *metadata.RayTracingPipelineDesc, heap rhi.HeapID) [metadata.RTRootParameterCount]uint64 {
	var args [metadata.RTRootParameterCount]uint64
	args[metadata.RTRootTLAS] = b.device.DescriptorAddress(heap, metadata.RTHeapOffsetTLAS)
	args[metadata.RTRootOutputImage] = b.device.DescriptorAddress(heap, metadata.RTHeapOffsetOutputImage)
	args[metadata.RTRootDataReference] = b.device.DescriptorAddress(heap, metadata.RTHeapOffsetDataReference)
	args[metadata.RTRootTexture2DArray] = b.device.DescriptorAddress(heap, metadata.RTHeapOffsetTexture2DArray)
	args[metadata.RTRootTextureCubeArray] = b.device.DescriptorAddress(heap, metadata.RTHeapOffsetTextureCubeArray(desc.SceneTextureNum))
	args[metadata.RTRootConstantBuffer] = b.device.DescriptorAddress(heap, metadata.RTHeapOffsetConstantBuffer)
	return args
}

// writeShaderTable fills every record once. The root arguments point at heap
// entries, so later frames only refresh the entries.
func (b *Backend) writeShaderTable(rec *rtPipelineRecord, heap rhi.HeapID, table []byte) error {
	args := b.rootArguments(&rec.desc, heap)
	sections := []struct {
		offset  uint64
		exports []string
	}{
		{rec.layout.RayGenOffset, rec.desc.RayGenExports},
		{rec.layout.MissOffset, rec.desc.MissExports},
		{rec.layout.HitGroupOffset, rec.desc.HitExports},
	}
	idSize := uint64(b.caps.ShaderIdentifierSize)
	for _, s := range sections {
		for i, export := range s.exports {
			id, err := b.device.ShaderIdentifier(rec.native, export)
			if err != nil {
				return fmt.Errorf("shader table record %s: %w", export, err)
			}
			record := table[s.offset+uint64(i)*rec.layout.RecordSize:]
			copy(record[:idSize], id)
			for slot, address := range args {
				binary.LittleEndian.PutUint64(record[idSize+uint64(slot)*8:], address)
			}
		}
	}
	return nil
}

// dispatchDesc addresses the three sections of a frame's shader table.
func (rec *rtPipelineRecord) dispatchDesc(frame *rtFrameData, width, height uint32) metadata.DispatchRaysDesc {
	l := rec.layout
	return metadata.DispatchRaysDesc{
		RayGeneration: metadata.ShaderTableRange{StartAddress: frame.tableAddress + l.RayGenOffset, SizeInBytes: l.RecordSize, StrideInBytes: l.RecordSize},
		Miss:          metadata.ShaderTableRange{StartAddress: frame.tableAddress + l.MissOffset, SizeInBytes: l.MissSize, StrideInBytes: l.RecordSize},
		HitGroup:      metadata.ShaderTableRange{StartAddress: frame.tableAddress + l.HitGroupOffset, SizeInBytes: l.HitGroupSize, StrideInBytes: l.RecordSize},
		Width:         width,
		Height:        height,
		Depth:         1,
	}
}

// SwitchRayTracingPipeline selects the pipeline the scene calls target.
func (b *Backend) SwitchRayTracingPipeline(h metadata.RTPipelineHandle) error {
	if _, ok := b.rtPipeline(h); !ok {
		core.LogError("switch to invalid ray tracing pipeline %d", h)
		return core.ErrInvalidHandle
	}
	b.rt.pipeline = h
	return nil
}

func (b *Backend) DeleteRayTracingPipeline(h metadata.RTPipelineHandle) {
	p, ok := b.rtPipeline(h)
	if !ok || p.deleting {
		core.LogWarn("delete of invalid ray tracing pipeline %d", h)
		return
	}
	p.deleting = true
	if b.rt.pipeline == h {
		b.rt.pipeline = metadata.InvalidRTPipeline
	}
	b.scheduleDeletion(deleteRTPipeline, uint32(h))
}

func (b *Backend) destroyRayTracingPipeline(h metadata.RTPipelineHandle) {
	p, ok := b.rtPipeline(h)
	if !ok {
		return
	}
	b.releaseRTPipeline(p)
	b.rtPipelines.Destroy(uint32(h))
}

func (b *Backend) releaseRTPipeline(p *rtPipelineRecord) {
	for _, f := range p.frames {
		for _, buf := range []rhi.BufferID{f.shaderTable, f.dataRefs, f.constants, f.tlas.result, f.tlas.scratch, f.tlas.instances} {
			if buf != 0 && buf != rhi.InvalidBuffer {
				b.device.DestroyBuffer(buf)
			}
		}
		if f.heap != 0 && f.heap != rhi.InvalidHeap {
			b.device.DestroyDescriptorHeap(f.heap)
		}
	}
	p.frames = nil
	b.device.DestroyPipeline(p.native)
}

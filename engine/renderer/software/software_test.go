package software

import (
	"encoding/binary"
	"testing"

	"github.com/chewxy/math32"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T) *SoftwareDevice {
	t.Helper()
	d, err := NewSoftwareDevice(Options{Width: 16, Height: 16})
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return d
}

func putFloats(dst []byte, values ...float32) {
	for i, v := range values {
		binary.LittleEndian.PutUint32(dst[i*4:], math32.Float32bits(v))
	}
}

func putUints(dst []byte, values ...uint32) {
	for i, v := range values {
		binary.LittleEndian.PutUint32(dst[i*4:], v)
	}
}

func uploadBuffer(t *testing.T, d *SoftwareDevice, size uint64, usage metadata.BufferUsage) (rhi.BufferID, []byte) {
	t.Helper()
	id, err := d.CreateBuffer(metadata.BufferDesc{Size: size, Usage: usage, Memory: metadata.MemoryKindUpload})
	require.NoError(t, err)
	data, err := d.MapBuffer(id)
	require.NoError(t, err)
	return id, data
}

func pixel(data []byte, width, x, y int) [4]byte {
	i := (y*width + x) * 4
	return [4]byte{data[i], data[i+1], data[i+2], data[i+3]}
}

func TestFenceCompletesInSubmissionOrder(t *testing.T) {
	d := newTestDevice(t)
	fence, err := d.CreateFence(0)
	require.NoError(t, err)

	d.PauseQueue()
	require.NoError(t, d.Signal(fence, 1))
	require.NoError(t, d.Signal(fence, 2))
	assert.Equal(t, uint64(0), fence.CompletedValue())

	d.ResumeQueue()
	require.NoError(t, fence.Wait(2))
	assert.Equal(t, uint64(2), fence.CompletedValue())
}

func TestDestroyedFenceReleasesWaiters(t *testing.T) {
	d := newTestDevice(t)
	fence, err := d.CreateFence(0)
	require.NoError(t, err)

	done := make(chan error)
	go func() { done <- fence.Wait(10) }()
	fence.Destroy()
	assert.ErrorIs(t, <-done, core.ErrDeviceLost)
}

func TestSubmitRejectsOpenCommandList(t *testing.T) {
	d := newTestDevice(t)
	cl, err := d.CreateCommandList()
	require.NoError(t, err)
	require.NoError(t, cl.Reset())
	assert.Error(t, d.Submit(cl))
}

func TestExecutionErrorLosesDevice(t *testing.T) {
	d := newTestDevice(t)
	cl, _ := d.CreateCommandList()
	require.NoError(t, cl.Reset())
	cl.ClearColor(rhi.TextureID(999), math.Vec4{})
	require.NoError(t, cl.Close())
	require.NoError(t, d.Submit(cl))
	require.NoError(t, d.WaitIdle())

	assert.ErrorIs(t, d.Err(), core.ErrDeviceLost)
	assert.ErrorIs(t, d.Submit(cl), core.ErrDeviceLost)
}

func TestMapBufferRejectsDeviceLocalMemory(t *testing.T) {
	d := newTestDevice(t)
	id, err := d.CreateBuffer(metadata.BufferDesc{Size: 64})
	require.NoError(t, err)
	_, err = d.MapBuffer(id)
	assert.Error(t, err)

	addr := d.BufferAddress(id)
	assert.NotZero(t, addr)
	assert.Zero(t, addr%addressAlignment)
}

func TestZeroSizedTexture(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.CreateTexture(metadata.TextureDesc{Width: 0, Height: 4})
	assert.ErrorIs(t, err, core.ErrZeroSizedTexture)
}

func unlitColorInfo(cull metadata.FaceCullOption) metadata.ShaderInfo {
	state := metadata.DefaultShaderStateSet()
	state.Cull = cull
	return metadata.ShaderInfo{
		StateSet: state,
		Stages:   metadata.ShaderStageVertex | metadata.ShaderStageFragment,
		FragProperties: metadata.ShaderPropertiesInfo{
			BaseProperties: []metadata.ShaderProperty{{Name: "_Color", Size: 16, Offset: 0, Type: metadata.ShaderPropertyTypeVec4}},
		},
	}
}

func drawTriangle(t *testing.T, d *SoftwareDevice, positions [3]math.Vec3, cull metadata.FaceCullOption, depth rhi.TextureID) []byte {
	t.Helper()
	const size = 64
	color, err := d.CreateTexture(metadata.TextureDesc{
		Width: size, Height: size, Format: metadata.TextureFormatRGBA8, Usage: metadata.TextureUsageRenderTarget,
	})
	require.NoError(t, err)

	p, err := d.CreatePipeline(metadata.PipelineDesc{Name: "unlit_color", Info: unlitColorInfo(cull), HasColor: true})
	require.NoError(t, err)

	cb, cbData := uploadBuffer(t, d, 256, metadata.BufferUsageConstant)
	putFloats(cbData, 1, 0, 0, 1)

	vertices := make([]math.Vertex, 3)
	for i, pos := range positions {
		vertices[i].Position = pos
	}
	vb, vbData := uploadBuffer(t, d, 3*math.VertexSize, metadata.BufferUsageVertex)
	putFloats(vbData, math.VertexFloatData(vertices)...)
	ib, ibData := uploadBuffer(t, d, 12, metadata.BufferUsageIndex)
	putUints(ibData, 0, 1, 2)

	cl, _ := d.CreateCommandList()
	require.NoError(t, cl.Reset())
	cl.SetRenderTargets(color, depth)
	cl.ClearColor(color, math.Vec4{W: 1})
	if depth != rhi.InvalidTexture {
		cl.ClearDepthStencil(depth, 1, 0)
	}
	cl.SetViewport(0, 0, size, size)
	cl.SetPipeline(p)
	cl.SetConstantBuffer(metadata.GraphicsRootConstantBuffer, cb)
	cl.SetVertexBuffer(vb, math.VertexSize)
	cl.SetIndexBuffer(ib)
	cl.DrawIndexed(3, 0, 0)
	require.NoError(t, cl.Close())
	require.NoError(t, d.Submit(cl))

	out, err := d.ReadTexture(color, 0)
	require.NoError(t, err)
	require.NoError(t, d.Err())
	return out
}

func TestDrawTriangleCoversCenter(t *testing.T) {
	d := newTestDevice(t)
	out := drawTriangle(t, d, [3]math.Vec3{{X: -0.5, Y: -0.5}, {X: 0.5, Y: -0.5}, {X: 0, Y: 0.5}}, metadata.FaceCullBack, rhi.InvalidTexture)

	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 64, 32, 32))
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 64, 0, 0))
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 64, 63, 63))
}

func TestTopOfClipSpaceIsTopOfImage(t *testing.T) {
	d := newTestDevice(t)
	out := drawTriangle(t, d, [3]math.Vec3{{X: -1, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}, metadata.FaceCullNone, rhi.InvalidTexture)

	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 64, 32, 16))
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 64, 32, 48))
}

func TestBackFacesAreCulled(t *testing.T) {
	d := newTestDevice(t)
	clockwise := [3]math.Vec3{{X: -0.5, Y: -0.5}, {X: 0, Y: 0.5}, {X: 0.5, Y: -0.5}}

	out := drawTriangle(t, d, clockwise, metadata.FaceCullBack, rhi.InvalidTexture)
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 64, 32, 32))

	out = drawTriangle(t, d, clockwise, metadata.FaceCullNone, rhi.InvalidTexture)
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 64, 32, 32))
}

func TestDepthIsWritten(t *testing.T) {
	d := newTestDevice(t)
	depth, err := d.CreateTexture(metadata.TextureDesc{
		Width: 64, Height: 64, Format: metadata.TextureFormatD32F, Usage: metadata.TextureUsageDepthTarget,
	})
	require.NoError(t, err)

	drawTriangle(t, d, [3]math.Vec3{{X: -0.5, Y: -0.5}, {X: 0.5, Y: -0.5}, {X: 0, Y: 0.5}}, metadata.FaceCullBack, depth)
	data, err := d.ReadTexture(depth, 0)
	require.NoError(t, err)

	center := math32.Float32frombits(binary.LittleEndian.Uint32(data[(32*64+32)*4:]))
	corner := math32.Float32frombits(binary.LittleEndian.Uint32(data[0:]))
	assert.InDelta(t, 0.5, center, 1e-6)
	assert.InDelta(t, 1.0, corner, 1e-6)
}

func TestCreatePipelineNeedsProgram(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.CreatePipeline(metadata.PipelineDesc{Name: "does_not_exist"})
	assert.Error(t, err)
}

func TestPresentCopiesBackBuffer(t *testing.T) {
	d := newTestDevice(t)
	back := d.SwapchainTextures()[d.CurrentBackBuffer()]

	cl, _ := d.CreateCommandList()
	require.NoError(t, cl.Reset())
	cl.ClearColor(back, math.Vec4{X: 0, Y: 1, Z: 0, W: 1})
	require.NoError(t, cl.Close())
	require.NoError(t, d.Submit(cl))
	require.NoError(t, d.Present())
	require.NoError(t, d.WaitIdle())

	front, presents := d.FrontBuffer()
	assert.Equal(t, uint64(1), presents)
	assert.Equal(t, [4]byte{0, 255, 0, 255}, pixel(front, 16, 5, 5))
	assert.Equal(t, uint32(1), d.CurrentBackBuffer())
}

type rayScene struct {
	d        *SoftwareDevice
	pipeline rhi.PipelineID
	output   rhi.TextureID
	blas     metadata.ASBuildDesc
	tlas     metadata.ASBuildDesc
	dispatch metadata.DispatchRaysDesc
}

const testRecordStride = 96

// newRayScene builds a unit quad in front of an orthographic camera looking
// down +Z. Hits write green, misses write red.
func newRayScene(t *testing.T) *rayScene {
	t.Helper()
	d := newTestDevice(t)
	s := &rayScene{d: d}

	d.RegisterRayProgram("test_raygen", RayProgram{RayGen: func(ctx *RayContext) {
		launch, dims := ctx.LaunchIndex(), ctx.LaunchDimensions()
		origin := math.Vec3{
			X: (float32(launch[0])+0.5)/float32(dims[0])*4 - 2,
			Y: (float32(launch[1])+0.5)/float32(dims[1])*4 - 2,
			Z: -5,
		}
		payload := RayPayload{}
		ctx.TraceRay(math.Ray{Origin: origin, Direction: math.Vec3{Z: 1}}, 0, 100, 0xFF, 0, 0, &payload)
		ctx.WriteOutput(payload.Color)
	}})
	d.RegisterRayProgram("test_miss", RayProgram{Miss: func(ctx *RayContext, payload *RayPayload) {
		payload.Color = math.Vec4{X: 1, W: 1}
	}})
	d.RegisterRayProgram("test_hit", RayProgram{ClosestHit: func(ctx *RayContext, hit HitInfo, payload *RayPayload) {
		payload.Color = math.Vec4{Y: 1, W: 1}
	}})

	var err error
	s.pipeline, err = d.CreateRayTracingPipeline(metadata.RayTracingPipelineDesc{
		Name:          "test",
		RayGenExports: []string{"test_raygen"},
		MissExports:   []string{"test_miss"},
		HitExports:    []string{"test_hit"},
	})
	require.NoError(t, err)

	vb, vbData := uploadBuffer(t, d, 4*12, metadata.BufferUsageVertex)
	putFloats(vbData, -1, -1, 0, 1, -1, 0, 1, 1, 0, -1, 1, 0)
	ib, ibData := uploadBuffer(t, d, 6*4, metadata.BufferUsageIndex)
	putUints(ibData, 0, 1, 2, 0, 2, 3)

	blasInputs := metadata.ASInputs{
		Type:  metadata.AccelerationStructureBottomLevel,
		Flags: metadata.ASBuildPreferFastTrace,
		Geometry: []metadata.ASTriangleGeometry{{
			VertexAddress: d.BufferAddress(vb), VertexStride: 12, VertexCount: 4,
			IndexAddress: d.BufferAddress(ib), IndexCount: 6, Opaque: true,
		}},
	}
	blasSizes := d.AccelerationStructureSizes(blasInputs)
	blasResult, err := d.CreateBuffer(metadata.BufferDesc{Size: blasSizes.ResultSize, Usage: metadata.BufferUsageAccelerationStructure})
	require.NoError(t, err)
	blasScratch, err := d.CreateBuffer(metadata.BufferDesc{Size: blasSizes.ScratchSize, Usage: metadata.BufferUsageScratch})
	require.NoError(t, err)
	s.blas = metadata.ASBuildDesc{Inputs: blasInputs, DestAddress: d.BufferAddress(blasResult), ScratchAddress: d.BufferAddress(blasScratch)}

	instances, instData := uploadBuffer(t, d, metadata.ASInstanceDescSize, metadata.BufferUsageStorage)
	inst := metadata.ASInstanceDesc{
		Transform:   math.NewMat4Identity().RowMajor3x4(),
		Mask:        0xFF,
		BLASAddress: s.blas.DestAddress,
	}
	inst.Encode(instData)

	tlasInputs := metadata.ASInputs{
		Type:            metadata.AccelerationStructureTopLevel,
		Flags:           metadata.ASBuildAllowUpdate,
		InstanceCount:   1,
		InstanceAddress: d.BufferAddress(instances),
	}
	tlasSizes := d.AccelerationStructureSizes(tlasInputs)
	tlasResult, err := d.CreateBuffer(metadata.BufferDesc{Size: tlasSizes.ResultSize, Usage: metadata.BufferUsageAccelerationStructure})
	require.NoError(t, err)
	s.tlas = metadata.ASBuildDesc{Inputs: tlasInputs, DestAddress: d.BufferAddress(tlasResult)}

	s.output, err = d.CreateTexture(metadata.TextureDesc{Width: 8, Height: 8, Format: metadata.TextureFormatRGBA8, Usage: metadata.TextureUsageStorage})
	require.NoError(t, err)
	heap, err := d.CreateDescriptorHeap(2)
	require.NoError(t, err)
	d.WriteAccelerationStructureDescriptor(heap, 0, s.tlas.DestAddress)
	d.WriteTextureDescriptor(heap, 1, s.output, metadata.DescriptorKindTextureUAV)

	sbt, sbtData := uploadBuffer(t, d, 3*testRecordStride, metadata.BufferUsageShaderTable)
	for i, export := range []string{"test_raygen", "test_miss", "test_hit"} {
		id, err := d.ShaderIdentifier(s.pipeline, export)
		require.NoError(t, err)
		copy(sbtData[i*testRecordStride:], id)
	}
	args := sbtData[shaderIdentifierSize:]
	binary.LittleEndian.PutUint64(args[metadata.RTRootTLAS*8:], d.DescriptorAddress(heap, 0))
	binary.LittleEndian.PutUint64(args[metadata.RTRootOutputImage*8:], d.DescriptorAddress(heap, 1))

	base := d.BufferAddress(sbt)
	s.dispatch = metadata.DispatchRaysDesc{
		RayGeneration: metadata.ShaderTableRange{StartAddress: base, SizeInBytes: testRecordStride, StrideInBytes: testRecordStride},
		Miss:          metadata.ShaderTableRange{StartAddress: base + testRecordStride, SizeInBytes: testRecordStride, StrideInBytes: testRecordStride},
		HitGroup:      metadata.ShaderTableRange{StartAddress: base + 2*testRecordStride, SizeInBytes: testRecordStride, StrideInBytes: testRecordStride},
		Width:         8,
		Height:        8,
		Depth:         1,
	}
	return s
}

func (s *rayScene) trace(t *testing.T, builds ...metadata.ASBuildDesc) []byte {
	t.Helper()
	cl, _ := s.d.CreateCommandList()
	require.NoError(t, cl.Reset())
	for _, b := range builds {
		cl.BuildAccelerationStructure(b)
		cl.UAVBarrier(rhi.InvalidBuffer)
	}
	cl.SetRayTracingPipeline(s.pipeline)
	cl.DispatchRays(s.dispatch)
	require.NoError(t, cl.Close())
	require.NoError(t, s.d.Submit(cl))
	out, err := s.d.ReadTexture(s.output, 0)
	require.NoError(t, err)
	require.NoError(t, s.d.Err())
	return out
}

func TestDispatchRaysHitsAndMisses(t *testing.T) {
	s := newRayScene(t)
	out := s.trace(t, s.blas, s.tlas)

	assert.Equal(t, [4]byte{0, 255, 0, 255}, pixel(out, 8, 4, 4))
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 8, 0, 0))
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 8, 7, 7))
}

func TestTopLevelRefitIsIdempotent(t *testing.T) {
	s := newRayScene(t)
	first := s.trace(t, s.blas, s.tlas)

	refit := s.tlas
	refit.Inputs.Flags |= metadata.ASBuildPerformUpdate
	refit.SourceAddress = s.tlas.DestAddress
	second := s.trace(t, refit)
	third := s.trace(t, refit)

	assert.Equal(t, first, second)
	assert.Equal(t, second, third)
}

func TestRefitWithoutStructureLosesDevice(t *testing.T) {
	s := newRayScene(t)
	refit := s.tlas
	refit.Inputs.Flags |= metadata.ASBuildPerformUpdate

	cl, _ := s.d.CreateCommandList()
	require.NoError(t, cl.Reset())
	cl.BuildAccelerationStructure(s.blas)
	cl.BuildAccelerationStructure(refit)
	require.NoError(t, cl.Close())
	require.NoError(t, s.d.Submit(cl))
	require.NoError(t, s.d.WaitIdle())
	assert.ErrorIs(t, s.d.Err(), core.ErrDeviceLost)
}

func TestShaderIdentifierUnknownExport(t *testing.T) {
	s := newRayScene(t)
	_, err := s.d.ShaderIdentifier(s.pipeline, "nope")
	assert.Error(t, err)

	id, err := s.d.ShaderIdentifier(s.pipeline, "test_hit")
	require.NoError(t, err)
	assert.Len(t, id, int(s.d.Capabilities().ShaderIdentifierSize))
}

func TestSampleCubeFaces(t *testing.T) {
	tex := &texture{desc: metadata.TextureDesc{Width: 1, Height: 1, Layers: 6, MipLevels: 1, Format: metadata.TextureFormatRGBA32F}}
	tex.levels = make([][][]byte, 6)
	for layer := range tex.levels {
		tex.levels[layer] = [][]byte{make([]byte, 16)}
		tex.store(uint32(layer), 0, 0, math.Vec4{X: float32(layer)})
	}
	assert.Equal(t, float32(0), tex.sampleCube(math.Vec3{X: 1}).X)
	assert.Equal(t, float32(1), tex.sampleCube(math.Vec3{X: -1}).X)
	assert.Equal(t, float32(2), tex.sampleCube(math.Vec3{Y: 1}).X)
	assert.Equal(t, float32(5), tex.sampleCube(math.Vec3{Z: -1}).X)
}

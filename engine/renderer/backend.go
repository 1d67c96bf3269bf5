package renderer

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/containers"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

// Capacity of the per-frame descriptor range draws copy their texture sets into.
const DynamicDescriptorCapacity = 4096

type Options struct {
	FramesInFlight uint32
	Width          uint32
	Height         uint32
	RayTracing     core.RayTracingConfig
	// Root that relative asset paths are resolved against.
	AssetRoot string
}

// OptionsFromConfig picks the backend settings out of the engine configuration.
func OptionsFromConfig(cfg *core.Config) Options {
	return Options{
		FramesInFlight: cfg.Renderer.FramesInFlight,
		Width:          cfg.Window.Width,
		Height:         cfg.Window.Height,
		RayTracing:     cfg.Renderer.RayTracing,
		AssetRoot:      cfg.Assets.Root,
	}
}

/**
 * @brief The renderer backend context. It owns every slot table, the frame
 * pacing state and the deferred deletion ring. Collaborators receive a
 * *Backend at construction; there is no process wide instance.
 *
 * A Backend is driven by a single goroutine.
 */
type Backend struct {
	device rhi.Device
	caps   metadata.DeviceCapabilities
	opts   Options

	framesInFlight uint32
	currentFrame   uint32

	// One fence for all frame slots, each slot waits on its own target.
	frameFence       rhi.Fence
	fenceCounter     uint64
	frameFenceValues []uint64

	immediateFence rhi.Fence
	immediateValue uint64
	immediateList  rhi.CommandList

	deletions *containers.FrameRing[deletion]

	textures      *containers.SlotTable[textureRecord]
	renderBuffers *containers.SlotTable[renderBufferRecord]
	frameBuffers  *containers.SlotTable[frameBufferRecord]
	shaders       *containers.SlotTable[shaderRecord]
	meshes        *containers.SlotTable[meshRecord]
	materials     *containers.SlotTable[materialRecord]
	rtMaterials   *containers.SlotTable[rtMaterialRecord]
	rtPipelines   *containers.SlotTable[rtPipelineRecord]
	commands      *containers.SlotTable[commandRecord]

	presentFrameBuffer metadata.FrameBufferHandle
	curFrameBuffer     metadata.FrameBufferHandle
	curShader          metadata.ShaderHandle
	curMaterial        metadata.MaterialDataHandle
	viewPort           metadata.ViewPortInfo
	drawList           []drawEntry

	dynamicHeaps  []rhi.HeapID
	dynamicCursor uint32
	clearCommand  metadata.CommandHandle

	rt rayTracingState

	width, height uint32
	resizeMu      sync.Mutex
	pendingResize *[2]uint32

	reloadMu       sync.Mutex
	pendingReloads []string
	events         *core.EventBus

	clock   *core.Clock
	metrics *core.FrameMetrics
	closed  bool
}

// NewBackend builds the backend context on top of device. Pass a non nil
// event bus to react to window resize and shader change events.
func NewBackend(device rhi.Device, opts Options, events *core.EventBus) (*Backend, error) {
	if opts.FramesInFlight == 0 {
		opts.FramesInFlight = 2
	}
	if opts.FramesInFlight > core.MaxFramesInFlight {
		return nil, fmt.Errorf("frames in flight %d exceeds %d", opts.FramesInFlight, core.MaxFramesInFlight)
	}
	if opts.RayTracing.SceneObjectNum == 0 {
		opts.RayTracing.SceneObjectNum = 256
	}
	if opts.RayTracing.SceneTextureNum == 0 {
		opts.RayTracing.SceneTextureNum = 64
	}
	if opts.RayTracing.SceneCubeMapNum == 0 {
		opts.RayTracing.SceneCubeMapNum = 8
	}

	b := &Backend{
		device:           device,
		caps:             device.Capabilities(),
		opts:             opts,
		framesInFlight:   opts.FramesInFlight,
		frameFenceValues: make([]uint64, opts.FramesInFlight),
		deletions:        containers.NewFrameRing[deletion](int(opts.FramesInFlight)),
		textures:         containers.NewSlotTable[textureRecord](64),
		renderBuffers:    containers.NewSlotTable[renderBufferRecord](16),
		frameBuffers:     containers.NewSlotTable[frameBufferRecord](16),
		shaders:          containers.NewSlotTable[shaderRecord](32),
		meshes:           containers.NewSlotTable[meshRecord](64),
		materials:        containers.NewSlotTable[materialRecord](64),
		rtMaterials:      containers.NewSlotTable[rtMaterialRecord](32),
		rtPipelines:      containers.NewSlotTable[rtPipelineRecord](2),
		commands:         containers.NewSlotTable[commandRecord](8),
		curFrameBuffer:   metadata.InvalidFrameBuffer,
		curShader:        metadata.InvalidShader,
		curMaterial:      metadata.InvalidMaterialData,
		width:            opts.Width,
		height:           opts.Height,
		events:           events,
		clock:            core.NewClock(),
		metrics:          core.NewFrameMetrics(),
	}
	b.rt.reset()

	var err error
	if b.frameFence, err = device.CreateFence(0); err != nil {
		return nil, fmt.Errorf("failed to create frame fence: %w", err)
	}
	if b.immediateFence, err = device.CreateFence(0); err != nil {
		return nil, fmt.Errorf("failed to create immediate fence: %w", err)
	}
	if b.immediateList, err = device.CreateCommandList(); err != nil {
		return nil, fmt.Errorf("failed to create immediate command list: %w", err)
	}
	for i := uint32(0); i < b.framesInFlight; i++ {
		heap, err := device.CreateDescriptorHeap(DynamicDescriptorCapacity)
		if err != nil {
			return nil, fmt.Errorf("failed to create dynamic descriptor heap: %w", err)
		}
		b.dynamicHeaps = append(b.dynamicHeaps, heap)
	}

	b.presentFrameBuffer = b.createPresentFrameBuffer()
	b.curFrameBuffer = b.presentFrameBuffer
	b.clearCommand = b.AllocateDrawCommand(metadata.CommandTypeCommon)

	if events != nil {
		events.Register(core.EVENT_CODE_RESIZED, b, b.onResizedEvent)
		events.Register(core.EVENT_CODE_SHADER_CHANGED, b, b.onShaderChangedEvent)
	}
	b.clock.Start()
	core.LogInfo("renderer backend ready on %s device (%d frames in flight)", b.caps.Name, b.framesInFlight)
	return b, nil
}

func (b *Backend) Device() rhi.Device {
	return b.device
}

func (b *Backend) Capabilities() metadata.DeviceCapabilities {
	return b.caps
}

func (b *Backend) FramesInFlight() uint32 {
	return b.framesInFlight
}

// CurrentFrame is the frame-in-flight slot the CPU is recording.
func (b *Backend) CurrentFrame() uint32 {
	return b.currentFrame
}

func (b *Backend) PresentFrameBuffer() metadata.FrameBufferHandle {
	return b.presentFrameBuffer
}

/**
 * @brief Submits setup work and blocks until the GPU has executed it. Used
 * for uploads and acceleration structure builds outside the frame loop.
 */
func (b *Backend) immediateExecute(record func(cl rhi.CommandList)) error {
	if err := b.immediateList.Reset(); err != nil {
		return err
	}
	record(b.immediateList)
	if err := b.immediateList.Close(); err != nil {
		return err
	}
	if err := b.device.Submit(b.immediateList); err != nil {
		return err
	}
	b.immediateValue++
	if err := b.device.Signal(b.immediateFence, b.immediateValue); err != nil {
		return err
	}
	return b.immediateFence.Wait(b.immediateValue)
}

// uploadBuffer creates a host visible buffer holding data.
func (b *Backend) uploadBuffer(data []byte, usage metadata.BufferUsage, name string) (rhi.BufferID, error) {
	id, err := b.device.CreateBuffer(metadata.BufferDesc{
		Size:      uint64(max(len(data), 4)),
		Usage:     usage | metadata.BufferUsageTransferSrc,
		Memory:    metadata.MemoryKindUpload,
		DebugName: name,
	})
	if err != nil {
		return rhi.InvalidBuffer, err
	}
	mapped, err := b.device.MapBuffer(id)
	if err != nil {
		b.device.DestroyBuffer(id)
		return rhi.InvalidBuffer, err
	}
	copy(mapped, data)
	return id, nil
}

// Stats reports live slot counts, pending deletions and frame timings.
func (b *Backend) Stats() metadata.RendererStats {
	fps, ms := b.metrics.Frame()
	return metadata.RendererStats{
		Textures:         b.textures.Live(),
		FrameBuffers:     b.frameBuffers.Live(),
		Shaders:          b.shaders.Live(),
		Meshes:           b.meshes.Live(),
		MaterialData:     b.materials.Live(),
		RTMaterialData:   b.rtMaterials.Live(),
		RTPipelines:      b.rtPipelines.Live(),
		PendingDeletions: b.deletions.Pending(),
		FrameSerial:      b.deletions.Serial(),
		FPS:              fps,
		FrameTimeMS:      ms,
	}
}

// Shutdown drains the GPU, destroys every live resource and the device.
// Later calls do nothing.
func (b *Backend) Shutdown() {
	if b.closed {
		return
	}
	b.closed = true
	if err := b.WaitForRenderFinish(); err != nil {
		core.LogError("renderer shutdown: %s", err)
	}
	if b.events != nil {
		b.events.Unregister(core.EVENT_CODE_RESIZED, b)
		b.events.Unregister(core.EVENT_CODE_SHADER_CHANGED, b)
	}
	for _, d := range b.deletions.Drain() {
		b.destroy(d)
	}

	b.rtPipelines.Each(func(id uint32, _ *rtPipelineRecord) { b.destroyRayTracingPipeline(metadata.RTPipelineHandle(id)) })
	b.rtMaterials.Each(func(id uint32, _ *rtMaterialRecord) { b.destroyRTMaterialData(metadata.RTMaterialDataHandle(id)) })
	b.materials.Each(func(id uint32, _ *materialRecord) { b.destroyMaterialData(metadata.MaterialDataHandle(id)) })
	b.meshes.Each(func(id uint32, _ *meshRecord) { b.destroyMesh(metadata.MeshHandle(id)) })
	b.shaders.Each(func(id uint32, _ *shaderRecord) { b.destroyShader(metadata.ShaderHandle(id)) })
	b.frameBuffers.Each(func(id uint32, _ *frameBufferRecord) { b.destroyFrameBuffer(metadata.FrameBufferHandle(id)) })
	b.textures.Each(func(id uint32, _ *textureRecord) { b.destroyTexture(metadata.TextureHandle(id)) })
	b.commands.Each(func(_ uint32, c *commandRecord) { c.release() })
	b.immediateList.Release()

	for _, heap := range b.dynamicHeaps {
		b.device.DestroyDescriptorHeap(heap)
	}
	b.frameFence.Destroy()
	b.immediateFence.Destroy()
	b.device.Shutdown()
	b.clock.Stop()
	core.LogInfo("renderer backend shut down after %d frames", b.metrics.TotalFrames())
}

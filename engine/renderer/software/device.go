package software

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type Options struct {
	Width  uint32
	Height uint32
	// Number of swapchain images, one per frame in flight.
	SwapchainImages uint32
	// Depth of the submission queue.
	QueueDepth int
}

/**
 * @brief A CPU implementation of rhi.Device. Submitted work runs on a
 * dedicated goroutine, so CPU and "GPU" timelines overlap exactly like they
 * do with a hardware queue.
 */
type SoftwareDevice struct {
	mu        sync.RWMutex
	idCounter uint32
	addresses *addressSpace

	buffers         map[rhi.BufferID]*buffer
	textures        map[rhi.TextureID]*texture
	heaps           map[rhi.HeapID]*descriptorHeap
	pipelines       map[rhi.PipelineID]*pipeline
	accelStructures map[uint64]*accelStructure
	commandLists    int

	programs    map[string]Program
	rayPrograms map[string]RayProgram

	queue     *queue
	idleMu    sync.Mutex
	idleFence *softwareFence
	idleValue uint64

	lostMu sync.Mutex
	lost   error

	width, height uint32
	swapchain     []rhi.TextureID
	backBuffer    uint32
	frontMu       sync.Mutex
	frontBuffer   []byte
	presented     uint64
}

func NewSoftwareDevice(opts Options) (*SoftwareDevice, error) {
	if opts.SwapchainImages == 0 {
		opts.SwapchainImages = 2
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	d := &SoftwareDevice{
		addresses:       newAddressSpace(),
		buffers:         map[rhi.BufferID]*buffer{},
		textures:        map[rhi.TextureID]*texture{},
		heaps:           map[rhi.HeapID]*descriptorHeap{},
		pipelines:       map[rhi.PipelineID]*pipeline{},
		accelStructures: map[uint64]*accelStructure{},
		programs:        map[string]Program{},
		rayPrograms:     map[string]RayProgram{},
		queue:           newQueue(opts.QueueDepth),
		idleFence:       newFence(0),
		swapchain:       make([]rhi.TextureID, opts.SwapchainImages),
	}
	registerBuiltinPrograms(d)
	go d.queue.run(d.execute)

	if opts.Width > 0 && opts.Height > 0 {
		if err := d.ResizeSwapchain(opts.Width, opts.Height); err != nil {
			d.Shutdown()
			return nil, err
		}
	}
	core.LogInfo("software device created (%d swapchain images)", opts.SwapchainImages)
	return d, nil
}

func (d *SoftwareDevice) Capabilities() metadata.DeviceCapabilities {
	return metadata.DeviceCapabilities{
		Name:                           "software",
		RayTracing:                     true,
		ShaderIdentifierSize:           shaderIdentifierSize,
		ShaderTableAlignment:           64,
		ShaderRecordAlignment:          32,
		ConstantBufferAlignment:        256,
		AccelerationStructureAlignment: 256,
		OriginTopLeft:                  true,
	}
}

func (d *SoftwareDevice) nextID() uint32 {
	d.idCounter++
	return d.idCounter
}

func (d *SoftwareDevice) markLost(err error) {
	d.lostMu.Lock()
	defer d.lostMu.Unlock()
	if d.lost == nil {
		d.lost = fmt.Errorf("%w: %v", core.ErrDeviceLost, err)
		core.LogError("software device lost: %s", err)
	}
}

func (d *SoftwareDevice) lostError() error {
	d.lostMu.Lock()
	defer d.lostMu.Unlock()
	return d.lost
}

// Err reports the execution error that put the device in the lost state.
func (d *SoftwareDevice) Err() error {
	return d.lostError()
}

func (d *SoftwareDevice) SwapchainTextures() []rhi.TextureID {
	out := make([]rhi.TextureID, len(d.swapchain))
	copy(out, d.swapchain)
	return out
}

func (d *SoftwareDevice) CurrentBackBuffer() uint32 {
	return d.backBuffer
}

// Present queues a copy of the current back buffer into the front buffer and
// moves to the next swapchain image.
func (d *SoftwareDevice) Present() error {
	if err := d.lostError(); err != nil {
		return err
	}
	source := d.swapchain[d.backBuffer]
	d.queue.items <- queueItem{present: func() {
		d.mu.RLock()
		t, ok := d.textures[source]
		d.mu.RUnlock()
		if !ok {
			d.markLost(fmt.Errorf("present of destroyed swapchain image %d", source))
			return
		}
		d.frontMu.Lock()
		d.frontBuffer = append(d.frontBuffer[:0], t.level(0, 0)...)
		d.presented++
		d.frontMu.Unlock()
	}}
	d.backBuffer = (d.backBuffer + 1) % uint32(len(d.swapchain))
	return nil
}

// FrontBuffer returns a copy of the last presented image and the number of presents so far.
func (d *SoftwareDevice) FrontBuffer() ([]byte, uint64) {
	d.frontMu.Lock()
	defer d.frontMu.Unlock()
	out := make([]byte, len(d.frontBuffer))
	copy(out, d.frontBuffer)
	return out, d.presented
}

// ResizeSwapchain recreates the swapchain images. The caller must make sure
// no submitted work still references them.
func (d *SoftwareDevice) ResizeSwapchain(width, height uint32) error {
	for i, id := range d.swapchain {
		if id != 0 {
			d.DestroyTexture(id)
		}
		tex, err := d.CreateTexture(metadata.TextureDesc{
			Width:     width,
			Height:    height,
			Format:    metadata.TextureFormatRGBA8,
			Usage:     metadata.TextureUsageRenderTarget | metadata.TextureUsageStorage | metadata.TextureUsageTransferSrc,
			DebugName: fmt.Sprintf("swapchain-%d", i),
		})
		if err != nil {
			return fmt.Errorf("resize swapchain: %w", err)
		}
		d.swapchain[i] = tex
	}
	d.width, d.height = width, height
	d.backBuffer = 0
	return nil
}

func (d *SoftwareDevice) Shutdown() {
	d.queue.close()
	d.idleFence.Destroy()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers = map[rhi.BufferID]*buffer{}
	d.textures = map[rhi.TextureID]*texture{}
	d.heaps = map[rhi.HeapID]*descriptorHeap{}
	d.pipelines = map[rhi.PipelineID]*pipeline{}
	d.accelStructures = map[uint64]*accelStructure{}
	core.LogInfo("software device destroyed")
}

// CommandLists returns how many command lists were created and not released.
func (d *SoftwareDevice) CommandLists() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.commandLists
}

// Stats returns the number of live native objects.
func (d *SoftwareDevice) Stats() (buffers, textures, heaps, pipelines int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.buffers), len(d.textures), len(d.heaps), len(d.pipelines)
}

var _ rhi.Device = (*SoftwareDevice)(nil)

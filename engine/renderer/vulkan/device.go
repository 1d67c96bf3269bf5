package vulkan

import (
	"fmt"
	"sync"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type Options struct {
	AppName string
	Width   uint32
	Height  uint32
	// Number of back buffers, one per frame in flight.
	SwapchainImages uint32
	// Enables VK_LAYER_KHRONOS_validation when installed.
	Validation bool
	VSync      bool
	// Window to present into. Nil renders offscreen.
	Window *glfw.Window
}

type VulkanPhysicalDeviceRequirements struct {
	Graphics             bool
	Present              bool
	DeviceExtensionNames []string
}

type VulkanPhysicalDeviceQueueFamilyInfo struct {
	GraphicsFamilyIndex uint32
	PresentFamilyIndex  uint32
}

/**
 * @brief rhi.Device on top of Vulkan 1.1. Hardware ray tracing is not
 * exposed: the ray tracing entry points report core.ErrUnsupported.
 */
type VulkanDevice struct {
	opts     Options
	ownsGLFW bool

	instance      vk.Instance
	debugCallback vk.DebugReportCallback
	surface       vk.Surface

	physicalDevice vk.PhysicalDevice
	logicalDevice  vk.Device
	properties     vk.PhysicalDeviceProperties
	features       vk.PhysicalDeviceFeatures
	memory         vk.PhysicalDeviceMemoryProperties
	deviceName     string

	queues        VulkanPhysicalDeviceQueueFamilyInfo
	graphicsQueue vk.Queue
	presentQueue  vk.Queue
	commandPool   vk.CommandPool
	sampler       vk.Sampler
	locks         *VulkanLockPool

	mu           sync.RWMutex
	idCounter    uint32
	buffers      map[rhi.BufferID]*buffer
	textures     map[rhi.TextureID]*texture
	heaps        map[rhi.HeapID]*descriptorHeap
	pipelines    map[rhi.PipelineID]*pipeline
	renderPasses map[renderPassKey]vk.RenderPass
	framebuffers map[framebufferKey]*VulkanFramebuffer

	freeFences   []*VulkanFence
	commandLists []*VulkanCommandList

	swapchain   *VulkanSwapchain
	backBuffers []rhi.TextureID
	backBuffer  uint32
	width       uint32
	height      uint32

	lostMu sync.Mutex
	lost   error
	closed bool
}

func NewVulkanDevice(opts Options) (*VulkanDevice, error) {
	if opts.SwapchainImages == 0 {
		opts.SwapchainImages = 2
	}
	if opts.AppName == "" {
		opts.AppName = "anima"
	}
	d := &VulkanDevice{
		opts:         opts,
		locks:        NewVulkanLockPool(),
		buffers:      map[rhi.BufferID]*buffer{},
		textures:     map[rhi.TextureID]*texture{},
		heaps:        map[rhi.HeapID]*descriptorHeap{},
		pipelines:    map[rhi.PipelineID]*pipeline{},
		renderPasses: map[renderPassKey]vk.RenderPass{},
		framebuffers: map[framebufferKey]*VulkanFramebuffer{},
		backBuffers:  make([]rhi.TextureID, opts.SwapchainImages),
	}
	for i := range d.backBuffers {
		d.backBuffers[i] = rhi.InvalidTexture
	}

	if err := d.createInstance(); err != nil {
		d.Shutdown()
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		d.Shutdown()
		return nil, err
	}
	if err := d.createSampler(); err != nil {
		d.Shutdown()
		return nil, err
	}
	if opts.Width > 0 && opts.Height > 0 {
		if err := d.ResizeSwapchain(opts.Width, opts.Height); err != nil {
			d.Shutdown()
			return nil, err
		}
	}
	core.LogInfo("Vulkan device created on %s (%d back buffers)", d.deviceName, opts.SwapchainImages)
	return d, nil
}

func (d *VulkanDevice) Capabilities() metadata.DeviceCapabilities {
	uboAlignment := uint32(d.properties.Limits.MinUniformBufferOffsetAlignment)
	if uboAlignment < 256 {
		uboAlignment = 256
	}
	return metadata.DeviceCapabilities{
		Name:                           "vulkan: " + d.deviceName,
		RayTracing:                     false,
		ShaderIdentifierSize:           32,
		ShaderTableAlignment:           64,
		ShaderRecordAlignment:          32,
		ConstantBufferAlignment:        uboAlignment,
		AccelerationStructureAlignment: 256,
		OriginTopLeft:                  true,
	}
}

func (d *VulkanDevice) nextID() uint32 {
	d.idCounter++
	return d.idCounter
}

func (d *VulkanDevice) markLost(err error) {
	d.lostMu.Lock()
	defer d.lostMu.Unlock()
	if d.lost == nil {
		d.lost = err
		core.LogError("Vulkan device lost: %s", err)
	}
}

// Err reports the error that put the device in the lost state.
func (d *VulkanDevice) Err() error {
	d.lostMu.Lock()
	defer d.lostMu.Unlock()
	return d.lost
}

// check records device loss and returns the wrapped error of a failed call.
func (d *VulkanDevice) check(call string, res vk.Result) error {
	err := vulkanError(call, res)
	if res == vk.ErrorDeviceLost {
		d.markLost(err)
	}
	return err
}

func (d *VulkanDevice) selectPhysicalDevice() error {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(d.instance, &count, nil); res != vk.Success {
		return vulkanError("vkEnumeratePhysicalDevices", res)
	}
	if count == 0 {
		return fmt.Errorf("no devices which support Vulkan were found")
	}
	devices := make([]vk.PhysicalDevice, count)
	if res := vk.EnumeratePhysicalDevices(d.instance, &count, devices); res != vk.Success {
		return vulkanError("vkEnumeratePhysicalDevices", res)
	}

	requirements := VulkanPhysicalDeviceRequirements{Graphics: true}
	if d.surface != vk.NullSurface {
		requirements.Present = true
		requirements.DeviceExtensionNames = []string{vk.KhrSwapchainExtensionName}
	}

	bestScore := -1
	for _, candidate := range devices {
		var properties vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(candidate, &properties)
		properties.Deref()
		properties.Limits.Deref()

		queueInfo, ok := d.physicalDeviceMeetsRequirements(candidate, &properties, &requirements)
		if !ok {
			continue
		}
		score := 0
		switch properties.DeviceType {
		case vk.PhysicalDeviceTypeDiscreteGpu:
			score = 3
		case vk.PhysicalDeviceTypeIntegratedGpu:
			score = 2
		case vk.PhysicalDeviceTypeVirtualGpu:
			score = 1
		}
		if score > bestScore {
			bestScore = score
			d.physicalDevice = candidate
			d.properties = properties
			d.queues = queueInfo
		}
	}
	if bestScore < 0 {
		return fmt.Errorf("no physical devices were found which meet the requirements")
	}

	vk.GetPhysicalDeviceFeatures(d.physicalDevice, &d.features)
	d.features.Deref()
	vk.GetPhysicalDeviceMemoryProperties(d.physicalDevice, &d.memory)
	d.memory.Deref()
	d.deviceName = cString(d.properties.DeviceName[:])

	core.LogInfo("selected device: '%s'", d.deviceName)
	core.LogInfo("GPU driver version: %d.%d.%d",
		vk.Version(d.properties.DriverVersion).Major(),
		vk.Version(d.properties.DriverVersion).Minor(),
		vk.Version(d.properties.DriverVersion).Patch())
	core.LogInfo("Vulkan API version: %d.%d.%d",
		vk.Version(d.properties.ApiVersion).Major(),
		vk.Version(d.properties.ApiVersion).Minor(),
		vk.Version(d.properties.ApiVersion).Patch())
	for i := uint32(0); i < d.memory.MemoryHeapCount; i++ {
		heap := d.memory.MemoryHeaps[i]
		heap.Deref()
		gib := float64(heap.Size) / 1024 / 1024 / 1024
		if vk.MemoryHeapFlagBits(heap.Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			core.LogInfo("local GPU memory: %.2f GiB", gib)
		} else {
			core.LogInfo("shared system memory: %.2f GiB", gib)
		}
	}
	return nil
}

func (d *VulkanDevice) physicalDeviceMeetsRequirements(device vk.PhysicalDevice, properties *vk.PhysicalDeviceProperties, requirements *VulkanPhysicalDeviceRequirements) (VulkanPhysicalDeviceQueueFamilyInfo, bool) {
	name := cString(properties.DeviceName[:])
	var info VulkanPhysicalDeviceQueueFamilyInfo
	graphicsFound, presentFound := false, false

	var familyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &familyCount, nil)
	families := make([]vk.QueueFamilyProperties, familyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &familyCount, families)

	for i := range families {
		families[i].Deref()
		index := uint32(i)
		if !graphicsFound && vk.QueueFlagBits(families[i].QueueFlags)&vk.QueueGraphicsBit != 0 {
			info.GraphicsFamilyIndex = index
			graphicsFound = true
		}
		if requirements.Present && !presentFound {
			var supportsPresent vk.Bool32
			if res := vk.GetPhysicalDeviceSurfaceSupport(device, index, d.surface, &supportsPresent); res == vk.Success && supportsPresent == vk.True {
				info.PresentFamilyIndex = index
				presentFound = true
			}
		}
	}
	if !requirements.Present {
		info.PresentFamilyIndex = info.GraphicsFamilyIndex
		presentFound = true
	}
	core.LogDebug("%s: graphics %t (%d) present %t (%d)", name, graphicsFound, info.GraphicsFamilyIndex, presentFound, info.PresentFamilyIndex)
	if (requirements.Graphics && !graphicsFound) || !presentFound {
		core.LogInfo("device %s does not meet the queue requirements, skipping", name)
		return info, false
	}

	available := deviceExtensions(device)
	for _, required := range requirements.DeviceExtensionNames {
		if !available[required] {
			core.LogInfo("required extension not found: '%s', skipping device %s", required, name)
			return info, false
		}
	}
	if requirements.Present {
		support, err := querySwapchainSupport(device, d.surface)
		if err != nil || len(support.Formats) == 0 || len(support.PresentModes) == 0 {
			core.LogInfo("required swapchain support not present, skipping device %s", name)
			return info, false
		}
	}
	return info, true
}

func deviceExtensions(device vk.PhysicalDevice) map[string]bool {
	out := map[string]bool{}
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, nil); res != vk.Success || count == 0 {
		return out
	}
	extensions := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, extensions); res != vk.Success {
		return out
	}
	for i := range extensions {
		extensions[i].Deref()
		out[cString(extensions[i].ExtensionName[:])] = true
	}
	return out
}

func (d *VulkanDevice) createLogicalDevice() error {
	if err := d.selectPhysicalDevice(); err != nil {
		return err
	}

	families := []uint32{d.queues.GraphicsFamilyIndex}
	if d.queues.PresentFamilyIndex != d.queues.GraphicsFamilyIndex {
		families = append(families, d.queues.PresentFamilyIndex)
	}
	queueCreateInfos := make([]vk.DeviceQueueCreateInfo, len(families))
	for i, family := range families {
		queueCreateInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
		d.locks.SetQueueFamily(family)
	}

	features := vk.PhysicalDeviceFeatures{
		SamplerAnisotropy: d.features.SamplerAnisotropy,
		// Cube render targets draw every face through the geometry stage.
		GeometryShader: d.features.GeometryShader,
	}

	var extensions []string
	available := deviceExtensions(d.physicalDevice)
	if d.surface != vk.NullSurface {
		extensions = append(extensions, vk.KhrSwapchainExtensionName)
	}
	if available["VK_KHR_portability_subset"] {
		core.LogInfo("adding required extension 'VK_KHR_portability_subset'")
		extensions = append(extensions, "VK_KHR_portability_subset")
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{features},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensions),
	}
	if res := vk.CreateDevice(d.physicalDevice, &deviceCreateInfo, nil, &d.logicalDevice); res != vk.Success {
		return vulkanError("vkCreateDevice", res)
	}
	core.LogInfo("logical device created")

	var queue vk.Queue
	vk.GetDeviceQueue(d.logicalDevice, d.queues.GraphicsFamilyIndex, 0, &queue)
	d.graphicsQueue = queue
	vk.GetDeviceQueue(d.logicalDevice, d.queues.PresentFamilyIndex, 0, &queue)
	d.presentQueue = queue

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.queues.GraphicsFamilyIndex,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if res := vk.CreateCommandPool(d.logicalDevice, &poolCreateInfo, nil, &d.commandPool); res != vk.Success {
		return vulkanError("vkCreateCommandPool", res)
	}
	core.LogDebug("graphics command pool created")

	if !d.supportsFormat(vk.FormatD32Sfloat, vk.FormatFeatureDepthStencilAttachmentBit) {
		core.LogWarn("%s does not support D32_SFLOAT depth attachments", d.deviceName)
	}
	return nil
}

func (d *VulkanDevice) supportsFormat(format vk.Format, flags vk.FormatFeatureFlagBits) bool {
	var properties vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(d.physicalDevice, format, &properties)
	properties.Deref()
	return vk.FormatFeatureFlagBits(properties.OptimalTilingFeatures)&flags == flags
}

// createSampler builds the sampler shared by every sampled texture descriptor.
func (d *VulkanDevice) createSampler() error {
	info := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               vk.FilterLinear,
		MinFilter:               vk.FilterLinear,
		MipmapMode:              vk.SamplerMipmapModeLinear,
		AddressModeU:            vk.SamplerAddressModeRepeat,
		AddressModeV:            vk.SamplerAddressModeRepeat,
		AddressModeW:            vk.SamplerAddressModeRepeat,
		AnisotropyEnable:        vk.False,
		MaxAnisotropy:           1,
		CompareOp:               vk.CompareOpAlways,
		MaxLod:                  1000,
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
	}
	if d.features.SamplerAnisotropy == vk.True {
		info.AnisotropyEnable = vk.True
		info.MaxAnisotropy = d.properties.Limits.MaxSamplerAnisotropy
	}
	if res := vk.CreateSampler(d.logicalDevice, &info, nil, &d.sampler); res != vk.Success {
		return vulkanError("vkCreateSampler", res)
	}
	return nil
}

// WaitIdle drains every queue the device submits to.
func (d *VulkanDevice) WaitIdle() error {
	if d.logicalDevice == nil {
		return nil
	}
	err := d.locks.SafeQueueCall(d.queues.GraphicsFamilyIndex, func() error {
		return d.check("vkQueueWaitIdle", vk.QueueWaitIdle(d.graphicsQueue))
	})
	if err != nil {
		return err
	}
	if d.queues.PresentFamilyIndex != d.queues.GraphicsFamilyIndex {
		return d.locks.SafeQueueCall(d.queues.PresentFamilyIndex, func() error {
			return d.check("vkQueueWaitIdle", vk.QueueWaitIdle(d.presentQueue))
		})
	}
	return nil
}

// Shutdown waits for the GPU and destroys every object still alive. It is
// safe to call more than once.
func (d *VulkanDevice) Shutdown() {
	if d.closed {
		return
	}
	d.closed = true

	if d.logicalDevice != nil {
		vk.DeviceWaitIdle(d.logicalDevice)

		if d.swapchain != nil {
			d.swapchain.Destroy(d)
			d.swapchain = nil
		}
		d.mu.Lock()
		for id, t := range d.textures {
			d.releaseTexture(t)
			delete(d.textures, id)
		}
		for id, b := range d.buffers {
			d.releaseBuffer(b)
			delete(d.buffers, id)
		}
		for id, p := range d.pipelines {
			p.Destroy(d)
			delete(d.pipelines, id)
		}
		d.heaps = map[rhi.HeapID]*descriptorHeap{}
		for _, cl := range d.commandLists {
			cl.destroy()
		}
		d.commandLists = nil
		for key, fb := range d.framebuffers {
			fb.Destroy(d)
			delete(d.framebuffers, key)
		}
		for key, rp := range d.renderPasses {
			vk.DestroyRenderPass(d.logicalDevice, rp, nil)
			delete(d.renderPasses, key)
		}
		d.mu.Unlock()

		for _, f := range d.freeFences {
			f.Destroy(d)
		}
		d.freeFences = nil
		if d.sampler != nil {
			vk.DestroySampler(d.logicalDevice, d.sampler, nil)
		}
		if d.commandPool != nil {
			vk.DestroyCommandPool(d.logicalDevice, d.commandPool, nil)
		}
		core.LogDebug("destroying Vulkan device")
		vk.DestroyDevice(d.logicalDevice, nil)
		d.logicalDevice = nil
	}
	d.destroyInstance()
	core.LogInfo("Vulkan device destroyed")
}

var _ rhi.Device = (*VulkanDevice)(nil)

package vulkan

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
)

const validationLayerName = "VK_LAYER_KHRONOS_validation"

/**
 * @brief Loads the Vulkan loader through GLFW and creates the instance, the
 * optional debug report callback and the window surface.
 */
func (d *VulkanDevice) createInstance() error {
	if d.opts.Window == nil {
		// Offscreen devices still need GLFW to locate the loader.
		if err := glfw.Init(); err != nil {
			return fmt.Errorf("failed to initialize glfw: %w", err)
		}
		d.ownsGLFW = true
	}

	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		return fmt.Errorf("GetInstanceProcAddress is nil")
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		return fmt.Errorf("failed to initialize vk: %w", err)
	}

	appInfo := &vk.ApplicationInfo{
		SType: vk.StructureTypeApplicationInfo,
		// 1.1 for negative viewport heights.
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(d.opts.AppName),
		PEngineName:        VulkanSafeString("Anima RHI"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	var extensions []string
	if d.opts.Window != nil {
		extensions = append(extensions, d.opts.Window.GetRequiredInstanceExtensions()...)
	}
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}

	var layers []string
	validation := d.opts.Validation && d.hasInstanceLayer(validationLayerName)
	if d.opts.Validation && !validation {
		core.LogWarn("validation requested but %s is not installed", validationLayerName)
	}
	if validation {
		layers = append(layers, validationLayerName)
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
	}
	for _, e := range extensions {
		core.LogDebug("instance extension: %s", e)
	}

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	if res := vk.CreateInstance(&createInfo, nil, &d.instance); res != vk.Success {
		return vulkanError("vkCreateInstance", res)
	}
	if err := vk.InitInstance(d.instance); err != nil {
		return err
	}
	core.LogInfo("Vulkan instance created")

	if validation {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		if res := vk.CreateDebugReportCallback(d.instance, &debugCreateInfo, nil, &d.debugCallback); res != vk.Success {
			return vulkanError("vkCreateDebugReportCallback", res)
		}
		core.LogDebug("Vulkan debugger created")
	}

	if d.opts.Window != nil {
		surface, err := d.opts.Window.CreateWindowSurface(d.instance, nil)
		if err != nil {
			return fmt.Errorf("vulkan surface creation failed: %w", err)
		}
		d.surface = vk.SurfaceFromPointer(surface)
		core.LogDebug("Vulkan surface created")
	}
	return nil
}

func (d *VulkanDevice) hasInstanceLayer(name string) bool {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success || count == 0 {
		return false
	}
	layers := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, layers); res != vk.Success {
		return false
	}
	for i := range layers {
		layers[i].Deref()
		if cString(layers[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

func (d *VulkanDevice) destroyInstance() {
	if d.instance == nil {
		return
	}
	if d.surface != vk.NullSurface {
		vk.DestroySurface(d.instance, d.surface, nil)
		d.surface = vk.NullSurface
	}
	if d.debugCallback != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(d.instance, d.debugCallback, nil)
		d.debugCallback = vk.NullDebugReportCallback
	}
	vk.DestroyInstance(d.instance, nil)
	d.instance = nil
	if d.ownsGLFW {
		glfw.Terminate()
		d.ownsGLFW = false
	}
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("[%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("[%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("performance: [%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}

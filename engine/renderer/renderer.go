package renderer

import (
	"fmt"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/platform"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/software"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/vulkan"
)

// The native layer the backend drives.
type (
	Device      = rhi.Device
	CommandList = rhi.CommandList
	Fence       = rhi.Fence
)

/**
 * @brief Selects and creates the native device named by [renderer] backend.
 * @param cfg The engine configuration.
 * @param p The platform owning the window. Can be nil for offscreen rendering.
 */
func NewDevice(cfg *core.Config, p *platform.Platform) (Device, error) {
	kind, ok := metadata.ParseRendererType(cfg.Renderer.Backend)
	if !ok {
		return nil, fmt.Errorf("unknown renderer backend %q", cfg.Renderer.Backend)
	}

	switch kind {
	case metadata.RendererTypeSoftware:
		return software.NewSoftwareDevice(software.Options{
			Width:           cfg.Window.Width,
			Height:          cfg.Window.Height,
			SwapchainImages: cfg.Renderer.FramesInFlight,
		})
	case metadata.RendererTypeVulkan:
		opts := vulkan.Options{
			AppName:         cfg.Window.Title,
			Width:           cfg.Window.Width,
			Height:          cfg.Window.Height,
			SwapchainImages: cfg.Renderer.FramesInFlight,
			Validation:      cfg.Renderer.Validation,
			VSync:           cfg.Renderer.VSync,
		}
		if p != nil {
			opts.Window = p.Window
		}
		return vulkan.NewVulkanDevice(opts)
	}
	return nil, core.ErrUnsupported
}

/**
 * @brief Creates the device and the backend on top of it in one step.
 */
func New(cfg *core.Config, p *platform.Platform, events *core.EventBus) (*Backend, error) {
	device, err := NewDevice(cfg, p)
	if err != nil {
		return nil, err
	}
	b, err := NewBackend(device, OptionsFromConfig(cfg), events)
	if err != nil {
		device.Shutdown()
		return nil, err
	}
	return b, nil
}

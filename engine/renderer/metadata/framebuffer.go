package metadata

import "github.com/spaghettifunk/anima-rhi/engine/math"

type FrameBufferType int

const (
	// Color plus depth.
	FrameBufferTypeNormal FrameBufferType = iota
	FrameBufferTypeColor
	// Color in a floating point format.
	FrameBufferTypeHighPrecision
	// Depth only.
	FrameBufferTypeShadowMap
	// Six layer depth.
	FrameBufferTypeShadowCubeMap
	// Color target written by ray generation shaders.
	FrameBufferTypeRayTracing
	// The swapchain images.
	FrameBufferTypePresent
	FrameBufferTypeMax
)

func (t FrameBufferType) String() string {
	switch t {
	case FrameBufferTypeNormal:
		return "normal"
	case FrameBufferTypeColor:
		return "color"
	case FrameBufferTypeHighPrecision:
		return "high_precision"
	case FrameBufferTypeShadowMap:
		return "shadow_map"
	case FrameBufferTypeShadowCubeMap:
		return "shadow_cube_map"
	case FrameBufferTypeRayTracing:
		return "ray_tracing"
	case FrameBufferTypePresent:
		return "present"
	}
	return "invalid"
}

type FrameBufferClearFlags uint32

const (
	ClearFrameBufferNone    FrameBufferClearFlags = 0
	ClearFrameBufferColor   FrameBufferClearFlags = 0x1
	ClearFrameBufferDepth   FrameBufferClearFlags = 0x2
	ClearFrameBufferStencil FrameBufferClearFlags = 0x4
)

/** @brief How a frame buffer is cleared when a draw command begins. */
type ClearInfo struct {
	ClearFlags FrameBufferClearFlags
	Color      math.Vec4
	Depth      float32
	Stencil    uint32
}

func NewClearInfo(flags FrameBufferClearFlags, color math.Vec4) ClearInfo {
	return ClearInfo{
		ClearFlags: flags,
		Color:      color,
		Depth:      1.0,
		Stencil:    0,
	}
}

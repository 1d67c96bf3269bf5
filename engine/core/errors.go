package core

import (
	"errors"
)

var (
	ErrSwapchainBooting       = errors.New("swapchain resized or recreated, booting")
	ErrInvalidFrameBufferType = errors.New("invalid frame buffer type")
	ErrShaderPropertyNotFound = errors.New("shader property not found")
	ErrTextureBindingNotFound = errors.New("texture binding not found")
	ErrInvalidHandle          = errors.New("invalid handle")
	ErrUnsupported            = errors.New("operation not supported by device")
	ErrDeviceLost             = errors.New("device lost")
	ErrZeroSizedTexture       = errors.New("zero sized texture")
	ErrUnknown                = errors.New("unknown")
)

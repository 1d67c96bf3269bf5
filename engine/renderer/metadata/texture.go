package metadata

import (
	"encoding/binary"

	"github.com/chewxy/math32"
	"github.com/spaghettifunk/anima-rhi/engine/math"
)

/**
 * @brief Represents various types of textures.
 */
type TextureType int

const (
	/** @brief A standard two-dimensional texture. */
	TextureType2d TextureType = iota
	/** @brief A cube texture, used for cubemaps. */
	TextureTypeCube
)

type TextureFormat int

const (
	TextureFormatRGBA8 TextureFormat = iota
	TextureFormatR8
	TextureFormatRGBA16F
	TextureFormatRGBA32F
	TextureFormatD32F
)

func (f TextureFormat) BytesPerPixel() uint32 {
	switch f {
	case TextureFormatR8:
		return 1
	case TextureFormatRGBA16F:
		return 8
	case TextureFormatRGBA32F:
		return 16
	case TextureFormatD32F:
		return 4
	}
	return 4
}

func (f TextureFormat) IsDepth() bool {
	return f == TextureFormatD32F
}

type TextureUsage uint32

const (
	TextureUsageSampled      TextureUsage = 0x1
	TextureUsageRenderTarget TextureUsage = 0x2
	TextureUsageDepthTarget  TextureUsage = 0x4
	TextureUsageStorage      TextureUsage = 0x8
	TextureUsageTransferSrc  TextureUsage = 0x10
	TextureUsageTransferDst  TextureUsage = 0x20
)

/** @brief Everything a device needs to create a texture. */
type TextureDesc struct {
	Width     uint32
	Height    uint32
	Layers    uint32
	MipLevels uint32
	Format    TextureFormat
	Usage     TextureUsage
	Type      TextureType
	DebugName string
}

// ByteSize of one mip level of one layer.
func (d TextureDesc) LayerSize(mip uint32) uint64 {
	w, h := MipExtent(d.Width, mip), MipExtent(d.Height, mip)
	return uint64(w) * uint64(h) * uint64(d.Format.BytesPerPixel())
}

func MipExtent(size, mip uint32) uint32 {
	s := size >> mip
	if s == 0 {
		return 1
	}
	return s
}

// EncodeTexel writes c into dst using the layout of f.
func EncodeTexel(f TextureFormat, dst []byte, c math.Vec4) {
	switch f {
	case TextureFormatR8:
		dst[0] = unorm8(c.X)
	case TextureFormatRGBA16F:
		for i, v := range c.Slice() {
			binary.LittleEndian.PutUint16(dst[i*2:], float32ToHalf(v))
		}
	case TextureFormatRGBA32F:
		for i, v := range c.Slice() {
			binary.LittleEndian.PutUint32(dst[i*4:], math32.Float32bits(v))
		}
	case TextureFormatD32F:
		binary.LittleEndian.PutUint32(dst, math32.Float32bits(c.X))
	default:
		dst[0] = unorm8(c.X)
		dst[1] = unorm8(c.Y)
		dst[2] = unorm8(c.Z)
		dst[3] = unorm8(c.W)
	}
}

// DecodeTexel reads one texel of format f. Single channel formats fill X only.
func DecodeTexel(f TextureFormat, src []byte) math.Vec4 {
	switch f {
	case TextureFormatR8:
		return math.Vec4{X: float32(src[0]) / 255}
	case TextureFormatRGBA16F:
		var out [4]float32
		for i := range out {
			out[i] = halfToFloat32(binary.LittleEndian.Uint16(src[i*2:]))
		}
		return math.Vec4{X: out[0], Y: out[1], Z: out[2], W: out[3]}
	case TextureFormatRGBA32F:
		var out [4]float32
		for i := range out {
			out[i] = math32.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
		return math.Vec4{X: out[0], Y: out[1], Z: out[2], W: out[3]}
	case TextureFormatD32F:
		return math.Vec4{X: math32.Float32frombits(binary.LittleEndian.Uint32(src))}
	}
	return math.Vec4{
		X: float32(src[0]) / 255,
		Y: float32(src[1]) / 255,
		Z: float32(src[2]) / 255,
		W: float32(src[3]) / 255,
	}
}

func unorm8(v float32) uint8 {
	return uint8(math.Clamp(v, 0, 1)*255 + 0.5)
}

func float32ToHalf(f float32) uint16 {
	bits := math32.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32((bits>>23)&0xff) - 127 + 15
	mant := bits & 0x7fffff
	switch {
	case exp <= 0:
		return sign
	case exp >= 31:
		return sign | 0x7c00
	}
	return sign | uint16(exp)<<10 | uint16(mant>>13)
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)
	switch exp {
	case 0:
		if mant == 0 {
			return math32.Float32frombits(sign)
		}
		// subnormal
		return signOf(sign) * float32(mant) / 1024 / 16384
	case 31:
		return math32.Float32frombits(sign | 0x7f800000 | mant<<13)
	}
	return math32.Float32frombits(sign | (exp-15+127)<<23 | mant<<13)
}

func signOf(sign uint32) float32 {
	if sign != 0 {
		return -1
	}
	return 1
}

package metadata

import "github.com/spaghettifunk/anima-rhi/engine/math"

/**
 * @brief Initial values of a material, keyed by shader property name. Used to
 * fill every frame copy of a material's constant buffer and texture set.
 */
type MaterialValues struct {
	Floats   map[string]float32
	Ints     map[string]int32
	Uints    map[string]uint32
	Vec2s    map[string]math.Vec2
	Vec3s    map[string]math.Vec3
	Vec4s    map[string]math.Vec4
	Textures map[string]TextureHandle
	CubeMaps map[string]TextureHandle
}

func NewMaterialValues() *MaterialValues {
	return &MaterialValues{
		Floats:   map[string]float32{},
		Ints:     map[string]int32{},
		Uints:    map[string]uint32{},
		Vec2s:    map[string]math.Vec2{},
		Vec3s:    map[string]math.Vec3{},
		Vec4s:    map[string]math.Vec4{},
		Textures: map[string]TextureHandle{},
		CubeMaps: map[string]TextureHandle{},
	}
}

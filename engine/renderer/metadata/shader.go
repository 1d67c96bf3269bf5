package metadata

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

type ShaderPropertyType int

const (
	ShaderPropertyTypeBool ShaderPropertyType = iota
	ShaderPropertyTypeInt
	ShaderPropertyTypeUint
	ShaderPropertyTypeFloat
	ShaderPropertyTypeVec2
	ShaderPropertyTypeVec3
	ShaderPropertyTypeVec4
	ShaderPropertyTypeMat2
	ShaderPropertyTypeMat3
	ShaderPropertyTypeMat4
	ShaderPropertyTypeSampler2D
	ShaderPropertyTypeSamplerCube
	// Depth texture written by a shadow pass.
	ShaderPropertyTypeShadowMap
	ShaderPropertyTypeShadowCubeMap
)

var shaderPropertyTypeNames = map[ShaderPropertyType]string{
	ShaderPropertyTypeBool:          "bool",
	ShaderPropertyTypeInt:           "int",
	ShaderPropertyTypeUint:          "uint",
	ShaderPropertyTypeFloat:         "float",
	ShaderPropertyTypeVec2:          "vec2",
	ShaderPropertyTypeVec3:          "vec3",
	ShaderPropertyTypeVec4:          "vec4",
	ShaderPropertyTypeMat2:          "mat2",
	ShaderPropertyTypeMat3:          "mat3",
	ShaderPropertyTypeMat4:          "mat4",
	ShaderPropertyTypeSampler2D:     "sampler2D",
	ShaderPropertyTypeSamplerCube:   "samplerCube",
	ShaderPropertyTypeShadowMap:     "shadowMap",
	ShaderPropertyTypeShadowCubeMap: "shadowCubeMap",
}

func (t ShaderPropertyType) String() string {
	if s, ok := shaderPropertyTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ShaderPropertyType(%d)", int(t))
}

func (t *ShaderPropertyType) UnmarshalText(text []byte) error {
	for k, v := range shaderPropertyTypeNames {
		if strings.EqualFold(v, string(text)) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown shader property type %q", string(text))
}

// IsTexture reports whether the property is bound through the texture set.
func (t ShaderPropertyType) IsTexture() bool {
	return t >= ShaderPropertyTypeSampler2D
}

// IsCube reports whether the property samples a six layer texture.
func (t ShaderPropertyType) IsCube() bool {
	return t == ShaderPropertyTypeSamplerCube || t == ShaderPropertyTypeShadowCubeMap
}

/**
 * @brief A reflected shader property. Base properties live in the stage's
 * constant buffer at Offset; texture properties use Binding.
 */
type ShaderProperty struct {
	Name string `yaml:"name"`
	// Size of the whole property, the whole array for arrays.
	Size  uint32 `yaml:"size"`
	Align uint32 `yaml:"align"`
	// Byte offset inside the constant buffer.
	Offset  uint32 `yaml:"offset"`
	Binding uint32 `yaml:"binding"`
	// Number of elements, 0 for non arrays.
	ArrayLength uint32 `yaml:"array_length"`
	// Stride between array elements.
	ArrayOffset uint32             `yaml:"array_offset"`
	Type        ShaderPropertyType `yaml:"type"`
}

type ShaderPropertiesInfo struct {
	BaseProperties    []ShaderProperty `yaml:"base"`
	TextureProperties []ShaderProperty `yaml:"textures"`
}

type BlendOption int

const (
	BlendOptionAdd BlendOption = iota
	BlendOptionSubtract
	BlendOptionReverseSubtract
	BlendOptionMin
	BlendOptionMax
)

type BlendFactor int

const (
	BlendFactorZero BlendFactor = iota
	BlendFactorOne
	BlendFactorSrcColor
	BlendFactorOneMinusSrcColor
	BlendFactorDstColor
	BlendFactorOneMinusDstColor
	BlendFactorSrcAlpha
	BlendFactorOneMinusSrcAlpha
	BlendFactorDstAlpha
	BlendFactorOneMinusDstAlpha
)

type FaceCullOption int

const (
	FaceCullBack FaceCullOption = iota
	FaceCullFront
	FaceCullNone
)

type CompareOption int

const (
	CompareLess CompareOption = iota
	CompareLessOrEqual
	CompareEqual
	CompareGreater
	CompareGreaterOrEqual
	CompareNotEqual
	CompareAlways
	CompareNever
)

// Compare evaluates a <op> b.
func (c CompareOption) Compare(a, b float32) bool {
	switch c {
	case CompareLess:
		return a < b
	case CompareLessOrEqual:
		return a <= b
	case CompareEqual:
		return a == b
	case CompareGreater:
		return a > b
	case CompareGreaterOrEqual:
		return a >= b
	case CompareNotEqual:
		return a != b
	case CompareAlways:
		return true
	}
	return false
}

/** @brief Fixed function state of a graphics pipeline. */
type ShaderStateSet struct {
	BlendOp        BlendOption    `yaml:"blend_op"`
	SrcFactor      BlendFactor    `yaml:"src_factor"`
	DstFactor      BlendFactor    `yaml:"dst_factor"`
	Cull           FaceCullOption `yaml:"cull"`
	DepthCompareOp CompareOption  `yaml:"depth_compare"`
	DepthWrite     bool           `yaml:"depth_write"`
}

func DefaultShaderStateSet() ShaderStateSet {
	return ShaderStateSet{
		BlendOp:        BlendOptionAdd,
		SrcFactor:      BlendFactorSrcAlpha,
		DstFactor:      BlendFactorOneMinusSrcAlpha,
		Cull:           FaceCullBack,
		DepthCompareOp: CompareLess,
		DepthWrite:     true,
	}
}

type ShaderStageFlags uint32

const (
	ShaderStageVertex       ShaderStageFlags = 0x1
	ShaderStageGeometry     ShaderStageFlags = 0x2
	ShaderStageFragment     ShaderStageFlags = 0x4
	ShaderStageRayGen       ShaderStageFlags = 0x8
	ShaderStageMiss         ShaderStageFlags = 0x10
	ShaderStageClosestHit   ShaderStageFlags = 0x20
	ShaderStageAnyHit       ShaderStageFlags = 0x40
	ShaderStageIntersection ShaderStageFlags = 0x80
)

/** @brief Reflection of a compiled shader program. */
type ShaderInfo struct {
	StateSet       ShaderStateSet       `yaml:"state"`
	Stages         ShaderStageFlags     `yaml:"stages"`
	VertProperties ShaderPropertiesInfo `yaml:"vertex"`
	GeomProperties ShaderPropertiesInfo `yaml:"geometry"`
	FragProperties ShaderPropertiesInfo `yaml:"fragment"`
}

// BaseStages returns the property lists in uniform lookup order.
func (info *ShaderInfo) BaseStages() [3]*ShaderPropertiesInfo {
	return [3]*ShaderPropertiesInfo{&info.VertProperties, &info.GeomProperties, &info.FragProperties}
}

// TextureStages returns the property lists in texture binding lookup order.
func (info *ShaderInfo) TextureStages() [3]*ShaderPropertiesInfo {
	return [3]*ShaderPropertiesInfo{&info.FragProperties, &info.VertProperties, &info.GeomProperties}
}

// FindBaseProperty resolves name vertex, geometry then fragment. The first
// match wins, so a name declared by several stages resolves to the earliest.
func (info *ShaderInfo) FindBaseProperty(name string) (*ShaderProperty, bool) {
	for _, stage := range info.BaseStages() {
		for i := range stage.BaseProperties {
			if stage.BaseProperties[i].Name == name {
				return &stage.BaseProperties[i], true
			}
		}
	}
	return nil, false
}

// FindTextureProperty resolves name fragment, vertex then geometry.
func (info *ShaderInfo) FindTextureProperty(name string) (*ShaderProperty, bool) {
	for _, stage := range info.TextureStages() {
		for i := range stage.TextureProperties {
			if stage.TextureProperties[i].Name == name {
				return &stage.TextureProperties[i], true
			}
		}
	}
	return nil, false
}

// ConstantBufferSize is the end of the last base property of the last stage
// that declares any, checked fragment, geometry then vertex.
func (info *ShaderInfo) ConstantBufferSize() uint32 {
	for _, stage := range [3]*ShaderPropertiesInfo{&info.FragProperties, &info.GeomProperties, &info.VertProperties} {
		if n := len(stage.BaseProperties); n > 0 {
			last := stage.BaseProperties[n-1]
			return last.Offset + last.Size
		}
	}
	return 0
}

func (info *ShaderInfo) TextureCount() int {
	return len(info.VertProperties.TextureProperties) +
		len(info.GeomProperties.TextureProperties) +
		len(info.FragProperties.TextureProperties)
}

// DuplicateBaseNames lists base property names declared by more than one stage.
func (info *ShaderInfo) DuplicateBaseNames() []string {
	seen := map[string]int{}
	var dups []string
	for _, stage := range info.BaseStages() {
		names := map[string]bool{}
		for _, p := range stage.BaseProperties {
			names[p.Name] = true
		}
		for n := range names {
			seen[n]++
			if seen[n] == 2 {
				dups = append(dups, n)
			}
		}
	}
	slices.Sort(dups)
	return dups
}

package software

import (
	"encoding/binary"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

// MaxVaryings is the number of floats passed from vertex to fragment stage.
const MaxVaryings = 16

type Varyings [MaxVaryings]float32

// Program is the CPU equivalent of a compiled vertex and fragment shader pair.
type Program struct {
	// Vertex returns the clip space position.
	Vertex func(ctx *ShaderContext, in math.Vertex) (math.Vec4, Varyings)
	// Fragment returns the color, or false to discard the fragment.
	Fragment func(ctx *ShaderContext, in *Varyings) (math.Vec4, bool)
}

// ShaderContext gives programs access to the bound constant buffer and textures.
type ShaderContext struct {
	pipeline  *pipeline
	constants []byte
	x         *executor
}

// RegisterProgram makes p available to pipelines named name.
func (d *SoftwareDevice) RegisterProgram(name string, p Program) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.programs[name] = p
}

func (c *ShaderContext) property(name string) (*metadata.ShaderProperty, bool) {
	p, ok := c.pipeline.properties[name]
	if !ok || c.constants == nil || int(p.Offset+p.Size) > len(c.constants) {
		return nil, false
	}
	return p, true
}

// Has reports whether the pipeline declares the base property name.
func (c *ShaderContext) Has(name string) bool {
	_, ok := c.property(name)
	return ok
}

func (c *ShaderContext) Float(name string) float32 {
	p, ok := c.property(name)
	if !ok {
		return 0
	}
	return readFloat(c.constants, p.Offset)
}

func (c *ShaderContext) Vec4(name string) math.Vec4 {
	p, ok := c.property(name)
	if !ok {
		return math.Vec4{}
	}
	return readVec4(c.constants, p.Offset)
}

func (c *ShaderContext) Mat4(name string) math.Mat4 {
	p, ok := c.property(name)
	if !ok {
		return math.NewMat4Identity()
	}
	return readMat4(c.constants, p.Offset)
}

func (c *ShaderContext) boundTexture(name string) *texture {
	prop, ok := c.pipeline.textureProps[name]
	if !ok {
		return nil
	}
	tbl, ok := c.x.tables[metadata.GraphicsRootTextureTable]
	if !ok {
		return nil
	}
	h := c.x.d.heaps[tbl.heap]
	idx := tbl.base + prop.Binding
	if h == nil || idx >= uint32(len(h.entries)) {
		return nil
	}
	return c.x.d.textures[h.entries[idx].texture]
}

// Sample reads the 2D texture bound to name. Unbound textures read as zero.
func (c *ShaderContext) Sample(name string, uv math.Vec2) math.Vec4 {
	t := c.boundTexture(name)
	if t == nil {
		return math.Vec4{}
	}
	return t.sample2D(0, uv)
}

func (c *ShaderContext) SampleCube(name string, dir math.Vec3) math.Vec4 {
	t := c.boundTexture(name)
	if t == nil {
		return math.Vec4{}
	}
	return t.sampleCube(dir)
}

func readFloat(data []byte, offset uint32) float32 {
	return math32.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
}

func readVec4(data []byte, offset uint32) math.Vec4 {
	return math.Vec4{
		X: readFloat(data, offset),
		Y: readFloat(data, offset+4),
		Z: readFloat(data, offset+8),
		W: readFloat(data, offset+12),
	}
}

func readMat4(data []byte, offset uint32) math.Mat4 {
	var m math.Mat4
	for i := range m.Data {
		m.Data[i] = readFloat(data, offset+uint32(i)*4)
	}
	return m
}

type pipeline struct {
	name       string
	rayTracing bool

	desc         metadata.PipelineDesc
	program      Program
	properties   map[string]*metadata.ShaderProperty
	textureProps map[string]*metadata.ShaderProperty

	rtDesc      metadata.RayTracingPipelineDesc
	exports     []string
	rayPrograms []RayProgram
}

func (d *SoftwareDevice) CreatePipeline(desc metadata.PipelineDesc) (rhi.PipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prog, ok := d.programs[desc.Name]
	if !ok {
		return rhi.InvalidPipeline, fmt.Errorf("create pipeline: no program registered for shader %q", desc.Name)
	}
	p := &pipeline{
		name:         debugName("pipeline", desc.Name),
		desc:         desc,
		program:      prog,
		properties:   map[string]*metadata.ShaderProperty{},
		textureProps: map[string]*metadata.ShaderProperty{},
	}
	// Earlier stages shadow later ones, the same way the backend resolves names.
	for _, stage := range p.desc.Info.BaseStages() {
		for i := range stage.BaseProperties {
			prop := &stage.BaseProperties[i]
			if _, taken := p.properties[prop.Name]; !taken {
				p.properties[prop.Name] = prop
			}
		}
	}
	for _, stage := range p.desc.Info.TextureStages() {
		for i := range stage.TextureProperties {
			prop := &stage.TextureProperties[i]
			if _, taken := p.textureProps[prop.Name]; !taken {
				p.textureProps[prop.Name] = prop
			}
		}
	}
	id := rhi.PipelineID(d.nextID())
	d.pipelines[id] = p
	return id, nil
}

func (d *SoftwareDevice) DestroyPipeline(id rhi.PipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pipelines[id]; !ok {
		core.LogWarn("software device: destroy of unknown pipeline %d", id)
		return
	}
	delete(d.pipelines, id)
}

// registerBuiltinPrograms installs the programs the bundled shaders map to.
func registerBuiltinPrograms(d *SoftwareDevice) {
	transform := func(ctx *ShaderContext, in math.Vertex) math.Vec4 {
		pos := in.Position.ToVec4(1)
		if ctx.Has("_MVP") {
			return pos.Transform(ctx.Mat4("_MVP"))
		}
		if ctx.Has("_Model") {
			pos = pos.Transform(ctx.Mat4("_Model"))
			pos = pos.Transform(ctx.Mat4("_View"))
			pos = pos.Transform(ctx.Mat4("_Projection"))
		}
		return pos
	}

	d.programs["unlit_color"] = Program{
		Vertex: func(ctx *ShaderContext, in math.Vertex) (math.Vec4, Varyings) {
			return transform(ctx, in), Varyings{}
		},
		Fragment: func(ctx *ShaderContext, in *Varyings) (math.Vec4, bool) {
			return ctx.Vec4("_Color"), true
		},
	}
	d.programs["unlit_texture"] = Program{
		Vertex: func(ctx *ShaderContext, in math.Vertex) (math.Vec4, Varyings) {
			var out Varyings
			out[0], out[1] = in.Texcoord.X, in.Texcoord.Y
			return transform(ctx, in), out
		},
		Fragment: func(ctx *ShaderContext, in *Varyings) (math.Vec4, bool) {
			c := ctx.Sample("_MainTex", math.Vec2{X: in[0], Y: in[1]})
			if ctx.Has("_Color") {
				tint := ctx.Vec4("_Color")
				c = math.Vec4{X: c.X * tint.X, Y: c.Y * tint.Y, Z: c.Z * tint.Z, W: c.W * tint.W}
			}
			return c, c.W > 0
		},
	}
	d.programs["text"] = Program{
		Vertex: d.programs["unlit_texture"].Vertex,
		Fragment: func(ctx *ShaderContext, in *Varyings) (math.Vec4, bool) {
			alpha := ctx.Sample("_Text", math.Vec2{X: in[0], Y: in[1]}).X
			c := ctx.Vec4("_TextColor")
			c.W *= alpha
			return c, alpha > 0
		},
	}
	d.programs["depth_only"] = Program{
		Vertex: func(ctx *ShaderContext, in math.Vertex) (math.Vec4, Varyings) {
			return transform(ctx, in), Varyings{}
		},
		Fragment: func(ctx *ShaderContext, in *Varyings) (math.Vec4, bool) {
			return math.Vec4{}, true
		},
	}
	registerBuiltinRayPrograms(d)
}

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

const (
	shaderIdentifierSize  = 32
	shaderIdentifierMagic = 0x52545348
)

/** @brief Payload carried by a ray between trace calls. */
type RayPayload struct {
	Color math.Vec4
	Data  [4]uint32
	// Recursion depth of the trace that produced the payload.
	Depth uint32
}

/** @brief Intersection attributes handed to closest hit programs. */
type HitInfo struct {
	T              float32
	InstanceID     uint32
	InstanceIndex  uint32
	GeometryIndex  uint32
	PrimitiveIndex uint32
	// Barycentrics of the second and third vertex.
	Barycentrics  math.Vec2
	ObjectToWorld math.Mat4
	HitGroupIndex uint32
	WorldPosition math.Vec3
}

// RayProgram is the CPU equivalent of one exported ray tracing shader. Only
// the function matching the export's shader table section is called.
type RayProgram struct {
	RayGen     func(ctx *RayContext)
	Miss       func(ctx *RayContext, payload *RayPayload)
	ClosestHit func(ctx *RayContext, hit HitInfo, payload *RayPayload)
}

// RegisterRayProgram makes p available to ray tracing pipelines exporting name.
func (d *SoftwareDevice) RegisterRayProgram(name string, p RayProgram) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rayPrograms[name] = p
}

func (d *SoftwareDevice) CreateRayTracingPipeline(desc metadata.RayTracingPipelineDesc) (rhi.PipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(desc.RayGenExports) == 0 {
		return rhi.InvalidPipeline, fmt.Errorf("create ray tracing pipeline %q: no ray generation shader", desc.Name)
	}
	p := &pipeline{
		name:       debugName("rt-pipeline", desc.Name),
		rayTracing: true,
		rtDesc:     desc,
	}
	if p.rtDesc.MaxRecursion == 0 {
		p.rtDesc.MaxRecursion = 1
	}
	for _, section := range [3][]string{desc.RayGenExports, desc.MissExports, desc.HitExports} {
		for _, export := range section {
			prog, ok := d.rayPrograms[export]
			if !ok {
				return rhi.InvalidPipeline, fmt.Errorf("create ray tracing pipeline %q: no program for export %q", desc.Name, export)
			}
			p.exports = append(p.exports, export)
			p.rayPrograms = append(p.rayPrograms, prog)
		}
	}
	id := rhi.PipelineID(d.nextID())
	d.pipelines[id] = p
	return id, nil
}

func (d *SoftwareDevice) ShaderIdentifier(id rhi.PipelineID, export string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.pipelines[id]
	if !ok || !p.rayTracing {
		return nil, fmt.Errorf("shader identifier of pipeline %d: %w", id, core.ErrInvalidHandle)
	}
	for i, e := range p.exports {
		if e == export {
			out := make([]byte, shaderIdentifierSize)
			binary.LittleEndian.PutUint32(out[0:], uint32(id))
			binary.LittleEndian.PutUint32(out[4:], uint32(i+1))
			binary.LittleEndian.PutUint32(out[8:], shaderIdentifierMagic)
			return out, nil
		}
	}
	return nil, fmt.Errorf("shader identifier of %s: unknown export %q", p.name, export)
}

// rayBindings are the resources one shader record's root arguments point at.
type rayBindings struct {
	tlas          *accelStructure
	output        *texture
	dataRefs      []byte
	textures      *descriptorHeap
	textureBase   uint32
	cubeMaps      *descriptorHeap
	cubeMapBase   uint32
	constantBytes []byte
}

type rayDispatch struct {
	x         *executor
	pipeline  *pipeline
	desc      metadata.DispatchRaysDesc
	constants metadata.RayTracingPipelineConstants
	bindings  map[uint64]*rayBindings
}

/**
 * @brief State visible to a ray program invocation: the launch coordinates,
 * the dispatch constants, and the resources bound through the shader record.
 */
type RayContext struct {
	dispatch *rayDispatch
	bindings *rayBindings
	launch   [3]uint32
	depth    uint32
	ray      math.Ray
	hit      *rayHit
}

func (x *executor) dispatchRays(desc metadata.DispatchRaysDesc) error {
	p := x.rayTracing
	if p == nil {
		return fmt.Errorf("dispatch rays: no ray tracing pipeline bound")
	}
	rd := &rayDispatch{x: x, pipeline: p, desc: desc, bindings: map[uint64]*rayBindings{}}

	prog, bindings, err := rd.record(desc.RayGeneration, 0)
	if err != nil {
		return fmt.Errorf("dispatch rays %s: ray generation record: %w", p.name, err)
	}
	if prog.RayGen == nil {
		return fmt.Errorf("dispatch rays %s: ray generation record holds no ray generation program", p.name)
	}
	if values, ok := x.rootConstants[metadata.RTRootConstantBuffer]; ok && len(values) >= metadata.RayTracingConstantsCount {
		rd.constants = metadata.UnpackRayTracingConstants(values)
	} else if len(bindings.constantBytes) >= metadata.RayTracingConstantsCount*4 {
		values := make([]uint32, metadata.RayTracingConstantsCount)
		for i := range values {
			values[i] = binary.LittleEndian.Uint32(bindings.constantBytes[i*4:])
		}
		rd.constants = metadata.UnpackRayTracingConstants(values)
	}

	depth := max(desc.Depth, 1)
	for z := uint32(0); z < depth; z++ {
		for y := uint32(0); y < desc.Height; y++ {
			for px := uint32(0); px < desc.Width; px++ {
				prog.RayGen(&RayContext{dispatch: rd, bindings: bindings, launch: [3]uint32{px, y, z}})
			}
		}
	}
	return nil
}

// record resolves entry index of a shader table range to its program and bindings.
func (rd *rayDispatch) record(r metadata.ShaderTableRange, index uint32) (RayProgram, *rayBindings, error) {
	offset := uint64(index) * r.StrideInBytes
	if offset+shaderIdentifierSize > r.SizeInBytes {
		return RayProgram{}, nil, fmt.Errorf("record %d outside of the %d byte table", index, r.SizeInBytes)
	}
	address := r.StartAddress + offset
	_, data, ok := rd.x.d.resolveAddress(address)
	if !ok || len(data) < shaderIdentifierSize+int(metadata.RTRootArgumentSize) {
		return RayProgram{}, nil, fmt.Errorf("no shader record at %#x", address)
	}
	pid := binary.LittleEndian.Uint32(data[0:])
	export := binary.LittleEndian.Uint32(data[4:])
	if binary.LittleEndian.Uint32(data[8:]) != shaderIdentifierMagic || export == 0 {
		return RayProgram{}, nil, fmt.Errorf("record at %#x holds no shader identifier", address)
	}
	if rd.x.d.pipelines[rhi.PipelineID(pid)] != rd.pipeline || int(export) > len(rd.pipeline.rayPrograms) {
		return RayProgram{}, nil, fmt.Errorf("record at %#x belongs to another pipeline", address)
	}
	prog := rd.pipeline.rayPrograms[export-1]

	if b, ok := rd.bindings[address]; ok {
		return prog, b, nil
	}
	b, err := rd.decodeBindings(data[shaderIdentifierSize:])
	if err != nil {
		return RayProgram{}, nil, fmt.Errorf("record at %#x: %w", address, err)
	}
	rd.bindings[address] = b
	return prog, b, nil
}

func (rd *rayDispatch) decodeBindings(args []byte) (*rayBindings, error) {
	d := rd.x.d
	b := &rayBindings{}
	lookup := func(slot uint32) (*descriptorHeap, uint32, bool) {
		address := binary.LittleEndian.Uint64(args[slot*8:])
		if address == 0 {
			return nil, 0, false
		}
		return d.resolveDescriptor(address)
	}

	if h, i, ok := lookup(metadata.RTRootTLAS); ok {
		e := h.entries[i]
		if e.kind != metadata.DescriptorKindAccelerationStructure {
			return nil, fmt.Errorf("scene descriptor is not an acceleration structure")
		}
		b.tlas = d.accelStructures[e.address]
	}
	if h, i, ok := lookup(metadata.RTRootOutputImage); ok {
		b.output = d.textures[h.entries[i].texture]
	}
	if h, i, ok := lookup(metadata.RTRootDataReference); ok {
		e := h.entries[i]
		if buf := d.buffers[e.buffer]; buf != nil && e.offset+e.size <= uint64(len(buf.data)) {
			b.dataRefs = buf.data[e.offset : e.offset+e.size]
		}
	}
	if h, i, ok := lookup(metadata.RTRootTexture2DArray); ok {
		b.textures, b.textureBase = h, i
	}
	if h, i, ok := lookup(metadata.RTRootTextureCubeArray); ok {
		b.cubeMaps, b.cubeMapBase = h, i
	}
	if h, i, ok := lookup(metadata.RTRootConstantBuffer); ok {
		e := h.entries[i]
		if buf := d.buffers[e.buffer]; buf != nil && e.offset < uint64(len(buf.data)) {
			b.constantBytes = buf.data[e.offset:]
		}
	}
	return b, nil
}

func (c *RayContext) LaunchIndex() [3]uint32 { return c.launch }

func (c *RayContext) LaunchDimensions() [3]uint32 {
	return [3]uint32{c.dispatch.desc.Width, c.dispatch.desc.Height, max(c.dispatch.desc.Depth, 1)}
}

func (c *RayContext) Constants() metadata.RayTracingPipelineConstants {
	return c.dispatch.constants
}

// WorldRay is the ray being traced, valid inside miss and closest hit programs.
func (c *RayContext) WorldRay() math.Ray { return c.ray }

/**
 * @brief Traces ray against the bound scene and runs the closest hit program
 * of the hit instance, or the miss program at missIndex. Traces beyond the
 * pipeline's recursion limit return without touching the payload.
 */
func (c *RayContext) TraceRay(ray math.Ray, tMin, tMax float32, mask uint8, hitGroupOffset, missIndex uint32, payload *RayPayload) {
	rd := c.dispatch
	if c.depth >= rd.pipeline.rtDesc.MaxRecursion {
		return
	}
	child := &RayContext{dispatch: rd, launch: c.launch, depth: c.depth + 1, ray: ray}
	payload.Depth = child.depth

	var hit rayHit
	found := false
	if c.bindings.tlas != nil {
		hit, found = c.bindings.tlas.trace(ray, tMin, tMax, mask)
	}
	if !found {
		prog, b, err := rd.record(rd.desc.Miss, missIndex)
		if err != nil || prog.Miss == nil {
			return
		}
		child.bindings = b
		prog.Miss(child, payload)
		return
	}

	group := hit.instance.desc.HitGroupIndex + hitGroupOffset
	prog, b, err := rd.record(rd.desc.HitGroup, group)
	if err != nil || prog.ClosestHit == nil {
		return
	}
	child.bindings = b
	child.hit = &hit
	prog.ClosestHit(child, HitInfo{
		T:              hit.t,
		InstanceID:     hit.instance.desc.InstanceID,
		InstanceIndex:  hit.instance.index,
		GeometryIndex:  hit.triangle.geometry,
		PrimitiveIndex: hit.triangle.primitive,
		Barycentrics:   math.Vec2{X: hit.u, Y: hit.v},
		ObjectToWorld:  hit.instance.toWorld,
		HitGroupIndex:  group,
		WorldPosition:  ray.At(hit.t),
	}, payload)
}

func (c *RayContext) WriteOutput(color math.Vec4) {
	t := c.bindings.output
	if t == nil || c.launch[0] >= t.desc.Width || c.launch[1] >= t.desc.Height {
		return
	}
	t.store(0, int(c.launch[0]), int(c.launch[1]), color)
}

func (c *RayContext) ReadOutput() math.Vec4 {
	t := c.bindings.output
	if t == nil || c.launch[0] >= t.desc.Width || c.launch[1] >= t.desc.Height {
		return math.Vec4{}
	}
	return t.texel(0, int(c.launch[0]), int(c.launch[1]))
}

// DataReference returns the record of the instance with the given InstanceID.
func (c *RayContext) DataReference(instanceID uint32) (metadata.RTDataReference, bool) {
	offset := uint64(instanceID) * metadata.RTDataReferenceSize
	if offset+metadata.RTDataReferenceSize > uint64(len(c.bindings.dataRefs)) {
		return metadata.RTDataReference{}, false
	}
	return metadata.DecodeRTDataReference(c.bindings.dataRefs[offset:]), true
}

// HitVertex interpolates the vertex attributes at the current hit. Normals
// are returned in world space.
func (c *RayContext) HitVertex(hit HitInfo) (math.Vertex, bool) {
	ref, ok := c.DataReference(hit.InstanceID)
	if !ok {
		return math.Vertex{}, false
	}
	d := c.dispatch.x.d
	_, indices, ok := d.resolveAddress(ref.IndexAddress)
	if !ok || uint64(len(indices)) < uint64(hit.PrimitiveIndex*3+3)*4 {
		return math.Vertex{}, false
	}
	_, vertices, ok := d.resolveAddress(ref.VertexAddress)
	if !ok {
		return math.Vertex{}, false
	}
	var v [3]math.Vertex
	for k := uint32(0); k < 3; k++ {
		i := uint64(binary.LittleEndian.Uint32(indices[(hit.PrimitiveIndex*3+k)*4:]))
		if (i+1)*math.VertexSize > uint64(len(vertices)) {
			return math.Vertex{}, false
		}
		v[k] = readVertex(vertices, i*math.VertexSize)
	}
	b1, b2 := hit.Barycentrics.X, hit.Barycentrics.Y
	b0 := 1 - b1 - b2
	mix3 := func(a, b, c math.Vec3) math.Vec3 {
		return a.MulScalar(b0).Add(b.MulScalar(b1)).Add(c.MulScalar(b2))
	}
	out := math.Vertex{
		Position: mix3(v[0].Position, v[1].Position, v[2].Position).Transform(hit.ObjectToWorld),
		Texcoord: v[0].Texcoord.MulScalar(b0).Add(v[1].Texcoord.MulScalar(b1)).Add(v[2].Texcoord.MulScalar(b2)),
		Normal:   mix3(v[0].Normal, v[1].Normal, v[2].Normal).TransformDirection(hit.ObjectToWorld).Normalized(),
		Tangent:  mix3(v[0].Tangent, v[1].Tangent, v[2].Tangent).TransformDirection(hit.ObjectToWorld),
	}
	out.Bitangent = mix3(v[0].Bitangent, v[1].Bitangent, v[2].Bitangent).TransformDirection(hit.ObjectToWorld)
	return out, true
}

func (c *RayContext) material(hit HitInfo, name string, size uint32) ([]byte, bool) {
	prop, ok := c.dispatch.pipeline.rtDesc.FindMaterialProperty(name)
	if !ok {
		return nil, false
	}
	ref, ok := c.DataReference(hit.InstanceID)
	if !ok {
		return nil, false
	}
	_, data, ok := c.dispatch.x.d.resolveAddress(ref.MaterialAddress)
	if !ok || uint64(prop.Offset+size) > uint64(len(data)) {
		return nil, false
	}
	return data[prop.Offset:], true
}

func (c *RayContext) MaterialFloat(hit HitInfo, name string) (float32, bool) {
	data, ok := c.material(hit, name, 4)
	if !ok {
		return 0, false
	}
	return readFloat(data, 0), true
}

func (c *RayContext) MaterialVec4(hit HitInfo, name string) (math.Vec4, bool) {
	data, ok := c.material(hit, name, 16)
	if !ok {
		return math.Vec4{}, false
	}
	return readVec4(data, 0), true
}

// MaterialUint reads uint slots, which is also how texture indices are stored.
func (c *RayContext) MaterialUint(hit HitInfo, name string) (uint32, bool) {
	data, ok := c.material(hit, name, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data), true
}

func (c *RayContext) flatTexture(h *descriptorHeap, base, index uint32) *texture {
	if h == nil || base+index >= uint32(len(h.entries)) {
		return nil
	}
	return c.dispatch.x.d.textures[h.entries[base+index].texture]
}

// SampleTexture samples entry index of the scene texture array.
func (c *RayContext) SampleTexture(index uint32, uv math.Vec2) (math.Vec4, bool) {
	t := c.flatTexture(c.bindings.textures, c.bindings.textureBase, index)
	if t == nil {
		return math.Vec4{}, false
	}
	return t.sample2D(0, uv), true
}

func (c *RayContext) SampleCube(index uint32, dir math.Vec3) (math.Vec4, bool) {
	t := c.flatTexture(c.bindings.cubeMaps, c.bindings.cubeMapBase, index)
	if t == nil {
		return math.Vec4{}, false
	}
	return t.sampleCube(dir), true
}

// registerBuiltinRayPrograms installs a path tracer style camera, a sky and a
// textured lambert material.
func registerBuiltinRayPrograms(d *SoftwareDevice) {
	d.rayPrograms["raygen_camera"] = RayProgram{RayGen: func(ctx *RayContext) {
		launch, dims := ctx.LaunchIndex(), ctx.LaunchDimensions()
		k := ctx.Constants()
		ndcX := (float32(launch[0])+0.5)/float32(dims[0])*2 - 1
		ndcY := 1 - (float32(launch[1])+0.5)/float32(dims[1])*2
		target := math.Vec4{X: ndcX, Y: ndcY, Z: 1, W: 1}.Transform(k.PInv)
		if target.W != 0 {
			target = target.MulScalar(1 / target.W)
		}
		ray := math.Ray{
			Origin:    math.Vec3{}.Transform(k.VInv),
			Direction: target.ToVec3().TransformDirection(k.VInv).Normalized(),
		}
		payload := RayPayload{}
		ctx.TraceRay(ray, 0.001, 10000, 0xFF, 0, 0, &payload)
		color := payload.Color
		color.W = 1
		if k.FrameCount > 0 {
			color = lerp4(ctx.ReadOutput(), color, 1/float32(k.FrameCount+1))
		}
		ctx.WriteOutput(color)
	}}

	d.rayPrograms["miss_sky"] = RayProgram{Miss: func(ctx *RayContext, payload *RayPayload) {
		dir := ctx.WorldRay().Direction
		if c, ok := ctx.SampleCube(0, dir); ok {
			payload.Color = c
			return
		}
		t := 0.5 * (dir.Normalized().Y + 1)
		payload.Color = lerp4(math.Vec4{X: 1, Y: 1, Z: 1, W: 1}, math.Vec4{X: 0.5, Y: 0.7, Z: 1, W: 1}, t)
	}}

	d.rayPrograms["closest_hit_material"] = RayProgram{ClosestHit: func(ctx *RayContext, hit HitInfo, payload *RayPayload) {
		albedo, ok := ctx.MaterialVec4(hit, "_Color")
		if !ok {
			albedo = math.Vec4{X: 1, Y: 1, Z: 1, W: 1}
		}
		vertex, ok := ctx.HitVertex(hit)
		if !ok {
			payload.Color = albedo
			return
		}
		if index, ok := ctx.MaterialUint(hit, "_MainTex"); ok {
			if c, ok := ctx.SampleTexture(index, vertex.Texcoord); ok {
				albedo = math.Vec4{X: albedo.X * c.X, Y: albedo.Y * c.Y, Z: albedo.Z * c.Z, W: albedo.W * c.W}
			}
		}
		light := ctx.Constants().LightPos.Sub(hit.WorldPosition).Normalized()
		diffuse := math32.Max(vertex.Normal.Dot(light), 0)*0.8 + 0.2
		payload.Color = math.Vec4{X: albedo.X * diffuse, Y: albedo.Y * diffuse, Z: albedo.Z * diffuse, W: albedo.W}
	}}
}

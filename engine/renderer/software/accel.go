package software

import (
	"encoding/binary"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

const (
	asHeaderSize      uint64 = 64
	asTriangleSize    uint64 = 48
	asTriangleScratch uint64 = 16
	asInstanceScratch uint64 = 16
)

type asTriangle struct {
	v0, v1, v2 math.Vec3
	geometry   uint32
	primitive  uint32
}

type asInstance struct {
	desc     metadata.ASInstanceDesc
	index    uint32
	toWorld  math.Mat4
	toObject math.Mat4
	bounds   math.Box
	blas     *accelStructure
}

// accelStructure is the built contents of an acceleration structure buffer.
type accelStructure struct {
	kind      metadata.AccelerationStructureType
	flags     metadata.AccelerationStructureBuildFlags
	triangles []asTriangle
	instances []asInstance
	bounds    math.Box
	builds    uint64
}

func triangleCount(inputs metadata.ASInputs) uint64 {
	var n uint64
	for _, g := range inputs.Geometry {
		if g.IndexCount > 0 {
			n += uint64(g.IndexCount / 3)
		} else {
			n += uint64(g.VertexCount / 3)
		}
	}
	return n
}

func (d *SoftwareDevice) AccelerationStructureSizes(inputs metadata.ASInputs) metadata.ASPrebuildInfo {
	var info metadata.ASPrebuildInfo
	if inputs.Type == metadata.AccelerationStructureTopLevel {
		n := uint64(inputs.InstanceCount)
		info.ResultSize = asHeaderSize + n*metadata.ASInstanceDescSize
		info.ScratchSize = asHeaderSize + n*asInstanceScratch
	} else {
		n := triangleCount(inputs)
		info.ResultSize = asHeaderSize + n*asTriangleSize
		info.ScratchSize = asHeaderSize + n*asTriangleScratch
	}
	info.ResultSize = math.AlignUp(info.ResultSize, addressAlignment)
	info.ScratchSize = math.AlignUp(info.ScratchSize, addressAlignment)
	info.UpdateScratchSize = info.ScratchSize
	return info
}

func (x *executor) buildAccelerationStructure(desc metadata.ASBuildDesc) error {
	sizes := x.d.AccelerationStructureSizes(desc.Inputs)
	b, dest, ok := x.d.resolveAddress(desc.DestAddress)
	if !ok {
		return fmt.Errorf("build acceleration structure: no buffer at %#x", desc.DestAddress)
	}
	if uint64(len(dest)) < sizes.ResultSize {
		return fmt.Errorf("build acceleration structure: %s holds %d bytes, %d needed", b.name, len(dest), sizes.ResultSize)
	}
	if desc.ScratchAddress != 0 {
		_, scratch, ok := x.d.resolveAddress(desc.ScratchAddress)
		if !ok || uint64(len(scratch)) < sizes.ScratchSize {
			return fmt.Errorf("build acceleration structure: scratch at %#x is too small", desc.ScratchAddress)
		}
	}

	var source *accelStructure
	if desc.Inputs.Flags&metadata.ASBuildPerformUpdate != 0 {
		src := desc.SourceAddress
		if src == 0 {
			src = desc.DestAddress
		}
		source = x.d.accelStructures[src]
		if source == nil || source.kind != desc.Inputs.Type {
			return fmt.Errorf("update of acceleration structure at %#x: nothing to update", src)
		}
		if source.flags&metadata.ASBuildAllowUpdate == 0 {
			return fmt.Errorf("update of acceleration structure at %#x: built without allow update", src)
		}
	}

	as := &accelStructure{kind: desc.Inputs.Type, flags: desc.Inputs.Flags &^ metadata.ASBuildPerformUpdate}
	var err error
	if desc.Inputs.Type == metadata.AccelerationStructureTopLevel {
		err = x.buildTopLevel(as, desc.Inputs)
		if err == nil && source != nil && len(source.instances) != len(as.instances) {
			err = fmt.Errorf("update of top level structure changed instance count %d -> %d", len(source.instances), len(as.instances))
		}
	} else {
		err = x.buildBottomLevel(as, desc.Inputs)
		if err == nil && source != nil && len(source.triangles) != len(as.triangles) {
			err = fmt.Errorf("update of bottom level structure changed triangle count %d -> %d", len(source.triangles), len(as.triangles))
		}
	}
	if err != nil {
		return err
	}
	if source != nil {
		as.builds = source.builds
	}
	as.builds++
	x.d.accelStructures[desc.DestAddress] = as
	return nil
}

func readPosition(data []byte) math.Vec3 {
	return math.Vec3{
		X: math32.Float32frombits(binary.LittleEndian.Uint32(data[0:])),
		Y: math32.Float32frombits(binary.LittleEndian.Uint32(data[4:])),
		Z: math32.Float32frombits(binary.LittleEndian.Uint32(data[8:])),
	}
}

func (x *executor) buildBottomLevel(as *accelStructure, inputs metadata.ASInputs) error {
	first := true
	for gi, g := range inputs.Geometry {
		_, vertices, ok := x.d.resolveAddress(g.VertexAddress)
		if !ok {
			return fmt.Errorf("bottom level geometry %d: no vertex buffer at %#x", gi, g.VertexAddress)
		}
		stride := uint64(g.VertexStride)
		if stride == 0 {
			stride = 12
		}
		vertex := func(i uint32) (math.Vec3, error) {
			if i >= g.VertexCount || uint64(i)*stride+12 > uint64(len(vertices)) {
				return math.Vec3{}, fmt.Errorf("bottom level geometry %d: vertex %d out of range", gi, i)
			}
			return readPosition(vertices[uint64(i)*stride:]), nil
		}

		var indices []byte
		count := g.VertexCount
		if g.IndexCount > 0 {
			_, indices, ok = x.d.resolveAddress(g.IndexAddress)
			if !ok || uint64(len(indices)) < uint64(g.IndexCount)*4 {
				return fmt.Errorf("bottom level geometry %d: index buffer at %#x too small", gi, g.IndexAddress)
			}
			count = g.IndexCount
		}

		for prim := uint32(0); prim < count/3; prim++ {
			var v [3]math.Vec3
			for k := uint32(0); k < 3; k++ {
				i := prim*3 + k
				if indices != nil {
					i = binary.LittleEndian.Uint32(indices[i*4:])
				}
				p, err := vertex(i)
				if err != nil {
					return err
				}
				v[k] = p
			}
			as.triangles = append(as.triangles, asTriangle{v0: v[0], v1: v[1], v2: v[2], geometry: uint32(gi), primitive: prim})
			tri := math.Box{Min: v[0].Min(v[1]).Min(v[2]), Max: v[0].Max(v[1]).Max(v[2])}
			if first {
				as.bounds, first = tri, false
			} else {
				as.bounds = as.bounds.Union(tri)
			}
		}
	}
	return nil
}

func (x *executor) buildTopLevel(as *accelStructure, inputs metadata.ASInputs) error {
	if inputs.InstanceCount == 0 {
		return nil
	}
	_, data, ok := x.d.resolveAddress(inputs.InstanceAddress)
	if !ok || uint64(len(data)) < uint64(inputs.InstanceCount)*metadata.ASInstanceDescSize {
		return fmt.Errorf("top level build: instance buffer at %#x too small", inputs.InstanceAddress)
	}
	first := true
	for i := uint32(0); i < inputs.InstanceCount; i++ {
		desc := metadata.DecodeASInstanceDesc(data[uint64(i)*metadata.ASInstanceDescSize:])
		blas := x.d.accelStructures[desc.BLASAddress]
		if blas == nil || blas.kind != metadata.AccelerationStructureBottomLevel {
			return fmt.Errorf("top level build: instance %d references no bottom level structure at %#x", i, desc.BLASAddress)
		}
		toWorld := math.NewMat4FromRowMajor3x4(desc.Transform)
		inst := asInstance{
			desc:     desc,
			index:    i,
			toWorld:  toWorld,
			toObject: toWorld.Inverse(),
			blas:     blas,
		}
		if len(blas.triangles) > 0 {
			inst.bounds = blas.bounds.Transformed(toWorld).(math.Box)
			if first {
				as.bounds, first = inst.bounds, false
			} else {
				as.bounds = as.bounds.Union(inst.bounds)
			}
		}
		as.instances = append(as.instances, inst)
	}
	return nil
}

type rayHit struct {
	t        float32
	u, v     float32
	instance *asInstance
	triangle *asTriangle
}

// trace returns the closest hit in [tMin, tMax] over the instances of a top
// level structure that pass the mask.
func (as *accelStructure) trace(ray math.Ray, tMin, tMax float32, mask uint8) (rayHit, bool) {
	var best rayHit
	found := false
	for i := range as.instances {
		inst := &as.instances[i]
		if inst.desc.Mask&mask == 0 || len(inst.blas.triangles) == 0 {
			continue
		}
		if _, ok := inst.bounds.IntersectRay(ray, tMin, tMax); !ok {
			continue
		}
		local := math.Ray{
			Origin:    ray.Origin.Transform(inst.toObject),
			Direction: ray.Direction.TransformDirection(inst.toObject),
		}
		if _, ok := inst.blas.bounds.IntersectRay(local, tMin, tMax); !ok {
			continue
		}
		for j := range inst.blas.triangles {
			tri := &inst.blas.triangles[j]
			t, u, v, hit := math.IntersectTriangle(local, tri.v0, tri.v1, tri.v2, tMin, tMax)
			if !hit {
				continue
			}
			tMax = t
			best = rayHit{t: t, u: u, v: v, instance: inst, triangle: tri}
			found = true
		}
	}
	return best, found
}

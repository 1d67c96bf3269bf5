package math

import "github.com/chewxy/math32"

type CollisionVolumeKind uint8

const (
	CollisionVolumeBox CollisionVolumeKind = iota
	CollisionVolumePlane
	CollisionVolumeSphere
)

// CollisionVolume is a closed set of shapes: Box, Plane and Sphere. Use a type
// switch to reach the payload.
type CollisionVolume interface {
	Kind() CollisionVolumeKind
	// IntersectRay returns the smallest t in [tMin, tMax] where the ray enters the volume.
	IntersectRay(ray Ray, tMin, tMax float32) (float32, bool)
	// Transformed returns the volume moved by m.
	Transformed(m Mat4) CollisionVolume
	Bounds() Extents3D

	isCollisionVolume()
}

// Box is an axis-aligned box.
type Box struct {
	Min, Max Vec3
}

type Plane struct {
	Normal   Vec3
	Distance float32
}

type Sphere struct {
	Center Vec3
	Radius float32
}

func (Box) Kind() CollisionVolumeKind    { return CollisionVolumeBox }
func (Plane) Kind() CollisionVolumeKind  { return CollisionVolumePlane }
func (Sphere) Kind() CollisionVolumeKind { return CollisionVolumeSphere }

func (Box) isCollisionVolume()    {}
func (Plane) isCollisionVolume()  {}
func (Sphere) isCollisionVolume() {}

func NewBox(ext Extents3D) Box {
	return Box{Min: ext.Min, Max: ext.Max}
}

func (b Box) Bounds() Extents3D {
	return Extents3D{Min: b.Min, Max: b.Max}
}

// Union grows b to also enclose other.
func (b Box) Union(other Box) Box {
	return Box{Min: b.Min.Min(other.Min), Max: b.Max.Max(other.Max)}
}

func (b Box) Transformed(m Mat4) CollisionVolume {
	corners := [8]Vec3{
		{b.Min.X, b.Min.Y, b.Min.Z}, {b.Max.X, b.Min.Y, b.Min.Z},
		{b.Min.X, b.Max.Y, b.Min.Z}, {b.Max.X, b.Max.Y, b.Min.Z},
		{b.Min.X, b.Min.Y, b.Max.Z}, {b.Max.X, b.Min.Y, b.Max.Z},
		{b.Min.X, b.Max.Y, b.Max.Z}, {b.Max.X, b.Max.Y, b.Max.Z},
	}
	first := corners[0].Transform(m)
	out := Box{Min: first, Max: first}
	for _, c := range corners[1:] {
		p := c.Transform(m)
		out.Min = out.Min.Min(p)
		out.Max = out.Max.Max(p)
	}
	return out
}

// IntersectRay uses the slab test.
func (b Box) IntersectRay(ray Ray, tMin, tMax float32) (float32, bool) {
	origin := [3]float32{ray.Origin.X, ray.Origin.Y, ray.Origin.Z}
	dir := [3]float32{ray.Direction.X, ray.Direction.Y, ray.Direction.Z}
	lo := [3]float32{b.Min.X, b.Min.Y, b.Min.Z}
	hi := [3]float32{b.Max.X, b.Max.Y, b.Max.Z}
	for axis := 0; axis < 3; axis++ {
		if dir[axis] == 0 {
			if origin[axis] < lo[axis] || origin[axis] > hi[axis] {
				return 0, false
			}
			continue
		}
		inv := 1.0 / dir[axis]
		t0 := (lo[axis] - origin[axis]) * inv
		t1 := (hi[axis] - origin[axis]) * inv
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tMin = math32.Max(tMin, t0)
		tMax = math32.Min(tMax, t1)
		if tMax < tMin {
			return 0, false
		}
	}
	return tMin, true
}

func (p Plane) Bounds() Extents3D {
	return Extents3D{
		Min: Vec3{-K_INFINITY, -K_INFINITY, -K_INFINITY},
		Max: Vec3{K_INFINITY, K_INFINITY, K_INFINITY},
	}
}

func (p Plane) Transformed(m Mat4) CollisionVolume {
	point := p.Normal.MulScalar(p.Distance).Transform(m)
	normal := p.Normal.TransformDirection(m.Inverse().Transposed()).Normalized()
	return Plane{Normal: normal, Distance: normal.Dot(point)}
}

func (p Plane) IntersectRay(ray Ray, tMin, tMax float32) (float32, bool) {
	denom := p.Normal.Dot(ray.Direction)
	if math32.Abs(denom) < K_FLOAT_EPSILON {
		return 0, false
	}
	t := (p.Distance - p.Normal.Dot(ray.Origin)) / denom
	if t < tMin || t > tMax {
		return 0, false
	}
	return t, true
}

func (s Sphere) Bounds() Extents3D {
	r := Vec3{s.Radius, s.Radius, s.Radius}
	return Extents3D{Min: s.Center.Sub(r), Max: s.Center.Add(r)}
}

// Transformed scales the radius by the largest axis scale of m.
func (s Sphere) Transformed(m Mat4) CollisionVolume {
	sx := Vec3{1, 0, 0}.TransformDirection(m).Length()
	sy := Vec3{0, 1, 0}.TransformDirection(m).Length()
	sz := Vec3{0, 0, 1}.TransformDirection(m).Length()
	return Sphere{Center: s.Center.Transform(m), Radius: s.Radius * max3(sx, sy, sz)}
}

func (s Sphere) IntersectRay(ray Ray, tMin, tMax float32) (float32, bool) {
	oc := ray.Origin.Sub(s.Center)
	a := ray.Direction.LengthSquared()
	halfB := oc.Dot(ray.Direction)
	c := oc.LengthSquared() - s.Radius*s.Radius
	disc := halfB*halfB - a*c
	if disc < 0 {
		return 0, false
	}
	sq := math32.Sqrt(disc)
	t := (-halfB - sq) / a
	if t < tMin || t > tMax {
		t = (-halfB + sq) / a
		if t < tMin || t > tMax {
			return 0, false
		}
	}
	return t, true
}

// IntersectTriangle is the Möller-Trumbore test. It returns the distance and
// the barycentric coordinates of the hit relative to v1 and v2.
func IntersectTriangle(ray Ray, v0, v1, v2 Vec3, tMin, tMax float32) (t, u, v float32, hit bool) {
	edge1 := v1.Sub(v0)
	edge2 := v2.Sub(v0)
	pvec := ray.Direction.Cross(edge2)
	det := edge1.Dot(pvec)
	if math32.Abs(det) < 1e-8 {
		return 0, 0, 0, false
	}
	invDet := 1.0 / det
	tvec := ray.Origin.Sub(v0)
	u = tvec.Dot(pvec) * invDet
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	qvec := tvec.Cross(edge1)
	v = ray.Direction.Dot(qvec) * invDet
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	t = edge2.Dot(qvec) * invDet
	if t < tMin || t > tMax {
		return 0, 0, 0, false
	}
	return t, u, v, true
}

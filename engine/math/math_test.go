package math

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignUpAndClamp(t *testing.T) {
	assert.Equal(t, uint32(256), AlignUp[uint32](1, 256))
	assert.Equal(t, uint32(256), AlignUp[uint32](256, 256))
	assert.Equal(t, uint64(512), AlignUp[uint64](257, 256))
	assert.Equal(t, uint32(7), AlignUp[uint32](7, 0))
	assert.Equal(t, 3, Clamp(9, 0, 3))
	assert.Equal(t, float32(0), Clamp[float32](-1, 0, 1))
}

func TestMat4InverseRoundTrip(t *testing.T) {
	m := NewMat4Scale(Vec3{2, 3, 4}).Mul(NewMat4EulerY(0.7)).Mul(NewMat4Translation(Vec3{1, -2, 5}))
	id := m.Mul(m.Inverse())
	assert.True(t, id.Compare(NewMat4Identity(), 1e-5), "m * m^-1 = %v", id.Data)
}

func TestMat4RowMajor3x4(t *testing.T) {
	m := NewMat4Translation(Vec3{1, 2, 3})
	rm := m.RowMajor3x4()
	assert.Equal(t, [12]float32{
		1, 0, 0, 1,
		0, 1, 0, 2,
		0, 0, 1, 3,
	}, rm)
	assert.Equal(t, m, NewMat4FromRowMajor3x4(rm))
}

func TestLookAtMovesEyeToOrigin(t *testing.T) {
	eye := Vec3{0, 0, 5}
	view := NewMat4LookAt(eye, Vec3{}, NewVec3Up())
	assert.True(t, eye.Transform(view).Compare(Vec3{}, 1e-5))
	// the target ends up in front of the camera, down -Z
	assert.True(t, Vec3{}.Transform(view).Compare(Vec3{0, 0, -5}, 1e-5))
}

func TestCollisionVolumesIntersectRay(t *testing.T) {
	ray := Ray{Origin: Vec3{0, 0, -10}, Direction: Vec3{0, 0, 1}}

	volumes := []CollisionVolume{
		Box{Min: Vec3{-1, -1, -1}, Max: Vec3{1, 1, 1}},
		Sphere{Center: Vec3{}, Radius: 2},
		Plane{Normal: Vec3{0, 0, 1}, Distance: 3},
	}
	expected := []float32{9, 8, 13}

	for i, vol := range volumes {
		tHit, ok := vol.IntersectRay(ray, 0, K_INFINITY)
		assert.True(t, ok, "volume kind %d", vol.Kind())
		assert.InDelta(t, expected[i], tHit, 1e-4)
	}

	miss := Ray{Origin: Vec3{5, 5, -10}, Direction: Vec3{0, 0, 1}}
	_, ok := volumes[0].IntersectRay(miss, 0, K_INFINITY)
	assert.False(t, ok)
	_, ok = volumes[1].IntersectRay(miss, 0, K_INFINITY)
	assert.False(t, ok)
}

func TestCollisionVolumeTransformed(t *testing.T) {
	m := NewMat4Scale(Vec3{2, 2, 2}).Mul(NewMat4Translation(Vec3{10, 0, 0}))

	switch v := (Box{Min: Vec3{-1, -1, -1}, Max: Vec3{1, 1, 1}}).Transformed(m).(type) {
	case Box:
		assert.True(t, v.Min.Compare(Vec3{8, -2, -2}, 1e-5))
		assert.True(t, v.Max.Compare(Vec3{12, 2, 2}, 1e-5))
	default:
		t.Fatalf("unexpected volume %T", v)
	}

	s := Sphere{Radius: 1}.Transformed(m).(Sphere)
	assert.InDelta(t, 2, s.Radius, 1e-5)
	assert.True(t, s.Center.Compare(Vec3{10, 0, 0}, 1e-5))

	p := Plane{Normal: Vec3{1, 0, 0}, Distance: 1}.Transformed(NewMat4Translation(Vec3{3, 0, 0})).(Plane)
	assert.InDelta(t, 4, p.Distance, 1e-5)
}

func TestIntersectTriangle(t *testing.T) {
	ray := Ray{Origin: Vec3{0.25, 0.25, 1}, Direction: Vec3{0, 0, -1}}
	tHit, u, v, ok := IntersectTriangle(ray, Vec3{0, 0, 0}, Vec3{1, 0, 0}, Vec3{0, 1, 0}, 0, K_INFINITY)
	assert.True(t, ok)
	assert.InDelta(t, 1, tHit, 1e-6)
	assert.InDelta(t, 0.25, u, 1e-6)
	assert.InDelta(t, 0.25, v, 1e-6)

	_, _, _, ok = IntersectTriangle(Ray{Origin: Vec3{2, 2, 1}, Direction: Vec3{0, 0, -1}},
		Vec3{0, 0, 0}, Vec3{1, 0, 0}, Vec3{0, 1, 0}, 0, K_INFINITY)
	assert.False(t, ok)
}

func TestGeometryHelpers(t *testing.T) {
	vertices := []Vertex{
		{Position: Vec3{0, 0, 0}, Texcoord: Vec2{0, 0}},
		{Position: Vec3{1, 0, 0}, Texcoord: Vec2{1, 0}},
		{Position: Vec3{0, 1, 0}, Texcoord: Vec2{0, 1}},
	}
	indices := []uint32{0, 1, 2}
	GeometryGenerateNormals(vertices, indices)
	GeometryGenerateTangents(vertices, indices)

	assert.True(t, vertices[0].Normal.Compare(Vec3{0, 0, 1}, 1e-6))
	assert.True(t, vertices[0].Tangent.Compare(Vec3{1, 0, 0}, 1e-6))
	assert.True(t, vertices[0].Bitangent.Compare(Vec3{0, 1, 0}, 1e-6))

	data := VertexFloatData(vertices)
	assert.Len(t, data, 3*VertexFloats)
	assert.Equal(t, float32(1), data[VertexFloats])

	ext := Bounds(vertices)
	assert.Equal(t, Vec3{0, 0, 0}, ext.Min)
	assert.Equal(t, Vec3{1, 1, 0}, ext.Max)
}

package math

// Vec2 represents a 2D vector
type Vec2 struct {
	X, Y float32
}

// Vec3 represents a 3D vector
type Vec3 struct {
	X, Y, Z float32
}

// Vec4 represents a 4D vector
type Vec4 struct {
	X, Y, Z, W float32
}

/** @brief A quaternion, used to represent rotational orientation. */
type Quaternion Vec4

/**
 * @brief a 4x4 matrix stored row by row for row vectors (v * M), so the
 * translation lives in elements 12, 13 and 14. Read as a column-major array
 * the same 16 floats describe the equivalent column-vector matrix.
 */
type Mat4 struct {
	/** @brief The matrix elements */
	Data [16]float32
}

/**
 * @brief Represents the extents of a 3d object.
 */
type Extents3D struct {
	/** @brief The minimum extents of the object. */
	Min Vec3
	/** @brief The maximum extents of the object. */
	Max Vec3
}

/**
 * @brief Represents a single vertex in 3D space as consumed by every pipeline.
 */
type Vertex struct {
	/** @brief The position of the vertex */
	Position Vec3
	/** @brief The texture coordinate of the vertex. */
	Texcoord Vec2
	/** @brief The normal of the vertex. */
	Normal    Vec3
	Tangent   Vec3
	Bitangent Vec3
}

// VertexFloats is the number of float32 values in one Vertex.
const VertexFloats = 14

// VertexSize is the byte stride of one Vertex.
const VertexSize = VertexFloats * 4

// Ray is a half line starting at Origin.
type Ray struct {
	Origin    Vec3
	Direction Vec3
}

func (r Ray) At(t float32) Vec3 {
	return r.Origin.Add(r.Direction.MulScalar(t))
}

package math

func GeometryGenerateNormals(vertices []Vertex, indices []uint32) {
	for i := 0; i+2 < len(indices); i += 3 {
		i0 := indices[i+0]
		i1 := indices[i+1]
		i2 := indices[i+2]

		edge1 := vertices[i1].Position.Sub(vertices[i0].Position)
		edge2 := vertices[i2].Position.Sub(vertices[i0].Position)

		// NOTE: This just generates a face normal. Smoothing out should be done in a separate pass if desired.
		normal := edge1.Cross(edge2).Normalized()
		vertices[i0].Normal = normal
		vertices[i1].Normal = normal
		vertices[i2].Normal = normal
	}
}

// GeometryGenerateTangents fills Tangent and Bitangent from positions and texture coordinates.
func GeometryGenerateTangents(vertices []Vertex, indices []uint32) {
	for i := 0; i+2 < len(indices); i += 3 {
		i0 := indices[i+0]
		i1 := indices[i+1]
		i2 := indices[i+2]

		edge1 := vertices[i1].Position.Sub(vertices[i0].Position)
		edge2 := vertices[i2].Position.Sub(vertices[i0].Position)

		deltaU1 := vertices[i1].Texcoord.X - vertices[i0].Texcoord.X
		deltaV1 := vertices[i1].Texcoord.Y - vertices[i0].Texcoord.Y
		deltaU2 := vertices[i2].Texcoord.X - vertices[i0].Texcoord.X
		deltaV2 := vertices[i2].Texcoord.Y - vertices[i0].Texcoord.Y

		dividend := deltaU1*deltaV2 - deltaU2*deltaV1
		if dividend == 0 {
			continue
		}
		fc := 1.0 / dividend

		tangent := Vec3{
			fc * (deltaV2*edge1.X - deltaV1*edge2.X),
			fc * (deltaV2*edge1.Y - deltaV1*edge2.Y),
			fc * (deltaV2*edge1.Z - deltaV1*edge2.Z),
		}.Normalized()
		bitangent := Vec3{
			fc * (deltaU1*edge2.X - deltaU2*edge1.X),
			fc * (deltaU1*edge2.Y - deltaU2*edge1.Y),
			fc * (deltaU1*edge2.Z - deltaU2*edge1.Z),
		}.Normalized()

		for _, idx := range [3]uint32{i0, i1, i2} {
			vertices[idx].Tangent = tangent
			vertices[idx].Bitangent = bitangent
		}
	}
}

// VertexFloatData flattens vertices into the interleaved layout uploaded to vertex buffers.
func VertexFloatData(vertices []Vertex) []float32 {
	out := make([]float32, 0, len(vertices)*VertexFloats)
	for _, v := range vertices {
		out = append(out,
			v.Position.X, v.Position.Y, v.Position.Z,
			v.Texcoord.X, v.Texcoord.Y,
			v.Normal.X, v.Normal.Y, v.Normal.Z,
			v.Tangent.X, v.Tangent.Y, v.Tangent.Z,
			v.Bitangent.X, v.Bitangent.Y, v.Bitangent.Z,
		)
	}
	return out
}

// Bounds returns the extents enclosing every vertex position.
func Bounds(vertices []Vertex) Extents3D {
	if len(vertices) == 0 {
		return Extents3D{}
	}
	ext := Extents3D{Min: vertices[0].Position, Max: vertices[0].Position}
	for _, v := range vertices[1:] {
		ext.Min = ext.Min.Min(v.Position)
		ext.Max = ext.Max.Max(v.Position)
	}
	return ext
}

package loaders

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spaghettifunk/anima-rhi/engine/math"
)

/** @brief Triangulated geometry of one object of a model file. */
type MeshData struct {
	Name     string
	Vertices []math.Vertex
	Indices  []uint32
}

type objIndex struct {
	v, vt, vn int
}

// LoadOBJ reads a Wavefront OBJ file. Polygons are fanned into triangles and
// identical position/uv/normal triples share one vertex.
func LoadOBJ(path string) ([]MeshData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	meshes, err := ParseOBJ(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return meshes, nil
}

func ParseOBJ(r io.Reader) ([]MeshData, error) {
	var (
		positions []math.Vec3
		texcoords []math.Vec2
		normals   []math.Vec3
		meshes    []MeshData
		cur       *MeshData
		seen      map[objIndex]uint32
	)
	begin := func(name string) {
		if cur != nil && len(cur.Indices) == 0 {
			cur.Name = name
			return
		}
		meshes = append(meshes, MeshData{Name: name})
		cur = &meshes[len(meshes)-1]
		seen = map[objIndex]uint32{}
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: bad position", lineNo)
			}
			f, err := parseFloats(strings.Join(fields[1:4], " "), 3)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			positions = append(positions, math.NewVec3(f[0], f[1], f[2]))
		case "vt":
			if len(fields) < 3 {
				return nil, fmt.Errorf("line %d: bad texcoord", lineNo)
			}
			f, err := parseFloats(strings.Join(fields[1:3], " "), 2)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			texcoords = append(texcoords, math.NewVec2(f[0], f[1]))
		case "vn":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: bad normal", lineNo)
			}
			f, err := parseFloats(strings.Join(fields[1:4], " "), 3)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			normals = append(normals, math.NewVec3(f[0], f[1], f[2]))
		case "o", "g":
			name := ""
			if len(fields) > 1 {
				name = fields[1]
			}
			begin(name)
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs at least 3 vertices", lineNo)
			}
			if cur == nil {
				begin("default")
			}
			corners := make([]uint32, 0, len(fields)-1)
			for _, ref := range fields[1:] {
				idx, err := parseFaceRef(ref, len(positions), len(texcoords), len(normals))
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNo, err)
				}
				id, ok := seen[idx]
				if !ok {
					vert := math.Vertex{Position: positions[idx.v]}
					if idx.vt >= 0 {
						vert.Texcoord = texcoords[idx.vt]
					}
					if idx.vn >= 0 {
						vert.Normal = normals[idx.vn]
					}
					id = uint32(len(cur.Vertices))
					cur.Vertices = append(cur.Vertices, vert)
					seen[idx] = id
				}
				corners = append(corners, id)
			}
			for i := 1; i+1 < len(corners); i++ {
				cur.Indices = append(cur.Indices, corners[0], corners[i], corners[i+1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := meshes[:0]
	for _, m := range meshes {
		if len(m.Indices) > 0 {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no faces")
	}
	return out, nil
}

// parseFaceRef resolves v, v/vt, v//vn or v/vt/vn into zero based indices,
// -1 for a missing component. Negative references count from the end.
func parseFaceRef(ref string, nv, nvt, nvn int) (objIndex, error) {
	parts := strings.Split(ref, "/")
	idx := objIndex{-1, -1, -1}
	counts := [3]int{nv, nvt, nvn}
	targets := [3]*int{&idx.v, &idx.vt, &idx.vn}
	for i, p := range parts {
		if i > 2 {
			break
		}
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return idx, fmt.Errorf("bad face index %q", ref)
		}
		if n < 0 {
			n = counts[i] + n
		} else {
			n--
		}
		if n < 0 || n >= counts[i] {
			return idx, fmt.Errorf("face index %q out of range", ref)
		}
		*targets[i] = n
	}
	if idx.v < 0 {
		return idx, fmt.Errorf("face index %q has no position", ref)
	}
	return idx, nil
}

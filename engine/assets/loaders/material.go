package loaders

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

/**
 * @brief A material file: the shader it is made for, its constant values and
 * the image paths of its textures. Textures are resolved into handles by
 * whoever uploads them.
 */
type MaterialConfig struct {
	Name   string
	Shader string
	Values *metadata.MaterialValues
	// Property name to image path.
	Textures map[string]string
	// Property name to the six face paths, +X -X +Y -Y +Z -Z.
	CubeMaps map[string][6]string
}

/**
 * @brief Parses a .amt material file. Lines are either `key = value` for
 * name and shader, or `<type> <property> = <value>` with type one of
 * float, int, uint, vec2, vec3, vec4, texture, cubemap. Vectors and cube
 * faces are whitespace separated; '#' starts a comment line.
 */
func LoadMaterial(path string) (*MaterialConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &MaterialConfig{
		Values:   metadata.NewMaterialValues(),
		Textures: map[string]string{},
		CubeMaps: map[string][6]string{},
	}
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			core.LogWarn("%s:%d: skipping invalid line: %s", path, lineNo, line)
			continue
		}
		key := strings.Fields(parts[0])
		value := strings.TrimSpace(parts[1])

		switch {
		case len(key) == 1 && key[0] == "name":
			cfg.Name = value
		case len(key) == 1 && key[0] == "shader":
			cfg.Shader = value
		case len(key) == 2:
			if err := cfg.setProperty(key[0], key[1], value); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
			}
		default:
			core.LogError("%s:%d: unknown key '%s'. Skipping...", path, lineNo, strings.TrimSpace(parts[0]))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *MaterialConfig) setProperty(kind, name, value string) error {
	switch kind {
	case "float":
		f, err := parseFloats(value, 1)
		if err != nil {
			return err
		}
		cfg.Values.Floats[name] = f[0]
	case "int":
		i, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid int value %q: %w", value, err)
		}
		cfg.Values.Ints[name] = int32(i)
	case "uint":
		u, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid uint value %q: %w", value, err)
		}
		cfg.Values.Uints[name] = uint32(u)
	case "vec2":
		f, err := parseFloats(value, 2)
		if err != nil {
			return err
		}
		cfg.Values.Vec2s[name] = math.NewVec2(f[0], f[1])
	case "vec3":
		f, err := parseFloats(value, 3)
		if err != nil {
			return err
		}
		cfg.Values.Vec3s[name] = math.NewVec3(f[0], f[1], f[2])
	case "vec4":
		f, err := parseFloats(value, 4)
		if err != nil {
			return err
		}
		cfg.Values.Vec4s[name] = math.NewVec4(f[0], f[1], f[2], f[3])
	case "texture":
		cfg.Textures[name] = value
	case "cubemap":
		faces := strings.Fields(value)
		if len(faces) != 6 {
			return fmt.Errorf("cubemap %s needs 6 faces, got %d", name, len(faces))
		}
		cfg.CubeMaps[name] = [6]string(faces)
	default:
		return fmt.Errorf("unknown property type %q", kind)
	}
	return nil
}

func parseFloats(value string, n int) ([]float32, error) {
	fields := strings.Fields(value)
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d values, got %q", n, value)
	}
	out := make([]float32, n)
	for i, v := range fields {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid float value %q", v)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func (cfg *MaterialConfig) validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("material name is required")
	}
	if cfg.Shader == "" {
		return fmt.Errorf("shader name is required")
	}
	for name, path := range cfg.Textures {
		if path == "" {
			return fmt.Errorf("texture %s has no path", name)
		}
	}
	return nil
}

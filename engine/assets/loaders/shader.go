package loaders

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"gopkg.in/yaml.v3"
)

// Suffix of shader reflection sidecars.
const ShaderReflectionExt = ".reflect.yaml"

var shaderStageNames = map[string]metadata.ShaderStageFlags{
	"vertex":   metadata.ShaderStageVertex,
	"geometry": metadata.ShaderStageGeometry,
	"fragment": metadata.ShaderStageFragment,
}

/**
 * @brief A graphics shader as described by its reflection sidecar: the
 * reflected properties plus the compiled stage code it points at.
 */
type ShaderSource struct {
	Name string
	Info metadata.ShaderInfo
	Code metadata.ShaderCode
	// The sidecar and every stage file, for hot reload matching.
	Files []string
}

type shaderFile struct {
	Name string `yaml:"name"`
	// Stage name to compiled SPIR-V, relative to the sidecar.
	Programs map[string]string   `yaml:"programs"`
	Info     metadata.ShaderInfo `yaml:",inline"`
}

/**
 * @brief Reads a *.reflect.yaml sidecar and the SPIR-V stages it lists.
 * Missing state keys keep their DefaultShaderStateSet values.
 */
func LoadShader(path string) (*ShaderSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shader %s: %w", path, err)
	}
	file := shaderFile{Info: metadata.ShaderInfo{StateSet: metadata.DefaultShaderStateSet()}}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse shader %s: %w", path, err)
	}
	if file.Name == "" {
		file.Name = strings.TrimSuffix(filepath.Base(path), ShaderReflectionExt)
	}
	if _, ok := file.Programs["vertex"]; !ok {
		return nil, fmt.Errorf("shader %s has no vertex program", file.Name)
	}

	src := &ShaderSource{
		Name:  file.Name,
		Info:  file.Info,
		Code:  metadata.ShaderCode{},
		Files: []string{path},
	}
	src.Info.Stages = 0

	dir := filepath.Dir(path)
	stages := make([]string, 0, len(file.Programs))
	for stage := range file.Programs {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		flag, ok := shaderStageNames[stage]
		if !ok {
			return nil, fmt.Errorf("shader %s: unknown stage %q", file.Name, stage)
		}
		full := filepath.Join(dir, file.Programs[stage])
		code, err := LoadBinary(full)
		if err != nil {
			return nil, err
		}
		src.Code[flag] = code
		src.Info.Stages |= flag
		src.Files = append(src.Files, full)
	}
	return src, nil
}

type rayTracingFile struct {
	Name          string                             `yaml:"name"`
	Groups        metadata.RayTracingShaderPathGroup `yaml:"groups"`
	MaxRecursion  uint32                             `yaml:"max_recursion"`
	SceneTextures uint32                             `yaml:"scene_textures"`
	SceneCubeMaps uint32                             `yaml:"scene_cubemaps"`
	Material      metadata.ShaderPropertiesInfo      `yaml:"material"`
}

/**
 * @brief Reads a ray tracing pipeline description. Shader paths come back
 * absolute; the code itself is read when the pipeline is created.
 */
func LoadRayTracingPipeline(path string) (metadata.RayTracingPipelineDesc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metadata.RayTracingPipelineDesc{}, fmt.Errorf("failed to read ray tracing pipeline %s: %w", path, err)
	}
	var file rayTracingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return metadata.RayTracingPipelineDesc{}, fmt.Errorf("failed to parse ray tracing pipeline %s: %w", path, err)
	}
	if len(file.Groups.RGenPaths) == 0 {
		return metadata.RayTracingPipelineDesc{}, fmt.Errorf("ray tracing pipeline %s has no raygen shader", path)
	}
	if file.Name == "" {
		file.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return metadata.RayTracingPipelineDesc{}, err
	}
	g := &file.Groups
	for _, paths := range [][]string{g.RGenPaths, g.RMissPaths, g.RClosestHitPaths, g.RAnyHitPaths, g.RIntersectionPaths} {
		for i, p := range paths {
			if !filepath.IsAbs(p) {
				paths[i] = filepath.Join(dir, p)
			}
		}
	}
	return metadata.RayTracingPipelineDesc{
		Name:            file.Name,
		Groups:          file.Groups,
		MaxRecursion:    max(file.MaxRecursion, 1),
		SceneTextureNum: file.SceneTextures,
		SceneCubeMapNum: file.SceneCubeMaps,
		Material:        file.Material,
	}, nil
}

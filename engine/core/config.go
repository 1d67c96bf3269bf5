package core

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type WindowConfig struct {
	Title  string `toml:"title"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
}

type RayTracingConfig struct {
	Enabled         bool   `toml:"enabled"`
	SceneTextureNum uint32 `toml:"scene_texture_num"`
	SceneCubeMapNum uint32 `toml:"scene_cubemap_num"`
	SceneObjectNum  uint32 `toml:"scene_object_num"`
}

type RendererConfig struct {
	// vulkan or software
	Backend        string           `toml:"backend"`
	FramesInFlight uint32           `toml:"frames_in_flight"`
	VSync          bool             `toml:"vsync"`
	Validation     bool             `toml:"validation"`
	RayTracing     RayTracingConfig `toml:"ray_tracing"`
}

type AssetsConfig struct {
	Root      string `toml:"root"`
	HotReload bool   `toml:"hot_reload"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type Config struct {
	Window   WindowConfig   `toml:"window"`
	Renderer RendererConfig `toml:"renderer"`
	Assets   AssetsConfig   `toml:"assets"`
	Log      LogConfig      `toml:"log"`
}

const MaxFramesInFlight = 4

func DefaultConfig() *Config {
	return &Config{
		Window: WindowConfig{
			Title:  "anima-rhi testbed",
			Width:  1280,
			Height: 720,
		},
		Renderer: RendererConfig{
			Backend:        "vulkan",
			FramesInFlight: 2,
			VSync:          true,
			RayTracing: RayTracingConfig{
				Enabled:         true,
				SceneTextureNum: 64,
				SceneCubeMapNum: 8,
				SceneObjectNum:  256,
			},
		},
		Assets: AssetsConfig{
			Root:      "assets",
			HotReload: true,
		},
		Log: LogConfig{
			Level: "debug",
		},
	}
}

// LoadConfig reads the TOML file at path on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Renderer.FramesInFlight < 1 || c.Renderer.FramesInFlight > MaxFramesInFlight {
		return fmt.Errorf("frames_in_flight must be in [1,%d], got %d", MaxFramesInFlight, c.Renderer.FramesInFlight)
	}
	if c.Window.Width == 0 || c.Window.Height == 0 {
		return fmt.Errorf("window size must be non-zero, got %dx%d", c.Window.Width, c.Window.Height)
	}
	switch c.Renderer.Backend {
	case "vulkan", "software":
	default:
		return fmt.Errorf("unknown renderer backend %q", c.Renderer.Backend)
	}
	return nil
}

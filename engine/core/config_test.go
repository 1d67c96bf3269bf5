package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigOverlaysDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
[renderer]
backend = "software"
frames_in_flight = 3

[renderer.ray_tracing]
scene_texture_num = 16
`))
	require.NoError(t, err)

	assert.Equal(t, "software", cfg.Renderer.Backend)
	assert.Equal(t, uint32(3), cfg.Renderer.FramesInFlight)
	assert.Equal(t, uint32(16), cfg.Renderer.RayTracing.SceneTextureNum)
	// untouched values keep their defaults
	assert.Equal(t, uint32(8), cfg.Renderer.RayTracing.SceneCubeMapNum)
	assert.Equal(t, uint32(1280), cfg.Window.Width)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	_, err := ParseConfig([]byte("[renderer]\nframes_in_flight = 0\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("[renderer]\nframes_in_flight = 9\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("[renderer]\nbackend = \"metal\"\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("[window]\nwidth = 0\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("not toml ["))
	assert.Error(t, err)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renderer.toml")
	require.NoError(t, os.WriteFile(path, []byte("[window]\ntitle = \"test\"\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Window.Title)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

package assets

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetermineAssetType(t *testing.T) {
	assert.Equal(t, AssetTypeShader, DetermineAssetType("shaders/unlit.reflect.yaml"))
	assert.Equal(t, AssetTypeShader, DetermineAssetType("shaders/unlit.frag.spv"))
	assert.Equal(t, AssetTypeImage, DetermineAssetType("textures/brick.PNG"))
	assert.Equal(t, AssetTypeMaterial, DetermineAssetType("materials/brick.amt"))
	assert.Equal(t, AssetTypeModel, DetermineAssetType("models/cube.obj"))
	assert.Equal(t, AssetTypeFont, DetermineAssetType("fonts/ui.fnt"))
	assert.Equal(t, AssetTypeNone, DetermineAssetType("configs/renderer.toml"))
}

func TestWatcherIndexesAndReportsShaderChanges(t *testing.T) {
	root := t.TempDir()
	shaders := filepath.Join(root, "shaders")
	require.NoError(t, os.MkdirAll(shaders, 0o755))
	frag := filepath.Join(shaders, "unlit.frag.spv")
	require.NoError(t, os.WriteFile(frag, []byte{1, 2, 3, 4}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("hi"), 0o644))

	bus := core.NewEventBus()
	changed := make(chan string, 16)
	bus.Register(core.EVENT_CODE_SHADER_CHANGED, t, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		changed <- data.Data.C[0]
		return false
	})

	w, err := NewWatcher(bus)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.Watch(root))

	info, ok := w.Lookup(frag)
	require.True(t, ok)
	assert.Equal(t, AssetTypeShader, info.Type)
	_, ok = w.Lookup(filepath.Join(root, "readme.txt"))
	assert.False(t, ok)
	assert.Len(t, w.Assets(AssetTypeShader), 1)

	require.NoError(t, os.WriteFile(frag, []byte{5, 6, 7, 8}, 0o644))
	select {
	case path := <-changed:
		assert.Equal(t, filepath.Clean(frag), path)
	case <-time.After(5 * time.Second):
		t.Fatal("no shader change reported")
	}

	require.NoError(t, w.Close())
	assert.Error(t, w.Watch(root))
}

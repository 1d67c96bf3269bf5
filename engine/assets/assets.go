package assets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/anima-rhi/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rhi/engine/core"
)

type AssetType int

const (
	AssetTypeNone AssetType = iota
	AssetTypeShader
	AssetTypeImage
	AssetTypeMaterial
	AssetTypeModel
	AssetTypeFont
)

type AssetInfo struct {
	Path     string
	Type     AssetType
	Modified time.Time
}

/**
 * @brief Watches asset directories recursively, keeps an index of the files
 * it knows how to load and fires EVENT_CODE_SHADER_CHANGED (path in C[0])
 * whenever a shader file is written.
 */
type Watcher struct {
	assets map[string]AssetInfo
	mutex  sync.RWMutex

	events   *core.EventBus
	fsnotify *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
	isClosed bool
}

func NewWatcher(events *core.EventBus) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		assets:   make(map[string]AssetInfo),
		events:   events,
		fsnotify: fsWatch,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.start()
	return w, nil
}

// Watch starts watching the named directory and all sub-directories.
func (w *Watcher) Watch(dir string) error {
	if w.isClosed {
		return errors.New("asset watcher already closed")
	}
	return w.watchRecursive(dir, false)
}

// Unwatch stops watching the named directory and all sub-directories.
func (w *Watcher) Unwatch(dir string) error {
	return w.watchRecursive(dir, true)
}

// Lookup returns what the index knows about path.
func (w *Watcher) Lookup(path string) (AssetInfo, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	info, ok := w.assets[filepath.Clean(path)]
	return info, ok
}

// Assets lists every indexed file of type t.
func (w *Watcher) Assets(t AssetType) []AssetInfo {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	var out []AssetInfo
	for _, a := range w.assets {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func (w *Watcher) Close() error {
	if w.isClosed {
		return nil
	}
	w.isClosed = true
	close(w.done)
	<-w.stopped
	return nil
}

func (w *Watcher) start() {
	defer close(w.stopped)
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			w.handle(e)

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %s", err)

		case <-w.done:
			w.fsnotify.Close()
			return
		}
	}
}

func (w *Watcher) handle(e fsnotify.Event) {
	path := filepath.Clean(e.Name)
	if s, err := os.Stat(path); err == nil && s.IsDir() {
		if e.Has(fsnotify.Create) {
			if err := w.watchRecursive(path, false); err != nil {
				core.LogWarn("failed to watch %s: %s", path, err)
			}
		}
		return
	}
	if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
		w.removeAsset(path)
		return
	}
	if !e.Has(fsnotify.Create) && !e.Has(fsnotify.Write) {
		return
	}
	if w.indexFile(path) == AssetTypeShader {
		var ctx core.EventContext
		ctx.Data.C[0] = path
		core.LogDebug("shader file changed: %s", path)
		w.events.Fire(core.EVENT_CODE_SHADER_CHANGED, w, ctx)
	}
}

// watchRecursive adds or removes every directory under root and indexes the
// files found on the way.
func (w *Watcher) watchRecursive(root string, unWatch bool) error {
	return filepath.Walk(root, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if unWatch {
				return w.fsnotify.Remove(walkPath)
			}
			return w.fsnotify.Add(walkPath)
		}
		if unWatch {
			w.removeAsset(filepath.Clean(walkPath))
		} else {
			w.indexFile(filepath.Clean(walkPath))
		}
		return nil
	})
}

func (w *Watcher) indexFile(path string) AssetType {
	assetType := DetermineAssetType(path)
	if assetType == AssetTypeNone {
		return assetType
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.assets[path] = AssetInfo{
		Path:     path,
		Type:     assetType,
		Modified: time.Now(),
	}
	return assetType
}

func (w *Watcher) removeAsset(path string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	delete(w.assets, path)
}

func DetermineAssetType(path string) AssetType {
	if strings.HasSuffix(path, loaders.ShaderReflectionExt) {
		return AssetTypeShader
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".spv":
		return AssetTypeShader
	case ".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp":
		return AssetTypeImage
	case ".amt":
		return AssetTypeMaterial
	case ".obj":
		return AssetTypeModel
	case ".fnt", ".ttf", ".otf", ".ttc":
		return AssetTypeFont
	default:
		return AssetTypeNone
	}
}

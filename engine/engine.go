package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/anima-rhi/engine/assets"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/platform"
	"github.com/spaghettifunk/anima-rhi/engine/renderer"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

// Frames between two frame time reports in the log.
const metricsReportInterval = 300

const suspendedPollInterval = 16 * time.Millisecond

type Engine struct {
	currentStage Stage
	gameInstance *Game
	config       *core.Config
	isRunning    atomic.Bool
	isSuspended  atomic.Bool
	events       *core.EventBus
	platform     *platform.Platform
	backend      *renderer.Backend
	watcher      *assets.Watcher
	width        uint32
	height       uint32
	clock        *core.Clock
	metrics      *core.FrameMetrics
	lastTime     float64
}

func New(g *Game) (*Engine, error) {
	if g == nil || g.ApplicationConfig == nil {
		return nil, fmt.Errorf("game and application config are required")
	}
	cfg, err := g.ApplicationConfig.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := core.SetLogLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	if g.ApplicationConfig.Headless {
		cfg.Renderer.Backend = "software"
	}

	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		config:       cfg,
		events:       core.NewEventBus(),
		width:        cfg.Window.Width,
		height:       cfg.Window.Height,
		clock:        core.NewClock(),
		metrics:      core.NewFrameMetrics(),
	}, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onQuit)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)

	if !e.gameInstance.ApplicationConfig.Headless {
		e.platform = platform.New(e.events)
		if err := e.platform.Startup(e.config.Window.Title,
			e.gameInstance.ApplicationConfig.StartPosX,
			e.gameInstance.ApplicationConfig.StartPosY,
			e.config.Window.Width,
			e.config.Window.Height); err != nil {
			return err
		}
		// High DPI displays hand out a larger drawable than the window.
		if w, h := e.platform.FramebufferSize(); w > 0 && h > 0 {
			e.config.Window.Width, e.config.Window.Height = w, h
			e.width, e.height = w, h
		}
	}

	backend, err := renderer.New(e.config, e.platform, e.events)
	if err != nil {
		core.LogError("failed to create the renderer: %s", err)
		return err
	}
	e.backend = backend
	e.gameInstance.Renderer = backend

	if e.config.Assets.HotReload {
		w, err := assets.NewWatcher(e.events)
		if err != nil {
			return err
		}
		if err := w.Watch(e.config.Assets.Root); err != nil {
			core.LogWarn("hot reload disabled, cannot watch %s: %s", e.config.Assets.Root, err)
			_ = w.Close()
		} else {
			e.watcher = w
		}
	}

	if err := e.gameInstance.FnInitialize(); err != nil {
		return err
	}
	if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
		return err
	}

	e.currentStage = EngineStageInitialized
	e.isRunning.Store(true)
	return nil
}

func (e *Engine) Run() error {
	e.currentStage = EngineStageRunning
	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	maxFrames := e.gameInstance.ApplicationConfig.MaxFrames

	for e.isRunning.Load() {
		if e.platform != nil && !e.platform.PumpMessages() {
			e.isRunning.Store(false)
			break
		}
		if e.isSuspended.Load() {
			time.Sleep(suspendedPollInterval)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime

		if err := e.gameInstance.FnUpdate(delta); err != nil {
			core.LogError("game update failed, shutting down: %s", err)
			return e.Shutdown()
		}

		if err := e.backend.BeginFrame(); err != nil {
			core.LogError("begin frame failed, shutting down: %s", err)
			return e.Shutdown()
		}
		if err := e.gameInstance.FnRender(delta); err != nil {
			core.LogError("game render failed, shutting down: %s", err)
			return e.Shutdown()
		}
		if err := e.backend.EndFrame(); err != nil {
			core.LogError("end frame failed, shutting down: %s", err)
			return e.Shutdown()
		}

		e.clock.Update()
		e.metrics.Update(e.clock.Elapsed() - currentTime)
		if e.metrics.TotalFrames()%metricsReportInterval == 0 {
			fps, ms := e.metrics.Frame()
			stats := e.backend.Stats()
			core.LogDebug("%.0f fps, %.2f ms/frame, %d meshes, %d pending deletions", fps, ms, stats.Meshes, stats.PendingDeletions)
		}
		if maxFrames > 0 && e.metrics.TotalFrames() >= maxFrames {
			e.isRunning.Store(false)
		}

		e.lastTime = currentTime
	}

	return e.Shutdown()
}

// Quit asks the run loop to stop after the current frame. Safe to call from
// any goroutine.
func (e *Engine) Quit() {
	e.events.Fire(core.EVENT_CODE_APPLICATION_QUIT, e, core.EventContext{})
}

func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShuttingDown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)

	if e.backend != nil {
		if err := e.backend.WaitForRenderFinish(); err != nil {
			core.LogError("failed to drain the gpu: %s", err)
		}
	}
	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			core.LogError("game shutdown failed: %s", err)
		}
	}
	if e.watcher != nil {
		_ = e.watcher.Close()
	}
	if e.backend != nil {
		e.backend.Shutdown()
	}
	e.events.Unregister(core.EVENT_CODE_APPLICATION_QUIT, e)
	e.events.Unregister(core.EVENT_CODE_RESIZED, e)
	if e.platform != nil {
		return e.platform.Shutdown()
	}
	return nil
}

// GetFramebufferSize returns the width and height (in this order)
// of the application Framebuffer
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) onQuit(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
	e.isRunning.Store(false)
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	width, height := data.Data.U32[0], data.Data.U32[1]
	if width == e.width && height == e.height {
		return false
	}
	e.width, e.height = width, height
	core.LogDebug("Window resize: %d, %d", width, height)

	// Handle minimization
	if width == 0 || height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended.Store(true)
		return false
	}
	if e.isSuspended.Load() {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended.Store(false)
	}
	if err := e.gameInstance.FnOnResize(width, height); err != nil {
		core.LogError("game resize failed: %s", err)
	}
	// The backend listens to the same event.
	return false
}

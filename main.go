/*
Testbed for the renderer backend. Opens a window on the configured device,
or renders offscreen on the software device with -headless.
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-rhi/engine"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/testbed"
)

func main() {
	configPath := flag.String("config", "configs/renderer.toml", "path of the renderer configuration")
	headless := flag.Bool("headless", false, "render offscreen on the software device")
	frames := flag.Uint64("frames", 0, "stop after this many frames, 0 runs until the window closes")
	flag.Parse()

	tb := testbed.NewTestGame(&engine.ApplicationConfig{
		StartPosX:  100,
		StartPosY:  100,
		ConfigPath: *configPath,
		Headless:   *headless,
		MaxFrames:  *frames,
	})

	e, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal("failed to create the engine: %s", err)
	}
	// Overrides [log] level without editing the config.
	if level := os.Getenv("ANIMA_LOG_LEVEL"); level != "" {
		if err := core.SetLogLevel(level); err != nil {
			core.LogWarn("ignoring ANIMA_LOG_LEVEL: %s", err)
		}
	}

	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		core.LogFatal("failed to initialize the engine: %s", err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	go func() {
		<-sigCh
		e.Quit()
	}()

	if err := e.Run(); err != nil {
		core.LogFatal("engine stopped with an error: %s", err)
	}
}

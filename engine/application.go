package engine

import (
	"github.com/spaghettifunk/anima-rhi/engine/core"
)

type ApplicationConfig struct {
	// Window starting position x axis, if applicable.
	StartPosX uint32
	// Window starting position y axis, if applicable.
	StartPosY uint32
	// Path of the TOML configuration. Defaults are used when empty.
	ConfigPath string
	// Runs without a window on the software device when set.
	Headless bool
	// Stops the run loop after this many frames. Zero runs until quit.
	MaxFrames uint64
}

// loadConfig reads the configuration named by the application, falling back
// to the defaults when no path is given.
func (a *ApplicationConfig) loadConfig() (*core.Config, error) {
	if a.ConfigPath == "" {
		return core.DefaultConfig(), nil
	}
	return core.LoadConfig(a.ConfigPath)
}

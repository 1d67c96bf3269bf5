//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Compiles the shaders and runs the testbed on the configured device.
func (Run) Engine() error {
	if err := buildShaders(); err != nil {
		return err
	}
	fmt.Println("Run engine...")
	_, err := executeCmd("go", withArgs("run", ".", "-config", "configs/renderer.toml"), withStream())
	return err
}

// Runs the testbed offscreen on the software device for a fixed number of frames.
func (Run) Headless() error {
	if err := buildShaders(); err != nil {
		return err
	}
	_, err := executeCmd("go", withArgs("run", ".", "-headless", "-frames", "120"), withEnv("ANIMA_LOG_LEVEL=info"), withStream())
	return err
}

// Runs the unit tests. Vulkan needs a driver, everything else runs anywhere.
func (Run) Tests() error {
	_, err := executeCmd("go", withArgs("test", "./..."), withStream())
	return err
}

//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

const shaderDir = "assets/shaders"

// Graphics stages keep their stage in the output name, ray tracing stages
// drop it since the file name is the export name.
var shaderStages = map[string]bool{
	".vert":  true,
	".frag":  true,
	".geom":  true,
	".rgen":  false,
	".rmiss": false,
	".rchit": false,
	".rahit": false,
	".rint":  false,
}

// Compiles every GLSL stage under assets/shaders to SPIR-V with glslc.
func (Build) Shaders() error {
	return buildShaders()
}

// Tidies the module and builds the testbed binary.
func (Build) Testbed() error {
	mg.Deps(Build.Shaders)
	if err := goTidy(); err != nil {
		return err
	}
	_, err := executeCmd("go", withArgs("build", "-o", "bin/testbed", "."), withStream())
	return err
}

func buildShaders() error {
	if err := requireTool("glslc", "install the Vulkan SDK or shaderc"); err != nil {
		return err
	}
	var sources []string
	err := filepath.Walk(shaderDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if _, ok := shaderStages[filepath.Ext(path)]; ok && !fi.IsDir() {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// glslc runs next to each source so includes resolve against its folder.
	for _, src := range sources {
		name := filepath.Base(src)
		ext := filepath.Ext(name)
		args := []string{name, "-o", name + ".spv"}
		if !shaderStages[ext] {
			args = []string{"--target-env=vulkan1.2", name, "-o", strings.TrimSuffix(name, ext) + ".spv"}
		}
		if _, err := executeCmd("glslc", withArgs(args...), withDir(filepath.Dir(src))); err != nil {
			return fmt.Errorf("failed to compile %s: %w", src, err)
		}
	}
	fmt.Printf("Compiled %d shaders\n", len(sources))
	return nil
}

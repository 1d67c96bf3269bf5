package testbed

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/spaghettifunk/anima-rhi/engine"
	"github.com/spaghettifunk/anima-rhi/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/components"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	camera  *components.Camera
	width   uint32
	height  uint32
	elapsed float64

	// Raster path: the scene renders into an offscreen target that is then
	// drawn onto the swapchain together with the overlay text.
	sceneFB     metadata.FrameBufferHandle
	sceneCmd    metadata.CommandHandle
	presentCmd  metadata.CommandHandle
	worldShader metadata.ShaderHandle
	crate       metadata.MaterialDataHandle
	meshes      []metadata.MeshHandle

	composeShader metadata.ShaderHandle
	compose       metadata.MaterialDataHandle
	composeSource metadata.RenderBufferHandle
	screenQuad    metadata.MeshHandle

	// Ray tracing path, used instead of the raster scene when the device
	// supports it.
	rayTracing bool
	rtFB       metadata.FrameBufferHandle
	rtCmd      metadata.CommandHandle
	rtMaterial metadata.RTMaterialDataHandle

	hud *textLabel
	// Set once Initialize completed. Partially created resources are left to
	// the backend's shutdown.
	ready bool
}

var lightPosition = math.Vec3{X: 4, Y: 6, Z: 3}

func NewTestGame(appConfig *engine.ApplicationConfig) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: appConfig,
			State:             &gameState{},
		},
	}
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown
	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize() error {
	if g.Renderer == nil {
		return fmt.Errorf("the engine has not created the renderer yet")
	}
	b := g.Renderer
	s := g.state()

	s.camera = components.NewCamera()
	s.camera.SetPosition(math.Vec3{X: 4, Y: 3, Z: 6})
	s.camera.LookAt(math.Vec3{})

	var err error
	if s.sceneFB, err = b.CreateFrameBuffer(metadata.FrameBufferTypeNormal,
		metadata.NewClearInfo(metadata.ClearFrameBufferColor|metadata.ClearFrameBufferDepth, math.Vec4{X: 0.1, Y: 0.1, Z: 0.15, W: 1}), 0, 0); err != nil {
		return err
	}
	s.sceneCmd = b.AllocateDrawCommand(metadata.CommandTypeForwardRendering)
	s.presentCmd = b.AllocateDrawCommand(metadata.CommandTypeUIRendering)

	if s.worldShader, _, err = b.CompileShader("shaders/unlit_texture.reflect.yaml", metadata.FrameBufferTypeNormal); err != nil {
		return err
	}
	if s.composeShader, _, err = b.CompileShader("shaders/unlit_texture.reflect.yaml", metadata.FrameBufferTypePresent); err != nil {
		return err
	}
	textShader, _, err := b.CompileShader("shaders/text.reflect.yaml", metadata.FrameBufferTypePresent)
	if err != nil {
		return err
	}

	var cfg *loaders.MaterialConfig
	if s.crate, cfg, err = b.LoadMaterial("materials/crate.amt", s.worldShader); err != nil {
		return err
	}
	core.LogDebug("loaded material %s written for %s", cfg.Name, cfg.Shader)
	if s.meshes, err = b.LoadModel("models/scene.obj"); err != nil {
		return err
	}

	if s.screenQuad, err = b.SetUpStaticMesh(screenQuadVertices(), []uint32{0, 1, 2, 0, 2, 3}); err != nil {
		return err
	}
	s.compose = b.CreateMaterialData()
	values := metadata.NewMaterialValues()
	values.Vec4s["_Color"] = math.Vec4{X: 1, Y: 1, Z: 1, W: 1}
	if err := b.SetUpMaterial(s.compose, s.composeShader, values); err != nil {
		return err
	}
	if err := b.SetShaderMatrix(s.compose, "_MVP", math.NewMat4Identity(), true); err != nil {
		return err
	}
	s.composeSource = metadata.InvalidRenderBuffer

	if s.hud, err = newTextLabel(b, textShader, loaders.DefaultGlyphAtlas(), 48, math.Vec4{X: 1, Y: 1, Z: 0.6, W: 1}, 2); err != nil {
		return err
	}

	if b.Capabilities().RayTracing {
		if err := g.initializeRayTracing(cfg); err != nil {
			if !errors.Is(err, core.ErrUnsupported) {
				return err
			}
			core.LogWarn("ray tracing unavailable, using the raster path: %s", err)
		}
	}
	s.ready = true
	core.LogInfo("testbed ready (ray tracing: %t)", s.rayTracing)
	return nil
}

func (g *TestGame) initializeRayTracing(crate *loaders.MaterialConfig) error {
	b := g.Renderer
	s := g.state()

	if _, err := b.CompileRayTracingPipeline("shaders/rt/path.yaml"); err != nil {
		return err
	}
	var err error
	if s.rtFB, err = b.CreateFrameBuffer(metadata.FrameBufferTypeRayTracing, metadata.NewClearInfo(metadata.ClearFrameBufferNone, math.Vec4{}), 0, 0); err != nil {
		return err
	}
	s.rtCmd = b.AllocateDrawCommand(metadata.CommandTypeRayTracing)
	s.rtMaterial = b.CreateRayTracingMaterialData()
	if err := b.SetUpRayTracingMaterialData(s.rtMaterial, crate.Values); err != nil {
		return err
	}
	s.rayTracing = true
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	s := g.state()
	s.elapsed += deltaTime
	// Slow orbit around the origin.
	angle := float32(s.elapsed * 0.25)
	s.camera.SetPosition(math.Vec3{X: 7 * math32.Sin(angle), Y: 3, Z: 7 * math32.Cos(angle)})
	s.camera.LookAt(math.Vec3{})
	return nil
}

func (g *TestGame) Render(deltaTime float64) error {
	b := g.Renderer
	s := g.state()
	width, height := b.FrameBufferSize(b.PresentFrameBuffer())
	if width == 0 || height == 0 {
		return nil
	}
	aspect := float32(width) / float32(height)

	source := b.FrameBufferColorBuffer(s.sceneFB)
	if s.rayTracing {
		if err := g.renderRayTraced(aspect); err != nil {
			return err
		}
		source = b.FrameBufferColorBuffer(s.rtFB)
	} else if err := g.renderRaster(aspect); err != nil {
		return err
	}

	// Frame buffers following the window get new render buffers on resize.
	if source != s.composeSource {
		if err := b.SetShaderRenderBuffer(s.compose, "_MainTex", source, true); err != nil {
			return err
		}
		s.composeSource = source
	}

	if err := b.SwitchFrameBuffer(b.PresentFrameBuffer()); err != nil {
		return err
	}
	b.SetViewPort(0, 0, 0, 0)
	if err := b.UseShader(s.composeShader); err != nil {
		return err
	}
	if err := b.UseMaterialData(s.compose); err != nil {
		return err
	}
	if err := b.Draw(s.screenQuad); err != nil {
		return err
	}

	stats := b.Stats()
	fps := 0.0
	if deltaTime > 0 {
		fps = 1 / deltaTime
	}
	text := fmt.Sprintf("%s %.0f fps %d meshes", b.Capabilities().Name, fps, stats.Meshes)
	if err := s.hud.draw(text, 16, 16, width, height); err != nil {
		return err
	}
	return b.GenerateDrawCommand(s.presentCmd)
}

func (g *TestGame) renderRaster(aspect float32) error {
	b := g.Renderer
	s := g.state()
	if err := b.SwitchFrameBuffer(s.sceneFB); err != nil {
		return err
	}
	b.SetViewPort(0, 0, 0, 0)
	if err := b.UseShader(s.worldShader); err != nil {
		return err
	}
	if err := b.UseMaterialData(s.crate); err != nil {
		return err
	}
	if err := b.SetShaderMatrix(s.crate, "_MVP", s.camera.ViewProjection(aspect), false); err != nil {
		return err
	}
	for _, m := range s.meshes {
		if err := b.Draw(m); err != nil {
			return err
		}
	}
	return b.GenerateDrawCommand(s.sceneCmd)
}

func (g *TestGame) renderRayTraced(aspect float32) error {
	b := g.Renderer
	s := g.state()
	for _, m := range s.meshes {
		if err := b.PushAccelerationStructure(m, 0, s.rtMaterial, math.NewMat4Identity()); err != nil {
			return err
		}
	}
	if err := b.BuildTopLevelAccelerationStructure(s.rtCmd); err != nil {
		return err
	}
	if err := b.SwitchFrameBuffer(s.rtFB); err != nil {
		return err
	}
	return b.RayTrace(s.rtCmd, s.camera.RayTracingConstants(aspect, lightPosition, 0))
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	s := g.state()
	s.width, s.height = width, height
	return nil
}

func (g *TestGame) Shutdown() error {
	b := g.Renderer
	s := g.state()
	if b == nil || !s.ready {
		return nil
	}
	if s.hud != nil {
		s.hud.destroy()
	}
	for _, m := range s.meshes {
		b.DeleteMesh(m)
	}
	b.DeleteMesh(s.screenQuad)
	b.DeleteMaterialData(s.crate)
	b.DeleteMaterialData(s.compose)
	if s.rayTracing {
		b.DeleteRayTracingMaterialData(s.rtMaterial)
		b.DeleteFrameBuffer(s.rtFB)
	}
	b.DeleteFrameBuffer(s.sceneFB)
	core.LogInfo("testbed shut down")
	return nil
}

// screenQuadVertices covers the whole target, v growing downwards.
func screenQuadVertices() []math.Vertex {
	return []math.Vertex{
		{Position: math.NewVec3(-1, 1, 0), Texcoord: math.NewVec2(0, 0)},
		{Position: math.NewVec3(-1, -1, 0), Texcoord: math.NewVec2(0, 1)},
		{Position: math.NewVec3(1, -1, 0), Texcoord: math.NewVec2(1, 1)},
		{Position: math.NewVec3(1, 1, 0), Texcoord: math.NewVec2(1, 0)},
	}
}

package components

import (
	"github.com/chewxy/math32"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

/**
 * @brief A perspective camera. Position and rotation changes mark the view
 * matrix dirty; it is rebuilt the next time it is read.
 */
type Camera struct {
	/**
	 * @brief The position of this camera.
	 * NOTE: Do not set this directly, use SetPosition() instead
	 * so the view matrix is recalculated when needed.
	 */
	Position math.Vec3
	/**
	 * @brief The rotation of this camera using Euler angles (pitch, yaw, roll).
	 * Roll is ignored. Zero looks down -Z.
	 */
	EulerRotation math.Vec3
	/** @brief Vertical field of view in radians. */
	FOV  float32
	Near float32
	Far  float32

	isDirty    bool
	viewMatrix math.Mat4
}

// 89 degrees.
const pitchLimit float32 = 1.55334306

func NewCamera() *Camera {
	camera := &Camera{}
	camera.Reset()
	return camera
}

func (c *Camera) Reset() {
	c.EulerRotation = math.NewVec3Zero()
	c.Position = math.NewVec3Zero()
	c.FOV = math.DegToRad(45)
	c.Near = 0.1
	c.Far = 1000
	c.isDirty = true
}

func (c *Camera) SetPosition(position math.Vec3) {
	c.Position = position
	c.isDirty = true
}

func (c *Camera) SetEulerRotation(rotation math.Vec3) {
	rotation.X = math.Clamp(rotation.X, -pitchLimit, pitchLimit)
	c.EulerRotation = rotation
	c.isDirty = true
}

// LookAt points the camera at target from its current position.
func (c *Camera) LookAt(target math.Vec3) {
	dir := target.Sub(c.Position).Normalized()
	c.SetEulerRotation(math.Vec3{
		X: math32.Asin(dir.Y),
		Y: math32.Atan2(-dir.X, -dir.Z),
	})
}

func (c *Camera) Forward() math.Vec3 {
	pitch, yaw := c.EulerRotation.X, c.EulerRotation.Y
	return math.Vec3{
		X: -math32.Sin(yaw) * math32.Cos(pitch),
		Y: math32.Sin(pitch),
		Z: -math32.Cos(yaw) * math32.Cos(pitch),
	}
}

func (c *Camera) Right() math.Vec3 {
	return c.Forward().Cross(math.NewVec3Up()).Normalized()
}

func (c *Camera) GetView() math.Mat4 {
	if c.isDirty {
		c.viewMatrix = math.NewMat4LookAt(c.Position, c.Position.Add(c.Forward()), math.NewVec3Up())
		c.isDirty = false
	}
	return c.viewMatrix
}

func (c *Camera) Projection(aspect float32) math.Mat4 {
	return math.NewMat4Perspective(c.FOV, aspect, c.Near, c.Far)
}

// ViewProjection is applied to row vectors after the model matrix.
func (c *Camera) ViewProjection(aspect float32) math.Mat4 {
	return c.GetView().Mul(c.Projection(aspect))
}

// RayTracingConstants fills the camera part of the ray tracing constants.
func (c *Camera) RayTracingConstants(aspect float32, lightPos math.Vec3, frameCount uint32) metadata.RayTracingPipelineConstants {
	view := c.GetView()
	proj := c.Projection(aspect)
	return metadata.RayTracingPipelineConstants{
		VP:         view.Mul(proj),
		VInv:       view.Inverse(),
		PInv:       proj.Inverse(),
		LightPos:   lightPos,
		FrameCount: frameCount,
	}
}

func (c *Camera) MoveForward(amount float32) {
	c.SetPosition(c.Position.Add(c.Forward().MulScalar(amount)))
}

func (c *Camera) MoveRight(amount float32) {
	c.SetPosition(c.Position.Add(c.Right().MulScalar(amount)))
}

func (c *Camera) MoveUp(amount float32) {
	c.SetPosition(c.Position.Add(math.NewVec3Up().MulScalar(amount)))
}

func (c *Camera) Yaw(amount float32) {
	c.EulerRotation.Y += amount
	c.isDirty = true
}

func (c *Camera) Pitch(amount float32) {
	// Clamp to avoid Gimbal lock.
	c.EulerRotation.X = math.Clamp(c.EulerRotation.X+amount, -pitchLimit, pitchLimit)
	c.isDirty = true
}

package components

import (
	"testing"

	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/stretchr/testify/assert"
)

func TestDefaultCameraLooksDownNegativeZ(t *testing.T) {
	c := NewCamera()
	assert.True(t, c.Forward().Compare(math.NewVec3Forward(), 1e-5))

	c.SetPosition(math.Vec3{Z: 5})
	p := math.Vec3{}.Transform(c.GetView())
	assert.True(t, p.Compare(math.Vec3{Z: -5}, 1e-4))
}

func TestLookAtMatchesForward(t *testing.T) {
	c := NewCamera()
	c.SetPosition(math.Vec3{X: 3, Y: 2, Z: 3})
	c.LookAt(math.Vec3{})
	want := math.Vec3{X: -3, Y: -2, Z: -3}.Normalized()
	assert.True(t, c.Forward().Compare(want, 1e-4))
}

func TestPitchIsClamped(t *testing.T) {
	c := NewCamera()
	c.Pitch(10)
	assert.InDelta(t, pitchLimit, c.EulerRotation.X, 1e-6)
	c.Pitch(-20)
	assert.InDelta(t, -pitchLimit, c.EulerRotation.X, 1e-6)
}

func TestMovesMarkViewDirty(t *testing.T) {
	c := NewCamera()
	before := c.GetView()
	c.MoveForward(2)
	assert.False(t, before.Compare(c.GetView(), 1e-6))
	assert.True(t, c.Position.Compare(math.Vec3{Z: -2}, 1e-5))
}

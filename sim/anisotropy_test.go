package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/sim/particle"
)

func shapeParticle(id uint32, pos common.Vec3) particle.GPUParticle {
	return particle.NewGPUParticle(pos, common.Vec3{}, 1, id, 0, 0)
}

// lineParticles lays n particles along the X axis at unit spacing.
func lineParticles(n int) []particle.GPUParticle {
	out := make([]particle.GPUParticle, n)
	for i := range out {
		out[i] = shapeParticle(uint32(i), common.Vec3{X: float32(i)})
	}
	return out
}

func TestShapeSmootherIsolatedParticleIsSphere(t *testing.T) {
	sm := NewShapeSmoother(1)
	shapes := sm.Update([]particle.GPUParticle{shapeParticle(0, common.Vec3{})}, 5, 2.5)
	require.Len(t, shapes, 1)
	assert.InDelta(t, 2.5, shapes[0].Radii.X, 1e-6)
	assert.InDelta(t, 2.5, shapes[0].Radii.Y, 1e-6)
	assert.InDelta(t, 2.5, shapes[0].Radii.Z, 1e-6)
}

func TestShapeSmootherLineStretchesAlongLine(t *testing.T) {
	sm := NewShapeSmoother(1)
	shapes := sm.Update(lineParticles(11), 5, 1)
	require.Len(t, shapes, 11)

	// The middle particle sees a symmetric 1D neighborhood: the dominant
	// eigen axis (index 2, eigenvalues ascend) must align with X and its
	// radius must exceed the perpendicular ones.
	mid := shapes[5]
	assert.Greater(t, mid.Radii.Z, float32(1))
	assert.Less(t, mid.Radii.X, float32(1))
	assert.Greater(t, math.Abs(float64(mid.Axes[2].X)), 0.9)
}

func TestShapeSmootherBlendsByID(t *testing.T) {
	sm := NewShapeSmoother(0.5)
	first := sm.Update(lineParticles(11), 5, 1)
	stretched := first[5].Radii.Z
	require.Greater(t, stretched, float32(1))

	// The same ID alone has no neighborhood, so its raw shape is the unit
	// sphere; with blend 0.5 the published radius lands halfway.
	second := sm.Update([]particle.GPUParticle{shapeParticle(5, common.Vec3{X: 5})}, 5, 1)
	require.Len(t, second, 1)
	assert.InDelta(t, float64(stretched+1)/2, float64(second[0].Radii.Z), 1e-3)
}

func TestShapeSmootherResetForgetsHistory(t *testing.T) {
	sm := NewShapeSmoother(0.5)
	sm.Update(lineParticles(11), 5, 1)
	sm.Reset()

	shapes := sm.Update([]particle.GPUParticle{shapeParticle(5, common.Vec3{X: 5})}, 5, 1)
	require.Len(t, shapes, 1)
	assert.InDelta(t, 1.0, shapes[0].Radii.Z, 1e-6)
}

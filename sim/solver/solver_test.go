package solver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/sim/collision"
	"github.com/tidefall-dev/tidefall/sim/particle"
)

// lattice builds an n^3 particle grid with the given spacing and mass,
// anchored at origin.
func lattice(n int, spacing, mass float32, origin common.Vec3) []particle.GPUParticle {
	var out []particle.GPUParticle
	id := uint32(0)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				pos := origin.Add(common.Vec3{
					X: float32(x) * spacing,
					Y: float32(y) * spacing,
					Z: float32(z) * spacing,
				})
				out = append(out, particle.NewGPUParticle(pos, common.Vec3{}, mass, id, 0, 0))
				id++
			}
		}
	}
	return out
}

func avgSpeed(particles []particle.GPUParticle) float64 {
	var sum float64
	for i := range particles {
		sum += float64(common.FromArray(particles[i].Velocity).Length())
	}
	return sum / float64(len(particles))
}

func TestKernelNormalization(t *testing.T) {
	// A particle lattice at rest spacing h/2 with mass rho0*s^3 must measure
	// density close to rho0: the kernel sum approximates the unit integral.
	h := float32(10)
	s := h / 2
	rho0 := float32(1)
	mass := rho0 * s * s * s

	cfg := DefaultConfig()
	cfg.SmoothingRadius = h
	cfg.RestDensity = rho0
	r := NewReference(cfg)

	n := 9
	particles := lattice(n, s, mass, common.Vec3{})
	densities := r.ComputeDensities(particles)

	// Interior particles (two full cells from every face) have complete
	// kernel support.
	checked := 0
	for z := 2; z <= 6; z++ {
		for y := 2; y <= 6; y++ {
			for x := 2; x <= 6; x++ {
				i := z*n*n + y*n + x
				assert.InDelta(t, 1.0, float64(densities[i]/rho0), 0.1)
				checked++
			}
		}
	}
	require.Equal(t, 125, checked)
}

func TestKernelSupport(t *testing.T) {
	k := NewKernel(10)
	assert.Equal(t, float32(0), k.Poly6(100), "zero at the support radius")
	assert.Greater(t, k.Poly6(0), k.Poly6(50), "monotone in distance")
	assert.Equal(t, common.Vec3{}, k.SpikyGrad(common.Vec3{X: 20}, 20), "zero outside support")
	assert.Equal(t, common.Vec3{}, k.SpikyGrad(common.Vec3{}, 0), "guarded at zero distance")

	g := k.SpikyGrad(common.Vec3{X: 5}, 5)
	assert.Less(t, g.X, float32(0), "gradient points down the density slope toward the neighbor side")
}

func TestScenarioFreeFall(t *testing.T) {
	// 100 particles spaced beyond kernel support fall ballistically; after
	// t = sqrt(2H/g) the average height is near zero, within one substep of
	// integration error.
	g := float32(980)
	height := float32(100)

	cfg := DefaultConfig()
	cfg.Gravity = common.Vec3{Y: -g}
	cfg.BoundsCollision = false
	cfg.SleepFrames = 0
	cfg.Viscosity = 0
	cfg.Iterations = 2
	r := NewReference(cfg)

	var particles []particle.GPUParticle
	for i := 0; i < 100; i++ {
		pos := common.Vec3{X: float32(i%10) * 50, Y: height, Z: float32(i/10) * 50}
		particles = append(particles, particle.NewGPUParticle(pos, common.Vec3{}, 1, uint32(i), 0, 0))
	}

	dt := float32(1.0 / 120.0)
	steps := int(math.Sqrt(2*float64(height)/float64(g)) / float64(dt))
	for s := 0; s < steps; s++ {
		r.Step(particles, dt)
	}

	var avgY float64
	for i := range particles {
		avgY += float64(particles[i].Position[1])
	}
	avgY /= float64(len(particles))
	assert.InDelta(t, 0, avgY, 5, "average height after the fall time")
}

func TestScenarioBoundedRest(t *testing.T) {
	// A resting pile inside a closed box: nothing escapes and velocities
	// settle toward the sleep threshold.
	cfg := DefaultConfig()
	cfg.Bounds = common.AABB{Max: common.Vec3{X: 200, Y: 200, Z: 200}}
	cfg.VelocityCeiling = 2000
	r := NewReference(cfg)

	spacing := float32(5)
	mass := cfg.RestDensity * spacing * spacing * spacing
	particles := lattice(10, spacing, mass, common.Vec3{X: 75, Y: cfg.ParticleRadius, Z: 75})

	dt := float32(1.0 / 30.0)
	for s := 0; s < 60; s++ {
		r.Step(particles, dt)
	}

	outer := cfg.Bounds.Expand(cfg.ParticleRadius)
	for i := range particles {
		pos := common.FromArray(particles[i].Position)
		require.True(t, pos.IsFinite(), "particle %d position must stay finite", i)
		assert.True(t, outer.Contains(pos), "particle %d escaped the box: %+v", i, pos)
	}
	assert.Less(t, avgSpeed(particles), 100.0, "pile settles instead of jittering")
}

func TestDensityConvergence(t *testing.T) {
	// A compressed cluster relaxes toward rest density within one substep's
	// iteration loop, and more iterations do not make it worse.
	h := float32(10)
	_ = h
	rest := float32(5)
	mass := rest * rest * rest // rho0 = 1

	base := DefaultConfig()
	base.Gravity = common.Vec3{}
	base.BoundsCollision = false
	base.SleepFrames = 0
	base.Viscosity = 0

	centerRatio := func(iterations int) float64 {
		cfg := base
		cfg.Iterations = iterations
		r := NewReference(cfg)
		particles := lattice(3, 0.9*rest, mass, common.Vec3{})
		if iterations > 0 {
			r.Step(particles, 1.0/60.0)
		}
		densities := r.ComputeDensities(particles)
		return float64(densities[13]) // center of the 3x3x3 cluster
	}

	before := centerRatio(0)
	after2 := centerRatio(2)
	after8 := centerRatio(8)

	require.Greater(t, before, 1.1, "the compressed cluster starts over rest density")
	assert.Less(t, after2, before)
	assert.Less(t, after8, after2+1e-3, "more iterations relax at least as far")
	assert.Less(t, math.Abs(after8-1), math.Abs(before-1), "ratio moves toward 1")
	assert.Greater(t, after8, 0.5, "relaxation does not blow the cluster apart")
}

func TestVelocityCeilingBoundsTravel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gravity = common.Vec3{}
	cfg.BoundsCollision = false
	cfg.SleepFrames = 0
	cfg.Viscosity = 0
	cfg.Iterations = 0
	r := NewReference(cfg)

	particles := []particle.GPUParticle{
		particle.NewGPUParticle(common.Vec3{}, common.Vec3{X: 1e6}, 1, 0, 0, 0),
	}
	dt := float32(1.0 / 60.0)
	r.Step(particles, dt)

	speed := common.FromArray(particles[0].Velocity).Length()
	assert.InDelta(t, float64(cfg.VelocityCeiling), float64(speed), 1)
	assert.InDelta(t, float64(cfg.VelocityCeiling*dt), float64(particles[0].Position[0]), 1)
}

func TestSleepEntersAfterConsecutiveSlowFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gravity = common.Vec3{}
	cfg.BoundsCollision = false
	cfg.Viscosity = 0
	cfg.Iterations = 0
	cfg.VelocityCeiling = 2000 // enter below 20, wake above 80
	cfg.SleepFrames = 5
	r := NewReference(cfg)

	particles := []particle.GPUParticle{
		particle.NewGPUParticle(common.Vec3{}, common.Vec3{X: 10}, 1, 0, 0, 0),
	}
	dt := float32(1.0 / 60.0)
	for s := 0; s < 5; s++ {
		r.Step(particles, dt)
	}

	p := &particles[0]
	assert.NotZero(t, p.Flags&particle.FlagAsleep)
	assert.Equal(t, [3]float32{0, 0, 0}, p.Velocity)
	// Four frames advanced before the fifth froze the position.
	assert.InDelta(t, float64(10*dt*4), float64(p.Position[0]), 1e-4)

	frozen := p.Position
	r.Step(particles, dt)
	assert.Equal(t, frozen, p.Position, "sleeping particles hold position")
}

func TestSleepWakesOnDisturbance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gravity = common.Vec3{}
	cfg.BoundsCollision = false
	cfg.Viscosity = 0
	cfg.Iterations = 1
	cfg.VelocityCeiling = 2000
	cfg.SleepFrames = 5
	cfg.ParticleRadius = 0
	r := NewReference(cfg)

	// A collider appears around a sleeping particle; the push-out exceeds the
	// wake threshold.
	colliders := collision.NewManager()
	colliders.SetColliders([]collision.Collider{{
		Kind: collision.KindSphere, Radius: 5,
		FluidInteraction: true, BoneIndex: collision.NoBone,
	}})
	r.SetColliders(colliders)

	p := particle.NewGPUParticle(common.Vec3{X: 1}, common.Vec3{}, 1, 0, 0, 0)
	p.Flags |= particle.FlagAsleep
	particles := []particle.GPUParticle{p}

	r.Step(particles, 1.0/60.0)

	assert.Zero(t, particles[0].Flags&particle.FlagAsleep, "push-out wakes the particle")
	assert.InDelta(t, 5.0, float64(particles[0].Position[0]), 1e-4)
}

func TestBoundaryDensityContribution(t *testing.T) {
	// Boundary samples raise the measured density near a wall the same way
	// fluid neighbors would.
	cfg := DefaultConfig()
	r := NewReference(cfg)

	particles := []particle.GPUParticle{
		particle.NewGPUParticle(common.Vec3{Y: 3}, common.Vec3{}, 125, 0, 0, 0),
	}
	free := r.ComputeDensities(particles)[0]

	var samples []BoundarySample
	for x := -10; x <= 10; x += 5 {
		for z := -10; z <= 10; z += 5 {
			samples = append(samples, BoundarySample{
				Position: common.Vec3{X: float32(x), Z: float32(z)},
				Volume:   125,
			})
		}
	}
	r.SetBoundarySamples(samples)
	walled := r.ComputeDensities(particles)[0]

	assert.Greater(t, walled, free, "boundary samples contribute density")
}

func TestJustDetachedClearedInFinalize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gravity = common.Vec3{}
	cfg.SleepFrames = 0
	cfg.Iterations = 0
	cfg.Viscosity = 0
	r := NewReference(cfg)

	p := particle.NewGPUParticle(common.Vec3{Y: 10}, common.Vec3{}, 1, 0, 0, 0)
	p.Flags |= particle.FlagJustDetached
	particles := []particle.GPUParticle{p}

	r.Step(particles, 1.0/60.0)
	assert.Zero(t, particles[0].Flags&particle.FlagJustDetached)
}

// Package solver holds the SPH kernel pair and the CPU reference solver. The
// reference implements the same substep order as the GPU dispatch graph and
// is the canonical semantics the shaders are written against; it also backs
// the CPU simulator backend for adapterless environments.
package solver

import (
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/sim/collision"
	"github.com/tidefall-dev/tidefall/sim/particle"
	"github.com/tidefall-dev/tidefall/sim/spatial"
)

// Config carries the per-material and per-world solver coefficients. A zero
// value is not usable; start from DefaultConfig.
type Config struct {
	// Gravity is the constant acceleration applied during predict.
	Gravity common.Vec3
	// ExternalForce is an additional acceleration (wind, currents).
	ExternalForce common.Vec3

	// SmoothingRadius is the SPH kernel support radius h.
	SmoothingRadius float32
	// RestDensity is the target density the constraint solves toward.
	RestDensity float32
	// ParticleRadius is the collision radius used against primitives/bounds.
	ParticleRadius float32

	// Iterations is the number of density+collision solver iterations.
	Iterations int
	// Relaxation is the epsilon added to the lambda denominator (XPBD
	// compliance); larger values soften the constraint.
	Relaxation float32

	// Viscosity is the XSPH blend factor toward neighbor velocities.
	Viscosity float32
	// BoundaryViscosity drags velocities toward rest near boundary samples.
	BoundaryViscosity float32

	// VelocityCeiling clamps per-substep speed so a single bad correction
	// cannot explode positions into the sort or collision passes.
	VelocityCeiling float32
	// SleepFrames is the number of consecutive slow frames before a particle
	// sleeps. Zero disables sleeping. Enter threshold is 1% of the ceiling,
	// wake is 4x the enter threshold.
	SleepFrames uint32

	// Bounds is the simulation volume; BoundsCollision clamps particles into
	// it (inset by ParticleRadius) inside the iteration loop.
	Bounds          common.AABB
	BoundsCollision bool
}

// DefaultConfig returns water-like coefficients in centimeter units.
//
// Returns:
//   - Config: the default configuration
func DefaultConfig() Config {
	return Config{
		Gravity:         common.Vec3{Y: -980},
		SmoothingRadius: 10,
		RestDensity:     1,
		ParticleRadius:  2.5,
		Iterations:      3,
		Relaxation:      1,
		Viscosity:       0.05,
		VelocityCeiling: 50_000,
		SleepFrames:     30,
		Bounds: common.AABB{
			Min: common.Vec3{X: -1000, Y: 0, Z: -1000},
			Max: common.Vec3{X: 1000, Y: 2000, Z: 1000},
		},
		BoundsCollision: true,
	}
}

// sleepEnterSpeed is the speed below which a particle accumulates sleep
// frames; sleepWakeSpeed is the disturbance speed that wakes it again.
func (c Config) sleepEnterSpeed() float32 { return c.VelocityCeiling * 0.01 }
func (c Config) sleepWakeSpeed() float32  { return c.sleepEnterSpeed() * 4 }

// BoundarySample is one solid-surface sample contributing Akinci density and
// position corrections near boundaries.
type BoundarySample struct {
	Position common.Vec3
	Velocity common.Vec3
	Volume   float32
}

// Reference is the CPU implementation of the solver substep. It mutates the
// particle slice it is given; callers own the slice between steps.
type Reference struct {
	cfg    Config
	kernel Kernel

	colliders collision.Manager
	boundary  []BoundarySample
	bIndex    *spatial.CPUIndex

	// Scratch reused across steps to keep the per-step allocation flat.
	predicted []common.Vec3
	rawVel    []common.Vec3
}

// NewReference creates a Reference solver for the given config.
//
// Parameters:
//   - cfg: the solver configuration
//
// Returns:
//   - *Reference: the solver
func NewReference(cfg Config) *Reference {
	return &Reference{
		cfg:    cfg,
		kernel: NewKernel(cfg.SmoothingRadius),
	}
}

// SetConfig replaces the configuration and rebuilds the kernel.
//
// Parameters:
//   - cfg: the new configuration
func (r *Reference) SetConfig(cfg Config) {
	r.cfg = cfg
	r.kernel = NewKernel(cfg.SmoothingRadius)
}

// Config returns the active configuration.
//
// Returns:
//   - Config: the configuration
func (r *Reference) Config() Config { return r.cfg }

// SetColliders attaches a collision manager whose primitives are resolved
// inside the iteration loop. Nil disables primitive collision.
//
// Parameters:
//   - m: the collision manager, or nil
func (r *Reference) SetColliders(m collision.Manager) {
	r.colliders = m
}

// SetBoundarySamples replaces the boundary sample set and rebuilds its
// spatial index.
//
// Parameters:
//   - samples: solid-surface samples (static and skinned combined)
func (r *Reference) SetBoundarySamples(samples []BoundarySample) {
	r.boundary = samples
	if len(samples) == 0 {
		r.bIndex = nil
		return
	}
	positions := make([]common.Vec3, len(samples))
	for i := range samples {
		positions[i] = samples[i].Position
	}
	// Hybrid keys with cell size h guarantee full kernel-support coverage
	// regardless of where the boundary geometry sits.
	r.bIndex = spatial.BuildCPUIndex(positions, spatial.IndexParams{
		Hybrid:   true,
		CellSize: r.cfg.SmoothingRadius,
	})
}

// ComputeDensities evaluates SPH density (fluid plus boundary contributions)
// at each particle's current position without mutating anything.
//
// Parameters:
//   - particles: the particle set
//
// Returns:
//   - []float32: per-particle densities
func (r *Reference) ComputeDensities(particles []particle.GPUParticle) []float32 {
	positions := make([]common.Vec3, len(particles))
	for i := range particles {
		positions[i] = common.FromArray(particles[i].Position)
	}
	index := spatial.BuildCPUIndex(positions, spatial.IndexParams{
		Hybrid:   true,
		CellSize: r.cfg.SmoothingRadius,
	})

	out := make([]float32, len(particles))
	for i := range particles {
		out[i] = r.densityAt(positions[i], particles, positions, index)
	}
	return out
}

func (r *Reference) densityAt(p common.Vec3, particles []particle.GPUParticle, positions []common.Vec3, index *spatial.CPUIndex) float32 {
	k := r.kernel
	rho := float32(0)
	index.ForEachNeighbor(p, func(j uint32) {
		r2 := p.Sub(positions[j]).LengthSq()
		rho += particles[j].Mass * k.Poly6(r2)
	})
	if r.bIndex != nil {
		r.bIndex.ForEachNeighbor(p, func(b uint32) {
			s := &r.boundary[b]
			r2 := p.Sub(s.Position).LengthSq()
			rho += r.cfg.RestDensity * s.Volume * k.Poly6(r2)
		})
	}
	return rho
}

// Step advances the particle set by one substep: predict, index, iterate
// density/lambda with collision inside the loop, XSPH viscosity, finalize.
//
// Parameters:
//   - particles: the particle set, mutated in place
//   - dt: the substep duration in seconds
func (r *Reference) Step(particles []particle.GPUParticle, dt float32) {
	if len(particles) == 0 || dt <= 0 {
		return
	}
	cfg := &r.cfg
	k := r.kernel
	n := len(particles)

	if cap(r.predicted) < n {
		r.predicted = make([]common.Vec3, n)
		r.rawVel = make([]common.Vec3, n)
	}
	pred := r.predicted[:n]
	rawVel := r.rawVel[:n]

	// Predict. Sleeping particles hold position; they still participate as
	// neighbors and receive corrections, which is how they get woken.
	accel := cfg.Gravity.Add(cfg.ExternalForce)
	for i := range particles {
		p := &particles[i]
		pos := common.FromArray(p.Position)
		if p.Flags&particle.FlagAsleep != 0 {
			pred[i] = pos
			continue
		}
		v := common.FromArray(p.Velocity).Add(accel.Scale(dt))
		pred[i] = pos.Add(v.Scale(dt))
	}

	index := spatial.BuildCPUIndex(pred, spatial.IndexParams{
		Hybrid:   true,
		CellSize: cfg.SmoothingRadius,
	})

	lambdas := make([]float32, n)
	innerBounds := cfg.Bounds.Expand(-cfg.ParticleRadius)

	for it := 0; it < cfg.Iterations; it++ {
		// Density and lambda from the density constraint C = rho/rho0 - 1.
		// Negative C (particle deficiency at free surfaces) is not corrected;
		// the constraint only resists compression.
		for i := range particles {
			p := &particles[i]
			pi := pred[i]

			rho := float32(0)
			gradSum := float32(0)
			var gradI common.Vec3
			neighbors := uint32(0)

			index.ForEachNeighbor(pi, func(j uint32) {
				d := pi.Sub(pred[j])
				r2 := d.LengthSq()
				if r2 >= k.RadiusSq() {
					return
				}
				rho += particles[j].Mass * k.Poly6(r2)
				if uint32(i) == j {
					return
				}
				neighbors++
				grad := k.SpikyGrad(d, d.Length()).Scale(particles[j].Mass / cfg.RestDensity)
				gradI = gradI.Add(grad)
				gradSum += grad.LengthSq()
			})
			nearBoundary := false
			if r.bIndex != nil {
				r.bIndex.ForEachNeighbor(pi, func(b uint32) {
					s := &r.boundary[b]
					d := pi.Sub(s.Position)
					r2 := d.LengthSq()
					if r2 >= k.RadiusSq() {
						return
					}
					nearBoundary = true
					rho += cfg.RestDensity * s.Volume * k.Poly6(r2)
					grad := k.SpikyGrad(d, d.Length()).Scale(s.Volume)
					gradI = gradI.Add(grad)
					gradSum += grad.LengthSq()
				})
			}
			gradSum += gradI.LengthSq()

			p.Density = rho
			p.NeighborCount = neighbors
			if nearBoundary {
				p.Flags |= particle.FlagNearBoundary
			} else {
				p.Flags &^= particle.FlagNearBoundary
			}

			c := rho/cfg.RestDensity - 1
			if c <= 0 {
				lambdas[i] = 0
			} else {
				lambdas[i] = -c / (gradSum + cfg.Relaxation)
			}
			p.Lambda = lambdas[i]
		}

		// Position correction, then collision against bounds and primitives
		// inside the same iteration so both constraints converge jointly.
		for i := range particles {
			pi := pred[i]
			var dp common.Vec3

			index.ForEachNeighbor(pi, func(j uint32) {
				if uint32(i) == j {
					return
				}
				d := pi.Sub(pred[j])
				r2 := d.LengthSq()
				if r2 >= k.RadiusSq() {
					return
				}
				grad := k.SpikyGrad(d, d.Length())
				dp = dp.Add(grad.Scale((lambdas[i] + lambdas[j]) * particles[j].Mass / cfg.RestDensity))
			})
			if r.bIndex != nil {
				r.bIndex.ForEachNeighbor(pi, func(b uint32) {
					s := &r.boundary[b]
					d := pi.Sub(s.Position)
					r2 := d.LengthSq()
					if r2 >= k.RadiusSq() {
						return
					}
					grad := k.SpikyGrad(d, d.Length())
					dp = dp.Add(grad.Scale(lambdas[i] * s.Volume))
				})
			}

			pi = pi.Add(dp)
			if cfg.BoundsCollision {
				pi = innerBounds.Clamp(pi)
			}
			if r.colliders != nil {
				pi, _, _ = r.colliders.ResolveAll(pi, cfg.ParticleRadius)
			}
			pred[i] = pi
		}
	}

	// XSPH viscosity over the raw substep velocities.
	invDt := 1 / dt
	for i := range particles {
		rawVel[i] = pred[i].Sub(common.FromArray(particles[i].Position)).Scale(invDt)
	}
	for i := range particles {
		p := &particles[i]
		vi := rawVel[i]
		if cfg.Viscosity > 0 {
			var blend common.Vec3
			pi := pred[i]
			index.ForEachNeighbor(pi, func(j uint32) {
				if uint32(i) == j {
					return
				}
				r2 := pi.Sub(pred[j]).LengthSq()
				if r2 >= k.RadiusSq() || particles[j].Density <= 1e-12 {
					return
				}
				w := particles[j].Mass / particles[j].Density * k.Poly6(r2)
				blend = blend.Add(rawVel[j].Sub(vi).Scale(w))
			})
			vi = vi.Add(blend.Scale(cfg.Viscosity))
		}
		if cfg.BoundaryViscosity > 0 && r.bIndex != nil {
			pi := pred[i]
			drag := float32(0)
			var target common.Vec3
			r.bIndex.ForEachNeighbor(pi, func(b uint32) {
				s := &r.boundary[b]
				r2 := pi.Sub(s.Position).LengthSq()
				if r2 >= k.RadiusSq() {
					return
				}
				w := s.Volume * k.Poly6(r2)
				drag += w
				target = target.Add(s.Velocity.Scale(w))
			})
			if drag > 0 {
				f := common.Clamp32(cfg.BoundaryViscosity*drag, 0, 1)
				target = target.Scale(1 / drag)
				vi = vi.Add(target.Sub(vi).Scale(f))
			}
		}
		p.Velocity = vi.Array()
	}

	r.finalize(particles, pred, dt)
}

// finalize commits predicted positions, applies the velocity ceiling, and
// runs the sleep/wake hysteresis. The just-detached flag lasts exactly one
// substep and is cleared here.
func (r *Reference) finalize(particles []particle.GPUParticle, pred []common.Vec3, dt float32) {
	cfg := &r.cfg
	enter := cfg.sleepEnterSpeed()
	wake := cfg.sleepWakeSpeed()

	for i := range particles {
		p := &particles[i]
		pos := common.FromArray(p.Position)
		v := common.FromArray(p.Velocity)

		speed := v.Length()
		if speed > cfg.VelocityCeiling {
			v = v.Scale(cfg.VelocityCeiling / speed)
			speed = cfg.VelocityCeiling
			// Re-derive the position from the clamped velocity so the clamp
			// actually bounds the per-substep travel distance.
			pred[i] = pos.Add(v.Scale(dt))
		}

		if cfg.SleepFrames > 0 {
			if p.Flags&particle.FlagAsleep != 0 {
				if speed > wake {
					p.Flags &^= particle.FlagAsleep
					p.SleepFrames = 0
				} else {
					v = common.Vec3{}
					pred[i] = pos
				}
			} else if speed < enter {
				p.SleepFrames++
				if p.SleepFrames >= cfg.SleepFrames {
					p.Flags |= particle.FlagAsleep
					v = common.Vec3{}
					pred[i] = pos
				}
			} else {
				p.SleepFrames = 0
			}
		}

		p.Velocity = v.Array()
		p.Position = pred[i].Array()
		p.Predicted = pred[i].Array()
		p.Flags &^= particle.FlagJustDetached
	}
}

package sim

import (
	"fmt"

	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/sim/adhesion"
	"github.com/tidefall-dev/tidefall/sim/solver"
	"github.com/tidefall-dev/tidefall/sim/spatial"
)

// Parameters is the full simulation input state. Simulate captures a copy at
// enqueue time; later mutations on the game thread never affect commands
// already in the queue.
type Parameters struct {
	// Gravity and ExternalForce are accelerations applied during predict.
	Gravity       common.Vec3
	ExternalForce common.Vec3

	// Bounds is the simulation volume; BoundsCollision clamps particles into
	// it. In hybrid grid mode particles may leave Bounds and remain simulated.
	Bounds          common.AABB
	BoundsCollision bool

	// GridPreset selects the classic grid resolution; HybridGrid switches to
	// the unlimited-range tiled keys (one extra sort pass).
	GridPreset spatial.GridPreset
	HybridGrid bool

	// Material coefficients.
	SmoothingRadius   float32
	RestDensity       float32
	ParticleRadius    float32
	Viscosity         float32
	BoundaryViscosity float32
	Cohesion          float32

	// Solver controls.
	Iterations      int
	Relaxation      float32
	VelocityCeiling float32
	SleepFrames     uint32
	Substeps        int

	// Adhesion thresholds, forwarded to the adhesion manager.
	Adhesion adhesion.Params

	// CollisionFeedback gates contact readback; MaxContactsPerCollider and
	// ContactCooldownFrames cap the event volume.
	CollisionFeedback      bool
	MaxContactsPerCollider uint32
	ContactCooldownFrames  uint32

	// BoundarySpacing is the surface sample spacing for static colliders,
	// typically half the smoothing radius.
	BoundarySpacing float32
}

// DefaultParameters returns water-like parameters in centimeter units.
//
// Returns:
//   - Parameters: the defaults
func DefaultParameters() Parameters {
	return Parameters{
		Gravity: common.Vec3{Y: -980},
		Bounds: common.AABB{
			Min: common.Vec3{X: -1000, Y: 0, Z: -1000},
			Max: common.Vec3{X: 1000, Y: 2000, Z: 1000},
		},
		BoundsCollision:        true,
		GridPreset:             spatial.GridMedium,
		SmoothingRadius:        10,
		RestDensity:            1,
		ParticleRadius:         2.5,
		Viscosity:              0.05,
		Cohesion:               0.02,
		Iterations:             3,
		Relaxation:             1,
		VelocityCeiling:        50_000,
		SleepFrames:            30,
		Substeps:               2,
		Adhesion:               adhesion.DefaultParams(),
		CollisionFeedback:      true,
		MaxContactsPerCollider: 64,
		ContactCooldownFrames:  30,
		BoundarySpacing:        5,
	}
}

// Validate checks the parameter ranges a frame cannot recover from.
//
// Returns:
//   - error: an error naming the first invalid field, or nil
func (p Parameters) Validate() error {
	if p.SmoothingRadius <= 0 {
		return fmt.Errorf("smoothing radius must be positive, got %g", p.SmoothingRadius)
	}
	if p.RestDensity <= 0 {
		return fmt.Errorf("rest density must be positive, got %g", p.RestDensity)
	}
	if p.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", p.Iterations)
	}
	if p.Substeps < 1 {
		return fmt.Errorf("substeps must be at least 1, got %d", p.Substeps)
	}
	if !p.Bounds.IsValid() {
		return fmt.Errorf("bounds must enclose a volume")
	}
	if p.HybridGrid {
		// Hybrid cells are sized directly by the smoothing radius; nothing
		// further to check.
		return p.Adhesion.Validate()
	}
	// Classic cells must cover the kernel support or neighbor queries miss.
	if cell := p.cellSize(); cell < p.SmoothingRadius {
		return fmt.Errorf("grid cell size %g is below the smoothing radius %g; use a coarser preset, smaller bounds, or hybrid mode", cell, p.SmoothingRadius)
	}
	return p.Adhesion.Validate()
}

// cellSize returns the neighbor cell size for the active grid mode.
func (p Parameters) cellSize() float32 {
	if p.HybridGrid {
		return p.SmoothingRadius
	}
	return p.Bounds.Size().X / float32(uint32(1)<<p.GridPreset.BitsPerAxis())
}

// solverConfig maps the parameters onto the CPU reference solver's config.
func (p Parameters) solverConfig() solver.Config {
	return solver.Config{
		Gravity:           p.Gravity,
		ExternalForce:     p.ExternalForce,
		SmoothingRadius:   p.SmoothingRadius,
		RestDensity:       p.RestDensity,
		ParticleRadius:    p.ParticleRadius,
		Iterations:        p.Iterations,
		Relaxation:        p.Relaxation,
		Viscosity:         p.Viscosity,
		BoundaryViscosity: p.BoundaryViscosity,
		VelocityCeiling:   p.VelocityCeiling,
		SleepFrames:       p.SleepFrames,
		Bounds:            p.Bounds,
		BoundsCollision:   p.BoundsCollision,
	}
}

// gpuParams encodes the uniform block for one substep.
func (p Parameters) gpuParams(dt float32, particleCount, boundaryCount, fluidTable, boundaryTable uint32) GPUSimParams {
	hybrid := uint32(0)
	if p.HybridGrid {
		hybrid = 1
	}
	boundsCollision := uint32(0)
	if p.BoundsCollision {
		boundsCollision = 1
	}
	invDt := float32(0)
	if dt > 0 {
		invDt = 1 / dt
	}
	return GPUSimParams{
		Gravity:           p.Gravity.Array(),
		Dt:                dt,
		ExternalForce:     p.ExternalForce.Array(),
		InvDt:             invDt,
		BoundsMin:         p.Bounds.Min.Array(),
		ParticleCount:     particleCount,
		BoundsMax:         p.Bounds.Max.Array(),
		BoundaryCount:     boundaryCount,
		SmoothingRadius:   p.SmoothingRadius,
		RestDensity:       p.RestDensity,
		ParticleRadius:    p.ParticleRadius,
		Relaxation:        p.Relaxation,
		Viscosity:         p.Viscosity,
		BoundaryViscosity: p.BoundaryViscosity,
		VelocityCeiling:   p.VelocityCeiling,
		SleepFrames:       p.SleepFrames,
		BoundsCollision:   boundsCollision,
		FluidTableSize:    fluidTable,
		BoundaryTableSize: boundaryTable,
		MaxContacts:       p.MaxContactsPerCollider,
		CooldownFrames:    p.ContactCooldownFrames,
		CellSize:          p.cellSize(),
		Hybrid:            hybrid,
		BitsPerAxis:       p.GridPreset.BitsPerAxis(),
	}
}

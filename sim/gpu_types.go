// Package sim is the simulation orchestrator: it owns the managers, the
// per-frame dispatch graph, the enqueue/execute command split between the
// game thread and the compute goroutine, and the readback surface consumers
// poll for results.
package sim

import "github.com/tidefall-dev/tidefall/common"

// GPUSimParams is the shared solver uniform: eight 16-byte rows, 128 bytes.
// Every solver shader declares the identical SimParams struct; keep the two
// in sync when editing either.
type GPUSimParams struct {
	Gravity [3]float32
	Dt      float32

	ExternalForce [3]float32
	InvDt         float32

	BoundsMin     [3]float32
	ParticleCount uint32

	BoundsMax     [3]float32
	BoundaryCount uint32

	SmoothingRadius float32
	RestDensity     float32
	ParticleRadius  float32
	Relaxation      float32

	Viscosity         float32
	BoundaryViscosity float32
	VelocityCeiling   float32
	SleepFrames       uint32

	BoundsCollision   uint32
	FluidTableSize    uint32
	BoundaryTableSize uint32
	MaxContacts       uint32

	CooldownFrames uint32
	CellSize       float32
	Hybrid         uint32
	BitsPerAxis    uint32
}

// Size returns the byte size of the uniform block.
//
// Returns:
//   - int: the size in bytes (128)
func (p *GPUSimParams) Size() int {
	return 128
}

// Marshal serializes the uniform into GPU-ready bytes.
//
// Returns:
//   - []byte: the raw uniform data
func (p *GPUSimParams) Marshal() []byte {
	return common.StructToBytes(p)
}

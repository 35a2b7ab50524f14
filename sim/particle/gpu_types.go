// Package particle owns the GPU-resident particle storage: the persistent
// particle buffer, its CPU staging path, capacity growth, and readback.
package particle

import "github.com/tidefall-dev/tidefall/common"

// Particle flag bits, mirrored by the WGSL shaders.
const (
	// FlagAsleep marks a particle excluded from solver iterations until woken.
	FlagAsleep = uint32(1) << 0
	// FlagAttached marks a particle adhered to a collider surface.
	FlagAttached = uint32(1) << 1
	// FlagNearBoundary marks a particle that had boundary neighbors last step.
	FlagNearBoundary = uint32(1) << 2
	// FlagJustDetached is set for exactly one frame after adhesion release so
	// the solver can skip re-attachment checks.
	FlagJustDetached = uint32(1) << 3
)

// NoAttachment is the sentinel for a particle with no adhesion record.
const NoAttachment = uint32(0xFFFFFFFF)

// GPUParticle is the GPU-layout particle record. Layout must match the
// Particle struct in the WGSL shaders: five 16-byte rows, 80 bytes total.
type GPUParticle struct {
	Position [3]float32
	Density  float32

	Predicted [3]float32
	Lambda    float32

	Velocity [3]float32
	Mass     float32

	ID            uint32
	Source        uint32
	Flags         uint32
	NeighborCount uint32

	SleepFrames uint32
	Attachment  uint32
	Material    uint32
	Reserved    uint32
}

// Size returns the byte size of GPUParticle as laid out for the GPU.
//
// Returns:
//   - int: the size in bytes (80)
func (p *GPUParticle) Size() int {
	return 80
}

// Marshal serializes the particle into GPU-ready bytes.
//
// Returns:
//   - []byte: the raw particle data
func (p *GPUParticle) Marshal() []byte {
	return common.StructToBytes(p)
}

// GPUParticleSize is the stride of one particle record in the storage buffer.
const GPUParticleSize = 80

// NewGPUParticle builds a live particle record from spawn inputs. Predicted
// starts equal to position; the attachment slot starts empty.
//
// Parameters:
//   - position: initial world position
//   - velocity: initial velocity
//   - mass: particle mass
//   - id: unique particle ID from the spawn manager's counter
//   - source: spawn source ID
//   - material: material preset index
//
// Returns:
//   - GPUParticle: the initialized record
func NewGPUParticle(position, velocity common.Vec3, mass float32, id, source, material uint32) GPUParticle {
	return GPUParticle{
		Position:   position.Array(),
		Predicted:  position.Array(),
		Velocity:   velocity.Array(),
		Mass:       mass,
		ID:         id,
		Source:     source,
		Material:   material,
		Attachment: NoAttachment,
	}
}

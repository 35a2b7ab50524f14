package boundary

import "github.com/tidefall-dev/tidefall/common"

// GPULocalBoundaryParticle is one pre-sampled surface particle in its owner's
// bind pose: three 16-byte rows, 48 bytes. Up to four bone influences, Akinci
// volume in the position row's w component.
type GPULocalBoundaryParticle struct {
	LocalPos [3]float32
	Volume   float32

	BoneIndices [4]uint32

	BoneWeights [4]float32
}

// Size returns the byte size of GPULocalBoundaryParticle as laid out for the GPU.
//
// Returns:
//   - int: the size in bytes (48)
func (p *GPULocalBoundaryParticle) Size() int {
	return 48
}

// Marshal serializes the particle into GPU-ready bytes.
//
// Returns:
//   - []byte: the raw data
func (p *GPULocalBoundaryParticle) Marshal() []byte {
	return common.StructToBytes(p)
}

// GPULocalBoundaryParticleSize is the stride of one local sample.
const GPULocalBoundaryParticleSize = 48

// World-space boundary output is split into two parallel vec4 arrays so the
// position array can feed the shared Morton sort directly:
//
//	positions[i] = (x, y, z, volume)
//	velocities[i] = (vx, vy, vz, 0)
//
// Each element is 16 bytes.
const GPUBoundaryWorldStride = 16

// GPUSkinParams is the per-owner uniform for the skin pass: one 16-byte row.
// Layout must match the SkinParams struct in boundary_skin.wgsl.
type GPUSkinParams struct {
	SampleCount uint32
	WorldOffset uint32
	BoneOffset  uint32
	InvDt       float32
}

// Size returns the byte size of GPUSkinParams as laid out for the GPU.
//
// Returns:
//   - int: the size in bytes (16)
func (p *GPUSkinParams) Size() int {
	return 16
}

// Marshal serializes the params into GPU-ready bytes.
//
// Returns:
//   - []byte: the raw uniform data
func (p *GPUSkinParams) Marshal() []byte {
	return common.StructToBytes(p)
}

// BoneMatrixSize is the stride of one bone matrix in the bone buffer.
const BoneMatrixSize = 64

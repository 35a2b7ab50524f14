package collision

import "github.com/tidefall-dev/tidefall/common"

// Collider flag bits in GPUCollider.Flags.
const (
	gpuFlagFluidInteraction = uint32(1) << 0
	gpuFlagHasRotation      = uint32(1) << 1
)

// GPUCollider is the GPU-layout collider record: eight 16-byte rows, 128
// bytes. Geometry fields are overloaded per kind:
//
//	sphere:    P0 = center, R0 = radius
//	capsule:   P0 = A, P1 = B, R0 = radius
//	box:       P0 = center, P1 = half extents
//	hull:      P0 = center, PlaneStart/PlaneCount into the plane buffer
//	heightmap: P0 = origin, R0 = cell size, PlaneStart = sample offset,
//	           PlaneCount = DimX<<16 | DimZ
//
// Rotation holds the world-from-local orientation for boxes and hulls.
type GPUCollider struct {
	Kind      uint32
	Flags     uint32
	BoneIndex uint32
	OwnerID   uint32

	Friction    float32
	Restitution float32
	PlaneStart  uint32
	PlaneCount  uint32

	P0 [3]float32
	R0 float32

	P1 [3]float32
	R1 float32

	Rotation [16]float32
}

// Size returns the byte size of GPUCollider as laid out for the GPU.
//
// Returns:
//   - int: the size in bytes (128)
func (c *GPUCollider) Size() int {
	return 128
}

// Marshal serializes the collider into GPU-ready bytes.
//
// Returns:
//   - []byte: the raw collider data
func (c *GPUCollider) Marshal() []byte {
	return common.StructToBytes(c)
}

// GPUColliderSize is the stride of one collider record.
const GPUColliderSize = 128

// GPUPlane is one convex hull face: outward normal and face distance.
type GPUPlane struct {
	Normal   [3]float32
	Distance float32
}

// GPUPlaneSize is the stride of one plane record.
const GPUPlaneSize = 16

// GPUContact is the per-collider feedback accumulator written by the
// position-correct pass: three 16-byte rows, 48 bytes. Count is incremented
// atomically up to the per-frame cap; the representative contact fields are
// last-writer-wins.
type GPUContact struct {
	Count uint32
	_pad0 [3]uint32

	Point [3]float32
	Speed float32

	Normal [3]float32
	_pad1  float32
}

// Size returns the byte size of GPUContact as laid out for the GPU.
//
// Returns:
//   - int: the size in bytes (48)
func (c *GPUContact) Size() int {
	return 48
}

// GPUContactSize is the stride of one contact record.
const GPUContactSize = 48

// Package adhesion manages particle-to-surface attachment: records linking a
// particle to a collider bone frame, attach/detach thresholds with hysteresis,
// and the velocity nudge that keeps attached particles tracking moving surfaces.
package adhesion

import "github.com/tidefall-dev/tidefall/common"

// Record flag bits in GPUAdhesionRecord.Flags.
const (
	// RecordActive marks a live attachment.
	RecordActive = uint32(1) << 0
)

// GPUAdhesionRecord is the GPU-layout attachment record, one per particle
// slot: three 16-byte rows, 48 bytes. Records are addressed 1:1 by particle
// index; the particle's attached flag gates whether the record is live.
type GPUAdhesionRecord struct {
	ColliderSlot uint32
	BoneIndex    uint32
	Flags        uint32
	_pad0        uint32

	// LocalOffset is the attachment point in the collider's bone frame, so a
	// moving surface carries the particle with it.
	LocalOffset [3]float32
	_pad1       float32

	// PrevWorld is the attachment point's world position last frame, used to
	// derive the surface velocity for the sim-start nudge.
	PrevWorld [3]float32
	_pad2     float32
}

// Size returns the byte size of GPUAdhesionRecord as laid out for the GPU.
//
// Returns:
//   - int: the size in bytes (48)
func (r *GPUAdhesionRecord) Size() int {
	return 48
}

// Marshal serializes the record into GPU-ready bytes.
//
// Returns:
//   - []byte: the raw record data
func (r *GPUAdhesionRecord) Marshal() []byte {
	return common.StructToBytes(r)
}

// GPUAdhesionRecordSize is the stride of one record.
const GPUAdhesionRecordSize = 48

// GPUAdhesionParams is the uniform block for the adhesion pass: two 16-byte
// rows, 32 bytes. Layout must match the AdhesionParams struct in WGSL.
type GPUAdhesionParams struct {
	AttachRadius   float32
	DetachDistance float32
	AttachSpeedMax float32
	DetachSpeedMin float32

	Stickiness float32
	NudgeBlend float32
	Enabled    uint32
	_pad       uint32
}

// Size returns the byte size of GPUAdhesionParams as laid out for the GPU.
//
// Returns:
//   - int: the size in bytes (32)
func (p *GPUAdhesionParams) Size() int {
	return 32
}

// Marshal serializes the params into GPU-ready bytes.
//
// Returns:
//   - []byte: the raw uniform data
func (p *GPUAdhesionParams) Marshal() []byte {
	return common.StructToBytes(p)
}

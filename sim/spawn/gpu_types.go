// Package spawn manages particle creation and removal: thread-safe spawn and
// despawn queues drained at frame boundaries, unique ID allocation, per-source
// population limits with oldest-first recycling, and the GPU append pass
// staging.
package spawn

import "github.com/tidefall-dev/tidefall/common"

// GPUSpawnParams is the uniform block for the spawn append pass: one 16-byte
// row. Layout must match the SpawnParams struct in spawn_append.wgsl.
type GPUSpawnParams struct {
	SpawnCount uint32
	Capacity   uint32
	_pad0      uint32
	_pad1      uint32
}

// Size returns the byte size of GPUSpawnParams as laid out for the GPU.
//
// Returns:
//   - int: the size in bytes (16)
func (p *GPUSpawnParams) Size() int {
	return 16
}

// Marshal serializes the params into GPU-ready bytes.
//
// Returns:
//   - []byte: the raw uniform data
func (p *GPUSpawnParams) Marshal() []byte {
	return common.StructToBytes(p)
}

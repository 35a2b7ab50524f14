package spatial

import "github.com/tidefall-dev/tidefall/common"

// GPUSortParams is the uniform block shared by the morton, radix, and cell
// table passes. Layout must match the SortParams struct in the spatial WGSL
// shaders (std140: four 16-byte rows).
type GPUSortParams struct {
	BoundsMin   [3]float32
	BitsPerAxis uint32

	BoundsMax   [3]float32
	HybridTiled uint32

	CellSize      float32
	Count         uint32
	Shift         uint32
	NumWorkgroups uint32

	TableSize uint32
	_pad      [3]uint32
}

// Size returns the byte size of GPUSortParams as laid out for the GPU.
//
// Returns:
//   - int: the size in bytes (64)
func (p *GPUSortParams) Size() int {
	return 64
}

// Marshal serializes the params into GPU-ready bytes.
//
// Returns:
//   - []byte: the raw uniform data
func (p *GPUSortParams) Marshal() []byte {
	return common.StructToBytes(p)
}

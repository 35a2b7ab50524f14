// Package spatial builds the Morton-ordered spatial index used for O(k)
// neighbor queries. A GPU radix sort orders particle indices by Morton code
// each frame; a compact hash table maps cell keys to contiguous index ranges
// in the sorted order. The CPU functions in this file are the canonical
// reference for the WGSL passes and back the CPU simulator backend.
package spatial

import (
	"math"

	"github.com/tidefall-dev/tidefall/common"
)

// GridPreset selects the spatial grid resolution over the simulation bounds.
type GridPreset int

const (
	// GridSmall uses 6 bits per axis (64³ cells).
	GridSmall GridPreset = iota
	// GridMedium uses 7 bits per axis (128³ cells).
	GridMedium
	// GridLarge uses 8 bits per axis (256³ cells).
	GridLarge
)

// BitsPerAxis returns the number of Morton bits per axis for the preset.
//
// Returns:
//   - uint32: 6, 7, or 8
func (g GridPreset) BitsPerAxis() uint32 {
	switch g {
	case GridMedium:
		return 7
	case GridLarge:
		return 8
	default:
		return 6
	}
}

// Hybrid tiled mode key layout: 14-bit tile hash | 18-bit local Morton code.
const (
	hybridTileHashBits  = 14
	hybridLocalBits     = 18
	hybridLocalAxisBits = 6 // 6 bits per axis inside a tile (64³ cells per tile)

	// EmptyCell marks an unused cell table slot.
	EmptyCell = uint32(0xFFFFFFFF)
)

// part1By2 spreads the low 10 bits of v so consecutive bits land 3 apart,
// the standard Morton interleave step.
func part1By2(v uint32) uint32 {
	v &= 0x3FF
	v = (v | v<<16) & 0x030000FF
	v = (v | v<<8) & 0x0300F00F
	v = (v | v<<4) & 0x030C30C3
	v = (v | v<<2) & 0x09249249
	return v
}

// EncodeMorton3 interleaves three per-axis cell coordinates into a Morton code.
// Coordinates are masked to bitsPerAxis bits; the result occupies 3*bitsPerAxis bits.
//
// Parameters:
//   - x, y, z: cell coordinates
//   - bitsPerAxis: bits per axis (6–8 for the grid presets, 6 for hybrid tiles)
//
// Returns:
//   - uint32: the Morton code
func EncodeMorton3(x, y, z, bitsPerAxis uint32) uint32 {
	mask := uint32(1)<<bitsPerAxis - 1
	return part1By2(x&mask) | part1By2(y&mask)<<1 | part1By2(z&mask)<<2
}

// CellCoords maps a world position into integer cell coordinates over bounds,
// clamped into [0, 2^bitsPerAxis - 1]. This is the classic bounded mode: out
// of range positions land in the boundary cells.
//
// Parameters:
//   - pos: the world position
//   - bounds: the simulation bounds
//   - bitsPerAxis: grid resolution
//
// Returns:
//   - x, y, z: the clamped cell coordinates
func CellCoords(pos common.Vec3, bounds common.AABB, bitsPerAxis uint32) (x, y, z uint32) {
	cells := float32(uint32(1) << bitsPerAxis)
	size := bounds.Size()
	cellOf := func(p, lo, extent float32) uint32 {
		if extent <= 0 {
			return 0
		}
		c := (p - lo) / extent * cells
		if c < 0 {
			return 0
		}
		if c >= cells {
			return uint32(cells) - 1
		}
		return uint32(c)
	}
	return cellOf(pos.X, bounds.Min.X, size.X),
		cellOf(pos.Y, bounds.Min.Y, size.Y),
		cellOf(pos.Z, bounds.Min.Z, size.Z)
}

// KeyForPosition computes the classic-mode sort key for a position: the Morton
// code of its clamped cell coordinates.
//
// Parameters:
//   - pos: the world position
//   - bounds: the simulation bounds
//   - bitsPerAxis: grid resolution
//
// Returns:
//   - uint32: the sort key
func KeyForPosition(pos common.Vec3, bounds common.AABB, bitsPerAxis uint32) uint32 {
	x, y, z := CellCoords(pos, bounds, bitsPerAxis)
	return EncodeMorton3(x, y, z, bitsPerAxis)
}

// tileCoord floors p / extent to a signed tile coordinate.
func tileCoord(p, extent float32) int32 {
	return int32(math.Floor(float64(p / extent)))
}

// HybridKeyForPosition computes the hybrid tiled-mode sort key: a 14-bit hash
// of the (unbounded) tile coordinates in the high bits, and a 6-bit-per-axis
// local Morton code within the tile in the low 18 bits. The wider key costs a
// fourth radix pass but removes the range limit entirely.
//
// Parameters:
//   - pos: the world position
//   - cellSize: edge length of one grid cell (a tile spans 64 cells per axis)
//
// Returns:
//   - uint32: the 32-bit sort key
func HybridKeyForPosition(pos common.Vec3, cellSize float32) uint32 {
	if cellSize <= 0 {
		return 0
	}
	tileExtent := cellSize * float32(uint32(1)<<hybridLocalAxisBits)

	tx := tileCoord(pos.X, tileExtent)
	ty := tileCoord(pos.Y, tileExtent)
	tz := tileCoord(pos.Z, tileExtent)
	hash := (uint32(tx)*73856093 ^ uint32(ty)*19349663 ^ uint32(tz)*83492791) & (1<<hybridTileHashBits - 1)

	localOf := func(p float32, t int32) uint32 {
		local := p - float32(t)*tileExtent
		c := uint32(local / cellSize)
		if c >= 1<<hybridLocalAxisBits {
			c = 1<<hybridLocalAxisBits - 1
		}
		return c
	}
	lx := localOf(pos.X, tx)
	ly := localOf(pos.Y, ty)
	lz := localOf(pos.Z, tz)

	return hash<<hybridLocalBits | EncodeMorton3(lx, ly, lz, hybridLocalAxisBits)
}

// RadixPasses returns the number of 8-bit radix passes needed: classic keys
// fit in 3*bitsPerAxis ≤ 24 bits (3 passes); hybrid keys use all 32 bits (4).
//
// Parameters:
//   - hybrid: true when hybrid tiled mode is active
//
// Returns:
//   - int: 3 or 4
func RadixPasses(hybrid bool) int {
	if hybrid {
		return 4
	}
	return 3
}

// SortByMorton stably sorts indices by their keys using an LSD radix sort with
// 8-bit digits, matching the GPU sort's semantics. Both slices are modified in
// place; keys[i] stays paired with indices[i].
//
// Parameters:
//   - keys: sort keys, reordered in place
//   - indices: particle indices, reordered in place alongside keys
//   - passes: number of 8-bit digit passes (see RadixPasses)
func SortByMorton(keys, indices []uint32, passes int) {
	n := len(keys)
	if n < 2 {
		return
	}
	tmpKeys := make([]uint32, n)
	tmpIdx := make([]uint32, n)

	for pass := 0; pass < passes; pass++ {
		shift := uint32(pass * 8)
		var count [256]uint32
		for _, k := range keys {
			count[(k>>shift)&0xFF]++
		}
		var offset [256]uint32
		var sum uint32
		for d := 0; d < 256; d++ {
			offset[d] = sum
			sum += count[d]
		}
		for i := 0; i < n; i++ {
			d := (keys[i] >> shift) & 0xFF
			tmpKeys[offset[d]] = keys[i]
			tmpIdx[offset[d]] = indices[i]
			offset[d]++
		}
		copy(keys, tmpKeys)
		copy(indices, tmpIdx)
	}
}

// CellSlot maps a sort key to its cell table slot using a multiplicative hash.
// The table size must be a power of two. Distinct keys can and do share slots
// (any two keys differing by a multiple of tableSize collide); BuildCellTable
// merges colliding runs into one range and the neighbor scan verifies actual
// keys, so collisions widen the scan, never hide particles.
//
// Parameters:
//   - key: the sort key
//   - tableSize: cell table size (power of two)
//
// Returns:
//   - uint32: the slot index
func CellSlot(key, tableSize uint32) uint32 {
	return (key * 2654435761) & (tableSize - 1)
}

// BuildCellTable scans sorted keys and emits per-cell start/end offsets into a
// compact hash table. For every maximal run of equal keys [i, j), the run's
// slot receives start = i and end = j. When distinct keys hash to the same
// slot, their runs merge (start = min, end = max) so every run stays reachable;
// the key-verified scan skips the foreign elements in between. Unused slots
// hold EmptyCell in cellStart and 0 in cellEnd, mirroring the GPU clear
// values (EmptyCell is the identity for the min merge, 0 for the max).
//
// Parameters:
//   - sortedKeys: keys in sorted order
//   - tableSize: cell table size (power of two)
//
// Returns:
//   - []uint32: cell start offsets, indexed by CellSlot
//   - []uint32: cell end offsets (exclusive), indexed by CellSlot
func BuildCellTable(sortedKeys []uint32, tableSize uint32) (cellStart, cellEnd []uint32) {
	cellStart = make([]uint32, tableSize)
	cellEnd = make([]uint32, tableSize)
	for i := range cellStart {
		cellStart[i] = EmptyCell
	}
	n := uint32(len(sortedKeys))
	for i := uint32(0); i < n; i++ {
		slot := CellSlot(sortedKeys[i], tableSize)
		if i == 0 || sortedKeys[i] != sortedKeys[i-1] {
			if i < cellStart[slot] {
				cellStart[slot] = i
			}
		}
		if i == n-1 || sortedKeys[i] != sortedKeys[i+1] {
			if i+1 > cellEnd[slot] {
				cellEnd[slot] = i + 1
			}
		}
	}
	return cellStart, cellEnd
}

// TableSizeFor returns the cell table size for a particle capacity: the next
// power of two at or above twice the capacity, clamped to a sane range.
//
// Parameters:
//   - capacity: maximum particle count
//
// Returns:
//   - uint32: the cell table size (power of two)
func TableSizeFor(capacity uint32) uint32 {
	size := common.NextPow2(capacity * 2)
	if size < 1<<14 {
		size = 1 << 14
	}
	if size > 1<<22 {
		size = 1 << 22
	}
	return size
}

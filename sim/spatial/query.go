package spatial

import "github.com/tidefall-dev/tidefall/common"

// CPUIndex is a CPU-built spatial index with the same key, sort, and cell
// table semantics as the GPU passes. The CPU simulator backend and the
// scenario tests use it for neighbor queries.
type CPUIndex struct {
	params IndexParams

	keys    []uint32 // sorted
	order   []uint32 // particle indices in sorted order
	starts  []uint32
	ends    []uint32
	table   uint32
	cell    float32
	hasData bool
}

// BuildCPUIndex sorts the given positions by Morton key and builds the cell
// table, mirroring the GPU index build exactly.
//
// Parameters:
//   - positions: predicted particle positions
//   - params: grid configuration
//
// Returns:
//   - *CPUIndex: the built index
func BuildCPUIndex(positions []common.Vec3, params IndexParams) *CPUIndex {
	n := len(positions)
	ix := &CPUIndex{params: params}

	ix.cell = params.CellSize
	if ix.cell <= 0 && params.Bounds.IsValid() {
		ix.cell = params.Bounds.Size().X / float32(uint32(1)<<params.Preset.BitsPerAxis())
	}

	ix.keys = make([]uint32, n)
	ix.order = make([]uint32, n)
	for i, p := range positions {
		ix.keys[i] = ix.keyFor(p)
		ix.order[i] = uint32(i)
	}
	SortByMorton(ix.keys, ix.order, RadixPasses(params.Hybrid))

	ix.table = TableSizeFor(uint32(n))
	ix.starts, ix.ends = BuildCellTable(ix.keys, ix.table)
	ix.hasData = n > 0
	return ix
}

func (ix *CPUIndex) keyFor(p common.Vec3) uint32 {
	if ix.params.Hybrid {
		return HybridKeyForPosition(p, ix.cell)
	}
	return KeyForPosition(p, ix.params.Bounds, ix.params.Preset.BitsPerAxis())
}

// SortedOrder returns the particle indices in Morton order.
//
// Returns:
//   - []uint32: the sorted order (shared, do not modify)
func (ix *CPUIndex) SortedOrder() []uint32 {
	return ix.order
}

// visitRun walks the cell table range for a single key, verifying stored keys
// against the query key: hash slots may be shared, in which case the range
// covers every colliding run and the scan filters out the foreign keys.
func (ix *CPUIndex) visitRun(key uint32, visit func(particle uint32)) {
	slot := CellSlot(key, ix.table)
	start := ix.starts[slot]
	if start == EmptyCell {
		return
	}
	end := ix.ends[slot]
	if end > uint32(len(ix.keys)) {
		end = uint32(len(ix.keys))
	}
	for i := start; i < end; i++ {
		if ix.keys[i] != key {
			continue
		}
		visit(ix.order[i])
	}
}

// ForEachNeighbor visits every particle in the 27-cell neighborhood of pos.
// Callers filter by actual distance; the index only guarantees that all
// particles within one cell size of pos are visited.
//
// Parameters:
//   - pos: query position
//   - visit: callback receiving each candidate particle index
func (ix *CPUIndex) ForEachNeighbor(pos common.Vec3, visit func(particle uint32)) {
	if !ix.hasData {
		return
	}

	if ix.params.Hybrid {
		for dz := -1; dz <= 1; dz++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					sample := pos.Add(common.Vec3{
						X: float32(dx) * ix.cell,
						Y: float32(dy) * ix.cell,
						Z: float32(dz) * ix.cell,
					})
					ix.visitRun(HybridKeyForPosition(sample, ix.cell), visit)
				}
			}
		}
		return
	}

	bits := ix.params.Preset.BitsPerAxis()
	cells := int32(uint32(1) << bits)
	cx, cy, cz := CellCoords(pos, ix.params.Bounds, bits)
	for dz := int32(-1); dz <= 1; dz++ {
		for dy := int32(-1); dy <= 1; dy++ {
			for dx := int32(-1); dx <= 1; dx++ {
				x := int32(cx) + dx
				y := int32(cy) + dy
				z := int32(cz) + dz
				if x < 0 || y < 0 || z < 0 || x >= cells || y >= cells || z >= cells {
					continue
				}
				ix.visitRun(EncodeMorton3(uint32(x), uint32(y), uint32(z), bits), visit)
			}
		}
	}
}

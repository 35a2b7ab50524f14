package spatial

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/common"
)

func TestEncodeMorton3RoundTrip(t *testing.T) {
	// Decoding by bit extraction must recover the original coordinates for
	// every bits-per-axis the grid presets use.
	decode := func(code, bits uint32) (x, y, z uint32) {
		for b := uint32(0); b < bits; b++ {
			x |= (code >> (3 * b) & 1) << b
			y |= (code >> (3*b + 1) & 1) << b
			z |= (code >> (3*b + 2) & 1) << b
		}
		return
	}

	rng := rand.New(rand.NewSource(7))
	for _, bits := range []uint32{6, 7, 8} {
		max := uint32(1) << bits
		for trial := 0; trial < 200; trial++ {
			x := rng.Uint32() % max
			y := rng.Uint32() % max
			z := rng.Uint32() % max
			code := EncodeMorton3(x, y, z, bits)
			dx, dy, dz := decode(code, bits)
			require.Equal(t, x, dx)
			require.Equal(t, y, dy)
			require.Equal(t, z, dz)
		}
	}
}

func TestEncodeMorton3Locality(t *testing.T) {
	// Adjacent cells along each axis differ only in the interleaved bit for
	// that axis; incrementing x from 0 must produce key 1.
	assert.Equal(t, uint32(1), EncodeMorton3(1, 0, 0, 6))
	assert.Equal(t, uint32(2), EncodeMorton3(0, 1, 0, 6))
	assert.Equal(t, uint32(4), EncodeMorton3(0, 0, 1, 6))
}

func TestCellCoordsClampsOutOfRange(t *testing.T) {
	bounds := common.AABB{Min: common.Vec3{X: -10, Y: -10, Z: -10}, Max: common.Vec3{X: 10, Y: 10, Z: 10}}

	x, y, z := CellCoords(common.Vec3{X: -100, Y: 0, Z: 100}, bounds, 6)
	assert.Equal(t, uint32(0), x)
	assert.Equal(t, uint32(32), y)
	assert.Equal(t, uint32(63), z)
}

func TestSortByMortonMatchesStdSort(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	n := 5000
	keys := make([]uint32, n)
	indices := make([]uint32, n)
	for i := range keys {
		keys[i] = rng.Uint32() & 0xFFFFFF // classic-mode key width
		indices[i] = uint32(i)
	}

	expected := append([]uint32(nil), keys...)
	sort.Slice(expected, func(a, b int) bool { return expected[a] < expected[b] })

	SortByMorton(keys, indices, 3)
	assert.Equal(t, expected, keys)

	// Pairing must survive the sort.
	orig := make([]uint32, n)
	for i := range orig {
		orig[i] = rng.Uint32() & 0xFFFFFF
	}
	keys2 := append([]uint32(nil), orig...)
	idx2 := make([]uint32, n)
	for i := range idx2 {
		idx2[i] = uint32(i)
	}
	SortByMorton(keys2, idx2, 3)
	for i := range keys2 {
		assert.Equal(t, orig[idx2[i]], keys2[i])
	}
}

func TestSortByMortonStable(t *testing.T) {
	// Equal keys keep their input order, which the GPU scatter also guarantees.
	keys := []uint32{5, 3, 5, 3, 5}
	indices := []uint32{0, 1, 2, 3, 4}
	SortByMorton(keys, indices, 3)
	assert.Equal(t, []uint32{3, 3, 5, 5, 5}, keys)
	assert.Equal(t, []uint32{1, 3, 0, 2, 4}, indices)
}

func TestSortByMortonHybridUsesHighBits(t *testing.T) {
	// Keys differing only above bit 23 need the fourth pass.
	keys := []uint32{0xFF000000, 0x01000000, 0x80000000}
	indices := []uint32{0, 1, 2}
	SortByMorton(keys, indices, 4)
	assert.Equal(t, []uint32{0x01000000, 0x80000000, 0xFF000000}, keys)
	assert.Equal(t, []uint32{1, 2, 0}, indices)
}

func TestBuildCellTableRuns(t *testing.T) {
	sorted := []uint32{2, 2, 2, 7, 9, 9}
	table := uint32(1 << 14)
	starts, ends := BuildCellTable(sorted, table)

	s2 := CellSlot(2, table)
	require.Equal(t, uint32(0), starts[s2])
	require.Equal(t, uint32(3), ends[s2])

	s7 := CellSlot(7, table)
	require.Equal(t, uint32(3), starts[s7])
	require.Equal(t, uint32(4), ends[s7])

	s9 := CellSlot(9, table)
	require.Equal(t, uint32(4), starts[s9])
	require.Equal(t, uint32(6), ends[s9])
}

func TestBuildCellTableEmptySlots(t *testing.T) {
	starts, ends := BuildCellTable(nil, 1<<14)
	for i := 0; i < 64; i++ {
		assert.Equal(t, EmptyCell, starts[i])
		assert.Equal(t, uint32(0), ends[i])
	}
}

func TestBuildCellTableMergesCollidingRuns(t *testing.T) {
	// Hybrid keys from adjacent tiles differ only in the high 14 bits, i.e. by
	// a multiple of 2^18 — always a multiple of the table size, so the
	// multiplicative hash sends both runs to the same slot. The slot must cover
	// both runs or the second key's particles vanish from neighbor queries.
	table := uint32(1 << 14)
	keyA := uint32(5)
	keyB := keyA + 1<<18
	require.Equal(t, CellSlot(keyA, table), CellSlot(keyB, table))

	sorted := []uint32{keyA, keyA, keyB, keyB, keyB}
	starts, ends := BuildCellTable(sorted, table)

	slot := CellSlot(keyA, table)
	assert.Equal(t, uint32(0), starts[slot], "merged range must start at the first run")
	assert.Equal(t, uint32(5), ends[slot], "merged range must end at the last run")
}

func TestCPUIndexNeighborsSurviveSlotCollision(t *testing.T) {
	// Two particles in adjacent hybrid tiles whose keys hash to the same cell
	// table slot: with cell size 1 a tile spans 64 units, so x=0.5 and x=64.5
	// sit in tiles 0 and 1 with identical local cells. Their keys differ by a
	// multiple of 2^18, which the multiplicative hash sends to one slot. Each
	// particle must still see itself at its own position.
	cell := float32(1)
	positions := []common.Vec3{
		{X: 0.5, Y: 0.5, Z: 0.5},
		{X: 64.5, Y: 0.5, Z: 0.5},
	}
	k0 := HybridKeyForPosition(positions[0], cell)
	k1 := HybridKeyForPosition(positions[1], cell)
	require.NotEqual(t, k0, k1)

	ix := BuildCPUIndex(positions, IndexParams{Hybrid: true, CellSize: cell})
	require.Equal(t, CellSlot(k0, ix.table), CellSlot(k1, ix.table))

	for i, q := range positions {
		found := map[uint32]bool{}
		ix.ForEachNeighbor(q, func(p uint32) { found[p] = true })
		assert.True(t, found[uint32(i)], "particle %d must be visible at its own position", i)
	}
}

func TestHybridKeyLayout(t *testing.T) {
	// Positions in the same tile share the high 14 bits; positions in
	// different tiles (usually) do not share the full key.
	cell := float32(0.1)
	a := HybridKeyForPosition(common.Vec3{X: 0.05, Y: 0.05, Z: 0.05}, cell)
	b := HybridKeyForPosition(common.Vec3{X: 0.15, Y: 0.05, Z: 0.05}, cell)
	assert.Equal(t, a>>18, b>>18, "same tile must share the tile hash")
	assert.NotEqual(t, a, b, "different cells must differ in the local code")

	// Far positions do not hit the classic clamp: keys stay distinct across a
	// range far beyond any bounded grid.
	far := HybridKeyForPosition(common.Vec3{X: 1e5, Y: 0, Z: 0}, cell)
	assert.NotEqual(t, a, far)
}

func TestRadixPasses(t *testing.T) {
	assert.Equal(t, 3, RadixPasses(false))
	assert.Equal(t, 4, RadixPasses(true))
}

func TestTableSizeFor(t *testing.T) {
	assert.Equal(t, uint32(1<<14), TableSizeFor(100))
	assert.Equal(t, uint32(1<<17), TableSizeFor(50_000))
	assert.Equal(t, uint32(1<<22), TableSizeFor(10_000_000))
}

func TestCPUIndexFindsAllNeighborsClassic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	bounds := common.AABB{Min: common.Vec3{X: -1, Y: -1, Z: -1}, Max: common.Vec3{X: 1, Y: 1, Z: 1}}

	positions := make([]common.Vec3, 800)
	for i := range positions {
		positions[i] = common.Vec3{
			X: rng.Float32()*2 - 1,
			Y: rng.Float32()*2 - 1,
			Z: rng.Float32()*2 - 1,
		}
	}

	// The index guarantees every particle within one cell size of the query is
	// visited. A 6-bit grid over [-1,1] has cell size 2/64.
	ix := BuildCPUIndex(positions, IndexParams{Bounds: bounds, Preset: GridSmall})
	cell := bounds.Size().X / 64

	for qi := 0; qi < 50; qi++ {
		q := positions[qi]
		found := map[uint32]bool{}
		ix.ForEachNeighbor(q, func(p uint32) { found[p] = true })

		for j, pj := range positions {
			if pj.Sub(q).Length() < cell {
				assert.True(t, found[uint32(j)], "particle %d within one cell of query %d must be visited", j, qi)
			}
		}
	}
}

func TestCPUIndexFindsAllNeighborsHybrid(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	cell := float32(0.1)

	// Spread positions far outside any classic grid to exercise the unbounded
	// tiled keys.
	positions := make([]common.Vec3, 600)
	for i := range positions {
		positions[i] = common.Vec3{
			X: rng.Float32()*40 - 20,
			Y: rng.Float32()*40 - 20,
			Z: rng.Float32()*40 - 20,
		}
	}

	ix := BuildCPUIndex(positions, IndexParams{Hybrid: true, CellSize: cell})

	for qi := 0; qi < 50; qi++ {
		q := positions[qi]
		found := map[uint32]bool{}
		ix.ForEachNeighbor(q, func(p uint32) { found[p] = true })

		for j, pj := range positions {
			if pj.Sub(q).Length() < cell {
				assert.True(t, found[uint32(j)], "particle %d within one cell of query %d must be visited", j, qi)
			}
		}
	}
}

package spawn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/sim/particle"
)

func TestAllocateIDsUniqueUnderConcurrency(t *testing.T) {
	m := NewManager()

	var wg sync.WaitGroup
	results := make([][]uint32, 16)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				first := m.AllocateIDs(5)
				results[g] = append(results[g], first, first+4)
			}
		}(g)
	}
	wg.Wait()

	seen := map[uint32]bool{}
	for _, ranges := range results {
		for i := 0; i < len(ranges); i += 2 {
			for id := ranges[i]; id <= ranges[i+1]; id++ {
				assert.False(t, seen[id], "ID %d allocated twice", id)
				seen[id] = true
			}
		}
	}
	assert.Len(t, seen, 16*100*5)
}

func TestDrainExpandsRequestsWithUniqueIDs(t *testing.T) {
	m := NewManager(WithSeed(11))
	m.Enqueue(Request{Center: common.Vec3{}, Radius: 1, Count: 50, Source: 3, Mass: 0.5})
	m.Enqueue(Request{Center: common.Vec3{X: 5}, Radius: 1, Count: 30, Source: 4, Mass: 0.5})

	spawned, filter := m.Drain()
	require.Len(t, spawned, 80)
	assert.Nil(t, filter)

	seen := map[uint32]bool{}
	for _, p := range spawned {
		assert.False(t, seen[p.ID])
		seen[p.ID] = true
	}

	// IDs keep increasing across drains.
	m.Enqueue(Request{Count: 1, Source: 3, Mass: 1})
	more, _ := m.Drain()
	require.Len(t, more, 1)
	for id := range seen {
		assert.Greater(t, more[0].ID, id)
	}
}

func TestDrainPlacesInsideBall(t *testing.T) {
	m := NewManager(WithSeed(5))
	center := common.Vec3{X: 2, Y: 3, Z: 4}
	m.Enqueue(Request{Center: center, Radius: 0.5, Count: 200, Mass: 1})

	spawned, _ := m.Drain()
	for _, p := range spawned {
		d := common.FromArray(p.Position).Sub(center).Length()
		assert.LessOrEqual(t, float64(d), 0.5+1e-5)
	}
}

func TestDrainGridPlacementUsesSpacing(t *testing.T) {
	m := NewManager()
	m.Enqueue(Request{Center: common.Vec3{}, Spacing: 0.1, Count: 8, Mass: 1})

	spawned, _ := m.Drain()
	require.Len(t, spawned, 8)

	// 8 particles on a 2x2x2 lattice: all coordinates at ±0.05.
	for _, p := range spawned {
		for _, c := range p.Position {
			assert.InDelta(t, 0.05, float64(abs(c)), 1e-5)
		}
	}
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func TestDespawnBySourceAndRegion(t *testing.T) {
	m := NewManager()
	m.DespawnSource(7)
	m.DespawnRegion(common.AABB{Min: common.Vec3{X: -1, Y: -1, Z: -1}, Max: common.Vec3{X: 1, Y: 1, Z: 1}})

	_, filter := m.Drain()
	require.NotNil(t, filter)

	inRegion := particle.NewGPUParticle(common.Vec3{}, common.Vec3{}, 1, 1, 2, 0)
	assert.True(t, filter(&inRegion))

	fromSource := particle.NewGPUParticle(common.Vec3{X: 10}, common.Vec3{}, 1, 2, 7, 0)
	assert.True(t, filter(&fromSource))

	unrelated := particle.NewGPUParticle(common.Vec3{X: 10}, common.Vec3{}, 1, 3, 2, 0)
	assert.False(t, filter(&unrelated))

	// Queues are consumed by Drain.
	_, filter = m.Drain()
	assert.Nil(t, filter)
}

func TestSourceLimitRecyclesOldestFirst(t *testing.T) {
	m := NewManager(WithSeed(2))
	m.SetSourceLimit(1, 10)

	m.Enqueue(Request{Count: 10, Source: 1, Mass: 1})
	first, filter := m.Drain()
	require.Len(t, first, 10)
	assert.Nil(t, filter, "at the limit, nothing recycled")

	m.Enqueue(Request{Count: 5, Source: 1, Mass: 1})
	_, filter = m.Drain()
	require.NotNil(t, filter, "over the limit, oldest recycled")

	// The 5 oldest IDs (from the first batch) are recycled; newest survive.
	for i, p := range first {
		removed := filter(&p)
		if i < 5 {
			assert.True(t, removed, "oldest particle %d must be recycled", i)
		} else {
			assert.False(t, removed, "newer particle %d must survive", i)
		}
	}
}

func TestNotifyRemovedShrinksBookkeeping(t *testing.T) {
	m := NewManager()
	m.SetSourceLimit(1, 4)

	m.Enqueue(Request{Count: 4, Source: 1, Mass: 1})
	batch, _ := m.Drain()

	// Externally despawn two, tell the manager, then spawn two more: no
	// recycling needed because the live population is back under the limit.
	m.NotifyRemoved([]uint32{batch[0].ID, batch[1].ID})
	m.Enqueue(Request{Count: 2, Source: 1, Mass: 1})
	_, filter := m.Drain()
	assert.Nil(t, filter)
}

func TestZeroCountRequestIgnored(t *testing.T) {
	m := NewManager()
	m.Enqueue(Request{Count: 0})
	spawned, filter := m.Drain()
	assert.Empty(t, spawned)
	assert.Nil(t, filter)
}

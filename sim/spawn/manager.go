package spawn

import (
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/sim/particle"
)

// Request describes a batch spawn: Count particles placed inside a ball of
// Radius around Center (or on a grid when Spacing is set), all sharing the
// initial velocity, source, material, and mass.
type Request struct {
	Center   common.Vec3
	Radius   float32
	Spacing  float32
	Velocity common.Vec3
	Count    uint32
	Source   uint32
	Material uint32
	Mass     float32
}

// DespawnFilter reports whether a live particle should be removed. Returned
// by Drain and applied by the backend to the live population.
type DespawnFilter func(p *particle.GPUParticle) bool

// manager is the unexported implementation of Manager.
type manager struct {
	mu *sync.Mutex

	// nextID is the monotonically increasing particle ID counter. Batch
	// allocation reserves [old, old+n) atomically so concurrent enqueuers
	// never share IDs.
	nextID atomic.Uint32

	rng *rand.Rand

	pending        []Request
	despawnIDs     map[uint32]bool
	despawnSources map[uint32]bool
	despawnRegions []common.AABB

	// liveBySource holds the IDs of live particles per source in spawn order,
	// oldest first, for limit-driven recycling.
	liveBySource map[uint32][]uint32
	sourceLimits map[uint32]uint32
}

// Manager owns the spawn and despawn queues. Game-side threads enqueue
// requests at any time; the simulation drains them once per frame into an
// append batch plus a removal filter.
type Manager interface {
	// Enqueue queues a spawn request. Safe to call from any goroutine.
	//
	// Parameters:
	//   - req: the spawn request
	Enqueue(req Request)

	// DespawnSource queues removal of every particle from a source.
	//
	// Parameters:
	//   - source: the source ID
	DespawnSource(source uint32)

	// DespawnRegion queues removal of every particle inside a world-space box.
	//
	// Parameters:
	//   - region: the removal region
	DespawnRegion(region common.AABB)

	// SetSourceLimit caps the live population of a source. When a drain would
	// exceed the cap, the oldest particles of that source are recycled first.
	// A zero limit removes the cap.
	//
	// Parameters:
	//   - source: the source ID
	//   - max: the population cap
	SetSourceLimit(source, max uint32)

	// AllocateIDs atomically reserves n consecutive particle IDs.
	//
	// Parameters:
	//   - n: how many IDs to reserve
	//
	// Returns:
	//   - uint32: the first reserved ID; the batch is [first, first+n)
	AllocateIDs(n uint32) uint32

	// Drain consumes all queued requests. It expands them into particle
	// records with freshly allocated IDs and returns a filter combining all
	// queued despawns plus limit-driven recycling. Either result may be empty.
	//
	// Returns:
	//   - []particle.GPUParticle: the particles to append this frame
	//   - DespawnFilter: the removal predicate, nil when nothing is queued
	Drain() ([]particle.GPUParticle, DespawnFilter)

	// NotifyRemoved updates per-source bookkeeping after the backend applied a
	// removal filter. Called with the IDs that were actually removed.
	//
	// Parameters:
	//   - ids: removed particle IDs
	NotifyRemoved(ids []uint32)

	// Reset clears all queues and bookkeeping. Called when the particle store
	// clears.
	Reset()
}

var _ Manager = &manager{}

// ManagerBuilderOption configures a Manager at construction.
type ManagerBuilderOption func(*manager)

// WithSeed fixes the placement RNG seed for deterministic spawns.
//
// Parameters:
//   - seed: the RNG seed
//
// Returns:
//   - ManagerBuilderOption: the option
func WithSeed(seed int64) ManagerBuilderOption {
	return func(m *manager) {
		m.rng = rand.New(rand.NewSource(seed))
	}
}

// NewManager creates a spawn Manager.
//
// Parameters:
//   - options: functional options
//
// Returns:
//   - Manager: the manager
func NewManager(options ...ManagerBuilderOption) Manager {
	m := &manager{
		mu:             &sync.Mutex{},
		rng:            rand.New(rand.NewSource(1)),
		despawnIDs:     make(map[uint32]bool),
		despawnSources: make(map[uint32]bool),
		liveBySource:   make(map[uint32][]uint32),
		sourceLimits:   make(map[uint32]uint32),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *manager) Enqueue(req Request) {
	if req.Count == 0 {
		return
	}
	if req.Mass <= 0 {
		req.Mass = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, req)
}

func (m *manager) DespawnSource(source uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.despawnSources[source] = true
}

func (m *manager) DespawnRegion(region common.AABB) {
	if !region.IsValid() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.despawnRegions = append(m.despawnRegions, region)
}

func (m *manager) SetSourceLimit(source, max uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max == 0 {
		delete(m.sourceLimits, source)
		return
	}
	m.sourceLimits[source] = max
}

func (m *manager) AllocateIDs(n uint32) uint32 {
	return m.nextID.Add(n) - n
}

// place positions the i-th particle of a request. Grid placement fills a cube
// lattice; otherwise rejection-free polar sampling inside the ball.
func (m *manager) place(req Request, i uint32) common.Vec3 {
	if req.Spacing > 0 {
		side := uint32(math.Ceil(math.Cbrt(float64(req.Count))))
		x := i % side
		y := (i / side) % side
		z := i / (side * side)
		half := float32(side-1) * req.Spacing / 2
		return req.Center.Add(common.Vec3{
			X: float32(x)*req.Spacing - half,
			Y: float32(y)*req.Spacing - half,
			Z: float32(z)*req.Spacing - half,
		})
	}
	for {
		v := common.Vec3{
			X: m.rng.Float32()*2 - 1,
			Y: m.rng.Float32()*2 - 1,
			Z: m.rng.Float32()*2 - 1,
		}
		if v.LengthSq() <= 1 {
			return req.Center.Add(v.Scale(req.Radius))
		}
	}
}

func (m *manager) Drain() ([]particle.GPUParticle, DespawnFilter) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	despawnIDs := m.despawnIDs
	despawnSources := m.despawnSources
	despawnRegions := m.despawnRegions
	m.despawnIDs = make(map[uint32]bool)
	m.despawnSources = make(map[uint32]bool)
	m.despawnRegions = nil
	m.mu.Unlock()

	var spawned []particle.GPUParticle
	for _, req := range pending {
		first := m.AllocateIDs(req.Count)
		for i := uint32(0); i < req.Count; i++ {
			m.mu.Lock()
			pos := m.place(req, i)
			m.mu.Unlock()
			spawned = append(spawned, particle.NewGPUParticle(
				pos, req.Velocity, req.Mass, first+i, req.Source, req.Material))
		}

		// Limit-driven recycling: queue the oldest IDs of this source so the
		// new batch fits under the cap.
		m.mu.Lock()
		ids := append(m.liveBySource[req.Source], idRange(first, req.Count)...)
		if limit, ok := m.sourceLimits[req.Source]; ok && uint32(len(ids)) > limit {
			excess := uint32(len(ids)) - limit
			for _, old := range ids[:excess] {
				despawnIDs[old] = true
			}
			ids = ids[excess:]
			log.Printf("[SpawnManager] source %d over limit %d, recycling %d oldest", req.Source, limit, excess)
		}
		m.liveBySource[req.Source] = ids
		m.mu.Unlock()
	}

	if len(despawnIDs) == 0 && len(despawnSources) == 0 && len(despawnRegions) == 0 {
		return spawned, nil
	}

	filter := func(p *particle.GPUParticle) bool {
		if despawnSources[p.Source] || despawnIDs[p.ID] {
			return true
		}
		pos := common.FromArray(p.Position)
		for _, r := range despawnRegions {
			if r.Contains(pos) {
				return true
			}
		}
		return false
	}
	return spawned, filter
}

func (m *manager) NotifyRemoved(ids []uint32) {
	if len(ids) == 0 {
		return
	}
	removed := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		removed[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for source, live := range m.liveBySource {
		kept := live[:0]
		for _, id := range live {
			if !removed[id] {
				kept = append(kept, id)
			}
		}
		m.liveBySource[source] = kept
	}
}

func (m *manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	m.despawnIDs = make(map[uint32]bool)
	m.despawnSources = make(map[uint32]bool)
	m.despawnRegions = nil
	m.liveBySource = make(map[uint32][]uint32)
}

func idRange(first, n uint32) []uint32 {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = first + uint32(i)
	}
	return ids
}

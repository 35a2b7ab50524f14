package boundary

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/sim/collision"
)

// StaticSample is one generated surface sample for a static collider:
// world position plus Akinci volume, matching the boundary world layout.
type StaticSample struct {
	Position [3]float32
	Volume   float32
}

// staticBoundaryManager is the unexported implementation of StaticBoundaryManager.
type staticBoundaryManager struct {
	mu *sync.Mutex

	spacing float32

	// cache maps geometry hashes to generated samples. Keys are content
	// addressed: two colliders with identical geometry share one entry, and a
	// collider that moves or changes shape hashes to a new key.
	cache map[uint64][]StaticSample

	pool    worker.DynamicWorkerPool
	poolSet bool
}

// StaticBoundaryManager generates boundary surface samples for static (non
// bone attached) colliders. Generation runs on a worker pool; results are
// cached by geometry content so repeated uploads of an unchanged world cost
// one map lookup per collider.
type StaticBoundaryManager interface {
	// Generate returns the concatenated surface samples for all static,
	// fluid-interactive colliders in the set, in slot order. Cache misses are
	// generated in parallel.
	//
	// Parameters:
	//   - colliders: the collider set from the collision manager
	//
	// Returns:
	//   - []StaticSample: the combined samples
	Generate(colliders []collision.Collider) []StaticSample

	// InvalidateCache drops all cached samples, e.g. after a spacing change.
	InvalidateCache()

	// SetSpacing changes the sample spacing and invalidates the cache.
	//
	// Parameters:
	//   - spacing: distance between surface samples (typically half the
	//     smoothing radius)
	SetSpacing(spacing float32)
}

var _ StaticBoundaryManager = &staticBoundaryManager{}

// StaticBoundaryOption configures a StaticBoundaryManager at construction.
type StaticBoundaryOption func(*staticBoundaryManager)

// WithSampleSpacing sets the surface sample spacing.
//
// Parameters:
//   - spacing: distance between samples (default 0.1)
//
// Returns:
//   - StaticBoundaryOption: the option
func WithSampleSpacing(spacing float32) StaticBoundaryOption {
	return func(m *staticBoundaryManager) {
		m.spacing = spacing
	}
}

// WithWorkers sets the generation worker count.
//
// Parameters:
//   - n: worker count (default 4)
//
// Returns:
//   - StaticBoundaryOption: the option
func WithWorkers(n int) StaticBoundaryOption {
	return func(m *staticBoundaryManager) {
		m.pool = worker.NewDynamicWorkerPool(n, 256, 1*time.Second)
		m.poolSet = true
	}
}

// NewStaticBoundaryManager creates a StaticBoundaryManager.
//
// Parameters:
//   - options: functional options
//
// Returns:
//   - StaticBoundaryManager: the manager
func NewStaticBoundaryManager(options ...StaticBoundaryOption) StaticBoundaryManager {
	m := &staticBoundaryManager{
		mu:      &sync.Mutex{},
		spacing: 0.1,
		cache:   make(map[uint64][]StaticSample),
	}
	for _, opt := range options {
		opt(m)
	}
	if !m.poolSet {
		m.pool = worker.NewDynamicWorkerPool(4, 256, 1*time.Second)
	}
	return m
}

// geometryHash content-addresses a collider's sampled geometry: kind, the
// geometry fields that affect sampling, and the current spacing.
func (m *staticBoundaryManager) geometryHash(c *collision.Collider) uint64 {
	h := fnv.New64a()
	writeF := func(vs ...float32) {
		for _, v := range vs {
			bits := math.Float32bits(v)
			h.Write([]byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)})
		}
	}
	h.Write([]byte{byte(c.Kind)})
	writeF(m.spacing)
	writeF(c.Center.X, c.Center.Y, c.Center.Z)
	writeF(c.PointA.X, c.PointA.Y, c.PointA.Z)
	writeF(c.PointB.X, c.PointB.Y, c.PointB.Z)
	writeF(c.Radius)
	writeF(c.HalfExtents.X, c.HalfExtents.Y, c.HalfExtents.Z)
	writeF(c.Rotation...)
	for _, p := range c.Planes {
		writeF(p.Normal.X, p.Normal.Y, p.Normal.Z, p.Distance)
	}
	if c.Field != nil {
		writeF(c.Field.Origin.X, c.Field.Origin.Y, c.Field.Origin.Z, c.Field.CellSize)
		writeF(float32(c.Field.DimX), float32(c.Field.DimZ))
		writeF(c.Field.Heights...)
	}
	return h.Sum64()
}

func (m *staticBoundaryManager) Generate(colliders []collision.Collider) []StaticSample {
	type job struct {
		slot int
		hash uint64
		c    collision.Collider
	}

	m.mu.Lock()
	var jobs []job
	results := make([][]StaticSample, len(colliders))
	for i := range colliders {
		c := &colliders[i]
		if c.BoneIndex != collision.NoBone || !c.FluidInteraction {
			continue
		}
		hash := m.geometryHash(c)
		if cached, ok := m.cache[hash]; ok {
			results[i] = cached
			continue
		}
		jobs = append(jobs, job{slot: i, hash: hash, c: *c})
	}
	spacing := m.spacing
	m.mu.Unlock()

	if len(jobs) > 0 {
		var wg sync.WaitGroup
		generated := make([][]StaticSample, len(jobs))
		for j, jb := range jobs {
			wg.Add(1)
			jCap, jbCap := j, jb
			m.pool.SubmitTask(worker.Task{
				ID: j,
				Do: func() (any, error) {
					defer wg.Done()
					generated[jCap] = sampleCollider(&jbCap.c, spacing)
					return nil, nil
				},
			})
		}
		wg.Wait()

		m.mu.Lock()
		for j, jb := range jobs {
			m.cache[jb.hash] = generated[j]
			results[jb.slot] = generated[j]
		}
		m.mu.Unlock()
	}

	var combined []StaticSample
	for _, r := range results {
		combined = append(combined, r...)
	}
	return combined
}

func (m *staticBoundaryManager) InvalidateCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[uint64][]StaticSample)
}

func (m *staticBoundaryManager) SetSpacing(spacing float32) {
	if spacing <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spacing = spacing
	m.cache = make(map[uint64][]StaticSample)
}

// sampleCollider distributes surface samples over a collider. Each sample
// carries the volume spacing³ for Akinci boundary density contributions.
func sampleCollider(c *collision.Collider, spacing float32) []StaticSample {
	vol := spacing * spacing * spacing
	var out []StaticSample
	emit := func(p common.Vec3) {
		out = append(out, StaticSample{Position: p.Array(), Volume: vol})
	}

	switch c.Kind {
	case collision.KindSphere:
		sampleSphere(c.Center, c.Radius, spacing, emit)
	case collision.KindCapsule:
		axis := c.PointB.Sub(c.PointA)
		length := axis.Length()
		steps := int(length/spacing) + 1
		for i := 0; i <= steps; i++ {
			t := float32(i) / float32(steps)
			sampleRing(c.PointA.Add(axis.Scale(t)), axis.Normalized(), c.Radius, spacing, emit)
		}
		sampleSphere(c.PointA, c.Radius, spacing, emit)
		sampleSphere(c.PointB, c.Radius, spacing, emit)
	case collision.KindBox:
		sampleBox(c, spacing, emit)
	case collision.KindHeightmap:
		sampleHeightfield(c.Field, spacing, emit)
	case collision.KindConvexHull:
		// Hull faces are sampled on a bounding-sphere shell clipped to the
		// hull surface: coarse but sufficient for density support.
		r := float32(0)
		for _, p := range c.Planes {
			if p.Distance > r {
				r = p.Distance
			}
		}
		sampleSphere(common.Vec3{}, r, spacing, func(p common.Vec3) {
			onSurface, _, hit := projectToHull(c, p)
			if hit {
				emit(c.Center.Add(onSurface))
			}
		})
	}
	return out
}

// sampleSphere distributes near-uniform samples over a sphere using a
// latitude/longitude lattice scaled to the target spacing.
func sampleSphere(center common.Vec3, radius, spacing float32, emit func(common.Vec3)) {
	if radius <= 0 {
		return
	}
	latSteps := int(math.Pi*float64(radius)/float64(spacing)) + 1
	for i := 0; i <= latSteps; i++ {
		theta := math.Pi * float64(i) / float64(latSteps)
		ringR := radius * float32(math.Sin(theta))
		y := radius * float32(math.Cos(theta))
		lonSteps := int(2*math.Pi*float64(ringR)/float64(spacing)) + 1
		for j := 0; j < lonSteps; j++ {
			phi := 2 * math.Pi * float64(j) / float64(lonSteps)
			emit(center.Add(common.Vec3{
				X: ringR * float32(math.Cos(phi)),
				Y: y,
				Z: ringR * float32(math.Sin(phi)),
			}))
		}
	}
}

// sampleRing emits a circle of samples around axis at the given center.
func sampleRing(center, axis common.Vec3, radius, spacing float32, emit func(common.Vec3)) {
	// Build an orthonormal basis around the axis.
	ref := common.Vec3{Y: 1}
	if abs32(axis.Y) > 0.9 {
		ref = common.Vec3{X: 1}
	}
	u := axis.Cross(ref).Normalized()
	v := axis.Cross(u)

	steps := int(2*math.Pi*float64(radius)/float64(spacing)) + 1
	for i := 0; i < steps; i++ {
		phi := 2 * math.Pi * float64(i) / float64(steps)
		offset := u.Scale(radius * float32(math.Cos(phi))).Add(v.Scale(radius * float32(math.Sin(phi))))
		emit(center.Add(offset))
	}
}

// sampleBox covers all six faces with a regular grid.
func sampleBox(c *collision.Collider, spacing float32, emit func(common.Vec3)) {
	h := c.HalfExtents
	emitLocal := func(l common.Vec3) {
		if c.Rotation != nil {
			l = common.TransformDirection(c.Rotation, l)
		}
		emit(l.Add(c.Center))
	}
	grid := func(a, b float32, f func(u, v float32)) {
		na := int(2*a/spacing) + 1
		nb := int(2*b/spacing) + 1
		for i := 0; i <= na; i++ {
			for j := 0; j <= nb; j++ {
				f(-a+float32(i)*2*a/float32(na), -b+float32(j)*2*b/float32(nb))
			}
		}
	}
	grid(h.Y, h.Z, func(u, v float32) {
		emitLocal(common.Vec3{X: h.X, Y: u, Z: v})
		emitLocal(common.Vec3{X: -h.X, Y: u, Z: v})
	})
	grid(h.X, h.Z, func(u, v float32) {
		emitLocal(common.Vec3{X: u, Y: h.Y, Z: v})
		emitLocal(common.Vec3{X: u, Y: -h.Y, Z: v})
	})
	grid(h.X, h.Y, func(u, v float32) {
		emitLocal(common.Vec3{X: u, Y: v, Z: h.Z})
		emitLocal(common.Vec3{X: u, Y: v, Z: -h.Z})
	})
}

// sampleHeightfield emits one sample per surface lattice point at the target
// spacing, bilinearly interpolating heights.
func sampleHeightfield(f *collision.Heightfield, spacing float32, emit func(common.Vec3)) {
	width := float32(f.DimX-1) * f.CellSize
	depth := float32(f.DimZ-1) * f.CellSize
	nx := int(width/spacing) + 1
	nz := int(depth/spacing) + 1
	for i := 0; i <= nx; i++ {
		for j := 0; j <= nz; j++ {
			x := float32(i) * width / float32(nx)
			z := float32(j) * depth / float32(nz)
			gx := x / f.CellSize
			gz := z / f.CellSize
			x0 := uint32(gx)
			z0 := uint32(gz)
			if x0 >= f.DimX-1 {
				x0 = f.DimX - 2
			}
			if z0 >= f.DimZ-1 {
				z0 = f.DimZ - 2
			}
			fx := gx - float32(x0)
			fz := gz - float32(z0)
			h00 := f.Heights[z0*f.DimX+x0]
			h10 := f.Heights[z0*f.DimX+x0+1]
			h01 := f.Heights[(z0+1)*f.DimX+x0]
			h11 := f.Heights[(z0+1)*f.DimX+x0+1]
			h := (h00*(1-fx)+h10*fx)*(1-fz) + (h01*(1-fx)+h11*fx)*fz
			emit(f.Origin.Add(common.Vec3{X: x, Y: h, Z: z}))
		}
	}
}

// projectToHull projects a local point onto the hull surface along the
// shallowest face. Returns the projected point and whether the projection is
// on (or near) the surface.
func projectToHull(c *collision.Collider, p common.Vec3) (common.Vec3, common.Vec3, bool) {
	minDepth := float32(math.MaxFloat32)
	var minNormal common.Vec3
	for _, pl := range c.Planes {
		n := pl.Normal.Normalized()
		depth := pl.Distance - n.Dot(p)
		if depth < 0 {
			// Outside this face: clamp onto it.
			p = p.Add(n.Scale(depth))
			depth = 0
		}
		if depth < minDepth {
			minDepth = depth
			minNormal = n
		}
	}
	return p.Add(minNormal.Scale(minDepth)), minNormal, true
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// sortSamplesByHash gives deterministic ordering for tests that compare
// generated sets.
func sortSamplesByHash(samples []StaticSample) {
	sort.Slice(samples, func(a, b int) bool {
		if samples[a].Position[0] != samples[b].Position[0] {
			return samples[a].Position[0] < samples[b].Position[0]
		}
		if samples[a].Position[1] != samples[b].Position[1] {
			return samples[a].Position[1] < samples[b].Position[1]
		}
		return samples[a].Position[2] < samples[b].Position[2]
	})
}

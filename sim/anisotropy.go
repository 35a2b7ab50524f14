package sim

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/sim/particle"
	"github.com/tidefall-dev/tidefall/sim/spatial"
)

const (
	// defaultShapeBlend is the per-update smoothing factor toward the newly
	// computed shape; lower values damp ellipsoid flicker at the surface.
	defaultShapeBlend = 0.25

	// shapeNeighborMin is the neighbor count below which a particle renders
	// as a plain sphere; too few samples make the covariance degenerate.
	shapeNeighborMin = 6

	// shapeStretchMax caps the ellipsoid aspect ratio.
	shapeStretchMax = 4.0
)

// ParticleShape is a render-ready anisotropy ellipsoid: orthonormal principal
// axes with per-axis radii. Isotropic particles report equal radii.
type ParticleShape struct {
	Axes  [3]common.Vec3
	Radii common.Vec3
}

// ShapeSmoother computes per-particle anisotropy from neighbor position
// covariance and smooths it over time keyed by particle ID, so ellipsoids do
// not pop when the neighborhood changes between readbacks.
type ShapeSmoother struct {
	mu    *sync.Mutex
	blend float32
	prev  map[uint32]ParticleShape
}

// NewShapeSmoother creates a ShapeSmoother with the given blend factor.
//
// Parameters:
//   - blend: fraction of the new shape applied per update, (0, 1]
//
// Returns:
//   - *ShapeSmoother: the smoother
func NewShapeSmoother(blend float32) *ShapeSmoother {
	if blend <= 0 || blend > 1 {
		blend = defaultShapeBlend
	}
	return &ShapeSmoother{
		mu:    &sync.Mutex{},
		blend: blend,
		prev:  map[uint32]ParticleShape{},
	}
}

// Update computes smoothed shapes for one readback. Particles are matched to
// their previous shape by ID; IDs absent from this readback are forgotten.
//
// Parameters:
//   - particles: the particle readback
//   - h: the smoothing radius used for the neighbor gather
//   - particleRadius: the isotropic base radius
//
// Returns:
//   - []ParticleShape: one shape per particle in readback order
func (sm *ShapeSmoother) Update(particles []particle.GPUParticle, h, particleRadius float32) []ParticleShape {
	positions := make([]common.Vec3, len(particles))
	for i := range particles {
		positions[i] = common.Vec3{X: particles[i].Position[0], Y: particles[i].Position[1], Z: particles[i].Position[2]}
	}
	index := spatial.BuildCPUIndex(positions, spatial.IndexParams{Hybrid: true, CellSize: h})

	shapes := make([]ParticleShape, len(particles))
	next := make(map[uint32]ParticleShape, len(particles))

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for i := range particles {
		raw := rawShape(positions, index, i, h, particleRadius)
		id := particles[i].ID
		if old, ok := sm.prev[id]; ok {
			raw = blendShape(old, raw, sm.blend)
		}
		shapes[i] = raw
		next[id] = raw
	}
	sm.prev = next
	return shapes
}

// Reset forgets all smoothing history.
func (sm *ShapeSmoother) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.prev = map[uint32]ParticleShape{}
}

// rawShape computes the unsmoothed ellipsoid for one particle from the
// weighted covariance of its neighborhood.
func rawShape(positions []common.Vec3, index *spatial.CPUIndex, i int, h, particleRadius float32) ParticleShape {
	pi := positions[i]
	h2 := h * h

	var wSum float64
	var mean [3]float64
	var count int
	type sample struct {
		d [3]float64
		w float64
	}
	var samples []sample

	index.ForEachNeighbor(pi, func(j uint32) {
		d := positions[j].Sub(pi)
		r2 := d.LengthSq()
		if r2 >= h2 {
			return
		}
		// Cubic falloff keeps far neighbors from dominating the covariance.
		r := math.Sqrt(float64(r2))
		w := 1 - (r/float64(h))*(r/float64(h))*(r/float64(h))
		samples = append(samples, sample{d: [3]float64{float64(d.X), float64(d.Y), float64(d.Z)}, w: w})
		wSum += w
		mean[0] += w * float64(d.X)
		mean[1] += w * float64(d.Y)
		mean[2] += w * float64(d.Z)
		count++
	})

	sphere := ParticleShape{
		Axes:  [3]common.Vec3{{X: 1}, {Y: 1}, {Z: 1}},
		Radii: common.Vec3{X: particleRadius, Y: particleRadius, Z: particleRadius},
	}
	if count < shapeNeighborMin || wSum <= 0 {
		return sphere
	}
	for k := range mean {
		mean[k] /= wSum
	}

	cov := mat.NewSymDense(3, nil)
	for _, s := range samples {
		for a := 0; a < 3; a++ {
			for b := a; b < 3; b++ {
				cov.SetSym(a, b, cov.At(a, b)+s.w*(s.d[a]-mean[a])*(s.d[b]-mean[b]))
			}
		}
	}
	for a := 0; a < 3; a++ {
		for b := a; b < 3; b++ {
			cov.SetSym(a, b, cov.At(a, b)/wSum)
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return sphere
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues ascend; stretch each axis by its standard deviation
	// normalized to the geometric mean so the ellipsoid volume stays near the
	// isotropic sphere's.
	s := [3]float64{}
	prod := 1.0
	for k := 0; k < 3; k++ {
		v := vals[k]
		if v < 1e-12 {
			v = 1e-12
		}
		s[k] = math.Sqrt(v)
		prod *= s[k]
	}
	g := math.Cbrt(prod)

	var shape ParticleShape
	for k := 0; k < 3; k++ {
		stretch := s[k] / g
		if stretch > shapeStretchMax {
			stretch = shapeStretchMax
		}
		if stretch < 1/shapeStretchMax {
			stretch = 1 / shapeStretchMax
		}
		axis := common.Vec3{
			X: float32(vecs.At(0, k)),
			Y: float32(vecs.At(1, k)),
			Z: float32(vecs.At(2, k)),
		}
		shape.Axes[k] = axis.Normalized()
		switch k {
		case 0:
			shape.Radii.X = particleRadius * float32(stretch)
		case 1:
			shape.Radii.Y = particleRadius * float32(stretch)
		case 2:
			shape.Radii.Z = particleRadius * float32(stretch)
		}
	}
	return shape
}

// blendShape interpolates toward the new shape. Axes are blended linearly and
// renormalized, which is stable for the small per-frame rotations smoothing
// is meant to absorb.
func blendShape(old, cur ParticleShape, blend float32) ParticleShape {
	var out ParticleShape
	for k := 0; k < 3; k++ {
		a := old.Axes[k]
		b := cur.Axes[k]
		// Keep the blend on the same hemisphere so opposite-signed eigenvectors
		// do not cancel.
		if a.Dot(b) < 0 {
			b = b.Scale(-1)
		}
		out.Axes[k] = a.Scale(1 - blend).Add(b.Scale(blend)).Normalized()
	}
	out.Radii = old.Radii.Scale(1 - blend).Add(cur.Radii.Scale(blend))
	return out
}

package solver

import (
	"math"

	"github.com/tidefall-dev/tidefall/common"
)

// Kernel bundles the poly6/spiky-gradient SPH kernel pair for one smoothing
// radius, with the normalization coefficients precomputed.
type Kernel struct {
	h          float32
	h2         float32
	poly6Coeff float32
	spikyCoeff float32
}

// NewKernel creates a Kernel for the given smoothing radius.
//
// Parameters:
//   - h: the smoothing radius
//
// Returns:
//   - Kernel: the kernel pair
func NewKernel(h float32) Kernel {
	h64 := float64(h)
	return Kernel{
		h:          h,
		h2:         h * h,
		poly6Coeff: float32(315.0 / (64.0 * math.Pi * math.Pow(h64, 9))),
		spikyCoeff: float32(-45.0 / (math.Pi * math.Pow(h64, 6))),
	}
}

// Radius returns the smoothing radius.
//
// Returns:
//   - float32: the smoothing radius
func (k Kernel) Radius() float32 { return k.h }

// RadiusSq returns the squared smoothing radius, the support test for
// neighbor loops.
//
// Returns:
//   - float32: h squared
func (k Kernel) RadiusSq() float32 { return k.h2 }

// Poly6 evaluates the poly6 density kernel at squared distance r2. Returns 0
// outside the support radius.
//
// Parameters:
//   - r2: squared distance between the two points
//
// Returns:
//   - float32: the kernel value
func (k Kernel) Poly6(r2 float32) float32 {
	if r2 >= k.h2 {
		return 0
	}
	d := k.h2 - r2
	return k.poly6Coeff * d * d * d
}

// SpikyGrad evaluates the spiky kernel gradient for the offset vector r with
// precomputed length dist. The gradient points from the neighbor toward the
// evaluation point. Returns zero at dist 0 (the gradient is undefined there)
// and outside the support radius.
//
// Parameters:
//   - r: offset vector (evaluation point minus neighbor)
//   - dist: length of r
//
// Returns:
//   - common.Vec3: the kernel gradient
func (k Kernel) SpikyGrad(r common.Vec3, dist float32) common.Vec3 {
	if dist <= 1e-6 || dist >= k.h {
		return common.Vec3{}
	}
	d := k.h - dist
	return r.Scale(k.spikyCoeff * d * d / dist)
}

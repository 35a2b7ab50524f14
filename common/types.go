// package common contains common types that are used throughout this engine. They are not interface-wrapped structs, just plain structs that express
// commonly used data-types.
package common

import "math"

// Vec3 is a 3-component float32 vector used for positions, velocities, and forces
// on the CPU side. GPU-facing structs use [3]float32 arrays with explicit padding
// instead; convert with Array/FromArray at the staging boundary.
type Vec3 struct {
	X, Y, Z float32
}

// Array returns the vector as a [3]float32, the layout GPU structs use.
//
// Returns:
//   - [3]float32: the vector components in x, y, z order
func (v Vec3) Array() [3]float32 {
	return [3]float32{v.X, v.Y, v.Z}
}

// FromArray builds a Vec3 from a [3]float32.
//
// Parameters:
//   - a: the component array in x, y, z order
//
// Returns:
//   - Vec3: the resulting vector
func FromArray(a [3]float32) Vec3 {
	return Vec3{a[0], a[1], a[2]}
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Scale returns v * s.
func (v Vec3) Scale(s float32) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Dot returns the dot product of v and o.
func (v Vec3) Dot(o Vec3) float32 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Cross returns the cross product of v and o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

// Length returns the Euclidean length of v.
func (v Vec3) Length() float32 {
	return float32(math.Sqrt(float64(v.Dot(v))))
}

// LengthSq returns the squared length of v, avoiding the sqrt when only
// comparisons are needed.
func (v Vec3) LengthSq() float32 {
	return v.Dot(v)
}

// Normalized returns v scaled to unit length, or the zero vector if v has
// (near) zero length.
func (v Vec3) Normalized() Vec3 {
	l := v.Length()
	if l < 1e-12 {
		return Vec3{}
	}
	return v.Scale(1 / l)
}

// IsFinite reports whether all components are finite (no NaN or Inf).
// Used by the solver to detect corrupted particle state before it propagates.
//
// Returns:
//   - bool: true if every component is a finite number
func (v Vec3) IsFinite() bool {
	for _, c := range [3]float32{v.X, v.Y, v.Z} {
		f := float64(c)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// AABB is an axis-aligned bounding box in world space.
type AABB struct {
	Min, Max Vec3
}

// Expand returns the AABB grown by margin on every side.
//
// Parameters:
//   - margin: distance added to each face (negative shrinks)
//
// Returns:
//   - AABB: the expanded box
func (b AABB) Expand(margin float32) AABB {
	m := Vec3{margin, margin, margin}
	return AABB{Min: b.Min.Sub(m), Max: b.Max.Add(m)}
}

// Union returns the smallest AABB containing both b and o.
func (b AABB) Union(o AABB) AABB {
	return AABB{
		Min: Vec3{minf(b.Min.X, o.Min.X), minf(b.Min.Y, o.Min.Y), minf(b.Min.Z, o.Min.Z)},
		Max: Vec3{maxf(b.Max.X, o.Max.X), maxf(b.Max.Y, o.Max.Y), maxf(b.Max.Z, o.Max.Z)},
	}
}

// Overlaps reports whether b and o intersect (touching counts as overlap).
func (b AABB) Overlaps(o AABB) bool {
	return b.Min.X <= o.Max.X && b.Max.X >= o.Min.X &&
		b.Min.Y <= o.Max.Y && b.Max.Y >= o.Min.Y &&
		b.Min.Z <= o.Max.Z && b.Max.Z >= o.Min.Z
}

// Contains reports whether point p lies inside or on the boundary of b.
func (b AABB) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Clamp returns p clamped component-wise into b.
func (b AABB) Clamp(p Vec3) Vec3 {
	return Vec3{
		clampf(p.X, b.Min.X, b.Max.X),
		clampf(p.Y, b.Min.Y, b.Max.Y),
		clampf(p.Z, b.Min.Z, b.Max.Z),
	}
}

// Size returns the edge lengths of b.
func (b AABB) Size() Vec3 {
	return b.Max.Sub(b.Min)
}

// IsValid reports whether b encloses a non-degenerate volume.
func (b AABB) IsValid() bool {
	return b.Max.X > b.Min.X && b.Max.Y > b.Min.Y && b.Max.Z > b.Min.Z
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp32 clamps v into [lo, hi]. Exported for the solver's velocity ceiling.
//
// Parameters:
//   - v: the value to clamp
//   - lo: lower bound
//   - hi: upper bound
//
// Returns:
//   - float32: the clamped value
func Clamp32(v, lo, hi float32) float32 {
	return clampf(v, lo, hi)
}

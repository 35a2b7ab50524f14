// Package collision manages the collider set the fluid interacts with:
// world bounds, analytic primitives, convex hulls, and heightmaps, plus the
// per-collider contact feedback read back each frame.
package collision

import (
	"math"

	"github.com/tidefall-dev/tidefall/common"
)

// Kind identifies a collider primitive type. Values are shared with the WGSL
// collision functions.
type Kind uint32

const (
	KindSphere Kind = iota
	KindCapsule
	KindBox
	KindConvexHull
	KindHeightmap
)

// NoBone is the bone index for colliders not attached to a skeleton.
const NoBone = uint32(0xFFFFFFFF)

// Plane is a convex hull face in outward-normal form: Normal·p = Distance on
// the face, Normal·p < Distance inside the hull.
type Plane struct {
	Normal   common.Vec3
	Distance float32
}

// Heightfield holds row-major height samples over a regular XZ grid.
type Heightfield struct {
	// Origin is the world position of sample (0, 0).
	Origin common.Vec3
	// CellSize is the XZ spacing between samples.
	CellSize float32
	// DimX, DimZ are the sample counts per axis (at least 2 each).
	DimX, DimZ uint32
	// Heights holds DimX*DimZ samples, row-major with X varying fastest.
	Heights []float32
}

// Collider is the CPU-side description of one collision primitive.
type Collider struct {
	Kind Kind

	// Material response.
	Friction    float32
	Restitution float32

	// OwnerID groups colliders by their owning object for feedback and removal.
	OwnerID uint32
	// BoneIndex attaches the collider to a skeleton bone, or NoBone.
	BoneIndex uint32
	// FluidInteraction disables solver response when false; the collider still
	// occupies a slot so feedback consumers keep stable indices.
	FluidInteraction bool

	// Sphere: Center + Radius. Capsule: PointA/PointB + Radius.
	Center common.Vec3
	PointA common.Vec3
	PointB common.Vec3
	Radius float32

	// Box: Center + HalfExtents + Rotation (world-from-local, column-major 16).
	HalfExtents common.Vec3
	Rotation    []float32

	// Convex hull: outward planes in local space, transformed by Rotation
	// about Center.
	Planes []Plane

	// Heightmap geometry.
	Field *Heightfield
}

// Validate reports whether the collider has usable geometry. Degenerate
// primitives (zero radius, inverted extents, empty hulls, undersized
// heightfields, non-finite values) are skipped at upload rather than sent to
// the GPU where they would produce NaN responses.
//
// Returns:
//   - bool: true if the collider is usable
func (c *Collider) Validate() bool {
	fin := func(vs ...float32) bool {
		for _, v := range vs {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
		return true
	}

	switch c.Kind {
	case KindSphere:
		return c.Radius > 0 && c.Center.IsFinite() && fin(c.Radius)
	case KindCapsule:
		if c.Radius <= 0 || !c.PointA.IsFinite() || !c.PointB.IsFinite() {
			return false
		}
		return c.PointB.Sub(c.PointA).LengthSq() > 0
	case KindBox:
		return c.HalfExtents.X > 0 && c.HalfExtents.Y > 0 && c.HalfExtents.Z > 0 &&
			c.Center.IsFinite() && c.HalfExtents.IsFinite()
	case KindConvexHull:
		if len(c.Planes) < 4 {
			return false
		}
		for _, p := range c.Planes {
			if !p.Normal.IsFinite() || !fin(p.Distance) || p.Normal.LengthSq() < 1e-6 {
				return false
			}
		}
		return true
	case KindHeightmap:
		f := c.Field
		if f == nil || f.DimX < 2 || f.DimZ < 2 || f.CellSize <= 0 {
			return false
		}
		return len(f.Heights) >= int(f.DimX*f.DimZ)
	}
	return false
}

// closestOnSegment returns the closest point to p on segment ab.
func closestOnSegment(a, b, p common.Vec3) common.Vec3 {
	ab := b.Sub(a)
	denom := ab.LengthSq()
	if denom < 1e-12 {
		return a
	}
	t := common.Clamp32(p.Sub(a).Dot(ab)/denom, 0, 1)
	return a.Add(ab.Scale(t))
}

// Resolve pushes a point with the given particle radius out of the collider.
// Returns the corrected position, the contact normal, and whether a contact
// occurred. This is the CPU mirror of the WGSL collide functions and backs the
// reference solver.
//
// Parameters:
//   - p: the point to test (a predicted particle position)
//   - particleRadius: fluid particle radius
//
// Returns:
//   - common.Vec3: the corrected position (p when no contact)
//   - common.Vec3: the outward contact normal (zero when no contact)
//   - bool: true if the point penetrated the collider
func (c *Collider) Resolve(p common.Vec3, particleRadius float32) (common.Vec3, common.Vec3, bool) {
	if !c.FluidInteraction {
		return p, common.Vec3{}, false
	}

	switch c.Kind {
	case KindSphere:
		return resolveRound(c.Center, c.Radius+particleRadius, p)
	case KindCapsule:
		return resolveRound(closestOnSegment(c.PointA, c.PointB, p), c.Radius+particleRadius, p)
	case KindBox:
		return c.resolveBox(p, particleRadius)
	case KindConvexHull:
		return c.resolveHull(p, particleRadius)
	case KindHeightmap:
		return c.resolveHeightmap(p, particleRadius)
	}
	return p, common.Vec3{}, false
}

// resolveRound pushes p out of a sphere at center with combined radius r.
func resolveRound(center common.Vec3, r float32, p common.Vec3) (common.Vec3, common.Vec3, bool) {
	d := p.Sub(center)
	distSq := d.LengthSq()
	if distSq >= r*r {
		return p, common.Vec3{}, false
	}
	var n common.Vec3
	if distSq < 1e-12 {
		n = common.Vec3{Y: 1}
	} else {
		n = d.Normalized()
	}
	return center.Add(n.Scale(r)), n, true
}

// toLocal transforms p into the collider's local frame (inverse of Rotation
// about Center). A nil Rotation means axis-aligned.
func (c *Collider) toLocal(p common.Vec3) common.Vec3 {
	d := p.Sub(c.Center)
	if c.Rotation == nil {
		return d
	}
	// Rotation is orthonormal; inverse = transpose.
	m := c.Rotation
	return common.Vec3{
		X: m[0]*d.X + m[1]*d.Y + m[2]*d.Z,
		Y: m[4]*d.X + m[5]*d.Y + m[6]*d.Z,
		Z: m[8]*d.X + m[9]*d.Y + m[10]*d.Z,
	}
}

// toWorld transforms a local point back to world space.
func (c *Collider) toWorld(p common.Vec3) common.Vec3 {
	if c.Rotation == nil {
		return p.Add(c.Center)
	}
	return common.TransformDirection(c.Rotation, p).Add(c.Center)
}

// rotateOut rotates a local direction to world space.
func (c *Collider) rotateOut(d common.Vec3) common.Vec3 {
	if c.Rotation == nil {
		return d
	}
	return common.TransformDirection(c.Rotation, d)
}

func (c *Collider) resolveBox(p common.Vec3, particleRadius float32) (common.Vec3, common.Vec3, bool) {
	l := c.toLocal(p)
	h := c.HalfExtents
	grown := common.Vec3{X: h.X + particleRadius, Y: h.Y + particleRadius, Z: h.Z + particleRadius}

	dx := grown.X - abs32(l.X)
	dy := grown.Y - abs32(l.Y)
	dz := grown.Z - abs32(l.Z)
	if dx <= 0 || dy <= 0 || dz <= 0 {
		return p, common.Vec3{}, false
	}

	// Push out along the axis of least penetration.
	var n common.Vec3
	out := l
	if dx <= dy && dx <= dz {
		n = common.Vec3{X: sign32(l.X)}
		out.X = sign32(l.X) * grown.X
	} else if dy <= dz {
		n = common.Vec3{Y: sign32(l.Y)}
		out.Y = sign32(l.Y) * grown.Y
	} else {
		n = common.Vec3{Z: sign32(l.Z)}
		out.Z = sign32(l.Z) * grown.Z
	}
	return c.toWorld(out), c.rotateOut(n), true
}

func (c *Collider) resolveHull(p common.Vec3, particleRadius float32) (common.Vec3, common.Vec3, bool) {
	l := c.toLocal(p)

	// Inside test against all grown planes; track the shallowest face.
	minDepth := float32(math.MaxFloat32)
	var minNormal common.Vec3
	for _, pl := range c.Planes {
		n := pl.Normal.Normalized()
		depth := pl.Distance + particleRadius - n.Dot(l)
		if depth <= 0 {
			return p, common.Vec3{}, false
		}
		if depth < minDepth {
			minDepth = depth
			minNormal = n
		}
	}
	out := l.Add(minNormal.Scale(minDepth))
	return c.toWorld(out), c.rotateOut(minNormal), true
}

func (c *Collider) resolveHeightmap(p common.Vec3, particleRadius float32) (common.Vec3, common.Vec3, bool) {
	f := c.Field
	gx := (p.X - f.Origin.X) / f.CellSize
	gz := (p.Z - f.Origin.Z) / f.CellSize
	if gx < 0 || gz < 0 || gx > float32(f.DimX-1) || gz > float32(f.DimZ-1) {
		return p, common.Vec3{}, false
	}

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
	surface := f.Origin.Y + h + particleRadius

	if p.Y >= surface {
		return p, common.Vec3{}, false
	}

	// Normal from the height gradient.
	dhdx := ((h10 - h00) * (1 - fz)) + ((h11 - h01) * fz)
	dhdz := ((h01 - h00) * (1 - fx)) + ((h11 - h10) * fx)
	n := common.Vec3{X: -dhdx / f.CellSize, Y: 1, Z: -dhdz / f.CellSize}.Normalized()

	out := p
	out.Y = surface
	return out, n, true
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func sign32(v float32) float32 {
	if v < 0 {
		return -1
	}
	return 1
}

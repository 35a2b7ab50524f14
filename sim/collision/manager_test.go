package collision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/common"
)

func sphere(center common.Vec3, radius float32) Collider {
	return Collider{Kind: KindSphere, Center: center, Radius: radius, FluidInteraction: true, BoneIndex: NoBone}
}

func TestValidateSkipsDegenerates(t *testing.T) {
	cases := []struct {
		name string
		c    Collider
	}{
		{"zero radius sphere", Collider{Kind: KindSphere, Radius: 0}},
		{"nan sphere", Collider{Kind: KindSphere, Radius: float32(nan())}},
		{"zero length capsule", Collider{Kind: KindCapsule, Radius: 1, PointA: common.Vec3{X: 1}, PointB: common.Vec3{X: 1}}},
		{"inverted box", Collider{Kind: KindBox, HalfExtents: common.Vec3{X: -1, Y: 1, Z: 1}}},
		{"hull too few planes", Collider{Kind: KindConvexHull, Planes: make([]Plane, 3)}},
		{"heightmap 1xN", Collider{Kind: KindHeightmap, Field: &Heightfield{DimX: 1, DimZ: 8, CellSize: 1, Heights: make([]float32, 8)}}},
		{"heightmap short samples", Collider{Kind: KindHeightmap, Field: &Heightfield{DimX: 4, DimZ: 4, CellSize: 1, Heights: make([]float32, 8)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, tc.c.Validate())
		})
	}
}

func nan() float64 {
	var z float64
	return z / z
}

func TestResolveSpherePushesOut(t *testing.T) {
	c := sphere(common.Vec3{}, 1)
	out, n, hit := c.Resolve(common.Vec3{X: 0.5}, 0.1)
	require.True(t, hit)
	assert.InDelta(t, 1.1, float64(out.X), 1e-5)
	assert.InDelta(t, 1.0, float64(n.X), 1e-5)

	_, _, hit = c.Resolve(common.Vec3{X: 2}, 0.1)
	assert.False(t, hit)
}

func TestResolveCapsuleUsesSegment(t *testing.T) {
	c := Collider{
		Kind: KindCapsule, Radius: 0.5, FluidInteraction: true, BoneIndex: NoBone,
		PointA: common.Vec3{X: -1}, PointB: common.Vec3{X: 1},
	}
	// Above the shaft center: pushed straight up.
	out, n, hit := c.Resolve(common.Vec3{Y: 0.2}, 0)
	require.True(t, hit)
	assert.InDelta(t, 0.5, float64(out.Y), 1e-5)
	assert.InDelta(t, 1.0, float64(n.Y), 1e-5)

	// Beyond the cap: resolved against the end sphere.
	out, _, hit = c.Resolve(common.Vec3{X: 1.3}, 0)
	require.True(t, hit)
	assert.InDelta(t, 1.5, float64(out.X), 1e-5)
}

func TestResolveBoxLeastPenetrationAxis(t *testing.T) {
	c := Collider{
		Kind: KindBox, FluidInteraction: true, BoneIndex: NoBone,
		HalfExtents: common.Vec3{X: 1, Y: 1, Z: 1},
	}
	out, n, hit := c.Resolve(common.Vec3{X: 0.9, Y: 0.1, Z: 0}, 0)
	require.True(t, hit)
	assert.InDelta(t, 1.0, float64(out.X), 1e-5)
	assert.InDelta(t, 1.0, float64(n.X), 1e-5)
	assert.InDelta(t, 0.1, float64(out.Y), 1e-5)
}

func TestResolveHullInsideAndOutside(t *testing.T) {
	// Unit cube as a hull.
	c := Collider{
		Kind: KindConvexHull, FluidInteraction: true, BoneIndex: NoBone,
		Planes: []Plane{
			{Normal: common.Vec3{X: 1}, Distance: 1},
			{Normal: common.Vec3{X: -1}, Distance: 1},
			{Normal: common.Vec3{Y: 1}, Distance: 1},
			{Normal: common.Vec3{Y: -1}, Distance: 1},
			{Normal: common.Vec3{Z: 1}, Distance: 1},
			{Normal: common.Vec3{Z: -1}, Distance: 1},
		},
	}
	out, n, hit := c.Resolve(common.Vec3{X: 0.8}, 0)
	require.True(t, hit)
	assert.InDelta(t, 1.0, float64(out.X), 1e-5)
	assert.InDelta(t, 1.0, float64(n.X), 1e-5)

	_, _, hit = c.Resolve(common.Vec3{X: 1.5}, 0)
	assert.False(t, hit)
}

func TestResolveHeightmapBilinear(t *testing.T) {
	c := Collider{
		Kind: KindHeightmap, FluidInteraction: true, BoneIndex: NoBone,
		Field: &Heightfield{
			CellSize: 1, DimX: 2, DimZ: 2,
			Heights: []float32{0, 1, 0, 1}, // slope rising along +X
		},
	}
	out, n, hit := c.Resolve(common.Vec3{X: 0.5, Y: 0.1, Z: 0.5}, 0)
	require.True(t, hit)
	assert.InDelta(t, 0.5, float64(out.Y), 1e-5, "bilinear height at x=0.5")
	assert.Less(t, float64(n.X), 0.0, "normal leans against the slope")
	assert.Greater(t, float64(n.Y), 0.0)

	_, _, hit = c.Resolve(common.Vec3{X: 0.5, Y: 2, Z: 0.5}, 0)
	assert.False(t, hit)
}

func TestResolveRespectsFluidInteractionFlag(t *testing.T) {
	c := sphere(common.Vec3{}, 1)
	c.FluidInteraction = false
	_, _, hit := c.Resolve(common.Vec3{}, 0)
	assert.False(t, hit)
}

func TestSetCollidersSkipsDegenerateKeepsOrder(t *testing.T) {
	m := NewManager()
	m.SetColliders([]Collider{
		sphere(common.Vec3{X: 1}, 1),
		{Kind: KindSphere, Radius: 0}, // degenerate
		sphere(common.Vec3{X: 2}, 1),
	})
	require.Equal(t, uint32(2), m.ColliderCount())
	cs := m.Colliders()
	assert.Equal(t, float32(1), cs[0].Center.X)
	assert.Equal(t, float32(2), cs[1].Center.X)
}

func TestRefreshBonePosesDoesNotCompound(t *testing.T) {
	m := NewManager()
	c := sphere(common.Vec3{X: 1}, 1)
	c.BoneIndex = 0
	m.SetColliders([]Collider{c})

	bone := make([]float32, 16)
	common.Translation(bone, common.Vec3{X: 5})

	m.RefreshBonePoses([][]float32{bone})
	m.RefreshBonePoses([][]float32{bone})

	got := m.Colliders()[0]
	assert.InDelta(t, 6.0, float64(got.Center.X), 1e-5, "pose derives from local geometry each refresh")
}

func TestDecodeContactsSkipsEmpty(t *testing.T) {
	m := NewManager()
	m.SetColliders([]Collider{
		sphere(common.Vec3{}, 1),
		sphere(common.Vec3{X: 3}, 1),
	})

	contacts := []GPUContact{
		{},
		{Count: 4, Point: [3]float32{1, 2, 3}, Normal: [3]float32{0, 1, 0}, Speed: 2.5},
	}
	data := common.SliceToBytes(contacts)

	events := m.DecodeContacts(data)
	require.Len(t, events, 1)
	assert.Equal(t, uint32(1), events[0].ColliderSlot)
	assert.Equal(t, uint32(4), events[0].Count)
	assert.InDelta(t, 2.5, float64(events[0].Speed), 1e-6)
}

func TestResolveAllAppliesInSlotOrder(t *testing.T) {
	m := NewManager()
	m.SetColliders([]Collider{
		sphere(common.Vec3{}, 1),
		sphere(common.Vec3{X: 1.8}, 1),
	})

	// Pushed out of the first sphere to x=1, which lands inside the second;
	// the second then pushes back toward its near side.
	out, _, slot := m.ResolveAll(common.Vec3{X: 0.9}, 0)
	assert.Equal(t, 1, slot)
	assert.InDelta(t, 0.8, float64(out.X), 1e-5)

	_, _, slot = m.ResolveAll(common.Vec3{X: -5}, 0)
	assert.Equal(t, -1, slot)
}

package boundary

import (
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/gpu"
	"github.com/tidefall-dev/tidefall/sim/collision"
)

type fakeDevice struct{}

func (d *fakeDevice) Raw() *wgpu.Device      { return nil }
func (d *fakeDevice) Queue() *wgpu.Queue     { return nil }
func (d *fakeDevice) Adapter() *wgpu.Adapter { return nil }
func (d *fakeDevice) CreateBuffer(string, uint64, wgpu.BufferUsage) (*wgpu.Buffer, error) {
	return nil, nil
}
func (d *fakeDevice) InitBindGroup(gpu.BindGroupProvider, wgpu.BindGroupLayoutDescriptor, map[int]wgpu.BufferUsage, map[int]uint64) error {
	return nil
}
func (d *fakeDevice) RegisterComputePipeline(gpu.Pipeline, ...gpu.BindGroupProvider) error {
	return nil
}
func (d *fakeDevice) WriteBuffers([]gpu.BufferWrite)                                      {}
func (d *fakeDevice) BeginComputeFrame() error                                            { return nil }
func (d *fakeDevice) DispatchCompute(gpu.Pipeline, []gpu.BindGroupProvider, [3]uint32)    {}
func (d *fakeDevice) CopyBuffer(*wgpu.Buffer, uint64, *wgpu.Buffer, uint64, uint64) error { return nil }
func (d *fakeDevice) EndComputeFrame()                                                    {}
func (d *fakeDevice) Poll(bool)                                                           {}
func (d *fakeDevice) Release()                                                            {}

var _ gpu.Device = &fakeDevice{}

func TestPoseChannelPublishBeforeRead(t *testing.T) {
	c := NewPoseChannel()
	assert.Nil(t, c.Latest(), "empty channel reads nil")

	bones := [][]float32{make([]float32, 16)}
	bones[0][12] = 5
	c.Publish(1, bones)

	snap := c.Latest()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.Frame)
	assert.Equal(t, float32(5), snap.Bones[0][12])

	// Mutating the publisher's buffer after Publish must not affect readers.
	bones[0][12] = 99
	assert.Equal(t, float32(5), snap.Bones[0][12])
}

func TestPoseChannelLatestWins(t *testing.T) {
	c := NewPoseChannel()
	for f := uint64(1); f <= 5; f++ {
		c.Publish(f, [][]float32{make([]float32, 16)})
	}
	assert.Equal(t, uint64(5), c.Latest().Frame)
}

func identityBone() []float32 {
	m := make([]float32, 16)
	m[0], m[5], m[10], m[15] = 1, 1, 1, 1
	return m
}

func translatedBone(v common.Vec3) []float32 {
	m := identityBone()
	m[12], m[13], m[14] = v.X, v.Y, v.Z
	return m
}

func sampleQuad() []GPULocalBoundaryParticle {
	var locals []GPULocalBoundaryParticle
	for _, p := range [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}} {
		locals = append(locals, GPULocalBoundaryParticle{
			LocalPos:    p,
			Volume:      0.001,
			BoneWeights: [4]float32{1, 0, 0, 0},
		})
	}
	return locals
}

func TestOwnerStateMachine(t *testing.T) {
	m := NewSkinningManager()
	require.NoError(t, m.Initialize(&fakeDevice{}, 0, 0))

	assert.Equal(t, OwnerUnregistered, m.OwnerState(1))

	require.NoError(t, m.RegisterOwner(1, sampleQuad(), 1))
	assert.Equal(t, OwnerLocalUploaded, m.OwnerState(1))

	snap := &PoseSnapshot{Frame: 1, Bones: [][]float32{identityBone()}}
	require.NoError(t, m.SetBonePoses(1, snap))
	assert.Equal(t, OwnerSkinned, m.OwnerState(1))

	m.UnregisterOwner(1)
	assert.Equal(t, OwnerUnregistered, m.OwnerState(1))
}

func TestSetBonePosesRejectsUnknownOwnerAndShortPose(t *testing.T) {
	m := NewSkinningManager()
	require.NoError(t, m.Initialize(&fakeDevice{}, 0, 0))

	snap := &PoseSnapshot{Bones: [][]float32{identityBone()}}
	assert.Error(t, m.SetBonePoses(99, snap))

	require.NoError(t, m.RegisterOwner(1, sampleQuad(), 2))
	assert.Error(t, m.SetBonePoses(1, snap), "one bone supplied, two required")
}

func TestEmptyPoseFallsBackToLatest(t *testing.T) {
	m := NewSkinningManager()
	require.NoError(t, m.Initialize(&fakeDevice{}, 0, 0))
	require.NoError(t, m.RegisterOwner(1, sampleQuad(), 1))

	// No pose yet: nothing to fall back to.
	assert.Error(t, m.SetBonePoses(1, nil))

	snap := &PoseSnapshot{Frame: 3, Bones: [][]float32{identityBone()}}
	require.NoError(t, m.SetBonePoses(1, snap))

	// Subsequent empty snapshots reuse the applied pose.
	assert.NoError(t, m.SetBonePoses(1, nil))
	assert.Equal(t, OwnerSkinned, m.OwnerState(1))
}

func TestCombinedAABBTracksPose(t *testing.T) {
	m := NewSkinningManager()
	require.NoError(t, m.Initialize(&fakeDevice{}, 0, 0))
	require.NoError(t, m.RegisterOwner(1, sampleQuad(), 1))

	_, ok := m.CombinedAABB()
	assert.False(t, ok, "no pose, no box")

	offset := common.Vec3{X: 10, Y: 20, Z: 30}
	require.NoError(t, m.SetBonePoses(1, &PoseSnapshot{Bones: [][]float32{translatedBone(offset)}}))

	box, ok := m.CombinedAABB()
	require.True(t, ok)
	assert.InDelta(t, 10, float64(box.Min.X), 1e-5)
	assert.InDelta(t, 11, float64(box.Max.X), 1e-5)
	assert.InDelta(t, 21, float64(box.Max.Y), 1e-5)
}

func TestRelayoutPacksOwnersContiguously(t *testing.T) {
	m := NewSkinningManager()
	require.NoError(t, m.Initialize(&fakeDevice{}, 0, 0))
	require.NoError(t, m.RegisterOwner(1, sampleQuad(), 1))
	require.NoError(t, m.RegisterOwner(2, sampleQuad(), 1))
	assert.Equal(t, uint32(8), m.SampleCount())

	m.UnregisterOwner(1)
	assert.Equal(t, uint32(4), m.SampleCount())
}

func TestGenerationBumpsOnRelayout(t *testing.T) {
	m := NewSkinningManager()
	require.NoError(t, m.Initialize(&fakeDevice{}, 0, 0))

	before := m.Generation()
	require.NoError(t, m.RegisterOwner(1, sampleQuad(), 1))
	afterRegister := m.Generation()
	assert.Greater(t, afterRegister, before, "register relayouts and must bump the generation")

	m.UnregisterOwner(1)
	assert.Greater(t, m.Generation(), afterRegister, "unregister relayouts and must bump the generation")
}

func TestWithinKernelReachUsesRadius(t *testing.T) {
	// Owner 8 units away from the fluid with a 10-unit kernel: its samples
	// influence the fluid and it must not be culled.
	owner := common.AABB{Min: common.Vec3{X: 108}, Max: common.Vec3{X: 110, Y: 2, Z: 2}}
	fluid := common.AABB{Min: common.Vec3{}, Max: common.Vec3{X: 100, Y: 100, Z: 100}}

	assert.True(t, withinKernelReach(owner, fluid, 10))
	assert.False(t, withinKernelReach(owner, fluid, 5))

	// No live fluid box yet: never cull.
	assert.True(t, withinKernelReach(owner, common.AABB{}, 0.01))
}

func TestRegisterOwnerCapacityExceeded(t *testing.T) {
	m := NewSkinningManager()
	require.NoError(t, m.Initialize(&fakeDevice{}, 2, 8))
	err := m.RegisterOwner(1, sampleQuad(), 1)
	require.Error(t, err)
	assert.Equal(t, OwnerUnregistered, m.OwnerState(1))
}

func TestStaticBoundaryCacheHit(t *testing.T) {
	m := NewStaticBoundaryManager(WithSampleSpacing(0.2), WithWorkers(2))
	colliders := []collision.Collider{{
		Kind: collision.KindSphere, Center: common.Vec3{Y: 1}, Radius: 0.5,
		FluidInteraction: true, BoneIndex: collision.NoBone,
	}}

	first := m.Generate(colliders)
	require.NotEmpty(t, first)
	second := m.Generate(colliders)

	// Identical geometry: identical sample sets from the cache.
	sortSamplesByHash(first)
	sortSamplesByHash(second)
	assert.Equal(t, first, second)
}

func TestStaticBoundarySkipsBoneAttachedAndInert(t *testing.T) {
	m := NewStaticBoundaryManager(WithSampleSpacing(0.2))
	colliders := []collision.Collider{
		{Kind: collision.KindSphere, Radius: 0.5, FluidInteraction: true, BoneIndex: 3},
		{Kind: collision.KindSphere, Radius: 0.5, FluidInteraction: false, BoneIndex: collision.NoBone},
	}
	assert.Empty(t, m.Generate(colliders))
}

func TestStaticBoundarySamplesOnSphereSurface(t *testing.T) {
	m := NewStaticBoundaryManager(WithSampleSpacing(0.1))
	center := common.Vec3{X: 1, Y: 2, Z: 3}
	samples := m.Generate([]collision.Collider{{
		Kind: collision.KindSphere, Center: center, Radius: 1,
		FluidInteraction: true, BoneIndex: collision.NoBone,
	}})
	require.NotEmpty(t, samples)
	for _, s := range samples {
		d := common.FromArray(s.Position).Sub(center).Length()
		assert.InDelta(t, 1.0, float64(d), 1e-4)
		assert.InDelta(t, 0.001, float64(s.Volume), 1e-6)
	}
}

func TestSpacingChangeInvalidatesCache(t *testing.T) {
	m := NewStaticBoundaryManager(WithSampleSpacing(0.3))
	colliders := []collision.Collider{{
		Kind: collision.KindSphere, Radius: 0.5,
		FluidInteraction: true, BoneIndex: collision.NoBone,
	}}
	coarse := m.Generate(colliders)
	m.SetSpacing(0.1)
	fine := m.Generate(colliders)
	assert.Greater(t, len(fine), len(coarse))
}

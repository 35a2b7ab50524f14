package particle

import (
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/gpu"
)

// fakeDevice satisfies gpu.Device for staging-level tests. Buffer creation
// succeeds without touching a real adapter; everything else is a no-op.
type fakeDevice struct {
	created []string
}

func (d *fakeDevice) Raw() *wgpu.Device      { return nil }
func (d *fakeDevice) Queue() *wgpu.Queue     { return nil }
func (d *fakeDevice) Adapter() *wgpu.Adapter { return nil }
func (d *fakeDevice) CreateBuffer(label string, size uint64, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	d.created = append(d.created, label)
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

func newTestStore(t *testing.T, capacity uint32) Store {
	t.Helper()
	s := NewStore()
	require.NoError(t, s.Initialize(&fakeDevice{}, capacity))
	return s
}

func TestGPUParticleLayout(t *testing.T) {
	var p GPUParticle
	assert.Equal(t, 80, p.Size())
	assert.Len(t, p.Marshal(), 80)
}

func TestNewGPUParticleDefaults(t *testing.T) {
	p := NewGPUParticle(common.Vec3{X: 1, Y: 2, Z: 3}, common.Vec3{X: 0, Y: -1, Z: 0}, 0.5, 42, 7, 1)
	assert.Equal(t, p.Position, p.Predicted, "predicted starts at position")
	assert.Equal(t, NoAttachment, p.Attachment)
	assert.Equal(t, uint32(0), p.Flags)
	assert.Equal(t, uint32(42), p.ID)
	assert.Equal(t, uint32(7), p.Source)
}

func TestUploadReplaceSetsCount(t *testing.T) {
	s := newTestStore(t, 16)

	batch := []GPUParticle{
		NewGPUParticle(common.Vec3{}, common.Vec3{}, 1, 0, 0, 0),
		NewGPUParticle(common.Vec3{X: 1}, common.Vec3{}, 1, 1, 0, 0),
	}
	require.NoError(t, s.Upload(batch, false))

	writes, err := s.FinalizeUpload()
	require.NoError(t, err)
	require.Len(t, writes, 1)
	assert.Equal(t, uint64(0), writes[0].Offset)
	assert.Len(t, writes[0].Data, 2*GPUParticleSize)
	assert.Equal(t, uint32(2), s.Count())
}

func TestUploadAppendOffsetsAfterLive(t *testing.T) {
	s := newTestStore(t, 16)
	require.NoError(t, s.Upload(make([]GPUParticle, 3), false))
	_, err := s.FinalizeUpload()
	require.NoError(t, err)

	require.NoError(t, s.Upload(make([]GPUParticle, 2), true))
	writes, err := s.FinalizeUpload()
	require.NoError(t, err)
	require.Len(t, writes, 1)
	assert.Equal(t, uint64(3*GPUParticleSize), writes[0].Offset)
	assert.Equal(t, uint32(5), s.Count())
}

func TestUploadReplaceWinsOverStagedAppend(t *testing.T) {
	s := newTestStore(t, 16)
	require.NoError(t, s.Upload(make([]GPUParticle, 3), false))
	_, err := s.FinalizeUpload()
	require.NoError(t, err)

	require.NoError(t, s.Upload(make([]GPUParticle, 2), true))
	require.NoError(t, s.Upload(make([]GPUParticle, 4), false))

	writes, err := s.FinalizeUpload()
	require.NoError(t, err)
	require.Len(t, writes, 1)
	assert.Equal(t, uint64(0), writes[0].Offset)
	assert.Equal(t, uint32(4), s.Count())
}

func TestFinalizeUploadIdempotentWhenEmpty(t *testing.T) {
	s := newTestStore(t, 16)
	writes, err := s.FinalizeUpload()
	require.NoError(t, err)
	assert.Nil(t, writes)

	writes, err = s.FinalizeUpload()
	require.NoError(t, err)
	assert.Nil(t, writes)
	assert.Equal(t, uint32(0), s.Count())
}

func TestCapacityGrowthDoublesAndBumpsGeneration(t *testing.T) {
	s := newTestStore(t, 4)
	gen := s.Generation()

	require.NoError(t, s.Upload(make([]GPUParticle, 10), false))
	_, err := s.FinalizeUpload()
	require.NoError(t, err)

	assert.Equal(t, uint32(16), s.Capacity(), "capacity grows to next power of two")
	assert.Equal(t, uint32(10), s.Count())
	assert.Equal(t, gen+1, s.Generation())
	assert.True(t, s.NeedsRebuild())
	assert.False(t, s.NeedsRebuild(), "rebuild flag clears on read")
}

func TestSetCountClampsToCapacity(t *testing.T) {
	s := newTestStore(t, 8)
	s.SetCount(100)
	assert.Equal(t, uint32(8), s.Count())
}

func TestClearFiresResetHooksAndDropsStaged(t *testing.T) {
	s := newTestStore(t, 8)
	fired := 0
	s.OnReset(func() { fired++ })

	require.NoError(t, s.Upload(make([]GPUParticle, 3), false))
	s.Clear()

	assert.Equal(t, 1, fired)
	assert.Equal(t, uint32(0), s.Count())

	writes, err := s.FinalizeUpload()
	require.NoError(t, err)
	assert.Nil(t, writes, "staged upload dropped by Clear")
}

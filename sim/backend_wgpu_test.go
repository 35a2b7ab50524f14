package sim

import (
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/gpu"
	"github.com/tidefall-dev/tidefall/sim/adhesion"
	"github.com/tidefall-dev/tidefall/sim/boundary"
	"github.com/tidefall-dev/tidefall/sim/collision"
	"github.com/tidefall-dev/tidefall/sim/particle"
)

// recordingDevice satisfies gpu.Device without a GPU and records every staged
// write batch, enough to exercise the backend's wiring paths.
type recordingDevice struct {
	writes [][]gpu.BufferWrite
}

func (d *recordingDevice) Raw() *wgpu.Device      { return nil }
func (d *recordingDevice) Queue() *wgpu.Queue     { return nil }
func (d *recordingDevice) Adapter() *wgpu.Adapter { return nil }
func (d *recordingDevice) CreateBuffer(string, uint64, wgpu.BufferUsage) (*wgpu.Buffer, error) {
	return nil, nil
}
func (d *recordingDevice) InitBindGroup(gpu.BindGroupProvider, wgpu.BindGroupLayoutDescriptor, map[int]wgpu.BufferUsage, map[int]uint64) error {
	return nil
}
func (d *recordingDevice) RegisterComputePipeline(gpu.Pipeline, ...gpu.BindGroupProvider) error {
	return nil
}
func (d *recordingDevice) WriteBuffers(writes []gpu.BufferWrite) {
	d.writes = append(d.writes, writes)
}
func (d *recordingDevice) BeginComputeFrame() error                                         { return nil }
func (d *recordingDevice) DispatchCompute(gpu.Pipeline, []gpu.BindGroupProvider, [3]uint32) {}
func (d *recordingDevice) CopyBuffer(*wgpu.Buffer, uint64, *wgpu.Buffer, uint64, uint64) error {
	return nil
}
func (d *recordingDevice) EndComputeFrame() {}
func (d *recordingDevice) Poll(bool)        {}
func (d *recordingDevice) Release()         {}

var _ gpu.Device = &recordingDevice{}

func TestClearZeroesAdhesionRecords(t *testing.T) {
	// Clearing the population must also zero the adhesion record buffer, or
	// recycled particle slots would wake up already attached to a collider.
	device := &recordingDevice{}
	adh := adhesion.NewManager()
	b, err := newWGPUBackend(device, 64, 128, 16,
		particle.NewStore(), collision.NewManager(), boundary.NewStaticBoundaryManager(),
		boundary.NewSkinningManager(), adh)
	require.NoError(t, err)

	device.writes = nil
	b.clear()

	expected := int(b.store.Capacity()) * adhesion.GPUAdhesionRecordSize
	found := false
	for _, batch := range device.writes {
		for _, w := range batch {
			if len(w.Data) == expected {
				found = true
			}
		}
	}
	assert.True(t, found, "clear must stage a full-size zero write over the adhesion records")
	assert.Equal(t, uint32(0), b.count())
}

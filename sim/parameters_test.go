package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/sim/spatial"
)

func TestDefaultParametersValidate(t *testing.T) {
	require.NoError(t, DefaultParameters().Validate())
}

func TestParametersValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Parameters)
		want   string
	}{
		{
			name:   "zero smoothing radius",
			mutate: func(p *Parameters) { p.SmoothingRadius = 0 },
			want:   "smoothing radius",
		},
		{
			name:   "negative rest density",
			mutate: func(p *Parameters) { p.RestDensity = -1 },
			want:   "rest density",
		},
		{
			name:   "zero iterations",
			mutate: func(p *Parameters) { p.Iterations = 0 },
			want:   "iterations",
		},
		{
			name:   "zero substeps",
			mutate: func(p *Parameters) { p.Substeps = 0 },
			want:   "substeps",
		},
		{
			name: "inverted bounds",
			mutate: func(p *Parameters) {
				p.Bounds = common.AABB{Min: common.Vec3{X: 10}, Max: common.Vec3{X: -10, Y: 1, Z: 1}}
			},
			want: "bounds",
		},
		{
			name: "classic cell below kernel support",
			mutate: func(p *Parameters) {
				p.GridPreset = spatial.GridLarge
				p.SmoothingRadius = 20
			},
			want: "cell size",
		},
		{
			name: "adhesion hysteresis inverted",
			mutate: func(p *Parameters) {
				p.Adhesion.DetachDistance = p.Adhesion.AttachRadius
			},
			want: "detach distance",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParameters()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParametersHybridSkipsCellCheck(t *testing.T) {
	p := DefaultParameters()
	p.GridPreset = spatial.GridLarge
	p.SmoothingRadius = 20
	p.HybridGrid = true
	require.NoError(t, p.Validate())
}

func TestParametersCellSize(t *testing.T) {
	p := DefaultParameters()
	// 2000 wide bounds over a 128^3 grid.
	assert.InDelta(t, 15.625, p.cellSize(), 1e-4)

	p.HybridGrid = true
	assert.InDelta(t, p.SmoothingRadius, p.cellSize(), 1e-6)
}

func TestGPUParamsEncoding(t *testing.T) {
	p := DefaultParameters()
	gp := p.gpuParams(1.0/60, 100, 200, 4096, 2048)

	assert.Equal(t, 128, gp.Size())
	assert.Len(t, gp.Marshal(), 128)

	assert.Equal(t, uint32(100), gp.ParticleCount)
	assert.Equal(t, uint32(200), gp.BoundaryCount)
	assert.Equal(t, uint32(4096), gp.FluidTableSize)
	assert.Equal(t, uint32(2048), gp.BoundaryTableSize)
	assert.InDelta(t, 60.0, gp.InvDt, 1e-3)
	assert.Equal(t, uint32(1), gp.BoundsCollision)
	assert.Equal(t, uint32(0), gp.Hybrid)
	assert.Equal(t, uint32(7), gp.BitsPerAxis)
	assert.Equal(t, p.Bounds.Min.Array(), gp.BoundsMin)
	assert.Equal(t, p.Bounds.Max.Array(), gp.BoundsMax)

	p.HybridGrid = true
	gp = p.gpuParams(0, 0, 0, 0, 0)
	assert.Equal(t, uint32(1), gp.Hybrid)
	assert.Equal(t, float32(0), gp.InvDt)
	assert.InDelta(t, p.SmoothingRadius, gp.CellSize, 1e-6)
}

package adhesion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsValidateHysteresisOrdering(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())

	bad := p
	bad.DetachDistance = bad.AttachRadius
	assert.Error(t, bad.Validate(), "equal thresholds flicker")

	bad = p
	bad.DetachSpeedMin = bad.AttachSpeedMax
	assert.Error(t, bad.Validate())

	bad = p
	bad.AttachRadius = 0
	assert.Error(t, bad.Validate())
}

func TestAttachDetachHysteresisBand(t *testing.T) {
	p := DefaultParams()
	p.AttachRadius = 0.1
	p.DetachDistance = 0.3
	p.AttachSpeedMax = 1.0
	p.DetachSpeedMin = 3.0

	// Inside the attach window.
	assert.True(t, ShouldAttach(p, 0.05, 0.5))

	// In the hysteresis band: too far to attach, too close to detach. A
	// particle's state is sticky here in both directions.
	assert.False(t, ShouldAttach(p, 0.2, 0.5))
	assert.False(t, ShouldDetach(p, 0.2, 0.5))

	// Same band on the speed axis.
	assert.False(t, ShouldAttach(p, 0.05, 2.0))
	assert.False(t, ShouldDetach(p, 0.05, 2.0))

	// Beyond detach thresholds.
	assert.True(t, ShouldDetach(p, 0.4, 0.5))
	assert.True(t, ShouldDetach(p, 0.05, 4.0))
}

func TestDisabledAdhesionDetachesEverything(t *testing.T) {
	p := DefaultParams()
	p.Enabled = false
	assert.False(t, ShouldAttach(p, 0.01, 0.0))
	assert.True(t, ShouldDetach(p, 0.01, 0.0))
}

func TestParamsUniformEncoding(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetParams(Params{
		AttachRadius:   0.1,
		DetachDistance: 0.2,
		AttachSpeedMax: 1,
		DetachSpeedMin: 2,
		Stickiness:     0.5,
		NudgeBlend:     0.9,
		Enabled:        true,
	}))

	u := m.ParamsUniform()
	assert.Equal(t, 32, u.Size())
	assert.Len(t, u.Marshal(), 32)
	assert.Equal(t, uint32(1), u.Enabled)
	assert.Equal(t, float32(0.2), u.DetachDistance)
}

func TestSetParamsRejectsInvalid(t *testing.T) {
	m := NewManager()
	before := m.Params()
	err := m.SetParams(Params{AttachRadius: 0.2, DetachDistance: 0.1, AttachSpeedMax: 1, DetachSpeedMin: 2})
	require.Error(t, err)
	assert.Equal(t, before, m.Params(), "invalid params leave state untouched")
}

func TestGPUAdhesionRecordLayout(t *testing.T) {
	var r GPUAdhesionRecord
	assert.Equal(t, 48, r.Size())
	assert.Len(t, r.Marshal(), 48)
}

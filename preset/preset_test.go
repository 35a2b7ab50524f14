package preset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/sim"
)

func TestDefaultsParseAndValidate(t *testing.T) {
	lib := Defaults()
	require.Equal(t, []string{"lava", "slime", "water"}, lib.Names())

	// Every embedded material must yield parameters the simulator accepts.
	for _, name := range lib.Names() {
		m, err := lib.Get(name)
		require.NoError(t, err)
		p := m.Apply(sim.DefaultParameters())
		assert.NoError(t, p.Validate(), "preset %s", name)
	}
}

func TestGetUnknownPreset(t *testing.T) {
	_, err := Defaults().Get("mercury")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mercury")
}

func TestApplyLeavesWorldConfigUntouched(t *testing.T) {
	base := sim.DefaultParameters()
	m, err := Defaults().Get("slime")
	require.NoError(t, err)

	p := m.Apply(base)
	assert.Equal(t, base.Gravity, p.Gravity)
	assert.Equal(t, base.Bounds, p.Bounds)
	assert.Equal(t, base.GridPreset, p.GridPreset)
	assert.Equal(t, m.Viscosity, p.Viscosity)
	assert.Equal(t, m.Adhesion.Stickiness, p.Adhesion.Stickiness)
}

func TestLoadCustomFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "materials.yaml")
	data := []byte(`presets:
  honey:
    smoothing_radius: 12
    rest_density: 1.4
    particle_radius: 3
    viscosity: 0.8
    boundary_viscosity: 0.4
    cohesion: 0.1
    relaxation: 1
    iterations: 4
    adhesion:
      attach_radius: 4
      detach_distance: 8
      attach_speed_max: 20
      detach_speed_min: 60
      stickiness: 0.9
      nudge_blend: 0.5
      enabled: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	lib, err := Load(path)
	require.NoError(t, err)
	m, err := lib.Get("honey")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, m.Viscosity, 1e-6)
	assert.True(t, m.Adhesion.Enabled)
}

func TestLoadRejectsEmptyLibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("presets: {}\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

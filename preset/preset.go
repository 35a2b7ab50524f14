// Package preset ships material coefficient tables for common fluids. The
// defaults are embedded; callers can also load their own YAML files with the
// same schema.
package preset

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tidefall-dev/tidefall/sim"
	"github.com/tidefall-dev/tidefall/sim/adhesion"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Adhesion mirrors adhesion.Params in YAML form.
type Adhesion struct {
	AttachRadius   float32 `yaml:"attach_radius"`
	DetachDistance float32 `yaml:"detach_distance"`
	AttachSpeedMax float32 `yaml:"attach_speed_max"`
	DetachSpeedMin float32 `yaml:"detach_speed_min"`
	Stickiness     float32 `yaml:"stickiness"`
	NudgeBlend     float32 `yaml:"nudge_blend"`
	Enabled        bool    `yaml:"enabled"`
}

// Material is one named coefficient set.
type Material struct {
	SmoothingRadius   float32  `yaml:"smoothing_radius"`
	RestDensity       float32  `yaml:"rest_density"`
	ParticleRadius    float32  `yaml:"particle_radius"`
	Viscosity         float32  `yaml:"viscosity"`
	BoundaryViscosity float32  `yaml:"boundary_viscosity"`
	Cohesion          float32  `yaml:"cohesion"`
	Relaxation        float32  `yaml:"relaxation"`
	Iterations        int      `yaml:"iterations"`
	Adhesion          Adhesion `yaml:"adhesion"`
}

// Apply overlays the material's coefficients onto a parameter set, leaving
// world configuration (gravity, bounds, grid) untouched.
//
// Parameters:
//   - p: the parameters to modify
//
// Returns:
//   - sim.Parameters: the parameters with material coefficients applied
func (m Material) Apply(p sim.Parameters) sim.Parameters {
	p.SmoothingRadius = m.SmoothingRadius
	p.RestDensity = m.RestDensity
	p.ParticleRadius = m.ParticleRadius
	p.Viscosity = m.Viscosity
	p.BoundaryViscosity = m.BoundaryViscosity
	p.Cohesion = m.Cohesion
	p.Relaxation = m.Relaxation
	p.Iterations = m.Iterations
	p.Adhesion = adhesion.Params{
		AttachRadius:   m.Adhesion.AttachRadius,
		DetachDistance: m.Adhesion.DetachDistance,
		AttachSpeedMax: m.Adhesion.AttachSpeedMax,
		DetachSpeedMin: m.Adhesion.DetachSpeedMin,
		Stickiness:     m.Adhesion.Stickiness,
		NudgeBlend:     m.Adhesion.NudgeBlend,
		Enabled:        m.Adhesion.Enabled,
	}
	return p
}

type file struct {
	Presets map[string]Material `yaml:"presets"`
}

// Library is a named set of materials.
type Library struct {
	materials map[string]Material
}

// Defaults returns the embedded material library.
//
// Returns:
//   - *Library: the library with the built-in water, slime, and lava presets
func Defaults() *Library {
	lib, err := parse(defaultsYAML)
	if err != nil {
		// The embedded table is validated by tests; a parse failure here is a
		// build defect.
		panic(fmt.Sprintf("embedded presets invalid: %v", err))
	}
	return lib
}

// Load reads a material library from a YAML file.
//
// Parameters:
//   - path: the YAML file path
//
// Returns:
//   - *Library: the parsed library
//   - error: an error if the file cannot be read or parsed
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Library, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse presets: %w", err)
	}
	if len(f.Presets) == 0 {
		return nil, fmt.Errorf("preset file defines no presets")
	}
	return &Library{materials: f.Presets}, nil
}

// Get returns a material by name.
//
// Parameters:
//   - name: the preset name
//
// Returns:
//   - Material: the material
//   - error: an error if the name is unknown
func (l *Library) Get(name string) (Material, error) {
	m, ok := l.materials[name]
	if !ok {
		return Material{}, fmt.Errorf("unknown preset %q (have %v)", name, l.Names())
	}
	return m, nil
}

// Names returns the sorted preset names.
//
// Returns:
//   - []string: the names
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.materials))
	for name := range l.materials {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

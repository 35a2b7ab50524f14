// Package shaders embeds the WGSL compute shaders for the fluid pipeline.
// Each shader's bind group layout is fixed and mirrored by the Go-side
// gpu_types structs in the manager packages; keep the two in sync when
// editing either.
package shaders

import (
	"embed"
	"fmt"
)

//go:embed assets/*.wgsl
var assets embed.FS

// Shader names, one per compute pass, in rough pipeline order.
const (
	SpawnAppend     = "spawn_append"
	Predict         = "predict"
	Morton          = "morton"
	RadixCount      = "radix_count"
	RadixScan       = "radix_scan"
	RadixScatter    = "radix_scatter"
	CellClear       = "cell_clear"
	CellBounds      = "cell_bounds"
	BoundarySkin    = "boundary_skin"
	DensityLambda   = "density_lambda"
	PositionCorrect = "position_correct"
	Viscosity       = "viscosity"
	Finalize        = "finalize"
	AdhesionUpdate  = "adhesion_update"
)

// Source returns the WGSL source for a named shader.
//
// Parameters:
//   - name: one of the shader name constants
//
// Returns:
//   - string: the WGSL source
//   - error: an error if the shader is not embedded
func Source(name string) (string, error) {
	data, err := assets.ReadFile("assets/" + name + ".wgsl")
	if err != nil {
		return "", fmt.Errorf("shader %q not embedded: %w", name, err)
	}
	return string(data), nil
}

// MustSource returns the WGSL source for a named shader, panicking if it is
// missing. Shaders are compiled into the binary, so a miss is a build defect.
//
// Parameters:
//   - name: one of the shader name constants
//
// Returns:
//   - string: the WGSL source
func MustSource(name string) string {
	src, err := Source(name)
	if err != nil {
		panic(err)
	}
	return src
}

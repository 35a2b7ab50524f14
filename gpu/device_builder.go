package gpu

import "github.com/cogentcore/webgpu/wgpu"

// DeviceBuilderOption is a functional option used to configure a Device during construction.
type DeviceBuilderOption func(*deviceImpl)

// WithLabel sets the debug label used for the wgpu device.
//
// Parameters:
//   - label: the debug label
//
// Returns:
//   - DeviceBuilderOption: a function that sets the device label
func WithLabel(label string) DeviceBuilderOption {
	return func(d *deviceImpl) {
		d.label = label
	}
}

// WithForceFallbackAdapter forces selection of the fallback (software) adapter.
// Useful for CI environments without a hardware GPU.
//
// Returns:
//   - DeviceBuilderOption: a function that enables the fallback adapter
func WithForceFallbackAdapter() DeviceBuilderOption {
	return func(d *deviceImpl) {
		d.forceFallbackAdapter = true
	}
}

// WithCompatibleSurface requests an adapter compatible with the given surface.
// Only needed when the device is shared with a render surface (e.g. the viewer
// example); headless simulation leaves this unset.
//
// Parameters:
//   - surface: the wgpu surface the adapter must be compatible with
//
// Returns:
//   - DeviceBuilderOption: a function that sets the compatible surface
func WithCompatibleSurface(surface *wgpu.Surface) DeviceBuilderOption {
	return func(d *deviceImpl) {
		d.surface = surface
	}
}

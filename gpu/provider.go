package gpu

import (
	"github.com/cogentcore/webgpu/wgpu"
)

// bindGroupProvider is the unexported implementation of BindGroupProvider.
type bindGroupProvider struct {
	// label is a debug label added for convenience.
	label string

	// The following fields are GPU allocated resources and must be released when no
	// longer needed. They are populated by the Device during initialization, not by
	// user-creation.

	// bindGroup is the GPU bind group created for this provider, or nil if not initialized with the Device.
	bindGroup *wgpu.BindGroup
	// bindGroupLayout is the GPU bind group layout created for this provider, or nil if not initialized with the Device.
	bindGroupLayout *wgpu.BindGroupLayout
	// buffers holds the GPU buffers created for this provider, keyed by binding index.
	buffers map[int]*wgpu.Buffer
	// shared marks binding indices whose buffers are owned by another provider.
	// Shared buffers are skipped during Release so the owning provider frees them
	// exactly once.
	shared map[int]bool

	// generation increments every time a buffer on this provider is replaced
	// (capacity growth, clear-and-rebuild). Consumers that cached a buffer
	// pointer compare generations before reading to avoid referencing a
	// resized-away buffer.
	generation uint64
}

// BindGroupProvider defines the interface for components that require GPU bind group resources.
// Each simulation manager holds one provider per compute pass to describe the pass's buffer
// bindings. The Device then uses the provider to initialize and update GPU resources.
//
// Usage pattern:
//  1. Manager creates a BindGroupProvider with a debug label
//  2. Manager shares cross-pass buffers via ShareBuffer before initialization
//  3. Device.InitBindGroup(provider, descriptor, ...) creates missing buffers and the bind group
//  4. Manager stages BufferWrite batches; Device.WriteBuffers flushes them
//  5. Device.DispatchCompute binds the provider's BindGroup for the pass
type BindGroupProvider interface {
	// Release releases any GPU resources held by this provider.
	// Buffers registered through ShareBuffer are skipped; their owner releases them.
	Release()

	// Label returns the debug label for this provider.
	//
	// Returns:
	//   - string: the debug label
	Label() string

	// BindGroup returns the created bind group for shader binding.
	// Returns nil if GPU resources have not been initialized.
	//
	// Returns:
	//   - *wgpu.BindGroup: the bind group or nil
	BindGroup() *wgpu.BindGroup

	// BindGroupLayout returns the created bind group layout for this provider.
	// Returns nil if GPU resources have not been initialized.
	//
	// Returns:
	//   - *wgpu.BindGroupLayout: the bind group layout or nil
	BindGroupLayout() *wgpu.BindGroupLayout

	// Buffer returns the GPU buffer for a specific binding, or nil if not set.
	//
	// Parameters:
	//   - binding: the binding index
	//
	// Returns:
	//   - *wgpu.Buffer: the buffer or nil
	Buffer(binding int) *wgpu.Buffer

	// Buffers returns a map of all buffers associated with this provider, keyed by binding index.
	//
	// Returns:
	//   - map[int]*wgpu.Buffer: a map of buffers keyed by binding index
	Buffers() map[int]*wgpu.Buffer

	// Generation returns the provider's buffer generation counter. The counter
	// increments whenever SetBuffer or ShareBuffer replaces an existing buffer,
	// letting consumers detect that a cached buffer pointer went stale.
	//
	// Returns:
	//   - uint64: the current generation
	Generation() uint64

	// SetBindGroup sets the bind group after GPU initialization.
	// Called by Device.InitBindGroup().
	//
	// Parameters:
	//   - bg: the created bind group
	SetBindGroup(bg *wgpu.BindGroup)

	// SetBindGroupLayout sets the bind group layout after GPU initialization.
	// Called by Device.InitBindGroup().
	//
	// Parameters:
	//   - bgl: the created bind group layout
	SetBindGroupLayout(bgl *wgpu.BindGroupLayout)

	// SetBuffer stores an owned GPU buffer for a specific binding.
	// Replacing an existing buffer bumps the generation counter.
	//
	// Parameters:
	//   - binding: the binding index
	//   - buf: the created buffer
	SetBuffer(binding int, buf *wgpu.Buffer)

	// ShareBuffer stores a buffer owned by another provider at the given binding.
	// Shared buffers participate in the bind group but are not released by this
	// provider. Replacing an existing buffer bumps the generation counter.
	//
	// Parameters:
	//   - binding: the binding index
	//   - buf: the externally owned buffer
	ShareBuffer(binding int, buf *wgpu.Buffer)

	// InvalidateBindGroup releases the bind group (but not the layout or buffers)
	// so that InitBindGroup rebuilds it on the next frame. Called after a buffer
	// at any binding has been replaced.
	InvalidateBindGroup()
}

// Compile-time check that bindGroupProvider implements BindGroupProvider
var _ BindGroupProvider = &bindGroupProvider{}

// NewBindGroupProvider creates a new BindGroupProvider with the provided debug label.
//
// Parameters:
//   - label: a debug label used in buffer and bind group names
//
// Returns:
//   - BindGroupProvider: a new instance of BindGroupProvider
func NewBindGroupProvider(label string) BindGroupProvider {
	return &bindGroupProvider{
		label:   label,
		buffers: make(map[int]*wgpu.Buffer),
		shared:  make(map[int]bool),
	}
}

func (p *bindGroupProvider) Label() string {
	return p.label
}

func (p *bindGroupProvider) BindGroup() *wgpu.BindGroup {
	return p.bindGroup
}

func (p *bindGroupProvider) BindGroupLayout() *wgpu.BindGroupLayout {
	return p.bindGroupLayout
}

func (p *bindGroupProvider) Buffer(binding int) *wgpu.Buffer {
	return p.buffers[binding]
}

func (p *bindGroupProvider) Buffers() map[int]*wgpu.Buffer {
	return p.buffers
}

func (p *bindGroupProvider) Generation() uint64 {
	return p.generation
}

func (p *bindGroupProvider) SetBindGroup(bg *wgpu.BindGroup) {
	p.bindGroup = bg
}

func (p *bindGroupProvider) SetBindGroupLayout(bgl *wgpu.BindGroupLayout) {
	p.bindGroupLayout = bgl
}

func (p *bindGroupProvider) SetBuffer(binding int, buf *wgpu.Buffer) {
	if p.buffers[binding] != nil {
		p.generation++
	}
	p.buffers[binding] = buf
	p.shared[binding] = false
}

func (p *bindGroupProvider) ShareBuffer(binding int, buf *wgpu.Buffer) {
	if p.buffers[binding] != nil {
		p.generation++
	}
	p.buffers[binding] = buf
	p.shared[binding] = true
}

func (p *bindGroupProvider) InvalidateBindGroup() {
	if p.bindGroup != nil {
		p.bindGroup.Release()
		p.bindGroup = nil
	}
}

func (p *bindGroupProvider) Release() {
	for i, buf := range p.buffers {
		if buf != nil && !p.shared[i] {
			buf.Release()
		}
		delete(p.buffers, i)
		delete(p.shared, i)
	}

	if p.bindGroup != nil {
		p.bindGroup.Release()
		p.bindGroup = nil
	}
	if p.bindGroupLayout != nil {
		p.bindGroupLayout.Release()
		p.bindGroupLayout = nil
	}
}

package gpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
)

// deviceImpl is the unexported implementation of Device.
// It wraps the wgpu instance/adapter/device/queue chain and owns the per-frame
// compute command encoder. All methods are safe for concurrent use; dispatch
// encoding is serialized by the mutex.
type deviceImpl struct {
	mu *sync.Mutex

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// Compute frame state for batching all compute dispatches into a single GPU submission
	computeFrameEncoder *wgpu.CommandEncoder

	label                string
	forceFallbackAdapter bool
	surface              *wgpu.Surface
}

// Device is the compute-focused GPU device abstraction. It batches compute
// dispatches into per-frame command submissions, creates buffers and bind
// groups from providers, and flushes staged buffer writes.
type Device interface {
	// Raw returns the underlying wgpu device, used by the readback ring and
	// by render-side consumers (e.g. a particle viewer) that need direct access.
	//
	// Returns:
	//   - *wgpu.Device: the wgpu device
	Raw() *wgpu.Device

	// Queue returns the underlying wgpu queue.
	//
	// Returns:
	//   - *wgpu.Queue: the wgpu queue
	Queue() *wgpu.Queue

	// Adapter returns the underlying wgpu adapter.
	//
	// Returns:
	//   - *wgpu.Adapter: the wgpu adapter
	Adapter() *wgpu.Adapter

	// CreateBuffer creates a GPU buffer with the given label, size, and usage.
	// Used for buffers not tied to a single provider (ping-pong sort buffers,
	// readback staging).
	//
	// Parameters:
	//   - label: debug label for the buffer
	//   - size: buffer size in bytes
	//   - usage: wgpu buffer usage flags
	//
	// Returns:
	//   - *wgpu.Buffer: the created buffer
	//   - error: an error if creation fails
	CreateBuffer(label string, size uint64, usage wgpu.BufferUsage) (*wgpu.Buffer, error)

	// InitBindGroup creates GPU buffers and a bind group based on a BindGroupProvider's
	// layout descriptor. Buffers already present on the provider (owned or shared) are
	// reused; missing ones are created with usage derived from the descriptor entry,
	// optionally extended by bufferUsageOverrides, and sized by bufferSizeOverrides.
	//
	// Parameters:
	//   - provider: the BindGroupProvider describing the layout entries and storage for the bind group
	//   - descriptor: the BindGroupLayoutDescriptor describing the layout of the bind group
	//   - bufferUsageOverrides: a map of binding indices to additional buffer usage flags
	//   - bufferSizeOverrides: a map of binding indices to buffer sizes
	//
	// Returns:
	//   - error: an error if the bind group could not be initialized, otherwise nil
	InitBindGroup(provider BindGroupProvider, descriptor wgpu.BindGroupLayoutDescriptor, bufferUsageOverrides map[int]wgpu.BufferUsage, bufferSizeOverrides map[int]uint64) error

	// RegisterComputePipeline creates the compute pipeline for p using the bind group
	// layouts of the given providers (group index = slice index). InitBindGroup must
	// have been called on each provider first.
	//
	// Parameters:
	//   - p: the pipeline holding the compute shader
	//   - providers: providers whose layouts form the pipeline layout, in group order
	//
	// Returns:
	//   - error: an error if the pipeline could not be created, otherwise nil
	RegisterComputePipeline(p Pipeline, providers ...BindGroupProvider) error

	// WriteBuffers writes all staged buffer writes to the GPU queue.
	// Each BufferWrite targets a specific buffer on a BindGroupProvider at a given binding and offset.
	//
	// Parameters:
	//   - writes: a slice of BufferWrite structs describing the data to write
	WriteBuffers(writes []BufferWrite)

	// BeginComputeFrame creates a single command encoder for batching all compute dispatches
	// within a frame into one GPU submission. Must be paired with EndComputeFrame after all
	// DispatchCompute calls for the frame.
	//
	// Returns:
	//   - error: an error if the command encoder could not be created
	BeginComputeFrame() error

	// DispatchCompute encodes a compute pass within the current batched compute frame.
	// BeginComputeFrame must be called before any DispatchCompute calls.
	//
	// Parameters:
	//   - p: the registered Pipeline containing the compute pipeline to dispatch
	//   - providers: the BindGroupProviders whose BindGroups are set on the pass, in group order
	//   - workGroupCount: the number of workgroups to dispatch in the x, y, and z dimensions
	DispatchCompute(p Pipeline, providers []BindGroupProvider, workGroupCount [3]uint32)

	// CopyBuffer encodes a buffer-to-buffer copy within the current compute frame.
	// Used for double-buffer rotation and readback staging; ordering relative to the
	// surrounding dispatches is preserved by the encoder.
	//
	// Parameters:
	//   - src: source buffer
	//   - srcOffset: byte offset into the source
	//   - dst: destination buffer
	//   - dstOffset: byte offset into the destination
	//   - size: number of bytes to copy
	//
	// Returns:
	//   - error: an error if no compute frame is open or the copy could not be encoded
	CopyBuffer(src *wgpu.Buffer, srcOffset uint64, dst *wgpu.Buffer, dstOffset, size uint64) error

	// EndComputeFrame finishes the batched compute command encoder and submits the resulting
	// command buffer to the GPU queue. Must be called after BeginComputeFrame and all
	// DispatchCompute calls for the frame.
	EndComputeFrame()

	// Poll pumps the device's callback queue. Non-waiting polls complete any finished
	// async map operations; a waiting poll blocks until the queue is idle.
	//
	// Parameters:
	//   - wait: true to block until all submitted work completes
	Poll(wait bool)

	// Release releases the device, queue, adapter, and instance.
	Release()
}

var _ Device = &deviceImpl{}

// NewDevice creates a Device with the provided options. Unlike a windowed
// renderer, no surface is required; the device is usable for headless compute.
//
// Parameters:
//   - options: functional options for device configuration
//
// Returns:
//   - Device: the created device
//   - error: an error if no adapter or device could be acquired
func NewDevice(options ...DeviceBuilderOption) (Device, error) {
	runtime.LockOSThread()

	d := &deviceImpl{
		mu:    &sync.Mutex{},
		label: "tidefall device",
	}
	for _, opt := range options {
		opt(d)
	}

	d.instance = wgpu.CreateInstance(nil)

	adapter, err := d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		ForceFallbackAdapter: d.forceFallbackAdapter,
		CompatibleSurface:    d.surface,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire GPU adapter: %w", err)
	}
	d.adapter = adapter

	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: d.label,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire GPU device: %w", err)
	}
	d.device = device
	d.queue = device.GetQueue()

	return d, nil
}

func (d *deviceImpl) Raw() *wgpu.Device {
	return d.device
}

func (d *deviceImpl) Queue() *wgpu.Queue {
	return d.queue
}

func (d *deviceImpl) Adapter() *wgpu.Adapter {
	return d.adapter
}

func (d *deviceImpl) CreateBuffer(label string, size uint64, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	if size == 0 {
		return nil, errors.New("buffer size must be non-zero")
	}
	return d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
}

func (d *deviceImpl) InitBindGroup(provider BindGroupProvider, descriptor wgpu.BindGroupLayoutDescriptor, bufferUsageOverrides map[int]wgpu.BufferUsage, bufferSizeOverrides map[int]uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(descriptor.Entries) == 0 {
		return nil
	}

	layout := provider.BindGroupLayout()
	if layout == nil {
		var err error
		layout, err = d.device.CreateBindGroupLayout(&descriptor)
		if err != nil {
			return err
		}
		provider.SetBindGroupLayout(layout)
	}

	bindGroupEntries := make([]wgpu.BindGroupEntry, len(descriptor.Entries))
	for i, entry := range descriptor.Entries {
		binding := int(entry.Binding)

		var usage wgpu.BufferUsage
		switch entry.Buffer.Type {
		case wgpu.BufferBindingTypeUniform:
			usage = wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
		case wgpu.BufferBindingTypeStorage:
			usage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
		case wgpu.BufferBindingTypeReadOnlyStorage:
			usage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
		}
		if overrideUsage, ok := bufferUsageOverrides[binding]; ok {
			usage |= overrideUsage
		}

		buf := provider.Buffer(binding)
		if buf == nil {
			bufSize := entry.Buffer.MinBindingSize
			if overrideSize, ok := bufferSizeOverrides[binding]; ok {
				bufSize = overrideSize
			}
			created, bufErr := d.device.CreateBuffer(&wgpu.BufferDescriptor{
				Label: fmt.Sprintf("%s buffer %d", provider.Label(), binding),
				Size:  bufSize,
				Usage: usage,
			})
			if bufErr != nil {
				return bufErr
			}
			provider.SetBuffer(binding, created)
			buf = created
		}
		bindGroupEntries[i] = wgpu.BindGroupEntry{
			Binding: entry.Binding,
			Buffer:  buf,
			Offset:  0,
			Size:    wgpu.WholeSize,
		}
	}

	bindGroup, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   provider.Label() + " bind group",
		Layout:  layout,
		Entries: bindGroupEntries,
	})
	if err != nil {
		return err
	}
	provider.SetBindGroup(bindGroup)

	return nil
}

func (d *deviceImpl) RegisterComputePipeline(p Pipeline, providers ...BindGroupProvider) error {
	if p.Shader() == nil {
		return errors.New("compute shader must be set to create a compute pipeline")
	}

	s := p.Shader()
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: s.Key(),
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: s.Source(),
		},
	})
	if err != nil {
		return err
	}

	bindGroupLayouts := make([]*wgpu.BindGroupLayout, len(providers))
	for g, provider := range providers {
		layout := provider.BindGroupLayout()
		if layout == nil {
			return fmt.Errorf("provider %q has no bind group layout — call InitBindGroup first", provider.Label())
		}
		bindGroupLayouts[g] = layout
	}

	layout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            p.PipelineKey(),
		BindGroupLayouts: bindGroupLayouts,
	})
	if err != nil {
		return err
	}

	created, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  p.PipelineKey() + " compute pipeline",
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: s.EntryPoint(),
		},
	})
	if err != nil {
		return err
	}

	p.SetComputePipeline(created)

	return nil
}

func (d *deviceImpl) WriteBuffers(writes []BufferWrite) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range writes {
		buf := w.target()
		if buf == nil || len(w.Data) == 0 {
			continue
		}
		d.queue.WriteBuffer(buf, w.Offset, w.Data)
	}
}

func (d *deviceImpl) BeginComputeFrame() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.computeFrameEncoder != nil {
		return errors.New("compute frame already open")
	}
	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	d.computeFrameEncoder = encoder
	return nil
}

func (d *deviceImpl) DispatchCompute(p Pipeline, providers []BindGroupProvider, workGroupCount [3]uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.computeFrameEncoder == nil || p.Pipeline() == nil {
		return
	}

	pass := d.computeFrameEncoder.BeginComputePass(nil)
	pass.SetPipeline(p.Pipeline())
	for g, provider := range providers {
		pass.SetBindGroup(uint32(g), provider.BindGroup(), nil)
	}
	pass.DispatchWorkgroups(workGroupCount[0], workGroupCount[1], workGroupCount[2])
	pass.End()
}

func (d *deviceImpl) CopyBuffer(src *wgpu.Buffer, srcOffset uint64, dst *wgpu.Buffer, dstOffset, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.computeFrameEncoder == nil {
		return errors.New("no compute frame open")
	}
	return d.computeFrameEncoder.CopyBufferToBuffer(src, srcOffset, dst, dstOffset, size)
}

func (d *deviceImpl) EndComputeFrame() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.computeFrameEncoder == nil {
		return
	}

	commandBuffer, err := d.computeFrameEncoder.Finish(nil)
	d.computeFrameEncoder = nil
	if err != nil {
		return
	}

	d.queue.Submit(commandBuffer)
}

func (d *deviceImpl) Poll(wait bool) {
	d.device.Poll(wait, nil)
}

func (d *deviceImpl) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
	d.queue = nil
}

package adhesion

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/tidefall-dev/tidefall/gpu"
)

// Params are the adhesion thresholds. Detach thresholds must be strictly
// wider than their attach counterparts so particles at the boundary of the
// attach condition do not flicker between states.
type Params struct {
	// AttachRadius is the surface distance below which a slow particle attaches.
	AttachRadius float32
	// DetachDistance is the surface distance above which an attached particle
	// releases. Must be strictly greater than AttachRadius.
	DetachDistance float32
	// AttachSpeedMax is the relative surface speed below which attachment is
	// allowed.
	AttachSpeedMax float32
	// DetachSpeedMin is the relative surface speed above which an attached
	// particle is torn off. Must be strictly greater than AttachSpeedMax.
	DetachSpeedMin float32
	// Stickiness scales the position pull toward the attachment point, 0..1.
	Stickiness float32
	// NudgeBlend scales how much of the surface velocity is injected into
	// attached particles at sim start, 0..1.
	NudgeBlend float32
	// Enabled gates the whole pass.
	Enabled bool
}

// DefaultParams returns the adhesion defaults for a water-like material.
//
// Returns:
//   - Params: the defaults
func DefaultParams() Params {
	return Params{
		AttachRadius:   0.05,
		DetachDistance: 0.15,
		AttachSpeedMax: 0.5,
		DetachSpeedMin: 2.0,
		Stickiness:     0.6,
		NudgeBlend:     0.8,
		Enabled:        true,
	}
}

// Validate checks the hysteresis ordering of the thresholds.
//
// Returns:
//   - error: an error describing the first violated constraint, or nil
func (p Params) Validate() error {
	if p.AttachRadius <= 0 {
		return fmt.Errorf("attach radius must be positive, got %g", p.AttachRadius)
	}
	if p.DetachDistance <= p.AttachRadius {
		return fmt.Errorf("detach distance %g must exceed attach radius %g", p.DetachDistance, p.AttachRadius)
	}
	if p.DetachSpeedMin <= p.AttachSpeedMax {
		return fmt.Errorf("detach speed %g must exceed attach speed %g", p.DetachSpeedMin, p.AttachSpeedMax)
	}
	return nil
}

// ShouldAttach reports whether an unattached particle at the given surface
// distance and relative speed attaches this frame.
//
// Parameters:
//   - p: the thresholds
//   - surfaceDist: distance to the nearest adhesive surface
//   - relSpeed: speed relative to that surface
//
// Returns:
//   - bool: true to attach
func ShouldAttach(p Params, surfaceDist, relSpeed float32) bool {
	return p.Enabled && surfaceDist <= p.AttachRadius && relSpeed <= p.AttachSpeedMax
}

// ShouldDetach reports whether an attached particle at the given surface
// distance and relative speed releases this frame. The wider thresholds mean
// a particle that just attached cannot immediately detach.
//
// Parameters:
//   - p: the thresholds
//   - surfaceDist: distance to the attachment surface
//   - relSpeed: speed relative to that surface
//
// Returns:
//   - bool: true to detach
func ShouldDetach(p Params, surfaceDist, relSpeed float32) bool {
	if !p.Enabled {
		return true
	}
	return surfaceDist > p.DetachDistance || relSpeed > p.DetachSpeedMin
}

// manager is the unexported implementation of Manager.
type manager struct {
	mu *sync.Mutex

	device gpu.Device
	params Params

	recordBuffer *wgpu.Buffer
	capacity     uint32
	generation   uint64
	paramsDirty  bool
}

// Manager owns the adhesion record buffer and thresholds. Attach/detach
// decisions run on the GPU inside the adhesion pass; the manager supplies the
// records storage, the uniform parameters, and the CPU reference predicates.
type Manager interface {
	// Initialize creates the record buffer sized for the particle capacity.
	//
	// Parameters:
	//   - device: the GPU device
	//   - particleCapacity: particle slot count (records are 1:1)
	//
	// Returns:
	//   - error: an error if buffer creation fails
	Initialize(device gpu.Device, particleCapacity uint32) error

	// EnsureCapacity grows the record buffer to match a grown particle store.
	// Existing attachments are dropped; particles re-attach within a frame.
	//
	// Parameters:
	//   - particleCapacity: the new particle capacity
	//
	// Returns:
	//   - error: an error if buffer recreation fails
	EnsureCapacity(particleCapacity uint32) error

	// SetParams replaces the thresholds after validating hysteresis ordering.
	//
	// Parameters:
	//   - p: the new thresholds
	//
	// Returns:
	//   - error: an error if the thresholds violate hysteresis ordering
	SetParams(p Params) error

	// Params returns the current thresholds.
	//
	// Returns:
	//   - Params: the thresholds
	Params() Params

	// ParamsUniform returns the GPU uniform encoding of the thresholds.
	//
	// Returns:
	//   - GPUAdhesionParams: the uniform block
	ParamsUniform() GPUAdhesionParams

	// RecordBuffer returns the attachment record buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the record buffer
	RecordBuffer() *wgpu.Buffer

	// ClearRecordsWrite returns a write that zeroes all records, used when the
	// particle store clears.
	//
	// Returns:
	//   - gpu.BufferWrite: the zeroing write
	ClearRecordsWrite() gpu.BufferWrite

	// Generation returns the buffer generation, bumped on every rebuild.
	//
	// Returns:
	//   - uint64: the current generation
	Generation() uint64

	// Release frees the record buffer.
	Release()
}

var _ Manager = &manager{}

// NewManager creates an uninitialized adhesion Manager with default thresholds.
//
// Returns:
//   - Manager: the manager; call Initialize before use
func NewManager() Manager {
	return &manager{
		mu:     &sync.Mutex{},
		params: DefaultParams(),
	}
}

func (m *manager) Initialize(device gpu.Device, particleCapacity uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if particleCapacity == 0 {
		particleCapacity = 1024
	}
	m.device = device
	return m.createBuffer(particleCapacity)
}

func (m *manager) createBuffer(capacity uint32) error {
	buf, err := m.device.CreateBuffer("adhesion records",
		uint64(capacity)*GPUAdhesionRecordSize,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return fmt.Errorf("failed to create adhesion record buffer: %w", err)
	}
	m.recordBuffer = buf
	m.capacity = capacity
	return nil
}

func (m *manager) EnsureCapacity(particleCapacity uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if particleCapacity <= m.capacity {
		return nil
	}
	if m.recordBuffer != nil {
		m.recordBuffer.Release()
		m.recordBuffer = nil
	}
	if err := m.createBuffer(particleCapacity); err != nil {
		return err
	}
	m.generation++
	return nil
}

func (m *manager) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = p
	m.paramsDirty = true
	return nil
}

func (m *manager) Params() Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

func (m *manager) ParamsUniform() GPUAdhesionParams {
	m.mu.Lock()
	defer m.mu.Unlock()

	enabled := uint32(0)
	if m.params.Enabled {
		enabled = 1
	}
	return GPUAdhesionParams{
		AttachRadius:   m.params.AttachRadius,
		DetachDistance: m.params.DetachDistance,
		AttachSpeedMax: m.params.AttachSpeedMax,
		DetachSpeedMin: m.params.DetachSpeedMin,
		Stickiness:     m.params.Stickiness,
		NudgeBlend:     m.params.NudgeBlend,
		Enabled:        enabled,
	}
}

func (m *manager) RecordBuffer() *wgpu.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordBuffer
}

func (m *manager) ClearRecordsWrite() gpu.BufferWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gpu.BufferWrite{
		Buffer: m.recordBuffer,
		Data:   make([]byte, uint64(m.capacity)*GPUAdhesionRecordSize),
	}
}

func (m *manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordBuffer != nil {
		m.recordBuffer.Release()
		m.recordBuffer = nil
	}
}

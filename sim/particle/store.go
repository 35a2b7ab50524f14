package particle

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/gpu"
)

// store is the unexported implementation of Store.
type store struct {
	mu *sync.Mutex

	device   gpu.Device
	buffer   *wgpu.Buffer
	capacity uint32
	count    uint32

	// pending holds particles staged by Upload until FinalizeUpload converts
	// them into queue writes. pendingAppend distinguishes append from replace.
	pending       []GPUParticle
	pendingAppend bool
	hasPending    bool

	needsRebuild bool
	generation   uint64

	resetHooks []func()
}

// Store owns the persistent particle buffer and its CPU staging path. The
// buffer outlives individual frames; other managers share it into their bind
// groups and must revalidate after Generation changes.
type Store interface {
	// Initialize creates the particle buffer for the given capacity.
	//
	// Parameters:
	//   - device: the GPU device
	//   - capacity: maximum particle count before growth
	//
	// Returns:
	//   - error: an error if the buffer could not be created
	Initialize(device gpu.Device, capacity uint32) error

	// Buffer returns the particle storage buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the particle buffer
	Buffer() *wgpu.Buffer

	// Capacity returns the current particle capacity.
	//
	// Returns:
	//   - uint32: the capacity
	Capacity() uint32

	// Count returns the live particle count.
	//
	// Returns:
	//   - uint32: the count
	Count() uint32

	// SetCount updates the live count after GPU-side spawn/despawn passes
	// report their result. Counts beyond capacity are clamped and logged.
	//
	// Parameters:
	//   - n: the new live count
	SetCount(n uint32)

	// Upload stages particles for the next FinalizeUpload. With append true
	// the batch lands after the current live particles; otherwise it replaces
	// the whole population. Staging twice before finalizing merges appends and
	// lets a replace win over prior stages.
	//
	// Parameters:
	//   - particles: the particle records to upload
	//   - append: true to append, false to replace
	//
	// Returns:
	//   - error: an error if the final population would exceed a grown capacity limit
	Upload(particles []GPUParticle, append bool) error

	// FinalizeUpload converts staged particles into queue writes against the
	// particle buffer and updates the live count. Growth is handled first:
	// when the staged population exceeds capacity the buffer is rebuilt at the
	// next power of two and Generation increments. Calling with nothing staged
	// returns no writes; the operation is idempotent.
	//
	// Returns:
	//   - []gpu.BufferWrite: writes to flush via Device.WriteBuffers
	//   - error: an error if a required rebuild fails
	FinalizeUpload() ([]gpu.BufferWrite, error)

	// Download stages an async readback of the live particle range into the
	// ring. Returns false without error when the ring has no free slot.
	//
	// Parameters:
	//   - ring: the readback ring (staged inside an open compute frame)
	//
	// Returns:
	//   - bool: true if the readback was staged
	//   - error: an error if staging fails
	Download(ring gpu.ReadbackRing) (bool, error)

	// TryLatest returns the most recent completed particle readback, or false
	// when none has completed yet. The returned slice is a copy.
	//
	// Parameters:
	//   - ring: the readback ring used with Download
	//
	// Returns:
	//   - []GPUParticle: the particles from the latest completed readback
	//   - bool: true if a readback was available
	TryLatest(ring gpu.ReadbackRing) ([]GPUParticle, bool)

	// GetAllGPUParticles synchronously reads the full live particle range,
	// stalling until the GPU completes. Intended for save-style snapshots, not
	// per-frame use.
	//
	// Parameters:
	//   - ring: the readback ring providing the synchronous path
	//
	// Returns:
	//   - []GPUParticle: all live particles
	//   - error: an error if the readback fails
	GetAllGPUParticles(ring gpu.ReadbackRing) ([]GPUParticle, error)

	// OnReset registers a hook invoked by Clear. Dependent managers register
	// cache invalidation here so a cleared store never leaves stale neighbor
	// or attachment state behind.
	//
	// Parameters:
	//   - hook: the function to invoke on Clear
	OnReset(hook func())

	// Clear drops all particles and staged uploads and fires reset hooks. The
	// buffer itself is retained.
	Clear()

	// Generation returns the buffer generation, bumped on every rebuild.
	//
	// Returns:
	//   - uint64: the current generation
	Generation() uint64

	// NeedsRebuild reports and clears the rebuild flag set by capacity growth.
	// The orchestrator checks this each frame to re-share the particle buffer
	// into dependent bind groups.
	//
	// Returns:
	//   - bool: true if the buffer was replaced since the last check
	NeedsRebuild() bool

	// Release frees the particle buffer.
	Release()
}

var _ Store = &store{}

// NewStore creates an uninitialized Store.
//
// Returns:
//   - Store: the store; call Initialize before use
func NewStore() Store {
	return &store{mu: &sync.Mutex{}}
}

func (s *store) Initialize(device gpu.Device, capacity uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if capacity == 0 {
		capacity = 1024
	}
	s.device = device
	return s.createBuffer(capacity)
}

func (s *store) createBuffer(capacity uint32) error {
	buf, err := s.device.CreateBuffer("particles", uint64(capacity)*GPUParticleSize,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst|wgpu.BufferUsageCopySrc)
	if err != nil {
		return fmt.Errorf("failed to create particle buffer: %w", err)
	}
	s.buffer = buf
	s.capacity = capacity
	return nil
}

func (s *store) Buffer() *wgpu.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

func (s *store) Capacity() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

func (s *store) Count() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *store) SetCount(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.capacity {
		log.Printf("[ParticleStore] reported count %d exceeds capacity %d, clamping", n, s.capacity)
		n = s.capacity
	}
	s.count = n
}

func (s *store) Upload(particles []GPUParticle, appendMode bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !appendMode {
		s.pending = s.pending[:0]
		s.pendingAppend = false
	} else if !s.hasPending {
		s.pendingAppend = true
	}
	s.pending = append(s.pending, particles...)
	s.hasPending = true
	return nil
}

func (s *store) FinalizeUpload() ([]gpu.BufferWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasPending {
		return nil, nil
	}

	base := uint32(0)
	if s.pendingAppend {
		base = s.count
	}
	required := base + uint32(len(s.pending))
	if required > s.capacity {
		if err := s.grow(required); err != nil {
			return nil, err
		}
	}

	var writes []gpu.BufferWrite
	if len(s.pending) > 0 {
		data := make([]byte, len(s.pending)*GPUParticleSize)
		copy(data, common.SliceToBytes(s.pending))
		writes = append(writes, gpu.BufferWrite{
			Buffer: s.buffer,
			Offset: uint64(base) * GPUParticleSize,
			Data:   data,
		})
	}
	s.count = required
	s.pending = s.pending[:0]
	s.hasPending = false
	s.pendingAppend = false
	return writes, nil
}

// grow rebuilds the buffer at the next power of two at or above required.
// GPU-resident particle state is NOT copied; growth happens at upload
// boundaries where the caller re-uploads or re-runs the frame's passes.
func (s *store) grow(required uint32) error {
	newCap := common.NextPow2(required)
	log.Printf("[ParticleStore] growing capacity %d -> %d", s.capacity, newCap)

	old := s.buffer
	if err := s.createBuffer(newCap); err != nil {
		s.buffer = old
		return err
	}
	if old != nil {
		old.Release()
	}
	s.generation++
	s.needsRebuild = true
	return nil
}

func (s *store) Download(ring gpu.ReadbackRing) (bool, error) {
	s.mu.Lock()
	count := s.count
	buf := s.buffer
	s.mu.Unlock()

	if count == 0 {
		return false, nil
	}
	return ring.Stage(buf, uint64(count)*GPUParticleSize)
}

func (s *store) TryLatest(ring gpu.ReadbackRing) ([]GPUParticle, bool) {
	data, ok := ring.TryLatest()
	if !ok {
		return nil, false
	}
	particles := make([]GPUParticle, len(data)/GPUParticleSize)
	copy(particles, common.BytesToSlice[GPUParticle](data))
	return particles, true
}

func (s *store) GetAllGPUParticles(ring gpu.ReadbackRing) ([]GPUParticle, error) {
	s.mu.Lock()
	count := s.count
	buf := s.buffer
	s.mu.Unlock()

	if count == 0 {
		return nil, nil
	}
	data, err := ring.ReadSync(buf, uint64(count)*GPUParticleSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read particle buffer: %w", err)
	}
	if len(data) < int(count)*GPUParticleSize {
		return nil, errors.New("short particle readback")
	}
	particles := make([]GPUParticle, count)
	copy(particles, common.BytesToSlice[GPUParticle](data))
	return particles, nil
}

func (s *store) OnReset(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetHooks = append(s.resetHooks, hook)
}

func (s *store) Clear() {
	s.mu.Lock()
	s.count = 0
	s.pending = s.pending[:0]
	s.hasPending = false
	s.pendingAppend = false
	hooks := append([]func(){}, s.resetHooks...)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

func (s *store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *store) NeedsRebuild() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.needsRebuild
	s.needsRebuild = false
	return r
}

func (s *store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer != nil {
		s.buffer.Release()
		s.buffer = nil
	}
}

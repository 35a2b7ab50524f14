package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
)

// readbackSlotState tracks a slot through the copy → map → ready cycle.
type readbackSlotState int

const (
	slotFree readbackSlotState = iota
	slotStaged
	slotMapping
)

// readbackSlot is one staging buffer in the ring.
type readbackSlot struct {
	buffer   *wgpu.Buffer
	capacity uint64
	size     uint64
	state    readbackSlotState
	frame    uint64
}

// readbackRing is the unexported implementation of ReadbackRing.
// Three slots cycle through copy/map/ready so a consumer never blocks: it
// either receives the most recent completed snapshot or a "not ready" signal.
type readbackRing struct {
	mu     *sync.Mutex
	device Device
	label  string

	slots [3]*readbackSlot
	frame uint64

	latest      []byte
	latestFrame uint64
	hasLatest   bool
}

// ReadbackRing provides asynchronous GPU→CPU buffer readback through a ring of
// three staging buffers. Stage encodes a copy inside the current compute frame;
// Flush (after submission) begins async mapping; TryLatest returns the newest
// completed snapshot without blocking. ReadSync is the one blocking escape
// hatch for contexts that need an immediate consistent snapshot.
type ReadbackRing interface {
	// Stage encodes a copy of src into the next free staging slot. Must be
	// called between Device.BeginComputeFrame and Device.EndComputeFrame so the
	// copy observes this frame's dispatches. If no slot is free (all three are
	// still mapping), the request is dropped; the consumer keeps the previous
	// snapshot.
	//
	// Parameters:
	//   - src: the GPU buffer to read back (must have CopySrc usage)
	//   - size: number of bytes to copy
	//
	// Returns:
	//   - bool: true if the copy was staged, false if the request was dropped
	//   - error: an error if no compute frame is open or buffer creation fails
	Stage(src *wgpu.Buffer, size uint64) (bool, error)

	// Flush begins asynchronous mapping of all staged slots. Must be called
	// after Device.EndComputeFrame for the frame in which Stage was called.
	// Completion is driven by Device.Poll; call Poll(false) once per frame.
	Flush()

	// TryLatest returns the most recent completed snapshot, or (nil, false) if
	// no readback has completed yet. The returned slice is immutable: the ring
	// replaces rather than overwrites it on later completions, so callers may
	// read it without holding any lock.
	//
	// Returns:
	//   - []byte: the snapshot bytes, or nil
	//   - bool: true if a completed snapshot exists
	TryLatest() ([]byte, bool)

	// LatestFrame returns the ring-relative frame counter of the snapshot
	// returned by TryLatest, for consumers that need to detect staleness.
	//
	// Returns:
	//   - uint64: the frame counter at which the latest snapshot was staged
	LatestFrame() uint64

	// ReadSync performs a blocking readback of src outside the frame cycle.
	// It submits its own copy command and stalls until the GPU completes.
	// Intended for save-style snapshots only.
	//
	// Parameters:
	//   - src: the GPU buffer to read back (must have CopySrc usage)
	//   - size: number of bytes to copy
	//
	// Returns:
	//   - []byte: a freshly allocated copy of the buffer contents
	//   - error: an error if the copy or map fails
	ReadSync(src *wgpu.Buffer, size uint64) ([]byte, error)

	// Release releases all staging buffers.
	Release()
}

var _ ReadbackRing = &readbackRing{}

// NewReadbackRing creates a ReadbackRing on the given device.
//
// Parameters:
//   - device: the Device used for staging buffer creation and copies
//   - label: debug label prefix for the staging buffers
//
// Returns:
//   - ReadbackRing: the created ring
func NewReadbackRing(device Device, label string) ReadbackRing {
	r := &readbackRing{
		mu:     &sync.Mutex{},
		device: device,
		label:  label,
	}
	for i := range r.slots {
		r.slots[i] = &readbackSlot{}
	}
	return r
}

// ensureCapacity lazily (re)creates a slot's staging buffer to hold size bytes.
// Capacity only grows; shrinking would churn allocations on alternating sizes.
func (r *readbackRing) ensureCapacity(slot *readbackSlot, size uint64) error {
	if slot.capacity >= size && slot.buffer != nil {
		return nil
	}
	if slot.buffer != nil {
		slot.buffer.Release()
		slot.buffer = nil
	}
	buf, err := r.device.CreateBuffer(
		fmt.Sprintf("%s readback staging", r.label),
		size,
		wgpu.BufferUsageMapRead|wgpu.BufferUsageCopyDst,
	)
	if err != nil {
		return err
	}
	slot.buffer = buf
	slot.capacity = size
	return nil
}

func (r *readbackRing) Stage(src *wgpu.Buffer, size uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if src == nil || size == 0 {
		return false, errors.New("readback source must be non-nil and non-empty")
	}

	var slot *readbackSlot
	for _, s := range r.slots {
		if s.state == slotFree {
			slot = s
			break
		}
	}
	if slot == nil {
		// All slots in flight. Best-effort: drop this frame's request.
		return false, nil
	}

	if err := r.ensureCapacity(slot, size); err != nil {
		return false, err
	}
	if err := r.device.CopyBuffer(src, 0, slot.buffer, 0, size); err != nil {
		return false, err
	}

	r.frame++
	slot.size = size
	slot.frame = r.frame
	slot.state = slotStaged
	return true, nil
}

func (r *readbackRing) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.slots {
		if s.state != slotStaged {
			continue
		}
		slot := s
		slot.state = slotMapping
		err := slot.buffer.MapAsync(wgpu.MapModeRead, 0, slot.size, func(status wgpu.BufferMapAsyncStatus) {
			// Runs inside Device.Poll, never concurrently with itself.
			r.mu.Lock()
			defer r.mu.Unlock()

			if status == wgpu.BufferMapAsyncStatusSuccess {
				view := slot.buffer.GetMappedRange(0, uint(slot.size))
				r.storeSnapshot(view, slot.frame)
			}
			slot.buffer.Unmap()
			slot.state = slotFree
		})
		if err != nil {
			slot.state = slotFree
		}
	}
}

// storeSnapshot publishes a completed readback as the latest snapshot. Caller
// must hold r.mu. A fresh allocation every completion: TryLatest hands the
// previous slice to consumers that may still be reading it outside the lock,
// so the old backing array must never be overwritten.
func (r *readbackRing) storeSnapshot(view []byte, frame uint64) {
	if frame < r.latestFrame {
		return
	}
	snapshot := make([]byte, len(view))
	copy(snapshot, view)
	r.latest = snapshot
	r.latestFrame = frame
	r.hasLatest = true
}

func (r *readbackRing) TryLatest() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasLatest {
		return nil, false
	}
	return r.latest, true
}

func (r *readbackRing) LatestFrame() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestFrame
}

func (r *readbackRing) ReadSync(src *wgpu.Buffer, size uint64) ([]byte, error) {
	if src == nil || size == 0 {
		return nil, errors.New("readback source must be non-nil and non-empty")
	}

	staging, err := r.device.CreateBuffer(r.label+" sync readback", size, wgpu.BufferUsageMapRead|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	defer staging.Release()

	encoder, err := r.device.Raw().CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	if err := encoder.CopyBufferToBuffer(src, 0, staging, 0, size); err != nil {
		return nil, err
	}
	commandBuffer, err := encoder.Finish(nil)
	if err != nil {
		return nil, err
	}
	r.device.Queue().Submit(commandBuffer)

	var (
		out     []byte
		mapErr  error
		mapDone bool
	)
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status == wgpu.BufferMapAsyncStatusSuccess {
			view := staging.GetMappedRange(0, uint(size))
			out = make([]byte, len(view))
			copy(out, view)
		} else {
			mapErr = fmt.Errorf("readback map failed with status %v", status)
		}
		staging.Unmap()
		mapDone = true
	})
	if err != nil {
		return nil, err
	}

	for !mapDone {
		r.device.Poll(true)
	}
	return out, mapErr
}

func (r *readbackRing) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.slots {
		if s.buffer != nil {
			s.buffer.Release()
			s.buffer = nil
		}
		s.state = slotFree
	}
	r.latest = nil
	r.hasLatest = false
}

package collision

import (
	"log"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/gpu"
)

// ContactEvent is one decoded per-collider feedback entry for game-side
// reactions (sounds, splashes, gameplay triggers).
type ContactEvent struct {
	// ColliderSlot is the index into the uploaded collider set.
	ColliderSlot uint32
	// OwnerID is the owning object of the collider.
	OwnerID uint32
	// Count is the number of particle contacts recorded this frame, capped by
	// the per-collider limit.
	Count uint32
	// Point, Normal, Speed describe one representative contact.
	Point  common.Vec3
	Normal common.Vec3
	Speed  float32
}

// manager is the unexported implementation of Manager.
type manager struct {
	mu *sync.Mutex

	device gpu.Device

	// colliders as last set, post-validation, in slot order.
	colliders []Collider
	// locals keeps bone-attached colliders' untransformed geometry so bone
	// pose refreshes re-derive world geometry instead of compounding.
	locals map[int]Collider

	packed    []GPUCollider
	planes    []GPUPlane
	heights   []float32
	dirty     bool
	skipCount int

	colliderBuffer *wgpu.Buffer
	planeBuffer    *wgpu.Buffer
	heightBuffer   *wgpu.Buffer
	contactBuffer  *wgpu.Buffer

	colliderCap uint32
	planeCap    uint32
	heightCap   uint32

	generation uint64

	maxContacts    uint32
	cooldownFrames uint32
}

// Manager owns the collider set and its GPU buffers, validates geometry at
// upload, and decodes per-collider contact feedback.
type Manager interface {
	// Initialize creates the collider, plane, heightfield, and contact buffers.
	//
	// Parameters:
	//   - device: the GPU device
	//   - maxColliders: initial collider capacity
	//
	// Returns:
	//   - error: an error if buffer creation fails
	Initialize(device gpu.Device, maxColliders uint32) error

	// SetColliders replaces the collider set. Degenerate primitives are
	// skipped with a log line; surviving colliders keep their relative order,
	// so feedback slots are stable for a stable input set.
	//
	// Parameters:
	//   - colliders: the new collider set
	SetColliders(colliders []Collider)

	// RefreshBonePoses re-derives world geometry for bone-attached colliders
	// from the given bone matrices (column-major 16-float, world-from-bone).
	// Colliders whose bone index is out of range keep their previous pose.
	//
	// Parameters:
	//   - bones: bone matrices indexed by collider BoneIndex
	RefreshBonePoses(bones [][]float32)

	// FinalizeUpload packs the collider set into staged buffer writes,
	// growing buffers as needed. Returns no writes when nothing changed.
	//
	// Returns:
	//   - []gpu.BufferWrite: writes to flush via Device.WriteBuffers
	//   - error: an error if a buffer rebuild fails
	FinalizeUpload() ([]gpu.BufferWrite, error)

	// ClearContactsWrite returns the write that zeroes the contact buffer,
	// staged at the start of every simulated frame.
	//
	// Returns:
	//   - gpu.BufferWrite: the zeroing write
	ClearContactsWrite() gpu.BufferWrite

	// DecodeContacts converts a contact buffer readback into events, skipping
	// colliders with no contacts.
	//
	// Parameters:
	//   - data: raw contact buffer bytes from the readback ring
	//
	// Returns:
	//   - []ContactEvent: events for colliders that recorded contacts
	DecodeContacts(data []byte) []ContactEvent

	// ResolveAll applies every interactive collider to a point, in slot order.
	// This is the CPU reference used by the CPU backend and the scenario tests.
	//
	// Parameters:
	//   - p: the point to resolve
	//   - particleRadius: fluid particle radius
	//
	// Returns:
	//   - common.Vec3: the corrected position
	//   - common.Vec3: the last contact normal (zero when no contact)
	//   - int: the slot of the last contacting collider, -1 when none
	ResolveAll(p common.Vec3, particleRadius float32) (common.Vec3, common.Vec3, int)

	// Colliders returns the current validated collider set.
	//
	// Returns:
	//   - []Collider: the collider set in slot order (shared, do not modify)
	Colliders() []Collider

	// ColliderCount returns the number of uploaded colliders.
	//
	// Returns:
	//   - uint32: the collider count
	ColliderCount() uint32

	// ColliderBuffer returns the packed collider buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the collider buffer
	ColliderBuffer() *wgpu.Buffer

	// PlaneBuffer returns the convex hull plane buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the plane buffer
	PlaneBuffer() *wgpu.Buffer

	// HeightBuffer returns the heightfield sample buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the heightfield buffer
	HeightBuffer() *wgpu.Buffer

	// ContactBuffer returns the per-collider contact feedback buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the contact buffer
	ContactBuffer() *wgpu.Buffer

	// Generation returns the buffer generation, bumped on every rebuild.
	//
	// Returns:
	//   - uint64: the current generation
	Generation() uint64

	// MaxContactsPerCollider returns the per-frame feedback cap.
	//
	// Returns:
	//   - uint32: the cap
	MaxContactsPerCollider() uint32

	// CooldownFrames returns the per-particle contact cooldown in frames.
	//
	// Returns:
	//   - uint32: the cooldown
	CooldownFrames() uint32

	// Release frees all GPU buffers owned by the manager.
	Release()
}

var _ Manager = &manager{}

// ManagerBuilderOption configures a Manager at construction.
type ManagerBuilderOption func(*manager)

// WithMaxContactsPerCollider sets the per-frame feedback cap per collider.
//
// Parameters:
//   - n: the cap (default 64)
//
// Returns:
//   - ManagerBuilderOption: the option
func WithMaxContactsPerCollider(n uint32) ManagerBuilderOption {
	return func(m *manager) {
		m.maxContacts = n
	}
}

// WithContactCooldown sets how many frames a particle waits between feedback
// contributions, limiting duplicate events from resting contact.
//
// Parameters:
//   - frames: the cooldown frame count (default 30)
//
// Returns:
//   - ManagerBuilderOption: the option
func WithContactCooldown(frames uint32) ManagerBuilderOption {
	return func(m *manager) {
		m.cooldownFrames = frames
	}
}

// NewManager creates an uninitialized collision Manager.
//
// Parameters:
//   - options: functional options
//
// Returns:
//   - Manager: the manager; call Initialize before use
func NewManager(options ...ManagerBuilderOption) Manager {
	m := &manager{
		mu:             &sync.Mutex{},
		locals:         make(map[int]Collider),
		maxContacts:    64,
		cooldownFrames: 30,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *manager) Initialize(device gpu.Device, maxColliders uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxColliders == 0 {
		maxColliders = 64
	}
	m.device = device
	return m.createBuffers(maxColliders, maxColliders*8, 4096)
}

func (m *manager) createBuffers(colliderCap, planeCap, heightCap uint32) error {
	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst

	var err error
	if m.colliderBuffer, err = m.device.CreateBuffer("colliders", uint64(colliderCap)*GPUColliderSize, usage); err != nil {
		return err
	}
	if m.planeBuffer, err = m.device.CreateBuffer("collider planes", uint64(planeCap)*GPUPlaneSize, usage); err != nil {
		return err
	}
	if m.heightBuffer, err = m.device.CreateBuffer("collider heights", uint64(heightCap)*4, usage); err != nil {
		return err
	}
	if m.contactBuffer, err = m.device.CreateBuffer("collider contacts", uint64(colliderCap)*GPUContactSize,
		usage|wgpu.BufferUsageCopySrc); err != nil {
		return err
	}
	m.colliderCap = colliderCap
	m.planeCap = planeCap
	m.heightCap = heightCap
	return nil
}

func (m *manager) SetColliders(colliders []Collider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.colliders = m.colliders[:0]
	m.locals = make(map[int]Collider)
	skipped := 0
	for _, c := range colliders {
		if !c.Validate() {
			skipped++
			continue
		}
		slot := len(m.colliders)
		m.colliders = append(m.colliders, c)
		if c.BoneIndex != NoBone {
			m.locals[slot] = c
		}
	}
	if skipped > 0 && skipped != m.skipCount {
		log.Printf("[CollisionManager] skipped %d degenerate collider(s)", skipped)
	}
	m.skipCount = skipped
	m.dirty = true
}

func (m *manager) RefreshBonePoses(bones [][]float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slot, local := range m.locals {
		if local.BoneIndex >= uint32(len(bones)) {
			continue
		}
		bone := bones[local.BoneIndex]
		c := local
		c.Center = common.TransformPoint(bone, local.Center)
		c.PointA = common.TransformPoint(bone, local.PointA)
		c.PointB = common.TransformPoint(bone, local.PointB)
		if local.Rotation != nil {
			rot := make([]float32, 16)
			common.Mul4(rot, bone, local.Rotation)
			// Keep rotation pure; translation lives in Center.
			rot[12], rot[13], rot[14] = 0, 0, 0
			c.Rotation = rot
		}
		m.colliders[slot] = c
	}
	m.dirty = true
}

// pack flattens the collider set into GPU records and the shared plane and
// height sample pools.
func (m *manager) pack() {
	m.packed = m.packed[:0]
	m.planes = m.planes[:0]
	m.heights = m.heights[:0]

	for _, c := range m.colliders {
		g := GPUCollider{
			Kind:        uint32(c.Kind),
			BoneIndex:   c.BoneIndex,
			OwnerID:     c.OwnerID,
			Friction:    c.Friction,
			Restitution: c.Restitution,
		}
		if c.FluidInteraction {
			g.Flags |= gpuFlagFluidInteraction
		}
		if c.Rotation != nil {
			g.Flags |= gpuFlagHasRotation
			copy(g.Rotation[:], c.Rotation)
		} else {
			g.Rotation[0], g.Rotation[5], g.Rotation[10], g.Rotation[15] = 1, 1, 1, 1
		}

		switch c.Kind {
		case KindSphere:
			g.P0 = c.Center.Array()
			g.R0 = c.Radius
		case KindCapsule:
			g.P0 = c.PointA.Array()
			g.P1 = c.PointB.Array()
			g.R0 = c.Radius
		case KindBox:
			g.P0 = c.Center.Array()
			g.P1 = c.HalfExtents.Array()
		case KindConvexHull:
			g.P0 = c.Center.Array()
			g.PlaneStart = uint32(len(m.planes))
			g.PlaneCount = uint32(len(c.Planes))
			for _, pl := range c.Planes {
				n := pl.Normal.Normalized()
				m.planes = append(m.planes, GPUPlane{Normal: n.Array(), Distance: pl.Distance})
			}
		case KindHeightmap:
			f := c.Field
			g.P0 = f.Origin.Array()
			g.R0 = f.CellSize
			g.PlaneStart = uint32(len(m.heights))
			g.PlaneCount = f.DimX<<16 | f.DimZ
			m.heights = append(m.heights, f.Heights[:f.DimX*f.DimZ]...)
		}
		m.packed = append(m.packed, g)
	}
}

func (m *manager) FinalizeUpload() ([]gpu.BufferWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty {
		return nil, nil
	}
	m.pack()

	if uint32(len(m.packed)) > m.colliderCap ||
		uint32(len(m.planes)) > m.planeCap ||
		uint32(len(m.heights)) > m.heightCap {
		newColliderCap := common.NextPow2(maxU32(uint32(len(m.packed)), m.colliderCap))
		newPlaneCap := common.NextPow2(maxU32(uint32(len(m.planes)), m.planeCap))
		newHeightCap := common.NextPow2(maxU32(uint32(len(m.heights)), m.heightCap))
		log.Printf("[CollisionManager] growing buffers: colliders %d, planes %d, heights %d",
			newColliderCap, newPlaneCap, newHeightCap)
		m.releaseBuffers()
		if err := m.createBuffers(newColliderCap, newPlaneCap, newHeightCap); err != nil {
			return nil, err
		}
		m.generation++
	}

	var writes []gpu.BufferWrite
	stage := func(buf *wgpu.Buffer, src []byte) {
		if len(src) == 0 {
			return
		}
		data := make([]byte, len(src))
		copy(data, src)
		writes = append(writes, gpu.BufferWrite{Buffer: buf, Data: data})
	}
	stage(m.colliderBuffer, common.SliceToBytes(m.packed))
	stage(m.planeBuffer, common.SliceToBytes(m.planes))
	stage(m.heightBuffer, common.SliceToBytes(m.heights))

	m.dirty = false
	return writes, nil
}

func (m *manager) ClearContactsWrite() gpu.BufferWrite {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.colliders)
	if n == 0 {
		n = 1
	}
	return gpu.BufferWrite{
		Buffer: m.contactBuffer,
		Data:   make([]byte, n*GPUContactSize),
	}
}

func (m *manager) DecodeContacts(data []byte) []ContactEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	contacts := common.BytesToSlice[GPUContact](data)
	var events []ContactEvent
	for slot, c := range contacts {
		if c.Count == 0 || slot >= len(m.colliders) {
			continue
		}
		events = append(events, ContactEvent{
			ColliderSlot: uint32(slot),
			OwnerID:      m.colliders[slot].OwnerID,
			Count:        c.Count,
			Point:        common.FromArray(c.Point),
			Normal:       common.FromArray(c.Normal),
			Speed:        c.Speed,
		})
	}
	return events
}

func (m *manager) ResolveAll(p common.Vec3, particleRadius float32) (common.Vec3, common.Vec3, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := p
	var lastNormal common.Vec3
	lastSlot := -1
	for slot := range m.colliders {
		corrected, n, hit := m.colliders[slot].Resolve(out, particleRadius)
		if hit {
			out = corrected
			lastNormal = n
			lastSlot = slot
		}
	}
	return out, lastNormal, lastSlot
}

func (m *manager) Colliders() []Collider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.colliders
}

func (m *manager) ColliderCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.colliders))
}

func (m *manager) ColliderBuffer() *wgpu.Buffer { return m.colliderBuffer }
func (m *manager) PlaneBuffer() *wgpu.Buffer    { return m.planeBuffer }
func (m *manager) HeightBuffer() *wgpu.Buffer   { return m.heightBuffer }
func (m *manager) ContactBuffer() *wgpu.Buffer  { return m.contactBuffer }

func (m *manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *manager) MaxContactsPerCollider() uint32 { return m.maxContacts }
func (m *manager) CooldownFrames() uint32         { return m.cooldownFrames }

func (m *manager) releaseBuffers() {
	for _, buf := range []*wgpu.Buffer{m.colliderBuffer, m.planeBuffer, m.heightBuffer, m.contactBuffer} {
		if buf != nil {
			buf.Release()
		}
	}
	m.colliderBuffer, m.planeBuffer, m.heightBuffer, m.contactBuffer = nil, nil, nil, nil
}

func (m *manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseBuffers()
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

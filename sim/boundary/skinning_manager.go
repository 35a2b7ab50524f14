package boundary

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/gpu"
	"github.com/tidefall-dev/tidefall/sim/shaders"
)

const skinWorkGroupSize = 64

// OwnerState tracks an owner through its lifecycle.
type OwnerState int

const (
	// OwnerUnregistered: the ID is unknown to the manager.
	OwnerUnregistered OwnerState = iota
	// OwnerLocalUploaded: local samples are staged or resident, but no bone
	// pose has been applied yet; the owner is not skinned or simulated.
	OwnerLocalUploaded
	// OwnerSkinned: bone poses arrive per frame and the skin pass runs.
	OwnerSkinned
)

// owner is one registered animated mesh.
type owner struct {
	id        uint32
	state     OwnerState
	locals    []GPULocalBoundaryParticle
	boneCount uint32

	// Region assignment in the combined buffers, recomputed on layout changes.
	sampleOffset uint32
	boneOffset   uint32

	// Latest applied pose and the AABB derived from it.
	pose     *PoseSnapshot
	aabb     common.AABB
	hasPose  bool
	provider gpu.BindGroupProvider
}

// skinningManager is the unexported implementation of SkinningManager.
type skinningManager struct {
	mu *sync.Mutex

	device gpu.Device

	owners map[uint32]*owner

	localBuffer  *wgpu.Buffer
	boneBuffer   *wgpu.Buffer
	worldPosVol  *wgpu.Buffer
	worldVel     *wgpu.Buffer
	prevWorldPos *wgpu.Buffer

	sampleCap   uint32
	boneCap     uint32
	usedSamples uint32
	usedBones   uint32

	pipe gpu.Pipeline

	layoutDirty     bool
	pendingWrites   []gpu.BufferWrite
	generation      uint64
	emptyPoseLogged bool
}

// SkinningManager owns animated boundary geometry. Owners register once with
// their bind-pose surface samples; each frame the manager stages fresh bone
// matrices and encodes one GPU skin dispatch per owner whose AABB overlaps
// the fluid. The previous frame's world positions are retained so the skin
// pass can emit boundary velocities.
type SkinningManager interface {
	// Initialize creates the combined local, bone, and world buffers.
	//
	// Parameters:
	//   - device: the GPU device
	//   - maxSamples: combined boundary sample capacity
	//   - maxBones: combined bone capacity
	//
	// Returns:
	//   - error: an error if buffer or pipeline creation fails
	Initialize(device gpu.Device, maxSamples, maxBones uint32) error

	// RegisterOwner adds an animated mesh's bind-pose samples. The owner
	// enters LocalUploaded; it is skinned only after its first SetBonePoses.
	// Registering an existing ID replaces its samples.
	//
	// Parameters:
	//   - id: the owner ID
	//   - locals: bind-pose surface samples with bone influences
	//   - boneCount: number of bones in the owner's skeleton
	//
	// Returns:
	//   - error: an error if capacity is exceeded
	RegisterOwner(id uint32, locals []GPULocalBoundaryParticle, boneCount uint32) error

	// UnregisterOwner removes an owner and compacts the buffer layout.
	//
	// Parameters:
	//   - id: the owner ID
	UnregisterOwner(id uint32)

	// OwnerState reports an owner's lifecycle state.
	//
	// Parameters:
	//   - id: the owner ID
	//
	// Returns:
	//   - OwnerState: the state (OwnerUnregistered for unknown IDs)
	OwnerState(id uint32) OwnerState

	// SetBonePoses applies a pose snapshot to an owner: stages the bone matrix
	// upload, recomputes the owner AABB, and promotes LocalUploaded owners to
	// Skinned. A nil snapshot keeps the previous pose (logged once per burst).
	//
	// Parameters:
	//   - id: the owner ID
	//   - snap: the pose snapshot, or nil to reuse the latest applied pose
	//
	// Returns:
	//   - error: an error if the owner is unregistered or bone counts mismatch
	SetBonePoses(id uint32, snap *PoseSnapshot) error

	// FinalizeUpload returns all staged writes (local re-layouts, bone poses)
	// and clears the staging list.
	//
	// Returns:
	//   - []gpu.BufferWrite: writes to flush via Device.WriteBuffers
	//   - error: an error if a required bind group rebuild fails
	FinalizeUpload() ([]gpu.BufferWrite, error)

	// EncodeSkin encodes skin dispatches for every Skinned owner whose AABB,
	// expanded by the kernel radius, overlaps fluidAABB. Must run inside an
	// open compute frame, before the solver passes.
	//
	// Parameters:
	//   - fluidAABB: bounding box of the live fluid
	//   - kernelRadius: the smoothing radius, the reach of boundary influence
	//   - invDt: 1/dt for boundary velocity derivation
	//
	// Returns:
	//   - error: an error if uniform staging fails
	EncodeSkin(fluidAABB common.AABB, kernelRadius, invDt float32) error

	// EncodeRetain copies this frame's world positions into the previous-frame
	// buffer. Must run inside the compute frame, after the solver passes.
	//
	// Returns:
	//   - error: an error if the copy could not be encoded
	EncodeRetain() error

	// WorldPositionBuffer returns the combined (position, volume) vec4 buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the world position buffer
	WorldPositionBuffer() *wgpu.Buffer

	// WorldVelocityBuffer returns the combined (velocity, 0) vec4 buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the world velocity buffer
	WorldVelocityBuffer() *wgpu.Buffer

	// SampleCount returns the combined number of registered boundary samples.
	//
	// Returns:
	//   - uint32: the sample count
	SampleCount() uint32

	// CombinedAABB returns the union of all skinned owners' AABBs.
	//
	// Returns:
	//   - common.AABB: the union box
	//   - bool: false when no owner has a pose yet
	CombinedAABB() (common.AABB, bool)

	// Generation returns the buffer generation, bumped on layout rebuilds.
	//
	// Returns:
	//   - uint64: the current generation
	Generation() uint64

	// Release frees all GPU resources.
	Release()
}

var _ SkinningManager = &skinningManager{}

// NewSkinningManager creates an uninitialized SkinningManager.
//
// Returns:
//   - SkinningManager: the manager; call Initialize before use
func NewSkinningManager() SkinningManager {
	return &skinningManager{
		mu:     &sync.Mutex{},
		owners: make(map[uint32]*owner),
	}
}

func (m *skinningManager) Initialize(device gpu.Device, maxSamples, maxBones uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxSamples == 0 {
		maxSamples = 4096
	}
	if maxBones == 0 {
		maxBones = 256
	}
	m.device = device
	if err := m.createBuffers(maxSamples, maxBones); err != nil {
		return err
	}

	s := gpu.NewShader(shaders.BoundarySkin, shaders.MustSource(shaders.BoundarySkin), "main", skinWorkGroupSize)
	m.pipe = gpu.NewPipeline(shaders.BoundarySkin, s)

	// The pipeline layout is derived from a throwaway provider with the same
	// descriptor every owner provider uses.
	proto := gpu.NewBindGroupProvider("boundary skin proto")
	m.wireProvider(proto)
	if err := m.device.InitBindGroup(proto, skinLayout("boundary skin proto"), nil, nil); err != nil {
		return err
	}
	if err := m.device.RegisterComputePipeline(m.pipe, proto); err != nil {
		return err
	}
	return nil
}

func (m *skinningManager) createBuffers(maxSamples, maxBones uint32) error {
	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst

	var err error
	if m.localBuffer, err = m.device.CreateBuffer("boundary locals",
		uint64(maxSamples)*GPULocalBoundaryParticleSize, usage); err != nil {
		return err
	}
	if m.boneBuffer, err = m.device.CreateBuffer("boundary bones",
		uint64(maxBones)*BoneMatrixSize, usage); err != nil {
		return err
	}
	if m.worldPosVol, err = m.device.CreateBuffer("boundary world positions",
		uint64(maxSamples)*GPUBoundaryWorldStride, usage|wgpu.BufferUsageCopySrc); err != nil {
		return err
	}
	if m.worldVel, err = m.device.CreateBuffer("boundary world velocities",
		uint64(maxSamples)*GPUBoundaryWorldStride, usage); err != nil {
		return err
	}
	if m.prevWorldPos, err = m.device.CreateBuffer("boundary world positions prev",
		uint64(maxSamples)*GPUBoundaryWorldStride, usage); err != nil {
		return err
	}
	m.sampleCap = maxSamples
	m.boneCap = maxBones
	return nil
}

// skinLayout is the bind group layout shared by all owner providers.
func skinLayout(label string) wgpu.BindGroupLayoutDescriptor {
	var params GPUSkinParams
	entry := func(binding uint32, t wgpu.BufferBindingType, minSize uint64) wgpu.BindGroupLayoutEntry {
		return wgpu.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: t, MinBindingSize: minSize},
		}
	}
	return wgpu.BindGroupLayoutDescriptor{
		Label: label,
		Entries: []wgpu.BindGroupLayoutEntry{
			entry(0, wgpu.BufferBindingTypeUniform, uint64(params.Size())),
			entry(1, wgpu.BufferBindingTypeReadOnlyStorage, 0), // locals
			entry(2, wgpu.BufferBindingTypeReadOnlyStorage, 0), // bones
			entry(3, wgpu.BufferBindingTypeStorage, 0),         // world pos+vol
			entry(4, wgpu.BufferBindingTypeStorage, 0),         // world vel
			entry(5, wgpu.BufferBindingTypeReadOnlyStorage, 0), // prev world pos
		},
	}
}

func (m *skinningManager) wireProvider(p gpu.BindGroupProvider) {
	p.ShareBuffer(1, m.localBuffer)
	p.ShareBuffer(2, m.boneBuffer)
	p.ShareBuffer(3, m.worldPosVol)
	p.ShareBuffer(4, m.worldVel)
	p.ShareBuffer(5, m.prevWorldPos)
}

func (m *skinningManager) RegisterOwner(id uint32, locals []GPULocalBoundaryParticle, boneCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.owners[id]; ok {
		if existing.provider != nil {
			existing.provider.Release()
		}
		delete(m.owners, id)
	}

	o := &owner{
		id:        id,
		state:     OwnerLocalUploaded,
		locals:    append([]GPULocalBoundaryParticle(nil), locals...),
		boneCount: boneCount,
	}
	m.owners[id] = o
	m.layoutDirty = true

	if err := m.relayout(); err != nil {
		delete(m.owners, id)
		return err
	}
	return nil
}

func (m *skinningManager) UnregisterOwner(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.owners[id]
	if !ok {
		return
	}
	if o.provider != nil {
		o.provider.Release()
	}
	delete(m.owners, id)
	m.layoutDirty = true
	if err := m.relayout(); err != nil {
		log.Printf("[BoundarySkinning] relayout after unregister failed: %v", err)
	}
}

// relayout packs all owners contiguously, restages every owner's locals, and
// rebuilds per-owner bind groups. Called with the lock held.
func (m *skinningManager) relayout() error {
	ids := make([]uint32, 0, len(m.owners))
	for id := range m.owners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	var sampleOff, boneOff uint32
	for _, id := range ids {
		o := m.owners[id]
		sampleOff += uint32(len(o.locals))
		boneOff += o.boneCount
	}
	if sampleOff > m.sampleCap {
		return fmt.Errorf("boundary sample capacity exceeded: need %d, have %d", sampleOff, m.sampleCap)
	}
	if boneOff > m.boneCap {
		return fmt.Errorf("boundary bone capacity exceeded: need %d, have %d", boneOff, m.boneCap)
	}

	sampleOff, boneOff = 0, 0
	m.pendingWrites = m.pendingWrites[:0]
	for _, id := range ids {
		o := m.owners[id]
		o.sampleOffset = sampleOff
		o.boneOffset = boneOff
		sampleOff += uint32(len(o.locals))
		boneOff += o.boneCount

		if len(o.locals) > 0 {
			data := make([]byte, len(o.locals)*GPULocalBoundaryParticleSize)
			copy(data, common.SliceToBytes(o.locals))
			m.pendingWrites = append(m.pendingWrites, gpu.BufferWrite{
				Buffer: m.localBuffer,
				Offset: uint64(o.sampleOffset) * GPULocalBoundaryParticleSize,
				Data:   data,
			})
		}
		// Re-stage the current pose into the owner's (possibly moved) bone region.
		if o.hasPose {
			m.stageBoneWrite(o)
		}

		if o.provider == nil {
			o.provider = gpu.NewBindGroupProvider(fmt.Sprintf("boundary skin owner %d", id))
			m.wireProvider(o.provider)
			if err := m.device.InitBindGroup(o.provider, skinLayout(o.provider.Label()), nil, nil); err != nil {
				return err
			}
		}
	}
	m.usedSamples = sampleOff
	m.usedBones = boneOff
	m.layoutDirty = false
	m.generation++
	return nil
}

// stageBoneWrite stages the owner's current pose matrices at its bone region.
// Called with the lock held.
func (m *skinningManager) stageBoneWrite(o *owner) {
	data := make([]byte, int(o.boneCount)*BoneMatrixSize)
	for i, bone := range o.pose.Bones {
		if uint32(i) >= o.boneCount {
			break
		}
		copy(data[i*BoneMatrixSize:], common.SliceToBytes(bone))
	}
	m.pendingWrites = append(m.pendingWrites, gpu.BufferWrite{
		Buffer: m.boneBuffer,
		Offset: uint64(o.boneOffset) * BoneMatrixSize,
		Data:   data,
	})
}

func (m *skinningManager) SetBonePoses(id uint32, snap *PoseSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.owners[id]
	if !ok {
		return fmt.Errorf("owner %d is not registered", id)
	}

	if snap == nil {
		// Fall back to the latest applied pose. Valid during animation stalls;
		// logged once so a persistent stall is visible.
		if !o.hasPose {
			return fmt.Errorf("owner %d has no pose to fall back to", id)
		}
		if !m.emptyPoseLogged {
			log.Printf("[BoundarySkinning] owner %d: empty pose snapshot, reusing latest applied pose", id)
			m.emptyPoseLogged = true
		}
		return nil
	}
	m.emptyPoseLogged = false

	if uint32(len(snap.Bones)) < o.boneCount {
		return fmt.Errorf("owner %d pose has %d bones, need %d", id, len(snap.Bones), o.boneCount)
	}

	o.pose = snap
	o.hasPose = true
	o.aabb = poseAABB(o.locals, snap)
	if o.state == OwnerLocalUploaded {
		o.state = OwnerSkinned
	}
	m.stageBoneWrite(o)
	return nil
}

// poseAABB bounds the owner's samples under the given pose, using each
// sample's strongest bone influence. Cheaper than full CPU skinning and tight
// enough for the overlap early-out.
func poseAABB(locals []GPULocalBoundaryParticle, snap *PoseSnapshot) common.AABB {
	if len(locals) == 0 || len(snap.Bones) == 0 {
		return common.AABB{}
	}
	var box common.AABB
	first := true
	for i := range locals {
		l := &locals[i]
		best := 0
		for k := 1; k < 4; k++ {
			if l.BoneWeights[k] > l.BoneWeights[best] {
				best = k
			}
		}
		bone := int(l.BoneIndices[best])
		if bone >= len(snap.Bones) {
			continue
		}
		p := common.TransformPoint(snap.Bones[bone], common.FromArray(l.LocalPos))
		if first {
			box = common.AABB{Min: p, Max: p}
			first = false
			continue
		}
		box = box.Union(common.AABB{Min: p, Max: p})
	}
	return box
}

func (m *skinningManager) FinalizeUpload() ([]gpu.BufferWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.layoutDirty {
		if err := m.relayout(); err != nil {
			return nil, err
		}
	}
	writes := m.pendingWrites
	m.pendingWrites = nil
	return writes, nil
}

// withinKernelReach reports whether an owner box expanded by the kernel radius
// overlaps the fluid box. An invalid fluid box (no live particles) skins
// everything so newly spawned fluid never meets a stale boundary.
func withinKernelReach(ownerAABB, fluidAABB common.AABB, kernelRadius float32) bool {
	if !fluidAABB.IsValid() {
		return true
	}
	return ownerAABB.Expand(kernelRadius).Overlaps(fluidAABB)
}

func (m *skinningManager) EncodeSkin(fluidAABB common.AABB, kernelRadius, invDt float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var uniforms []gpu.BufferWrite
	type dispatch struct {
		prov   gpu.BindGroupProvider
		groups uint32
	}
	var dispatches []dispatch

	for _, o := range m.owners {
		if o.state != OwnerSkinned || len(o.locals) == 0 {
			continue
		}
		// Skip owners beyond kernel reach of the fluid; their stale world
		// samples are equally far away and contribute nothing.
		if !withinKernelReach(o.aabb, fluidAABB, kernelRadius) {
			continue
		}
		u := GPUSkinParams{
			SampleCount: uint32(len(o.locals)),
			WorldOffset: o.sampleOffset,
			BoneOffset:  o.boneOffset,
			InvDt:       invDt,
		}
		data := make([]byte, u.Size())
		copy(data, u.Marshal())
		uniforms = append(uniforms, gpu.BufferWrite{Provider: o.provider, Binding: 0, Data: data})
		dispatches = append(dispatches, dispatch{
			prov:   o.provider,
			groups: (uint32(len(o.locals)) + skinWorkGroupSize - 1) / skinWorkGroupSize,
		})
	}

	if len(dispatches) == 0 {
		return nil
	}
	m.device.WriteBuffers(uniforms)
	for _, d := range dispatches {
		m.device.DispatchCompute(m.pipe, []gpu.BindGroupProvider{d.prov}, [3]uint32{d.groups, 1, 1})
	}
	return nil
}

func (m *skinningManager) EncodeRetain() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.usedSamples == 0 {
		return nil
	}
	return m.device.CopyBuffer(m.worldPosVol, 0, m.prevWorldPos, 0, uint64(m.usedSamples)*GPUBoundaryWorldStride)
}

func (m *skinningManager) WorldPositionBuffer() *wgpu.Buffer {
	return m.worldPosVol
}

func (m *skinningManager) WorldVelocityBuffer() *wgpu.Buffer {
	return m.worldVel
}

func (m *skinningManager) SampleCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedSamples
}

func (m *skinningManager) OwnerState(id uint32) OwnerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.owners[id]
	if !ok {
		return OwnerUnregistered
	}
	return o.state
}

func (m *skinningManager) CombinedAABB() (common.AABB, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var box common.AABB
	found := false
	for _, o := range m.owners {
		if !o.hasPose {
			continue
		}
		if !found {
			box = o.aabb
			found = true
			continue
		}
		box = box.Union(o.aabb)
	}
	return box, found
}

func (m *skinningManager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *skinningManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.owners {
		if o.provider != nil {
			o.provider.Release()
		}
	}
	if m.pipe != nil {
		m.pipe.Release()
	}
	for _, buf := range []*wgpu.Buffer{m.localBuffer, m.boneBuffer, m.worldPosVol, m.worldVel, m.prevWorldPos} {
		if buf != nil {
			buf.Release()
		}
	}
	m.localBuffer, m.boneBuffer, m.worldPosVol, m.worldVel, m.prevWorldPos = nil, nil, nil, nil, nil
}

package sim

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/gpu"
	"github.com/tidefall-dev/tidefall/sim/adhesion"
	"github.com/tidefall-dev/tidefall/sim/boundary"
	"github.com/tidefall-dev/tidefall/sim/collision"
	"github.com/tidefall-dev/tidefall/sim/particle"
	"github.com/tidefall-dev/tidefall/sim/shaders"
	"github.com/tidefall-dev/tidefall/sim/spatial"
	"github.com/tidefall-dev/tidefall/sim/spawn"
)

const solverWorkGroupSize = 256

// Solver bind group bindings, group 0. Mirrored by every solver shader.
const (
	bindSimParams = iota
	bindParticles
	bindPredicted
	bindFluidIndices
	bindFluidKeys
	bindFluidCellStart
	bindFluidCellEnd
	bindBoundaryPos
	bindBoundaryVel
	bindBoundaryIndices
	bindBoundaryKeys
	bindBoundaryCellStart
	bindBoundaryCellEnd
)

// Collision bind group bindings, group 1 of position_correct and adhesion_update.
const (
	bindColliders = iota
	bindHullPlanes
	bindHeights
	bindContacts
	bindColliderCount
)

// wgpuBackend encodes the full frame dispatch graph against a webgpu device:
// spawn append, boundary skinning, the two spatial indexes, the solver substep
// chain, adhesion, and the async readbacks.
type wgpuBackend struct {
	mu *sync.Mutex

	device gpu.Device

	store     particle.Store
	colliders collision.Manager
	statics   boundary.StaticBoundaryManager
	skinning  boundary.SkinningManager
	adhesion  adhesion.Manager

	fluidSort    spatial.SortManager
	boundarySort spatial.SortManager

	// predicted is the vec4 scratch the predict pass writes and the fluid
	// index sorts by; sized to the particle capacity.
	predicted    *wgpu.Buffer
	predictedCap uint32

	// Combined boundary sample buffers: static samples at the front, skinned
	// samples copied in behind them each frame.
	boundaryPos *wgpu.Buffer
	boundaryVel *wgpu.Buffer
	boundaryCap uint32
	staticCount uint32
	staticHash  uint64

	// Spawn staging.
	spawnStaged *wgpu.Buffer
	spawnCap    uint32

	solverProv gpu.BindGroupProvider
	collProv   gpu.BindGroupProvider
	adhProv    gpu.BindGroupProvider
	spawnProv  gpu.BindGroupProvider

	spawnPipe     gpu.Pipeline
	predictPipe   gpu.Pipeline
	densityPipe   gpu.Pipeline
	positionPipe  gpu.Pipeline
	viscosityPipe gpu.Pipeline
	finalizePipe  gpu.Pipeline
	adhesionPipe  gpu.Pipeline

	particleRing gpu.ReadbackRing
	contactRing  gpu.ReadbackRing

	lastGen struct {
		store, fluidSort, boundarySort, colliders, adhesion uint64
	}
	initialized bool
}

var _ backend = &wgpuBackend{}

// newWGPUBackend wires the managers into the GPU dispatch graph. The managers
// are created by the simulator builder so tests and the CPU backend can share
// them; this backend initializes their GPU resources.
func newWGPUBackend(device gpu.Device, capacity, maxBoundary, maxBones uint32,
	store particle.Store, colliders collision.Manager, statics boundary.StaticBoundaryManager,
	skinning boundary.SkinningManager, adh adhesion.Manager) (*wgpuBackend, error) {

	b := &wgpuBackend{
		mu:           &sync.Mutex{},
		device:       device,
		store:        store,
		colliders:    colliders,
		statics:      statics,
		skinning:     skinning,
		adhesion:     adh,
		fluidSort:    spatial.NewSortManager(),
		boundarySort: spatial.NewSortManager(),
	}

	if err := store.Initialize(device, capacity); err != nil {
		return nil, err
	}
	if err := colliders.Initialize(device, 64); err != nil {
		return nil, err
	}
	if err := adh.Initialize(device, store.Capacity()); err != nil {
		return nil, err
	}
	if err := skinning.Initialize(device, maxBoundary/2, maxBones); err != nil {
		return nil, err
	}

	// Population resets orphan attachment records; zero them with the store.
	store.OnReset(func() {
		device.WriteBuffers([]gpu.BufferWrite{adh.ClearRecordsWrite()})
	})

	if err := b.createPredicted(store.Capacity()); err != nil {
		return nil, err
	}
	if err := b.createBoundaryBuffers(maxBoundary); err != nil {
		return nil, err
	}
	if err := b.createSpawnStaged(1024); err != nil {
		return nil, err
	}

	if err := b.fluidSort.Initialize(device, b.predicted, store.Capacity()); err != nil {
		return nil, err
	}
	if err := b.boundarySort.Initialize(device, b.boundaryPos, maxBoundary); err != nil {
		return nil, err
	}

	b.createProviders()
	b.wireProviders()
	if err := b.initBindGroups(); err != nil {
		return nil, err
	}
	if err := b.registerPipelines(); err != nil {
		return nil, err
	}

	b.particleRing = gpu.NewReadbackRing(device, "particles")
	b.contactRing = gpu.NewReadbackRing(device, "contacts")

	b.syncGenerations()
	b.initialized = true
	return b, nil
}

func (b *wgpuBackend) createPredicted(capacity uint32) error {
	buf, err := b.device.CreateBuffer("predicted positions", uint64(capacity)*16,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return fmt.Errorf("failed to create predicted buffer: %w", err)
	}
	b.predicted = buf
	b.predictedCap = capacity
	return nil
}

func (b *wgpuBackend) createBoundaryBuffers(capacity uint32) error {
	if capacity == 0 {
		capacity = 1
	}
	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
	pos, err := b.device.CreateBuffer("boundary positions", uint64(capacity)*boundary.GPUBoundaryWorldStride, usage)
	if err != nil {
		return fmt.Errorf("failed to create boundary position buffer: %w", err)
	}
	vel, err := b.device.CreateBuffer("boundary velocities", uint64(capacity)*boundary.GPUBoundaryWorldStride, usage)
	if err != nil {
		pos.Release()
		return fmt.Errorf("failed to create boundary velocity buffer: %w", err)
	}
	b.boundaryPos = pos
	b.boundaryVel = vel
	b.boundaryCap = capacity
	return nil
}

func (b *wgpuBackend) createSpawnStaged(capacity uint32) error {
	buf, err := b.device.CreateBuffer("spawn staging", uint64(capacity)*particle.GPUParticleSize,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return fmt.Errorf("failed to create spawn staging buffer: %w", err)
	}
	b.spawnStaged = buf
	b.spawnCap = capacity
	return nil
}

func (b *wgpuBackend) createProviders() {
	b.solverProv = gpu.NewBindGroupProvider("solver")
	b.collProv = gpu.NewBindGroupProvider("collision")
	b.adhProv = gpu.NewBindGroupProvider("adhesion")
	b.spawnProv = gpu.NewBindGroupProvider("spawn")
}

// wireProviders shares the current buffers into the bind group providers.
// Called at init and again whenever any owning manager rebuilt a buffer.
func (b *wgpuBackend) wireProviders() {
	b.solverProv.ShareBuffer(bindParticles, b.store.Buffer())
	b.solverProv.ShareBuffer(bindPredicted, b.predicted)
	b.solverProv.ShareBuffer(bindFluidIndices, b.fluidSort.SortedIndexBuffer())
	b.solverProv.ShareBuffer(bindFluidKeys, b.fluidSort.SortedKeyBuffer())
	b.solverProv.ShareBuffer(bindFluidCellStart, b.fluidSort.CellStartBuffer())
	b.solverProv.ShareBuffer(bindFluidCellEnd, b.fluidSort.CellEndBuffer())
	b.solverProv.ShareBuffer(bindBoundaryPos, b.boundaryPos)
	b.solverProv.ShareBuffer(bindBoundaryVel, b.boundaryVel)
	b.solverProv.ShareBuffer(bindBoundaryIndices, b.boundarySort.SortedIndexBuffer())
	b.solverProv.ShareBuffer(bindBoundaryKeys, b.boundarySort.SortedKeyBuffer())
	b.solverProv.ShareBuffer(bindBoundaryCellStart, b.boundarySort.CellStartBuffer())
	b.solverProv.ShareBuffer(bindBoundaryCellEnd, b.boundarySort.CellEndBuffer())

	b.collProv.ShareBuffer(bindColliders, b.colliders.ColliderBuffer())
	b.collProv.ShareBuffer(bindHullPlanes, b.colliders.PlaneBuffer())
	b.collProv.ShareBuffer(bindHeights, b.colliders.HeightBuffer())
	b.collProv.ShareBuffer(bindContacts, b.colliders.ContactBuffer())

	b.adhProv.ShareBuffer(1, b.adhesion.RecordBuffer())

	b.spawnProv.ShareBuffer(1, b.store.Buffer())
	b.spawnProv.ShareBuffer(2, b.spawnStaged)
}

func solverLayout() wgpu.BindGroupLayoutDescriptor {
	var params GPUSimParams
	entries := []wgpu.BindGroupLayoutEntry{{
		Binding:    bindSimParams,
		Visibility: wgpu.ShaderStageCompute,
		Buffer: wgpu.BufferBindingLayout{
			Type:           wgpu.BufferBindingTypeUniform,
			MinBindingSize: uint64(params.Size()),
		},
	}}
	for binding := bindParticles; binding <= bindBoundaryCellEnd; binding++ {
		t := wgpu.BufferBindingTypeReadOnlyStorage
		if binding == bindParticles || binding == bindPredicted {
			t = wgpu.BufferBindingTypeStorage
		}
		entries = append(entries, wgpu.BindGroupLayoutEntry{
			Binding:    uint32(binding),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: t},
		})
	}
	return wgpu.BindGroupLayoutDescriptor{Label: "solver", Entries: entries}
}

func collisionLayout() wgpu.BindGroupLayoutDescriptor {
	return wgpu.BindGroupLayoutDescriptor{
		Label: "collision",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: bindColliders, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: bindHullPlanes, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: bindHeights, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: bindContacts, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
			{Binding: bindColliderCount, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform, MinBindingSize: 16}},
		},
	}
}

func adhesionLayout() wgpu.BindGroupLayoutDescriptor {
	var params adhesion.GPUAdhesionParams
	return wgpu.BindGroupLayoutDescriptor{
		Label: "adhesion",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform, MinBindingSize: uint64(params.Size())}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
		},
	}
}

func spawnLayout() wgpu.BindGroupLayoutDescriptor {
	return wgpu.BindGroupLayoutDescriptor{
		Label: "spawn",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform, MinBindingSize: 16}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 3, Visibility: wgpu.ShaderStageCompute,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage, MinBindingSize: 4}},
		},
	}
}

func (b *wgpuBackend) initBindGroups() error {
	if err := b.device.InitBindGroup(b.solverProv, solverLayout(), nil, nil); err != nil {
		return fmt.Errorf("failed to init solver bind group: %w", err)
	}
	if err := b.device.InitBindGroup(b.collProv, collisionLayout(), nil, nil); err != nil {
		return fmt.Errorf("failed to init collision bind group: %w", err)
	}
	if err := b.device.InitBindGroup(b.adhProv, adhesionLayout(), nil, nil); err != nil {
		return fmt.Errorf("failed to init adhesion bind group: %w", err)
	}
	if err := b.device.InitBindGroup(b.spawnProv, spawnLayout(), nil, map[int]uint64{3: 4}); err != nil {
		return fmt.Errorf("failed to init spawn bind group: %w", err)
	}
	return nil
}

func (b *wgpuBackend) registerPipelines() error {
	type pipe struct {
		dst   *gpu.Pipeline
		name  string
		provs []gpu.BindGroupProvider
	}
	pipes := []pipe{
		{&b.spawnPipe, shaders.SpawnAppend, []gpu.BindGroupProvider{b.spawnProv}},
		{&b.predictPipe, shaders.Predict, []gpu.BindGroupProvider{b.solverProv}},
		{&b.densityPipe, shaders.DensityLambda, []gpu.BindGroupProvider{b.solverProv}},
		{&b.positionPipe, shaders.PositionCorrect, []gpu.BindGroupProvider{b.solverProv, b.collProv}},
		{&b.viscosityPipe, shaders.Viscosity, []gpu.BindGroupProvider{b.solverProv}},
		{&b.finalizePipe, shaders.Finalize, []gpu.BindGroupProvider{b.solverProv}},
		{&b.adhesionPipe, shaders.AdhesionUpdate, []gpu.BindGroupProvider{b.solverProv, b.collProv, b.adhProv}},
	}
	for _, p := range pipes {
		s := gpu.NewShader(p.name, shaders.MustSource(p.name), "main", solverWorkGroupSize)
		pl := gpu.NewPipeline(p.name, s)
		if err := b.device.RegisterComputePipeline(pl, p.provs...); err != nil {
			return fmt.Errorf("failed to register %s pipeline: %w", p.name, err)
		}
		*p.dst = pl
	}
	return nil
}

// syncGenerations records the current manager generations so the next frame's
// revalidation starts clean.
func (b *wgpuBackend) syncGenerations() {
	b.lastGen.store = b.store.Generation()
	b.lastGen.fluidSort = b.fluidSort.Generation()
	b.lastGen.boundarySort = b.boundarySort.Generation()
	b.lastGen.colliders = b.colliders.Generation()
	b.lastGen.adhesion = b.adhesion.Generation()
}

// revalidate rebuilds bind groups when any shared buffer's owner rebuilt its
// storage since last frame. Cheap when nothing changed.
func (b *wgpuBackend) revalidate() error {
	changed := b.store.NeedsRebuild() ||
		b.lastGen.store != b.store.Generation() ||
		b.lastGen.fluidSort != b.fluidSort.Generation() ||
		b.lastGen.boundarySort != b.boundarySort.Generation() ||
		b.lastGen.colliders != b.colliders.Generation() ||
		b.lastGen.adhesion != b.adhesion.Generation()
	if !changed {
		return nil
	}

	if b.predictedCap < b.store.Capacity() {
		b.predicted.Release()
		if err := b.createPredicted(b.store.Capacity()); err != nil {
			return err
		}
		if err := b.fluidSort.AttachPositionBuffer(b.predicted); err != nil {
			return err
		}
	}
	if err := b.fluidSort.EnsureCapacity(b.store.Capacity()); err != nil {
		return err
	}
	if err := b.adhesion.EnsureCapacity(b.store.Capacity()); err != nil {
		return err
	}

	b.wireProviders()
	for _, prov := range []gpu.BindGroupProvider{b.solverProv, b.collProv, b.adhProv, b.spawnProv} {
		prov.InvalidateBindGroup()
	}
	if err := b.initBindGroups(); err != nil {
		return err
	}
	b.syncGenerations()
	return nil
}

// uploadStatics regenerates the static boundary samples and writes them to the
// front of the combined boundary buffers when the sample set changed.
func (b *wgpuBackend) uploadStatics() ([]gpu.BufferWrite, error) {
	samples := b.statics.Generate(b.colliders.Colliders())
	skinCount := b.skinning.SampleCount()
	if uint32(len(samples))+skinCount > b.boundaryCap {
		log.Printf("[Simulator] boundary sample count %d exceeds capacity %d, truncating statics",
			len(samples)+int(skinCount), b.boundaryCap)
		keep := uint32(0)
		if skinCount < b.boundaryCap {
			keep = b.boundaryCap - skinCount
		}
		samples = samples[:keep]
	}

	data := make([]byte, len(samples)*boundary.GPUBoundaryWorldStride)
	for i, s := range samples {
		row := [4]float32{s.Position[0], s.Position[1], s.Position[2], s.Volume}
		copy(data[i*boundary.GPUBoundaryWorldStride:], common.StructToBytes(&row))
	}
	h := fnv.New64a()
	h.Write(data)
	hash := h.Sum64()
	if hash == b.staticHash && uint32(len(samples)) == b.staticCount {
		return nil, nil
	}
	b.staticHash = hash
	b.staticCount = uint32(len(samples))

	writes := []gpu.BufferWrite{{Buffer: b.boundaryPos, Data: data}}
	// Static samples do not move; their velocity region stays zero.
	writes = append(writes, gpu.BufferWrite{
		Buffer: b.boundaryVel,
		Data:   make([]byte, len(data)),
	})
	return writes, nil
}

// stageSpawn prepares the append pass: staged particle data, the pass uniform,
// and the live-count seed. Returns the spawn count actually staged.
func (b *wgpuBackend) stageSpawn(batch []particle.GPUParticle) ([]gpu.BufferWrite, uint32, error) {
	if len(batch) == 0 {
		return nil, 0, nil
	}
	if uint32(len(batch)) > b.spawnCap {
		b.spawnStaged.Release()
		if err := b.createSpawnStaged(common.NextPow2(uint32(len(batch)))); err != nil {
			return nil, 0, err
		}
		b.spawnProv.ShareBuffer(2, b.spawnStaged)
		b.spawnProv.InvalidateBindGroup()
		if err := b.device.InitBindGroup(b.spawnProv, spawnLayout(), nil, map[int]uint64{3: 4}); err != nil {
			return nil, 0, err
		}
	}

	staged := make([]byte, len(batch)*particle.GPUParticleSize)
	copy(staged, common.SliceToBytes(batch))

	uniform := spawn.GPUSpawnParams{SpawnCount: uint32(len(batch)), Capacity: b.store.Capacity()}
	uniformData := make([]byte, uniform.Size())
	copy(uniformData, uniform.Marshal())
	countBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBytes, b.store.Count())

	writes := []gpu.BufferWrite{
		{Buffer: b.spawnStaged, Data: staged},
		{Provider: b.spawnProv, Binding: 0, Data: uniformData},
		{Provider: b.spawnProv, Binding: 3, Data: countBytes},
	}
	return writes, uint32(len(batch)), nil
}

// applyInputs pushes the frame's enqueue-time collider and pose snapshots
// into the shared managers before any other frame work reads them.
func (b *wgpuBackend) applyInputs(in frameInput) {
	if in.collidersSet {
		b.colliders.SetColliders(in.colliders)
	}
	for id, snap := range in.poses {
		b.colliders.RefreshBonePoses(snap.Bones)
		if err := b.skinning.SetBonePoses(id, snap); err != nil {
			log.Printf("[Simulator] pose for owner %d dropped: %v", id, err)
		}
	}
}

func (b *wgpuBackend) step(in frameInput) (stepResult, error) {
	start := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	var timings StepTimings
	var removed []uint32

	uploadStart := time.Now()
	b.applyInputs(in)

	// Despawn and capacity growth both take the synchronous path: read the
	// population back, edit it on the CPU, and replace the buffer contents.
	needGrow := b.store.Count()+uint32(len(in.spawnBatch)) > b.store.Capacity()
	spawnBatch := in.spawnBatch
	if in.despawn != nil || needGrow {
		var err error
		removed, err = b.rewritePopulation(in.despawn, spawnBatch)
		if err != nil {
			return stepResult{}, err
		}
		spawnBatch = nil
		if err := b.revalidate(); err != nil {
			return stepResult{}, err
		}
	} else if err := b.revalidate(); err != nil {
		return stepResult{}, err
	}

	writes, err := b.colliders.FinalizeUpload()
	if err != nil {
		return stepResult{}, err
	}
	staticWrites, err := b.uploadStatics()
	if err != nil {
		return stepResult{}, err
	}
	writes = append(writes, staticWrites...)

	skinWrites, err := b.skinning.FinalizeUpload()
	if err != nil {
		return stepResult{}, err
	}
	writes = append(writes, skinWrites...)

	spawnWrites, spawnCount, err := b.stageSpawn(spawnBatch)
	if err != nil {
		return stepResult{}, err
	}
	writes = append(writes, spawnWrites...)

	count := minU32(b.store.Count()+spawnCount, b.store.Capacity())
	boundaryCount := minU32(b.staticCount+b.skinning.SampleCount(), b.boundaryCap)

	subDt := in.dt / float32(in.params.Substeps)
	uniform := in.params.gpuParams(subDt, count, boundaryCount,
		b.fluidSort.TableSize(), b.boundarySort.TableSize())
	// Contact caps live on the collision manager; the uniform carries whatever
	// the manager was built with so the shader and decoder agree.
	uniform.MaxContacts = b.colliders.MaxContactsPerCollider()
	uniform.CooldownFrames = b.colliders.CooldownFrames()
	writes = append(writes, gpu.BufferWrite{Provider: b.solverProv, Binding: bindSimParams, Data: uniform.Marshal()})

	colliderCount := [4]uint32{b.colliders.ColliderCount()}
	writes = append(writes, gpu.BufferWrite{Provider: b.collProv, Binding: bindColliderCount, Data: common.StructToBytes(&colliderCount)})

	adhUniform := b.adhesion.ParamsUniform()
	if !in.params.Adhesion.Enabled {
		adhUniform.Enabled = 0
	}
	writes = append(writes, gpu.BufferWrite{Provider: b.adhProv, Binding: 0, Data: adhUniform.Marshal()})

	if in.params.CollisionFeedback {
		writes = append(writes, b.colliders.ClearContactsWrite())
	}

	b.device.WriteBuffers(writes)
	timings.Upload = time.Since(uploadStart)

	if err := b.device.BeginComputeFrame(); err != nil {
		return stepResult{}, err
	}

	indexStart := time.Now()
	if spawnCount > 0 {
		b.device.DispatchCompute(b.spawnPipe, []gpu.BindGroupProvider{b.spawnProv},
			[3]uint32{groupsFor(spawnCount), 1, 1})
	}

	// Skin animated boundary owners, then append their world samples behind
	// the statics and index the combined set once per frame.
	if err := b.skinning.EncodeSkin(in.params.Bounds, in.params.SmoothingRadius, 1/subDt); err != nil {
		b.device.EndComputeFrame()
		return stepResult{}, err
	}
	if skinCount := b.skinning.SampleCount(); skinCount > 0 && b.staticCount+skinCount <= b.boundaryCap {
		byteLen := uint64(skinCount) * boundary.GPUBoundaryWorldStride
		dstOff := uint64(b.staticCount) * boundary.GPUBoundaryWorldStride
		if err := b.device.CopyBuffer(b.skinning.WorldPositionBuffer(), 0, b.boundaryPos, dstOff, byteLen); err != nil {
			b.device.EndComputeFrame()
			return stepResult{}, err
		}
		if err := b.device.CopyBuffer(b.skinning.WorldVelocityBuffer(), 0, b.boundaryVel, dstOff, byteLen); err != nil {
			b.device.EndComputeFrame()
			return stepResult{}, err
		}
	}

	indexParams := spatial.IndexParams{
		Bounds:   in.params.Bounds,
		Preset:   in.params.GridPreset,
		Hybrid:   in.params.HybridGrid,
		CellSize: in.params.cellSize(),
	}
	if err := b.boundarySort.Encode(boundaryCount, indexParams); err != nil {
		b.device.EndComputeFrame()
		return stepResult{}, err
	}
	timings.Index = time.Since(indexStart)

	solveStart := time.Now()
	groups := groupsFor(count)
	solverOnly := []gpu.BindGroupProvider{b.solverProv}
	solverColl := []gpu.BindGroupProvider{b.solverProv, b.collProv}
	solverAdh := []gpu.BindGroupProvider{b.solverProv, b.collProv, b.adhProv}
	for s := 0; s < in.params.Substeps; s++ {
		b.device.DispatchCompute(b.predictPipe, solverOnly, [3]uint32{groups, 1, 1})
		if err := b.fluidSort.Encode(count, indexParams); err != nil {
			b.device.EndComputeFrame()
			return stepResult{}, err
		}
		for i := 0; i < in.params.Iterations; i++ {
			b.device.DispatchCompute(b.densityPipe, solverOnly, [3]uint32{groups, 1, 1})
			b.device.DispatchCompute(b.positionPipe, solverColl, [3]uint32{groups, 1, 1})
		}
		b.device.DispatchCompute(b.viscosityPipe, solverOnly, [3]uint32{groups, 1, 1})
		b.device.DispatchCompute(b.finalizePipe, solverOnly, [3]uint32{groups, 1, 1})
		if in.params.Adhesion.Enabled {
			b.device.DispatchCompute(b.adhesionPipe, solverAdh, [3]uint32{groups, 1, 1})
		}
	}
	if err := b.skinning.EncodeRetain(); err != nil {
		b.device.EndComputeFrame()
		return stepResult{}, err
	}
	timings.Solve = time.Since(solveStart)

	readbackStart := time.Now()
	b.store.SetCount(count)
	if _, err := b.store.Download(b.particleRing); err != nil {
		b.device.EndComputeFrame()
		return stepResult{}, err
	}
	if in.params.CollisionFeedback && b.colliders.ColliderCount() > 0 {
		size := uint64(b.colliders.ColliderCount()) * collision.GPUContactSize
		if _, err := b.contactRing.Stage(b.colliders.ContactBuffer(), size); err != nil {
			b.device.EndComputeFrame()
			return stepResult{}, err
		}
	}
	b.device.EndComputeFrame()

	b.particleRing.Flush()
	b.contactRing.Flush()
	b.device.Poll(false)
	timings.Readback = time.Since(readbackStart)

	timings.Total = time.Since(start)
	return stepResult{
		count:         count,
		boundaryCount: boundaryCount,
		removedIDs:    removed,
		timings:       timings,
	}, nil
}

// rewritePopulation reads the live particles back synchronously, applies the
// despawn filter, appends the pending spawn batch, and replaces the buffer
// contents. Growth happens inside FinalizeUpload.
func (b *wgpuBackend) rewritePopulation(filter func(*particle.GPUParticle) bool, batch []particle.GPUParticle) ([]uint32, error) {
	all, err := b.store.GetAllGPUParticles(b.particleRing)
	if err != nil {
		return nil, fmt.Errorf("failed to read population for rewrite: %w", err)
	}
	var removed []uint32
	kept := all[:0]
	for i := range all {
		if filter != nil && filter(&all[i]) {
			removed = append(removed, all[i].ID)
			continue
		}
		kept = append(kept, all[i])
	}
	kept = append(kept, batch...)
	if err := b.store.Upload(kept, false); err != nil {
		return nil, err
	}
	writes, err := b.store.FinalizeUpload()
	if err != nil {
		return nil, err
	}
	b.device.WriteBuffers(writes)
	return removed, nil
}

func (b *wgpuBackend) latestParticles() ([]particle.GPUParticle, bool) {
	b.device.Poll(false)
	return b.store.TryLatest(b.particleRing)
}

func (b *wgpuBackend) latestContacts() []collision.ContactEvent {
	b.device.Poll(false)
	data, ok := b.contactRing.TryLatest()
	if !ok {
		return nil
	}
	return b.colliders.DecodeContacts(data)
}

func (b *wgpuBackend) snapshotParticles() ([]particle.GPUParticle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.GetAllGPUParticles(b.particleRing)
}

func (b *wgpuBackend) count() uint32 {
	return b.store.Count()
}

func (b *wgpuBackend) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store.Clear()
}

func (b *wgpuBackend) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.particleRing.Release()
	b.contactRing.Release()
	for _, pipe := range []gpu.Pipeline{b.spawnPipe, b.predictPipe, b.densityPipe, b.positionPipe, b.viscosityPipe, b.finalizePipe, b.adhesionPipe} {
		if pipe != nil {
			pipe.Release()
		}
	}
	for _, prov := range []gpu.BindGroupProvider{b.solverProv, b.collProv, b.adhProv, b.spawnProv} {
		if prov != nil {
			prov.Release()
		}
	}
	b.fluidSort.Release()
	b.boundarySort.Release()
	for _, buf := range []*wgpu.Buffer{b.predicted, b.boundaryPos, b.boundaryVel, b.spawnStaged} {
		if buf != nil {
			buf.Release()
		}
	}
	b.skinning.Release()
	b.adhesion.Release()
	b.colliders.Release()
	b.store.Release()
}

func groupsFor(count uint32) uint32 {
	g := (count + solverWorkGroupSize - 1) / solverWorkGroupSize
	if g == 0 {
		g = 1
	}
	return g
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

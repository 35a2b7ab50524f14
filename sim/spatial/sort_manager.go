package spatial

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/gpu"
	"github.com/tidefall-dev/tidefall/sim/shaders"
)

const (
	sortWorkGroupSize = 256
	radixDigits       = 256

	bindSortParams = 0
)

// IndexParams configures one frame's spatial index build.
type IndexParams struct {
	// Bounds is the simulation AABB used by classic mode to normalize cell
	// coordinates. Ignored by hybrid mode except for the cell size derivation
	// when CellSize is zero.
	Bounds common.AABB
	// Preset selects the classic-mode grid resolution.
	Preset GridPreset
	// Hybrid enables the unbounded tiled key layout (4 radix passes).
	Hybrid bool
	// CellSize is the grid cell edge length. Should match the smoothing radius
	// so a 3x3x3 cell neighborhood covers the kernel support.
	CellSize float32
}

// sortManager is the unexported implementation of SortManager.
type sortManager struct {
	mu *sync.Mutex

	device   gpu.Device
	capacity uint32
	table    uint32

	// Owned ping-pong and cell table buffers. Keys and indices alternate
	// between A and B across radix passes; the sorted result always lands in
	// keysB/indicesB (an extra copy normalizes the hybrid mode's odd pass count).
	keysA, keysB       *wgpu.Buffer
	indicesA, indicesB *wgpu.Buffer
	histograms         *wgpu.Buffer
	cellStart, cellEnd *wgpu.Buffer

	// One provider per pass; radix count/scatter need one per pass index since
	// each pass has its own shift uniform and ping-pong direction.
	mortonProv  gpu.BindGroupProvider
	countProv   [4]gpu.BindGroupProvider
	scanProv    gpu.BindGroupProvider
	scatterProv [4]gpu.BindGroupProvider
	clearProv   gpu.BindGroupProvider
	boundsProv  gpu.BindGroupProvider

	mortonPipe  gpu.Pipeline
	countPipe   gpu.Pipeline
	scanPipe    gpu.Pipeline
	scatterPipe gpu.Pipeline
	clearPipe   gpu.Pipeline
	boundsPipe  gpu.Pipeline

	positionBuffer *wgpu.Buffer
	generation     uint64
}

// SortManager owns the GPU spatial index: Morton key generation, the 8-bit
// digit radix sort over (key, particle index) pairs, and the compact hash cell
// table built from the sorted keys.
type SortManager interface {
	// Initialize creates buffers, bind groups, and pipelines for the given
	// element capacity. The position buffer holds one vec4 per element (xyz
	// used) and is read by the morton pass; fluid and boundary indexes both
	// run through this manager with their own position buffers.
	//
	// Parameters:
	//   - device: the GPU device
	//   - positionBuffer: the vec4 position buffer (read-only here)
	//   - capacity: maximum element count
	//
	// Returns:
	//   - error: an error if any GPU resource could not be created
	Initialize(device gpu.Device, positionBuffer *wgpu.Buffer, capacity uint32) error

	// EnsureCapacity grows the index buffers to hold at least capacity entries,
	// rebuilding bind groups. A no-op when already large enough. Growth bumps
	// the generation counter.
	//
	// Parameters:
	//   - capacity: required particle capacity
	//
	// Returns:
	//   - error: an error if buffer recreation fails
	EnsureCapacity(capacity uint32) error

	// AttachPositionBuffer re-shares the position buffer after its owner grew
	// the storage. Invalidates the morton pass bind group.
	//
	// Parameters:
	//   - positionBuffer: the new vec4 position buffer
	//
	// Returns:
	//   - error: an error if the bind group could not be rebuilt
	AttachPositionBuffer(positionBuffer *wgpu.Buffer) error

	// Encode writes the frame's sort uniforms and encodes the full index build
	// into the currently open compute frame: morton keys, 3 or 4 radix passes
	// (count/scan/scatter each), and the cell table clear + bounds.
	//
	// Parameters:
	//   - count: live particle count
	//   - params: grid configuration for this frame
	//
	// Returns:
	//   - error: an error if no compute frame is open or count exceeds capacity
	Encode(count uint32, params IndexParams) error

	// SortedIndexBuffer returns the buffer of particle indices in Morton order
	// for the most recently encoded frame.
	//
	// Returns:
	//   - *wgpu.Buffer: the sorted index buffer
	SortedIndexBuffer() *wgpu.Buffer

	// SortedKeyBuffer returns the sorted key buffer for the most recently
	// encoded frame. Exposed for the debug cell-table readback.
	//
	// Returns:
	//   - *wgpu.Buffer: the sorted key buffer
	SortedKeyBuffer() *wgpu.Buffer

	// CellStartBuffer returns the cell table start-offset buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the cell start buffer
	CellStartBuffer() *wgpu.Buffer

	// CellEndBuffer returns the cell table end-offset buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the cell end buffer
	CellEndBuffer() *wgpu.Buffer

	// TableSize returns the cell table slot count (power of two).
	//
	// Returns:
	//   - uint32: the table size
	TableSize() uint32

	// Generation returns the buffer generation, bumped on every capacity
	// rebuild. Consumers holding buffer pointers across frames compare this
	// before reading.
	//
	// Returns:
	//   - uint64: the current generation
	Generation() uint64

	// Release frees all GPU resources owned by the manager.
	Release()
}

var _ SortManager = &sortManager{}

// NewSortManager creates an uninitialized SortManager.
//
// Returns:
//   - SortManager: the manager; call Initialize before use
func NewSortManager() SortManager {
	return &sortManager{mu: &sync.Mutex{}}
}

func (m *sortManager) Initialize(device gpu.Device, positionBuffer *wgpu.Buffer, capacity uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.device = device
	m.positionBuffer = positionBuffer

	if err := m.createBuffers(capacity); err != nil {
		return err
	}
	m.createProviders()
	m.wireProviders()
	if err := m.initBindGroups(); err != nil {
		return err
	}
	return m.registerPipelines()
}

// createBuffers allocates all owned buffers for the given capacity.
func (m *sortManager) createBuffers(capacity uint32) error {
	if capacity == 0 {
		capacity = 1
	}
	m.capacity = capacity
	m.table = TableSizeFor(capacity)

	pairUsage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	pairSize := uint64(capacity) * 4
	maxGroups := uint64((capacity + sortWorkGroupSize - 1) / sortWorkGroupSize)
	if maxGroups == 0 {
		maxGroups = 1
	}

	type alloc struct {
		dst   **wgpu.Buffer
		label string
		size  uint64
		usage wgpu.BufferUsage
	}
	allocs := []alloc{
		{&m.keysA, "sort keys A", pairSize, pairUsage},
		{&m.keysB, "sort keys B", pairSize, pairUsage},
		{&m.indicesA, "sort indices A", pairSize, pairUsage},
		{&m.indicesB, "sort indices B", pairSize, pairUsage},
		{&m.histograms, "radix histograms", maxGroups * radixDigits * 4, wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst},
		{&m.cellStart, "cell start", uint64(m.table) * 4, pairUsage},
		{&m.cellEnd, "cell end", uint64(m.table) * 4, pairUsage},
	}
	for _, a := range allocs {
		buf, err := m.device.CreateBuffer(a.label, a.size, a.usage)
		if err != nil {
			return fmt.Errorf("failed to create %s buffer: %w", a.label, err)
		}
		*a.dst = buf
	}
	return nil
}

func (m *sortManager) createProviders() {
	m.mortonProv = gpu.NewBindGroupProvider("morton")
	for p := range m.countProv {
		m.countProv[p] = gpu.NewBindGroupProvider(fmt.Sprintf("radix count %d", p))
		m.scatterProv[p] = gpu.NewBindGroupProvider(fmt.Sprintf("radix scatter %d", p))
	}
	m.scanProv = gpu.NewBindGroupProvider("radix scan")
	m.clearProv = gpu.NewBindGroupProvider("cell clear")
	m.boundsProv = gpu.NewBindGroupProvider("cell bounds")
}

// wireProviders shares the owned buffers into each pass provider. Pass uniform
// buffers (binding 0) are owned by their providers and created by InitBindGroup.
func (m *sortManager) wireProviders() {
	m.mortonProv.ShareBuffer(1, m.positionBuffer)
	m.mortonProv.ShareBuffer(2, m.keysA)
	m.mortonProv.ShareBuffer(3, m.indicesA)

	for p := 0; p < 4; p++ {
		keysIn, idxIn, keysOut, idxOut := m.keysA, m.indicesA, m.keysB, m.indicesB
		if p%2 == 1 {
			keysIn, idxIn, keysOut, idxOut = m.keysB, m.indicesB, m.keysA, m.indicesA
		}
		m.countProv[p].ShareBuffer(1, keysIn)
		m.countProv[p].ShareBuffer(2, m.histograms)

		m.scatterProv[p].ShareBuffer(1, keysIn)
		m.scatterProv[p].ShareBuffer(2, idxIn)
		m.scatterProv[p].ShareBuffer(3, keysOut)
		m.scatterProv[p].ShareBuffer(4, idxOut)
		m.scatterProv[p].ShareBuffer(5, m.histograms)
	}

	m.scanProv.ShareBuffer(1, m.histograms)

	m.clearProv.ShareBuffer(1, m.cellStart)
	m.clearProv.ShareBuffer(2, m.cellEnd)

	m.boundsProv.ShareBuffer(1, m.keysB)
	m.boundsProv.ShareBuffer(2, m.cellStart)
	m.boundsProv.ShareBuffer(3, m.cellEnd)
}

// layoutEntries builds a bind group layout descriptor from a uniform entry at
// binding 0 followed by storage entries. readOnly flags apply per storage entry.
func layoutEntries(label string, readOnly []bool) wgpu.BindGroupLayoutDescriptor {
	var params GPUSortParams
	entries := []wgpu.BindGroupLayoutEntry{{
		Binding:    0,
		Visibility: wgpu.ShaderStageCompute,
		Buffer: wgpu.BufferBindingLayout{
			Type:           wgpu.BufferBindingTypeUniform,
			MinBindingSize: uint64(params.Size()),
		},
	}}
	for i, ro := range readOnly {
		t := wgpu.BufferBindingTypeStorage
		if ro {
			t = wgpu.BufferBindingTypeReadOnlyStorage
		}
		entries = append(entries, wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i + 1),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: t},
		})
	}
	return wgpu.BindGroupLayoutDescriptor{Label: label, Entries: entries}
}

func (m *sortManager) initBindGroups() error {
	type group struct {
		prov     gpu.BindGroupProvider
		readOnly []bool
	}
	groups := []group{
		{m.mortonProv, []bool{true, false, false}},
		{m.scanProv, []bool{false}},
		{m.clearProv, []bool{false, false}},
		{m.boundsProv, []bool{true, false, false}},
	}
	for p := 0; p < 4; p++ {
		groups = append(groups,
			group{m.countProv[p], []bool{true, false}},
			group{m.scatterProv[p], []bool{true, true, false, false, false}},
		)
	}
	for _, g := range groups {
		desc := layoutEntries(g.prov.Label(), g.readOnly)
		if err := m.device.InitBindGroup(g.prov, desc, nil, nil); err != nil {
			return fmt.Errorf("failed to init %s bind group: %w", g.prov.Label(), err)
		}
	}
	return nil
}

func (m *sortManager) registerPipelines() error {
	type pipe struct {
		dst    *gpu.Pipeline
		name   string
		prov   gpu.BindGroupProvider
		groups uint32
	}
	pipes := []pipe{
		{&m.mortonPipe, shaders.Morton, m.mortonProv, sortWorkGroupSize},
		{&m.countPipe, shaders.RadixCount, m.countProv[0], sortWorkGroupSize},
		{&m.scanPipe, shaders.RadixScan, m.scanProv, radixDigits},
		{&m.scatterPipe, shaders.RadixScatter, m.scatterProv[0], sortWorkGroupSize},
		{&m.clearPipe, shaders.CellClear, m.clearProv, sortWorkGroupSize},
		{&m.boundsPipe, shaders.CellBounds, m.boundsProv, sortWorkGroupSize},
	}
	for _, p := range pipes {
		s := gpu.NewShader(p.name, shaders.MustSource(p.name), "main", p.groups)
		pl := gpu.NewPipeline(p.name, s)
		if err := m.device.RegisterComputePipeline(pl, p.prov); err != nil {
			return fmt.Errorf("failed to register %s pipeline: %w", p.name, err)
		}
		*p.dst = pl
	}
	return nil
}

func (m *sortManager) EnsureCapacity(capacity uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if capacity <= m.capacity {
		return nil
	}
	capacity = common.NextPow2(capacity)

	m.releaseBuffers()
	if err := m.createBuffers(capacity); err != nil {
		return err
	}
	m.wireProviders()
	m.invalidateAll()
	m.generation++
	return m.initBindGroups()
}

func (m *sortManager) AttachPositionBuffer(positionBuffer *wgpu.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positionBuffer = positionBuffer
	m.mortonProv.ShareBuffer(1, positionBuffer)
	m.mortonProv.InvalidateBindGroup()
	desc := layoutEntries(m.mortonProv.Label(), []bool{true, false, false})
	return m.device.InitBindGroup(m.mortonProv, desc, nil, nil)
}

func (m *sortManager) Encode(count uint32, params IndexParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if count > m.capacity {
		return fmt.Errorf("particle count %d exceeds index capacity %d", count, m.capacity)
	}

	numGroups := (count + sortWorkGroupSize - 1) / sortWorkGroupSize
	if numGroups == 0 {
		numGroups = 1
	}
	cellSize := params.CellSize
	if cellSize <= 0 && params.Bounds.IsValid() {
		cellSize = params.Bounds.Size().X / float32(uint32(1)<<params.Preset.BitsPerAxis())
	}

	passes := RadixPasses(params.Hybrid)
	hybrid := uint32(0)
	if params.Hybrid {
		hybrid = 1
	}

	// Stage per-pass uniforms. Queue writes land before the frame's command
	// buffer executes, so this is safe inside an open frame.
	writes := make([]gpu.BufferWrite, 0, passes)
	stage := func(prov gpu.BindGroupProvider, shift uint32) {
		u := GPUSortParams{
			BoundsMin:     params.Bounds.Min.Array(),
			BitsPerAxis:   params.Preset.BitsPerAxis(),
			BoundsMax:     params.Bounds.Max.Array(),
			HybridTiled:   hybrid,
			CellSize:      cellSize,
			Count:         count,
			Shift:         shift,
			NumWorkgroups: numGroups,
			TableSize:     m.table,
		}
		data := make([]byte, u.Size())
		copy(data, u.Marshal())
		writes = append(writes, gpu.BufferWrite{Provider: prov, Binding: bindSortParams, Data: data})
	}
	stage(m.mortonProv, 0)
	stage(m.scanProv, 0)
	stage(m.clearProv, 0)
	stage(m.boundsProv, 0)
	for p := 0; p < passes; p++ {
		stage(m.countProv[p], uint32(p*8))
		stage(m.scatterProv[p], uint32(p*8))
	}
	m.device.WriteBuffers(writes)

	// Morton keys + identity index order.
	m.device.DispatchCompute(m.mortonPipe, []gpu.BindGroupProvider{m.mortonProv}, [3]uint32{numGroups, 1, 1})

	// Radix passes: count per-workgroup digit histograms, scan them into
	// global scatter bases, scatter pairs into the opposite buffer.
	for p := 0; p < passes; p++ {
		m.device.DispatchCompute(m.countPipe, []gpu.BindGroupProvider{m.countProv[p]}, [3]uint32{numGroups, 1, 1})
		m.device.DispatchCompute(m.scanPipe, []gpu.BindGroupProvider{m.scanProv}, [3]uint32{1, 1, 1})
		m.device.DispatchCompute(m.scatterPipe, []gpu.BindGroupProvider{m.scatterProv[p]}, [3]uint32{numGroups, 1, 1})
	}

	// The hybrid mode's fourth pass lands in the A buffers; copy so the sorted
	// result is always read from B.
	if passes%2 == 0 {
		byteLen := uint64(count) * 4
		if byteLen > 0 {
			if err := m.device.CopyBuffer(m.keysA, 0, m.keysB, 0, byteLen); err != nil {
				return err
			}
			if err := m.device.CopyBuffer(m.indicesA, 0, m.indicesB, 0, byteLen); err != nil {
				return err
			}
		}
	}

	// Cell table: clear to the merge identities, then mark run starts/ends.
	tableGroups := (m.table + sortWorkGroupSize - 1) / sortWorkGroupSize
	m.device.DispatchCompute(m.clearPipe, []gpu.BindGroupProvider{m.clearProv}, [3]uint32{tableGroups, 1, 1})
	m.device.DispatchCompute(m.boundsPipe, []gpu.BindGroupProvider{m.boundsProv}, [3]uint32{numGroups, 1, 1})
	return nil
}

func (m *sortManager) SortedIndexBuffer() *wgpu.Buffer {
	return m.indicesB
}

func (m *sortManager) SortedKeyBuffer() *wgpu.Buffer {
	return m.keysB
}

func (m *sortManager) CellStartBuffer() *wgpu.Buffer {
	return m.cellStart
}

func (m *sortManager) CellEndBuffer() *wgpu.Buffer {
	return m.cellEnd
}

func (m *sortManager) TableSize() uint32 {
	return m.table
}

func (m *sortManager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *sortManager) releaseBuffers() {
	for _, buf := range []*wgpu.Buffer{m.keysA, m.keysB, m.indicesA, m.indicesB, m.histograms, m.cellStart, m.cellEnd} {
		if buf != nil {
			buf.Release()
		}
	}
	m.keysA, m.keysB, m.indicesA, m.indicesB = nil, nil, nil, nil
	m.histograms, m.cellStart, m.cellEnd = nil, nil, nil
}

func (m *sortManager) invalidateAll() {
	provs := []gpu.BindGroupProvider{m.mortonProv, m.scanProv, m.clearProv, m.boundsProv}
	for p := 0; p < 4; p++ {
		provs = append(provs, m.countProv[p], m.scatterProv[p])
	}
	for _, prov := range provs {
		if prov != nil {
			prov.InvalidateBindGroup()
		}
	}
}

func (m *sortManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	provs := []gpu.BindGroupProvider{m.mortonProv, m.scanProv, m.clearProv, m.boundsProv}
	for p := 0; p < 4; p++ {
		provs = append(provs, m.countProv[p], m.scatterProv[p])
	}
	for _, prov := range provs {
		if prov != nil {
			prov.Release()
		}
	}
	for _, pipe := range []gpu.Pipeline{m.mortonPipe, m.countPipe, m.scanPipe, m.scatterPipe, m.clearPipe, m.boundsPipe} {
		if pipe != nil {
			pipe.Release()
		}
	}
	m.releaseBuffers()
}

package sim

import (
	"sync"

	"github.com/tidefall-dev/tidefall/gpu"
	"github.com/tidefall-dev/tidefall/profiler"
	"github.com/tidefall-dev/tidefall/sim/adhesion"
	"github.com/tidefall-dev/tidefall/sim/boundary"
	"github.com/tidefall-dev/tidefall/sim/collision"
	"github.com/tidefall-dev/tidefall/sim/particle"
	"github.com/tidefall-dev/tidefall/sim/spawn"
)

// BackendKind selects where frames execute.
type BackendKind int

const (
	// BackendWGPU runs the compute pipeline on a webgpu device.
	BackendWGPU BackendKind = iota
	// BackendCPU runs the reference solver. Slower, but requires no adapter;
	// used by headless tests and as a fallback.
	BackendCPU
)

// SimulatorBuilderOption configures a Simulator during construction.
type SimulatorBuilderOption func(*simulator)

// WithBackend selects the execution backend.
//
// Parameters:
//   - kind: the backend kind
//
// Returns:
//   - SimulatorBuilderOption: the option
func WithBackend(kind BackendKind) SimulatorBuilderOption {
	return func(s *simulator) {
		s.backendKind = kind
	}
}

// WithDevice supplies an existing GPU device, letting a renderer and the
// simulation share one. Without this option the GPU backend creates its own
// headless device.
//
// Parameters:
//   - device: the device to use
//
// Returns:
//   - SimulatorBuilderOption: the option
func WithDevice(device gpu.Device) SimulatorBuilderOption {
	return func(s *simulator) {
		s.device = device
	}
}

// WithParameters sets the initial simulation parameters.
//
// Parameters:
//   - p: the parameters
//
// Returns:
//   - SimulatorBuilderOption: the option
func WithParameters(p Parameters) SimulatorBuilderOption {
	return func(s *simulator) {
		s.params = p
	}
}

// WithMaxParticles sets the initial particle capacity. The store still grows
// past it on demand; growth is a stall, so size for the expected peak.
//
// Parameters:
//   - n: the particle capacity
//
// Returns:
//   - SimulatorBuilderOption: the option
func WithMaxParticles(n uint32) SimulatorBuilderOption {
	return func(s *simulator) {
		if n > 0 {
			s.maxParticles = n
		}
	}
}

// WithMaxBoundarySamples sets the combined static plus skinned boundary
// sample capacity.
//
// Parameters:
//   - n: the sample capacity
//
// Returns:
//   - SimulatorBuilderOption: the option
func WithMaxBoundarySamples(n uint32) SimulatorBuilderOption {
	return func(s *simulator) {
		if n > 0 {
			s.maxBoundary = n
		}
	}
}

// WithMaxBones sets the skeleton bone capacity shared by all boundary owners.
//
// Parameters:
//   - n: the bone capacity
//
// Returns:
//   - SimulatorBuilderOption: the option
func WithMaxBones(n uint32) SimulatorBuilderOption {
	return func(s *simulator) {
		if n > 0 {
			s.maxBones = n
		}
	}
}

// WithSpawnSeed seeds the spawn manager's placement jitter for reproducible
// runs.
//
// Parameters:
//   - seed: the random seed
//
// Returns:
//   - SimulatorBuilderOption: the option
func WithSpawnSeed(seed int64) SimulatorBuilderOption {
	return func(s *simulator) {
		s.spawnSeed = seed
		s.haveSpawnSeed = true
	}
}

// WithProfiling enables the step profiler, which logs steps/s, the solver
// timing breakdown, and memory statistics once per second.
//
// Returns:
//   - SimulatorBuilderOption: the option
func WithProfiling() SimulatorBuilderOption {
	return func(s *simulator) {
		s.profile = true
	}
}

// NewSimulator builds a Simulator with the provided options and starts its
// compute goroutine.
//
// Parameters:
//   - options: functional options for simulator configuration
//
// Returns:
//   - Simulator: the simulator
//   - error: an error if parameters are invalid or GPU setup fails
func NewSimulator(options ...SimulatorBuilderOption) (Simulator, error) {
	s := &simulator{
		mu:           &sync.Mutex{},
		params:       DefaultParameters(),
		backendKind:  BackendWGPU,
		maxParticles: 1 << 16,
		maxBoundary:  1 << 15,
		maxBones:     256,
		commands:     make(chan frameInput, 1),
		quit:         make(chan struct{}),
		shapes:       NewShapeSmoother(defaultShapeBlend),

		poseChannels:  make(map[uint32]*boundary.PoseChannel),
		poseDelivered: make(map[uint32]uint64),
	}
	for _, opt := range options {
		opt(s)
	}
	if err := s.params.Validate(); err != nil {
		return nil, err
	}
	if s.profile {
		s.prof = profiler.NewProfiler()
	}

	var spawnOpts []spawn.ManagerBuilderOption
	if s.haveSpawnSeed {
		spawnOpts = append(spawnOpts, spawn.WithSeed(s.spawnSeed))
	}
	s.spawner = spawn.NewManager(spawnOpts...)
	s.colliders = collision.NewManager(
		collision.WithMaxContactsPerCollider(s.params.MaxContactsPerCollider),
		collision.WithContactCooldown(s.params.ContactCooldownFrames),
	)
	statics := boundary.NewStaticBoundaryManager(
		boundary.WithSampleSpacing(s.params.BoundarySpacing),
	)

	switch s.backendKind {
	case BackendCPU:
		s.backend = newCPUBackend(s.params, s.colliders, statics, s.maxParticles)
	default:
		device := s.device
		if device == nil {
			created, err := gpu.NewDevice()
			if err != nil {
				return nil, err
			}
			device = created
		}
		s.skinning = boundary.NewSkinningManager()
		s.adhesion = adhesion.NewManager()
		if err := s.adhesion.SetParams(s.params.Adhesion); err != nil {
			return nil, err
		}
		b, err := newWGPUBackend(device, s.maxParticles, s.maxBoundary, s.maxBones,
			particle.NewStore(), s.colliders, statics, s.skinning, s.adhesion)
		if err != nil {
			return nil, err
		}
		s.backend = b
	}

	s.wg.Add(1)
	go s.runLoop()
	return s, nil
}

package sim

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/gpu"
	"github.com/tidefall-dev/tidefall/profiler"
	"github.com/tidefall-dev/tidefall/sim/adhesion"
	"github.com/tidefall-dev/tidefall/sim/boundary"
	"github.com/tidefall-dev/tidefall/sim/collision"
	"github.com/tidefall-dev/tidefall/sim/particle"
	"github.com/tidefall-dev/tidefall/sim/spawn"
)

// Stats is the per-frame summary surfaced to the game thread. Density and
// population aggregates lag by the readback latency; timings are from the most
// recently completed step.
type Stats struct {
	Frame          uint64
	SimTime        float64
	ParticleCount  uint32
	BoundaryCount  uint32
	AverageDensity float32
	AsleepCount    uint32
	AttachedCount  uint32
	Timings        StepTimings
}

// simulator is the unexported implementation of Simulator.
type simulator struct {
	mu *sync.Mutex

	params  Parameters
	backend backend

	spawner   spawn.Manager
	colliders collision.Manager
	skinning  boundary.SkinningManager
	adhesion  adhesion.Manager

	// Enqueue-time staging: collider edits and published poses are held here
	// and snapshotted into the next frameInput, never pushed into the shared
	// managers from the game thread.
	pendingColliders []collision.Collider
	collidersDirty   bool
	poseChannels     map[uint32]*boundary.PoseChannel
	poseDelivered    map[uint32]uint64
	poseSeq          uint64

	commands chan frameInput
	quit     chan struct{}
	wg       sync.WaitGroup

	frame   uint64
	simTime float64
	stats   Stats
	lastErr error
	closed  bool

	latest     []particle.GPUParticle
	haveLatest bool

	shapes *ShapeSmoother
	prof   *profiler.Profiler

	// Builder state consumed by NewSimulator.
	backendKind   BackendKind
	device        gpu.Device
	maxParticles  uint32
	maxBoundary   uint32
	maxBones      uint32
	spawnSeed     int64
	haveSpawnSeed bool
	profile       bool
}

// Simulator is the game-facing simulation orchestrator. Simulate enqueues a
// frame for the compute goroutine; results arrive asynchronously and the
// accessors always return the latest completed data without blocking.
type Simulator interface {
	// Simulate enqueues one frame at the given timestep. Blocks only when a
	// previous frame is still queued. Errors from earlier frames surface here.
	//
	// Parameters:
	//   - dt: frame timestep in seconds
	//
	// Returns:
	//   - error: a deferred error from an earlier frame, or an input error
	Simulate(dt float32) error

	// SetParameters replaces the simulation parameters after validation. Takes
	// effect on the next enqueued frame.
	//
	// Parameters:
	//   - p: the new parameters
	//
	// Returns:
	//   - error: an error if the parameters are invalid
	SetParameters(p Parameters) error

	// Parameters returns the current parameters.
	//
	// Returns:
	//   - Parameters: the parameters
	Parameters() Parameters

	// SetColliders replaces the collider set. Applied by the next enqueued
	// frame; queued frames keep the set they were enqueued with. World
	// geometry changes regenerate static boundary samples on that frame.
	//
	// Parameters:
	//   - colliders: the new collider set
	SetColliders(colliders []collision.Collider)

	// RegisterBoundaryOwner adds an animated mesh's surface samples for GPU
	// skinning. Only available on the GPU backend.
	//
	// Parameters:
	//   - id: owner identifier
	//   - locals: bind-pose surface samples with bone weights
	//   - boneCount: skeleton bone count
	//
	// Returns:
	//   - error: an error if registration fails or the backend cannot skin
	RegisterBoundaryOwner(id uint32, locals []boundary.GPULocalBoundaryParticle, boneCount uint32) error

	// UnregisterBoundaryOwner removes an animated boundary owner.
	//
	// Parameters:
	//   - id: owner identifier
	UnregisterBoundaryOwner(id uint32)

	// PublishBonePoses delivers a skeleton pose for a boundary owner and for
	// bone-attached colliders. Latest pose wins; the winning pose is
	// snapshotted at the next Simulate call, so a pose published after a
	// frame was enqueued never affects that frame.
	//
	// Parameters:
	//   - id: owner identifier
	//   - bones: column-major 4x4 world-from-bone matrices
	PublishBonePoses(id uint32, bones [][]float32)

	// SetAdhesionParams replaces the adhesion thresholds.
	//
	// Parameters:
	//   - p: the new thresholds
	//
	// Returns:
	//   - error: an error if the thresholds violate hysteresis ordering
	SetAdhesionParams(p adhesion.Params) error

	// Spawn queues a spawn request, drained at the next Simulate call.
	//
	// Parameters:
	//   - req: the spawn request
	Spawn(req spawn.Request)

	// DespawnSource queues removal of all particles from a spawn source.
	//
	// Parameters:
	//   - source: the spawn source ID
	DespawnSource(source uint32)

	// DespawnRegion queues removal of all particles inside a region.
	//
	// Parameters:
	//   - region: the world-space AABB
	DespawnRegion(region common.AABB)

	// SetSourceLimit caps a spawn source's population; oldest particles are
	// recycled first when the cap is exceeded.
	//
	// Parameters:
	//   - source: the spawn source ID
	//   - max: the population cap
	SetSourceLimit(source, max uint32)

	// Particles returns the most recent completed particle readback, or false
	// when none is available yet.
	//
	// Returns:
	//   - []particle.GPUParticle: the particles (a copy)
	//   - bool: true if a readback was available
	Particles() ([]particle.GPUParticle, bool)

	// Contacts returns the most recent completed contact events.
	//
	// Returns:
	//   - []collision.ContactEvent: per-collider contact feedback
	Contacts() []collision.ContactEvent

	// SnapshotParticles reads the full live population synchronously, stalling
	// the caller until the GPU completes. For save-style snapshots.
	//
	// Returns:
	//   - []particle.GPUParticle: all live particles
	//   - error: an error if the readback fails
	SnapshotParticles() ([]particle.GPUParticle, error)

	// Shapes returns per-particle anisotropy ellipsoids for surface rendering,
	// derived from the latest readback and smoothed over time.
	//
	// Returns:
	//   - []ParticleShape: one shape per particle in readback order
	//   - bool: true if a readback was available
	Shapes() ([]ParticleShape, bool)

	// Stats returns the latest frame summary.
	//
	// Returns:
	//   - Stats: the summary
	Stats() Stats

	// Clear removes all particles and pending spawn requests.
	Clear()

	// Release stops the compute goroutine and frees all resources.
	Release()
}

var _ Simulator = &simulator{}

// errClosed is returned by Simulate after Release.
var errClosed = errors.New("simulator released")

func (s *simulator) Simulate(dt float32) error {
	if dt <= 0 {
		return fmt.Errorf("timestep must be positive, got %g", dt)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	deferred := s.lastErr
	s.lastErr = nil
	if deferred != nil {
		s.mu.Unlock()
		return deferred
	}
	in := s.snapshotFrameLocked(dt)
	s.mu.Unlock()

	in.spawnBatch, in.despawn = s.spawner.Drain()
	s.commands <- in
	return nil
}

// snapshotFrameLocked captures everything a queued frame depends on at enqueue
// time: the parameters, any pending collider replacement, and the newest
// undelivered pose per boundary owner. Caller holds s.mu.
func (s *simulator) snapshotFrameLocked(dt float32) frameInput {
	in := frameInput{frame: s.frame, dt: dt, params: s.params}
	s.frame++

	if s.collidersDirty {
		in.colliders = s.pendingColliders
		in.collidersSet = true
		s.pendingColliders = nil
		s.collidersDirty = false
	}
	for id, ch := range s.poseChannels {
		snap := ch.Latest()
		if snap == nil || snap.Frame <= s.poseDelivered[id] {
			continue
		}
		if in.poses == nil {
			in.poses = make(map[uint32]*boundary.PoseSnapshot, len(s.poseChannels))
		}
		in.poses[id] = snap
		s.poseDelivered[id] = snap.Frame
	}
	return in
}

// runLoop is the compute goroutine: it executes queued frames against the
// backend and publishes results.
func (s *simulator) runLoop() {
	defer s.wg.Done()
	for {
		select {
		case in := <-s.commands:
			res, err := s.backend.step(in)

			s.mu.Lock()
			if err != nil {
				s.lastErr = err
				log.Printf("[Simulator] frame %d failed: %v", in.frame, err)
			} else {
				s.simTime += float64(in.dt)
				s.stats.Frame = in.frame
				s.stats.SimTime = s.simTime
				s.stats.ParticleCount = res.count
				s.stats.BoundaryCount = res.boundaryCount
				s.stats.Timings = res.timings
			}
			s.mu.Unlock()

			if len(res.removedIDs) > 0 {
				s.spawner.NotifyRemoved(res.removedIDs)
			}
			if s.prof != nil {
				s.prof.Observe(res.timings.Upload, res.timings.Index, res.timings.Solve, res.timings.Readback)
				s.prof.Tick()
			}
		case <-s.quit:
			return
		}
	}
}

func (s *simulator) SetParameters(p Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
	if s.adhesion != nil {
		return s.adhesion.SetParams(p.Adhesion)
	}
	return nil
}

func (s *simulator) Parameters() Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *simulator) SetColliders(colliders []collision.Collider) {
	cs := append([]collision.Collider(nil), colliders...)
	s.mu.Lock()
	s.pendingColliders = cs
	s.collidersDirty = true
	s.mu.Unlock()
}

func (s *simulator) RegisterBoundaryOwner(id uint32, locals []boundary.GPULocalBoundaryParticle, boneCount uint32) error {
	if s.skinning == nil {
		return errors.New("animated boundaries require the GPU backend")
	}
	return s.skinning.RegisterOwner(id, locals, boneCount)
}

func (s *simulator) UnregisterBoundaryOwner(id uint32) {
	if s.skinning != nil {
		s.skinning.UnregisterOwner(id)
	}
}

func (s *simulator) PublishBonePoses(id uint32, bones [][]float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.poseChannels[id]
	if ch == nil {
		ch = boundary.NewPoseChannel()
		s.poseChannels[id] = ch
	}
	s.poseSeq++
	ch.Publish(s.poseSeq, bones)
}

func (s *simulator) SetAdhesionParams(p adhesion.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.params.Adhesion = p
	s.mu.Unlock()
	if s.adhesion != nil {
		return s.adhesion.SetParams(p)
	}
	return nil
}

func (s *simulator) Spawn(req spawn.Request) {
	s.spawner.Enqueue(req)
}

func (s *simulator) DespawnSource(source uint32) {
	s.spawner.DespawnSource(source)
}

func (s *simulator) DespawnRegion(region common.AABB) {
	s.spawner.DespawnRegion(region)
}

func (s *simulator) SetSourceLimit(source, max uint32) {
	s.spawner.SetSourceLimit(source, max)
}

// refreshLatest pulls any newly completed readback and recomputes the lagged
// population aggregates.
func (s *simulator) refreshLatest() {
	particles, ok := s.backend.latestParticles()
	if !ok {
		return
	}
	var densitySum float64
	var asleep, attached uint32
	for i := range particles {
		densitySum += float64(particles[i].Density)
		if particles[i].Flags&particle.FlagAsleep != 0 {
			asleep++
		}
		if particles[i].Flags&particle.FlagAttached != 0 {
			attached++
		}
	}

	s.mu.Lock()
	s.latest = particles
	s.haveLatest = true
	if len(particles) > 0 {
		s.stats.AverageDensity = float32(densitySum / float64(len(particles)))
	} else {
		s.stats.AverageDensity = 0
	}
	s.stats.AsleepCount = asleep
	s.stats.AttachedCount = attached
	s.mu.Unlock()
}

func (s *simulator) Particles() ([]particle.GPUParticle, bool) {
	s.refreshLatest()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveLatest {
		return nil, false
	}
	out := make([]particle.GPUParticle, len(s.latest))
	copy(out, s.latest)
	return out, true
}

func (s *simulator) Contacts() []collision.ContactEvent {
	return s.backend.latestContacts()
}

func (s *simulator) SnapshotParticles() ([]particle.GPUParticle, error) {
	return s.backend.snapshotParticles()
}

func (s *simulator) Shapes() ([]ParticleShape, bool) {
	s.refreshLatest()
	s.mu.Lock()
	latest := s.latest
	have := s.haveLatest
	h := s.params.SmoothingRadius
	pr := s.params.ParticleRadius
	s.mu.Unlock()
	if !have {
		return nil, false
	}
	return s.shapes.Update(latest, h, pr), true
}

func (s *simulator) Stats() Stats {
	s.refreshLatest()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *simulator) Clear() {
	s.spawner.Reset()
	s.backend.clear()
	s.mu.Lock()
	s.latest = nil
	s.haveLatest = false
	s.stats = Stats{Frame: s.stats.Frame, SimTime: s.simTime}
	s.mu.Unlock()
	s.shapes.Reset()
}

func (s *simulator) Release() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
	s.backend.release()
}

package sim

import (
	"time"

	"github.com/tidefall-dev/tidefall/sim/boundary"
	"github.com/tidefall-dev/tidefall/sim/collision"
	"github.com/tidefall-dev/tidefall/sim/particle"
	"github.com/tidefall-dev/tidefall/sim/spawn"
)

// frameInput is the immutable per-frame snapshot captured on the game thread
// at enqueue time. The compute goroutine is the only reader: mutations made
// after enqueue (new poses, collider edits) never reach a queued frame.
type frameInput struct {
	frame  uint64
	dt     float32
	params Parameters

	spawnBatch []particle.GPUParticle
	despawn    spawn.DespawnFilter

	// colliders replaces the backend's collider set when collidersSet is true;
	// the slice is owned by the frame.
	colliders    []collision.Collider
	collidersSet bool

	// poses holds the newest undelivered pose snapshot per boundary owner.
	poses map[uint32]*boundary.PoseSnapshot
}

// StepTimings is the CPU-side breakdown of one frame's work, reported through
// Stats for the profiler and telemetry consumers.
type StepTimings struct {
	Upload   time.Duration
	Index    time.Duration
	Solve    time.Duration
	Readback time.Duration
	Total    time.Duration
}

// stepResult is what a backend reports after executing one frame.
type stepResult struct {
	count         uint32
	boundaryCount uint32
	removedIDs    []uint32
	timings       StepTimings
}

// backend executes frames. The wgpu backend encodes the dispatch graph; the
// cpu backend runs the reference solver. Both are driven only from the compute
// goroutine; their poll methods are safe to call from the game thread.
type backend interface {
	// step executes one frame from the snapshot.
	step(in frameInput) (stepResult, error)

	// latestParticles returns the newest completed particle readback, or false
	// when none is available yet.
	latestParticles() ([]particle.GPUParticle, bool)

	// latestContacts returns the newest completed contact events. Empty when
	// feedback is disabled or nothing collided.
	latestContacts() []collision.ContactEvent

	// snapshotParticles reads the full live population synchronously.
	snapshotParticles() ([]particle.GPUParticle, error)

	// count returns the live particle count.
	count() uint32

	// clear drops all particles.
	clear()

	// release frees backend resources.
	release()
}

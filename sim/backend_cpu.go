package sim

import (
	"sync"
	"time"

	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/sim/adhesion"
	"github.com/tidefall-dev/tidefall/sim/boundary"
	"github.com/tidefall-dev/tidefall/sim/collision"
	"github.com/tidefall-dev/tidefall/sim/particle"
	"github.com/tidefall-dev/tidefall/sim/solver"
)

// cpuBackend runs the reference solver. It exists for headless tests, CI, and
// machines without a usable GPU adapter; results are bit-independent from the
// wgpu backend but follow the same substep order and parameters.
type cpuBackend struct {
	mu *sync.Mutex

	ref       *solver.Reference
	colliders collision.Manager
	statics   boundary.StaticBoundaryManager

	particles []particle.GPUParticle
	capacity  uint32

	contacts      []collision.ContactEvent
	boundaryCount uint32
}

var _ backend = &cpuBackend{}

func newCPUBackend(params Parameters, colliders collision.Manager, statics boundary.StaticBoundaryManager, capacity uint32) *cpuBackend {
	ref := solver.NewReference(params.solverConfig())
	ref.SetColliders(colliders)
	return &cpuBackend{
		mu:        &sync.Mutex{},
		ref:       ref,
		colliders: colliders,
		statics:   statics,
		capacity:  capacity,
	}
}

func (b *cpuBackend) step(in frameInput) (stepResult, error) {
	start := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	var timings StepTimings
	var removed []uint32

	uploadStart := time.Now()
	if in.collidersSet {
		b.colliders.SetColliders(in.colliders)
	}
	for _, snap := range in.poses {
		b.colliders.RefreshBonePoses(snap.Bones)
	}
	if in.despawn != nil {
		kept := b.particles[:0]
		for i := range b.particles {
			if in.despawn(&b.particles[i]) {
				removed = append(removed, b.particles[i].ID)
				continue
			}
			kept = append(kept, b.particles[i])
		}
		b.particles = kept
	}
	for _, p := range in.spawnBatch {
		if uint32(len(b.particles)) >= b.capacity {
			break
		}
		b.particles = append(b.particles, p)
	}
	timings.Upload = time.Since(uploadStart)

	indexStart := time.Now()
	b.ref.SetConfig(in.params.solverConfig())
	samples := b.statics.Generate(b.colliders.Colliders())
	boundarySamples := make([]solver.BoundarySample, len(samples))
	for i, s := range samples {
		boundarySamples[i] = solver.BoundarySample{Position: common.FromArray(s.Position), Volume: s.Volume}
	}
	b.ref.SetBoundarySamples(boundarySamples)
	b.boundaryCount = uint32(len(boundarySamples))
	timings.Index = time.Since(indexStart)

	solveStart := time.Now()
	subDt := in.dt / float32(in.params.Substeps)
	for s := 0; s < in.params.Substeps; s++ {
		b.ref.Step(b.particles, subDt)
		b.applyAdhesion(in.params.Adhesion, in.params.ParticleRadius)
	}
	timings.Solve = time.Since(solveStart)

	b.recordContacts(in.params)

	timings.Total = time.Since(start)
	return stepResult{
		count:         uint32(len(b.particles)),
		boundaryCount: b.boundaryCount,
		removedIDs:    removed,
		timings:       timings,
	}, nil
}

// applyAdhesion mirrors the adhesion compute pass on the CPU. Surface distance
// is probed by resolving against an inflated particle radius: a hit at radius
// pr+d means the surface is within d.
func (b *cpuBackend) applyAdhesion(ap adhesion.Params, pr float32) {
	if !ap.Enabled {
		for i := range b.particles {
			p := &b.particles[i]
			if p.Flags&particle.FlagAttached != 0 {
				p.Flags &^= particle.FlagAttached
				p.Flags |= particle.FlagJustDetached
				p.Attachment = particle.NoAttachment
			}
		}
		return
	}
	for i := range b.particles {
		p := &b.particles[i]
		pos := common.Vec3{X: p.Position[0], Y: p.Position[1], Z: p.Position[2]}
		speed := common.Vec3{X: p.Velocity[0], Y: p.Velocity[1], Z: p.Velocity[2]}.Length()

		if p.Flags&particle.FlagAttached != 0 {
			resolved, normal, slot := b.colliders.ResolveAll(pos, pr+ap.DetachDistance)
			if slot < 0 || adhesion.ShouldDetach(ap, surfaceDistance(pos, resolved, pr+ap.DetachDistance), speed) {
				p.Flags &^= particle.FlagAttached
				p.Flags |= particle.FlagJustDetached
				p.Attachment = particle.NoAttachment
				continue
			}
			b.pullToSurface(p, pos, resolved, normal, pr, ap.DetachDistance, ap.Stickiness)
			continue
		}

		if p.Flags&particle.FlagJustDetached != 0 {
			continue
		}
		resolved, normal, slot := b.colliders.ResolveAll(pos, pr+ap.AttachRadius)
		if slot < 0 {
			continue
		}
		if !adhesion.ShouldAttach(ap, surfaceDistance(pos, resolved, pr+ap.AttachRadius), speed) {
			continue
		}
		p.Flags |= particle.FlagAttached
		p.Attachment = uint32(i)
		b.pullToSurface(p, pos, resolved, normal, pr, ap.AttachRadius, ap.Stickiness)
	}
}

// surfaceDistance recovers the distance to the surface from an inflated-radius
// resolve: the resolve pushes the particle out to inflated, so the original
// gap is inflated minus the push length.
func surfaceDistance(pos, resolved common.Vec3, inflated float32) float32 {
	push := resolved.Sub(pos).Length()
	d := inflated - push
	if d < 0 {
		return 0
	}
	return d
}

// pullToSurface moves an attached particle part of the way toward its contact
// point at the collision radius, scaled by stickiness. Velocity is untouched;
// the next solve derives it from the position delta.
func (b *cpuBackend) pullToSurface(p *particle.GPUParticle, pos, resolved, normal common.Vec3, pr, probe, stickiness float32) {
	d := surfaceDistance(pos, resolved, pr+probe)
	if d <= pr {
		return
	}
	pull := normal.Scale(-(d - pr) * stickiness)
	p.Position[0] += pull.X
	p.Position[1] += pull.Y
	p.Position[2] += pull.Z
	p.Predicted = p.Position
}

// recordContacts resolves each particle against the collider set once more and
// aggregates per-collider events the way the GPU contact buffer does: a count
// plus one representative contact.
func (b *cpuBackend) recordContacts(params Parameters) {
	b.contacts = b.contacts[:0]
	if !params.CollisionFeedback {
		return
	}
	bySlot := map[int]*collision.ContactEvent{}
	for i := range b.particles {
		p := &b.particles[i]
		pos := common.Vec3{X: p.Position[0], Y: p.Position[1], Z: p.Position[2]}
		resolved, normal, slot := b.colliders.ResolveAll(pos, params.ParticleRadius+params.SmoothingRadius*0.1)
		if slot < 0 {
			continue
		}
		ev, ok := bySlot[slot]
		if !ok {
			colliders := b.colliders.Colliders()
			owner := uint32(0)
			if slot < len(colliders) {
				owner = colliders[slot].OwnerID
			}
			ev = &collision.ContactEvent{ColliderSlot: uint32(slot), OwnerID: owner}
			bySlot[slot] = ev
		}
		if ev.Count < params.MaxContactsPerCollider {
			ev.Count++
			ev.Point = resolved
			ev.Normal = normal
			ev.Speed = common.Vec3{X: p.Velocity[0], Y: p.Velocity[1], Z: p.Velocity[2]}.Length()
		}
	}
	for _, ev := range bySlot {
		b.contacts = append(b.contacts, *ev)
	}
}

func (b *cpuBackend) latestParticles() ([]particle.GPUParticle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]particle.GPUParticle, len(b.particles))
	copy(out, b.particles)
	return out, true
}

func (b *cpuBackend) latestContacts() []collision.ContactEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]collision.ContactEvent, len(b.contacts))
	copy(out, b.contacts)
	return out
}

func (b *cpuBackend) snapshotParticles() ([]particle.GPUParticle, error) {
	p, _ := b.latestParticles()
	return p, nil
}

func (b *cpuBackend) count() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint32(len(b.particles))
}

func (b *cpuBackend) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.particles = b.particles[:0]
	b.contacts = b.contacts[:0]
}

func (b *cpuBackend) release() {}

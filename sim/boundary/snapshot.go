// Package boundary turns animated and static meshes into Akinci-style
// boundary particles the solver can collide and adhere against: a pose
// snapshot channel for tear-free bone delivery, a skinning manager that
// deforms pre-sampled surface particles on the GPU each frame, and a static
// boundary generator with a content-addressed sample cache.
package boundary

import (
	"sync/atomic"
)

// PoseSnapshot is one immutable set of bone matrices for an owner, captured
// at a known animation frame. Bones are column-major 16-float world-from-bone
// matrices. Snapshots are never mutated after publication; readers may hold
// them across frames.
type PoseSnapshot struct {
	// Frame is the publisher's animation frame counter, used for staleness
	// diagnostics.
	Frame uint64
	// Bones holds one matrix per bone.
	Bones [][]float32
}

// clonePose deep-copies bone matrices so publishers can reuse their scratch.
func clonePose(frame uint64, bones [][]float32) *PoseSnapshot {
	snap := &PoseSnapshot{
		Frame: frame,
		Bones: make([][]float32, len(bones)),
	}
	for i, b := range bones {
		m := make([]float32, 16)
		copy(m, b)
		snap.Bones[i] = m
	}
	return snap
}

// PoseChannel delivers bone poses from the animation thread to the simulation
// without tearing: Publish installs a fully built snapshot atomically, and
// Latest always returns a complete snapshot (or nil before the first publish).
// A reader can never observe half of one pose and half of another.
type PoseChannel struct {
	latest atomic.Pointer[PoseSnapshot]
}

// NewPoseChannel creates an empty PoseChannel.
//
// Returns:
//   - *PoseChannel: the channel
func NewPoseChannel() *PoseChannel {
	return &PoseChannel{}
}

// Publish installs a new pose snapshot. The bone matrices are copied before
// publication, so the caller may immediately reuse its buffers.
//
// Parameters:
//   - frame: the publisher's animation frame counter
//   - bones: column-major 16-float bone matrices
func (c *PoseChannel) Publish(frame uint64, bones [][]float32) {
	c.latest.Store(clonePose(frame, bones))
}

// Latest returns the most recently published snapshot, or nil if nothing has
// been published yet.
//
// Returns:
//   - *PoseSnapshot: the snapshot or nil
func (c *PoseChannel) Latest() *PoseSnapshot {
	return c.latest.Load()
}

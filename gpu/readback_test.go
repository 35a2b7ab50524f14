package gpu

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareRing() *readbackRing {
	r := &readbackRing{mu: &sync.Mutex{}, label: "test"}
	for i := range r.slots {
		r.slots[i] = &readbackSlot{}
	}
	return r
}

func TestReadbackTryLatestEmpty(t *testing.T) {
	r := newBareRing()
	data, ok := r.TryLatest()
	assert.Nil(t, data)
	assert.False(t, ok)
}

func TestReadbackSnapshotSwapsNotOverwrites(t *testing.T) {
	// A consumer holds the slice from TryLatest while the next map completion
	// publishes newer data. The held slice must keep its contents: completions
	// replace the latest slice, they never write through the old backing array.
	r := newBareRing()

	r.mu.Lock()
	r.storeSnapshot([]byte{1, 2, 3, 4}, 1)
	r.mu.Unlock()

	held, ok := r.TryLatest()
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4}, held)

	r.mu.Lock()
	r.storeSnapshot([]byte{9, 9, 9, 9}, 2)
	r.mu.Unlock()

	assert.Equal(t, []byte{1, 2, 3, 4}, held, "held snapshot must not change under later completions")

	latest, ok := r.TryLatest()
	require.True(t, ok)
	assert.Equal(t, []byte{9, 9, 9, 9}, latest)
	assert.Equal(t, uint64(2), r.LatestFrame())
}

func TestReadbackSnapshotIgnoresStaleFrames(t *testing.T) {
	// Out-of-order completions: a slower slot finishing after a newer one must
	// not roll the snapshot back.
	r := newBareRing()

	r.mu.Lock()
	r.storeSnapshot([]byte{7, 7}, 5)
	r.storeSnapshot([]byte{1, 1}, 3)
	r.mu.Unlock()

	latest, ok := r.TryLatest()
	require.True(t, ok)
	assert.Equal(t, []byte{7, 7}, latest)
	assert.Equal(t, uint64(5), r.LatestFrame())
}

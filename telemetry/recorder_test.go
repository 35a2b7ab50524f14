package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidefall-dev/tidefall/sim"
)

func TestRecorderDropsDuplicateFrames(t *testing.T) {
	r := NewRecorder(filepath.Join(t.TempDir(), "out.csv"))

	r.Record(sim.Stats{Frame: 0, ParticleCount: 10})
	r.Record(sim.Stats{Frame: 0, ParticleCount: 10})
	r.Record(sim.Stats{Frame: 1, ParticleCount: 12})
	r.Record(sim.Stats{Frame: 1, ParticleCount: 12})

	assert.Equal(t, 2, r.Len())
}

func TestRecorderWritesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	r := NewRecorder(path)
	r.Record(sim.Stats{
		Frame:         3,
		SimTime:       0.05,
		ParticleCount: 42,
		Timings:       sim.StepTimings{Solve: 2 * time.Millisecond, Total: 3 * time.Millisecond},
	})
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "frame")
	assert.Contains(t, lines[0], "solve_ms")
	assert.Contains(t, lines[1], "42")
}

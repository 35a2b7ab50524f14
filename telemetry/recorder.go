// Package telemetry records per-frame simulation statistics to CSV for
// offline analysis of solver behavior and performance.
package telemetry

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/tidefall-dev/tidefall/sim"
)

// Row is one frame's statistics as written to the CSV.
type Row struct {
	Frame          uint64  `csv:"frame"`
	SimTime        float64 `csv:"sim_time_s"`
	ParticleCount  uint32  `csv:"particles"`
	BoundaryCount  uint32  `csv:"boundary_samples"`
	AverageDensity float32 `csv:"avg_density"`
	AsleepCount    uint32  `csv:"asleep"`
	AttachedCount  uint32  `csv:"attached"`
	UploadMs       float64 `csv:"upload_ms"`
	IndexMs        float64 `csv:"index_ms"`
	SolveMs        float64 `csv:"solve_ms"`
	ReadbackMs     float64 `csv:"readback_ms"`
	TotalMs        float64 `csv:"total_ms"`
}

// Recorder buffers frame rows and flushes them to a CSV file on Close.
type Recorder struct {
	mu   *sync.Mutex
	path string
	rows []*Row
	last uint64
	any  bool
}

// NewRecorder creates a Recorder that will write to the given path.
//
// Parameters:
//   - path: destination CSV file path
//
// Returns:
//   - *Recorder: the recorder
func NewRecorder(path string) *Recorder {
	return &Recorder{
		mu:   &sync.Mutex{},
		path: path,
	}
}

// Record appends one frame's stats. Duplicate frames (stats polled faster
// than the sim advances) are dropped.
//
// Parameters:
//   - s: the frame stats
func (r *Recorder) Record(s sim.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.any && s.Frame <= r.last {
		return
	}
	r.any = true
	r.last = s.Frame
	r.rows = append(r.rows, &Row{
		Frame:          s.Frame,
		SimTime:        s.SimTime,
		ParticleCount:  s.ParticleCount,
		BoundaryCount:  s.BoundaryCount,
		AverageDensity: s.AverageDensity,
		AsleepCount:    s.AsleepCount,
		AttachedCount:  s.AttachedCount,
		UploadMs:       ms(s.Timings.Upload),
		IndexMs:        ms(s.Timings.Index),
		SolveMs:        ms(s.Timings.Solve),
		ReadbackMs:     ms(s.Timings.Readback),
		TotalMs:        ms(s.Timings.Total),
	})
}

// Len returns the number of buffered rows.
//
// Returns:
//   - int: the row count
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// Close writes all buffered rows to the CSV file.
//
// Returns:
//   - error: an error if the file cannot be written
func (r *Recorder) Close() error {
	r.mu.Lock()
	rows := r.rows
	r.rows = nil
	r.mu.Unlock()

	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("failed to create telemetry file: %w", err)
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return fmt.Errorf("failed to write telemetry: %w", err)
	}
	return nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

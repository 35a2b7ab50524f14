// Package profiler tracks step rate, solver timing breakdown, and memory
// statistics for the simulation loop. Outputs stats to the log at a
// configurable interval.
package profiler

import (
	"log"
	"runtime"
	"time"
)

// Profiler accumulates per-step timings between log intervals.
type Profiler struct {
	frameCount     int
	lastTime       time.Time
	updateInterval time.Duration
	memStats       runtime.MemStats
	lastGCCount    uint32
	lastTotalAlloc uint64

	upload   time.Duration
	index    time.Duration
	solve    time.Duration
	readback time.Duration
}

// NewProfiler creates a new Profiler with default settings.
// Update interval defaults to 1 second.
//
// Returns:
//   - *Profiler: the newly created profiler instance
func NewProfiler() *Profiler {
	return &Profiler{
		lastTime:       time.Now(),
		updateInterval: time.Second,
		memStats:       runtime.MemStats{},
	}
}

// Observe records one step's timing breakdown. Call once per simulated frame
// before Tick.
//
// Parameters:
//   - upload: CPU time staging buffer writes
//   - index: CPU time encoding the spatial index build
//   - solve: CPU time encoding the solver dispatches
//   - readback: CPU time staging and flushing readbacks
func (p *Profiler) Observe(upload, index, solve, readback time.Duration) {
	p.upload += upload
	p.index += index
	p.solve += solve
	p.readback += readback
}

// Tick should be called once per simulated frame to track step timing.
// Logs performance statistics when the update interval has elapsed.
// Statistics include: steps/s, the solver timing breakdown, heap usage,
// allocation rate, and GC count/pause times.
//
// Returns:
//   - bool: true if stats were logged this tick, false otherwise
func (p *Profiler) Tick() bool {
	p.frameCount++
	currentTime := time.Now()
	elapsed := currentTime.Sub(p.lastTime)

	if elapsed < p.updateInterval {
		return false
	}
	sps := float64(p.frameCount) / elapsed.Seconds()

	frames := time.Duration(p.frameCount)
	avgUpload := p.upload / frames
	avgIndex := p.index / frames
	avgSolve := p.solve / frames
	avgReadback := p.readback / frames

	runtime.ReadMemStats(&p.memStats)
	allocMB := float64(p.memStats.Alloc) / 1024 / 1024

	// Allocation rate (MB/sec) from the cumulative churn counter.
	allocDelta := p.memStats.TotalAlloc - p.lastTotalAlloc
	allocRateMB := float64(allocDelta) / 1024 / 1024 / elapsed.Seconds()

	// GC pause stats: PauseNs is a circular buffer of the last 256 pauses.
	gcCount := p.memStats.NumGC
	var lastPauseUs, maxPauseUs uint64
	if gcCount > 0 {
		lastPauseUs = p.memStats.PauseNs[(gcCount-1)%256] / 1000

		startIdx := p.lastGCCount
		if gcCount-startIdx > 256 {
			startIdx = gcCount - 256
		}
		for i := startIdx; i < gcCount; i++ {
			pause := p.memStats.PauseNs[i%256] / 1000
			if pause > maxPauseUs {
				maxPauseUs = pause
			}
		}
	}

	log.Printf("[Profiler] Steps/s: %.2f | Upload: %s | Index: %s | Solve: %s | Readback: %s | Heap: %.2f MB | Alloc Rate: %.2f MB/s | GC: %d (last: %d µs, max: %d µs)",
		sps, avgUpload, avgIndex, avgSolve, avgReadback, allocMB, allocRateMB, gcCount, lastPauseUs, maxPauseUs)

	p.frameCount = 0
	p.upload, p.index, p.solve, p.readback = 0, 0, 0, 0
	p.lastTime = currentTime
	p.lastGCCount = gcCount
	p.lastTotalAlloc = p.memStats.TotalAlloc
	return true
}

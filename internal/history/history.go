// Package history keeps the most recent telemetry samples for display.
// Five parallel series, fixed capacity, oldest sample evicted first.
package history

import (
	"sync"

	"github.com/beamline/console/telemetry"
)

const DefaultCapacity = 2000

// Buffer is a ring over parallel series so that sample i in every series
// belongs to the same telemetry frame. Writes come from the console
// controller only; Snapshot may be called from the render goroutine.
type Buffer struct {
	mu   sync.Mutex
	head int // index of oldest sample
	size int

	times     []float64
	pos       []float64
	intensity []float64
	mag       []float64
	loopTime  []float64
}

// Snapshot is a stable copy of the buffer contents in arrival order.
type Snapshot struct {
	Times     []float64
	Pos       []float64
	Intensity []float64
	Mag       []float64
	LoopTime  []float64
}

func (s Snapshot) Len() int { return len(s.Times) }

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		times:     make([]float64, capacity),
		pos:       make([]float64, capacity),
		intensity: make([]float64, capacity),
		mag:       make([]float64, capacity),
		loopTime:  make([]float64, capacity),
	}
}

func (b *Buffer) Cap() int { return len(b.times) }

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Append never fails; at capacity it overwrites the oldest sample.
func (b *Buffer) Append(s telemetry.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := (b.head + b.size) % len(b.times)
	b.times[i] = s.T
	b.pos[i] = s.Pos
	b.intensity[i] = s.Intensity
	b.mag[i] = s.Mag
	b.loopTime[i] = s.LoopTimeMS
	if b.size < len(b.times) {
		b.size++
	} else {
		b.head = (b.head + 1) % len(b.times)
	}
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	b.head = 0
	b.size = 0
	b.mu.Unlock()
}

func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Times:     make([]float64, b.size),
		Pos:       make([]float64, b.size),
		Intensity: make([]float64, b.size),
		Mag:       make([]float64, b.size),
		LoopTime:  make([]float64, b.size),
	}
	for n := 0; n < b.size; n++ {
		i := (b.head + n) % len(b.times)
		snap.Times[n] = b.times[i]
		snap.Pos[n] = b.pos[i]
		snap.Intensity[n] = b.intensity[i]
		snap.Mag[n] = b.mag[i]
		snap.LoopTime[n] = b.loopTime[i]
	}
	return snap
}

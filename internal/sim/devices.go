package sim

import (
	"math"
	"math/rand"
)

// Noise mirrors the beamline instrumentation noise model: gaussian readout
// noise and poisson counting statistics.
type Noise struct {
	rnd *rand.Rand
}

func NewNoise(seed int64) *Noise {
	return &Noise{rnd: rand.New(rand.NewSource(seed))}
}

func (n *Noise) Gauss() float64 {
	return n.rnd.NormFloat64() * 0.01
}

// PoissonMean draws a poisson sample; large means use the normal
// approximation, which is indistinguishable at beam intensities around 1e4.
func (n *Noise) PoissonMean(mean float64) float64 {
	if mean <= 0 {
		return 0
	}
	if mean > 30 {
		v := math.Round(mean + math.Sqrt(mean)*n.rnd.NormFloat64())
		if v < 0 {
			v = 0
		}
		return v
	}
	// Knuth
	l := math.Exp(-mean)
	k := 0
	p := 1.0
	for {
		p *= n.rnd.Float64()
		if p <= l {
			return float64(k)
		}
		k++
	}
}

// BPM is the beam position monitor: a 0.5 mm, 5 Hz oscillation plus readout
// noise plus the magnet-coupled offset.
type BPM struct {
	noise  *Noise
	phase  float64
	omega  float64 // rad/s
	offset float64
	stepDT float64
}

func NewBPM(noise *Noise, stepDT float64) *BPM {
	return &BPM{noise: noise, omega: 2 * math.Pi * 5, stepDT: stepDT}
}

func (b *BPM) SetStepDT(dt float64)   { b.stepDT = dt }
func (b *BPM) InjectOffset(o float64) { b.offset = o }
func (b *BPM) Offset() float64        { return b.offset }

func (b *BPM) Read() float64 {
	b.phase += b.omega * b.stepDT
	return math.Sin(b.phase)*0.5 + b.offset + b.noise.Gauss()
}

// BIC is the beam intensity counter.
type BIC struct {
	noise *Noise
	mean  float64
}

func NewBIC(noise *Noise) *BIC { return &BIC{noise: noise, mean: 10000} }

func (b *BIC) Read() float64 { return b.noise.PoissonMean(b.mean) }

// Magnet holds the last commanded steering current.
type Magnet struct {
	current float64
}

func (m *Magnet) Set(v float64) { m.current = v }
func (m *Magnet) Get() float64  { return m.current }

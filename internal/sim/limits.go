package sim

// Limits keeps every actuator command inside safe operating bounds.
type Limits struct {
	MagnetMin, MagnetMax float64 // A
	FreqMin, FreqMax     float64 // Hz
	GainMin, GainMax     float64
}

func DefaultLimits() Limits {
	return Limits{
		MagnetMin: -2, MagnetMax: 2,
		FreqMin: 10, FreqMax: 2000,
		GainMin: 0, GainMax: 10,
	}
}

func (l Limits) ClampMagnet(v float64) float64 { return clamp(v, l.MagnetMin, l.MagnetMax) }

func (l Limits) ClampFrequency(hz float64) float64 { return clamp(hz, l.FreqMin, l.FreqMax) }

func (l Limits) ClampGains(kp, ki, kd float64) (float64, float64, float64) {
	return clamp(kp, l.GainMin, l.GainMax),
		clamp(ki, l.GainMin, l.GainMax),
		clamp(kd, l.GainMin, l.GainMax)
}

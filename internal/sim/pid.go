// Package sim is a software beamline: a PID-steered magnet holding a noisy
// beam on target, with a deadline watchdog and the control command table.
// It exists so the console has a realistic peer in development and tests.
package sim

// PID is a discrete-time controller with integrator clamping, conditional
// anti-windup and derivative on error.
type PID struct {
	Kp, Ki, Kd float64
	Setpoint   float64

	integ    float64
	prevErr  float64
	integMin float64
	integMax float64
	lastErr  float64
}

func NewPID(kp, ki, kd float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd, integMin: -1e6, integMax: 1e6}
}

// Step runs one control period and returns the output clamped to
// [outMin, outMax].
func (p *PID) Step(measurement, dt, outMin, outMax float64) float64 {
	err := p.Setpoint - measurement
	p.lastErr = err

	proportional := p.Kp * err

	if dt > 0 {
		tentative := clamp(p.integ+err*dt, p.integMin, p.integMax)
		tentativeOut := proportional + p.Ki*tentative
		if tentativeOut >= outMin && tentativeOut <= outMax {
			p.integ = tentative
		} else {
			// saturated: integrate only when it pulls the output back
			// toward the bounds
			currentOut := proportional + p.Ki*p.integ
			if (tentativeOut > outMax && currentOut > tentativeOut) ||
				(tentativeOut < outMin && currentOut < tentativeOut) {
				p.integ = tentative
			}
		}
	}
	integral := p.Ki * p.integ

	derivative := 0.0
	if dt > 1e-9 && p.Kd != 0 {
		derivative = p.Kd * (err - p.prevErr) / dt
	}
	p.prevErr = err

	return clamp(proportional+integral+derivative, outMin, outMax)
}

// Reset clears integrator and derivative state.
func (p *PID) Reset() {
	p.integ = 0
	p.prevErr = 0
	p.lastErr = 0
}

// SetSetpoint installs a new target without a derivative kick.
func (p *PID) SetSetpoint(sp float64) {
	p.prevErr = sp - (p.Setpoint - p.prevErr)
	p.Setpoint = sp
}

func (p *PID) SetIntegratorLimits(min, max float64) {
	p.integMin, p.integMax = min, max
	p.integ = clamp(p.integ, min, max)
}

// LastError reports the error of the most recent Step.
func (p *PID) LastError() float64 { return p.lastErr }

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

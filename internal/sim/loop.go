package sim

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/temoto/alive/v2"

	"github.com/beamline/console/internal/control"
	"github.com/beamline/console/log2"
	"github.com/beamline/console/telemetry"
)

// Publisher delivers one frame on a logical topic suffix (telemetry, alarm,
// error, status). The broker adapter adds the configured prefix.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Options struct {
	Log     *log2.Log
	Publish Publisher

	FrequencyHz float64
	Setpoint    float64
	Kp, Ki, Kd  float64
	Seed        int64
}

// Beamline runs the feedback loop and answers control commands.
// The loop goroutine and responder goroutines share state under one mutex;
// commands are rare next to loop iterations so contention does not matter.
type Beamline struct {
	alive *alive.Alive
	log   *log2.Log
	pub   Publisher

	mu     sync.Mutex
	pid    *PID
	limits Limits
	bpm    *BPM
	bic    *BIC
	magnet *Magnet

	freq      float64
	loopCount uint64
	misses    uint64
	avgMS     float64
	maxMS     float64
	enabled   bool
	estop     bool
}

type teleFrame struct {
	T              float64            `json:"t"`
	Pos            float64            `json:"pos"`
	Intensity      float64            `json:"intensity"`
	Mag            float64            `json:"mag"`
	DeadlineMiss   telemetry.FlexBool `json:"deadline_miss"`
	LoopTimeMS     float64            `json:"loop_time_ms"`
	PidError       float64            `json:"pid_error"`
	ControlEnabled bool               `json:"control_enabled"`
	EmergencyStop  bool               `json:"emergency_stop"`
}

func NewBeamline(opt Options) *Beamline {
	if opt.FrequencyHz == 0 {
		opt.FrequencyHz = 1000
	}
	if opt.Kp == 0 && opt.Ki == 0 && opt.Kd == 0 {
		opt.Kp, opt.Ki = 0.6, 0.05
	}
	if opt.Seed == 0 {
		opt.Seed = time.Now().UnixNano()
	}
	limits := DefaultLimits()
	noise := NewNoise(opt.Seed)
	b := &Beamline{
		alive:   alive.NewAlive(),
		log:     opt.Log,
		pub:     opt.Publish,
		pid:     NewPID(opt.Kp, opt.Ki, opt.Kd),
		limits:  limits,
		bpm:     NewBPM(noise, 1/opt.FrequencyHz),
		bic:     NewBIC(noise),
		magnet:  &Magnet{},
		freq:    limits.ClampFrequency(opt.FrequencyHz),
		enabled: true,
	}
	b.pid.Setpoint = opt.Setpoint
	b.pid.SetIntegratorLimits(-10, 10)
	return b
}

// Run blocks until Stop or the stop command.
func (b *Beamline) Run() {
	if !b.alive.Add(1) {
		return
	}
	defer b.alive.Done()

	start := time.Now()
	for b.alive.IsRunning() {
		iterBegin := time.Now()
		period := b.iterate(start, iterBegin)

		if sleep := period - time.Since(iterBegin); sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-b.alive.StopChan():
			}
		}
	}

	// shut the magnet off and announce the loop is gone
	b.mu.Lock()
	b.magnet.Set(0)
	n := b.loopCount
	b.mu.Unlock()
	bs, _ := json.Marshal(map[string]interface{}{"type": "shutdown", "loop_count": n})
	if err := b.pub.Publish(telemetry.TopicStatus, bs); err != nil {
		b.log.Infof("sim shutdown publish err=%v", err)
	}
	b.log.Infof("sim loop stopped count=%d", n)
}

func (b *Beamline) Stop()                     { b.alive.Stop() }
func (b *Beamline) StopChan() <-chan struct{} { return b.alive.StopChan() }
func (b *Beamline) Wait()                     { b.alive.Wait() }

// iterate runs one loop period and returns the period in force for the wait.
func (b *Beamline) iterate(start, iterBegin time.Time) time.Duration {
	b.mu.Lock()
	period := time.Duration(float64(time.Second) / b.freq)
	dt := period.Seconds()
	b.bpm.SetStepDT(dt)

	pos := b.bpm.Read()
	intensity := b.bic.Read()

	if b.enabled && !b.estop {
		out := b.limits.ClampMagnet(b.pid.Step(pos, dt, b.limits.MagnetMin, b.limits.MagnetMax))
		b.magnet.Set(out)
		// closed loop physics: the magnet steers the beam back
		b.bpm.InjectOffset(b.bpm.Offset() - 0.4*out)
	} else {
		b.magnet.Set(0)
	}

	workDur := time.Since(iterBegin)
	miss := workDur > period
	loopMS := float64(workDur) / float64(time.Millisecond)

	count := b.loopCount
	b.avgMS = (b.avgMS*float64(count) + loopMS) / float64(count+1)
	if loopMS > b.maxMS {
		b.maxMS = loopMS
	}
	b.loopCount++

	frame := teleFrame{
		T:              time.Since(start).Seconds(),
		Pos:            pos,
		Intensity:      intensity,
		Mag:            b.magnet.Get(),
		DeadlineMiss:   telemetry.FlexBool(miss),
		LoopTimeMS:     loopMS,
		PidError:       b.pid.LastError(),
		ControlEnabled: b.enabled,
		EmergencyStop:  b.estop,
	}

	var alarm []byte
	if miss {
		b.misses++
		// persistent overruns: trade frequency for stability
		if b.misses%10 == 0 {
			oldFreq := b.freq
			newFreq := b.limits.ClampFrequency(oldFreq * 0.8)
			if newFreq != oldFreq {
				b.freq = newFreq
				alarm, _ = json.Marshal(map[string]interface{}{
					"type":     "frequency_reduced",
					"old_freq": oldFreq,
					"new_freq": newFreq,
					"reason":   "deadline_misses",
				})
				period = time.Duration(float64(time.Second) / newFreq)
			}
		}
	}
	b.mu.Unlock()

	bs, _ := json.Marshal(&frame)
	if err := b.pub.Publish(telemetry.TopicTelemetry, bs); err != nil {
		b.log.Debugf("sim telemetry publish err=%v", err)
	}
	if alarm != nil {
		b.log.Infof("sim alarm %s", alarm)
		if err := b.pub.Publish(telemetry.TopicAlarm, alarm); err != nil {
			b.log.Infof("sim alarm publish err=%v", err)
		}
	}
	return period
}

// HandleCommand implements the control command table. Safe to call from any
// goroutine; the responder calls it once per received request.
func (b *Beamline) HandleCommand(req control.Request) control.Reply {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Cmd {
	case control.CmdGetStatus:
		st := b.statusLocked()
		return control.Reply{OK: true, Status: &st}

	case control.CmdSetPID:
		kp, ki, kd := b.pid.Kp, b.pid.Ki, b.pid.Kd
		if req.Kp != nil {
			kp = *req.Kp
		}
		if req.Ki != nil {
			ki = *req.Ki
		}
		if req.Kd != nil {
			kd = *req.Kd
		}
		b.pid.Kp, b.pid.Ki, b.pid.Kd = b.limits.ClampGains(kp, ki, kd)
		return control.Reply{OK: true, Message: "PID gains updated"}

	case control.CmdSetFreq:
		hz := b.freq
		if req.Hz != nil {
			hz = *req.Hz
		}
		b.freq = b.limits.ClampFrequency(hz)
		return control.Reply{OK: true, Message: "Frequency updated"}

	case control.CmdSetSetpoint:
		sp := 0.0
		if req.Sp != nil {
			sp = *req.Sp
		}
		b.pid.SetSetpoint(sp)
		return control.Reply{OK: true, Message: "Setpoint updated"}

	case control.CmdRecommission:
		b.pid.Reset()
		b.pid.Setpoint = 0
		b.magnet.Set(0)
		b.bpm.InjectOffset(0)
		b.estop = false
		b.enabled = true
		b.misses = 0
		b.loopCount = 0
		return control.Reply{OK: true, Message: "System recommissioned"}

	case control.CmdEmergencyStop:
		b.estop = true
		b.magnet.Set(0)
		return control.Reply{OK: true, Message: "Emergency stop activated"}

	case control.CmdEnableControl:
		enable := true
		if req.Enable != nil {
			enable = *req.Enable
		}
		b.enabled = enable
		if !enable {
			b.magnet.Set(0)
		}
		return control.Reply{OK: true, Message: "Control enable updated"}

	case control.CmdStop:
		b.alive.Stop()
		return control.Reply{OK: true, Message: "Stopping control loop"}
	}
	return control.Reply{OK: false, Error: "Unknown command"}
}

func (b *Beamline) statusLocked() control.Status {
	return control.Status{
		LoopFrequency:  b.freq,
		LoopCount:      b.loopCount,
		DeadlineMisses: b.misses,
		AvgLoopTimeMS:  b.avgMS,
		MaxLoopTimeMS:  b.maxMS,
		ControlEnabled: b.enabled,
		EmergencyStop:  b.estop,
		PIDGains:       control.PIDGains{Kp: b.pid.Kp, Ki: b.pid.Ki, Kd: b.pid.Kd},
		Setpoint:       b.pid.Setpoint,
	}
}

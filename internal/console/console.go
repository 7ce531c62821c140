// Package console is the operator console core: it owns the telemetry
// history, connection health and last known system status, and executes
// operator intents against the control channel. All mutable state is written
// by a single goroutine; the UI reads through snapshot accessors.
package console

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/beamline/console/helpers"
	"github.com/beamline/console/helpers/atomic_clock"
	"github.com/beamline/console/internal/control"
	"github.com/beamline/console/internal/history"
	"github.com/beamline/console/log2"
	"github.com/beamline/console/telemetry"
)

const (
	DefaultStaleness    = 2 * time.Second
	DefaultPollInterval = time.Second
)

// Health of the telemetry link as shown to the operator.
type Health uint8

const (
	HealthDisconnected Health = iota
	HealthConnected
	HealthError
)

func (h Health) String() string {
	switch h {
	case HealthConnected:
		return "connected"
	case HealthError:
		return "error"
	}
	return "disconnected"
}

// EventSource is the telemetry side, satisfied by subscriber.Subscriber.
type EventSource interface {
	Events() <-chan telemetry.Event
	Stop()
}

// Commander is the control side, satisfied by control.Client.
type Commander interface {
	Send(control.Request) (*control.Reply, error)
	Close() error
}

// Notifier receives operator-facing messages. Implementations must not block;
// calls come from the controller goroutine and from intent callers.
type Notifier interface {
	Info(msg string)
	Error(msg string)
	Alarm(a telemetry.Alarm)
}

type Options struct {
	Source   EventSource
	Commands Commander
	Notify   Notifier
	Log      *log2.Log

	HistoryCapacity int
	Staleness       time.Duration
	PollInterval    time.Duration
}

// Settings is the operator input of one ApplySettings intent.
type Settings struct {
	Kp, Ki, Kd float64
	Freq       float64
	Setpoint   float64
}

type Controller struct {
	alive   *alive.Alive
	cmd     Commander
	history *history.Buffer
	log     *log2.Log
	notify  Notifier
	opt     Options
	source  EventSource

	lastSample *atomic_clock.Clock
	misses     uint64 // atomic

	mu         sync.RWMutex
	health     Health
	fault      string // last transport or decode fault, cleared by a sample
	status     control.Status
	statusOK   bool // status has been populated at least once
	pollFailed bool // notify once per poll failure streak
}

func NewController(opt Options) *Controller {
	if opt.Staleness == 0 {
		opt.Staleness = DefaultStaleness
	}
	if opt.PollInterval == 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.HistoryCapacity == 0 {
		opt.HistoryCapacity = history.DefaultCapacity
	}
	return &Controller{
		alive:      alive.NewAlive(),
		cmd:        opt.Commands,
		history:    history.New(opt.HistoryCapacity),
		log:        opt.Log,
		notify:     opt.Notify,
		opt:        opt,
		source:     opt.Source,
		lastSample: atomic_clock.New(0),
	}
}

// Start launches the event loop.
func (c *Controller) Start() error {
	if !c.alive.Add(1) {
		return errors.Errorf("console: Start after Stop")
	}
	go c.loop()
	return nil
}

// Stop shuts the pipeline down in dependency order: the event loop, then the
// telemetry source, then the control connection.
func (c *Controller) Stop() {
	c.alive.Stop()
	c.alive.Wait()
	c.source.Stop()
	if err := c.cmd.Close(); err != nil {
		c.log.Errorf("console stop control close err=%v", err)
	}
}

func (c *Controller) loop() {
	defer c.alive.Done()

	tick := time.NewTicker(c.opt.PollInterval)
	defer tick.Stop()
	stopch := c.alive.StopChan()
	events := c.source.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.log.Infof("console event stream closed")
				c.alive.Stop()
				return
			}
			c.onEvent(ev)

		case <-tick.C:
			c.onTick()

		case <-stopch:
			return
		}
	}
}

func (c *Controller) onEvent(ev telemetry.Event) {
	switch ev.Kind {
	case telemetry.EventTelemetry:
		s := &ev.Sample
		c.history.Append(ev.Sample)
		c.lastSample.SetNow()
		if s.DeadlineMiss {
			atomic.AddUint64(&c.misses, 1)
		}
		helpers.WithLock(&c.mu, func() {
			c.health = HealthConnected
			c.fault = ""
		})

	case telemetry.EventAlarm:
		c.log.Infof("console alarm type=%s detail=%v", ev.Alarm.Type, ev.Alarm.Detail)
		c.notify.Alarm(ev.Alarm)

	case telemetry.EventError:
		c.notify.Error(ev.Message)

	case telemetry.EventStatus:
		// status arrives by poll, the push copy is ignored

	case telemetry.EventDecodeError, telemetry.EventTransportError:
		helpers.WithLock(&c.mu, func() {
			c.health = HealthError
			c.fault = ev.Fault
		})
		c.notify.Error(fmt.Sprintf("telemetry %s: %s", ev.Kind.String(), ev.Fault))

	default:
		c.log.Errorf("console unexpected event=%s", ev.String())
	}
}

func (c *Controller) onTick() {
	// staleness first so the operator sees the link drop even while the
	// control channel still answers
	stale := c.lastSample.IsZero() || atomic_clock.Since(c.lastSample) > c.opt.Staleness
	helpers.WithLock(&c.mu, func() {
		if stale && c.health == HealthConnected {
			c.health = HealthDisconnected
		}
	})

	reply, err := c.cmd.Send(control.GetStatus())
	if err != nil {
		// keep the last known status on the board
		c.log.Infof("console status poll err=%v", err)
		helpers.WithLock(&c.mu, func() {
			if !c.pollFailed {
				c.pollFailed = true
				c.notify.Error(fmt.Sprintf("status poll failed: %v", err))
			}
		})
		return
	}
	helpers.WithLock(&c.mu, func() {
		if reply.Status != nil {
			c.status = *reply.Status
			c.statusOK = true
		}
		if c.pollFailed {
			c.pollFailed = false
			c.notify.Info("status poll recovered")
		}
	})
}

// Health reports link health and, in the error state, the fault text.
func (c *Controller) Health() (Health, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health, c.fault
}

// DeadlineMisses counts missed loop deadlines observed in telemetry since
// start or last recommission.
func (c *Controller) DeadlineMisses() uint64 {
	return atomic.LoadUint64(&c.misses)
}

// Status returns the last successfully polled system status.
func (c *Controller) Status() (control.Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.statusOK
}

// History returns a copy of the rolling telemetry series.
func (c *Controller) History() history.Snapshot {
	return c.history.Snapshot()
}

// ApplySettings pushes gains, loop frequency and setpoint as three commands.
// Failures are aggregated and reported; commands that succeeded stay applied,
// there is no rollback.
func (c *Controller) ApplySettings(s Settings) error {
	errs := make([]error, 0, 3)
	if _, err := c.cmd.Send(control.SetPID(s.Kp, s.Ki, s.Kd)); err != nil {
		errs = append(errs, errors.Annotate(err, "set_pid"))
	}
	if _, err := c.cmd.Send(control.SetFreq(s.Freq)); err != nil {
		errs = append(errs, errors.Annotate(err, "set_freq"))
	}
	if _, err := c.cmd.Send(control.SetSetpoint(s.Setpoint)); err != nil {
		errs = append(errs, errors.Annotate(err, "set_setpoint"))
	}
	if err := helpers.FoldErrors(errs); err != nil {
		c.notify.Error(fmt.Sprintf("apply settings: %v", err))
		return err
	}
	c.notify.Info(fmt.Sprintf("settings applied kp=%g ki=%g kd=%g freq=%g setpoint=%g",
		s.Kp, s.Ki, s.Kd, s.Freq, s.Setpoint))
	return nil
}

// Recommission asks the beamline to reset its loop. Local history and the
// deadline miss counter are cleared only after the remote acknowledged, so a
// failed recommission leaves the evidence on screen.
func (c *Controller) Recommission() error {
	if _, err := c.cmd.Send(control.Recommission()); err != nil {
		c.notify.Error(fmt.Sprintf("recommission: %v", err))
		return err
	}
	c.history.Clear()
	atomic.StoreUint64(&c.misses, 0)
	c.notify.Info("recommissioned")
	return nil
}

// EmergencyStop halts the beamline. Success is surfaced as an alarm, not an
// info line.
func (c *Controller) EmergencyStop() error {
	if _, err := c.cmd.Send(control.EmergencyStop()); err != nil {
		c.notify.Error(fmt.Sprintf("emergency stop: %v", err))
		return err
	}
	c.notify.Alarm(telemetry.Alarm{Type: "emergency_stop"})
	return nil
}

// ToggleControl requests the feedback loop on or off and returns the state
// the UI should display: the requested one on success, the previous one when
// the command failed.
func (c *Controller) ToggleControl(enable bool) (bool, error) {
	if _, err := c.cmd.Send(control.EnableControl(enable)); err != nil {
		c.notify.Error(fmt.Sprintf("enable_control=%t: %v", enable, err))
		return !enable, err
	}
	helpers.WithLock(&c.mu, func() {
		if c.statusOK {
			c.status.ControlEnabled = enable
		}
	})
	return enable, nil
}

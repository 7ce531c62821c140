package console

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/console/internal/control"
	"github.com/beamline/console/log2"
	"github.com/beamline/console/telemetry"
)

type fakeSource struct {
	ch chan telemetry.Event
}

func (f *fakeSource) Events() <-chan telemetry.Event { return f.ch }
func (f *fakeSource) Stop()                          {}

// fakeCommander answers commands from a scripted function and records the
// order of commands sent.
type fakeCommander struct {
	mu     sync.Mutex
	sent   []string
	answer func(control.Request) (*control.Reply, error)
}

func (f *fakeCommander) Send(req control.Request) (*control.Reply, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req.Cmd)
	answer := f.answer
	f.mu.Unlock()
	if answer != nil {
		return answer(req)
	}
	return &control.Reply{OK: true}, nil
}

func (f *fakeCommander) Close() error { return nil }

func (f *fakeCommander) sentCmds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	infos  []string
	errs   []string
	alarms []telemetry.Alarm
}

func (n *recordingNotifier) Info(msg string) {
	n.mu.Lock()
	n.infos = append(n.infos, msg)
	n.mu.Unlock()
}
func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	n.errs = append(n.errs, msg)
	n.mu.Unlock()
}
func (n *recordingNotifier) Alarm(a telemetry.Alarm) {
	n.mu.Lock()
	n.alarms = append(n.alarms, a)
	n.mu.Unlock()
}
func (n *recordingNotifier) lastAlarm() (telemetry.Alarm, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.alarms) == 0 {
		return telemetry.Alarm{}, false
	}
	return n.alarms[len(n.alarms)-1], true
}

type env struct {
	ctl    *Controller
	source *fakeSource
	cmd    *fakeCommander
	notify *recordingNotifier
}

func testEnv(t testing.TB, tune func(*Options)) *env {
	e := &env{
		source: &fakeSource{ch: make(chan telemetry.Event, 32)},
		cmd:    &fakeCommander{},
		notify: &recordingNotifier{},
	}
	opt := Options{
		Source:       e.source,
		Commands:     e.cmd,
		Notify:       e.notify,
		Log:          log2.NewTest(t, log2.LDebug),
		Staleness:    120 * time.Millisecond,
		PollInterval: 30 * time.Millisecond,
	}
	if tune != nil {
		tune(&opt)
	}
	e.ctl = NewController(opt)
	require.NoError(t, e.ctl.Start())
	t.Cleanup(e.ctl.Stop)
	return e
}

func sample(ts float64, miss bool) telemetry.Event {
	return telemetry.Event{
		Kind:   telemetry.EventTelemetry,
		Sample: telemetry.Sample{T: ts, Pos: 0.1, Intensity: 1e4, Mag: 0.5, LoopTimeMS: 1, DeadlineMiss: telemetry.FlexBool(miss)},
	}
}

func TestHealthLifecycle(t *testing.T) {
	t.Parallel()
	e := testEnv(t, nil)

	// fresh console has never seen a sample
	h, _ := e.ctl.Health()
	assert.Equal(t, HealthDisconnected, h)

	e.source.ch <- sample(0.1, false)
	require.Eventually(t, func() bool {
		h, _ := e.ctl.Health()
		return h == HealthConnected
	}, time.Second, 5*time.Millisecond)

	// no more samples: staleness flips to disconnected on a tick
	require.Eventually(t, func() bool {
		h, _ := e.ctl.Health()
		return h == HealthDisconnected
	}, time.Second, 5*time.Millisecond)

	// transport fault shows as error until the next sample
	e.source.ch <- telemetry.Event{Kind: telemetry.EventTransportError, Fault: "connection lost: EOF"}
	require.Eventually(t, func() bool {
		h, fault := e.ctl.Health()
		return h == HealthError && fault != ""
	}, time.Second, 5*time.Millisecond)

	e.source.ch <- sample(0.2, false)
	require.Eventually(t, func() bool {
		h, fault := e.ctl.Health()
		return h == HealthConnected && fault == ""
	}, time.Second, 5*time.Millisecond)
}

func TestDeadlineMissCounter(t *testing.T) {
	t.Parallel()
	e := testEnv(t, nil)

	e.source.ch <- sample(0.1, false)
	e.source.ch <- sample(0.2, true)
	e.source.ch <- sample(0.3, true)
	require.Eventually(t, func() bool {
		return e.ctl.DeadlineMisses() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, e.ctl.History().Len())
}

func TestStatusPollKeepsLastKnown(t *testing.T) {
	t.Parallel()

	var failing bool
	var mu sync.Mutex
	e := testEnv(t, nil)
	e.cmd.mu.Lock()
	e.cmd.answer = func(req control.Request) (*control.Reply, error) {
		require.Equal(t, control.CmdGetStatus, req.Cmd)
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return nil, &control.CommandError{Cmd: req.Cmd, Message: "down"}
		}
		return &control.Reply{OK: true, Status: &control.Status{LoopFrequency: 1000, LoopCount: 7}}, nil
	}
	e.cmd.mu.Unlock()

	require.Eventually(t, func() bool {
		st, ok := e.ctl.Status()
		return ok && st.LoopFrequency == 1000
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	failing = true
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)

	// poll failures keep the last snapshot on the board
	st, ok := e.ctl.Status()
	require.True(t, ok)
	assert.Equal(t, float64(1000), st.LoopFrequency)
	assert.Equal(t, uint64(7), st.LoopCount)
}

func TestApplySettingsAggregatesFailures(t *testing.T) {
	t.Parallel()
	e := testEnv(t, nil)
	e.cmd.mu.Lock()
	e.cmd.answer = func(req control.Request) (*control.Reply, error) {
		if req.Cmd == control.CmdSetFreq {
			return nil, &control.CommandError{Cmd: req.Cmd, Message: "out of range"}
		}
		return &control.Reply{OK: true}, nil
	}
	e.cmd.mu.Unlock()

	err := e.ctl.ApplySettings(Settings{Kp: 0.6, Ki: 0.05, Freq: 99999, Setpoint: 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set_freq")
	assert.Contains(t, err.Error(), "out of range")

	// all three commands were attempted, successful ones stay applied
	sent := e.cmd.sentCmds()
	assert.Contains(t, sent, control.CmdSetPID)
	assert.Contains(t, sent, control.CmdSetFreq)
	assert.Contains(t, sent, control.CmdSetSetpoint)
}

func TestRecommissionClearsOnAckOnly(t *testing.T) {
	t.Parallel()
	e := testEnv(t, nil)

	e.source.ch <- sample(0.1, true)
	require.Eventually(t, func() bool {
		return e.ctl.DeadlineMisses() == 1 && e.ctl.History().Len() == 1
	}, time.Second, 5*time.Millisecond)

	e.cmd.mu.Lock()
	e.cmd.answer = func(req control.Request) (*control.Reply, error) {
		if req.Cmd == control.CmdRecommission {
			return nil, &control.CommandError{Cmd: req.Cmd, Message: "interlock engaged"}
		}
		return &control.Reply{OK: true}, nil
	}
	e.cmd.mu.Unlock()

	require.Error(t, e.ctl.Recommission())
	assert.Equal(t, uint64(1), e.ctl.DeadlineMisses(), "failed recommission must keep evidence")
	assert.Equal(t, 1, e.ctl.History().Len())

	e.cmd.mu.Lock()
	e.cmd.answer = nil
	e.cmd.mu.Unlock()
	require.NoError(t, e.ctl.Recommission())
	assert.Equal(t, uint64(0), e.ctl.DeadlineMisses())
	assert.Equal(t, 0, e.ctl.History().Len())
}

func TestEmergencyStopRaisesAlarm(t *testing.T) {
	t.Parallel()
	e := testEnv(t, nil)

	require.NoError(t, e.ctl.EmergencyStop())
	a, ok := e.notify.lastAlarm()
	require.True(t, ok)
	assert.Equal(t, "emergency_stop", a.Type)
}

func TestToggleControlRevert(t *testing.T) {
	t.Parallel()
	e := testEnv(t, nil)
	e.cmd.mu.Lock()
	e.cmd.answer = func(req control.Request) (*control.Reply, error) {
		if req.Cmd == control.CmdEnableControl {
			return nil, &control.CommandError{Cmd: req.Cmd, Message: "emergency stop active"}
		}
		return &control.Reply{OK: true}, nil
	}
	e.cmd.mu.Unlock()

	show, err := e.ctl.ToggleControl(true)
	require.Error(t, err)
	assert.False(t, show, "UI must revert to the previous state")

	e.cmd.mu.Lock()
	e.cmd.answer = nil
	e.cmd.mu.Unlock()
	show, err = e.ctl.ToggleControl(true)
	require.NoError(t, err)
	assert.True(t, show)
}

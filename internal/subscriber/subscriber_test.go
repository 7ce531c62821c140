package subscriber

import (
	"fmt"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/console/helpers"
	"github.com/beamline/console/log2"
	"github.com/beamline/console/mqtt"
	"github.com/beamline/console/telemetry"
)

func testBroker(t testing.TB) *mqtt.Server {
	log := log2.NewTest(t, log2.LDebug)
	broker := mqtt.NewServer(mqtt.ServerOptions{Log: log})
	err := broker.Listen([]*mqtt.ListenOptions{{
		URL:            "tcp://127.0.0.1:0",
		NetworkTimeout: 5 * time.Second,
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func testSubscriber(t testing.TB, broker *mqtt.Server) *Subscriber {
	sub, err := NewSubscriber(Options{
		BrokerURL:   "tcp://" + broker.Addrs()[0],
		ClientID:    fmt.Sprintf("test-%d", helpers.RandUnix().Uint32()),
		TopicPrefix: "beamline",
		Log:         log2.NewTest(t, log2.LDebug),
	})
	require.NoError(t, err)
	require.NoError(t, sub.Start())
	t.Cleanup(sub.Stop)

	// the broker sees the subscription a moment after Start returns
	require.Eventually(t, func() bool {
		err := broker.Publish(&packet.Message{Topic: "beamline/status", Payload: []byte(`{}`)})
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)
	return sub
}

// next returns the first event not produced by the subscription handshake.
func next(t testing.TB, sub *Subscriber) telemetry.Event {
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == telemetry.EventStatus {
				continue
			}
			return ev

		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for event")
			return telemetry.Event{}
		}
	}
}

func TestDeliverInOrder(t *testing.T) {
	t.Parallel()

	broker := testBroker(t)
	sub := testSubscriber(t, broker)

	require.NoError(t, broker.Publish(&packet.Message{
		Topic:   "beamline/telemetry",
		Payload: []byte(`{"t":1.5,"pos":0.12,"intensity":9984,"mag":-0.3,"loop_time_ms":0.8,"deadline_miss":0}`),
	}))
	require.NoError(t, broker.Publish(&packet.Message{
		Topic:   "beamline/alarm",
		Payload: []byte(`{"type":"frequency_reduced","new_frequency":800}`),
	}))

	ev := next(t, sub)
	require.Equal(t, telemetry.EventTelemetry, ev.Kind)
	assert.Equal(t, 1.5, ev.Sample.T)
	assert.Equal(t, 0.12, ev.Sample.Pos)
	assert.False(t, bool(ev.Sample.DeadlineMiss))

	ev = next(t, sub)
	require.Equal(t, telemetry.EventAlarm, ev.Kind)
	assert.Equal(t, "frequency_reduced", ev.Alarm.Type)
	assert.Equal(t, float64(800), ev.Alarm.Detail["new_frequency"])
}

func TestMalformedFrameDoesNotStall(t *testing.T) {
	t.Parallel()

	broker := testBroker(t)
	sub := testSubscriber(t, broker)

	require.NoError(t, broker.Publish(&packet.Message{
		Topic:   "beamline/telemetry",
		Payload: []byte(`{"t":`),
	}))
	require.NoError(t, broker.Publish(&packet.Message{
		Topic:   "beamline/telemetry",
		Payload: []byte(`{"t":2.0,"pos":-0.04,"intensity":10100,"mag":1.1,"loop_time_ms":1.2,"deadline_miss":true}`),
	}))

	ev := next(t, sub)
	require.Equal(t, telemetry.EventDecodeError, ev.Kind)
	assert.NotEmpty(t, ev.Fault)

	// the stream continues with the next valid frame
	ev = next(t, sub)
	require.Equal(t, telemetry.EventTelemetry, ev.Kind)
	assert.Equal(t, 2.0, ev.Sample.T)
	assert.True(t, bool(ev.Sample.DeadlineMiss))
}

func TestSlowConsumerDropsNotBlocks(t *testing.T) {
	t.Parallel()

	broker := testBroker(t)
	sub, err := NewSubscriber(Options{
		BrokerURL:   "tcp://" + broker.Addrs()[0],
		ClientID:    fmt.Sprintf("lag-%d", helpers.RandUnix().Uint32()),
		TopicPrefix: "beamline",
		BufferSize:  8,
		Log:         log2.NewTest(t, log2.LDebug),
	})
	require.NoError(t, err)
	require.NoError(t, sub.Start())
	t.Cleanup(sub.Stop)
	require.Eventually(t, func() bool {
		err := broker.Publish(&packet.Message{Topic: "beamline/status", Payload: []byte(`{}`)})
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)

	// nobody reads Events(); the publisher side must stay unblocked and the
	// subscriber must count what it sheds
	begin := time.Now()
	for i := 0; i < 200; i++ {
		require.NoError(t, broker.Publish(&packet.Message{
			Topic:   "beamline/telemetry",
			Payload: []byte(fmt.Sprintf(`{"t":%d,"pos":0.1,"deadline_miss":0}`, i)),
		}))
	}
	assert.Less(t, time.Since(begin), 3*time.Second)

	require.Eventually(t, func() bool {
		return sub.Dropped() > 0
	}, 5*time.Second, 25*time.Millisecond)

	// the frames that fit the buffers still come through in order
	ev := next(t, sub)
	require.Equal(t, telemetry.EventTelemetry, ev.Kind)
	assert.Equal(t, 0.0, ev.Sample.T)
}

func TestConnectionLost(t *testing.T) {
	t.Parallel()

	broker := testBroker(t)
	sub := testSubscriber(t, broker)

	require.NoError(t, broker.Close())

	ev := next(t, sub)
	require.Equal(t, telemetry.EventTransportError, ev.Kind)
	assert.Contains(t, ev.Fault, "connection lost")
}

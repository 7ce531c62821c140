package mqtt

import (
	"fmt"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/console/helpers"
	"github.com/beamline/console/log2"
)

func testServer(t testing.TB, opt ServerOptions) *Server {
	if opt.Log == nil {
		opt.Log = log2.NewTest(t, log2.LDebug)
	}
	s := NewServer(opt)
	err := s.Listen([]*ListenOptions{{
		URL:            "tcp://127.0.0.1:0",
		NetworkTimeout: 5 * time.Second,
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testClient(t testing.TB, s *Server, onMessage paho.MessageHandler) paho.Client {
	opt := paho.NewClientOptions().
		AddBroker("tcp://" + s.Addrs()[0]).
		SetClientID(fmt.Sprintf("t%d", helpers.RandUnix().Uint32())).
		SetConnectTimeout(5 * time.Second)
	if onMessage != nil {
		opt.SetDefaultPublishHandler(onMessage)
	}
	c := paho.NewClient(opt)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	t.Cleanup(func() { c.Disconnect(50) })
	return c
}

func TestRelayBetweenClients(t *testing.T) {
	t.Parallel()
	s := testServer(t, ServerOptions{})

	recv := make(chan [2]string, 8)
	subC := testClient(t, s, func(_ paho.Client, m paho.Message) {
		recv <- [2]string{m.Topic(), string(m.Payload())}
	})
	tok := subC.Subscribe("bl/#", 1, nil)
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())

	pubC := testClient(t, s, nil)
	tok = pubC.Publish("bl/telemetry", 1, false, `{"t":1}`)
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())

	select {
	case got := <-recv:
		assert.Equal(t, "bl/telemetry", got[0])
		assert.Equal(t, `{"t":1}`, got[1])
	case <-time.After(5 * time.Second):
		t.Fatal("relay timeout")
	}
}

func TestServerPublishAndRetain(t *testing.T) {
	t.Parallel()
	s := testServer(t, ServerOptions{})

	// broker-origin publish with nobody listening
	err := s.Publish(&packet.Message{Topic: "bl/status", Payload: []byte(`{}`)})
	assert.Equal(t, ErrNoSubscribers, err)

	// retained message is delivered to a late subscriber
	err = s.Publish(&packet.Message{Topic: "bl/status", Payload: []byte(`{"up":1}`), Retain: true})
	assert.Equal(t, ErrNoSubscribers, err)

	recv := make(chan string, 1)
	c := testClient(t, s, func(_ paho.Client, m paho.Message) {
		recv <- string(m.Payload())
	})
	tok := c.Subscribe("bl/status", 0, nil)
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())

	select {
	case got := <-recv:
		assert.Equal(t, `{"up":1}`, got)
	case <-time.After(5 * time.Second):
		t.Fatal("retained delivery timeout")
	}
}

func TestOnPublishHookRejects(t *testing.T) {
	t.Parallel()
	s := testServer(t, ServerOptions{
		OnPublish: func(clientID string, msg *packet.Message) error {
			if msg.Topic == "forbidden" {
				return fmt.Errorf("nope")
			}
			return nil
		},
	})

	c := testClient(t, s, nil)
	tok := c.Publish("forbidden", 1, false, "x")
	tok.WaitTimeout(2 * time.Second)
	// the broker drops the offending client; a fresh client still works
	c2 := testClient(t, s, nil)
	tok = c2.Publish("allowed", 1, false, "y")
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
}

func TestClientIDOvertake(t *testing.T) {
	t.Parallel()
	s := testServer(t, ServerOptions{})

	mk := func() paho.Client {
		opt := paho.NewClientOptions().
			AddBroker("tcp://" + s.Addrs()[0]).
			SetClientID("same").
			SetAutoReconnect(false).
			SetConnectTimeout(5 * time.Second)
		c := paho.NewClient(opt)
		tok := c.Connect()
		require.True(t, tok.WaitTimeout(5*time.Second))
		require.NoError(t, tok.Error())
		return c
	}
	c1 := mk()
	c2 := mk()
	defer c2.Disconnect(50)

	// the second connection with the same id evicts the first
	require.Eventually(t, func() bool {
		return !c1.IsConnected()
	}, 5*time.Second, 50*time.Millisecond)

	tok := c2.Publish("x", 0, false, "still alive")
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
}

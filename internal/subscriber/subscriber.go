// Package subscriber receives beamline telemetry over MQTT and delivers it to
// the console as a stream of classified events. The network side never blocks
// on the consumer: when the console lags, old frames are dropped.
package subscriber

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/beamline/console/log2"
	"github.com/beamline/console/telemetry"
)

const (
	DefaultBufferSize     = 256
	DefaultNetworkTimeout = 30 * time.Second
)

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string // "beamline" subscribes beamline/telemetry etc

	BufferSize     int
	NetworkTimeout time.Duration
	Log            *log2.Log
}

// frame is one unit of work for the delivery goroutine: either a received
// MQTT message or a transport-level fault. The loop goroutine is the only
// sender on the events channel, so closing it on shutdown is safe.
type frame struct {
	topic   string
	payload []byte
	fault   string
}

type Subscriber struct {
	alive   *alive.Alive
	client  mqtt.Client
	dropped uint64 // frames discarded because the consumer lagged
	events  chan telemetry.Event
	frames  chan frame
	log     *log2.Log
	opt     Options
}

func NewSubscriber(opt Options) (*Subscriber, error) {
	if opt.BrokerURL == "" {
		return nil, errors.Errorf("subscriber: empty broker url")
	}
	if opt.ClientID == "" {
		return nil, errors.Errorf("subscriber: empty client id")
	}
	if opt.BufferSize == 0 {
		opt.BufferSize = DefaultBufferSize
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	s := &Subscriber{
		alive:  alive.NewAlive(),
		events: make(chan telemetry.Event, opt.BufferSize),
		frames: make(chan frame, opt.BufferSize),
		log:    opt.Log,
		opt:    opt,
	}

	copt := mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetClientID(opt.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetConnectTimeout(opt.NetworkTimeout).
		SetKeepAlive(opt.NetworkTimeout).
		SetPingTimeout(opt.NetworkTimeout / 2).
		SetDefaultPublishHandler(s.onMessage).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	s.client = mqtt.NewClient(copt)
	return s, nil
}

// Start connects, subscribes and begins delivering to Events().
func (s *Subscriber) Start() error {
	if !s.alive.Add(1) {
		return errors.Errorf("subscriber: Start after Stop")
	}
	go s.loop()

	t := s.client.Connect()
	if !t.WaitTimeout(s.opt.NetworkTimeout) {
		return errors.Timeoutf("subscriber connect %s", s.opt.BrokerURL)
	}
	if err := t.Error(); err != nil {
		return errors.Annotatef(err, "subscriber connect %s", s.opt.BrokerURL)
	}
	return nil
}

// Events yields decoded telemetry in arrival order. The channel is closed
// after Stop once the pipeline has drained.
func (s *Subscriber) Events() <-chan telemetry.Event { return s.events }

// Dropped reports how many frames were discarded due to consumer lag.
func (s *Subscriber) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Stop disconnects and waits for the delivery goroutine with a bound, so a
// stuck pipeline cannot hang shutdown forever.
func (s *Subscriber) Stop() {
	s.alive.Stop()
	select {
	case <-s.alive.WaitChan():
	case <-time.After(3 * time.Second):
		s.log.Errorf("subscriber stop timed out waiting for pipeline")
	}
	s.client.Disconnect(250)
}

func (s *Subscriber) onConnect(mqtt.Client) {
	filters := make(map[string]byte)
	for _, suffix := range telemetry.Topics() {
		filters[s.topicFor(suffix)] = 0
	}
	s.log.Debugf("subscriber connected %s, subscribing %v", s.opt.BrokerURL, filters)
	t := s.client.SubscribeMultiple(filters, nil)
	go func() {
		t.Wait()
		if err := t.Error(); err != nil {
			s.pushFrame(frame{fault: fmt.Sprintf("subscribe: %v", err)})
		}
	}()
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	s.log.Infof("subscriber connection lost err=%v", err)
	s.pushFrame(frame{fault: fmt.Sprintf("connection lost: %v", err)})
}

// onMessage runs on the paho network goroutine. Copy the payload and hand it
// off without blocking; decode happens on our own goroutine.
func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	s.pushFrame(frame{topic: msg.Topic(), payload: payload})
}

func (s *Subscriber) pushFrame(f frame) {
	select {
	case s.frames <- f:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

func (s *Subscriber) loop() {
	defer s.alive.Done()
	defer close(s.events)

	stopch := s.alive.StopChan()
	for {
		select {
		case f := <-s.frames:
			s.deliver(f)

		case <-stopch:
			// drain what already arrived, then quit
			for {
				select {
				case f := <-s.frames:
					s.deliver(f)
				default:
					return
				}
			}
		}
	}
}

func (s *Subscriber) deliver(f frame) {
	var ev telemetry.Event
	if f.fault != "" {
		ev = telemetry.Event{Kind: telemetry.EventTransportError, Fault: f.fault}
	} else {
		var err error
		ev, err = telemetry.Decode(s.topicSuffix(f.topic), f.payload)
		if err != nil {
			// one bad frame must not take the stream down
			s.log.Infof("subscriber decode topic=%s err=%v", f.topic, err)
			ev = telemetry.Event{Kind: telemetry.EventDecodeError, Fault: err.Error()}
		}
	}
	select {
	case s.events <- ev:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

func (s *Subscriber) topicFor(suffix string) string {
	if s.opt.TopicPrefix == "" {
		return suffix
	}
	return s.opt.TopicPrefix + "/" + suffix
}

func (s *Subscriber) topicSuffix(topic string) string {
	if s.opt.TopicPrefix == "" {
		return topic
	}
	return strings.TrimPrefix(topic, s.opt.TopicPrefix+"/")
}

// Package telemetry defines the wire model of the beamline publish/subscribe
// channel: topic names, JSON payload schemas and the event envelope delivered
// to the console controller.
package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
)

// Logical topic suffixes published by the beamline.
const (
	TopicTelemetry = "telemetry"
	TopicAlarm     = "alarm"
	TopicError     = "error"
	TopicStatus    = "status"
)

func Topics() []string {
	return []string{TopicTelemetry, TopicAlarm, TopicError, TopicStatus}
}

// FlexBool tolerates both boolean and 0/1 number encodings.
// The simulator historically published deadline_miss as 0/1; normalize here
// so the rest of the code only ever sees a bool.
type FlexBool bool

func (fb *FlexBool) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true":
		*fb = true
		return nil
	case "false", "null":
		*fb = false
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Annotatef(err, "flexbool raw=%s", string(b))
	}
	*fb = n != 0
	return nil
}

func (fb FlexBool) MarshalJSON() ([]byte, error) {
	if fb {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// Sample is one telemetry point. Immutable once decoded.
type Sample struct {
	T            float64  `json:"t"`             // seconds since loop start
	Pos          float64  `json:"pos"`           // beam position, mm
	Intensity    float64  `json:"intensity"`     // detector counts
	Mag          float64  `json:"mag"`           // magnet current, A
	LoopTimeMS   float64  `json:"loop_time_ms"`  // control loop iteration time
	DeadlineMiss FlexBool `json:"deadline_miss"` // loop iteration overran its period
}

// Alarm carries a type tag plus arbitrary detail fields.
type Alarm struct {
	Type   string
	Detail map[string]interface{}
}

func (a *Alarm) UnmarshalJSON(b []byte) error {
	m := make(map[string]interface{})
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	a.Type, _ = m["type"].(string)
	if a.Type == "" {
		a.Type = "unknown"
	}
	delete(m, "type")
	a.Detail = m
	return nil
}

func (a Alarm) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(a.Detail)+1)
	for k, v := range a.Detail {
		m[k] = v
	}
	m["type"] = a.Type
	return json.Marshal(m)
}

type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventTelemetry
	EventAlarm
	EventError
	EventStatus
	EventDecodeError
	EventTransportError
)

func (k EventKind) String() string {
	switch k {
	case EventTelemetry:
		return "Telemetry"
	case EventAlarm:
		return "Alarm"
	case EventError:
		return "Error"
	case EventStatus:
		return "Status"
	case EventDecodeError:
		return "DecodeError"
	case EventTransportError:
		return "TransportError"
	}
	return "Invalid"
}

// Event is the classified result of one received frame, or a subscriber-side
// fault. Exactly one payload field is meaningful per Kind.
type Event struct {
	Kind    EventKind
	Sample  Sample                 // EventTelemetry
	Alarm   Alarm                  // EventAlarm
	Message string                 // EventError: remote error text
	Status  map[string]interface{} // EventStatus: decoded, currently unused downstream
	Fault   string                 // EventDecodeError, EventTransportError
}

func (e *Event) String() string {
	switch e.Kind {
	case EventTelemetry:
		return fmt.Sprintf("Event(Telemetry t=%.3f pos=%.3f miss=%t)", e.Sample.T, e.Sample.Pos, bool(e.Sample.DeadlineMiss))
	case EventAlarm:
		return fmt.Sprintf("Event(Alarm type=%s)", e.Alarm.Type)
	case EventError:
		return fmt.Sprintf("Event(Error %s)", e.Message)
	case EventDecodeError, EventTransportError:
		return fmt.Sprintf("Event(%s %s)", e.Kind.String(), e.Fault)
	}
	return fmt.Sprintf("Event(%s)", e.Kind.String())
}

// Decode classifies one (topic, payload) frame.
// Unknown topics and malformed payloads return an error; the subscriber turns
// that into an EventDecodeError instead of dropping the frame silently.
func Decode(topic string, payload []byte) (Event, error) {
	switch topic {
	case TopicTelemetry:
		var s Sample
		if err := json.Unmarshal(payload, &s); err != nil {
			return Event{}, errors.Annotatef(err, "telemetry payload=%s", string(payload))
		}
		return Event{Kind: EventTelemetry, Sample: s}, nil

	case TopicAlarm:
		var a Alarm
		if err := json.Unmarshal(payload, &a); err != nil {
			return Event{}, errors.Annotatef(err, "alarm payload=%s", string(payload))
		}
		return Event{Kind: EventAlarm, Alarm: a}, nil

	case TopicError:
		var body struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return Event{}, errors.Annotatef(err, "error payload=%s", string(payload))
		}
		if body.Error == "" {
			body.Error = "unknown error"
		}
		return Event{Kind: EventError, Message: body.Error}, nil

	case TopicStatus:
		// Status frames are decoded and forwarded for completeness; the
		// controller obtains status by polling, not push.
		m := make(map[string]interface{})
		if err := json.Unmarshal(payload, &m); err != nil {
			return Event{}, errors.Annotatef(err, "status payload=%s", string(payload))
		}
		return Event{Kind: EventStatus, Status: m}, nil
	}
	return Event{}, errors.Errorf("unknown topic=%s", topic)
}

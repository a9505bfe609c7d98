// Package wire defines the event model shared by both broker transports and
// the framing used on each: length-prefixed binary frames on the tracer side
// and JSON text frames on the client side.
package wire

import "encoding/json"

// Broker-owned event kinds. Anything else is forwarded untouched.
const (
	KindStart   = "start"
	KindDisable = "disable"
	KindError   = "error"
)

// Error subkinds carried in an error event's payload.
const (
	ErrAuth       = "auth"
	ErrTracer     = "tracer"
	ErrClient     = "client"
	ErrDuplicate  = "duplicate"
	ErrFraming    = "framing"
	ErrInactivity = "inactivity"
)

// Event is one message on either transport. The payload is opaque to the
// broker except for the broker-owned kinds above. A nil payload is omitted
// entirely on the wire, so a bare disable encodes as {"e":"disable"}.
type Event struct {
	E string `json:"e" msgpack:"e"`
	P any    `json:"p,omitempty" msgpack:"p,omitempty"`
}

// ErrorPayload is the payload of a broker-owned error event.
type ErrorPayload struct {
	E      string `json:"e" msgpack:"e"`
	Reason string `json:"reason" msgpack:"reason"`
}

// FormatEvent builds an event of the given kind. Pass a nil payload for
// payload-less events.
func FormatEvent(kind string, payload any) Event {
	return Event{E: kind, P: payload}
}

// FormatErrorEvent builds a broker-owned error event.
func FormatErrorEvent(kind, reason string) Event {
	return Event{E: KindError, P: ErrorPayload{E: kind, Reason: reason}}
}

// EncodeJSON renders an event as a single JSON text frame for the client
// transport.
func EncodeJSON(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeJSON parses one JSON text frame into an event.
func DecodeJSON(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

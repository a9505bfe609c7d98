package wire

import "github.com/vmihailenco/msgpack/v5"

// Codec marshals events for the tracer-side binary frames. The codec is
// pluggable so a broker can stay compatible with whatever serialization the
// tracer uses to marshal its debugger state.
type Codec interface {
	Marshal(ev Event) ([]byte, error)
	Unmarshal(data []byte) (Event, error)
}

// MsgpackCodec is the default tracer codec.
type MsgpackCodec struct{}

// Marshal encodes the event as a msgpack map. Only a nil payload is left
// out; msgpack's omitempty would also drop "" and 0, so the map is built here.
func (MsgpackCodec) Marshal(ev Event) ([]byte, error) {
	m := map[string]any{"e": ev.E}
	if ev.P != nil {
		m["p"] = ev.P
	}
	return msgpack.Marshal(m)
}

// Unmarshal decodes a msgpack map into an event. Opaque payloads decode as
// map[string]any / []any so they can be re-encoded as JSON for the client
// side without interpretation.
func (MsgpackCodec) Unmarshal(data []byte) (Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// JSONCodec frames tracer payloads as JSON. Useful for tracers written in
// environments without a msgpack library.
type JSONCodec struct{}

func (JSONCodec) Marshal(ev Event) ([]byte, error) {
	return EncodeJSON(ev)
}

func (JSONCodec) Unmarshal(data []byte) (Event, error) {
	return DecodeJSON(data)
}

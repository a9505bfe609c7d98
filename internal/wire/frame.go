package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single tracer frame. Debugger state blobs are small;
// anything past this is a corrupt or hostile stream.
const MaxFrameSize = 16 << 20

// FramingError reports a malformed tracer frame: a short length prefix, a
// payload underflow, an oversized frame, or an undecodable payload.
type FramingError struct {
	Op  string
	Err error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: %s: %v", e.Op, e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// WriteFrame writes one tracer frame: a 4-byte big-endian length followed by
// the payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteEvent marshals the event with the codec and writes it as one frame.
func WriteEvent(w io.Writer, codec Codec, ev Event) error {
	payload, err := codec.Marshal(ev)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadFrame reads one frame's payload. It returns io.EOF when the stream
// ends cleanly at a frame boundary and a FramingError when the stream ends
// mid-prefix or mid-payload or the declared length is out of range.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, &FramingError{Op: "read length prefix", Err: err}
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, &FramingError{Op: "read length prefix", Err: fmt.Errorf("frame of %d bytes exceeds limit", n)}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &FramingError{Op: "read payload", Err: io.ErrUnexpectedEOF}
		}
		return nil, err
	}
	return payload, nil
}

// FrameReader yields decoded events from a tracer stream one at a time.
// Next returns io.EOF after the last complete frame.
type FrameReader struct {
	r     io.Reader
	codec Codec
}

// NewFrameReader wraps a stream with the given codec.
func NewFrameReader(r io.Reader, codec Codec) *FrameReader {
	return &FrameReader{r: r, codec: codec}
}

// Next reads and decodes the next event from the stream.
func (fr *FrameReader) Next() (Event, error) {
	payload, err := ReadFrame(fr.r)
	if err != nil {
		return Event{}, err
	}
	ev, err := fr.codec.Unmarshal(payload)
	if err != nil {
		return Event{}, &FramingError{Op: "decode payload", Err: err}
	}
	return ev, nil
}

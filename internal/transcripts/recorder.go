package transcripts

import (
	"bytes"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/tracegate/internal/wire"
)

// line is one transcript entry: a forwarded event stamped with its direction
// and capture time.
type line struct {
	At        time.Time `json:"at"`
	Direction string    `json:"dir"`
	E         string    `json:"e"`
	P         any       `json:"p,omitempty"`
}

// Recorder buffers forwarded events per session and flushes each session's
// transcript to the backing store when the session ends. It satisfies the
// store's transcript sink.
type Recorder struct {
	store Store

	mu      sync.Mutex
	buffers map[string]*bytes.Buffer
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store:   store,
		buffers: make(map[string]*bytes.Buffer),
	}
}

// Record appends one forwarded event to the session's transcript buffer.
func (r *Recorder) Record(sessionID, direction string, ev wire.Event) {
	entry, err := json.Marshal(line{
		At:        time.Now(),
		Direction: direction,
		E:         ev.E,
		P:         ev.P,
	})
	if err != nil {
		log.Printf("Transcript: failed to encode event for session %s: %v", sessionID, err)
		return
	}

	r.mu.Lock()
	buf, ok := r.buffers[sessionID]
	if !ok {
		buf = new(bytes.Buffer)
		r.buffers[sessionID] = buf
	}
	buf.Write(entry)
	buf.WriteByte('\n')
	r.mu.Unlock()
}

// SessionClosed flushes the session's transcript to storage and releases the
// buffer. Sessions that forwarded nothing leave no transcript.
func (r *Recorder) SessionClosed(sessionID string) {
	r.mu.Lock()
	buf, ok := r.buffers[sessionID]
	delete(r.buffers, sessionID)
	r.mu.Unlock()

	if !ok || buf.Len() == 0 {
		return
	}

	// Sessions may reuse a uuid after teardown; a fresh suffix keeps each
	// transcript distinct.
	id := sessionID + "-" + uuid.NewString()[:8]
	path, err := r.store.Save(id, buf)
	if err != nil {
		log.Printf("Transcript: failed to save session %s: %v", sessionID, err)
		return
	}
	log.Printf("Transcript for session %s saved to %s", sessionID, path)
}

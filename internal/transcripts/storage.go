// Package transcripts captures the events forwarded through a session as
// JSON-lines transcripts and flushes them to pluggable blob storage when the
// session ends.
package transcripts

import "io"

// Store abstracts transcript file storage.
type Store interface {
	// Save writes a transcript file from the reader and returns the storage path.
	Save(id string, r io.Reader) (storagePath string, err error)

	// Get returns a ReadCloser for the transcript file at the given storage path.
	Get(storagePath string) (io.ReadCloser, error)

	// Delete removes the transcript file at the given storage path.
	Delete(storagePath string) error
}

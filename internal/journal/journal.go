// Package journal records session lifecycle rows to SQLite. The journal is
// an operational audit trail, not a source of truth: the broker never reads
// it back to restore sessions.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// ctx returns a background context for bun queries.
func ctx() context.Context { return context.Background() }

// SessionRecord is one session's lifecycle row.
type SessionRecord struct {
	bun.BaseModel `bun:"table:sessions"`

	ID             string    `json:"id" bun:"id,pk"`
	SessionID      string    `json:"session_id" bun:"session_id,notnull"`
	FirstSide      string    `json:"first_side" bun:"first_side,notnull"`
	CreatedAt      time.Time `json:"created_at" bun:"created_at,notnull"`
	PairedAt       time.Time `json:"paired_at,omitempty" bun:"paired_at,nullzero"`
	EndedAt        time.Time `json:"ended_at,omitempty" bun:"ended_at,nullzero"`
	EndReason      string    `json:"end_reason,omitempty" bun:"end_reason"`
	EventsToTracer int64     `json:"events_to_tracer" bun:"events_to_tracer,notnull,default:0"`
	EventsToClient int64     `json:"events_to_client" bun:"events_to_client,notnull,default:0"`
}

// Journal wraps the SQLite database holding session records.
type Journal struct {
	db    *bun.DB
	sqldb *sql.DB
}

// Open opens (creating if needed) the journal database at the given path and
// applies pending migrations. Migrations run on a separate connection so the
// migrator cannot close the journal's own pool.
func Open(path string) (*Journal, error) {
	if err := runMigrations(path); err != nil {
		return nil, fmt.Errorf("journal migrations failed: %w", err)
	}

	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	return &Journal{db: db, sqldb: sqldb}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// SessionCreated inserts a row when the first half of a session attaches.
func (j *Journal) SessionCreated(sessionID, firstSide string, at time.Time) {
	rec := &SessionRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		FirstSide: firstSide,
		CreatedAt: at,
	}
	if _, err := j.db.NewInsert().Model(rec).Exec(ctx()); err != nil {
		log.Printf("Journal: failed to record session %s created: %v", sessionID, err)
	}
}

// SessionPaired stamps the open row for the uuid with its pairing time.
func (j *Journal) SessionPaired(sessionID string, at time.Time) {
	_, err := j.db.NewUpdate().
		Model((*SessionRecord)(nil)).
		Set("paired_at = ?", at).
		Where("session_id = ?", sessionID).
		Where("ended_at IS NULL").
		Exec(ctx())
	if err != nil {
		log.Printf("Journal: failed to record session %s paired: %v", sessionID, err)
	}
}

// SessionEnded closes the open row for the uuid with its end reason and
// per-direction forward counts.
func (j *Journal) SessionEnded(sessionID, reason string, eventsToTracer, eventsToClient int64, at time.Time) {
	_, err := j.db.NewUpdate().
		Model((*SessionRecord)(nil)).
		Set("ended_at = ?", at).
		Set("end_reason = ?", reason).
		Set("events_to_tracer = ?", eventsToTracer).
		Set("events_to_client = ?", eventsToClient).
		Where("session_id = ?", sessionID).
		Where("ended_at IS NULL").
		Exec(ctx())
	if err != nil {
		log.Printf("Journal: failed to record session %s ended: %v", sessionID, err)
	}
}

// Recent returns the most recently created records, newest first.
func (j *Journal) Recent(limit int) ([]SessionRecord, error) {
	var recs []SessionRecord
	err := j.db.NewSelect().
		Model(&recs).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx())
	if err != nil {
		return nil, fmt.Errorf("failed to list journal records: %w", err)
	}
	return recs, nil
}

// OpenRecord returns the open (not yet ended) record for a uuid, or nil.
func (j *Journal) OpenRecord(sessionID string) (*SessionRecord, error) {
	rec := new(SessionRecord)
	err := j.db.NewSelect().
		Model(rec).
		Where("session_id = ?", sessionID).
		Where("ended_at IS NULL").
		Limit(1).
		Scan(ctx())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load journal record: %w", err)
	}
	return rec, nil
}

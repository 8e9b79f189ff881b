package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/scanflow/internal/record"
	"github.com/loykin/scanflow/internal/sink"
)

// Sink writes delivered records into a SQLite scan_history table.
type Sink struct {
	db *sql.DB
}

// New opens a SQLite sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scan_history(
			id TEXT PRIMARY KEY,
			captured_at TIMESTAMP NOT NULL,
			barcode_kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			derived TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scan_history_captured_at ON scan_history(captured_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Deliver inserts the record. Redelivering the same id is a no-op so
// at-least-once callers do not create duplicate rows.
func (s *Sink) Deliver(ctx context.Context, rec record.Record) error {
	derived := any(nil)
	if len(rec.Derived) > 0 {
		data, err := json.Marshal(rec.Derived)
		if err != nil {
			return sink.Permanent(err)
		}
		derived = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_history(id, captured_at, barcode_kind, payload, derived)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING;`,
		rec.ID, rec.CapturedAt.UTC(), string(rec.Kind), rec.Payload, derived)
	if err != nil {
		return sink.Transient(err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

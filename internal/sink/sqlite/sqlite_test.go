package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/scanflow/internal/record"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := t.TempDir() + "/scans.db"

	s, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	rec := record.New("https://example.com", record.KindQRCode, time.Now(), map[string]string{
		record.FieldContentType: "url",
	})

	if err := s.Deliver(ctx, rec); err != nil {
		t.Fatalf("Failed to deliver record: %v", err)
	}

	// redelivery of the same id must not fail or duplicate
	if err := s.Deliver(ctx, rec); err != nil {
		t.Fatalf("Redelivery should be a no-op: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_history WHERE id = ?`, rec.ID).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("row count = %d, want 1", count)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	rec := record.New("4006381333931", record.KindEAN13, time.Now(), nil)
	if err := s.Deliver(context.Background(), rec); err != nil {
		t.Fatalf("Failed to deliver record: %v", err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

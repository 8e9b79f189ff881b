package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/scanflow/internal/record"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open("sqlite://" + t.TempDir() + "/outbox.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPendingLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := record.New("one", record.KindQRCode, time.Now(), nil)
	second := record.New("two", record.KindCode128, time.Now().Add(time.Second), map[string]string{
		record.FieldContentType: "text",
	})

	if err := s.MarkPending(ctx, first); err != nil {
		t.Fatalf("mark first: %v", err)
	}
	if err := s.MarkPending(ctx, second); err != nil {
		t.Fatalf("mark second: %v", err)
	}
	// marking the same record twice must not fail
	if err := s.MarkPending(ctx, first); err != nil {
		t.Fatalf("re-mark first: %v", err)
	}

	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("pending order wrong: %v then %v", pending[0].ID, pending[1].ID)
	}
	if pending[1].Derived[record.FieldContentType] != "text" {
		t.Fatalf("derived fields lost in round trip: %+v", pending[1])
	}

	if err := s.MarkDelivered(ctx, first.ID); err != nil {
		t.Fatalf("deliver first: %v", err)
	}
	pending, err = s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending after deliver: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("pending after deliver = %+v", pending)
	}

	// clearing an unknown id is a no-op
	if err := s.MarkDelivered(ctx, "no-such-id"); err != nil {
		t.Fatalf("deliver unknown: %v", err)
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dsn := "sqlite://" + dir + "/outbox.db"
	ctx := context.Background()

	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := record.New("crash victim", record.KindQRCode, time.Now(), nil)
	if err := s.MarkPending(ctx, rec); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	pending, err := reopened.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != rec.ID {
		t.Fatalf("marker did not survive reopen: %+v", pending)
	}
}

func TestOpenEmptyDSN(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/scanflow/internal/record"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	rec := record.New("Doe, Jane", record.KindQRCode, time.Now(), map[string]string{
		record.FieldContentType: "text",
		record.FieldFirstName:   "Jane",
		record.FieldLastName:    "Doe",
	})

	if err := s.Deliver(ctx, rec); err != nil {
		t.Fatalf("Failed to deliver record: %v", err)
	}
	// redelivery of the same id must be idempotent
	if err := s.Deliver(ctx, rec); err != nil {
		t.Fatalf("Redelivery should be a no-op: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scan_history WHERE id = $1", rec.ID).Scan(&count); err != nil {
		t.Fatalf("Failed to query scan_history: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row in scan_history, got %d", count)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

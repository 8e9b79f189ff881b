package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/scanflow/internal/record"
	"github.com/loykin/scanflow/internal/sink"
)

// Sink sends records to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to ClickHouse at addr (host:port, native protocol) and makes
// sure the target table exists.
func New(addr, database, table string) (*Sink, error) {
	if database == "" {
		database = "default"
	}
	if table == "" {
		table = "scan_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id String,
		captured_at DateTime64(9, 'UTC'),
		barcode_kind String,
		payload String,
		derived String
	) ENGINE = MergeTree() ORDER BY (captured_at, id)`, s.table)
	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Deliver(ctx context.Context, rec record.Record) error {
	derived := ""
	if len(rec.Derived) > 0 {
		data, err := json.Marshal(rec.Derived)
		if err != nil {
			return sink.Permanent(err)
		}
		derived = string(data)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, captured_at, barcode_kind, payload, derived) VALUES (?, ?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, query,
		rec.ID,
		rec.CapturedAt.UTC(),
		string(rec.Kind),
		rec.Payload,
		derived,
	); err != nil {
		return sink.Transient(fmt.Errorf("failed to insert record into ClickHouse: %w", err))
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

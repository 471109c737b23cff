package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/vigil/internal/journal"
)

// Sink sends journal events to ClickHouse using the official Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to ClickHouse at addr ("host:port", native protocol) and
// ensures the journal table exists.
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
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

	sink := &Sink{conn: conn, table: table}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(6),
		event String,
		name String,
		pid Int32,
		exit_code Nullable(Int32),
		detail Nullable(String)
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, name)`, s.table)
	if err := s.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e journal.Event) error {
	rec := e.Record
	var exitCode interface{}
	if rec.ExitCode != nil {
		exitCode = int32(*rec.ExitCode)
	}
	var detail interface{}
	if rec.Detail != "" {
		detail = rec.Detail
	}
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, event, name, pid, exit_code, detail) VALUES (?, ?, ?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, query,
		e.OccurredAt,
		string(e.Type),
		rec.Name,
		int32(rec.PID),
		exitCode,
		detail,
	); err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

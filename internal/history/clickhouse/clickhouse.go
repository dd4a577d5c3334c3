package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/loykin/kithost/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options selects the server and table. Zero values use the ClickHouse defaults.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "script_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			event String,
			occurred_at DateTime64(6),
			run_id String,
			pid UInt32,
			type String,
			script String,
			args String,
			started_at DateTime64(6),
			exited_at Nullable(DateTime64(6)),
			exit_err Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, run_id)`)
	if err != nil {
		return fmt.Errorf("create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var exited *time.Time
	if !rec.ExitedAt.IsZero() {
		t := rec.ExitedAt.UTC()
		exited = &t
	}
	var exitErr *string
	if rec.ExitErr != "" {
		exitErr = &rec.ExitErr
	}
	query := fmt.Sprintf(`INSERT INTO %s (event, occurred_at, run_id, pid, type, script, args, started_at, exited_at, exit_err) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt.UTC(),
		rec.RunID,
		uint32(rec.PID),
		rec.Type,
		rec.Script,
		rec.ArgsString(),
		rec.StartedAt.UTC(),
		exited,
		exitErr,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

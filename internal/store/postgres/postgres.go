// Package postgres persists step records and controller alarms to
// PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalsfoundry/gasnet-twin/internal/alarm"
	"github.com/signalsfoundry/gasnet-twin/internal/sink"
)

const (
	recordTable = "sim_timeseries"
	alarmTable  = "alarms"
)

var recordColumns = []string{"run_id", "kind", "step", "sim_time", "ts", "object_id", "fields"}

// db is the subset of *pgxpool.Pool the store uses.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Store writes records and alarms. It implements sink.Writer and
// alarm.Sink.
type Store struct {
	db   db
	pool *pgxpool.Pool
}

var (
	_ sink.Writer = (*Store)(nil)
	_ alarm.Sink  = (*Store)(nil)
)

// New connects to dsn, verifies the connection and creates the tables when
// they do not exist.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = 8
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &Store{db: pool, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sim_timeseries (
			run_id    TEXT NOT NULL,
			kind      TEXT NOT NULL,
			step      INTEGER NOT NULL,
			sim_time  DOUBLE PRECISION NOT NULL,
			ts        TIMESTAMPTZ NOT NULL,
			object_id TEXT NOT NULL,
			fields    JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sim_timeseries_run_step_idx ON sim_timeseries (run_id, step)`,
		`CREATE INDEX IF NOT EXISTS sim_timeseries_object_idx ON sim_timeseries (object_id, kind)`,
		`CREATE TABLE IF NOT EXISTS alarms (
			id            BIGSERIAL PRIMARY KEY,
			run_id        TEXT NOT NULL,
			controller_id TEXT NOT NULL,
			code          TEXT NOT NULL,
			severity      TEXT NOT NULL,
			message       TEXT NOT NULL,
			step          INTEGER NOT NULL,
			sim_time      DOUBLE PRECISION NOT NULL,
			raised_at     TIMESTAMPTZ NOT NULL,
			acknowledged  BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS alarms_run_idx ON alarms (run_id, raised_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Write bulk-loads one step's records with COPY.
func (s *Store) Write(ctx context.Context, records []sink.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows, err := recordRows(records)
	if err != nil {
		return err
	}
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{recordTable}, recordColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy %d records: %w", len(records), err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copied %d of %d records", n, len(rows))
	}
	return nil
}

func recordRows(records []sink.Record) ([][]any, error) {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal fields of %s/%s: %w", r.Kind, r.ObjectID, err)
		}
		rows = append(rows, []any{
			r.RunID, string(r.Kind), int32(r.Step), r.SimTime, r.Timestamp, r.ObjectID, fields,
		})
	}
	return rows, nil
}

// Raise inserts one alarm row.
func (s *Store) Raise(ctx context.Context, a alarm.Alarm) error {
	query := `
		INSERT INTO alarms (run_id, controller_id, code, severity, message, step, sim_time, raised_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.Exec(ctx, query,
		a.RunID,
		a.ControllerID,
		a.Code,
		string(a.Severity),
		a.Message,
		int32(a.Step),
		a.SimTime,
		a.RaisedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alarm %s: %w", a.Code, err)
	}
	return nil
}

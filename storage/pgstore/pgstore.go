// Package pgstore implements storage.Store on PostgreSQL through pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/overtonx/inbox/storage"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	insertQuery = `
		INSERT INTO inbox_events (fingerprint, event_type, payload, status, attempt_count, max_attempts, next_attempt_at, last_error, received_at, processed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (fingerprint) DO NOTHING`

	getQuery = `
		SELECT fingerprint, event_type, payload, status, attempt_count, max_attempts, next_attempt_at, COALESCE(last_error, ''), received_at, processed_at, updated_at
		FROM inbox_events
		WHERE fingerprint = $1`

	casQuery = `
		UPDATE inbox_events
		SET status = $1, attempt_count = $2, next_attempt_at = $3, last_error = $4, processed_at = $5, updated_at = $6
		WHERE fingerprint = $7 AND status = $8 AND attempt_count = $9`

	fetchDueQuery = `
		SELECT fingerprint
		FROM inbox_events
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at, id
		LIMIT $3`

	fetchStaleQuery = `
		SELECT fingerprint
		FROM inbox_events
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at, id
		LIMIT $3`

	deleteFinishedQuery = `DELETE FROM inbox_events WHERE status IN ($1, $2) AND received_at < $3`

	createTableQuery = `
		CREATE TABLE IF NOT EXISTS inbox_events (
			id              BIGSERIAL PRIMARY KEY,
			fingerprint     TEXT        NOT NULL UNIQUE,
			event_type      TEXT        NOT NULL DEFAULT '',
			payload         BYTEA       NOT NULL,
			status          TEXT        NOT NULL,
			attempt_count   INT         NOT NULL DEFAULT 0,
			max_attempts    INT         NOT NULL,
			next_attempt_at TIMESTAMPTZ NULL,
			last_error      TEXT        NULL,
			received_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at    TIMESTAMPTZ NULL,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_inbox_events_due ON inbox_events (status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_inbox_events_stale ON inbox_events (status, updated_at);
		CREATE INDEX IF NOT EXISTS idx_inbox_events_received_at ON inbox_events (received_at)`
)

type Store struct {
	db     DB
	logger *zap.Logger
}

func New(db DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) Get(ctx context.Context, fingerprint string) (storage.EventRecord, error) {
	var (
		rec    storage.EventRecord
		status string
	)
	err := s.db.QueryRow(ctx, getQuery, fingerprint).Scan(
		&rec.Fingerprint,
		&rec.EventType,
		&rec.Payload,
		&status,
		&rec.AttemptCount,
		&rec.MaxAttempts,
		&rec.NextAttemptAt,
		&rec.LastError,
		&rec.ReceivedAt,
		&rec.ProcessedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.EventRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("get inbox event: %w", err)
	}
	rec.Status = storage.Status(status)
	return rec, nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, record storage.EventRecord) (bool, error) {
	tag, err := s.db.Exec(ctx, insertQuery,
		record.Fingerprint,
		record.EventType,
		record.Payload,
		string(record.Status),
		record.AttemptCount,
		record.MaxAttempts,
		record.NextAttemptAt,
		nullIfEmptyText(record.LastError),
		record.ReceivedAt,
		record.ProcessedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert inbox event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, expected storage.Version, next storage.EventRecord) (bool, error) {
	tag, err := s.db.Exec(ctx, casQuery,
		string(next.Status),
		next.AttemptCount,
		next.NextAttemptAt,
		nullIfEmptyText(next.LastError),
		next.ProcessedAt,
		next.UpdatedAt,
		next.Fingerprint,
		string(expected.Status),
		expected.AttemptCount,
	)
	if err != nil {
		return false, fmt.Errorf("update inbox event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FetchDueForRetry(ctx context.Context, now time.Time, batchSize int) ([]string, error) {
	rows, err := s.db.Query(ctx, fetchDueQuery, string(storage.StatusPendingRetry), now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	fingerprints, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("read due events: %w", err)
	}
	return fingerprints, nil
}

func (s *Store) FetchStale(ctx context.Context, updatedBefore time.Time, batchSize int) ([]string, error) {
	rows, err := s.db.Query(ctx, fetchStaleQuery, string(storage.StatusReceived), updatedBefore, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query stale events: %w", err)
	}
	fingerprints, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("read stale events: %w", err)
	}
	return fingerprints, nil
}

func (s *Store) DeleteFinished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, deleteFinishedQuery,
		string(storage.StatusProcessed),
		string(storage.StatusRejected),
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("delete finished events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) EnsureTables(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableQuery); err != nil {
		return fmt.Errorf("create inbox_events table: %w", err)
	}
	return nil
}

func nullIfEmptyText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

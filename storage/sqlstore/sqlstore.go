package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/overtonx/inbox/storage"
)

const tableEvents = "inbox_events"

// mysqlErrDuplicateEntry is MySQL error 1062: Duplicate entry.
const mysqlErrDuplicateEntry = 1062

// SQL queries
const (
	columns = `fingerprint, event_type, payload, status, attempt_count, max_attempts, next_attempt_at, last_error, received_at, processed_at, updated_at`

	insertQuery = `
		INSERT INTO %s (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	getQuery = `
		SELECT ` + columns + `
		FROM %s
		WHERE fingerprint = ?`

	casQuery = `
		UPDATE %s
		SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, processed_at = ?, updated_at = ?
		WHERE fingerprint = ? AND status = ? AND attempt_count = ?`

	fetchDueQuery = `
		SELECT fingerprint
		FROM %s
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at, id
		LIMIT ?`

	fetchStaleQuery = `
		SELECT fingerprint
		FROM %s
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at, id
		LIMIT ?`

	deleteFinishedQuery = `DELETE FROM %s WHERE status IN (?, ?) AND received_at < ?`
)

// SQLStore is a MySQL-backed storage.Store. Statements run on the
// transaction carried by ctx when there is one, otherwise on the pool.
type SQLStore struct {
	db       *sql.DB
	logger   *zap.Logger
	txGetter *trmsql.CtxGetter
}

func NewSQLStore(db *sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:       db,
		logger:   logger,
		txGetter: trmsql.DefaultCtxGetter,
	}
}

func (s *SQLStore) conn(ctx context.Context) trmsql.Tr {
	return s.txGetter.DefaultTrOrDB(ctx, s.db)
}

func (s *SQLStore) Get(ctx context.Context, fingerprint string) (storage.EventRecord, error) {
	query := fmt.Sprintf(getQuery, tableEvents)
	rec, err := scanRecord(s.conn(ctx).QueryRowContext(ctx, query, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.EventRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("failed to get inbox event: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) InsertIfAbsent(ctx context.Context, record storage.EventRecord) (bool, error) {
	query := fmt.Sprintf(insertQuery, tableEvents)
	_, err := s.conn(ctx).ExecContext(ctx, query,
		record.Fingerprint,
		record.EventType,
		record.Payload,
		string(record.Status),
		record.AttemptCount,
		record.MaxAttempts,
		nullTime(record.NextAttemptAt),
		nullString(record.LastError),
		record.ReceivedAt.UTC(),
		nullTime(record.ProcessedAt),
		record.UpdatedAt.UTC(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			s.logger.Debug("Duplicate inbox event", zap.String("fingerprint", record.Fingerprint))
			return false, nil
		}
		return false, fmt.Errorf("failed to insert inbox event: %w", err)
	}
	return true, nil
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, expected storage.Version, next storage.EventRecord) (bool, error) {
	query := fmt.Sprintf(casQuery, tableEvents)
	res, err := s.conn(ctx).ExecContext(ctx, query,
		string(next.Status),
		next.AttemptCount,
		nullTime(next.NextAttemptAt),
		nullString(next.LastError),
		nullTime(next.ProcessedAt),
		next.UpdatedAt.UTC(),
		next.Fingerprint,
		string(expected.Status),
		expected.AttemptCount,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update inbox event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLStore) FetchDueForRetry(ctx context.Context, now time.Time, batchSize int) ([]string, error) {
	query := fmt.Sprintf(fetchDueQuery, tableEvents)
	rows, err := s.conn(ctx).QueryContext(ctx, query, string(storage.StatusPendingRetry), now.UTC(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query due events: %w", err)
	}
	return scanFingerprints(rows)
}

func (s *SQLStore) FetchStale(ctx context.Context, updatedBefore time.Time, batchSize int) ([]string, error) {
	query := fmt.Sprintf(fetchStaleQuery, tableEvents)
	rows, err := s.conn(ctx).QueryContext(ctx, query, string(storage.StatusReceived), updatedBefore.UTC(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale events: %w", err)
	}
	return scanFingerprints(rows)
}

func (s *SQLStore) DeleteFinished(ctx context.Context, before time.Time) (int64, error) {
	query := fmt.Sprintf(deleteFinishedQuery, tableEvents)
	res, err := s.conn(ctx).ExecContext(ctx, query,
		string(storage.StatusProcessed),
		string(storage.StatusRejected),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished events: %w", err)
	}
	return res.RowsAffected()
}

// EnsureTables создает таблицу, если она не существует
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS inbox_events (
			id              BIGINT AUTO_INCREMENT PRIMARY KEY,
			fingerprint     VARCHAR(255) NOT NULL,
			event_type      VARCHAR(64)  NOT NULL DEFAULT '',
			payload         LONGBLOB     NOT NULL,
			status          VARCHAR(32)  NOT NULL COMMENT 'received, processed, failed, pending_retry, rejected',
			attempt_count   INT          NOT NULL DEFAULT 0,
			max_attempts    INT          NOT NULL,
			next_attempt_at TIMESTAMP(6) NULL,
			last_error      TEXT         NULL,
			received_at     TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			processed_at    TIMESTAMP(6) NULL,
			updated_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			UNIQUE KEY uq_fingerprint (fingerprint),
			INDEX idx_status_next_attempt (status, next_attempt_at),
			INDEX idx_status_updated_at (status, updated_at),
			INDEX idx_received_at (received_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create inbox_events table: %w", err)
	}
	return nil
}

func scanFingerprints(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var fingerprints []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint row: %w", err)
		}
		fingerprints = append(fingerprints, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading fingerprint rows: %w", err)
	}
	return fingerprints, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (storage.EventRecord, error) {
	var (
		rec           storage.EventRecord
		status        string
		nextAttemptAt sql.NullTime
		lastError     sql.NullString
		processedAt   sql.NullTime
	)
	if err := row.Scan(
		&rec.Fingerprint,
		&rec.EventType,
		&rec.Payload,
		&status,
		&rec.AttemptCount,
		&rec.MaxAttempts,
		&nextAttemptAt,
		&lastError,
		&rec.ReceivedAt,
		&processedAt,
		&rec.UpdatedAt,
	); err != nil {
		return storage.EventRecord{}, err
	}
	rec.Status = storage.Status(status)
	rec.LastError = lastError.String
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		rec.NextAttemptAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return rec, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

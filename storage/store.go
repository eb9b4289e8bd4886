package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the fingerprint.
var ErrNotFound = errors.New("event not found")

// Status is the lifecycle state of an inbox event.
type Status string

const (
	StatusReceived     Status = "received"
	StatusProcessed    Status = "processed"
	StatusFailed       Status = "failed"
	StatusPendingRetry Status = "pending_retry"
	StatusRejected     Status = "rejected"
)

// IsTerminal reports whether no further outcome may be recorded for the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusProcessed, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Store is the persistence contract of the inbox. Every write is a single
// atomic statement: an insert guarded by the fingerprint uniqueness
// constraint, or an update guarded by the expected Version.
type Store interface {
	// Get returns the record for fingerprint or ErrNotFound.
	Get(ctx context.Context, fingerprint string) (EventRecord, error)
	// InsertIfAbsent stores record unless its fingerprint already exists.
	InsertIfAbsent(ctx context.Context, record EventRecord) (bool, error)
	// CompareAndSwap replaces the record only if it is still at expected.
	CompareAndSwap(ctx context.Context, expected Version, next EventRecord) (bool, error)
	// FetchDueForRetry returns fingerprints of pending_retry records whose
	// next attempt is due, oldest first.
	FetchDueForRetry(ctx context.Context, now time.Time, batchSize int) ([]string, error)
	// FetchStale returns fingerprints of records still in received whose
	// last update is before the cutoff, oldest first.
	FetchStale(ctx context.Context, updatedBefore time.Time, batchSize int) ([]string, error)
	// DeleteFinished removes processed and rejected records received before the cutoff.
	DeleteFinished(ctx context.Context, before time.Time) (int64, error)
	// EnsureTables creates the backing schema if needed.
	EnsureTables(ctx context.Context) error
}

// EventRecord is the persisted representation of an inbound event.
type EventRecord struct {
	Fingerprint   string     `json:"fingerprint"`
	EventType     string     `json:"event_type"`
	Payload       []byte     `json:"payload"`
	Status        Status     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Version identifies the state a compare-and-swap expects to replace.
// Every transition changes the status or increments the attempt count,
// so a version is never observed twice for the same fingerprint.
type Version struct {
	Status       Status
	AttemptCount int
}

// Version returns the record's current version.
func (r EventRecord) Version() Version {
	return Version{Status: r.Status, AttemptCount: r.AttemptCount}
}

// IsDue reports whether the record is waiting for a retry at or before now.
func (r EventRecord) IsDue(now time.Time) bool {
	return r.Status == StatusPendingRetry && r.NextAttemptAt != nil && !r.NextAttemptAt.After(now)
}

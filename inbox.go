// Package inbox implements idempotent ingestion of inbound events with
// bounded retry.
//
// A Deduplicator admits each event once per fingerprint, a RetryScheduler
// drives the record through its lifecycle after every processing attempt,
// and a Processor ties both to a Registry of handlers.
package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/overtonx/inbox/storage"
)

var (
	// ErrStorage wraps every failure of the underlying Store. It is never
	// reported as a duplicate.
	ErrStorage = errors.New("inbox storage error")
	// ErrEmptyFingerprint is returned when an event has no fingerprint.
	ErrEmptyFingerprint = errors.New("fingerprint is required")
	// ErrEventNotFound is returned when an outcome is recorded for an unknown fingerprint.
	ErrEventNotFound = storage.ErrNotFound
	// ErrConcurrentUpdate is returned when an outcome could not be recorded
	// because the record kept changing underneath.
	ErrConcurrentUpdate = errors.New("inbox event changed concurrently")
	// ErrInvalidBatchSize is returned for a non-positive drain batch size.
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	// ErrEventTerminal is returned when a manual retry targets a processed,
	// failed or rejected event.
	ErrEventTerminal = errors.New("inbox event is terminal")
	// ErrEventNotPending is returned when a manual retry targets an event
	// still awaiting its first outcome.
	ErrEventNotPending = errors.New("inbox event is not pending retry")
)

const (
	fingerprintPrefixID     = "id:"
	fingerprintPrefixSHA256 = "sha256:"
)

// Fingerprint derives the deduplication key of a payload. A provider
// supplied event id wins when present; otherwise the key is the SHA-256 of
// the raw bytes.
func Fingerprint(providerID string, payload []byte) string {
	if id := strings.TrimSpace(providerID); id != "" {
		return fingerprintPrefixID + id
	}
	sum := sha256.Sum256(payload)
	return fingerprintPrefixSHA256 + hex.EncodeToString(sum[:])
}

// NewInboundEvent builds an InboundEvent with a fingerprint derived from
// providerID and payload.
func NewInboundEvent(providerID, eventType string, payload []byte) InboundEvent {
	return InboundEvent{
		Fingerprint: Fingerprint(providerID, payload),
		EventType:   eventType,
		Payload:     payload,
	}
}

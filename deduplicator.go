package inbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/inbox/storage"
)

// Deduplicator admits each fingerprint exactly once. Admission is a single
// insert guarded by the store's uniqueness constraint, so concurrent
// deliveries of the same event yield one DecisionAccepted.
type Deduplicator struct {
	store       storage.Store
	logger      *zap.Logger
	metrics     MetricsCollector
	clock       func() time.Time
	maxAttempts int
}

// NewDeduplicator creates a Deduplicator over store.
func NewDeduplicator(store storage.Store, opts ...Option) *Deduplicator {
	s := newSettings(opts)
	return &Deduplicator{
		store:       store,
		logger:      s.logger,
		metrics:     s.metrics,
		clock:       s.clock,
		maxAttempts: s.maxAttempts,
	}
}

// Admit stores payload under fingerprint on first sight and reports
// DecisionDuplicate on every later call, whatever the payload.
func (d *Deduplicator) Admit(ctx context.Context, fingerprint string, payload []byte) (Decision, error) {
	return d.AdmitEvent(ctx, InboundEvent{Fingerprint: fingerprint, Payload: payload})
}

// AdmitEvent is Admit for an event that carries its type.
func (d *Deduplicator) AdmitEvent(ctx context.Context, event InboundEvent) (Decision, error) {
	return d.insert(ctx, event, StatusReceived, "")
}

// Reject records an event that failed ingress checks. The record is
// terminal, and later deliveries with the same fingerprint are duplicates.
func (d *Deduplicator) Reject(ctx context.Context, event InboundEvent, reason string) (Decision, error) {
	return d.insert(ctx, event, StatusRejected, reason)
}

func (d *Deduplicator) insert(ctx context.Context, event InboundEvent, status Status, lastError string) (Decision, error) {
	if event.Fingerprint == "" {
		return 0, ErrEmptyFingerprint
	}

	now := d.clock()
	record := storage.EventRecord{
		Fingerprint: event.Fingerprint,
		EventType:   event.EventType,
		Payload:     event.Payload,
		Status:      status,
		MaxAttempts: d.maxAttempts,
		LastError:   lastError,
		ReceivedAt:  now,
		UpdatedAt:   now,
	}

	inserted, err := d.store.InsertIfAbsent(ctx, record)
	if err != nil {
		d.metrics.IncrementCounter("deduplicator.storage_error", nil)
		return 0, fmt.Errorf("%w: admit %s: %w", ErrStorage, event.Fingerprint, err)
	}

	fields := []zap.Field{
		zap.String("fingerprint", event.Fingerprint),
		zap.String("event_type", event.EventType),
		zap.String("status", string(status)),
	}
	if !inserted {
		d.metrics.IncrementCounter("deduplicator.duplicate", map[string]string{"event_type": event.EventType})
		d.logger.Debug("Duplicate event ignored", fields...)
		return DecisionDuplicate, nil
	}

	d.metrics.IncrementCounter("deduplicator.accepted", map[string]string{"event_type": event.EventType, "status": string(status)})
	d.logger.Debug("Event admitted", fields...)
	return DecisionAccepted, nil
}

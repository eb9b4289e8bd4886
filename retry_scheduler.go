package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/inbox/storage"
)

// RetryScheduler moves an admitted event through its lifecycle after each
// processing attempt and reports which events are due for another one.
type RetryScheduler struct {
	store          storage.Store
	logger         *zap.Logger
	metrics        MetricsCollector
	clock          func() time.Time
	backoff        BackoffStrategy
	maxCASAttempts int
}

func NewRetryScheduler(store storage.Store, opts ...Option) *RetryScheduler {
	s := newSettings(opts)
	return &RetryScheduler{
		store:          store,
		logger:         s.logger,
		metrics:        s.metrics,
		clock:          s.clock,
		backoff:        s.backoffStrategy,
		maxCASAttempts: s.maxCASAttempts,
	}
}

// RecordOutcome applies the outcome of one processing attempt. Outcomes for
// processed, failed or rejected events are ignored.
func (s *RetryScheduler) RecordOutcome(ctx context.Context, fingerprint string, outcome Outcome) error {
	_, err := s.recordOutcome(ctx, fingerprint, outcome)
	return err
}

// recordOutcome returns the record as it stands after the outcome was applied.
func (s *RetryScheduler) recordOutcome(ctx context.Context, fingerprint string, outcome Outcome) (storage.EventRecord, error) {
	if fingerprint == "" {
		return storage.EventRecord{}, ErrEmptyFingerprint
	}

	for attempt := 0; attempt < s.maxCASAttempts; attempt++ {
		current, err := s.store.Get(ctx, fingerprint)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.EventRecord{}, fmt.Errorf("record outcome for %s: %w", fingerprint, ErrEventNotFound)
		}
		if err != nil {
			return storage.EventRecord{}, fmt.Errorf("%w: load %s: %w", ErrStorage, fingerprint, err)
		}

		next, changed := transition(current, outcome, s.clock(), s.backoff)
		if !changed {
			s.logger.Debug("Outcome ignored for terminal event",
				zap.String("fingerprint", fingerprint),
				zap.String("status", string(current.Status)),
			)
			return current, nil
		}

		swapped, err := s.store.CompareAndSwap(ctx, current.Version(), next)
		if err != nil {
			return storage.EventRecord{}, fmt.Errorf("%w: update %s: %w", ErrStorage, fingerprint, err)
		}
		if !swapped {
			s.metrics.IncrementCounter("retry_scheduler.cas_conflict", nil)
			// Inside a transaction the next Get re-reads the same snapshot and
			// can never observe the winning write.
			if inTransaction(ctx) {
				s.logger.Debug("Event changed concurrently inside transaction",
					zap.String("fingerprint", fingerprint))
				return storage.EventRecord{}, fmt.Errorf("record outcome for %s: %w", fingerprint, ErrConcurrentUpdate)
			}
			s.logger.Debug("Event changed concurrently, re-evaluating",
				zap.String("fingerprint", fingerprint),
				zap.Int("cas_attempt", attempt+1),
			)
			continue
		}

		s.observe(next)
		return next, nil
	}

	return storage.EventRecord{}, fmt.Errorf("record outcome for %s: %w", fingerprint, ErrConcurrentUpdate)
}

func (s *RetryScheduler) observe(rec storage.EventRecord) {
	tags := map[string]string{"event_type": rec.EventType, "status": string(rec.Status)}
	s.metrics.IncrementCounter("retry_scheduler.outcome", tags)

	fields := []zap.Field{
		zap.String("fingerprint", rec.Fingerprint),
		zap.String("event_type", rec.EventType),
		zap.Int("attempt", rec.AttemptCount),
		zap.Int("max_attempts", rec.MaxAttempts),
	}
	switch rec.Status {
	case storage.StatusProcessed:
		s.logger.Debug("Event processed", fields...)
	case storage.StatusPendingRetry:
		s.logger.Warn("Event attempt failed, retry scheduled",
			append(fields, zap.Time("next_attempt_at", *rec.NextAttemptAt), zap.String("error", rec.LastError))...)
	case storage.StatusFailed:
		s.metrics.IncrementCounter("retry_scheduler.exhausted", map[string]string{"event_type": rec.EventType})
		s.logger.Error("Event retries exhausted",
			append(fields, zap.String("error", rec.LastError))...)
	}
}

// DueForRetry returns up to batchSize fingerprints whose retry time is at
// or before now, earliest first.
func (s *RetryScheduler) DueForRetry(ctx context.Context, now time.Time, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	due, err := s.store.FetchDueForRetry(ctx, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch due events: %w", ErrStorage, err)
	}
	s.metrics.RecordGauge("retry_scheduler.due", float64(len(due)), nil)
	return due, nil
}

// transition computes the record that follows current after outcome. It
// reports false when current is terminal and nothing should change.
func transition(current storage.EventRecord, outcome Outcome, now time.Time, strategy BackoffStrategy) (storage.EventRecord, bool) {
	if current.Status.IsTerminal() {
		return current, false
	}

	next := current
	next.UpdatedAt = now

	if !outcome.Failed() {
		next.Status = storage.StatusProcessed
		next.NextAttemptAt = nil
		next.LastError = ""
		processedAt := now
		next.ProcessedAt = &processedAt
		return next, true
	}

	// attempt_count only counts failures.
	next.AttemptCount = min(current.AttemptCount+1, current.MaxAttempts)
	next.LastError = outcome.Reason()
	if next.AttemptCount >= current.MaxAttempts {
		next.Status = storage.StatusFailed
		next.NextAttemptAt = nil
		return next, true
	}

	next.Status = storage.StatusPendingRetry
	at := now.Add(strategy.NextDelay(next.AttemptCount))
	next.NextAttemptAt = &at
	return next, true
}

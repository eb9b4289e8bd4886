package inbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/inbox/storage"
)

const stuckEventReason = "event recovered from stuck state"

// StuckEventServiceImpl finds events left in received for too long, for
// example because the process died between admission and the outcome
// write, and records a failed attempt for them so the retry schedule takes
// over.
type StuckEventServiceImpl struct {
	store        storage.Store
	scheduler    *RetryScheduler
	logger       *zap.Logger
	metrics      MetricsCollector
	clock        func() time.Time
	stuckTimeout time.Duration
	batchSize    int
}

func NewStuckEventService(store storage.Store, scheduler *RetryScheduler, opts ...StuckEventServiceOption) *StuckEventServiceImpl {
	o := &stuckEventServiceOptions{
		logger:       zap.NewNop(),
		metrics:      NewNopMetricsCollector(),
		clock:        func() time.Time { return time.Now().UTC() },
		stuckTimeout: defaultStuckTimeout,
		batchSize:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &StuckEventServiceImpl{
		store:        store,
		scheduler:    scheduler,
		logger:       o.logger,
		metrics:      o.metrics,
		clock:        o.clock,
		stuckTimeout: o.stuckTimeout,
		batchSize:    o.batchSize,
	}
}

// RecoverStuckEvents is the worker func of the stuck event worker.
func (s *StuckEventServiceImpl) RecoverStuckEvents(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("stuck_events.recovery.duration", time.Since(start), nil)
	}()

	threshold := s.clock().Add(-s.stuckTimeout)
	fingerprints, err := s.store.FetchStale(ctx, threshold, s.batchSize)
	if err != nil {
		s.metrics.IncrementCounter("stuck_events.fetch_failed", nil)
		return err
	}
	if len(fingerprints) == 0 {
		return nil
	}

	recovered := 0
	for _, fp := range fingerprints {
		if ctx.Err() != nil {
			break
		}
		rec, err := s.scheduler.recordOutcome(ctx, fp, Failure(stuckEventReason))
		if err != nil {
			if !errors.Is(err, ErrEventNotFound) {
				s.logger.Error("Failed to recover stuck event", zap.String("fingerprint", fp), zap.Error(err))
			}
			continue
		}
		switch rec.Status {
		case storage.StatusPendingRetry:
			s.metrics.IncrementCounter("stuck_events.marked_as_retry", nil)
		case storage.StatusFailed:
			s.metrics.IncrementCounter("stuck_events.marked_as_failed", nil)
		}
		recovered++
	}

	s.logger.Info("Stuck event recovery completed",
		zap.Int("recovered_count", recovered),
		zap.Duration("stuck_threshold", s.stuckTimeout),
	)
	s.metrics.RecordGauge("stuck_events.recovered_batch_size", float64(recovered), nil)
	return nil
}

package inbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/inbox/storage"
)

// CleanupServiceImpl выполняет очистку старых записей.
type CleanupServiceImpl struct {
	store     storage.Store
	logger    *zap.Logger
	metrics   MetricsCollector
	clock     func() time.Time
	retention time.Duration
}

// NewCleanupService создает новый экземпляр CleanupServiceImpl.
func NewCleanupService(store storage.Store, opts ...CleanupServiceOption) *CleanupServiceImpl {
	o := &cleanupServiceOptions{
		logger:    zap.NewNop(),
		metrics:   NewNopMetricsCollector(),
		clock:     func() time.Time { return time.Now().UTC() },
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = NewNopMetricsCollector()
	}
	if o.clock == nil {
		o.clock = func() time.Time { return time.Now().UTC() }
	}
	if o.retention <= 0 {
		o.retention = defaultRetention
	}
	return &CleanupServiceImpl{
		store:     store,
		logger:    o.logger,
		metrics:   o.metrics,
		clock:     o.clock,
		retention: o.retention,
	}
}

// Cleanup - это workFunc для воркера, который выполняет очистку.
// Удаляются только processed и rejected записи: failed остаются для разбора.
func (s *CleanupServiceImpl) Cleanup(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("cleanup.duration", time.Since(start), nil)
	}()

	s.logger.Info("Starting cleanup process")

	cutoff := s.clock().Add(-s.retention)
	deleted, err := s.store.DeleteFinished(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to clean up finished events", zap.Error(err))
		s.metrics.IncrementCounter("cleanup.finished_events.failed", nil)
	} else if deleted > 0 {
		s.logger.Info("Cleaned up finished events", zap.Int64("count", deleted), zap.Time("cutoff", cutoff))
		s.metrics.RecordGauge("cleanup.finished_events.deleted", float64(deleted), nil)
	}

	s.logger.Info("Cleanup process finished")
	s.metrics.IncrementCounter("cleanup.executed", nil)

	// Воркер очистки всегда возвращает nil,
	// чтобы не останавливать его работу из-за ошибок очистки.
	return nil
}

package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overtonx/inbox/storage"
)

// Processor admits inbound events, dispatches them to their handlers and
// records each attempt's outcome.
type Processor struct {
	store       storage.Store
	dedup       *Deduplicator
	scheduler   *RetryScheduler
	registry    *Registry
	logger      *zap.Logger
	metrics     MetricsCollector
	clock       func() time.Time
	batchSize   int
	concurrency int
	txManager   TxManager
}

// NewProcessor создает Processor поверх store. Опции передаются также
// дедупликатору и планировщику повторов.
func NewProcessor(store storage.Store, registry *Registry, opts ...Option) *Processor {
	s := newSettings(opts)
	if registry == nil {
		registry = NewRegistry(s.logger)
	}
	return &Processor{
		store:       store,
		dedup:       NewDeduplicator(store, opts...),
		scheduler:   NewRetryScheduler(store, opts...),
		registry:    registry,
		logger:      s.logger,
		metrics:     s.metrics,
		clock:       s.clock,
		batchSize:   s.batchSize,
		concurrency: s.concurrency,
		txManager:   s.txManager,
	}
}

func (p *Processor) Deduplicator() *Deduplicator     { return p.dedup }
func (p *Processor) RetryScheduler() *RetryScheduler { return p.scheduler }

// Ingest admits event and, on first sight, runs its handler once. Handler
// failures are recorded on the event and do not surface as errors; the
// returned error is always a storage or context failure.
func (p *Processor) Ingest(ctx context.Context, event InboundEvent) (Result, error) {
	decision, err := p.dedup.AdmitEvent(ctx, event)
	if err != nil {
		return Result{}, err
	}
	if decision == DecisionDuplicate {
		return p.duplicateResult(ctx, event.Fingerprint)
	}

	rec, err := p.store.Get(ctx, event.Fingerprint)
	if err != nil {
		return Result{}, fmt.Errorf("%w: load admitted %s: %w", ErrStorage, event.Fingerprint, err)
	}
	updated, err := p.attempt(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	return resultOf(DecisionAccepted, updated), nil
}

// Reject stores event as rejected without running a handler.
func (p *Processor) Reject(ctx context.Context, event InboundEvent, reason string) (Decision, error) {
	return p.dedup.Reject(ctx, event, reason)
}

// Get returns the stored record for fingerprint.
func (p *Processor) Get(ctx context.Context, fingerprint string) (storage.EventRecord, error) {
	rec, err := p.store.Get(ctx, fingerprint)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.EventRecord{}, ErrEventNotFound
	}
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("%w: load %s: %w", ErrStorage, fingerprint, err)
	}
	return rec, nil
}

// RetryNow dispatches a pending_retry event immediately, ignoring its
// next_attempt_at. The outcome is recorded exactly as a scheduled retry would.
func (p *Processor) RetryNow(ctx context.Context, fingerprint string) (Result, error) {
	if fingerprint == "" {
		return Result{}, ErrEmptyFingerprint
	}
	rec, err := p.Get(ctx, fingerprint)
	if err != nil {
		return Result{}, err
	}
	switch {
	case rec.Status.IsTerminal():
		return Result{}, fmt.Errorf("retry %s (%s): %w", fingerprint, rec.Status, ErrEventTerminal)
	case rec.Status != storage.StatusPendingRetry:
		return Result{}, fmt.Errorf("retry %s (%s): %w", fingerprint, rec.Status, ErrEventNotPending)
	}

	p.logger.Info("Manual retry requested",
		zap.String("fingerprint", fingerprint),
		zap.Int("attempt_count", rec.AttemptCount))
	p.metrics.IncrementCounter("processor.manual_retry", map[string]string{"event_type": rec.EventType})

	updated, err := p.attempt(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	return resultOf(DecisionAccepted, updated), nil
}

// ProcessDue - это workFunc воркера повторов: выбирает события, время
// повтора которых наступило, и снова вызывает для них обработчики.
func (p *Processor) ProcessDue(ctx context.Context) error {
	start := p.clock()
	due, err := p.scheduler.DueForRetry(ctx, start, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch due events: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	p.logger.Info("Fetched events due for retry", zap.Int("count", len(due)))
	processed, failed := p.dispatchAll(ctx, due, func(rec storage.EventRecord) bool {
		return rec.IsDue(start)
	})

	p.logger.Info("Retry batch completed",
		zap.Int("processed", processed),
		zap.Int("failed", failed))
	p.metrics.RecordDuration("processor.retry_batch.duration", time.Since(start), nil)
	return nil
}

// dispatchAll runs one attempt for each fingerprint whose record still
// satisfies eligible, at most p.concurrency at a time.
func (p *Processor) dispatchAll(ctx context.Context, fingerprints []string, eligible func(storage.EventRecord) bool) (processed, failed int) {
	results := make([]storage.Status, len(fingerprints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, fp := range fingerprints {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			rec, err := p.store.Get(gctx, fp)
			if err != nil {
				p.logger.Error("Failed to load event", zap.String("fingerprint", fp), zap.Error(err))
				return nil
			}
			// Another worker got there first.
			if !eligible(rec) {
				return nil
			}
			updated, err := p.attempt(gctx, rec)
			if err != nil {
				p.logger.Error("Failed to process event", zap.String("fingerprint", fp), zap.Error(err))
				return nil
			}
			results[i] = updated.Status
			return nil
		})
	}
	_ = g.Wait()

	for _, status := range results {
		switch status {
		case storage.StatusProcessed:
			processed++
		case storage.StatusPendingRetry, storage.StatusFailed:
			failed++
		}
	}
	return processed, failed
}

// attempt runs the handler for rec and records the outcome. The handler and
// the success write share a transaction when a TxManager is configured; a
// failure is recorded after that transaction has rolled back.
func (p *Processor) attempt(ctx context.Context, rec storage.EventRecord) (storage.EventRecord, error) {
	handler, known := p.registry.Resolve(rec.EventType)
	tags := map[string]string{"event_type": rec.EventType}
	fields := []zap.Field{
		zap.String("fingerprint", rec.Fingerprint),
		zap.String("event_type", rec.EventType),
		zap.Int("attempt", rec.AttemptCount+1),
	}
	if !known {
		p.metrics.IncrementCounter("processor.unhandled", tags)
	}

	p.logger.Debug("Dispatching event", fields...)
	start := time.Now()

	var (
		updated    storage.EventRecord
		handlerErr error
	)
	_, nop := p.txManager.(nopTxManager)
	txErr := p.txManager.Do(ctx, func(ctx context.Context) error {
		if !nop {
			ctx = withinTransaction(ctx)
		}
		if handlerErr = invoke(ctx, handler, rec); handlerErr != nil {
			return handlerErr
		}
		var err error
		updated, err = p.scheduler.recordOutcome(ctx, rec.Fingerprint, Success())
		return err
	})
	p.metrics.RecordDuration("processor.handle.duration", time.Since(start), tags)

	if handlerErr != nil {
		p.metrics.IncrementCounter("processor.handle.failed", tags)
		p.logger.Warn("Event handler failed", append(fields, zap.Error(handlerErr))...)
		return p.scheduler.recordOutcome(ctx, rec.Fingerprint, Failure(handlerErr.Error()))
	}
	if txErr != nil {
		return storage.EventRecord{}, txErr
	}
	p.metrics.IncrementCounter("processor.handle.success", tags)
	return updated, nil
}

func (p *Processor) duplicateResult(ctx context.Context, fingerprint string) (Result, error) {
	rec, err := p.store.Get(ctx, fingerprint)
	if err != nil {
		return Result{}, fmt.Errorf("%w: load duplicate %s: %w", ErrStorage, fingerprint, err)
	}
	return resultOf(DecisionDuplicate, rec), nil
}

// invoke calls handler and turns a panic into an error.
func invoke(ctx context.Context, handler Handler, rec storage.EventRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, rec)
}

func resultOf(decision Decision, rec storage.EventRecord) Result {
	return Result{
		Decision:      decision,
		Status:        rec.Status,
		Attempts:      rec.AttemptCount,
		NextAttemptAt: rec.NextAttemptAt,
	}
}

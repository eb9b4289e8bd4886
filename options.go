package inbox

import (
	"context"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts    = 5
	defaultBatchSize      = 50
	defaultConcurrency    = 4
	defaultMaxCASAttempts = 8
	defaultRetention      = 30 * 24 * time.Hour
	defaultStuckTimeout   = 5 * time.Minute
	defaultKafkaTopic     = "inbox-events"
	defaultDeliveryWait   = 15 * time.Second
)

// TxManager runs fn in a transaction carried by the context it passes on.
// *manager.Manager from avito-tech/go-transaction-manager satisfies it.
type TxManager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type txMarkerKey struct{}

// withinTransaction marks ctx as running inside TxManager.Do. Reads made
// there may come from the transaction's snapshot.
func withinTransaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, txMarkerKey{}, true)
}

func inTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(txMarkerKey{}).(bool)
	return v
}

type nopTxManager struct{}

func (nopTxManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

//
// Component Options
//

// Option configures the Deduplicator, RetryScheduler and Processor. Options
// a component does not use are ignored, so one slice can be shared.
type Option func(*settings)

type settings struct {
	logger          *zap.Logger
	metrics         MetricsCollector
	clock           func() time.Time
	maxAttempts     int
	maxCASAttempts  int
	backoffStrategy BackoffStrategy
	batchSize       int
	concurrency     int
	txManager       TxManager
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:          zap.NewNop(),
		metrics:         NewNopMetricsCollector(),
		clock:           func() time.Time { return time.Now().UTC() },
		maxAttempts:     defaultMaxAttempts,
		maxCASAttempts:  defaultMaxCASAttempts,
		backoffStrategy: DefaultBackoffStrategy(),
		batchSize:       defaultBatchSize,
		concurrency:     defaultConcurrency,
		txManager:       nopTxManager{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(metrics MetricsCollector) Option {
	return func(s *settings) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithClock overrides the time source used for attempt scheduling.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMaxAttempts sets the attempt ceiling stamped on newly admitted events.
func WithMaxAttempts(attempts int) Option {
	return func(s *settings) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(s *settings) {
		if strategy != nil {
			s.backoffStrategy = strategy
		}
	}
}

// WithBatchSize bounds how many due events one ProcessDue pass picks up.
func WithBatchSize(size int) Option {
	return func(s *settings) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithConcurrency bounds how many due events ProcessDue dispatches at once.
func WithConcurrency(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithTxManager makes the Processor run a handler and the recording of its
// success in one transaction.
func WithTxManager(manager TxManager) Option {
	return func(s *settings) {
		if manager != nil {
			s.txManager = manager
		}
	}
}

//
// CleanupService Options
//

type CleanupServiceOption func(*cleanupServiceOptions)

type cleanupServiceOptions struct {
	logger    *zap.Logger
	metrics   MetricsCollector
	clock     func() time.Time
	retention time.Duration
}

func WithCleanupServiceLogger(logger *zap.Logger) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.logger = logger
	}
}

func WithCleanupServiceMetrics(metrics MetricsCollector) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.metrics = metrics
	}
}

func WithCleanupServiceRetention(retention time.Duration) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.retention = retention
	}
}

func WithCleanupServiceClock(clock func() time.Time) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.clock = clock
	}
}

//
// StuckEventService Options
//

type StuckEventServiceOption func(*stuckEventServiceOptions)

type stuckEventServiceOptions struct {
	logger       *zap.Logger
	metrics      MetricsCollector
	clock        func() time.Time
	stuckTimeout time.Duration
	batchSize    int
}

func WithStuckEventServiceLogger(logger *zap.Logger) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithStuckEventServiceMetrics(metrics MetricsCollector) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithStuckEventTimeout sets how long an event may stay in received before
// it is treated as a failed attempt.
func WithStuckEventTimeout(timeout time.Duration) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		if timeout > 0 {
			o.stuckTimeout = timeout
		}
	}
}

func WithStuckEventBatchSize(size int) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		if size > 0 {
			o.batchSize = size
		}
	}
}

func WithStuckEventServiceClock(clock func() time.Time) StuckEventServiceOption {
	return func(o *stuckEventServiceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

//
// KafkaForwarder Options
//

type KafkaForwarderOption func(*KafkaForwarder)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaForwarderOption {
	return func(f *KafkaForwarder) {
		for k, v := range props {
			f.producerProps[k] = v
		}
	}
}

func WithKafkaTopic(topic string) KafkaForwarderOption {
	return func(f *KafkaForwarder) {
		f.topic = topic
	}
}

func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaForwarderOption {
	return func(f *KafkaForwarder) {
		f.headerBuilder = builder
	}
}

func WithKafkaEncoding(encoding Encoding) KafkaForwarderOption {
	return func(f *KafkaForwarder) {
		f.encoding = encoding
	}
}

// WithKafkaDeliveryTimeout bounds the wait for a broker delivery report.
func WithKafkaDeliveryTimeout(timeout time.Duration) KafkaForwarderOption {
	return func(f *KafkaForwarder) {
		f.deliveryTimeout = timeout
	}
}

func withKafkaProducer(producer kafkaProducer) KafkaForwarderOption {
	return func(f *KafkaForwarder) {
		f.producer = producer
	}
}

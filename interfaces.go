package inbox

import (
	"context"
	"time"

	"github.com/overtonx/inbox/storage"
)

// Handler processes one admitted event. A non-nil error is recorded as a
// failed attempt.
type Handler interface {
	Handle(ctx context.Context, record storage.EventRecord) error
}

// Forwarder hands events to a downstream system.
type Forwarder interface {
	Handler
	Close() error
}

type CleanupService interface {
	Cleanup(ctx context.Context) error
}

type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

package inbox

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/overtonx/inbox/storage"
)

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, record storage.EventRecord) error

func (f HandlerFunc) Handle(ctx context.Context, record storage.EventRecord) error {
	return f(ctx, record)
}

// Registry maps event types to handlers. It is filled at startup and read
// concurrently afterwards, so Register must not be called once processing
// has started.
type Registry struct {
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry creates a Registry whose fallback logs the unhandled event
// and reports success.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		fallback: HandlerFunc(func(_ context.Context, rec storage.EventRecord) error {
			logger.Info("Unhandled event type",
				zap.String("fingerprint", rec.Fingerprint),
				zap.String("event_type", rec.EventType),
			)
			return nil
		}),
	}
}

// Register binds handler to eventType. It panics when eventType is already
// bound, as that is a wiring bug.
func (r *Registry) Register(eventType string, handler Handler) *Registry {
	if handler == nil {
		panic(fmt.Sprintf("inbox: nil handler for event type %q", eventType))
	}
	if _, exists := r.handlers[eventType]; exists {
		panic(fmt.Sprintf("inbox: handler for event type %q already registered", eventType))
	}
	r.handlers[eventType] = handler
	return r
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(eventType string, fn func(ctx context.Context, record storage.EventRecord) error) *Registry {
	return r.Register(eventType, HandlerFunc(fn))
}

// SetFallback replaces the handler used for unregistered event types.
func (r *Registry) SetFallback(handler Handler) *Registry {
	if handler != nil {
		r.fallback = handler
	}
	return r
}

// Resolve returns the handler for eventType and whether one was registered.
// The fallback is returned for unknown types.
func (r *Registry) Resolve(eventType string) (Handler, bool) {
	if h, ok := r.handlers[eventType]; ok {
		return h, true
	}
	return r.fallback, false
}

// EventTypes lists the registered event types in order.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

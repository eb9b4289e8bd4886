package inbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/overtonx/inbox/storage"
)

func TestRegistry_Resolve(t *testing.T) {
	var called string
	r := NewRegistry(nil).
		RegisterFunc("sms", func(context.Context, storage.EventRecord) error { called = "sms"; return nil }).
		RegisterFunc("fax", func(context.Context, storage.EventRecord) error { called = "fax"; return nil })

	h, ok := r.Resolve("fax")
	require.True(t, ok)
	require.NoError(t, h.Handle(context.Background(), storage.EventRecord{}))
	assert.Equal(t, "fax", called)

	assert.Equal(t, []string{"fax", "sms"}, r.EventTypes())
}

func TestRegistry_FallbackLogsAndSucceeds(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewRegistry(zap.New(core))

	h, ok := r.Resolve("presence")
	assert.False(t, ok)
	require.NoError(t, h.Handle(context.Background(), storage.EventRecord{Fingerprint: "f", EventType: "presence"}))

	entries := logs.FilterMessage("Unhandled event type").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "presence", entries[0].ContextMap()["event_type"])
}

func TestRegistry_SetFallback(t *testing.T) {
	sentinel := assert.AnError
	r := NewRegistry(nil).SetFallback(HandlerFunc(func(context.Context, storage.EventRecord) error { return sentinel }))

	h, _ := r.Resolve("unknown")
	assert.ErrorIs(t, h.Handle(context.Background(), storage.EventRecord{}), sentinel)
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry(nil).RegisterFunc("sms", func(context.Context, storage.EventRecord) error { return nil })
	assert.Panics(t, func() {
		r.RegisterFunc("sms", func(context.Context, storage.EventRecord) error { return nil })
	})
	assert.Panics(t, func() { r.Register("fax", nil) })
}

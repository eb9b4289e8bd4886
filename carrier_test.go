package inbox

import (
	"context"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestKafkaHeaderCarrier(t *testing.T) {
	headers := []kafka.Header{{Key: "fingerprint", Value: []byte("evt-1")}}
	c := NewKafkaHeaderCarrier(&headers)

	assert.Equal(t, "evt-1", c.Get("fingerprint"))
	assert.Empty(t, c.Get("missing"))

	c.Set("baggage", "a=1")
	c.Set("baggage", "a=2")
	assert.Equal(t, "a=2", c.Get("baggage"))
	assert.Equal(t, []string{"fingerprint", "baggage"}, c.Keys())
	assert.Len(t, headers, 2)
}

func TestKafkaHeaderCarrier_TraceContextRoundTrip(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var headers []kafka.Header
	propagator := propagation.TraceContext{}
	propagator.Inject(ctx, NewKafkaHeaderCarrier(&headers))
	require.NotEmpty(t, headers)

	extracted := trace.SpanContextFromContext(propagator.Extract(context.Background(), NewKafkaHeaderCarrier(&headers)))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
}

package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/overtonx/inbox/storage"
)

// Kafka header keys set on every forwarded event.
const (
	HeaderFingerprint = "inbox-fingerprint"
	HeaderEventType   = "inbox-event-type"
	HeaderAttempt     = "inbox-attempt"
	HeaderDeliveryID  = "inbox-delivery-id"
	HeaderEncoding    = "inbox-encoding"
)

// ErrForwarderClosed is returned by Handle after Close.
var ErrForwarderClosed = errors.New("kafka forwarder is closed")

// Encoding selects how an event is written to the Kafka message value.
type Encoding int

const (
	// EncodingRaw writes the payload bytes as received.
	EncodingRaw Encoding = iota
	// EncodingProtobuf writes a google.protobuf.Struct envelope carrying
	// the event metadata and the payload.
	EncodingProtobuf
)

func (e Encoding) String() string {
	if e == EncodingProtobuf {
		return "protobuf"
	}
	return "raw"
}

// KafkaHeaderBuilder builds the headers of the message for record.
type KafkaHeaderBuilder func(record storage.EventRecord, deliveryID string) []kafka.Header

type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaForwarder is a Handler that publishes events to Kafka and waits for
// the broker's delivery report, so a failed delivery is a failed attempt.
type KafkaForwarder struct {
	logger          *zap.Logger
	producer        kafkaProducer
	producerProps   kafka.ConfigMap
	topic           string
	headerBuilder   KafkaHeaderBuilder
	encoding        Encoding
	deliveryTimeout time.Duration

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ Forwarder = (*KafkaForwarder)(nil)

func NewKafkaForwarder(logger *zap.Logger, opts ...KafkaForwarderOption) (*KafkaForwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &KafkaForwarder{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		topic:           defaultKafkaTopic,
		headerBuilder:   buildKafkaHeaders,
		encoding:        EncodingRaw,
		deliveryTimeout: defaultDeliveryWait,
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.producer == nil {
		producer, err := kafka.NewProducer(&f.producerProps)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		f.producer = producer
	}

	go f.handleProducerEvents()

	return f, nil
}

// Handle publishes record and blocks until Kafka acknowledges it, the
// delivery timeout passes or ctx is done.
func (f *KafkaForwarder) Handle(ctx context.Context, record storage.EventRecord) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrForwarderClosed
	}

	value, err := f.encode(record)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	deliveryID := uuid.NewString()
	headers := f.headerBuilder(record, deliveryID)
	headers = append(headers, kafka.Header{Key: HeaderEncoding, Value: []byte(f.encoding.String())})
	otel.GetTextMapPropagator().Inject(ctx, NewKafkaHeaderCarrier(&headers))

	topic := f.topic
	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(record.Fingerprint),
		Value:          value,
		Headers:        headers,
		Timestamp:      time.Now(),
	}

	f.logger.Debug("Forwarding event to Kafka",
		zap.String("fingerprint", record.Fingerprint),
		zap.String("event_type", record.EventType),
		zap.String("topic", topic),
		zap.String("delivery_id", deliveryID),
	)

	delivery := make(chan kafka.Event, 1)
	if err := f.producer.Produce(message, delivery); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	timer := time.NewTimer(f.deliveryTimeout)
	defer timer.Stop()

	select {
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("delivery report not received within %s", f.deliveryTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes the producer and closes the Kafka connection.
func (f *KafkaForwarder) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()

		f.logger.Info("Closing kafka producer")
		if remaining := f.producer.Flush(int(f.deliveryTimeout.Milliseconds())); remaining > 0 {
			f.logger.Warn("Kafka messages left unflushed", zap.Int("count", remaining))
		}
		f.producer.Close()
	})
	return nil
}

// handleProducerEvents consumes events that are not tied to a delivery
// channel, such as client-level errors.
func (f *KafkaForwarder) handleProducerEvents() {
	for e := range f.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				f.logger.Error("Delivery failed", zap.Error(ev.TopicPartition.Error))
			}
		case kafka.Error:
			f.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

func (f *KafkaForwarder) encode(record storage.EventRecord) ([]byte, error) {
	if f.encoding != EncodingProtobuf {
		return record.Payload, nil
	}
	envelope, err := newEnvelope(record)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(envelope)
}

// newEnvelope wraps record in a Struct. A JSON payload is embedded as a
// value; anything else is carried as a string.
func newEnvelope(record storage.EventRecord) (*structpb.Struct, error) {
	var payload any = string(record.Payload)
	var decoded any
	if json.Unmarshal(record.Payload, &decoded) == nil {
		payload = decoded
	}
	return structpb.NewStruct(map[string]any{
		"fingerprint": record.Fingerprint,
		"event_type":  record.EventType,
		"attempt":     record.AttemptCount + 1,
		"received_at": record.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"payload":     payload,
	})
}

// buildKafkaHeaders is the default function for creating Kafka headers from an event.
func buildKafkaHeaders(record storage.EventRecord, deliveryID string) []kafka.Header {
	return []kafka.Header{
		{Key: HeaderFingerprint, Value: []byte(record.Fingerprint)},
		{Key: HeaderEventType, Value: []byte(record.EventType)},
		{Key: HeaderAttempt, Value: []byte(strconv.Itoa(record.AttemptCount + 1))},
		{Key: HeaderDeliveryID, Value: []byte(deliveryID)},
	}
}

package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer is the subset of kafka.Writer the forwarder needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder copies bus events to a Kafka topic as JSON envelopes.
type KafkaForwarder struct {
	writer Writer
}

// batchTimeout bounds how long a synchronous write waits for a batch to fill.
const batchTimeout = 10 * time.Millisecond

// NewKafkaForwarder builds a forwarder writing to topic on brokers.
func NewKafkaForwarder(brokers []string, topic string) *KafkaForwarder {
	return &KafkaForwarder{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batchTimeout,
	}}
}

// NewKafkaForwarderWithWriter allows injecting a writer.
func NewKafkaForwarderWithWriter(w Writer) *KafkaForwarder {
	return &KafkaForwarder{writer: w}
}

type envelope struct {
	Type    string    `json:"type"`
	SentAt  time.Time `json:"sent_at"`
	Payload Event     `json:"payload"`
}

// Handle is a bus Handler.
func (f *KafkaForwarder) Handle(ctx context.Context, e Event) error {
	body, err := json.Marshal(envelope{Type: e.EventType().String(), SentAt: time.Now().UTC(), Payload: e})
	if err != nil {
		return err
	}
	return f.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key(e)), Value: body})
}

// Close closes the underlying writer.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}

func key(e Event) string {
	switch v := e.(type) {
	case BillGenerated:
		return v.Bill.ID
	case ReadingChanged:
		return v.Reading.MeterID
	case TariffChanged:
		return v.Tariff.ScopeID
	default:
		return e.EventType().String()
	}
}

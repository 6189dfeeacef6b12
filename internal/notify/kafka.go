package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

// KafkaNotifier publishes alert events to a Kafka topic, partitioned by
// patient so per-patient ordering is preserved downstream.
type KafkaNotifier struct {
	topic   string
	brokers []string

	mu     sync.Mutex
	writer *kafka.Writer
}

// NewKafkaNotifier constructs a notifier; the writer is created lazily.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{brokers: brokers, topic: topic}
}

// Publish implements Notifier.
func (n *KafkaNotifier) Publish(ctx context.Context, event domain.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.PatientID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("alert." + string(event.Transition))},
		},
	}
	return n.writerRef().WriteMessages(ctx, msg)
}

func (n *KafkaNotifier) writerRef() *kafka.Writer {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.writer == nil {
		n.writer = &kafka.Writer{
			Addr:         kafka.TCP(n.brokers...),
			Topic:        n.topic,
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			Async:        false,
		}
	}
	return n.writer
}

// Close releases the underlying writer.
func (n *KafkaNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.writer == nil {
		return nil
	}
	err := n.writer.Close()
	n.writer = nil
	return err
}

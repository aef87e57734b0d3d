package transmitter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/arevik/schedulon/internal/domain"
)

// PubSubTransmitter publishes a message to a Kafka topic via Watermill.
// Message.Subject is used as the Kafka topic.
type PubSubTransmitter struct {
	publisher message.Publisher
	timeout   time.Duration
}

// NewPubSubTransmitter dials the given brokers and returns a Transmitter.
// timeout bounds every Transmit call, surfacing a partition as an error
// instead of blocking indefinitely.
func NewPubSubTransmitter(brokers []string, logger watermill.LoggerAdapter, timeout time.Duration) (*PubSubTransmitter, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("new kafka publisher: %w", err)
	}

	return &PubSubTransmitter{publisher: publisher, timeout: timeout}, nil
}

func (t *PubSubTransmitter) Transmit(ctx context.Context, msg domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	wmsg := message.NewMessage(watermill.NewUUID(), msg.Payload)

	done := make(chan error, 1)
	go func() {
		done <- t.publisher.Publish(msg.Subject, wmsg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("publish to %s: %w", msg.Subject, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", msg.Subject, ctx.Err())
	}
}

// Close releases the underlying Kafka publisher.
func (t *PubSubTransmitter) Close() error {
	return t.publisher.Close()
}

// ParseBrokers splits the comma-separated KAFKA_BROKERS list.
func ParseBrokers(csv string) []string {
	var out []string
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

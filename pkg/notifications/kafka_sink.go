package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukex/contractflow/pkg/events"
	"github.com/dukex/contractflow/pkg/models"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// KafkaTopic receives one message per notification, keyed by instance id.
const KafkaTopic = "contractflow.notifications"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink writes notifications to a Kafka topic for downstream mailers and chat bridges.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string) *KafkaSink {
	return &KafkaSink{
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(brokers...),
			Topic:                  KafkaTopic,
			Balancer:               &kafkago.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

func (s *KafkaSink) Notify(ctx context.Context, notification *models.WorkflowNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]kafkago.Header, 0, len(carrier)+1)
	for k, v := range carrier {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	headers = append(headers, kafkago.Header{
		Key:   events.EventTypeMetadataKey,
		Value: []byte(notification.Type),
	})

	key := notification.InstanceID
	if key == "" {
		key = notification.ID
	}

	return s.writer.WriteMessages(context.WithoutCancel(ctx), kafkago.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: headers,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

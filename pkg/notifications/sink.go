// Package notifications delivers workflow notifications to logs, the event bus, Redis and Kafka.
package notifications

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/contractflow/pkg/eventbus"
	"github.com/dukex/contractflow/pkg/events"
	"github.com/dukex/contractflow/pkg/models"
)

// Sink receives notifications emitted by state transitions. Delivery and
// acknowledgement are the sink's concern.
type Sink interface {
	Notify(ctx context.Context, notification *models.WorkflowNotification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, notification *models.WorkflowNotification) error

func (f SinkFunc) Notify(ctx context.Context, notification *models.WorkflowNotification) error {
	return f(ctx, notification)
}

// Discard drops every notification.
var Discard Sink = SinkFunc(func(context.Context, *models.WorkflowNotification) error { return nil })

// MultiSink fans a notification out to every sink. All sinks are tried even when one fails.
type MultiSink struct {
	sinks []Sink
}

func Multi(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Notify(ctx context.Context, notification *models.WorkflowNotification) error {
	errs := make([]error, 0)

	for _, sink := range m.sinks {
		if err := sink.Notify(ctx, notification); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("module", "notifications")}
}

func (s *LogSink) Notify(ctx context.Context, notification *models.WorkflowNotification) error {
	s.logger.InfoContext(ctx, "Notification",
		"notification_id", notification.ID,
		"type", notification.Type,
		"channel", notification.Channel,
		"title", notification.Title,
		"instance_id", notification.InstanceID,
		"step_id", notification.StepID,
		"approval_id", notification.ApprovalID,
		"recipients", notification.Recipients,
	)

	return nil
}

// BusSink publishes notifications as NotificationEmitted events so a separate
// consumer can deliver them.
type BusSink struct {
	publisher eventbus.EventPublisher
}

func NewBusSink(publisher eventbus.EventPublisher) *BusSink {
	return &BusSink{publisher: publisher}
}

func (s *BusSink) Notify(ctx context.Context, notification *models.WorkflowNotification) error {
	base := events.NewBaseEvent(events.NotificationEmittedEvent, nil)
	base.InstanceID = notification.InstanceID

	key := notification.InstanceID
	if key == "" {
		key = notification.ID
	}

	return s.publisher.Publish(ctx, key, events.NotificationEmitted{
		BaseEvent:    base,
		Notification: notification,
	})
}

// Forward registers a bus handler that hands every NotificationEmitted event to sink.
func Forward(bus eventbus.EventSubscriber, sink Sink) error {
	return bus.Handle(events.NotificationEmittedEvent, func(ctx context.Context, event any) error {
		emitted, ok := event.(*events.NotificationEmitted)
		if !ok || emitted.Notification == nil {
			return nil
		}

		return sink.Notify(ctx, emitted.Notification)
	})
}

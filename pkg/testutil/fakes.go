package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/contractflow/pkg/eventbus"
	"github.com/dukex/contractflow/pkg/events"
	"github.com/dukex/contractflow/pkg/models"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	return c.now
}

// RecordingSink keeps every notification it receives.
type RecordingSink struct {
	mu            sync.Mutex
	notifications []*models.WorkflowNotification
}

func (s *RecordingSink) Notify(_ context.Context, notification *models.WorkflowNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications = append(s.notifications, notification)

	return nil
}

func (s *RecordingSink) All() []*models.WorkflowNotification {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*models.WorkflowNotification(nil), s.notifications...)
}

// OfType returns the notifications of one type in delivery order.
func (s *RecordingSink) OfType(notificationType models.NotificationType) []*models.WorkflowNotification {
	matched := make([]*models.WorkflowNotification, 0)

	for _, notification := range s.All() {
		if notification.Type == notificationType {
			matched = append(matched, notification)
		}
	}

	return matched
}

// RecordingPublisher keeps every published event and optionally forwards it.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
	Next   eventbus.EventPublisher
}

func (p *RecordingPublisher) Publish(ctx context.Context, key string, event eventbus.Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()

	if p.Next != nil {
		return p.Next.Publish(ctx, key, event)
	}

	return nil
}

// Types returns the types of the published events in order.
func (p *RecordingPublisher) Types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]events.EventType, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.GetType())
	}

	return types
}

// OfType returns the published events of one type.
func (p *RecordingPublisher) OfType(eventType events.EventType) []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	matched := make([]eventbus.Event, 0)

	for _, event := range p.events {
		if event.GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

package rules

import (
	"context"

	"github.com/dukex/contractflow/pkg/eventbus"
	"github.com/dukex/contractflow/pkg/events"
)

// InlinePublisher evaluates rules synchronously on publish, then forwards the
// event to next when one is set. It lets a process run automation without a bus.
type InlinePublisher struct {
	engine *Engine
	next   eventbus.EventPublisher
}

func NewInlinePublisher(engine *Engine, next eventbus.EventPublisher) *InlinePublisher {
	return &InlinePublisher{engine: engine, next: next}
}

func (p *InlinePublisher) Publish(ctx context.Context, key string, event eventbus.Event) error {
	if triggering, ok := event.(events.Triggering); ok {
		p.engine.OnEvent(ctx, triggering.TriggerKind(), triggering.TriggerPayload())
	}

	if p.next == nil {
		return nil
	}

	return p.next.Publish(ctx, key, event)
}

// Package rules matches lifecycle events against template automation rules and
// hands the resulting actions to an interpreter.
package rules

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukex/contractflow/pkg/conditions"
	"github.com/dukex/contractflow/pkg/eventbus"
	"github.com/dukex/contractflow/pkg/events"
	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TemplateLister provides the templates whose rules are evaluated.
type TemplateLister interface {
	List(ctx context.Context) ([]*models.WorkflowTemplate, error)
}

// ActionInterpreter applies an action to an instance. The engine never mutates instances itself.
type ActionInterpreter interface {
	ApplyAction(ctx context.Context, instanceID string, action *models.WorkflowAction, payload map[string]any) error
}

// InterpreterFunc adapts a function to ActionInterpreter.
type InterpreterFunc func(ctx context.Context, instanceID string, action *models.WorkflowAction, payload map[string]any) error

func (f InterpreterFunc) ApplyAction(
	ctx context.Context,
	instanceID string,
	action *models.WorkflowAction,
	payload map[string]any,
) error {
	return f(ctx, instanceID, action, payload)
}

// Match is one rule whose conditions held for an event.
type Match struct {
	TemplateID string
	Rule       *models.AutomationRule
}

type Engine struct {
	templates   TemplateLister
	interpreter ActionInterpreter
	logger      *slog.Logger
	tracer      trace.Tracer
	afterFunc   func(time.Duration, func())
}

type Option func(*Engine)

// WithAfterFunc replaces time.AfterFunc for delayed actions.
func WithAfterFunc(afterFunc func(time.Duration, func())) Option {
	return func(e *Engine) {
		e.afterFunc = afterFunc
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func NewEngine(logger *slog.Logger, templates TemplateLister, interpreter ActionInterpreter, opts ...Option) *Engine {
	engine := &Engine{
		templates:   templates,
		interpreter: interpreter,
		logger:      logger.With("module", "rules"),
		tracer:      otelhelper.Tracer("github.com/dukex/contractflow/pkg/rules"),
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// Register subscribes the engine to every lifecycle event that can trigger rules.
func (e *Engine) Register(bus eventbus.EventSubscriber) error {
	for _, eventType := range events.AllTypes {
		if eventType == events.NotificationEmittedEvent {
			continue
		}

		err := bus.Handle(eventType, e.handle)
		if err != nil {
			return fmt.Errorf("failed to subscribe rules to %s: %w", eventType, err)
		}
	}

	return nil
}

func (e *Engine) handle(ctx context.Context, event any) error {
	triggering, ok := event.(events.Triggering)
	if !ok {
		return nil
	}

	e.OnEvent(ctx, triggering.TriggerKind(), triggering.TriggerPayload())

	return nil
}

// OnEvent runs the actions of every matching rule. Failures are logged per rule
// and never stop the remaining rules.
func (e *Engine) OnEvent(ctx context.Context, trigger models.TriggerKind, payload map[string]any) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "rules.on_event",
		attribute.String(otelhelper.TriggerKindKey, string(trigger)))
	defer span.End()

	matches, err := e.Match(ctx, trigger, payload)
	if err != nil {
		otelhelper.SetError(span, err)
		e.logger.ErrorContext(ctx, "Failed to match automation rules", "trigger", trigger, "error", err)

		return
	}

	instanceID, _ := payload["instance_id"].(string)
	if instanceID == "" {
		if len(matches) > 0 {
			e.logger.WarnContext(ctx, "Matched rules without an instance, actions skipped", "trigger", trigger, "rules", len(matches))
		}

		return
	}

	for _, match := range matches {
		e.run(ctx, instanceID, match, payload)
	}
}

// Match returns the rules whose trigger and conditions hold for the payload,
// ordered by priority ascending, then newest first, then rule id.
func (e *Engine) Match(ctx context.Context, trigger models.TriggerKind, payload map[string]any) ([]Match, error) {
	templates, err := e.templates.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	templateID, _ := payload["template_id"].(string)
	matches := make([]Match, 0)

	for _, template := range templates {
		if !template.IsActive || (templateID != "" && template.ID != templateID) {
			continue
		}

		for _, rule := range template.EnabledRules(trigger) {
			if e.matches(ctx, template.ID, rule, payload) {
				matches = append(matches, Match{TemplateID: template.ID, Rule: rule})
			}
		}
	}

	slices.SortStableFunc(matches, compareMatches)

	return matches, nil
}

func compareMatches(a, b Match) int {
	if c := cmp.Compare(a.Rule.Priority, b.Rule.Priority); c != 0 {
		return c
	}

	if c := b.Rule.CreatedAt.Compare(a.Rule.CreatedAt); c != 0 {
		return c
	}

	if c := strings.Compare(a.Rule.ID, b.Rule.ID); c != 0 {
		return c
	}

	return strings.Compare(a.TemplateID, b.TemplateID)
}

func (e *Engine) matches(ctx context.Context, templateID string, rule *models.AutomationRule, payload map[string]any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "Rule evaluation panicked", "template_id", templateID, "rule_id", rule.ID, "panic", r)

			ok = false
		}
	}()

	ok, err := conditions.EvaluateStrict(rule.Conditions, payload)
	if err != nil {
		e.logger.WarnContext(ctx, "Rule condition failed", "template_id", templateID, "rule_id", rule.ID, "error", err)

		return false
	}

	return ok
}

func (e *Engine) run(ctx context.Context, instanceID string, match Match, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "Rule action panicked", "rule_id", match.Rule.ID, "instance_id", instanceID, "panic", r)
		}
	}()

	e.logger.DebugContext(ctx, "Rule matched", "template_id", match.TemplateID, "rule_id", match.Rule.ID, "instance_id", instanceID)

	for _, action := range match.Rule.Actions {
		if action == nil {
			continue
		}

		if action.Delay > 0 {
			e.schedule(ctx, instanceID, match.Rule, action, payload)

			continue
		}

		err := e.interpreter.ApplyAction(ctx, instanceID, action, payload)
		if err != nil {
			e.logger.ErrorContext(ctx, "Rule action failed",
				"rule_id", match.Rule.ID,
				"instance_id", instanceID,
				"action_type", action.Type,
				"error", err,
			)

			return
		}
	}
}

func (e *Engine) schedule(
	ctx context.Context,
	instanceID string,
	rule *models.AutomationRule,
	action *models.WorkflowAction,
	payload map[string]any,
) {
	detached := context.WithoutCancel(ctx)

	e.afterFunc(action.Delay, func() {
		err := e.interpreter.ApplyAction(detached, instanceID, action, payload)
		if err != nil {
			e.logger.ErrorContext(detached, "Delayed rule action failed",
				"rule_id", rule.ID,
				"instance_id", instanceID,
				"action_type", action.Type,
				"error", err,
			)
		}
	})
}

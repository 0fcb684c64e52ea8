package services

import (
	"log/slog"
	"time"

	"github.com/dukex/contractflow/pkg/eventbus"
	"github.com/dukex/contractflow/pkg/notifications"
	"github.com/dukex/contractflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/trace"
)

// DefaultApprovalWindow is how long approvers have to decide.
const DefaultApprovalWindow = 7 * 24 * time.Hour

// DefaultDeadlineWarning is how early deadline_approaching notifications go out.
const DefaultDeadlineWarning = 24 * time.Hour

type config struct {
	clock           func() time.Time
	logger          *slog.Logger
	publisher       eventbus.EventPublisher
	sink            notifications.Sink
	tracer          trace.Tracer
	approvalWindow  time.Duration
	deadlineWarning time.Duration
	afterFunc       func(time.Duration, func())
	router          ApprovalRouter
}

// Option configures a service.
type Option func(*config)

func newConfig(opts []Option) config {
	cfg := config{
		clock:           func() time.Time { return time.Now().UTC() },
		logger:          slog.Default(),
		sink:            notifications.Discard,
		tracer:          otelhelper.Tracer("github.com/dukex/contractflow/pkg/services"),
		approvalWindow:  DefaultApprovalWindow,
		deadlineWarning: DefaultDeadlineWarning,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		router: DefaultApprovalRouter,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *config) {
		c.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithPublisher sets where lifecycle events are published. Without one, no events leave the service.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(c *config) {
		c.publisher = publisher
	}
}

func WithNotificationSink(sink notifications.Sink) Option {
	return func(c *config) {
		if sink != nil {
			c.sink = sink
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) {
		c.tracer = tracer
	}
}

// WithApprovalWindow sets the time approvers have before a request expires.
func WithApprovalWindow(window time.Duration) Option {
	return func(c *config) {
		if window > 0 {
			c.approvalWindow = window
		}
	}
}

// WithDeadlineWarning sets how long before EstimatedEndDate deadline notifications are sent.
func WithDeadlineWarning(warning time.Duration) Option {
	return func(c *config) {
		if warning > 0 {
			c.deadlineWarning = warning
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for delayed actions and reminders.
func WithAfterFunc(afterFunc func(time.Duration, func())) Option {
	return func(c *config) {
		c.afterFunc = afterFunc
	}
}

// WithApprovalRouter replaces how approvers are chosen for approval steps that
// carry no request_approval action.
func WithApprovalRouter(router ApprovalRouter) Option {
	return func(c *config) {
		if router != nil {
			c.router = router
		}
	}
}

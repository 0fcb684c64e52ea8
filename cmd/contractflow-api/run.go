package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/contractflow/pkg/channels/kafka"
	"github.com/dukex/contractflow/pkg/cmd"
	"github.com/dukex/contractflow/pkg/metrics"
	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/otelhelper"
	"github.com/dukex/contractflow/pkg/persistence"
	"github.com/dukex/contractflow/pkg/rules"
	"github.com/dukex/contractflow/pkg/scheduler"
	"github.com/dukex/contractflow/pkg/services"
	"github.com/dukex/contractflow/pkg/web"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

const serviceName = "contractflow-api"

type config struct {
	port              int
	databaseURL       string
	eventBus          string
	kafkaBrokers      []string
	notificationSinks []string
	redisURL          string
	approvalWindow    time.Duration
	deadlineWarning   time.Duration
	sweepSchedule     string
	tracing           bool
}

func configFrom(command *cli.Command) config {
	return config{
		port:              command.Int("port"),
		databaseURL:       command.String("database-url"),
		eventBus:          command.String("event-bus"),
		kafkaBrokers:      kafka.ParseBrokers(command.String("kafka-brokers")),
		notificationSinks: command.StringSlice("notification-sinks"),
		redisURL:          command.String("redis-url"),
		approvalWindow:    command.Duration("approval-window"),
		deadlineWarning:   command.Duration("deadline-warning"),
		sweepSchedule:     command.String("sweep-schedule"),
		tracing:           command.Bool("tracing"),
	}
}

// components are the wired services behind the API.
type components struct {
	templates *services.Templates
	approvals *services.Approvals
	instances *services.Instances
	metrics   *services.Metrics
	engine    *rules.Engine
}

// newComponents wires the services. The rule engine and the instance engine
// reference each other through the interpreter closure.
func newComponents(
	logger *slog.Logger,
	store persistence.Persistence,
	opts ...services.Option,
) *components {
	c := &components{}

	c.templates = services.NewTemplates(store, opts...)
	c.approvals = services.NewApprovals(store, opts...)

	c.engine = rules.NewEngine(logger, c.templates,
		rules.InterpreterFunc(func(ctx context.Context, instanceID string, action *models.WorkflowAction, payload map[string]any) error {
			return c.instances.ApplyAction(ctx, instanceID, action, payload)
		}),
	)

	c.instances = services.NewInstances(store, c.templates, c.approvals, opts...)
	c.metrics = services.NewMetrics(store, opts...)

	return c
}

func run(ctx context.Context, logger *slog.Logger, cfg config) error {
	logger.InfoContext(ctx, "Initializing Contractflow API")

	if cfg.tracing {
		provider, err := otelhelper.NewTracerProvider(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			err := provider.Shutdown(context.WithoutCancel(ctx))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
			}
		}()
	}

	store, err := cmd.NewPersistence(ctx, logger, cfg.databaseURL)
	if err != nil {
		return err
	}

	defer func() {
		err := store.Close(context.WithoutCancel(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bus, err := cmd.NewEventBus(logger, cfg.eventBus, cfg.kafkaBrokers, serviceName)
	if err != nil {
		return err
	}

	defer func() {
		err := bus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	sinks, err := cmd.NewNotificationSinks(logger, cmd.SinkConfig{
		Providers:    cfg.notificationSinks,
		RedisURL:     cfg.redisURL,
		KafkaBrokers: cfg.kafkaBrokers,
		Bus:          bus,
	})
	if err != nil {
		return err
	}

	defer func() {
		err := sinks.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close notification sinks", "error", err)
		}
	}()

	c := newComponents(logger, store,
		services.WithLogger(logger),
		services.WithPublisher(bus),
		services.WithNotificationSink(sinks),
		services.WithApprovalWindow(cfg.approvalWindow),
		services.WithDeadlineWarning(cfg.deadlineWarning),
	)

	err = c.engine.Register(bus)
	if err != nil {
		return err
	}

	err = bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	sweeper, err := scheduler.NewSweeper(logger, cfg.sweepSchedule, c.approvals, c.instances)
	if err != nil {
		return err
	}

	err = sweeper.Start(ctx)
	if err != nil {
		return err
	}

	defer func() {
		err := sweeper.Stop(context.WithoutCancel(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to stop sweeper", "error", err)
		}
	}()

	var inbox web.Inbox
	if sinks.Inbox != nil {
		inbox = sinks.Inbox
	}

	handlers := web.NewAPIHandlers(
		logger,
		c.templates,
		c.instances,
		c.approvals,
		c.metrics,
		inbox,
		validator.New(validator.WithRequiredStructEnabled()),
	)

	api := NewAPI(logger, handlers, metrics.NewRegistry(c.metrics))

	return api.Start(ctx, cfg.port)
}

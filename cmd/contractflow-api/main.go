package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/contractflow/pkg/log"
	"github.com/dukex/contractflow/pkg/scheduler"
	"github.com/dukex/contractflow/pkg/services"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	cmd := &cli.Command{
		Name:                  "contractflow-api",
		Usage:                 "Run contract workflows and approvals",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file path or postgres://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers for the kafka event bus and notification sink",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringSliceFlag{
				Name:    "notification-sinks",
				Usage:   "Notification sinks (log, bus, redis, kafka)",
				Value:   []string{"log"},
				Sources: cli.EnvVars("NOTIFICATION_SINKS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the redis notification sink and inbox",
				Value:   "redis://localhost:6379/0",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "approval-window",
				Usage:   "How long approvers have to decide",
				Value:   services.DefaultApprovalWindow,
				Sources: cli.EnvVars("APPROVAL_WINDOW"),
			},
			&cli.DurationFlag{
				Name:    "deadline-warning",
				Usage:   "How early deadline approaching notifications are sent",
				Value:   services.DefaultDeadlineWarning,
				Sources: cli.EnvVars("DEADLINE_WARNING"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron expression of the approval expiry and deadline sweep",
				Value:   scheduler.DefaultSchedule,
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP (configured with OTEL_EXPORTER_OTLP_* variables)",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, log.WithModule("api"), configFrom(command))
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("api").Error("contractflow-api failed", "error", err)
		os.Exit(1)
	}
}

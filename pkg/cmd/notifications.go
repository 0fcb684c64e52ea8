package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dukex/contractflow/pkg/eventbus"
	"github.com/dukex/contractflow/pkg/notifications"
)

var ErrUnsupportedSink = errors.New("unsupported notification sink")

// SinkConfig selects the notification sinks. Providers is a list of log, bus,
// redis and kafka.
type SinkConfig struct {
	Providers    []string
	RedisURL     string
	KafkaBrokers []string
	Bus          eventbus.EventPublisher
}

// Sinks is the assembled fan-out sink plus the resources it holds.
type Sinks struct {
	notifications.Sink

	// Inbox is set when the redis sink is enabled.
	Inbox   *notifications.RedisSink
	closers []io.Closer
}

func (s *Sinks) Close() error {
	errs := make([]error, 0, len(s.closers))
	for _, closer := range s.closers {
		errs = append(errs, closer.Close())
	}

	return errors.Join(errs...)
}

func NewNotificationSinks(logger *slog.Logger, cfg SinkConfig) (*Sinks, error) {
	sinks := &Sinks{}
	selected := make([]notifications.Sink, 0, len(cfg.Providers))

	for _, provider := range cfg.Providers {
		switch strings.TrimSpace(provider) {
		case "":
		case "log":
			selected = append(selected, notifications.NewLogSink(logger))
		case "bus":
			if cfg.Bus == nil {
				_ = sinks.Close()

				return nil, fmt.Errorf("%w: bus sink needs an event bus", ErrUnsupportedSink)
			}

			selected = append(selected, notifications.NewBusSink(cfg.Bus))
		case "redis":
			redisSink, err := notifications.NewRedisSinkFromURL(cfg.RedisURL)
			if err != nil {
				_ = sinks.Close()

				return nil, err
			}

			sinks.Inbox = redisSink
			sinks.closers = append(sinks.closers, redisSink)
			selected = append(selected, redisSink)
		case "kafka":
			if len(cfg.KafkaBrokers) == 0 {
				_ = sinks.Close()

				return nil, fmt.Errorf("%w: kafka sink needs brokers", ErrUnsupportedSink)
			}

			kafkaSink := notifications.NewKafkaSink(cfg.KafkaBrokers)
			sinks.closers = append(sinks.closers, kafkaSink)
			selected = append(selected, kafkaSink)
		default:
			_ = sinks.Close()

			return nil, fmt.Errorf("%w: %s", ErrUnsupportedSink, provider)
		}
	}

	switch len(selected) {
	case 0:
		sinks.Sink = notifications.Discard
	case 1:
		sinks.Sink = selected[0]
	default:
		sinks.Sink = notifications.Multi(selected...)
	}

	return sinks, nil
}

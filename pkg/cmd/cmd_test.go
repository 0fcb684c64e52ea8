package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/dukex/contractflow/pkg/eventbus"
	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/notifications"
	"github.com/dukex/contractflow/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	tests := map[string]string{
		"./data":                             "file",
		"file:///var/lib/contractflow":       "file",
		"postgres://user:pw@db/contractflow": "postgres",
		"postgresql://db/contractflow":       "postgresql",
		"mongodb://db/contractflow":          "file",
	}

	for url, expected := range tests {
		assert.Equal(t, expected, parsePersistenceProvider(url), url)
	}
}

func TestNewPersistence_File(t *testing.T) {
	dir := t.TempDir()

	store, err := NewPersistence(t.Context(), slog.New(slog.DiscardHandler), "file://"+filepath.ToSlash(dir))
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, store)
	require.NoError(t, store.HealthCheck(t.Context()))
}

func TestNewEventBus(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	bus, err := NewEventBus(logger, "gochannel", nil, "contractflow-api")
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = NewEventBus(logger, "kafka", nil, "contractflow-api")
	require.Error(t, err)

	_, err = NewEventBus(logger, "rabbitmq", nil, "contractflow-api")
	require.ErrorIs(t, err, ErrUnsupportedEventBus)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, eventbus.Event) error { return nil }

func TestNewNotificationSinks(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	notification := &models.WorkflowNotification{ID: "n1", Recipients: []string{"bob"}}

	sinks, err := NewNotificationSinks(logger, SinkConfig{})
	require.NoError(t, err)
	require.NoError(t, sinks.Notify(t.Context(), notification))
	assert.Nil(t, sinks.Inbox)

	sinks, err = NewNotificationSinks(logger, SinkConfig{Providers: []string{"log"}})
	require.NoError(t, err)
	assert.IsType(t, &notifications.LogSink{}, sinks.Sink)

	sinks, err = NewNotificationSinks(logger, SinkConfig{Providers: []string{"log", "bus"}, Bus: nopPublisher{}})
	require.NoError(t, err)
	assert.IsType(t, &notifications.MultiSink{}, sinks.Sink)
	require.NoError(t, sinks.Notify(t.Context(), notification))
	require.NoError(t, sinks.Close())

	_, err = NewNotificationSinks(logger, SinkConfig{Providers: []string{"bus"}})
	require.ErrorIs(t, err, ErrUnsupportedSink)

	_, err = NewNotificationSinks(logger, SinkConfig{Providers: []string{"kafka"}})
	require.ErrorIs(t, err, ErrUnsupportedSink)

	_, err = NewNotificationSinks(logger, SinkConfig{Providers: []string{"redis"}, RedisURL: "not a url"})
	require.Error(t, err)

	_, err = NewNotificationSinks(logger, SinkConfig{Providers: []string{"sms"}})
	require.ErrorIs(t, err, ErrUnsupportedSink)

	sinks, err = NewNotificationSinks(logger, SinkConfig{Providers: []string{"redis"}, RedisURL: "redis://localhost:6379/0"})
	require.NoError(t, err)
	assert.NotNil(t, sinks.Inbox)
	require.NoError(t, sinks.Close())
}

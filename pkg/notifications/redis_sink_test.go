package notifications_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/notifications"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redisTc "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := redisTc.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestRedisSink_PublishesAndFillsInboxes(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	pubsub := client.Subscribe(ctx, notifications.RedisChannel)
	t.Cleanup(func() { _ = pubsub.Close() })

	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	sink := notifications.NewRedisSink(client, 2, time.Hour)
	require.NoError(t, sink.HealthCheck(ctx))

	for _, id := range []string{"n-1", "n-2", "n-3"} {
		err = sink.Notify(ctx, &models.WorkflowNotification{
			ID:         id,
			Type:       models.NotificationTaskAssigned,
			Title:      "Review " + id,
			Recipients: []string{"alice"},
		})
		require.NoError(t, err)
	}

	select {
	case msg := <-pubsub.Channel():
		assert.Contains(t, msg.Payload, `"id":"n-1"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no message published")
	}

	inbox, err := sink.Inbox(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 2, "inbox is trimmed to the configured limit")
	assert.Equal(t, "n-3", inbox[0].ID)
	assert.Equal(t, "n-2", inbox[1].ID)

	empty, err := sink.Inbox(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

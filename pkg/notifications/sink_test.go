package notifications

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/contractflow/pkg/channels/gochannel"
	"github.com/dukex/contractflow/pkg/eventbus"
	"github.com/dukex/contractflow/pkg/events"
	"github.com/dukex/contractflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNotification() *models.WorkflowNotification {
	return &models.WorkflowNotification{
		ID:         "n-1",
		Type:       models.NotificationApprovalRequested,
		Title:      "Approval requested",
		Message:    "Please sign the lease",
		InstanceID: "wf-1",
		ApprovalID: "apr-1",
		Recipients: []string{"alice", "bob"},
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMulti_TriesEverySinkAndJoinsErrors(t *testing.T) {
	var delivered []string

	failing := errors.New("smtp down")

	sink := Multi(
		SinkFunc(func(_ context.Context, n *models.WorkflowNotification) error {
			delivered = append(delivered, "first:"+n.ID)

			return failing
		}),
		SinkFunc(func(_ context.Context, n *models.WorkflowNotification) error {
			delivered = append(delivered, "second:"+n.ID)

			return nil
		}),
	)

	err := sink.Notify(context.Background(), testNotification())
	require.ErrorIs(t, err, failing)
	assert.Equal(t, []string{"first:n-1", "second:n-1"}, delivered)

	assert.NoError(t, Multi().Notify(context.Background(), testNotification()))
}

func TestLogSink_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer

	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Notify(context.Background(), testNotification()))
	assert.Contains(t, buf.String(), `"notification_id":"n-1"`)
	assert.Contains(t, buf.String(), `"type":"approval_requested"`)
	assert.Contains(t, buf.String(), `"module":"notifications"`)
}

func TestBusSink_ForwardRoundTrip(t *testing.T) {
	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(slog.Default(), pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *models.WorkflowNotification, 1)

	require.NoError(t, Forward(bus, SinkFunc(func(_ context.Context, n *models.WorkflowNotification) error {
		received <- n

		return nil
	})))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, NewBusSink(bus).Notify(ctx, testNotification()))

	select {
	case n := <-received:
		assert.Equal(t, "n-1", n.ID)
		assert.Equal(t, []string{"alice", "bob"}, n.Recipients)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not forwarded")
	}
}

type recordingPublisher struct {
	keys   []string
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event eventbus.Event) error {
	p.keys = append(p.keys, key)
	p.events = append(p.events, event)

	return nil
}

func TestBusSink_KeysByInstance(t *testing.T) {
	publisher := &recordingPublisher{}

	require.NoError(t, NewBusSink(publisher).Notify(context.Background(), testNotification()))

	require.Len(t, publisher.events, 1)
	assert.Equal(t, []string{"wf-1"}, publisher.keys)

	emitted, ok := publisher.events[0].(events.NotificationEmitted)
	require.True(t, ok)
	assert.Equal(t, "wf-1", emitted.InstanceID)
	assert.Equal(t, events.NotificationEmittedEvent, emitted.Type)
}

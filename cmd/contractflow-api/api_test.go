package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/contractflow/pkg/cmd"
	"github.com/dukex/contractflow/pkg/metrics"
	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/persistence/file"
	"github.com/dukex/contractflow/pkg/services"
	"github.com/dukex/contractflow/pkg/testutil"
	"github.com/dukex/contractflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	app  *fiber.App
	c    *components
	sink *testutil.RecordingSink
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := file.NewPersistence(t.TempDir())
	sink := &testutil.RecordingSink{}

	bus, err := cmd.NewEventBus(logger, "gochannel", nil, serviceName)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	c := newComponents(logger, store,
		services.WithLogger(logger),
		services.WithPublisher(bus),
		services.WithNotificationSink(sink),
	)

	require.NoError(t, c.engine.Register(bus))
	require.NoError(t, bus.Subscribe(t.Context()))

	handlers := web.NewAPIHandlers(logger, c.templates, c.instances, c.approvals, c.metrics, nil,
		validator.New(validator.WithRequiredStructEnabled()))

	return &testApp{
		app:  NewAPI(logger, handlers, metrics.NewRegistry(c.metrics)).App(),
		c:    c,
		sink: sink,
	}
}

func (a *testApp) get(t *testing.T, path string) (int, string) {
	t.Helper()

	resp, err := a.app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	status, body := setupTestApp(t).get(t, "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Contractflow API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app := setupTestApp(t)

	status, body := app.get(t, "/livez")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	status, _ = app.get(t, "/health")
	assert.Equal(t, http.StatusOK, status)
}

func TestAPI_PrometheusMetrics(t *testing.T) {
	app := setupTestApp(t)

	_, err := app.c.templates.Register(t.Context(), testutil.CreateTestTemplate())
	require.NoError(t, err)

	status, body := app.get(t, "/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "contractflow_workflows_total 0")
	assert.Contains(t, body, "contractflow_approvals_pending 0")
}

func TestAPI_RulesRunFromTheBus(t *testing.T) {
	app := setupTestApp(t)

	template, err := app.c.templates.Register(t.Context(), testutil.CreateTestTemplate(
		testutil.WithRules(&models.AutomationRule{
			ID:      "drafted",
			Name:    "Tell legal",
			Trigger: models.TriggerStepCompleted,
			Conditions: []models.AutomationCondition{
				{Field: "step_id", Operator: models.OperatorEquals, Value: "step-1"},
			},
			Actions: []*models.WorkflowAction{testutil.NotifyAction("Lease drafted", "legal")},
			Enabled: true,
		}),
	))
	require.NoError(t, err)

	payload, err := json.Marshal(web.CreateWorkflowRequest{TemplateID: template.ID, Assignees: []string{"alice"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(web.UserIDHeader, "owner")

	resp, err := app.app.Test(req)
	require.NoError(t, err)

	var instance models.WorkflowInstance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&instance))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/workflows/"+instance.ID+"/steps/step-1/complete", nil)
	req.Header.Set(web.UserIDHeader, "alice")

	resp, err = app.app.Test(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		for _, notification := range app.sink.All() {
			if notification.Title == "Lease drafted" {
				return assert.ObjectsAreEqual([]string{"legal"}, notification.Recipients)
			}
		}

		return false
	}, 5*time.Second, 20*time.Millisecond)
}

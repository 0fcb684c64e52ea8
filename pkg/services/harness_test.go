package services_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/persistence/file"
	"github.com/dukex/contractflow/pkg/rules"
	"github.com/dukex/contractflow/pkg/services"
	"github.com/dukex/contractflow/pkg/testutil"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// harness wires the services the same way the binaries do, on top of file
// persistence, a manual clock and recording sinks.
type harness struct {
	store     *hookedStore
	clock     *testutil.Clock
	sink      *testutil.RecordingSink
	published *testutil.RecordingPublisher
	templates *services.Templates
	approvals *services.Approvals
	instances *services.Instances
	metrics   *services.Metrics

	mu      sync.Mutex
	delayed []delayed
}

type delayed struct {
	after time.Duration
	fn    func()
}

func newHarness(t *testing.T, opts ...services.Option) *harness {
	t.Helper()

	h := &harness{
		clock:     testutil.NewClock(start),
		sink:      &testutil.RecordingSink{},
		published: &testutil.RecordingPublisher{},
	}

	logger := slog.New(slog.DiscardHandler)
	store := &hookedStore{Persistence: file.NewPersistence(t.TempDir())}
	h.store = store

	h.templates = services.NewTemplates(store, services.WithLogger(logger), services.WithClock(h.clock.Now))

	engine := rules.NewEngine(logger, h.templates,
		rules.InterpreterFunc(func(ctx context.Context, instanceID string, action *models.WorkflowAction, payload map[string]any) error {
			return h.instances.ApplyAction(ctx, instanceID, action, payload)
		}),
		rules.WithAfterFunc(h.afterFunc),
	)

	common := append([]services.Option{
		services.WithLogger(logger),
		services.WithClock(h.clock.Now),
		services.WithNotificationSink(h.sink),
		services.WithPublisher(rules.NewInlinePublisher(engine, h.published)),
		services.WithAfterFunc(h.afterFunc),
	}, opts...)

	h.approvals = services.NewApprovals(store, common...)
	h.instances = services.NewInstances(store, h.templates, h.approvals, common...)
	h.metrics = services.NewMetrics(store, common...)

	return h
}

func (h *harness) afterFunc(d time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.delayed = append(h.delayed, delayed{after: d, fn: fn})
}

// fireDelayed runs every captured timer and returns their durations.
func (h *harness) fireDelayed() []time.Duration {
	h.mu.Lock()
	pending := h.delayed
	h.delayed = nil
	h.mu.Unlock()

	durations := make([]time.Duration, 0, len(pending))

	for _, d := range pending {
		durations = append(durations, d.after)
		d.fn()
	}

	return durations
}

func (h *harness) register(t *testing.T, overrides ...func(*models.WorkflowTemplate)) *models.WorkflowTemplate {
	t.Helper()

	template, err := h.templates.Register(t.Context(), testutil.CreateTestTemplate(overrides...))
	require.NoError(t, err)

	return template
}

func (h *harness) create(t *testing.T, templateID string) *models.WorkflowInstance {
	t.Helper()

	instance, err := h.instances.CreateWorkflow(t.Context(), services.CreateWorkflowRequest{
		TemplateID: templateID,
		SubjectID:  "contract-42",
		Title:      "Lease 42",
		Assignees:  []string{"alice"},
		CreatedBy:  "owner",
	})
	require.NoError(t, err)

	return instance
}

func (h *harness) complete(t *testing.T, instanceID, stepID string) *models.WorkflowInstance {
	t.Helper()

	instance, err := h.instances.ExecuteStep(t.Context(), instanceID, stepID, services.StepAction{
		Action: services.StepComplete,
		UserID: "alice",
	})
	require.NoError(t, err)

	return instance
}

func (h *harness) get(t *testing.T, instanceID string) *models.WorkflowInstance {
	t.Helper()

	instance, err := h.instances.GetWorkflow(t.Context(), instanceID)
	require.NoError(t, err)

	return instance
}

func stepStatuses(instance *models.WorkflowInstance) map[string]models.StepStatus {
	statuses := make(map[string]models.StepStatus, len(instance.Steps))
	for _, step := range instance.Steps {
		statuses[step.StepID] = step.Status
	}

	return statuses
}

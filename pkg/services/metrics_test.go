package services_test

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/contractflow/pkg/mocks"
	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestComputeMetrics_NoInstances(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, models.WorkflowMetrics{}, h.metrics.ComputeMetrics(t.Context()))
}

func TestComputeMetrics_AllCompleted(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)

	first := h.create(t, template.ID)
	second := h.create(t, template.ID)

	h.clock.Advance(24 * time.Hour)

	for _, id := range []string{first.ID, second.ID} {
		for _, step := range []string{"step-1", "step-2", "step-3"} {
			h.complete(t, id, step)
		}
	}

	metrics := h.metrics.ComputeMetrics(t.Context())
	assert.Equal(t, 2, metrics.TotalWorkflows)
	assert.Equal(t, 2, metrics.CompletedWorkflows)
	assert.Equal(t, 100, metrics.EfficiencyScore)
	assert.InDelta(t, 1.0, metrics.AverageCompletionTime, 0.0001)
}

func TestComputeMetrics_Mixed(t *testing.T) {
	h := newHarness(t)
	template := h.register(t)

	done := h.create(t, template.ID)
	cancelled := h.create(t, template.ID)
	late := h.create(t, template.ID)
	h.create(t, template.ID)

	h.clock.Advance(48 * time.Hour)

	for _, step := range []string{"step-1", "step-2", "step-3"} {
		h.complete(t, done.ID, step)
	}

	_, err := h.instances.CancelWorkflow(t.Context(), cancelled.ID, "")
	require.NoError(t, err)

	h.complete(t, late.ID, "step-1")
	h.clock.Advance(32 * time.Hour)

	metrics := h.metrics.ComputeMetrics(t.Context())
	assert.Equal(t, models.WorkflowMetrics{
		TotalWorkflows:        4,
		ActiveWorkflows:       1,
		CompletedWorkflows:    1,
		OverdueWorkflows:      1,
		AverageCompletionTime: 2,
		EfficiencyScore:       25,
	}, metrics)
}

func TestGetDashboardData(t *testing.T) {
	h := newHarness(t, services.WithApprovalWindow(time.Hour))

	long := h.register(t, func(tpl *models.WorkflowTemplate) { tpl.EstimatedTime = 240 })
	h.create(t, long.ID)

	template := h.register(t)
	ids := make([]string, 0, 7)

	for range 7 {
		h.clock.Advance(time.Minute)
		ids = append(ids, h.create(t, template.ID).ID)
	}

	_, err := h.instances.CancelWorkflow(t.Context(), ids[0], "")
	require.NoError(t, err)

	deadline := start.Add(48 * time.Hour)

	kept, err := h.approvals.CreateApprovalRequest(t.Context(), services.ApprovalRequestInput{
		InstanceID: ids[1], StepID: "step-2", Approvers: approvers("bob"), Deadline: &deadline,
	})
	require.NoError(t, err)

	h.request(t, ids[2], "step-2", approvers("alice")...)
	h.clock.Advance(2 * time.Hour)

	dashboard := h.metrics.GetDashboardData(t.Context())

	var recent []string
	for _, instance := range dashboard.RecentWorkflows {
		recent = append(recent, instance.ID)
	}

	assert.Equal(t, []string{ids[6], ids[5], ids[4], ids[3], ids[2]}, recent)

	require.Len(t, dashboard.PendingApprovals, 1, "expired requests are not pending")
	assert.Equal(t, kept.ID, dashboard.PendingApprovals[0].ID)
	assert.Equal(t, 1, dashboard.Metrics.PendingApprovals)

	var upcoming []string
	for _, instance := range dashboard.UpcomingDeadlines {
		upcoming = append(upcoming, instance.ID)
	}

	assert.Equal(t, ids[1:], upcoming, "terminal and far away deadlines are left out")
	assert.Equal(t, 8, dashboard.Metrics.TotalWorkflows)
}

func TestMetrics_StoreFailuresDegradeToZero(t *testing.T) {
	store := mocks.NewMockPersistence()
	store.Instances.On("GetAll", mock.Anything).Return(nil, errors.New("disk gone"))
	store.Approvals.On("GetPending", mock.Anything).Return(nil, errors.New("disk gone"))

	metrics := services.NewMetrics(store, services.WithLogger(slog.New(slog.DiscardHandler)))

	assert.Equal(t, models.WorkflowMetrics{}, metrics.ComputeMetrics(t.Context()))

	dashboard := metrics.GetDashboardData(t.Context())
	require.NotNil(t, dashboard)
	assert.NotNil(t, dashboard.RecentWorkflows)
	assert.Empty(t, dashboard.RecentWorkflows)
	assert.NotNil(t, dashboard.PendingApprovals)
	assert.Empty(t, dashboard.UpcomingDeadlines)

	store.Instances.AssertExpectations(t)
	store.Approvals.AssertExpectations(t)
}

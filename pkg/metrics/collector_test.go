package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource models.WorkflowMetrics

func (s staticSource) ComputeMetrics(context.Context) models.WorkflowMetrics {
	return models.WorkflowMetrics(s)
}

func TestCollector(t *testing.T) {
	collector := NewCollector(staticSource{
		TotalWorkflows:        4,
		ActiveWorkflows:       1,
		CompletedWorkflows:    1,
		OverdueWorkflows:      1,
		PendingApprovals:      2,
		AverageCompletionTime: 2.5,
		EfficiencyScore:       25,
	})

	expected := `
# HELP contractflow_workflows_total Number of workflow instances.
# TYPE contractflow_workflows_total gauge
contractflow_workflows_total 4
# HELP contractflow_workflows_overdue Number of active instances past their estimated end date.
# TYPE contractflow_workflows_overdue gauge
contractflow_workflows_overdue 1
# HELP contractflow_approvals_pending Number of pending approval requests.
# TYPE contractflow_approvals_pending gauge
contractflow_approvals_pending 2
# HELP contractflow_workflow_average_completion_days Average completion time of completed instances in days.
# TYPE contractflow_workflow_average_completion_days gauge
contractflow_workflow_average_completion_days 2.5
# HELP contractflow_workflow_efficiency_score Completed instances as a percentage of all instances.
# TYPE contractflow_workflow_efficiency_score gauge
contractflow_workflow_efficiency_score 25
`

	err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"contractflow_workflows_total",
		"contractflow_workflows_overdue",
		"contractflow_approvals_pending",
		"contractflow_workflow_average_completion_days",
		"contractflow_workflow_efficiency_score",
	)
	require.NoError(t, err)
	assert.Equal(t, 7, testutil.CollectAndCount(collector))
}

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry(staticSource{})

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}

	assert.Contains(t, names, "contractflow_workflows_active")
	assert.Contains(t, names, "go_goroutines")
}

package persistence_test

import (
	"testing"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listFixtures() []*models.WorkflowInstance {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	return []*models.WorkflowInstance{
		{ID: "a", TemplateID: "t1", Title: "Charlie", Status: models.WorkflowStatusActive, CreatedAt: base, Assignees: []string{"alice"}},
		{ID: "b", TemplateID: "t1", Title: "Alpha", Status: models.WorkflowStatusDraft, CreatedAt: base.Add(time.Hour)},
		{ID: "c", TemplateID: "t2", Title: "Bravo", Status: models.WorkflowStatusActive, CreatedAt: base.Add(2 * time.Hour)},
	}
}

func TestApplyInstanceListOptions(t *testing.T) {
	active := models.WorkflowStatusActive

	tests := []struct {
		name     string
		opts     persistence.ListInstancesOptions
		wantIDs  []string
		wantNext bool
		total    int64
	}{
		{"defaults sort newest first", persistence.ListInstancesOptions{}, []string{"c", "b", "a"}, false, 3},
		{"status filter", persistence.ListInstancesOptions{Status: &active}, []string{"c", "a"}, false, 2},
		{"template filter", persistence.ListInstancesOptions{TemplateID: "t1"}, []string{"b", "a"}, false, 2},
		{"assignee filter", persistence.ListInstancesOptions{Assignee: "alice"}, []string{"a"}, false, 1},
		{"title ascending", persistence.ListInstancesOptions{SortBy: "title", SortOrder: "ASC"}, []string{"b", "c", "a"}, false, 3},
		{"pagination", persistence.ListInstancesOptions{Limit: 2}, []string{"c", "b"}, true, 3},
		{"offset past end", persistence.ListInstancesOptions{Offset: 10}, []string{}, false, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := persistence.ApplyInstanceListOptions(listFixtures(), tt.opts)
			require.NoError(t, err)

			ids := make([]string, 0, len(result.Instances))
			for _, instance := range result.Instances {
				ids = append(ids, instance.ID)
			}

			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantNext, result.HasNextPage)
			assert.Equal(t, tt.total, result.TotalCount)
		})
	}
}

func TestApplyInstanceListOptions_RejectsUnknownSort(t *testing.T) {
	_, err := persistence.ApplyInstanceListOptions(listFixtures(), persistence.ListInstancesOptions{SortBy: "password"})
	assert.ErrorIs(t, err, persistence.ErrInvalidSortField)
}

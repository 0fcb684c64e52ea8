package persistence

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/contractflow/pkg/models"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListInstancesOptions filters, sorts and paginates instance listings.
type ListInstancesOptions struct {
	TemplateID string
	SubjectID  string
	Assignee   string
	Status     *models.WorkflowStatus

	Limit     int
	Offset    int
	SortBy    string // created_at, updated_at, estimated_end_date or title
	SortOrder string // asc or desc
}

// InstanceListResult is one page of instances.
type InstanceListResult struct {
	Instances   []*models.WorkflowInstance `json:"instances"`
	TotalCount  int64                      `json:"total_count"`
	HasNextPage bool                       `json:"has_next_page"`
}

var allowedInstanceSorts = []string{"created_at", "updated_at", "estimated_end_date", "title"}

// Normalize applies defaults and validates sort parameters against the allowlist.
func (o ListInstancesOptions) Normalize() (ListInstancesOptions, error) {
	if o.Limit <= 0 || o.Limit > MaxListLimit {
		o.Limit = DefaultListLimit
	}

	if o.Offset < 0 {
		o.Offset = 0
	}

	if o.SortBy == "" {
		o.SortBy = "created_at"
	}

	o.SortOrder = strings.ToLower(o.SortOrder)
	if o.SortOrder != "asc" {
		o.SortOrder = "desc"
	}

	if !slices.Contains(allowedInstanceSorts, o.SortBy) {
		return o, fmt.Errorf("%w: %s", ErrInvalidSortField, o.SortBy)
	}

	return o, nil
}

// Matches reports whether instance passes the filters.
func (o ListInstancesOptions) Matches(instance *models.WorkflowInstance) bool {
	if o.TemplateID != "" && instance.TemplateID != o.TemplateID {
		return false
	}

	if o.SubjectID != "" && instance.SubjectID != o.SubjectID {
		return false
	}

	if o.Status != nil && instance.Status != *o.Status {
		return false
	}

	if o.Assignee != "" && !slices.Contains(instance.Assignees, o.Assignee) {
		return false
	}

	return true
}

// ApplyInstanceListOptions filters, sorts and pages instances in memory.
func ApplyInstanceListOptions(instances []*models.WorkflowInstance, opts ListInstancesOptions) (*InstanceListResult, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowInstance, 0, len(instances))

	for _, instance := range instances {
		if opts.Matches(instance) {
			filtered = append(filtered, instance)
		}
	}

	slices.SortStableFunc(filtered, func(a, b *models.WorkflowInstance) int {
		var cmp int

		switch opts.SortBy {
		case "updated_at":
			cmp = a.UpdatedAt.Compare(b.UpdatedAt)
		case "estimated_end_date":
			cmp = a.EstimatedEndDate.Compare(b.EstimatedEndDate)
		case "title":
			cmp = strings.Compare(a.Title, b.Title)
		default:
			cmp = a.CreatedAt.Compare(b.CreatedAt)
		}

		if cmp == 0 {
			cmp = strings.Compare(a.ID, b.ID)
		}

		if opts.SortOrder == "desc" {
			return -cmp
		}

		return cmp
	})

	total := len(filtered)
	if opts.Offset >= total {
		return &InstanceListResult{
			Instances:  make([]*models.WorkflowInstance, 0),
			TotalCount: int64(total),
		}, nil
	}

	end := min(opts.Offset+opts.Limit, total)

	return &InstanceListResult{
		Instances:   filtered[opts.Offset:end],
		TotalCount:  int64(total),
		HasNextPage: end < total,
	}, nil
}

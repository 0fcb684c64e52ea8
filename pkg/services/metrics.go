package services

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/otelhelper"
	"github.com/dukex/contractflow/pkg/persistence"
)

const (
	recentWorkflowsLimit = 5
	upcomingWindow       = 7 * 24 * time.Hour
)

// Metrics aggregates instance and approval state for dashboards.
type Metrics struct {
	persistence persistence.Persistence
	cfg         config
	logger      *slog.Logger
}

// NewMetrics creates a new metrics aggregator.
func NewMetrics(persistence persistence.Persistence, opts ...Option) *Metrics {
	cfg := newConfig(opts)

	return &Metrics{
		persistence: persistence,
		cfg:         cfg,
		logger:      cfg.logger.With("module", "metrics"),
	}
}

// ComputeMetrics summarizes every instance. Store failures degrade to zero values.
func (m *Metrics) ComputeMetrics(ctx context.Context) models.WorkflowMetrics {
	ctx, span := otelhelper.StartSpan(ctx, m.cfg.tracer, "metrics.compute")
	defer span.End()

	instances := m.instances(ctx)
	approvals := m.pendingApprovals(ctx)

	return computeMetrics(instances, approvals, m.cfg.clock())
}

// GetDashboardData returns the metrics plus the most recent instances, the
// pending approvals and the deadlines of the coming week.
func (m *Metrics) GetDashboardData(ctx context.Context) *models.DashboardData {
	ctx, span := otelhelper.StartSpan(ctx, m.cfg.tracer, "metrics.dashboard")
	defer span.End()

	now := m.cfg.clock()
	instances := m.instances(ctx)
	approvals := m.pendingApprovals(ctx)

	recent := slices.Clone(instances)
	slices.SortFunc(recent, func(a, b *models.WorkflowInstance) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	if len(recent) > recentWorkflowsLimit {
		recent = recent[:recentWorkflowsLimit]
	}

	upcoming := make([]*models.WorkflowInstance, 0)
	horizon := now.Add(upcomingWindow)

	for _, instance := range instances {
		if instance.Status.IsTerminal() {
			continue
		}

		if !instance.EstimatedEndDate.Before(now) && !instance.EstimatedEndDate.After(horizon) {
			upcoming = append(upcoming, instance)
		}
	}

	slices.SortFunc(upcoming, func(a, b *models.WorkflowInstance) int {
		if c := a.EstimatedEndDate.Compare(b.EstimatedEndDate); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	sortByDeadline(approvals)

	return &models.DashboardData{
		Metrics:           computeMetrics(instances, approvals, now),
		RecentWorkflows:   recent,
		PendingApprovals:  approvals,
		UpcomingDeadlines: upcoming,
	}
}

func (m *Metrics) instances(ctx context.Context) []*models.WorkflowInstance {
	instances, err := m.persistence.InstanceRepository().GetAll(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to load workflow instances", "error", err)

		return []*models.WorkflowInstance{}
	}

	return instances
}

// pendingApprovals returns the pending requests whose deadline has not passed.
func (m *Metrics) pendingApprovals(ctx context.Context) []*models.ApprovalRequest {
	requests, err := m.persistence.ApprovalRepository().GetPending(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to load pending approvals", "error", err)

		return []*models.ApprovalRequest{}
	}

	now := m.cfg.clock()

	return slices.DeleteFunc(requests, func(request *models.ApprovalRequest) bool {
		return request.IsExpired(now)
	})
}

func computeMetrics(
	instances []*models.WorkflowInstance,
	pending []*models.ApprovalRequest,
	now time.Time,
) models.WorkflowMetrics {
	metrics := models.WorkflowMetrics{
		TotalWorkflows:   len(instances),
		PendingApprovals: len(pending),
	}

	var (
		completionDays float64
		timed          int
	)

	for _, instance := range instances {
		switch instance.Status {
		case models.WorkflowStatusActive:
			metrics.ActiveWorkflows++

			if instance.IsOverdue(now) {
				metrics.OverdueWorkflows++
			}
		case models.WorkflowStatusCompleted:
			metrics.CompletedWorkflows++

			if instance.ActualEndDate != nil {
				completionDays += instance.ActualEndDate.Sub(instance.StartDate).Hours() / 24
				timed++
			}
		}
	}

	if timed > 0 {
		metrics.AverageCompletionTime = completionDays / float64(timed)
	}

	if metrics.TotalWorkflows > 0 {
		metrics.EfficiencyScore = int(math.Round(100 * float64(metrics.CompletedWorkflows) / float64(metrics.TotalWorkflows)))
	}

	return metrics
}

package models

// WorkflowMetrics is a derived, non-persistent snapshot of engine statistics.
type WorkflowMetrics struct {
	TotalWorkflows        int     `json:"total_workflows"`
	ActiveWorkflows       int     `json:"active_workflows"`
	CompletedWorkflows    int     `json:"completed_workflows"`
	OverdueWorkflows      int     `json:"overdue_workflows"`
	PendingApprovals      int     `json:"pending_approvals"`
	AverageCompletionTime float64 `json:"average_completion_time"` // Days
	EfficiencyScore       int     `json:"efficiency_score"`
}

// DashboardData bundles the metrics with the slices the dashboard renders.
type DashboardData struct {
	Metrics           WorkflowMetrics     `json:"metrics"`
	RecentWorkflows   []*WorkflowInstance `json:"recent_workflows"`
	PendingApprovals  []*ApprovalRequest  `json:"pending_approvals"`
	UpcomingDeadlines []*WorkflowInstance `json:"upcoming_deadlines"`
}

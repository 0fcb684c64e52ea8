// Package metrics exposes workflow metrics to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "contractflow"

// Source computes the current workflow metrics.
type Source interface {
	ComputeMetrics(ctx context.Context) models.WorkflowMetrics
}

// Collector computes the metrics on every scrape.
type Collector struct {
	source  Source
	timeout time.Duration

	total      *prometheus.Desc
	active     *prometheus.Desc
	completed  *prometheus.Desc
	overdue    *prometheus.Desc
	pending    *prometheus.Desc
	avgDays    *prometheus.Desc
	efficiency *prometheus.Desc
}

func NewCollector(source Source) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}

	return &Collector{
		source:     source,
		timeout:    10 * time.Second,
		total:      desc("workflows_total", "Number of workflow instances."),
		active:     desc("workflows_active", "Number of active workflow instances."),
		completed:  desc("workflows_completed", "Number of completed workflow instances."),
		overdue:    desc("workflows_overdue", "Number of active instances past their estimated end date."),
		pending:    desc("approvals_pending", "Number of pending approval requests."),
		avgDays:    desc("workflow_average_completion_days", "Average completion time of completed instances in days."),
		efficiency: desc("workflow_efficiency_score", "Completed instances as a percentage of all instances."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.active
	ch <- c.completed
	ch <- c.overdue
	ch <- c.pending
	ch <- c.avgDays
	ch <- c.efficiency
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	m := c.source.ComputeMetrics(ctx)

	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(m.TotalWorkflows))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(m.ActiveWorkflows))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.GaugeValue, float64(m.CompletedWorkflows))
	ch <- prometheus.MustNewConstMetric(c.overdue, prometheus.GaugeValue, float64(m.OverdueWorkflows))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(m.PendingApprovals))
	ch <- prometheus.MustNewConstMetric(c.avgDays, prometheus.GaugeValue, m.AverageCompletionTime)
	ch <- prometheus.MustNewConstMetric(c.efficiency, prometheus.GaugeValue, float64(m.EfficiencyScore))
}

// NewRegistry returns a registry holding the workflow collector plus the Go
// runtime and process collectors.
func NewRegistry(source Source) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

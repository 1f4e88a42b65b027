package manager

import (
	"context"

	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

// Reporter consumes manager events and metrics for logging or aggregation.
type Reporter interface {
	RecordEvent(context.Context, observability.Event)
	RecordMetric(observability.Metric)
}

// ReporterFuncs wires plain functions into a Reporter implementation.
type ReporterFuncs struct {
	OnEvent  func(context.Context, observability.Event)
	OnMetric func(observability.Metric)
}

// RecordEvent implements Reporter.
func (r ReporterFuncs) RecordEvent(ctx context.Context, event observability.Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

// RecordMetric implements Reporter.
func (r ReporterFuncs) RecordMetric(metric observability.Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

// RecordEvent implements Reporter.
func (NoopReporter) RecordEvent(context.Context, observability.Event) {}

// RecordMetric implements Reporter.
func (NoopReporter) RecordMetric(observability.Metric) {}

// StructuredReporter forwards events to a logger bound to the node and the
// manager component, and metrics to a collector.
type StructuredReporter struct {
	logger  observability.Logger
	metrics observability.MetricsCollector
}

// NewStructuredReporter builds a reporter for nodeName.
func NewStructuredReporter(nodeName string, logger observability.Logger, metrics observability.MetricsCollector) *StructuredReporter {
	if metrics == nil {
		metrics = observability.NoopCollector{}
	}
	return &StructuredReporter{
		logger:  observability.With(logger, observability.Context{Node: nodeName, Component: "reqmanager"}),
		metrics: metrics,
	}
}

// Logger returns the bound logger so requests log with the same identity.
func (r *StructuredReporter) Logger() observability.Logger {
	return r.logger
}

// RecordEvent implements Reporter.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event observability.Event) {
	if r == nil {
		return
	}
	_ = r.logger.Log(ctx, event)
}

// RecordMetric implements Reporter.
func (r *StructuredReporter) RecordMetric(metric observability.Metric) {
	if r == nil {
		return
	}
	r.metrics.Collect(metric)
}

var _ Reporter = ReporterFuncs{}
var _ Reporter = NoopReporter{}
var _ Reporter = (*StructuredReporter)(nil)

// Package telemetry wires OpenTelemetry spans and metrics into flow runs.
//
// Instruments come from the global providers, so nothing is exported until
// the application installs an SDK. Without one every call is a no-op.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/promptflow/pkg/api"
)

const instrumentationName = "github.com/petrijr/promptflow"

var (
	metricsOnce  sync.Once
	nodeLatency  metric.Float64Histogram
	nodeSuccess  metric.Int64Counter
	nodeFailure  metric.Int64Counter
	flowLatency  metric.Float64Histogram
	tokensUsed   metric.Int64Counter
	activeCounts metric.Int64UpDownCounter
)

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// initMetrics creates the instruments once. Failures are logged and the
// affected instrument is skipped.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		var failed []string
		var err error

		nodeLatency, err = meter.Float64Histogram("promptflow_node_duration_seconds",
			metric.WithDescription("Time spent executing each node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "node_duration: "+err.Error())
		}
		nodeSuccess, err = meter.Int64Counter("promptflow_node_success_total",
			metric.WithDescription("Number of completed node executions"),
		)
		if err != nil {
			failed = append(failed, "node_success: "+err.Error())
		}
		nodeFailure, err = meter.Int64Counter("promptflow_node_failure_total",
			metric.WithDescription("Number of node executions that did not complete"),
		)
		if err != nil {
			failed = append(failed, "node_failure: "+err.Error())
		}
		flowLatency, err = meter.Float64Histogram("promptflow_flow_duration_seconds",
			metric.WithDescription("Total flow run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "flow_duration: "+err.Error())
		}
		tokensUsed, err = meter.Int64Counter("promptflow_tokens_total",
			metric.WithDescription("Tokens consumed by prompt nodes"),
		)
		if err != nil {
			failed = append(failed, "tokens: "+err.Error())
		}
		activeCounts, err = meter.Int64UpDownCounter("promptflow_active_flows",
			metric.WithDescription("Number of flow runs in progress"),
		)
		if err != nil {
			failed = append(failed, "active_flows: "+err.Error())
		}

		if len(failed) > 0 {
			slog.Default().Error("telemetry_init_failed", slog.Any("errors", failed))
		}
	})
}

// StartFlow opens the span that covers a whole run.
func StartFlow(ctx context.Context, exec *api.FlowExecution) (context.Context, trace.Span) {
	initMetrics()
	if activeCounts != nil {
		activeCounts.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", exec.FlowName)))
	}
	return tracer().Start(ctx, "promptflow.Flow",
		trace.WithAttributes(
			attribute.String("flow.name", exec.FlowName),
			attribute.String("flow.version", exec.FlowVersion),
			attribute.String("flow.execution_id", exec.ID),
			attribute.String("flow.variant_id", exec.VariantID),
		),
	)
}

// EndFlow records the final status of a run and closes its span.
func EndFlow(ctx context.Context, span trace.Span, exec *api.FlowExecution) {
	attrs := metric.WithAttributes(
		attribute.String("flow", exec.FlowName),
		attribute.String("status", string(exec.Status)),
	)
	if flowLatency != nil {
		flowLatency.Record(ctx, exec.Duration.Seconds(), attrs)
	}
	if activeCounts != nil {
		activeCounts.Add(ctx, -1, metric.WithAttributes(attribute.String("flow", exec.FlowName)))
	}

	span.SetAttributes(
		attribute.String("flow.status", string(exec.Status)),
		attribute.Float64("flow.total_cost", exec.TotalCost),
		attribute.Int64("flow.total_tokens", exec.TotalTokens),
	)
	if exec.Status == api.FlowCompleted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, exec.ErrorMessage)
	}
	span.End()
}

// StartNode opens the span of one node attempt.
func StartNode(ctx context.Context, node api.Node, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, node.Key,
		trace.WithAttributes(
			attribute.String("node.key", node.Key),
			attribute.String("node.type", string(node.Type)),
			attribute.Int("node.attempt", attempt),
		),
	)
}

// EndSpan closes span, recording err when set.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordNode folds a terminal node execution into the node instruments.
func RecordNode(ctx context.Context, node *api.NodeExecution, d time.Duration) {
	initMetrics()
	attrs := metric.WithAttributes(
		attribute.String("node", node.NodeKey),
		attribute.String("type", string(node.NodeType)),
	)
	if nodeLatency != nil {
		nodeLatency.Record(ctx, d.Seconds(), attrs)
	}
	switch node.Status {
	case api.NodeCompleted:
		if nodeSuccess != nil {
			nodeSuccess.Add(ctx, 1, attrs)
		}
	case api.NodeSkipped:
	default:
		if nodeFailure != nil {
			nodeFailure.Add(ctx, 1, metric.WithAttributes(
				attribute.String("node", node.NodeKey),
				attribute.String("type", string(node.NodeType)),
				attribute.String("status", string(node.Status)),
			))
		}
	}
	if node.Tokens > 0 && tokensUsed != nil {
		tokensUsed.Add(ctx, node.Tokens, attrs)
	}
}

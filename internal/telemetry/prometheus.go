package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/promptflow/pkg/api"
)

// PrometheusObserver exports run lifecycle metrics to a Prometheus
// registry. Metrics are registered on the given Registerer so several
// engines in one process can use separate registries.
type PrometheusObserver struct {
	api.NoopObserver

	flows       *prometheus.CounterVec
	flowSeconds *prometheus.HistogramVec
	nodes       *prometheus.CounterVec
	nodeSeconds *prometheus.HistogramVec
	edges       *prometheus.CounterVec
	cost        *prometheus.CounterVec
	cacheHits   *prometheus.CounterVec
	running     prometheus.Gauge
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the promptflow metrics on reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	f := promauto.With(reg)
	return &PrometheusObserver{
		flows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptflow",
			Subsystem: "flow",
			Name:      "runs_total",
			Help:      "Finished flow runs by flow and status",
		}, []string{"flow", "status"}),
		flowSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "promptflow",
			Subsystem: "flow",
			Name:      "duration_seconds",
			Help:      "Flow run wall time",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"flow"}),
		nodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptflow",
			Subsystem: "node",
			Name:      "executions_total",
			Help:      "Terminal node executions by type and status",
		}, []string{"type", "status"}),
		nodeSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "promptflow",
			Subsystem: "node",
			Name:      "duration_seconds",
			Help:      "Node execution wall time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		edges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptflow",
			Subsystem: "edge",
			Name:      "traversals_total",
			Help:      "Evaluated edges by reason",
		}, []string{"reason", "fires"}),
		cost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptflow",
			Subsystem: "flow",
			Name:      "cost_total",
			Help:      "Accumulated provider cost",
		}, []string{"flow"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptflow",
			Subsystem: "node",
			Name:      "cache_hits_total",
			Help:      "Prompt nodes served from the cache",
		}, []string{"type"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "promptflow",
			Subsystem: "flow",
			Name:      "running",
			Help:      "Flow runs in progress",
		}),
	}
}

func (o *PrometheusObserver) OnFlowStart(ctx context.Context, exec *api.FlowExecution) {
	o.running.Inc()
}

func (o *PrometheusObserver) OnFlowCompleted(ctx context.Context, exec *api.FlowExecution) {
	o.finish(exec)
}

func (o *PrometheusObserver) OnFlowFailed(ctx context.Context, exec *api.FlowExecution, err error) {
	o.finish(exec)
}

func (o *PrometheusObserver) finish(exec *api.FlowExecution) {
	o.running.Dec()
	o.flows.WithLabelValues(exec.FlowName, string(exec.Status)).Inc()
	o.flowSeconds.WithLabelValues(exec.FlowName).Observe(exec.Duration.Seconds())
	if exec.TotalCost > 0 {
		o.cost.WithLabelValues(exec.FlowName).Add(exec.TotalCost)
	}
}

func (o *PrometheusObserver) OnNodeCompleted(ctx context.Context, exec *api.FlowExecution, node *api.NodeExecution, err error, d time.Duration) {
	typ := string(node.NodeType)
	o.nodes.WithLabelValues(typ, string(node.Status)).Inc()
	if node.Status != api.NodeSkipped {
		o.nodeSeconds.WithLabelValues(typ).Observe(d.Seconds())
	}
	if node.CacheHit {
		o.cacheHits.WithLabelValues(typ).Inc()
	}
}

func (o *PrometheusObserver) OnEdgeTraversed(ctx context.Context, exec *api.FlowExecution, tr api.EdgeTraversal) {
	fires := "false"
	if tr.Fires {
		fires = "true"
	}
	o.edges.WithLabelValues(tr.Reason, fires).Inc()
}

package api

import "time"

// VariantMetrics are the rolling performance figures of a variant or of the
// base definition. Averages are streaming means; DurationM2 is the running
// sum of squared deviations of the execution time in seconds (Welford).
type VariantMetrics struct {
	ExecutionCount       int64         `json:"execution_count" yaml:"execution_count"`
	AverageCost          float64       `json:"average_cost" yaml:"average_cost"`
	AverageExecutionTime time.Duration `json:"average_execution_time" yaml:"average_execution_time"`
	AverageQuality       float64       `json:"average_quality" yaml:"average_quality"`
	ConversionRate       float64       `json:"conversion_rate" yaml:"conversion_rate"`
	DurationM2           float64       `json:"duration_m2" yaml:"duration_m2"`

	// QualityCount and ConversionCount are the sample sizes of the two
	// feedback averages.
	QualityCount    int64 `json:"quality_count" yaml:"quality_count"`
	ConversionCount int64 `json:"conversion_count" yaml:"conversion_count"`
}

// DurationVariance returns the sample variance of the execution time in
// seconds squared.
func (m VariantMetrics) DurationVariance() float64 {
	if m.ExecutionCount < 2 {
		return 0
	}
	return m.DurationM2 / float64(m.ExecutionCount-1)
}

// FlowVariant is an alternate configuration of a base definition under
// experimentation.
type FlowVariant struct {
	ID       string `json:"id" yaml:"id"`
	FlowName string `json:"flow_name" yaml:"flow_name"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`

	// Definition is the graph runs assigned to this variant execute.
	Definition FlowDefinition `json:"definition" yaml:"-"`

	// DefinitionVersion selects a registered version of FlowName when
	// Definition carries no nodes.
	DefinitionVersion string `json:"definition_version,omitempty" yaml:"definition_version,omitempty"`

	TrafficPercentage float64 `json:"traffic_percentage" yaml:"traffic_percentage"`
	Priority          int     `json:"priority" yaml:"priority"`
	Active            bool    `json:"active" yaml:"active"`

	Metrics VariantMetrics `json:"metrics" yaml:"metrics"`

	IsStatisticallySignificant bool    `json:"is_statistically_significant" yaml:"is_statistically_significant"`
	ConfidenceLevel            float64 `json:"confidence_level" yaml:"confidence_level"`
	PValue                     float64 `json:"p_value" yaml:"p_value"`
}

// RunContext carries the per-run inputs of variant selection.
type RunContext struct {
	// AssignmentKey is the user or session identifier hashed for a stable
	// assignment. An empty key falls back to the execution ID.
	AssignmentKey string
	ExecutionID   string
}

// VariantOutcome is what a finished run reports back to the selector.
type VariantOutcome struct {
	Cost      float64
	Duration  time.Duration
	Quality   *float64
	Converted *bool
}

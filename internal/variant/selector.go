// Package variant assigns runs to experiment variants and keeps their rolling
// metrics.
//
// Assignment hashes the assignment key with xxhash into [0, 100) and walks
// the active variants, ordered by priority, until the cumulative traffic
// range contains the bucket. Buckets past the last range run the base
// definition. Metric updates are lock-free: each variant holds an immutable
// snapshot behind an atomic pointer that writers replace with CAS.
package variant

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/petrijr/promptflow/pkg/api"
)

// Defaults for Options.
const (
	DefaultMinSampleSize = 30
	DefaultAlpha         = 0.05
)

// bucketResolution splits [0, 100) into hundredths of a percent.
const bucketResolution = 10000

// Options configure a Selector.
type Options struct {
	// MinSampleSize is the execution count a variant must exceed before its
	// significance is recomputed.
	MinSampleSize int64

	// Alpha is the significance threshold of the t-test.
	Alpha float64

	// Source supplies variants in addition to the registered ones.
	Source api.ExperimentSource
}

// snapshot is the immutable metric state of one arm.
type snapshot struct {
	metrics     api.VariantMetrics
	significant bool
	confidence  float64
	pValue      float64
}

type cell struct {
	ptr atomic.Pointer[snapshot]
}

func newCell(m api.VariantMetrics) *cell {
	c := &cell{}
	c.ptr.Store(&snapshot{metrics: m})
	return c
}

func (c *cell) load() *snapshot { return c.ptr.Load() }

// update applies fn until the CAS succeeds.
func (c *cell) update(fn func(old *snapshot) *snapshot) *snapshot {
	for {
		old := c.ptr.Load()
		next := fn(old)
		if c.ptr.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Selector is safe for concurrent use.
type Selector struct {
	opts Options

	mu       sync.RWMutex
	variants map[string]map[string]api.FlowVariant // flow name -> id -> variant
	cells    sync.Map                              // variant id -> *cell
	base     sync.Map                              // flow name -> *cell
}

// New returns a Selector with defaults applied.
func New(opts Options) *Selector {
	if opts.MinSampleSize <= 0 {
		opts.MinSampleSize = DefaultMinSampleSize
	}
	if opts.Alpha <= 0 {
		opts.Alpha = DefaultAlpha
	}
	return &Selector{opts: opts, variants: make(map[string]map[string]api.FlowVariant)}
}

// Register adds or replaces a variant. The active allocation of the flow may
// not exceed 100%.
func (s *Selector) Register(v api.FlowVariant) error {
	if v.ID == "" || v.FlowName == "" {
		return &api.ValidationError{Flow: v.FlowName, Reason: "variant requires id and flow name"}
	}
	if v.TrafficPercentage < 0 || v.TrafficPercentage > 100 {
		return &api.ValidationError{Flow: v.FlowName, Reason: fmt.Sprintf("variant %s traffic %.2f outside 0..100", v.ID, v.TrafficPercentage)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.variants[v.FlowName]
	total := 0.0
	for id, other := range byID {
		if id != v.ID && other.Active {
			total += other.TrafficPercentage
		}
	}
	if v.Active {
		total += v.TrafficPercentage
	}
	if total > 100+1e-9 {
		return overflow(v.FlowName, total)
	}

	if byID == nil {
		byID = make(map[string]api.FlowVariant)
		s.variants[v.FlowName] = byID
	}
	byID[v.ID] = v
	s.cells.LoadOrStore(v.ID, newCell(v.Metrics))
	return nil
}

func overflow(flow string, total float64) error {
	return &api.ValidationError{
		Flow:   flow,
		Reason: fmt.Sprintf("active variants allocate %.2f%%", total),
		Err:    api.ErrTrafficOverflow,
	}
}

// Deactivate stops routing traffic to a variant. Its metrics are kept.
func (s *Selector) Deactivate(flowName, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[flowName][id]
	if !ok {
		return false
	}
	v.Active = false
	s.variants[flowName][id] = v
	return true
}

// active returns the active variants of a flow in assignment order.
func (s *Selector) active(ctx context.Context, flowName string) ([]api.FlowVariant, error) {
	s.mu.RLock()
	var out []api.FlowVariant
	for _, v := range s.variants[flowName] {
		if v.Active {
			out = append(out, v)
		}
	}
	s.mu.RUnlock()

	if s.opts.Source != nil {
		ext, err := s.opts.Source.ActiveVariants(ctx, flowName)
		if err != nil {
			return nil, fmt.Errorf("experiment source: %w", err)
		}
		seen := make(map[string]struct{}, len(out))
		for _, v := range out {
			seen[v.ID] = struct{}{}
		}
		for _, v := range ext {
			if _, dup := seen[v.ID]; dup || !v.Active || v.FlowName != flowName {
				continue
			}
			out = append(out, v)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.TrafficPercentage != b.TrafficPercentage {
			return a.TrafficPercentage > b.TrafficPercentage
		}
		return a.ID < b.ID
	})
	return out, nil
}

// Bucket returns the assignment bucket of key for a flow, in [0, 100).
func Bucket(flowName, key string) float64 {
	h := xxhash.Sum64String(flowName + "\x00" + key)
	return float64(h%bucketResolution) / (bucketResolution / 100)
}

// SelectVariant picks the variant for a run of def. A nil variant means the
// base definition runs.
func (s *Selector) SelectVariant(ctx context.Context, def api.FlowDefinition, rc api.RunContext) (*api.FlowVariant, error) {
	variants, err := s.active(ctx, def.Name)
	if err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, nil
	}

	total := 0.0
	for _, v := range variants {
		total += v.TrafficPercentage
	}
	if total > 100+1e-9 {
		return nil, overflow(def.Name, total)
	}

	key := rc.AssignmentKey
	if key == "" {
		key = rc.ExecutionID
	}
	if key == "" {
		return nil, nil
	}

	bucket := Bucket(def.Name, key)
	cum := 0.0
	for _, v := range variants {
		cum += v.TrafficPercentage
		if bucket < cum {
			out := s.withMetrics(v)
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Selector) cellFor(v api.FlowVariant) *cell {
	c, _ := s.cells.LoadOrStore(v.ID, newCell(v.Metrics))
	return c.(*cell)
}

func (s *Selector) baseCell(flowName string) *cell {
	c, _ := s.base.LoadOrStore(flowName, newCell(api.VariantMetrics{}))
	return c.(*cell)
}

func (s *Selector) withMetrics(v api.FlowVariant) api.FlowVariant {
	snap := s.cellFor(v).load()
	v.Metrics = snap.metrics
	v.IsStatisticallySignificant = snap.significant
	v.ConfidenceLevel = snap.confidence
	v.PValue = snap.pValue
	return v
}

// Variant returns a registered variant with its current metrics.
func (s *Selector) Variant(flowName, id string) (api.FlowVariant, bool) {
	s.mu.RLock()
	v, ok := s.variants[flowName][id]
	s.mu.RUnlock()
	if !ok {
		c, found := s.cells.Load(id)
		if !found {
			return api.FlowVariant{}, false
		}
		snap := c.(*cell).load()
		return api.FlowVariant{
			ID: id, FlowName: flowName, Metrics: snap.metrics,
			IsStatisticallySignificant: snap.significant,
			ConfidenceLevel:            snap.confidence,
			PValue:                     snap.pValue,
		}, true
	}
	return s.withMetrics(v), true
}

// BaseMetrics returns the aggregate metrics of runs that used the base
// definition.
func (s *Selector) BaseMetrics(flowName string) api.VariantMetrics {
	return s.baseCell(flowName).load().metrics
}

// RecordOutcome folds a finished run into the metrics of its arm. An empty
// variantID records against the base definition.
func (s *Selector) RecordOutcome(flowName, variantID string, out api.VariantOutcome) {
	s.record(flowName, variantID, out, true)
}

// RecordFeedback folds late quality or conversion feedback into an arm
// without counting another execution.
func (s *Selector) RecordFeedback(flowName, variantID string, quality *float64, converted *bool) {
	s.record(flowName, variantID, api.VariantOutcome{Quality: quality, Converted: converted}, false)
}

func (s *Selector) record(flowName, variantID string, out api.VariantOutcome, run bool) {
	if variantID == "" {
		s.baseCell(flowName).update(func(old *snapshot) *snapshot {
			next := *old
			next.metrics = apply(old.metrics, out, run)
			return &next
		})
		return
	}

	c, ok := s.cells.Load(variantID)
	if !ok {
		c, _ = s.cells.LoadOrStore(variantID, newCell(api.VariantMetrics{}))
	}
	base := s.baseCell(flowName)

	c.(*cell).update(func(old *snapshot) *snapshot {
		next := &snapshot{
			metrics:     apply(old.metrics, out, run),
			significant: old.significant,
			confidence:  old.confidence,
			pValue:      old.pValue,
		}
		if next.metrics.ExecutionCount > s.opts.MinSampleSize {
			s.significance(next, base.load().metrics)
		}
		return next
	})
}

// significance compares execution time against the base arm.
func (s *Selector) significance(next *snapshot, base api.VariantMetrics) {
	res, err := WelchTTest(
		summaryOf(next.metrics),
		summaryOf(base),
		s.opts.Alpha,
	)
	if err != nil {
		return
	}
	next.pValue = res.PValue
	next.confidence = 1 - res.PValue
	next.significant = res.Significant
}

func summaryOf(m api.VariantMetrics) Summary {
	return Summary{
		N:        float64(m.ExecutionCount),
		Mean:     m.AverageExecutionTime.Seconds(),
		Variance: m.DurationVariance(),
	}
}

// apply returns m with out folded in using streaming means. Duration
// variance follows Welford's update.
func apply(m api.VariantMetrics, out api.VariantOutcome, run bool) api.VariantMetrics {
	if run {
		m.ExecutionCount++
		n := float64(m.ExecutionCount)
		m.AverageCost += (out.Cost - m.AverageCost) / n

		x := out.Duration.Seconds()
		mean := m.AverageExecutionTime.Seconds()
		delta := x - mean
		mean += delta / n
		m.DurationM2 += delta * (x - mean)
		m.AverageExecutionTime = time.Duration(math.Round(mean * float64(time.Second)))
	}
	if out.Quality != nil {
		m.QualityCount++
		m.AverageQuality += (*out.Quality - m.AverageQuality) / float64(m.QualityCount)
	}
	if out.Converted != nil {
		m.ConversionCount++
		x := 0.0
		if *out.Converted {
			x = 1
		}
		m.ConversionRate += (x - m.ConversionRate) / float64(m.ConversionCount)
	}
	return m
}

package variant

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/promptflow/pkg/api"
)

// StaticSource serves a fixed list of variants.
type StaticSource []api.FlowVariant

func (s StaticSource) ActiveVariants(_ context.Context, flowName string) ([]api.FlowVariant, error) {
	var out []api.FlowVariant
	for _, v := range s {
		if v.Active && v.FlowName == flowName {
			out = append(out, v)
		}
	}
	return out, nil
}

// File is the YAML layout read by FileSource.
//
//	variants:
//	  - id: summarize-short
//	    flow_name: summarize
//	    definition_version: "2"
//	    traffic_percentage: 30
//	    priority: 1
//	    active: true
type File struct {
	Variants []api.FlowVariant `yaml:"variants"`
}

// FileSource reads experiments from a YAML file on every call. Wrap it in a
// CachedSource to bound file reads.
type FileSource struct {
	Path string
}

// LoadFile parses an experiment file.
func LoadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read experiments %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("parse experiments %s: %w", path, err)
	}
	return f, nil
}

func (s FileSource) ActiveVariants(ctx context.Context, flowName string) ([]api.FlowVariant, error) {
	f, err := LoadFile(s.Path)
	if err != nil {
		return nil, err
	}
	return StaticSource(f.Variants).ActiveVariants(ctx, flowName)
}

type cached struct {
	at       time.Time
	variants []api.FlowVariant
}

// CachedSource serves variants from memory and refreshes them from the
// wrapped source at most once per interval. Concurrent misses for the same
// flow share one load.
type CachedSource struct {
	src     api.ExperimentSource
	refresh time.Duration
	now     func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]cached
}

// NewCachedSource wraps src. Data may be stale for at most refresh.
func NewCachedSource(src api.ExperimentSource, refresh time.Duration) *CachedSource {
	return &CachedSource{
		src:     src,
		refresh: refresh,
		now:     time.Now,
		entries: make(map[string]cached),
	}
}

func (c *CachedSource) fresh(flowName string) ([]api.FlowVariant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[flowName]
	if !ok || c.now().Sub(e.at) >= c.refresh {
		return nil, false
	}
	return e.variants, true
}

func (c *CachedSource) ActiveVariants(ctx context.Context, flowName string) ([]api.FlowVariant, error) {
	if vs, ok := c.fresh(flowName); ok {
		return vs, nil
	}

	v, err, _ := c.group.Do(flowName, func() (any, error) {
		// Another caller may have refreshed while we waited.
		if vs, ok := c.fresh(flowName); ok {
			return vs, nil
		}
		vs, err := c.src.ActiveVariants(ctx, flowName)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[flowName] = cached{at: c.now(), variants: vs}
		c.mu.Unlock()
		return vs, nil
	})
	if err != nil {
		// Serve stale data over an error.
		c.mu.RLock()
		e, ok := c.entries[flowName]
		c.mu.RUnlock()
		if ok {
			return e.variants, nil
		}
		return nil, err
	}

	vs, ok := v.([]api.FlowVariant)
	if !ok && v != nil {
		return nil, fmt.Errorf("unexpected type from singleflight: %T", v)
	}
	return vs, nil
}

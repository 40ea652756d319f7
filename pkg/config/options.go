package config

import (
	"log/slog"

	"github.com/petrijr/promptflow/internal/engine"
	"github.com/petrijr/promptflow/internal/retry"
	"github.com/petrijr/promptflow/internal/variant"
	"github.com/petrijr/promptflow/pkg/api"
)

// EngineOptions maps the settings onto engine options. Capabilities,
// storage and observers are left for the caller to fill in.
func (c Config) EngineOptions(logger *slog.Logger) engine.Options {
	var src api.ExperimentSource
	if c.Variant.ExperimentsFile != "" {
		src = variant.NewCachedSource(variant.FileSource{Path: c.Variant.ExperimentsFile}, c.Variant.RefreshInterval)
	}
	return engine.Options{
		CacheMaxEntries:     c.Cache.MaxEntries,
		ExternalRate:        c.Engine.ExternalRate,
		ExternalBurst:       c.Engine.ExternalBurst,
		ObserverBuffer:      c.Engine.ObserverBuffer,
		MaxConcurrency:      c.Engine.MaxConcurrency,
		MaxBatchConcurrency: c.Engine.MaxBatchConcurrency,
		FlowTimeout:         c.Engine.FlowTimeout,
		NodeTimeout:         c.Engine.NodeTimeout,
		RetainFinished:      c.Engine.RetainFinished,
		Logger:              logger,
		Selector: variant.New(variant.Options{
			MinSampleSize: c.Variant.MinSampleSize,
			Alpha:         c.Variant.Alpha,
			Source:        src,
		}),
		Retry: retry.Policy{
			InitialBackoff:    c.Retry.InitialBackoff,
			BackoffMultiplier: c.Retry.Multiplier,
			MaxBackoff:        c.Retry.MaxBackoff,
		},
	}
}

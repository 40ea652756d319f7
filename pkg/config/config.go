// Package config loads engine settings from YAML with environment
// overrides.
//
// Values are resolved in three layers: Defaults, then the YAML file, then
// PROMPTFLOW_<SECTION>_<KEY> environment variables named after the yaml
// tags, for example PROMPTFLOW_ENGINE_MAX_CONCURRENCY or
// PROMPTFLOW_LOG_LEVEL. The result is checked with validator struct tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROMPTFLOW"

// Config is the full settings document.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Retry   RetryConfig   `yaml:"retry"`
	Variant VariantConfig `yaml:"variant"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
}

// EngineConfig bounds run execution.
type EngineConfig struct {
	// MaxConcurrency caps running nodes per run. Zero uses GOMAXPROCS.
	MaxConcurrency      int           `yaml:"max_concurrency" validate:"gte=0"`
	MaxBatchConcurrency int           `yaml:"max_batch_concurrency" validate:"gte=0"`
	FlowTimeout         time.Duration `yaml:"flow_timeout" validate:"gte=0"`
	NodeTimeout         time.Duration `yaml:"node_timeout" validate:"gte=0"`
	ObserverBuffer      int           `yaml:"observer_buffer" validate:"gte=0"`
	RetainFinished      int           `yaml:"retain_finished" validate:"gte=0"`
	// ExternalRate is the ExternalCall rate limit per second. Zero disables it.
	ExternalRate  float64 `yaml:"external_rate" validate:"gte=0"`
	ExternalBurst int     `yaml:"external_burst" validate:"gte=0"`
}

// RetryConfig is the backoff shape for nodes without their own.
type RetryConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gte=0"`
	Multiplier     float64       `yaml:"multiplier" validate:"gte=1"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gte=0"`
}

// VariantConfig tunes the A/B selector.
type VariantConfig struct {
	MinSampleSize   int64         `yaml:"min_sample_size" validate:"gte=0"`
	Alpha           float64       `yaml:"alpha" validate:"gt=0,lt=1"`
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gte=0"`
	// ExperimentsFile is an optional YAML file of variants.
	ExperimentsFile string `yaml:"experiments_file"`
}

// CacheConfig sizes the prompt output cache. Zero disables it.
type CacheConfig struct {
	MaxEntries int64 `yaml:"max_entries" validate:"gte=0"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
	DriverBadger   = "badger"
)

// StorageConfig selects the record sink.
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite postgres redis mongo badger"`
	// DSN is a database path or URL. Badger treats it as a directory; an
	// empty DSN keeps badger in memory.
	DSN string `yaml:"dsn" validate:"required_if=Driver sqlite,required_if=Driver postgres,required_if=Driver redis,required_if=Driver mongo"`
	// Database names the Mongo database.
	Database string `yaml:"database"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			ObserverBuffer: 1024,
		},
		Retry: RetryConfig{
			InitialBackoff: 200 * time.Millisecond,
			Multiplier:     2,
			MaxBackoff:     30 * time.Second,
		},
		Variant: VariantConfig{
			MinSampleSize:   30,
			Alpha:           0.05,
			RefreshInterval: time.Minute,
		},
		Cache:   CacheConfig{MaxEntries: 1000},
		Log:     LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Driver: DriverMemory},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %w", errors.Join(msgs...))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Parse decodes YAML over Defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (Config, error) {
	return parse(data, os.LookupEnv)
}

// Load reads path and parses it. An empty path means defaults plus
// environment.
func Load(path string) (Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func parse(data []byte, lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

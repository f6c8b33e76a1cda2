// Package config loads fieldsync configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/batch"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// EnvPrefix is prepended to environment overrides, e.g. FIELDSYNC_SYNC_INTERVAL.
const EnvPrefix = "FIELDSYNC"

// Config represents the root configuration structure.
type Config struct {
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Conflict ConflictConfig `mapstructure:"conflict" yaml:"conflict"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
}

// StoreConfig controls quota and eviction of the durable queue.
type StoreConfig struct {
	QuotaBytes        int64         `mapstructure:"quota_bytes" yaml:"quota_bytes"`
	QuotaThreshold    float64       `mapstructure:"quota_threshold" yaml:"quota_threshold"`
	FailedEvictionAge time.Duration `mapstructure:"failed_eviction_age" yaml:"failed_eviction_age"`
	UploadedGrace     time.Duration `mapstructure:"uploaded_grace" yaml:"uploaded_grace"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries" yaml:"default_max_retries"`
}

// SyncConfig controls the scheduler, batching and transport.
type SyncConfig struct {
	Interval       time.Duration     `mapstructure:"interval" yaml:"interval"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout" yaml:"request_timeout"`
	CycleLimit     int               `mapstructure:"cycle_limit" yaml:"cycle_limit"`
	Strategy       string            `mapstructure:"strategy" yaml:"strategy"`
	Quality        string            `mapstructure:"quality" yaml:"quality"`
	UploadURL      string            `mapstructure:"upload_url" yaml:"upload_url"`
	Headers        map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Backoff        BackoffConfig     `mapstructure:"backoff" yaml:"backoff"`
}

// BackoffConfig is the per-item retry schedule.
type BackoffConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter     float64       `mapstructure:"jitter" yaml:"jitter"`
}

// ConflictConfig controls automatic conflict resolution.
type ConflictConfig struct {
	PrioritizeUserData bool          `mapstructure:"prioritize_user_data" yaml:"prioritize_user_data"`
	AutoResolveWindow  time.Duration `mapstructure:"auto_resolve_window" yaml:"auto_resolve_window"`
	HistorySize        int           `mapstructure:"history_size" yaml:"history_size"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// APIConfig controls the local control API used to inspect the queue and
// resolve conflicts.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// Default returns the built-in configuration.
func Default() *Config {
	retry := syncpkg.DefaultRetryPolicy()
	return &Config{
		DataDir: "./data",
		Store: StoreConfig{
			QuotaBytes:        queue.DefaultQuotaBytes,
			QuotaThreshold:    queue.DefaultQuotaThreshold,
			FailedEvictionAge: queue.DefaultFailedEvictionAge,
			UploadedGrace:     queue.DefaultUploadedGrace,
			CacheTTL:          queue.DefaultCacheTTL,
			DefaultMaxRetries: queue.DefaultMaxRetries,
		},
		Sync: SyncConfig{
			Interval:       5 * time.Minute,
			RequestTimeout: syncpkg.DefaultRequestTimeout,
			CycleLimit:     syncpkg.DefaultCycleLimit,
			Strategy:       batch.Balanced.Name,
			Quality:        string(batch.QualityUnknown),
			Backoff: BackoffConfig{
				BaseDelay:  retry.BaseDelay,
				MaxDelay:   retry.MaxDelay,
				Multiplier: retry.Multiplier,
				Jitter:     retry.Jitter,
			},
		},
		Conflict: ConflictConfig{
			PrioritizeUserData: true,
			AutoResolveWindow:  conflict.DefaultAutoResolveWindow,
			HistorySize:        conflict.DefaultHistorySize,
		},
		Log: LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		API: APIConfig{
			Enabled: true,
			Address: "127.0.0.1:9091",
		},
	}
}

// RetryPolicy converts the backoff section for the engine.
func (c *Config) RetryPolicy() syncpkg.RetryPolicy {
	return syncpkg.RetryPolicy{
		BaseDelay:  c.Sync.Backoff.BaseDelay,
		MaxDelay:   c.Sync.Backoff.MaxDelay,
		Multiplier: c.Sync.Backoff.Multiplier,
		Jitter:     c.Sync.Backoff.Jitter,
	}
}

// setDefaults registers every key so environment overrides apply even when
// the file omits them.
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("data_dir", def.DataDir)

	v.SetDefault("store.quota_bytes", def.Store.QuotaBytes)
	v.SetDefault("store.quota_threshold", def.Store.QuotaThreshold)
	v.SetDefault("store.failed_eviction_age", def.Store.FailedEvictionAge)
	v.SetDefault("store.uploaded_grace", def.Store.UploadedGrace)
	v.SetDefault("store.cache_ttl", def.Store.CacheTTL)
	v.SetDefault("store.default_max_retries", def.Store.DefaultMaxRetries)

	v.SetDefault("sync.interval", def.Sync.Interval)
	v.SetDefault("sync.request_timeout", def.Sync.RequestTimeout)
	v.SetDefault("sync.cycle_limit", def.Sync.CycleLimit)
	v.SetDefault("sync.strategy", def.Sync.Strategy)
	v.SetDefault("sync.quality", def.Sync.Quality)
	v.SetDefault("sync.upload_url", def.Sync.UploadURL)
	v.SetDefault("sync.backoff.base_delay", def.Sync.Backoff.BaseDelay)
	v.SetDefault("sync.backoff.max_delay", def.Sync.Backoff.MaxDelay)
	v.SetDefault("sync.backoff.multiplier", def.Sync.Backoff.Multiplier)
	v.SetDefault("sync.backoff.jitter", def.Sync.Backoff.Jitter)

	v.SetDefault("conflict.prioritize_user_data", def.Conflict.PrioritizeUserData)
	v.SetDefault("conflict.auto_resolve_window", def.Conflict.AutoResolveWindow)
	v.SetDefault("conflict.history_size", def.Conflict.HistorySize)

	v.SetDefault("log.level", def.Log.Level)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.address", def.Metrics.Address)

	v.SetDefault("api.enabled", def.API.Enabled)
	v.SetDefault("api.address", def.API.Address)
}

// Load reads configuration from path (optional) with FIELDSYNC_ environment
// overrides on top, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logging.Debug("Loaded config file", map[string]interface{}{"path": v.ConfigFileUsed()})
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.DataDir) == "" {
		add("data_dir is required")
	}

	if c.Store.QuotaBytes <= 0 {
		add("store.quota_bytes must be positive")
	}
	if c.Store.QuotaThreshold <= 0 || c.Store.QuotaThreshold > 1 {
		add("store.quota_threshold must be in (0, 1], got %v", c.Store.QuotaThreshold)
	}
	if c.Store.DefaultMaxRetries < 0 {
		add("store.default_max_retries must not be negative")
	}
	if c.Store.FailedEvictionAge < 0 || c.Store.UploadedGrace < 0 || c.Store.CacheTTL < 0 {
		add("store durations must not be negative")
	}

	if c.Sync.Interval <= 0 {
		add("sync.interval must be positive")
	}
	if c.Sync.RequestTimeout <= 0 {
		add("sync.request_timeout must be positive")
	}
	if c.Sync.CycleLimit < 0 {
		add("sync.cycle_limit must not be negative")
	}
	if _, err := batch.StrategyByName(c.Sync.Strategy); err != nil {
		add("sync.strategy: %w", err)
	}
	if c.Sync.UploadURL != "" {
		if u, err := url.Parse(c.Sync.UploadURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("sync.upload_url %q is not an absolute URL", c.Sync.UploadURL)
		}
	}
	b := c.Sync.Backoff
	if b.BaseDelay <= 0 || b.MaxDelay < b.BaseDelay {
		add("sync.backoff requires 0 < base_delay <= max_delay")
	}
	if b.Multiplier < 1 {
		add("sync.backoff.multiplier must be at least 1")
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		add("sync.backoff.jitter must be in [0, 1)")
	}

	if c.Conflict.AutoResolveWindow < 0 {
		add("conflict.auto_resolve_window must not be negative")
	}
	if c.Conflict.HistorySize <= 0 {
		add("conflict.history_size must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		add("metrics.address is required when metrics are enabled")
	}
	if c.API.Enabled && c.API.Address == "" {
		add("api.address is required when the control API is enabled")
	}

	return errors.Join(errs...)
}

// YAML renders the effective configuration. Durations are written in their
// string form so the output can be loaded again.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(render(reflect.ValueOf(*c)))
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// render converts a config struct into ordered YAML nodes keyed by yaml tags.
func render(v reflect.Value) any {
	if v.Type() == durationType {
		return time.Duration(v.Int()).String()
	}
	if v.Kind() != reflect.Struct {
		return v.Interface()
	}

	node := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, opts, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		f := v.Field(i)
		if opts == "omitempty" && f.IsZero() {
			continue
		}
		var val yaml.Node
		if err := val.Encode(render(f)); err != nil {
			continue
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, &val)
	}
	return node
}

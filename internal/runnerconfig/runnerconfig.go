// Package runnerconfig loads the suite-wide bootstrap options named in
// SPEC_FULL.md §4.1.1: worker count, tag selector, report/cache
// directories, and the optional live-status server address.
//
// Grounded on the teacher's internal/config/config.go: same
// viper.SetDefault + AutomaticEnv + SetEnvKeyReplacer("." -> "_") load
// sequence, same mapstructure-tagged bucket-of-buckets shape, generalized
// from Database/Redis/LLM/Webhook buckets to Run/Report/Cache/Status
// buckets. Validation is upgraded from the teacher's hand-rolled
// Config.Validate() to struct-tag driven github.com/go-playground/validator/v10,
// since this runner has no persistence-layer-specific branching (no
// Lite/Standard profile) to justify the teacher's imperative checks.
package runnerconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// RunConfig controls how the worker pool dispatches scenarios.
type RunConfig struct {
	Workers             int    `mapstructure:"workers" validate:"gte=1"`
	TagSelector         string `mapstructure:"tag_selector"`
	AbortSuiteOnFailure bool   `mapstructure:"abort_suite_on_failure"`
}

// ReportConfig controls NDJSON output placement.
type ReportConfig struct {
	OutputDir string `mapstructure:"output_dir" validate:"required"`
}

// CacheConfig controls the callSingle cache (internal/callcache).
type CacheConfig struct {
	Dir         string        `mapstructure:"dir"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxEntries  int           `mapstructure:"max_entries" validate:"gte=1"`
	RedisAddr   string        `mapstructure:"redis_addr"`
}

// StatusConfig controls the optional live-status HTTP server
// (SPEC_FULL.md §4.7.1). StatusConfig.Addr == "" disables it.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig mirrors the teacher's LogConfig bucket (pkg/logger inputs).
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the suite-wide bootstrap configuration, loaded once at
// process start by cmd/karate/main.go.
type Config struct {
	Run    RunConfig    `mapstructure:"run"`
	Report ReportConfig `mapstructure:"report"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Status StatusConfig `mapstructure:"status"`
	Log    LogConfig    `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.workers", 4)
	v.SetDefault("run.tag_selector", "")
	v.SetDefault("run.abort_suite_on_failure", false)

	v.SetDefault("report.output_dir", "target/karate-reports")

	v.SetDefault("cache.dir", "target/karate-cache")
	v.SetDefault("cache.default_ttl", "15m")
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.redis_addr", "")

	v.SetDefault("status.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
}

// Load reads configPath (a YAML file; optional — "" skips it), overlays
// KARATE_*-prefixed environment variables, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("karate")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var validatorInstance = validator.New()

func validate(cfg *Config) error {
	return validatorInstance.Struct(cfg)
}

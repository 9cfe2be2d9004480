// Package config loads GUARD's process configuration via Viper
// (file + environment, mirroring the teacher's LoadConfig pattern in
// internal/config/config.go), then validates every field with
// go-playground/validator struct tags the way the teacher validates
// inbound config updates (internal/config/update_validator.go).
// Rejects unknown keys or invalid dotted paths before any cluster work
// starts (spec §7 "InvalidInput... fail fast at config load").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openguard/guard/internal/gitops"
	"github.com/openguard/guard/internal/ratelimit"
	"github.com/openguard/guard/internal/upgrade"
	"github.com/openguard/guard/internal/validation"
)

// Config is GUARD's full process configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app" validate:"required"`
	Registry   RegistryConfig   `mapstructure:"registry" validate:"required"`
	Lock       LockConfig       `mapstructure:"lock" validate:"required"`
	Upgrade    UpgradeConfig    `mapstructure:"upgrade" validate:"required"`
	Validation ValidationConfig `mapstructure:"validation" validate:"required"`
	Batch      BatchConfig      `mapstructure:"batch" validate:"required"`
	RateLimit  []RateLimitBucketConfig `mapstructure:"rate_limit" validate:"dive"`
	Log        LogConfig        `mapstructure:"log" validate:"required"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Environment string `mapstructure:"environment" validate:"required,oneof=development staging production"`
	Name        string `mapstructure:"name" validate:"required"`
}

// RegistryConfig configures the Postgres-backed cluster registry.
type RegistryConfig struct {
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxConnections  int32         `mapstructure:"max_connections" validate:"min=1"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// LockConfig configures the Redis-backed fencing lock manager.
type LockConfig struct {
	Addr         string `mapstructure:"addr" validate:"required"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// UpgradeConfig maps onto upgrade.Config.
type UpgradeConfig struct {
	LockLeaseSeconds         int           `mapstructure:"lock_lease_seconds" validate:"min=1"`
	LockRenewIntervalSeconds int           `mapstructure:"lock_renew_interval_seconds" validate:"min=1"`
	SoakWindowMinutes        int           `mapstructure:"soak_window_minutes" validate:"min=1"`
	MRMergeWaitMinutes       int           `mapstructure:"mr_merge_wait_minutes" validate:"min=1"`
	MRPollInterval           time.Duration `mapstructure:"mr_poll_interval"`
	PreCheckFailFast         bool          `mapstructure:"pre_check_fail_fast"`
	VersionPath              string        `mapstructure:"version_path" validate:"required"`
	DefaultBranch            string        `mapstructure:"default_branch" validate:"required"`
}

// ToMachineConfig converts UpgradeConfig into upgrade.Config, validating
// VersionPath as a well-formed dotted path at load time (spec §4.6
// "invalid dotted path... reject at load time").
func (u UpgradeConfig) ToMachineConfig() (upgrade.Config, error) {
	if _, err := gitops.ParsePath(u.VersionPath); err != nil {
		return upgrade.Config{}, fmt.Errorf("config: upgrade.version_path: %w", err)
	}
	return upgrade.Config{
		LockLeaseSeconds:         u.LockLeaseSeconds,
		LockRenewIntervalSeconds: u.LockRenewIntervalSeconds,
		SoakWindowMinutes:        u.SoakWindowMinutes,
		MRMergeWaitMinutes:       u.MRMergeWaitMinutes,
		MRPollInterval:           u.MRPollInterval,
		PreCheckFailFast:         u.PreCheckFailFast,
		VersionPath:              u.VersionPath,
		DefaultBranch:            u.DefaultBranch,
	}, nil
}

// ValidationConfig maps onto validation.ValidationThresholds.
type ValidationConfig struct {
	LatencyP95IncreasePercent float64 `mapstructure:"latency_p95_increase_percent" validate:"min=0"`
	LatencyP99IncreasePercent float64 `mapstructure:"latency_p99_increase_percent" validate:"min=0"`
	ErrorRateMax              float64 `mapstructure:"error_rate_max" validate:"min=0"`
	ErrorRateRatioMax         float64 `mapstructure:"error_rate_ratio_max" validate:"min=0"`
	RequestVolumeDropMaxPct   float64 `mapstructure:"request_volume_drop_max_percent" validate:"min=0"`
}

// ToThresholds converts ValidationConfig into validation.ValidationThresholds.
func (v ValidationConfig) ToThresholds() validation.ValidationThresholds {
	return validation.ValidationThresholds{
		LatencyP95IncreasePercent: v.LatencyP95IncreasePercent,
		LatencyP99IncreasePercent: v.LatencyP99IncreasePercent,
		ErrorRateMax:              v.ErrorRateMax,
		ErrorRateRatioMax:         v.ErrorRateRatioMax,
		RequestVolumeDropMaxPct:   v.RequestVolumeDropMaxPct,
	}
}

// BatchConfig configures the batch orchestrator.
type BatchConfig struct {
	MaxParallelClusters int                 `mapstructure:"max_parallel_clusters" validate:"min=1"`
	Dependencies        map[string][]string `mapstructure:"dependencies"`
}

// RateLimitBucketConfig maps onto ratelimit.BucketConfig.
type RateLimitBucketConfig struct {
	Name     string        `mapstructure:"name" validate:"required"`
	Capacity int           `mapstructure:"capacity" validate:"min=1"`
	Refill   float64       `mapstructure:"refill_per_second" validate:"gt=0"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// ToBucketConfigs converts every RateLimitBucketConfig into a
// ratelimit.BucketConfig.
func ToBucketConfigs(buckets []RateLimitBucketConfig) []ratelimit.BucketConfig {
	out := make([]ratelimit.BucketConfig, len(buckets))
	for i, b := range buckets {
		out[i] = ratelimit.BucketConfig{Name: b.Name, Capacity: b.Capacity, Refill: b.Refill, MaxWait: b.MaxWait}
	}
	return out
}

// LogConfig configures structured logging and optional file rotation.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`

	// File, when non-empty, routes logs through lumberjack for rotation
	// (spec ambient stack §2.1) instead of stdout.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from configPath (if non-empty) and
// environment variables (GUARD_ prefixed, dots replaced with
// underscores), then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("guard")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := cfg.Upgrade.ToMachineConfig(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.name", "guard")

	v.SetDefault("registry.max_connections", int32(10))
	v.SetDefault("registry.connect_timeout", "5s")
	v.SetDefault("registry.migrate_on_start", false)

	v.SetDefault("lock.db", 0)
	v.SetDefault("lock.poll_interval", "200ms")

	d := upgrade.DefaultConfig()
	v.SetDefault("upgrade.lock_lease_seconds", d.LockLeaseSeconds)
	v.SetDefault("upgrade.lock_renew_interval_seconds", d.LockRenewIntervalSeconds)
	v.SetDefault("upgrade.soak_window_minutes", d.SoakWindowMinutes)
	v.SetDefault("upgrade.mr_merge_wait_minutes", d.MRMergeWaitMinutes)
	v.SetDefault("upgrade.mr_poll_interval", d.MRPollInterval.String())
	v.SetDefault("upgrade.pre_check_fail_fast", d.PreCheckFailFast)
	v.SetDefault("upgrade.version_path", d.VersionPath)
	v.SetDefault("upgrade.default_branch", d.DefaultBranch)

	t := validation.DefaultThresholds()
	v.SetDefault("validation.latency_p95_increase_percent", t.LatencyP95IncreasePercent)
	v.SetDefault("validation.latency_p99_increase_percent", t.LatencyP99IncreasePercent)
	v.SetDefault("validation.error_rate_max", t.ErrorRateMax)
	v.SetDefault("validation.error_rate_ratio_max", t.ErrorRateRatioMax)
	v.SetDefault("validation.request_volume_drop_max_percent", t.RequestVolumeDropMaxPct)

	v.SetDefault("batch.max_parallel_clusters", 5)

	v.SetDefault("rate_limit", []map[string]any{
		{"name": "gitops", "capacity": 5, "refill_per_second": 1.0, "max_wait": "30s"},
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

var validate = validator.New()

// Validate runs go-playground/validator struct-tag validation over
// cfg, translating field errors into one aggregated error.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		messages := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			messages = append(messages, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("validation failed: %s", strings.Join(messages, "; "))
	}
	return nil
}

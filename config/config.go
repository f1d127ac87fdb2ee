package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding file-based secrets.
const (
	EnvDatabaseDSN = "LOTTERY_DB_DSN"
	EnvAdminToken  = "LOTTERY_ADMIN_TOKEN"
	EnvAssetToken  = "LOTTERY_ASSET_TOKEN"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for lotteryd.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"environment"`
	Database      DatabaseConfig `yaml:"database"`
	HotStore      HotStoreConfig `yaml:"hotstore"`
	Locks         LockConfig     `yaml:"locks"`
	Assets        AssetConfig    `yaml:"assets"`
	Pipeline      PipelineConfig `yaml:"pipeline"`
	Pressure      PressureConfig `yaml:"pressure"`
	Metrics       MetricsConfig  `yaml:"metrics"`
	Outbox        OutboxConfig   `yaml:"outbox"`
	RateLimit     RateLimit      `yaml:"rate_limit"`
	Telemetry     Telemetry      `yaml:"telemetry"`
	AdminToken    string         `yaml:"admin_token"`
}

// DatabaseConfig selects the authoritative relational store. Driver is
// "postgres" in production; "sqlite" keeps local development self-contained.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// HotStoreConfig locates the LevelDB directory holding hot counters,
// idempotency records, and unique-user sketches.
type HotStoreConfig struct {
	Path string `yaml:"path"`
}

// LockConfig tunes the per-user draw lock leases.
type LockConfig struct {
	Path           string   `yaml:"path"`
	TTL            Duration `yaml:"ttl"`
	Heartbeat      Duration `yaml:"heartbeat"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// AssetConfig points at the external asset service.
type AssetConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Token    string   `yaml:"token"`
	Timeout  Duration `yaml:"timeout"`
}

// PipelineConfig carries the system-wide decision knobs. Multipliers are
// parts-per-million: 1_000_000 means 1x.
type PipelineConfig struct {
	DrawDeadline         Duration `yaml:"draw_deadline"`
	IdempotencyTTL       Duration `yaml:"idempotency_ttl"`
	IdempotencyWait      Duration `yaml:"idempotency_wait"`
	IdempotencyRetention Duration `yaml:"idempotency_retention"`
	PricingCacheTTL      Duration `yaml:"pricing_cache_ttl"`
	PityThreshold        int64    `yaml:"pity_threshold"`
	AntiEmptyThreshold   int64    `yaml:"anti_empty_threshold"`
	AntiEmptyFallbackPpm int64    `yaml:"anti_empty_fallback_ppm"`
	AntiEmptyBoostPpm    int64    `yaml:"anti_empty_boost_ppm"`
	AntiHighThreshold    int64    `yaml:"anti_high_threshold"`
	AntiHighCooldown     int64    `yaml:"anti_high_cooldown_rounds"`
	AntiHighFactorPpm    int64    `yaml:"anti_high_factor_ppm"`
	LuckDebt             LuckDebt `yaml:"luck_debt"`
}

// LuckDebt is the slow per-user EMA policy raising high-tier odds for users
// whose empty rate runs above target.
type LuckDebt struct {
	AlphaPpm  int64 `yaml:"alpha_ppm"`
	TargetPpm int64 `yaml:"target_ppm"`
	GainPpm   int64 `yaml:"gain_ppm"`
	MaxPpm    int64 `yaml:"max_ppm"`
}

// PressureConfig tunes the budget/pressure controller.
type PressureConfig struct {
	Staleness Duration                `yaml:"staleness"`
	Window    Duration                `yaml:"window"`
	Matrix    map[string]PressureCell `yaml:"matrix"`
}

// PressureCell overrides one B-by-P matrix cell, keyed like "B2P1".
type PressureCell struct {
	EmptyWeightPpm int64 `yaml:"empty_weight_ppm"`
	CapPpm         int64 `yaml:"cap_ppm"`
}

// MetricsConfig drives the hourly rollup job.
type MetricsConfig struct {
	RollupInterval Duration `yaml:"rollup_interval"`
	HotRetention   Duration `yaml:"hot_retention"`
	HLLRetention   Duration `yaml:"hll_retention"`
	ExportDir      string   `yaml:"export_dir"`
}

// OutboxConfig drives the deferred issuance worker.
type OutboxConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	MaxAttempts  int64    `yaml:"max_attempts"`
	Backoff      Duration `yaml:"backoff"`
}

// RateLimit bounds per-client request rates on the RPC surface.
type RateLimit struct {
	PerMinute int  `yaml:"per_minute"`
	Burst     int  `yaml:"burst"`
	Disabled  bool `yaml:"disabled"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Headers     string  `yaml:"headers"`
}

// Load reads configuration from the supplied path, applies defaults, env
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns the configuration lotteryd runs with when no file is given.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7460"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:lottery.db?cache=shared"
	}
	if cfg.HotStore.Path == "" {
		cfg.HotStore.Path = "./data/hot"
	}
	if cfg.Locks.Path == "" {
		cfg.Locks.Path = "./data/locks.db"
	}
	if cfg.Locks.TTL.Duration == 0 {
		cfg.Locks.TTL.Duration = 5 * time.Second
	}
	if cfg.Locks.Heartbeat.Duration == 0 {
		cfg.Locks.Heartbeat.Duration = 1500 * time.Millisecond
	}
	if cfg.Locks.AcquireTimeout.Duration == 0 {
		cfg.Locks.AcquireTimeout.Duration = 2 * time.Second
	}
	if cfg.Assets.Timeout.Duration == 0 {
		cfg.Assets.Timeout.Duration = 2 * time.Second
	}
	if cfg.Pipeline.DrawDeadline.Duration == 0 {
		cfg.Pipeline.DrawDeadline.Duration = 3 * time.Second
	}
	if cfg.Pipeline.IdempotencyTTL.Duration == 0 {
		cfg.Pipeline.IdempotencyTTL.Duration = 5 * time.Second
	}
	if cfg.Pipeline.IdempotencyWait.Duration == 0 {
		cfg.Pipeline.IdempotencyWait.Duration = 700 * time.Millisecond
	}
	if cfg.Pipeline.IdempotencyRetention.Duration == 0 {
		cfg.Pipeline.IdempotencyRetention.Duration = 24 * time.Hour
	}
	if cfg.Pipeline.PricingCacheTTL.Duration == 0 {
		cfg.Pipeline.PricingCacheTTL.Duration = 30 * time.Second
	}
	if cfg.Pipeline.PityThreshold <= 0 {
		cfg.Pipeline.PityThreshold = 10
	}
	if cfg.Pipeline.AntiEmptyThreshold <= 0 {
		cfg.Pipeline.AntiEmptyThreshold = 5
	}
	if cfg.Pipeline.AntiEmptyFallbackPpm <= 0 {
		cfg.Pipeline.AntiEmptyFallbackPpm = 500_000
	}
	if cfg.Pipeline.AntiEmptyBoostPpm <= 0 {
		cfg.Pipeline.AntiEmptyBoostPpm = 1_500_000
	}
	if cfg.Pipeline.AntiHighThreshold <= 0 {
		cfg.Pipeline.AntiHighThreshold = 2
	}
	if cfg.Pipeline.AntiHighCooldown <= 0 {
		cfg.Pipeline.AntiHighCooldown = 3
	}
	if cfg.Pipeline.AntiHighFactorPpm <= 0 {
		cfg.Pipeline.AntiHighFactorPpm = 200_000
	}
	if cfg.Pipeline.LuckDebt.AlphaPpm <= 0 {
		cfg.Pipeline.LuckDebt.AlphaPpm = 100_000
	}
	if cfg.Pipeline.LuckDebt.TargetPpm <= 0 {
		cfg.Pipeline.LuckDebt.TargetPpm = 600_000
	}
	if cfg.Pipeline.LuckDebt.GainPpm <= 0 {
		cfg.Pipeline.LuckDebt.GainPpm = 2_000_000
	}
	if cfg.Pipeline.LuckDebt.MaxPpm <= 0 {
		cfg.Pipeline.LuckDebt.MaxPpm = 2_000_000
	}
	if cfg.Pressure.Staleness.Duration == 0 {
		cfg.Pressure.Staleness.Duration = 60 * time.Second
	}
	if cfg.Pressure.Window.Duration == 0 {
		cfg.Pressure.Window.Duration = time.Hour
	}
	if cfg.Metrics.RollupInterval.Duration == 0 {
		cfg.Metrics.RollupInterval.Duration = 5 * time.Minute
	}
	if cfg.Metrics.HotRetention.Duration == 0 {
		cfg.Metrics.HotRetention.Duration = 25 * time.Hour
	}
	if cfg.Metrics.HLLRetention.Duration == 0 {
		cfg.Metrics.HLLRetention.Duration = 49 * time.Hour
	}
	if cfg.Outbox.PollInterval.Duration == 0 {
		cfg.Outbox.PollInterval.Duration = 30 * time.Second
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		cfg.Outbox.MaxAttempts = 10
	}
	if cfg.Outbox.Backoff.Duration == 0 {
		cfg.Outbox.Backoff.Duration = time.Minute
	}
	if cfg.RateLimit.PerMinute <= 0 {
		cfg.RateLimit.PerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 100
	}
	if cfg.Telemetry.SampleRatio <= 0 {
		cfg.Telemetry.SampleRatio = 0.05
	}
}

func applyEnv(cfg *Config) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if token := strings.TrimSpace(os.Getenv(EnvAdminToken)); token != "" {
		cfg.AdminToken = token
	}
	if token := strings.TrimSpace(os.Getenv(EnvAssetToken)); token != "" {
		cfg.Assets.Token = token
	}
}

// Validate rejects configurations that cannot serve draws safely.
func Validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn required")
	}
	if cfg.Pipeline.IdempotencyTTL.Duration <= cfg.Pipeline.DrawDeadline.Duration {
		return fmt.Errorf("idempotency ttl must exceed the draw deadline")
	}
	if cfg.Pipeline.IdempotencyRetention.Duration <= cfg.Pipeline.IdempotencyTTL.Duration {
		return fmt.Errorf("idempotency retention must exceed the in-flight ttl")
	}
	if cfg.Locks.Heartbeat.Duration >= cfg.Locks.TTL.Duration {
		return fmt.Errorf("lock heartbeat must renew before the lease expires")
	}
	if cfg.Pipeline.AntiEmptyFallbackPpm >= 1_000_000 {
		return fmt.Errorf("anti-empty fallback multiplier must shrink the fallback weight")
	}
	if cfg.Pipeline.LuckDebt.MaxPpm < 1_000_000 {
		return fmt.Errorf("luck debt max multiplier cannot sit below 1x")
	}
	for key := range cfg.Pressure.Matrix {
		if !validCellKey(key) {
			return fmt.Errorf("pressure matrix key %q must look like B2P1", key)
		}
	}
	return nil
}

func validCellKey(key string) bool {
	if len(key) != 4 || key[0] != 'B' || key[2] != 'P' {
		return false
	}
	return key[1] >= '0' && key[1] <= '3' && key[3] >= '0' && key[3] <= '2'
}

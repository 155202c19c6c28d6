// Package config loads and validates the engine's YAML configuration,
// expanding ${VAR} / ${VAR:-default} environment references before
// unmarshaling.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Trading     TradingConfig     `yaml:"trading"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Database    DatabaseConfig    `yaml:"database"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	LogLevel string `yaml:"log_level"` // DEBUG|INFO|WARN|ERROR|FATAL
}

// ExchangeConfig holds exchange credentials and the simulation toggle.
type ExchangeConfig struct {
	BaseURL        string `yaml:"base_url"`
	WSPublicURL    string `yaml:"ws_public_url"`
	WSBusinessURL  string `yaml:"ws_business_url"`
	APIKey         Secret `yaml:"api_key"`
	APISecret      Secret `yaml:"api_secret"`
	APIPassphrase  Secret `yaml:"api_passphrase"`
	SimulationMode bool   `yaml:"simulation_mode"`
}

// TradingConfig holds the flat per-trade sizing and strategy tuning.
type TradingConfig struct {
	TradingAmountUSDT           float64 `yaml:"trading_amount_usdt"`
	InstrumentLimitsPath        string  `yaml:"instrument_limits_path"`
	BlacklistPath               string  `yaml:"blacklist_path"`
	StableSeconds               int     `yaml:"stable_seconds"`
	BatchMinDelayMinutes        int     `yaml:"batch_min_delay_minutes"`
	OriginalGapCooldownSeconds  int     `yaml:"original_gap_cooldown_seconds"`
	TwoHourGainVetoPercent      float64 `yaml:"two_hour_gain_veto_percent"`
}

// TimingConfig holds the engine's bounded-delay knobs.
type TimingConfig struct {
	OrderTimeoutSeconds           int `yaml:"order_timeout_seconds"`
	IntraHourCheckThrottleSeconds int `yaml:"intra_hour_check_throttle_seconds"`
	CandleTimeoutMinutes          int `yaml:"candle_timeout_minutes"`
	TimeoutCheckIntervalSeconds   int `yaml:"timeout_check_interval_seconds"`
	HeartbeatIntervalSeconds      int `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds       int `yaml:"heartbeat_timeout_seconds"`
}

// ConcurrencyConfig sizes the bounded worker pool.
type ConcurrencyConfig struct {
	ThreadPoolMaxWorkers int `yaml:"thread_pool_max_workers"`
}

// DatabaseConfig points at the order-log sqlite file.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// TelemetryConfig sizes the Prometheus metrics endpoint.
type TelemetryConfig struct {
	MetricsPort int `yaml:"metrics_port"`
}

// ValidationError names the offending field for a failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: field %q invalid: %s", e.Field, e.Message)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envPattern.FindStringSubmatch(match)
		name, fallback := sub[1], strings.TrimPrefix(sub[2], ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		return fallback
	})
}

// Load reads, expands, unmarshals and validates the config file at path.
// A validation failure here is a fatal init failure (spec §7): the caller
// must abort the process rather than start any subsystem.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.Timing.OrderTimeoutSeconds == 0 {
		c.Timing.OrderTimeoutSeconds = 60
	}
	if c.Timing.TimeoutCheckIntervalSeconds == 0 {
		c.Timing.TimeoutCheckIntervalSeconds = 5
	}
	if c.Timing.HeartbeatIntervalSeconds == 0 {
		c.Timing.HeartbeatIntervalSeconds = 60
	}
	if c.Timing.HeartbeatTimeoutSeconds == 0 {
		c.Timing.HeartbeatTimeoutSeconds = 180
	}
	if c.Timing.CandleTimeoutMinutes == 0 {
		c.Timing.CandleTimeoutMinutes = 90
	}
	if c.Concurrency.ThreadPoolMaxWorkers == 0 {
		c.Concurrency.ThreadPoolMaxWorkers = 10
	}
	if c.Trading.OriginalGapCooldownSeconds == 0 {
		c.Trading.OriginalGapCooldownSeconds = 1800
	}
	if c.Trading.BatchMinDelayMinutes == 0 {
		c.Trading.BatchMinDelayMinutes = 10
	}
	if c.Trading.TwoHourGainVetoPercent == 0 {
		c.Trading.TwoHourGainVetoPercent = 5
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "orders.db"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9464
	}
}

// Validate enforces spec §7's fatal-init-failure set: missing instruments
// table, missing credentials outside simulation mode, zero trading amount.
func (c *Config) Validate() error {
	if c.Trading.TradingAmountUSDT <= 0 {
		return ValidationError{"trading.trading_amount_usdt", "must be > 0"}
	}
	if c.Trading.InstrumentLimitsPath == "" {
		return ValidationError{"trading.instrument_limits_path", "required"}
	}
	if !c.Exchange.SimulationMode {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return ValidationError{"exchange.api_key/api_secret", "required when simulation_mode is false"}
		}
	}
	switch strings.ToUpper(c.App.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{"app.log_level", "must be one of DEBUG INFO WARN ERROR FATAL"}
	}
	return nil
}

// EnvInt reads an integer env var with a default, used by components that
// take their own override independent of the YAML file (spec §6).
func EnvInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvBool reads a boolean env var with a default.
func EnvBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

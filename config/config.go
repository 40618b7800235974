package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Config is the single authoritative engine document. Every scan cycle reads
// it afresh through a Source; nothing else holds account or strategy lists.
type Config struct {
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Broker    BrokerConfig    `json:"broker" yaml:"broker"`
	Sizing    SizingConfig    `json:"sizing" yaml:"sizing"`
	Risk      RiskConfig      `json:"risk" yaml:"risk"`
	Lifecycle LifecycleConfig `json:"lifecycle" yaml:"lifecycle"`
	Accounts  []AccountConfig `json:"accounts" yaml:"accounts"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Claims    ClaimsConfig    `json:"claims" yaml:"claims"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Analytics AnalyticsConfig `json:"analytics" yaml:"analytics"`
	Log       logger.Config   `json:"log" yaml:"log"`
}

// EngineConfig controls the two loops and the per-cycle worker pool.
type EngineConfig struct {
	ScanInterval    Duration `json:"scan_interval" yaml:"scan_interval"`
	MonitorInterval Duration `json:"monitor_interval" yaml:"monitor_interval"`
	Workers         int      `json:"workers" yaml:"workers"`
	CandleCount     int      `json:"candle_count" yaml:"candle_count"`
	Granularity     string   `json:"granularity" yaml:"granularity"`
	MaxCandleAge    Duration `json:"max_candle_age,omitempty" yaml:"max_candle_age,omitempty"`
	CallTimeout     Duration `json:"call_timeout" yaml:"call_timeout"`
	RetryDelay      Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	DayLocation     string   `json:"day_location,omitempty" yaml:"day_location,omitempty"`
}

// BrokerConfig selects the venue. Kind "oanda" trades through the REST API;
// "sim" keeps orders in memory. DryRun pulls live data from OANDA but routes
// orders to the simulator.
type BrokerConfig struct {
	Kind          string  `json:"kind" yaml:"kind"`
	Environment   string  `json:"environment" yaml:"environment"` // "practice" or "live"
	TokenEnv      string  `json:"token_env" yaml:"token_env"`
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `json:"burst" yaml:"burst"`
	DryRun        bool    `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	SimBalance    float64 `json:"sim_balance,omitempty" yaml:"sim_balance,omitempty"`
}

// SizingConfig holds the global unit clamps.
type SizingConfig struct {
	MinUnits    float64 `json:"min_units" yaml:"min_units"`
	MaxUnits    float64 `json:"max_units" yaml:"max_units"`
	MaxLeverage float64 `json:"max_leverage" yaml:"max_leverage"`
}

type RiskConfig struct {
	MaxMarginUsage    float64            `json:"max_margin_usage" yaml:"max_margin_usage"`
	CorrelationGroups []CorrelationGroup `json:"correlation_groups,omitempty" yaml:"correlation_groups,omitempty"`
}

type CorrelationGroup struct {
	Name        string   `json:"name" yaml:"name"`
	Instruments []string `json:"instruments" yaml:"instruments"`
	MaxOpen     int      `json:"max_open" yaml:"max_open"`
}

// LifecycleConfig thresholds are in pips. Zero disables a rule.
type LifecycleConfig struct {
	MaxHold             Duration `json:"max_hold" yaml:"max_hold"`
	ProfitLockPips      float64  `json:"profit_lock_pips" yaml:"profit_lock_pips"`
	LossCutPips         float64  `json:"loss_cut_pips" yaml:"loss_cut_pips"`
	TrailActivationPips float64  `json:"trail_activation_pips" yaml:"trail_activation_pips"`
	TrailDistancePips   float64  `json:"trail_distance_pips" yaml:"trail_distance_pips"`
}

// AccountConfig describes one broker sub-account. Strategy is a single
// struct, so an account cannot carry two bindings.
type AccountConfig struct {
	ID               string         `json:"id" yaml:"id"`
	Currency         string         `json:"currency" yaml:"currency"`
	RiskPct          float64        `json:"risk_pct" yaml:"risk_pct"`
	MaxOpenPositions int            `json:"max_open_positions" yaml:"max_open_positions"`
	MaxDailyTrades   int            `json:"max_daily_trades" yaml:"max_daily_trades"`
	MaxMarginUsage   float64        `json:"max_margin_usage,omitempty" yaml:"max_margin_usage,omitempty"`
	Strategy         StrategyConfig `json:"strategy" yaml:"strategy"`
}

type StrategyConfig struct {
	Name                  string             `json:"name" yaml:"name"`
	Paused                bool               `json:"paused,omitempty" yaml:"paused,omitempty"`
	Instruments           []string           `json:"instruments" yaml:"instruments"`
	Granularity           string             `json:"granularity,omitempty" yaml:"granularity,omitempty"`
	CandleCount           int                `json:"candle_count,omitempty" yaml:"candle_count,omitempty"`
	MaxDailyQualityTrades int                `json:"max_daily_quality_trades" yaml:"max_daily_quality_trades"`
	MinConfidence         float64            `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
	Params                map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
	Lifecycle             *LifecycleConfig   `json:"lifecycle,omitempty" yaml:"lifecycle,omitempty"`
}

type JournalConfig struct {
	Type   string `json:"type" yaml:"type"` // "sqlite" or "memory"
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

type ClaimsConfig struct {
	Backend   string      `json:"backend" yaml:"backend"` // "memory" or "redis"
	Redis     RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
	Retention Duration    `json:"retention,omitempty" yaml:"retention,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

type NotifyConfig struct {
	QueueSize  int    `json:"queue_size" yaml:"queue_size"`
	Log        bool   `json:"log" yaml:"log"`
	DiscordEnv string `json:"discord_webhook_env,omitempty" yaml:"discord_webhook_env,omitempty"`
}

type AnalyticsConfig struct {
	QueueSize int          `json:"queue_size" yaml:"queue_size"`
	CSVPath   string       `json:"csv_path,omitempty" yaml:"csv_path,omitempty"`
	Kafka     KafkaConfig  `json:"kafka,omitempty" yaml:"kafka,omitempty"`
	Influx    InfluxConfig `json:"influx,omitempty" yaml:"influx,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty" yaml:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty" yaml:"topic,omitempty"`
}

type InfluxConfig struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	TokenEnv string `json:"token_env,omitempty" yaml:"token_env,omitempty"`
	Org      string `json:"org,omitempty" yaml:"org,omitempty"`
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
}

// ConfigurationError marks a single invalid binding. The scheduler skips
// that binding for the cycle and keeps going.
type ConfigurationError struct {
	AccountID string
	Msg       string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("account %s: %s", e.AccountID, e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Parse decodes a YAML or JSON document and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = &Config{}
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file (JSON or YAML)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// SaveToFile writes the document atomically: a temp file in the same
// directory is renamed over path. Format follows the extension.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".fxengine-*.tmp")
	if err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Engine.ScanInterval == 0 {
		c.Engine.ScanInterval = d.Engine.ScanInterval
	}
	if c.Engine.MonitorInterval == 0 {
		c.Engine.MonitorInterval = d.Engine.MonitorInterval
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = d.Engine.Workers
	}
	if c.Engine.CandleCount == 0 {
		c.Engine.CandleCount = d.Engine.CandleCount
	}
	if c.Engine.Granularity == "" {
		c.Engine.Granularity = d.Engine.Granularity
	}
	if c.Engine.CallTimeout == 0 {
		c.Engine.CallTimeout = d.Engine.CallTimeout
	}
	if c.Engine.RetryDelay == 0 {
		c.Engine.RetryDelay = d.Engine.RetryDelay
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = d.Broker.Kind
	}
	if c.Broker.RatePerSecond == 0 {
		c.Broker.RatePerSecond = d.Broker.RatePerSecond
	}
	if c.Broker.Burst == 0 {
		c.Broker.Burst = d.Broker.Burst
	}
	if c.Risk.MaxMarginUsage == 0 {
		c.Risk.MaxMarginUsage = d.Risk.MaxMarginUsage
	}
	if c.Journal.Type == "" {
		c.Journal.Type = d.Journal.Type
	}
	if c.Claims.Backend == "" {
		c.Claims.Backend = d.Claims.Backend
	}
	if c.Claims.Retention == 0 {
		c.Claims.Retention = d.Claims.Retention
	}
}

// Validate checks the document-wide settings. Per-account problems are
// reported by Bindings so one bad account does not stop the others.
func (c *Config) Validate() error {
	if c.Engine.ScanInterval <= 0 {
		return fmt.Errorf("engine.scan_interval must be positive")
	}
	if c.Engine.MonitorInterval <= 0 {
		return fmt.Errorf("engine.monitor_interval must be positive")
	}
	if c.Engine.MonitorInterval >= c.Engine.ScanInterval {
		return fmt.Errorf("engine.monitor_interval must be shorter than engine.scan_interval")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if !market.Granularity(c.Engine.Granularity).Valid() {
		return fmt.Errorf("engine.granularity %q is not supported", c.Engine.Granularity)
	}
	if _, err := c.DayLocation(); err != nil {
		return fmt.Errorf("engine.day_location: %w", err)
	}
	switch c.Broker.Kind {
	case "oanda":
		if c.Broker.Environment != "practice" && c.Broker.Environment != "live" {
			return fmt.Errorf("broker.environment must be 'practice' or 'live'")
		}
		if c.Broker.TokenEnv == "" {
			return fmt.Errorf("broker.token_env is required for oanda")
		}
	case "sim":
	default:
		return fmt.Errorf("broker.kind must be 'oanda' or 'sim'")
	}
	if c.Broker.RatePerSecond <= 0 {
		return fmt.Errorf("broker.rate_per_second must be positive")
	}
	if c.Sizing.MaxUnits <= 0 {
		return fmt.Errorf("sizing.max_units must be positive")
	}
	if c.Sizing.MinUnits < 0 || c.Sizing.MinUnits > c.Sizing.MaxUnits {
		return fmt.Errorf("sizing.min_units must be between 0 and max_units")
	}
	if c.Sizing.MaxLeverage <= 0 {
		return fmt.Errorf("sizing.max_leverage must be positive")
	}
	if c.Risk.MaxMarginUsage <= 0 || c.Risk.MaxMarginUsage > 1 {
		return fmt.Errorf("risk.max_margin_usage must be between 0 and 1")
	}
	for _, g := range c.Risk.CorrelationGroups {
		if g.Name == "" || len(g.Instruments) == 0 || g.MaxOpen <= 0 {
			return fmt.Errorf("risk.correlation_groups: %q needs instruments and a positive max_open", g.Name)
		}
	}
	if err := c.Lifecycle.validate(); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}

	seen := map[string]bool{}
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("account %s is bound more than once", a.ID)
		}
		seen[a.ID] = true
	}

	switch c.Journal.Type {
	case "memory":
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	default:
		return fmt.Errorf("journal.type must be 'sqlite' or 'memory'")
	}
	switch c.Claims.Backend {
	case "memory":
	case "redis":
		if c.Claims.Redis.Addr == "" {
			return fmt.Errorf("claims.redis.addr is required for redis backend")
		}
	default:
		return fmt.Errorf("claims.backend must be 'memory' or 'redis'")
	}
	if k := c.Analytics.Kafka; len(k.Brokers) > 0 && k.Topic == "" {
		return fmt.Errorf("analytics.kafka.topic is required when brokers are set")
	}
	if in := c.Analytics.Influx; in.URL != "" && (in.Org == "" || in.Bucket == "") {
		return fmt.Errorf("analytics.influx org and bucket are required when url is set")
	}
	return nil
}

func (l LifecycleConfig) validate() error {
	if l.MaxHold < 0 || l.ProfitLockPips < 0 || l.LossCutPips < 0 || l.TrailActivationPips < 0 || l.TrailDistancePips < 0 {
		return errors.New("thresholds must not be negative")
	}
	if l.TrailActivationPips > 0 && l.TrailDistancePips == 0 {
		return errors.New("trail_distance_pips is required when trail_activation_pips is set")
	}
	return nil
}

func (a AccountConfig) validate() error {
	if a.Currency == "" {
		return errors.New("currency is required")
	}
	if a.RiskPct <= 0 || a.RiskPct > 0.1 {
		return errors.New("risk_pct must be in (0, 0.1]")
	}
	if a.MaxOpenPositions <= 0 {
		return errors.New("max_open_positions must be positive")
	}
	if a.MaxMarginUsage < 0 || a.MaxMarginUsage > 1 {
		return errors.New("max_margin_usage must be between 0 and 1")
	}
	s := a.Strategy
	if s.Name == "" {
		return errors.New("strategy.name is required")
	}
	if len(s.Instruments) == 0 {
		return errors.New("strategy.instruments is empty")
	}
	for _, inst := range s.Instruments {
		if _, err := market.Lookup(inst); err != nil {
			return err
		}
	}
	if s.Granularity != "" && !market.Granularity(s.Granularity).Valid() {
		return fmt.Errorf("strategy.granularity %q is not supported", s.Granularity)
	}
	if s.MaxDailyQualityTrades <= 0 && a.MaxDailyTrades <= 0 {
		return errors.New("a daily cap is required (max_daily_trades or strategy.max_daily_quality_trades)")
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return errors.New("strategy.min_confidence must be between 0 and 1")
	}
	if s.Lifecycle != nil {
		if err := s.Lifecycle.validate(); err != nil {
			return fmt.Errorf("strategy.lifecycle: %w", err)
		}
	}
	return nil
}

// DayLocation is the zone whose calendar day bounds the daily counters.
func (c *Config) DayLocation() (*time.Location, error) {
	if c.Engine.DayLocation == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Engine.DayLocation)
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ScanInterval:    Duration(5 * time.Minute),
			MonitorInterval: Duration(15 * time.Second),
			Workers:         4,
			CandleCount:     200,
			Granularity:     string(market.M15),
			CallTimeout:     Duration(10 * time.Second),
			RetryDelay:      Duration(500 * time.Millisecond),
			DayLocation:     "UTC",
		},
		Broker: BrokerConfig{
			Kind:          "oanda",
			Environment:   "practice",
			TokenEnv:      "OANDA_TOKEN",
			RatePerSecond: 20,
			Burst:         5,
			DryRun:        true,
			SimBalance:    100000,
		},
		Sizing: SizingConfig{
			MinUnits:    1000,
			MaxUnits:    1000000,
			MaxLeverage: 20,
		},
		Risk: RiskConfig{
			MaxMarginUsage: 0.75,
			CorrelationGroups: []CorrelationGroup{
				{Name: "usd-majors", Instruments: []string{"EUR_USD", "GBP_USD", "AUD_USD", "NZD_USD"}, MaxOpen: 2},
				{Name: "yen", Instruments: []string{"USD_JPY", "EUR_JPY", "GBP_JPY"}, MaxOpen: 2},
			},
		},
		Lifecycle: LifecycleConfig{
			MaxHold:             Duration(24 * time.Hour),
			ProfitLockPips:      40,
			LossCutPips:         30,
			TrailActivationPips: 20,
			TrailDistancePips:   10,
		},
		Accounts: []AccountConfig{
			{
				ID:               "101-001-0000000-001",
				Currency:         "USD",
				RiskPct:          0.01,
				MaxOpenPositions: 3,
				MaxDailyTrades:   5,
				Strategy: StrategyConfig{
					Name:                  "ema-cross",
					Instruments:           []string{"EUR_USD", "GBP_USD", "USD_JPY"},
					MaxDailyQualityTrades: 3,
					MinConfidence:         0.5,
					Params:                map[string]float64{"fast": 9, "slow": 21},
				},
			},
		},
		Journal: JournalConfig{
			Type:   "sqlite",
			DBPath: "./fxengine.sqlite",
		},
		Claims: ClaimsConfig{
			Backend:   "memory",
			Retention: Duration(48 * time.Hour),
		},
		Notify: NotifyConfig{
			QueueSize: 256,
			Log:       true,
		},
		Analytics: AnalyticsConfig{
			QueueSize: 1024,
		},
		Log: logger.Default(),
	}
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"polycopy/internal/domain"
)

// Config is the full engine configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	API        APIConfig        `yaml:"api"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Storage    StorageConfig    `yaml:"storage"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// EngineConfig controls the scheduler cadences and copy loop tuning.
type EngineConfig struct {
	CopyIntervalSeconds       int `yaml:"copy_interval_seconds"`
	SyncIntervalSeconds       int `yaml:"sync_interval_seconds"`
	ExitIntervalSeconds       int `yaml:"exit_interval_seconds"`
	ResolutionIntervalSeconds int `yaml:"resolution_interval_seconds"`
	ReportIntervalSeconds     int `yaml:"report_interval_seconds"`

	RecencyWindowMinutes  int     `yaml:"recency_window_minutes"` // stale signals beyond this are never copied
	MaxParallelStrategies int     `yaml:"max_parallel_strategies"`
	ResolverTTLMinutes    int     `yaml:"resolver_ttl_minutes"`
	MinExitFraction       float64 `yaml:"min_exit_fraction"`
}

// APIConfig holds the exchange endpoints and credentials.
type APIConfig struct {
	CLOBBase  string `yaml:"clob_base"`
	DataBase  string `yaml:"data_base"`
	GammaBase string `yaml:"gamma_base"`
	APIKey    string `yaml:"api_key"` // prefer POLY_API_KEY in the environment
}

// ExecutionConfig tunes order placement and fill polling.
type ExecutionConfig struct {
	TickSize             float64 `yaml:"tick_size"`
	LotSize              float64 `yaml:"lot_size"`
	MinBookFraction      float64 `yaml:"min_book_fraction"`
	PartialFillThreshold float64 `yaml:"partial_fill_threshold"`
	PollIntervalSeconds  int     `yaml:"poll_interval_seconds"`
	PollTimeoutSeconds   int     `yaml:"poll_timeout_seconds"`
	LostAfterMisses      int     `yaml:"lost_after_misses"`
}

// StorageConfig controls where engine state is persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// HTTPConfig controls the query API.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig controls the logging format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// StrategyConfig declares one copy-trading strategy. Risk limits are
// pointers: an absent key means no limit, never an implicit default.
type StrategyConfig struct {
	ID             string     `yaml:"id"`
	Name           string     `yaml:"name"`
	TraderAddress  string     `yaml:"trader_address"`
	Paused         bool       `yaml:"paused"`
	InitialCapital float64    `yaml:"initial_capital"`
	Risk           RiskLimits `yaml:"risk"`
	Exec           ExecRules  `yaml:"exec"`
}

// RiskLimits mirrors domain.RiskConfig with YAML-friendly durations.
type RiskLimits struct {
	MaxPositionSize        *float64 `yaml:"max_position_size"`
	MaxTotalExposure       *float64 `yaml:"max_total_exposure"`
	DailyBudget            *float64 `yaml:"daily_budget"`
	MaxDailyLoss           *float64 `yaml:"max_daily_loss"`
	MaxConsecutiveLosses   *int     `yaml:"max_consecutive_losses"`
	MaxDrawdownPct         *float64 `yaml:"max_drawdown_pct"`
	BreakerCooldownMinutes int      `yaml:"breaker_cooldown_minutes"` // 0 holds until manual reset
}

// ExecRules controls how a strategy's signals translate into orders.
type ExecRules struct {
	CopyRatio         float64 `yaml:"copy_ratio"`
	SlippageTolerance float64 `yaml:"slippage_tolerance"`
	OrderType         string  `yaml:"order_type"` // FOK | GTC
	CooldownMinutes   int     `yaml:"cooldown_minutes"`
}

// Load reads the YAML file plus a .env if present. Environment values
// override the YAML for the keys they cover.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate rejects broken strategy declarations at load time.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Strategies))
	for i, sc := range c.Strategies {
		if sc.ID == "" {
			return fmt.Errorf("strategy %d: id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("strategy %q: duplicate id", sc.ID)
		}
		seen[sc.ID] = true
		if sc.TraderAddress == "" {
			return fmt.Errorf("strategy %q: trader_address is required", sc.ID)
		}
		if sc.InitialCapital <= 0 {
			return fmt.Errorf("strategy %q: initial_capital must be > 0, got %.2f", sc.ID, sc.InitialCapital)
		}
		if sc.Exec.CopyRatio <= 0 || sc.Exec.CopyRatio > 1 {
			return fmt.Errorf("strategy %q: copy_ratio must be in (0,1], got %.4f", sc.ID, sc.Exec.CopyRatio)
		}
		if sc.Exec.SlippageTolerance < 0 {
			return fmt.Errorf("strategy %q: slippage_tolerance must be >= 0", sc.ID)
		}
		if ot := sc.Exec.OrderType; ot != "" && ot != string(domain.OrderTypeFOK) && ot != string(domain.OrderTypeGTC) {
			return fmt.Errorf("strategy %q: order_type must be FOK or GTC, got %q", sc.ID, ot)
		}
		if err := sc.Risk.toDomain().Validate(); err != nil {
			return fmt.Errorf("strategy %q: %w", sc.ID, err)
		}
	}
	return nil
}

// ToStrategy builds the domain strategy with a fresh capital pool. Used
// only when the strategy is not yet in storage.
func (sc StrategyConfig) ToStrategy(now time.Time) domain.Strategy {
	name := sc.Name
	if name == "" {
		name = sc.ID
	}
	orderType := sc.Exec.OrderType
	if orderType == "" {
		orderType = string(domain.OrderTypeFOK)
	}
	return domain.Strategy{
		ID:            sc.ID,
		Name:          name,
		TraderAddress: sc.TraderAddress,
		Active:        !sc.Paused,
		Capital: domain.CapitalState{
			Initial:   sc.InitialCapital,
			Available: sc.InitialCapital,
		},
		Risk: sc.Risk.toDomain(),
		RiskState: domain.RiskState{
			Day:        now.UTC().Format("2006-01-02"),
			PeakEquity: sc.InitialCapital,
		},
		Exec: domain.ExecConfig{
			CopyRatio:         sc.Exec.CopyRatio,
			SlippageTolerance: sc.Exec.SlippageTolerance,
			OrderType:         orderType,
			CooldownDuration:  time.Duration(sc.Exec.CooldownMinutes) * time.Minute,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ApplyTo overwrites the declarative parts of an existing strategy
// while preserving its runtime state (capital, risk counters, halt).
func (sc StrategyConfig) ApplyTo(st domain.Strategy, now time.Time) domain.Strategy {
	fresh := sc.ToStrategy(now)
	st.Name = fresh.Name
	st.TraderAddress = fresh.TraderAddress
	st.Active = fresh.Active && !st.Halted
	st.Risk = fresh.Risk
	st.Exec = fresh.Exec
	st.UpdatedAt = now
	return st
}

func (rl RiskLimits) toDomain() domain.RiskConfig {
	return domain.RiskConfig{
		MaxPositionSize:      rl.MaxPositionSize,
		MaxTotalExposure:     rl.MaxTotalExposure,
		DailyBudget:          rl.DailyBudget,
		MaxDailyLoss:         rl.MaxDailyLoss,
		MaxConsecutiveLosses: rl.MaxConsecutiveLosses,
		MaxDrawdownPct:       rl.MaxDrawdownPct,
		BreakerCooldown:      time.Duration(rl.BreakerCooldownMinutes) * time.Minute,
	}
}

// Cadence helpers.

func (c *Config) CopyInterval() time.Duration {
	return time.Duration(c.Engine.CopyIntervalSeconds) * time.Second
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Engine.SyncIntervalSeconds) * time.Second
}

func (c *Config) ExitInterval() time.Duration {
	return time.Duration(c.Engine.ExitIntervalSeconds) * time.Second
}

func (c *Config) ResolutionInterval() time.Duration {
	return time.Duration(c.Engine.ResolutionIntervalSeconds) * time.Second
}

func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.Engine.ReportIntervalSeconds) * time.Second
}

func (c *Config) RecencyWindow() time.Duration {
	return time.Duration(c.Engine.RecencyWindowMinutes) * time.Minute
}

func (c *Config) ResolverTTL() time.Duration {
	return time.Duration(c.Engine.ResolverTTLMinutes) * time.Minute
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Execution.PollIntervalSeconds) * time.Second
}

func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Execution.PollTimeoutSeconds) * time.Second
}

// applyEnvOverrides overwrites values from environment variables when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("POLY_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}

// setDefaults ensures required values have sensible defaults.
func setDefaults(cfg *Config) {
	if cfg.Engine.CopyIntervalSeconds <= 0 {
		cfg.Engine.CopyIntervalSeconds = 10
	}
	if cfg.Engine.SyncIntervalSeconds <= 0 {
		cfg.Engine.SyncIntervalSeconds = 15
	}
	if cfg.Engine.ExitIntervalSeconds <= 0 {
		cfg.Engine.ExitIntervalSeconds = 60
	}
	if cfg.Engine.ResolutionIntervalSeconds <= 0 {
		cfg.Engine.ResolutionIntervalSeconds = 300
	}
	if cfg.Engine.ReportIntervalSeconds <= 0 {
		cfg.Engine.ReportIntervalSeconds = 600
	}
	if cfg.Engine.RecencyWindowMinutes <= 0 {
		cfg.Engine.RecencyWindowMinutes = 10
	}
	if cfg.Engine.MaxParallelStrategies <= 0 {
		cfg.Engine.MaxParallelStrategies = 4
	}
	if cfg.Engine.ResolverTTLMinutes <= 0 {
		cfg.Engine.ResolverTTLMinutes = 60
	}
	if cfg.Engine.MinExitFraction <= 0 {
		cfg.Engine.MinExitFraction = 0.05
	}
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.DataBase == "" {
		cfg.API.DataBase = "https://data-api.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polycopy.db"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

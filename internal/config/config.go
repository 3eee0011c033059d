// Package config defines all configuration for the trading executor.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via EXEC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig holds the OKX API endpoints and credentials.
// Every REST call is signed with HMAC-SHA256 using Secret; Passphrase is the
// API-key passphrase configured on the exchange.
type ExchangeConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSPublicURL string `mapstructure:"ws_public_url"`
	APIKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
	Simulated   bool   `mapstructure:"simulated"` // demo-trading header

	// CallTimeout bounds every adapter round-trip. A timeout during open or
	// close moves the symbol to the reconciling state.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	MarginMode  string        `mapstructure:"margin_mode"` // cross or isolated
}

// StrategyConfig carries the per-position defaults applied when a signal
// omits the corresponding field. Percentages are decimal fractions of the
// unleveraged price move.
//
// EntryPricePolicy controls what a provided entry_price means on a
// market-style open: "cap" rejects the open when the current mark is worse
// than entry_price by more than EntryCapSlippage; "ignore" discards it.
type StrategyConfig struct {
	Leverage         int     `mapstructure:"leverage"`
	PerPositionQuote float64 `mapstructure:"per_position_quote"` // quote units per open when quantity omitted
	UnitType         string  `mapstructure:"unit_type"`          // quote, base, contract

	TakeProfitPct    float64 `mapstructure:"take_profit_pct"`
	StopLossPct      float64 `mapstructure:"stop_loss_pct"`
	TrailingStop     bool    `mapstructure:"trailing_stop"`
	TrailingDistance float64 `mapstructure:"trailing_distance"`
	TrailingArmPct   float64 `mapstructure:"trailing_arm_pct"` // 0 = use trailing_distance

	LadderTakeProfit LadderTPConfig `mapstructure:"ladder_take_profit"`

	MaxHoldSeconds int64 `mapstructure:"max_hold_seconds"` // 0 = no expiry

	EnableSymbolPool bool     `mapstructure:"enable_symbol_pool"`
	AllowedSymbols   []string `mapstructure:"allowed_symbols"`

	EntryPricePolicy string  `mapstructure:"entry_price_policy"` // cap (default) or ignore
	EntryCapSlippage float64 `mapstructure:"entry_cap_slippage"`

	// RoundUpToMin promotes an undersized order to the instrument minimum
	// instead of rejecting it.
	RoundUpToMin bool `mapstructure:"round_up_to_min"`
}

// LadderTPConfig configures staged partial profit-taking.
type LadderTPConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	StepPct  float64 `mapstructure:"step_pct"`
	ClosePct float64 `mapstructure:"close_pct"`
}

// RiskConfig sets the gates applied to open signals before they reach the
// position manager.
//
//   - CoolingPeriod:          minimum gap between two opens on one symbol.
//   - MaxDailyTrades:         cap on opens per UTC day.
//   - MaxDailyLoss:           once realized loss for the day exceeds this
//     (quote units), further opens are rejected until the next day.
//   - MaxConcurrentPositions: cap on simultaneously open symbols.
type RiskConfig struct {
	EnableCoolingPeriod    bool          `mapstructure:"enable_cooling_period"`
	CoolingPeriod          time.Duration `mapstructure:"cooling_period"`
	EnableDailyLimit       bool          `mapstructure:"enable_daily_limit"`
	MaxDailyTrades         int           `mapstructure:"max_daily_trades"`
	EnableLossLimit        bool          `mapstructure:"enable_loss_limit"`
	MaxDailyLoss           float64       `mapstructure:"max_daily_loss"`
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions"`
}

// MonitorConfig tunes the background position monitor.
type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`           // tick period
	MaxPriceAge      time.Duration `mapstructure:"max_price_age"`      // reject older marks
	PerSymbolTimeout time.Duration `mapstructure:"per_symbol_timeout"` // bound on one symbol's tick work
}

// StoreConfig sets where position data is persisted (single sqlite file).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: EXEC_API_KEY, EXEC_API_SECRET, EXEC_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("EXEC_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("EXEC_API_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if pass := os.Getenv("EXEC_PASSPHRASE"); pass != "" {
		cfg.Exchange.Passphrase = pass
	}
	if os.Getenv("EXEC_DRY_RUN") == "true" || os.Getenv("EXEC_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.rest_base_url", "https://www.okx.com")
	v.SetDefault("exchange.ws_public_url", "wss://ws.okx.com:8443/ws/v5/public")
	v.SetDefault("exchange.call_timeout", 10*time.Second)
	v.SetDefault("exchange.margin_mode", "cross")

	v.SetDefault("strategy.leverage", 3)
	v.SetDefault("strategy.per_position_quote", 100.0)
	v.SetDefault("strategy.unit_type", "quote")
	v.SetDefault("strategy.take_profit_pct", 0.05)
	v.SetDefault("strategy.stop_loss_pct", 0.03)
	v.SetDefault("strategy.trailing_distance", 0.02)
	v.SetDefault("strategy.entry_price_policy", "cap")
	v.SetDefault("strategy.entry_cap_slippage", 0.001)

	v.SetDefault("risk.enable_cooling_period", true)
	v.SetDefault("risk.cooling_period", 30*time.Minute)
	v.SetDefault("risk.enable_daily_limit", true)
	v.SetDefault("risk.max_daily_trades", 50)
	v.SetDefault("risk.enable_loss_limit", true)
	v.SetDefault("risk.max_daily_loss", 500.0)
	v.SetDefault("risk.max_concurrent_positions", 10)

	v.SetDefault("monitor.interval", 5*time.Second)
	v.SetDefault("monitor.max_price_age", 30*time.Second)
	v.SetDefault("monitor.per_symbol_timeout", 10*time.Second)

	v.SetDefault("store.path", "databases/executor.db")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("exchange.api_key is required (set EXEC_API_KEY)")
		}
		if c.Exchange.Secret == "" {
			return fmt.Errorf("exchange.secret is required (set EXEC_API_SECRET)")
		}
		if c.Exchange.Passphrase == "" {
			return fmt.Errorf("exchange.passphrase is required (set EXEC_PASSPHRASE)")
		}
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	switch c.Exchange.MarginMode {
	case "cross", "isolated":
	default:
		return fmt.Errorf("exchange.margin_mode must be cross or isolated")
	}
	if c.Strategy.Leverage <= 0 {
		return fmt.Errorf("strategy.leverage must be > 0")
	}
	if c.Strategy.PerPositionQuote <= 0 {
		return fmt.Errorf("strategy.per_position_quote must be > 0")
	}
	switch c.Strategy.UnitType {
	case "quote", "base", "contract":
	default:
		return fmt.Errorf("strategy.unit_type must be one of: quote, base, contract")
	}
	switch c.Strategy.EntryPricePolicy {
	case "cap", "ignore":
	default:
		return fmt.Errorf("strategy.entry_price_policy must be cap or ignore")
	}
	if c.Strategy.TakeProfitPct < 0 || c.Strategy.StopLossPct < 0 {
		return fmt.Errorf("strategy take_profit_pct/stop_loss_pct must be >= 0")
	}
	if c.Strategy.LadderTakeProfit.Enabled {
		if c.Strategy.LadderTakeProfit.StepPct <= 0 {
			return fmt.Errorf("strategy.ladder_take_profit.step_pct must be > 0")
		}
		if c.Strategy.LadderTakeProfit.ClosePct <= 0 || c.Strategy.LadderTakeProfit.ClosePct > 1 {
			return fmt.Errorf("strategy.ladder_take_profit.close_pct must be in (0, 1]")
		}
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be > 0")
	}
	if c.Monitor.MaxPriceAge <= 0 {
		return fmt.Errorf("monitor.max_price_age must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

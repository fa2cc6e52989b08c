// Package config defines all configuration for the paper-trading venue.
// Config is loaded from an optional YAML file with every operational knob
// overridable via flat environment variables (PAPER_TRADING_MODE,
// MAX_ACCOUNT_LEVERAGE, FEED_MAX_TICK_AGE_MS, ...). Environment names are
// part of the deployment contract and do not change with the YAML layout.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	PaperTradingMode bool `mapstructure:"paper_trading_mode"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	Upstox  UpstoxConfig  `mapstructure:"upstox"`
	Store   StoreConfig   `mapstructure:"store"`
	Wallet  WalletConfig  `mapstructure:"wallet"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Fill    FillConfig    `mapstructure:"fill"`
	Fees    FeesConfig    `mapstructure:"fees"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds the API server bind address.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// UpstoxConfig holds broker endpoints and outbound request pacing.
// The access token itself is not configuration: it is produced by an
// external OAuth flow and persisted through the store (see exchange.TokenSource).
type UpstoxConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	FeedURL           string  `mapstructure:"feed_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	RequestBurst      int     `mapstructure:"request_burst"`
}

// StoreConfig sets where state is persisted and where the instrument
// master file lives.
type StoreConfig struct {
	DBPath          string `mapstructure:"db_path"`
	InstrumentsPath string `mapstructure:"instruments_path"`
}

// WalletConfig holds the virtual cash amounts, in INR.
type WalletConfig struct {
	DefaultBalance float64 `mapstructure:"default_balance"` // seeded on first touch
	ResetBalance   float64 `mapstructure:"reset_balance"`   // seeded on account reset
}

// RiskConfig sets the pre-trade limits. Notional values are INR; a zero
// MaxNotionalPerOrder disables the per-order cap.
//
//   - MaxAccountLeverage: total projected notional / equity ceiling.
//   - MaxPositionNotionalPerSymbol: projected notional cap per instrument.
//   - MaxDerivativeNotional: projected notional cap across FUTURE + OPTION.
//   - MaxSingleInstrumentConcentration: instrument notional / equity ceiling.
//   - MinMarginBufferRatio: equity / projected required margin floor.
type RiskConfig struct {
	MaxNotionalPerOrder              float64 `mapstructure:"max_notional_per_order"`
	MaxAccountLeverage               float64 `mapstructure:"max_account_leverage"`
	MaxPositionNotionalPerSymbol     float64 `mapstructure:"max_position_notional_per_symbol"`
	MaxDerivativeNotional            float64 `mapstructure:"max_derivative_notional"`
	MaxSingleInstrumentConcentration float64 `mapstructure:"max_single_instrument_concentration"`
	MinMarginBufferRatio             float64 `mapstructure:"min_margin_buffer_ratio"`
}

// FeedConfig tunes freshness and health thresholds for the market data feed.
type FeedConfig struct {
	MaxTickAgeMS    int64    `mapstructure:"max_tick_age_ms"`   // oracle freshness bound
	MinTickRate     float64  `mapstructure:"min_tick_rate"`     // ticks/sec floor while subscribed
	MinActiveTokens int      `mapstructure:"min_active_tokens"` // below this, rate check is skipped
	PrewarmKeys     []string `mapstructure:"prewarm_keys"`      // quoted via REST at boot
}

// FillConfig tunes the fill engine and the working-order scan.
type FillConfig struct {
	TickMaxAgeSeconds  int           `mapstructure:"tick_max_age_seconds"`
	SlippageBpsEquity  int           `mapstructure:"slippage_bps_equity"`
	SlippageBpsFutures int           `mapstructure:"slippage_bps_futures"`
	SlippageBpsOptions int           `mapstructure:"slippage_bps_options"`
	ScanInterval       time.Duration `mapstructure:"scan_interval"`
	ScanWorkers        int           `mapstructure:"scan_workers"`
}

// FeesConfig sets the flat fee schedule in basis points of fill notional.
type FeesConfig struct {
	EquityBps     int `mapstructure:"equity_bps"`
	DerivativeBps int `mapstructure:"derivative_bps"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads config from an optional YAML file, applies defaults, then
// applies the flat environment overrides. Pass an empty path to run on
// defaults + environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	p := envParser{}
	p.boolVar(&cfg.PaperTradingMode, "PAPER_TRADING_MODE")
	p.stringVar(&cfg.HTTP.Addr, "HTTP_ADDR")
	p.stringVar(&cfg.Upstox.BaseURL, "UPSTOX_BASE_URL")
	p.stringVar(&cfg.Upstox.FeedURL, "UPSTOX_FEED_URL")
	p.stringVar(&cfg.Store.DBPath, "DB_PATH")
	p.stringVar(&cfg.Store.InstrumentsPath, "INSTRUMENTS_PATH")
	p.floatVar(&cfg.Wallet.DefaultBalance, "DEFAULT_WALLET_BALANCE")
	p.floatVar(&cfg.Wallet.ResetBalance, "RESET_BALANCE")
	p.floatVar(&cfg.Risk.MaxNotionalPerOrder, "MAX_NOTIONAL_PER_ORDER")
	p.floatVar(&cfg.Risk.MaxAccountLeverage, "MAX_ACCOUNT_LEVERAGE")
	p.floatVar(&cfg.Risk.MaxPositionNotionalPerSymbol, "MAX_POSITION_NOTIONAL_PER_SYMBOL")
	p.floatVar(&cfg.Risk.MaxDerivativeNotional, "MAX_DERIVATIVE_NOTIONAL")
	p.floatVar(&cfg.Risk.MaxSingleInstrumentConcentration, "MAX_SINGLE_INSTRUMENT_CONCENTRATION")
	p.floatVar(&cfg.Risk.MinMarginBufferRatio, "MIN_MARGIN_BUFFER_RATIO")
	p.int64Var(&cfg.Feed.MaxTickAgeMS, "FEED_MAX_TICK_AGE_MS")
	p.floatVar(&cfg.Feed.MinTickRate, "FEED_MIN_TICK_RATE")
	p.intVar(&cfg.Feed.MinActiveTokens, "FEED_MIN_ACTIVE_TOKENS")
	p.listVar(&cfg.Feed.PrewarmKeys, "PREWARM_INSTRUMENT_KEYS")
	p.intVar(&cfg.Fill.TickMaxAgeSeconds, "FILL_TICK_MAX_AGE_SECONDS")
	p.intVar(&cfg.Fill.SlippageBpsEquity, "FILL_SLIPPAGE_BPS_EQUITY")
	p.intVar(&cfg.Fill.SlippageBpsFutures, "FILL_SLIPPAGE_BPS_FUTURES")
	p.intVar(&cfg.Fill.SlippageBpsOptions, "FILL_SLIPPAGE_BPS_OPTIONS")
	p.stringVar(&cfg.Logging.Level, "LOG_LEVEL")
	if p.err != nil {
		return nil, p.err
	}

	// Slippage is clamped to the venue band, never rejected.
	cfg.Fill.SlippageBpsEquity = clampBps(cfg.Fill.SlippageBpsEquity)
	cfg.Fill.SlippageBpsFutures = clampBps(cfg.Fill.SlippageBpsFutures)
	cfg.Fill.SlippageBpsOptions = clampBps(cfg.Fill.SlippageBpsOptions)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paper_trading_mode", true)
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("upstox.base_url", "https://api.upstox.com/v2")
	v.SetDefault("upstox.feed_url", "wss://api.upstox.com/v2/feed/market-data-feed")
	v.SetDefault("upstox.requests_per_second", 20.0)
	v.SetDefault("upstox.request_burst", 25)
	v.SetDefault("store.db_path", "data/venue.db")
	v.SetDefault("wallet.default_balance", 1_000_000.0)
	v.SetDefault("wallet.reset_balance", 1_000_000.0)
	v.SetDefault("risk.max_notional_per_order", 10_000_000.0)
	v.SetDefault("risk.max_account_leverage", 5.0)
	v.SetDefault("risk.max_position_notional_per_symbol", 10_000_000.0)
	v.SetDefault("risk.max_derivative_notional", 20_000_000.0)
	v.SetDefault("risk.max_single_instrument_concentration", 0.25)
	v.SetDefault("risk.min_margin_buffer_ratio", 1.1)
	v.SetDefault("feed.max_tick_age_ms", 5000)
	v.SetDefault("feed.min_tick_rate", 0.5)
	v.SetDefault("feed.min_active_tokens", 3)
	v.SetDefault("fill.tick_max_age_seconds", 8)
	v.SetDefault("fill.slippage_bps_equity", 5)
	v.SetDefault("fill.slippage_bps_futures", 10)
	v.SetDefault("fill.slippage_bps_options", 15)
	v.SetDefault("fill.scan_interval", 500*time.Millisecond)
	v.SetDefault("fill.scan_workers", 8)
	v.SetDefault("fees.equity_bps", 3)
	v.SetDefault("fees.derivative_bps", 2)
	v.SetDefault("logging.level", "info")
}

// clampBps bounds a slippage setting to the venue band [5, 15].
func clampBps(bps int) int {
	if bps < 5 {
		return 5
	}
	if bps > 15 {
		return 15
	}
	return bps
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required")
	}
	if c.Upstox.BaseURL == "" {
		return fmt.Errorf("upstox.base_url is required")
	}
	if c.Wallet.DefaultBalance <= 0 {
		return fmt.Errorf("wallet.default_balance must be > 0")
	}
	if c.Wallet.ResetBalance <= 0 {
		return fmt.Errorf("wallet.reset_balance must be > 0")
	}
	if c.Risk.MaxNotionalPerOrder < 0 {
		return fmt.Errorf("risk.max_notional_per_order must be >= 0 (0 disables the cap)")
	}
	if c.Risk.MaxAccountLeverage <= 0 {
		return fmt.Errorf("risk.max_account_leverage must be > 0")
	}
	if c.Risk.MaxPositionNotionalPerSymbol <= 0 {
		return fmt.Errorf("risk.max_position_notional_per_symbol must be > 0")
	}
	if c.Risk.MaxDerivativeNotional <= 0 {
		return fmt.Errorf("risk.max_derivative_notional must be > 0")
	}
	if c.Risk.MaxSingleInstrumentConcentration <= 0 || c.Risk.MaxSingleInstrumentConcentration > 1 {
		return fmt.Errorf("risk.max_single_instrument_concentration must be in (0, 1]")
	}
	if c.Risk.MinMarginBufferRatio < 1 {
		return fmt.Errorf("risk.min_margin_buffer_ratio must be >= 1")
	}
	if c.Feed.MaxTickAgeMS <= 0 {
		return fmt.Errorf("feed.max_tick_age_ms must be > 0")
	}
	if c.Fill.TickMaxAgeSeconds <= 0 {
		return fmt.Errorf("fill.tick_max_age_seconds must be > 0")
	}
	if c.Fill.ScanInterval <= 0 {
		return fmt.Errorf("fill.scan_interval must be > 0")
	}
	if c.Fill.ScanWorkers <= 0 {
		return fmt.Errorf("fill.scan_workers must be > 0")
	}
	return nil
}

// MaxTickAge returns the feed freshness bound as a duration.
func (c *Config) MaxTickAge() time.Duration {
	return time.Duration(c.Feed.MaxTickAgeMS) * time.Millisecond
}

// FillTickMaxAge returns the fill engine freshness bound as a duration.
func (c *Config) FillTickMaxAge() time.Duration {
	return time.Duration(c.Fill.TickMaxAgeSeconds) * time.Second
}

// envParser applies flat environment overrides, remembering the first
// malformed value instead of failing midway through.
type envParser struct {
	err error
}

func (p *envParser) stringVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (p *envParser) boolVar(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = b
}

func (p *envParser) floatVar(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = f
}

func (p *envParser) intVar(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *envParser) int64Var(dst *int64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *envParser) listVar(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (p *envParser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("env %s=%q: %w", key, value, err)
	}
}

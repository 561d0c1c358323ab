package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in the top-level "backend" key.
const (
	BackendIBKR      = "ibkr"
	BackendAlpaca    = "alpaca"
	BackendSimulator = "simulator"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for a brokerstore process.
type Config struct {
	Backend string        `yaml:"backend"`
	IBKR    IBKR          `yaml:"ibkr"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Store   StoreConfig   `yaml:"store"`
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
}

// IBKR holds connection settings for the Client Portal Web API gateway.
type IBKR struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AccountID string `yaml:"account_id"`

	// UseOAuth switches from gateway cookie auth to a bearer token read from
	// OAuthTokenFile. The token is obtained out of band.
	UseOAuth       bool   `yaml:"use_oauth"`
	OAuthTokenFile string `yaml:"oauth_token_file"`
	CredentialFile string `yaml:"credential_file"`

	// InsecureTLS skips certificate verification; the local gateway ships a
	// self-signed certificate.
	InsecureTLS bool `yaml:"insecure_tls"`
}

// BaseURL returns the REST root of the gateway.
func (c IBKR) BaseURL() string {
	return fmt.Sprintf("https://%s:%d/v1/api", c.Host, c.Port)
}

// StreamURL returns the websocket endpoint of the gateway.
func (c IBKR) StreamURL() string {
	return fmt.Sprintf("wss://%s:%d/v1/api/ws", c.Host, c.Port)
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
	Feed      string `yaml:"feed"`
}

// StoreConfig tunes the store, its session manager and its request limits.
// Durations are expressed in seconds.
type StoreConfig struct {
	Reconnect   int     `yaml:"reconnect"`
	Timeout     float64 `yaml:"timeout"`
	TimeRefresh float64 `yaml:"timerefresh"`
	PollEvery   float64 `yaml:"poll_interval"`
	PumpSleep   float64 `yaml:"pump_sleep"`
	JoinWait    float64 `yaml:"join_timeout"`

	Debug                     bool  `yaml:"debug"`
	EnableTickler             bool  `yaml:"enable_tickler"`
	CacheContractDetails      *bool `yaml:"cache_contract_details"`
	EnablePerformanceTracking bool  `yaml:"enable_performance_tracking"`

	ParallelRequests      bool     `yaml:"parallel_requests"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	RateLimitDelay        float64  `yaml:"rate_limit_delay"`
	ClientID              int      `yaml:"client_id"`
	MarketDataFields      []string `yaml:"market_data_fields"`
}

// RetryDelay is the base delay between connection attempts.
func (s StoreConfig) RetryDelay() time.Duration { return seconds(s.Timeout) }

// PollInterval is the account/position refresh cadence.
func (s StoreConfig) PollInterval() time.Duration { return seconds(s.PollEvery) }

// TicklerInterval is the minimum spacing between keep-alive calls.
func (s StoreConfig) TicklerInterval() time.Duration { return seconds(s.TimeRefresh) }

// PumpInterval is the sleep between empty stream polls.
func (s StoreConfig) PumpInterval() time.Duration { return seconds(s.PumpSleep) }

// JoinTimeout bounds how long Stop waits for background tasks.
func (s StoreConfig) JoinTimeout() time.Duration { return seconds(s.JoinWait) }

// RequestDelay is the minimum spacing between API calls.
func (s StoreConfig) RequestDelay() time.Duration { return seconds(s.RateLimitDelay) }

// CacheContracts reports whether resolved contracts are cached. Unset means
// true.
func (s StoreConfig) CacheContracts() bool {
	return s.CacheContractDetails == nil || *s.CacheContractDetails
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines risk and execution parameters.
type TradingConfig struct {
	MaxPositionPct  float64 `yaml:"max_position_pct"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	PaperMode       bool    `yaml:"paper_mode"`

	Symbols  []string `yaml:"symbols"`
	SecType  string   `yaml:"sec_type"`
	Exchange string   `yaml:"exchange"`
	Currency string   `yaml:"currency"`
	OrderQty float64  `yaml:"order_qty"`
	Market   string   `yaml:"market"` // exchange calendar: "us" or "cn"

	// Live selects streaming data instead of historical replay.
	Live     bool   `yaml:"live"`
	BarSize  string `yaml:"bar_size"`
	Duration string `yaml:"duration"`

	Strategy StrategyConfig `yaml:"strategy"`
}

// StrategyConfig selects and parameterises the builtin strategy.
type StrategyConfig struct {
	Name         string `yaml:"name"`
	FastPeriod   int    `yaml:"fast_period"`
	SlowPeriod   int    `yaml:"slow_period"`
	SignalPeriod int    `yaml:"signal_period"`
	ATRPeriod    int    `yaml:"atr_period"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendIBKR, BackendAlpaca, BackendSimulator:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.IBKR.UseOAuth && c.IBKR.OAuthTokenFile == "" && c.Backend == BackendIBKR {
		return fmt.Errorf("ibkr.use_oauth requires ibkr.oauth_token_file")
	}
	if c.Trading.MaxPositionPct < 0 || c.Trading.MaxPositionPct > 1 {
		return fmt.Errorf("trading.max_position_pct %v out of range [0,1]", c.Trading.MaxPositionPct)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = BackendIBKR
	}
	cfg.Backend = strings.ToLower(cfg.Backend)

	if cfg.IBKR.Host == "" {
		cfg.IBKR.Host = "127.0.0.1"
	}
	if cfg.IBKR.Port == 0 {
		cfg.IBKR.Port = 5000
	}

	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}

	s := &cfg.Store
	if s.Reconnect == 0 {
		s.Reconnect = 3
	}
	if s.Timeout == 0 {
		s.Timeout = 3.0
	}
	if s.TimeRefresh == 0 {
		s.TimeRefresh = 60
	}
	if s.PollEvery == 0 {
		s.PollEvery = 30
	}
	if s.PumpSleep == 0 {
		s.PumpSleep = 0.01
	}
	if s.JoinWait == 0 {
		s.JoinWait = 1.0
	}
	if s.MaxConcurrentRequests == 0 {
		s.MaxConcurrentRequests = 10
	}
	if s.RateLimitDelay == 0 {
		s.RateLimitDelay = 0.1
	}
	if len(s.MarketDataFields) == 0 {
		s.MarketDataFields = []string{"31", "32", "84", "86", "7295", "7633"}
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	t := &cfg.Trading
	if t.MaxPositionPct == 0 {
		t.MaxPositionPct = 0.1
	}
	if t.MaxDailyLossPct == 0 {
		t.MaxDailyLossPct = 0.02
	}
	if t.SecType == "" {
		t.SecType = "STK"
	}
	if t.Exchange == "" {
		t.Exchange = "SMART"
	}
	if t.Currency == "" {
		t.Currency = "USD"
	}
	if t.OrderQty == 0 {
		t.OrderQty = 1
	}
	if t.Market == "" {
		t.Market = "us"
	}
	if t.BarSize == "" {
		t.BarSize = "1 day"
	}
	if t.Duration == "" {
		t.Duration = "1 Y"
	}
	st := &t.Strategy
	if st.Name == "" {
		st.Name = "macdv-cross"
	}
	if st.FastPeriod == 0 {
		st.FastPeriod = 9
	}
	if st.SlowPeriod == 0 {
		st.SlowPeriod = 26
	}
	if st.SignalPeriod == 0 {
		st.SignalPeriod = 9
	}
	if st.ATRPeriod == 0 {
		st.ATRPeriod = 26
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROKERSTORE_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("BROKERSTORE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Store.Debug = b
		}
	}
	if v := os.Getenv("BROKERSTORE_CLIENT_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.ClientID = n
		}
	}

	if v := os.Getenv("IBKR_HOST"); v != "" {
		cfg.IBKR.Host = v
	}
	if v := os.Getenv("IBKR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IBKR.Port = n
		}
	}
	if v := os.Getenv("IBKR_ACCOUNT_ID"); v != "" {
		cfg.IBKR.AccountID = v
	}
	if v := os.Getenv("IBKR_OAUTH_TOKEN_FILE"); v != "" {
		cfg.IBKR.OAuthTokenFile = v
		cfg.IBKR.UseOAuth = true
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars, the canonical names used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

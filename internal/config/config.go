package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boxscan/internal/risk"
)

// Config is the complete boxscan configuration.
type Config struct {
	API         APIConfig         `yaml:"api"`
	Auth        AuthConfig        `yaml:"auth"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	OptionChain OptionChainConfig `yaml:"option_chain"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Expiry      ExpiryConfig      `yaml:"expiry"`
	Fees        risk.FeeSchedule  `yaml:"fees"`
	Risk        risk.MarginModel  `yaml:"risk"`
	System      SystemConfig      `yaml:"system"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Store       StoreConfig       `yaml:"store"`
}

// APIConfig configures the market data transport and gateway.
type APIConfig struct {
	BaseURL                    string         `yaml:"base_url"`
	TimeoutMS                  int            `yaml:"timeout_ms"`
	DialTimeoutMS              int            `yaml:"dial_timeout_ms"`
	HostRPS                    float64        `yaml:"host_rps"` // per-second smoothing, 0 disables
	HostBurst                  int            `yaml:"host_burst"`
	BreakerFailures            uint32         `yaml:"breaker_failures"`
	BreakerTimeoutSecs         int            `yaml:"breaker_timeout_secs"`
	QuoteBatchCap              int            `yaml:"quote_batch_cap"`
	RateLimits                 map[string]int `yaml:"rate_limits"` // requests per minute
	MaxRateLimitWaits          int            `yaml:"max_rate_limit_waits"`
	InstrumentsCacheFile       string         `yaml:"instruments_cache_file"`
	InstrumentsCacheTTLMinutes int            `yaml:"instruments_cache_ttl_minutes"`
	QuoteCacheTTLSecs          int            `yaml:"quote_cache_ttl_secs"`
}

// AuthConfig holds credentials; environment variables override these.
type AuthConfig struct {
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
	EnvFile     string `yaml:"env_file"`
}

// StrategyConfig holds scan targets and opportunity filters.
type StrategyConfig struct {
	Underlying           string  `yaml:"underlying"`
	Exchange             string  `yaml:"exchange"`
	Quantity             int64   `yaml:"quantity"`
	MinStrikeDiff        float64 `yaml:"min_strike_diff"`
	MaxStrikeDiff        float64 `yaml:"max_strike_diff"`
	MinROI               float64 `yaml:"min_roi"`
	MinProfitability     float64 `yaml:"min_profitability"`
	MaxSlippage          float64 `yaml:"max_slippage"`
	WorstCaseSlippagePct float64 `yaml:"worst_case_slippage_percent"`
	MinDepthQuantity     int64   `yaml:"min_depth_quantity"` // 0 means Quantity
	ScanIntervalSecs     int     `yaml:"scan_interval_seconds"`
	ErrorBackoffSecs     int     `yaml:"error_backoff_seconds"`
	TopN                 int     `yaml:"top_n"`
}

// OptionChainConfig controls spot-centred strike discovery.
type OptionChainConfig struct {
	StrikeRangePercent float64 `yaml:"strike_range_percent"`
	SpotSymbol         string  `yaml:"spot_symbol"`
	SpotExchange       string  `yaml:"spot_exchange"`
}

// PipelineConfig tunes batching and pacing.
type PipelineConfig struct {
	QuoteBatchSize              int `yaml:"quote_batch_size"`
	AnalysisChunkMax            int `yaml:"analysis_chunk_max"`
	DelayBetweenBatchesMS       int `yaml:"delay_between_batches_ms"`
	DelayBetweenExpiriesMS      int `yaml:"delay_between_expiries_ms"`
	JitterMaxMS                 int `yaml:"jitter_max_ms"`
	ParallelGenerationThreshold int `yaml:"parallel_generation_threshold"`
	ProgressIntervalSecs        int `yaml:"progress_interval_seconds"`
}

// ExpiryConfig selects expiries and how they are processed.
type ExpiryConfig struct {
	MaxCount          int  `yaml:"max_count"`
	MinDays           int  `yaml:"min_days"`
	MaxDays           int  `yaml:"max_days"`
	IncludeWeekly     bool `yaml:"include_weekly"`
	IncludeMonthly    bool `yaml:"include_monthly"`
	ProcessInParallel bool `yaml:"process_in_parallel"`
}

// SystemConfig holds process-level settings.
type SystemConfig struct {
	NumThreads int    `yaml:"num_threads"`
	LogLevel   string `yaml:"log_level"`
}

// MonitorConfig configures the read-only HTTP surface.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// StoreConfig selects where scan results are kept. Empty addresses disable a backend.
type StoreConfig struct {
	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"redis_password"`
	RedisDB           int    `yaml:"redis_db"`
	RedisKey          string `yaml:"redis_key"`
	RedisTTLSecs      int    `yaml:"redis_ttl_secs"`
	PostgresDSN       string `yaml:"postgres_dsn"`
	PostgresTimeoutMS int    `yaml:"postgres_timeout_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:            "https://api.kite.trade",
			TimeoutMS:          30000,
			DialTimeoutMS:      10000,
			HostRPS:            3,
			HostBurst:          3,
			BreakerFailures:    5,
			BreakerTimeoutSecs: 60,
			QuoteBatchCap:      250,
			RateLimits: map[string]int{
				"instruments": 1,
				"quote":       15,
				"quote_ltp":   15,
				"quote_ohlc":  15,
				"default":     10,
			},
			InstrumentsCacheFile:       "instruments_cache.csv",
			InstrumentsCacheTTLMinutes: 1440,
			QuoteCacheTTLSecs:          30,
		},
		Auth: AuthConfig{EnvFile: ".env"},
		Strategy: StrategyConfig{
			Underlying:           "NIFTY",
			Exchange:             "NFO",
			Quantity:             1,
			MinStrikeDiff:        100,
			MaxStrikeDiff:        1000,
			MinROI:               0.5,
			MinProfitability:     0.1,
			MaxSlippage:          20,
			WorstCaseSlippagePct: 5,
			ScanIntervalSecs:     60,
			ErrorBackoffSecs:     5,
			TopN:                 10,
		},
		OptionChain: OptionChainConfig{
			StrikeRangePercent: 5,
			SpotSymbol:         "NIFTY 50",
			SpotExchange:       "NSE",
		},
		Pipeline: PipelineConfig{
			QuoteBatchSize:              250,
			AnalysisChunkMax:            50,
			DelayBetweenBatchesMS:       4000,
			DelayBetweenExpiriesMS:      1000,
			JitterMaxMS:                 250,
			ParallelGenerationThreshold: 50,
			ProgressIntervalSecs:        5,
		},
		Expiry: ExpiryConfig{
			MaxCount:       3,
			MaxDays:        30,
			IncludeWeekly:  true,
			IncludeMonthly: true,
		},
		Fees:    risk.DefaultFeeSchedule(),
		Risk:    risk.DefaultMarginModel(),
		System:  SystemConfig{NumThreads: 4, LogLevel: "info"},
		Monitor: MonitorConfig{Host: "127.0.0.1", Port: 8090},
		Store: StoreConfig{
			RedisKey:          "boxscan:latest",
			RedisTTLSecs:      3600,
			PostgresTimeoutMS: 5000,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("BOXSCAN_LOG_LEVEL"); v != "" {
		c.System.LogLevel = v
	}
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base_url cannot be empty")
	}
	if c.API.QuoteBatchCap <= 0 {
		return fmt.Errorf("api quote_batch_cap must be positive, got %d", c.API.QuoteBatchCap)
	}
	if c.API.MaxRateLimitWaits < 0 {
		return fmt.Errorf("api max_rate_limit_waits cannot be negative, got %d", c.API.MaxRateLimitWaits)
	}
	if c.API.InstrumentsCacheTTLMinutes < 0 {
		return fmt.Errorf("api instruments_cache_ttl_minutes cannot be negative, got %d", c.API.InstrumentsCacheTTLMinutes)
	}
	for name, limit := range c.API.RateLimits {
		if limit <= 0 {
			return fmt.Errorf("api rate_limits.%s must be positive, got %d", name, limit)
		}
	}

	s := c.Strategy
	if s.Underlying == "" || s.Exchange == "" {
		return fmt.Errorf("strategy underlying and exchange are required")
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("strategy quantity must be positive, got %d", s.Quantity)
	}
	if s.MinStrikeDiff < 0 || s.MaxStrikeDiff < s.MinStrikeDiff {
		return fmt.Errorf("strategy strike diff bounds invalid: [%g, %g]", s.MinStrikeDiff, s.MaxStrikeDiff)
	}
	if s.WorstCaseSlippagePct < 0 || s.WorstCaseSlippagePct > 100 {
		return fmt.Errorf("strategy worst_case_slippage_percent must be within 0-100, got %g", s.WorstCaseSlippagePct)
	}
	if s.ScanIntervalSecs <= 0 {
		return fmt.Errorf("strategy scan_interval_seconds must be positive, got %d", s.ScanIntervalSecs)
	}

	if c.OptionChain.StrikeRangePercent <= 0 {
		return fmt.Errorf("option_chain strike_range_percent must be positive, got %g", c.OptionChain.StrikeRangePercent)
	}

	p := c.Pipeline
	if p.QuoteBatchSize <= 0 || p.AnalysisChunkMax <= 0 {
		return fmt.Errorf("pipeline quote_batch_size and analysis_chunk_max must be positive")
	}
	if p.DelayBetweenBatchesMS < 0 || p.DelayBetweenExpiriesMS < 0 || p.JitterMaxMS < 0 {
		return fmt.Errorf("pipeline delays cannot be negative")
	}
	if p.ParallelGenerationThreshold < 0 {
		return fmt.Errorf("pipeline parallel_generation_threshold cannot be negative, got %d", p.ParallelGenerationThreshold)
	}

	if c.Expiry.MaxCount <= 0 {
		return fmt.Errorf("expiry max_count must be positive, got %d", c.Expiry.MaxCount)
	}
	if !c.Expiry.IncludeWeekly && !c.Expiry.IncludeMonthly {
		return fmt.Errorf("expiry must include weekly or monthly expiries")
	}

	if c.System.NumThreads <= 0 {
		return fmt.Errorf("system num_threads must be positive, got %d", c.System.NumThreads)
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		return fmt.Errorf("monitor port out of range: %d", c.Monitor.Port)
	}
	return nil
}

// EndpointLimits maps rate_limits keys to gateway endpoint paths, e.g.
// "quote_ltp" becomes "/quote/ltp". "default" is kept as is.
func (a APIConfig) EndpointLimits() map[string]int {
	out := make(map[string]int, len(a.RateLimits))
	for name, limit := range a.RateLimits {
		if name == "default" {
			out[name] = limit
			continue
		}
		out["/"+strings.ReplaceAll(strings.Trim(name, "/"), "_", "/")] = limit
	}
	return out
}

// Timeout returns the request timeout.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// DialTimeout returns the connect timeout.
func (a APIConfig) DialTimeout() time.Duration {
	return time.Duration(a.DialTimeoutMS) * time.Millisecond
}

// BreakerTimeout returns how long the breaker stays open.
func (a APIConfig) BreakerTimeout() time.Duration {
	return time.Duration(a.BreakerTimeoutSecs) * time.Second
}

// CatalogTTL returns the instrument cache TTL.
func (a APIConfig) CatalogTTL() time.Duration {
	return time.Duration(a.InstrumentsCacheTTLMinutes) * time.Minute
}

// QuoteTTL returns the ad-hoc quote cache TTL.
func (a APIConfig) QuoteTTL() time.Duration {
	return time.Duration(a.QuoteCacheTTLSecs) * time.Second
}

// ScanInterval returns the pause between scans.
func (s StrategyConfig) ScanInterval() time.Duration {
	return time.Duration(s.ScanIntervalSecs) * time.Second
}

// LiquidityFloor is the fill-side depth every leg needs: MinDepthQuantity,
// or Quantity when that is unset.
func (s StrategyConfig) LiquidityFloor() int64 {
	if s.MinDepthQuantity > 0 {
		return s.MinDepthQuantity
	}
	if s.Quantity > 0 {
		return s.Quantity
	}
	return 1
}

// ErrorBackoff returns the pause after a failed scan.
func (s StrategyConfig) ErrorBackoff() time.Duration {
	return time.Duration(s.ErrorBackoffSecs) * time.Second
}

// RedisTTL returns the latest-results key TTL.
func (s StoreConfig) RedisTTL() time.Duration {
	return time.Duration(s.RedisTTLSecs) * time.Second
}

// PostgresTimeout returns the per-query timeout.
func (s StoreConfig) PostgresTimeout() time.Duration {
	return time.Duration(s.PostgresTimeoutMS) * time.Millisecond
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boxscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 250, cfg.API.QuoteBatchCap)
	assert.Equal(t, 24*time.Hour, cfg.API.CatalogTTL())
	assert.Equal(t, 5.0, cfg.Strategy.WorstCaseSlippagePct)
}

func TestLiquidityFloor(t *testing.T) {
	s := Default().Strategy
	assert.Equal(t, int64(1), s.LiquidityFloor())

	s.Quantity = 75
	assert.Equal(t, int64(75), s.LiquidityFloor())

	s.MinDepthQuantity = 200
	assert.Equal(t, int64(200), s.LiquidityFloor())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Strategy, cfg.Strategy)
}

func TestLoad_OverlaysFileOnDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
strategy:
  underlying: BANKNIFTY
  min_roi: 1.5
pipeline:
  parallel_generation_threshold: 10
api:
  max_rate_limit_waits: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "BANKNIFTY", cfg.Strategy.Underlying)
	assert.Equal(t, 1.5, cfg.Strategy.MinROI)
	assert.Equal(t, "NFO", cfg.Strategy.Exchange)
	assert.Equal(t, 10, cfg.Pipeline.ParallelGenerationThreshold)
	assert.Equal(t, 3, cfg.API.MaxRateLimitWaits)
	assert.Equal(t, 4000, cfg.Pipeline.DelayBetweenBatchesMS)
}

func TestLoad_EnvOverridesStore(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/boxscan")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.Equal(t, "postgres://u:p@localhost/boxscan", cfg.Store.PostgresDSN)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	_, err = Load(writeConfig(t, "strategy: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = Load(writeConfig(t, "strategy:\n  quantity: 0\n"))
	assert.ErrorContains(t, err, "invalid config")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"rate limit":      func(c *Config) { c.API.RateLimits["quote"] = 0 },
		"negative waits":  func(c *Config) { c.API.MaxRateLimitWaits = -1 },
		"strike bounds":   func(c *Config) { c.Strategy.MaxStrikeDiff = 10 },
		"slippage pct":    func(c *Config) { c.Strategy.WorstCaseSlippagePct = 120 },
		"expiry types":    func(c *Config) { c.Expiry.IncludeWeekly, c.Expiry.IncludeMonthly = false, false },
		"threads":         func(c *Config) { c.System.NumThreads = 0 },
		"monitor port":    func(c *Config) { c.Monitor.Enabled, c.Monitor.Port = true, 0 },
		"strike range":    func(c *Config) { c.OptionChain.StrikeRangePercent = 0 },
		"negative delays": func(c *Config) { c.Pipeline.JitterMaxMS = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEndpointLimits(t *testing.T) {
	limits := Default().API.EndpointLimits()
	assert.Equal(t, map[string]int{
		"/instruments": 1,
		"/quote":       15,
		"/quote/ltp":   15,
		"/quote/ohlc":  15,
		"default":      10,
	}, limits)
}

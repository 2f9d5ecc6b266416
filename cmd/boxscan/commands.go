package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/boxscan/internal/auth"
	"github.com/sawpanic/boxscan/internal/box"
	"github.com/sawpanic/boxscan/internal/config"
	httpserver "github.com/sawpanic/boxscan/internal/interfaces/http"
	"github.com/sawpanic/boxscan/internal/market"
	"github.com/sawpanic/boxscan/internal/metrics"
	"github.com/sawpanic/boxscan/internal/net/client"
	"github.com/sawpanic/boxscan/internal/net/ratelimit"
	"github.com/sawpanic/boxscan/internal/pool"
	"github.com/sawpanic/boxscan/internal/scan"
	"github.com/sawpanic/boxscan/internal/store"
)

// scanFlags are command-line overrides of the strategy section.
type scanFlags struct {
	underlying string
	exchange   string
	threads    int
	jsonOut    bool
}

func (f *scanFlags) bindTarget(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.underlying, "underlying", "", "Underlying to scan (overrides config)")
	cmd.Flags().StringVar(&f.exchange, "exchange", "", "Options exchange (overrides config)")
}

func (f *scanFlags) bind(cmd *cobra.Command) {
	f.bindTarget(cmd)
	cmd.Flags().IntVar(&f.threads, "threads", 0, "Worker pool size (overrides config)")
}

func (f scanFlags) apply(cfg *config.Config) {
	if f.underlying != "" {
		cfg.Strategy.Underlying = f.underlying
	}
	if f.exchange != "" {
		cfg.Strategy.Exchange = f.exchange
	}
	if f.threads > 0 {
		cfg.System.NumThreads = f.threads
	}
}

func loadConfig(path, logLevel string, flags scanFlags) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	flags.apply(cfg)
	if logLevel == "" {
		applyLevel(cfg.System.LogLevel)
	}
	return cfg, cfg.Validate()
}

// app holds the wired collaborators of one process.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Registry
	session  *auth.Session
	client   *client.Client
	limiter  *ratelimit.Window
	cache    *market.CatalogCache
	gateway  *market.Gateway
	expiries *market.ExpiryManager
	pool     *pool.Pool
	store    store.Store
	closers  []func() error
}

// newApp wires the gateway stack. Without credentials it still builds, but
// every upstream call fails with market.ErrUnauthenticated.
func newApp(ctx context.Context, cfg *config.Config, requireAuth bool) (*app, error) {
	session, err := auth.FromEnv(cfg.Auth.EnvFile, cfg.Auth.APIKey, cfg.Auth.AccessToken)
	if err != nil {
		if requireAuth {
			return nil, fmt.Errorf("credentials: %w", err)
		}
		session = auth.NewSession("", "", time.Time{})
	}

	m := metrics.New()
	limiter := ratelimit.NewWindow(cfg.API.EndpointLimits(),
		ratelimit.WithMaxWaits(cfg.API.MaxRateLimitWaits),
		ratelimit.WithWaitHook(m.RecordWait),
	)
	httpClient := client.New(client.Config{
		Name:            "kite",
		Timeout:         cfg.API.Timeout(),
		DialTimeout:     cfg.API.DialTimeout(),
		HostRPS:         cfg.API.HostRPS,
		HostBurst:       cfg.API.HostBurst,
		BreakerFailures: cfg.API.BreakerFailures,
		BreakerTimeout:  cfg.API.BreakerTimeout(),
		UserAgent:       appName + "/" + version,
	}, nil)
	cache := market.NewCatalogCache(cfg.API.InstrumentsCacheFile, cfg.API.CatalogTTL())
	gateway := market.NewGateway(market.GatewayConfig{
		BaseURL:       cfg.API.BaseURL,
		QuoteBatchCap: cfg.API.QuoteBatchCap,
		QuoteTTL:      cfg.API.QuoteTTL(),
	}, httpClient, session, limiter, cache, m)

	expiries := market.NewExpiryManager(gateway, market.ExpiryConfig{
		MaxCount:       cfg.Expiry.MaxCount,
		MinDays:        cfg.Expiry.MinDays,
		MaxDays:        cfg.Expiry.MaxDays,
		IncludeWeekly:  cfg.Expiry.IncludeWeekly,
		IncludeMonthly: cfg.Expiry.IncludeMonthly,
	})

	a := &app{
		cfg:      cfg,
		metrics:  m,
		session:  session,
		client:   httpClient,
		limiter:  limiter,
		cache:    cache,
		gateway:  gateway,
		expiries: expiries,
		pool:     pool.New(cfg.System.NumThreads),
	}
	a.closers = append(a.closers, func() error { a.pool.Shutdown(); return nil })
	a.store = a.openStores(ctx)

	log.Info().
		Str("api_key", auth.Redact(session.APIKey())).
		Bool("token_valid", session.IsTokenValid()).
		Int("threads", cfg.System.NumThreads).
		Str("cache", cache.Path()).
		Msg("Initialized")
	return a, nil
}

// openStores always keeps results in memory and adds redis and postgres when
// configured and reachable.
func (a *app) openStores(ctx context.Context) store.Store {
	stores := store.Multi{store.NewMemory()}
	sc := a.cfg.Store

	if sc.RedisAddr != "" {
		r, err := store.DialRedis(ctx, sc.RedisAddr, sc.RedisPassword, sc.RedisDB, sc.RedisKey, sc.RedisTTL())
		if err != nil {
			log.Warn().Err(err).Msg("Redis store disabled")
		} else {
			stores = append(stores, r)
			a.closers = append(a.closers, r.Close)
		}
	}
	if sc.PostgresDSN != "" {
		p, err := store.OpenPostgres(ctx, sc.PostgresDSN, sc.PostgresTimeout())
		if err != nil {
			log.Warn().Err(err).Msg("Postgres store disabled")
		} else {
			stores = append(stores, p)
			a.closers = append(a.closers, p.Close)
		}
	}
	return stores
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
}

func (a *app) scanner() *scan.Scanner {
	cfg := a.cfg
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return scan.New(a.gateway, a.expiries, a.pool, cfg.Fees, cfg.Risk, a.metrics, scan.Options{
		Quantity:             cfg.Strategy.Quantity,
		MinStrikeDiff:        cfg.Strategy.MinStrikeDiff,
		MaxStrikeDiff:        cfg.Strategy.MaxStrikeDiff,
		WorstCaseSlippagePct: cfg.Strategy.WorstCaseSlippagePct,
		Filter: scan.Filter{
			MinROI:           cfg.Strategy.MinROI,
			MinProfitability: cfg.Strategy.MinProfitability,
			MaxSlippage:      cfg.Strategy.MaxSlippage,
			MinDepth:         cfg.Strategy.LiquidityFloor(),
		},
		StrikeRangePercent: cfg.OptionChain.StrikeRangePercent,
		SpotSymbol:         cfg.OptionChain.SpotSymbol,
		SpotExchange:       cfg.OptionChain.SpotExchange,
		QuoteBatchSize:     cfg.Pipeline.QuoteBatchSize,
		AnalysisChunkMax:   cfg.Pipeline.AnalysisChunkMax,
		BatchDelay:         ms(cfg.Pipeline.DelayBetweenBatchesMS),
		ExpiryDelay:        ms(cfg.Pipeline.DelayBetweenExpiriesMS),
		JitterMax:          ms(cfg.Pipeline.JitterMaxMS),
		ParallelThreshold:  cfg.Pipeline.ParallelGenerationThreshold,
		ParallelExpiries:   cfg.Expiry.ProcessInParallel,
		ProgressInterval:   time.Duration(cfg.Pipeline.ProgressIntervalSecs) * time.Second,
	})
}

func (a *app) runner() *scan.Runner {
	return scan.NewRunner(a.scanner(), a.store, a.metrics, scan.RunnerConfig{
		Underlying: a.cfg.Strategy.Underlying,
		Exchange:   a.cfg.Strategy.Exchange,
		Interval:   a.cfg.Strategy.ScanInterval(),
		Backoff:    a.cfg.Strategy.ErrorBackoff(),
		TopN:       a.cfg.Strategy.TopN,
	})
}

func runScan(ctx context.Context, configPath, logLevel string, flags scanFlags) error {
	cfg, err := loadConfig(configPath, logLevel, flags)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	run, err := a.runner().RunOnce(ctx)
	if err != nil {
		return err
	}
	if flags.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}
	printSpreads(run.Spreads, cfg.Strategy.TopN)
	return nil
}

func printSpreads(spreads []box.Spread, topN int) {
	if len(spreads) == 0 {
		fmt.Println("No profitable box spreads found.")
		return
	}
	if topN > 0 && len(spreads) > topN {
		spreads = spreads[:topN]
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "#\tID\tNET PREMIUM\tP/L\tSLIPPAGE\tFEES\tMARGIN\tROI %\tSCORE\t")
	for i, s := range spreads {
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.3f\t%.3f\t\n",
			i+1, s.ID, s.NetPremium, s.ProfitLoss, s.Slippage, s.Fees, s.Margin, s.ROI, s.Score)
	}
	w.Flush()
}

func runLoop(ctx context.Context, configPath, logLevel string, flags scanFlags, monitor bool) error {
	cfg, err := loadConfig(configPath, logLevel, flags)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	if monitor || cfg.Monitor.Enabled {
		srvCfg := httpserver.DefaultServerConfig()
		srvCfg.Host, srvCfg.Port = cfg.Monitor.Host, cfg.Monitor.Port
		srv := httpserver.NewServer(srvCfg, httpserver.Sources{
			Store:   a.store,
			Limits:  a.limiter,
			Pool:    a.pool,
			Breaker: a.client,
			Hosts:   a.client,
			Metrics: a.metrics,
			Version: version,
		})
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("Monitor server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Monitor shutdown failed")
			}
		}()
	}

	log.Info().
		Str("underlying", cfg.Strategy.Underlying).
		Str("exchange", cfg.Strategy.Exchange).
		Dur("interval", cfg.Strategy.ScanInterval()).
		Msg("Starting scan loop")
	return a.runner().Run(ctx)
}

func runCacheClear(ctx context.Context, configPath, logLevel string) error {
	cfg, err := loadConfig(configPath, logLevel, scanFlags{})
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.gateway.ClearCatalog(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	fmt.Printf("Cleared %s\n", a.cache.Path())
	return nil
}

func runCacheRefresh(ctx context.Context, configPath, logLevel string) error {
	cfg, err := loadConfig(configPath, logLevel, scanFlags{})
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	cat, err := a.gateway.RefreshCatalog(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh catalog: %w", err)
	}
	fmt.Printf("Cached %d instruments to %s\n", cat.Len(), a.cache.Path())
	return nil
}

func runExpiries(ctx context.Context, configPath, logLevel string, flags scanFlags) error {
	cfg, err := loadConfig(configPath, logLevel, flags)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	expiries, err := a.expiries.NextExpiries(ctx, cfg.Strategy.Underlying, cfg.Strategy.Exchange)
	if errors.Is(err, market.ErrUnauthenticated) {
		return fmt.Errorf("catalog not cached and no credentials to fetch it: %w", err)
	}
	if err != nil {
		return err
	}
	for _, exp := range expiries {
		fmt.Println(exp.Format(market.ExpiryLayout))
	}

	spot, err := a.gateway.FetchSpotOHLC(ctx, cfg.OptionChain.SpotSymbol, cfg.OptionChain.SpotExchange)
	if err != nil {
		log.Debug().Err(err).Msg("Spot session unavailable")
		return nil
	}
	log.Info().
		Str("symbol", cfg.OptionChain.SpotSymbol).
		Float64("last", spot.LastPrice).
		Float64("open", spot.OHLC.Open).
		Float64("high", spot.OHLC.High).
		Float64("low", spot.OHLC.Low).
		Float64("prev_close", spot.OHLC.Close).
		Msg("Spot session")
	return nil
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"venue-guard/internal/api"
	"venue-guard/internal/calibration"
	"venue-guard/internal/events"
	"venue-guard/internal/execution"
	"venue-guard/internal/microstructure"
	"venue-guard/internal/monitor"
	"venue-guard/internal/persistence"
	"venue-guard/internal/prefilter"
	"venue-guard/internal/risk"
	"venue-guard/internal/stream"
	"venue-guard/internal/validator"
	"venue-guard/internal/venuesync"
	"venue-guard/pkg/config"
	"venue-guard/pkg/db"
	"venue-guard/pkg/logging"
	"venue-guard/pkg/market/binance"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, !cfg.LogJSON)
	log.Info().Str("version", version).Interface("symbols", cfg.SymbolMap).Msg("starting venue-guard")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	quotes, mock := buildQuoteSource(cfg, log)
	svc, err := venuesync.New(serviceOptions(cfg), stream.NewWebSocketDialer(), quotes, bus, metrics, log)
	if err != nil {
		return fmt.Errorf("venue sync: %w", err)
	}
	if mock != nil {
		mock.Reference = svc.LatestPrice
	}

	th := cfg.Thresholds
	breaker := risk.NewBreaker(risk.BreakerConfig{
		ConsecutiveFailures: th.Breaker.ConsecutiveFailures,
		FailureRatio:        th.Breaker.FailureRatio,
		MinRequests:         th.Breaker.MinRequests,
		Cooldown:            th.Breaker.Cooldown,
		MaxDailyLoss:        th.Breaker.MaxDailyLoss,
	}, log)
	exposure := risk.NewExposureGuard(risk.ExposureLimits{
		MaxTradeRiskPct:  th.Exposure.MaxTradeRiskPct,
		MaxSymbolRiskPct: th.Exposure.MaxSymbolRiskPct,
		MaxSideRiskPct:   th.Exposure.MaxSideRiskPct,
		MaxTotalRiskPct:  th.Exposure.MaxTotalRiskPct,
	}, log)
	gate := prefilter.New(prefilter.Config{
		MinConfidence:  th.PreFilter.MinConfidence,
		PriceSanityPct: th.PreFilter.PriceSanityPct,
		DefaultRiskPct: th.PreFilter.DefaultRiskPct,
	}, log).
		WithBreaker(breaker).
		WithExposure(exposure).
		WithFeed(svc).
		WithEvents(bus).
		WithMetrics(metrics)

	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Log: log}, Log: log}
	mon.Start(ctx)

	var journal *persistence.Journal
	if cfg.EnableJournal {
		database, err := db.New(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()
		journal, err = persistence.NewJournal(database, bus, 50, 500*time.Millisecond, log)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		journal.Start(ctx)
		defer journal.Close()
		log.Info().Str("path", cfg.DBPath).Msg("decision journal enabled")
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	limiter := api.NewIPRateLimiter(cfg.APIRateLimit, cfg.APIRateBurst)
	go sweepLimiter(ctx, limiter)
	go resetDailyAtMidnight(ctx, breaker)

	deps := api.Deps{
		Bus: bus, Feed: svc, Gate: gate, Breaker: breaker, Exposure: exposure,
		Metrics: metrics, Limiter: limiter,
		Meta: api.SystemMeta{Version: version, SymbolMap: svc.SymbolMap(), MockQuotes: mock != nil},
	}
	if journal != nil {
		deps.Journal = journal
	}
	server := api.NewServer(deps, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.HTTPAddr) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}

// buildQuoteSource returns the execution quote source and, in mock mode, the
// mock so its reference hook can be attached once the service exists.
func buildQuoteSource(cfg *config.Config, log zerolog.Logger) (execution.QuoteSource, *execution.MockQuoteSource) {
	if cfg.UseMockQuote {
		m := execution.NewMockQuoteSource(time.Now().UnixNano())
		m.Offset = 50
		log.Warn().Msg("using mock execution quotes")
		return m, m
	}
	client := binance.NewClient(cfg.ExecRESTURL, "")
	return execution.NewRESTQuoteSource(client, cfg.QuoteRPS, cfg.QuoteBurst), nil
}

// serviceOptions maps the flat configuration onto the component configs.
func serviceOptions(cfg *config.Config) venuesync.Options {
	th := cfg.Thresholds
	channels := make([]stream.Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels = append(channels, stream.Channel(ch))
	}

	analyzer := microstructure.DefaultConfig()
	analyzer.DepthHistory = th.Analyzer.DepthHistory
	analyzer.TapeWindow = th.Analyzer.TapeWindow
	analyzer.ImbalanceLevels = th.Analyzer.ImbalanceLevels
	analyzer.ImbalanceThreshold = th.Analyzer.ImbalanceThreshold
	analyzer.VoidMultiplier = th.Analyzer.VoidMultiplier
	analyzer.Tiers = microstructure.WhaleTiers{
		Small:  th.Analyzer.WhaleSmall,
		Medium: th.Analyzer.WhaleMedium,
		Large:  th.Analyzer.WhaleLarge,
		Whale:  th.Analyzer.WhaleWhale,
	}
	analyzer.PressureWindow = th.Analyzer.PressureWindow
	analyzer.SpoofMinUSD = th.Analyzer.SpoofMinUSD
	analyzer.SpoofMaxSnapshots = th.Analyzer.SpoofMaxSnapshots
	analyzer.SpoofDropRatio = th.Analyzer.SpoofDropRatio

	return venuesync.Options{
		SymbolMap: cfg.SymbolMap,
		Channels:  channels,
		Stream: stream.Options{
			BaseURL:        cfg.StreamURL,
			KlineInterval:  th.Stream.KlineInterval,
			BaseDelay:      th.Stream.BaseDelay,
			MaxDelay:       th.Stream.MaxDelay,
			ConnectTimeout: th.Stream.ConnectTimeout,
			HealthyReset:   th.Stream.HealthyReset,
			StopGrace:      th.Stream.StopGrace,
		},
		CacheCapacity:  th.Stream.CacheCapacity,
		MaxTickAge:     th.Stream.MaxTickAge,
		SampleInterval: th.Calibration.Interval,
		Calibration: calibration.Config{
			Window:         th.Calibration.Window,
			StaleAfter:     th.Calibration.StaleAfter,
			AlertThreshold: th.Calibration.AlertThreshold,
			WarningOffset:  th.Calibration.WarningOffset,
			WarningAge:     th.Calibration.WarningAge,
			CriticalAge:    th.Calibration.CriticalAge,
		},
		Analyzer: analyzer,
		Validator: validator.Config{
			MaxOffset:           th.Validator.MaxOffset,
			MaxSpreadMultiplier: th.Validator.MaxSpreadMultiplier,
			MaxDivergencePct:    th.Validator.MaxDivergencePct,
			MaxDataAge:          th.Validator.MaxDataAge,
			CandleTolerancePct:  th.Validator.CandleTolerancePct,
		},
	}
}

func sweepLimiter(ctx context.Context, l *api.IPRateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// resetDailyAtMidnight clears the breaker's daily loss counters at UTC midnight.
func resetDailyAtMidnight(ctx context.Context, b *risk.Breaker) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			b.ResetDaily()
		}
	}
}

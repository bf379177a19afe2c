// Package config loads venue-guard settings from the environment (optionally
// via .env) with an optional YAML overlay for thresholds.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var knownChannels = map[string]bool{"kline": true, "trade": true, "depth": true, "aggTrade": true}

// Config holds environment-driven settings for venue-guard.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// SymbolMap maps execution symbol to reference symbol (SYMBOL_MAP=BTCUSD=BTCUSDT,...).
	SymbolMap map[string]string `yaml:"symbol_map"`
	Channels  []string          `yaml:"channels"`

	StreamURL    string  `yaml:"stream_url"`
	RESTURL      string  `yaml:"rest_url"`
	ExecRESTURL  string  `yaml:"exec_rest_url"`
	UseMockQuote bool    `yaml:"use_mock_quotes"`
	QuoteRPS     float64 `yaml:"quote_rps"`
	QuoteBurst   int     `yaml:"quote_burst"`

	DBPath        string `yaml:"db_path"`
	EnableJournal bool   `yaml:"enable_journal"`

	APIRateLimit float64 `yaml:"api_rate_limit"`
	APIRateBurst int     `yaml:"api_rate_burst"`

	Thresholds Thresholds `yaml:"thresholds"`
}

// Thresholds is every numeric knob of the feed and gate. Field names follow
// the THRESHOLDS_FILE YAML keys.
type Thresholds struct {
	Stream      StreamThresholds      `yaml:"stream"`
	Calibration CalibrationThresholds `yaml:"calibration"`
	Validator   ValidatorThresholds   `yaml:"validator"`
	Analyzer    AnalyzerThresholds    `yaml:"analyzer"`
	PreFilter   PreFilterThresholds   `yaml:"prefilter"`
	Breaker     BreakerThresholds     `yaml:"breaker"`
	Exposure    ExposureThresholds    `yaml:"exposure"`
}

type StreamThresholds struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	HealthyReset   time.Duration `yaml:"healthy_reset"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	KlineInterval  string        `yaml:"kline_interval"`
	CacheCapacity  int           `yaml:"cache_capacity"`
	MaxTickAge     time.Duration `yaml:"max_tick_age"`
}

type CalibrationThresholds struct {
	Window         int           `yaml:"window"`
	Interval       time.Duration `yaml:"interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	AlertThreshold float64       `yaml:"alert_threshold"`
	WarningOffset  float64       `yaml:"warning_offset"`
	WarningAge     time.Duration `yaml:"warning_age"`
	CriticalAge    time.Duration `yaml:"critical_age"`
}

type ValidatorThresholds struct {
	MaxOffset           float64       `yaml:"max_offset"`
	MaxSpreadMultiplier float64       `yaml:"max_spread_multiplier"`
	MaxDivergencePct    float64       `yaml:"max_divergence_pct"`
	MaxDataAge          time.Duration `yaml:"max_data_age"`
	CandleTolerancePct  float64       `yaml:"candle_tolerance_pct"`
}

type AnalyzerThresholds struct {
	DepthHistory       int           `yaml:"depth_history"`
	TapeWindow         time.Duration `yaml:"tape_window"`
	ImbalanceLevels    int           `yaml:"imbalance_levels"`
	ImbalanceThreshold float64       `yaml:"imbalance_threshold"`
	VoidMultiplier     float64       `yaml:"void_multiplier"`
	WhaleSmall         float64       `yaml:"whale_small"`
	WhaleMedium        float64       `yaml:"whale_medium"`
	WhaleLarge         float64       `yaml:"whale_large"`
	WhaleWhale         float64       `yaml:"whale_whale"`
	PressureWindow     time.Duration `yaml:"pressure_window"`
	SpoofMinUSD        float64       `yaml:"spoof_min_usd"`
	SpoofMaxSnapshots  int           `yaml:"spoof_max_snapshots"`
	SpoofDropRatio     float64       `yaml:"spoof_drop_ratio"`
}

type PreFilterThresholds struct {
	MinConfidence  float64 `yaml:"min_confidence"`
	PriceSanityPct float64 `yaml:"price_sanity_pct"`
	DefaultRiskPct float64 `yaml:"default_risk_pct"`
}

type BreakerThresholds struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	FailureRatio        float64       `yaml:"failure_ratio"`
	MinRequests         uint32        `yaml:"min_requests"`
	Cooldown            time.Duration `yaml:"cooldown"`
	MaxDailyLoss        float64       `yaml:"max_daily_loss"`
}

type ExposureThresholds struct {
	MaxTradeRiskPct  float64 `yaml:"max_trade_risk_pct"`
	MaxSymbolRiskPct float64 `yaml:"max_symbol_risk_pct"`
	MaxSideRiskPct   float64 `yaml:"max_side_risk_pct"`
	MaxTotalRiskPct  float64 `yaml:"max_total_risk_pct"`
}

// DefaultThresholds mirrors the component defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Stream: StreamThresholds{
			BaseDelay: time.Second, MaxDelay: 60 * time.Second, ConnectTimeout: 10 * time.Second,
			HealthyReset: 30 * time.Second, StopGrace: 5 * time.Second, KlineInterval: "1m",
			CacheCapacity: 1000, MaxTickAge: 60 * time.Second,
		},
		Calibration: CalibrationThresholds{
			Window: 60, Interval: 10 * time.Second, StaleAfter: 5 * time.Minute, AlertThreshold: 50,
			WarningOffset: 100, WarningAge: 60 * time.Second, CriticalAge: 5 * time.Minute,
		},
		Validator: ValidatorThresholds{
			MaxOffset: 100, MaxSpreadMultiplier: 3, MaxDivergencePct: 5,
			MaxDataAge: 60 * time.Second, CandleTolerancePct: 0.5,
		},
		Analyzer: AnalyzerThresholds{
			DepthHistory: 20, TapeWindow: 60 * time.Second, ImbalanceLevels: 5, ImbalanceThreshold: 1.5,
			VoidMultiplier: 2, WhaleSmall: 50_000, WhaleMedium: 100_000, WhaleLarge: 500_000,
			WhaleWhale: 1_000_000, PressureWindow: 30 * time.Second, SpoofMinUSD: 10_000,
			SpoofMaxSnapshots: 5, SpoofDropRatio: 0.5,
		},
		PreFilter: PreFilterThresholds{MinConfidence: 70, PriceSanityPct: 1, DefaultRiskPct: 1},
		Breaker: BreakerThresholds{
			ConsecutiveFailures: 3, FailureRatio: 0.5, MinRequests: 10, Cooldown: 5 * time.Minute,
			MaxDailyLoss: 2000,
		},
		Exposure: ExposureThresholds{MaxTradeRiskPct: 2, MaxSymbolRiskPct: 4, MaxSideRiskPct: 6, MaxTotalRiskPct: 10},
	}
}

// Load reads environment variables (optionally via .env) into Config and
// applies THRESHOLDS_FILE when set. The result is validated.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	symbolMap, err := ParseSymbolPairs(getEnv("SYMBOL_MAP", "BTCUSD=BTCUSDT,ETHUSD=ETHUSDT"))
	if err != nil {
		return nil, err
	}

	th := DefaultThresholds()
	th.Stream.KlineInterval = getEnv("KLINE_INTERVAL", th.Stream.KlineInterval)
	th.Stream.BaseDelay = getEnvDuration("RECONNECT_BASE_DELAY", th.Stream.BaseDelay)
	th.Stream.MaxDelay = getEnvDuration("RECONNECT_MAX_DELAY", th.Stream.MaxDelay)
	th.Calibration.Window = getEnvInt("CALIBRATION_WINDOW", th.Calibration.Window)
	th.Calibration.Interval = getEnvDuration("CALIBRATION_INTERVAL", th.Calibration.Interval)
	th.Validator.MaxOffset = getEnvFloat("MAX_OFFSET", th.Validator.MaxOffset)
	th.PreFilter.MinConfidence = getEnvFloat("MIN_CONFIDENCE", th.PreFilter.MinConfidence)

	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogJSON:       getEnvBool("LOG_JSON", true),
		SymbolMap:     symbolMap,
		Channels:      splitAndTrim(getEnv("STREAM_CHANNELS", "kline,depth,aggTrade")),
		StreamURL:     getEnv("STREAM_URL", ""),
		RESTURL:       getEnv("REFERENCE_REST_URL", ""),
		ExecRESTURL:   getEnv("EXEC_REST_URL", ""),
		UseMockQuote:  getEnvBool("USE_MOCK_QUOTES", true),
		QuoteRPS:      getEnvFloat("QUOTE_RPS", 5),
		QuoteBurst:    getEnvInt("QUOTE_BURST", 5),
		DBPath:        getEnv("DB_PATH", "./data/venue_guard.db"),
		EnableJournal: getEnvBool("ENABLE_JOURNAL", true),
		APIRateLimit:  getEnvFloat("API_RATE_LIMIT", 20),
		APIRateBurst:  getEnvInt("API_RATE_BURST", 40),
		Thresholds:    th,
	}

	if path := getEnv("THRESHOLDS_FILE", ""); path != "" {
		if err := cfg.ApplyThresholdsFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyThresholdsFile overlays the YAML file at path onto the thresholds.
// Keys absent from the file keep their current value.
func (c *Config) ApplyThresholdsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read thresholds file: %v", ErrInvalidConfig, err)
	}
	return c.ApplyThresholds(raw)
}

// ApplyThresholds overlays YAML bytes onto the thresholds.
func (c *Config) ApplyThresholds(raw []byte) error {
	if err := yaml.Unmarshal(raw, &c.Thresholds); err != nil {
		return fmt.Errorf("%w: parse thresholds: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if len(c.SymbolMap) == 0 {
		return fmt.Errorf("%w: no symbols configured", ErrInvalidConfig)
	}
	for exec, ref := range c.SymbolMap {
		if strings.TrimSpace(exec) == "" || strings.TrimSpace(ref) == "" {
			return fmt.Errorf("%w: empty symbol in mapping %q=%q", ErrInvalidConfig, exec, ref)
		}
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("%w: no stream channels configured", ErrInvalidConfig)
	}
	for _, ch := range c.Channels {
		if !knownChannels[ch] {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidConfig, ch)
		}
	}

	t := c.Thresholds
	positive := []struct {
		name string
		ok   bool
	}{
		{"stream.base_delay", t.Stream.BaseDelay > 0},
		{"stream.max_delay", t.Stream.MaxDelay >= t.Stream.BaseDelay},
		{"stream.connect_timeout", t.Stream.ConnectTimeout > 0},
		{"stream.stop_grace", t.Stream.StopGrace > 0},
		{"stream.cache_capacity", t.Stream.CacheCapacity > 0},
		{"stream.max_tick_age", t.Stream.MaxTickAge > 0},
		{"calibration.window", t.Calibration.Window > 0},
		{"calibration.interval", t.Calibration.Interval > 0},
		{"calibration.stale_after", t.Calibration.StaleAfter > 0},
		{"validator.max_offset", t.Validator.MaxOffset > 0},
		{"validator.max_spread_multiplier", t.Validator.MaxSpreadMultiplier > 1},
		{"validator.max_divergence_pct", t.Validator.MaxDivergencePct > 0},
		{"validator.max_data_age", t.Validator.MaxDataAge > 0},
		{"analyzer.depth_history", t.Analyzer.DepthHistory >= 10},
		{"analyzer.tape_window", t.Analyzer.TapeWindow >= 60*time.Second},
		{"analyzer.pressure_window", t.Analyzer.PressureWindow > 0},
		{"prefilter.min_confidence", t.PreFilter.MinConfidence > 0},
		{"breaker.cooldown", t.Breaker.Cooldown > 0},
		{"exposure.max_total_risk_pct", t.Exposure.MaxTotalRiskPct > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%w: %s out of range", ErrInvalidConfig, p.name)
		}
	}
	tiers := t.Analyzer
	if !(tiers.WhaleSmall < tiers.WhaleMedium && tiers.WhaleMedium < tiers.WhaleLarge && tiers.WhaleLarge < tiers.WhaleWhale) {
		return fmt.Errorf("%w: whale tiers must be strictly increasing", ErrInvalidConfig)
	}
	return nil
}

// ExecSymbols returns the configured execution symbols, sorted.
func (c *Config) ExecSymbols() []string {
	out := make([]string, 0, len(c.SymbolMap))
	for exec := range c.SymbolMap {
		out = append(out, exec)
	}
	sort.Strings(out)
	return out
}

// ParseSymbolPairs parses "EXEC=REF,EXEC=REF" into an upper-cased map.
func ParseSymbolPairs(val string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitAndTrim(val) {
		exec, ref, ok := strings.Cut(pair, "=")
		exec, ref = strings.ToUpper(strings.TrimSpace(exec)), strings.ToUpper(strings.TrimSpace(ref))
		if !ok || exec == "" || ref == "" {
			return nil, fmt.Errorf("%w: malformed symbol mapping %q (want EXEC=REF)", ErrInvalidConfig, pair)
		}
		out[exec] = ref
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

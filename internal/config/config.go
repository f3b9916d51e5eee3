// Package config loads process configuration from the environment (via a
// .env file) plus a YAML strategy overlay, and exposes a
// single immutable Config value threaded through every constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nof1ai/perpengine/internal/logger"
)

// Config is the fully-resolved, read-only process configuration.
type Config struct {
	Exchange        string // "binance", "bybit", "hyperliquid", "simulated"
	APIKey          string
	APISecret       string
	Testnet         bool
	DataDir         string
	AdminAddr       string
	LLMBaseURL      string
	LLMAPIKey       string
	LLMModel        string
	LLMTimeout      time.Duration
	Symbols         []string
	InitialBalance  float64
	MaxPositions    int
	MaxLeverage     int
	MinConfidence   float64
	MinMarginUSD    float64
	NeutralBandPct  float64
	IntradayRSIHigh float64
	IntradayRSILow  float64
	CycleFastSecs   int
	CycleMedSecs    int
	CycleSlowSecs   int
	ExitMonitorSecs int
	HTFInterval     string

	Strategy StrategyOverlay
}

// StrategyOverlay carries the per-coin and tiered parameters that are
// configuration rather than code constants.
type StrategyOverlay struct {
	CoinStopLossMultiplier     map[string]float64 `yaml:"coin_stop_loss_multiplier"`
	PartialProfitTiers         []ProfitTier       `yaml:"partial_profit_tiers"`
	RegimeMultipliers          map[string]float64 `yaml:"regime_multipliers"`
	ShortEnhancementMultiplier float64            `yaml:"short_enhancement_multiplier"`
}

// ProfitTier is one notional-size band of the tiered partial-profit ladder.
type ProfitTier struct {
	MaxNotionalUSD float64   `yaml:"max_notional_usd"`
	Triggers       []float64 `yaml:"triggers"`
	Fractions      []float64 `yaml:"fractions"`
}

func Load(envPath, strategyPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			logger.Warnf("no .env file loaded from %s: %v", envPath, err)
		}
	}

	cfg := Config{
		Exchange:        getenv("EXCHANGE", "simulated"),
		APIKey:          os.Getenv("EXCHANGE_API_KEY"),
		APISecret:       os.Getenv("EXCHANGE_API_SECRET"),
		Testnet:         getenvBool("EXCHANGE_TESTNET", true),
		DataDir:         getenv("DATA_DIR", "./data"),
		AdminAddr:       getenv("ADMIN_ADDR", ":8090"),
		LLMBaseURL:      getenv("LLM_BASE_URL", ""),
		LLMAPIKey:       os.Getenv("LLM_API_KEY"),
		LLMModel:        getenv("LLM_MODEL", "default"),
		LLMTimeout:      120 * time.Second,
		Symbols:         strings.Split(getenv("SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT"), ","),
		InitialBalance:  getenvFloat("INITIAL_BALANCE", 1000),
		MaxPositions:    int(getenvFloat("MAX_POSITIONS", 5)),
		MaxLeverage:     int(getenvFloat("MAX_LEVERAGE", 10)),
		MinConfidence:   getenvFloat("MIN_CONFIDENCE", 0.4),
		MinMarginUSD:    getenvFloat("MIN_POSITION_MARGIN", 10),
		NeutralBandPct:  getenvFloat("EMA_NEUTRAL_BAND", 0.0015),
		IntradayRSIHigh: getenvFloat("INTRADAY_RSI_HIGH", 60),
		IntradayRSILow:  getenvFloat("INTRADAY_RSI_LOW", 40),
		CycleFastSecs:   int(getenvFloat("CYCLE_FAST_SECS", 120)),
		CycleMedSecs:    int(getenvFloat("CYCLE_MED_SECS", 180)),
		CycleSlowSecs:   int(getenvFloat("CYCLE_SLOW_SECS", 240)),
		ExitMonitorSecs: int(getenvFloat("EXIT_MONITOR_SECS", 45)),
		HTFInterval:     getenv("HTF_INTERVAL", "1h"),
	}

	if strategyPath != "" {
		data, err := os.ReadFile(strategyPath)
		if err != nil {
			return cfg, fmt.Errorf("reading strategy overlay: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Strategy); err != nil {
			return cfg, fmt.Errorf("parsing strategy overlay: %w", err)
		}
	} else {
		cfg.Strategy = DefaultStrategy()
	}

	return cfg, nil
}

// DefaultStrategy supplies the built-in parameters when no overlay file
// is given.
func DefaultStrategy() StrategyOverlay {
	return StrategyOverlay{
		CoinStopLossMultiplier: map[string]float64{
			"BTCUSDT": 1.0,
			"ETHUSDT": 1.1,
			"SOLUSDT": 1.3,
		},
		// Six notional bands; small positions take profit aggressively
		// (triggers up to 1.1%), very large ones conservatively (from
		// 0.3%). Close fractions are 25/50/75% at every band.
		PartialProfitTiers: []ProfitTier{
			{MaxNotionalUSD: 150, Triggers: []float64{0.007, 0.009, 0.011}, Fractions: []float64{0.25, 0.50, 0.75}},
			{MaxNotionalUSD: 300, Triggers: []float64{0.007, 0.009, 0.011}, Fractions: []float64{0.25, 0.50, 0.75}},
			{MaxNotionalUSD: 400, Triggers: []float64{0.006, 0.008, 0.010}, Fractions: []float64{0.25, 0.50, 0.75}},
			{MaxNotionalUSD: 500, Triggers: []float64{0.005, 0.007, 0.009}, Fractions: []float64{0.25, 0.50, 0.75}},
			{MaxNotionalUSD: 600, Triggers: []float64{0.004, 0.006, 0.008}, Fractions: []float64{0.25, 0.50, 0.75}},
			{MaxNotionalUSD: 1 << 30, Triggers: []float64{0.003, 0.005, 0.007}, Fractions: []float64{0.25, 0.50, 0.75}},
		},
		RegimeMultipliers: map[string]float64{
			"trending": 1.15,
			"ranging":  0.85,
			"neutral":  1.0,
		},
		ShortEnhancementMultiplier: 1.15,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

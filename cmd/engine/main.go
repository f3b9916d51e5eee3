package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nof1ai/perpengine/internal/admin"
	"github.com/nof1ai/perpengine/internal/config"
	"github.com/nof1ai/perpengine/internal/engine"
	"github.com/nof1ai/perpengine/internal/exchange"
	"github.com/nof1ai/perpengine/internal/exchange/binance"
	"github.com/nof1ai/perpengine/internal/exchange/bybit"
	"github.com/nof1ai/perpengine/internal/exchange/hyperliquid"
	"github.com/nof1ai/perpengine/internal/exitmonitor"
	"github.com/nof1ai/perpengine/internal/llm"
	"github.com/nof1ai/perpengine/internal/logger"
	"github.com/nof1ai/perpengine/internal/market"
	"github.com/nof1ai/perpengine/internal/performance"
	"github.com/nof1ai/perpengine/internal/portfolio"
	"github.com/nof1ai/perpengine/internal/risk"
	"github.com/nof1ai/perpengine/internal/store"
)

type storeAlertSink struct {
	st *store.Store
}

func (s storeAlertSink) Append(a portfolio.Alert) error {
	return s.st.AppendLine(store.Alerts, a)
}

func main() {
	logger.SetLevel(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load(".env", os.Getenv("STRATEGY_FILE"))
	if err != nil {
		logger.Errorf("loading config: %v", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		logger.Errorf("opening state store at %s: %v", cfg.DataDir, err)
		os.Exit(1)
	}

	ledger := portfolio.NewLedger(portfolio.New(cfg.InitialBalance))
	ledger.WireAlerts(storeAlertSink{st: st})
	ledger.SetTrendParams(cfg.NeutralBandPct, cfg.IntradayRSIHigh, cfg.IntradayRSILow)

	provider := market.NewProvider(cfg.APIKey, cfg.APISecret, cfg.Symbols)

	exch, err := buildExchange(cfg)
	if err != nil {
		logger.Errorf("initializing %s exchange adapter: %v", cfg.Exchange, err)
		os.Exit(1)
	}

	llmClient := llm.NewClient(
		llm.WithBaseURL(cfg.LLMBaseURL),
		llm.WithAPIKey(cfg.LLMAPIKey),
		llm.WithModel(cfg.LLMModel),
		llm.WithTimeout(cfg.LLMTimeout),
		llm.WithCoins(cfg.Symbols),
	)

	riskMgr := risk.NewManager(ledger, cfg.MaxPositions, cfg.MinMarginUSD)
	exitMon := exitmonitor.New(ledger, cfg.Strategy.PartialProfitTiers)
	perf := performance.New(st)

	eng := engine.New(cfg, st, ledger, provider, riskMgr, exitMon, llmClient, exch, perf)
	if err := eng.LoadState(); err != nil {
		logger.Errorf("restoring persisted state: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if exch != nil {
		reconcile(ctx, exch, ledger)
	}

	feed := market.NewWSFeed(cfg.Symbols)
	go feed.Run()
	go warmPriceCache(ctx, feed, provider, cfg.Symbols)

	adminSrv := admin.New(st, perf, cfg.DataDir, ledger.Snapshot)
	go func() {
		if err := adminSrv.Run(cfg.AdminAddr); err != nil {
			logger.Errorf("admin server: %v", err)
		}
	}()

	sched := engine.NewScheduler(eng, st,
		time.Duration(cfg.CycleFastSecs)*time.Second,
		time.Duration(cfg.CycleMedSecs)*time.Second,
		time.Duration(cfg.CycleSlowSecs)*time.Second,
		time.Duration(cfg.ExitMonitorSecs)*time.Second,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("received %v, stopping", sig)
		sched.Stop()
		cancel()
	}()

	logger.Infof("engine starting: mode=%s coins=%v balance=%.2f", cfg.Exchange, cfg.Symbols, cfg.InitialBalance)
	sched.Run(ctx)

	feed.Stop()
	logger.Info("engine stopped")
}

// buildExchange returns nil in simulation mode; every decision then applies
// to the ledger only.
func buildExchange(cfg config.Config) (exchange.Adapter, error) {
	switch cfg.Exchange {
	case "simulated", "":
		return nil, nil
	case "binance":
		if cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, errMissingCredentials
		}
		b := binance.New(cfg.APIKey, cfg.APISecret, cfg.Testnet)
		return b, b.Preload(context.Background())
	case "bybit":
		if cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, errMissingCredentials
		}
		b := bybit.New(cfg.APIKey, cfg.APISecret, cfg.Testnet)
		return b, b.Preload(context.Background())
	case "hyperliquid":
		if cfg.APISecret == "" {
			return nil, errMissingCredentials
		}
		b, err := hyperliquid.New(cfg.APISecret, cfg.APIKey, cfg.Testnet)
		if err != nil {
			return nil, err
		}
		return b, b.Preload(context.Background())
	default:
		return nil, errUnknownExchange(cfg.Exchange)
	}
}

type exchangeError string

func (e exchangeError) Error() string { return string(e) }

const errMissingCredentials = exchangeError("exchange credentials missing in live mode")

func errUnknownExchange(name string) error {
	return exchangeError("unknown exchange: " + name)
}

// reconcile logs divergence between the ledger's restored positions and the
// exchange's live view at startup.
func reconcile(ctx context.Context, exch exchange.Adapter, ledger *portfolio.Ledger) {
	live, err := exch.GetPositionsSnapshot(ctx)
	if err != nil {
		logger.Warnf("startup position reconciliation failed: %v", err)
		return
	}
	snap := ledger.Snapshot()
	for symbol := range snap.Positions {
		if _, ok := live[symbol]; !ok {
			logger.Warnf("position %s exists in ledger but not on exchange", symbol)
		}
	}
	for symbol := range live {
		if _, ok := snap.Positions[symbol]; !ok {
			logger.Warnf("position %s exists on exchange but not in ledger", symbol)
		}
	}
}

// warmPriceCache copies websocket mark prices into the provider's fallback
// cache between REST polls.
func warmPriceCache(ctx context.Context, feed *market.WSFeed, provider *market.Provider, coins []string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, coin := range coins {
				if price, ok := feed.Price(coin); ok {
					provider.SetLastKnownPrice(coin, price)
				}
			}
		}
	}
}

// brokerstore-history backfills the Parquet bar archive for the configured
// symbols and optionally replays the configured strategy over the archive.
//
// Usage:
//
//	go run ./cmd/brokerstore-history -symbols AAPL,MSFT -duration "1 Y" -replay
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"brokerstore/internal/archive"
	"brokerstore/internal/broker"
	"brokerstore/internal/config"
	"brokerstore/internal/domain"
	"brokerstore/internal/store"
	"brokerstore/internal/strategy"
	"brokerstore/internal/strategy/builtins"
	"brokerstore/internal/util"
)

func main() {
	cfgPath := flag.String("config", "config/brokerstore.yaml", "path to the YAML config")
	symbols := flag.String("symbols", "", "comma-separated symbols (default: trading.symbols)")
	duration := flag.String("duration", "", "history span, e.g. \"6 M\" (default: trading.duration)")
	barSize := flag.String("bar-size", "", "bar size, e.g. \"1 day\" (default: trading.bar_size)")
	replay := flag.Bool("replay", false, "replay the configured strategy over the archived bars")
	flag.Parse()
	if p := os.Getenv("BROKERSTORE_CONFIG"); p != "" {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	syms := cfg.Trading.Symbols
	if *symbols != "" {
		syms = strings.Split(*symbols, ",")
	}
	if *duration == "" {
		*duration = cfg.Trading.Duration
	}
	if *barSize == "" {
		*barSize = cfg.Trading.BarSize
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, stream, err := broker.FromConfig(cfg)
	if err != nil {
		log.Fatalf("backend: %v", err)
	}
	arch := archive.NewParquetArchive(cfg.Storage.DataDir, client.Name())

	opts := store.OptionsFromConfig(cfg)
	opts.Archive = arch
	st := store.New(client, stream, opts)
	if !st.Start(ctx) {
		log.Fatalf("could not connect to %s", client.Name())
	}
	defer st.Stop()

	contracts := make([]domain.Contract, 0, len(syms))
	for _, s := range syms {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		contracts = append(contracts, store.MakeContract(s, cfg.Trading.SecType, cfg.Trading.Exchange, cfg.Trading.Currency, "", 0, "", ""))
	}

	start := time.Now()
	got, err := st.HistoricalDataParallel(ctx, contracts, *duration, *barSize)
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	for _, c := range contracts {
		bars, ok := got[c.Symbol]
		if !ok {
			slog.Warn("no history", "symbol", c.Symbol)
			continue
		}
		slog.Info("archived", "symbol", c.Symbol, "bars", len(bars))
	}
	stats := st.Contracts().Stats()
	slog.Info("backfill complete", "symbols", len(got), "elapsed", time.Since(start).Round(time.Millisecond),
		"searches", stats.Searches, "cache_hits", stats.Hits)

	if !*replay {
		return
	}

	reg := strategy.NewRegistry()
	if err := builtins.Register(reg); err != nil {
		log.Fatalf("registering strategies: %v", err)
	}
	sc := cfg.Trading.Strategy
	for sym, bars := range got {
		if len(bars) == 0 {
			continue
		}
		s, err := reg.New(sc.Name, strategy.Params{
			Symbol:       sym,
			FastPeriod:   sc.FastPeriod,
			SlowPeriod:   sc.SlowPeriod,
			SignalPeriod: sc.SignalPeriod,
			ATRPeriod:    sc.ATRPeriod,
		})
		if err != nil {
			log.Fatalf("strategy: %v", err)
		}
		from, to := bars[0].Timestamp, bars[len(bars)-1].Timestamp
		res, sigs, err := strategy.Replay(ctx, arch, s, sym, from, to)
		if err != nil {
			slog.Error("replay failed", "symbol", sym, "error", err)
			continue
		}
		slog.Info("replay", "symbol", sym, "strategy", s.Name(), "bars", res.Bars, "buys", res.Buys, "sells", res.Sells)
		for _, sig := range sigs {
			slog.Debug("signal", "symbol", sym, "type", sig.Type, "at", sig.CreatedAt, "strength", sig.Strength)
		}
	}
}

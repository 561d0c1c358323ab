// brokerstore connects to the configured backend, runs the configured
// strategy over one feed per symbol and routes its signals through the
// engine. Historical mode exits after the replay; live mode runs until
// interrupted.
//
// Usage:
//
//	go run ./cmd/brokerstore -config config/brokerstore.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"brokerstore/internal/archive"
	"brokerstore/internal/broker"
	"brokerstore/internal/config"
	"brokerstore/internal/domain"
	"brokerstore/internal/engine"
	"brokerstore/internal/feed"
	"brokerstore/internal/health"
	"brokerstore/internal/store"
	"brokerstore/internal/strategy"
	"brokerstore/internal/strategy/builtins"
	"brokerstore/internal/util"
)

func main() {
	cfgPath := flag.String("config", "config/brokerstore.yaml", "path to the YAML config")
	flag.Parse()
	if p := os.Getenv("BROKERSTORE_CONFIG"); p != "" {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("brokerstore: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	client, stream, err := broker.FromConfig(cfg)
	if err != nil {
		return err
	}

	opts := store.OptionsFromConfig(cfg)
	opts.Archive = archive.NewParquetArchive(cfg.Storage.DataDir, client.Name())
	mode := feed.Historical
	if cfg.Trading.Live {
		mode = feed.Live
	}
	opts.NewData = feed.Factory(feed.Options{
		Mode:     mode,
		Duration: cfg.Trading.Duration,
		BarSize:  cfg.Trading.BarSize,
	})
	st := store.New(client, stream, opts)

	var journal engine.Journal
	if cfg.Storage.SQLitePath != "" {
		j, err := archive.OpenJournal(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer j.Close()
		journal = j
	}

	cal := util.NewTradingCalendar(domain.Market(cfg.Trading.Market))
	eng := engine.NewEngine(st,
		engine.NewRiskManager(cfg.Trading.MaxPositionPct, cfg.Trading.MaxDailyLossPct),
		engine.Options{Journal: journal, OrderQty: cfg.Trading.OrderQty, Calendar: cal},
	)
	if cfg.Trading.Live && !cal.IsMarketOpen(time.Now()) {
		slog.Warn("market is closed; live bars will not arrive until the open", "market", cfg.Trading.Market)
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	if cfg.Server.GRPCPort > 0 {
		srv, err := serveHealth(healthCtx, cfg, st)
		if err != nil {
			return err
		}
		defer srv.GracefulStop()
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	reg := strategy.NewRegistry()
	if err := builtins.Register(reg); err != nil {
		return err
	}

	type job struct {
		contract domain.Contract
		source   strategy.BarSource
		strat    strategy.Strategy
	}
	var jobs []job
	for _, sym := range cfg.Trading.Symbols {
		c := store.MakeContract(sym, cfg.Trading.SecType, cfg.Trading.Exchange, cfg.Trading.Currency, "", 0, "", "")
		src, ok := st.GetData(c).(strategy.BarSource)
		if !ok {
			return fmt.Errorf("data feed for %s yields no bars", sym)
		}
		sc := cfg.Trading.Strategy
		strat, err := reg.New(sc.Name, strategy.Params{
			Symbol:       sym,
			FastPeriod:   sc.FastPeriod,
			SlowPeriod:   sc.SlowPeriod,
			SignalPeriod: sc.SignalPeriod,
			ATRPeriod:    sc.ATRPeriod,
		})
		if err != nil {
			return err
		}
		jobs = append(jobs, job{contract: c, source: src, strat: strat})
	}
	if len(jobs) == 0 {
		slog.Warn("no symbols configured")
		return nil
	}

	st.StartDatas(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			r := &strategy.Runner{Strategy: j.strat, Source: j.source, Sink: eng, Contract: j.contract}
			res, err := r.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			slog.Info("strategy run complete", "symbol", j.contract.Symbol, "bars", res.Bars,
				"signals", res.Signals, "buys", res.Buys, "sells", res.Sells, "failed", res.Failed)
			return err
		})
	}
	err = g.Wait()
	st.StopDatas()

	for _, o := range eng.Notifications() {
		slog.Info("order", "id", o.ID, "symbol", o.Symbol, "side", o.Side, "status", o.Status, "filled", o.FilledQty)
	}
	for _, n := range st.GetNotifications() {
		slog.Info("store notification", "level", n.Level, "message", n.Message)
	}
	slog.Info("account", "cash", eng.Cash(ctx), "value", eng.Value(ctx),
		"starting_value", eng.StartingValue(), "contracts", st.Contracts().Len())
	return err
}

func serveHealth(ctx context.Context, cfg *config.Config, st *store.Store) (*grpc.Server, error) {
	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.GRPCPort))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	rep := health.NewReporter(st, 10*time.Second)
	rep.RegisterGRPC(srv)

	go rep.Run(ctx)
	go func() {
		if err := srv.Serve(lis); err != nil {
			slog.Error("health server stopped", "error", err)
		}
	}()
	slog.Info("health server listening", "addr", addr)
	return srv, nil
}

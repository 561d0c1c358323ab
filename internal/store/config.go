package store

import (
	"brokerstore/internal/config"
	"brokerstore/internal/contracts"
	"brokerstore/internal/session"
)

// OptionsFromConfig maps the store, ibkr and trading sections onto Options.
// Archive and factories are left for the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	sc := cfg.Store
	return Options{
		Backend:          cfg.Backend,
		ClientID:         sc.ClientID,
		AccountID:        cfg.IBKR.AccountID,
		Debug:            sc.Debug,
		MarketDataFields: sc.MarketDataFields,
		ParallelRequests: sc.ParallelRequests,
		MaxConcurrent:    sc.MaxConcurrentRequests,
		RequestDelay:     sc.RequestDelay(),
		Session: session.Options{
			Reconnect:    sc.Reconnect,
			RetryDelay:   sc.RetryDelay(),
			PumpInterval: sc.PumpInterval(),
			PollInterval: sc.PollInterval(),
			JoinTimeout:  sc.JoinTimeout(),
			Tickler:      sc.EnableTickler,
			TicklerEvery: sc.TicklerInterval(),
		},
		Contracts: contracts.Options{
			Cache:      sc.CacheContracts(),
			TrackStats: sc.EnablePerformanceTracking,
		},
		Historical: HistoryOptions{
			Duration: cfg.Trading.Duration,
			BarSize:  cfg.Trading.BarSize,
		},
	}
}

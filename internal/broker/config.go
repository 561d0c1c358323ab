package broker

import (
	"fmt"

	"brokerstore/internal/config"
)

// FromConfig builds the client and streamer of the configured backend.
// Paper mode always selects the simulator.
func FromConfig(cfg *config.Config) (Client, Streamer, error) {
	backend := cfg.Backend
	if cfg.Trading.PaperMode {
		backend = config.BackendSimulator
	}

	switch backend {
	case config.BackendIBKR:
		tokenFile := ""
		if cfg.IBKR.UseOAuth {
			tokenFile = cfg.IBKR.OAuthTokenFile
			if tokenFile == "" {
				tokenFile = cfg.IBKR.CredentialFile
			}
		}
		client := NewIBKRClient(IBKROptions{
			BaseURL:       cfg.IBKR.BaseURL(),
			TokenFile:     tokenFile,
			InsecureTLS:   cfg.IBKR.InsecureTLS,
			RequestDelay:  cfg.Store.RequestDelay(),
			MaxConcurrent: cfg.Store.MaxConcurrentRequests,
		})
		return client, NewIBKRStreamer(cfg.IBKR.StreamURL(), client, cfg.IBKR.InsecureTLS), nil

	case config.BackendAlpaca:
		opts := AlpacaOptions{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.BaseURL,
			DataURL:   cfg.Alpaca.DataURL,
			StreamURL: cfg.Alpaca.StreamURL,
			Feed:      cfg.Alpaca.Feed,
		}
		return NewAlpacaClient(opts), NewAlpacaStreamer(opts), nil

	case config.BackendSimulator:
		sim := NewSimulator()
		sim.EnableAutoContracts()
		return sim, sim, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", backend)
}

package config

import (
	"encoding/json"
	"os"

	"positionmonitor/internal/models"
)

// Defaults returns the baseline operator-facing configuration: tick
// periods, adapter timeouts, and trailing-stop parameters.
func Defaults() *models.Config {
	return &models.Config{
		PriceTickMs:                  30_000,
		SyncTickMs:                   60_000,
		PriceFetchTimeoutMs:          10_000,
		TrailingStopEpsilon:          0.01,
		TrailingStopEnabledByDefault: true,
		StopGracePeriodMs:            5_000,
		MaxConcurrentChecks:          16,
		BadgerPath:                   "data/positions",
		ActiveCollectionName:         "positions",
		HistoryDBPath:                "data/history.db",
		PriceBaseURL:                 "https://fapi.binance.com",
		PriceWSBaseURL:               "wss://fstream.binance.com",
		SwapBaseURL:                  "https://fapi.binance.com",
		Log: models.LogConfig{
			Level:  "info",
			Output: "console",
		},
	}
}

// LoadConfig reads a JSON configuration file and overlays it onto the
// defaults. Missing fields keep their default value.
func LoadConfig(path string) (*models.Config, error) {
	cfg := Defaults()

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

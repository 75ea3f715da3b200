// Package models defines the data shapes shared across the position
// monitor: the durable position record, its terminal outcome, the
// registration request external intake submits, and process configuration.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of the entry trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the reversing side for a trade.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Status is the one-way lifecycle state of a position.
type Status string

const (
	StatusActive Status = "active"
	StatusExited Status = "exited"
	StatusFailed Status = "failed"
)

// ExitKind identifies which exit condition fired, in the priority order
// evaluated by the monitoring step.
type ExitKind string

const (
	ExitMaxTime      ExitKind = "max_exit_time"
	ExitTrailingStop ExitKind = "trailing_stop"
	ExitStopLoss     ExitKind = "stop_loss"
	ExitTP2          ExitKind = "tp2"
	ExitTP1          ExitKind = "tp1"
	ExitManual       ExitKind = "manual"
)

// RegisterRequest is submitted by the signal-intake collaborator after an
// entry trade has been placed successfully.
type RegisterRequest struct {
	TradeID     string
	UserID      string
	SafeAddress string
	NetworkKey  string
	TokenSymbol string
	Side        Side
	EntryPrice  decimal.Decimal
	EntryAmount decimal.Decimal
	TP1         decimal.Decimal
	TP2         decimal.Decimal
	SL          decimal.Decimal
	MaxExitTime time.Time
	EntryTxHash string
}

// ExitRecord is appended to a position once it reaches a terminal state.
type ExitRecord struct {
	ExitKind   ExitKind        `json:"exitKind,omitempty"`
	ExitPrice  decimal.Decimal `json:"exitPrice,omitempty"`
	ExitAmount decimal.Decimal `json:"exitAmount,omitempty"`
	ProfitLoss decimal.Decimal `json:"profitLoss,omitempty"`
	ExitedAt   *time.Time      `json:"exitedAt,omitempty"`
	Error      string          `json:"error,omitempty"`
	FailedAt   *time.Time      `json:"failedAt,omitempty"`
}

// MonitoredPosition is one open position under watch, and the authoritative
// runtime/durable record for it.
type MonitoredPosition struct {
	ID          string `json:"id"`
	TradeID     string `json:"tradeId"`
	UserID      string `json:"userId"`
	SafeAddress string `json:"safeAddress"`
	NetworkKey  string `json:"networkKey"`
	TokenSymbol string `json:"tokenSymbol"`
	Side        Side   `json:"side"`

	EntryPrice  decimal.Decimal `json:"entryPrice"`
	EntryAmount decimal.Decimal `json:"entryAmount"`
	TP1         decimal.Decimal `json:"tp1"`
	TP2         decimal.Decimal `json:"tp2"`
	SL          decimal.Decimal `json:"sl"`
	MaxExitTime time.Time       `json:"maxExitTime"`

	Status Status `json:"status"`

	HighestFavorablePrice decimal.Decimal `json:"highestFavorablePrice"`
	TrailingStopPrice     decimal.Decimal `json:"trailingStopPrice"`
	TrailingStopEnabled   bool            `json:"trailingStopEnabled"`

	CurrentPrice    decimal.Decimal `json:"currentPrice"`
	PriceCheckCount int64           `json:"priceCheckCount"`
	LastPriceCheck  *time.Time      `json:"lastPriceCheck"`
	ExecutedAt      time.Time       `json:"executedAt"`

	EntryTxHash string      `json:"entryTxHash,omitempty"`
	ExitData    *ExitRecord `json:"exitData,omitempty"`
}

// Clone returns a deep copy safe to hand to a caller outside the registry
// lock (decimal.Decimal and time.Time are immutable value types, but
// ExitData and LastPriceCheck are pointers).
func (p *MonitoredPosition) Clone() *MonitoredPosition {
	if p == nil {
		return nil
	}
	c := *p
	if p.LastPriceCheck != nil {
		t := *p.LastPriceCheck
		c.LastPriceCheck = &t
	}
	if p.ExitData != nil {
		e := *p.ExitData
		c.ExitData = &e
	}
	return &c
}

// LogConfig configures the zap-backed logger.
type LogConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"` // "console", "file", or "both"
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
}

// Config holds every tunable named in the operator-facing configuration
// table: tick periods, adapter timeouts, trailing-stop parameters, and
// backing-store locations.
type Config struct {
	PriceTickMs                  int64     `json:"priceTickMs"`
	SyncTickMs                   int64     `json:"syncTickMs"`
	PriceFetchTimeoutMs          int64     `json:"priceFetchTimeoutMs"`
	TrailingStopEpsilon          float64   `json:"trailingStopEpsilon"`
	TrailingStopEnabledByDefault bool      `json:"trailingStopEnabledByDefault"`
	StopGracePeriodMs            int64     `json:"stopGracePeriodMs"`
	MaxConcurrentChecks          int       `json:"maxConcurrentChecks"`
	BadgerPath                   string    `json:"badgerPath"`
	ActiveCollectionName         string    `json:"activeCollectionName"`
	HistoryDBPath                string    `json:"historyDbPath"`
	PriceBaseURL                 string    `json:"priceBaseUrl"`
	PriceWSBaseURL                string   `json:"priceWsBaseUrl"`
	SwapBaseURL                  string    `json:"swapBaseUrl"`
	SwapAPIKey                   string    `json:"swapApiKey"`
	SwapSecretKey                string    `json:"swapSecretKey"`
	Log                          LogConfig `json:"log"`
}

// StatusPosition is the per-position projection returned by GetStatus.
type StatusPosition struct {
	TradeID               string          `json:"tradeId"`
	TokenSymbol           string          `json:"tokenSymbol"`
	CurrentPrice          decimal.Decimal `json:"currentPrice"`
	EntryPrice            decimal.Decimal `json:"entryPrice"`
	TP1                   decimal.Decimal `json:"tp1"`
	TP2                   decimal.Decimal `json:"tp2"`
	SL                    decimal.Decimal `json:"sl"`
	TrailingStopPrice     decimal.Decimal `json:"trailingStopPrice"`
	HighestFavorablePrice decimal.Decimal `json:"highestFavorablePrice"`
	TimeRemaining         time.Duration   `json:"timeRemaining"`
	PriceCheckCount       int64           `json:"priceCheckCount"`
}

// EngineStatus is the operator-facing snapshot of the whole engine.
type EngineStatus struct {
	IsRunning      bool             `json:"isRunning"`
	MonitoredCount int              `json:"monitoredCount"`
	PriceTickMs    int64            `json:"priceTickMs"`
	SyncTickMs     int64            `json:"syncTickMs"`
	Positions      []StatusPosition `json:"positions"`
}

// HistoryFilter narrows GetHistory to a symbol, status, and/or time window.
type HistoryFilter struct {
	TokenSymbol string
	Status      Status
	Since       time.Time
	Until       time.Time
	Limit       int
}

// ReversingRequest is what the exit state machine hands to the swap
// executor: the opposite side of the entry, for the full entry amount.
type ReversingRequest struct {
	TradeID     string
	UserID      string
	SafeAddress string
	NetworkKey  string
	TokenSymbol string
	Side        Side
	Amount      decimal.Decimal
}

// SwapReceipt is returned by a successful reversing trade.
type SwapReceipt struct {
	TxHash    string
	FillPrice decimal.Decimal
	FilledAt  time.Time
}

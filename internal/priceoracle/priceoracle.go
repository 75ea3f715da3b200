// Package priceoracle provides symbol -> price resolution for the monitor
// engine. Get is idempotent and may fail transiently; callers must treat a
// non-ok result as "skip this tick for this position," never as a reason to
// mutate position state.
package priceoracle

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceOracle resolves a current spot price for a token symbol.
type PriceOracle interface {
	Get(ctx context.Context, symbol string) (price decimal.Decimal, ok bool)
}

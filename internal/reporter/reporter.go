// Package reporter renders an EngineStatus snapshot as an aligned table for
// operator-facing status output.
package reporter

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"positionmonitor/internal/models"
)

// Render returns a human-readable table for an engine status snapshot.
func Render(status models.EngineStatus) string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("position monitor — %d open, tick %dms / sync %dms",
		status.MonitoredCount, status.PriceTickMs, status.SyncTickMs))
	t.AppendHeader(table.Row{
		"Trade ID", "Symbol", "Price", "Entry", "TP1", "TP2", "SL",
		"Trailing Stop", "Best Price", "Time Left", "Checks",
	})

	for _, p := range status.Positions {
		t.AppendRow(table.Row{
			p.TradeID,
			p.TokenSymbol,
			p.CurrentPrice.String(),
			p.EntryPrice.String(),
			p.TP1.String(),
			p.TP2.String(),
			p.SL.String(),
			p.TrailingStopPrice.String(),
			p.HighestFavorablePrice.String(),
			p.TimeRemaining.Truncate(1e9).String(),
			p.PriceCheckCount,
		})
	}

	return t.Render()
}

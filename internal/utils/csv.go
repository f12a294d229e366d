package utils

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"autotrader/internal/domain"
)

// TradeCSVHeader is the column order written by WriteTradesCSV.
var TradeCSVHeader = []string{
	"id", "mode", "symbol", "side", "status", "quantity", "entry_price", "exit_price",
	"take_profit", "stop_loss", "leverage", "margin", "pnl", "strategy", "opened_at", "closed_at",
}

// WriteTradesCSV writes trades with a header row. Open trades leave the exit
// columns empty.
func WriteTradesCSV(w io.Writer, trades []*domain.Trade) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(TradeCSVHeader); err != nil {
		return err
	}
	for _, t := range trades {
		if t == nil {
			continue
		}
		var exit, pnl, closedAt string
		if t.ExitPrice != nil {
			exit = formatFloat(*t.ExitPrice)
		}
		if t.PNL != nil {
			pnl = formatFloat(*t.PNL)
		}
		if t.ClosedAt != nil {
			closedAt = t.ClosedAt.UTC().Format(time.RFC3339)
		}
		if err := writer.Write([]string{
			t.ID,
			string(t.Mode()),
			t.Symbol,
			string(t.Side),
			string(t.Status),
			formatFloat(t.Quantity),
			formatFloat(t.EntryPrice),
			exit,
			formatFloat(t.TakeProfit),
			formatFloat(t.StopLoss),
			strconv.Itoa(t.Leverage),
			formatFloat(t.Margin),
			pnl,
			t.Strategy,
			t.OpenedAt.UTC().Format(time.RFC3339),
			closedAt,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

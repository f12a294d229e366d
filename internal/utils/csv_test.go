package utils

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/domain"
)

func TestWriteTradesCSV(t *testing.T) {
	opened := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	closed := opened.Add(2 * time.Hour)
	exit, pnl := 2100.0, 50.0
	trades := []*domain.Trade{
		{
			ID: "virtual_1", Symbol: "ETHUSDT", Side: domain.Buy, Status: domain.StatusClosed, Quantity: 0.5,
			EntryPrice: 2000, ExitPrice: &exit, TakeProfit: 2600, StopLoss: 1800, Leverage: 10, Margin: 100,
			PNL: &pnl, Virtual: true, Strategy: "breakout", OpenedAt: opened, ClosedAt: &closed,
		},
		nil,
		{ID: "123", Symbol: "BTCUSDT", Side: domain.Sell, Status: domain.StatusOpen, Quantity: 0.001, EntryPrice: 60000, Leverage: 5, OpenedAt: opened},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTradesCSV(&buf, trades))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, TradeCSVHeader, rows[0])
	assert.Equal(t, []string{
		"virtual_1", "virtual", "ETHUSDT", "BUY", "closed", "0.5", "2000", "2100",
		"2600", "1800", "10", "100", "50", "breakout", "2024-03-01T09:30:00Z", "2024-03-01T11:30:00Z",
	}, rows[1])
	assert.Equal(t, "real", rows[2][1])
	assert.Equal(t, "", rows[2][7], "open trade has no exit price")
	assert.Equal(t, "", rows[2][12], "open trade has no pnl")
	assert.Equal(t, "", rows[2][15], "open trade has no close time")
}

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"autotrader/internal/analytics"
	"autotrader/internal/domain"
)

func TestPrintReport(t *testing.T) {
	opened := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	closed := opened.Add(time.Hour)
	win, loss := 30.0, -10.0
	trades := []*domain.Trade{
		{ID: "1", Status: domain.StatusClosed, PNL: &win, OpenedAt: opened, ClosedAt: &closed, Virtual: true},
		{ID: "2", Status: domain.StatusClosed, PNL: &loss, OpenedAt: opened.Add(time.Minute), ClosedAt: &closed, Virtual: true},
	}

	var buf bytes.Buffer
	printReport(&buf, domain.ModeVirtual, analytics.Summarize(trades, 100))

	out := buf.String()
	assert.Contains(t, out, "virtual")
	assert.Contains(t, out, "50.00")  // win rate
	assert.Contains(t, out, "20.00")  // total pnl and roi
	assert.Contains(t, out, "2024-01\t20.00")
}

func TestPrintReport_NoTrades(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, domain.ModeReal, analytics.Summarize(nil, 0))

	assert.Contains(t, buf.String(), "real")
	assert.NotContains(t, buf.String(), "Streaks")
}

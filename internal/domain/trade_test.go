package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrade_Close(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := &Trade{ID: "1", Side: Sell, Quantity: 2, EntryPrice: 100, Status: StatusOpen, UnrealizedPNL: 4}

	require.NoError(t, tr.Close(90, tr.RealizedPNL(90), at))
	assert.Equal(t, StatusClosed, tr.Status)
	assert.Equal(t, 90.0, *tr.ExitPrice)
	assert.Equal(t, 20.0, *tr.PNL)
	assert.Equal(t, at, *tr.ClosedAt)
	assert.Zero(t, tr.UnrealizedPNL)

	err := tr.Close(120, -40, at.Add(time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	assert.Equal(t, 90.0, *tr.ExitPrice, "closed trades are never rewritten")
	assert.Equal(t, at, *tr.ClosedAt)
}

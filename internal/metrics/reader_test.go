package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_RecentRequestsEmptyStoreReturnsNoRows(t *testing.T) {
	_, path := newTestManager(t)
	reader := NewReader(path)
	rows, err := reader.RecentRequests(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReader_ToolCallsForUnknownRequestReturnsEmpty(t *testing.T) {
	_, path := newTestManager(t)
	reader := NewReader(path)
	calls, err := reader.ToolCallsForRequest(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestReader_TotalsOnEmptyStoreIsZero(t *testing.T) {
	_, path := newTestManager(t)
	reader := NewReader(path)
	totals, err := reader.Totals(context.Background())
	require.NoError(t, err)
	assert.Zero(t, totals.RequestCount)
	assert.Zero(t, totals.TotalCostUSD)
}

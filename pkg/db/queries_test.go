package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(":memory:")
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(d))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestGateDecisionRoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, d.InsertGateDecision(ctx, GateDecisionRecord{
		ID: "a", Symbol: "BTCUSD", Side: "BUY", Entry: 100, Confidence: 80, Approved: true,
		Stage: "APPROVED", Reason: "approved", ChecksPassed: []string{"confidence", "stop_loss"},
		EvaluatedAt: base,
	}))
	require.NoError(t, d.InsertGateDecision(ctx, GateDecisionRecord{
		ID: "b", Symbol: "ETHUSD", Side: "SELL", Entry: 2000, Confidence: 60,
		Stage: "CONFIDENCE_CHECK", Reason: "confidence 60.0 below minimum 70.0",
		ChecksFailed: []string{"confidence"}, EvaluatedAt: base.Add(time.Second),
	}))

	all, err := d.RecentGateDecisions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID, "newest first")
	assert.False(t, all[0].Approved)
	assert.Equal(t, []string{"confidence"}, all[0].ChecksFailed)
	assert.Equal(t, []string{}, all[0].Warnings)

	btc, err := d.RecentGateDecisions(ctx, "btcusd", 10)
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.True(t, btc[0].Approved)
	assert.Equal(t, []string{"confidence", "stop_loss"}, btc[0].ChecksPassed)
	assert.True(t, base.Equal(btc[0].EvaluatedAt))

	approved, blocked, err := d.CountGateDecisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, approved)
	assert.Equal(t, 1, blocked)
}

func TestOffsetAlertsNewestFirst(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	for i, off := range []float64{55, 70} {
		q, args := OffsetAlertInsert(OffsetAlertRecord{
			ID: string(rune('x' + i)), Symbol: "BTCUSDT", Offset: off, Threshold: 50,
			At: base.Add(time.Duration(i) * time.Minute),
		})
		_, err := d.DB.Exec(q, args...)
		require.NoError(t, err)
	}

	alerts, err := d.RecentOffsetAlerts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 70.0, alerts[0].Offset)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	d := openTestDB(t)
	assert.NoError(t, ApplyMigrations(d))
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-execution-bot/internal/database"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/position"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLite(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestSQLiteSchemaCreated(t *testing.T) {
	j, path := newTestSQLite(t)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())
	assert.True(t, found["execution_events"])
	assert.True(t, found["shadow_entries"])
	assert.True(t, found["state_transitions"])
}

func TestSQLiteRecordExecution(t *testing.T) {
	j, _ := newTestSQLite(t)
	ctx := context.Background()

	j.RecordExecution(ctx, "ENTRY", &execution.OrderResult{
		OK: true, Reason: execution.ReasonFilled, Symbol: "BTC/USDT", Side: "buy",
		OrderID: "42", RealizedQty: 0.5, RealizedVWAP: 1000, Amount: 500, Fee: 0.25,
	})
	j.RecordExecution(ctx, "SELL", &execution.OrderResult{
		Reason: execution.ReasonNoRealFill, Symbol: "BTC/USDT", Side: "sell", RateLimited: true,
	})
	j.RecordExecution(ctx, "SELL", nil)

	events, err := j.RecentExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "SELL", events[0].Event)
	assert.True(t, events[0].RateLimited)
	assert.False(t, events[0].OK)

	entry := events[1]
	assert.Equal(t, "ENTRY", entry.Event)
	assert.True(t, entry.OK)
	assert.Equal(t, "42", entry.OrderID)
	assert.Equal(t, 0.5, entry.Qty)
	assert.Equal(t, 1000.0, entry.VWAP)
	assert.Contains(t, entry.Detail, `"order_id":"42"`)
	assert.WithinDuration(t, time.Now(), entry.At, time.Minute)
}

func TestSQLiteRecordShadowAndTransitions(t *testing.T) {
	j, _ := newTestSQLite(t)
	ctx := context.Background()

	sig := execution.Signal{Symbol: "ETH/USDT", Timeframe: "5m", CandleTimestamp: 1_700_000_100, TargetNotional: 250}
	j.RecordShadow(ctx, sig, "PASS", "")
	j.RecordShadow(ctx, sig, "BLOCK", "SPREAD_TOO_WIDE (60.0 > 50.0)")

	shadow, err := j.RecentShadow(ctx, 0)
	require.NoError(t, err)
	require.Len(t, shadow, 2)
	assert.Equal(t, "BLOCK", shadow[0].Decision)
	assert.Equal(t, int64(1_700_000_100), shadow[1].CandleTimestamp)

	at := time.UnixMilli(1_700_000_000_123)
	j.RecordTransition(ctx, position.Transition{
		From: position.StateFlat, To: position.StateEntryPending, Reason: "entry_signal:ETH/USDT",
		Symbol: "ETH/USDT", At: at,
	})
	transitions, err := j.RecentTransitions(ctx, 5)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, position.StateEntryPending, transitions[0].To)
	assert.True(t, at.Equal(transitions[0].At))
}

func TestNopJournal(t *testing.T) {
	var j Journal = Nop{}
	j.RecordExecution(context.Background(), "ENTRY", &execution.OrderResult{})
	events, err := j.RecentExecutions(context.Background(), 1)
	assert.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, j.Close())
}

// Runs only against a real server: SPOTBOT_TEST_PG_HOST=localhost etc.
func TestPostgresJournal(t *testing.T) {
	host := os.Getenv("SPOTBOT_TEST_PG_HOST")
	if host == "" {
		t.Skip("SPOTBOT_TEST_PG_HOST not set")
	}
	ctx := context.Background()
	db, err := database.NewDB(ctx, database.Config{
		Host:     host,
		Port:     5432,
		User:     os.Getenv("SPOTBOT_TEST_PG_USER"),
		Password: os.Getenv("SPOTBOT_TEST_PG_PASSWORD"),
		Database: os.Getenv("SPOTBOT_TEST_PG_DB"),
	}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	j, err := NewPostgres(ctx, db, zerolog.Nop())
	require.NoError(t, err)

	j.RecordExecution(ctx, "ENTRY", &execution.OrderResult{OK: true, Symbol: "BTC/USDT", Side: "buy", OrderID: "pg-1"})
	events, err := j.RecentExecutions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pg-1", events[0].OrderID)
}

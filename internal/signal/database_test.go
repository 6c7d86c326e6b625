package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-signals/internal/database/databasetest"
)

var day = time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	return NewDatabase(databasetest.Open(t, &Signal{}))
}

func pendingSignal(id int64, entry string) *Signal {
	return &Signal{
		MessageID:        id,
		ReceivedAt:       day.Add(8 * time.Hour),
		Pair:             "EUR/USD",
		Direction:        Buy,
		TradeDuration:    "5 minutes",
		EntryTime:        entry,
		BaseAmount:       10,
		MartingaleLevels: 3,
		Status:           StatusPending,
	}
}

func TestClaimIsIdempotent(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, pendingSignal(1, "09:00")))

	require.NoError(t, db.Claim(ctx, 1, "run-a"))
	err := db.Claim(ctx, 1, "run-b")
	assert.ErrorIs(t, err, ErrClaimConflict)

	got, err := db.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.True(t, got.Executed)
	assert.Equal(t, "run-a", got.RunID)
}

func TestClaimConcurrentOnlyOneWins(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, pendingSignal(1, "09:00")))

	const workers = 8
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() { errs <- db.Claim(ctx, 1, "run") }()
	}

	wins := 0
	for i := 0; i < workers; i++ {
		if err := <-errs; err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrClaimConflict)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestTransitionsOnlyMoveForward(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, pendingSignal(1, "09:00")))

	assert.ErrorIs(t, db.Transition(ctx, 1, StatusPending, StatusCompleted, ""), ErrInvalidTransition)
	require.NoError(t, db.Transition(ctx, 1, StatusPending, StatusExpired, "entry time passed"))

	// Terminal rows cannot be left or re-entered.
	assert.ErrorIs(t, db.Transition(ctx, 1, StatusExpired, StatusPending, ""), ErrInvalidTransition)
	assert.ErrorIs(t, db.Transition(ctx, 1, StatusPending, StatusExpired, ""), ErrStaleStatus)
	assert.ErrorIs(t, db.Claim(ctx, 1, "run"), ErrClaimConflict)

	got, err := db.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, "entry time passed", got.FailureReason)
}

func TestFinishWritesOutcome(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, pendingSignal(1, "09:00")))

	res := Result{Status: StatusCompleted, TradingResult: "win", TotalStaked: 10, TotalProfit: 8, EndTime: "09:05"}
	assert.ErrorIs(t, db.Finish(ctx, 1, res), ErrStaleStatus)

	require.NoError(t, db.Claim(ctx, 1, "run"))
	require.NoError(t, db.Finish(ctx, 1, res))
	assert.ErrorIs(t, db.Finish(ctx, 1, res), ErrStaleStatus)
	assert.ErrorIs(t, db.Finish(ctx, 1, Result{Status: StatusPending}), ErrInvalidTransition)

	got, err := db.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 8.0, got.TotalProfit)
	assert.Equal(t, "09:05", got.EndTime)
}

func TestSaveLadder(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, pendingSignal(1, "09:00")))

	require.NoError(t, db.SaveLadder(ctx, 1, Ladder{
		BaseAmount:        10,
		EntryTime:         "09:01",
		MartingaleTimes:   []string{"09:06", "09:11", "09:16"},
		MartingaleAmounts: []float64{10, 25, 56.25, 126.56},
		PayoutPercent:     80,
	}))

	got, err := db.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "09:01", got.EntryTime)
	assert.Equal(t, StringList{"09:06", "09:11", "09:16"}, got.MartingaleTimes)
	assert.Equal(t, FloatList{10, 25, 56.25, 126.56}, got.MartingaleAmounts)
	assert.Equal(t, 80.0, got.PayoutPercent)

	assert.ErrorIs(t, db.SaveLadder(ctx, 99, Ladder{}), ErrNotFound)
}

func TestPruneKeepsOnlyToday(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	old := pendingSignal(1, "09:00")
	old.ReceivedAt = day.Add(-time.Hour)
	require.NoError(t, db.Create(ctx, old))
	require.NoError(t, db.Create(ctx, pendingSignal(2, "09:00")))

	removed, err := db.PruneBefore(ctx, day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = db.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	today, err := db.ListToday(ctx, day)
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, int64(2), today[0].MessageID)
}

func TestRealizedProfit(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	for i, profit := range []float64{8, -35, 12.5} {
		id := int64(i + 1)
		require.NoError(t, db.Create(ctx, pendingSignal(id, "09:00")))
		require.NoError(t, db.Claim(ctx, id, "run"))
		require.NoError(t, db.Finish(ctx, id, Result{Status: StatusCompleted, TotalProfit: profit}))
	}
	require.NoError(t, db.Create(ctx, pendingSignal(4, "09:00")))
	require.NoError(t, db.Claim(ctx, 4, "run"))
	require.NoError(t, db.Finish(ctx, 4, Result{Status: StatusFailed, TotalProfit: -10}))
	require.NoError(t, db.Create(ctx, pendingSignal(5, "09:00")))

	profit, err := db.RealizedProfit(ctx, day)
	require.NoError(t, err)
	assert.InDelta(t, -14.5, profit, 0.001)

	empty, err := db.RealizedProfit(ctx, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestListPendingSkipsExecuted(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, pendingSignal(1, "09:00")))
	require.NoError(t, db.Create(ctx, pendingSignal(2, "09:05")))
	require.NoError(t, db.Claim(ctx, 1, "run"))

	pending, err := db.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].MessageID)

	processing, err := db.ListByStatus(ctx, StatusProcessing, StatusFailed)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, int64(1), processing[0].MessageID)
}

func TestListPendingOrdersByEntryTime(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, pendingSignal(1, "09:10")))
	late := pendingSignal(2, "09:05")
	late.ReceivedAt = day.Add(8*time.Hour + 30*time.Minute)
	require.NoError(t, db.Create(ctx, late))
	require.NoError(t, db.Create(ctx, pendingSignal(3, "09:05")))
	require.NoError(t, db.Create(ctx, pendingSignal(4, "09:05:30")))

	pending, err := db.ListPending(ctx)
	require.NoError(t, err)
	ids := make([]int64, 0, len(pending))
	for _, s := range pending {
		ids = append(ids, s.MessageID)
	}
	assert.Equal(t, []int64{2, 3, 4, 1}, ids)
}

func TestUpdateRejectsTerminalRows(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, pendingSignal(1, "09:00")))

	require.NoError(t, db.Update(ctx, 1, map[string]interface{}{"base_amount": 20.0}))
	require.NoError(t, db.Transition(ctx, 1, StatusPending, StatusExpired, ""))

	assert.ErrorIs(t, db.Update(ctx, 1, map[string]interface{}{"base_amount": 30.0}), ErrTerminal)
	assert.ErrorIs(t, db.Update(ctx, 2, map[string]interface{}{"base_amount": 30.0}), ErrNotFound)

	got, err := db.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.BaseAmount)
}

func TestDelete(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, pendingSignal(1, "09:00")))

	require.NoError(t, db.Delete(ctx, 1))
	assert.ErrorIs(t, db.Delete(ctx, 1), ErrNotFound)
}

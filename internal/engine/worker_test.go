package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-signals/internal/archive"
	"github.com/ksred/klear-signals/internal/database/databasetest"
	"github.com/ksred/klear-signals/internal/risk"
	"github.com/ksred/klear-signals/internal/setting"
	"github.com/ksred/klear-signals/internal/signal"
	"github.com/ksred/klear-signals/internal/surface"
	"github.com/ksred/klear-signals/internal/timing/timingtest"
)

var day = time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

type placedTrade struct {
	at    time.Time
	stake float64
}

type fakeSurface struct {
	clock        *timingtest.Clock
	payout       float64
	balance      float64
	results      []surface.Result
	lostOutcome  bool
	panicOnPlace bool
	onPrepare    func()
	onPlace      func(n int)

	stake  float64
	stakes []float64
	placed []placedTrade
	closed bool
}

func (f *fakeSurface) PrepareInstrument(_ context.Context, _ string, _ signal.Duration, stake float64) (float64, error) {
	f.stake = stake
	f.stakes = append(f.stakes, stake)
	if f.onPrepare != nil {
		f.onPrepare()
	}
	return f.payout, nil
}

func (f *fakeSurface) SetStake(_ context.Context, amount float64) error {
	f.stake = amount
	f.stakes = append(f.stakes, amount)
	return nil
}

func (f *fakeSurface) PlaceTrade(context.Context, signal.Direction) error {
	if f.panicOnPlace {
		panic("order button missing")
	}
	f.placed = append(f.placed, placedTrade{at: f.clock.Now(), stake: f.stake})
	if f.onPlace != nil {
		f.onPlace(len(f.placed))
	}
	return nil
}

func (f *fakeSurface) ReadClosedOutcome(_ context.Context, pair string, expected float64, _ time.Duration) (*surface.Outcome, error) {
	idx := len(f.placed) - 1
	if f.lostOutcome || idx < 0 || math.Abs(f.placed[idx].stake-expected) > surface.StakeTolerance {
		return nil, surface.ErrOutcomeNotFound
	}
	out := &surface.Outcome{Pair: pair, Stake: expected, Result: surface.Loss}
	if idx < len(f.results) && f.results[idx] == surface.Win {
		out.Result = surface.Win
		out.NetResult = math.Round(expected*(1+f.payout/100)*100) / 100
	}
	return out, nil
}

func (f *fakeSurface) ReadBalance(context.Context) (float64, error) { return f.balance, nil }

func (f *fakeSurface) ReadClock(context.Context) (time.Time, error) { return f.clock.Now(), nil }

func (f *fakeSurface) Close() error {
	f.closed = true
	return nil
}

type fakeProvider struct {
	surf   *fakeSurface
	opened int
}

func (p *fakeProvider) Open(context.Context, surface.Slot) (surface.Surface, error) {
	p.opened++
	return p.surf, nil
}

type harness struct {
	clock    *timingtest.Clock
	signals  *signal.Database
	settings *setting.Database
	archive  *archive.Service
	provider *fakeProvider
	worker   *Worker
}

func newHarness(t *testing.T, surf *fakeSurface) *harness {
	t.Helper()
	db := databasetest.Open(t, &signal.Signal{}, &setting.BaseSetting{}, &archive.TradeResult{})
	clock := timingtest.NewClock(day.Add(8*time.Hour + 59*time.Minute))
	surf.clock = clock
	if surf.payout == 0 {
		surf.payout = 80
	}
	if surf.balance == 0 {
		surf.balance = 1000
	}

	signals := signal.NewDatabase(db)
	settings := setting.NewDatabase(db, setting.Defaults{
		BaseAmount:        10,
		DailyProfitTarget: 100,
		MaxLossPercent:    10,
		BalanceReference:  1000,
	})
	arch := archive.NewService(db, nil)
	provider := &fakeProvider{surf: surf}

	worker := NewWorker(Deps{
		Signals:  signals,
		Settings: settings,
		Archive:  arch,
		Breaker:  risk.NewBreaker(signals, settings),
		Provider: provider,
		Clock:    clock,
		Sleep:    clock.Sleep,
	}, DefaultConfig())

	return &harness{
		clock:    clock,
		signals:  signals,
		settings: settings,
		archive:  arch,
		provider: provider,
		worker:   worker,
	}
}

// claimed stores a signal with entry 09:00, 5 minute trades and 3 retries,
// claimed the way the dispatcher claims it.
func (h *harness) claimed(t *testing.T, id int64) {
	t.Helper()
	ctx := context.Background()
	entry := day.Add(9 * time.Hour)
	require.NoError(t, h.signals.Create(ctx, &signal.Signal{
		MessageID:        id,
		ReceivedAt:       day.Add(8 * time.Hour),
		Pair:             "EUR/USD",
		Direction:        signal.Buy,
		TradeDuration:    "5 minutes",
		EntryTime:        "09:00",
		MartingaleTimes:  signal.GenerateMartingaleTimes(entry, 5*time.Minute, 3),
		BaseAmount:       10,
		MartingaleLevels: 3,
		Status:           signal.StatusPending,
	}))
	require.NoError(t, h.signals.Claim(ctx, id, "run-1"))
}

func (h *harness) run(t *testing.T, id int64) (*signal.Signal, error) {
	t.Helper()
	err := h.worker.Run(context.Background(), id, surface.Slot{Index: 0, Profile: "Profile 1"}, "run-1")
	got, gerr := h.signals.Get(context.Background(), id)
	require.NoError(t, gerr)
	return got, err
}

func TestWinAtEntry(t *testing.T) {
	surf := &fakeSurface{results: []surface.Result{surface.Win}}
	h := newHarness(t, surf)
	h.claimed(t, 1)

	got, err := h.run(t, 1)
	require.NoError(t, err)

	assert.Equal(t, signal.StatusCompleted, got.Status)
	assert.Equal(t, "win", got.TradingResult)
	assert.Equal(t, 0, got.TradeLevel)
	assert.Equal(t, 10.0, got.TotalStaked)
	assert.Equal(t, 8.0, got.TotalProfit)
	assert.Equal(t, "09:05", got.EndTime)
	assert.Equal(t, signal.FloatList{10, 25, 56.25, 126.56}, got.MartingaleAmounts)
	assert.Equal(t, 80.0, got.PayoutPercent)

	require.Len(t, surf.placed, 1)
	assert.Equal(t, day.Add(9*time.Hour), surf.placed[0].at)
	assert.True(t, surf.closed)

	results, err := h.archive.List(context.Background(), archive.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "run-1", results[0].RunID)
}

func TestLossThenWin(t *testing.T) {
	surf := &fakeSurface{results: []surface.Result{surface.Loss, surface.Win}}
	h := newHarness(t, surf)
	h.claimed(t, 1)

	got, err := h.run(t, 1)
	require.NoError(t, err)

	assert.Equal(t, signal.StatusCompleted, got.Status)
	assert.Equal(t, "win", got.TradingResult)
	assert.Equal(t, 1, got.TradeLevel)
	assert.Equal(t, 35.0, got.TotalStaked)
	assert.Equal(t, 10.0, got.TotalProfit)
	assert.Equal(t, "09:10", got.EndTime)

	require.Len(t, surf.placed, 2)
	assert.Equal(t, day.Add(9*time.Hour+5*time.Minute), surf.placed[1].at)
	assert.Equal(t, 25.0, surf.placed[1].stake)
}

func TestLevelsExhausted(t *testing.T) {
	surf := &fakeSurface{}
	h := newHarness(t, surf)
	h.claimed(t, 1)

	got, err := h.run(t, 1)
	require.NoError(t, err)

	assert.Equal(t, signal.StatusCompleted, got.Status)
	assert.Equal(t, "loss", got.TradingResult)
	assert.Equal(t, 3, got.TradeLevel)
	assert.InDelta(t, 217.81, got.TotalStaked, 0.001)
	assert.InDelta(t, -217.81, got.TotalProfit, 0.001)
	assert.Equal(t, "09:20", got.EndTime)

	require.Len(t, surf.placed, 4)
	for i, want := range []float64{10, 25, 56.25, 126.56} {
		assert.Equal(t, want, surf.placed[i].stake)
		assert.Equal(t, day.Add(9*time.Hour+time.Duration(i)*5*time.Minute), surf.placed[i].at)
	}
}

func TestBreakerVetoMakesNoSurfaceCalls(t *testing.T) {
	surf := &fakeSurface{}
	h := newHarness(t, surf)
	require.NoError(t, h.settings.SetManualStop(context.Background(), true))
	h.claimed(t, 1)

	got, err := h.run(t, 1)
	require.NoError(t, err)

	assert.Equal(t, signal.StatusLimited, got.Status)
	assert.Equal(t, "manual stop engaged", got.FailureReason)
	assert.Zero(t, h.provider.opened)
	assert.Empty(t, surf.stakes)

	results, err := h.archive.List(context.Background(), archive.Filter{Status: signal.StatusLimited})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestLowPayoutFailsSetup(t *testing.T) {
	surf := &fakeSurface{payout: 60}
	h := newHarness(t, surf)
	h.claimed(t, 1)

	got, err := h.run(t, 1)

	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, SetupFailure, f.Kind)
	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "below minimum")
	assert.Empty(t, surf.placed)

	results, err := h.archive.List(context.Background(), archive.Filter{Status: signal.StatusFailed})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestOutcomeUnknownFails(t *testing.T) {
	surf := &fakeSurface{lostOutcome: true}
	h := newHarness(t, surf)
	h.claimed(t, 1)

	got, err := h.run(t, 1)

	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, OutcomeUnknown, f.Kind)
	assert.ErrorIs(t, err, surface.ErrOutcomeNotFound)
	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Equal(t, 10.0, got.TotalStaked)
	assert.Contains(t, got.FailureReason, "no closed trade")
}

func TestEntryStakeFollowsOperatorEdit(t *testing.T) {
	surf := &fakeSurface{results: []surface.Result{surface.Win}}
	h := newHarness(t, surf)
	h.claimed(t, 1)
	surf.onPrepare = func() {
		require.NoError(t, h.signals.Update(context.Background(), 1, map[string]interface{}{"base_amount": 20.0}))
	}

	got, err := h.run(t, 1)
	require.NoError(t, err)

	assert.Equal(t, []float64{10, 20}, surf.stakes)
	assert.Equal(t, 20.0, got.BaseAmount)
	assert.Equal(t, 20.0, got.MartingaleAmounts[0])
	assert.Equal(t, 50.0, got.MartingaleAmounts[1])
	assert.Equal(t, 16.0, got.TotalProfit)
}

func TestLevelStakeFollowsEditDuringPreviousTrade(t *testing.T) {
	surf := &fakeSurface{results: []surface.Result{surface.Loss, surface.Win}}
	h := newHarness(t, surf)
	h.claimed(t, 1)
	surf.onPlace = func(n int) {
		if n != 1 {
			return
		}
		require.NoError(t, h.signals.Update(context.Background(), 1, map[string]interface{}{
			"martingale_amounts": signal.FloatList{10, 40, 90, 200},
		}))
	}

	got, err := h.run(t, 1)
	require.NoError(t, err)

	require.Len(t, surf.placed, 2)
	assert.Equal(t, 40.0, surf.placed[1].stake)
	assert.Equal(t, 1, got.TradeLevel)
	assert.Equal(t, 50.0, got.TotalStaked)
	assert.Equal(t, 22.0, got.TotalProfit)
}

func TestEntryMoveRegeneratesSchedule(t *testing.T) {
	surf := &fakeSurface{results: []surface.Result{surface.Loss, surface.Win}}
	h := newHarness(t, surf)
	h.claimed(t, 1)
	surf.onPrepare = func() {
		require.NoError(t, h.signals.Update(context.Background(), 1, map[string]interface{}{"entry_time": "09:01"}))
	}

	got, err := h.run(t, 1)
	require.NoError(t, err)

	assert.Equal(t, signal.StringList{"09:06", "09:11", "09:16"}, got.MartingaleTimes)
	require.Len(t, surf.placed, 2)
	assert.Equal(t, day.Add(9*time.Hour+time.Minute), surf.placed[0].at)
	assert.Equal(t, day.Add(9*time.Hour+6*time.Minute), surf.placed[1].at)
}

func TestPanicIsDowngradedToFailed(t *testing.T) {
	surf := &fakeSurface{panicOnPlace: true}
	h := newHarness(t, surf)
	h.claimed(t, 1)

	got, err := h.run(t, 1)
	require.Error(t, err)

	assert.Equal(t, signal.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "worker panic")
	assert.True(t, surf.closed)
}

func TestFirstExecutionResetsBalanceReference(t *testing.T) {
	surf := &fakeSurface{results: []surface.Result{surface.Win}, balance: 500}
	h := newHarness(t, surf)
	h.claimed(t, 1)

	_, err := h.run(t, 1)
	require.NoError(t, err)

	s, err := h.settings.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, s.BalanceReference)
	assert.Equal(t, 500.0, s.CurrentBalance)
}

func TestBalanceReferenceMovesOnceWhenClaimedTogether(t *testing.T) {
	surf := &fakeSurface{results: []surface.Result{surface.Win}, balance: 500}
	h := newHarness(t, surf)
	h.claimed(t, 1)
	h.claimed(t, 2)

	_, err := h.run(t, 1)
	require.NoError(t, err)

	surf.balance = 450
	surf.placed = nil
	h.clock.Set(day.Add(8*time.Hour + 59*time.Minute))
	_, err = h.run(t, 2)
	require.NoError(t, err)

	s, err := h.settings.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, s.BalanceReference)
	assert.Equal(t, 450.0, s.CurrentBalance)
}

func TestFailureMessage(t *testing.T) {
	f := fail(TimingFailure, errors.New("bad"), "level %d", 2)
	assert.Equal(t, "timing_failure: level 2: bad", f.Error())
	assert.Equal(t, "level 2: bad", f.persisted())
}

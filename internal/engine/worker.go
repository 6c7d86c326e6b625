// Package engine runs the martingale ladder of a single claimed signal.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-signals/internal/metrics"
	"github.com/ksred/klear-signals/internal/risk"
	"github.com/ksred/klear-signals/internal/signal"
	"github.com/ksred/klear-signals/internal/staking"
	"github.com/ksred/klear-signals/internal/surface"
	"github.com/ksred/klear-signals/internal/timing"
)

// SignalStore is the part of the signal store a worker touches.
type SignalStore interface {
	Get(ctx context.Context, messageID int64) (*signal.Signal, error)
	SaveLadder(ctx context.Context, messageID int64, ladder signal.Ladder) error
	Finish(ctx context.Context, messageID int64, res signal.Result) error
}

type SettingStore interface {
	UpdateBalance(ctx context.Context, balance float64) error
	OpenDay(ctx context.Context, balance float64, day time.Time) (bool, error)
}

type Archiver interface {
	Archive(ctx context.Context, sig *signal.Signal, runID string) error
}

type Breaker interface {
	Check(ctx context.Context, day time.Time) (risk.Snapshot, error)
}

// Config holds the ladder timing and payout limits.
type Config struct {
	MinPayout      float64
	StakeCutoff    time.Duration
	FinishEarly    time.Duration
	OutcomeTimeout time.Duration
	EntryPoll      time.Duration
	MartingalePoll time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinPayout:      70,
		StakeCutoff:    10 * time.Second,
		FinishEarly:    3 * time.Second,
		OutcomeTimeout: 10 * time.Second,
		EntryPoll:      5 * time.Second,
		MartingalePoll: time.Second,
	}
}

// Deps are the collaborators of a Worker. Clock and Sleep default to the
// system ones.
type Deps struct {
	Signals  SignalStore
	Settings SettingStore
	Archive  Archiver
	Breaker  Breaker
	Provider surface.Provider
	Clock    timing.Clock
	Sleep    timing.SleepFunc
}

// Worker executes ladders. One Worker value is shared by all slots; every
// Run call keeps its state on its own stack.
type Worker struct {
	deps   Deps
	cfg    Config
	waiter *timing.Synchronizer
}

func NewWorker(deps Deps, cfg Config) *Worker {
	if deps.Clock == nil {
		deps.Clock = timing.SystemClock{}
	}
	if deps.Sleep == nil {
		deps.Sleep = timing.Sleep
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		waiter: timing.NewSynchronizer(deps.Sleep),
	}
}

// run is the state of one ladder execution.
type run struct {
	id     string
	slot   surface.Slot
	logger zerolog.Logger

	sig          *signal.Signal
	claimedEntry string
	sess         surface.Surface
	duration     time.Duration
	payout       float64
	entryAt      time.Time
	amounts      []float64

	level       int
	stake       float64
	totalStaked float64
	placedAt    time.Time
	outcome     *surface.Outcome
}

// Run executes the claimed signal messageID on slot and records its terminal
// state. The returned error is informational: the signal has already been
// finished as failed when it is a *Failure.
func (w *Worker) Run(ctx context.Context, messageID int64, slot surface.Slot, runID string) (err error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	r := &run{
		id:   runID,
		slot: slot,
		logger: log.With().
			Str("component", "worker").
			Int64("message_id", messageID).
			Str("slot", slot.String()).
			Str("run_id", runID).
			Logger(),
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("worker panicked")
			f := fail(SetupFailure, nil, "worker panic: %v", p)
			w.finishFailed(ctx, messageID, r, f)
			err = f
		}
		if r.sess != nil {
			if cerr := r.sess.Close(); cerr != nil {
				r.logger.Warn().Err(cerr).Msg("failed to close trading session")
			}
		}
	}()

	sig, err := w.deps.Signals.Get(ctx, messageID)
	if err != nil {
		return fmt.Errorf("failed to load signal %d: %w", messageID, err)
	}
	r.sig = sig
	r.claimedEntry = sig.EntryTime
	r.logger = r.logger.With().
		Str("pair", sig.Pair).
		Str("direction", string(sig.Direction)).
		Logger()

	r.logger.Info().Str("entry_time", sig.EntryTime).Msg("ladder started")

	if f := w.execute(ctx, r); f != nil {
		w.finishFailed(ctx, messageID, r, f)
		return f
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, r *run) *Failure {
	snap, err := w.deps.Breaker.Check(ctx, w.deps.Clock.Now())
	if err != nil {
		return fail(SetupFailure, err, "risk check failed")
	}
	if snap.ShouldStop {
		r.logger.Warn().
			Str("reason", snap.Reason).
			Str("conditions", snap.Conditions()).
			Float64("today_profit", snap.TodayProfit).
			Msg("circuit breaker tripped, ladder not started")
		w.finish(ctx, r, signal.Result{
			Status: signal.StatusLimited,
			Reason: snap.Reason,
			RunID:  r.id,
		})
		return nil
	}

	duration, err := r.sig.TradeDuration.Parse()
	if err != nil {
		return fail(SetupFailure, err, "unsupported trade duration")
	}
	r.duration = duration
	if _, err := r.sig.EntryAt(); err != nil {
		return fail(TimingFailure, err, "unusable entry time")
	}

	sess, err := w.deps.Provider.Open(ctx, r.slot)
	if err != nil {
		return fail(SetupFailure, err, "failed to open trading session")
	}
	r.sess = sess

	w.syncBalance(ctx, r, true)

	payout, err := sess.PrepareInstrument(ctx, r.sig.Pair, r.sig.TradeDuration, r.sig.BaseAmount)
	if err != nil {
		return fail(SetupFailure, err, "failed to prepare %s", r.sig.Pair)
	}
	if payout < w.cfg.MinPayout {
		return fail(SetupFailure, nil, "payout %.0f%% below minimum %.0f%%", payout, w.cfg.MinPayout)
	}
	r.payout = payout
	r.stake = r.sig.BaseAmount

	if f := w.monitorEntry(ctx, r); f != nil {
		return f
	}
	if f := w.planLadder(ctx, r); f != nil {
		return f
	}
	if f := w.fire(ctx, r, r.entryAt); f != nil {
		return f
	}

	for {
		outcome, f := w.awaitOutcome(ctx, r)
		if f != nil {
			return f
		}
		r.outcome = outcome

		if outcome.Result == surface.Win {
			break
		}
		if r.level >= len(r.amounts)-1 {
			r.logger.Warn().Int("level", r.level).Msg("martingale levels exhausted")
			break
		}

		r.level++
		target, err := r.sig.MartingaleAt(r.level)
		if err != nil {
			return fail(TimingFailure, err, "unusable martingale time for level %d", r.level)
		}
		r.stake = r.amounts[r.level]
		if f := w.monitorLevelStake(ctx, r, target); f != nil {
			return f
		}
		if err := r.sess.SetStake(ctx, r.stake); err != nil {
			return fail(SetupFailure, err, "failed to set level %d stake", r.level)
		}
		if f := w.fire(ctx, r, target); f != nil {
			return f
		}
	}

	w.finishCompleted(ctx, r)
	return nil
}

// monitorEntry follows operator edits of the entry time and base amount until
// the stake cutoff before entry.
func (w *Worker) monitorEntry(ctx context.Context, r *run) *Failure {
	for {
		if fresh, err := w.deps.Signals.Get(ctx, r.sig.MessageID); err != nil {
			r.logger.Warn().Err(err).Msg("failed to refresh signal, keeping last known values")
		} else {
			r.sig = fresh
		}

		entryAt, err := r.sig.EntryAt()
		if err != nil {
			return fail(TimingFailure, err, "unusable entry time")
		}
		if !entryAt.Equal(r.entryAt) && !r.entryAt.IsZero() {
			r.logger.Info().Time("entry", entryAt).Msg("entry time moved")
		}
		r.entryAt = entryAt

		if base := r.sig.BaseAmount; base > 0 && base != r.stake {
			if err := r.sess.SetStake(ctx, base); err != nil {
				return fail(SetupFailure, err, "failed to update entry stake")
			}
			r.logger.Info().Float64("from", r.stake).Float64("to", base).Msg("entry stake updated")
			r.stake = base
		}

		remaining := entryAt.Sub(w.deps.Clock.Now())
		if remaining <= w.cfg.StakeCutoff {
			return nil
		}
		wait := w.cfg.EntryPoll
		if untilCutoff := remaining - w.cfg.StakeCutoff; untilCutoff < wait {
			wait = untilCutoff
		}
		if err := w.deps.Sleep(ctx, wait); err != nil {
			return fail(TimingFailure, err, "entry wait aborted")
		}
	}
}

// planLadder fixes the retry schedule and stake amounts and persists them
// before the entry trade.
func (w *Worker) planLadder(ctx context.Context, r *run) *Failure {
	levels := r.sig.MartingaleLevels
	if levels < 0 {
		levels = 0
	}

	times := []string(r.sig.MartingaleTimes)
	if r.sig.EntryTime != r.claimedEntry || len(times) != levels {
		times = signal.GenerateMartingaleTimes(r.entryAt, r.duration, levels)
	}

	amounts, err := staking.Ladder(r.stake, r.payout, levels)
	if err != nil {
		return fail(SetupFailure, err, "failed to compute stake ladder")
	}
	r.amounts = amounts
	r.sig.MartingaleTimes = times
	r.sig.MartingaleAmounts = amounts

	if err := w.deps.Signals.SaveLadder(ctx, r.sig.MessageID, signal.Ladder{
		BaseAmount:        r.stake,
		EntryTime:         r.sig.EntryTime,
		MartingaleTimes:   times,
		MartingaleAmounts: amounts,
		PayoutPercent:     r.payout,
	}); err != nil {
		return fail(SetupFailure, err, "failed to persist ladder")
	}

	r.logger.Info().
		Floats64("amounts", amounts).
		Strs("martingale_times", times).
		Float64("payout", r.payout).
		Msg("ladder planned")
	return nil
}

// monitorLevelStake picks up operator edits of the current level's amount
// until the stake cutoff before target. The stored amount is read at least
// once, so an edit made while the previous trade ran is honored even when the
// cutoff has already passed.
func (w *Worker) monitorLevelStake(ctx context.Context, r *run, target time.Time) *Failure {
	for {
		fresh, err := w.deps.Signals.Get(ctx, r.sig.MessageID)
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to refresh signal, keeping last known values")
		} else if len(fresh.MartingaleAmounts) > r.level {
			if amount := fresh.MartingaleAmounts[r.level]; amount > 0 && amount != r.stake {
				r.logger.Info().Int("level", r.level).Float64("from", r.stake).Float64("to", amount).Msg("level stake updated")
				r.stake = amount
				r.amounts[r.level] = amount
			}
		}

		remaining := target.Sub(w.deps.Clock.Now())
		if remaining <= w.cfg.StakeCutoff {
			return nil
		}
		wait := w.cfg.MartingalePoll
		if untilCutoff := remaining - w.cfg.StakeCutoff; untilCutoff < wait {
			wait = untilCutoff
		}
		if err := w.deps.Sleep(ctx, wait); err != nil {
			return fail(TimingFailure, err, "level %d wait aborted", r.level)
		}
	}
}

// fire waits for target on the venue clock and places the current level's trade.
func (w *Worker) fire(ctx context.Context, r *run, target time.Time) *Failure {
	clock := surface.ClockSource{Surface: r.sess}
	if err := w.waiter.WaitUntil(ctx, clock, target); err != nil {
		return fail(TimingFailure, err, "wait for level %d aborted", r.level)
	}

	if err := r.sess.PlaceTrade(ctx, r.sig.Direction); err != nil {
		return fail(SetupFailure, err, "failed to place level %d trade", r.level)
	}
	r.totalStaked = staking.Total(r.amounts[:r.level+1])
	r.placedAt = target

	metrics.TradePlaced(r.level)
	skew := time.Duration(0)
	if now, err := r.sess.ReadClock(ctx); err == nil && now.After(target) {
		skew = now.Sub(target)
		metrics.TradeFireSkew.Observe(float64(skew.Milliseconds()))
	}

	r.logger.Info().
		Int("level", r.level).
		Float64("stake", r.stake).
		Float64("total_staked", r.totalStaked).
		Time("target", target).
		Dur("skew", skew).
		Msg("trade placed")
	return nil
}

func (w *Worker) awaitOutcome(ctx context.Context, r *run) (*surface.Outcome, *Failure) {
	readAt := r.placedAt.Add(r.duration - w.cfg.FinishEarly)
	if err := w.waiter.WaitUntil(ctx, surface.ClockSource{Surface: r.sess}, readAt); err != nil {
		return nil, fail(TimingFailure, err, "wait for level %d outcome aborted", r.level)
	}

	out, err := r.sess.ReadClosedOutcome(ctx, r.sig.Pair, r.stake, w.cfg.OutcomeTimeout)
	if err != nil {
		return nil, fail(OutcomeUnknown, err, "no closed trade for level %d stake %.2f", r.level, r.stake)
	}

	r.logger.Info().
		Int("level", r.level).
		Str("result", string(out.Result)).
		Float64("net_result", out.NetResult).
		Msg("trade closed")
	return out, nil
}

func (w *Worker) finishCompleted(ctx context.Context, r *run) {
	profit := decimal.NewFromFloat(r.outcome.NetResult).
		Sub(decimal.NewFromFloat(r.totalStaked)).
		Round(2).
		InexactFloat64()

	w.finish(ctx, r, signal.Result{
		Status:        signal.StatusCompleted,
		TradingResult: string(r.outcome.Result),
		TradeLevel:    r.level,
		BaseAmount:    r.amounts[0],
		PayoutPercent: r.payout,
		TotalStaked:   r.totalStaked,
		TotalProfit:   profit,
		EndTime:       timing.FormatClock(r.placedAt.Add(r.duration)),
		RunID:         r.id,
	})
	w.syncBalance(ctx, r, false)
}

func (w *Worker) finishFailed(ctx context.Context, messageID int64, r *run, f *Failure) {
	r.logger.Error().
		Str("kind", string(f.Kind)).
		Err(f.Err).
		Str("reason", f.Reason).
		Int("level", r.level).
		Float64("total_staked", r.totalStaked).
		Msg("ladder failed")

	if r.sig == nil {
		r.sig = &signal.Signal{MessageID: messageID}
	}
	res := signal.Result{
		Status:        signal.StatusFailed,
		Reason:        f.persisted(),
		TradeLevel:    r.level,
		PayoutPercent: r.payout,
		TotalStaked:   r.totalStaked,
		RunID:         r.id,
	}
	w.finish(ctx, r, res)
}

// finish writes the terminal state and archives the row. It outlives ctx so
// a shutdown during a ladder still leaves a terminal record.
func (w *Worker) finish(ctx context.Context, r *run, res signal.Result) {
	ctx = context.WithoutCancel(ctx)

	if err := w.deps.Signals.Finish(ctx, r.sig.MessageID, res); err != nil {
		r.logger.Error().Err(err).Str("status", string(res.Status)).Msg("failed to record terminal state")
		return
	}
	metrics.LaddersFinished.WithLabelValues(string(res.Status)).Inc()

	r.logger.Info().
		Str("status", string(res.Status)).
		Str("result", res.TradingResult).
		Int("level", res.TradeLevel).
		Float64("total_staked", res.TotalStaked).
		Float64("total_profit", res.TotalProfit).
		Msg("ladder finished")

	final, err := w.deps.Signals.Get(ctx, r.sig.MessageID)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to reload signal for archive")
		return
	}
	if err := w.deps.Archive.Archive(ctx, final, r.id); err != nil {
		r.logger.Error().Err(err).Msg("failed to archive signal")
	}
}

// syncBalance copies the venue balance into the base setting. At the start
// of a ladder it also opens the day, making the balance the loss reference
// when no earlier ladder has done so today.
func (w *Worker) syncBalance(ctx context.Context, r *run, atStart bool) {
	ctx = context.WithoutCancel(ctx)

	balance, err := r.sess.ReadBalance(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to read balance")
		return
	}

	if !atStart {
		if err := w.deps.Settings.UpdateBalance(ctx, balance); err != nil {
			r.logger.Warn().Err(err).Msg("failed to store balance")
			return
		}
		r.logger.Debug().Float64("balance", balance).Msg("balance synced")
		return
	}

	reset, err := w.deps.Settings.OpenDay(ctx, balance, w.deps.Clock.Now())
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to store balance")
		return
	}
	r.logger.Debug().Float64("balance", balance).Bool("reference_reset", reset).Msg("balance synced")
}

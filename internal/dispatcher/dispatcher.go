// Package dispatcher assigns due signals to a bounded pool of worker slots.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-signals/internal/metrics"
	"github.com/ksred/klear-signals/internal/signal"
	"github.com/ksred/klear-signals/internal/surface"
	"github.com/ksred/klear-signals/internal/timing"
	"github.com/ksred/klear-signals/pkg/response"
)

const abandonedReason = "execution abandoned"

type Store interface {
	Get(ctx context.Context, messageID int64) (*signal.Signal, error)
	ListByStatus(ctx context.Context, statuses ...signal.Status) ([]signal.Signal, error)
	ListPending(ctx context.Context) ([]signal.Signal, error)
	Transition(ctx context.Context, messageID int64, from, to signal.Status, reason string) error
	Claim(ctx context.Context, messageID int64, runID string) error
	PruneBefore(ctx context.Context, day time.Time) (int64, error)
}

// Runner executes one claimed signal to a terminal state.
type Runner interface {
	Run(ctx context.Context, messageID int64, slot surface.Slot, runID string) error
}

type Archiver interface {
	Archive(ctx context.Context, sig *signal.Signal, runID string) error
}

type Config struct {
	PollInterval time.Duration
	EntryBuffer  time.Duration
}

type Dispatcher struct {
	store    Store
	runner   Runner
	archive  Archiver
	registry *Registry
	clock    timing.Clock
	cfg      Config

	workers sync.WaitGroup
}

func New(store Store, runner Runner, archive Archiver, registry *Registry, clock timing.Clock, cfg Config) *Dispatcher {
	if clock == nil {
		clock = timing.SystemClock{}
	}
	return &Dispatcher{
		store:    store,
		runner:   runner,
		archive:  archive,
		registry: registry,
		clock:    clock,
		cfg:      cfg,
	}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Start runs a cycle immediately and then every poll interval until ctx is
// done. Workers inherit ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	logger := log.With().Str("component", "dispatcher").Logger()
	logger.Info().
		Int("slots", d.registry.Size()).
		Dur("poll_interval", d.cfg.PollInterval).
		Dur("entry_buffer", d.cfg.EntryBuffer).
		Msg("starting dispatcher")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.RunCycle(ctx, d.clock.Now()); err != nil {
			logger.Error().Err(err).Msg("dispatch cycle failed")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down dispatcher")
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until every launched worker has exited.
func (d *Dispatcher) Wait() {
	d.workers.Wait()
}

// RunCycle reconciles stale rows, prunes old ones and launches workers for
// signals whose entry is still ahead of now and no further than the buffer
// past the current minute.
func (d *Dispatcher) RunCycle(ctx context.Context, now time.Time) error {
	logger := log.With().Str("component", "dispatcher").Logger()
	nowMinute := now.Truncate(time.Minute)

	if err := d.reconcile(ctx, now); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	pruned, err := d.store.PruneBefore(ctx, now)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	if pruned > 0 {
		logger.Info().Int64("pruned", pruned).Msg("removed signals from previous days")
	}

	pending, err := d.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	for _, sig := range pending {
		entryAt, err := sig.EntryAt()
		if err != nil {
			logger.Warn().Err(err).Int64("message_id", sig.MessageID).Msg("skipping signal with malformed entry time")
			continue
		}
		if !entryAt.After(now) || entryAt.Sub(nowMinute) > d.cfg.EntryBuffer {
			continue
		}
		if d.registry.Bound(sig.MessageID) {
			continue
		}

		runID := uuid.New().String()
		handle, ok := d.registry.Acquire(sig.MessageID, runID, now)
		if !ok {
			metrics.SlotExhausted.Inc()
			logger.Warn().
				Int64("message_id", sig.MessageID).
				Int("slots", d.registry.Size()).
				Msg("all slots busy, deferring remaining signals")
			break
		}

		if err := d.store.Claim(ctx, sig.MessageID, runID); err != nil {
			handle.release()
			if errors.Is(err, signal.ErrClaimConflict) {
				logger.Debug().Int64("message_id", sig.MessageID).Msg("signal claimed elsewhere")
				continue
			}
			return fmt.Errorf("claim %d: %w", sig.MessageID, err)
		}
		metrics.SignalsClaimed.Inc()

		logger.Info().
			Int64("message_id", sig.MessageID).
			Str("slot", handle.Slot.String()).
			Str("run_id", runID).
			Time("entry", entryAt).
			Msg("signal dispatched")

		d.launch(ctx, handle)
	}

	for _, h := range d.registry.Reap() {
		logger.Debug().
			Int64("message_id", h.MessageID).
			Str("slot", h.Slot.String()).
			Msg("slot released")
	}
	metrics.LiveWorkers.Set(float64(len(d.registry.Live())))

	return nil
}

func (d *Dispatcher) launch(ctx context.Context, h *Handle) {
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		defer h.release()
		defer func() {
			if p := recover(); p != nil {
				log.Error().
					Str("component", "dispatcher").
					Int64("message_id", h.MessageID).
					Interface("panic", p).
					Str("stack", string(debug.Stack())).
					Msg("worker escaped with panic")
			}
		}()

		if err := d.runner.Run(ctx, h.MessageID, h.Slot, h.RunID); err != nil {
			log.Warn().
				Str("component", "dispatcher").
				Int64("message_id", h.MessageID).
				Err(err).
				Msg("worker finished with error")
		}
	}()
}

// reconcile expires pending signals whose entry is not ahead of now and fails
// processing signals no live worker holds.
func (d *Dispatcher) reconcile(ctx context.Context, now time.Time) error {
	logger := log.With().Str("component", "dispatcher").Logger()

	rows, err := d.store.ListByStatus(ctx, signal.StatusPending, signal.StatusProcessing)
	if err != nil {
		return err
	}

	for _, sig := range rows {
		entryAt, err := sig.EntryAt()
		if err != nil {
			logger.Warn().Err(err).Int64("message_id", sig.MessageID).Msg("cannot reconcile signal with malformed entry time")
			continue
		}

		var to signal.Status
		var reason string
		switch {
		case sig.Status == signal.StatusPending && !sig.Executed && !entryAt.After(now):
			to, reason = signal.StatusExpired, "entry time passed before execution"
		case sig.Status == signal.StatusProcessing && sig.Executed && entryAt.Before(now) && !d.registry.Bound(sig.MessageID):
			to, reason = signal.StatusFailed, abandonedReason
		default:
			continue
		}

		if err := d.store.Transition(ctx, sig.MessageID, sig.Status, to, reason); err != nil {
			if errors.Is(err, signal.ErrStaleStatus) {
				continue
			}
			return err
		}
		metrics.SignalsReconciled.WithLabelValues(string(to)).Inc()

		logger.Info().
			Int64("message_id", sig.MessageID).
			Str("from", string(sig.Status)).
			Str("to", string(to)).
			Msg("signal reconciled")

		final, err := d.store.Get(ctx, sig.MessageID)
		if err != nil {
			logger.Error().Err(err).Int64("message_id", sig.MessageID).Msg("failed to reload reconciled signal")
			continue
		}
		if err := d.archive.Archive(ctx, final, final.RunID); err != nil {
			logger.Error().Err(err).Int64("message_id", sig.MessageID).Msg("failed to archive reconciled signal")
		}
	}
	return nil
}

// GinHandlers exposes the slot bindings
type GinHandlers struct {
	registry *Registry
}

func NewGinHandlers(registry *Registry) *GinHandlers {
	return &GinHandlers{registry: registry}
}

func (h *GinHandlers) WorkersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, gin.H{
			"slots":   h.registry.Size(),
			"workers": h.registry.Live(),
		})
	}
}

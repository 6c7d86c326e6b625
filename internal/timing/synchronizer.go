package timing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultCoarse     = time.Second
	DefaultFine       = 10 * time.Millisecond
	DefaultThreshold  = 1100 * time.Millisecond
	DefaultRetryDelay = 500 * time.Millisecond
)

// Synchronizer waits for a deadline in two phases: coarse polling while the
// deadline is far away, fine polling in the final stretch.
type Synchronizer struct {
	Sleep      SleepFunc
	Coarse     time.Duration
	Fine       time.Duration
	Threshold  time.Duration
	RetryDelay time.Duration
}

// NewSynchronizer returns a Synchronizer with the default poll granularity.
func NewSynchronizer(sleep SleepFunc) *Synchronizer {
	if sleep == nil {
		sleep = Sleep
	}
	return &Synchronizer{
		Sleep:      sleep,
		Coarse:     DefaultCoarse,
		Fine:       DefaultFine,
		Threshold:  DefaultThreshold,
		RetryDelay: DefaultRetryDelay,
	}
}

// WaitUntil blocks until src reports a time at or after target. Read failures
// of src are logged and retried. The only error returned is ctx's.
func (s *Synchronizer) WaitUntil(ctx context.Context, src Source, target time.Time) error {
	logger := log.With().Str("component", "timing").Time("target", target).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now, err := src.Now(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("clock unreadable, retrying")
			if err := s.Sleep(ctx, s.RetryDelay); err != nil {
				return err
			}
			continue
		}

		remaining := target.Sub(now)
		switch {
		case remaining <= 0:
			logger.Debug().Time("reached", now).Dur("late", -remaining).Msg("deadline reached")
			return nil
		case remaining > s.Threshold:
			if err := s.Sleep(ctx, s.Coarse); err != nil {
				return err
			}
		default:
			if err := s.Sleep(ctx, s.Fine); err != nil {
				return err
			}
		}
	}
}

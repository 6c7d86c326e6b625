// Package surface defines the capability the execution engine needs from a
// trading venue: prepare an instrument, stake, place trades and read results.
package surface

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-signals/internal/signal"
)

var (
	ErrInstrumentUnavailable = errors.New("instrument unavailable")
	ErrUnsupportedDuration   = errors.New("unsupported trade duration")
	ErrOutcomeNotFound       = errors.New("closed trade not found")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrNotPrepared           = errors.New("no instrument prepared")
	ErrClosed                = errors.New("surface session closed")
)

// Result of a closed trade.
type Result string

const (
	Win  Result = "win"
	Loss Result = "loss"
)

// Slot identifies one worker resource, typically a dedicated browser profile.
type Slot struct {
	Index   int    `json:"index"`
	Profile string `json:"profile"`
}

func (s Slot) String() string {
	return fmt.Sprintf("%d:%s", s.Index, s.Profile)
}

// Outcome is a closed trade as reported by the venue. NetResult is the gross
// amount returned for the trade: stake plus payout on a win, zero on a loss.
type Outcome struct {
	TradeID   string    `json:"trade_id"`
	Pair      string    `json:"pair"`
	Stake     float64   `json:"stake"`
	NetResult float64   `json:"net_result"`
	Result    Result    `json:"result"`
	ClosedAt  time.Time `json:"closed_at"`
}

// Surface is one trading session bound to a slot. It is used by a single
// worker and need not be safe for concurrent use.
type Surface interface {
	// PrepareInstrument selects pair and duration, enters stake and returns
	// the payout percent currently offered.
	PrepareInstrument(ctx context.Context, pair string, duration signal.Duration, stake float64) (float64, error)
	SetStake(ctx context.Context, amount float64) error
	PlaceTrade(ctx context.Context, direction signal.Direction) error
	// ReadClosedOutcome waits up to timeout for a closed trade on pair whose
	// stake matches expectedStake.
	ReadClosedOutcome(ctx context.Context, pair string, expectedStake float64, timeout time.Duration) (*Outcome, error)
	ReadBalance(ctx context.Context) (float64, error)
	// ReadClock returns the venue's own clock, which trades are timed against.
	ReadClock(ctx context.Context) (time.Time, error)
	Close() error
}

// Provider opens a surface session for a slot.
type Provider interface {
	Open(ctx context.Context, slot Slot) (Surface, error)
}

// ClockSource adapts a surface's clock to the timing package.
type ClockSource struct {
	Surface Surface
}

func (c ClockSource) Now(ctx context.Context) (time.Time, error) {
	return c.Surface.ReadClock(ctx)
}

// StakeTolerance is the largest difference between an expected stake and a
// closed trade's stake that still counts as a match.
const StakeTolerance = 0.05

// Package timing blocks execution until wall-clock or external-clock deadlines.
package timing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadClock is returned when an HH:MM[:SS] value cannot be parsed.
var ErrBadClock = errors.New("invalid clock time")

// Clock reports local wall time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the process wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Source reports the current time of a clock that may be temporarily unreadable,
// such as a clock displayed by a remote trading venue.
type Source interface {
	Now(ctx context.Context) (time.Time, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (time.Time, error)

func (f SourceFunc) Now(ctx context.Context) (time.Time, error) { return f(ctx) }

// WallSource exposes a Clock as an infallible Source.
func WallSource(c Clock) Source {
	return SourceFunc(func(context.Context) (time.Time, error) {
		return c.Now(), nil
	})
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ParseClock resolves "HH:MM" or "HH:MM:SS" against the calendar day of day,
// in day's location.
func ParseClock(day time.Time, value string) (time.Time, error) {
	clean := strings.Trim(strings.TrimSpace(value), `"'`)
	layout := "15:04"
	if strings.Count(clean, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, clean)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrBadClock, value, err)
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, day.Location()), nil
}

// FormatClock renders t as HH:MM, or HH:MM:SS when seconds are set.
func FormatClock(t time.Time) string {
	if t.Second() != 0 {
		return t.Format("15:04:05")
	}
	return t.Format("15:04")
}

// StartOfDay returns midnight of t's calendar day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

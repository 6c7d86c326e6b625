package timing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-signals/internal/timing/timingtest"
)

func TestWaitUntilTwoPhases(t *testing.T) {
	start := time.Date(2025, 7, 29, 8, 59, 57, 0, time.Local)
	target := start.Add(3 * time.Second)
	clock := timingtest.NewClock(start)

	s := NewSynchronizer(clock.Sleep)
	require.NoError(t, s.WaitUntil(context.Background(), WallSource(clock), target))

	now := clock.Now()
	assert.False(t, now.Before(target))
	assert.Less(t, now.Sub(target), 100*time.Millisecond)

	sleeps := clock.Sleeps()
	require.NotEmpty(t, sleeps)
	assert.Equal(t, time.Second, sleeps[0])
	assert.Equal(t, 10*time.Millisecond, sleeps[len(sleeps)-1])
	for _, d := range sleeps {
		assert.Contains(t, []time.Duration{time.Second, 10 * time.Millisecond}, d)
	}
}

func TestWaitUntilPastDeadlineReturnsImmediately(t *testing.T) {
	clock := timingtest.NewClock(time.Date(2025, 7, 29, 9, 0, 5, 0, time.Local))
	s := NewSynchronizer(clock.Sleep)

	require.NoError(t, s.WaitUntil(context.Background(), WallSource(clock), clock.Now().Add(-time.Second)))
	assert.Empty(t, clock.Sleeps())
}

func TestWaitUntilRetriesUnreadableClock(t *testing.T) {
	clock := timingtest.NewClock(time.Date(2025, 7, 29, 9, 0, 0, 0, time.Local))
	target := clock.Now().Add(2 * time.Second)

	failures := 3
	src := SourceFunc(func(ctx context.Context) (time.Time, error) {
		if failures > 0 {
			failures--
			return time.Time{}, errors.New("element not found")
		}
		return clock.Now(), nil
	})

	s := NewSynchronizer(clock.Sleep)
	require.NoError(t, s.WaitUntil(context.Background(), src, target))
	assert.Equal(t, 0, failures)
	assert.Equal(t, DefaultRetryDelay, clock.Sleeps()[0])
	assert.False(t, clock.Now().Before(target))
}

func TestWaitUntilCancelled(t *testing.T) {
	clock := timingtest.NewClock(time.Date(2025, 7, 29, 9, 0, 0, 0, time.Local))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSynchronizer(clock.Sleep)
	err := s.WaitUntil(ctx, WallSource(clock), clock.Now().Add(time.Minute))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseClock(t *testing.T) {
	day := time.Date(2025, 7, 29, 14, 30, 0, 0, time.Local)

	got, err := ParseClock(day, "09:05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 29, 9, 5, 0, 0, time.Local), got)

	got, err = ParseClock(day, `"20:05:30"`)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 29, 20, 5, 30, 0, time.Local), got)

	_, err = ParseClock(day, "25:99")
	assert.ErrorIs(t, err, ErrBadClock)

	_, err = ParseClock(day, "")
	assert.ErrorIs(t, err, ErrBadClock)
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "09:05", FormatClock(time.Date(2025, 7, 29, 9, 5, 0, 0, time.Local)))
	assert.Equal(t, "09:05:30", FormatClock(time.Date(2025, 7, 29, 9, 5, 30, 0, time.Local)))
}

package signal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedDuration is returned for trade durations the venue does not offer.
var ErrUnsupportedDuration = errors.New("unsupported trade duration")

// Duration is a trade duration class as written by signal channels,
// e.g. "5 minutes", "30 seconds" or "1 hour".
type Duration string

var durationLabels = map[time.Duration]string{
	5 * time.Second:  "S5",
	15 * time.Second: "S15",
	30 * time.Second: "S30",
	time.Minute:      "M1",
	3 * time.Minute:  "M3",
	5 * time.Minute:  "M5",
	15 * time.Minute: "M15",
	30 * time.Minute: "M30",
	time.Hour:        "H1",
	4 * time.Hour:    "H4",
}

// Parse converts the duration class to a time.Duration. Short venue labels
// such as "M5" are accepted too.
func (d Duration) Parse() (time.Duration, error) {
	raw := strings.ToLower(strings.TrimSpace(string(d)))
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrUnsupportedDuration)
	}

	for dur, label := range durationLabels {
		if strings.EqualFold(raw, label) {
			return dur, nil
		}
	}

	fields := strings.Fields(raw)
	if len(fields) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDuration, string(d))
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDuration, string(d))
	}

	var unit time.Duration
	switch strings.TrimSuffix(fields[1], "s") {
	case "second", "sec":
		unit = time.Second
	case "minute", "min":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDuration, string(d))
	}
	return time.Duration(n) * unit, nil
}

// Label returns the venue's short timeframe label for the duration.
func (d Duration) Label() (string, error) {
	dur, err := d.Parse()
	if err != nil {
		return "", err
	}
	label, ok := durationLabels[dur]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDuration, string(d))
	}
	return label, nil
}

// Package timeframe holds the closed registry of supported candle timeframes
// and the UTC bucket alignment rules. Every boundary that accepts a timeframe
// label validates it here before it reaches SQL or the aggregator.
package timeframe

import (
	"fmt"
	"time"
)

const millisPerMinute = 60_000

// labels in ascending bucket size. The set is closed: unknown labels are
// rejected, never passed through.
var ordered = []string{"1", "3", "5", "15", "30", "45", "1H", "2H", "3H", "4H", "8H", "12H", "1D", "1W", "1M"}

var registry = map[string]int{
	"1":   1,
	"3":   3,
	"5":   5,
	"15":  15,
	"30":  30,
	"45":  45,
	"1H":  60,
	"2H":  120,
	"3H":  180,
	"4H":  240,
	"8H":  480,
	"12H": 720,
	"1D":  1440,
	"1W":  10080,
	"1M":  43200,
}

// Minutes returns the bucket size in minutes for a registry label.
func Minutes(label string) (int, error) {
	m, ok := registry[label]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", label)
	}
	return m, nil
}

// Valid reports whether label is in the registry.
func Valid(label string) bool {
	_, ok := registry[label]
	return ok
}

// Labels returns all registry labels in ascending bucket size.
func Labels() []string {
	out := make([]string, len(ordered))
	copy(out, ordered)
	return out
}

// BucketMillis returns the nominal bucket width in milliseconds. Months are
// calendar-based and have no fixed width; callers must branch on minutes ==
// 43200 before using this.
func BucketMillis(minutes int) int64 {
	return int64(minutes) * millisPerMinute
}

// Align maps a millisecond timestamp to its UTC bucket start for the given
// bucket size in minutes. Alignment is UTC unconditionally so buckets are
// stable across DST.
func Align(tsMillis int64, minutes int) int64 {
	t := time.UnixMilli(tsMillis).UTC()

	switch {
	case minutes < 60:
		m := (t.Minute() / minutes) * minutes
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), m, 0, 0, time.UTC).UnixMilli()
	case minutes < 1440:
		hours := minutes / 60
		h := (t.Hour() / hours) * hours
		return time.Date(t.Year(), t.Month(), t.Day(), h, 0, 0, 0, time.UTC).UnixMilli()
	case minutes == 1440:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
	case minutes == 10080:
		// Monday 00:00 UTC. Go weeks start on Sunday, so shift.
		daysSinceMonday := (int(t.Weekday()) + 6) % 7
		monday := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).
			AddDate(0, 0, -daysSinceMonday)
		return monday.UnixMilli()
	default:
		// Calendar month.
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
}

// AlignLabel is Align keyed by registry label.
func AlignLabel(tsMillis int64, label string) (int64, error) {
	m, err := Minutes(label)
	if err != nil {
		return 0, err
	}
	return Align(tsMillis, m), nil
}

// Package analytics derives the attendance aggregates: lateness buckets,
// heatmap and weekly keys, the incremental per-submission update, and the
// batch recomputation engine.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// CheckinBucket maps elapsed minutes since session creation to one of five
// fixed ranges. Upper bounds are inclusive.
func CheckinBucket(mins float64) string {
	switch {
	case mins <= 1:
		return "0-1"
	case mins <= 3:
		return "1-3"
	case mins <= 5:
		return "3-5"
	case mins <= 10:
		return "5-10"
	default:
		return ">10"
	}
}

// HeatKey is "<3-letter-weekday>_<2-digit-hour>" of a session's creation
// time, e.g. "Mon_13".
func HeatKey(t time.Time) string {
	return fmt.Sprintf("%s_%02d", t.Format("Mon"), t.Hour())
}

// WeekKey is the ISO week key, e.g. "2026-W01". The Thursday of the week
// decides the year, which time.ISOWeek implements.
func WeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// MedianMid returns sorted[n/2]. For even-length input this is the upper of
// the two middle elements, not their average. Existing stored data was
// produced this way, so it must not be corrected to a true median without a
// migration.
func MedianMid(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2], true
}

// Percent returns val/total as a percentage rounded to two decimals, with a
// denominator floor of 1 to guard the zero-total case.
func Percent(val, total int) float64 {
	if total == 0 {
		total = 1
	}
	return math.Round(float64(val)/float64(total)*10000) / 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

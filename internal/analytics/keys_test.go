package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckinBucket(t *testing.T) {
	cases := []struct {
		mins float64
		want string
	}{
		{0, "0-1"},
		{1, "0-1"},
		{1.0001, "1-3"},
		{3, "1-3"},
		{3.5, "3-5"},
		{5, "3-5"},
		{5.0001, "5-10"},
		{10, "5-10"},
		{10.0001, ">10"},
		{45, ">10"},
	}
	for _, tc := range cases {
		if got := CheckinBucket(tc.mins); got != tc.want {
			t.Errorf("CheckinBucket(%v) = %q, want %q", tc.mins, got, tc.want)
		}
	}
}

func TestHeatKey(t *testing.T) {
	mon := time.Date(2026, 3, 2, 13, 45, 0, 0, time.UTC)
	require.Equal(t, "Mon_13", HeatKey(mon))

	sun := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
	require.Equal(t, "Sun_09", HeatKey(sun))
}

func TestWeekKey(t *testing.T) {
	cases := []struct {
		in   time.Time
		want string
	}{
		// Jan 1 2026 is a Thursday, so it anchors week 1.
		{time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "2026-W01"},
		// The Monday before it belongs to the same ISO week.
		{time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC), "2026-W01"},
		// Jan 1 2021 is a Friday and falls into the previous year's week 53.
		{time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), "2020-W53"},
		{time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC), "2026-W29"},
	}
	for _, tc := range cases {
		if got := WeekKey(tc.in); got != tc.want {
			t.Errorf("WeekKey(%s) = %q, want %q", tc.in.Format("2006-01-02"), got, tc.want)
		}
	}
}

func TestMedianMid(t *testing.T) {
	_, ok := MedianMid(nil)
	require.False(t, ok)

	odd, ok := MedianMid([]float64{5, 1, 3})
	require.True(t, ok)
	require.Equal(t, 3.0, odd)

	// Even length takes the upper of the two middles, never the average.
	even, ok := MedianMid([]float64{4, 1, 3, 2})
	require.True(t, ok)
	require.Equal(t, 3.0, even)

	input := []float64{9, 2, 7}
	_, _ = MedianMid(input)
	require.Equal(t, []float64{9, 2, 7}, input, "input must not be sorted in place")
}

func TestPercent(t *testing.T) {
	require.Equal(t, 33.33, Percent(1, 3))
	require.Equal(t, 66.67, Percent(2, 3))
	require.Equal(t, 100.0, Percent(3, 3))
	require.Equal(t, 0.0, Percent(0, 0))
}

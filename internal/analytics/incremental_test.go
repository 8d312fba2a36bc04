package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollcall/internal/model"
)

func TestNewUpdate(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := model.Session{
		ID:        "sess-1",
		CreatedAt: created,
		Settings:  model.SessionSettings{WindowSeconds: 60},
	}

	u := NewUpdate(sess, created.Add(45*time.Second))
	require.Equal(t, "0-1", u.Bucket)
	require.Equal(t, "Mon_09", u.HeatKey)
	require.Equal(t, WeekKey(created), u.WeekKey)
	require.False(t, u.WasLate)

	late := NewUpdate(sess, created.Add(2*time.Minute))
	require.True(t, late.WasLate)
	require.Equal(t, "1-3", late.Bucket)

	// Exactly on the window boundary is on time.
	edge := NewUpdate(sess, created.Add(60*time.Second))
	require.False(t, edge.WasLate)

	// A session without a configured window falls back to 60 seconds.
	sess.Settings.WindowSeconds = 0
	fallback := NewUpdate(sess, created.Add(90*time.Second))
	require.True(t, fallback.WasLate)
}

func TestApplySubmission(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := model.Session{ID: "sess-1", CreatedAt: created, Settings: model.SessionSettings{WindowSeconds: 60}}
	submittedAt := created.Add(2 * time.Minute)
	u := NewUpdate(sess, submittedAt)

	var ss model.SessionStats
	var ms model.ModuleStats
	var sm model.StudentMetrics
	ApplySubmission(&ss, &ms, &sm, u)

	require.Equal(t, 1, ss.AttendanceCount)
	require.Equal(t, 1, ss.CheckinBuckets["1-3"])
	require.Equal(t, submittedAt, ss.LastUpdated)
	// The cached median is only refreshed by the batch run.
	require.Nil(t, ss.MedianCheckinMinutes)

	require.Equal(t, 1, ms.TotalAttendance)
	require.Equal(t, 1, ms.LatenessBuckets["1-3"])
	require.Equal(t, 1, ms.Heatmap["Mon_09"].TotalAttendance)
	require.Equal(t, 1, ms.Weekly[WeekKey(created)].TotalAttendance)
	require.Equal(t, 30, ms.WindowDays)

	require.Equal(t, 1, sm.AttendedCount)
	require.Equal(t, 1, sm.LateCount)
	require.NotNil(t, sm.LastSeenAt)
	require.Equal(t, submittedAt, *sm.LastSeenAt)

	ApplySubmission(&ss, &ms, &sm, u)
	require.Equal(t, 2, ss.AttendanceCount)
	require.Equal(t, 2, ms.LatenessBuckets["1-3"])
	require.Equal(t, 2, sm.AttendedCount)
}

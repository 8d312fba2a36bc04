package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollcall/internal/model"
	"rollcall/internal/store"
)

func seedSession(t *testing.T, st *store.Memory, id string, createdAt time.Time) {
	t.Helper()
	sess := model.Session{
		ID:         id,
		LecturerID: "lect-1",
		ModuleID:   "mod-1",
		ModuleCode: "CS101",
		Settings:   model.SessionSettings{WindowSeconds: 60},
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(time.Minute),
		IsActive:   false,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess, model.SessionSecrets{SessionID: id}))
}

func seedAttendance(t *testing.T, st *store.Memory, sessionID, studentNumber string, submittedAt time.Time) {
	t.Helper()
	rec := model.AttendanceRecord{
		SessionID:     sessionID,
		StudentNumber: studentNumber,
		Status:        "Present",
		SubmittedAt:   submittedAt,
	}
	err := st.SubmitAttendance(context.Background(), rec, "mod-1", func(*model.SessionStats, *model.ModuleStats, *model.StudentMetrics) {})
	require.NoError(t, err)
}

func TestRecompute(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// Three sessions in one module across a week.
	mon := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	wed := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)
	fri := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)
	seedSession(t, st, "sess-1", mon)
	seedSession(t, st, "sess-2", wed)
	seedSession(t, st, "sess-3", fri)

	// s1 attends everything on time. s2 skips the middle session. s3 only
	// shows up once. s4 joins at the last session. s5 attends everything but
	// always past the 60s window.
	seedAttendance(t, st, "sess-1", "s1", mon.Add(30*time.Second))
	seedAttendance(t, st, "sess-1", "s2", mon.Add(2*time.Minute))
	seedAttendance(t, st, "sess-1", "s3", mon.Add(30*time.Second))
	seedAttendance(t, st, "sess-1", "s5", mon.Add(5*time.Minute))

	seedAttendance(t, st, "sess-2", "s1", wed.Add(30*time.Second))
	seedAttendance(t, st, "sess-2", "s5", wed.Add(6*time.Minute))

	seedAttendance(t, st, "sess-3", "s1", fri.Add(30*time.Second))
	seedAttendance(t, st, "sess-3", "s2", fri.Add(time.Minute))
	seedAttendance(t, st, "sess-3", "s4", fri.Add(12*time.Minute))
	seedAttendance(t, st, "sess-3", "s5", fri.Add(4*time.Minute))

	// Rejection counters written by the intake path must survive the rebuild.
	require.NoError(t, st.BumpFailureCounters(ctx, "sess-1", "mod-1", model.IntegrityWrongPin))
	require.NoError(t, st.BumpFailureCounters(ctx, "sess-1", "mod-1", model.IntegrityWrongPin))
	require.NoError(t, st.BumpFailureCounters(ctx, "sess-2", "mod-1", model.IntegrityDuplicate))

	require.NoError(t, st.UpsertRoster(ctx, []model.RosterEntry{
		{ModuleID: "mod-1", StudentNumber: "s1", Name: "Thandi", Surname: "Nkosi", Email: "thandi@example.edu"},
	}))

	now := time.Date(2026, 3, 7, 2, 0, 0, 0, time.UTC)
	eng := NewEngineWithClock(st, 2, func() time.Time { return now })

	processed, err := eng.Recompute(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	ms, err := st.ModuleStatsDoc(ctx, "mod-1")
	require.NoError(t, err)
	require.Equal(t, "CS101", ms.ModuleCode)
	require.Equal(t, 3, ms.SessionsCount)
	require.Equal(t, 10, ms.TotalAttendance)
	require.InDelta(t, 10.0/3.0, ms.AvgAttendance, 1e-9)
	require.Equal(t, 5, ms.StudentCount)
	require.Equal(t, 30, ms.WindowDays)
	require.Equal(t, now, ms.ComputedAt)

	require.Equal(t, map[string]int{"0-1": 5, "1-3": 1, "3-5": 2, "5-10": 1, ">10": 1}, ms.LatenessBuckets)
	require.Equal(t, 50.0, ms.CheckinCurvePercent["0-1"])
	require.Equal(t, 10.0, ms.CheckinCurvePercent["1-3"])
	require.Equal(t, 20.0, ms.CheckinCurvePercent["3-5"])

	// Session medians are 2, 6, 4 minutes; the module median is their mid.
	require.NotNil(t, ms.MedianCheckinMinutes)
	require.Equal(t, 4.0, *ms.MedianCheckinMinutes)

	require.Equal(t, model.HeatCell{Sessions: 1, TotalAttendance: 4}, ms.Heatmap["Mon_09"])
	require.Equal(t, model.HeatCell{Sessions: 1, TotalAttendance: 2}, ms.Heatmap["Wed_11"])
	require.Equal(t, model.HeatCell{Sessions: 1, TotalAttendance: 4}, ms.Heatmap["Fri_09"])
	require.Len(t, ms.Weekly, 1)
	require.Equal(t, model.HeatCell{Sessions: 3, TotalAttendance: 10}, ms.Weekly[WeekKey(mon)])

	require.NotNil(t, ms.Insights)
	require.Equal(t, &model.SlotInsight{Slot: "Wed_11", Avg: 2}, ms.Insights.LowestSlot)
	require.Equal(t, &model.SessionInsight{SessionID: "sess-1", Median: 2}, ms.Insights.FastestSession)

	require.Equal(t, 2, ms.WrongPinAttempts)
	require.Equal(t, 1, ms.BlockedDuplicates)

	ss1, err := st.SessionStatsDoc(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 4, ss1.AttendanceCount)
	require.Equal(t, "Mon", ss1.DayOfWeek)
	require.Equal(t, 9, ss1.HourOfDay)
	require.Equal(t, 2, ss1.WrongPinAttempts)
	require.NotNil(t, ss1.MedianCheckinMinutes)
	require.Equal(t, 2.0, *ss1.MedianCheckinMinutes)

	students, err := st.StudentsByConsistency(ctx, "mod-1", 0)
	require.NoError(t, err)
	require.Len(t, students, 5)
	byNumber := map[string]model.StudentMetrics{}
	for _, sm := range students {
		byNumber[sm.StudentNumber] = sm
	}

	s1 := byNumber["s1"]
	require.Equal(t, 3, s1.AttendedCount)
	require.Equal(t, 0, s1.LateCount)
	require.Equal(t, 3, s1.LongestStreak)
	require.Equal(t, 3, s1.CurrentStreak)
	require.Equal(t, 100.0, s1.ConsistencyPercent)
	require.Equal(t, model.RiskGreen, s1.RiskBand)
	require.Equal(t, "Thandi", s1.Name)
	require.Equal(t, "Nkosi", s1.Surname)
	require.Equal(t, "thandi@example.edu", s1.Email)

	// Present, absent, present: both streaks collapse to one.
	s2 := byNumber["s2"]
	require.Equal(t, 2, s2.AttendedCount)
	require.Equal(t, 1, s2.LongestStreak)
	require.Equal(t, 1, s2.CurrentStreak)
	require.Equal(t, 66.67, s2.ConsistencyPercent)
	require.Equal(t, model.RiskAmber, s2.RiskBand)
	// sess-1 at 2min is late, sess-3 at exactly 60s is not; half late is
	// not chronic.
	require.Equal(t, 1, s2.LateCount)
	require.False(t, s2.ChronicLate)

	s3 := byNumber["s3"]
	require.Equal(t, 1, s3.AttendedCount)
	require.Equal(t, 0, s3.CurrentStreak)
	require.Equal(t, 33.33, s3.ConsistencyPercent)
	require.Equal(t, model.RiskRed, s3.RiskBand)

	// Late joiner: the sequence starts at the first-seen session, so no
	// synthetic absences precede it, but consistency still divides by the
	// module's full session count.
	s4 := byNumber["s4"]
	require.Equal(t, 1, s4.AttendedCount)
	require.Equal(t, 1, s4.LongestStreak)
	require.Equal(t, 1, s4.CurrentStreak)
	require.Equal(t, 33.33, s4.ConsistencyPercent)
	require.Equal(t, model.RiskRed, s4.RiskBand)
	require.True(t, s4.ChronicLate)

	s5 := byNumber["s5"]
	require.Equal(t, 3, s5.AttendedCount)
	require.Equal(t, 3, s5.LateCount)
	require.True(t, s5.ChronicLate)
	require.Equal(t, model.RiskGreen, s5.RiskBand)
	require.Equal(t, 3, s5.TotalSessions)
	require.NotNil(t, s5.LastSeenAt)
	require.Equal(t, fri.Add(4*time.Minute), *s5.LastSeenAt)
}

func TestRecomputeSkipsSessionsOutsideWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	old := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	seedSession(t, st, "sess-old", old)
	seedSession(t, st, "sess-new", recent)
	seedAttendance(t, st, "sess-old", "s1", old.Add(time.Minute))
	seedAttendance(t, st, "sess-new", "s1", recent.Add(time.Minute))
	seedAttendance(t, st, "sess-new", "s2", recent.Add(time.Minute))

	now := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	eng := NewEngineWithClock(st, 0, func() time.Time { return now })

	processed, err := eng.Recompute(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	ms, err := st.ModuleStatsDoc(ctx, "mod-1")
	require.NoError(t, err)
	require.Equal(t, 1, ms.SessionsCount)
	require.Equal(t, 2, ms.TotalAttendance)
	require.Equal(t, 2, ms.StudentCount)
}

func TestRecomputeRejectsNonPositiveWindow(t *testing.T) {
	eng := NewEngine(store.NewMemory(), 0)
	_, err := eng.Recompute(context.Background(), 0)
	require.Error(t, err)
}

func TestStreaks(t *testing.T) {
	cases := []struct {
		name    string
		in      []bool
		longest int
		current int
	}{
		{"empty", nil, 0, 0},
		{"all present", []bool{true, true, true}, 3, 3},
		{"gap in middle", []bool{true, false, true}, 1, 1},
		{"trailing absence", []bool{true, true, false}, 2, 0},
		{"long run then short tail", []bool{true, true, true, false, true}, 3, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			longest, current := streaks(tc.in)
			require.Equal(t, tc.longest, longest)
			require.Equal(t, tc.current, current)
		})
	}
}

func TestInsightsLowestSlotComparesUnrounded(t *testing.T) {
	// Mon_09 averages 2.336 (rounds up to 2.34); Wed_11 averages 2.338.
	// Wed_11 must not win just because 2.338 < 2.34 after rounding.
	m := &moduleAccum{heatmap: map[string]model.HeatCell{
		"Mon_09": {Sessions: 125, TotalAttendance: 292},
		"Wed_11": {Sessions: 500, TotalAttendance: 1169},
	}}

	got := (&Engine{}).insights(m)
	require.NotNil(t, got)
	require.NotNil(t, got.LowestSlot)
	require.Equal(t, "Mon_09", got.LowestSlot.Slot)
	require.Equal(t, 2.34, got.LowestSlot.Avg)
}

package analytics

import (
	"time"

	"rollcall/internal/model"
)

// Update describes one accepted submission for the incremental stats path.
type Update struct {
	Bucket      string
	HeatKey     string
	WeekKey     string
	WasLate     bool
	SubmittedAt time.Time
}

// NewUpdate derives the incremental update for a submission accepted at
// submittedAt against the given session. Lateness means the check-in landed
// outside the session's configured window.
func NewUpdate(sess model.Session, submittedAt time.Time) Update {
	mins := submittedAt.Sub(sess.CreatedAt).Minutes()
	window := sess.Settings.WindowSeconds
	if window <= 0 {
		window = 60
	}
	return Update{
		Bucket:      CheckinBucket(mins),
		HeatKey:     HeatKey(sess.CreatedAt),
		WeekKey:     WeekKey(sess.CreatedAt),
		WasLate:     mins*60 > float64(window),
		SubmittedAt: submittedAt,
	}
}

// ApplySubmission folds one accepted submission into the three derived docs.
// Runs inside the store's submit transaction; the cached session median is
// deliberately left stale until the next batch run.
func ApplySubmission(ss *model.SessionStats, ms *model.ModuleStats, sm *model.StudentMetrics, u Update) {
	if ss.CheckinBuckets == nil {
		ss.CheckinBuckets = model.EmptyBuckets()
	}
	ss.AttendanceCount++
	ss.CheckinBuckets[u.Bucket]++
	ss.LastUpdated = u.SubmittedAt

	if ms.LatenessBuckets == nil {
		ms.LatenessBuckets = model.EmptyBuckets()
	}
	if ms.Heatmap == nil {
		ms.Heatmap = map[string]model.HeatCell{}
	}
	if ms.Weekly == nil {
		ms.Weekly = map[string]model.HeatCell{}
	}
	if ms.WindowDays == 0 {
		ms.WindowDays = 30
	}
	ms.TotalAttendance++
	ms.LatenessBuckets[u.Bucket]++
	heat := ms.Heatmap[u.HeatKey]
	heat.TotalAttendance++
	ms.Heatmap[u.HeatKey] = heat
	week := ms.Weekly[u.WeekKey]
	week.TotalAttendance++
	ms.Weekly[u.WeekKey] = week
	ms.ComputedAt = u.SubmittedAt

	sm.AttendedCount++
	if u.WasLate {
		sm.LateCount++
	}
	at := u.SubmittedAt
	sm.LastSeenAt = &at
}

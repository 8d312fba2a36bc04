package analytics

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"rollcall/internal/model"
	"rollcall/internal/store"
)

// DefaultStudentBatchSize bounds how many student metric docs go into one
// store batch commit.
const DefaultStudentBatchSize = 400

type sessionRollup struct {
	createdAt     time.Time
	windowSeconds int
	records       []model.AttendanceRecord
}

type medianEntry struct {
	sessionID string
	median    float64
}

type moduleAccum struct {
	sessions    int
	total       int
	buckets     map[string]int
	medians     []medianEntry
	heatmap     map[string]model.HeatCell
	weekly      map[string]model.HeatCell
	rollups     []sessionRollup
	moduleCode  string
	moduleTitle string
}

// Engine rebuilds module-level aggregates and per-student metrics from the
// attendance history inside a trailing window. Safe to re-run at any point:
// the same window over the same data produces the same result.
type Engine struct {
	store     store.Store
	batchSize int
	now       func() time.Time
}

// NewEngine creates the batch engine. batchSize <= 0 uses the default.
func NewEngine(st store.Store, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultStudentBatchSize
	}
	return &Engine{store: st, batchSize: batchSize, now: time.Now}
}

// NewEngineWithClock pins the clock; used by tests.
func NewEngineWithClock(st store.Store, batchSize int, now func() time.Time) *Engine {
	e := NewEngine(st, batchSize)
	e.now = now
	return e
}

// Recompute rebuilds stats for every module with sessions created in the
// last windowDays. Returns the number of modules processed. A failure in
// one module's core aggregation aborts the run so the scheduler can retry;
// only best-effort enrichment lookups are swallowed.
func (e *Engine) Recompute(ctx context.Context, windowDays int) (int, error) {
	if windowDays <= 0 {
		return 0, fmt.Errorf("windowDays must be positive, got %d", windowDays)
	}
	cutoff := e.now().Add(-time.Duration(windowDays) * 24 * time.Hour)

	sessions, err := e.store.SessionsSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	modules := map[string]*moduleAccum{}
	var moduleOrder []string

	for _, sess := range sessions {
		records, err := e.store.AttendanceBySession(ctx, sess.ID)
		if err != nil {
			return 0, fmt.Errorf("load attendance for session %s: %w", sess.ID, err)
		}
		if err := e.rollupSession(ctx, sess, records, modules, &moduleOrder); err != nil {
			return 0, err
		}
	}

	for _, moduleID := range moduleOrder {
		if err := e.persistModule(ctx, moduleID, modules[moduleID], windowDays); err != nil {
			return 0, fmt.Errorf("module %s: %w", moduleID, err)
		}
	}
	return len(modules), nil
}

func (e *Engine) rollupSession(ctx context.Context, sess model.Session, records []model.AttendanceRecord, modules map[string]*moduleAccum, order *[]string) error {
	moduleID := sess.ModuleKey()

	buckets := model.EmptyBuckets()
	var minutes []float64
	for _, rec := range records {
		if rec.SubmittedAt.IsZero() {
			continue
		}
		mins := rec.SubmittedAt.Sub(sess.CreatedAt).Minutes()
		minutes = append(minutes, mins)
		buckets[CheckinBucket(mins)]++
	}

	stats := model.SessionStats{
		SessionID:       sess.ID,
		ModuleID:        moduleID,
		AttendanceCount: len(records),
		CheckinBuckets:  buckets,
		DayOfWeek:       sess.CreatedAt.Format("Mon"),
		HourOfDay:       sess.CreatedAt.Hour(),
		LastUpdated:     e.now(),
	}
	var median *float64
	if m, ok := MedianMid(minutes); ok {
		median = &m
	}
	stats.MedianCheckinMinutes = median

	// Rejection counters are owned by the intake path; carry them across
	// the rebuild.
	if prev, err := e.store.SessionStatsDoc(ctx, sess.ID); err == nil {
		stats.ExpiredAttempts = prev.ExpiredAttempts
		stats.WrongTokenAttempts = prev.WrongTokenAttempts
		stats.WrongPinAttempts = prev.WrongPinAttempts
		stats.BlockedDuplicates = prev.BlockedDuplicates
	}
	if err := e.store.SaveSessionStats(ctx, stats); err != nil {
		return fmt.Errorf("save session stats %s: %w", sess.ID, err)
	}

	m, ok := modules[moduleID]
	if !ok {
		m = &moduleAccum{
			buckets:     model.EmptyBuckets(),
			heatmap:     map[string]model.HeatCell{},
			weekly:      map[string]model.HeatCell{},
			moduleCode:  sess.ModuleCode,
			moduleTitle: sess.ModuleTitle,
		}
		modules[moduleID] = m
		*order = append(*order, moduleID)
	}

	m.sessions++
	m.total += len(records)
	if median != nil {
		m.medians = append(m.medians, medianEntry{sessionID: sess.ID, median: *median})
	}
	for k, v := range buckets {
		m.buckets[k] += v
	}

	heatKey := HeatKey(sess.CreatedAt)
	heat := m.heatmap[heatKey]
	heat.Sessions++
	heat.TotalAttendance += len(records)
	m.heatmap[heatKey] = heat

	week := m.weekly[WeekKey(sess.CreatedAt)]
	week.Sessions++
	week.TotalAttendance += len(records)
	m.weekly[WeekKey(sess.CreatedAt)] = week

	window := sess.Settings.WindowSeconds
	if window <= 0 {
		window = 60
	}
	m.rollups = append(m.rollups, sessionRollup{
		createdAt:     sess.CreatedAt,
		windowSeconds: window,
		records:       records,
	})
	return nil
}

func (e *Engine) persistModule(ctx context.Context, moduleID string, m *moduleAccum, windowDays int) error {
	avg := 0.0
	if m.sessions > 0 {
		avg = float64(m.total) / float64(m.sessions)
	}

	var medianValues []float64
	for _, entry := range m.medians {
		medianValues = append(medianValues, entry.median)
	}
	var moduleMedian *float64
	if v, ok := MedianMid(medianValues); ok {
		moduleMedian = &v
	}

	totalBucketed := 0
	for _, v := range m.buckets {
		totalBucketed += v
	}
	curve := map[string]float64{}
	for _, k := range model.BucketKeys {
		curve[k] = Percent(m.buckets[k], totalBucketed)
	}

	stats := model.ModuleStats{
		ModuleID:             moduleID,
		ModuleCode:           m.moduleCode,
		ModuleTitle:          m.moduleTitle,
		ComputedAt:           e.now(),
		WindowDays:           windowDays,
		SessionsCount:        m.sessions,
		AvgAttendance:        avg,
		TotalAttendance:      m.total,
		MedianCheckinMinutes: moduleMedian,
		CheckinCurvePercent:  curve,
		LatenessBuckets:      m.buckets,
		Heatmap:              m.heatmap,
		Weekly:               m.weekly,
		Insights:             e.insights(m),
	}
	if stats.ModuleCode == "" {
		stats.ModuleCode = moduleID
	}

	e.backfillModuleRef(ctx, moduleID, &stats)

	// Merge semantics: counters the batch does not own survive the rebuild.
	if prev, err := e.store.ModuleStatsDoc(ctx, moduleID); err == nil {
		stats.ExpiredAttempts = prev.ExpiredAttempts
		stats.WrongTokenAttempts = prev.WrongTokenAttempts
		stats.WrongPinAttempts = prev.WrongPinAttempts
		stats.BlockedDuplicates = prev.BlockedDuplicates
	}

	students, err := e.studentMetrics(ctx, moduleID, m)
	if err != nil {
		return err
	}
	stats.StudentCount = len(students)

	if err := e.store.SaveModuleStats(ctx, stats); err != nil {
		return fmt.Errorf("save module stats: %w", err)
	}

	for start := 0; start < len(students); start += e.batchSize {
		end := start + e.batchSize
		if end > len(students) {
			end = len(students)
		}
		if err := e.store.SaveStudentMetrics(ctx, moduleID, students[start:end]); err != nil {
			return fmt.Errorf("save student metrics: %w", err)
		}
	}
	return nil
}

// insights picks the weakest heatmap slot and the fastest session. Map keys
// are walked in sorted order so ties break deterministically.
func (e *Engine) insights(m *moduleAccum) *model.ModuleInsights {
	out := &model.ModuleInsights{}

	keys := make([]string, 0, len(m.heatmap))
	for k := range m.heatmap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	// Compare on the unrounded average; rounding happens only on output.
	bestAvg := 0.0
	for _, k := range keys {
		cell := m.heatmap[k]
		avg := 0.0
		if cell.Sessions > 0 {
			avg = float64(cell.TotalAttendance) / float64(cell.Sessions)
		}
		if out.LowestSlot == nil || avg < bestAvg {
			bestAvg = avg
			out.LowestSlot = &model.SlotInsight{Slot: k, Avg: round2(avg)}
		}
	}

	for _, entry := range m.medians {
		if out.FastestSession == nil || entry.median < out.FastestSession.Median {
			out.FastestSession = &model.SessionInsight{SessionID: entry.sessionID, Median: entry.median}
		}
	}

	if out.LowestSlot == nil && out.FastestSession == nil {
		return nil
	}
	return out
}

// backfillModuleRef tries to recover a canonical module code/title from any
// session referencing this module. Best effort: failures are logged and
// skipped, never fatal.
func (e *Engine) backfillModuleRef(ctx context.Context, moduleID string, stats *model.ModuleStats) {
	sessions, err := e.store.SessionsByModule(ctx, moduleID, 1)
	if err != nil {
		log.Printf("module %s: code backfill lookup failed: %v", moduleID, err)
		return
	}
	if len(sessions) == 0 {
		return
	}
	found := sessions[0]
	if found.ModuleCode != "" {
		stats.ModuleCode = found.ModuleCode
	} else if found.ModuleID != "" {
		stats.ModuleCode = found.ModuleID
	}
	// Only an explicit module-level title may override; a session's own ad
	// hoc title would pollute the module metadata.
	if found.ModuleTitle != "" {
		stats.ModuleTitle = found.ModuleTitle
	}
}

type studentAccum struct {
	metrics     model.StudentMetrics
	appearances []bool
	lastSeen    time.Time
}

// studentMetrics rebuilds each student's presence sequence across the
// module's sessions in chronological order. A student's history starts at
// their first-seen session: absences are only appended once the student has
// appeared, so a late joiner has a shorter sequence than the module's
// session count. Stored data depends on this asymmetry; keep it.
func (e *Engine) studentMetrics(ctx context.Context, moduleID string, m *moduleAccum) ([]model.StudentMetrics, error) {
	ordered := append([]sessionRollup(nil), m.rollups...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].createdAt.Before(ordered[j].createdAt) })
	totalSessions := len(ordered)

	roster := map[string]model.RosterEntry{}
	if entries, err := e.store.Roster(ctx, moduleID); err != nil {
		log.Printf("module %s: roster load failed: %v", moduleID, err)
	} else {
		for _, entry := range entries {
			roster[entry.StudentNumber] = entry
		}
	}

	students := map[string]*studentAccum{}
	var order []string

	for _, sess := range ordered {
		present := map[string]bool{}
		for _, rec := range sess.records {
			sn := rec.StudentNumber
			if sn == "" {
				continue
			}
			present[sn] = true
			acc, ok := students[sn]
			if !ok {
				acc = &studentAccum{metrics: model.StudentMetrics{ModuleID: moduleID, StudentNumber: sn}}
				if r, ok := roster[sn]; ok {
					acc.metrics.Name = r.Name
					acc.metrics.Surname = r.Surname
					acc.metrics.Email = r.Email
				}
				students[sn] = acc
				order = append(order, sn)
			}
			acc.metrics.AttendedCount++
			if !rec.SubmittedAt.IsZero() {
				mins := rec.SubmittedAt.Sub(sess.createdAt).Minutes()
				if mins*60 > float64(sess.windowSeconds) {
					acc.metrics.LateCount++
				}
				acc.lastSeen = rec.SubmittedAt
			}
			if acc.metrics.Name == "" && rec.Name != "" {
				acc.metrics.Name = rec.Name
			}
			if acc.metrics.Surname == "" && rec.Surname != "" {
				acc.metrics.Surname = rec.Surname
			}
			acc.appearances = append(acc.appearances, true)
		}
		for _, sn := range order {
			if !present[sn] {
				students[sn].appearances = append(students[sn].appearances, false)
			}
		}
	}

	computedAt := e.now()
	out := make([]model.StudentMetrics, 0, len(order))
	for _, sn := range order {
		acc := students[sn]
		doc := acc.metrics
		doc.LongestStreak, doc.CurrentStreak = streaks(acc.appearances)
		doc.ConsistencyPercent = Percent(doc.AttendedCount, totalSessions)
		doc.ChronicLate = doc.AttendedCount > 0 && float64(doc.LateCount)/float64(doc.AttendedCount) > 0.5
		doc.RiskBand = riskBand(doc.ConsistencyPercent)
		doc.TotalSessions = totalSessions
		if !acc.lastSeen.IsZero() {
			seen := acc.lastSeen
			doc.LastSeenAt = &seen
		}
		doc.ComputedAt = computedAt
		out = append(out, doc)
	}
	return out, nil
}

// streaks returns the longest run of consecutive attendance and the current
// trailing run.
func streaks(appearances []bool) (longest, current int) {
	run := 0
	for _, present := range appearances {
		if present {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	for i := len(appearances) - 1; i >= 0; i-- {
		if !appearances[i] {
			break
		}
		current++
	}
	return longest, current
}

func riskBand(consistency float64) string {
	switch {
	case consistency >= 80:
		return model.RiskGreen
	case consistency >= 50:
		return model.RiskAmber
	default:
		return model.RiskRed
	}
}

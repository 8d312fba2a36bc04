package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/model"
)

// Memory is a mutex-guarded in-memory Store for tests and local development.
type Memory struct {
	mu           sync.Mutex
	sessions     map[string]model.Session
	secrets      map[string]model.SessionSecrets
	attendance   map[string]map[string]model.AttendanceRecord
	integrity    []model.IntegrityEvent
	audits       []model.AuditEntry
	sessionStats map[string]model.SessionStats
	moduleStats  map[string]model.ModuleStats
	students     map[string]map[string]model.StudentMetrics
	rosters      map[string]map[string]model.RosterEntry
	schedules    map[string]model.Schedule
	rates        map[string]rateWindow
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:     map[string]model.Session{},
		secrets:      map[string]model.SessionSecrets{},
		attendance:   map[string]map[string]model.AttendanceRecord{},
		sessionStats: map[string]model.SessionStats{},
		moduleStats:  map[string]model.ModuleStats{},
		students:     map[string]map[string]model.StudentMetrics{},
		rosters:      map[string]map[string]model.RosterEntry{},
		schedules:    map[string]model.Schedule{},
		rates:        map[string]rateWindow{},
	}
}

func (m *Memory) CreateSession(ctx context.Context, sess model.Session, secrets model.SessionSecrets) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	m.secrets[sess.ID] = secrets
	return nil
}

func (m *Memory) Session(ctx context.Context, id string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return sess, nil
}

func (m *Memory) SessionSecrets(ctx context.Context, id string) (model.SessionSecrets, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec, ok := m.secrets[id]
	if !ok {
		return model.SessionSecrets{}, ErrNotFound
	}
	return sec, nil
}

func (m *Memory) MutateSession(ctx context.Context, id string, fn func(*model.Session, *model.SessionSecrets) error) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	sec := m.secrets[id]
	if err := fn(&sess, &sec); err != nil {
		return model.Session{}, err
	}
	m.sessions[id] = sess
	m.secrets[id] = sec
	return sess, nil
}

func (m *Memory) SessionsSince(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if !s.CreatedAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SessionsByModule(ctx context.Context, key string, limit int) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.ModuleID == key || s.ModuleCode == key {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AttendanceExists(ctx context.Context, sessionID, studentNumber string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attendance[sessionID][studentNumber]
	return ok, nil
}

func (m *Memory) AttendanceBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AttendanceRecord
	for _, rec := range m.attendance[sessionID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentNumber < out[j].StudentNumber })
	return out, nil
}

func (m *Memory) SubmitAttendance(ctx context.Context, rec model.AttendanceRecord, moduleID string, fn SubmitFn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStudent, ok := m.attendance[rec.SessionID]
	if !ok {
		byStudent = map[string]model.AttendanceRecord{}
		m.attendance[rec.SessionID] = byStudent
	}
	if _, exists := byStudent[rec.StudentNumber]; exists {
		return ErrDuplicate
	}

	ss := m.sessionStatsLocked(rec.SessionID)
	ms := m.moduleStatsLocked(moduleID)
	sm := m.studentLocked(moduleID, rec.StudentNumber)
	fn(&ss, &ms, &sm)

	byStudent[rec.StudentNumber] = rec
	sess := m.sessions[rec.SessionID]
	sess.SubmissionsCount++
	m.sessions[rec.SessionID] = sess
	m.sessionStats[rec.SessionID] = ss
	m.moduleStats[moduleID] = ms
	m.setStudentLocked(moduleID, sm)
	return nil
}

func (m *Memory) EditAttendance(ctx context.Context, sessionID, studentNumber, moduleID string, fn EditFn, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var before *model.AttendanceRecord
	if rec, ok := m.attendance[sessionID][studentNumber]; ok {
		cp := rec
		before = &cp
	}

	after, err := fn(before)
	if err != nil {
		return err
	}

	switch {
	case before != nil && after == nil:
		delete(m.attendance[sessionID], studentNumber)
		sess := m.sessions[sessionID]
		sess.SubmissionsCount--
		m.sessions[sessionID] = sess
		sm := m.studentLocked(moduleID, studentNumber)
		sm.AttendedCount--
		m.setStudentLocked(moduleID, sm)
	case after != nil:
		if m.attendance[sessionID] == nil {
			m.attendance[sessionID] = map[string]model.AttendanceRecord{}
		}
		m.attendance[sessionID][studentNumber] = *after
		if before == nil {
			sess := m.sessions[sessionID]
			sess.SubmissionsCount++
			m.sessions[sessionID] = sess
			sm := m.studentLocked(moduleID, studentNumber)
			sm.AttendedCount++
			now := entry.CreatedAt
			sm.LastSeenAt = &now
			m.setStudentLocked(moduleID, sm)
		}
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Before = before
	entry.After = after
	m.audits = append(m.audits, entry)
	return nil
}

func (m *Memory) AppendIntegrityEvent(ctx context.Context, ev model.IntegrityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	m.integrity = append(m.integrity, ev)
	return nil
}

func (m *Memory) BumpFailureCounters(ctx context.Context, sessionID, moduleID, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss := m.sessionStatsLocked(sessionID)
	ms := m.moduleStatsLocked(moduleID)
	switch kind {
	case model.IntegrityExpiredQR:
		ss.ExpiredAttempts++
		ms.ExpiredAttempts++
	case model.IntegrityInvalidToken:
		ss.WrongTokenAttempts++
		ms.WrongTokenAttempts++
	case model.IntegrityWrongPin:
		ss.WrongPinAttempts++
		ms.WrongPinAttempts++
	case model.IntegrityDuplicate:
		ss.BlockedDuplicates++
		ms.BlockedDuplicates++
	}
	m.sessionStats[sessionID] = ss
	m.moduleStats[moduleID] = ms
	return nil
}

func (m *Memory) SessionStatsDoc(ctx context.Context, sessionID string) (model.SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.sessionStats[sessionID]
	if !ok {
		return model.SessionStats{}, ErrNotFound
	}
	return copySessionStats(ss), nil
}

func (m *Memory) SaveSessionStats(ctx context.Context, stats model.SessionStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionStats[stats.SessionID] = copySessionStats(stats)
	return nil
}

func (m *Memory) ModuleStatsDoc(ctx context.Context, moduleID string) (model.ModuleStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.moduleStats[moduleID]
	if !ok {
		return model.ModuleStats{}, ErrNotFound
	}
	return copyModuleStats(ms), nil
}

func (m *Memory) SaveModuleStats(ctx context.Context, stats model.ModuleStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moduleStats[stats.ModuleID] = copyModuleStats(stats)
	return nil
}

func (m *Memory) SaveStudentMetrics(ctx context.Context, moduleID string, docs []model.StudentMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		doc.ModuleID = moduleID
		m.setStudentLocked(moduleID, doc)
	}
	return nil
}

func (m *Memory) StudentsByConsistency(ctx context.Context, moduleID string, limit int) ([]model.StudentMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.StudentMetrics
	for _, sm := range m.students[moduleID] {
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConsistencyPercent != out[j].ConsistencyPercent {
			return out[i].ConsistencyPercent < out[j].ConsistencyPercent
		}
		return out[i].StudentNumber < out[j].StudentNumber
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Roster(ctx context.Context, moduleID string) ([]model.RosterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RosterEntry
	for _, e := range m.rosters[moduleID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentNumber < out[j].StudentNumber })
	return out, nil
}

func (m *Memory) UpsertRoster(ctx context.Context, entries []model.RosterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		byStudent, ok := m.rosters[e.ModuleID]
		if !ok {
			byStudent = map[string]model.RosterEntry{}
			m.rosters[e.ModuleID] = byStudent
		}
		byStudent[e.StudentNumber] = e
	}
	return nil
}

func (m *Memory) DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Schedule
	for _, s := range m.schedules {
		if s.Status == model.ScheduleQueued && !s.ScheduledAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *Memory) MarkScheduleStarted(ctx context.Context, scheduleID, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return ErrNotFound
	}
	s.Status = model.ScheduleStarted
	s.SessionID = sessionID
	s.StartedAt = &at
	m.schedules[scheduleID] = s
	return nil
}

// AddSchedule seeds a queued schedule; used by tests and dev tooling.
func (m *Memory) AddSchedule(s model.Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = model.ScheduleQueued
	}
	m.schedules[s.ID] = s
}

func (m *Memory) TakeRateLimit(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	w, ok := m.rates[key]
	if !ok || now.After(w.resetAt) {
		m.rates[key] = rateWindow{count: 1, resetAt: now.Add(window)}
		return true, nil
	}
	w.count++
	if w.count > max {
		return false, nil
	}
	m.rates[key] = w
	return true, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// IntegrityEvents returns events for a session; used by tests.
func (m *Memory) IntegrityEvents(sessionID string) []model.IntegrityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.IntegrityEvent
	for _, ev := range m.integrity {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}

// AuditEntries returns audit entries for a session; used by tests.
func (m *Memory) AuditEntries(sessionID string) []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range m.audits {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) sessionStatsLocked(sessionID string) model.SessionStats {
	if ss, ok := m.sessionStats[sessionID]; ok {
		return copySessionStats(ss)
	}
	return model.SessionStats{SessionID: sessionID, CheckinBuckets: model.EmptyBuckets()}
}

func (m *Memory) moduleStatsLocked(moduleID string) model.ModuleStats {
	if ms, ok := m.moduleStats[moduleID]; ok {
		return copyModuleStats(ms)
	}
	return model.ModuleStats{
		ModuleID:        moduleID,
		LatenessBuckets: model.EmptyBuckets(),
		Heatmap:         map[string]model.HeatCell{},
		Weekly:          map[string]model.HeatCell{},
	}
}

func (m *Memory) studentLocked(moduleID, studentNumber string) model.StudentMetrics {
	if sm, ok := m.students[moduleID][studentNumber]; ok {
		return sm
	}
	return model.StudentMetrics{ModuleID: moduleID, StudentNumber: studentNumber}
}

func (m *Memory) setStudentLocked(moduleID string, sm model.StudentMetrics) {
	byStudent, ok := m.students[moduleID]
	if !ok {
		byStudent = map[string]model.StudentMetrics{}
		m.students[moduleID] = byStudent
	}
	byStudent[sm.StudentNumber] = sm
}

func copySessionStats(ss model.SessionStats) model.SessionStats {
	cp := ss
	cp.CheckinBuckets = copyIntMap(ss.CheckinBuckets)
	return cp
}

func copyModuleStats(ms model.ModuleStats) model.ModuleStats {
	cp := ms
	cp.LatenessBuckets = copyIntMap(ms.LatenessBuckets)
	cp.CheckinCurvePercent = copyFloatMap(ms.CheckinCurvePercent)
	cp.Heatmap = copyCellMap(ms.Heatmap)
	cp.Weekly = copyCellMap(ms.Weekly)
	return cp
}

func copyIntMap(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyCellMap(in map[string]model.HeatCell) map[string]model.HeatCell {
	if in == nil {
		return nil
	}
	out := make(map[string]model.HeatCell, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

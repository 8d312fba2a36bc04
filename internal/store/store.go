// Package store persists rollcall's documents. The Store interface is the
// single seam between business logic and the storage engine; services take
// it as an explicit dependency so tests can substitute the in-memory
// implementation.
package store

import (
	"context"
	"errors"
	"time"

	"rollcall/internal/model"
)

var (
	// ErrNotFound is returned when a referenced document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a write conflicts with the
	// (sessionID, studentNumber) attendance key.
	ErrDuplicate = errors.New("store: duplicate attendance record")
)

// SubmitFn folds an accepted submission into the derived stats documents.
// It runs inside the submit transaction after all reads and before any write.
type SubmitFn func(ss *model.SessionStats, ms *model.ModuleStats, sm *model.StudentMetrics)

// EditFn receives the current attendance record (nil when absent) and
// returns the replacement (nil to delete). It runs inside the edit
// transaction.
type EditFn func(before *model.AttendanceRecord) (*model.AttendanceRecord, error)

// Store is the storage contract. Every mutating method is atomic; methods
// spanning several documents run them as one transaction.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, sess model.Session, secrets model.SessionSecrets) error
	Session(ctx context.Context, id string) (model.Session, error)
	SessionSecrets(ctx context.Context, id string) (model.SessionSecrets, error)
	// MutateSession re-reads the session and its secret bundle, applies fn,
	// and writes both back in one transaction. fn errors abort the write.
	MutateSession(ctx context.Context, id string, fn func(*model.Session, *model.SessionSecrets) error) (model.Session, error)
	SessionsSince(ctx context.Context, cutoff time.Time) ([]model.Session, error)
	// SessionsByModule matches either the module id or the module code,
	// newest first.
	SessionsByModule(ctx context.Context, key string, limit int) ([]model.Session, error)

	// Attendance.
	AttendanceExists(ctx context.Context, sessionID, studentNumber string) (bool, error)
	AttendanceBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error)
	// SubmitAttendance writes the record, increments the session's
	// submissionsCount, and applies fn to the three derived stats documents,
	// all in one transaction. Returns ErrDuplicate when the attendance key
	// already exists, even under concurrent submissions.
	SubmitAttendance(ctx context.Context, rec model.AttendanceRecord, moduleID string, fn SubmitFn) error
	// EditAttendance applies fn to the current record inside a transaction,
	// adjusts submission counters on create/delete, and appends the audit
	// entry with before/after snapshots filled in.
	EditAttendance(ctx context.Context, sessionID, studentNumber, moduleID string, fn EditFn, entry model.AuditEntry) error

	// Integrity log and rejection counters.
	AppendIntegrityEvent(ctx context.Context, ev model.IntegrityEvent) error
	// BumpFailureCounters atomically increments the counter for the given
	// integrity kind on both the session-stats and module-stats documents.
	BumpFailureCounters(ctx context.Context, sessionID, moduleID, kind string) error

	// Derived stats documents.
	SessionStatsDoc(ctx context.Context, sessionID string) (model.SessionStats, error)
	SaveSessionStats(ctx context.Context, stats model.SessionStats) error
	ModuleStatsDoc(ctx context.Context, moduleID string) (model.ModuleStats, error)
	SaveModuleStats(ctx context.Context, stats model.ModuleStats) error

	// Per-student metrics and rosters.
	SaveStudentMetrics(ctx context.Context, moduleID string, docs []model.StudentMetrics) error
	StudentsByConsistency(ctx context.Context, moduleID string, limit int) ([]model.StudentMetrics, error)
	Roster(ctx context.Context, moduleID string) ([]model.RosterEntry, error)
	UpsertRoster(ctx context.Context, entries []model.RosterEntry) error

	// Scheduled sessions.
	DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error)
	MarkScheduleStarted(ctx context.Context, scheduleID, sessionID string, at time.Time) error

	// TakeRateLimit transactionally increments the fixed-window counter for
	// key and reports whether the request is allowed.
	TakeRateLimit(ctx context.Context, key string, window time.Duration, max int) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

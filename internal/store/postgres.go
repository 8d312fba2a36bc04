package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"rollcall/internal/model"
)

// Postgres implements Store over database/sql with the pgx driver. Queryable
// fields live in real columns; the full documents are kept as jsonb so the
// stats maps round-trip without a column per bucket.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a Postgres connection with sane pool defaults and
// ensures the schema exists.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			lecturer_id TEXT NOT NULL,
			module_id TEXT NOT NULL DEFAULT '',
			module_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			submissions_count INTEGER NOT NULL DEFAULT 0,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_secrets (
			session_id TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS attendance (
			session_id TEXT NOT NULL,
			student_number TEXT NOT NULL,
			doc JSONB NOT NULL,
			PRIMARY KEY (session_id, student_number)
		);
		CREATE TABLE IF NOT EXISTS integrity_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_stats (
			session_id TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS module_stats (
			module_id TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS module_students (
			module_id TEXT NOT NULL,
			student_number TEXT NOT NULL,
			consistency DOUBLE PRECISION NOT NULL DEFAULT 0,
			doc JSONB NOT NULL,
			PRIMARY KEY (module_id, student_number)
		);
		CREATE TABLE IF NOT EXISTS module_rosters (
			module_id TEXT NOT NULL,
			student_number TEXT NOT NULL,
			doc JSONB NOT NULL,
			PRIMARY KEY (module_id, student_number)
		);
		CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			scheduled_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS rate_limits (
			key TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			reset_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (p *Postgres) CreateSession(ctx context.Context, sess model.Session, secrets model.SessionSecrets) error {
	sessDoc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	secDoc, err := json.Marshal(secrets)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, lecturer_id, module_id, module_code, created_at, is_active, submissions_count, doc)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
	`, sess.ID, sess.LecturerID, sess.ModuleID, sess.ModuleCode, sess.CreatedAt, sess.IsActive, sessDoc); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_secrets (session_id, doc) VALUES ($1, $2)
	`, sess.ID, secDoc); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) Session(ctx context.Context, id string) (model.Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT doc, submissions_count FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var doc []byte
	var count int
	if err := row.Scan(&doc, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, err
	}
	var sess model.Session
	if err := json.Unmarshal(doc, &sess); err != nil {
		return model.Session{}, err
	}
	sess.SubmissionsCount = count
	return sess, nil
}

func (p *Postgres) SessionSecrets(ctx context.Context, id string) (model.SessionSecrets, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM session_secrets WHERE session_id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionSecrets{}, ErrNotFound
	}
	if err != nil {
		return model.SessionSecrets{}, err
	}
	var sec model.SessionSecrets
	if err := json.Unmarshal(doc, &sec); err != nil {
		return model.SessionSecrets{}, err
	}
	return sec, nil
}

func (p *Postgres) MutateSession(ctx context.Context, id string, fn func(*model.Session, *model.SessionSecrets) error) (model.Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, err
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRowContext(ctx, `SELECT doc, submissions_count FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.Session{}, err
	}

	var sec model.SessionSecrets
	var secDoc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM session_secrets WHERE session_id = $1 FOR UPDATE`, id).Scan(&secDoc)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, err
	}
	if secDoc != nil {
		if err := json.Unmarshal(secDoc, &sec); err != nil {
			return model.Session{}, err
		}
	}

	if err := fn(&sess, &sec); err != nil {
		return model.Session{}, err
	}

	newSessDoc, err := json.Marshal(sess)
	if err != nil {
		return model.Session{}, err
	}
	newSecDoc, err := json.Marshal(sec)
	if err != nil {
		return model.Session{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET doc = $2, is_active = $3 WHERE id = $1
	`, id, newSessDoc, sess.IsActive); err != nil {
		return model.Session{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_secrets (session_id, doc) VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET doc = EXCLUDED.doc
	`, id, newSecDoc); err != nil {
		return model.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (p *Postgres) SessionsSince(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc, submissions_count FROM sessions WHERE created_at >= $1 ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (p *Postgres) SessionsByModule(ctx context.Context, key string, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc, submissions_count FROM sessions
		WHERE module_id = $1 OR module_code = $1
		ORDER BY created_at DESC LIMIT $2
	`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]model.Session, error) {
	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (p *Postgres) AttendanceExists(ctx context.Context, sessionID, studentNumber string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `
		SELECT 1 FROM attendance WHERE session_id = $1 AND student_number = $2
	`, sessionID, studentNumber).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (p *Postgres) AttendanceBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc FROM attendance WHERE session_id = $1 ORDER BY student_number
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AttendanceRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec model.AttendanceRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) SubmitAttendance(ctx context.Context, rec model.AttendanceRecord, moduleID string, fn SubmitFn) error {
	recDoc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The primary key closes the duplicate race: a second concurrent submit
	// for the same student inserts zero rows and rolls back.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance (session_id, student_number, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, student_number) DO NOTHING
	`, rec.SessionID, rec.StudentNumber, recDoc)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrDuplicate
	}

	ss, err := lockSessionStats(ctx, tx, rec.SessionID)
	if err != nil {
		return err
	}
	ms, err := lockModuleStats(ctx, tx, moduleID)
	if err != nil {
		return err
	}
	sm, err := lockStudent(ctx, tx, moduleID, rec.StudentNumber)
	if err != nil {
		return err
	}

	fn(&ss, &ms, &sm)

	if err := writeSessionStats(ctx, tx, ss); err != nil {
		return err
	}
	if err := writeModuleStats(ctx, tx, ms); err != nil {
		return err
	}
	if err := writeStudent(ctx, tx, moduleID, sm); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET submissions_count = submissions_count + 1 WHERE id = $1
	`, rec.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) EditAttendance(ctx context.Context, sessionID, studentNumber, moduleID string, fn EditFn, entry model.AuditEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var before *model.AttendanceRecord
	var doc []byte
	err = tx.QueryRowContext(ctx, `
		SELECT doc FROM attendance WHERE session_id = $1 AND student_number = $2 FOR UPDATE
	`, sessionID, studentNumber).Scan(&doc)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if doc != nil {
		var rec model.AttendanceRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return err
		}
		before = &rec
	}

	after, err := fn(before)
	if err != nil {
		return err
	}

	switch {
	case before != nil && after == nil:
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM attendance WHERE session_id = $1 AND student_number = $2
		`, sessionID, studentNumber); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET submissions_count = submissions_count - 1 WHERE id = $1
		`, sessionID); err != nil {
			return err
		}
		if err := adjustStudentCount(ctx, tx, moduleID, studentNumber, -1, nil); err != nil {
			return err
		}
	case after != nil:
		afterDoc, err := json.Marshal(after)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance (session_id, student_number, doc)
			VALUES ($1, $2, $3)
			ON CONFLICT (session_id, student_number) DO UPDATE SET doc = EXCLUDED.doc
		`, sessionID, studentNumber, afterDoc); err != nil {
			return err
		}
		if before == nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions SET submissions_count = submissions_count + 1 WHERE id = $1
			`, sessionID); err != nil {
				return err
			}
			seen := entry.CreatedAt
			if err := adjustStudentCount(ctx, tx, moduleID, studentNumber, 1, &seen); err != nil {
				return err
			}
		}
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Before = before
	entry.After = after
	entryDoc, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_entries (id, session_id, doc) VALUES ($1, $2, $3)
	`, entry.ID, sessionID, entryDoc); err != nil {
		return err
	}
	return tx.Commit()
}

func adjustStudentCount(ctx context.Context, tx *sql.Tx, moduleID, studentNumber string, delta int, seenAt *time.Time) error {
	sm, err := lockStudent(ctx, tx, moduleID, studentNumber)
	if err != nil {
		return err
	}
	sm.AttendedCount += delta
	if seenAt != nil {
		sm.LastSeenAt = seenAt
	}
	return writeStudent(ctx, tx, moduleID, sm)
}

func (p *Postgres) AppendIntegrityEvent(ctx context.Context, ev model.IntegrityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO integrity_events (id, session_id, doc) VALUES ($1, $2, $3)
	`, ev.ID, ev.SessionID, doc)
	return err
}

var failureField = map[string]string{
	model.IntegrityExpiredQR:    "expiredAttempts",
	model.IntegrityInvalidToken: "wrongTokenAttempts",
	model.IntegrityWrongPin:     "wrongPinAttempts",
	model.IntegrityDuplicate:    "blockedDuplicates",
}

func (p *Postgres) BumpFailureCounters(ctx context.Context, sessionID, moduleID, kind string) error {
	field, ok := failureField[kind]
	if !ok {
		return fmt.Errorf("unknown integrity kind %q", kind)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_stats (session_id, doc)
		VALUES ($1, jsonb_build_object('sessionId', $1::text))
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE session_stats
		SET doc = jsonb_set(doc, '{%s}', to_jsonb(COALESCE((doc->>'%s')::int, 0) + 1))
		WHERE session_id = $1
	`, field, field), sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO module_stats (module_id, doc)
		VALUES ($1, jsonb_build_object('moduleId', $1::text))
		ON CONFLICT (module_id) DO NOTHING
	`, moduleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE module_stats
		SET doc = jsonb_set(doc, '{%s}', to_jsonb(COALESCE((doc->>'%s')::int, 0) + 1))
		WHERE module_id = $1
	`, field, field), moduleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) SessionStatsDoc(ctx context.Context, sessionID string) (model.SessionStats, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM session_stats WHERE session_id = $1`, sessionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionStats{}, ErrNotFound
	}
	if err != nil {
		return model.SessionStats{}, err
	}
	var ss model.SessionStats
	if err := json.Unmarshal(doc, &ss); err != nil {
		return model.SessionStats{}, err
	}
	return ss, nil
}

func (p *Postgres) SaveSessionStats(ctx context.Context, stats model.SessionStats) error {
	doc, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO session_stats (session_id, doc) VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET doc = EXCLUDED.doc
	`, stats.SessionID, doc)
	return err
}

func (p *Postgres) ModuleStatsDoc(ctx context.Context, moduleID string) (model.ModuleStats, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM module_stats WHERE module_id = $1`, moduleID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ModuleStats{}, ErrNotFound
	}
	if err != nil {
		return model.ModuleStats{}, err
	}
	var ms model.ModuleStats
	if err := json.Unmarshal(doc, &ms); err != nil {
		return model.ModuleStats{}, err
	}
	return ms, nil
}

func (p *Postgres) SaveModuleStats(ctx context.Context, stats model.ModuleStats) error {
	doc, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO module_stats (module_id, doc) VALUES ($1, $2)
		ON CONFLICT (module_id) DO UPDATE SET doc = EXCLUDED.doc
	`, stats.ModuleID, doc)
	return err
}

func (p *Postgres) SaveStudentMetrics(ctx context.Context, moduleID string, docs []model.StudentMetrics) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, sm := range docs {
		sm.ModuleID = moduleID
		if err := writeStudent(ctx, tx, moduleID, sm); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) StudentsByConsistency(ctx context.Context, moduleID string, limit int) ([]model.StudentMetrics, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc FROM module_students WHERE module_id = $1
		ORDER BY consistency ASC, student_number ASC LIMIT $2
	`, moduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.StudentMetrics
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sm model.StudentMetrics
		if err := json.Unmarshal(doc, &sm); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (p *Postgres) Roster(ctx context.Context, moduleID string) ([]model.RosterEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc FROM module_rosters WHERE module_id = $1 ORDER BY student_number
	`, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RosterEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e model.RosterEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertRoster(ctx context.Context, entries []model.RosterEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range entries {
		doc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO module_rosters (module_id, student_number, doc)
			VALUES ($1, $2, $3)
			ON CONFLICT (module_id, student_number) DO UPDATE SET doc = EXCLUDED.doc
		`, e.ModuleID, e.StudentNumber, doc); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc FROM schedules WHERE status = $1 AND scheduled_at <= $2 ORDER BY scheduled_at
	`, model.ScheduleQueued, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Schedule
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var s model.Schedule
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkScheduleStarted(ctx context.Context, scheduleID, sessionID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE schedules
		SET status = $2,
		    doc = doc || jsonb_build_object('status', $2::text, 'sessionId', $3::text, 'startedAt', to_jsonb($4::timestamptz))
		WHERE id = $1
	`, scheduleID, model.ScheduleStarted, sessionID, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) TakeRateLimit(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now()
	var count int
	var resetAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT count, reset_at FROM rate_limits WHERE key = $1 FOR UPDATE`, key).Scan(&count, &resetAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_limits (key, count, reset_at) VALUES ($1, 1, $2)
		`, key, now.Add(window)); err != nil {
			return false, err
		}
		return true, tx.Commit()
	case err != nil:
		return false, err
	}

	if now.After(resetAt) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE rate_limits SET count = 1, reset_at = $2 WHERE key = $1
		`, key, now.Add(window)); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	count++
	if count > max {
		return false, tx.Rollback()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rate_limits SET count = $2 WHERE key = $1`, key, count); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

func lockSessionStats(ctx context.Context, tx *sql.Tx, sessionID string) (model.SessionStats, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_stats (session_id, doc)
		VALUES ($1, jsonb_build_object('sessionId', $1::text))
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID); err != nil {
		return model.SessionStats{}, err
	}
	var doc []byte
	if err := tx.QueryRowContext(ctx, `
		SELECT doc FROM session_stats WHERE session_id = $1 FOR UPDATE
	`, sessionID).Scan(&doc); err != nil {
		return model.SessionStats{}, err
	}
	var ss model.SessionStats
	if err := json.Unmarshal(doc, &ss); err != nil {
		return model.SessionStats{}, err
	}
	ss.SessionID = sessionID
	return ss, nil
}

func lockModuleStats(ctx context.Context, tx *sql.Tx, moduleID string) (model.ModuleStats, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO module_stats (module_id, doc)
		VALUES ($1, jsonb_build_object('moduleId', $1::text))
		ON CONFLICT (module_id) DO NOTHING
	`, moduleID); err != nil {
		return model.ModuleStats{}, err
	}
	var doc []byte
	if err := tx.QueryRowContext(ctx, `
		SELECT doc FROM module_stats WHERE module_id = $1 FOR UPDATE
	`, moduleID).Scan(&doc); err != nil {
		return model.ModuleStats{}, err
	}
	var ms model.ModuleStats
	if err := json.Unmarshal(doc, &ms); err != nil {
		return model.ModuleStats{}, err
	}
	ms.ModuleID = moduleID
	return ms, nil
}

func lockStudent(ctx context.Context, tx *sql.Tx, moduleID, studentNumber string) (model.StudentMetrics, error) {
	var doc []byte
	err := tx.QueryRowContext(ctx, `
		SELECT doc FROM module_students WHERE module_id = $1 AND student_number = $2 FOR UPDATE
	`, moduleID, studentNumber).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StudentMetrics{ModuleID: moduleID, StudentNumber: studentNumber}, nil
	}
	if err != nil {
		return model.StudentMetrics{}, err
	}
	var sm model.StudentMetrics
	if err := json.Unmarshal(doc, &sm); err != nil {
		return model.StudentMetrics{}, err
	}
	return sm, nil
}

func writeSessionStats(ctx context.Context, tx *sql.Tx, ss model.SessionStats) error {
	doc, err := json.Marshal(ss)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_stats (session_id, doc) VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET doc = EXCLUDED.doc
	`, ss.SessionID, doc)
	return err
}

func writeModuleStats(ctx context.Context, tx *sql.Tx, ms model.ModuleStats) error {
	doc, err := json.Marshal(ms)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO module_stats (module_id, doc) VALUES ($1, $2)
		ON CONFLICT (module_id) DO UPDATE SET doc = EXCLUDED.doc
	`, ms.ModuleID, doc)
	return err
}

func writeStudent(ctx context.Context, tx *sql.Tx, moduleID string, sm model.StudentMetrics) error {
	doc, err := json.Marshal(sm)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO module_students (module_id, student_number, consistency, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (module_id, student_number) DO UPDATE
		SET consistency = EXCLUDED.consistency, doc = EXCLUDED.doc
	`, moduleID, sm.StudentNumber, sm.ConsistencyPercent, doc)
	return err
}

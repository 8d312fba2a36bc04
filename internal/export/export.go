// Package export produces the lecturer-facing downloads: per-session
// attendance CSVs, roster imports, and the module summary bundle.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"

	"rollcall/internal/apperr"
	"rollcall/internal/model"
	"rollcall/internal/store"
)

// Template selects the CSV column set.
type Template string

const (
	TemplateMinimal  Template = "minimal"
	TemplateStandard Template = "standard"
)

// ParseTemplate maps a query value to a template, defaulting to standard.
func ParseTemplate(s string) Template {
	if strings.EqualFold(strings.TrimSpace(s), string(TemplateMinimal)) {
		return TemplateMinimal
	}
	return TemplateStandard
}

// File is a generated download.
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Service builds exports over the store.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService creates the export service.
func NewService(st store.Store) *Service {
	return &Service{store: st, now: time.Now}
}

// NewServiceWithClock pins the clock; used by tests.
func NewServiceWithClock(st store.Store, now func() time.Time) *Service {
	return &Service{store: st, now: now}
}

var minimalColumns = []string{"studentNumber", "status"}

var standardColumns = []string{
	"moduleCode", "title", "studentNumber", "name", "surname",
	"initials", "email", "group", "status", "submittedAt",
}

// SessionCSV renders the session's attendance rows. Owner only. The output
// starts with a UTF-8 BOM so Excel on Windows splits the columns correctly.
func (s *Service) SessionCSV(ctx context.Context, lecturerID, sessionID string, tpl Template) (File, error) {
	if sessionID == "" {
		return File{}, apperr.New(apperr.InvalidArgument, "sessionId required")
	}
	sess, err := s.store.Session(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return File{}, apperr.New(apperr.NotFound, "session not found")
	}
	if err != nil {
		return File{}, apperr.Wrap(apperr.Internal, "storage failure", err)
	}
	if sess.LecturerID != lecturerID {
		return File{}, apperr.New(apperr.PermissionDenied, "forbidden")
	}

	records, err := s.store.AttendanceBySession(ctx, sessionID)
	if err != nil {
		return File{}, apperr.Wrap(apperr.Internal, "storage failure", err)
	}

	var buf bytes.Buffer
	buf.WriteString("\uFEFF")
	w := csv.NewWriter(&buf)

	columns := standardColumns
	if tpl == TemplateMinimal {
		columns = minimalColumns
	}
	if err := w.Write(columns); err != nil {
		return File{}, apperr.Wrap(apperr.Internal, "csv write failed", err)
	}
	for _, rec := range records {
		if err := w.Write(csvRow(sess, rec, tpl)); err != nil {
			return File{}, apperr.Wrap(apperr.Internal, "csv write failed", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return File{}, apperr.Wrap(apperr.Internal, "csv write failed", err)
	}

	base := sess.ModuleCode
	if base == "" {
		base = sessionID
	}
	return File{
		Filename:    fmt.Sprintf("%s-%d.csv", base, s.now().UnixMilli()),
		ContentType: "text/csv",
		Data:        buf.Bytes(),
	}, nil
}

func csvRow(sess model.Session, rec model.AttendanceRecord, tpl Template) []string {
	status := rec.Status
	if status == "" {
		status = "Present"
	}
	if tpl == TemplateMinimal {
		return []string{rec.StudentNumber, status}
	}
	submitted := ""
	if !rec.SubmittedAt.IsZero() {
		submitted = rec.SubmittedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		sess.ModuleCode, sess.Title, rec.StudentNumber, rec.Name, rec.Surname,
		rec.Initials, rec.Email, rec.Group, status, submitted,
	}
}

// ImportRoster parses a header-driven roster CSV and upserts the module's
// roster entries. Returns the number of imported rows. Rows without a student
// number are skipped, not errors.
func (s *Service) ImportRoster(ctx context.Context, lecturerID, moduleID, csvText string) (int, error) {
	if moduleID == "" {
		return 0, apperr.New(apperr.InvalidArgument, "moduleId required")
	}
	if strings.TrimSpace(csvText) == "" {
		return 0, apperr.New(apperr.InvalidArgument, "csv required")
	}

	entries, err := parseRoster(moduleID, lecturerID, csvText, s.now())
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := s.store.UpsertRoster(ctx, entries); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "roster write failed", err)
	}
	return len(entries), nil
}

func parseRoster(moduleID, importedBy, csvText string, at time.Time) ([]model.RosterEntry, error) {
	var lines []string
	for _, line := range strings.Split(csvText, "\n") {
		line = strings.TrimRight(strings.TrimSpace(line), "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return nil, nil
	}

	r := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "malformed csv", err)
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var entries []model.RosterEntry
	for _, row := range rows[1:] {
		fields := map[string]string{}
		for i, col := range header {
			if i < len(row) {
				fields[col] = strings.TrimSpace(row[i])
			}
		}
		studentNumber := firstNonEmpty(fields["studentnumber"], fields["id"], fields["number"])
		if studentNumber == "" {
			continue
		}
		entries = append(entries, model.RosterEntry{
			ModuleID:      moduleID,
			StudentNumber: studentNumber,
			Name:          fields["name"],
			Surname:       fields["surname"],
			Email:         fields["email"],
			ImportedBy:    importedBy,
			ImportedAt:    at,
		})
	}
	return entries, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ModuleSummary bundles everything the module report view needs.
type ModuleSummary struct {
	Stats          model.ModuleStats      `json:"stats"`
	AtRiskStudents []model.StudentMetrics `json:"atRiskStudents"`
	RecentSessions []model.Session        `json:"recentSessions"`
}

// Summary returns the module's stats, its ten lowest-consistency students,
// and the ten most recent sessions.
func (s *Service) Summary(ctx context.Context, moduleID string) (ModuleSummary, error) {
	if moduleID == "" {
		return ModuleSummary{}, apperr.New(apperr.InvalidArgument, "moduleId required")
	}
	stats, err := s.store.ModuleStatsDoc(ctx, moduleID)
	if errors.Is(err, store.ErrNotFound) {
		return ModuleSummary{}, apperr.New(apperr.NotFound, "module stats not found")
	}
	if err != nil {
		return ModuleSummary{}, apperr.Wrap(apperr.Internal, "storage failure", err)
	}

	students, err := s.store.StudentsByConsistency(ctx, moduleID, 10)
	if err != nil {
		return ModuleSummary{}, apperr.Wrap(apperr.Internal, "storage failure", err)
	}
	sessions, err := s.store.SessionsByModule(ctx, moduleID, 10)
	if err != nil {
		return ModuleSummary{}, apperr.Wrap(apperr.Internal, "storage failure", err)
	}
	return ModuleSummary{Stats: stats, AtRiskStudents: students, RecentSessions: sessions}, nil
}

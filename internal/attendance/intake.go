// Package attendance is the student-facing write path: it validates
// submissions against the session's credential state, records integrity
// events for rejected attempts, and commits accepted records together with
// their derived-stat updates as one atomic unit.
package attendance

import (
	"context"
	"errors"
	"log"
	"time"

	"rollcall/internal/analytics"
	"rollcall/internal/apperr"
	"rollcall/internal/credential"
	"rollcall/internal/model"
	"rollcall/internal/store"
)

const (
	pinDigits    = 4
	pinTolerance = 1
)

// SubmitRequest is one student submission.
type SubmitRequest struct {
	SessionID     string
	StudentNumber string
	Token         string
	ClassCode     string
	Name          string
	Surname       string
	Initials      string
	Email         string
	Group         string
	IP            string
	UserAgent     string
}

// Service validates and records submissions.
type Service struct {
	store store.Store
	codec *credential.Codec
	now   func() time.Time
}

// NewService creates the intake service.
func NewService(st store.Store, codec *credential.Codec) *Service {
	return &Service{store: st, codec: codec, now: time.Now}
}

// NewServiceWithClock pins the clock; used by tests.
func NewServiceWithClock(st store.Store, codec *credential.Codec, now func() time.Time) *Service {
	return &Service{store: st, codec: codec, now: now}
}

// Submit runs the full acceptance pipeline. Credential and duplicate
// failures log an integrity event and bump the session and module failure
// counters before the rejection is returned; malformed requests do not.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) error {
	if req.SessionID == "" {
		return apperr.New(apperr.InvalidArgument, "sessionId required")
	}
	if req.StudentNumber == "" {
		return apperr.New(apperr.InvalidArgument, "studentNumber required")
	}
	if len(req.StudentNumber) < 4 || len(req.StudentNumber) > 20 {
		return apperr.New(apperr.InvalidArgument, "studentNumber length invalid")
	}
	if req.Token == "" {
		return apperr.New(apperr.InvalidArgument, "token required")
	}

	sess, err := s.store.Session(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, "session not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, "storage failure", err)
	}

	now := s.now()
	moduleID := sess.ModuleKey()

	if !sess.IsActive {
		submissionsRejected.WithLabelValues("session_ended").Inc()
		return apperr.New(apperr.FailedPrecondition, "session ended")
	}
	if now.After(sess.ExpiresAt) {
		submissionsRejected.WithLabelValues("session_expired").Inc()
		return apperr.New(apperr.FailedPrecondition, "session expired")
	}
	if sess.QR.TokenHash == "" {
		return apperr.New(apperr.FailedPrecondition, "QR code unavailable")
	}
	if now.After(sess.QR.ExpiresAt) {
		s.reject(ctx, sess, req.StudentNumber, model.IntegrityExpiredQR)
		return apperr.New(apperr.FailedPrecondition, "QR code expired")
	}

	if !s.codec.Verify(sess.QR.TokenHash, req.Token) {
		s.reject(ctx, sess, req.StudentNumber, model.IntegrityInvalidToken)
		return apperr.New(apperr.PermissionDenied, "invalid token")
	}

	if sess.Settings.RequireClassCode {
		sec, err := s.store.SessionSecrets(ctx, req.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.Internal, "session configuration missing")
		}
		if err != nil {
			return apperr.Wrap(apperr.Internal, "storage failure", err)
		}
		if !s.classCodeValid(sec, req.ClassCode) {
			s.reject(ctx, sess, req.StudentNumber, model.IntegrityWrongPin)
			return apperr.New(apperr.PermissionDenied, "invalid class code")
		}
	}

	// Plain read before the write transaction; the attendance primary key
	// still catches the race between two near-simultaneous submissions.
	exists, err := s.store.AttendanceExists(ctx, req.SessionID, req.StudentNumber)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "storage failure", err)
	}
	if exists {
		s.reject(ctx, sess, req.StudentNumber, model.IntegrityDuplicate)
		return apperr.New(apperr.AlreadyExists, "already submitted")
	}

	rec := buildRecord(sess, req, now)
	upd := analytics.NewUpdate(sess, now)

	err = s.store.SubmitAttendance(ctx, rec, moduleID, func(ss *model.SessionStats, ms *model.ModuleStats, sm *model.StudentMetrics) {
		analytics.ApplySubmission(ss, ms, sm, upd)
	})
	if errors.Is(err, store.ErrDuplicate) {
		s.reject(ctx, sess, req.StudentNumber, model.IntegrityDuplicate)
		return apperr.New(apperr.AlreadyExists, "already submitted")
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, "attendance write failed", err)
	}

	submissionsAccepted.Inc()
	return nil
}

// buildRecord copies only the fields the session's required-field map allows.
// Anything else a client sends is dropped.
func buildRecord(sess model.Session, req SubmitRequest, now time.Time) model.AttendanceRecord {
	rec := model.AttendanceRecord{
		SessionID:     req.SessionID,
		StudentNumber: req.StudentNumber,
		Status:        "Present",
		SubmittedAt:   now,
		Audit:         model.SubmissionAudit{IP: req.IP, UserAgent: req.UserAgent},
	}
	rf := sess.RequiredFields
	if rf.Name {
		rec.Name = req.Name
	}
	if rf.Surname {
		rec.Surname = req.Surname
	}
	if rf.Initials {
		rec.Initials = req.Initials
	}
	if rf.Email {
		rec.Email = req.Email
	}
	if rf.Group {
		rec.Group = req.Group
	}
	return rec
}

func (s *Service) classCodeValid(sec model.SessionSecrets, candidate string) bool {
	if sec.ClassCodeSecret != "" && sec.ClassCodeRotationSeconds > 0 {
		for _, code := range s.codec.DerivePinWindow(sec.ClassCodeSecret, sec.ClassCodeRotationSeconds, pinDigits, pinTolerance) {
			if code == candidate {
				return true
			}
		}
		return false
	}
	return s.codec.Verify(sec.ClassCodeHash, candidate)
}

// reject writes the integrity event and failure counters for a rejected
// attempt. Fire-and-forget: a logging failure must never mask the rejection
// itself.
func (s *Service) reject(ctx context.Context, sess model.Session, studentNumber, kind string) {
	submissionsRejected.WithLabelValues(kind).Inc()
	ev := model.IntegrityEvent{
		SessionID:     sess.ID,
		Type:          kind,
		StudentNumber: studentNumber,
		CreatedAt:     s.now(),
	}
	if err := s.store.AppendIntegrityEvent(ctx, ev); err != nil {
		log.Printf("integrity event write failed (session %s, kind %s): %v", sess.ID, kind, err)
	}
	if err := s.store.BumpFailureCounters(ctx, sess.ID, sess.ModuleKey(), kind); err != nil {
		log.Printf("failure counter bump failed (session %s, kind %s): %v", sess.ID, kind, err)
	}
}

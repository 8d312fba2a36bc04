package attendance

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"rollcall/internal/apperr"
	"rollcall/internal/model"
	"rollcall/internal/store"
)

// Edit actions.
const (
	ActionMarkPresent = "markPresent"
	ActionRemove      = "remove"
	ActionEdit        = "edit"
)

// EditFields are the correctable attributes of a record. Empty values leave
// the existing field untouched.
type EditFields struct {
	Name     string
	Surname  string
	Initials string
	Email    string
	Group    string
	Status   string
}

// EditRequest is an owner-initiated correction of an attendance record.
type EditRequest struct {
	SessionID     string
	StudentNumber string
	Action        string
	Fields        EditFields
	Reason        string
}

// Edit applies an authorized correction. Every call, whatever the action,
// appends an audit entry with before/after snapshots, the actor, and the
// mandatory reason.
func (s *Service) Edit(ctx context.Context, lecturerID string, req EditRequest) error {
	if req.SessionID == "" {
		return apperr.New(apperr.InvalidArgument, "sessionId required")
	}
	if req.StudentNumber == "" {
		return apperr.New(apperr.InvalidArgument, "studentNumber required")
	}
	if req.Action != ActionMarkPresent && req.Action != ActionRemove && req.Action != ActionEdit {
		return apperr.New(apperr.InvalidArgument, "invalid action")
	}
	if req.Reason == "" {
		return apperr.New(apperr.InvalidArgument, "reason required")
	}

	sess, err := s.store.Session(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, "session not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, "storage failure", err)
	}
	if sess.LecturerID != lecturerID {
		return apperr.New(apperr.PermissionDenied, "forbidden")
	}

	now := s.now()
	entry := model.AuditEntry{
		ID:            uuid.NewString(),
		SessionID:     req.SessionID,
		Actor:         lecturerID,
		Action:        req.Action,
		StudentNumber: req.StudentNumber,
		Reason:        req.Reason,
		CreatedAt:     now,
	}

	err = s.store.EditAttendance(ctx, req.SessionID, req.StudentNumber, sess.ModuleKey(), func(before *model.AttendanceRecord) (*model.AttendanceRecord, error) {
		switch req.Action {
		case ActionRemove:
			if before == nil {
				return nil, apperr.New(apperr.NotFound, "attendance not found")
			}
			return nil, nil
		case ActionMarkPresent:
			rec := model.AttendanceRecord{
				SessionID:     req.SessionID,
				StudentNumber: req.StudentNumber,
				Status:        "Present",
				SubmittedAt:   now,
			}
			if before != nil {
				rec = *before
				rec.Status = "Present"
			}
			applyFields(&rec, req.Fields)
			return &rec, nil
		default: // ActionEdit
			if before == nil {
				return nil, apperr.New(apperr.NotFound, "attendance not found")
			}
			rec := *before
			applyFields(&rec, req.Fields)
			return &rec, nil
		}
	}, entry)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperr.Wrap(apperr.Internal, "edit failed", err)
	}
	return nil
}

func applyFields(rec *model.AttendanceRecord, f EditFields) {
	if f.Name != "" {
		rec.Name = f.Name
	}
	if f.Surname != "" {
		rec.Surname = f.Surname
	}
	if f.Initials != "" {
		rec.Initials = f.Initials
	}
	if f.Email != "" {
		rec.Email = f.Email
	}
	if f.Group != "" {
		rec.Group = f.Group
	}
	if f.Status != "" {
		rec.Status = f.Status
	}
}

// Package session owns the attendance-session lifecycle: creation with
// credential issuance, QR renewal, window extension, ending, and the
// lecturer-side PIN display path.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/apperr"
	"rollcall/internal/credential"
	"rollcall/internal/model"
	"rollcall/internal/store"
)

const (
	minWindowSeconds = 30
	maxWindowSeconds = 30 * 60
	pinDigits        = 4
	defaultRotation  = 30
)

var (
	allowedWindows   = map[int]bool{30: true, 60: true, 120: true, 300: true}
	allowedRotations = map[int]bool{30: true, 60: true}
)

// CreateRequest is the validated input for creating a session.
type CreateRequest struct {
	ModuleID                 string
	ModuleCode               string
	ModuleTitle              string
	Title                    string
	WindowSeconds            int
	RequiredFields           model.RequiredFields
	RequireClassCode         bool
	ClassCodeRotationSeconds int
}

// CreateResult carries the one-time plaintext credentials back to the
// lecturer UI. Only the commitments are stored publicly.
type CreateResult struct {
	SessionID string
	ExpiresAt time.Time
	QRToken   string
	ClassCode string
}

// Service implements the session lifecycle over a Store.
type Service struct {
	store store.Store
	codec *credential.Codec
	now   func() time.Time
}

// NewService creates the lifecycle service.
func NewService(st store.Store, codec *credential.Codec) *Service {
	return &Service{store: st, codec: codec, now: time.Now}
}

// NewServiceWithClock pins the clock; used by tests.
func NewServiceWithClock(st store.Store, codec *credential.Codec, now func() time.Time) *Service {
	return &Service{store: st, codec: codec, now: now}
}

// Create atomically writes the public session document and the private
// secret bundle. The QR token and any static class code are returned in
// plaintext exactly once.
func (s *Service) Create(ctx context.Context, lecturerID string, req CreateRequest) (CreateResult, error) {
	if lecturerID == "" {
		return CreateResult{}, apperr.New(apperr.Unauthenticated, "lecturer must be signed in")
	}
	if req.ModuleID == "" {
		return CreateResult{}, apperr.New(apperr.InvalidArgument, "moduleId required")
	}
	if req.ModuleCode == "" {
		return CreateResult{}, apperr.New(apperr.InvalidArgument, "moduleCode required")
	}
	if !allowedWindows[req.WindowSeconds] {
		return CreateResult{}, apperr.New(apperr.InvalidArgument, "windowSeconds must be 30, 60, 120, or 300")
	}
	rotation := req.ClassCodeRotationSeconds
	if req.RequireClassCode {
		if rotation == 0 {
			rotation = defaultRotation
		}
		if !allowedRotations[rotation] {
			return CreateResult{}, apperr.New(apperr.InvalidArgument, "classCodeRotationSeconds must be 30 or 60")
		}
	}

	now := s.now()
	expiresAt := now.Add(time.Duration(req.WindowSeconds) * time.Second)

	qrToken, err := s.codec.GenerateToken()
	if err != nil {
		return CreateResult{}, apperr.Wrap(apperr.Internal, "credential generation failed", err)
	}

	sess := model.Session{
		ID:             uuid.NewString(),
		LecturerID:     lecturerID,
		ModuleID:       req.ModuleID,
		ModuleCode:     req.ModuleCode,
		ModuleTitle:    req.ModuleTitle,
		Title:          req.Title,
		RequiredFields: req.RequiredFields,
		Settings: model.SessionSettings{
			WindowSeconds:    req.WindowSeconds,
			BlockDuplicates:  true,
			RequireClassCode: req.RequireClassCode,
		},
		CreatedAt: now,
		ExpiresAt: expiresAt,
		IsActive:  true,
		QR: model.QRState{
			TokenHash:     s.codec.Commit(qrToken),
			ExpiresAt:     expiresAt,
			LastRotatedAt: now,
		},
	}

	secrets := model.SessionSecrets{
		SessionID:     sess.ID,
		LecturerID:    lecturerID,
		QRTokenPlain:  qrToken,
		QRExpiresAt:   expiresAt,
		CreatedAt:     now,
		LastRotatedAt: now,
	}

	var classCode string
	if req.RequireClassCode {
		rotationSecret, err := s.codec.GenerateSecret()
		if err != nil {
			return CreateResult{}, apperr.Wrap(apperr.Internal, "credential generation failed", err)
		}
		// The rotating secret supersedes the static code: only the
		// derivation material persists.
		secrets.ClassCodeSecret = rotationSecret
		secrets.ClassCodeRotationSeconds = rotation
		classCode = fmt.Sprintf("%04d", 1000+rand.Intn(9000))
		secrets.ClassCodeHash = s.codec.Commit(classCode)
	}

	if err := s.store.CreateSession(ctx, sess, secrets); err != nil {
		return CreateResult{}, apperr.Wrap(apperr.Internal, "session create failed", err)
	}

	return CreateResult{SessionID: sess.ID, ExpiresAt: expiresAt, QRToken: qrToken, ClassCode: classCode}, nil
}

// RenewResult is returned by RenewQR.
type RenewResult struct {
	QRToken   string
	ExpiresAt time.Time
}

// RenewQR rotates the QR token and resets the expiry to now + window. The
// requested window is clamped to [30s, 30min]; zero keeps the session's
// configured window.
func (s *Service) RenewQR(ctx context.Context, lecturerID, sessionID string, windowSeconds int) (RenewResult, error) {
	if sessionID == "" {
		return RenewResult{}, apperr.New(apperr.InvalidArgument, "sessionId required")
	}

	nextToken, err := s.codec.GenerateToken()
	if err != nil {
		return RenewResult{}, apperr.Wrap(apperr.Internal, "credential generation failed", err)
	}
	nextHash := s.codec.Commit(nextToken)

	var expiresAt time.Time
	_, err = s.store.MutateSession(ctx, sessionID, func(sess *model.Session, sec *model.SessionSecrets) error {
		if err := s.ownerActiveCheck(*sess, lecturerID); err != nil {
			return err
		}
		base := sess.Settings.WindowSeconds
		if base <= 0 {
			base = 60
		}
		window := clampWindowSeconds(windowSeconds, base)

		now := s.now()
		expiresAt = now.Add(time.Duration(window) * time.Second)
		sess.ExpiresAt = expiresAt
		sess.QR = model.QRState{TokenHash: nextHash, ExpiresAt: expiresAt, LastRotatedAt: now}

		sec.QRTokenPlain = nextToken
		sec.QRExpiresAt = expiresAt
		sec.LastRotatedAt = now
		return nil
	})
	if err != nil {
		return RenewResult{}, mapStoreErr(err, "session")
	}
	return RenewResult{QRToken: nextToken, ExpiresAt: expiresAt}, nil
}

// Extend pushes the session and QR expiry forward by extensionSeconds,
// capped at 30 minutes. Additive, never a reset.
func (s *Service) Extend(ctx context.Context, lecturerID, sessionID string, extensionSeconds int) (time.Time, error) {
	if sessionID == "" {
		return time.Time{}, apperr.New(apperr.InvalidArgument, "sessionId required")
	}
	if extensionSeconds <= 0 {
		return time.Time{}, apperr.New(apperr.InvalidArgument, "extensionSeconds must be positive")
	}

	var expiresAt time.Time
	_, err := s.store.MutateSession(ctx, sessionID, func(sess *model.Session, sec *model.SessionSecrets) error {
		if err := s.ownerActiveCheck(*sess, lecturerID); err != nil {
			return err
		}
		extra := clampWindowSeconds(extensionSeconds, extensionSeconds)
		expiresAt = sess.ExpiresAt.Add(time.Duration(extra) * time.Second)
		sess.ExpiresAt = expiresAt
		sess.QR.ExpiresAt = expiresAt
		sec.QRExpiresAt = expiresAt
		return nil
	})
	if err != nil {
		return time.Time{}, mapStoreErr(err, "session")
	}
	return expiresAt, nil
}

// End marks the session inactive and stamps the end time. Ending an already
// ended session fails with FailedPrecondition rather than silently
// succeeding.
func (s *Service) End(ctx context.Context, lecturerID, sessionID string) error {
	if sessionID == "" {
		return apperr.New(apperr.InvalidArgument, "sessionId required")
	}
	_, err := s.store.MutateSession(ctx, sessionID, func(sess *model.Session, _ *model.SessionSecrets) error {
		if err := s.ownerActiveCheck(*sess, lecturerID); err != nil {
			return err
		}
		now := s.now()
		sess.IsActive = false
		sess.EndedAt = &now
		return nil
	})
	if err != nil {
		return mapStoreErr(err, "session")
	}
	return nil
}

// PinResult is the lecturer-side view of the rotating class code.
type PinResult struct {
	Pin             string
	RotationSeconds int
}

// CurrentPIN derives the rotating class code for display. Owner only;
// errors when rotation is not configured for the session.
func (s *Service) CurrentPIN(ctx context.Context, lecturerID, sessionID string) (PinResult, error) {
	if sessionID == "" {
		return PinResult{}, apperr.New(apperr.InvalidArgument, "sessionId required")
	}
	sess, err := s.store.Session(ctx, sessionID)
	if err != nil {
		return PinResult{}, mapStoreErr(err, "session")
	}
	if sess.LecturerID != lecturerID {
		return PinResult{}, apperr.New(apperr.PermissionDenied, "forbidden")
	}
	sec, err := s.store.SessionSecrets(ctx, sessionID)
	if err != nil {
		return PinResult{}, mapStoreErr(err, "session private config")
	}
	if sec.ClassCodeSecret == "" {
		return PinResult{}, apperr.New(apperr.FailedPrecondition, "rotating class code not enabled")
	}
	rotation := sec.ClassCodeRotationSeconds
	if rotation <= 0 {
		rotation = defaultRotation
	}
	pin := s.codec.DerivePin(sec.ClassCodeSecret, rotation, pinDigits)
	return PinResult{Pin: pin, RotationSeconds: rotation}, nil
}

// CreateFromSchedule starts a queued schedule as a live session.
func (s *Service) CreateFromSchedule(ctx context.Context, sched model.Schedule) (CreateResult, error) {
	window := sched.WindowSeconds
	if window == 0 {
		window = 60
	}
	return s.Create(ctx, sched.LecturerID, CreateRequest{
		ModuleID:                 sched.ModuleID,
		ModuleCode:               sched.ModuleCode,
		Title:                    sched.Title,
		WindowSeconds:            window,
		RequiredFields:           sched.RequiredFields,
		RequireClassCode:         sched.RequireClassCode,
		ClassCodeRotationSeconds: sched.ClassCodeRotationSeconds,
	})
}

func (s *Service) ownerActiveCheck(sess model.Session, lecturerID string) error {
	if sess.LecturerID != lecturerID {
		return apperr.New(apperr.PermissionDenied, "forbidden")
	}
	if !sess.IsActive {
		return apperr.New(apperr.FailedPrecondition, "session ended")
	}
	return nil
}

func clampWindowSeconds(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	if value < minWindowSeconds {
		return minWindowSeconds
	}
	if value > maxWindowSeconds {
		return maxWindowSeconds
	}
	return value
}

func mapStoreErr(err error, what string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, what+" not found")
	}
	return apperr.Wrap(apperr.Internal, "storage failure", err)
}

package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollcall/internal/apperr"
	"rollcall/internal/credential"
	"rollcall/internal/model"
	"rollcall/internal/store"
)

const qrPlain = "7f3a9c1e5b2d8a4c6e0f1a2b3c4d5e6f"

type intakeFixture struct {
	svc   *Service
	st    *store.Memory
	codec *credential.Codec
	now   time.Time
	sess  model.Session
}

func newIntakeFixture(t *testing.T, mutate func(*model.Session, *model.SessionSecrets)) *intakeFixture {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)
	st := store.NewMemory()
	codec := credential.NewWithClock("test-commit-key", func() time.Time { return now })

	created := now.Add(-30 * time.Second)
	sess := model.Session{
		ID:         "sess-1",
		LecturerID: "lect-1",
		ModuleID:   "mod-1",
		ModuleCode: "CS101",
		RequiredFields: model.RequiredFields{
			Name:    true,
			Surname: true,
		},
		Settings:  model.SessionSettings{WindowSeconds: 60, BlockDuplicates: true},
		CreatedAt: created,
		ExpiresAt: created.Add(time.Minute),
		IsActive:  true,
		QR: model.QRState{
			TokenHash: codec.Commit(qrPlain),
			ExpiresAt: created.Add(time.Minute),
		},
	}
	secrets := model.SessionSecrets{SessionID: sess.ID, LecturerID: "lect-1", QRTokenPlain: qrPlain}
	if mutate != nil {
		mutate(&sess, &secrets)
	}
	require.NoError(t, st.CreateSession(context.Background(), sess, secrets))

	svc := NewServiceWithClock(st, codec, func() time.Time { return now })
	return &intakeFixture{svc: svc, st: st, codec: codec, now: now, sess: sess}
}

func validSubmit() SubmitRequest {
	return SubmitRequest{
		SessionID:     "sess-1",
		StudentNumber: "u2201234",
		Token:         qrPlain,
		Name:          "Thandi",
		Surname:       "Nkosi",
		IP:            "196.21.5.3",
		UserAgent:     "test-agent",
	}
}

func TestSubmitAccepted(t *testing.T) {
	f := newIntakeFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.Submit(ctx, validSubmit()))

	recs, err := f.st.AttendanceBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "u2201234", recs[0].StudentNumber)
	require.Equal(t, "Present", recs[0].Status)
	require.Equal(t, "196.21.5.3", recs[0].Audit.IP)

	sess, err := f.st.Session(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, sess.SubmissionsCount)

	ss, err := f.st.SessionStatsDoc(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, ss.AttendanceCount)
	require.Equal(t, 1, ss.CheckinBuckets["0-1"])

	ms, err := f.st.ModuleStatsDoc(ctx, "mod-1")
	require.NoError(t, err)
	require.Equal(t, 1, ms.TotalAttendance)

	require.Empty(t, f.st.IntegrityEvents("sess-1"))
}

func TestSubmitDropsUnrequestedFields(t *testing.T) {
	f := newIntakeFixture(t, func(s *model.Session, _ *model.SessionSecrets) {
		s.RequiredFields = model.RequiredFields{Name: true}
	})
	ctx := context.Background()

	req := validSubmit()
	req.Email = "thandi@example.edu"
	req.Group = "A"
	require.NoError(t, f.svc.Submit(ctx, req))

	recs, err := f.st.AttendanceBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "Thandi", recs[0].Name)
	require.Empty(t, recs[0].Surname)
	require.Empty(t, recs[0].Email)
	require.Empty(t, recs[0].Group)
}

func TestSubmitStructuralValidation(t *testing.T) {
	f := newIntakeFixture(t, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing session", func(r *SubmitRequest) { r.SessionID = "" }},
		{"missing student number", func(r *SubmitRequest) { r.StudentNumber = "" }},
		{"student number too short", func(r *SubmitRequest) { r.StudentNumber = "u1" }},
		{"student number too long", func(r *SubmitRequest) { r.StudentNumber = "u23456789012345678901" }},
		{"missing token", func(r *SubmitRequest) { r.Token = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSubmit()
			tc.mutate(&req)
			err := f.svc.Submit(ctx, req)
			require.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
		})
	}

	// Malformed requests never reach the integrity log.
	require.Empty(t, f.st.IntegrityEvents("sess-1"))
}

func TestSubmitUnknownSession(t *testing.T) {
	f := newIntakeFixture(t, nil)
	req := validSubmit()
	req.SessionID = "no-such-session"
	err := f.svc.Submit(context.Background(), req)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestSubmitEndedSession(t *testing.T) {
	f := newIntakeFixture(t, func(s *model.Session, _ *model.SessionSecrets) {
		s.IsActive = false
	})
	ctx := context.Background()

	err := f.svc.Submit(ctx, validSubmit())
	require.Equal(t, apperr.FailedPrecondition, apperr.KindOf(err))

	recs, err := f.st.AttendanceBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Empty(t, f.st.IntegrityEvents("sess-1"))
}

func TestSubmitExpiredSession(t *testing.T) {
	f := newIntakeFixture(t, func(s *model.Session, _ *model.SessionSecrets) {
		s.ExpiresAt = s.CreatedAt.Add(10 * time.Second)
	})
	ctx := context.Background()

	err := f.svc.Submit(ctx, validSubmit())
	require.Equal(t, apperr.FailedPrecondition, apperr.KindOf(err))
	require.Empty(t, f.st.IntegrityEvents("sess-1"))
}

func TestSubmitExpiredQR(t *testing.T) {
	f := newIntakeFixture(t, func(s *model.Session, _ *model.SessionSecrets) {
		// Session window still open, QR sub-expiry already past.
		s.QR.ExpiresAt = s.CreatedAt.Add(10 * time.Second)
	})
	ctx := context.Background()

	err := f.svc.Submit(ctx, validSubmit())
	require.Equal(t, apperr.FailedPrecondition, apperr.KindOf(err))

	events := f.st.IntegrityEvents("sess-1")
	require.Len(t, events, 1)
	require.Equal(t, model.IntegrityExpiredQR, events[0].Type)
	require.Equal(t, "u2201234", events[0].StudentNumber)

	ss, err := f.st.SessionStatsDoc(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, ss.ExpiredAttempts)
	ms, err := f.st.ModuleStatsDoc(ctx, "mod-1")
	require.NoError(t, err)
	require.Equal(t, 1, ms.ExpiredAttempts)
}

func TestSubmitInvalidToken(t *testing.T) {
	f := newIntakeFixture(t, nil)
	ctx := context.Background()

	req := validSubmit()
	req.Token = "deadbeefdeadbeefdeadbeefdeadbeef"
	err := f.svc.Submit(ctx, req)
	require.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))

	events := f.st.IntegrityEvents("sess-1")
	require.Len(t, events, 1)
	require.Equal(t, model.IntegrityInvalidToken, events[0].Type)

	ss, err := f.st.SessionStatsDoc(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, ss.WrongTokenAttempts)
}

func TestSubmitRotatingClassCode(t *testing.T) {
	f := newIntakeFixture(t, func(s *model.Session, sec *model.SessionSecrets) {
		s.Settings.RequireClassCode = true
		sec.ClassCodeSecret = "a1b2c3d4e5f60718293a"
		sec.ClassCodeRotationSeconds = 30
	})
	ctx := context.Background()

	// Wrong code: rejected with an integrity event and bumped counters.
	req := validSubmit()
	req.ClassCode = "0000"
	err := f.svc.Submit(ctx, req)
	require.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))

	events := f.st.IntegrityEvents("sess-1")
	require.Len(t, events, 1)
	require.Equal(t, model.IntegrityWrongPin, events[0].Type)
	ss, err := f.st.SessionStatsDoc(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, ss.WrongPinAttempts)
	ms, err := f.st.ModuleStatsDoc(ctx, "mod-1")
	require.NoError(t, err)
	require.Equal(t, 1, ms.WrongPinAttempts)

	// Current code derived with the same clock is accepted.
	req.ClassCode = f.codec.DerivePin("a1b2c3d4e5f60718293a", 30, 4)
	require.NoError(t, f.svc.Submit(ctx, req))
}

func TestSubmitStaticClassCode(t *testing.T) {
	f := newIntakeFixture(t, func(s *model.Session, sec *model.SessionSecrets) {
		s.Settings.RequireClassCode = true
		sec.ClassCodeHash = credential.New("test-commit-key").Commit("4217")
	})
	ctx := context.Background()

	req := validSubmit()
	req.ClassCode = "9999"
	err := f.svc.Submit(ctx, req)
	require.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))

	req.ClassCode = "4217"
	require.NoError(t, f.svc.Submit(ctx, req))
}

func TestSubmitDuplicate(t *testing.T) {
	f := newIntakeFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.Submit(ctx, validSubmit()))
	err := f.svc.Submit(ctx, validSubmit())
	require.Equal(t, apperr.AlreadyExists, apperr.KindOf(err))

	events := f.st.IntegrityEvents("sess-1")
	require.Len(t, events, 1)
	require.Equal(t, model.IntegrityDuplicate, events[0].Type)

	ss, err := f.st.SessionStatsDoc(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, ss.AttendanceCount)
	require.Equal(t, 1, ss.BlockedDuplicates)

	sess, err := f.st.Session(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, sess.SubmissionsCount)
}

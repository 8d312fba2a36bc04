package model

import "time"

// Bucket labels for check-in lateness classification.
var BucketKeys = []string{"0-1", "1-3", "3-5", "5-10", ">10"}

// EmptyBuckets returns a zeroed bucket counter map.
func EmptyBuckets() map[string]int {
	return map[string]int{"0-1": 0, "1-3": 0, "3-5": 0, "5-10": 0, ">10": 0}
}

// RequiredFields controls which optional student attributes a session collects.
// StudentNumber is always required and always collected.
type RequiredFields struct {
	Name     bool `json:"name"`
	Surname  bool `json:"surname"`
	Initials bool `json:"initials"`
	Email    bool `json:"email"`
	Group    bool `json:"group"`
}

// SessionSettings are the per-session policy knobs.
type SessionSettings struct {
	WindowSeconds    int  `json:"windowSeconds"`
	BlockDuplicates  bool `json:"blockDuplicates"`
	RequireClassCode bool `json:"requireClassCode"`
}

// QRState is the publicly readable commitment to the current QR token.
type QRState struct {
	TokenHash     string    `json:"tokenHash"`
	ExpiresAt     time.Time `json:"expiresAt"`
	LastRotatedAt time.Time `json:"lastRotatedAt"`
}

// Session is one lecturer-initiated attendance-collection window.
type Session struct {
	ID               string          `json:"sessionId"`
	LecturerID       string          `json:"lecturerId"`
	ModuleID         string          `json:"moduleId"`
	ModuleCode       string          `json:"moduleCode"`
	ModuleTitle      string          `json:"moduleTitle,omitempty"`
	Title            string          `json:"title"`
	RequiredFields   RequiredFields  `json:"requiredFields"`
	Settings         SessionSettings `json:"settings"`
	CreatedAt        time.Time       `json:"createdAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	IsActive         bool            `json:"isActive"`
	EndedAt          *time.Time      `json:"endedAt"`
	SubmissionsCount int             `json:"submissionsCount"`
	QR               QRState         `json:"qr"`
}

// ModuleKey is the aggregation key for module-level stats. Falls back to the
// module code when no id was supplied at creation.
func (s Session) ModuleKey() string {
	if s.ModuleID != "" {
		return s.ModuleID
	}
	if s.ModuleCode != "" {
		return s.ModuleCode
	}
	return "unknown"
}

// SessionSecrets is the private bundle co-created with a session. Never
// exposed on the student path.
type SessionSecrets struct {
	SessionID                string    `json:"sessionId"`
	LecturerID               string    `json:"lecturerId"`
	QRTokenPlain             string    `json:"qrTokenPlain"`
	QRExpiresAt              time.Time `json:"qrExpiresAt"`
	ClassCodeHash            string    `json:"classCodeHash,omitempty"`
	ClassCodePlain           string    `json:"classCodePlain,omitempty"`
	ClassCodeSecret          string    `json:"classCodeSecret,omitempty"`
	ClassCodeRotationSeconds int       `json:"classCodeRotationSeconds,omitempty"`
	CreatedAt                time.Time `json:"createdAt"`
	LastRotatedAt            time.Time `json:"lastRotatedAt"`
}

// SubmissionAudit captures the submitting client for abuse review.
type SubmissionAudit struct {
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent"`
}

// AttendanceRecord is the single accepted submission for a student in a
// session. Keyed by (sessionID, studentNumber).
type AttendanceRecord struct {
	SessionID     string          `json:"sessionId"`
	StudentNumber string          `json:"studentNumber"`
	Name          string          `json:"name,omitempty"`
	Surname       string          `json:"surname,omitempty"`
	Initials      string          `json:"initials,omitempty"`
	Email         string          `json:"email,omitempty"`
	Group         string          `json:"group,omitempty"`
	Status        string          `json:"status"`
	SubmittedAt   time.Time       `json:"submittedAt"`
	Audit         SubmissionAudit `json:"audit"`
}

// Integrity event kinds.
const (
	IntegrityExpiredQR    = "expired_qr"
	IntegrityInvalidToken = "invalid_token"
	IntegrityWrongPin     = "wrong_pin"
	IntegrityDuplicate    = "duplicate"
)

// IntegrityEvent is an append-only record of a rejected submission attempt.
type IntegrityEvent struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	Type          string    `json:"type"`
	StudentNumber string    `json:"studentNumber"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuditEntry records a lecturer-made mutation of an attendance record.
type AuditEntry struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"sessionId"`
	Actor         string            `json:"actor"`
	Action        string            `json:"action"`
	StudentNumber string            `json:"studentNumber"`
	Reason        string            `json:"reason"`
	Before        *AttendanceRecord `json:"before"`
	After         *AttendanceRecord `json:"after"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// SessionStats is the derived per-session aggregate. Recomputable from the
// attendance records at any time.
type SessionStats struct {
	SessionID            string         `json:"sessionId"`
	ModuleID             string         `json:"moduleId,omitempty"`
	AttendanceCount      int            `json:"attendanceCount"`
	CheckinBuckets       map[string]int `json:"checkinBuckets"`
	MedianCheckinMinutes *float64       `json:"medianCheckinMinutes"`
	DayOfWeek            string         `json:"dayOfWeek,omitempty"`
	HourOfDay            int            `json:"hourOfDay,omitempty"`
	ExpiredAttempts      int            `json:"expiredAttempts"`
	WrongTokenAttempts   int            `json:"wrongTokenAttempts"`
	WrongPinAttempts     int            `json:"wrongPinAttempts"`
	BlockedDuplicates    int            `json:"blockedDuplicates"`
	LastUpdated          time.Time      `json:"lastUpdated"`
}

// HeatCell aggregates sessions created in one weekday/hour slot.
type HeatCell struct {
	Sessions        int `json:"sessions"`
	TotalAttendance int `json:"totalAttendance"`
}

// SlotInsight is the weakest heatmap slot by average attendance.
type SlotInsight struct {
	Slot string  `json:"slot"`
	Avg  float64 `json:"avg"`
}

// SessionInsight is the session with the lowest median check-in time.
type SessionInsight struct {
	SessionID string  `json:"sessionId"`
	Median    float64 `json:"median"`
}

// ModuleInsights are the quick headline findings of a batch run.
type ModuleInsights struct {
	LowestSlot     *SlotInsight    `json:"lowestSlot"`
	FastestSession *SessionInsight `json:"fastestSession"`
}

// ModuleStats is the derived per-module aggregate over the analysis window.
type ModuleStats struct {
	ModuleID             string              `json:"moduleId"`
	ModuleCode           string              `json:"moduleCode,omitempty"`
	ModuleTitle          string              `json:"moduleTitle,omitempty"`
	ComputedAt           time.Time           `json:"computedAt"`
	WindowDays           int                 `json:"windowDays"`
	SessionsCount        int                 `json:"sessionsCount"`
	AvgAttendance        float64             `json:"avgAttendance"`
	TotalAttendance      int                 `json:"totalAttendance"`
	MedianCheckinMinutes *float64            `json:"medianCheckinMinutes"`
	CheckinCurvePercent  map[string]float64  `json:"checkinCurvePercent"`
	LatenessBuckets      map[string]int      `json:"latenessBuckets"`
	Heatmap              map[string]HeatCell `json:"heatmap"`
	Weekly               map[string]HeatCell `json:"weekly"`
	Insights             *ModuleInsights     `json:"insights,omitempty"`
	StudentCount         int                 `json:"studentCount"`
	ExpiredAttempts      int                 `json:"expiredAttempts"`
	WrongTokenAttempts   int                 `json:"wrongTokenAttempts"`
	WrongPinAttempts     int                 `json:"wrongPinAttempts"`
	BlockedDuplicates    int                 `json:"blockedDuplicates"`
}

// Risk bands for consistency classification.
const (
	RiskGreen = "Green"
	RiskAmber = "Amber"
	RiskRed   = "Red"
)

// StudentMetrics are the derived per-student per-module figures. Streaks and
// consistency are only accurate as of the last batch run; the incremental
// path touches the counters and lastSeen only.
type StudentMetrics struct {
	ModuleID           string     `json:"moduleId"`
	StudentNumber      string     `json:"studentNumber"`
	Name               string     `json:"name,omitempty"`
	Surname            string     `json:"surname,omitempty"`
	Email              string     `json:"email,omitempty"`
	AttendedCount      int        `json:"attendedCount"`
	LateCount          int        `json:"lateCount"`
	CurrentStreak      int        `json:"currentStreak"`
	LongestStreak      int        `json:"longestStreak"`
	ConsistencyPercent float64    `json:"consistencyPercent"`
	RiskBand           string     `json:"riskBand"`
	ChronicLate        bool       `json:"chronicLate"`
	TotalSessions      int        `json:"totalSessions"`
	LastSeenAt         *time.Time `json:"lastSeenAt"`
	ComputedAt         time.Time  `json:"computedAt"`
}

// RosterEntry is one imported roster row for a module.
type RosterEntry struct {
	ModuleID      string    `json:"moduleId"`
	StudentNumber string    `json:"studentNumber"`
	Name          string    `json:"name"`
	Surname       string    `json:"surname"`
	Email         string    `json:"email"`
	ImportedBy    string    `json:"importedBy"`
	ImportedAt    time.Time `json:"importedAt"`
}

// Schedule statuses.
const (
	ScheduleQueued  = "queued"
	ScheduleStarted = "started"
)

// Schedule is a queued, not-yet-started session definition.
type Schedule struct {
	ID                       string         `json:"id"`
	LecturerID               string         `json:"lecturerId"`
	ModuleID                 string         `json:"moduleId"`
	ModuleCode               string         `json:"moduleCode"`
	Title                    string         `json:"title"`
	WindowSeconds            int            `json:"windowSeconds"`
	RequiredFields           RequiredFields `json:"requiredFields"`
	RequireClassCode         bool           `json:"requireClassCode"`
	ClassCodeRotationSeconds int            `json:"classCodeRotationSeconds"`
	ScheduledAt              time.Time      `json:"scheduledAt"`
	Status                   string         `json:"status"`
	StartedAt                *time.Time     `json:"startedAt"`
	SessionID                string         `json:"sessionId,omitempty"`
}

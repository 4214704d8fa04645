package attendance

import (
	"time"

	"classtrack/internal/geofence"
)

// Role distinguishes the two kinds of accounts.
type Role string

const (
	RoleStudent  Role = "student"
	RoleLecturer Role = "lecturer"
)

// SessionStatus is the lifecycle of a class session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// OverrideStatus is the lifecycle of an override request.
type OverrideStatus string

const (
	OverridePending  OverrideStatus = "pending"
	OverrideApproved OverrideStatus = "approved"
	OverrideDenied   OverrideStatus = "denied"
)

// User is an account row. DeviceID is nil until the first verified bind and
// immutable afterwards.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MatricNumber string    `json:"matric_number"`
	Role         Role      `json:"role"`
	DeviceID     *string   `json:"device_id,omitempty"`
	SelfieRef    *string   `json:"selfie_ref,omitempty"`
	Programme    *string   `json:"programme,omitempty"`
	Level        *string   `json:"level,omitempty"`
	Activated    bool      `json:"activated"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary is the public projection of a user, safe to hand to another
// student when their devices collide.
func (u *User) Summary() IdentitySummary {
	return IdentitySummary{ID: u.ID, Name: u.Name, MatricNumber: u.MatricNumber}
}

// IdentitySummary is the public shape of a user: enough to name the owner of
// a contested device, nothing more.
type IdentitySummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MatricNumber string `json:"matric_number"`
}

// Location is a registered classroom area.
type Location struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Corners []geofence.Point `json:"corners"`
}

// Session is one course meeting. Entries live in their own table; the session
// row never changes after creation except for the status sweep.
type Session struct {
	ID         string        `json:"id"`
	CourseID   string        `json:"course_id"`
	CourseName string        `json:"course_name"`
	LecturerID string        `json:"lecturer_id"`
	LocationID string        `json:"location_id"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Status     SessionStatus `json:"status"`
}

// Open reports whether the session still accepts attendance at the given
// instant. The end time is authoritative even while the status sweep lags.
func (s *Session) Open(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.EndTime)
}

// Entry is one verified attendance record. At most one per (session, student),
// enforced by the store.
type Entry struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	StudentID    string    `json:"student_id"`
	MatricNumber string    `json:"matric_number"`
	DeviceID     string    `json:"device_id"`
	ProofRef     string    `json:"proof_ref,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// OverrideRequest is a disputed-device claim awaiting a lecturer decision.
// The contested device's owner is snapshotted at creation and never updated.
type OverrideRequest struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	StudentID     string          `json:"student_id"`
	DeviceID      string          `json:"device_id"`
	ProofRef      string          `json:"proof_ref"`
	OwnerSnapshot IdentitySummary `json:"owner_snapshot"`
	OwnerProofRef string          `json:"owner_proof_ref,omitempty"`
	Status        OverrideStatus  `json:"status"`
	LecturerID    *string         `json:"lecturer_id,omitempty"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SessionOverview is the dashboard projection of an active session.
type SessionOverview struct {
	ID            string    `json:"id"`
	CourseName    string    `json:"course_name"`
	LecturerName  string    `json:"lecturer_name"`
	LocationName  string    `json:"location_name"`
	EndTime       time.Time `json:"end_time"`
	AttendeeCount int       `json:"attendee_count"`
}

// MinutesRemaining is how long the session stays open, clamped at zero.
func (o SessionOverview) MinutesRemaining(now time.Time) int {
	rem := int(o.EndTime.Sub(now).Minutes())
	if rem < 0 {
		return 0
	}
	return rem
}

// Comparison reports marked attendees against course enrollment.
type Comparison struct {
	CourseName      string `json:"course_name"`
	TotalRegistered int    `json:"total_registered"`
	TotalMarked     int    `json:"total_marked"`
}

package attendance

import (
	"context"
	"time"
)

// RosterEntry is one line of a session's live roster.
type RosterEntry struct {
	StudentID    string    `json:"student_id"`
	MatricNumber string    `json:"matric_number"`
	Name         string    `json:"name"`
	Level        string    `json:"level,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ExtractedFields are the identity fields the document-extraction collaborator
// reads off an ID card.
type ExtractedFields struct {
	MatricNumber string `json:"matric_number"`
	Name         string `json:"name"`
	Programme    string `json:"programme"`
	Level        string `json:"level"`
}

// Complete reports whether every required field was extracted.
func (f ExtractedFields) Complete() bool {
	return f.MatricNumber != "" && f.Name != "" && f.Programme != "" && f.Level != ""
}

// Store is the durable state behind the attendance core. Implementations must
// make AppendEntryIfAbsent, BindDevice and DecideOverride atomic: the
// check-then-write pairs they replace are exactly the race windows this
// service is not allowed to have.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListActiveSessions(ctx context.Context, courseIDs []string, now time.Time) ([]SessionOverview, error)
	// EndExpiredSessions archives sessions whose end time has passed and
	// returns how many rows it flipped.
	EndExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	GetLocation(ctx context.Context, id string) (*Location, error)

	GetUser(ctx context.Context, id string) (*User, error)
	// DeviceOwner returns the user currently bound to deviceID, or nil when
	// the device is unbound.
	DeviceOwner(ctx context.Context, deviceID string) (*User, error)
	// BindDevice claims deviceID for userID. It fails with DeviceConflictError
	// when another account holds the device, including when two first-time
	// binds race, and with ValidationError when userID is already bound to a
	// different device.
	BindDevice(ctx context.Context, userID, deviceID string) error
	ActivateUser(ctx context.Context, id string, f ExtractedFields) error

	HasEntry(ctx context.Context, sessionID, studentID string) (bool, error)
	// AppendEntryIfAbsent inserts e unless the student already has an entry in
	// the session, in which case it fails with DuplicateAttendanceError. On
	// success it returns the session's attendee count including e.
	AppendEntryIfAbsent(ctx context.Context, e *Entry) (int, error)
	CountEntries(ctx context.Context, sessionID string) (int, error)
	Roster(ctx context.Context, sessionID string) ([]RosterEntry, error)
	RegisteredCount(ctx context.Context, courseID string) (int, error)

	// CreateOverride fails with ValidationError when a pending request for the
	// same (student, session) pair already exists.
	CreateOverride(ctx context.Context, r *OverrideRequest) error
	GetOverride(ctx context.Context, id string) (*OverrideRequest, error)
	ListOverrides(ctx context.Context, sessionID string) ([]OverrideRequest, error)
	// DecideOverride moves a pending request to a terminal status. For an
	// approval the entry append and the status flip commit together: if the
	// append fails the request stays pending. A request already terminal fails
	// with InvalidStateTransitionError carrying the current status.
	DecideOverride(ctx context.Context, id, lecturerID string, to OverrideStatus, entry *Entry, at time.Time) (*OverrideRequest, error)
}

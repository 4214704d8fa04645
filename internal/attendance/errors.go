package attendance

import (
	"errors"
	"fmt"
)

// Error kinds form a closed taxonomy. Every failure of a claim or an override
// transition is exactly one of these; anything outside the set is treated as
// an infrastructure fault and is eligible for retry.
const (
	KindValidation             = "validation_error"
	KindNotFound               = "not_found"
	KindSessionClosed          = "session_closed"
	KindDuplicateAttendance    = "duplicate_attendance"
	KindOutOfRange             = "out_of_range"
	KindDeviceConflict         = "device_conflict"
	KindRegistrationRequired   = "registration_required"
	KindInvalidStateTransition = "invalid_state_transition"
)

type kinder interface {
	Kind() string
}

// Kind returns the taxonomy tag of err, or "" for errors outside the domain
// taxonomy (infrastructure faults).
func Kind(err error) string {
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }
func (e *ValidationError) Kind() string  { return KindValidation }

// NotFoundError reports a missing session, user, location or override request.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}
func (e *NotFoundError) Kind() string { return KindNotFound }

// SessionClosedError rejects work against an ended or expired session.
type SessionClosedError struct {
	SessionID string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %s has ended or is not active", e.SessionID)
}
func (e *SessionClosedError) Kind() string { return KindSessionClosed }

// DuplicateAttendanceError rejects a second entry for the same student.
type DuplicateAttendanceError struct {
	SessionID string
	StudentID string
}

func (e *DuplicateAttendanceError) Error() string {
	return fmt.Sprintf("attendance already marked for session %s", e.SessionID)
}
func (e *DuplicateAttendanceError) Kind() string { return KindDuplicateAttendance }

// OutOfRangeError reports a geofence failure. It deliberately carries no
// location detail beyond pass/fail.
type OutOfRangeError struct{}

func (e *OutOfRangeError) Error() string {
	return "you are not within the required location for this class"
}
func (e *OutOfRangeError) Kind() string { return KindOutOfRange }

// DeviceConflictError reports a device bound to another account. Owner gives
// the claimant what they need to open an override request.
type DeviceConflictError struct {
	Owner IdentitySummary
}

func (e *DeviceConflictError) Error() string {
	return fmt.Sprintf("device is already tied to another student account (%s)", e.Owner.MatricNumber)
}
func (e *DeviceConflictError) Kind() string { return KindDeviceConflict }

// RegistrationRequiredError asks the caller for a proof artifact before a
// first-time device bind.
type RegistrationRequiredError struct{}

func (e *RegistrationRequiredError) Error() string {
	return "upload a verification selfie to register this device"
}
func (e *RegistrationRequiredError) Kind() string { return KindRegistrationRequired }

// InvalidStateTransitionError rejects a decision on an override request that
// has already left pending.
type InvalidStateTransitionError struct {
	Current OverrideStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("override request has already been %s", e.Current)
}
func (e *InvalidStateTransitionError) Kind() string { return KindInvalidStateTransition }

package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"classtrack/internal/geofence"
)

// FeedPublisher pushes a verified attendance append to live viewers. Delivery
// is fire-and-forget: a publish failure never rolls back the entry.
type FeedPublisher interface {
	Publish(ctx context.Context, sessionID string, who IdentitySummary, at time.Time) error
}

// Service runs the verification pipeline and the override workflow on top of
// an injected Store.
type Service struct {
	store Store
	feed  FeedPublisher
	log   *logrus.Entry
	now   func() time.Time
}

// NewService wires the attendance core. feed may be nil when no live viewers
// are attached (tests, one-off tools).
func NewService(store Store, feed FeedPublisher) *Service {
	return &Service{
		store: store,
		feed:  feed,
		log:   logrus.WithField("component", "attendance"),
		now:   time.Now,
	}
}

// CreateSessionInput is the lecturer's session definition.
type CreateSessionInput struct {
	CourseID   string    `json:"course_id"`
	LecturerID string    `json:"lecturer_id"`
	LocationID string    `json:"location_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// CreateSession opens a new course meeting.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*Session, error) {
	if in.CourseID == "" || in.LecturerID == "" || in.LocationID == "" || in.StartTime.IsZero() || in.EndTime.IsZero() {
		return nil, &ValidationError{Reason: "course, lecturer, location, start and end time are required"}
	}
	if !in.EndTime.After(in.StartTime) {
		return nil, &ValidationError{Reason: "end time must be after start time"}
	}
	if _, err := s.store.GetLocation(ctx, in.LocationID); err != nil {
		return nil, err
	}
	sess := &Session{
		ID:         uuid.NewString(),
		CourseID:   in.CourseID,
		LecturerID: in.LecturerID,
		LocationID: in.LocationID,
		StartTime:  in.StartTime.UTC(),
		EndTime:    in.EndTime.UTC(),
		Status:     SessionActive,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"session_id": sess.ID, "course_id": sess.CourseID}).Info("session created")
	return sess, nil
}

// Dashboard lists open sessions, optionally filtered to the student's chosen
// courses.
func (s *Service) Dashboard(ctx context.Context, courseIDs []string) ([]SessionOverview, error) {
	return s.store.ListActiveSessions(ctx, courseIDs, s.now())
}

// LiveRoster returns the attendees recorded so far for a session.
func (s *Service) LiveRoster(ctx context.Context, sessionID string) ([]RosterEntry, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.Roster(ctx, sessionID)
}

// Compare reports marked attendees against course enrollment.
func (s *Service) Compare(ctx context.Context, sessionID string) (*Comparison, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	registered, err := s.store.RegisteredCount(ctx, sess.CourseID)
	if err != nil {
		return nil, err
	}
	marked, err := s.store.CountEntries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Comparison{CourseName: sess.CourseName, TotalRegistered: registered, TotalMarked: marked}, nil
}

// EndExpiredSessions archives sessions past their end time.
func (s *Service) EndExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.store.EndExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.WithField("count", n).Info("expired sessions archived")
	}
	return n, nil
}

// RecordInput is one attendance claim.
type RecordInput struct {
	SessionID  string
	StudentID  string
	DeviceID   string
	Coordinate geofence.Point
	ProofRef   string
}

// RecordResult is what a successful claim reports back.
type RecordResult struct {
	Entry         *Entry `json:"entry"`
	SessionName   string `json:"session_name"`
	AttendeeCount int    `json:"attendee_count"`
}

// Record runs the verification pipeline for one claim. Preconditions fail
// fast, in order: session open, not a duplicate, inside the geofence, device
// identity holds. The append itself is the single commit point; the live-feed
// publish after it may fail without affecting the record.
//
// Record is idempotent under retry: a second identical call resolves to
// DuplicateAttendanceError, never a second entry.
func (s *Service) Record(ctx context.Context, in RecordInput) (*RecordResult, error) {
	if in.SessionID == "" || in.StudentID == "" || in.DeviceID == "" {
		return nil, &ValidationError{Reason: "session, student and device are required"}
	}

	sess, err := s.store.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	// End time is re-checked here, at execution time. Enqueue-time checks do
	// not count: a claim sitting in the queue past the cutoff must still lose.
	if !sess.Open(s.now()) {
		return nil, &SessionClosedError{SessionID: sess.ID}
	}

	if marked, err := s.store.HasEntry(ctx, sess.ID, in.StudentID); err != nil {
		return nil, err
	} else if marked {
		return nil, &DuplicateAttendanceError{SessionID: sess.ID, StudentID: in.StudentID}
	}

	loc, err := s.store.GetLocation(ctx, sess.LocationID)
	if err != nil {
		return nil, err
	}
	inside, err := geofence.ContainsQuad(in.Coordinate, loc.Corners)
	if err != nil {
		var bad *geofence.InvalidInputError
		if errors.As(err, &bad) {
			return nil, &ValidationError{Reason: bad.Reason}
		}
		return nil, err
	}
	if !inside {
		return nil, &OutOfRangeError{}
	}

	user, err := s.store.GetUser(ctx, in.StudentID)
	if err != nil {
		return nil, err
	}
	if err := s.validateDevice(ctx, user, in.DeviceID, in.ProofRef); err != nil {
		return nil, err
	}

	return s.append(ctx, sess, user, in.DeviceID, in.ProofRef)
}

// validateDevice enforces the one-device-per-identity invariant. Order
// matters: a device held by someone else is a conflict no matter what the
// caller's own binding state is.
//
// First-bind policy: a proof artifact must accompany the claim; the bind then
// happens atomically in the store, so two racing first binds of the same
// device resolve to one winner and one DeviceConflictError.
func (s *Service) validateDevice(ctx context.Context, user *User, deviceID, proofRef string) error {
	owner, err := s.store.DeviceOwner(ctx, deviceID)
	if err != nil {
		return err
	}
	if owner != nil && owner.ID != user.ID {
		return &DeviceConflictError{Owner: owner.Summary()}
	}

	switch {
	case user.DeviceID == nil:
		if proofRef == "" {
			return &RegistrationRequiredError{}
		}
		return s.store.BindDevice(ctx, user.ID, deviceID)
	case *user.DeviceID == deviceID:
		return nil
	default:
		// Bound to a different device than the one presented. Bindings are
		// immutable outside explicit re-registration, so this is terminal.
		return &ValidationError{Reason: "this device does not match your registered device"}
	}
}

func (s *Service) append(ctx context.Context, sess *Session, user *User, deviceID, proofRef string) (*RecordResult, error) {
	entry := &Entry{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		StudentID:    user.ID,
		MatricNumber: user.MatricNumber,
		DeviceID:     deviceID,
		ProofRef:     proofRef,
		Timestamp:    s.now().UTC(),
	}
	count, err := s.store.AppendEntryIfAbsent(ctx, entry)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, sess.ID, user.Summary(), entry.Timestamp)
	s.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"matric":     user.MatricNumber,
		"attendees":  count,
	}).Info("attendance recorded")

	return &RecordResult{Entry: entry, SessionName: sess.CourseName, AttendeeCount: count}, nil
}

func (s *Service) publish(ctx context.Context, sessionID string, who IdentitySummary, at time.Time) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, sessionID, who, at); err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Warn("live feed publish failed")
	}
}

// OverrideInput is a blocked claimant's dispute.
type OverrideInput struct {
	SessionID string
	StudentID string
	DeviceID  string
	ProofRef  string
}

// RequestOverride opens a dispute over a device conflict. Only allowed while
// the session is still open; at most one pending request per (student,
// session). The contested device's current owner is snapshotted now and never
// refreshed.
func (s *Service) RequestOverride(ctx context.Context, in OverrideInput) (*OverrideRequest, error) {
	if in.SessionID == "" || in.StudentID == "" || in.DeviceID == "" || in.ProofRef == "" {
		return nil, &ValidationError{Reason: "session, student, device and proof are required"}
	}

	sess, err := s.store.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Open(s.now()) {
		return nil, &SessionClosedError{SessionID: sess.ID}
	}
	if _, err := s.store.GetUser(ctx, in.StudentID); err != nil {
		return nil, err
	}

	req := &OverrideRequest{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		StudentID: in.StudentID,
		DeviceID:  in.DeviceID,
		ProofRef:  in.ProofRef,
		Status:    OverridePending,
		CreatedAt: s.now().UTC(),
	}
	if owner, err := s.store.DeviceOwner(ctx, in.DeviceID); err != nil {
		return nil, err
	} else if owner != nil {
		req.OwnerSnapshot = owner.Summary()
		if owner.SelfieRef != nil {
			req.OwnerProofRef = *owner.SelfieRef
		}
	}

	if err := s.store.CreateOverride(ctx, req); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"override_id": req.ID, "session_id": req.SessionID}).Info("override requested")
	return req, nil
}

// ListOverrides returns a session's override requests for its lecturer.
func (s *Service) ListOverrides(ctx context.Context, sessionID string) ([]OverrideRequest, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListOverrides(ctx, sessionID)
}

// ApproveOverride admits the claimant: the approval is the override, so the
// device check is bypassed, and the session's end time is deliberately not
// re-checked — admitting a late, exceptional case is the point of the
// workflow. The session must still exist. The entry append and the status
// flip commit together; on append failure the request stays pending.
func (s *Service) ApproveOverride(ctx context.Context, overrideID, lecturerID string) (*OverrideRequest, error) {
	req, sess, err := s.decisionContext(ctx, overrideID, lecturerID)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, req.StudentID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	deviceUsed := req.DeviceID
	if deviceUsed == "" {
		deviceUsed = "override-approved"
	}
	entry := &Entry{
		ID:           uuid.NewString(),
		SessionID:    req.SessionID,
		StudentID:    user.ID,
		MatricNumber: user.MatricNumber,
		DeviceID:     deviceUsed,
		ProofRef:     req.ProofRef,
		Timestamp:    now,
	}

	updated, err := s.store.DecideOverride(ctx, req.ID, lecturerID, OverrideApproved, entry, now)
	if err != nil {
		return nil, err
	}

	// The append committed before the status flip became visible; publishing
	// after both preserves that ordering for feed subscribers.
	s.publish(ctx, sess.ID, user.Summary(), now)
	s.log.WithFields(logrus.Fields{"override_id": req.ID, "session_id": sess.ID}).Info("override approved")
	return updated, nil
}

// DenyOverride closes the dispute with no side effects on attendance.
func (s *Service) DenyOverride(ctx context.Context, overrideID, lecturerID string) (*OverrideRequest, error) {
	req, _, err := s.decisionContext(ctx, overrideID, lecturerID)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.DecideOverride(ctx, req.ID, lecturerID, OverrideDenied, nil, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"override_id": req.ID, "session_id": req.SessionID}).Info("override denied")
	return updated, nil
}

func (s *Service) decisionContext(ctx context.Context, overrideID, lecturerID string) (*OverrideRequest, *Session, error) {
	if overrideID == "" || lecturerID == "" {
		return nil, nil, &ValidationError{Reason: "override request and lecturer are required"}
	}
	req, err := s.store.GetOverride(ctx, overrideID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.LecturerID != lecturerID {
		return nil, nil, &ValidationError{Reason: "only the session's lecturer can decide this request"}
	}
	return req, sess, nil
}

// ActivateStudent applies the fields the document-extraction collaborator
// read off the student's ID card.
func (s *Service) ActivateStudent(ctx context.Context, studentID string, f ExtractedFields) error {
	if !f.Complete() {
		return &ValidationError{Reason: "incomplete data extracted from image"}
	}
	if err := s.store.ActivateUser(ctx, studentID, f); err != nil {
		return err
	}
	s.log.WithField("student_id", studentID).Info("student activated")
	return nil
}

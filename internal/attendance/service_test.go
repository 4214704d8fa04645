package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/geofence"
)

type feedRecorder struct {
	mu     sync.Mutex
	events []IdentitySummary
}

func (f *feedRecorder) Publish(_ context.Context, _ string, who IdentitySummary, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, who)
	return nil
}

func (f *feedRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fixture struct {
	store *memStore
	feed  *feedRecorder
	svc   *Service
	now   time.Time
}

// newFixture seeds a store with a roughly 50 m square room around campus
// coordinates, an open hour-long session and two students sharing no devices.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	half := 0.000225

	st := newMemStore()
	st.locations["loc-1"] = &Location{
		ID:   "loc-1",
		Name: "LT Hall A",
		Corners: []geofence.Point{
			{Lat: 6.8 - half, Lon: 3.4 - half},
			{Lat: 6.8 - half, Lon: 3.4 + half},
			{Lat: 6.8 + half, Lon: 3.4 + half},
			{Lat: 6.8 + half, Lon: 3.4 - half},
		},
	}
	st.sessions["sess-1"] = &Session{
		ID:         "sess-1",
		CourseID:   "course-1",
		CourseName: "CSC 301",
		LecturerID: "lect-1",
		LocationID: "loc-1",
		StartTime:  now.Add(-30 * time.Minute),
		EndTime:    now.Add(30 * time.Minute),
		Status:     SessionActive,
	}
	st.users["stu-1"] = &User{ID: "stu-1", Name: "Ada Obi", MatricNumber: "CSC/2021/001", Role: RoleStudent}
	st.users["stu-2"] = &User{ID: "stu-2", Name: "Bayo Ade", MatricNumber: "CSC/2021/002", Role: RoleStudent}
	st.users["lect-1"] = &User{ID: "lect-1", Name: "Dr. Eze", Role: RoleLecturer}
	st.registered["course-1"] = 40

	feed := &feedRecorder{}
	svc := NewService(st, feed)
	svc.now = func() time.Time { return now }

	return &fixture{store: st, feed: feed, svc: svc, now: now}
}

func insideClaim(studentID, deviceID string) RecordInput {
	return RecordInput{
		SessionID:  "sess-1",
		StudentID:  studentID,
		DeviceID:   deviceID,
		Coordinate: geofence.Point{Lat: 6.8, Lon: 3.4},
		ProofRef:   "https://img.example/proof.jpg",
	}
}

func TestRecordAppendsEntryAndBindsDevice(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Record(context.Background(), insideClaim("stu-1", "dev-a"))
	require.NoError(t, err)

	assert.Equal(t, "CSC 301", res.SessionName)
	assert.Equal(t, 1, res.AttendeeCount)
	assert.Equal(t, "CSC/2021/001", res.Entry.MatricNumber)

	bound := f.store.users["stu-1"].DeviceID
	require.NotNil(t, bound)
	assert.Equal(t, "dev-a", *bound)
	assert.Equal(t, 1, f.feed.count())
}

func TestRecordIsIdempotent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Record(context.Background(), insideClaim("stu-1", "dev-a"))
	require.NoError(t, err)

	_, err = f.svc.Record(context.Background(), insideClaim("stu-1", "dev-a"))
	assert.Equal(t, KindDuplicateAttendance, Kind(err))

	n, _ := f.store.CountEntries(context.Background(), "sess-1")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.feed.count())
}

func TestRecordAfterEndTime(t *testing.T) {
	f := newFixture(t)
	f.svc.now = func() time.Time { return f.now.Add(31 * time.Minute) }

	_, err := f.svc.Record(context.Background(), insideClaim("stu-1", "dev-a"))
	assert.Equal(t, KindSessionClosed, Kind(err))
}

func TestRecordEndedStatusBeatsClock(t *testing.T) {
	f := newFixture(t)
	f.store.sessions["sess-1"].Status = SessionEnded

	_, err := f.svc.Record(context.Background(), insideClaim("stu-1", "dev-a"))
	assert.Equal(t, KindSessionClosed, Kind(err))
}

func TestRecordOutsideGeofence(t *testing.T) {
	f := newFixture(t)

	in := insideClaim("stu-1", "dev-a")
	in.Coordinate = geofence.Point{Lat: 6.9, Lon: 3.5}

	_, err := f.svc.Record(context.Background(), in)
	assert.Equal(t, KindOutOfRange, Kind(err))

	// A rejected claim must not bind the device either.
	assert.Nil(t, f.store.users["stu-1"].DeviceID)
}

func TestRecordBadCoordinate(t *testing.T) {
	f := newFixture(t)

	in := insideClaim("stu-1", "dev-a")
	in.Coordinate = geofence.Point{Lat: 91, Lon: 3.4}

	_, err := f.svc.Record(context.Background(), in)
	assert.Equal(t, KindValidation, Kind(err))
}

func TestRecordFirstBindNeedsProof(t *testing.T) {
	f := newFixture(t)

	in := insideClaim("stu-1", "dev-a")
	in.ProofRef = ""

	_, err := f.svc.Record(context.Background(), in)
	assert.Equal(t, KindRegistrationRequired, Kind(err))
}

func TestRecordDeviceHeldByAnotherStudent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Record(context.Background(), insideClaim("stu-1", "dev-a"))
	require.NoError(t, err)

	_, err = f.svc.Record(context.Background(), insideClaim("stu-2", "dev-a"))
	assert.Equal(t, KindDeviceConflict, Kind(err))

	var conflict *DeviceConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "stu-1", conflict.Owner.ID)
	assert.Equal(t, "Ada Obi", conflict.Owner.Name)
}

func TestRecordDifferentDeviceThanBound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Record(context.Background(), insideClaim("stu-1", "dev-a"))
	require.NoError(t, err)

	// Same student, fresh device. There is no entry for a second session here
	// so the duplicate check cannot mask the device mismatch.
	st2 := *f.store.sessions["sess-1"]
	st2.ID = "sess-2"
	f.store.sessions["sess-2"] = &st2

	in := insideClaim("stu-1", "dev-b")
	in.SessionID = "sess-2"

	_, err = f.svc.Record(context.Background(), in)
	assert.Equal(t, KindValidation, Kind(err))
}

func TestConcurrentFirstBindHasOneWinner(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, student := range []string{"stu-1", "stu-2"} {
		wg.Add(1)
		go func(i int, student string) {
			defer wg.Done()
			_, errs[i] = f.svc.Record(context.Background(), insideClaim(student, "dev-shared"))
		}(i, student)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case Kind(err) == KindDeviceConflict:
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one racer binds the device")
	assert.Equal(t, 1, conflict, "the loser sees a device conflict")

	n, _ := f.store.CountEntries(context.Background(), "sess-1")
	assert.Equal(t, 1, n)
}

func TestRequestOverrideSnapshotsOwner(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Record(context.Background(), insideClaim("stu-1", "dev-a"))
	require.NoError(t, err)

	req, err := f.svc.RequestOverride(context.Background(), OverrideInput{
		SessionID: "sess-1", StudentID: "stu-2", DeviceID: "dev-a", ProofRef: "https://img.example/p2.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, OverridePending, req.Status)
	assert.Equal(t, "stu-1", req.OwnerSnapshot.ID)

	// A second pending request for the same pair is refused.
	_, err = f.svc.RequestOverride(context.Background(), OverrideInput{
		SessionID: "sess-1", StudentID: "stu-2", DeviceID: "dev-a", ProofRef: "https://img.example/p2.jpg",
	})
	assert.Equal(t, KindValidation, Kind(err))
}

func TestRequestOverrideAfterEndTime(t *testing.T) {
	f := newFixture(t)
	f.svc.now = func() time.Time { return f.now.Add(31 * time.Minute) }

	_, err := f.svc.RequestOverride(context.Background(), OverrideInput{
		SessionID: "sess-1", StudentID: "stu-2", DeviceID: "dev-a", ProofRef: "https://img.example/p2.jpg",
	})
	assert.Equal(t, KindSessionClosed, Kind(err))
}

func TestApproveOverrideAddsEntry(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestOverride(context.Background(), OverrideInput{
		SessionID: "sess-1", StudentID: "stu-2", DeviceID: "dev-a", ProofRef: "https://img.example/p2.jpg",
	})
	require.NoError(t, err)

	updated, err := f.svc.ApproveOverride(context.Background(), req.ID, "lect-1")
	require.NoError(t, err)
	assert.Equal(t, OverrideApproved, updated.Status)
	require.NotNil(t, updated.LecturerID)
	assert.Equal(t, "lect-1", *updated.LecturerID)
	assert.NotNil(t, updated.DecidedAt)

	marked, _ := f.store.HasEntry(context.Background(), "sess-1", "stu-2")
	assert.True(t, marked)
	assert.Equal(t, 1, f.feed.count())
}

func TestApproveOverrideAfterSessionEnded(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestOverride(context.Background(), OverrideInput{
		SessionID: "sess-1", StudentID: "stu-2", DeviceID: "dev-a", ProofRef: "https://img.example/p2.jpg",
	})
	require.NoError(t, err)

	// The decision lands after the cutoff; admitting late is the point of the
	// workflow, so this must still succeed.
	f.svc.now = func() time.Time { return f.now.Add(2 * time.Hour) }
	f.store.sessions["sess-1"].Status = SessionEnded

	updated, err := f.svc.ApproveOverride(context.Background(), req.ID, "lect-1")
	require.NoError(t, err)
	assert.Equal(t, OverrideApproved, updated.Status)
}

func TestOverrideSingleDecision(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestOverride(context.Background(), OverrideInput{
		SessionID: "sess-1", StudentID: "stu-2", DeviceID: "dev-a", ProofRef: "https://img.example/p2.jpg",
	})
	require.NoError(t, err)

	_, err = f.svc.ApproveOverride(context.Background(), req.ID, "lect-1")
	require.NoError(t, err)

	_, err = f.svc.DenyOverride(context.Background(), req.ID, "lect-1")
	assert.Equal(t, KindInvalidStateTransition, Kind(err))

	var transition *InvalidStateTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, OverrideApproved, transition.Current)

	stored, _ := f.store.GetOverride(context.Background(), req.ID)
	assert.Equal(t, OverrideApproved, stored.Status)
}

func TestDenyOverrideLeavesNoEntry(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestOverride(context.Background(), OverrideInput{
		SessionID: "sess-1", StudentID: "stu-2", DeviceID: "dev-a", ProofRef: "https://img.example/p2.jpg",
	})
	require.NoError(t, err)

	updated, err := f.svc.DenyOverride(context.Background(), req.ID, "lect-1")
	require.NoError(t, err)
	assert.Equal(t, OverrideDenied, updated.Status)

	marked, _ := f.store.HasEntry(context.Background(), "sess-1", "stu-2")
	assert.False(t, marked)
	assert.Equal(t, 0, f.feed.count())
}

func TestApproveStaysPendingWhenAlreadyMarked(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestOverride(context.Background(), OverrideInput{
		SessionID: "sess-1", StudentID: "stu-2", DeviceID: "dev-a", ProofRef: "https://img.example/p2.jpg",
	})
	require.NoError(t, err)

	// The claimant gets marked through another path before the decision.
	_, err = f.svc.Record(context.Background(), insideClaim("stu-2", "dev-b"))
	require.NoError(t, err)

	_, err = f.svc.ApproveOverride(context.Background(), req.ID, "lect-1")
	assert.Equal(t, KindDuplicateAttendance, Kind(err))

	stored, _ := f.store.GetOverride(context.Background(), req.ID)
	assert.Equal(t, OverridePending, stored.Status, "failed append must not flip the status")
}

func TestDecideOverrideRequiresOwningLecturer(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.RequestOverride(context.Background(), OverrideInput{
		SessionID: "sess-1", StudentID: "stu-2", DeviceID: "dev-a", ProofRef: "https://img.example/p2.jpg",
	})
	require.NoError(t, err)

	_, err = f.svc.ApproveOverride(context.Background(), req.ID, "lect-2")
	assert.Equal(t, KindValidation, Kind(err))

	stored, _ := f.store.GetOverride(context.Background(), req.ID)
	assert.Equal(t, OverridePending, stored.Status)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateSession(context.Background(), CreateSessionInput{CourseID: "course-1"})
	assert.Equal(t, KindValidation, Kind(err))

	_, err = f.svc.CreateSession(context.Background(), CreateSessionInput{
		CourseID: "course-1", LecturerID: "lect-1", LocationID: "loc-1",
		StartTime: f.now, EndTime: f.now.Add(-time.Hour),
	})
	assert.Equal(t, KindValidation, Kind(err))

	sess, err := f.svc.CreateSession(context.Background(), CreateSessionInput{
		CourseID: "course-1", LecturerID: "lect-1", LocationID: "loc-1",
		StartTime: f.now, EndTime: f.now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)
}

func TestCompare(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Record(context.Background(), insideClaim("stu-1", "dev-a"))
	require.NoError(t, err)

	cmp, err := f.svc.Compare(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 40, cmp.TotalRegistered)
	assert.Equal(t, 1, cmp.TotalMarked)
}

func TestEndExpiredSessions(t *testing.T) {
	f := newFixture(t)
	f.svc.now = func() time.Time { return f.now.Add(time.Hour) }

	n, err := f.svc.EndExpiredSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, SessionEnded, f.store.sessions["sess-1"].Status)
}

func TestActivateStudent(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ActivateStudent(context.Background(), "stu-1", ExtractedFields{Name: "Ada Obi"})
	assert.Equal(t, KindValidation, Kind(err))

	err = f.svc.ActivateStudent(context.Background(), "stu-1", ExtractedFields{
		MatricNumber: "CSC/2021/001", Name: "Ada Obi", Programme: "Computer Science", Level: "300",
	})
	require.NoError(t, err)
	assert.True(t, f.store.users["stu-1"].Activated)
}

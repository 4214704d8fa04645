package attendance

import (
	"context"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same atomicity guarantees the
// Postgres repository gets from its constraints, here from a single mutex.
type memStore struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	locations  map[string]*Location
	users      map[string]*User
	entries    map[string][]*Entry
	overrides  map[string]*OverrideRequest
	registered map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		sessions:   make(map[string]*Session),
		locations:  make(map[string]*Location),
		users:      make(map[string]*User),
		entries:    make(map[string][]*Entry),
		overrides:  make(map[string]*OverrideRequest),
		registered: make(map[string]int),
	}
}

var _ Store = (*memStore)(nil)

func (m *memStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &NotFoundError{Resource: "session", ID: id}
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListActiveSessions(_ context.Context, courseIDs []string, now time.Time) ([]SessionOverview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]bool, len(courseIDs))
	for _, id := range courseIDs {
		wanted[id] = true
	}
	var out []SessionOverview
	for _, s := range m.sessions {
		if !s.Open(now) {
			continue
		}
		if len(wanted) > 0 && !wanted[s.CourseID] {
			continue
		}
		out = append(out, SessionOverview{
			ID:            s.ID,
			CourseName:    s.CourseName,
			EndTime:       s.EndTime,
			AttendeeCount: len(m.entries[s.ID]),
		})
	}
	return out, nil
}

func (m *memStore) EndExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.Status == SessionActive && !now.Before(s.EndTime) {
			s.Status = SessionEnded
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetLocation(_ context.Context, id string) (*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok {
		return nil, &NotFoundError{Resource: "location", ID: id}
	}
	return l, nil
}

func (m *memStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, &NotFoundError{Resource: "user", ID: id}
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) DeviceOwner(_ context.Context, deviceID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.DeviceID != nil && *u.DeviceID == deviceID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) BindDevice(_ context.Context, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID != userID && u.DeviceID != nil && *u.DeviceID == deviceID {
			return &DeviceConflictError{Owner: u.Summary()}
		}
	}
	u, ok := m.users[userID]
	if !ok {
		return &NotFoundError{Resource: "user", ID: userID}
	}
	if u.DeviceID != nil && *u.DeviceID != deviceID {
		return &ValidationError{Reason: "account already bound to another device"}
	}
	u.DeviceID = &deviceID
	return nil
}

func (m *memStore) ActivateUser(_ context.Context, id string, f ExtractedFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return &NotFoundError{Resource: "user", ID: id}
	}
	u.MatricNumber = f.MatricNumber
	u.Name = f.Name
	u.Programme = &f.Programme
	u.Level = &f.Level
	u.Activated = true
	return nil
}

func (m *memStore) HasEntry(_ context.Context, sessionID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasEntryLocked(sessionID, studentID), nil
}

func (m *memStore) hasEntryLocked(sessionID, studentID string) bool {
	for _, e := range m.entries[sessionID] {
		if e.StudentID == studentID {
			return true
		}
	}
	return false
}

func (m *memStore) AppendEntryIfAbsent(_ context.Context, e *Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasEntryLocked(e.SessionID, e.StudentID) {
		return 0, &DuplicateAttendanceError{SessionID: e.SessionID, StudentID: e.StudentID}
	}
	cp := *e
	m.entries[e.SessionID] = append(m.entries[e.SessionID], &cp)
	return len(m.entries[e.SessionID]), nil
}

func (m *memStore) CountEntries(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[sessionID]), nil
}

func (m *memStore) Roster(_ context.Context, sessionID string) ([]RosterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RosterEntry
	for _, e := range m.entries[sessionID] {
		name := ""
		if u, ok := m.users[e.StudentID]; ok {
			name = u.Name
		}
		out = append(out, RosterEntry{
			StudentID:    e.StudentID,
			MatricNumber: e.MatricNumber,
			Name:         name,
			Timestamp:    e.Timestamp,
		})
	}
	return out, nil
}

func (m *memStore) RegisteredCount(_ context.Context, courseID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered[courseID], nil
}

func (m *memStore) CreateOverride(_ context.Context, r *OverrideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.overrides {
		if existing.SessionID == r.SessionID && existing.StudentID == r.StudentID && existing.Status == OverridePending {
			return &ValidationError{Reason: "an override request for this session is already pending"}
		}
	}
	cp := *r
	m.overrides[r.ID] = &cp
	return nil
}

func (m *memStore) GetOverride(_ context.Context, id string) (*OverrideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.overrides[id]
	if !ok {
		return nil, &NotFoundError{Resource: "override request", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListOverrides(_ context.Context, sessionID string) ([]OverrideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OverrideRequest
	for _, r := range m.overrides {
		if r.SessionID == sessionID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) DecideOverride(_ context.Context, id, lecturerID string, to OverrideStatus, entry *Entry, at time.Time) (*OverrideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.overrides[id]
	if !ok {
		return nil, &NotFoundError{Resource: "override request", ID: id}
	}
	if r.Status != OverridePending {
		return nil, &InvalidStateTransitionError{Current: r.Status}
	}
	if entry != nil {
		if m.hasEntryLocked(entry.SessionID, entry.StudentID) {
			return nil, &DuplicateAttendanceError{SessionID: entry.SessionID, StudentID: entry.StudentID}
		}
		cp := *entry
		m.entries[entry.SessionID] = append(m.entries[entry.SessionID], &cp)
	}
	r.Status = to
	r.LecturerID = &lecturerID
	r.DecidedAt = &at
	cp := *r
	return &cp, nil
}

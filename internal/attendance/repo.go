package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the Postgres implementation of Store. The invariants live in
// the schema: unique (session_id, student_id) on entries, unique device_id on
// users, and a partial unique index on pending override requests. The
// conditional writes below lean on those instead of read-then-write pairs.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo over an injected connection pool.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// CreateSession inserts a new session row.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, course_id, lecturer_id, location_id, start_time, end_time, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.ID, s.CourseID, s.LecturerID, s.LocationID, s.StartTime, s.EndTime, s.Status)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session with its course name resolved.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT s.id, s.course_id, c.name, s.lecturer_id, s.location_id, s.start_time, s.end_time, s.status
		FROM sessions s
		JOIN courses c ON c.id = s.course_id
		WHERE s.id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.CourseID, &s.CourseName, &s.LecturerID, &s.LocationID, &s.StartTime, &s.EndTime, &s.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Resource: "session", ID: id}
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// ListActiveSessions returns open sessions for the dashboard, optionally
// restricted to the given courses.
func (r *Repository) ListActiveSessions(ctx context.Context, courseIDs []string, now time.Time) ([]SessionOverview, error) {
	query := `
		SELECT s.id, c.name, u.name, l.name, s.end_time,
		       (SELECT COUNT(*) FROM attendance_entries e WHERE e.session_id = s.id)
		FROM sessions s
		JOIN courses c ON c.id = s.course_id
		JOIN users u ON u.id = s.lecturer_id
		JOIN locations l ON l.id = s.location_id
		WHERE s.status = 'active' AND s.end_time > $1`
	args := []any{now}
	if len(courseIDs) > 0 {
		query += " AND s.course_id IN ("
		for i, id := range courseIDs {
			if i > 0 {
				query += ","
			}
			args = append(args, id)
			query += fmt.Sprintf("$%d", len(args))
		}
		query += ")"
	}
	query += " ORDER BY s.end_time"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionOverview
	for rows.Next() {
		var o SessionOverview
		if err := rows.Scan(&o.ID, &o.CourseName, &o.LecturerName, &o.LocationName, &o.EndTime, &o.AttendeeCount); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// EndExpiredSessions archives every active session past its end time.
func (r *Repository) EndExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'ended' WHERE status = 'active' AND end_time <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("end expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// GetLocation returns a registered classroom area.
func (r *Repository) GetLocation(ctx context.Context, id string) (*Location, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, corners FROM locations WHERE id = $1`, id)
	var loc Location
	var corners []byte
	if err := row.Scan(&loc.ID, &loc.Name, &corners); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Resource: "location", ID: id}
		}
		return nil, fmt.Errorf("get location: %w", err)
	}
	if err := json.Unmarshal(corners, &loc.Corners); err != nil {
		return nil, fmt.Errorf("decode location corners: %w", err)
	}
	return &loc, nil
}

const userColumns = `id, name, matric_number, role, device_id, selfie_ref, programme, level, activated, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.MatricNumber, &u.Role, &u.DeviceID, &u.SelfieRef, &u.Programme, &u.Level, &u.Activated, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns a user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "user", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// DeviceOwner returns the user holding deviceID, or nil when unbound.
func (r *Repository) DeviceOwner(ctx context.Context, deviceID string) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE device_id = $1`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("device owner: %w", err)
	}
	return u, nil
}

// BindDevice claims deviceID for userID in a single conditional update. The
// unique index on users.device_id arbitrates racing first binds: the loser
// gets a DeviceConflictError naming the winner.
func (r *Repository) BindDevice(ctx context.Context, userID, deviceID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET device_id = $2 WHERE id = $1 AND device_id IS NULL
	`, userID, deviceID)
	if err != nil {
		if isUniqueViolation(err, "users_device_id_key") {
			owner, oerr := r.DeviceOwner(ctx, deviceID)
			if oerr == nil && owner != nil {
				return &DeviceConflictError{Owner: owner.Summary()}
			}
			return &DeviceConflictError{}
		}
		return fmt.Errorf("bind device: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Lost a race against our own earlier bind, or the user vanished.
		u, err := r.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.DeviceID != nil && *u.DeviceID == deviceID {
			return nil
		}
		return &ValidationError{Reason: "this device does not match your registered device"}
	}
	return nil
}

// ActivateUser applies extracted identity fields and flips activation.
func (r *Repository) ActivateUser(ctx context.Context, id string, f ExtractedFields) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET matric_number = $2, name = $3, programme = $4, level = $5, activated = TRUE
		WHERE id = $1
	`, id, f.MatricNumber, f.Name, f.Programme, f.Level)
	if err != nil {
		return fmt.Errorf("activate user: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return &NotFoundError{Resource: "user", ID: id}
	}
	return nil
}

// HasEntry reports whether the student already appears in the session.
func (r *Repository) HasEntry(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_entries WHERE session_id = $1 AND student_id = $2)
	`, sessionID, studentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has entry: %w", err)
	}
	return exists, nil
}

// AppendEntryIfAbsent inserts the entry unless the student is already present.
// DO NOTHING on conflict turns the check-and-append into one store operation.
func (r *Repository) AppendEntryIfAbsent(ctx context.Context, e *Entry) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_entries (id, session_id, student_id, matric_number, device_id, proof_ref, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, e.ID, e.SessionID, e.StudentID, e.MatricNumber, e.DeviceID, e.ProofRef, e.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, &DuplicateAttendanceError{SessionID: e.SessionID, StudentID: e.StudentID}
	}
	return r.CountEntries(ctx, e.SessionID)
}

// CountEntries returns a session's attendee count.
func (r *Repository) CountEntries(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance_entries WHERE session_id = $1
	`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Roster returns the session's attendees with display fields.
func (r *Repository) Roster(ctx context.Context, sessionID string) ([]RosterEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.student_id, e.matric_number, u.name, COALESCE(u.level, ''), e.marked_at
		FROM attendance_entries e
		JOIN users u ON u.id = e.student_id
		WHERE e.session_id = $1
		ORDER BY e.marked_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("roster: %w", err)
	}
	defer rows.Close()

	var out []RosterEntry
	for rows.Next() {
		var re RosterEntry
		if err := rows.Scan(&re.StudentID, &re.MatricNumber, &re.Name, &re.Level, &re.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, rows.Err()
}

// RegisteredCount returns how many students are enrolled in the course.
func (r *Repository) RegisteredCount(ctx context.Context, courseID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM course_students WHERE course_id = $1
	`, courseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("registered count: %w", err)
	}
	return n, nil
}

// CreateOverride inserts a pending request. The partial unique index on
// pending (session_id, student_id) rejects a second open dispute.
func (r *Repository) CreateOverride(ctx context.Context, req *OverrideRequest) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO override_requests
			(id, session_id, student_id, device_id, proof_ref, owner_id, owner_name, owner_matric, owner_proof_ref, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, req.ID, req.SessionID, req.StudentID, req.DeviceID, req.ProofRef,
		nullString(req.OwnerSnapshot.ID), nullString(req.OwnerSnapshot.Name), nullString(req.OwnerSnapshot.MatricNumber),
		nullString(req.OwnerProofRef), req.Status, req.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "override_requests_pending_idx") {
			return &ValidationError{Reason: "override request already submitted for this session"}
		}
		return fmt.Errorf("create override: %w", err)
	}
	return nil
}

const overrideColumns = `id, session_id, student_id, device_id, proof_ref,
	COALESCE(owner_id, ''), COALESCE(owner_name, ''), COALESCE(owner_matric, ''), COALESCE(owner_proof_ref, ''),
	status, lecturer_id, decided_at, created_at`

func scanOverride(scan func(dest ...any) error) (*OverrideRequest, error) {
	var req OverrideRequest
	var lecturer sql.NullString
	var decided sql.NullTime
	err := scan(&req.ID, &req.SessionID, &req.StudentID, &req.DeviceID, &req.ProofRef,
		&req.OwnerSnapshot.ID, &req.OwnerSnapshot.Name, &req.OwnerSnapshot.MatricNumber, &req.OwnerProofRef,
		&req.Status, &lecturer, &decided, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lecturer.Valid {
		req.LecturerID = &lecturer.String
	}
	if decided.Valid {
		t := decided.Time
		req.DecidedAt = &t
	}
	return &req, nil
}

// GetOverride returns one override request.
func (r *Repository) GetOverride(ctx context.Context, id string) (*OverrideRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM override_requests WHERE id = $1`, id)
	req, err := scanOverride(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "override request", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get override: %w", err)
	}
	return req, nil
}

// ListOverrides returns a session's requests, newest first.
func (r *Repository) ListOverrides(ctx context.Context, sessionID string) ([]OverrideRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+overrideColumns+` FROM override_requests WHERE session_id = $1 ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	var out []OverrideRequest
	for rows.Next() {
		req, err := scanOverride(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// DecideOverride runs the pending -> terminal transition in one transaction.
// For approvals the entry append commits with the status flip or not at all,
// so a failed append leaves the request pending.
func (r *Repository) DecideOverride(ctx context.Context, id, lecturerID string, to OverrideStatus, entry *Entry, at time.Time) (*OverrideRequest, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("decide override: begin: %w", err)
	}
	defer tx.Rollback()

	var current OverrideStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM override_requests WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "override request", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("decide override: lock: %w", err)
	}
	if current != OverridePending {
		return nil, &InvalidStateTransitionError{Current: current}
	}

	if entry != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_entries (id, session_id, student_id, matric_number, device_id, proof_ref, marked_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (session_id, student_id) DO NOTHING
		`, entry.ID, entry.SessionID, entry.StudentID, entry.MatricNumber, entry.DeviceID, entry.ProofRef, entry.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("decide override: append: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return nil, &DuplicateAttendanceError{SessionID: entry.SessionID, StudentID: entry.StudentID}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE override_requests SET status = $2, lecturer_id = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'
	`, id, to, lecturerID, at); err != nil {
		return nil, fmt.Errorf("decide override: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("decide override: commit: %w", err)
	}
	return r.GetOverride(ctx, id)
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token, expires_at) VALUES ($1, $2, $3)
	`, userID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

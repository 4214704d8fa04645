package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ResultRepository persists job results in Postgres.
type ResultRepository struct {
	db *sql.DB
}

// NewResultRepository creates a repo.
func NewResultRepository(db *sql.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

var _ ResultStore = (*ResultRepository)(nil)

// Save upserts the result keyed by job id. Upsert, not insert: a crash during
// retry may write twice, and the last terminal outcome is the one that counts.
func (r *ResultRepository) Save(ctx context.Context, res Result) error {
	var kind, message any
	if res.Error != nil {
		if res.Error.Kind != "" {
			kind = res.Error.Kind
		}
		message = res.Error.Message
	}
	var details any
	if res.Error != nil && len(res.Error.Details) > 0 {
		details = []byte(res.Error.Details)
	}
	var payload any
	if len(res.Result) > 0 {
		payload = []byte(res.Result)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_results (job_id, queue, status, result, error_kind, error_message, error_details, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			error_details = EXCLUDED.error_details,
			finished_at = EXCLUDED.finished_at
	`, res.JobID, res.Queue, res.Status, payload, kind, message, details, res.FinishedAt)
	if err != nil {
		return fmt.Errorf("save job result: %w", err)
	}
	return nil
}

// Get returns the result for jobID, or (nil, nil) when none exists yet.
func (r *ResultRepository) Get(ctx context.Context, jobID string) (*Result, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT job_id, queue, status, result, error_kind, error_message, error_details, finished_at
		FROM job_results WHERE job_id = $1
	`, jobID)

	var res Result
	var payload, details []byte
	var kind, message sql.NullString
	err := row.Scan(&res.JobID, &res.Queue, &res.Status, &payload, &kind, &message, &details, &res.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job result: %w", err)
	}
	res.Result = payload
	if message.Valid {
		res.Error = &ErrorInfo{Kind: kind.String, Message: message.String, Details: details}
	}
	return &res, nil
}

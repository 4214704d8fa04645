// Package jobs runs verification work off the request path. The request layer
// enqueues and returns a handle; runners consume named queues, apply a retry
// policy, and persist exactly one result per job so clients can poll for the
// outcome after the queue entry is gone.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"classtrack/internal/attendance"
	"classtrack/internal/queue"
)

// Queue names. Each is single-purpose and consumed independently.
const (
	QueueMarkAttendance = "mark-attendance"
	QueueExtractData    = "extract-data"
	QueueNotification   = "notification"
)

// Handle is what the request path hands back for polling.
type Handle struct {
	JobID string `json:"job_id"`
	Queue string `json:"queue"`
}

// Status of a finished job.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrorInfo is the persisted failure shape: a taxonomy kind when the failure
// is a domain outcome, plus whatever the client needs to recover (for a
// device conflict, the owner summary to open an override request).
type ErrorInfo struct {
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Result is the durable outcome of one job, independent of the queue entry's
// own lifecycle.
type Result struct {
	JobID      string          `json:"job_id"`
	Queue      string          `json:"queue"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// ResultStore persists job outcomes. Get returns (nil, nil) for an unknown or
// still-running job; callers must not conflate that with failure.
type ResultStore interface {
	Save(ctx context.Context, res Result) error
	Get(ctx context.Context, jobID string) (*Result, error)
}

// Alerter escalates operational failures (queue down, results unwritable) to
// whoever is on call.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// RetryPolicy bounds how hard a runner tries before declaring a job failed.
// Delay doubles per attempt from BaseDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the queue's historical behavior: three attempts,
// one second base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Delay returns the backoff before the given retry (attempt is 1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Orchestrator is the enqueue side.
type Orchestrator struct {
	q   queue.Queue
	log *logrus.Entry
}

// NewOrchestrator wraps an injected queue client.
func NewOrchestrator(q queue.Queue) *Orchestrator {
	return &Orchestrator{q: q, log: logrus.WithField("component", "jobs")}
}

// Enqueue submits payload to the named queue and returns a pollable handle.
func (o *Orchestrator) Enqueue(ctx context.Context, queueName string, payload any) (Handle, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("encode payload: %w", err)
	}
	job := queue.Job{ID: uuid.NewString(), Type: queueName, Payload: raw}
	if err := o.q.Publish(ctx, queueName, job); err != nil {
		return Handle{}, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	o.log.WithFields(logrus.Fields{"queue": queueName, "job_id": job.ID}).Debug("job enqueued")
	return Handle{JobID: job.ID, Queue: queueName}, nil
}

// Handler is a pure unit of work: payload in, result or error out. Orchestration
// concerns (retry, persistence, alerts) stay out here in the runner.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Runner consumes one named queue. One job at a time per runner; independence
// between queues comes from running one runner per queue.
type Runner struct {
	queueName string
	handler   Handler
	policy    RetryPolicy
	q         queue.Queue
	results   ResultStore
	alerts    Alerter
	log       *logrus.Entry

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner builds a runner for one queue.
func NewRunner(q queue.Queue, results ResultStore, alerts Alerter, queueName string, h Handler, policy RetryPolicy) *Runner {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Runner{
		queueName: queueName,
		handler:   h,
		policy:    policy,
		q:         q,
		results:   results,
		alerts:    alerts,
		log:       logrus.WithFields(logrus.Fields{"component": "worker", "queue": queueName}),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ch, err := r.q.Consume(ctx, r.queueName)
	if err != nil {
		return fmt.Errorf("consume %s: %w", r.queueName, err)
	}
	r.log.Info("runner started")
	for job := range ch {
		r.process(ctx, job)
	}
	r.log.Info("runner stopped")
	return nil
}

// process executes one job under the retry policy. Domain failures (anything
// with a taxonomy kind) are terminal on the first occurrence; only
// infrastructure errors consume retry attempts. Whatever happens, exactly one
// result row is written before the runner moves on — the last terminal
// failure, not an intermediate one.
func (r *Runner) process(ctx context.Context, job queue.Job) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		out, err := r.handler(ctx, job.Payload)
		if err == nil {
			r.persist(ctx, Result{
				JobID:      job.ID,
				Queue:      r.queueName,
				Status:     StatusCompleted,
				Result:     out,
				FinishedAt: time.Now().UTC(),
			})
			jobsProcessed.WithLabelValues(r.queueName, string(StatusCompleted)).Inc()
			return
		}
		lastErr = err
		if attendance.Kind(err) != "" {
			break
		}
		r.log.WithError(err).WithFields(logrus.Fields{"job_id": job.ID, "attempt": attempt}).Warn("job attempt failed")
		jobRetries.WithLabelValues(r.queueName).Inc()
		if attempt < r.policy.MaxAttempts {
			if serr := r.sleep(ctx, r.policy.Delay(attempt)); serr != nil {
				break
			}
		}
	}

	r.persist(ctx, Result{
		JobID:      job.ID,
		Queue:      r.queueName,
		Status:     StatusFailed,
		Error:      describeError(lastErr),
		FinishedAt: time.Now().UTC(),
	})
	jobsProcessed.WithLabelValues(r.queueName, string(StatusFailed)).Inc()
	r.log.WithError(lastErr).WithField("job_id", job.ID).Error("job failed terminally")
}

func (r *Runner) persist(ctx context.Context, res Result) {
	// Persist even when ctx is cancelled mid-shutdown; the result write is the
	// one thing that must not be lost.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.results.Save(saveCtx, res); err != nil {
		r.log.WithError(err).WithField("job_id", res.JobID).Error("persisting job result failed")
		if r.alerts != nil {
			_ = r.alerts.Alert(saveCtx, "job result write failure",
				fmt.Sprintf("could not persist result for job %s on %s: %v", res.JobID, res.Queue, err))
		}
	}
}

// describeError turns a terminal failure into its persisted shape. Domain
// errors carry their kind and, where recovery needs it, structured details.
func describeError(err error) *ErrorInfo {
	if err == nil {
		return &ErrorInfo{Message: "unknown failure"}
	}
	info := &ErrorInfo{Kind: attendance.Kind(err), Message: err.Error()}

	var conflict *attendance.DeviceConflictError
	if errors.As(err, &conflict) {
		details, _ := json.Marshal(map[string]any{
			"requires_override": true,
			"conflict_info":     conflict.Owner,
		})
		info.Details = details
	}
	var transition *attendance.InvalidStateTransitionError
	if errors.As(err, &transition) {
		details, _ := json.Marshal(map[string]any{"current_status": transition.Current})
		info.Details = details
	}
	return info
}

// AwaitBackend blocks until ping succeeds, retrying with exponential backoff.
// Worker startup calls this so a transiently unavailable queue backend does
// not kill the process; exhausting the attempts raises an operational alert
// and returns the last error.
func AwaitBackend(ctx context.Context, ping func(context.Context) error, attempts int, baseDelay time.Duration, alerts Alerter) error {
	if attempts <= 0 {
		attempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	var lastErr error
	delay := baseDelay
	for i := 1; i <= attempts; i++ {
		if lastErr = ping(ctx); lastErr == nil {
			return nil
		}
		logrus.WithError(lastErr).WithField("attempt", i).Warn("queue backend not ready")
		if i < attempts {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			delay *= 2
		}
	}
	if alerts != nil {
		_ = alerts.Alert(ctx, "worker startup failure",
			fmt.Sprintf("queue backend unreachable after %d attempts: %v", attempts, lastErr))
	}
	return fmt.Errorf("queue backend unreachable: %w", lastErr)
}

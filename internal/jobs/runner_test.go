package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/attendance"
	"classtrack/internal/queue"
)

type memResults struct {
	mu    sync.Mutex
	saved map[string]Result
}

func newMemResults() *memResults {
	return &memResults{saved: make(map[string]Result)}
}

func (m *memResults) Save(_ context.Context, res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[res.JobID] = res
	return nil
}

func (m *memResults) Get(_ context.Context, jobID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.saved[jobID]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

type alertRecorder struct {
	mu       sync.Mutex
	subjects []string
}

func (a *alertRecorder) Alert(_ context.Context, subject, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	return nil
}

// instantSleep makes retry backoff a no-op while recording the delays the
// policy asked for.
func instantSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func newTestRunner(h Handler, policy RetryPolicy) (*Runner, *memResults, *[]time.Duration) {
	results := newMemResults()
	r := NewRunner(queue.NewInMemory(8), results, nil, "test-queue", h, policy)
	var delays []time.Duration
	r.sleep = instantSleep(&delays)
	return r, results, &delays
}

func TestProcessPersistsSuccess(t *testing.T) {
	r, results, _ := newTestRunner(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}, DefaultRetryPolicy())

	r.process(context.Background(), queue.Job{ID: "job-1", Payload: json.RawMessage(`{}`)})

	res, err := results.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))
	assert.Nil(t, res.Error)
}

func TestProcessRetriesInfrastructureErrors(t *testing.T) {
	var calls int
	r, results, delays := newTestRunner(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, errors.New("connection reset")
	}, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second})

	r.process(context.Background(), queue.Job{ID: "job-2", Payload: json.RawMessage(`{}`)})

	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)

	res, err := results.Get(context.Background(), "job-2")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Empty(t, res.Error.Kind)
	assert.Equal(t, "connection reset", res.Error.Message)
}

func TestProcessDomainErrorIsTerminal(t *testing.T) {
	var calls int
	owner := attendance.IdentitySummary{ID: "stu-1", Name: "Ada Obi", MatricNumber: "CSC/2021/001"}
	r, results, delays := newTestRunner(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, &attendance.DeviceConflictError{Owner: owner}
	}, DefaultRetryPolicy())

	r.process(context.Background(), queue.Job{ID: "job-3", Payload: json.RawMessage(`{}`)})

	assert.Equal(t, 1, calls, "a domain outcome must not be retried")
	assert.Empty(t, *delays)

	res, err := results.Get(context.Background(), "job-3")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, attendance.KindDeviceConflict, res.Error.Kind)

	var details struct {
		RequiresOverride bool                       `json:"requires_override"`
		ConflictInfo     attendance.IdentitySummary `json:"conflict_info"`
	}
	require.NoError(t, json.Unmarshal(res.Error.Details, &details))
	assert.True(t, details.RequiresOverride)
	assert.Equal(t, owner, details.ConflictInfo)
}

func TestProcessSucceedsAfterTransientFailure(t *testing.T) {
	var calls int
	r, results, _ := newTestRunner(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("timeout")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}, DefaultRetryPolicy())

	r.process(context.Background(), queue.Job{ID: "job-4", Payload: json.RawMessage(`{}`)})

	assert.Equal(t, 2, calls)
	res, _ := results.Get(context.Background(), "job-4")
	require.NotNil(t, res)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestResultAbsentWhileRunning(t *testing.T) {
	results := newMemResults()
	res, err := results.Get(context.Background(), "never-enqueued")
	require.NoError(t, err)
	assert.Nil(t, res, "unknown job must read as absent, not failed")
}

func TestRetryPolicyDelayDoubles(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond}
	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
}

func TestRunConsumesEnqueuedJobs(t *testing.T) {
	q := queue.NewInMemory(8)
	results := newMemResults()
	r := NewRunner(q, results, nil, QueueNotification, func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"delivered":true}`), nil
	}, DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	orch := NewOrchestrator(q)
	handle, err := orch.Enqueue(ctx, QueueNotification, NotificationPayload{IdentityID: "stu-1", Message: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, _ := results.Get(context.Background(), handle.JobID)
		return res != nil && res.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestAwaitBackend(t *testing.T) {
	var pings int
	err := AwaitBackend(context.Background(), func(context.Context) error {
		pings++
		if pings < 3 {
			return errors.New("not ready")
		}
		return nil
	}, 5, time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, pings)

	alerts := &alertRecorder{}
	err = AwaitBackend(context.Background(), func(context.Context) error {
		return errors.New("still down")
	}, 2, time.Millisecond, alerts)
	require.Error(t, err)
	assert.Len(t, alerts.subjects, 1)
}

func TestMarkAttendanceRejectsBadPayload(t *testing.T) {
	h := MarkAttendance(nil, nil)
	_, err := h(context.Background(), json.RawMessage(`not json`))
	assert.Equal(t, attendance.KindValidation, attendance.Kind(err))
}

func TestNotificationHandler(t *testing.T) {
	sent := &senderRecorder{}
	h := Notification(sent)

	out, err := h(context.Background(), mustJSON(t, NotificationPayload{IdentityID: "stu-1", Message: "session open"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"delivered":true}`, string(out))
	assert.Equal(t, []string{"stu-1"}, sent.recipients)
}

type senderRecorder struct {
	mu         sync.Mutex
	recipients []string
}

func (s *senderRecorder) Send(_ context.Context, identityID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients = append(s.recipients, identityID)
	return nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

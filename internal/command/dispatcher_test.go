package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse/gatehouse/internal/shared"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]Job)}
}

func (m *memStore) Insert(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("command: job: %w", shared.ErrNotFound)
	}
	return job, nil
}

func (m *memStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Job
	for _, job := range m.jobs {
		if job.Status == StatusPending && !job.ScheduledAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DeviceID != due[j].DeviceID {
			return due[i].DeviceID < due[j].DeviceID
		}
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStore) Transition(ctx context.Context, id string, from, to Status, lastError string) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != from {
		return false, nil
	}
	job.Status = to
	job.LastError = lastError
	m.jobs[id] = job
	return true, nil
}

func (m *memStore) ResetForRetry(ctx context.Context, id string, from Status, retryCount int, scheduledAt time.Time, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != from {
		return false, nil
	}
	job.Status = StatusPending
	job.RetryCount = retryCount
	job.ScheduledAt = scheduledAt
	job.LastError = lastError
	m.jobs[id] = job
	return true, nil
}

func (m *memStore) OverdueAwaitingDevice(ctx context.Context, deadline time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var overdue []Job
	for _, job := range m.jobs {
		if (job.Status == StatusSent || job.Status == StatusAcknowledged) && !job.ScheduledAt.After(deadline) {
			overdue = append(overdue, job)
		}
	}
	return overdue, nil
}

func (m *memStore) SweepStuckPending(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var swept int64
	for id, job := range m.jobs {
		if job.Status == StatusPending && !job.ScheduledAt.After(cutoff) {
			job.Status = StatusFailed
			job.LastError = "timeout"
			m.jobs[id] = job
			swept++
		}
	}
	return swept, nil
}

func (m *memStore) ListFailed(ctx context.Context, tenantID int64, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []Job
	for _, job := range m.jobs {
		if job.TenantID == tenantID && (job.Status == StatusFailed || job.Status == StatusTimeout) {
			failed = append(failed, job)
		}
	}
	return failed, nil
}

func (m *memStore) status(t *testing.T, id string) Status {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		t.Fatalf("job %s missing", id)
	}
	return job.Status
}

type memTransport struct {
	mu        sync.Mutex
	published map[string][]Envelope
	failFor   map[string]error
}

func newMemTransport() *memTransport {
	return &memTransport{
		published: make(map[string][]Envelope),
		failFor:   make(map[string]error),
	}
}

func (m *memTransport) Publish(ctx context.Context, deviceID string, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[deviceID]; err != nil {
		return err
	}
	m.published[deviceID] = append(m.published[deviceID], env)
	return nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) (*Dispatcher, *memStore, *memTransport) {
	t.Helper()
	store := newMemStore()
	transport := newMemTransport()
	d := NewDispatcher(store, transport, nil, discardLogger(), opts...)
	return d, store, transport
}

func TestEnqueueCreatesPendingJob(t *testing.T) {
	d, store, _ := newTestDispatcher(t)

	job, err := d.Enqueue(context.Background(), EnqueueInput{
		TenantID: 10, DeviceID: "ctrl-1", Command: CommandOpenDoor, Priority: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected generated job id")
	}
	if got := store.status(t, job.ID); got != StatusPending {
		t.Fatalf("expected PENDING, got %s", got)
	}
}

func TestDispatchDueDeliversInPerDeviceOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, _, transport := newTestDispatcher(t, WithClock(fixedClock(base)))

	ctx := context.Background()
	early := base.Add(-2 * time.Minute)
	late := base.Add(-time.Minute)
	lowLate, _ := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-1", Command: CommandCloseDoor, Priority: 1, ScheduledAt: &late})
	lowEarly, _ := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-1", Command: CommandCloseDoor, Priority: 1, ScheduledAt: &early})
	high, _ := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-1", Command: CommandLockdown, Priority: 9, ScheduledAt: &late})
	other, _ := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-2", Command: CommandOpenDoor, Priority: 5, ScheduledAt: &early})

	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got := transport.published["ctrl-1"]
	want := []string{high.ID, lowEarly.ID, lowLate.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %d deliveries to ctrl-1, got %d", len(want), len(got))
	}
	for i, env := range got {
		if env.JobID != want[i] {
			t.Fatalf("ctrl-1 delivery %d: expected %s, got %s", i, want[i], env.JobID)
		}
	}
	if len(transport.published["ctrl-2"]) != 1 || transport.published["ctrl-2"][0].JobID != other.ID {
		t.Fatalf("expected ctrl-2 delivery, got %v", transport.published["ctrl-2"])
	}
}

func TestDispatchFutureJobsNotDelivered(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, store, transport := newTestDispatcher(t, WithClock(fixedClock(base)))

	ctx := context.Background()
	future := base.Add(time.Hour)
	job, _ := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-1", Command: CommandOpenDoor, ScheduledAt: &future})

	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(transport.published["ctrl-1"]) != 0 {
		t.Fatal("future job must not be delivered")
	}
	if got := store.status(t, job.ID); got != StatusPending {
		t.Fatalf("expected PENDING, got %s", got)
	}
}

func TestPublishFailureRetriesWithBackoffThenPermanentlyFails(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &struct{ at time.Time }{at: now}
	d, store, transport := newTestDispatcher(t, WithClock(func() time.Time { return clock.at }))
	transport.failFor["ctrl-1"] = errors.New("device unreachable")

	ctx := context.Background()
	job, _ := d.Enqueue(ctx, EnqueueInput{TenantID: 10, DeviceID: "ctrl-1", Command: CommandOpenDoor})

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		if err := d.DispatchDue(ctx); err != nil {
			t.Fatalf("dispatch attempt %d: %v", attempt, err)
		}
		store.mu.Lock()
		j := store.jobs[job.ID]
		store.mu.Unlock()
		if j.Status != StatusPending {
			t.Fatalf("attempt %d: expected retry reset to PENDING, got %s", attempt, j.Status)
		}
		if j.RetryCount != attempt {
			t.Fatalf("attempt %d: expected retry count %d, got %d", attempt, attempt, j.RetryCount)
		}
		wantAt := clock.at.Add(RetryDelay(attempt))
		if !j.ScheduledAt.Equal(wantAt) {
			t.Fatalf("attempt %d: expected backoff to %v, got %v", attempt, wantAt, j.ScheduledAt)
		}
		clock.at = j.ScheduledAt
	}

	// Fourth delivery failure exhausts the budget.
	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("final dispatch: %v", err)
	}
	if got := store.status(t, job.ID); got != StatusFailed {
		t.Fatalf("expected permanent FAILED, got %s", got)
	}

	// No further dispatch may touch it.
	clock.at = clock.at.Add(time.Hour)
	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("post-failure dispatch: %v", err)
	}
	if got := store.status(t, job.ID); got != StatusFailed {
		t.Fatalf("failed job must never be retried again, got %s", got)
	}

	failed, err := d.ListFailed(ctx, 10, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != job.ID {
		t.Fatalf("expected job surfaced to operators, got %v", failed)
	}
}

func TestAckThenCompletion(t *testing.T) {
	d, store, _ := newTestDispatcher(t)

	ctx := context.Background()
	job, _ := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-1", Command: CommandOpenDoor})
	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := store.status(t, job.ID); got != StatusSent {
		t.Fatalf("expected SENT, got %s", got)
	}

	if err := d.HandleAck(ctx, job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got := store.status(t, job.ID); got != StatusAcknowledged {
		t.Fatalf("expected ACKNOWLEDGED, got %s", got)
	}

	if err := d.HandleCompletion(ctx, job.ID); err != nil {
		t.Fatalf("completion: %v", err)
	}
	if got := store.status(t, job.ID); got != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
}

func TestCompletionWithoutAck(t *testing.T) {
	d, store, _ := newTestDispatcher(t)

	ctx := context.Background()
	job, _ := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-1", Command: CommandOpenDoor})
	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := d.HandleCompletion(ctx, job.ID); err != nil {
		t.Fatalf("completion: %v", err)
	}
	if got := store.status(t, job.ID); got != StatusCompleted {
		t.Fatalf("expected COMPLETED straight from SENT, got %s", got)
	}
}

func TestDeviceErrorRunsRetryPolicy(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, store, _ := newTestDispatcher(t, WithClock(fixedClock(base)))

	ctx := context.Background()
	job, _ := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-1", Command: CommandOpenDoor})
	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := d.HandleDeviceError(ctx, job.ID, "relay jammed"); err != nil {
		t.Fatalf("device error: %v", err)
	}
	store.mu.Lock()
	j := store.jobs[job.ID]
	store.mu.Unlock()
	if j.Status != StatusPending || j.RetryCount != 1 {
		t.Fatalf("expected retry reset, got status=%s retries=%d", j.Status, j.RetryCount)
	}
	if j.LastError != "relay jammed" {
		t.Fatalf("expected error recorded, got %q", j.LastError)
	}
}

func TestSweepTimesOutSilentDevices(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &struct{ at time.Time }{at: base}
	d, store, _ := newTestDispatcher(t, WithClock(func() time.Time { return clock.at }))

	ctx := context.Background()
	job, _ := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-1", Command: CommandOpenDoor})
	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Within the deadline nothing happens.
	clock.at = base.Add(AckDeadline - time.Minute)
	if err := d.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := store.status(t, job.ID); got != StatusSent {
		t.Fatalf("expected SENT within deadline, got %s", got)
	}

	// Past the deadline the job times out and is reset for retry.
	clock.at = base.Add(AckDeadline + time.Minute)
	if err := d.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	store.mu.Lock()
	j := store.jobs[job.ID]
	store.mu.Unlock()
	if j.Status != StatusPending || j.RetryCount != 1 {
		t.Fatalf("expected timeout retry reset, got status=%s retries=%d", j.Status, j.RetryCount)
	}
}

func TestSweepFailsStuckPending(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &struct{ at time.Time }{at: base}
	d, store, transport := newTestDispatcher(t, WithClock(func() time.Time { return clock.at }))
	transport.failFor["ctrl-1"] = errors.New("unreachable")

	ctx := context.Background()
	job, _ := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-1", Command: CommandOpenDoor})

	clock.at = base.Add(PendingExpiry + time.Minute)
	if err := d.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	store.mu.Lock()
	j := store.jobs[job.ID]
	store.mu.Unlock()
	if j.Status != StatusFailed || j.LastError != "timeout" {
		t.Fatalf("expected stuck job FAILED(timeout), got status=%s err=%q", j.Status, j.LastError)
	}
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusSent, StatusAcknowledged, true},
		{StatusAcknowledged, StatusCompleted, true},
		{StatusSent, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusAcknowledged, StatusTimeout, true},
		{StatusFailed, StatusPending, true},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusPending, false},
		{StatusPending, StatusAcknowledged, false},
		{StatusFailed, StatusSent, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestDispatchBatchSizeBoundsOnePass(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, _, transport := newTestDispatcher(t, WithClock(fixedClock(base)), WithBatchSize(2))

	ctx := context.Background()
	past := base.Add(-time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := d.Enqueue(ctx, EnqueueInput{DeviceID: "ctrl-1", Command: CommandOpenDoor, ScheduledAt: &past}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(transport.published["ctrl-1"]); got != 2 {
		t.Fatalf("expected the pass to claim 2 jobs, delivered %d", got)
	}

	// The next pass picks up what the bound left behind.
	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(transport.published["ctrl-1"]); got != 3 {
		t.Fatalf("expected the remainder on the second pass, delivered %d", got)
	}
}

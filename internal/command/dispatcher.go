package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	Insert(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Transition(ctx context.Context, id string, from, to Status, lastError string) (bool, error)
	ResetForRetry(ctx context.Context, id string, from Status, retryCount int, scheduledAt time.Time, lastError string) (bool, error)
	OverdueAwaitingDevice(ctx context.Context, deadline time.Time) ([]Job, error)
	SweepStuckPending(ctx context.Context, cutoff time.Time) (int64, error)
	ListFailed(ctx context.Context, tenantID int64, limit int) ([]Job, error)
}

// Kicker nudges the background worker so a freshly enqueued job does
// not wait for the next periodic dispatch pass.
type Kicker interface {
	KickDispatch(ctx context.Context) error
}

// EventBus announces permanent failures to operators.
type EventBus interface {
	Emit(ctx context.Context, tenantID int64, event string, payload any)
}

// Metrics counts lifecycle transitions by target status.
type Metrics interface {
	ObserveCommandTransition(status string)
}

// EnqueueInput describes a command to queue.
type EnqueueInput struct {
	TenantID    int64
	DeviceID    string
	Command     string
	Params      map[string]any
	Priority    int
	ScheduledAt *time.Time
}

// Dispatcher owns the command job lifecycle: queueing, delivery with
// per-device ordering, ack/completion tracking, retries with linear
// backoff, and expiry sweeping.
type Dispatcher struct {
	store     Store
	transport Transport
	kicker    Kicker
	bus       EventBus
	metrics   Metrics
	logger    *slog.Logger

	batchSize int
	now       func() time.Time
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithKicker installs the background-worker nudge.
func WithKicker(k Kicker) DispatcherOption {
	return func(d *Dispatcher) { d.kicker = k }
}

// WithMetrics installs the transition counter.
func WithMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithBatchSize bounds how many due jobs one dispatch pass claims.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store Store, transport Transport, bus EventBus, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		transport: transport,
		bus:       bus,
		logger:    logger,
		batchSize: 200,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) observe(to Status) {
	if d.metrics != nil {
		d.metrics.ObserveCommandTransition(string(to))
	}
}

// Enqueue persists a new PENDING job and nudges the worker. The job's
// fate is tracked through its own lifecycle; enqueue errors are the
// only failures a caller ever sees.
func (d *Dispatcher) Enqueue(ctx context.Context, input EnqueueInput) (Job, error) {
	now := d.now().UTC()
	scheduledAt := now
	if input.ScheduledAt != nil {
		scheduledAt = input.ScheduledAt.UTC()
	}
	job := Job{
		ID:          uuid.NewString(),
		TenantID:    input.TenantID,
		DeviceID:    input.DeviceID,
		Command:     input.Command,
		Params:      input.Params,
		Priority:    input.Priority,
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.Insert(ctx, job); err != nil {
		return Job{}, err
	}
	d.observe(StatusPending)
	if d.kicker != nil {
		if err := d.kicker.KickDispatch(ctx); err != nil {
			d.logger.Warn("command: dispatch kick failed", slog.Any("error", err))
		}
	}
	return job, nil
}

// EnqueueOpenDoor queues the door-open instruction issued on a granted
// access decision.
func (d *Dispatcher) EnqueueOpenDoor(ctx context.Context, tenantID int64, deviceID, pointCode, direction string, unlock time.Duration) (string, error) {
	job, err := d.Enqueue(ctx, EnqueueInput{
		TenantID: tenantID,
		DeviceID: deviceID,
		Command:  CommandOpenDoor,
		Params: map[string]any{
			"point":     pointCode,
			"direction": direction,
			"unlock_ms": unlock.Milliseconds(),
		},
		Priority: 5,
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Job returns the current state of a job.
func (d *Dispatcher) Job(ctx context.Context, id string) (Job, error) {
	return d.store.Get(ctx, id)
}

// ListFailed returns permanently failed jobs for operator review.
func (d *Dispatcher) ListFailed(ctx context.Context, tenantID int64, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.store.ListFailed(ctx, tenantID, limit)
}

// DispatchDue claims eligible jobs and delivers them: one goroutine per
// device, sequential within a device so the (priority, scheduled_at)
// order holds, unordered and concurrent across devices.
func (d *Dispatcher) DispatchDue(ctx context.Context) error {
	jobs, err := d.store.DueJobs(ctx, d.now().UTC(), d.batchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	perDevice := make(map[string][]Job)
	order := make([]string, 0)
	for _, job := range jobs {
		if _, seen := perDevice[job.DeviceID]; !seen {
			order = append(order, job.DeviceID)
		}
		perDevice[job.DeviceID] = append(perDevice[job.DeviceID], job)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, deviceID := range order {
		queue := perDevice[deviceID]
		g.Go(func() error {
			for _, job := range queue {
				d.deliver(ctx, job)
			}
			return nil
		})
	}
	return g.Wait()
}

// deliver publishes one job and advances its state. Delivery errors go
// through the retry policy; they never abort the rest of the pass.
func (d *Dispatcher) deliver(ctx context.Context, job Job) {
	env := Envelope{
		JobID:    job.ID,
		DeviceID: job.DeviceID,
		Command:  job.Command,
		Params:   job.Params,
		Attempt:  job.RetryCount + 1,
	}
	if err := d.transport.Publish(ctx, job.DeviceID, env); err != nil {
		d.logger.Warn("command: publish failed",
			slog.String("job_id", job.ID),
			slog.String("device", job.DeviceID),
			slog.Any("error", err))
		d.failFrom(ctx, job, StatusPending, err.Error())
		return
	}
	ok, err := d.store.Transition(ctx, job.ID, StatusPending, StatusSent, "")
	if err != nil {
		d.logger.Error("command: mark sent", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if !ok {
		// Another dispatcher already advanced it; the envelope carries
		// the job id so the device dedups the double send.
		d.logger.Info("command: job already advanced", slog.String("job_id", job.ID))
		return
	}
	d.observe(StatusSent)
}

// HandleAck records a device acknowledgement.
func (d *Dispatcher) HandleAck(ctx context.Context, jobID string) error {
	ok, err := d.store.Transition(ctx, jobID, StatusSent, StatusAcknowledged, "")
	if err != nil {
		return err
	}
	if !ok {
		d.logger.Info("command: stale ack ignored", slog.String("job_id", jobID))
		return nil
	}
	d.observe(StatusAcknowledged)
	return nil
}

// HandleCompletion records a device completion report. Devices that
// skip the explicit ack complete straight from SENT.
func (d *Dispatcher) HandleCompletion(ctx context.Context, jobID string) error {
	ok, err := d.store.Transition(ctx, jobID, StatusAcknowledged, StatusCompleted, "")
	if err != nil {
		return err
	}
	if !ok {
		if ok, err = d.store.Transition(ctx, jobID, StatusSent, StatusCompleted, ""); err != nil {
			return err
		}
	}
	if !ok {
		d.logger.Info("command: stale completion ignored", slog.String("job_id", jobID))
		return nil
	}
	d.observe(StatusCompleted)
	return nil
}

// HandleDeviceError records an explicit device failure report and runs
// the retry policy.
func (d *Dispatcher) HandleDeviceError(ctx context.Context, jobID, message string) error {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		d.logger.Info("command: error report for settled job", slog.String("job_id", jobID))
		return nil
	}
	d.failFrom(ctx, job, job.Status, message)
	return nil
}

// failFrom moves a job to FAILED from the given state, then resets it
// to PENDING with backoff while retry budget remains. Exhausted jobs
// stay FAILED permanently and are surfaced to operators.
func (d *Dispatcher) failFrom(ctx context.Context, job Job, from Status, message string) {
	ok, err := d.store.Transition(ctx, job.ID, from, StatusFailed, message)
	if err != nil {
		d.logger.Error("command: mark failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	d.observe(StatusFailed)
	d.retryOrSurface(ctx, job, StatusFailed, message)
}

// retryOrSurface applies the retry policy to a job sitting in FAILED or
// TIMEOUT.
func (d *Dispatcher) retryOrSurface(ctx context.Context, job Job, from Status, message string) {
	if job.RetryCount >= MaxRetries {
		d.logger.Error("command: retries exhausted",
			slog.String("job_id", job.ID),
			slog.String("device", job.DeviceID),
			slog.Int("retries", job.RetryCount),
			slog.String("error", message))
		if d.bus != nil {
			d.bus.Emit(ctx, job.TenantID, "command.failed", map[string]any{
				"job_id": job.ID,
				"device": job.DeviceID,
				"error":  message,
			})
		}
		return
	}
	retry := job.RetryCount + 1
	nextAt := d.now().UTC().Add(RetryDelay(retry))
	ok, err := d.store.ResetForRetry(ctx, job.ID, from, retry, nextAt, message)
	if err != nil {
		d.logger.Error("command: retry reset", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if ok {
		d.observe(StatusPending)
		d.logger.Info("command: scheduled retry",
			slog.String("job_id", job.ID),
			slog.Int("retry", retry),
			slog.Time("at", nextAt))
	}
}

// SweepExpired times out jobs whose device went silent and fails
// PENDING jobs stuck past the expiry window, bounding queue growth from
// unreachable devices. Run periodically by the worker.
func (d *Dispatcher) SweepExpired(ctx context.Context) error {
	now := d.now().UTC()

	overdue, err := d.store.OverdueAwaitingDevice(ctx, now.Add(-AckDeadline))
	if err != nil {
		return err
	}
	for _, job := range overdue {
		ok, err := d.store.Transition(ctx, job.ID, job.Status, StatusTimeout, "no device response")
		if err != nil {
			d.logger.Error("command: mark timeout", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		if ok {
			d.observe(StatusTimeout)
			d.retryOrSurface(ctx, job, StatusTimeout, "no device response")
		}
	}

	swept, err := d.store.SweepStuckPending(ctx, now.Add(-PendingExpiry))
	if err != nil {
		return err
	}
	if swept > 0 {
		d.logger.Warn("command: swept stuck pending jobs", slog.Int64("count", swept))
	}
	return nil
}

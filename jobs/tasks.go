package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDispatchDue delivers eligible command jobs to their devices.
	TaskDispatchDue = "command:dispatch_due"
	// TaskSweepExpired times out silent devices and fails stuck jobs.
	TaskSweepExpired = "command:sweep_expired"
)

// NewDispatchDueTask constructs the dispatch task. It carries no payload:
// the dispatcher claims whatever is due when it runs, so enqueue-time
// kicks and cron ticks collapse into the same work.
func NewDispatchDueTask() *asynq.Task {
	return asynq.NewTask(TaskDispatchDue, nil)
}

// NewSweepExpiredTask constructs the expiry sweep task.
func NewSweepExpiredTask() *asynq.Task {
	return asynq.NewTask(TaskSweepExpired, nil)
}

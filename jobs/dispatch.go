package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

// CommandDispatcher is the slice of the dispatcher the worker drives.
type CommandDispatcher interface {
	DispatchDue(ctx context.Context) error
	SweepExpired(ctx context.Context) error
}

// NewDispatchDueHandler returns the handler for TaskDispatchDue.
func NewDispatchDueHandler(d CommandDispatcher, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if err := d.DispatchDue(ctx); err != nil {
			logger.Error("jobs: dispatch due", slog.Any("error", err))
			return err
		}
		return nil
	}
}

// NewSweepExpiredHandler returns the handler for TaskSweepExpired.
func NewSweepExpiredHandler(d CommandDispatcher, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if err := d.SweepExpired(ctx); err != nil {
			logger.Error("jobs: sweep expired", slog.Any("error", err))
			return err
		}
		return nil
	}
}

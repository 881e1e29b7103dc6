package command

import (
	"errors"
	"time"
)

// Status is a CommandJob lifecycle state.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusSent         Status = "SENT"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusTimeout      Status = "TIMEOUT"
)

// Terminal reports whether no further transition is allowed out of the
// status by normal processing. FAILED and TIMEOUT jobs may still be
// reset to PENDING by the retry policy while budget remains.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// ErrInvalidTransition indicates a lifecycle update that the state
// machine does not permit.
var ErrInvalidTransition = errors.New("command: invalid status transition")

// legalTransitions is the per-job state machine:
// PENDING -> SENT -> ACKNOWLEDGED -> COMPLETED, with FAILED and TIMEOUT
// reachable from any non-terminal state.
var legalTransitions = map[Status][]Status{
	StatusPending:      {StatusSent, StatusFailed, StatusTimeout},
	StatusSent:         {StatusAcknowledged, StatusCompleted, StatusFailed, StatusTimeout},
	StatusAcknowledged: {StatusCompleted, StatusFailed, StatusTimeout},
	StatusFailed:       {StatusPending},
	StatusTimeout:      {StatusPending},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// The FAILED/TIMEOUT -> PENDING edges are the retry resets.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one queued device instruction with its own delivery lifecycle.
type Job struct {
	ID          string         `json:"id"`
	TenantID    int64          `json:"tenant_id"`
	DeviceID    string         `json:"device_id"`
	Command     string         `json:"command"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    int            `json:"priority"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Status      Status         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Retry and expiry policy.
const (
	// MaxRetries bounds the retry resets after a failure or timeout.
	MaxRetries = 3
	// RetryBackoffUnit scales the linear backoff: delay = retry_count * unit.
	RetryBackoffUnit = 30 * time.Second
	// AckDeadline bounds how long a SENT/ACKNOWLEDGED job may wait for
	// the device before it times out.
	AckDeadline = 5 * time.Minute
	// PendingExpiry bounds queue growth from unreachable devices:
	// PENDING jobs older than this are swept to FAILED.
	PendingExpiry = 10 * time.Minute
)

// RetryDelay returns the backoff before the given retry attempt.
func RetryDelay(retryCount int) time.Duration {
	return time.Duration(retryCount) * RetryBackoffUnit
}

// Known device commands.
const (
	CommandOpenDoor  = "open_door"
	CommandCloseDoor = "close_door"
	CommandLockdown  = "lockdown"
)

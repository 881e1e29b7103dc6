// Package events provides the tenant-scoped event fan-out used by the
// decision pipeline and the dispatcher. Emission is fire-and-forget: a
// dead bus degrades observability, never correctness.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Bus publishes tenant events.
type Bus interface {
	Emit(ctx context.Context, tenantID int64, event string, payload any)
}

// RedisBus publishes events to per-tenant Redis channels.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus constructs a RedisBus.
func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

// Channel returns the pub/sub channel for a tenant event.
func Channel(tenantID int64, event string) string {
	return fmt.Sprintf("gatehouse:events:%d:%s", tenantID, event)
}

// Emit publishes the payload as JSON. Failures are logged and dropped.
func (b *RedisBus) Emit(ctx context.Context, tenantID int64, event string, payload any) {
	if b == nil || b.client == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("events: marshal payload", slog.String("event", event), slog.Any("error", err))
		}
		return
	}
	if err := b.client.Publish(ctx, Channel(tenantID, event), raw).Err(); err != nil {
		if b.logger != nil {
			b.logger.Warn("events: publish", slog.String("event", event), slog.Any("error", err))
		}
	}
}

// Nop is a Bus that discards everything, for tests and tools.
type Nop struct{}

// Emit implements Bus.
func (Nop) Emit(context.Context, int64, string, any) {}

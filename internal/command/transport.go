package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Envelope is the wire form of one delivery attempt. The job ID rides
// on every delivery so the device side can de-duplicate re-sent jobs;
// dedup is the transport collaborator's obligation, not enforced here.
type Envelope struct {
	JobID    string         `json:"job_id"`
	DeviceID string         `json:"device_id"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params,omitempty"`
	Attempt  int            `json:"attempt"`
}

// Transport delivers command envelopes to devices.
type Transport interface {
	Publish(ctx context.Context, deviceID string, env Envelope) error
}

// RedisTransport publishes envelopes to per-device Redis channels that
// the controller gateways subscribe to.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport constructs a RedisTransport.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// DeviceChannel returns the pub/sub channel for a device.
func DeviceChannel(deviceID string) string {
	return fmt.Sprintf("gatehouse:device:%s:cmd", deviceID)
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, deviceID string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("command: marshal envelope: %w", err)
	}
	if err := t.client.Publish(ctx, DeviceChannel(deviceID), raw).Err(); err != nil {
		return fmt.Errorf("command: publish to %s: %w", deviceID, err)
	}
	return nil
}

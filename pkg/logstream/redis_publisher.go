package logstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/netraven/netraven/pkg/types"
)

// DefaultChannel is the channel name spec.md §6 names for the log
// stream ("netraven-logs").
const DefaultChannel = "netraven-logs"

// wireEntry is the JSON shape spec.md §6 mandates for published
// messages.
type wireEntry struct {
	JobRunID string            `json:"job_run_id"`
	DeviceID *string           `json:"device_id,omitempty"`
	Time     string            `json:"timestamp"`
	Level    string            `json:"level"`
	Category string            `json:"category"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
}

// RedisPublisher fans log entries out over Redis Pub/Sub so a UI
// live-log consumer can run decoupled from the core daemon process.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher bound to channel (DefaultChannel
// if empty).
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(entry types.JobLogEntry) error {
	we := wireEntry{
		JobRunID: entry.JobRunID.String(),
		Time:     entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Level:    string(entry.Level),
		Category: string(entry.Category),
		Message:  entry.Message,
		Context:  entry.Context,
	}
	if entry.DeviceID != nil {
		s := entry.DeviceID.String()
		we.DeviceID = &s
	}
	payload, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("logstream: marshal entry: %w", err)
	}
	return p.client.Publish(context.Background(), p.channel, payload).Err()
}

// Package events publishes run and roster change events to a Redis stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"github.com/jonesrussell/north-cloud/staffdir/internal/orchestrator"
)

// EventType names an event on the stream.
type EventType string

const (
	TargetChanged EventType = "target.changed"
	RunCompleted  EventType = "run.completed"
)

// DefaultStream is used when no stream name is configured.
const DefaultStream = "staffdir:events"

// maxStreamLen caps the stream with approximate trimming.
const maxStreamLen = 10000

// Event is the envelope written to the stream's "event" field.
type Event struct {
	EventID   uuid.UUID `json:"event_id"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// TargetChangedPayload summarizes one committed change record.
type TargetChangedPayload struct {
	TargetID       string  `json:"target_id"`
	TargetName     string  `json:"target_name"`
	DirectoryURL   string  `json:"directory_url"`
	ChangeID       string  `json:"change_id"`
	FromSnapshotID *string `json:"from_snapshot_id,omitempty"`
	ToSnapshotID   string  `json:"to_snapshot_id"`
	Added          int     `json:"added"`
	Removed        int     `json:"removed"`
	Updated        int     `json:"updated"`
}

// Publisher writes events with XADD.
type Publisher struct {
	client *redis.Client
	stream string
	log    logger.Logger
}

// NewPublisher returns nil if client is nil; a nil Publisher is a no-op.
func NewPublisher(client *redis.Client, stream string, log logger.Logger) *Publisher {
	if client == nil {
		return nil
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{client: client, stream: stream, log: log}
}

// Publish sends event to the stream, filling in a missing ID and timestamp.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.client == nil {
		return nil
	}

	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	result := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{
			"type":  string(event.EventType),
			"event": string(payload),
		},
	})
	if pubErr := result.Err(); pubErr != nil {
		return fmt.Errorf("publish to stream: %w", pubErr)
	}

	p.log.Debug("Published event",
		logger.String("event_type", string(event.EventType)),
		logger.String("stream_id", result.Val()),
	)
	return nil
}

// TargetChanged publishes a target.changed event for a committed change
// record. Records without any added, removed or updated member are skipped.
func (p *Publisher) TargetChanged(ctx context.Context, target *domain.Target, change *domain.ChangeRecord) error {
	if p == nil || change == nil || change.Empty() {
		return nil
	}
	return p.Publish(ctx, Event{
		EventType: TargetChanged,
		Timestamp: change.CreatedAt,
		Payload: TargetChangedPayload{
			TargetID:       target.ID,
			TargetName:     target.Name,
			DirectoryURL:   target.DirectoryURL,
			ChangeID:       change.ID,
			FromSnapshotID: change.FromSnapshotID,
			ToSnapshotID:   change.ToSnapshotID,
			Added:          len(change.Added),
			Removed:        len(change.Removed),
			Updated:        len(change.Updated),
		},
	})
}

// RunCompleted publishes a run.completed event carrying the run summary.
func (p *Publisher) RunCompleted(ctx context.Context, summary orchestrator.Summary) error {
	if p == nil {
		return nil
	}
	return p.Publish(ctx, Event{
		EventType: RunCompleted,
		Timestamp: summary.FinishedAt,
		Payload:   summary,
	})
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return client, nil
}

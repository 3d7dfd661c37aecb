package redis

import (
	"context"
	"fmt"
	"strconv"

	"session-wallet/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

// EventStream implements ports.EventPublisher by appending committed
// session events to a Redis stream.
type EventStream struct {
	client *goredis.Client
	stream string
	maxLen int64
}

// NewEventStream creates a stream publisher. maxLen <= 0 disables trimming.
func NewEventStream(client *goredis.Client, stream string, maxLen int64) *EventStream {
	return &EventStream{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends rec with XADD, trimming the stream approximately to maxLen.
func (s *EventStream) Publish(ctx context.Context, rec *domain.EventRecord) error {
	args := &goredis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event_id":   rec.ID.String(),
			"type":       string(rec.Type),
			"session_id": rec.SessionID,
			"address":    rec.Address.String(),
			"payload":    string(rec.Payload),
			"created_at": strconv.FormatInt(rec.CreatedAt.Unix(), 10),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

// Name identifies the sink in logs.
func (s *EventStream) Name() string {
	return "redis-stream"
}

package audit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"goldpos/backend/internal/domain"
)

// RedisStreamSink appends audit entries to a redis stream. The stream entry
// id is the returned log id.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "goldpos:audit"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Record(ctx context.Context, entry domain.AuditLog) (string, error) {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":          entry.ID,
			"branch_id":   entry.BranchID,
			"user_id":     entry.UserID,
			"action":      entry.Action,
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"description": entry.Description,
			"old_value":   entry.OldValue,
			"new_value":   entry.NewValue,
			"created_at":  entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Result()
}

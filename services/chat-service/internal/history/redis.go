package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tangerconnect/tangerconnect/services/chat-service/internal/llm"
)

// Store keeps conversation history as a Redis list per conversation,
// trimmed to the newest maxTurns messages. Histories expire after a
// period of inactivity.
type Store struct {
	rdb      *redis.Client
	maxTurns int64
	ttl      time.Duration
}

func NewStore(rdb *redis.Client, maxTurns int, ttl time.Duration) *Store {
	if maxTurns <= 0 {
		maxTurns = 40
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{rdb: rdb, maxTurns: int64(maxTurns), ttl: ttl}
}

func key(conversationID string) string {
	return "chat:history:" + conversationID
}

func (s *Store) Load(ctx context.Context, conversationID string) ([]llm.Message, error) {
	raw, err := s.rdb.LRange(ctx, key(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		var msg llm.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *Store) Append(ctx context.Context, conversationID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	items := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode history entry: %w", err)
		}
		items = append(items, data)
	}

	k := key(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, k, items...)
	pipe.LTrim(ctx, k, -s.maxTurns, -1)
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

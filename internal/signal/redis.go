package signal

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"govorilka/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	// typingPrefix is the Redis key prefix for typing hashes.
	typingPrefix = "typing:"

	// typingTTL bounds how long an orphaned typing flag can linger after
	// an ungraceful disconnect.
	typingTTL = 30 * time.Second
)

// RedisStore keeps typing signals in Redis hashes with a TTL, one hash per
// conversation, and fans out changes over pub/sub. Preferred over DocStore
// when a Redis address is configured, since typing churn then never touches
// the document store.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("signal: redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) key(conversationID string) string {
	return typingPrefix + conversationID
}

func (r *RedisStore) channel(conversationID string) string {
	return "typing." + conversationID
}

func (r *RedisStore) Set(ctx context.Context, conversationID, actorID string, typing bool) error {
	key := r.key(conversationID)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, actorID, strconv.FormatBool(typing))
	pipe.Expire(ctx, key, typingTTL)
	pipe.Publish(ctx, r.channel(conversationID), actorID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Watch(conversationID string) (<-chan models.TypingSignal, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := r.client.Subscribe(ctx, r.channel(conversationID))

	out := make(chan models.TypingSignal, 8)
	go func() {
		defer close(out)

		emit := func() {
			state, err := r.client.HGetAll(ctx, r.key(conversationID)).Result()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("failed to read typing hash", "conversation_id", conversationID, "error", err)
				}
				return
			}
			sig := models.TypingSignal{Typing: make(map[string]bool, len(state))}
			for actor, v := range state {
				typing, _ := strconv.ParseBool(v)
				sig.Typing[actor] = typing
			}
			select {
			case out <- sig:
			default:
			}
		}

		emit()
		for range sub.Channel() {
			emit()
		}
	}()

	var released bool
	return out, func() {
		if released {
			return
		}
		released = true
		cancel()
		_ = sub.Close()
	}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

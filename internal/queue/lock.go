package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"supportchat/internal/apperr"
)

// releaseScript deletes the lock only while it still holds our token, so an
// expired lock re-acquired by another request is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

const lockPollInterval = 50 * time.Millisecond

// ConversationLock serializes sends against one conversation across every
// replica of the service.
type ConversationLock struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

func NewConversationLock(rdb *redis.Client, prefix string, ttl, wait time.Duration) *ConversationLock {
	if prefix == "" {
		prefix = "supportchat:lock"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ConversationLock{redis: rdb, prefix: prefix, ttl: ttl, wait: wait}
}

// Acquire blocks until the conversation is free, the wait budget is spent
// (apperr.ErrConflict) or ctx ends. The returned func releases the lock.
func (l *ConversationLock) Acquire(ctx context.Context, conversationID string) (func(context.Context) error, error) {
	key := fmt.Sprintf("%s:%s", l.prefix, conversationID)
	token := newJobID()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("lock setnx: %w", err)
		}
		if ok {
			return func(ctx context.Context) error {
				return l.release(ctx, key, token)
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: conversation %s", apperr.ErrConflict, conversationID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *ConversationLock) release(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, l.redis, []string{key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

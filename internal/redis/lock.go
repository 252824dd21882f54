package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const lockKeyPrefix = "cutout:process:"

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another instance is left alone.
var releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker hands out per-id processing locks shared by every instance pointed
// at the same redis.
type Locker struct {
	client *Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewLocker builds a Locker. ttl bounds how long a crashed holder can keep
// an id busy; it should exceed the remote call timeout.
func NewLocker(client *Client, ttl time.Duration, logger zerolog.Logger) *Locker {
	return &Locker{client: client, ttl: ttl, logger: logger.With().Str("component", "redis-lock").Logger()}
}

// Lock tries once to take key. ok is false if another holder has it.
func (l *Locker) Lock(ctx context.Context, key string) (func(), bool, error) {
	if l == nil || l.client == nil || l.client.inner == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	redisKey := lockKeyPrefix + key
	token := uuid.NewString()
	ok, err := l.client.inner.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		// the request context may already be gone
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := l.client.inner.Eval(ctx, releaseScript, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", redisKey).Msg("release process lock failed")
		}
	}
	return unlock, true, nil
}

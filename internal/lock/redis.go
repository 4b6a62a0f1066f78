package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"therapybook/internal/model"
)

// Releases the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX with a per-acquisition token.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *zerolog.Logger
}

// NewRedis returns a Locker whose keys expire after ttl so a crashed holder
// cannot block a therapist forever.
func NewRedis(client redis.UniversalClient, ttl time.Duration, logger *zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client: client,
		prefix: "therapybook:lock:",
		ttl:    ttl,
		retry:  25 * time.Millisecond,
		logger: logger,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		switch {
		case err != nil && ctx.Err() == nil:
			return nil, fmt.Errorf("acquire %s: %w", full, err)
		case ok:
			return r.unlocker(full, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w: %w", key, model.ErrConcurrentModification, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlocker(key, token string) func() {
	var once sync.Once
	return func() { once.Do(func() { r.release(key, token) }) }
}

func (r *Redis) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := unlockScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Error().Err(err).Str("key", key).Msg("release lock")
		return
	}
	if n == 0 {
		r.logger.Warn().Str("key", key).Msg("lock expired before release")
	}
}

package redis

import (
	"context"
	"time"

	"quiz-arena-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a cross-instance app.Locker built on a Redis lease: SET match:lock:{id} token NX PX ttl.
// Only the token holder can release it.
type Locker struct {
	client   *redis.Client
	ttl      time.Duration
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

func NewLocker(client *redis.Client, ttl time.Duration, attempts int, backoff time.Duration, logger *zap.Logger) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if attempts <= 0 {
		attempts = 50
	}
	if backoff <= 0 {
		backoff = 20 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{client: client, ttl: ttl, attempts: attempts, backoff: backoff, logger: logger}
}

// Lock acquires the lease for key, retrying with a fixed backoff. It fails with
// domain.ErrMatchBusy once the attempts are used up.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.key(key)
	token := uuid.NewString()
	for attempt := 0; attempt < l.attempts; attempt++ {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// the caller's context may already be done
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
					l.logger.Warn("release match lock failed", zap.String("key", lockKey), zap.Error(err))
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.backoff):
		}
	}
	return nil, domain.ErrMatchBusy
}

func (l *Locker) key(key string) string {
	return "match:lock:" + key
}

package redis

import (
	"context"
	"errors"
	"time"

	"quiz-arena-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// CodeAllocator keeps match codes unique across instances.
// Codes are stored as: SET match:code:{CODE} {matchID} NX PX ttl
type CodeAllocator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCodeAllocator(client *redis.Client, ttl time.Duration) *CodeAllocator {
	return &CodeAllocator{client: client, ttl: ttl}
}

func (a *CodeAllocator) Reserve(ctx context.Context, code, matchID string) (bool, error) {
	return a.client.SetNX(ctx, a.key(code), matchID, a.ttl).Result()
}

func (a *CodeAllocator) Resolve(ctx context.Context, code string) (string, error) {
	matchID, err := a.client.Get(ctx, a.key(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrMatchNotFound
	}
	return matchID, err
}

// Release frees code only if matchID still owns it.
func (a *CodeAllocator) Release(ctx context.Context, code, matchID string) error {
	return releaseScript.Run(ctx, a.client, []string{a.key(code)}, matchID).Err()
}

func (a *CodeAllocator) key(code string) string {
	return "match:code:" + code
}

package auth

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// ErrRejected means the presented credential is missing, unknown, or expired.
var ErrRejected = errors.New("auth: credential rejected")

// Principal identifies an authenticated caller.
type Principal struct {
	UserID string
}

// Verifier is the auth-layer boundary: opaque token in, principal or
// rejection out.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

const sessionPrefix = "session:"

// Compile-time check to ensure RedisVerifier implements Verifier
var _ Verifier = (*RedisVerifier)(nil)

// RedisVerifier resolves tokens against the session records the auth service
// writes to Redis (session:{token} -> user id, TTL-bounded).
type RedisVerifier struct {
	client *redis.Client
}

func NewRedisVerifier(client *redis.Client) *RedisVerifier {
	return &RedisVerifier{client: client}
}

func (v *RedisVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrRejected
	}

	userID, err := v.client.Get(ctx, sessionPrefix+token).Result()
	if err == redis.Nil {
		return Principal{}, ErrRejected
	}
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: userID}, nil
}

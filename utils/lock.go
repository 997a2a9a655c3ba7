package utils

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("timed out waiting for lock")

// release deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) end return 0`)

// RedisLocker is a SET NX based mutex shared by all service instances.
type RedisLocker struct {
	Client *redis.Client
	// Wait bounds how long Lock retries; zero waits for the lock TTL.
	Wait time.Duration
}

// Lock blocks until key is acquired, ctx ends, or the wait elapses. With no
// Redis client it grants immediately; the database row lock still applies.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.Client == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	wait := l.Wait
	if wait <= 0 {
		wait = ttl
	}
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := releaseScript.Run(rctx, l.Client, []string{key}, token).Err(); err != nil && Sugar != nil {
					Sugar.Warnf("release lock %s: %v", key, err)
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

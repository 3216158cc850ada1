package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis instance, for embedded deployments that
// share widget state with a nearby cache (e.g. kiosk fleets). Values carry a
// TTL so abandoned sessions age out on their own.
type Redis struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewRedis wraps an existing client. A zero ttl stores values without
// expiry; a zero timeout defaults to one second per operation.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, timeout: time.Second}
}

// OpenRedis dials addr and verifies connectivity before returning a store.
func OpenRedis(addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return NewRedis(client, ttl), nil
}

func (s *Redis) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Get returns the stored value or ErrNotFound.
func (s *Redis) Get(key string) (string, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// Set stores value under key with the configured TTL.
func (s *Redis) Set(key, value string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.client.Set(ctx, key, value, s.ttl).Err()
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Redis) Remove(key string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.client.Del(ctx, key).Err()
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"memevault/internal/repo"
)

// ErrMissing is returned by Store.Get for absent or expired keys.
var ErrMissing = errors.New("key missing")

// Store is a key/value store with expiry and set-if-absent.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// Del removes key. A non-empty value restricts deletion to that holder.
	Del(ctx context.Context, key, value string) error
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

var releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return "", ErrMissing
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Del(ctx context.Context, key, value string) error {
	if value == "" {
		return s.client.Del(ctx, s.prefix+key).Err()
	}
	return releaseScript.Run(ctx, s.client, []string{s.prefix + key}, value).Err()
}

// SQLStore keeps keys in the locks table of the entity database. It is used
// when no redis address is configured.
type SQLStore struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	return s.Repo.TryLock(ctx, key, value, now, now.Add(ttl))
}

func (s SQLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.Repo.PutLock(ctx, key, value, s.now().Add(ttl))
}

func (s SQLStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.Repo.GetLock(ctx, key, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrMissing
	}
	return v, err
}

func (s SQLStore) Del(ctx context.Context, key, value string) error {
	return s.Repo.DeleteLock(ctx, key, value)
}

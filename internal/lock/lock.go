// Package lock provides short-lived distributed locks and deduplication
// markers. Every operation fails open: when the backing store is unreachable
// the caller proceeds as if the lock had been granted.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Lease identifies a held lock. Token is empty when the lock was granted
// without the store's involvement.
type Lease struct {
	Key   string
	Token string
}

type Service struct {
	Store Store
	Log   zerolog.Logger
}

// Acquire tries to take key for ttl. It reports false only when another holder
// is known to own the key.
func (s Service) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool) {
	token := uuid.NewString()
	ok, err := s.Store.SetNX(ctx, key, token, ttl)
	if err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("lock store unavailable, proceeding without lock")
		return Lease{Key: key}, true
	}
	if !ok {
		return Lease{}, false
	}
	return Lease{Key: key, Token: token}, true
}

// Release drops a lease. Leases granted without the store are ignored.
func (s Service) Release(ctx context.Context, l Lease) {
	if l.Token == "" {
		return
	}
	if err := s.Store.Del(ctx, l.Key, l.Token); err != nil {
		s.Log.Warn().Err(err).Str("key", l.Key).Msg("release lock")
	}
}

// MarkOnce records key for ttl and reports whether this call was the first.
func (s Service) MarkOnce(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := s.Store.SetNX(ctx, key, "1", ttl)
	if err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("dedup store unavailable, proceeding")
		return true
	}
	return ok
}

// Seen reports whether key is currently marked.
func (s Service) Seen(ctx context.Context, key string) bool {
	_, err := s.Store.Get(ctx, key)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrMissing) {
		s.Log.Warn().Err(err).Str("key", key).Msg("dedup lookup failed")
	}
	return false
}

// PutJSON stores v under key for ttl.
func (s Service) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Store.Set(ctx, key, string(data), ttl)
}

// GetJSON decodes the value stored under key into v. It reports false when
// the key is absent.
func (s Service) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.Store.Get(ctx, key)
	if errors.Is(err, ErrMissing) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(raw), v)
}

func (s Service) Delete(ctx context.Context, key string) {
	if err := s.Store.Del(ctx, key, ""); err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("delete key")
	}
}

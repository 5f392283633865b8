package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dial opens and verifies a cache connection from a redis URL.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=rediscache.Dial: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=rediscache.Dial ping: %w", err)
	}
	return rdb, nil
}

// Service is the single shared cache dependency. It owns no policy; callers
// decide whether a cache failure is fatal or fallback-worthy.
type Service struct {
	rdb     *redis.Client
	keys    Keys
	observe func(hit bool, dur time.Duration, err error)
}

func New(rdb *redis.Client, prefix string) *Service {
	return &Service{rdb: rdb, keys: NewKeys(prefix)}
}

// SetLookupObserver wires a hook that sees every GetJSON outcome. Wire it
// during composition, before the cache serves traffic.
func (s *Service) SetLookupObserver(fn func(hit bool, dur time.Duration, err error)) {
	s.observe = fn
}

// Keys exposes the typed key builders.
func (s *Service) Keys() Keys { return s.keys }

// Client exposes the raw connection for scripts and pipelines.
func (s *Service) Client() *redis.Client { return s.rdb }

func (s *Service) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// GetJSON loads key into dst. The bool reports whether the key existed.
func (s *Service) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	start := time.Now()
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if s.observe != nil {
		miss := errors.Is(err, redis.Nil)
		var oerr error
		if err != nil && !miss {
			oerr = err
		}
		s.observe(!miss && err == nil, time.Since(start), oerr)
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=rediscache.GetJSON key=%s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("op=rediscache.GetJSON decode key=%s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v under key with a TTL; ttl<=0 means no expiry.
func (s *Service) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=rediscache.SetJSON encode key=%s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("op=rediscache.SetJSON key=%s: %w", key, err)
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=rediscache.Delete: %w", err)
	}
	return nil
}

func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *Service) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.rdb.TTL(ctx, key).Result()
}

// LPushJSON prepends one encoded value to a list, optionally refreshing the
// list TTL.
func (s *Service) LPushJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=rediscache.LPushJSON encode key=%s: %w", key, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=rediscache.LPushJSON key=%s: %w", key, err)
	}
	return nil
}

// RPopJSON pops the oldest entry of a list into dst; false when empty.
func (s *Service) RPopJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.rdb.RPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=rediscache.RPopJSON key=%s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("op=rediscache.RPopJSON decode key=%s: %w", key, err)
	}
	return true, nil
}

func (s *Service) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("op=rediscache.LLen key=%s: %w", key, err)
	}
	return n, nil
}

// LTrim keeps the newest n entries of a LPush-fed list.
func (s *Service) LTrim(ctx context.Context, key string, n int64) error {
	return s.rdb.LTrim(ctx, key, 0, n-1).Err()
}

// LRangeJSON decodes up to n newest entries of a list into out via fn.
func (s *Service) LRangeJSON(ctx context.Context, key string, n int64, fn func(raw []byte) error) error {
	vals, err := s.rdb.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return fmt.Errorf("op=rediscache.LRangeJSON key=%s: %w", key, err)
	}
	for _, v := range vals {
		if err := fn([]byte(v)); err != nil {
			return err
		}
	}
	return nil
}

// ScanKeys iterates keys matching pattern with cursor-based SCAN; fn is
// invoked once per key. KEYS is never used.
func (s *Service) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("op=rediscache.ScanKeys pattern=%s: %w", pattern, err)
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// KeyCount returns the number of keys in the current database.
func (s *Service) KeyCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("op=rediscache.KeyCount: %w", err)
	}
	return n, nil
}

// UsedMemoryBytes parses used_memory out of INFO memory.
func (s *Service) UsedMemoryBytes(ctx context.Context) (int64, error) {
	info, err := s.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return 0, fmt.Errorf("op=rediscache.UsedMemoryBytes: %w", err)
	}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("op=rediscache.UsedMemoryBytes parse: %w", err)
			}
			return n, nil
		}
	}
	return 0, nil
}

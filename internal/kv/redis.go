package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
)

// casScript compares and swaps server-side so the check and the write are one
// atomic step. Returns "missing", "conflict", or "applied".
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then
  return "missing"
end
if cur ~= ARGV[1] then
  return "conflict"
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return "applied"
`)

// RedisStore is the production Store adapter.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *logger.Logger
}

// NewRedisStore connects to the Redis instance from cfg and verifies the
// connection with a ping before returning.
func NewRedisStore(cfg config.KVConfig, log *logger.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := ""
	if cfg.Namespace != "" {
		prefix = cfg.Namespace + ":"
	}
	log.Info("connected to redis",
		zap.String("addr", opts.Addr),
		zap.String("namespace", cfg.Namespace))
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: log.WithFields(zap.String("component", "kv-redis")),
	}, nil
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	stored, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return stored, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("kv del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (CASOutcome, error) {
	res, err := casScript.Run(ctx, s.client, []string{s.key(key)}, expected, next, ttl.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("kv cas %s: %w", key, err)
	}
	switch out := CASOutcome(res); out {
	case CASApplied, CASConflict, CASMissing:
		return out, nil
	default:
		return "", fmt.Errorf("kv cas %s: unexpected script result %q", key, res)
	}
}

func (s *RedisStore) Health(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

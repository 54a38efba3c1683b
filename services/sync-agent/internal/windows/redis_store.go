package windows

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements SlotStore on a shared Redis instance. Change
// notifications go through a single pub/sub channel; every message is
// tagged with the writer's origin id and subscribers drop their own, so a
// writer never observes its own write.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	origin string
	logger *slog.Logger
}

func NewRedisStore(rdb *redis.Client, prefix, origin string, logger *slog.Logger) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "windows"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, origin: origin, logger: logger}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) channel() string {
	return s.prefix + ":changes"
}

func (s *RedisStore) Write(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return err
	}
	return s.notify(ctx, key)
}

func (s *RedisStore) Read(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return s.notify(ctx, key)
}

func (s *RedisStore) notify(ctx context.Context, key string) error {
	// "<origin> <key>"; origin ids never contain spaces.
	return s.rdb.Publish(ctx, s.channel(), s.origin+" "+key).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, fn func(key string)) (func(), error) {
	ps := s.rdb.Subscribe(ctx, s.channel())
	// Force the subscription before returning so no change slips past.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		for msg := range ps.Channel() {
			origin, key, ok := strings.Cut(msg.Payload, " ")
			if !ok {
				s.logger.Warn("malformed change notification", "payload", msg.Payload)
				continue
			}
			if origin == s.origin {
				continue
			}
			fn(key)
		}
	}()

	return func() { _ = ps.Close() }, nil
}

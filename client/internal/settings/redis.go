package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps settings in a Redis hash and announces changed keys on a
// pub/sub channel.
type RedisStore struct {
	*notifier
	rdb     *redis.Client
	hash    string
	channel string
	logger  *slog.Logger

	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedis connects to the server at addr (a host:port or redis:// URL).
func NewRedis(addr, prefix string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	if prefix == "" {
		prefix = "cr"
	}

	rdb := redis.NewClient(opts)
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}

	s := &RedisStore{
		notifier: newNotifier(),
		rdb:      rdb,
		hash:     prefix + ":settings",
		channel:  prefix + ":settings:changes",
		logger:   logger.With("component", "settings", "driver", "redis"),
		done:     make(chan struct{}),
	}

	all, err := s.All(ctx)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	for k, v := range all {
		s.seed(k, v)
	}

	s.pubsub = rdb.Subscribe(ctx, s.channel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	go s.watch()
	return s, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.HGet(ctx, s.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.hash, key, value)
		pipe.Publish(ctx, s.channel, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	s.emit(key, value)
	return nil
}

func (s *RedisStore) All(ctx context.Context) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, s.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	return m, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	err := s.pubsub.Close()
	<-s.done
	s.closeAll()
	if cerr := s.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *RedisStore) watch() {
	defer close(s.done)
	ctx := context.Background()
	for msg := range s.pubsub.Channel() {
		v, err := s.Get(ctx, msg.Payload)
		if err != nil {
			s.logger.Warn("read changed setting failed", "key", msg.Payload, "error", err)
			continue
		}
		s.emit(msg.Payload, v)
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// DefaultRedisOptions connects to a local server.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Address:   "localhost:6379",
		KeyPrefix: "rdmakv:",
	}
}

// Redis keeps one list per key. Put pushes onto the head and Get reads the
// head, so older values stay in the list behind the newest.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	def := DefaultRedisOptions()
	if opts.Address == "" {
		opts.Address = def.Address
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = def.KeyPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}
	log.Info().Str("address", opts.Address).Int("db", opts.DB).Msg("Connected to redis storage")
	return &Redis{client: client, prefix: opts.KeyPrefix}, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + bound(k)
}

func (r *Redis) Put(ctx context.Context, key, value string) error {
	if err := r.client.LPush(ctx, r.key(key), bound(value)).Err(); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	s, err := r.client.LIndex(ctx, r.key(key), 0).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return s, true, nil
}

// Versions returns how many values are retained for key.
func (r *Redis) Versions(ctx context.Context, key string) (int, error) {
	n, err := r.client.LLen(ctx, r.key(key)).Result()
	return int(n), err
}

// Clear deletes every key under the prefix.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/student-mobility/session-agent/internal/config"
	"github.com/student-mobility/session-agent/internal/logging"
	"github.com/student-mobility/session-agent/internal/retry"
)

// RedisKV stores session keys in Redis under session:<namespace>:<key>,
// so several devices can share one instance.
type RedisKV struct {
	client    *redis.Client
	namespace string
}

// NewRedisKV connects to Redis, retrying the initial ping with backoff
func NewRedisKV(ctx context.Context, cfg *config.RedisConfig, namespace string) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   2,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 4
	err := retry.Do(ctx, retryCfg, func(ctx context.Context, attempt int) error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"addr":      client.Options().Addr,
		"namespace": namespace,
	}).Info("Session store connected to Redis")

	return NewRedisKVFromClient(client, namespace), nil
}

// NewRedisKVFromClient wraps an existing client
func NewRedisKVFromClient(client *redis.Client, namespace string) *RedisKV {
	if namespace == "" {
		namespace = "default"
	}
	return &RedisKV{client: client, namespace: namespace}
}

func (r *RedisKV) key(k string) string {
	return "session:" + r.namespace + ":" + k
}

// Get retrieves a value by key
func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores a value without expiry; the session lives until logout
func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

// Del deletes one or more keys
func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

// Ping checks if Redis is reachable
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisKV) Close() error {
	return r.client.Close()
}

package storage

import (
	"context"
	"fmt"

	"github.com/student-mobility/session-agent/internal/config"
	"github.com/student-mobility/session-agent/internal/logging"
)

// OpenKV builds the backend named by cfg.Session.Backend. The returned
// close function is never nil.
func OpenKV(ctx context.Context, cfg *config.Config) (KV, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Session.Backend {
	case config.BackendMemory:
		return NewMemoryKV(), noop, nil
	case config.BackendFile:
		kv, err := NewFileKV(cfg.Session.FilePath, logging.FromContext(ctx))
		if err != nil {
			return nil, noop, err
		}
		return kv, noop, nil
	case config.BackendRedis:
		kv, err := NewRedisKV(ctx, &cfg.Redis, cfg.Session.Namespace)
		if err != nil {
			return nil, noop, err
		}
		return kv, kv.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/student-mobility/session-agent/internal/logging"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return logging.WithLogger(ctx, logging.Discard())
}

var errBackendDown = errors.New("backend down")

// brokenKV fails every call
type brokenKV struct{}

func (brokenKV) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errBackendDown
}

func (brokenKV) Set(ctx context.Context, key, value string) error { return errBackendDown }

func (brokenKV) Del(ctx context.Context, keys ...string) error { return errBackendDown }

func newTestStore(kv KV, mirror bool) *SessionStore {
	return NewSessionStore(kv, SessionStoreOptions{MirrorLegacy: mirror, Logger: logging.Discard()})
}

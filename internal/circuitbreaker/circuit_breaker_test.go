package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/student-mobility/session-agent/internal/logging"
)

var (
	errUpstream = errors.New("502 bad gateway")
	errClient   = errors.New("400 bad request")
)

func newTestBreaker(clock *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(&Config{
		Name:                "identity",
		ConsecutiveFailures: 3,
		Timeout:             10 * time.Second,
		HalfOpenMaxCalls:    1,
		IsFailure:           func(err error) bool { return !errors.Is(err, errClient) },
		Logger:              logging.Discard(),
	})
	cb.now = func() time.Time { return *clock }
	return cb
}

func fail(err error) func() error { return func() error { return err } }

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := time.Now()
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail(errUpstream)), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	clock := time.Now()
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, fail(errClient))
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	clock := time.Now()
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(errUpstream))
	_ = cb.Execute(ctx, fail(errUpstream))
	_ = cb.Execute(ctx, fail(nil))
	_ = cb.Execute(ctx, fail(errUpstream))

	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 1, cb.GetStats().ConsecutiveFails)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	clock := time.Now()
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errUpstream))
	}
	clock = clock.Add(11 * time.Second)

	assert.NoError(t, cb.Execute(ctx, fail(nil)))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := time.Now()
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errUpstream))
	}
	clock = clock.Add(11 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail(errUpstream)), errUpstream)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, fail(nil)), ErrCircuitOpen)
}

func TestCircuitBreakerCancelledContext(t *testing.T) {
	clock := time.Now()
	cb := newTestBreaker(&clock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, cb.Execute(ctx, fail(nil)), context.Canceled)
}

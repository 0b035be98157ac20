package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend replays a fixed sequence of responses and errors.
type scriptedBackend struct {
	mu        sync.Mutex
	responses []any // Each entry is either Response or error
	callCount int
}

func (b *scriptedBackend) Send(ctx context.Context, msg Message) (Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callCount >= len(b.responses) {
		return Response{}, fmt.Errorf("unexpected call %d (only %d responses configured)", b.callCount+1, len(b.responses))
	}

	resp := b.responses[b.callCount]
	b.callCount++

	switch v := resp.(type) {
	case Response:
		return v, nil
	case error:
		return Response{}, v
	default:
		return Response{}, fmt.Errorf("invalid response type: %T", v)
	}
}

func (b *scriptedBackend) Close() error      { return nil }
func (b *scriptedBackend) SessionID() string { return "test-session" }

func (b *scriptedBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		MaxElapsedTime:      200 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0.1,
	}
}

func TestSendWithRetry_TransientThenSuccess(t *testing.T) {
	b := &scriptedBackend{responses: []any{
		errors.New("transient error 1"),
		errors.New("transient error 2"),
		Response{Content: "success"},
	}}
	cb := NewCircuitBreakerRegistry(BreakerSettings{}, zerolog.Nop()).Get("test")

	resp, err := SendWithRetry(context.Background(), b, Message{Content: "hi"}, cb, fastRetry())
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Content)
	assert.Equal(t, 3, b.CallCount())
}

func TestSendWithRetry_ExhaustedIsUnavailable(t *testing.T) {
	responses := make([]any, 200)
	for i := range responses {
		responses[i] = errors.New("still down")
	}
	b := &scriptedBackend{responses: responses}
	cb := NewCircuitBreakerRegistry(BreakerSettings{MaxFailures: 1000}, zerolog.Nop()).Get("test")

	_, err := SendWithRetry(context.Background(), b, Message{Content: "hi"}, cb, fastRetry())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Greater(t, b.CallCount(), 1)
}

func TestSendWithRetry_OpenCircuitFailsFast(t *testing.T) {
	cb := NewCircuitBreakerRegistry(BreakerSettings{MaxFailures: 2, OpenTimeout: time.Minute}, zerolog.Nop()).Get("test")
	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	b := &scriptedBackend{responses: []any{Response{Content: "never"}}}
	_, err := SendWithRetry(context.Background(), b, Message{Content: "hi"}, cb, fastRetry())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 0, b.CallCount())
}

func TestSendWithRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &scriptedBackend{responses: []any{Response{Content: "never"}}}
	cb := NewCircuitBreakerRegistry(BreakerSettings{}, zerolog.Nop()).Get("test")

	_, err := SendWithRetry(ctx, b, Message{Content: "hi"}, cb, fastRetry())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, b.CallCount())
}

func TestCircuitBreakerRegistry_ReusesBreakers(t *testing.T) {
	reg := NewCircuitBreakerRegistry(BreakerSettings{}, zerolog.Nop())
	assert.Same(t, reg.Get("a"), reg.Get("a"))
	assert.NotSame(t, reg.Get("a"), reg.Get("b"))
}

func TestCircuitBreaker_CancellationDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreakerRegistry(BreakerSettings{MaxFailures: 1}, zerolog.Nop()).Get("test")
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, context.Canceled })
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

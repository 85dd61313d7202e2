package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

func fastConfig(attempts int) *RetryConfig {
	return FixedRetryConfig(attempts, time.Millisecond)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("temporary")
		}
		return 42, nil
	}, fastConfig(5), logging.NewNoOpLogger())

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	cause := errors.New("down")
	calls := 0
	err := RetryFunc(context.Background(), func() error {
		calls++
		return cause
	}, fastConfig(3), logging.NewNoOpLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	cause := errors.New("execution reverted")
	calls := 0
	err := RetryFunc(context.Background(), func() error {
		calls++
		return Permanent(cause)
	}, fastConfig(5), nil)

	assert.Equal(t, cause, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ShouldRetryPredicate(t *testing.T) {
	cfg := fastConfig(5)
	cfg.ShouldRetry = func(err error, attempt int) bool { return attempt < 2 }
	calls := 0
	err := RetryFunc(context.Background(), func() error {
		calls++
		return errors.New("nope")
	}, cfg, nil)

	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, func() (int, error) { return 1, nil }, fastConfig(2), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *RetryConfig)
		wantErr bool
	}{
		{"default is valid", func(c *RetryConfig) {}, false},
		{"zero attempts", func(c *RetryConfig) { c.MaxRetries = 0 }, true},
		{"negative delay", func(c *RetryConfig) { c.InitialDelay = -1 }, true},
		{"max below initial", func(c *RetryConfig) { c.MaxDelay = time.Millisecond }, true},
		{"shrinking backoff", func(c *RetryConfig) { c.BackoffFactor = 0.5 }, true},
		{"jitter too large", func(c *RetryConfig) { c.JitterFactor = 2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestNextDelay_Capped(t *testing.T) {
	assert.Equal(t, 4*time.Second, nextDelay(2*time.Second, 2, 10*time.Second))
	assert.Equal(t, 10*time.Second, nextDelay(8*time.Second, 2, 10*time.Second))
	assert.Equal(t, time.Second, withJitter(time.Second, 0))
}

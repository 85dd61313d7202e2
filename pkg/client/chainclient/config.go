package chainclient

import (
	"fmt"
	"time"

	"github.com/trigg3rX/power-agent-node/pkg/env"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

// Config holds the configuration for a chain client
type Config struct {
	// RPCURL is the HTTP JSON-RPC endpoint used for reads and writes
	RPCURL string

	// WSURL is optional. Without it subscriptions fall back to polling RPCURL.
	WSURL string

	// RequestTimeout bounds a single RPC round trip
	RequestTimeout time.Duration

	// MaxAttempts and RetryDelay form the fixed retry policy
	MaxAttempts int
	RetryDelay  time.Duration

	// PollInterval drives the polling subscriptions
	PollInterval time.Duration

	Logger logging.Logger
}

func NewConfig(rpcURL string, logger logging.Logger) *Config {
	return &Config{
		RPCURL:         rpcURL,
		RequestTimeout: 15 * time.Second,
		MaxAttempts:    3,
		RetryDelay:     2 * time.Second,
		PollInterval:   3 * time.Second,
		Logger:         logger,
	}
}

func (c *Config) WithWebSocket(wsURL string) *Config {
	c.WSURL = wsURL
	return c
}

func (c *Config) WithRetry(attempts int, delay time.Duration) *Config {
	c.MaxAttempts = attempts
	c.RetryDelay = delay
	return c
}

func (c *Config) WithPollInterval(d time.Duration) *Config {
	c.PollInterval = d
	return c
}

func (c *Config) Validate() error {
	if !env.IsValidURL(c.RPCURL) {
		return fmt.Errorf("invalid rpc url: %q", c.RPCURL)
	}
	if c.WSURL != "" && !env.IsValidWSURL(c.WSURL) {
		return fmt.Errorf("invalid ws url: %q", c.WSURL)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1")
	}
	if c.RetryDelay <= 0 || c.RequestTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("timeouts and delays must be positive")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger cannot be nil")
	}
	return nil
}

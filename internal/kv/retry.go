package kv

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// RetryConfig holds configuration for store retry logic
type RetryConfig struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// ConnectDefaults returns sensible defaults for store connection attempts
func ConnectDefaults() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   15, // etcd can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15,
	}
}

// WithOperation performs a store operation with retry logic
func WithOperation(ctx context.Context, config *RetryConfig, operation func() error, operationName string) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err != nil {
			logrus.WithError(err).
				WithField("operation", operationName).
				Warn("Operation failed, retrying...")
			return retry.RetryableError(err)
		}
		return nil
	})
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *RetryConfig) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	return backoff
}

// NewEtcdStoreWithRetry creates a new etcd-backed store with retry logic
func NewEtcdStoreWithRetry(ctx context.Context, dsn string) (*EtcdStore, error) {
	config := ConnectDefaults()

	var store *EtcdStore
	err := WithOperation(ctx, config, func() error {
		var attemptErr error
		store, attemptErr = NewEtcdStore(dsn)
		if attemptErr != nil {
			return attemptErr
		}

		// Test the connection
		if testErr := store.Ping(ctx); testErr != nil {
			store.Close()
			return testErr
		}

		return nil
	}, "store connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish store connection after all retries")
		return nil, err
	}

	return store, nil
}

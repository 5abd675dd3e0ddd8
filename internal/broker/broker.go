package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/metrics"
	"github.com/paymetric/txn-ingester/internal/model"
)

var (
	// ErrEmptyBatch is returned by AcknowledgeBatch and Checkpoint when the
	// batch holds no messages.
	ErrEmptyBatch = errors.New("broker: empty batch")

	// ErrNotConnected is returned by operations that need a live client.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrBrokerFatal is surfaced after reconnect attempts are exhausted.
	ErrBrokerFatal = errors.New("broker: fatal, reconnect attempts exhausted")
)

const (
	connectTimeout       = 5 * time.Second
	reconnectMaxAttempts = 10
	reconnectBackoffCap  = 30 * time.Second
)

// Consumer is the pull interface over both message-bus flavors.
type Consumer interface {
	Connect(ctx context.Context) error
	ConsumeBatch(ctx context.Context, maxMessages int, timeout time.Duration) (*model.MessageBatch, error)
	AcknowledgeBatch(ctx context.Context, batch *model.MessageBatch) error
	Checkpoint(ctx context.Context, batch *model.MessageBatch) error
	Disconnect()
	IsConnected() bool
}

// reconnectBackoff returns the sleep before reconnect attempt k (1-based):
// 2*2^(k-1) seconds, capped.
func reconnectBackoff(attempt int) time.Duration {
	d := 2 * time.Second << (attempt - 1)
	if d > reconnectBackoffCap || d <= 0 {
		return reconnectBackoffCap
	}
	return d
}

// Reconnect tears down and re-establishes the consumer with exponential
// backoff. Returns ErrBrokerFatal once attempts are exhausted.
func Reconnect(ctx context.Context, c Consumer, logger *zap.Logger) error {
	c.Disconnect()
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		wait := reconnectBackoff(attempt)
		logger.Warn("broker: reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		metrics.BrokerReconnectsTotal.Inc()
		if err := c.Connect(ctx); err != nil {
			logger.Error("broker: reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		logger.Info("broker: reconnected", zap.Int("attempt", attempt))
		return nil
	}
	return fmt.Errorf("%w after %d attempts", ErrBrokerFatal, reconnectMaxAttempts)
}

package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/metrics"
	"github.com/paymetric/txn-ingester/internal/model"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

var (
	deadLetterBackoff    = time.Second
	deadLetterBackoffCap = 30 * time.Second
)

const insertFailedSQL = `
INSERT INTO failed_items (
    transaction_id, correlation_id, failure_reason, error_message,
    raw_payload, payload_compressed, failed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)`

// DeadLetterWriter records unprocessable messages. The processor must not
// checkpoint past a message that is neither processed nor dead-lettered, so
// Write retries indefinitely until the context is cancelled.
type DeadLetterWriter struct {
	runner   TxRunner
	compress bool
	logger   *zap.Logger
}

func NewDeadLetterWriter(runner TxRunner, compress bool, logger *zap.Logger) *DeadLetterWriter {
	return &DeadLetterWriter{
		runner:   runner,
		compress: compress,
		logger:   logger.Named("sink.deadletter"),
	}
}

// Write persists one failed item, blocking until it lands or ctx ends.
func (w *DeadLetterWriter) Write(ctx context.Context, item model.FailedItem) error {
	backoff := deadLetterBackoff
	for attempt := 1; ; attempt++ {
		err := w.writeOnce(ctx, item)
		if err == nil {
			metrics.DeadLetteredTotal.WithLabelValues(string(item.Reason)).Inc()
			if attempt > 1 {
				w.logger.Info("dead-letter write recovered",
					zap.String("transaction_id", item.TransactionID),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}

		metrics.ErrorsTotal.WithLabelValues("DeadLetterUnavailable").Inc()
		w.logger.Error("dead-letter sink unavailable, checkpoint blocked",
			zap.String("transaction_id", item.TransactionID),
			zap.String("correlation_id", item.CorrelationID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("sink: dead-letter write abandoned: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > deadLetterBackoffCap {
			backoff = deadLetterBackoffCap
		}
	}
}

// WriteBatch persists items one by one; used by the archiver failure path.
func (w *DeadLetterWriter) WriteBatch(ctx context.Context, items []model.FailedItem) error {
	for i := range items {
		if err := w.Write(ctx, items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (w *DeadLetterWriter) writeOnce(ctx context.Context, item model.FailedItem) error {
	payload := item.RawPayload
	compressed := false
	if w.compress && len(payload) > 0 {
		payload = zstdEncoder.EncodeAll(payload, nil)
		compressed = true
	}
	failedAt := item.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	return w.runner.WithTx(ctx, func(dbtx pgx.Tx) error {
		if _, err := dbtx.Exec(ctx, insertFailedSQL,
			nilIfEmpty(item.TransactionID), nilIfEmpty(item.CorrelationID),
			string(item.Reason), item.ErrorMessage, payload, compressed, failedAt,
		); err != nil {
			return fmt.Errorf("sink: inserting failed item: %w", err)
		}
		metrics.DBRowsAffectedTotal.WithLabelValues("failed_items", "insert").Inc()
		return nil
	})
}

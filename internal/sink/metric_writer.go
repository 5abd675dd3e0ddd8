package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/db"
	"github.com/paymetric/txn-ingester/internal/metrics"
	"github.com/paymetric/txn-ingester/internal/model"
)

// TxRunner runs a function inside one DB transaction. Satisfied by db.Pool.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

var dbRetryBackoff = []time.Duration{time.Second, 2 * time.Second}

const insertDerivedSQL = `
INSERT INTO dynamic_metrics (
    transaction_id, correlation_id, metric_name, metric_value, metric_type,
    metric_category, rule_name, rule_version, context, calculated_at, effective_date
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

const upsertAggregateSQL = `
INSERT INTO payment_metrics_5m (
    window_start, window_end, payment_method, currency, payment_status,
    total_count, total_amount, avg_amount, min_amount, max_amount, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, 1, $6, $6, $6, $6, $7, $7)
ON CONFLICT (window_start, payment_method, currency, payment_status) DO UPDATE SET
    total_count  = payment_metrics_5m.total_count + 1,
    total_amount = payment_metrics_5m.total_amount + EXCLUDED.total_amount,
    avg_amount   = (payment_metrics_5m.total_amount + EXCLUDED.total_amount) / (payment_metrics_5m.total_count + 1),
    min_amount   = LEAST(payment_metrics_5m.min_amount, EXCLUDED.min_amount),
    max_amount   = GREATEST(payment_metrics_5m.max_amount, EXCLUDED.max_amount),
    updated_at   = EXCLUDED.updated_at`

const upsertHistogramSQL = `
INSERT INTO aggregate_histograms (
    metric_type, event_type, time_window_start, time_window_end, event_count, created_at, updated_at
) VALUES ($1, $2, $3, $4, 1, $5, $5)
ON CONFLICT (metric_type, event_type, time_window_start, time_window_end) DO UPDATE SET
    event_count = aggregate_histograms.event_count + 1,
    updated_at  = EXCLUDED.updated_at`

// MetricWriter persists the metric fan-out of one message: derived-metric
// inserts plus rolling aggregate and histogram upserts, all in a single
// transaction.
type MetricWriter struct {
	runner TxRunner
	logger *zap.Logger
}

func NewMetricWriter(runner TxRunner, logger *zap.Logger) *MetricWriter {
	return &MetricWriter{runner: runner, logger: logger.Named("sink.metrics")}
}

// Write commits all rows for one transaction. Transient DB errors are
// retried twice with backoff; the caller dead-letters on final failure.
func (w *MetricWriter) Write(ctx context.Context, tx *model.Transaction, correlationID string, derived []model.DerivedMetric) error {
	var lastErr error
	for attempt := 0; attempt <= len(dbRetryBackoff); attempt++ {
		if attempt > 0 {
			w.logger.Warn("retrying metric write",
				zap.String("transaction_id", tx.ID),
				zap.String("correlation_id", correlationID),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(dbRetryBackoff[attempt-1]):
			}
		}

		start := time.Now()
		err := w.runner.WithTx(ctx, func(dbtx pgx.Tx) error {
			return w.writeAll(ctx, dbtx, tx, correlationID, derived)
		})
		metrics.DBWriteDuration.WithLabelValues("message").Observe(time.Since(start).Seconds())

		if err == nil {
			return nil
		}
		lastErr = err
		if !IsDBTransient(err) {
			metrics.ErrorsTotal.WithLabelValues("DBPermanent").Inc()
			return err
		}
		metrics.ErrorsTotal.WithLabelValues("DBTransient").Inc()
	}
	return fmt.Errorf("sink: metric write retries exhausted: %w", lastErr)
}

func (w *MetricWriter) writeAll(ctx context.Context, dbtx pgx.Tx, tx *model.Transaction, correlationID string, derived []model.DerivedMetric) error {
	now := time.Now().UTC()

	for i := range derived {
		m := &derived[i]
		ctxJSON, err := json.Marshal(m.Context)
		if err != nil {
			return fmt.Errorf("sink: encoding metric context: %w", err)
		}
		if _, err := dbtx.Exec(ctx, insertDerivedSQL,
			tx.ID, correlationID, m.Name, m.Value, string(m.Type),
			nilIfEmpty(m.Category), m.RuleName, nilIfEmpty(m.RuleVersion),
			ctxJSON, m.CalculatedAt, m.EffectiveDate,
		); err != nil {
			return fmt.Errorf("sink: inserting derived metric %s: %w", m.Name, err)
		}
		metrics.DBRowsAffectedTotal.WithLabelValues("dynamic_metrics", "insert").Inc()
	}

	row := NewAggregateRow(tx)
	if _, err := dbtx.Exec(ctx, upsertAggregateSQL,
		row.WindowStart, row.WindowEnd, row.PaymentMethod, row.Currency,
		row.PaymentStatus, tx.Amount, now,
	); err != nil {
		return fmt.Errorf("sink: upserting aggregate: %w", err)
	}
	metrics.DBRowsAffectedTotal.WithLabelValues("payment_metrics_5m", "upsert").Inc()

	w5 := model.Window5For(tx.Timestamp)
	for i := range derived {
		m := &derived[i]
		if _, err := dbtx.Exec(ctx, upsertHistogramSQL,
			string(m.Type), tx.Type, w5.Start, w5.End, now,
		); err != nil {
			return fmt.Errorf("sink: upserting histogram for %s: %w", m.Name, err)
		}
		metrics.DBRowsAffectedTotal.WithLabelValues("aggregate_histograms", "upsert").Inc()
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// IsDBTransient reports whether a DB error is worth retrying: connection
// class, serialization conflicts, operator shutdown, timeouts, and pool
// exhaustion.
func IsDBTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, db.ErrPoolExhausted) || errors.Is(err, db.ErrPoolUnhealthy) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return true
		case strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range []string{"timeout", "connection", "temporary", "broken pipe", "reset by peer"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

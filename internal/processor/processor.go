package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/broker"
	"github.com/paymetric/txn-ingester/internal/metrics"
	"github.com/paymetric/txn-ingester/internal/model"
)

// The processor drives the whole pipeline through these surfaces; the
// concrete types live in parser, archive, rules, and sink.
type (
	messageParser interface {
		Parse(body []byte, schemaName string) model.ParseOutcome
	}
	eventArchiver interface {
		Buffer(ctx context.Context, ev model.RawEvent) error
	}
	ruleEvaluator interface {
		Evaluate(tx *model.Transaction) []model.DerivedMetric
	}
	metricWriter interface {
		Write(ctx context.Context, tx *model.Transaction, correlationID string, derived []model.DerivedMetric) error
	}
	deadLetterer interface {
		Write(ctx context.Context, item model.FailedItem) error
	}
)

// Options bound one consume iteration.
type Options struct {
	MaxMessages    int
	ConsumeTimeout time.Duration
}

// Processor is the single driver: it pulls batches, parses, fans out to the
// archive and metric paths, dead-letters failures, and checkpoints. One
// instance per partition assignment; messages are handled strictly in
// order.
type Processor struct {
	consumer broker.Consumer
	parser   messageParser
	archiver eventArchiver
	engine   ruleEvaluator
	writer   metricWriter
	deadlet  deadLetterer
	opts     Options
	logger   *zap.Logger
}

func New(
	consumer broker.Consumer,
	parser messageParser,
	archiver eventArchiver,
	engine ruleEvaluator,
	writer metricWriter,
	deadlet deadLetterer,
	opts Options,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		consumer: consumer,
		parser:   parser,
		archiver: archiver,
		engine:   engine,
		writer:   writer,
		deadlet:  deadlet,
		opts:     opts,
		logger:   logger.Named("processor"),
	}
}

// Run loops until ctx is cancelled or the broker goes fatal.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := p.consumer.ConsumeBatch(ctx, p.opts.MaxMessages, p.opts.ConsumeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ErrorsTotal.WithLabelValues("BrokerTransient").Inc()
			p.logger.Error("consume failed", zap.Error(err))
			if rerr := broker.Reconnect(ctx, p.consumer, p.logger); rerr != nil {
				if errors.Is(rerr, broker.ErrBrokerFatal) {
					metrics.ErrorsTotal.WithLabelValues("BrokerFatal").Inc()
				}
				return rerr
			}
			continue
		}
		if batch.Empty() {
			continue
		}

		if err := p.processBatch(ctx, batch); err != nil {
			// The batch is not fully accounted for; never checkpoint it.
			// Cancellation mid-batch means redelivery after restart.
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("batch not fully accounted, skipping checkpoint",
				zap.String("batch_id", batch.BatchID), zap.Error(err))
			continue
		}

		if err := p.consumer.AcknowledgeBatch(ctx, batch); err != nil {
			p.logger.Error("acknowledge failed", zap.String("batch_id", batch.BatchID), zap.Error(err))
			continue
		}
		if err := p.consumer.Checkpoint(ctx, batch); err != nil {
			p.logger.Error("checkpoint failed", zap.String("batch_id", batch.BatchID), zap.Error(err))
		}
	}
}

// processBatch accounts for every message: each one either commits on the
// metric path or lands in the dead-letter sink before the batch may be
// checkpointed. Returns an error only on cancellation.
func (p *Processor) processBatch(ctx context.Context, batch *model.MessageBatch) error {
	for i := range batch.Messages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.processMessage(ctx, &batch.Messages[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, msg *model.Message) error {
	start := time.Now()

	outcome := p.parser.Parse(msg.Body, "")
	if !outcome.OK() {
		reason := model.ReasonValidationError
		if outcome.Err.Constraint == "json" {
			reason = model.ReasonParseError
		}
		return p.deadLetter(ctx, model.FailedItem{
			CorrelationID: msg.CorrelationID,
			Reason:        reason,
			ErrorMessage:  outcome.Err.Error(),
			RawPayload:    msg.Body,
			FailedAt:      time.Now().UTC(),
		})
	}

	tx := outcome.Transaction
	corr := uuid.New()

	var payload map[string]any
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		payload = tx.ToMap()
	}

	// Archive buffering never blocks the metric path; a closed store is a
	// processing failure like any other.
	archiveErr := p.archiver.Buffer(ctx, model.RawEvent{
		TransactionID: tx.ID,
		CorrelationID: corr,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	})

	derived := p.engine.Evaluate(tx)

	err := archiveErr
	if err == nil {
		err = p.writer.Write(ctx, tx, corr.String(), derived)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error("message processing failed",
			zap.String("transaction_id", tx.ID),
			zap.String("correlation_id", corr.String()),
			zap.Error(err),
		)
		return p.deadLetter(ctx, model.FailedItem{
			TransactionID: tx.ID,
			CorrelationID: corr.String(),
			Reason:        model.ReasonProcessingError,
			ErrorMessage:  err.Error(),
			RawPayload:    msg.Body,
			FailedAt:      time.Now().UTC(),
		})
	}

	metrics.LastMsgTimestamp.WithLabelValues("payment-events").Set(float64(time.Now().Unix()))
	p.logger.Debug("message processed",
		zap.String("transaction_id", tx.ID),
		zap.String("correlation_id", corr.String()),
		zap.Int("derived_metrics", len(derived)),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// deadLetter blocks until the item lands; giving up is only allowed on
// cancellation, which also suppresses the checkpoint.
func (p *Processor) deadLetter(ctx context.Context, item model.FailedItem) error {
	if err := p.deadlet.Write(ctx, item); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

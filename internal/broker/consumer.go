package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/config"
	"github.com/paymetric/txn-ingester/internal/metrics"
	"github.com/paymetric/txn-ingester/internal/model"
)

// groupConsumer is the consumer-group client shared by both flavors. The
// flavor only changes commit semantics: the eventhub flavor acknowledges as
// a no-op and commits on Checkpoint, the kafka flavor marks offsets on
// AcknowledgeBatch and commits them on Checkpoint.
type groupConsumer struct {
	cfg       config.BrokerConfig
	flavor    model.BrokerFlavor
	logger    *zap.Logger
	client    *kgo.Client
	joined    atomic.Bool
	connected atomic.Bool
}

// NewKafkaConsumer builds a consumer over a plain Kafka cluster.
func NewKafkaConsumer(cfg config.BrokerConfig, logger *zap.Logger) Consumer {
	return &groupConsumer{cfg: cfg, flavor: model.FlavorKafka, logger: logger.Named("broker.kafka")}
}

// NewEventHubConsumer builds a consumer over the Event Hubs Kafka endpoint.
// The connection string is translated to SASL PLAIN at config load.
func NewEventHubConsumer(cfg config.BrokerConfig, logger *zap.Logger) Consumer {
	return &groupConsumer{cfg: cfg, flavor: model.FlavorEventHub, logger: logger.Named("broker.eventhub")}
}

// New picks the constructor matching cfg.Flavor.
func New(cfg config.BrokerConfig, logger *zap.Logger) (Consumer, error) {
	switch cfg.Flavor {
	case "kafka":
		return NewKafkaConsumer(cfg, logger), nil
	case "eventhub":
		return NewEventHubConsumer(cfg, logger), nil
	}
	return nil, fmt.Errorf("broker: unknown flavor %q", cfg.Flavor)
}

func (gc *groupConsumer) Connect(ctx context.Context) error {
	opts := []kgo.Opt{
		kgo.SeedBrokers(gc.cfg.Brokers...),
		kgo.ConsumerGroup(gc.cfg.GroupID),
		kgo.ConsumeTopics(gc.cfg.Topics...),
		kgo.ClientID(gc.cfg.ClientID),
		kgo.FetchMaxBytes(gc.cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			gc.joined.Store(true)
			gc.logger.Info("partitions assigned", zap.Int("topics", len(assigned)))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			gc.joined.Store(false)
			gc.logger.Info("partitions revoked")
		}),
	}

	tlsCfg, err := gc.cfg.BuildTLSConfig()
	if err != nil {
		return fmt.Errorf("broker: building TLS config: %w", err)
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := gc.cfg.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("broker: creating client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return fmt.Errorf("broker: connection failed: %w", err)
	}

	gc.client = client
	gc.connected.Store(true)
	gc.logger.Info("connected",
		zap.Strings("brokers", gc.cfg.Brokers),
		zap.String("group", gc.cfg.GroupID),
		zap.Strings("topics", gc.cfg.Topics),
	)
	return nil
}

func (gc *groupConsumer) ConsumeBatch(ctx context.Context, maxMessages int, timeout time.Duration) (*model.MessageBatch, error) {
	if !gc.connected.Load() {
		return nil, ErrNotConnected
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := gc.client.PollRecords(pollCtx, maxMessages)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var fetchErr error
	for _, e := range fetches.Errors() {
		if e.Err == context.DeadlineExceeded || e.Err == context.Canceled {
			continue
		}
		gc.logger.Error("fetch error",
			zap.String("topic", e.Topic),
			zap.Int32("partition", e.Partition),
			zap.Error(e.Err),
		)
		fetchErr = e.Err
	}

	var msgs []model.Message
	var records []*kgo.Record
	fetches.EachRecord(func(r *kgo.Record) {
		msgs = append(msgs, recordToMessage(r))
		records = append(records, r)
		metrics.BrokerMessagesTotal.WithLabelValues(string(gc.flavor), r.Topic, "received").Inc()
	})

	if len(msgs) == 0 {
		if fetchErr != nil {
			return nil, fmt.Errorf("broker: fetch: %w", fetchErr)
		}
		return nil, nil
	}

	return &model.MessageBatch{
		Messages:   msgs,
		BatchID:    uuid.NewString(),
		ReceivedAt: time.Now().UTC(),
		Flavor:     gc.flavor,
		Records:    records,
	}, nil
}

func (gc *groupConsumer) AcknowledgeBatch(ctx context.Context, batch *model.MessageBatch) error {
	if batch.Empty() {
		return ErrEmptyBatch
	}
	if !gc.connected.Load() {
		return ErrNotConnected
	}
	// Checkpoint subsumes acknowledgement on the eventhub flavor.
	if gc.flavor == model.FlavorEventHub {
		return nil
	}
	gc.markBatch(batch)
	return nil
}

func (gc *groupConsumer) Checkpoint(ctx context.Context, batch *model.MessageBatch) error {
	if batch.Empty() {
		return ErrEmptyBatch
	}
	if !gc.connected.Load() {
		return ErrNotConnected
	}
	if gc.flavor == model.FlavorEventHub {
		gc.markBatch(batch)
	}
	if err := gc.client.CommitMarkedOffsets(ctx); err != nil {
		return fmt.Errorf("broker: committing offsets: %w", err)
	}
	metrics.BrokerMessagesTotal.WithLabelValues(string(gc.flavor), gc.cfg.Topics[0], "checkpointed").Add(float64(batch.Len()))
	return nil
}

func (gc *groupConsumer) markBatch(batch *model.MessageBatch) {
	recs, ok := batch.Records.([]*kgo.Record)
	if !ok {
		return
	}
	gc.client.MarkCommitRecords(recs...)
}

// Disconnect is idempotent.
func (gc *groupConsumer) Disconnect() {
	if !gc.connected.Swap(false) {
		return
	}
	gc.joined.Store(false)
	if gc.client != nil {
		gc.client.Close()
		gc.client = nil
	}
	gc.logger.Info("disconnected")
}

func (gc *groupConsumer) IsConnected() bool {
	return gc.connected.Load() && gc.joined.Load()
}

func recordToMessage(r *kgo.Record) model.Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	msg := model.Message{
		Timestamp:      r.Timestamp.UTC(),
		Headers:        headers,
		Body:           r.Value,
		Partition:      r.Partition,
		Offset:         r.Offset,
		SequenceNumber: r.Offset,
	}
	if id, ok := headers["message_id"]; ok {
		msg.ID = id
	} else if len(r.Key) > 0 {
		msg.ID = string(r.Key)
	} else {
		msg.ID = fmt.Sprintf("%s-%d-%d", r.Topic, r.Partition, r.Offset)
	}
	if corr, ok := headers["correlation_id"]; ok {
		msg.CorrelationID = corr
	}
	return msg
}

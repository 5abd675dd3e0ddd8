package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/config"
	"github.com/paymetric/txn-ingester/internal/model"
	"github.com/paymetric/txn-ingester/internal/parser"
	"github.com/paymetric/txn-ingester/internal/rules"
)

type fakeConsumer struct {
	mu           sync.Mutex
	batches      []*model.MessageBatch
	acked        []string
	checkpointed []string
	cancel       context.CancelFunc
}

func (f *fakeConsumer) Connect(context.Context) error { return nil }

func (f *fakeConsumer) ConsumeBatch(ctx context.Context, _ int, _ time.Duration) (*model.MessageBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		// Out of scripted input; stop the processor.
		f.cancel()
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeConsumer) AcknowledgeBatch(_ context.Context, b *model.MessageBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, b.BatchID)
	return nil
}

func (f *fakeConsumer) Checkpoint(_ context.Context, b *model.MessageBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpointed = append(f.checkpointed, b.BatchID)
	return nil
}

func (f *fakeConsumer) Disconnect()       {}
func (f *fakeConsumer) IsConnected() bool { return true }

type fakeArchiver struct {
	mu     sync.Mutex
	events []model.RawEvent
	err    error
}

func (f *fakeArchiver) Buffer(_ context.Context, ev model.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []string
	err    error
}

func (f *fakeWriter) Write(_ context.Context, tx *model.Transaction, _ string, _ []model.DerivedMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, tx.ID)
	return nil
}

type fakeDeadLetter struct {
	mu    sync.Mutex
	items []model.FailedItem
}

func (f *fakeDeadLetter) Write(_ context.Context, item model.FailedItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return nil
}

func payload(t *testing.T, id string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"transaction_id":   id,
		"correlation_id":   "corr-" + id,
		"timestamp":        "2025-01-01T12:00:00Z",
		"transaction_type": "purchase",
		"channel":          "web",
		"amount":           100.50,
		"currency":         "USD",
		"merchant_id":      "m-1",
		"customer_id":      "c-1",
		"status":           "success",
		"metadata":         map[string]any{"payment_method": "card"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func batchOf(id string, bodies ...[]byte) *model.MessageBatch {
	var msgs []model.Message
	for i, b := range bodies {
		msgs = append(msgs, model.Message{
			ID:     id + "-m",
			Body:   b,
			Offset: int64(i),
		})
	}
	return &model.MessageBatch{Messages: msgs, BatchID: id, Flavor: model.FlavorKafka}
}

type harness struct {
	consumer *fakeConsumer
	archiver *fakeArchiver
	writer   *fakeWriter
	deadlet  *fakeDeadLetter
	proc     *Processor
	cancel   context.CancelFunc
	ctx      context.Context
}

func newHarness(t *testing.T, batches ...*model.MessageBatch) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		consumer: &fakeConsumer{batches: batches, cancel: cancel},
		archiver: &fakeArchiver{},
		writer:   &fakeWriter{},
		deadlet:  &fakeDeadLetter{},
		cancel:   cancel,
		ctx:      ctx,
	}
	p := parser.New(config.ParserConfig{}, nil, nil, zap.NewNop())
	engine := rules.NewEngine(rules.Default(), zap.NewNop())
	h.proc = New(h.consumer, p, h.archiver, engine, h.writer, h.deadlet,
		Options{MaxMessages: 100, ConsumeTimeout: time.Second}, zap.NewNop())
	return h
}

func TestRun_ValidMessage(t *testing.T) {
	h := newHarness(t, batchOf("b1", payload(t, "tx-1")))
	if err := h.proc.Run(h.ctx); err != nil {
		t.Fatal(err)
	}

	if len(h.archiver.events) != 1 || h.archiver.events[0].TransactionID != "tx-1" {
		t.Errorf("expected one archived event, got %v", h.archiver.events)
	}
	if len(h.writer.writes) != 1 || h.writer.writes[0] != "tx-1" {
		t.Errorf("expected one metric write, got %v", h.writer.writes)
	}
	if len(h.deadlet.items) != 0 {
		t.Errorf("expected no dead letters, got %v", h.deadlet.items)
	}
	if len(h.consumer.acked) != 1 || len(h.consumer.checkpointed) != 1 {
		t.Errorf("expected ack+checkpoint, got %v / %v", h.consumer.acked, h.consumer.checkpointed)
	}
}

func TestRun_MalformedMessageDeadLettersAndCheckpoints(t *testing.T) {
	h := newHarness(t, batchOf("b1", []byte("{not json")))
	if err := h.proc.Run(h.ctx); err != nil {
		t.Fatal(err)
	}

	if len(h.archiver.events) != 0 || len(h.writer.writes) != 0 {
		t.Error("malformed message must not reach archive or metric path")
	}
	if len(h.deadlet.items) != 1 || h.deadlet.items[0].Reason != model.ReasonParseError {
		t.Fatalf("expected one parse_error dead letter, got %v", h.deadlet.items)
	}
	// Checkpoint still advances: the message is accounted for.
	if len(h.consumer.checkpointed) != 1 {
		t.Errorf("expected checkpoint after dead-letter, got %v", h.consumer.checkpointed)
	}
}

func TestRun_ValidationFailureReason(t *testing.T) {
	bad := payload(t, "tx-1")
	var m map[string]any
	json.Unmarshal(bad, &m)
	m["currency"] = "X"
	bad, _ = json.Marshal(m)

	h := newHarness(t, batchOf("b1", bad))
	if err := h.proc.Run(h.ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.deadlet.items) != 1 || h.deadlet.items[0].Reason != model.ReasonValidationError {
		t.Fatalf("expected validation_error, got %v", h.deadlet.items)
	}
}

func TestRun_WriteFailureDeadLetters(t *testing.T) {
	h := newHarness(t, batchOf("b1", payload(t, "tx-1")))
	h.writer.err = errors.New("db down")

	if err := h.proc.Run(h.ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.deadlet.items) != 1 || h.deadlet.items[0].Reason != model.ReasonProcessingError {
		t.Fatalf("expected processing_error dead letter, got %v", h.deadlet.items)
	}
	if h.deadlet.items[0].TransactionID != "tx-1" {
		t.Errorf("expected transaction id on dead letter, got %q", h.deadlet.items[0].TransactionID)
	}
	// The archive path is independent: the event was still buffered.
	if len(h.archiver.events) != 1 {
		t.Errorf("expected archive buffer unaffected, got %d events", len(h.archiver.events))
	}
	if len(h.consumer.checkpointed) != 1 {
		t.Errorf("expected checkpoint after dead-letter, got %v", h.consumer.checkpointed)
	}
}

func TestRun_ArchiveFailureDeadLetters(t *testing.T) {
	h := newHarness(t, batchOf("b1", payload(t, "tx-1")))
	h.archiver.err = errors.New("store closed")

	if err := h.proc.Run(h.ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.deadlet.items) != 1 || h.deadlet.items[0].Reason != model.ReasonProcessingError {
		t.Fatalf("expected processing_error dead letter, got %v", h.deadlet.items)
	}
	if len(h.writer.writes) != 0 {
		t.Errorf("expected no metric write after archive failure, got %v", h.writer.writes)
	}
}

func TestRun_MixedBatchOrder(t *testing.T) {
	h := newHarness(t, batchOf("b1",
		payload(t, "tx-1"),
		[]byte("oops"),
		payload(t, "tx-2"),
	))
	if err := h.proc.Run(h.ctx); err != nil {
		t.Fatal(err)
	}

	// Per-partition order preserved on the metric sink.
	if len(h.writer.writes) != 2 || h.writer.writes[0] != "tx-1" || h.writer.writes[1] != "tx-2" {
		t.Errorf("expected ordered writes tx-1, tx-2, got %v", h.writer.writes)
	}
	if len(h.deadlet.items) != 1 {
		t.Errorf("expected one dead letter, got %d", len(h.deadlet.items))
	}
	if len(h.consumer.checkpointed) != 1 {
		t.Errorf("expected one checkpoint, got %v", h.consumer.checkpointed)
	}
}

func TestRun_EmptyBatchNoWrites(t *testing.T) {
	h := newHarness(t)
	if err := h.proc.Run(h.ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.consumer.acked) != 0 || len(h.consumer.checkpointed) != 0 {
		t.Error("empty stream must not acknowledge or checkpoint")
	}
}

func TestRun_CorrelationIDAssigned(t *testing.T) {
	h := newHarness(t, batchOf("b1", payload(t, "tx-1")))
	if err := h.proc.Run(h.ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.archiver.events) != 1 {
		t.Fatal("expected one archived event")
	}
	if h.archiver.events[0].CorrelationID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("expected a fresh correlation id on the archived event")
	}
}

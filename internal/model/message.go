package model

import "time"

// BrokerFlavor tags which wire variant a batch came from.
type BrokerFlavor string

const (
	FlavorEventHub BrokerFlavor = "eventhub"
	FlavorKafka    BrokerFlavor = "kafka"
)

// Message is one broker record before parsing. The body is opaque here;
// even records whose broker framing failed to deserialize cleanly are
// surfaced with their raw bytes.
type Message struct {
	ID             string
	CorrelationID  string
	Timestamp      time.Time
	Headers        map[string]string
	Body           []byte
	Partition      int32
	Offset         int64
	SequenceNumber int64
}

// MessageBatch is an ordered run of messages from one ConsumeBatch call.
// Within a batch, offsets are monotonically non-decreasing per partition.
type MessageBatch struct {
	Messages   []Message
	BatchID    string
	ReceivedAt time.Time
	Flavor     BrokerFlavor

	// Records holds broker-native handles needed for commit. Opaque to
	// everything except the consumer that produced the batch.
	Records any
}

func (b *MessageBatch) Empty() bool {
	return b == nil || len(b.Messages) == 0
}

func (b *MessageBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Messages)
}

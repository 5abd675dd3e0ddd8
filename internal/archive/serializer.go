package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/shopspring/decimal"

	"github.com/paymetric/txn-ingester/internal/model"
)

// ErrEmptyBuffer is returned when serialization is asked for zero events.
var ErrEmptyBuffer = fmt.Errorf("archive: empty buffer")

// amountScale is the fixed fractional precision of stored amounts.
const amountScale = 4

// blobRow is the columnar schema of one archived event. Amounts are stored
// as scaled integers; INT64 holds the full decimal range used here.
// Dictionary encoding on the low-cardinality columns enables predicate
// pushdown downstream.
type blobRow struct {
	TransactionID string `parquet:"transaction_id,dict"`
	CorrelationID string `parquet:"correlation_id"`

	// PayloadCorrelationID preserves the message's own correlation_id key,
	// distinct from the archiver-assigned UUID above.
	PayloadCorrelationID *string `parquet:"payload_correlation_id,optional"`

	EventTimestamp int64   `parquet:"event_timestamp,timestamp(nanosecond)"`
	Amount         int64   `parquet:"amount,decimal(4:18)"`
	Currency       string  `parquet:"currency,dict"`
	PaymentMethod  string  `parquet:"payment_method,dict"`
	Status         string  `parquet:"status,dict"`
	CustomerID     *string `parquet:"customer_id,optional"`
	MerchantID     *string `parquet:"merchant_id,optional"`
	EventType      string  `parquet:"event_type,dict"`
	Channel        string  `parquet:"channel,dict"`
	DeviceType     string  `parquet:"device_type,dict"`
	Metadata       string  `parquet:"metadata"`
	CreatedAt      int64   `parquet:"created_at,timestamp(nanosecond)"`
	UpdatedAt      int64   `parquet:"updated_at,timestamp(nanosecond)"`
}

func codecFor(name string) (compress.Codec, error) {
	switch name {
	case "snappy":
		return &parquet.Snappy, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "brotli":
		return &parquet.Brotli, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "lz4":
		return &parquet.Lz4Raw, nil
	case "none":
		return &parquet.Uncompressed, nil
	}
	return nil, fmt.Errorf("archive: unknown compression codec %q", name)
}

// Serialize encodes events into one compressed columnar blob.
func Serialize(events []model.RawEvent, compression string) ([]byte, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBuffer
	}
	codec, err := codecFor(compression)
	if err != nil {
		return nil, err
	}

	rows := make([]blobRow, 0, len(events))
	for i := range events {
		row, err := eventToRow(&events[i])
		if err != nil {
			return nil, fmt.Errorf("archive: event %s: %w", events[i].TransactionID, err)
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows, parquet.Compression(codec)); err != nil {
		return nil, fmt.Errorf("archive: writing blob: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a blob back into events. The inverse of Serialize up
// to amount formatting: amounts come back with the fixed 4-digit scale.
func Deserialize(data []byte) ([]model.RawEvent, error) {
	rows, err := parquet.Read[blobRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("archive: reading blob: %w", err)
	}
	events := make([]model.RawEvent, 0, len(rows))
	for i := range rows {
		ev, err := rowToEvent(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("archive: row %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func eventToRow(ev *model.RawEvent) (blobRow, error) {
	p := ev.Payload
	amount, err := payloadAmount(p["amount"])
	if err != nil {
		return blobRow{}, err
	}
	ts, err := payloadTimestamp(p["timestamp"])
	if err != nil {
		return blobRow{}, err
	}

	meta := map[string]any{}
	if m, ok := p["metadata"].(map[string]any); ok {
		meta = m
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return blobRow{}, fmt.Errorf("encoding metadata: %w", err)
	}

	row := blobRow{
		TransactionID:  ev.TransactionID,
		CorrelationID:  ev.CorrelationID.String(),
		EventTimestamp: ts.UnixNano(),
		Amount:         amount.Shift(amountScale).IntPart(),
		Currency:       stringAt(p, "currency"),
		PaymentMethod:  stringOr(meta, "payment_method", "unknown"),
		Status:         stringAt(p, "status"),
		EventType:      stringAt(p, "transaction_type"),
		Channel:        stringAt(p, "channel"),
		DeviceType:     stringOr(meta, "device_type", ""),
		Metadata:       string(metaJSON),
		CreatedAt:      ev.CreatedAt.UnixNano(),
		UpdatedAt:      ev.CreatedAt.UnixNano(),
	}
	if v := stringAt(p, "customer_id"); v != "" {
		row.CustomerID = &v
	}
	if v := stringAt(p, "merchant_id"); v != "" {
		row.MerchantID = &v
	}
	if v := stringAt(p, "correlation_id"); v != "" {
		row.PayloadCorrelationID = &v
	}
	return row, nil
}

func rowToEvent(row *blobRow) (model.RawEvent, error) {
	corr, err := parseCorrelation(row.CorrelationID)
	if err != nil {
		return model.RawEvent{}, err
	}

	meta := map[string]any{}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
			return model.RawEvent{}, fmt.Errorf("decoding metadata: %w", err)
		}
	}

	payload := map[string]any{
		"transaction_id":   row.TransactionID,
		"timestamp":        time.Unix(0, row.EventTimestamp).UTC().Format(time.RFC3339Nano),
		"transaction_type": row.EventType,
		"channel":          row.Channel,
		"amount":           decimal.New(row.Amount, -amountScale).String(),
		"currency":         row.Currency,
		"status":           row.Status,
		"metadata":         meta,
	}
	if row.CustomerID != nil {
		payload["customer_id"] = *row.CustomerID
	}
	if row.MerchantID != nil {
		payload["merchant_id"] = *row.MerchantID
	}
	if row.PayloadCorrelationID != nil {
		payload["correlation_id"] = *row.PayloadCorrelationID
	}

	return model.RawEvent{
		TransactionID: row.TransactionID,
		CorrelationID: corr,
		Payload:       payload,
		CreatedAt:     time.Unix(0, row.CreatedAt).UTC(),
	}, nil
}

func parseCorrelation(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("correlation id %q: %w", s, err)
	}
	return id, nil
}

func payloadAmount(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case decimal.Decimal:
		return n, nil
	case nil:
		return decimal.Zero, nil
	}
	return decimal.Zero, fmt.Errorf("amount has unsupported type %T", v)
}

func payloadTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", t, err)
		}
		return parsed.UTC(), nil
	case time.Time:
		return t.UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is absent")
	}
	return time.Time{}, fmt.Errorf("timestamp has unsupported type %T", v)
}

func payloadJSON(p map[string]any) ([]byte, error) {
	return json.Marshal(p)
}

func stringAt(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func stringOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

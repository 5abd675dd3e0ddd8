package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the terminal state of a payment transaction.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDeclined Status = "declined"
	StatusTimeout  Status = "timeout"
	StatusError    Status = "error"
)

// ParseStatus maps a raw status string to a Status, case-insensitively.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(s)) {
	case StatusSuccess:
		return StatusSuccess, true
	case StatusDeclined:
		return StatusDeclined, true
	case StatusTimeout:
		return StatusTimeout, true
	case StatusError:
		return StatusError, true
	}
	return "", false
}

// Transaction is one validated payment event. Instances are created by the
// parser and never mutated afterwards.
type Transaction struct {
	ID            string
	CorrelationID string
	Timestamp     time.Time
	Type          string
	Channel       string
	Amount        decimal.Decimal
	Currency      string
	MerchantID    string
	CustomerID    string
	Status        Status
	Metadata      map[string]any
}

// PaymentMethod returns the payment method recorded in the metadata map,
// or "unknown" when absent.
func (t *Transaction) PaymentMethod() string {
	if v, ok := t.Metadata["payment_method"].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// DeviceType returns the device type recorded in the metadata map, if any.
func (t *Transaction) DeviceType() string {
	if v, ok := t.Metadata["device_type"].(string); ok {
		return v
	}
	return ""
}

// Field resolves a rule field name against the transaction. Metadata keys
// are consulted after the named attributes.
func (t *Transaction) Field(name string) (any, bool) {
	switch name {
	case "transaction_id":
		return t.ID, true
	case "correlation_id":
		return t.CorrelationID, true
	case "amount":
		return t.Amount, true
	case "currency":
		return t.Currency, true
	case "payment_method":
		return t.PaymentMethod(), true
	case "payment_status", "status":
		return string(t.Status), true
	case "merchant_id":
		return t.MerchantID, true
	case "customer_id":
		return t.CustomerID, true
	case "transaction_type":
		return t.Type, true
	case "channel":
		return t.Channel, true
	}
	v, ok := t.Metadata[name]
	return v, ok
}

// ToMap renders the transaction back into its wire shape. Parsing the
// result again yields an equal transaction.
func (t *Transaction) ToMap() map[string]any {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"transaction_id":   t.ID,
		"correlation_id":   t.CorrelationID,
		"timestamp":        t.Timestamp.UTC().Format(time.RFC3339Nano),
		"transaction_type": t.Type,
		"channel":          t.Channel,
		"amount":           t.Amount.String(),
		"currency":         t.Currency,
		"merchant_id":      t.MerchantID,
		"customer_id":      t.CustomerID,
		"status":           string(t.Status),
		"metadata":         meta,
	}
}

package derive

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/model"
)

// Range bounds applied on top of the live validation rules. Archived data
// can contain replayed or legacy events; offline derivation filters them
// instead of poisoning the aggregates.
var (
	maxAmount    = decimal.NewFromInt(1_000_000_000)
	minTimestamp = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
)

const futureSkew = 24 * time.Hour

// Normalizer turns archived payloads back into transactions, applying the
// live vocabulary plus stricter range checks.
type Normalizer struct {
	logger *zap.Logger
}

func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger.Named("derive.normalizer")}
}

// Normalize converts events, dropping and counting the ones that fail the
// checks. The second return value maps drop reason to count.
func (n *Normalizer) Normalize(events []model.RawEvent) ([]*model.Transaction, map[string]int) {
	out := make([]*model.Transaction, 0, len(events))
	dropped := make(map[string]int)
	for i := range events {
		tx, reason := n.normalizeOne(&events[i])
		if tx == nil {
			dropped[reason]++
			continue
		}
		out = append(out, tx)
	}
	if len(dropped) > 0 {
		n.logger.Warn("events dropped during normalization", zap.Any("by_reason", dropped))
	}
	return out, dropped
}

func (n *Normalizer) normalizeOne(ev *model.RawEvent) (*model.Transaction, string) {
	p := ev.Payload

	id, _ := p["transaction_id"].(string)
	if id == "" {
		return nil, "missing_id"
	}

	amtRaw := p["amount"]
	var amount decimal.Decimal
	switch v := amtRaw.(type) {
	case string:
		var err error
		amount, err = decimal.NewFromString(v)
		if err != nil {
			return nil, "bad_amount"
		}
	case float64:
		amount = decimal.NewFromFloat(v)
	default:
		return nil, "bad_amount"
	}
	if !amount.IsPositive() || amount.GreaterThan(maxAmount) {
		return nil, "amount_out_of_range"
	}

	currency, _ := p["currency"].(string)
	if len(currency) != 3 {
		return nil, "bad_currency"
	}

	statusRaw, _ := p["status"].(string)
	status, ok := model.ParseStatus(statusRaw)
	if !ok {
		return nil, "bad_status"
	}

	tsRaw, _ := p["timestamp"].(string)
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return nil, "bad_timestamp"
	}
	ts = ts.UTC()
	if ts.Before(minTimestamp) || ts.After(time.Now().Add(futureSkew)) {
		return nil, "timestamp_out_of_range"
	}

	meta := map[string]any{}
	if m, ok := p["metadata"].(map[string]any); ok {
		meta = m
	}

	tx := &model.Transaction{
		ID:            id,
		CorrelationID: ev.CorrelationID.String(),
		Timestamp:     ts,
		Amount:        amount,
		Currency:      currency,
		Status:        status,
		Metadata:      meta,
	}
	tx.Type, _ = p["transaction_type"].(string)
	tx.Channel, _ = p["channel"].(string)
	tx.MerchantID, _ = p["merchant_id"].(string)
	tx.CustomerID, _ = p["customer_id"].(string)
	return tx, ""
}

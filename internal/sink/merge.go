package sink

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymetric/txn-ingester/internal/model"
)

// AggregateRow mirrors one payment_metrics_5m row. The key is
// (WindowStart, PaymentMethod, Currency, PaymentStatus).
type AggregateRow struct {
	WindowStart   time.Time
	WindowEnd     time.Time
	PaymentMethod string
	Currency      string
	PaymentStatus string
	TotalCount    int64
	TotalAmount   decimal.Decimal
	AvgAmount     decimal.Decimal
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
}

// avgScale bounds the division; amounts carry 4 fractional digits.
const avgScale = 8

// NewAggregateRow seeds a row from one transaction, the VALUES side of the
// upsert.
func NewAggregateRow(tx *model.Transaction) AggregateRow {
	w := model.Window5For(tx.Timestamp)
	return AggregateRow{
		WindowStart:   w.Start,
		WindowEnd:     w.End,
		PaymentMethod: tx.PaymentMethod(),
		Currency:      tx.Currency,
		PaymentStatus: string(tx.Status),
		TotalCount:    1,
		TotalAmount:   tx.Amount,
		AvgAmount:     tx.Amount,
		MinAmount:     tx.Amount,
		MaxAmount:     tx.Amount,
	}
}

// Merge combines two rows for the same key with the conflict arithmetic of
// the upsert. Commutative and associative in totals, mins, and maxes; the
// average is recomputed from the merged totals.
func Merge(a, b AggregateRow) AggregateRow {
	out := a
	out.TotalCount = a.TotalCount + b.TotalCount
	out.TotalAmount = a.TotalAmount.Add(b.TotalAmount)
	out.AvgAmount = out.TotalAmount.DivRound(decimal.NewFromInt(out.TotalCount), avgScale)
	out.MinAmount = decimal.Min(a.MinAmount, b.MinAmount)
	out.MaxAmount = decimal.Max(a.MaxAmount, b.MaxAmount)
	return out
}

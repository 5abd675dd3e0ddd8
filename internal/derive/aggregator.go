package derive

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymetric/txn-ingester/internal/model"
)

// WindowAggregate summarizes the transactions falling in one time window.
type WindowAggregate struct {
	Window model.TimeWindow

	Count int64
	Sum   decimal.Decimal
	Avg   decimal.Decimal
	Min   decimal.Decimal
	Max   decimal.Decimal

	ByStatus   map[string]int64
	ByMethod   map[string]int64
	ByCurrency map[string]int64

	UniqueCustomers int64
	UniqueMerchants int64
}

// Aggregate buckets transactions into aligned windows of duration d and
// summarizes each. Windows come back sorted by start time; empty windows
// are not materialized.
func Aggregate(txs []*model.Transaction, d time.Duration) []WindowAggregate {
	type bucket struct {
		agg       *WindowAggregate
		customers map[string]struct{}
		merchants map[string]struct{}
	}
	buckets := make(map[time.Time]*bucket)

	for _, tx := range txs {
		w := model.WindowFor(tx.Timestamp, windowName(d), d)
		b, ok := buckets[w.Start]
		if !ok {
			b = &bucket{
				agg: &WindowAggregate{
					Window:     w,
					Min:        tx.Amount,
					Max:        tx.Amount,
					ByStatus:   make(map[string]int64),
					ByMethod:   make(map[string]int64),
					ByCurrency: make(map[string]int64),
				},
				customers: make(map[string]struct{}),
				merchants: make(map[string]struct{}),
			}
			buckets[w.Start] = b
		}

		a := b.agg
		a.Count++
		a.Sum = a.Sum.Add(tx.Amount)
		if tx.Amount.LessThan(a.Min) {
			a.Min = tx.Amount
		}
		if tx.Amount.GreaterThan(a.Max) {
			a.Max = tx.Amount
		}
		a.ByStatus[string(tx.Status)]++
		a.ByMethod[tx.PaymentMethod()]++
		a.ByCurrency[tx.Currency]++
		if tx.CustomerID != "" {
			b.customers[tx.CustomerID] = struct{}{}
		}
		if tx.MerchantID != "" {
			b.merchants[tx.MerchantID] = struct{}{}
		}
	}

	out := make([]WindowAggregate, 0, len(buckets))
	for _, b := range buckets {
		a := b.agg
		a.Avg = a.Sum.DivRound(decimal.NewFromInt(a.Count), 8)
		a.UniqueCustomers = int64(len(b.customers))
		a.UniqueMerchants = int64(len(b.merchants))
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Window.Start.Before(out[j].Window.Start)
	})
	return out
}

func windowName(d time.Duration) string {
	switch d {
	case model.Window5Min:
		return "5min"
	case model.WindowHourly:
		return "hourly"
	case model.WindowDaily:
		return "daily"
	case model.WindowWeekly:
		return "weekly"
	}
	return d.String()
}

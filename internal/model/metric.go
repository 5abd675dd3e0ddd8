package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MetricType enumerates how a rule derives its value from a transaction.
type MetricType string

const (
	MetricCount      MetricType = "count"
	MetricSum        MetricType = "sum"
	MetricAverage    MetricType = "average"
	MetricRatio      MetricType = "ratio"
	MetricPercentage MetricType = "percentage"
	MetricDerived    MetricType = "derived"
)

// ValidMetricType reports whether s names a known metric type.
func ValidMetricType(s string) bool {
	switch MetricType(s) {
	case MetricCount, MetricSum, MetricAverage, MetricRatio, MetricPercentage, MetricDerived:
		return true
	}
	return false
}

// DerivedMetric is the output of one rule firing against one transaction.
type DerivedMetric struct {
	TransactionID string
	Name          string
	Value         decimal.Decimal
	Type          MetricType
	Category      string
	RuleName      string
	RuleVersion   string
	Context       map[string]any
	CalculatedAt  time.Time
	EffectiveDate time.Time
}

// RawEvent is the archive unit for one parsed event. It is owned by the
// archiver buffer until flush and by the object-store blob afterwards.
type RawEvent struct {
	TransactionID string
	CorrelationID uuid.UUID
	Payload       map[string]any
	CreatedAt     time.Time
}

package rules

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/metrics"
	"github.com/paymetric/txn-ingester/internal/model"
)

// Engine evaluates a rule set against transactions. Rules are isolated:
// a failure in one never stops the others.
type Engine struct {
	set    *RuleSet
	logger *zap.Logger
}

func NewEngine(set *RuleSet, logger *zap.Logger) *Engine {
	return &Engine{set: set, logger: logger.Named("rules")}
}

// Evaluate runs every enabled rule against tx, returning the metrics of
// the rules that fired.
func (e *Engine) Evaluate(tx *model.Transaction) []model.DerivedMetric {
	now := time.Now().UTC()
	var out []model.DerivedMetric
	for i := range e.set.Rules {
		r := &e.set.Rules[i]
		if !r.Enabled {
			continue
		}
		m, fired := e.evalRule(r, tx, now)
		if fired {
			metrics.RuleFiringsTotal.WithLabelValues(r.Name).Inc()
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) evalRule(r *Rule, tx *model.Transaction, now time.Time) (m model.DerivedMetric, fired bool) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("rule panicked, skipping",
				zap.String("rule", r.Name),
				zap.String("transaction_id", tx.ID),
				zap.Any("panic", rec),
			)
			fired = false
		}
	}()

	matched := true
	if r.Condition != nil {
		var err error
		matched, err = evalCondition(r.Condition, tx)
		if err != nil {
			e.logger.Warn("condition not evaluable, skipping rule",
				zap.String("rule", r.Name),
				zap.String("transaction_id", tx.ID),
				zap.Error(err),
			)
			return model.DerivedMetric{}, false
		}
	}

	value, ok := metricValue(r, tx, matched)
	if !ok {
		return model.DerivedMetric{}, false
	}

	// Conditioned count/sum style rules fire only on match; ratio and
	// percentage always fire, encoding the match in the value.
	if !matched && r.MetricType != string(model.MetricRatio) && r.MetricType != string(model.MetricPercentage) {
		return model.DerivedMetric{}, false
	}

	ctx := map[string]any{
		"rule_name":             r.Name,
		"transaction_timestamp": tx.Timestamp.UTC().Format(time.RFC3339Nano),
		"payment_method":        tx.PaymentMethod(),
		"currency":              tx.Currency,
		"payment_status":        string(tx.Status),
	}
	if r.GroupBy != "" {
		if v, ok := tx.Field(r.GroupBy); ok {
			ctx[r.GroupBy] = v
		}
	}

	return model.DerivedMetric{
		TransactionID: tx.ID,
		Name:          expandTemplate(r.MetricName, tx),
		Value:         value,
		Type:          model.MetricType(r.MetricType),
		Category:      r.Category,
		RuleName:      r.Name,
		RuleVersion:   r.Version,
		Context:       ctx,
		CalculatedAt:  now,
		EffectiveDate: tx.Timestamp.UTC().Truncate(24 * time.Hour),
	}, true
}

// metricValue computes the value per metric type. A missing source field
// skips the rule rather than erroring.
func metricValue(r *Rule, tx *model.Transaction, matched bool) (decimal.Decimal, bool) {
	switch model.MetricType(r.MetricType) {
	case model.MetricCount:
		return decimal.NewFromInt(1), true
	case model.MetricSum, model.MetricAverage, model.MetricDerived:
		field := r.Field
		if field == "" {
			field = "amount"
		}
		v, ok := tx.Field(field)
		if !ok {
			return decimal.Zero, false
		}
		d, err := toDecimal(v)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case model.MetricPercentage:
		if matched {
			return decimal.NewFromInt(100), true
		}
		return decimal.Zero, true
	case model.MetricRatio:
		if matched {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, true
	}
	return decimal.Zero, false
}

func evalCondition(c *Condition, tx *model.Transaction) (bool, error) {
	actual, ok := tx.Field(c.Field)
	if !ok {
		return false, fmt.Errorf("field %q not present", c.Field)
	}

	// Numeric comparison when both sides parse; string comparison
	// otherwise.
	if an, err := toDecimal(actual); err == nil {
		if en, err := toDecimal(c.Value); err == nil {
			return compareDecimal(an, en, c.Operator), nil
		}
	}

	as := fmt.Sprintf("%v", actual)
	es := fmt.Sprintf("%v", c.Value)
	switch c.Operator {
	case "==":
		return as == es, nil
	case "!=":
		return as != es, nil
	case ">":
		return as > es, nil
	case ">=":
		return as >= es, nil
	case "<":
		return as < es, nil
	case "<=":
		return as <= es, nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

func compareDecimal(a, b decimal.Decimal, op string) bool {
	cmp := a.Cmp(b)
	switch op {
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	}
	return false
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		return decimal.NewFromString(n)
	}
	return decimal.Zero, fmt.Errorf("not numeric: %T", v)
}

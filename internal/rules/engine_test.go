package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/model"
)

func testTx() *model.Transaction {
	return &model.Transaction{
		ID:            "tx-1",
		CorrelationID: "corr-1",
		Timestamp:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Type:          "purchase",
		Channel:       "web",
		Amount:        decimal.RequireFromString("100.50"),
		Currency:      "USD",
		MerchantID:    "m-1",
		CustomerID:    "c-1",
		Status:        model.StatusSuccess,
		Metadata:      map[string]any{"payment_method": "card"},
	}
}

func TestDefaultRules(t *testing.T) {
	rs := Default()
	if err := rs.Validate(); err != nil {
		t.Fatalf("default rule set invalid: %v", err)
	}
	out := NewEngine(rs, zap.NewNop()).Evaluate(testTx())
	if len(out) != 3 {
		t.Fatalf("expected 3 metrics from default rules, got %d", len(out))
	}

	byName := map[string]model.DerivedMetric{}
	for _, m := range out {
		byName[m.Name] = m
	}
	amt, ok := byName["transaction_amount"]
	if !ok {
		t.Fatal("missing transaction_amount metric")
	}
	if !amt.Value.Equal(decimal.RequireFromString("100.50")) {
		t.Errorf("transaction_amount = %s, want 100.50", amt.Value)
	}
	if cnt := byName["transaction_count"]; !cnt.Value.Equal(decimal.NewFromInt(1)) {
		t.Errorf("transaction_count = %s, want 1", cnt.Value)
	}
	if _, ok := byName["payment_method_card_usage"]; !ok {
		t.Errorf("expected expanded payment_method placeholder, got %v", keys(byName))
	}
}

func keys(m map[string]model.DerivedMetric) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestEvaluate_ConditionGate(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{{
		Name:       "large_purchase",
		Enabled:    true,
		MetricName: "large_purchase_count",
		MetricType: "count",
		Condition:  &Condition{Field: "amount", Operator: ">", Value: 1000},
		Version:    "1.0",
	}}}
	e := NewEngine(rs, zap.NewNop())

	if out := e.Evaluate(testTx()); len(out) != 0 {
		t.Errorf("expected no firing below threshold, got %d", len(out))
	}

	tx := testTx()
	tx.Amount = decimal.NewFromInt(5000)
	if out := e.Evaluate(tx); len(out) != 1 {
		t.Errorf("expected firing above threshold, got %d", len(out))
	}
}

func TestEvaluate_RatioAlwaysFires(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{{
		Name:       "success_ratio",
		Enabled:    true,
		MetricName: "success_ratio",
		MetricType: "ratio",
		Condition:  &Condition{Field: "status", Operator: "==", Value: "success"},
		Version:    "1.0",
	}}}
	e := NewEngine(rs, zap.NewNop())

	out := e.Evaluate(testTx())
	if len(out) != 1 || !out[0].Value.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected ratio 1 on match, got %v", out)
	}

	tx := testTx()
	tx.Status = model.StatusDeclined
	out = e.Evaluate(tx)
	if len(out) != 1 || !out[0].Value.IsZero() {
		t.Fatalf("expected ratio 0 on mismatch, got %v", out)
	}
}

func TestEvaluate_PercentageValues(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{{
		Name:       "declined_pct",
		Enabled:    true,
		MetricName: "declined_pct",
		MetricType: "percentage",
		Condition:  &Condition{Field: "status", Operator: "==", Value: "declined"},
		Version:    "1.0",
	}}}
	out := NewEngine(rs, zap.NewNop()).Evaluate(testTx())
	if len(out) != 1 || !out[0].Value.IsZero() {
		t.Fatalf("expected percentage 0, got %v", out)
	}
}

func TestEvaluate_MissingFieldSkips(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{{
		Name:       "loyalty",
		Enabled:    true,
		MetricName: "loyalty_points",
		MetricType: "sum",
		Field:      "loyalty_points",
		Version:    "1.0",
	}}}
	if out := NewEngine(rs, zap.NewNop()).Evaluate(testTx()); len(out) != 0 {
		t.Errorf("expected missing field to skip rule, got %v", out)
	}
}

func TestEvaluate_DisabledRule(t *testing.T) {
	rs := Default()
	for i := range rs.Rules {
		rs.Rules[i].Enabled = false
	}
	if out := NewEngine(rs, zap.NewNop()).Evaluate(testTx()); len(out) != 0 {
		t.Errorf("expected no metrics from disabled rules, got %d", len(out))
	}
}

func TestEvaluate_ContextContents(t *testing.T) {
	out := NewEngine(Default(), zap.NewNop()).Evaluate(testTx())
	for _, m := range out {
		for _, key := range []string{"rule_name", "transaction_timestamp", "payment_method", "currency", "payment_status"} {
			if _, ok := m.Context[key]; !ok {
				t.Errorf("metric %s context missing %s", m.Name, key)
			}
		}
	}
}

func TestEvaluate_RuleIsolation(t *testing.T) {
	// A rule with a nil condition value must not break the others.
	rs := &RuleSet{Rules: []Rule{
		{
			Name: "broken", Enabled: true, MetricName: "broken",
			MetricType: "count",
			Condition:  &Condition{Field: "nonexistent_field", Operator: ">", Value: nil},
			Version:    "1.0",
		},
		{
			Name: "count", Enabled: true, MetricName: "transaction_count",
			MetricType: "count", Version: "1.0",
		},
	}}
	out := NewEngine(rs, zap.NewNop()).Evaluate(testTx())
	if len(out) != 1 || out[0].Name != "transaction_count" {
		t.Fatalf("expected the healthy rule to survive, got %v", out)
	}
}

func TestValidate_UnknownPlaceholder(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{{
		Name: "bad", Enabled: true,
		MetricName: "metric_{device_type}", MetricType: "count", Version: "1.0",
	}}}
	if err := rs.Validate(); err == nil {
		t.Fatal("expected unknown placeholder to be a config error")
	}
}

func TestValidate_UnknownOperator(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{{
		Name: "bad", Enabled: true, MetricName: "m", MetricType: "count",
		Condition: &Condition{Field: "amount", Operator: "~=", Value: 1},
		Version:   "1.0",
	}}}
	if err := rs.Validate(); err == nil {
		t.Fatal("expected unknown operator to be a config error")
	}
}

func TestValidate_UnknownMetricType(t *testing.T) {
	rs := &RuleSet{Rules: []Rule{{
		Name: "bad", Enabled: true, MetricName: "m", MetricType: "median", Version: "1.0",
	}}}
	if err := rs.Validate(); err == nil {
		t.Fatal("expected unknown metric type to be a config error")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "rules.yaml")
	data := `
version: "2025.1"
rules:
  - name: "high_value"
    enabled: true
    metric_name: "high_value_{currency}"
    metric_type: "count"
    category: "risk"
    condition:
      field: "amount"
      operator: ">="
      value: 10000
    version: "1.2"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	rs, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if rs.Version != "2025.1" || len(rs.Rules) != 1 {
		t.Errorf("unexpected rule set: %+v", rs)
	}
	if rs.Rules[0].Condition == nil || rs.Rules[0].Condition.Operator != ">=" {
		t.Errorf("condition not loaded: %+v", rs.Rules[0].Condition)
	}
}

func TestLoad_RejectsBadPlaceholder(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "rules.yaml")
	data := `
rules:
  - name: "bad"
    enabled: true
    metric_name: "metric_{merchant_id}"
    metric_type: "count"
    version: "1.0"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatal("expected load failure for unknown placeholder")
	}
}

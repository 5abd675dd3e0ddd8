package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/paymetric/txn-ingester/internal/model"
)

// Condition gates a rule on one transaction field.
type Condition struct {
	Field    string `koanf:"field"`
	Operator string `koanf:"operator"`
	Value    any    `koanf:"value"`
}

// Rule derives one metric from a transaction. MetricName is a template;
// the placeholder vocabulary is fixed and checked at load time.
type Rule struct {
	Name       string     `koanf:"name"`
	Enabled    bool       `koanf:"enabled"`
	MetricName string     `koanf:"metric_name"`
	MetricType string     `koanf:"metric_type"`
	Category   string     `koanf:"category"`
	Condition  *Condition `koanf:"condition"`
	GroupBy    string     `koanf:"group_by"`
	Field      string     `koanf:"field"`
	Version    string     `koanf:"version"`
}

// RuleSet is a versioned collection of rules.
type RuleSet struct {
	Version string `koanf:"version"`
	Rules   []Rule `koanf:"rules"`
}

var (
	placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

	// The template vocabulary is closed: extending it silently is a
	// configuration error, not a feature.
	knownPlaceholders = map[string]bool{
		"payment_method": true,
		"currency":       true,
		"customer_id":    true,
	}

	validOperators = map[string]bool{
		"==": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
	}
)

// Load reads a rule set from a YAML file and validates it.
func Load(path string) (*RuleSet, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("rules: loading %s: %w", path, err)
	}
	var rs RuleSet
	if err := k.Unmarshal("", &rs); err != nil {
		return nil, fmt.Errorf("rules: unmarshaling %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) Validate() error {
	if len(rs.Rules) == 0 {
		return fmt.Errorf("rules: rule set is empty")
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Name == "" {
			return fmt.Errorf("rules: rule %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rules: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
		if r.MetricName == "" {
			return fmt.Errorf("rules: rule %q has no metric_name", r.Name)
		}
		if !model.ValidMetricType(r.MetricType) {
			return fmt.Errorf("rules: rule %q has unknown metric_type %q", r.Name, r.MetricType)
		}
		for _, m := range placeholderRe.FindAllStringSubmatch(r.MetricName, -1) {
			if !knownPlaceholders[m[1]] {
				return fmt.Errorf("rules: rule %q uses unknown placeholder {%s}", r.Name, m[1])
			}
		}
		if r.Condition != nil {
			if r.Condition.Field == "" {
				return fmt.Errorf("rules: rule %q condition has no field", r.Name)
			}
			if !validOperators[r.Condition.Operator] {
				return fmt.Errorf("rules: rule %q condition has unknown operator %q", r.Name, r.Condition.Operator)
			}
		}
	}
	return nil
}

// expandTemplate substitutes the placeholder vocabulary from the
// transaction.
func expandTemplate(template string, tx *model.Transaction) string {
	r := strings.NewReplacer(
		"{payment_method}", tx.PaymentMethod(),
		"{currency}", tx.Currency,
		"{customer_id}", tx.CustomerID,
	)
	return r.Replace(template)
}

// Default returns the built-in rule set: the three static metrics produced
// per transaction when no rule file is configured.
func Default() *RuleSet {
	return &RuleSet{
		Version: "builtin-1",
		Rules: []Rule{
			{
				Name:       "transaction_amount",
				Enabled:    true,
				MetricName: "transaction_amount",
				MetricType: "derived",
				Category:   "financial",
				Field:      "amount",
				Version:    "1.0",
			},
			{
				Name:       "transaction_count",
				Enabled:    true,
				MetricName: "transaction_count",
				MetricType: "count",
				Category:   "volume",
				Version:    "1.0",
			},
			{
				Name:       "payment_method_usage",
				Enabled:    true,
				MetricName: "payment_method_{payment_method}_usage",
				MetricType: "count",
				Category:   "payment_behavior",
				GroupBy:    "payment_method",
				Version:    "1.0",
			},
		},
	}
}

package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/config"
	"github.com/paymetric/txn-ingester/internal/metrics"
	"github.com/paymetric/txn-ingester/internal/model"
)

// DeadLetterHandler receives each validation failure. Panics inside the
// handler are contained; the parse loop continues.
type DeadLetterHandler func(item model.FailedItem)

// Parser turns raw message bodies into transactions with a fail-fast
// validation discipline: the first violated constraint is returned.
type Parser struct {
	cfg      config.ParserConfig
	schemas  SchemaManager
	logger   *zap.Logger
	onReject DeadLetterHandler

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	latencyNs  atomic.Int64

	mu           sync.Mutex
	byConstraint map[string]int64
}

// Stats is a point-in-time snapshot of parser counters.
type Stats struct {
	Total              int64
	Successful         int64
	Failed             int64
	FailedByConstraint map[string]int64
	AvgLatency         time.Duration
	SuccessRate        float64
}

func New(cfg config.ParserConfig, schemas SchemaManager, onReject DeadLetterHandler, logger *zap.Logger) *Parser {
	return &Parser{
		cfg:          cfg,
		schemas:      schemas,
		logger:       logger.Named("parser"),
		onReject:     onReject,
		byConstraint: make(map[string]int64),
	}
}

// Parse validates one payload. schemaName may be empty, in which case the
// configured default schema applies.
func (p *Parser) Parse(body []byte, schemaName string) model.ParseOutcome {
	start := time.Now()
	outcome := p.parse(body, schemaName)
	elapsed := time.Since(start)

	p.total.Add(1)
	p.latencyNs.Add(elapsed.Nanoseconds())
	metrics.ParseDuration.Observe(elapsed.Seconds())

	if outcome.OK() {
		p.successful.Add(1)
		return outcome
	}

	p.failed.Add(1)
	p.mu.Lock()
	p.byConstraint[outcome.Err.Constraint]++
	p.mu.Unlock()
	metrics.ParseFailuresTotal.WithLabelValues(outcome.Err.Field, outcome.Err.Constraint).Inc()

	p.reject(outcome)
	return outcome
}

// ParseBatch parses every payload; one bad payload never stops the rest.
func (p *Parser) ParseBatch(bodies [][]byte, schemaName string) []model.ParseOutcome {
	outcomes := make([]model.ParseOutcome, 0, len(bodies))
	for _, body := range bodies {
		outcomes = append(outcomes, p.Parse(body, schemaName))
	}
	return outcomes
}

// ReloadSchemas invalidates the schema cache and returns the number of
// entries dropped.
func (p *Parser) ReloadSchemas() int {
	n := p.schemas.Invalidate()
	p.logger.Info("schemas invalidated", zap.Int("dropped", n))
	return n
}

func (p *Parser) Metrics() Stats {
	total := p.total.Load()
	s := Stats{
		Total:              total,
		Successful:         p.successful.Load(),
		Failed:             p.failed.Load(),
		FailedByConstraint: make(map[string]int64),
	}
	p.mu.Lock()
	for k, v := range p.byConstraint {
		s.FailedByConstraint[k] = v
	}
	p.mu.Unlock()
	if total > 0 {
		s.AvgLatency = time.Duration(p.latencyNs.Load() / total)
		s.SuccessRate = float64(s.Successful) / float64(total)
	}
	return s
}

func (p *Parser) reject(outcome model.ParseOutcome) {
	if p.onReject == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dead-letter handler panicked", zap.Any("panic", r))
		}
	}()
	reason := model.ReasonValidationError
	if outcome.Err.Constraint == "json" {
		reason = model.ReasonParseError
	}
	p.onReject(model.FailedItem{
		Reason:       reason,
		ErrorMessage: outcome.Err.Error(),
		RawPayload:   outcome.Raw,
		FailedAt:     time.Now().UTC(),
	})
}

func (p *Parser) parse(body []byte, schemaName string) model.ParseOutcome {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return failure(body, "", "json", "valid JSON object", truncate(string(body)), err.Error())
	}

	schema := p.schemaFor(schemaName)

	// Base required set, then any schema extras.
	required := []string{
		"transaction_id", "correlation_id", "timestamp", "transaction_type",
		"channel", "amount", "currency", "merchant_id", "customer_id", "status",
	}
	if schema != nil {
		required = append(required, schema.Required...)
	}
	for _, field := range required {
		if field == "timestamp" && p.cfg.TimestampFallback {
			continue
		}
		if _, ok := raw[field]; !ok {
			return failure(body, field, "required", "field present", "absent", "")
		}
	}

	tx := &model.Transaction{}

	for _, field := range []string{"transaction_id", "correlation_id", "merchant_id", "customer_id"} {
		v, ok := stringField(raw, field)
		if !ok || v == "" {
			return failure(body, field, "non_empty_string", "non-empty string", describe(raw[field]), "")
		}
		switch field {
		case "transaction_id":
			tx.ID = v
		case "correlation_id":
			tx.CorrelationID = v
		case "merchant_id":
			tx.MerchantID = v
		case "customer_id":
			tx.CustomerID = v
		}
	}

	amount, err := numericField(raw["amount"])
	if err != nil {
		return failure(body, "amount", "numeric", "numeric value", describe(raw["amount"]), "")
	}
	if !amount.IsPositive() {
		return failure(body, "amount", "positive", "> 0", amount.String(), "")
	}
	tx.Amount = amount

	currency, _ := stringField(raw, "currency")
	if len(currency) != 3 {
		return failure(body, "currency", "iso4217", "three-letter code", describe(raw["currency"]), "")
	}
	tx.Currency = strings.ToUpper(currency)

	statusRaw, _ := stringField(raw, "status")
	status, ok := model.ParseStatus(statusRaw)
	if !ok {
		return failure(body, "status", "enum", "success|declined|timeout|error", describe(raw["status"]), "")
	}
	tx.Status = status

	ts, verr := p.parseTimestamp(raw)
	if verr != nil {
		return model.ParseOutcome{Err: verr, Raw: body}
	}
	tx.Timestamp = ts

	tx.Type, _ = stringField(raw, "transaction_type")
	tx.Channel, _ = stringField(raw, "channel")

	// Non-object metadata is coerced to empty rather than rejected.
	if meta, ok := raw["metadata"].(map[string]any); ok {
		tx.Metadata = meta
	} else {
		tx.Metadata = map[string]any{}
	}

	if schema != nil {
		if verr := checkSchemaTypes(schema, raw); verr != nil {
			return model.ParseOutcome{Err: verr, Raw: body}
		}
	}

	return model.ParseOutcome{Transaction: tx, Raw: body}
}

// schemaFor resolves the schema, treating load failures as absence: the
// payload still passes base validation.
func (p *Parser) schemaFor(name string) *Schema {
	if p.schemas == nil {
		return nil
	}
	if name == "" {
		name = p.cfg.DefaultSchemaName
	}
	if name == "" {
		return nil
	}
	s, err := p.schemas.Get(name)
	if err != nil {
		p.logger.Warn("schema unavailable, proceeding with base validation",
			zap.String("schema", name), zap.Error(err))
		return nil
	}
	return s
}

func (p *Parser) parseTimestamp(raw map[string]any) (time.Time, *model.ValidationError) {
	v, present := raw["timestamp"]
	if !present || v == nil || v == "" {
		if p.cfg.TimestampFallback {
			return time.Now().UTC(), nil
		}
		return time.Time{}, &model.ValidationError{
			Field: "timestamp", Constraint: "required",
			Expected: "ISO-8601 timestamp", Actual: "absent",
		}
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, &model.ValidationError{
			Field: "timestamp", Constraint: "iso8601",
			Expected: "ISO-8601 with offset", Actual: describe(v),
		}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999-0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &model.ValidationError{
		Field: "timestamp", Constraint: "iso8601",
		Expected: "ISO-8601 with offset", Actual: truncate(s),
	}
}

func checkSchemaTypes(schema *Schema, raw map[string]any) *model.ValidationError {
	for field, typ := range schema.Types {
		v, ok := raw[field]
		if !ok {
			continue
		}
		var match bool
		switch typ {
		case "string":
			_, match = v.(string)
		case "number":
			_, err := numericField(v)
			match = err == nil
		case "object":
			_, match = v.(map[string]any)
		}
		if !match {
			return &model.ValidationError{
				Field: field, Constraint: "schema_type",
				Expected: typ, Actual: describe(v),
			}
		}
	}
	return nil
}

func stringField(raw map[string]any, field string) (string, bool) {
	v, ok := raw[field].(string)
	return v, ok
}

// numericField accepts JSON numbers and numeric strings.
func numericField(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	}
	return decimal.Zero, fmt.Errorf("not numeric: %T", v)
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	switch t := v.(type) {
	case string:
		return fmt.Sprintf("%q", truncate(t))
	default:
		return fmt.Sprintf("%v (%T)", v, v)
	}
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}

func failure(body []byte, field, constraint, expected, actual, msg string) model.ParseOutcome {
	return model.ParseOutcome{
		Err: &model.ValidationError{
			Field:      field,
			Constraint: constraint,
			Expected:   expected,
			Actual:     actual,
			Message:    msg,
		},
		Raw: body,
	}
}

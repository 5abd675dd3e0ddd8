package derive

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/model"
)

func rawEvent(id, amount, ts string) model.RawEvent {
	return model.RawEvent{
		TransactionID: id,
		CorrelationID: uuid.New(),
		Payload: map[string]any{
			"transaction_id":   id,
			"timestamp":        ts,
			"transaction_type": "purchase",
			"channel":          "web",
			"amount":           amount,
			"currency":         "USD",
			"merchant_id":      "m-1",
			"customer_id":      "c-" + id,
			"status":           "success",
			"metadata":         map[string]any{"payment_method": "card"},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestNormalize_Valid(t *testing.T) {
	n := NewNormalizer(zap.NewNop())
	txs, dropped := n.Normalize([]model.RawEvent{
		rawEvent("tx-1", "100.50", "2025-01-01T12:00:00Z"),
	})
	if len(txs) != 1 || len(dropped) != 0 {
		t.Fatalf("expected 1 transaction, got %d (dropped %v)", len(txs), dropped)
	}
	if !txs[0].Amount.Equal(decimal.RequireFromString("100.50")) {
		t.Errorf("unexpected amount %s", txs[0].Amount)
	}
}

func TestNormalize_StricterRangeChecks(t *testing.T) {
	n := NewNormalizer(zap.NewNop())
	txs, dropped := n.Normalize([]model.RawEvent{
		rawEvent("tx-huge", "2000000000", "2025-01-01T12:00:00Z"),
		rawEvent("tx-neg", "-5", "2025-01-01T12:00:00Z"),
		rawEvent("tx-old", "10", "1999-12-31T00:00:00Z"),
		rawEvent("tx-future", "10", time.Now().Add(48*time.Hour).UTC().Format(time.RFC3339)),
		rawEvent("tx-ok", "10", "2025-01-01T12:00:00Z"),
	})
	if len(txs) != 1 || txs[0].ID != "tx-ok" {
		t.Fatalf("expected only tx-ok to survive, got %v", txs)
	}
	if dropped["amount_out_of_range"] != 2 || dropped["timestamp_out_of_range"] != 2 {
		t.Errorf("unexpected drop counts: %v", dropped)
	}
}

func TestAggregate_Windows(t *testing.T) {
	mk := func(id, amount string, min int, status model.Status, customer string) *model.Transaction {
		return &model.Transaction{
			ID:         id,
			Timestamp:  time.Date(2025, 1, 1, 12, min, 0, 0, time.UTC),
			Amount:     decimal.RequireFromString(amount),
			Currency:   "USD",
			Status:     status,
			CustomerID: customer,
			MerchantID: "m-1",
			Metadata:   map[string]any{"payment_method": "card"},
		}
	}
	txs := []*model.Transaction{
		mk("a", "10.00", 1, model.StatusSuccess, "c1"),
		mk("b", "30.00", 3, model.StatusDeclined, "c2"),
		mk("c", "20.00", 4, model.StatusSuccess, "c1"),
		mk("d", "5.00", 7, model.StatusSuccess, "c3"),
	}

	aggs := Aggregate(txs, model.Window5Min)
	if len(aggs) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(aggs))
	}

	w0 := aggs[0]
	if !w0.Window.Start.Equal(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected first window start %v", w0.Window.Start)
	}
	if w0.Count != 3 || !w0.Sum.Equal(decimal.RequireFromString("60.00")) {
		t.Errorf("unexpected count/sum: %d / %s", w0.Count, w0.Sum)
	}
	if !w0.Avg.Equal(decimal.RequireFromString("20")) {
		t.Errorf("avg = %s, want 20", w0.Avg)
	}
	if !w0.Min.Equal(decimal.RequireFromString("10.00")) || !w0.Max.Equal(decimal.RequireFromString("30.00")) {
		t.Errorf("min/max = %s/%s", w0.Min, w0.Max)
	}
	if w0.ByStatus["success"] != 2 || w0.ByStatus["declined"] != 1 {
		t.Errorf("unexpected status breakdown: %v", w0.ByStatus)
	}
	if w0.UniqueCustomers != 2 || w0.UniqueMerchants != 1 {
		t.Errorf("unexpected cardinalities: %d customers, %d merchants", w0.UniqueCustomers, w0.UniqueMerchants)
	}
}

func TestStandardize(t *testing.T) {
	X := [][]float64{{1, 100}, {2, 100}, {3, 100}}
	S := Standardize(X)

	for j := 0; j < 2; j++ {
		var mean float64
		for i := range S {
			mean += S[i][j]
		}
		mean /= float64(len(S))
		if math.Abs(mean) > 1e-9 {
			t.Errorf("column %d mean = %f, want 0", j, mean)
		}
	}
	// Constant column becomes all zeros.
	for i := range S {
		if S[i][1] != 0 {
			t.Errorf("constant column not zeroed: %v", S[i])
		}
	}
	var variance float64
	for i := range S {
		variance += S[i][0] * S[i][0]
	}
	variance /= float64(len(S))
	if math.Abs(variance-1) > 1e-9 {
		t.Errorf("column 0 variance = %f, want 1", variance)
	}
}

func twoBlobs() [][]float64 {
	var X [][]float64
	for i := 0; i < 10; i++ {
		X = append(X, []float64{float64(i%3) * 0.1, float64(i%3) * 0.1})
	}
	for i := 0; i < 10; i++ {
		X = append(X, []float64{10 + float64(i%3)*0.1, 10 + float64(i%3)*0.1})
	}
	return X
}

func TestKMeans_SeparatesBlobs(t *testing.T) {
	X := twoBlobs()
	labels, err := KMeans(X, 2, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatal(err)
	}
	if labels[0] == labels[10] {
		t.Error("expected the two blobs in different clusters")
	}
	for i := 1; i < 10; i++ {
		if labels[i] != labels[0] {
			t.Errorf("point %d split from its blob", i)
		}
		if labels[10+i] != labels[10] {
			t.Errorf("point %d split from its blob", 10+i)
		}
	}
}

func TestKMeans_BadK(t *testing.T) {
	if _, err := KMeans([][]float64{{1}}, 5, nil); err == nil {
		t.Error("expected error for k > n")
	}
	if _, err := KMeans([][]float64{{1}}, 0, nil); err == nil {
		t.Error("expected error for k = 0")
	}
}

func TestDBSCAN_NoiseDetection(t *testing.T) {
	X := twoBlobs()
	X = append(X, []float64{100, -100}) // isolated outlier

	labels := DBSCAN(X, 1.0, 3)
	if labels[len(labels)-1] != -1 {
		t.Error("expected outlier labeled as noise")
	}
	if labels[0] == labels[10] {
		t.Error("expected the two blobs in different clusters")
	}
	if labels[0] < 0 || labels[10] < 0 {
		t.Error("dense points must not be noise")
	}
}

func TestWard_SeparatesBlobs(t *testing.T) {
	X := twoBlobs()
	labels, err := Ward(X, 2)
	if err != nil {
		t.Fatal(err)
	}
	if labels[0] == labels[10] {
		t.Error("expected the two blobs in different clusters")
	}
	for i := 1; i < 10; i++ {
		if labels[i] != labels[0] || labels[10+i] != labels[10] {
			t.Errorf("blob membership broken at %d", i)
		}
	}
}

func TestFilterClusterSizes(t *testing.T) {
	labels := []int{0, 0, 0, 1, 2, 2}
	out := FilterClusterSizes(labels, 2, 0)
	if out[3] != -1 {
		t.Error("expected singleton cluster relabeled as noise")
	}
	if out[0] != 0 || out[4] != 2 {
		t.Error("expected large-enough clusters kept")
	}
}

func TestFeatures_CategoricalEncoding(t *testing.T) {
	txs := []*model.Transaction{
		{
			ID: "a", Amount: decimal.NewFromInt(10), Status: model.StatusSuccess,
			Metadata: map[string]any{},
		},
		{
			ID: "b", Amount: decimal.NewFromInt(20), Status: model.StatusDeclined,
			Metadata: map[string]any{},
		},
	}
	spec := FeatureSpec{
		Numeric:     []string{"amount"},
		Categorical: map[string]map[string]float64{"status": StatusEncoding()},
	}
	X, err := Features(txs, spec, []string{"status"})
	if err != nil {
		t.Fatal(err)
	}
	if len(X) != 2 || len(X[0]) != 2 {
		t.Fatalf("unexpected matrix shape: %v", X)
	}
	if X[0][0] != 10 || X[0][1] != 0 || X[1][1] != 1 {
		t.Errorf("unexpected encodings: %v", X)
	}
}

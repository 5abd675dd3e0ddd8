package derive

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/paymetric/txn-ingester/internal/model"
)

// FeatureSpec selects and encodes transaction fields into a feature matrix.
// Categorical fields need an explicit encoding; unseen values map to -1.
type FeatureSpec struct {
	Numeric     []string
	Categorical map[string]map[string]float64
}

// Features builds one row per transaction in the order of spec.Numeric then
// the categorical fields (sorted insertion order is the caller's problem;
// use a fixed spec).
func Features(txs []*model.Transaction, spec FeatureSpec, categoricalOrder []string) ([][]float64, error) {
	X := make([][]float64, 0, len(txs))
	for _, tx := range txs {
		row := make([]float64, 0, len(spec.Numeric)+len(categoricalOrder))
		for _, field := range spec.Numeric {
			v, ok := tx.Field(field)
			if !ok {
				return nil, fmt.Errorf("derive: transaction %s has no field %q", tx.ID, field)
			}
			f, err := toFloat(v)
			if err != nil {
				return nil, fmt.Errorf("derive: transaction %s field %q: %w", tx.ID, field, err)
			}
			row = append(row, f)
		}
		for _, field := range categoricalOrder {
			encoding, ok := spec.Categorical[field]
			if !ok {
				return nil, fmt.Errorf("derive: no encoding for categorical field %q", field)
			}
			v, _ := tx.Field(field)
			s := fmt.Sprintf("%v", v)
			if code, ok := encoding[s]; ok {
				row = append(row, code)
			} else {
				row = append(row, -1)
			}
		}
		X = append(X, row)
	}
	return X, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case interface{ InexactFloat64() float64 }:
		return n.InexactFloat64(), nil
	}
	return 0, fmt.Errorf("not numeric: %T", v)
}

// Standardize scales each column to zero mean and unit variance. Constant
// columns come out as all zeros.
func Standardize(X [][]float64) [][]float64 {
	if len(X) == 0 {
		return nil
	}
	rows, cols := len(X), len(X[0])
	mean := make([]float64, cols)
	for _, row := range X {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(rows)
	}
	std := make([]float64, cols)
	for _, row := range X {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / float64(rows))
	}

	out := make([][]float64, rows)
	for i, row := range X {
		out[i] = make([]float64, cols)
		for j, v := range row {
			if std[j] == 0 {
				out[i][j] = 0
				continue
			}
			out[i][j] = (v - mean[j]) / std[j]
		}
	}
	return out
}

const (
	kmeansRestarts = 10
	kmeansMaxIter  = 300
)

// KMeans clusters X into k groups: random initialization with 10 restarts,
// stopping each run once labels are stable, keeping the lowest-inertia run.
func KMeans(X [][]float64, k int, rng *rand.Rand) ([]int, error) {
	if k <= 0 || k > len(X) {
		return nil, fmt.Errorf("derive: kmeans k=%d with %d points", k, len(X))
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	bestLabels := make([]int, len(X))
	bestInertia := math.Inf(1)
	for restart := 0; restart < kmeansRestarts; restart++ {
		labels, inertia := kmeansOnce(X, k, rng)
		if inertia < bestInertia {
			bestInertia = inertia
			copy(bestLabels, labels)
		}
	}
	return bestLabels, nil
}

func kmeansOnce(X [][]float64, k int, rng *rand.Rand) ([]int, float64) {
	dim := len(X[0])
	centers := make([][]float64, k)
	for i, idx := range rng.Perm(len(X))[:k] {
		centers[i] = append([]float64(nil), X[idx]...)
	}

	labels := make([]int, len(X))
	for i := range labels {
		labels[i] = -1
	}

	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false
		for i, p := range X {
			best, bestD := 0, math.Inf(1)
			for c := range centers {
				if d := sqDist(p, centers[c]); d < bestD {
					best, bestD = c, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		counts := make([]int, k)
		for c := range centers {
			centers[c] = make([]float64, dim)
		}
		for i, p := range X {
			c := labels[i]
			counts[c]++
			for j, v := range p {
				centers[c][j] += v
			}
		}
		for c := range centers {
			if counts[c] == 0 {
				// Re-seed an empty cluster on a random point.
				centers[c] = append([]float64(nil), X[rng.Intn(len(X))]...)
				continue
			}
			for j := range centers[c] {
				centers[c][j] /= float64(counts[c])
			}
		}
	}

	inertia := 0.0
	for i, p := range X {
		inertia += sqDist(p, centers[labels[i]])
	}
	return labels, inertia
}

// DBSCAN labels points by density; noise points get label -1.
func DBSCAN(X [][]float64, eps float64, minSamples int) []int {
	const (
		unvisited = -2
		noise     = -1
	)
	labels := make([]int, len(X))
	for i := range labels {
		labels[i] = unvisited
	}

	epsSq := eps * eps
	neighbors := func(i int) []int {
		var out []int
		for j := range X {
			if sqDist(X[i], X[j]) <= epsSq {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := range X {
		if labels[i] != unvisited {
			continue
		}
		nbrs := neighbors(i)
		if len(nbrs) < minSamples {
			labels[i] = noise
			continue
		}
		labels[i] = cluster
		queue := append([]int(nil), nbrs...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == noise {
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			jn := neighbors(j)
			if len(jn) >= minSamples {
				queue = append(queue, jn...)
			}
		}
		cluster++
	}
	return labels
}

// Ward performs agglomerative clustering with Ward linkage down to k
// clusters, using the Lance-Williams update.
func Ward(X [][]float64, k int) ([]int, error) {
	n := len(X)
	if k <= 0 || k > n {
		return nil, fmt.Errorf("derive: ward k=%d with %d points", k, n)
	}

	active := make([]bool, n)
	size := make([]float64, n)
	labels := make([]int, n)
	members := make([][]int, n)
	for i := range X {
		active[i] = true
		size[i] = 1
		members[i] = []int{i}
	}

	// Pairwise squared distances; Ward merges on d^2 scaled by cluster
	// sizes.
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			dist[i][j] = sqDist(X[i], X[j])
		}
	}

	remaining := n
	for remaining > k {
		bi, bj, best := -1, -1, math.Inf(1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !active[j] {
					continue
				}
				d := size[i] * size[j] / (size[i] + size[j]) * dist[i][j]
				if d < best {
					bi, bj, best = i, j, d
				}
			}
		}

		// Lance-Williams Ward update of distances to the merged cluster.
		for m := 0; m < n; m++ {
			if !active[m] || m == bi || m == bj {
				continue
			}
			si, sj, sm := size[bi], size[bj], size[m]
			total := si + sj + sm
			d := ((si+sm)*dist[bi][m] + (sj+sm)*dist[bj][m] - sm*dist[bi][bj]) / total
			dist[bi][m] = d
			dist[m][bi] = d
		}
		members[bi] = append(members[bi], members[bj]...)
		size[bi] += size[bj]
		active[bj] = false
		remaining--
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if !active[i] {
			continue
		}
		for _, m := range members[i] {
			labels[m] = cluster
		}
		cluster++
	}
	return labels, nil
}

// FilterClusterSizes relabels clusters outside [minSize, maxSize] as noise
// (-1). maxSize <= 0 means unbounded.
func FilterClusterSizes(labels []int, minSize, maxSize int) []int {
	counts := make(map[int]int)
	for _, l := range labels {
		if l >= 0 {
			counts[l]++
		}
	}
	out := make([]int, len(labels))
	for i, l := range labels {
		out[i] = l
		if l < 0 {
			continue
		}
		if counts[l] < minSize || (maxSize > 0 && counts[l] > maxSize) {
			out[i] = -1
		}
	}
	return out
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

// StatusEncoding is the default categorical encoding for transaction
// status, matching the live vocabulary.
func StatusEncoding() map[string]float64 {
	return map[string]float64{
		string(model.StatusSuccess):  0,
		string(model.StatusDeclined): 1,
		string(model.StatusTimeout):  2,
		string(model.StatusError):    3,
	}
}

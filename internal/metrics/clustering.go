package metrics

import (
	"math"
	"sort"
)

// Cluster stability between consecutive detection runs.
//
// K-means labels are arbitrary integers, so comparing label values across
// runs means nothing. Both indices below compare partitions instead: which
// wallets share a cluster with which.

// Stability summarises agreement between two runs' cluster assignments over
// the wallets present in both.
type Stability struct {
	CommonWallets          int     `json:"commonWallets"`
	AdjustedRandIndex      float64 `json:"adjustedRandIndex"`
	VariationOfInformation float64 `json:"variationOfInformation"`
}

// ClusterStability compares previous and current wallet → label assignments.
// Fewer than two shared wallets yield a zero-valued result.
func ClusterStability(previous, current map[string]int) Stability {
	common := make([]string, 0)
	for addr := range current {
		if _, ok := previous[addr]; ok {
			common = append(common, addr)
		}
	}
	sort.Strings(common)

	st := Stability{CommonWallets: len(common)}
	if len(common) < 2 {
		return st
	}

	prev := make([]int, len(common))
	curr := make([]int, len(common))
	for i, addr := range common {
		prev[i] = previous[addr]
		curr[i] = current[addr]
	}
	st.AdjustedRandIndex = AdjustedRandIndex(curr, prev)
	st.VariationOfInformation = VariationOfInformation(curr, prev)
	return st
}

type contingency struct {
	n       int
	cells   [][]int
	rowSums []int
	colSums []int
}

func newContingency(a, b []int) *contingency {
	rowIdx := labelIndex(a)
	colIdx := labelIndex(b)

	c := &contingency{
		n:       len(a),
		cells:   make([][]int, len(rowIdx)),
		rowSums: make([]int, len(rowIdx)),
		colSums: make([]int, len(colIdx)),
	}
	for i := range c.cells {
		c.cells[i] = make([]int, len(colIdx))
	}
	for k := range a {
		i, j := rowIdx[a[k]], colIdx[b[k]]
		c.cells[i][j]++
		c.rowSums[i]++
		c.colSums[j]++
	}
	return c
}

// AdjustedRandIndex measures pair-counting agreement between two partitions,
// corrected for chance.
//
//   ARI = (Σ C(n_ij,2) - E) / (½(Σ C(a_i,2) + Σ C(b_j,2)) - E)
//   E   = Σ C(a_i,2) · Σ C(b_j,2) / C(n,2)
//
// 1 is identical, around 0 is random, negative is worse than random.
func AdjustedRandIndex(predicted, reference []int) float64 {
	n := len(predicted)
	if n != len(reference) || n < 2 {
		return 0.0
	}
	c := newContingency(predicted, reference)

	sumCells := 0.0
	for _, row := range c.cells {
		for _, v := range row {
			sumCells += comb2(v)
		}
	}
	sumRows := 0.0
	for _, v := range c.rowSums {
		sumRows += comb2(v)
	}
	sumCols := 0.0
	for _, v := range c.colSums {
		sumCols += comb2(v)
	}

	expected := sumRows * sumCols / comb2(n)
	maxIndex := 0.5 * (sumRows + sumCols)

	denominator := maxIndex - expected
	if math.Abs(denominator) < 1e-12 {
		return 1.0 // both partitions trivial
	}
	return (sumCells - expected) / denominator
}

// VariationOfInformation is H(A|B) + H(B|A) in bits. 0 means identical
// partitions; larger is more reshuffling.
func VariationOfInformation(predicted, reference []int) float64 {
	n := len(predicted)
	if n != len(reference) || n < 2 {
		return 0.0
	}
	c := newContingency(predicted, reference)
	nf := float64(n)

	vi := 0.0
	for i, row := range c.cells {
		for j, v := range row {
			if v == 0 {
				continue
			}
			p := float64(v) / nf
			vi -= p * math.Log2(float64(v)/float64(c.colSums[j]))
			vi -= p * math.Log2(float64(v)/float64(c.rowSums[i]))
		}
	}
	return vi
}

func comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}

func labelIndex(labels []int) map[int]int {
	idx := make(map[int]int)
	for _, l := range labels {
		if _, ok := idx[l]; !ok {
			idx[l] = len(idx)
		}
	}
	return idx
}

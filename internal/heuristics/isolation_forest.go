package heuristics

import (
	"math"
	"math/rand"
	"sort"
)

// Isolation Forest
//
// Anomalies are few and different, so random axis-aligned partitioning
// isolates them in fewer splits than normal points. Each tree is grown on a
// random subsample of ψ points down to a height limit of ⌈log₂ ψ⌉; a point's
// path length is the depth of the leaf it lands in plus c(size), the expected
// depth of an unbuilt subtree over the leaf's remaining points.
//
//   score(x)    = -2^(-E[h(x)] / c(ψ))        (higher = more normal)
//   decision(x) = score(x) - offset           (offset = contamination percentile)
//
// A negative decision value labels the point anomalous.
//
// References:
//   - Liu, Ting & Zhou, "Isolation Forest" (ICDM 2008)
//   - Liu, Ting & Zhou, "Isolation-Based Anomaly Detection" (TKDD 2012)

const eulerGamma = 0.5772156649015329

type isolationNode struct {
	feature int
	split   float64
	left    *isolationNode
	right   *isolationNode
	size    int // leaf only
}

func (n *isolationNode) isLeaf() bool {
	return n.left == nil && n.right == nil
}

// IsolationForest is a fitted ensemble of isolation trees.
type IsolationForest struct {
	trees      []*isolationNode
	sampleSize int
	offset     float64
}

// FitIsolationForest grows nTrees trees over rows and sets the decision
// offset so that roughly `contamination` of the training rows fall below zero.
func FitIsolationForest(rows [][]float64, nTrees, maxSamples int, contamination float64, rng *rand.Rand) *IsolationForest {
	n := len(rows)
	psi := maxSamples
	if psi <= 0 || psi > n {
		psi = n
	}
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))

	forest := &IsolationForest{
		trees:      make([]*isolationNode, 0, nTrees),
		sampleSize: psi,
	}

	for t := 0; t < nTrees; t++ {
		sample := rng.Perm(n)[:psi]
		forest.trees = append(forest.trees, growIsolationTree(rows, sample, 0, heightLimit, rng))
	}

	scores := forest.ScoreSamples(rows)
	forest.offset = percentile(scores, contamination*100)
	return forest
}

func growIsolationTree(rows [][]float64, idx []int, depth, limit int, rng *rand.Rand) *isolationNode {
	if depth >= limit || len(idx) <= 1 {
		return &isolationNode{size: len(idx)}
	}

	// Only features that still vary inside this node can split it.
	dims := len(rows[idx[0]])
	candidates := make([]int, 0, dims)
	lows := make([]float64, dims)
	highs := make([]float64, dims)
	for f := 0; f < dims; f++ {
		lo, hi := rows[idx[0]][f], rows[idx[0]][f]
		for _, i := range idx[1:] {
			v := rows[i][f]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		lows[f], highs[f] = lo, hi
		if hi > lo {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return &isolationNode{size: len(idx)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := lows[feature] + rng.Float64()*(highs[feature]-lows[feature])

	var left, right []int
	for _, i := range idx {
		if rows[i][feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	return &isolationNode{
		feature: feature,
		split:   split,
		left:    growIsolationTree(rows, left, depth+1, limit, rng),
		right:   growIsolationTree(rows, right, depth+1, limit, rng),
	}
}

func (f *IsolationForest) pathLength(x []float64) float64 {
	total := 0.0
	for _, root := range f.trees {
		node := root
		depth := 0
		for !node.isLeaf() {
			if x[node.feature] < node.split {
				node = node.left
			} else {
				node = node.right
			}
			depth++
		}
		total += float64(depth) + averagePathLength(node.size)
	}
	return total / float64(len(f.trees))
}

// ScoreSamples returns the opposite of the anomaly score of each row, so
// lower values are more anomalous.
func (f *IsolationForest) ScoreSamples(rows [][]float64) []float64 {
	norm := averagePathLength(f.sampleSize)
	if norm == 0 {
		norm = 1
	}
	out := make([]float64, len(rows))
	for i, x := range rows {
		out[i] = -math.Pow(2, -f.pathLength(x)/norm)
	}
	return out
}

// DecisionFunction returns ScoreSamples shifted by the contamination offset.
// Negative values are outliers.
func (f *IsolationForest) DecisionFunction(rows [][]float64) []float64 {
	scores := f.ScoreSamples(rows)
	for i := range scores {
		scores[i] -= f.offset
	}
	return scores
}

// averagePathLength is c(n), the average path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

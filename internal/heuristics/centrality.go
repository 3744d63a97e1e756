package heuristics

import (
	"math/rand"
	"sort"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Structural Centrality
//
// Degree centrality: (in + out degree) / (n - 1).
// Betweenness centrality: Brandes' algorithm over unweighted shortest paths,
// normalised by 1 / ((n-1)(n-2)) for directed graphs. Above `pivots` nodes
// the source set is a seeded random sample of `pivots` nodes and the result
// is scaled by n / pivots.
//
//   combined = (degree·0.6 + betweenness·0.4) · 100
//
// Combined scores are not bounded by 100.
//
// Reference: Brandes, "A Faster Algorithm for Betweenness Centrality" (2001)

const (
	DefaultCentralityTopN   = 20
	DefaultCentralityPivots = 50
)

// ComputeCentrality returns the topN wallets by combined score. topN <= 0
// returns every wallet.
func (g *InteractionGraph) ComputeCentrality(topN, pivots int, seed int64) []models.CentralityEntry {
	if g.NodeCount() == 0 {
		return []models.CentralityEntry{}
	}
	btw := g.Betweenness(pivots, seed)
	return g.rankCentrality(btw, topN)
}

func (g *InteractionGraph) rankCentrality(btw []float64, topN int) []models.CentralityEntry {
	entries := make([]models.CentralityEntry, 0, len(g.nodes))
	for i, addr := range g.nodes {
		deg := g.DegreeCentrality(addr)
		entries = append(entries, models.CentralityEntry{
			Address:               addr,
			DegreeCentrality:      roundTo(deg, 4),
			BetweennessCentrality: roundTo(btw[i], 4),
			Score:                 roundTo((deg*0.6+btw[i]*0.4)*100, 2),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Address < entries[j].Address
	})
	if topN > 0 && len(entries) > topN {
		entries = entries[:topN]
	}
	return entries
}

// DegreeOnlyCentrality ranks wallets with all betweenness values at zero.
func (g *InteractionGraph) DegreeOnlyCentrality(topN int) []models.CentralityEntry {
	if g.NodeCount() == 0 {
		return []models.CentralityEntry{}
	}
	return g.rankCentrality(make([]float64, len(g.nodes)), topN)
}

// Betweenness returns normalised betweenness centrality indexed like Nodes.
func (g *InteractionGraph) Betweenness(pivots int, seed int64) []float64 {
	n := g.NodeCount()
	bc := make([]float64, n)
	if n == 0 {
		return bc
	}

	sources := make([]int, n)
	for i := range sources {
		sources[i] = i
	}
	sampled := pivots > 0 && pivots < n
	if sampled {
		rng := rand.New(rand.NewSource(seed))
		sources = rng.Perm(n)[:pivots]
	}

	succ := make([][]int, n)
	for i := range succ {
		succ[i] = g.successors(i)
	}

	sigma := make([]float64, n)
	dist := make([]int, n)
	delta := make([]float64, n)
	preds := make([][]int, n)
	stack := make([]int, 0, n)
	queue := make([]int, 0, n)

	for _, s := range sources {
		for i := 0; i < n; i++ {
			sigma[i] = 0
			dist[i] = -1
			delta[i] = 0
			preds[i] = preds[i][:0]
		}
		sigma[s] = 1
		dist[s] = 0
		stack = stack[:0]
		queue = append(queue[:0], s)

		for head := 0; head < len(queue); head++ {
			v := queue[head]
			stack = append(stack, v)
			for _, w := range succ[v] {
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		for k := len(stack) - 1; k >= 0; k-- {
			w := stack[k]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				bc[w] += delta[w]
			}
		}
	}

	if n > 2 {
		scale := 1 / float64((n-1)*(n-2))
		if sampled {
			scale *= float64(n) / float64(pivots)
		}
		for i := range bc {
			bc[i] *= scale
		}
	}
	return bc
}

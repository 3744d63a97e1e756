package heuristics

import (
	"math"
	"sort"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Wallet Interaction Graph
//
// Directed graph of value transfers. Every transaction with a recipient adds
// to the aggregated edge sender → recipient:
//   weight  summed value
//   count   number of transactions
//   blocks  number of distinct blocks
//
// Self-transfers produce self-loops and are kept. A graph is immutable after
// BuildInteractionGraph returns, so readers can share one without locking;
// rebuilding means building a new graph and publishing it.

// Edge is an aggregated directed transfer between two wallets.
type Edge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
	Count  int     `json:"count"`
	Blocks int     `json:"blocks"`
}

// InteractionGraph is a read-only directed wallet graph.
type InteractionGraph struct {
	nodes []string // sorted
	index map[string]int
	out   []map[int]*Edge
	in    []map[int]*Edge
	edges []*Edge // sorted by (From, To)
}

// BuildInteractionGraph aggregates txs into a new graph. Transactions without
// a recipient are skipped.
func BuildInteractionGraph(txs []models.TransactionRecord) *InteractionGraph {
	type pairKey struct{ from, to string }
	type pairAgg struct {
		weight float64
		count  int
		blocks map[int64]struct{}
	}

	agg := make(map[pairKey]*pairAgg)
	seen := make(map[string]struct{})
	for _, tx := range txs {
		if !tx.HasRecipient() {
			continue
		}
		k := pairKey{tx.From, tx.To}
		a, ok := agg[k]
		if !ok {
			a = &pairAgg{blocks: make(map[int64]struct{})}
			agg[k] = a
		}
		a.weight += tx.Value
		a.count++
		a.blocks[tx.BlockNumber] = struct{}{}
		seen[tx.From] = struct{}{}
		seen[tx.To] = struct{}{}
	}

	g := &InteractionGraph{
		nodes: make([]string, 0, len(seen)),
		index: make(map[string]int, len(seen)),
	}
	for addr := range seen {
		g.nodes = append(g.nodes, addr)
	}
	sort.Strings(g.nodes)
	for i, addr := range g.nodes {
		g.index[addr] = i
	}

	g.out = make([]map[int]*Edge, len(g.nodes))
	g.in = make([]map[int]*Edge, len(g.nodes))
	for i := range g.nodes {
		g.out[i] = make(map[int]*Edge)
		g.in[i] = make(map[int]*Edge)
	}

	g.edges = make([]*Edge, 0, len(agg))
	for k, a := range agg {
		e := &Edge{From: k.from, To: k.to, Weight: a.weight, Count: a.count, Blocks: len(a.blocks)}
		u, v := g.index[k.from], g.index[k.to]
		g.out[u][v] = e
		g.in[v][u] = e
		g.edges = append(g.edges, e)
	}
	sort.Slice(g.edges, func(i, j int) bool {
		if g.edges[i].From != g.edges[j].From {
			return g.edges[i].From < g.edges[j].From
		}
		return g.edges[i].To < g.edges[j].To
	})

	return g
}

// NodeCount returns the number of wallets in the graph.
func (g *InteractionGraph) NodeCount() int {
	if g == nil {
		return 0
	}
	return len(g.nodes)
}

// EdgeCount returns the number of aggregated directed edges.
func (g *InteractionGraph) EdgeCount() int {
	if g == nil {
		return 0
	}
	return len(g.edges)
}

// HasNode reports whether address has any graph presence.
func (g *InteractionGraph) HasNode(address string) bool {
	if g == nil {
		return false
	}
	_, ok := g.index[address]
	return ok
}

// Nodes returns wallet addresses in sorted order.
func (g *InteractionGraph) Nodes() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.nodes...)
}

// Edges returns copies of all edges sorted by (From, To).
func (g *InteractionGraph) Edges() []Edge {
	if g == nil {
		return nil
	}
	out := make([]Edge, len(g.edges))
	for i, e := range g.edges {
		out[i] = *e
	}
	return out
}

// Edge returns the aggregated edge from → to.
func (g *InteractionGraph) Edge(from, to string) (Edge, bool) {
	if g == nil {
		return Edge{}, false
	}
	u, ok := g.index[from]
	if !ok {
		return Edge{}, false
	}
	v, ok := g.index[to]
	if !ok {
		return Edge{}, false
	}
	e, ok := g.out[u][v]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// Degree is in-degree plus out-degree; a self-loop counts twice.
func (g *InteractionGraph) Degree(address string) int {
	if g == nil {
		return 0
	}
	i, ok := g.index[address]
	if !ok {
		return 0
	}
	return len(g.out[i]) + len(g.in[i])
}

// DegreeCentrality is Degree normalised by n-1. Graphs with one node give 1.
func (g *InteractionGraph) DegreeCentrality(address string) float64 {
	if !g.HasNode(address) {
		return 0
	}
	n := len(g.nodes)
	if n <= 1 {
		return 1
	}
	return float64(g.Degree(address)) / float64(n-1)
}

// WalletGraphScore rates a wallet's structural suspicion, 0-100:
//   degree_centrality·30 + bidirectional_ratio·40 + min(degree, 20)·1.5
// where bidirectional_ratio is the share of distinct neighbours linked in
// both directions. Absent wallets score 0.
func (g *InteractionGraph) WalletGraphScore(address string) float64 {
	if !g.HasNode(address) {
		return 0
	}
	i := g.index[address]

	score := g.DegreeCentrality(address) * 30

	neighbours := make(map[int]struct{}, len(g.out[i])+len(g.in[i]))
	for v := range g.out[i] {
		neighbours[v] = struct{}{}
	}
	for v := range g.in[i] {
		neighbours[v] = struct{}{}
	}
	if len(neighbours) > 0 {
		bidirectional := 0
		for v := range neighbours {
			_, outOK := g.out[i][v]
			_, inOK := g.in[i][v]
			if outOK && inOK {
				bidirectional++
			}
		}
		score += float64(bidirectional) / float64(len(neighbours)) * 40
	}

	score += math.Min(float64(g.Degree(address)), 20) * 1.5

	return clamp(roundTo(score, 2), 0, 100)
}

// ExportView renders the graph for visualisation.
func (g *InteractionGraph) ExportView() models.GraphView {
	view := models.GraphView{
		Nodes: make([]models.GraphNode, 0, g.NodeCount()),
		Links: make([]models.GraphLink, 0, g.EdgeCount()),
	}
	if g == nil {
		return view
	}
	for _, addr := range g.nodes {
		view.Nodes = append(view.Nodes, models.GraphNode{
			ID:         addr,
			Centrality: roundTo(g.DegreeCentrality(addr)*100, 2),
			Degree:     g.Degree(addr),
		})
	}
	for _, e := range g.edges {
		view.Links = append(view.Links, models.GraphLink{
			Source: e.From,
			Target: e.To,
			Value:  roundTo(e.Weight, 6),
			Count:  e.Count,
		})
	}
	return view
}

// successors returns out-neighbour indices in ascending order.
func (g *InteractionGraph) successors(i int) []int {
	out := make([]int, 0, len(g.out[i]))
	for v := range g.out[i] {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

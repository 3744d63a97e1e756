package heuristics

// Circular Flow Detection
//
// Enumerates simple directed cycles of length 2..maxLength. Each cycle is
// rooted at its lexicographically smallest wallet and the DFS only visits
// wallets that sort after the root, so every cycle is produced exactly once.
// Search depth is bounded by maxLength.
//
// Dense graphs hold combinatorially many cycles. Enumeration stops once
// `limit` cycles are collected; Truncated is set when at least one more
// qualifying cycle exists, so results are an approximation on such graphs.

const (
	DefaultCycleMaxLength = 4
	DefaultCycleLimit     = 200
)

// CycleResult holds enumerated cycles in discovery order.
type CycleResult struct {
	Cycles    [][]string `json:"cycles"`
	Truncated bool       `json:"truncated"`
}

// DetectCycles enumerates short directed cycles. Self-loops have length 1
// and are never reported.
func (g *InteractionGraph) DetectCycles(maxLength, limit int) CycleResult {
	res := CycleResult{Cycles: make([][]string, 0)}
	if g == nil || maxLength < 2 || limit <= 0 {
		return res
	}

	onPath := make([]bool, len(g.nodes))
	path := make([]int, 0, maxLength)

	var visit func(root, u int) bool
	visit = func(root, u int) bool {
		for _, v := range g.successors(u) {
			if v == root && len(path) >= 2 {
				if len(res.Cycles) == limit {
					res.Truncated = true
					return false
				}
				cycle := make([]string, len(path))
				for i, idx := range path {
					cycle[i] = g.nodes[idx]
				}
				res.Cycles = append(res.Cycles, cycle)
				continue
			}
			if v <= root || onPath[v] || len(path) >= maxLength {
				continue
			}
			onPath[v] = true
			path = append(path, v)
			more := visit(root, v)
			path = path[:len(path)-1]
			onPath[v] = false
			if !more {
				return false
			}
		}
		return true
	}

	for root := range g.nodes {
		onPath[root] = true
		path = append(path[:0], root)
		more := visit(root, root)
		onPath[root] = false
		if !more {
			break
		}
	}
	return res
}

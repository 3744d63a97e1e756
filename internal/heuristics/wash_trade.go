package heuristics

import (
	"math"
	"sort"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Wash-Trade Detection
//
// Two wallets trading the same value back and forth produce a pair of
// reciprocal edges with similar weight.
//
//   similarity = min(w_uv, w_vu) / max(w_uv, w_vu)
//   similarity > threshold  →  score = similarity·50 + min(c_uv + c_vu, 10)·5
//
// Edges are scanned in (From, To) order and each unordered pair is reported
// once. A self-loop is its own reverse edge and qualifies with similarity 1.

// WashTradeConfig tunes the detector.
type WashTradeConfig struct {
	SimilarityThreshold float64 `json:"similarityThreshold"`
}

// DefaultWashTradeConfig returns the 0.8 similarity threshold.
func DefaultWashTradeConfig() WashTradeConfig {
	return WashTradeConfig{SimilarityThreshold: 0.8}
}

// DetectWashTrading returns reciprocal pairs sorted by score descending.
func DetectWashTrading(g *InteractionGraph, cfg WashTradeConfig) []models.WashTradePair {
	pairs := make([]models.WashTradePair, 0)
	if g == nil {
		return pairs
	}

	type pairKey struct{ a, b string }
	seen := make(map[pairKey]struct{})

	for _, uv := range g.edges {
		vu, ok := g.out[g.index[uv.To]][g.index[uv.From]]
		if !ok {
			continue
		}
		if uv.Weight == 0 && vu.Weight == 0 {
			continue
		}

		key := pairKey{uv.From, uv.To}
		if key.b < key.a {
			key.a, key.b = key.b, key.a
		}
		if _, dup := seen[key]; dup {
			continue
		}

		similarity := math.Min(uv.Weight, vu.Weight) / math.Max(uv.Weight, vu.Weight)
		if similarity <= cfg.SimilarityThreshold {
			continue
		}
		seen[key] = struct{}{}

		count := math.Min(float64(uv.Count+vu.Count), 10)
		pairs = append(pairs, models.WashTradePair{
			WalletA:         uv.From,
			WalletB:         uv.To,
			ValueAToB:       roundTo(uv.Weight, 6),
			ValueBToA:       roundTo(vu.Weight, 6),
			ValueSimilarity: roundTo(similarity, 4),
			TxCountAToB:     uv.Count,
			TxCountBToA:     vu.Count,
			Score:           roundTo(similarity*50+count*5, 2),
		})
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Score > pairs[j].Score
	})
	return pairs
}

// WalletWashScore is the highest score among pairs involving address, or 0.
func WalletWashScore(pairs []models.WashTradePair, address string) float64 {
	best := 0.0
	for _, p := range pairs {
		if p.Involves(address) && p.Score > best {
			best = p.Score
		}
	}
	return best
}

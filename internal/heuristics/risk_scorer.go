package heuristics

import (
	"fmt"
	"strings"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Composite Risk Scorer
//
// Fuses the four per-wallet signals into one explainable rating.
//
//   composite = w_ml·ml + w_graph·graph + w_flash·flash + w_wash·wash
//
// clamped to [0,100] and rounded to 2 decimals. Weights are configuration and
// sum to 1.0 by convention only.
//
// Severity (inclusive lower bounds):
//   critical  ≥ 75
//   high      ≥ 50
//   medium    ≥ 25
//   low       otherwise
//
// Each component above its trigger contributes one sentence to the
// explanation, always in the order ml, graph, flash, wash.

const noRiskExplanation = "No significant risk factors detected."

// Explanation triggers per component.
const (
	mlExplainThreshold    = 50
	graphExplainThreshold = 30
	flashExplainThreshold = 50
	washExplainThreshold  = 40
)

// RiskWeights are the composite blend coefficients.
type RiskWeights struct {
	ML    float64 `json:"mlAnomaly" mapstructure:"ml"`
	Graph float64 `json:"graphSuspicion" mapstructure:"graph"`
	Flash float64 `json:"flashLoan" mapstructure:"flash"`
	Wash  float64 `json:"washTrade" mapstructure:"wash"`
}

// DefaultRiskWeights returns {ml .35, graph .25, flash .20, wash .20}.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{ML: 0.35, Graph: 0.25, Flash: 0.20, Wash: 0.20}
}

// RiskSignals are the component inputs for one wallet, each 0-100.
type RiskSignals struct {
	ML    float64 `json:"mlAnomalyScore"`
	Graph float64 `json:"graphScore"`
	Flash float64 `json:"flashLoanScore"`
	Wash  float64 `json:"washTradeScore"`
}

// RiskScorer is stateless apart from its weights.
type RiskScorer struct {
	weights RiskWeights
}

// NewRiskScorer creates a scorer with the given weights.
func NewRiskScorer(w RiskWeights) *RiskScorer {
	return &RiskScorer{weights: w}
}

// Score computes the composite rating. It is a pure function of address,
// signals and weights; UpdatedAt is left for the caller to stamp.
func (s *RiskScorer) Score(address string, sig RiskSignals) models.RiskScore {
	composite := s.weights.ML*sig.ML +
		s.weights.Graph*sig.Graph +
		s.weights.Flash*sig.Flash +
		s.weights.Wash*sig.Wash
	composite = clamp(roundTo(composite, 2), 0, 100)

	return models.RiskScore{
		WalletAddress:  address,
		CompositeScore: composite,
		MLAnomalyScore: roundTo(sig.ML, 2),
		GraphScore:     roundTo(sig.Graph, 2),
		FlashLoanScore: roundTo(sig.Flash, 2),
		WashTradeScore: roundTo(sig.Wash, 2),
		Severity:       ClassifySeverity(composite),
		Explanation:    explainRisk(sig),
	}
}

// ClassifySeverity maps a composite score to a severity band.
func ClassifySeverity(score float64) string {
	switch {
	case score >= 75:
		return models.SeverityCritical
	case score >= 50:
		return models.SeverityHigh
	case score >= 25:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func explainRisk(sig RiskSignals) string {
	var parts []string
	if sig.ML > mlExplainThreshold {
		parts = append(parts, fmt.Sprintf("ML anomaly score is high (%.0f/100)", sig.ML))
	}
	if sig.Graph > graphExplainThreshold {
		parts = append(parts, fmt.Sprintf("Graph analysis shows suspicious connectivity (%.0f/100)", sig.Graph))
	}
	if sig.Flash > flashExplainThreshold {
		parts = append(parts, fmt.Sprintf("Flash-loan-like activity detected (%.0f/100)", sig.Flash))
	}
	if sig.Wash > washExplainThreshold {
		parts = append(parts, fmt.Sprintf("Possible wash-trading behaviour (%.0f/100)", sig.Wash))
	}
	if len(parts) == 0 {
		return noRiskExplanation
	}
	return strings.Join(parts, "; ")
}

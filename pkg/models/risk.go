package models

import "time"

// Severity levels, ordered low → critical.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert types emitted by the pipeline.
const (
	AlertTypeAnomaly        = "anomaly"
	AlertTypeFlashLoan      = "flash_loan"
	AlertTypeWashTrade      = "wash_trade"
	AlertTypeHighCentrality = "high_centrality"
)

// RiskScore is the composite risk rating of one wallet with its component
// breakdown. There is exactly one row per address; recomputation overwrites it.
type RiskScore struct {
	WalletAddress  string    `json:"walletAddress"`
	CompositeScore float64   `json:"compositeScore"`
	MLAnomalyScore float64   `json:"mlAnomalyScore"`
	GraphScore     float64   `json:"graphScore"`
	FlashLoanScore float64   `json:"flashLoanScore"`
	WashTradeScore float64   `json:"washTradeScore"`
	Severity       string    `json:"severity"`
	Explanation    string    `json:"explanation"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Alert is an append-only record of a wallet crossing the alerting threshold
// during a pipeline run.
type Alert struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"walletAddress"`
	AlertType     string    `json:"alertType"`
	Severity      string    `json:"severity"`
	RiskScore     float64   `json:"riskScore"`
	Explanation   string    `json:"explanation"`
	TxHash        *string   `json:"txHash,omitempty"`
	BlockNumber   *int64    `json:"blockNumber,omitempty"`
	IsResolved    bool      `json:"isResolved"`
	CreatedAt     time.Time `json:"createdAt"`
}

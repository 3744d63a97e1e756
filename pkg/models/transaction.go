package models

import "time"

// TransactionRecord is a single on-chain value transfer as delivered by the
// ingestion feed. Records are immutable once stored; Hash is globally unique.
type TransactionRecord struct {
	Hash            string    `json:"txHash"`
	BlockNumber     int64     `json:"blockNumber"`
	From            string    `json:"fromAddress"`
	To              string    `json:"toAddress,omitempty"` // empty for contract creation
	Value           float64   `json:"valueEth"`
	GasPriceGwei    float64   `json:"gasPriceGwei"`
	GasUsed         int64     `json:"gasUsed"`
	Timestamp       time.Time `json:"timestamp"`
	InputDataLength int       `json:"inputDataLength"`
	IsContractCall  bool      `json:"isContractCall"`
}

// HasRecipient reports whether the transaction names a recipient address.
func (t TransactionRecord) HasRecipient() bool {
	return t.To != ""
}

// WalletFeatureVector is the per-wallet behavioural summary computed fresh
// from the full transaction history on every pipeline run.
type WalletFeatureVector struct {
	Address              string    `json:"address"`
	TxCount              int       `json:"txCount"`
	TotalSent            float64   `json:"totalValueSent"`
	TotalReceived        float64   `json:"totalValueReceived"`
	AvgValue             float64   `json:"avgValue"`
	UniqueCounterparties int       `json:"uniqueCounterparties"`
	InflowOutflowRatio   float64   `json:"inflowOutflowRatio"`
	TxFrequency          float64   `json:"txFrequency"` // tx/hour over the active span
	BurstScore           float64   `json:"burstScore"`  // max txs in a single block
	LastActive           time.Time `json:"lastActive"`
}

// FeatureDimensions is the number of model dimensions returned by Values.
const FeatureDimensions = 8

// Values returns the model dimensions in fixed order.
func (v WalletFeatureVector) Values() []float64 {
	return []float64{
		float64(v.TxCount),
		v.TotalSent,
		v.TotalReceived,
		v.AvgValue,
		float64(v.UniqueCounterparties),
		v.InflowOutflowRatio,
		v.TxFrequency,
		v.BurstScore,
	}
}

// WalletProfile is the persisted behavioural profile of a wallet, including
// the ML-derived anomaly component and cluster label.
type WalletProfile struct {
	Address              string    `json:"address"`
	TxCount              int       `json:"txCount"`
	TotalSent            float64   `json:"totalValueSent"`
	TotalReceived        float64   `json:"totalValueReceived"`
	AvgValue             float64   `json:"avgValue"`
	UniqueCounterparties int       `json:"uniqueCounterparties"`
	InflowOutflowRatio   float64   `json:"inflowOutflowRatio"`
	TxFrequency          float64   `json:"txFrequency"`
	BurstScore           float64   `json:"burstScore"`
	ClusterLabel         int       `json:"clusterLabel"` // -1 when never clustered
	RiskScore            float64   `json:"riskScore"`    // ML anomaly component, 0-100
	IsAnomaly            bool      `json:"isAnomaly"`
	LastActive           time.Time `json:"lastActive"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// TimelineBucket aggregates transaction and alert activity for one hour.
type TimelineBucket struct {
	Hour       time.Time `json:"hour"`
	TxCount    int       `json:"txCount"`
	TotalValue float64   `json:"totalValue"`
	AlertCount int       `json:"alertCount"`
}

// StoreStats summarises persisted state for status endpoints.
type StoreStats struct {
	Transactions int   `json:"totalTransactions"`
	Wallets      int   `json:"totalWalletsProfiled"`
	Alerts       int   `json:"totalAlerts"`
	LatestBlock  int64 `json:"latestBlock"`
}

package models

// FlashLoanEvent is a wallet/block pair with near-equal inflow and outflow.
type FlashLoanEvent struct {
	Wallet             string   `json:"wallet"`
	BlockNumber        int64    `json:"blockNumber"`
	Inflow             float64  `json:"inflowEth"`
	Outflow            float64  `json:"outflowEth"`
	ValueDifferencePct float64  `json:"valueDifferencePct"`
	Score              float64  `json:"flashLoanScore"`
	TxHashes           []string `json:"txHashes"`
	Explanation        string   `json:"explanation"`
}

// WashTradePair is an unordered wallet pair with symmetric reciprocal flow.
type WashTradePair struct {
	WalletA         string  `json:"walletA"`
	WalletB         string  `json:"walletB"`
	ValueAToB       float64 `json:"valueAToB"`
	ValueBToA       float64 `json:"valueBToA"`
	ValueSimilarity float64 `json:"valueSimilarity"`
	TxCountAToB     int     `json:"txCountAToB"`
	TxCountBToA     int     `json:"txCountBToA"`
	Score           float64 `json:"suspicionScore"`
}

// Involves reports whether address is either side of the pair.
func (p WashTradePair) Involves(address string) bool {
	return p.WalletA == address || p.WalletB == address
}

// CentralityEntry ranks a wallet by structural importance in the graph.
type CentralityEntry struct {
	Address               string  `json:"address"`
	DegreeCentrality      float64 `json:"degreeCentrality"`
	BetweennessCentrality float64 `json:"betweennessCentrality"`
	Score                 float64 `json:"centralityScore"`
}

// GraphNode is a wallet in the exported interaction graph.
type GraphNode struct {
	ID         string  `json:"id"`
	Centrality float64 `json:"centrality"`
	Degree     int     `json:"degree"`
}

// GraphLink is an aggregated directed transfer in the exported graph.
type GraphLink struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Value  float64 `json:"value"`
	Count  int     `json:"count"`
}

// GraphView is the visualisation-ready form of the interaction graph.
type GraphView struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphLink `json:"links"`
}

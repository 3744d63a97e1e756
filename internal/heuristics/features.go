package heuristics

import (
	"time"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Wallet Feature Extraction
//
// Collapses the raw transaction history into one behavioural vector per
// wallet. Every address that appears as sender or recipient gets a vector;
// addresses with no participation never appear.
//
// Features:
//   tx_count              sent + received
//   total sent/received   summed value per direction
//   avg_value             (sent + received) / max(tx_count, 1)
//   unique counterparties distinct addresses on the other side
//   inflow/outflow ratio  received / sent, both floored to 0.001
//   tx_frequency          tx_count per hour over the active span (≥ 0.01h)
//   burst_score           max txs touching the wallet in one block

const (
	flowEpsilon  = 0.001
	minSpanHours = 0.01
)

type walletAccumulator struct {
	sent          []float64
	received      []float64
	counterparty  map[string]struct{}
	firstSeen     time.Time
	lastSeen      time.Time
	timestamps    int
	blockActivity map[int64]int
}

func newWalletAccumulator() *walletAccumulator {
	return &walletAccumulator{
		counterparty:  make(map[string]struct{}),
		blockActivity: make(map[int64]int),
	}
}

func (w *walletAccumulator) touch(ts time.Time, block int64) {
	if w.timestamps == 0 || ts.Before(w.firstSeen) {
		w.firstSeen = ts
	}
	if w.timestamps == 0 || ts.After(w.lastSeen) {
		w.lastSeen = ts
	}
	w.timestamps++
	w.blockActivity[block]++
}

// ExtractFeatures builds feature vectors for every wallet participating in
// txs. Output order follows first appearance in the input, so identical input
// order yields identical output. The input slice is not modified.
func ExtractFeatures(txs []models.TransactionRecord) []models.WalletFeatureVector {
	wallets := make(map[string]*walletAccumulator)
	order := make([]string, 0)

	get := func(addr string) *walletAccumulator {
		acc, ok := wallets[addr]
		if !ok {
			acc = newWalletAccumulator()
			wallets[addr] = acc
			order = append(order, addr)
		}
		return acc
	}

	for _, tx := range txs {
		sender := get(tx.From)
		sender.sent = append(sender.sent, tx.Value)
		if tx.HasRecipient() {
			sender.counterparty[tx.To] = struct{}{}
		}
		sender.touch(tx.Timestamp, tx.BlockNumber)

		if tx.HasRecipient() {
			receiver := get(tx.To)
			receiver.received = append(receiver.received, tx.Value)
			receiver.counterparty[tx.From] = struct{}{}
			receiver.touch(tx.Timestamp, tx.BlockNumber)
		}
	}

	vectors := make([]models.WalletFeatureVector, 0, len(order))
	for _, addr := range order {
		vectors = append(vectors, buildFeatureVector(addr, wallets[addr]))
	}
	return vectors
}

func buildFeatureVector(addr string, acc *walletAccumulator) models.WalletFeatureVector {
	totalSent := sum(acc.sent)
	totalReceived := sum(acc.received)
	txCount := len(acc.sent) + len(acc.received)

	denom := txCount
	if denom < 1 {
		denom = 1
	}

	inflow := totalReceived
	if inflow <= 0 {
		inflow = flowEpsilon
	}
	outflow := totalSent
	if outflow <= 0 {
		outflow = flowEpsilon
	}

	freq := 0.0
	if acc.timestamps >= 2 {
		span := acc.lastSeen.Sub(acc.firstSeen).Hours()
		if span < minSpanHours {
			span = minSpanHours
		}
		freq = float64(txCount) / span
	}

	burst := 0
	for _, n := range acc.blockActivity {
		if n > burst {
			burst = n
		}
	}

	return models.WalletFeatureVector{
		Address:              addr,
		TxCount:              txCount,
		TotalSent:            totalSent,
		TotalReceived:        totalReceived,
		AvgValue:             (totalSent + totalReceived) / float64(denom),
		UniqueCounterparties: len(acc.counterparty),
		InflowOutflowRatio:   inflow / outflow,
		TxFrequency:          freq,
		BurstScore:           float64(burst),
		LastActive:           acc.lastSeen,
	}
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

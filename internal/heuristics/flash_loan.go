package heuristics

import (
	"fmt"
	"math"
	"sort"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Flash-Loan Pattern Detection
//
// A flash loan borrows and repays inside one transaction, so the borrower
// shows a large inflow and a near-equal outflow within the same block.
//
// Per (block, wallet):
//   inflow, outflow ≥ MinValue
//   diff  = (max - min) / max          (1.0 when max is 0)
//   diff ≤ Tolerance  →  score = (1 - diff) · 100
//
// Events reference up to 10 distinct contributing hashes, first seen first.

const maxFlashLoanHashes = 10

// FlashLoanConfig tunes the detector.
type FlashLoanConfig struct {
	Tolerance float64 `json:"tolerance"`
	MinValue  float64 `json:"minValue"`
}

// DefaultFlashLoanConfig returns a 5% tolerance with a 1.0 ETH floor.
func DefaultFlashLoanConfig() FlashLoanConfig {
	return FlashLoanConfig{Tolerance: 0.05, MinValue: 1.0}
}

// FlashLoanDetector scans transactions for same-block borrow/repay shapes.
type FlashLoanDetector struct {
	cfg FlashLoanConfig
}

// NewFlashLoanDetector creates a detector with cfg.
func NewFlashLoanDetector(cfg FlashLoanConfig) *FlashLoanDetector {
	return &FlashLoanDetector{cfg: cfg}
}

type blockWallet struct {
	block  int64
	wallet string
}

type blockFlow struct {
	inflow  float64
	outflow float64
	hashes  []string
	seen    map[string]struct{}
}

func (f *blockFlow) addHash(h string) {
	if _, dup := f.seen[h]; dup || len(f.hashes) >= maxFlashLoanHashes {
		return
	}
	f.seen[h] = struct{}{}
	f.hashes = append(f.hashes, h)
}

// Detect returns qualifying events sorted by score, then block, then wallet.
func (d *FlashLoanDetector) Detect(txs []models.TransactionRecord) []models.FlashLoanEvent {
	flows := make(map[blockWallet]*blockFlow)
	get := func(k blockWallet) *blockFlow {
		f, ok := flows[k]
		if !ok {
			f = &blockFlow{seen: make(map[string]struct{})}
			flows[k] = f
		}
		return f
	}

	for _, tx := range txs {
		sender := get(blockWallet{tx.BlockNumber, tx.From})
		sender.outflow += tx.Value
		sender.addHash(tx.Hash)

		if tx.HasRecipient() {
			receiver := get(blockWallet{tx.BlockNumber, tx.To})
			receiver.inflow += tx.Value
			receiver.addHash(tx.Hash)
		}
	}

	events := make([]models.FlashLoanEvent, 0)
	for k, f := range flows {
		if f.inflow < d.cfg.MinValue || f.outflow < d.cfg.MinValue {
			continue
		}
		hi := math.Max(f.inflow, f.outflow)
		lo := math.Min(f.inflow, f.outflow)
		diff := 1.0
		if hi > 0 {
			diff = (hi - lo) / hi
		}
		if diff > d.cfg.Tolerance {
			continue
		}

		events = append(events, models.FlashLoanEvent{
			Wallet:             k.wallet,
			BlockNumber:        k.block,
			Inflow:             roundTo(f.inflow, 6),
			Outflow:            roundTo(f.outflow, 6),
			ValueDifferencePct: roundTo(diff*100, 2),
			Score:              roundTo((1-diff)*100, 2),
			TxHashes:           append([]string(nil), f.hashes...),
			Explanation: fmt.Sprintf(
				"Wallet received %.4f ETH and sent %.4f ETH in block %d (diff %.1f%%). Pattern consistent with flash-loan activity.",
				f.inflow, f.outflow, k.block, diff*100),
		})
	}

	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.Wallet < b.Wallet
	})
	return events
}

// WalletFlashScore is the highest event score for address, or 0.
func WalletFlashScore(events []models.FlashLoanEvent, address string) float64 {
	best := 0.0
	for _, e := range events {
		if e.Wallet == address && e.Score > best {
			best = e.Score
		}
	}
	return best
}

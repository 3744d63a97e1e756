package heuristics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

func TestFlashLoan_SameBlockRoundTrip(t *testing.T) {
	txs := []models.TransactionRecord{
		transfer(100, "a", "b", 10.0, baseTime),
		transfer(100, "b", "a", 10.0, baseTime),
	}

	events := NewFlashLoanDetector(DefaultFlashLoanConfig()).Detect(txs)
	require.Len(t, events, 2)

	a := events[0]
	assert.Equal(t, "a", a.Wallet)
	assert.Equal(t, int64(100), a.BlockNumber)
	assert.Equal(t, 10.0, a.Inflow)
	assert.Equal(t, 10.0, a.Outflow)
	assert.Equal(t, 0.0, a.ValueDifferencePct)
	assert.Equal(t, 100.0, a.Score)
	assert.Equal(t, []string{txs[0].Hash, txs[1].Hash}, a.TxHashes)
	assert.Equal(t,
		"Wallet received 10.0000 ETH and sent 10.0000 ETH in block 100 (diff 0.0%). Pattern consistent with flash-loan activity.",
		a.Explanation)

	assert.Equal(t, "b", events[1].Wallet)
	assert.Equal(t, 100.0, events[1].Score)

	assert.Equal(t, 100.0, WalletFlashScore(events, "a"))
	assert.Equal(t, 0.0, WalletFlashScore(events, "c"))
}

func TestFlashLoan_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		out, back float64
		wantCount int
		wantScore float64
	}{
		{"within tolerance", 10, 9.6, 2, 96},
		{"outside tolerance", 10, 8, 0, 0},
		{"below minimum value", 0.5, 0.5, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txs := []models.TransactionRecord{
				transfer(7, "a", "b", tt.out, baseTime),
				transfer(7, "b", "a", tt.back, baseTime),
			}
			events := NewFlashLoanDetector(DefaultFlashLoanConfig()).Detect(txs)
			require.Len(t, events, tt.wantCount)
			for _, e := range events {
				assert.Equal(t, tt.wantScore, e.Score)
				assert.GreaterOrEqual(t, e.Score, 0.0)
				assert.LessOrEqual(t, e.Score, 100.0)
			}
		})
	}
}

func TestFlashLoan_DifferentBlocksDoNotPair(t *testing.T) {
	txs := []models.TransactionRecord{
		transfer(1, "a", "b", 10, baseTime),
		transfer(2, "b", "a", 10, baseTime),
	}
	assert.Empty(t, NewFlashLoanDetector(DefaultFlashLoanConfig()).Detect(txs))
}

func TestFlashLoan_HashesCapped(t *testing.T) {
	var txs []models.TransactionRecord
	for i := 0; i < 12; i++ {
		txs = append(txs, transfer(5, "a", "b", 1, baseTime))
	}
	txs = append(txs, transfer(5, "b", "a", 12, baseTime))

	events := NewFlashLoanDetector(DefaultFlashLoanConfig()).Detect(txs)
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.LessOrEqual(t, len(e.TxHashes), 10)
	}
}

func TestWashTrade_SimilarReciprocalFlow(t *testing.T) {
	g := BuildInteractionGraph([]models.TransactionRecord{
		transfer(1, "a", "b", 5.0, baseTime),
		transfer(1, "b", "a", 5.1, baseTime),
	})

	pairs := DetectWashTrading(g, DefaultWashTradeConfig())
	require.Len(t, pairs, 1)

	p := pairs[0]
	assert.Equal(t, "a", p.WalletA)
	assert.Equal(t, "b", p.WalletB)
	assert.Equal(t, 0.9804, p.ValueSimilarity)
	assert.Equal(t, 59.02, p.Score)
	assert.Equal(t, 1, p.TxCountAToB)
	assert.Equal(t, 1, p.TxCountBToA)

	assert.Equal(t, 59.02, WalletWashScore(pairs, "b"))
	assert.Equal(t, 0.0, WalletWashScore(pairs, "z"))
}

func TestWashTrade_DissimilarFlowNotReported(t *testing.T) {
	g := BuildInteractionGraph([]models.TransactionRecord{
		transfer(1, "a", "b", 5.0, baseTime),
		transfer(1, "b", "a", 6.5, baseTime),
	})
	assert.Empty(t, DetectWashTrading(g, DefaultWashTradeConfig()))
}

func TestWashTrade_OneWayFlowNotReported(t *testing.T) {
	g := BuildInteractionGraph([]models.TransactionRecord{
		transfer(1, "a", "b", 5.0, baseTime),
		transfer(2, "a", "b", 5.0, baseTime),
	})
	assert.Empty(t, DetectWashTrading(g, DefaultWashTradeConfig()))
}

func TestWashTrade_SelfLoopQualifies(t *testing.T) {
	g := BuildInteractionGraph([]models.TransactionRecord{
		transfer(1, "c", "c", 3.0, baseTime),
	})

	pairs := DetectWashTrading(g, DefaultWashTradeConfig())
	require.Len(t, pairs, 1)
	assert.Equal(t, 1.0, pairs[0].ValueSimilarity)
	assert.Equal(t, 60.0, pairs[0].Score)
}

func TestWashTrade_SortedByScore(t *testing.T) {
	var txs []models.TransactionRecord
	txs = append(txs, transfer(1, "a", "b", 5, baseTime), transfer(1, "b", "a", 5, baseTime))
	for i := 0; i < 4; i++ {
		txs = append(txs, transfer(2, "x", "y", 1, baseTime), transfer(2, "y", "x", 1, baseTime))
	}

	pairs := DetectWashTrading(BuildInteractionGraph(txs), DefaultWashTradeConfig())
	require.Len(t, pairs, 2)
	assert.Equal(t, "x", pairs[0].WalletA)
	assert.Equal(t, 90.0, pairs[0].Score)
	assert.Equal(t, 60.0, pairs[1].Score)
}

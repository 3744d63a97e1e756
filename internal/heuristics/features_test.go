package heuristics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

func TestExtractFeatures_Aggregates(t *testing.T) {
	txs := []models.TransactionRecord{
		transfer(1, "a", "b", 10, baseTime),
		transfer(1, "b", "c", 4, baseTime),
		transfer(2, "a", "c", 2, baseTime.Add(2*time.Hour)),
		transfer(3, "d", "", 1, baseTime.Add(3*time.Hour)),
	}

	vectors := ExtractFeatures(txs)
	require.Len(t, vectors, 4)

	byAddr := map[string]models.WalletFeatureVector{}
	for _, v := range vectors {
		byAddr[v.Address] = v
	}
	assert.Equal(t, []string{"a", "b", "c", "d"},
		[]string{vectors[0].Address, vectors[1].Address, vectors[2].Address, vectors[3].Address})

	a := byAddr["a"]
	assert.Equal(t, 2, a.TxCount)
	assert.InDelta(t, 12.0, a.TotalSent, 1e-9)
	assert.InDelta(t, 0.0, a.TotalReceived, 1e-9)
	assert.InDelta(t, 6.0, a.AvgValue, 1e-9)
	assert.Equal(t, 2, a.UniqueCounterparties)
	assert.InDelta(t, 0.001/12, a.InflowOutflowRatio, 1e-12)
	assert.InDelta(t, 1.0, a.TxFrequency, 1e-9)
	assert.Equal(t, 1.0, a.BurstScore)

	b := byAddr["b"]
	assert.InDelta(t, 2.5, b.InflowOutflowRatio, 1e-9)
	assert.InDelta(t, 200.0, b.TxFrequency, 1e-6, "zero span floors to 0.01h")
	assert.Equal(t, 2.0, b.BurstScore)

	c := byAddr["c"]
	assert.InDelta(t, 6000.0, c.InflowOutflowRatio, 1e-6)
	assert.Equal(t, baseTime.Add(2*time.Hour), c.LastActive)

	d := byAddr["d"]
	assert.Equal(t, 1, d.TxCount)
	assert.Equal(t, 0, d.UniqueCounterparties)
	assert.Equal(t, 0.0, d.TxFrequency, "single timestamp has no frequency")
}

func TestExtractFeatures_EmptyInput(t *testing.T) {
	assert.Empty(t, ExtractFeatures(nil))
}

func TestExtractFeatures_Deterministic(t *testing.T) {
	txs := []models.TransactionRecord{
		transfer(1, "x", "y", 1, baseTime),
		transfer(2, "y", "z", 2, baseTime.Add(time.Minute)),
		transfer(2, "z", "x", 3, baseTime.Add(time.Minute)),
	}
	snapshot := append([]models.TransactionRecord(nil), txs...)

	first := ExtractFeatures(txs)
	second := ExtractFeatures(txs)

	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, txs, "input must not be mutated")
}

func TestWalletFeatureVector_ValuesOrder(t *testing.T) {
	v := models.WalletFeatureVector{
		TxCount: 1, TotalSent: 2, TotalReceived: 3, AvgValue: 4,
		UniqueCounterparties: 5, InflowOutflowRatio: 6, TxFrequency: 7, BurstScore: 8,
	}
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, v.Values())
	assert.Len(t, v.Values(), models.FeatureDimensions)
}

package heuristics

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

func populationWithOutlier(n int) []models.WalletFeatureVector {
	rng := rand.New(rand.NewSource(7))
	out := make([]models.WalletFeatureVector, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, models.WalletFeatureVector{
			Address:              fmt.Sprintf("0xnormal%02d", i),
			TxCount:              5 + rng.Intn(3),
			TotalSent:            1 + rng.Float64(),
			TotalReceived:        1 + rng.Float64(),
			AvgValue:             0.3 + rng.Float64()*0.1,
			UniqueCounterparties: 2 + rng.Intn(2),
			InflowOutflowRatio:   0.9 + rng.Float64()*0.2,
			TxFrequency:          1 + rng.Float64(),
			BurstScore:           1,
		})
	}
	out = append(out, models.WalletFeatureVector{
		Address:              "0xoutlier",
		TxCount:              900,
		TotalSent:            5000,
		TotalReceived:        4900,
		AvgValue:             11,
		UniqueCounterparties: 300,
		InflowOutflowRatio:   0.98,
		TxFrequency:          400,
		BurstScore:           60,
	})
	return out
}

func TestAnomalyModel_InsufficientData(t *testing.T) {
	m := NewAnomalyModel(DefaultModelConfig())
	vectors := populationWithOutlier(3) // 4 wallets

	res := m.Train(vectors)
	assert.Equal(t, TrainStatusInsufficientData, res.Status)
	assert.Equal(t, 4, res.Wallets)
	assert.False(t, m.Trained())
	assert.Empty(t, m.Predict(vectors))
}

func TestAnomalyModel_FlagsOutlier(t *testing.T) {
	m := NewAnomalyModel(DefaultModelConfig())
	vectors := populationWithOutlier(29)

	res := m.Train(vectors)
	require.Equal(t, TrainStatusTrained, res.Status)
	assert.Equal(t, 5, res.Clusters)
	assert.Equal(t, models.FeatureDimensions, res.Features)

	preds := m.Predict(vectors)
	require.Len(t, preds, len(vectors))

	outlier := preds[len(preds)-1]
	assert.Equal(t, "0xoutlier", outlier.Features.Address)
	assert.True(t, outlier.IsAnomaly)
	assert.Equal(t, 100.0, outlier.AnomalyScore)

	for _, p := range preds {
		assert.GreaterOrEqual(t, p.AnomalyScore, 0.0)
		assert.LessOrEqual(t, p.AnomalyScore, 100.0)
		assert.GreaterOrEqual(t, p.ClusterLabel, 0)
		assert.Less(t, p.ClusterLabel, 5)
	}
}

func TestAnomalyModel_PredictTrainsOnFirstUse(t *testing.T) {
	m := NewAnomalyModel(DefaultModelConfig())
	preds := m.Predict(populationWithOutlier(9))

	assert.Len(t, preds, 10)
	assert.True(t, m.Trained())
}

func TestAnomalyModel_DeterministicForSeed(t *testing.T) {
	vectors := populationWithOutlier(19)

	m1 := NewAnomalyModel(DefaultModelConfig())
	m1.Train(vectors)
	m2 := NewAnomalyModel(DefaultModelConfig())
	m2.Train(vectors)

	assert.Equal(t, m1.Predict(vectors), m2.Predict(vectors))
}

func TestAnomalyModel_IdenticalWalletsScoreZero(t *testing.T) {
	vectors := make([]models.WalletFeatureVector, 6)
	for i := range vectors {
		vectors[i] = models.WalletFeatureVector{
			Address: fmt.Sprintf("w%d", i), TxCount: 2, TotalSent: 1, AvgValue: 0.5,
			InflowOutflowRatio: 1, BurstScore: 1,
		}
	}

	m := NewAnomalyModel(DefaultModelConfig())
	preds := m.Predict(vectors)
	require.Len(t, preds, 6)
	for _, p := range preds {
		assert.Equal(t, 0.0, p.AnomalyScore)
		assert.False(t, p.IsAnomaly)
	}
}

func TestAnomalyModel_ClustersCappedByWallets(t *testing.T) {
	cfg := DefaultModelConfig()
	cfg.Clusters = 50
	m := NewAnomalyModel(cfg)

	res := m.Train(populationWithOutlier(6))
	assert.Equal(t, 7, res.Clusters)
}

func TestApplyPredictions(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	preds := []WalletPrediction{{
		Features:     models.WalletFeatureVector{Address: "a", TxCount: 3, TotalSent: 1.23456789},
		AnomalyScore: 42.5,
		IsAnomaly:    true,
		ClusterLabel: 2,
	}}

	profiles := ApplyPredictions(preds, now)
	require.Len(t, profiles, 1)
	p := profiles[0]
	assert.Equal(t, "a", p.Address)
	assert.Equal(t, 3, p.TxCount)
	assert.Equal(t, 1.234568, p.TotalSent)
	assert.Equal(t, 42.5, p.RiskScore)
	assert.True(t, p.IsAnomaly)
	assert.Equal(t, 2, p.ClusterLabel)
	assert.Equal(t, now, p.UpdatedAt)
}

func TestPercentile_Interpolates(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	assert.InDelta(t, 1.0, percentile(values, 0), 1e-12)
	assert.InDelta(t, 2.5, percentile(values, 50), 1e-12)
	assert.InDelta(t, 4.0, percentile(values, 100), 1e-12)
	assert.InDelta(t, 1.15, percentile(values, 5), 1e-12)
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 10.244, averagePathLength(256), 0.01)
}

func TestStandardScaler_ZeroVarianceUnscaled(t *testing.T) {
	s := FitStandardScaler([][]float64{{1, 5}, {3, 5}})
	assert.Equal(t, []float64{2, 5}, s.Mean)
	assert.Equal(t, []float64{1, 1}, s.Scale)
	assert.Equal(t, [][]float64{{-1, 0}, {1, 0}}, s.Transform([][]float64{{1, 5}, {3, 5}}))
}

func TestKMeans_SeparatesGroups(t *testing.T) {
	rows := [][]float64{{0, 0}, {0.1, 0}, {0, 0.1}, {10, 10}, {10.1, 10}, {10, 10.1}}
	km := FitKMeans(rows, 2, 5, 100, rand.New(rand.NewSource(1)))
	labels := km.Predict(rows)

	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[0], labels[2])
	assert.Equal(t, labels[3], labels[4])
	assert.NotEqual(t, labels[0], labels[3])
}

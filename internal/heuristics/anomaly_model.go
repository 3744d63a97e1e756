package heuristics

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Wallet Anomaly & Behaviour Clustering
//
// Standardises the wallet feature vectors, fits an isolation forest to flag
// statistically unusual wallets and k-means to group the rest into
// behavioural clusters. Every Train call replaces the fitted state.
//
// Anomaly score (0-100, higher = more anomalous):
//   score = (max_raw - raw) / (max_raw - min_raw) * 100
// where raw is the forest's decision value. Equal raw values use a
// denominator of 1, so every wallet scores 0.

// MinTrainingWallets is the smallest population the model will fit.
const MinTrainingWallets = 5

// Training statuses.
const (
	TrainStatusTrained          = "trained"
	TrainStatusInsufficientData = "insufficient_data"
)

// ModelConfig holds the anomaly and clustering parameters.
type ModelConfig struct {
	Contamination  float64 `json:"contamination"`
	Clusters       int     `json:"clusters"`
	Trees          int     `json:"trees"`
	SampleSize     int     `json:"sampleSize"`
	Seed           int64   `json:"seed"`
	KMeansRestarts int     `json:"kmeansRestarts"`
	KMeansMaxIter  int     `json:"kmeansMaxIter"`
}

// DefaultModelConfig returns the production defaults.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Contamination:  0.05,
		Clusters:       5,
		Trees:          150,
		SampleSize:     256,
		Seed:           42,
		KMeansRestarts: 10,
		KMeansMaxIter:  300,
	}
}

// TrainResult reports the outcome of a training call. An insufficient_data
// status is a skip, not a failure.
type TrainResult struct {
	Status   string `json:"status"`
	Wallets  int    `json:"wallets"`
	Clusters int    `json:"clusters,omitempty"`
	Features int    `json:"features,omitempty"`
}

// WalletPrediction is the model output for one wallet.
type WalletPrediction struct {
	Features     models.WalletFeatureVector `json:"features"`
	AnomalyScore float64                    `json:"anomalyScore"`
	IsAnomaly    bool                       `json:"isAnomaly"`
	ClusterLabel int                        `json:"clusterLabel"`
}

// AnomalyModel is safe for concurrent use; training and prediction serialise
// on the fitted state.
type AnomalyModel struct {
	cfg ModelConfig

	mu      sync.Mutex
	scaler  *StandardScaler
	forest  *IsolationForest
	kmeans  *KMeans
	trained bool
}

// NewAnomalyModel creates an untrained model.
func NewAnomalyModel(cfg ModelConfig) *AnomalyModel {
	return &AnomalyModel{cfg: cfg}
}

// Trained reports whether a fitted state is available.
func (m *AnomalyModel) Trained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trained
}

// Train fits scaler, forest and clusterer on vectors.
func (m *AnomalyModel) Train(vectors []models.WalletFeatureVector) TrainResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trainLocked(vectors)
}

func (m *AnomalyModel) trainLocked(vectors []models.WalletFeatureVector) TrainResult {
	if len(vectors) < MinTrainingWallets {
		return TrainResult{Status: TrainStatusInsufficientData, Wallets: len(vectors)}
	}

	rows := featureRows(vectors)
	scaler := FitStandardScaler(rows)
	scaled := scaler.Transform(rows)

	// One generator per fit keeps training reproducible for a fixed seed.
	rng := rand.New(rand.NewSource(m.cfg.Seed))
	forest := FitIsolationForest(scaled, m.cfg.Trees, m.cfg.SampleSize, m.cfg.Contamination, rng)

	k := m.cfg.Clusters
	if k > len(vectors) {
		k = len(vectors)
	}
	km := FitKMeans(scaled, k, m.cfg.KMeansRestarts, m.cfg.KMeansMaxIter, rng)

	m.scaler = scaler
	m.forest = forest
	m.kmeans = km
	m.trained = true

	return TrainResult{
		Status:   TrainStatusTrained,
		Wallets:  len(vectors),
		Clusters: k,
		Features: models.FeatureDimensions,
	}
}

// Predict scores vectors with the fitted model, training on them first when
// no model has been fitted. Fewer than MinTrainingWallets vectors yield nil.
func (m *AnomalyModel) Predict(vectors []models.WalletFeatureVector) []WalletPrediction {
	if len(vectors) < MinTrainingWallets {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.trained {
		if res := m.trainLocked(vectors); res.Status != TrainStatusTrained {
			return nil
		}
	}

	scaled := m.scaler.Transform(featureRows(vectors))
	raw := m.forest.DecisionFunction(scaled)
	labels := m.kmeans.Predict(scaled)

	minRaw, maxRaw := raw[0], raw[0]
	for _, r := range raw[1:] {
		minRaw = math.Min(minRaw, r)
		maxRaw = math.Max(maxRaw, r)
	}
	span := maxRaw - minRaw
	if span == 0 {
		span = 1
	}

	out := make([]WalletPrediction, len(vectors))
	for i, v := range vectors {
		score := (maxRaw - raw[i]) / span * 100
		out[i] = WalletPrediction{
			Features:     v,
			AnomalyScore: roundTo(clamp(score, 0, 100), 2),
			IsAnomaly:    raw[i] < 0,
			ClusterLabel: labels[i],
		}
	}
	return out
}

// ApplyPredictions converts predictions into profiles ready for upsert.
func ApplyPredictions(preds []WalletPrediction, now time.Time) []models.WalletProfile {
	profiles := make([]models.WalletProfile, 0, len(preds))
	for _, p := range preds {
		f := p.Features
		profiles = append(profiles, models.WalletProfile{
			Address:              f.Address,
			TxCount:              f.TxCount,
			TotalSent:            roundTo(f.TotalSent, 6),
			TotalReceived:        roundTo(f.TotalReceived, 6),
			AvgValue:             roundTo(f.AvgValue, 6),
			UniqueCounterparties: f.UniqueCounterparties,
			InflowOutflowRatio:   roundTo(f.InflowOutflowRatio, 4),
			TxFrequency:          roundTo(f.TxFrequency, 4),
			BurstScore:           f.BurstScore,
			ClusterLabel:         p.ClusterLabel,
			RiskScore:            p.AnomalyScore,
			IsAnomaly:            p.IsAnomaly,
			LastActive:           f.LastActive,
			UpdatedAt:            now,
		})
	}
	return profiles
}

func featureRows(vectors []models.WalletFeatureVector) [][]float64 {
	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		rows[i] = v.Values()
	}
	return rows
}

func roundTo(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/rawblock/chainwatch-engine/internal/db"
	"github.com/rawblock/chainwatch-engine/internal/heuristics"
	"github.com/rawblock/chainwatch-engine/pkg/models"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

var seq int

func tx(block int64, from, to string, value float64) models.TransactionRecord {
	seq++
	return models.TransactionRecord{
		Hash:        fmt.Sprintf("0x%064x", seq),
		BlockNumber: block,
		From:        from,
		To:          to,
		Value:       value,
		Timestamp:   t0.Add(time.Duration(block) * 12 * time.Second),
	}
}

// flashPair is the two-wallet same-block round trip.
func flashPair() []models.TransactionRecord {
	return []models.TransactionRecord{
		tx(100, "a", "b", 10.0),
		tx(100, "b", "a", 10.0),
	}
}

// sixWallets adds a one-way ring c→d→e→f→c to the flash pair.
func sixWallets() []models.TransactionRecord {
	return append(flashPair(),
		tx(1, "c", "d", 2.0),
		tx(2, "d", "e", 3.0),
		tx(3, "e", "f", 4.0),
		tx(4, "f", "c", 5.0),
	)
}

func newTestOrchestrator(t *testing.T, store db.Store) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	alerts := heuristics.NewAlertManager(store, heuristics.DefaultAlertConfig(), logger)
	return New(store,
		heuristics.NewAnomalyModel(heuristics.DefaultModelConfig()),
		heuristics.NewRiskScorer(heuristics.DefaultRiskWeights()),
		alerts,
		DefaultConfig(),
		logger,
	)
}

func seededStore(t *testing.T, txs []models.TransactionRecord) *db.MemoryStore {
	t.Helper()
	store := db.NewMemoryStore()
	_, err := store.InsertTransactions(context.Background(), txs)
	require.NoError(t, err)
	return store
}

func TestRunFullDetection_Summary(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, sixWallets())
	o := newTestOrchestrator(t, store)

	var notified *RunSummary
	o.OnRunComplete(func(_ context.Context, s *RunSummary) { notified = s })

	summary, err := o.RunFullDetection(ctx)
	require.NoError(t, err)

	assert.Equal(t, heuristics.TrainStatusTrained, summary.Training.Status)
	assert.Equal(t, 6, summary.WalletsProfiled)
	assert.Equal(t, 6, summary.GraphNodes)
	assert.Equal(t, 6, summary.GraphEdges)
	assert.Equal(t, 2, summary.CyclesDetected)
	assert.False(t, summary.CyclesTruncated)
	assert.Equal(t, 1, summary.WashTradePairs)
	assert.Equal(t, 2, summary.FlashLoanEvents)
	assert.Equal(t, 6, summary.HighCentralityWallets)
	assert.Equal(t, 6, summary.WalletsScored)
	assert.Equal(t, 0, summary.UnprofiledGraphWallets)
	assert.Equal(t, 2, summary.AlertsGenerated)
	assert.Empty(t, summary.Error)
	assert.False(t, summary.Degraded())
	assert.Len(t, summary.Stages, 10)

	assert.Same(t, summary, o.LastSummary())
	assert.Same(t, summary, notified)
	assert.False(t, o.IsRunning())

	alerts, err := store.ListAlerts(ctx, db.AlertQuery{})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Contains(t, []string{"a", "b"}, a.WalletAddress)
		assert.Equal(t, models.AlertTypeFlashLoan, a.AlertType)
		assert.NotEmpty(t, a.ID)
	}

	risk, err := store.GetRiskScore(ctx, "a")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, risk.FlashLoanScore, 1e-9)
	assert.InDelta(t, 60.0, risk.WashTradeScore, 1e-9)
	// 2/5 degree centrality·30 + fully bidirectional·40 + degree 2·1.5.
	assert.InDelta(t, 55.0, risk.GraphScore, 1e-9)

	ring, err := store.GetRiskScore(ctx, "c")
	require.NoError(t, err)
	assert.Less(t, ring.CompositeScore, heuristics.DefaultAlertThreshold)
}

func TestRunFullDetection_RepeatRunsAppendAlertsAndTrackClusters(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, sixWallets())
	o := newTestOrchestrator(t, store)

	first, err := o.RunFullDetection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, first.ClusterStability.CommonWallets)

	second, err := o.RunFullDetection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, second.ClusterStability.CommonWallets)
	assert.InDelta(t, 1.0, second.ClusterStability.AdjustedRandIndex, 1e-9)

	alerts, err := store.ListAlerts(ctx, db.AlertQuery{})
	require.NoError(t, err)
	assert.Len(t, alerts, 4)
}

func TestRunFullDetection_InsufficientData(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, flashPair())
	o := newTestOrchestrator(t, store)

	summary, err := o.RunFullDetection(ctx)
	require.NoError(t, err)

	assert.Equal(t, heuristics.TrainStatusInsufficientData, summary.Training.Status)
	assert.Equal(t, 0, summary.WalletsProfiled)
	assert.Equal(t, 0, summary.WalletsScored)
	assert.Equal(t, 2, summary.UnprofiledGraphWallets)
	assert.Equal(t, 0, summary.AlertsGenerated)
	assert.Equal(t, 2, summary.FlashLoanEvents)
	assert.True(t, summary.Degraded())

	var model heuristics.StageResult
	for _, st := range summary.Stages {
		if st.Name == StageModel {
			model = st
		}
	}
	assert.Equal(t, heuristics.StageSkipped, model.Status)
	assert.Contains(t, model.Reason, "insufficient data")

	_, err = store.GetRiskScore(ctx, "a")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRunFullDetection_RejectsOverlap(t *testing.T) {
	o := newTestOrchestrator(t, db.NewMemoryStore())
	o.running.Store(true)

	summary, err := o.RunFullDetection(context.Background())

	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, summary)
	assert.Nil(t, o.LastSummary())
}

type failingRiskStore struct {
	*db.MemoryStore
}

func (failingRiskStore) UpsertRiskScore(context.Context, *models.RiskScore) error {
	return errors.New("connection refused")
}

func TestRunFullDetection_StoreFailureIsFatal(t *testing.T) {
	store := failingRiskStore{seededStore(t, sixWallets())}
	o := newTestOrchestrator(t, store)

	summary, err := o.RunFullDetection(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	require.NotNil(t, summary)
	assert.NotEmpty(t, summary.Error)
	last := summary.Stages[len(summary.Stages)-1]
	assert.Equal(t, StageRisk, last.Name)
	assert.Equal(t, heuristics.StageFailed, last.Status)
	assert.Same(t, summary, o.LastSummary())
	assert.False(t, o.IsRunning())

	alerts, err := store.ListAlerts(context.Background(), db.AlertQuery{})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestComputeRiskFor_LazySnapshot(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, flashPair())
	o := newTestOrchestrator(t, store)

	score, err := o.ComputeRiskFor(ctx, "a")
	require.NoError(t, err)

	// No profile: 0.25·100 graph + 0.20·100 flash + 0.20·60 wash.
	assert.InDelta(t, 57.0, score.CompositeScore, 1e-9)
	assert.Equal(t, models.SeverityHigh, score.Severity)
	assert.InDelta(t, 0.0, score.MLAnomalyScore, 1e-9)
	assert.False(t, score.UpdatedAt.IsZero())

	stored, err := store.GetRiskScore(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, score.CompositeScore, stored.CompositeScore)
	assert.Nil(t, o.LastSummary(), "on-demand scoring must not run the pipeline")
}

func TestComputeRiskFor_UnknownWallet(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, flashPair())
	o := newTestOrchestrator(t, store)

	_, err := o.ComputeRiskFor(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownWallet)

	_, err = store.GetRiskScore(ctx, "nobody")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestComputeRiskFor_KeepsPublishedSnapshot(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, sixWallets())
	o := newTestOrchestrator(t, store)

	_, err := o.RunFullDetection(ctx)
	require.NoError(t, err)
	before, err := o.Snapshot(ctx)
	require.NoError(t, err)

	_, err = store.InsertTransactions(ctx, []models.TransactionRecord{tx(200, "c", "g", 1)})
	require.NoError(t, err)
	_, err = o.ComputeRiskFor(ctx, "g")
	require.NoError(t, err)

	after, err := o.Snapshot(ctx)
	require.NoError(t, err)
	assert.Same(t, before, after)
	assert.False(t, after.Graph.HasNode("g"))
}

func TestGraph_BuildsOnce(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, seededStore(t, flashPair()))

	g1, err := o.Graph(ctx)
	require.NoError(t, err)
	g2, err := o.Graph(ctx)
	require.NoError(t, err)

	assert.Same(t, g1, g2)
	assert.Equal(t, 2, g1.NodeCount())
}

func TestTracedStage_PanicDegrades(t *testing.T) {
	o := newTestOrchestrator(t, db.NewMemoryStore())

	res := o.tracedStage(context.Background(), StageCentrality, func() error {
		panic("matrix exploded")
	})

	assert.Equal(t, heuristics.StageDegraded, res.Status)
	assert.Contains(t, res.Reason, "matrix exploded")
}

func TestRunFullDetection_SpanCarriesCounts(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		_ = tp.Shutdown(context.Background())
	})

	o := newTestOrchestrator(t, seededStore(t, sixWallets()))
	_, err := o.RunFullDetection(context.Background())
	require.NoError(t, err)

	var attrs map[attribute.Key]attribute.Value
	stages := 0
	for _, span := range sr.Ended() {
		switch span.Name() {
		case "pipeline.run_full_detection":
			attrs = make(map[attribute.Key]attribute.Value)
			for _, kv := range span.Attributes() {
				attrs[kv.Key] = kv.Value
			}
		case "pipeline.stage":
			stages++
		}
	}
	require.NotNil(t, attrs, "run span not recorded")
	assert.Equal(t, int64(6), attrs["count.wallets_profiled"].AsInt64())
	assert.Equal(t, int64(6), attrs["count.graph_nodes"].AsInt64())
	assert.Equal(t, int64(6), attrs["count.wallets_scored"].AsInt64())
	assert.Equal(t, int64(2), attrs["count.alerts"].AsInt64())
	assert.Positive(t, stages)
}

func TestSnapshot_KeepsFullCentralityRanking(t *testing.T) {
	store := seededStore(t, sixWallets())
	cfg := DefaultConfig()
	cfg.CentralityTopN = 2
	logger := zaptest.NewLogger(t)
	o := New(store,
		heuristics.NewAnomalyModel(heuristics.DefaultModelConfig()),
		heuristics.NewRiskScorer(heuristics.DefaultRiskWeights()),
		heuristics.NewAlertManager(store, heuristics.DefaultAlertConfig(), logger),
		cfg, logger)

	summary, err := o.RunFullDetection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.HighCentralityWallets)

	snap, err := o.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Centrality, 6)
	assert.Len(t, snap.TopCentrality(2), 2)
	assert.Len(t, snap.TopCentrality(50), 6)
	assert.Len(t, snap.TopCentrality(0), 6)
	for i := 1; i < len(snap.Centrality); i++ {
		assert.GreaterOrEqual(t, snap.Centrality[i-1].Score, snap.Centrality[i].Score)
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/chainwatch-engine/internal/db"
	"github.com/rawblock/chainwatch-engine/internal/heuristics"
	"github.com/rawblock/chainwatch-engine/internal/metrics"
	"github.com/rawblock/chainwatch-engine/internal/traces"
	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Full Detection Pipeline
//
// One run rebuilds everything from the complete transaction history:
//
//   load → features → model (train, predict, upsert profiles) → graph →
//   {cycles, wash, centrality, flash} → risk per profiled wallet → alerts
//
// The four analytic stages only read the freshly built graph and the
// transaction slice, so they run concurrently. Their results are published
// together as one immutable Snapshot; readers holding the previous snapshot
// keep a consistent view until they reload.
//
// Analytic stages degrade (empty or fallback result, reason recorded) on
// error or panic. Store failures while writing profiles, risk scores or
// alerts abort the run and are returned. Writes committed before the failure
// remain; a failed run should be retried in full.

var (
	// ErrRunInProgress is returned when a full run is requested while
	// another one is still executing.
	ErrRunInProgress = errors.New("detection run already in progress")

	// ErrUnknownWallet is returned by ComputeRiskFor for an address with no
	// stored transactions.
	ErrUnknownWallet = errors.New("wallet has no transactions")
)

// Stage names recorded in RunSummary.Stages.
const (
	StageLoad       = "load_transactions"
	StageFeatures   = "features"
	StageModel      = "anomaly_model"
	StageGraph      = "graph"
	StageCycles     = "cycles"
	StageWash       = "wash_trading"
	StageCentrality = "centrality"
	StageFlash      = "flash_loans"
	StageRisk       = "risk_scoring"
	StageAlerts     = "alerts"
)

// Config carries the graph and detector settings used by each run.
type Config struct {
	CycleMaxLength   int
	CycleLimit       int
	CentralityTopN   int
	CentralityPivots int
	CentralitySeed   int64
	FlashLoan        heuristics.FlashLoanConfig
	WashTrade        heuristics.WashTradeConfig
}

func DefaultConfig() Config {
	return Config{
		CycleMaxLength:   heuristics.DefaultCycleMaxLength,
		CycleLimit:       heuristics.DefaultCycleLimit,
		CentralityTopN:   heuristics.DefaultCentralityTopN,
		CentralityPivots: heuristics.DefaultCentralityPivots,
		CentralitySeed:   42,
		FlashLoan:        heuristics.DefaultFlashLoanConfig(),
		WashTrade:        heuristics.DefaultWashTradeConfig(),
	}
}

// Snapshot is the immutable output of the graph-level analytics. It is
// replaced wholesale, never mutated.
type Snapshot struct {
	Graph        *heuristics.InteractionGraph
	Cycles       heuristics.CycleResult
	WashPairs    []models.WashTradePair
	FlashEvents  []models.FlashLoanEvent
	Centrality   []models.CentralityEntry // every wallet, best first
	Transactions int
	BuiltAt      time.Time
}

// Signals returns the graph, flash and wash components for address. The ML
// component comes from the stored profile and is supplied by the caller.
func (s *Snapshot) Signals(address string, ml float64) heuristics.RiskSignals {
	return heuristics.RiskSignals{
		ML:    ml,
		Graph: s.Graph.WalletGraphScore(address),
		Flash: heuristics.WalletFlashScore(s.FlashEvents, address),
		Wash:  heuristics.WalletWashScore(s.WashPairs, address),
	}
}

// TopCentrality returns the n highest-ranked wallets; n <= 0 returns all.
func (s *Snapshot) TopCentrality(n int) []models.CentralityEntry {
	if n <= 0 || n >= len(s.Centrality) {
		return s.Centrality
	}
	return s.Centrality[:n]
}

// RunSummary reports the outcome of one full detection run.
type RunSummary struct {
	RunID                  string                   `json:"runId"`
	Training               heuristics.TrainResult   `json:"mlTraining"`
	WalletsProfiled        int                      `json:"walletsProfiled"`
	GraphNodes             int                      `json:"graphNodes"`
	GraphEdges             int                      `json:"graphEdges"`
	CyclesDetected         int                      `json:"cyclesDetected"`
	CyclesTruncated        bool                     `json:"cyclesTruncated"`
	WashTradePairs         int                      `json:"washTradePairs"`
	FlashLoanEvents        int                      `json:"flashLoanEvents"`
	HighCentralityWallets  int                      `json:"highCentralityWallets"`
	WalletsScored          int                      `json:"walletsScored"`
	UnprofiledGraphWallets int                      `json:"unprofiledGraphWallets"`
	AlertsGenerated        int                      `json:"alertsGenerated"`
	ClusterStability       metrics.Stability        `json:"clusterStability"`
	Stages                 []heuristics.StageResult `json:"stages"`
	Error                  string                   `json:"error,omitempty"`
	StartedAt              time.Time                `json:"startedAt"`
	FinishedAt             time.Time                `json:"finishedAt"`
}

// Degraded reports whether any stage finished without its full result.
func (s *RunSummary) Degraded() bool {
	for _, st := range s.Stages {
		if !st.OK() {
			return true
		}
	}
	return false
}

// RunListener is notified after every completed run, successful or not.
type RunListener func(ctx context.Context, summary *RunSummary)

// Orchestrator composes the detectors over a store. It is safe for
// concurrent use; at most one full run executes at a time.
type Orchestrator struct {
	store  db.Store
	model  *heuristics.AnomalyModel
	flash  *heuristics.FlashLoanDetector
	scorer *heuristics.RiskScorer
	alerts *heuristics.AlertManager
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	running  atomic.Bool
	snapshot atomic.Pointer[Snapshot]
	last     atomic.Pointer[RunSummary]

	buildMu sync.Mutex // serialises lazy snapshot builds

	mu         sync.Mutex
	prevLabels map[string]int
	listeners  []RunListener
}

// New wires an orchestrator. All components are required except logger.
func New(store db.Store, model *heuristics.AnomalyModel, scorer *heuristics.RiskScorer,
	alerts *heuristics.AlertManager, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:  store,
		model:  model,
		flash:  heuristics.NewFlashLoanDetector(cfg.FlashLoan),
		scorer: scorer,
		alerts: alerts,
		cfg:    cfg,
		logger: logger.Named("pipeline"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnRunComplete registers fn to receive run summaries.
func (o *Orchestrator) OnRunComplete(fn RunListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// IsRunning reports whether a full run is executing.
func (o *Orchestrator) IsRunning() bool {
	return o.running.Load()
}

// LastSummary returns the most recent run summary, or nil before the first run.
func (o *Orchestrator) LastSummary() *RunSummary {
	return o.last.Load()
}

// RunFullDetection executes one full pass. Overlapping calls return
// ErrRunInProgress immediately.
func (o *Orchestrator) RunFullDetection(ctx context.Context) (summary *RunSummary, err error) {
	if !o.running.CompareAndSwap(false, true) {
		metrics.DetectionRunsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)

	ctx, span := traces.StartSpan(ctx, "pipeline.run_full_detection")
	defer func() { traces.EndSpan(span, err) }()

	summary = &RunSummary{RunID: uuid.NewString(), StartedAt: o.now()}
	log := o.logger.With(zap.String("runId", summary.RunID))
	log.Info("detection run started")

	err = o.run(ctx, summary, log)

	summary.FinishedAt = o.now()
	elapsed := summary.FinishedAt.Sub(summary.StartedAt)
	span.SetAttributes(
		traces.Count("wallets_profiled", summary.WalletsProfiled),
		traces.Count("graph_nodes", summary.GraphNodes),
		traces.Count("wallets_scored", summary.WalletsScored),
		traces.Count("alerts", summary.AlertsGenerated),
	)
	if err != nil {
		summary.Error = err.Error()
		metrics.DetectionRunsTotal.WithLabelValues("failed").Inc()
		log.Error("detection run failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		metrics.DetectionRunsTotal.WithLabelValues("ok").Inc()
		metrics.DetectionRunDuration.Observe(elapsed.Seconds())
		log.Info("detection run complete",
			zap.Duration("elapsed", elapsed),
			zap.Int("walletsProfiled", summary.WalletsProfiled),
			zap.Int("walletsScored", summary.WalletsScored),
			zap.Int("alerts", summary.AlertsGenerated),
			zap.Bool("degraded", summary.Degraded()))
	}
	o.last.Store(summary)
	o.notify(ctx, summary)
	return summary, err
}

func (o *Orchestrator) run(ctx context.Context, summary *RunSummary, log *zap.Logger) error {
	record := func(res heuristics.StageResult) {
		summary.Stages = append(summary.Stages, res)
		metrics.StageStatusTotal.WithLabelValues(res.Name, res.Status).Inc()
		if !res.OK() {
			log.Warn("stage did not complete normally",
				zap.String("stage", res.Name), zap.String("status", res.Status), zap.String("reason", res.Reason))
		}
	}

	// ─── Load ───────────────────────────────────────────────────────────
	start := time.Now()
	txs, err := o.store.ListTransactions(ctx)
	if err != nil {
		record(failedStage(StageLoad, start, err))
		return fmt.Errorf("load transactions: %w", err)
	}
	record(okStage(StageLoad, start))

	// ─── Features + model ──────────────────────────────────────────────
	start = time.Now()
	vectors := heuristics.ExtractFeatures(txs)
	record(okStage(StageFeatures, start))

	var preds []heuristics.WalletPrediction
	res := o.tracedStage(ctx, StageModel, func() error {
		summary.Training = o.model.Train(vectors)
		if summary.Training.Status == heuristics.TrainStatusInsufficientData {
			return nil
		}
		preds = o.model.Predict(vectors)
		return nil
	})
	if res.OK() && summary.Training.Status == heuristics.TrainStatusInsufficientData {
		res.Status = heuristics.StageSkipped
		res.Reason = fmt.Sprintf("insufficient data: %d wallets, need %d",
			summary.Training.Wallets, heuristics.MinTrainingWallets)
	}
	record(res)

	if len(preds) > 0 {
		profiles := heuristics.ApplyPredictions(preds, o.now())
		if err := o.store.UpsertWalletProfiles(ctx, profiles); err != nil {
			return fmt.Errorf("upsert wallet profiles: %w", err)
		}
		summary.ClusterStability = o.trackClusters(preds)
		metrics.ClusterARI.Set(summary.ClusterStability.AdjustedRandIndex)
	}
	summary.WalletsProfiled = len(preds)
	metrics.WalletsProfiled.Set(float64(len(preds)))

	// ─── Graph + analytics ─────────────────────────────────────────────
	snap, stages := o.analyze(ctx, txs)
	for _, st := range stages {
		record(st)
	}
	o.snapshot.Store(snap)

	summary.GraphNodes = snap.Graph.NodeCount()
	summary.GraphEdges = snap.Graph.EdgeCount()
	summary.CyclesDetected = len(snap.Cycles.Cycles)
	summary.CyclesTruncated = snap.Cycles.Truncated
	summary.WashTradePairs = len(snap.WashPairs)
	summary.FlashLoanEvents = len(snap.FlashEvents)
	summary.HighCentralityWallets = len(snap.TopCentrality(o.cfg.CentralityTopN))
	metrics.GraphNodes.Set(float64(summary.GraphNodes))
	metrics.GraphEdges.Set(float64(summary.GraphEdges))

	// ─── Risk + alerts ─────────────────────────────────────────────────
	start = time.Now()
	profiles, err := o.store.AllWalletProfiles(ctx)
	if err != nil {
		record(failedStage(StageRisk, start, err))
		return fmt.Errorf("load wallet profiles: %w", err)
	}

	profiled := make(map[string]struct{}, len(profiles))
	scores := make([]models.RiskScore, 0, len(profiles))
	for _, p := range profiles {
		profiled[p.Address] = struct{}{}
		score := o.scorer.Score(p.Address, snap.Signals(p.Address, p.RiskScore))
		score.UpdatedAt = o.now()
		if err := o.store.UpsertRiskScore(ctx, &score); err != nil {
			record(failedStage(StageRisk, start, err))
			return fmt.Errorf("upsert risk score for %s: %w", p.Address, err)
		}
		scores = append(scores, score)
	}
	for _, addr := range snap.Graph.Nodes() {
		if _, ok := profiled[addr]; !ok {
			summary.UnprofiledGraphWallets++
		}
	}
	summary.WalletsScored = len(scores)
	record(okStage(StageRisk, start))

	start = time.Now()
	for _, score := range scores {
		if !o.alerts.ShouldAlert(score) {
			continue
		}
		alert, err := o.alerts.Emit(ctx, heuristics.BuildAlert(score))
		if err != nil {
			record(failedStage(StageAlerts, start, err))
			return err
		}
		summary.AlertsGenerated++
		metrics.AlertsTotal.WithLabelValues(alert.AlertType, alert.Severity).Inc()
	}
	record(okStage(StageAlerts, start))
	return nil
}

// analyze builds a graph over txs and runs the four analytic stages
// concurrently against it.
func (o *Orchestrator) analyze(ctx context.Context, txs []models.TransactionRecord) (*Snapshot, []heuristics.StageResult) {
	snap := &Snapshot{Transactions: len(txs)}

	graphRes := o.tracedStage(ctx, StageGraph, func() error {
		snap.Graph = heuristics.BuildInteractionGraph(txs)
		return nil
	})
	if snap.Graph == nil {
		snap.Graph = heuristics.BuildInteractionGraph(nil)
	}
	g := snap.Graph

	results := make([]heuristics.StageResult, 4)
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		results[0] = o.tracedStage(gctx, StageCycles, func() error {
			snap.Cycles = g.DetectCycles(o.cfg.CycleMaxLength, o.cfg.CycleLimit)
			return nil
		})
		if !results[0].OK() {
			snap.Cycles = heuristics.CycleResult{Cycles: make([][]string, 0)}
		}
		return nil
	})
	eg.Go(func() error {
		results[1] = o.tracedStage(gctx, StageWash, func() error {
			snap.WashPairs = heuristics.DetectWashTrading(g, o.cfg.WashTrade)
			return nil
		})
		if !results[1].OK() {
			snap.WashPairs = nil
		}
		return nil
	})
	eg.Go(func() error {
		results[2] = o.tracedStage(gctx, StageCentrality, func() error {
			snap.Centrality = g.ComputeCentrality(0, o.cfg.CentralityPivots, o.cfg.CentralitySeed)
			return nil
		})
		if !results[2].OK() {
			snap.Centrality = g.DegreeOnlyCentrality(0)
		}
		return nil
	})
	eg.Go(func() error {
		results[3] = o.tracedStage(gctx, StageFlash, func() error {
			snap.FlashEvents = o.flash.Detect(txs)
			return nil
		})
		if !results[3].OK() {
			snap.FlashEvents = nil
		}
		return nil
	})
	_ = eg.Wait() // stages never return errors; failures are in results

	snap.BuiltAt = o.now()
	return snap, append([]heuristics.StageResult{graphRes}, results...)
}

// Snapshot returns the published analytics snapshot, building one from the
// stored history if no run has published yet.
func (o *Orchestrator) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := o.snapshot.Load(); snap != nil {
		return snap, nil
	}

	o.buildMu.Lock()
	defer o.buildMu.Unlock()
	if snap := o.snapshot.Load(); snap != nil {
		return snap, nil
	}

	txs, err := o.store.ListTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	snap, stages := o.analyze(ctx, txs)
	for _, st := range stages {
		if !st.OK() {
			o.logger.Warn("lazy snapshot stage degraded", zap.String("stage", st.Name), zap.String("reason", st.Reason))
		}
	}
	// A full run may have published meanwhile; keep the newer one.
	if o.snapshot.CompareAndSwap(nil, snap) {
		return snap, nil
	}
	return o.snapshot.Load(), nil
}

// Graph returns the published interaction graph, building it lazily.
func (o *Orchestrator) Graph(ctx context.Context) (*heuristics.InteractionGraph, error) {
	snap, err := o.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Graph, nil
}

// ComputeRiskFor scores one wallet from the published snapshot and its stored
// profile, then upserts the result. It never trains the model or replaces an
// existing snapshot.
func (o *Orchestrator) ComputeRiskFor(ctx context.Context, address string) (models.RiskScore, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.compute_risk", traces.Wallet(address))
	var err error
	defer func() { traces.EndSpan(span, err) }()

	n, err := o.store.CountTransactionsFor(ctx, address)
	if err != nil {
		return models.RiskScore{}, fmt.Errorf("count transactions for %s: %w", address, err)
	}
	if n == 0 {
		return models.RiskScore{}, ErrUnknownWallet
	}

	snap, err := o.Snapshot(ctx)
	if err != nil {
		return models.RiskScore{}, err
	}

	ml := 0.0
	profile, perr := o.store.GetWalletProfile(ctx, address)
	switch {
	case perr == nil:
		ml = profile.RiskScore
	case !errors.Is(perr, db.ErrNotFound):
		err = fmt.Errorf("load profile for %s: %w", address, perr)
		return models.RiskScore{}, err
	}

	score := o.scorer.Score(address, snap.Signals(address, ml))
	score.UpdatedAt = o.now()
	if err = o.store.UpsertRiskScore(ctx, &score); err != nil {
		err = fmt.Errorf("upsert risk score for %s: %w", address, err)
		return models.RiskScore{}, err
	}
	return score, nil
}

// trackClusters compares this run's labels with the previous run's and
// remembers the new ones.
func (o *Orchestrator) trackClusters(preds []heuristics.WalletPrediction) metrics.Stability {
	current := make(map[string]int, len(preds))
	for _, p := range preds {
		current[p.Features.Address] = p.ClusterLabel
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	st := metrics.ClusterStability(o.prevLabels, current)
	o.prevLabels = current
	return st
}

func (o *Orchestrator) notify(ctx context.Context, summary *RunSummary) {
	o.mu.Lock()
	listeners := append([]RunListener(nil), o.listeners...)
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, summary)
	}
}

func (o *Orchestrator) tracedStage(ctx context.Context, name string, fn func() error) heuristics.StageResult {
	_, span := traces.StartSpan(ctx, "pipeline.stage", traces.Stage(name))
	res := heuristics.RunStage(name, fn)
	span.SetAttributes(traces.StageStatus(res.Status))
	var err error
	if res.Status != heuristics.StageOK {
		err = errors.New(res.Reason)
	}
	traces.EndSpan(span, err)
	return res
}

func okStage(name string, start time.Time) heuristics.StageResult {
	return heuristics.StageResult{Name: name, Status: heuristics.StageOK, Duration: time.Since(start)}
}

func failedStage(name string, start time.Time, err error) heuristics.StageResult {
	return heuristics.StageResult{Name: name, Status: heuristics.StageFailed, Reason: err.Error(), Duration: time.Since(start)}
}

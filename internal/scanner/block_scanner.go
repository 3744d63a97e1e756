package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/chainwatch-engine/internal/pipeline"
)

// BlockScanner watches the stored chain height and schedules a full
// detection run in the background whenever a new block batch has been
// ingested. Runs never execute on the polling goroutine, so a slow run does
// not delay the next height check.
type BlockScanner struct {
	source   BlockSource
	runner   Runner
	interval time.Duration
	logger   *zap.Logger

	// Progress tracking (atomic for safe concurrent reads)
	lastBlock     atomic.Int64
	runsTriggered atomic.Int64
	runsSkipped   atomic.Int64
	runsFailed    atomic.Int64
	isRunning     atomic.Bool

	wg sync.WaitGroup
}

// BlockSource reports the highest stored block number.
type BlockSource interface {
	LatestBlock(ctx context.Context) (int64, error)
}

// Runner executes one full detection pass.
type Runner interface {
	RunFullDetection(ctx context.Context) (*pipeline.RunSummary, error)
}

// ScanProgress represents the scanner's current state for the API
type ScanProgress struct {
	IsRunning     bool  `json:"isRunning"`
	LastBlock     int64 `json:"lastBlock"`
	RunsTriggered int64 `json:"runsTriggered"`
	RunsSkipped   int64 `json:"runsSkipped"`
	RunsFailed    int64 `json:"runsFailed"`
}

func NewBlockScanner(source BlockSource, runner Runner, interval time.Duration, logger *zap.Logger) *BlockScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &BlockScanner{
		source:   source,
		runner:   runner,
		interval: interval,
		logger:   logger.Named("scanner"),
	}
}

// GetProgress returns the current scanning progress (thread-safe)
func (s *BlockScanner) GetProgress() ScanProgress {
	return ScanProgress{
		IsRunning:     s.isRunning.Load(),
		LastBlock:     s.lastBlock.Load(),
		RunsTriggered: s.runsTriggered.Load(),
		RunsSkipped:   s.runsSkipped.Load(),
		RunsFailed:    s.runsFailed.Load(),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight runs.
func (s *BlockScanner) Run(ctx context.Context) {
	if !s.isRunning.CompareAndSwap(false, true) {
		s.logger.Warn("scanner already running, ignoring duplicate start")
		return
	}
	defer s.isRunning.Store(false)

	s.logger.Info("block scanner started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("block scanner stopped", zap.Int64("lastBlock", s.lastBlock.Load()))
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll checks the stored height once and starts a background run when it
// has advanced. It reports whether a run was started.
func (s *BlockScanner) Poll(ctx context.Context) bool {
	latest, err := s.source.LatestBlock(ctx)
	if err != nil {
		s.logger.Warn("latest block lookup failed", zap.Error(err))
		return false
	}

	prev := s.lastBlock.Load()
	if latest <= prev || !s.lastBlock.CompareAndSwap(prev, latest) {
		return false
	}

	s.runsTriggered.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("new blocks detected, running detection",
			zap.Int64("from", prev+1), zap.Int64("to", latest))

		_, err := s.runner.RunFullDetection(ctx)
		switch {
		case err == nil:
		case errors.Is(err, pipeline.ErrRunInProgress):
			// Let the next poll retry this height.
			s.runsSkipped.Add(1)
			s.lastBlock.CompareAndSwap(latest, prev)
			s.logger.Info("detection already running, will retry", zap.Int64("block", latest))
		default:
			// A failed run is retried in full at the next poll.
			s.runsFailed.Add(1)
			s.lastBlock.CompareAndSwap(latest, prev)
			s.logger.Error("triggered detection run failed, will retry", zap.Int64("block", latest), zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until runs started by Poll have returned.
func (s *BlockScanner) Wait() {
	s.wg.Wait()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rawblock/chainwatch-engine/internal/api"
	"github.com/rawblock/chainwatch-engine/internal/config"
	"github.com/rawblock/chainwatch-engine/internal/db"
	"github.com/rawblock/chainwatch-engine/internal/heuristics"
	"github.com/rawblock/chainwatch-engine/internal/ingest"
	"github.com/rawblock/chainwatch-engine/internal/pipeline"
	"github.com/rawblock/chainwatch-engine/internal/scanner"
	"github.com/rawblock/chainwatch-engine/internal/stream"
	"github.com/rawblock/chainwatch-engine/internal/traces"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	root := &cobra.Command{
		Use:          "chainwatch",
		Short:        "On-chain fraud detection and wallet risk scoring engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("database-url", "", "Postgres DSN; in-memory store when empty")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, alert stream and block-driven detection",
		RunE:  runServe,
	}
	serveCmd.Flags().String("http-addr", ":8000", "HTTP listen address")
	serveCmd.Flags().Bool("auto-detect", true, "run detection when new blocks are ingested")
	serveCmd.Flags().Duration("poll-interval", 10*time.Second, "block height poll interval")
	root.AddCommand(serveCmd)

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Run the detection pipeline once and print the run summary",
		RunE:  runDetect,
	}
	root.AddCommand(detectCmd)

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load transactions from a JSONL file",
		RunE:  runIngest,
	}
	ingestCmd.Flags().String("file", "", "input transactions JSONL (one record per line)")
	ingestCmd.Flags().Bool("detect", false, "run detection after ingesting")
	root.AddCommand(ingestCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine is the wired detection core shared by every command.
type engine struct {
	cfg      config.Config
	logger   *zap.Logger
	store    db.Store
	alerts   *heuristics.AlertManager
	pipeline *pipeline.Orchestrator
	ingester *ingest.Ingester
	closers  []func()
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func setup(ctx context.Context, cmd *cobra.Command) (*engine, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg, logger: logger}
	e.closers = append(e.closers, func() { _ = logger.Sync() })

	if cfg.DatabaseURL != "" {
		pg, err := db.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		e.closers = append(e.closers, pg.Close)
		if err := pg.InitSchema(ctx); err != nil {
			e.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
		e.store = pg
	} else {
		logger.Warn("no database url configured, using in-memory store")
		e.store = db.NewMemoryStore()
	}

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, version, logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTraces(sctx); err != nil {
			logger.Warn("trace flush failed", zap.Error(err))
		}
	})

	e.alerts = heuristics.NewAlertManager(e.store, cfg.Alerts, logger)
	if cfg.WebhookURL != "" {
		e.alerts.RegisterWebhook("default", cfg.WebhookURL, cfg.WebhookMinSeverity, nil)
	}
	e.closers = append(e.closers, e.alerts.Wait)

	pcfg := pipeline.DefaultConfig()
	pcfg.CycleMaxLength = cfg.CycleMaxLength
	pcfg.CycleLimit = cfg.CycleLimit
	pcfg.CentralityTopN = cfg.CentralityTopN
	pcfg.CentralityPivots = cfg.CentralityPivots
	pcfg.FlashLoan = cfg.FlashLoan
	pcfg.WashTrade = cfg.WashTrade

	e.pipeline = pipeline.New(e.store,
		heuristics.NewAnomalyModel(cfg.Model),
		heuristics.NewRiskScorer(cfg.Weights),
		e.alerts, pcfg, logger)
	e.ingester = ingest.NewIngester(e.store, logger)

	if len(cfg.KafkaBrokers) > 0 {
		sink, err := stream.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, func() { _ = sink.Close() })
		e.alerts.AddSink("kafka", sink)
		e.pipeline.OnRunComplete(func(ctx context.Context, s *pipeline.RunSummary) {
			if err := sink.Emit(ctx, stream.TypeRunSummary, s.RunID, s); err != nil {
				logger.Warn("run summary not published", zap.Error(err))
			}
		})
		logger.Info("kafka sink enabled",
			zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	return e, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg, logger := e.cfg, e.logger

	hub := api.NewHub(cfg.AllowedOrigins, logger)
	go hub.Run(ctx)
	e.alerts.AddSink("websocket", hub)
	e.pipeline.OnRunComplete(hub.PublishRunSummary)

	var blockScanner *scanner.BlockScanner
	if cfg.AutoDetect {
		blockScanner = scanner.NewBlockScanner(e.store, e.pipeline, cfg.PollInterval, logger)
		go blockScanner.Run(ctx)
	}

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Stop()

	router := api.SetupRouter(api.Deps{
		Store:          e.store,
		Pipeline:       e.pipeline,
		Ingester:       e.ingester,
		Scanner:        blockScanner,
		Hub:            hub,
		Alerts:         e.alerts,
		Logger:         logger,
		BaseContext:    ctx,
		AuthToken:      cfg.APIAuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimiter:    limiter,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("engine listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("version", version),
			zap.Bool("auto_detect", cfg.AutoDetect))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if blockScanner != nil {
		blockScanner.Wait()
	}
	return nil
}

func runDetect(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	summary, err := e.pipeline.RunFullDetection(ctx)
	if summary != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			return encErr
		}
	}
	return err
}

func runIngest(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		return fmt.Errorf("--file is required")
	}
	detect, _ := cmd.Flags().GetBool("detect")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	recs, parseRejects, err := ingest.ReadJSONL(f)
	if err != nil {
		return err
	}
	res, err := e.ingester.Ingest(ctx, recs)
	if err != nil {
		return err
	}

	e.logger.Info("ingest complete",
		zap.String("file", path),
		zap.Int("received", res.Received+len(parseRejects)),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", len(res.Rejected)+len(parseRejects)))
	for _, r := range append(parseRejects, res.Rejected...) {
		e.logger.Debug("record rejected",
			zap.Int("index", r.Index), zap.String("hash", r.Hash), zap.String("reason", r.Reason))
	}

	if !detect {
		return nil
	}
	summary, err := e.pipeline.RunFullDetection(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("detection complete",
		zap.String("run_id", summary.RunID),
		zap.Int("wallets_scored", summary.WalletsScored),
		zap.Int("alerts", summary.AlertsGenerated))
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rawblock/chainwatch-engine/internal/db"
	"github.com/rawblock/chainwatch-engine/internal/heuristics"
	"github.com/rawblock/chainwatch-engine/internal/ingest"
	"github.com/rawblock/chainwatch-engine/internal/metrics"
	"github.com/rawblock/chainwatch-engine/internal/pipeline"
	"github.com/rawblock/chainwatch-engine/internal/scanner"
)

// Deps are the collaborators served by the router. Scanner, Hub and Alerts
// are optional.
type Deps struct {
	Store    db.Store
	Pipeline *pipeline.Orchestrator
	Ingester *ingest.Ingester
	Scanner  *scanner.BlockScanner
	Hub      *Hub
	Alerts   *heuristics.AlertManager
	Logger   *zap.Logger

	// BaseContext parents background detection runs started over HTTP.
	BaseContext context.Context

	AuthToken      string
	AllowedOrigins []string
	RateLimiter    *RateLimiter
}

type APIHandler struct {
	store    db.Store
	pipeline *pipeline.Orchestrator
	ingester *ingest.Ingester
	scanner  *scanner.BlockScanner
	hub      *Hub
	alerts   *heuristics.AlertManager
	logger   *zap.Logger
	baseCtx  context.Context
}

func SetupRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx := d.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	r := gin.New()
	r.Use(gin.Recovery(), metrics.Middleware(), CORSMiddleware(d.AllowedOrigins))
	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware())
	}

	handler := &APIHandler{
		store:    d.Store,
		pipeline: d.Pipeline,
		ingester: d.Ingester,
		scanner:  d.Scanner,
		hub:      d.Hub,
		alerts:   d.Alerts,
		logger:   logger.Named("api"),
		baseCtx:  baseCtx,
	}

	r.GET("/metrics", metrics.Handler())

	public := r.Group("/api/v1")
	{
		public.GET("/health", handler.handleHealth)
		if d.Hub != nil {
			public.GET("/stream", d.Hub.Subscribe)
		}
	}

	api := r.Group("/api/v1", AuthMiddleware(d.AuthToken, logger))
	{
		api.GET("/status", handler.handleStatus)

		api.GET("/transactions", handler.handleListTransactions)
		api.POST("/transactions", handler.handleIngestTransactions)

		api.POST("/detection/run", handler.handleRunDetection)
		api.GET("/detection/last", handler.handleLastRun)

		api.GET("/wallet-profiles", handler.handleWalletProfiles)
		api.GET("/risk-score/:address", handler.handleRiskScore)
		api.GET("/risk-scores", handler.handleListRiskScores)

		api.GET("/alerts", handler.handleListAlerts)
		api.POST("/alerts/:id/resolve", handler.handleResolveAlert)

		if d.Alerts != nil {
			api.GET("/alerts/recent", handler.handleRecentAlerts)
			api.GET("/webhooks", handler.handleListWebhooks)
			api.POST("/webhooks", handler.handleRegisterWebhook)
			api.DELETE("/webhooks/:name", handler.handleRemoveWebhook)
		}

		api.GET("/graph", handler.handleGraph)
		api.GET("/timeline", handler.handleTimeline)
		api.GET("/flash-loans", handler.handleFlashLoans)
		api.GET("/wash-trades", handler.handleWashTrades)
		api.GET("/cycles", handler.handleCycles)
		api.GET("/centrality", handler.handleCentrality)
	}

	return r
}

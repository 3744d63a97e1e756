package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rawblock/chainwatch-engine/internal/db"
	"github.com/rawblock/chainwatch-engine/internal/ingest"
	"github.com/rawblock/chainwatch-engine/internal/pipeline"
	"github.com/rawblock/chainwatch-engine/pkg/models"
)

const (
	maxIngestBatch   = 5000
	maxIngestBody    = 16 << 20
	severityUnknown  = "unknown"
	unknownWalletMsg = "No transactions found for this wallet."
)

// ─── Health / status ──────────────────────────────────────────────────

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"detection": gin.H{"running": h.pipeline.IsRunning()},
	})
}

func (h *APIHandler) handleStatus(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to load store statistics", err)
		return
	}

	resp := gin.H{
		"stats":            stats,
		"detectionRunning": h.pipeline.IsRunning(),
		"lastRun":          h.pipeline.LastSummary(),
		"timestamp":        time.Now().UTC(),
	}
	if h.scanner != nil {
		resp["scanner"] = h.scanner.GetProgress()
	}
	if h.hub != nil {
		resp["streamClients"] = h.hub.ClientCount()
	}
	c.JSON(http.StatusOK, resp)
}

// ─── Transactions ─────────────────────────────────────────────────────

func (h *APIHandler) handleListTransactions(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 50, 1, 500)
	if !ok {
		return
	}
	txs, err := h.store.RecentTransactions(c.Request.Context(), limit)
	if err != nil {
		h.internalError(c, "Failed to fetch transactions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(txs), "transactions": txs})
}

// handleIngestTransactions accepts either a JSON array of records or
// {"transactions": [...]}.
func (h *APIHandler) handleIngestTransactions(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBody+1))
	if err != nil || len(body) > maxIngestBody {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable or oversized request body"})
		return
	}

	var recs []models.TransactionRecord
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		err = json.Unmarshal(body, &recs)
	} else {
		var wrapped struct {
			Transactions []models.TransactionRecord `json:"transactions"`
		}
		err = json.Unmarshal(body, &wrapped)
		recs = wrapped.Transactions
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if len(recs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No transactions supplied"})
		return
	}
	if len(recs) > maxIngestBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Batch exceeds %d transactions", maxIngestBatch)})
		return
	}

	res, err := h.ingester.Ingest(c.Request.Context(), recs)
	if err != nil {
		h.internalError(c, "Failed to store transactions", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ─── Detection ────────────────────────────────────────────────────────

func (h *APIHandler) handleRunDetection(c *gin.Context) {
	if h.pipeline.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "Detection run already in progress"})
		return
	}

	go func() {
		if _, err := h.pipeline.RunFullDetection(h.baseCtx); err != nil {
			if errors.Is(err, pipeline.ErrRunInProgress) {
				h.logger.Info("manual detection run skipped, another run started first")
				return
			}
			h.logger.Error("manual detection run failed", zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "started",
		"message": "Detection pipeline running in background. Poll /api/v1/detection/last for the summary.",
	})
}

func (h *APIHandler) handleLastRun(c *gin.Context) {
	summary := h.pipeline.LastSummary()
	if summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No detection run has completed yet"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ─── Wallets ──────────────────────────────────────────────────────────

func (h *APIHandler) handleWalletProfiles(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 100, 1, 1000)
	if !ok {
		return
	}
	sortBy := c.DefaultQuery("sort_by", db.SortByRiskScore)
	switch sortBy {
	case db.SortByRiskScore, db.SortByTxCount, db.SortByTotalValue:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "sort_by must be one of risk_score, tx_count, total_value_sent"})
		return
	}

	profiles, err := h.store.ListWalletProfiles(c.Request.Context(), db.ProfileQuery{Limit: limit, SortBy: sortBy})
	if err != nil {
		h.internalError(c, "Failed to fetch wallet profiles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(profiles), "profiles": profiles})
}

type riskResponse struct {
	models.RiskScore
	TxCount int `json:"txCount"`
}

func (h *APIHandler) handleRiskScore(c *gin.Context) {
	addr, err := ingest.NormalizeAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address"})
		return
	}
	ctx := c.Request.Context()

	n, err := h.store.CountTransactionsFor(ctx, addr)
	if err != nil {
		h.internalError(c, "Failed to count wallet transactions", err)
		return
	}
	if n == 0 {
		c.JSON(http.StatusOK, riskResponse{
			RiskScore: models.RiskScore{
				WalletAddress: addr,
				Severity:      severityUnknown,
				Explanation:   unknownWalletMsg,
			},
		})
		return
	}

	score, err := h.pipeline.ComputeRiskFor(ctx, addr)
	if err != nil {
		h.internalError(c, "Risk computation failed", err)
		return
	}
	c.JSON(http.StatusOK, riskResponse{RiskScore: score, TxCount: n})
}

func (h *APIHandler) handleListRiskScores(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 100, 1, 1000)
	if !ok {
		return
	}
	var minScore float64
	if raw := c.Query("min_score"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_score must be a number in [0, 100]"})
			return
		}
		minScore = v
	}

	scores, err := h.store.ListRiskScores(c.Request.Context(), db.RiskQuery{Limit: limit, MinScore: minScore})
	if err != nil {
		h.internalError(c, "Failed to fetch risk scores", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(scores), "scores": scores})
}

// ─── Alerts ───────────────────────────────────────────────────────────

func (h *APIHandler) handleListAlerts(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 50, 1, 500)
	if !ok {
		return
	}
	q := db.AlertQuery{
		Limit:    limit,
		Type:     c.Query("type"),
		Severity: c.Query("severity"),
		Address:  strings.ToLower(c.Query("address")),
	}
	if raw := c.Query("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resolved must be true or false"})
			return
		}
		q.Resolved = &resolved
	}

	alerts, err := h.store.ListAlerts(c.Request.Context(), q)
	if err != nil {
		h.internalError(c, "Failed to fetch alerts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "alerts": alerts})
}

func (h *APIHandler) handleResolveAlert(c *gin.Context) {
	id := c.Param("id")
	err := h.store.ResolveAlert(c.Request.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
	case err != nil:
		h.internalError(c, "Failed to resolve alert", err)
	default:
		c.JSON(http.StatusOK, gin.H{"id": id, "isResolved": true})
	}
}

// handleRecentAlerts serves the in-process alert history, newest first. It
// covers alerts emitted since start-up only; the store holds the full log.
func (h *APIHandler) handleRecentAlerts(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 50, 1, 1000)
	if !ok {
		return
	}
	alerts := h.alerts.GetRecentAlerts(limit)
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "alerts": alerts})
}

// ─── Webhooks ─────────────────────────────────────────────────────────

type webhookRequest struct {
	Name        string            `json:"name" binding:"required"`
	URL         string            `json:"url" binding:"required"`
	MinSeverity string            `json:"minSeverity"`
	Headers     map[string]string `json:"headers"`
}

func (h *APIHandler) handleListWebhooks(c *gin.Context) {
	hooks := h.alerts.Webhooks()
	c.JSON(http.StatusOK, gin.H{"count": len(hooks), "webhooks": nonNil(hooks)})
}

func (h *APIHandler) handleRegisterWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be an absolute http(s) URL"})
		return
	}
	if req.MinSeverity == "" {
		req.MinSeverity = models.SeverityLow
	}
	switch req.MinSeverity {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "minSeverity must be one of low, medium, high, critical"})
		return
	}

	h.alerts.RegisterWebhook(req.Name, req.URL, req.MinSeverity, req.Headers)
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "url": req.URL, "minSeverity": req.MinSeverity})
}

func (h *APIHandler) handleRemoveWebhook(c *gin.Context) {
	name := c.Param("name")
	if !h.alerts.RemoveWebhook(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhook not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ─── Graph analytics ──────────────────────────────────────────────────

func (h *APIHandler) handleGraph(c *gin.Context) {
	g, err := h.pipeline.Graph(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to build interaction graph", err)
		return
	}
	c.JSON(http.StatusOK, g.ExportView())
}

func (h *APIHandler) handleTimeline(c *gin.Context) {
	hours, ok := queryInt(c, "hours", 24, 1, 168)
	if !ok {
		return
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	buckets, err := h.store.Timeline(c.Request.Context(), since)
	if err != nil {
		h.internalError(c, "Failed to build timeline", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours, "timeline": buckets})
}

func (h *APIHandler) handleFlashLoans(c *gin.Context) {
	snap, ok := h.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(snap.FlashEvents), "events": nonNil(snap.FlashEvents)})
}

func (h *APIHandler) handleWashTrades(c *gin.Context) {
	snap, ok := h.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(snap.WashPairs), "pairs": nonNil(snap.WashPairs)})
}

func (h *APIHandler) handleCycles(c *gin.Context) {
	snap, ok := h.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(snap.Cycles.Cycles),
		"truncated": snap.Cycles.Truncated,
		"cycles":    nonNil(snap.Cycles.Cycles),
	})
}

func (h *APIHandler) handleCentrality(c *gin.Context) {
	top, ok := queryInt(c, "top", 20, 1, 1000)
	if !ok {
		return
	}
	snap, ok := h.snapshot(c)
	if !ok {
		return
	}
	entries := snap.TopCentrality(top)
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "total": len(snap.Centrality), "wallets": nonNil(entries)})
}

func (h *APIHandler) snapshot(c *gin.Context) (*pipeline.Snapshot, bool) {
	snap, err := h.pipeline.Snapshot(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to load graph analytics", err)
		return nil, false
	}
	return snap, true
}

// ─── Helpers ──────────────────────────────────────────────────────────

func (h *APIHandler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// queryInt parses an optional integer query parameter within [lo, hi],
// writing a 400 response when it is malformed or out of range.
func queryInt(c *gin.Context, key string, def, lo, hi int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s must be an integer in [%d, %d]", key, lo, hi)})
		return 0, false
	}
	return v, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

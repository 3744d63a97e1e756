package heuristics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Alert Generation & Delivery
//
// Wallets whose composite score reaches the threshold get an alert. Type is
// picked by priority:
//   flash-loan score > 50   → flash_loan
//   wash-trade score > 40   → wash_trade
//   graph score > 30        → high_centrality
//   otherwise               → anomaly
//
// Alerts are append-only. Delivery order:
//   1. persisted through the AlertAppender (a failure aborts the emit)
//   2. kept in a bounded in-memory history
//   3. pushed to every registered sink (websocket hub, Kafka)
//   4. posted to matching webhooks asynchronously
//
// Webhook payloads are the alert JSON, usable with Slack/Discord relays and
// generic SIEM collectors.

const (
	DefaultAlertThreshold = 40.0
	defaultAlertHistory   = 1000
	defaultWebhookTimeout = 5 * time.Second
)

// Alert type triggers.
const (
	flashAlertThreshold = 50
	washAlertThreshold  = 40
	graphAlertThreshold = 30
)

// AlertAppender persists alerts. db.Store satisfies it.
type AlertAppender interface {
	AppendAlert(ctx context.Context, alert *models.Alert) error
}

// AlertSink receives every persisted alert.
type AlertSink interface {
	Publish(ctx context.Context, alert models.Alert) error
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(ctx context.Context, alert models.Alert) error

// Publish calls f.
func (f AlertSinkFunc) Publish(ctx context.Context, alert models.Alert) error {
	return f(ctx, alert)
}

// WebhookEndpoint is a registered webhook receiver.
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity string            `json:"minSeverity"`
}

// AlertConfig tunes the alert manager.
type AlertConfig struct {
	Threshold      float64
	MaxHistory     int
	WebhookTimeout time.Duration
}

// DefaultAlertConfig returns threshold 40, 1000 alerts of history and a 5s
// webhook timeout.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		Threshold:      DefaultAlertThreshold,
		MaxHistory:     defaultAlertHistory,
		WebhookTimeout: defaultWebhookTimeout,
	}
}

type namedSink struct {
	name string
	sink AlertSink
}

// AlertManager decides, persists and fans out alerts.
type AlertManager struct {
	store  AlertAppender
	cfg    AlertConfig
	logger *zap.Logger

	mu           sync.RWMutex
	webhooks     []WebhookEndpoint
	sinks        []namedSink
	recentAlerts []models.Alert
	httpClient   *http.Client
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewAlertManager creates a manager writing through store.
func NewAlertManager(store AlertAppender, cfg AlertConfig, logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultAlertHistory
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = defaultWebhookTimeout
	}
	return &AlertManager{
		store:        store,
		cfg:          cfg,
		logger:       logger.Named("alerts"),
		webhooks:     make([]WebhookEndpoint, 0),
		recentAlerts: make([]models.Alert, 0),
		httpClient:   &http.Client{Timeout: cfg.WebhookTimeout},
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// AddSink registers a delivery target for persisted alerts.
func (am *AlertManager) AddSink(name string, sink AlertSink) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.sinks = append(am.sinks, namedSink{name: name, sink: sink})
}

// RegisterWebhook adds a webhook endpoint, replacing any endpoint with the
// same name.
func (am *AlertManager) RegisterWebhook(name, url, minSeverity string, headers map[string]string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	wh := WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	}
	replaced := false
	for i := range am.webhooks {
		if am.webhooks[i].Name == name {
			am.webhooks[i] = wh
			replaced = true
			break
		}
	}
	if !replaced {
		am.webhooks = append(am.webhooks, wh)
	}
	am.logger.Info("registered webhook",
		zap.String("name", name), zap.String("url", url), zap.String("minSeverity", minSeverity))
}

// RemoveWebhook removes a webhook by name and reports whether it existed.
func (am *AlertManager) RemoveWebhook(name string) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	for i, wh := range am.webhooks {
		if wh.Name == name {
			am.webhooks = append(am.webhooks[:i], am.webhooks[i+1:]...)
			return true
		}
	}
	return false
}

// Webhooks returns a copy of the registered endpoints.
func (am *AlertManager) Webhooks() []WebhookEndpoint {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return append([]WebhookEndpoint(nil), am.webhooks...)
}

// ShouldAlert reports whether score crosses the alert threshold.
func (am *AlertManager) ShouldAlert(score models.RiskScore) bool {
	return score.CompositeScore >= am.cfg.Threshold
}

// ClassifyAlertType picks the dominant signal for an alert.
func ClassifyAlertType(score models.RiskScore) string {
	switch {
	case score.FlashLoanScore > flashAlertThreshold:
		return models.AlertTypeFlashLoan
	case score.WashTradeScore > washAlertThreshold:
		return models.AlertTypeWashTrade
	case score.GraphScore > graphAlertThreshold:
		return models.AlertTypeHighCentrality
	default:
		return models.AlertTypeAnomaly
	}
}

// BuildAlert snapshots score into an unresolved alert.
func BuildAlert(score models.RiskScore) models.Alert {
	return models.Alert{
		WalletAddress: score.WalletAddress,
		AlertType:     ClassifyAlertType(score),
		Severity:      score.Severity,
		RiskScore:     score.CompositeScore,
		Explanation:   score.Explanation,
	}
}

// Emit persists alert and fans it out. The returned alert carries the
// assigned ID and creation time. Sink and webhook failures are logged only.
func (am *AlertManager) Emit(ctx context.Context, alert models.Alert) (models.Alert, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = am.now()
	}

	if am.store != nil {
		if err := am.store.AppendAlert(ctx, &alert); err != nil {
			return alert, fmt.Errorf("append alert for %s: %w", alert.WalletAddress, err)
		}
	}

	am.mu.Lock()
	am.recentAlerts = append(am.recentAlerts, alert)
	if len(am.recentAlerts) > am.cfg.MaxHistory {
		am.recentAlerts = am.recentAlerts[len(am.recentAlerts)-am.cfg.MaxHistory:]
	}
	sinks := append([]namedSink(nil), am.sinks...)
	webhooks := append([]WebhookEndpoint(nil), am.webhooks...)
	am.mu.Unlock()

	for _, s := range sinks {
		if err := s.sink.Publish(ctx, alert); err != nil {
			am.logger.Warn("alert sink failed",
				zap.String("sink", s.name), zap.String("alertId", alert.ID), zap.Error(err))
		}
	}

	for _, wh := range webhooks {
		if !wh.Enabled || !SeverityMeetsThreshold(alert.Severity, wh.MinSeverity) {
			continue
		}
		am.wg.Add(1)
		go func(wh WebhookEndpoint) {
			defer am.wg.Done()
			am.sendWebhook(wh, alert)
		}(wh)
	}

	am.logger.Info("alert emitted",
		zap.String("id", alert.ID),
		zap.String("wallet", alert.WalletAddress),
		zap.String("type", alert.AlertType),
		zap.String("severity", alert.Severity),
		zap.Float64("score", alert.RiskScore))
	return alert, nil
}

// Wait blocks until in-flight webhook deliveries finish.
func (am *AlertManager) Wait() {
	am.wg.Wait()
}

// GetRecentAlerts returns the most recent alerts, newest first.
func (am *AlertManager) GetRecentAlerts(limit int) []models.Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if limit <= 0 || limit > len(am.recentAlerts) {
		limit = len(am.recentAlerts)
	}

	start := len(am.recentAlerts) - limit
	result := make([]models.Alert, limit)
	for i := 0; i < limit; i++ {
		result[i] = am.recentAlerts[start+limit-1-i]
	}
	return result
}

func (am *AlertManager) sendWebhook(wh WebhookEndpoint, alert models.Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		am.logger.Error("marshal webhook payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), am.cfg.WebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		am.logger.Error("build webhook request", zap.String("webhook", wh.Name), zap.Error(err))
		return
	}

	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}

	resp, err := am.httpClient.Do(req)
	if err != nil {
		am.logger.Warn("webhook delivery failed", zap.String("webhook", wh.Name), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		am.logger.Warn("webhook rejected alert",
			zap.String("webhook", wh.Name), zap.Int("status", resp.StatusCode))
	}
}

var severityRank = map[string]int{
	models.SeverityLow:      1,
	models.SeverityMedium:   2,
	models.SeverityHigh:     3,
	models.SeverityCritical: 4,
}

// SeverityMeetsThreshold reports whether severity is at least minimum. An
// empty minimum accepts everything.
func SeverityMeetsThreshold(severity, minimum string) bool {
	return severityRank[severity] >= severityRank[minimum]
}

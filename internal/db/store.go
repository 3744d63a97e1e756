package db

import (
	"context"
	"errors"
	"time"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("not found")

// Profile sort keys.
const (
	SortByRiskScore  = "risk_score"
	SortByTxCount    = "tx_count"
	SortByTotalValue = "total_value_sent"
)

// ProfileQuery filters ListWalletProfiles. Results are sorted descending by
// SortBy (risk_score when empty).
type ProfileQuery struct {
	Limit  int
	SortBy string
}

// RiskQuery filters ListRiskScores, highest composite first.
type RiskQuery struct {
	Limit    int
	MinScore float64
}

// AlertQuery filters ListAlerts, newest first. Zero values match everything.
type AlertQuery struct {
	Limit    int
	Type     string
	Severity string
	Address  string
	Resolved *bool
	Since    time.Time
}

// Store is the persistence contract of the engine. Transactions are
// insert-if-absent, profiles and risk scores are upserted by address, alerts
// are append-only.
type Store interface {
	InsertTransactions(ctx context.Context, txs []models.TransactionRecord) (int, error)
	ListTransactions(ctx context.Context) ([]models.TransactionRecord, error)
	RecentTransactions(ctx context.Context, limit int) ([]models.TransactionRecord, error)
	CountTransactionsFor(ctx context.Context, address string) (int, error)
	LatestBlock(ctx context.Context) (int64, error)

	GetWalletProfile(ctx context.Context, address string) (*models.WalletProfile, error)
	UpsertWalletProfiles(ctx context.Context, profiles []models.WalletProfile) error
	ListWalletProfiles(ctx context.Context, q ProfileQuery) ([]models.WalletProfile, error)
	// AllWalletProfiles returns every profile ordered by address, unpaginated.
	AllWalletProfiles(ctx context.Context) ([]models.WalletProfile, error)

	GetRiskScore(ctx context.Context, address string) (*models.RiskScore, error)
	UpsertRiskScore(ctx context.Context, score *models.RiskScore) error
	ListRiskScores(ctx context.Context, q RiskQuery) ([]models.RiskScore, error)

	AppendAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, q AlertQuery) ([]models.Alert, error)
	ResolveAlert(ctx context.Context, id string) error

	Timeline(ctx context.Context, since time.Time) ([]models.TimelineBucket, error)
	Stats(ctx context.Context) (models.StoreStats, error)
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func normalizeSort(sortBy string) string {
	switch sortBy {
	case SortByTxCount, SortByTotalValue:
		return sortBy
	default:
		return SortByRiskScore
	}
}

package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func record(n int, block int64, from, to string, value float64, at time.Time) models.TransactionRecord {
	return models.TransactionRecord{
		Hash:        fmt.Sprintf("0x%064x", n),
		BlockNumber: block,
		From:        from,
		To:          to,
		Value:       value,
		Timestamp:   at,
	}
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("transactions insert if absent", func(t *testing.T) {
		batch := []models.TransactionRecord{
			record(1, 10, "0xa", "0xb", 1.5, t0),
			record(2, 11, "0xb", "0xc", 2.5, t0.Add(time.Minute)),
			record(3, 11, "0xc", "", 0, t0.Add(2*time.Minute)),
		}
		n, err := s.InsertTransactions(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = s.InsertTransactions(ctx, batch[:2])
		require.NoError(t, err)
		assert.Equal(t, 0, n, "duplicate insert is a no-op")

		all, err := s.ListTransactions(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, batch[0].Hash, all[0].Hash)
		assert.Equal(t, "", all[2].To)

		recent, err := s.RecentTransactions(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, batch[2].Hash, recent[0].Hash)

		count, err := s.CountTransactionsFor(ctx, "0xb")
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		latest, err := s.LatestBlock(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(11), latest)
	})

	t.Run("profiles upsert", func(t *testing.T) {
		_, err := s.GetWalletProfile(ctx, "0xmissing")
		assert.True(t, errors.Is(err, ErrNotFound))

		require.NoError(t, s.UpsertWalletProfiles(ctx, []models.WalletProfile{
			{Address: "0xa", TxCount: 1, TotalSent: 1.5, RiskScore: 10, ClusterLabel: 0, LastActive: t0},
			{Address: "0xb", TxCount: 2, TotalSent: 2.5, RiskScore: 90, ClusterLabel: 1, LastActive: t0},
		}))
		require.NoError(t, s.UpsertWalletProfiles(ctx, []models.WalletProfile{
			{Address: "0xa", TxCount: 5, TotalSent: 9, RiskScore: 20, ClusterLabel: 2, IsAnomaly: true},
		}))

		p, err := s.GetWalletProfile(ctx, "0xa")
		require.NoError(t, err)
		assert.Equal(t, 5, p.TxCount)
		assert.Equal(t, 2, p.ClusterLabel)
		assert.True(t, p.IsAnomaly)

		byRisk, err := s.ListWalletProfiles(ctx, ProfileQuery{Limit: 10})
		require.NoError(t, err)
		require.Len(t, byRisk, 2)
		assert.Equal(t, "0xb", byRisk[0].Address)

		byCount, err := s.ListWalletProfiles(ctx, ProfileQuery{Limit: 1, SortBy: SortByTxCount})
		require.NoError(t, err)
		require.Len(t, byCount, 1)
		assert.Equal(t, "0xa", byCount[0].Address)

		all, err := s.AllWalletProfiles(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "0xa", all[0].Address)
		assert.Equal(t, "0xb", all[1].Address)
	})

	t.Run("risk score round trip", func(t *testing.T) {
		score := &models.RiskScore{
			WalletAddress: "0xa", CompositeScore: 61.37, MLAnomalyScore: 88.12, GraphScore: 45.5,
			FlashLoanScore: 96, WashTradeScore: 59.02, Severity: models.SeverityHigh,
			Explanation: "ML anomaly score is high (88/100)", UpdatedAt: t0,
		}
		require.NoError(t, s.UpsertRiskScore(ctx, score))

		score.CompositeScore = 12.34
		score.Severity = models.SeverityLow
		require.NoError(t, s.UpsertRiskScore(ctx, score))

		got, err := s.GetRiskScore(ctx, "0xa")
		require.NoError(t, err)
		assert.Equal(t, 12.34, got.CompositeScore)
		assert.Equal(t, 88.12, got.MLAnomalyScore)
		assert.Equal(t, 45.5, got.GraphScore)
		assert.Equal(t, 96.0, got.FlashLoanScore)
		assert.Equal(t, 59.02, got.WashTradeScore)
		assert.Equal(t, models.SeverityLow, got.Severity)

		_, err = s.GetRiskScore(ctx, "0xnone")
		assert.True(t, errors.Is(err, ErrNotFound))

		require.NoError(t, s.UpsertRiskScore(ctx, &models.RiskScore{WalletAddress: "0xb", CompositeScore: 80}))
		list, err := s.ListRiskScores(ctx, RiskQuery{MinScore: 50})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "0xb", list[0].WalletAddress)
	})

	t.Run("alerts append only", func(t *testing.T) {
		block := int64(11)
		first := &models.Alert{
			ID: uuid.NewString(), WalletAddress: "0xa", AlertType: models.AlertTypeFlashLoan,
			Severity: models.SeverityHigh, RiskScore: 61, BlockNumber: &block, CreatedAt: t0,
		}
		second := &models.Alert{
			ID: uuid.NewString(), WalletAddress: "0xa", AlertType: models.AlertTypeFlashLoan,
			Severity: models.SeverityHigh, RiskScore: 61, CreatedAt: t0.Add(time.Hour),
		}
		require.NoError(t, s.AppendAlert(ctx, first))
		require.NoError(t, s.AppendAlert(ctx, second))

		all, err := s.ListAlerts(ctx, AlertQuery{Address: "0xa"})
		require.NoError(t, err)
		require.Len(t, all, 2, "alerts for the same wallet are never merged")
		assert.Equal(t, second.ID, all[0].ID)
		require.NotNil(t, all[1].BlockNumber)
		assert.Equal(t, block, *all[1].BlockNumber)

		require.NoError(t, s.ResolveAlert(ctx, first.ID))
		assert.True(t, errors.Is(s.ResolveAlert(ctx, "missing"), ErrNotFound))

		unresolved := false
		open, err := s.ListAlerts(ctx, AlertQuery{Resolved: &unresolved})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, second.ID, open[0].ID)

		recent, err := s.ListAlerts(ctx, AlertQuery{Since: t0.Add(30 * time.Minute)})
		require.NoError(t, err)
		assert.Len(t, recent, 1)

		none, err := s.ListAlerts(ctx, AlertQuery{Type: models.AlertTypeWashTrade})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("timeline and stats", func(t *testing.T) {
		buckets, err := s.Timeline(ctx, t0.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, buckets, 2)
		assert.Equal(t, t0, buckets[0].Hour)
		assert.Equal(t, 3, buckets[0].TxCount)
		assert.InDelta(t, 4.0, buckets[0].TotalValue, 1e-9)
		assert.Equal(t, 1, buckets[0].AlertCount)
		assert.Equal(t, 1, buckets[1].AlertCount)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.StoreStats{Transactions: 3, Wallets: 2, Alerts: 2, LatestBlock: 11}, st)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	hash := "0xdead"
	a := &models.Alert{ID: "1", WalletAddress: "0xa", TxHash: &hash}
	require.NoError(t, s.AppendAlert(ctx, a))
	hash = "0xbeef"

	got, err := s.ListAlerts(ctx, AlertQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xdead", *got[0].TxHash)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, normalizeLimit(0))
	assert.Equal(t, 5, normalizeLimit(5))
	assert.Equal(t, maxListLimit, normalizeLimit(100000))
}

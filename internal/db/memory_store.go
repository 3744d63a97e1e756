package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// MemoryStore is an in-process Store. It backs tests and runs without a
// configured database; contents are lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	txs      []models.TransactionRecord
	txIndex  map[string]struct{}
	profiles map[string]models.WalletProfile
	risk     map[string]models.RiskScore
	alerts   []models.Alert
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txIndex:  make(map[string]struct{}),
		profiles: make(map[string]models.WalletProfile),
		risk:     make(map[string]models.RiskScore),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) InsertTransactions(_ context.Context, txs []models.TransactionRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, tx := range txs {
		if _, dup := m.txIndex[tx.Hash]; dup {
			continue
		}
		m.txIndex[tx.Hash] = struct{}{}
		m.txs = append(m.txs, tx)
		inserted++
	}
	return inserted, nil
}

// ListTransactions returns every transaction ordered by block, then
// timestamp, then arrival.
func (m *MemoryStore) ListTransactions(_ context.Context) ([]models.TransactionRecord, error) {
	m.mu.RLock()
	out := append([]models.TransactionRecord(nil), m.txs...)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemoryStore) RecentTransactions(ctx context.Context, limit int) ([]models.TransactionRecord, error) {
	all, _ := m.ListTransactions(ctx)
	limit = normalizeLimit(limit)

	out := make([]models.TransactionRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *MemoryStore) CountTransactionsFor(_ context.Context, address string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, tx := range m.txs {
		if tx.From == address || tx.To == address {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LatestBlock(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest int64
	for _, tx := range m.txs {
		if tx.BlockNumber > latest {
			latest = tx.BlockNumber
		}
	}
	return latest, nil
}

func (m *MemoryStore) GetWalletProfile(_ context.Context, address string) (*models.WalletProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[address]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) UpsertWalletProfiles(_ context.Context, profiles []models.WalletProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range profiles {
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = m.now()
		}
		m.profiles[p.Address] = p
	}
	return nil
}

func (m *MemoryStore) AllWalletProfiles(_ context.Context) ([]models.WalletProfile, error) {
	m.mu.RLock()
	out := make([]models.WalletProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *MemoryStore) ListWalletProfiles(_ context.Context, q ProfileQuery) ([]models.WalletProfile, error) {
	m.mu.RLock()
	out := make([]models.WalletProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	m.mu.RUnlock()

	key := func(p models.WalletProfile) float64 {
		switch normalizeSort(q.SortBy) {
		case SortByTxCount:
			return float64(p.TxCount)
		case SortByTotalValue:
			return p.TotalSent
		default:
			return p.RiskScore
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := key(out[i]), key(out[j])
		if ki != kj {
			return ki > kj
		}
		return out[i].Address < out[j].Address
	})

	if limit := normalizeLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetRiskScore(_ context.Context, address string) (*models.RiskScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.risk[address]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) UpsertRiskScore(_ context.Context, score *models.RiskScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *score
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.now()
	}
	m.risk[s.WalletAddress] = s
	return nil
}

func (m *MemoryStore) ListRiskScores(_ context.Context, q RiskQuery) ([]models.RiskScore, error) {
	m.mu.RLock()
	out := make([]models.RiskScore, 0, len(m.risk))
	for _, r := range m.risk {
		if r.CompositeScore >= q.MinScore {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CompositeScore != out[j].CompositeScore {
			return out[i].CompositeScore > out[j].CompositeScore
		}
		return out[i].WalletAddress < out[j].WalletAddress
	})
	if limit := normalizeLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendAlert(_ context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now()
	}
	m.alerts = append(m.alerts, cloneAlert(*alert))
	return nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, q AlertQuery) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeLimit(q.Limit)
	out := make([]models.Alert, 0)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		a := m.alerts[i]
		if q.Type != "" && a.AlertType != q.Type {
			continue
		}
		if q.Severity != "" && a.Severity != q.Severity {
			continue
		}
		if q.Address != "" && !strings.EqualFold(a.WalletAddress, q.Address) {
			continue
		}
		if q.Resolved != nil && a.IsResolved != *q.Resolved {
			continue
		}
		if !q.Since.IsZero() && a.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	return out, nil
}

func (m *MemoryStore) ResolveAlert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].IsResolved = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) Timeline(_ context.Context, since time.Time) ([]models.TimelineBucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buckets := make(map[time.Time]*models.TimelineBucket)
	get := func(ts time.Time) *models.TimelineBucket {
		hour := ts.UTC().Truncate(time.Hour)
		b, ok := buckets[hour]
		if !ok {
			b = &models.TimelineBucket{Hour: hour}
			buckets[hour] = b
		}
		return b
	}

	for _, tx := range m.txs {
		if tx.Timestamp.Before(since) {
			continue
		}
		b := get(tx.Timestamp)
		b.TxCount++
		b.TotalValue += tx.Value
	}
	for _, a := range m.alerts {
		if a.CreatedAt.Before(since) {
			continue
		}
		get(a.CreatedAt).AlertCount++
	}

	out := make([]models.TimelineBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (models.StoreStats, error) {
	latest, _ := m.LatestBlock(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.StoreStats{
		Transactions: len(m.txs),
		Wallets:      len(m.profiles),
		Alerts:       len(m.alerts),
		LatestBlock:  latest,
	}, nil
}

func cloneAlert(a models.Alert) models.Alert {
	if a.TxHash != nil {
		h := *a.TxHash
		a.TxHash = &h
	}
	if a.BlockNumber != nil {
		b := *a.BlockNumber
		a.BlockNumber = &b
	}
	return a
}

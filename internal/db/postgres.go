package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// schemaSQL is compiled into the binary so schema init works from any
// working directory.
//
//go:embed schema.sql
var schemaSQL string

const connectMaxElapsed = 30 * time.Second

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// Connect opens the pool and retries the initial ping with exponential
// backoff until the database answers or connectMaxElapsed passes.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("postgres")

	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create pool: %w", err)
	}

	notify := func(err error, d time.Duration) {
		logger.Warn("database not ready, retrying", zap.Error(err), zap.Duration("backoff", d))
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectMaxElapsed),
		backoff.WithNotify(notify))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	logger.Info("connected to PostgreSQL")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded DDL.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	s.logger.Info("schema initialized")
	return nil
}

// InsertTransactions inserts each record inside its own savepoint so a bad
// row is logged and skipped without aborting the batch. A failed commit
// reports zero stored records.
func (s *PostgresStore) InsertTransactions(ctx context.Context, txs []models.TransactionRecord) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertSQL = `
		INSERT INTO transactions (
			tx_hash, block_number, from_address, to_address, value_eth,
			gas_price_gwei, gas_used, timestamp, input_data_length, is_contract_call
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tx_hash) DO NOTHING`

	inserted := 0
	for _, rec := range txs {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return 0, fmt.Errorf("savepoint: %w", err)
		}
		tag, err := sp.Exec(ctx, insertSQL,
			rec.Hash, rec.BlockNumber, rec.From, nullableString(rec.To), rec.Value,
			rec.GasPriceGwei, rec.GasUsed, rec.Timestamp, rec.InputDataLength, rec.IsContractCall)
		if err != nil {
			_ = sp.Rollback(ctx)
			s.logger.Warn("skipping transaction", zap.String("hash", rec.Hash), zap.Error(err))
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return 0, fmt.Errorf("release savepoint: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert batch: %w", err)
	}
	return inserted, nil
}

const txColumns = `tx_hash, block_number, from_address, to_address, value_eth,
	gas_price_gwei, gas_used, timestamp, input_data_length, is_contract_call`

func (s *PostgresStore) ListTransactions(ctx context.Context) ([]models.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+txColumns+` FROM transactions
		ORDER BY block_number, timestamp, ingested_seq`)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) RecentTransactions(ctx context.Context, limit int) ([]models.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+txColumns+` FROM transactions
		ORDER BY block_number DESC, timestamp DESC, ingested_seq DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]models.TransactionRecord, error) {
	defer rows.Close()

	out := make([]models.TransactionRecord, 0)
	for rows.Next() {
		var rec models.TransactionRecord
		var to *string
		if err := rows.Scan(&rec.Hash, &rec.BlockNumber, &rec.From, &to, &rec.Value,
			&rec.GasPriceGwei, &rec.GasUsed, &rec.Timestamp, &rec.InputDataLength, &rec.IsContractCall); err != nil {
			return nil, err
		}
		if to != nil {
			rec.To = *to
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountTransactionsFor(ctx context.Context, address string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE from_address = $1 OR to_address = $1`, address).Scan(&n)
	return n, err
}

func (s *PostgresStore) LatestBlock(ctx context.Context) (int64, error) {
	var latest int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(block_number), 0) FROM transactions`).Scan(&latest)
	return latest, err
}

const profileColumns = `address, tx_count, total_value_sent, total_value_received, avg_value,
	unique_counterparties, inflow_outflow_ratio, tx_frequency, burst_score,
	cluster_label, risk_score, is_anomaly, last_active, updated_at`

func scanProfile(row pgx.Row) (models.WalletProfile, error) {
	var p models.WalletProfile
	var lastActive *time.Time
	err := row.Scan(&p.Address, &p.TxCount, &p.TotalSent, &p.TotalReceived, &p.AvgValue,
		&p.UniqueCounterparties, &p.InflowOutflowRatio, &p.TxFrequency, &p.BurstScore,
		&p.ClusterLabel, &p.RiskScore, &p.IsAnomaly, &lastActive, &p.UpdatedAt)
	if lastActive != nil {
		p.LastActive = lastActive.UTC()
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *PostgresStore) GetWalletProfile(ctx context.Context, address string) (*models.WalletProfile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM wallet_profiles WHERE address = $1`, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) UpsertWalletProfiles(ctx context.Context, profiles []models.WalletProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range profiles {
		var lastActive *time.Time
		if !p.LastActive.IsZero() {
			la := p.LastActive
			lastActive = &la
		}
		batch.Queue(`
			INSERT INTO wallet_profiles (`+profileColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now())
			ON CONFLICT (address) DO UPDATE SET
				tx_count = EXCLUDED.tx_count,
				total_value_sent = EXCLUDED.total_value_sent,
				total_value_received = EXCLUDED.total_value_received,
				avg_value = EXCLUDED.avg_value,
				unique_counterparties = EXCLUDED.unique_counterparties,
				inflow_outflow_ratio = EXCLUDED.inflow_outflow_ratio,
				tx_frequency = EXCLUDED.tx_frequency,
				burst_score = EXCLUDED.burst_score,
				cluster_label = EXCLUDED.cluster_label,
				risk_score = EXCLUDED.risk_score,
				is_anomaly = EXCLUDED.is_anomaly,
				last_active = EXCLUDED.last_active,
				updated_at = now()`,
			p.Address, p.TxCount, p.TotalSent, p.TotalReceived, p.AvgValue,
			p.UniqueCounterparties, p.InflowOutflowRatio, p.TxFrequency, p.BurstScore,
			p.ClusterLabel, p.RiskScore, p.IsAnomaly, lastActive,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range profiles {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert wallet profile: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListWalletProfiles(ctx context.Context, q ProfileQuery) ([]models.WalletProfile, error) {
	// normalizeSort only returns whitelisted column names.
	query := fmt.Sprintf(`SELECT %s FROM wallet_profiles ORDER BY %s DESC, address LIMIT $1`,
		profileColumns, normalizeSort(q.SortBy))
	rows, err := s.pool.Query(ctx, query, normalizeLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("list wallet profiles: %w", err)
	}
	defer rows.Close()

	out := make([]models.WalletProfile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AllWalletProfiles(ctx context.Context) ([]models.WalletProfile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM wallet_profiles ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list all wallet profiles: %w", err)
	}
	defer rows.Close()

	out := make([]models.WalletProfile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const riskColumns = `wallet_address, composite_score, ml_anomaly_score, graph_score,
	flash_loan_score, wash_trade_score, severity, explanation, updated_at`

func scanRisk(row pgx.Row) (models.RiskScore, error) {
	var r models.RiskScore
	err := row.Scan(&r.WalletAddress, &r.CompositeScore, &r.MLAnomalyScore, &r.GraphScore,
		&r.FlashLoanScore, &r.WashTradeScore, &r.Severity, &r.Explanation, &r.UpdatedAt)
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, err
}

func (s *PostgresStore) GetRiskScore(ctx context.Context, address string) (*models.RiskScore, error) {
	r, err := scanRisk(s.pool.QueryRow(ctx,
		`SELECT `+riskColumns+` FROM risk_scores WHERE wallet_address = $1`, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) UpsertRiskScore(ctx context.Context, score *models.RiskScore) error {
	if score.UpdatedAt.IsZero() {
		score.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO risk_scores (`+riskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (wallet_address) DO UPDATE SET
			composite_score = EXCLUDED.composite_score,
			ml_anomaly_score = EXCLUDED.ml_anomaly_score,
			graph_score = EXCLUDED.graph_score,
			flash_loan_score = EXCLUDED.flash_loan_score,
			wash_trade_score = EXCLUDED.wash_trade_score,
			severity = EXCLUDED.severity,
			explanation = EXCLUDED.explanation,
			updated_at = EXCLUDED.updated_at`,
		score.WalletAddress, score.CompositeScore, score.MLAnomalyScore, score.GraphScore,
		score.FlashLoanScore, score.WashTradeScore, score.Severity, score.Explanation, score.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert risk score %s: %w", score.WalletAddress, err)
	}
	return nil
}

func (s *PostgresStore) ListRiskScores(ctx context.Context, q RiskQuery) ([]models.RiskScore, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+riskColumns+` FROM risk_scores
		WHERE composite_score >= $1 ORDER BY composite_score DESC, wallet_address LIMIT $2`,
		q.MinScore, normalizeLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("list risk scores: %w", err)
	}
	defer rows.Close()

	out := make([]models.RiskScore, 0)
	for rows.Next() {
		r, err := scanRisk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendAlert(ctx context.Context, alert *models.Alert) error {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, wallet_address, alert_type, severity, risk_score,
			explanation, tx_hash, block_number, is_resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		alert.ID, alert.WalletAddress, alert.AlertType, alert.Severity, alert.RiskScore,
		alert.Explanation, alert.TxHash, alert.BlockNumber, alert.IsResolved, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, q AlertQuery) ([]models.Alert, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Type != "" {
		add("alert_type = $%d", q.Type)
	}
	if q.Severity != "" {
		add("severity = $%d", q.Severity)
	}
	if q.Address != "" {
		add("LOWER(wallet_address) = LOWER($%d)", q.Address)
	}
	if q.Resolved != nil {
		add("is_resolved = $%d", *q.Resolved)
	}
	if !q.Since.IsZero() {
		add("created_at >= $%d", q.Since)
	}

	query := `SELECT id, wallet_address, alert_type, severity, risk_score, explanation,
		tx_hash, block_number, is_resolved, created_at FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, normalizeLimit(q.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Alert, 0)
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.ID, &a.WalletAddress, &a.AlertType, &a.Severity, &a.RiskScore,
			&a.Explanation, &a.TxHash, &a.BlockNumber, &a.IsResolved, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET is_resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Timeline(ctx context.Context, since time.Time) ([]models.TimelineBucket, error) {
	buckets := make(map[time.Time]*models.TimelineBucket)
	get := func(hour time.Time) *models.TimelineBucket {
		hour = hour.UTC()
		b, ok := buckets[hour]
		if !ok {
			b = &models.TimelineBucket{Hour: hour}
			buckets[hour] = b
		}
		return b
	}

	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc('hour', timestamp) AS hour, COUNT(*), COALESCE(SUM(value_eth), 0)
		FROM transactions WHERE timestamp >= $1 GROUP BY hour`, since)
	if err != nil {
		return nil, fmt.Errorf("timeline transactions: %w", err)
	}
	for rows.Next() {
		var hour time.Time
		var count int
		var total float64
		if err := rows.Scan(&hour, &count, &total); err != nil {
			rows.Close()
			return nil, err
		}
		b := get(hour)
		b.TxCount = count
		b.TotalValue = total
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT date_trunc('hour', created_at) AS hour, COUNT(*)
		FROM alerts WHERE created_at >= $1 GROUP BY hour`, since)
	if err != nil {
		return nil, fmt.Errorf("timeline alerts: %w", err)
	}
	for rows.Next() {
		var hour time.Time
		var count int
		if err := rows.Scan(&hour, &count); err != nil {
			rows.Close()
			return nil, err
		}
		get(hour).AlertCount = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.TimelineBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (models.StoreStats, error) {
	var st models.StoreStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM transactions),
			(SELECT COUNT(*) FROM wallet_profiles),
			(SELECT COUNT(*) FROM alerts),
			(SELECT COALESCE(MAX(block_number), 0) FROM transactions)`).
		Scan(&st.Transactions, &st.Wallets, &st.Alerts, &st.LatestBlock)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

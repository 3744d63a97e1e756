package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/rawblock/chainwatch-engine/internal/metrics"
	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// TransactionWriter is the slice of the store ingestion needs.
type TransactionWriter interface {
	InsertTransactions(ctx context.Context, txs []models.TransactionRecord) (int, error)
}

// Result summarises one ingested batch.
type Result struct {
	Received   int         `json:"received"`
	Accepted   int         `json:"accepted"`
	Inserted   int         `json:"inserted"`
	Duplicates int         `json:"duplicates"`
	Rejected   []Rejection `json:"rejected,omitempty"`
}

// Ingester validates feed batches and writes them to the store.
type Ingester struct {
	store  TransactionWriter
	logger *zap.Logger
}

func NewIngester(store TransactionWriter, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{store: store, logger: logger.Named("ingest")}
}

// Ingest normalises recs and inserts the accepted records. Records already
// stored count as duplicates. A store error leaves Inserted at 0.
func (in *Ingester) Ingest(ctx context.Context, recs []models.TransactionRecord) (Result, error) {
	accepted, rejected := Normalize(recs)
	res := Result{
		Received: len(recs),
		Accepted: len(accepted),
		Rejected: rejected,
	}
	metrics.TransactionsIngested.WithLabelValues("rejected").Add(float64(len(rejected)))

	if len(accepted) == 0 {
		return res, nil
	}

	inserted, err := in.store.InsertTransactions(ctx, accepted)
	if err != nil {
		return res, fmt.Errorf("insert transactions: %w", err)
	}
	res.Inserted = inserted
	res.Duplicates = len(accepted) - inserted

	metrics.TransactionsIngested.WithLabelValues("inserted").Add(float64(res.Inserted))
	metrics.TransactionsIngested.WithLabelValues("duplicate").Add(float64(res.Duplicates))

	in.logger.Info("batch ingested",
		zap.Int("received", res.Received),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

// ReadJSONL decodes one TransactionRecord per line. Blank lines are skipped;
// undecodable lines are reported as rejections indexed by line number
// (1-based) and do not stop the read.
func ReadJSONL(r io.Reader) ([]models.TransactionRecord, []Rejection, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	var (
		recs     []models.TransactionRecord
		rejected []Rejection
		lineNo   int
	)
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec models.TransactionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			rejected = append(rejected, Rejection{Index: lineNo, Reason: fmt.Sprintf("decode: %v", err)})
			continue
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return recs, rejected, fmt.Errorf("scan feed: %w", err)
	}
	return recs, rejected, nil
}

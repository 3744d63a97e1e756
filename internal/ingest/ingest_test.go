package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rawblock/chainwatch-engine/internal/db"
	"github.com/rawblock/chainwatch-engine/pkg/models"
)

const (
	addrA = "0x00000000000000000000000000000000000000AA"
	addrB = "0x00000000000000000000000000000000000000bb"
	hash1 = "0x1111111111111111111111111111111111111111111111111111111111111111"
	hash2 = "0x2222222222222222222222222222222222222222222222222222222222222222"
	hash3 = "0x3333333333333333333333333333333333333333333333333333333333333333"
)

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(hash string, block int64, from, to string, value float64) models.TransactionRecord {
	return models.TransactionRecord{
		Hash:        hash,
		BlockNumber: block,
		From:        from,
		To:          to,
		Value:       value,
		Timestamp:   ts,
	}
}

func upper(hash string) string {
	return "0x" + strings.ToUpper(hash[2:])
}

func TestNormalize_CanonicalisesAndSorts(t *testing.T) {
	recs := []models.TransactionRecord{
		record(upper(hash2), 20, addrA, addrB, 1),
		record(hash1, 10, addrB, "", 2),
	}

	out, rejected := Normalize(recs)

	require.Empty(t, rejected)
	require.Len(t, out, 2)
	assert.Equal(t, int64(10), out[0].BlockNumber)
	assert.Equal(t, hash1, out[0].Hash)
	assert.Equal(t, "", out[0].To)
	assert.Equal(t, hash2, out[1].Hash)
	assert.Equal(t, strings.ToLower(addrA), out[1].From)
	assert.Equal(t, addrB, out[1].To)
}

func TestNormalize_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		rec    models.TransactionRecord
		reason string
	}{
		{"missing hash", record("", 1, addrA, addrB, 1), "missing hash"},
		{"short hash", record("0x1234", 1, addrA, addrB, 1), "want 32 bytes"},
		{"bad from", record(hash1, 1, "0xnothex", addrB, 1), "from: invalid address"},
		{"bad to", record(hash1, 1, addrA, "0x12", 1), "to: invalid address"},
		{"negative value", record(hash1, 1, addrA, addrB, -1), "negative value"},
		{"negative block", record(hash1, -1, addrA, addrB, 1), "negative block"},
		{"zero timestamp", models.TransactionRecord{Hash: hash1, From: addrA, To: addrB}, "missing timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, rejected := Normalize([]models.TransactionRecord{tt.rec})
			assert.Empty(t, out)
			require.Len(t, rejected, 1)
			assert.Equal(t, 0, rejected[0].Index)
			assert.Contains(t, rejected[0].Reason, tt.reason)
		})
	}
}

func TestNormalize_DropsInBatchDuplicates(t *testing.T) {
	recs := []models.TransactionRecord{
		record(hash1, 1, addrA, addrB, 1),
		record(upper(hash1), 1, addrA, addrB, 9),
	}

	out, rejected := Normalize(recs)

	require.Len(t, out, 1)
	assert.InDelta(t, 1.0, out[0].Value, 1e-9)
	require.Len(t, rejected, 1)
	assert.Equal(t, 1, rejected[0].Index)
	assert.Equal(t, "duplicate hash in batch", rejected[0].Reason)
}

func TestReadJSONL(t *testing.T) {
	feed := `{"txHash":"` + hash1 + `","blockNumber":5,"fromAddress":"` + addrA + `","toAddress":"` + addrB + `","valueEth":1.5,"timestamp":"2026-03-01T12:00:00Z"}

not json
{"txHash":"` + hash2 + `","blockNumber":6,"fromAddress":"` + addrB + `","valueEth":0.1,"timestamp":"2026-03-01T12:00:10Z"}
`
	recs, rejected, err := ReadJSONL(strings.NewReader(feed))

	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(5), recs[0].BlockNumber)
	assert.InDelta(t, 1.5, recs[0].Value, 1e-9)
	assert.Equal(t, "", recs[1].To)
	require.Len(t, rejected, 1)
	assert.Equal(t, 3, rejected[0].Index)
}

func TestIngester_CountsDuplicatesAgainstStore(t *testing.T) {
	store := db.NewMemoryStore()
	in := NewIngester(store, zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := in.Ingest(ctx, []models.TransactionRecord{
		record(hash1, 1, addrA, addrB, 1),
		record(hash2, 2, addrB, addrA, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 0, first.Duplicates)

	second, err := in.Ingest(ctx, []models.TransactionRecord{
		record(hash2, 2, addrB, addrA, 1),
		record(hash3, 3, addrA, addrB, 1),
		record("bogus", 3, addrA, addrB, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, second.Received)
	assert.Equal(t, 2, second.Accepted)
	assert.Equal(t, 1, second.Inserted)
	assert.Equal(t, 1, second.Duplicates)
	assert.Len(t, second.Rejected, 1)

	all, err := store.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

type failingWriter struct{}

func (failingWriter) InsertTransactions(context.Context, []models.TransactionRecord) (int, error) {
	return 0, errors.New("commit failed")
}

func TestIngester_StoreFailure(t *testing.T) {
	in := NewIngester(failingWriter{}, nil)

	res, err := in.Ingest(context.Background(), []models.TransactionRecord{record(hash1, 1, addrA, addrB, 1)})

	require.Error(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Accepted)
}

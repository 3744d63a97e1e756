package heuristics

import (
	"fmt"
	"time"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var txSeq int

// transfer builds a transaction with a unique hash.
func transfer(block int64, from, to string, value float64, at time.Time) models.TransactionRecord {
	txSeq++
	return models.TransactionRecord{
		Hash:        fmt.Sprintf("0x%064x", txSeq),
		BlockNumber: block,
		From:        from,
		To:          to,
		Value:       value,
		Timestamp:   at,
	}
}

package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Transaction Feed validation.
//
// Records arrive from an external feed (HTTP batch or JSONL file) with
// whatever casing and formatting the producer used. Everything downstream
// keys wallets by address string, so addresses are canonicalised to lowercase
// 0x-prefixed hex here, once. Malformed records are rejected individually;
// one bad row never fails the batch.

// Rejection describes a record dropped during normalisation.
type Rejection struct {
	Index  int    `json:"index"`
	Hash   string `json:"txHash,omitempty"`
	Reason string `json:"reason"`
}

// Normalize canonicalises and validates a batch. The accepted records keep
// feed order within a block and are stably sorted by block number; in-batch
// duplicate hashes keep the first occurrence.
func Normalize(recs []models.TransactionRecord) ([]models.TransactionRecord, []Rejection) {
	out := make([]models.TransactionRecord, 0, len(recs))
	var rejected []Rejection
	seen := make(map[string]struct{}, len(recs))

	for i, rec := range recs {
		norm, err := normalizeRecord(rec)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Hash: rec.Hash, Reason: err.Error()})
			continue
		}
		if _, dup := seen[norm.Hash]; dup {
			rejected = append(rejected, Rejection{Index: i, Hash: norm.Hash, Reason: "duplicate hash in batch"})
			continue
		}
		seen[norm.Hash] = struct{}{}
		out = append(out, norm)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BlockNumber < out[j].BlockNumber
	})
	return out, rejected
}

func normalizeRecord(rec models.TransactionRecord) (models.TransactionRecord, error) {
	hash, err := normalizeHash(rec.Hash)
	if err != nil {
		return rec, err
	}
	rec.Hash = hash

	from, err := normalizeAddress(rec.From)
	if err != nil {
		return rec, fmt.Errorf("from: %w", err)
	}
	rec.From = from

	if strings.TrimSpace(rec.To) != "" {
		to, err := normalizeAddress(rec.To)
		if err != nil {
			return rec, fmt.Errorf("to: %w", err)
		}
		rec.To = to
	} else {
		rec.To = ""
	}

	switch {
	case rec.BlockNumber < 0:
		return rec, fmt.Errorf("negative block number %d", rec.BlockNumber)
	case rec.Value < 0:
		return rec, fmt.Errorf("negative value %v", rec.Value)
	case rec.GasPriceGwei < 0 || rec.GasUsed < 0:
		return rec, fmt.Errorf("negative gas")
	case rec.InputDataLength < 0:
		return rec, fmt.Errorf("negative input length")
	case rec.Timestamp.IsZero():
		return rec, fmt.Errorf("missing timestamp")
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

// normalizeAddress returns the lowercase 0x form of a 20-byte hex address.
func normalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// normalizeHash returns the lowercase 0x form of a 32-byte transaction hash.
func normalizeHash(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return "", fmt.Errorf("missing hash")
	}
	raw, err := hexutil.Decode(hash)
	if err != nil {
		return "", fmt.Errorf("invalid hash %q: %w", hash, err)
	}
	if len(raw) != common.HashLength {
		return "", fmt.Errorf("invalid hash %q: want %d bytes, got %d", hash, common.HashLength, len(raw))
	}
	return hexutil.Encode(raw), nil
}

// NormalizeAddress exposes address canonicalisation for lookups keyed by
// wallet, such as the risk-score endpoint.
func NormalizeAddress(addr string) (string, error) {
	return normalizeAddress(addr)
}

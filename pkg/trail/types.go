// Package trail implements the quantum-trail ledger: an append-only,
// proof-of-work-chained record of assemblies. The chain is the system's
// memory of what worked; similarity retrieval over it lets the assembler
// reuse proven configurations.
//
// Tamper-evidence comes from three layers: every transaction body is
// ed25519-signed, every block hash covers its canonical (RFC 8785) body,
// and every block links to its predecessor's hash. Proof-of-work is an
// anti-tampering primitive only; there is no consensus (single writer).
package trail

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// MiningRewardSolutionID marks the sentinel transaction written with each
// mined block. Similarity retrieval skips it.
const MiningRewardSolutionID = "mining_reward"

// TxStatusReleased marks a release-time update transaction. Updates carry
// the solution's cell IDs so their final metrics refine the originating
// configuration's score.
const TxStatusReleased = "released"

// Metric keys used in transaction performance metrics.
const (
	MetricAssemblyTimeMS   = "assembly_time_ms"
	MetricMemoryPeakMB     = "memory_peak_mb"
	MetricCPUUsageAvg      = "cpu_usage_avg"
	MetricTotalUsageTimeMS = "total_usage_time_ms"
)

// Transaction is a single assembly record (or assembly update). The
// signature signs the canonical body with the signature field cleared.
type Transaction struct {
	ID                 string              `json:"id"`
	Timestamp          time.Time           `json:"timestamp"`
	QuantumSignature   string              `json:"quantum_signature"`
	SolutionID         string              `json:"solution_id"`
	Status             string              `json:"status,omitempty"`
	CellIDs            []string            `json:"cell_ids"`
	ConnectionMap      map[string][]string `json:"connection_map,omitempty"`
	PerformanceMetrics map[string]float64  `json:"performance_metrics,omitempty"`
	Signature          string              `json:"signature"`
}

// IsSentinel reports whether the transaction is a mining-reward record, or
// malformed with no cell IDs; either way scoring and similarity retrieval
// must skip it.
func (t *Transaction) IsSentinel() bool {
	return t.SolutionID == MiningRewardSolutionID || len(t.CellIDs) == 0
}

// IsUpdate reports whether the transaction is a release-time update rather
// than an assembly.
func (t *Transaction) IsUpdate() bool {
	return t.Status == TxStatusReleased
}

// SigningBody returns the canonical JSON of the transaction with the
// signature cleared. This is the exact byte sequence that gets signed.
func (t *Transaction) SigningBody() ([]byte, error) {
	unsigned := *t
	unsigned.Signature = ""
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize transaction: %w", err)
	}
	return canonical, nil
}

// Block is the chain's sequence container.
type Block struct {
	Index        int           `json:"index"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	PreviousHash string        `json:"previous_hash"`
	Hash         string        `json:"hash"`
	Nonce        int64         `json:"nonce"`
	Difficulty   int           `json:"difficulty"`
}

// zeroHash is the previous_hash of the genesis block.
var zeroHash = strings.Repeat("0", 64)

// ComputeHash hashes the canonical block body (hash field cleared).
func (b *Block) ComputeHash() (string, error) {
	body := *b
	body.Hash = ""
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal block: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize block: %w", err)
	}
	h := sha256.Sum256(canonical)
	return hex.EncodeToString(h[:]), nil
}

// MeetsDifficulty reports whether the block's hash carries the required
// number of leading zero digits.
func (b *Block) MeetsDifficulty() bool {
	return strings.HasPrefix(b.Hash, strings.Repeat("0", b.Difficulty))
}

// ConfigurationID derives a stable identifier for the configuration shape
// a transaction records: the sorted capability set plus the canonical
// connection map. Assemblies of the same shape share an ID, which is what
// lets use counts and scores accumulate across assemblies.
func ConfigurationID(capabilities []string, connectionMap map[string][]string) string {
	caps := append([]string(nil), capabilities...)
	sort.Strings(caps)

	edges := make([]string, 0, len(connectionMap))
	for src, targets := range connectionMap {
		sorted := append([]string(nil), targets...)
		sort.Strings(sorted)
		edges = append(edges, src+">"+strings.Join(sorted, ","))
	}
	sort.Strings(edges)

	h := sha256.Sum256([]byte(strings.Join(caps, "|") + "#" + strings.Join(edges, "|")))
	return hex.EncodeToString(h[:16])
}

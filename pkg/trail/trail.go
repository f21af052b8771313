package trail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/model"
)

const (
	chainFileName   = "chain.json"
	pendingFileName = "pending_transactions.json"

	// miningYieldInterval is how many nonce attempts run between
	// cooperative yields.
	miningYieldInterval = 10_000
)

// Options configures a Trail.
type Options struct {
	// StoragePath is the chain directory. Empty means in-memory only
	// (tests); nothing is persisted and the signing key is ephemeral.
	StoragePath string

	Difficulty                   int           // initial difficulty, default 4
	BlockCapacity                int           // default 100
	BlockTimeTarget              time.Duration // default 60s
	MaxTransactionWait           time.Duration // default 300s
	DifficultyAdjustmentInterval int           // default 10 blocks
	PendingLimitFactor           int           // default 10 (x block capacity)

	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Difficulty <= 0 {
		out.Difficulty = 4
	}
	if out.BlockCapacity <= 0 {
		out.BlockCapacity = 100
	}
	if out.BlockTimeTarget <= 0 {
		out.BlockTimeTarget = 60 * time.Second
	}
	if out.MaxTransactionWait <= 0 {
		out.MaxTransactionWait = 300 * time.Second
	}
	if out.DifficultyAdjustmentInterval <= 0 {
		out.DifficultyAdjustmentInterval = 10
	}
	if out.PendingLimitFactor <= 0 {
		out.PendingLimitFactor = 10
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// configScore accumulates the performance score of one configuration shape
// across assemblies, per the weighted-average fold.
type configScore struct {
	score      float64
	useCount   int
	lastUsedAt time.Time
}

// Trail is the append-only ledger. One logical owner mutates the chain:
// AddTransaction and the mining loop serialize through the trail's mutex,
// and chain files are rewritten atomically.
type Trail struct {
	mu         sync.RWMutex
	chain      []Block
	pending    []Transaction
	difficulty int
	mineTimes  []time.Duration
	scores     map[string]*configScore

	signer *signer
	opts   Options
	logger *slog.Logger
	clock  func() time.Time
}

// New opens (or initializes) a trail at opts.StoragePath. An invalid
// persisted chain is discarded and replaced with a fresh genesis block.
func New(opts Options) (*Trail, error) {
	o := opts.withDefaults()

	t := &Trail{
		difficulty: o.Difficulty,
		scores:     make(map[string]*configScore),
		opts:       o,
		logger:     o.Logger.With("component", "trail"),
		clock:      time.Now,
	}

	var err error
	if o.StoragePath == "" {
		t.signer, err = newEphemeralSigner()
	} else {
		if err = os.MkdirAll(o.StoragePath, 0o755); err != nil {
			return nil, &fault.LedgerError{Op: "init", Reason: "create storage path", Cause: err}
		}
		t.signer, err = loadOrCreateSigner(o.StoragePath)
	}
	if err != nil {
		return nil, &fault.LedgerError{Op: "init", Reason: "signing key", Cause: err}
	}

	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// VerifyDir validates the chain persisted under storagePath without
// opening a trail: nothing is repaired, rewritten, or created, so a
// tampered chain is reported instead of being replaced. Returns the chain
// height and the number of non-reward transactions when valid.
func VerifyDir(storagePath string) (height, transactions int, err error) {
	if storagePath == "" {
		return 0, 0, &fault.LedgerError{Op: "verify", Reason: "no storage path configured"}
	}
	sg, err := loadSigner(storagePath)
	if err != nil {
		return 0, 0, &fault.LedgerError{Op: "verify", Reason: "signing key", Cause: err}
	}
	raw, err := os.ReadFile(filepath.Join(storagePath, chainFileName))
	if err != nil {
		return 0, 0, &fault.LedgerError{Op: "verify", Reason: "read chain", Cause: err}
	}
	var chain []Block
	if err := json.Unmarshal(raw, &chain); err != nil {
		return 0, 0, &fault.LedgerError{Op: "verify", Reason: "decode chain", Cause: err}
	}
	if len(chain) == 0 {
		return 0, 0, &fault.LedgerError{Op: "verify", Reason: "chain is empty"}
	}

	t := &Trail{chain: chain, signer: sg}
	if err := t.validateLocked(); err != nil {
		return 0, 0, err
	}
	count := 0
	for i := range chain {
		for j := range chain[i].Transactions {
			if chain[i].Transactions[j].SolutionID != MiningRewardSolutionID {
				count++
			}
		}
	}
	return len(chain), count, nil
}

// WithClock overrides the clock for testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// load reads the persisted chain and pending queue, validating the chain
// and discarding it wholesale on any violation.
func (t *Trail) load() error {
	t.chain = nil
	t.pending = nil

	if t.opts.StoragePath != "" {
		if raw, err := os.ReadFile(filepath.Join(t.opts.StoragePath, chainFileName)); err == nil {
			var chain []Block
			if err := json.Unmarshal(raw, &chain); err == nil {
				t.chain = chain
			}
		}
		if raw, err := os.ReadFile(filepath.Join(t.opts.StoragePath, pendingFileName)); err == nil {
			var pending []Transaction
			if err := json.Unmarshal(raw, &pending); err == nil {
				t.pending = pending
			}
		}
	}

	if len(t.chain) == 0 {
		genesis, err := t.genesisBlock()
		if err != nil {
			return err
		}
		t.chain = []Block{genesis}
	} else if err := t.validateLocked(); err != nil {
		t.logger.Warn("persisted chain invalid, starting fresh", "reason", err.Error())
		genesis, gerr := t.genesisBlock()
		if gerr != nil {
			return gerr
		}
		t.chain = []Block{genesis}
	}

	if last := t.chain[len(t.chain)-1]; last.Difficulty > 0 {
		t.difficulty = last.Difficulty
	}
	t.replayScores()

	if t.opts.StoragePath != "" {
		if err := t.persistLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trail) genesisBlock() (Block, error) {
	genesis := Block{
		Index:        0,
		Timestamp:    t.clockOrNow(),
		Transactions: []Transaction{},
		PreviousHash: zeroHash,
		Difficulty:   0,
	}
	hash, err := genesis.ComputeHash()
	if err != nil {
		return Block{}, &fault.LedgerError{Op: "genesis", Reason: "hash", Cause: err}
	}
	genesis.Hash = hash
	return genesis, nil
}

func (t *Trail) clockOrNow() time.Time {
	if t.clock != nil {
		return t.clock()
	}
	return time.Now()
}

// replayScores rebuilds the configuration score registry from the chain
// and pending queue, in append order.
func (t *Trail) replayScores() {
	t.scores = make(map[string]*configScore)
	for i := range t.chain {
		for j := range t.chain[i].Transactions {
			t.scoreLocked(&t.chain[i].Transactions[j])
		}
	}
	for i := range t.pending {
		t.scoreLocked(&t.pending[i])
	}
}

// scoreLocked folds one transaction into the configuration score registry:
// assemblies count as a use, release updates refine the score in place.
func (t *Trail) scoreLocked(tx *Transaction) {
	if tx.IsSentinel() {
		return
	}
	id := ConfigurationID(capabilitiesOf(tx.CellIDs), tx.ConnectionMap)
	if tx.IsUpdate() {
		t.refineScore(id, ScoreMetrics(tx.PerformanceMetrics), tx.Timestamp)
		return
	}
	t.foldScore(id, ScoreMetrics(tx.PerformanceMetrics), tx.Timestamp)
}

// AddTransaction signs and enqueues an assembly record. The signature is
// verified round-trip before the transaction is accepted.
func (t *Trail) AddTransaction(quantumSignature, solutionID string, cellIDs []string, connectionMap map[string][]string, metrics map[string]float64) (*Transaction, error) {
	return t.appendTransaction("", quantumSignature, solutionID, cellIDs, connectionMap, metrics)
}

// AddUpdate signs and enqueues a release-time update for a solution. The
// cell IDs and connection map must match the assembly record so the final
// metrics refine the same configuration's score.
func (t *Trail) AddUpdate(quantumSignature, solutionID string, cellIDs []string, connectionMap map[string][]string, metrics map[string]float64) (*Transaction, error) {
	return t.appendTransaction(TxStatusReleased, quantumSignature, solutionID, cellIDs, connectionMap, metrics)
}

func (t *Trail) appendTransaction(status, quantumSignature, solutionID string, cellIDs []string, connectionMap map[string][]string, metrics map[string]float64) (*Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit := t.opts.BlockCapacity * t.opts.PendingLimitFactor; len(t.pending) >= limit {
		return nil, &fault.LedgerError{
			Op:     "add_transaction",
			Reason: fmt.Sprintf("pending queue full (%d)", limit),
		}
	}

	tx := Transaction{
		ID:                 uuid.New().String(),
		Timestamp:          t.clock(),
		QuantumSignature:   quantumSignature,
		SolutionID:         solutionID,
		Status:             status,
		CellIDs:            append([]string(nil), cellIDs...),
		ConnectionMap:      connectionMap,
		PerformanceMetrics: metrics,
	}

	body, err := tx.SigningBody()
	if err != nil {
		return nil, &fault.TransactionValidationError{TxID: tx.ID, Reason: err.Error()}
	}
	tx.Signature = t.signer.sign(body)
	if !t.signer.verify(tx.Signature, body) {
		return nil, &fault.TransactionValidationError{TxID: tx.ID, Reason: "signature round-trip failed"}
	}

	t.pending = append(t.pending, tx)
	t.scoreLocked(&tx)

	if err := t.persistPendingLocked(); err != nil {
		// The transaction is accepted in memory; persistence retries on
		// the next write.
		t.logger.Warn("pending persistence failed", "error", err.Error())
	}
	return &tx, nil
}

// Run is the mining loop. It mines whenever the pending count reaches the
// block capacity or the oldest pending transaction exceeds the maximum
// wait. On cancellation it flushes remaining transactions into one final
// block and returns.
func (t *Trail) Run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if t.PendingCount() > 0 {
				if err := t.mineOnce(context.Background()); err != nil {
					t.logger.Error("final flush failed", "error", err.Error())
				}
			}
			return
		case <-ticker.C:
			if !t.shouldMine() {
				continue
			}
			if err := t.mineOnce(ctx); err != nil {
				if ctx.Err() != nil {
					continue // cancelled mid-mine; the Done branch flushes
				}
				t.logger.Error("mining failed, will retry", "error", err.Error())
			}
		}
	}
}

func (t *Trail) shouldMine() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.pending) == 0 {
		return false
	}
	if len(t.pending) >= t.opts.BlockCapacity {
		return true
	}
	return t.clockOrNow().Sub(t.pending[0].Timestamp) >= t.opts.MaxTransactionWait
}

// mineOnce assembles a candidate block from the pending queue and mines
// it. The nonce search runs outside the lock and yields every
// miningYieldInterval attempts so concurrent appends and reads progress.
func (t *Trail) mineOnce(ctx context.Context) error {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	count := min(len(t.pending), t.opts.BlockCapacity)
	txs := make([]Transaction, count)
	copy(txs, t.pending[:count])
	tail := t.chain[len(t.chain)-1]
	difficulty := t.difficulty
	index := tail.Index + 1
	t.mu.Unlock()

	block := Block{
		Index:        index,
		Timestamp:    t.clockOrNow(),
		Transactions: txs,
		PreviousHash: tail.Hash,
		Difficulty:   difficulty,
	}

	started := time.Now()
	prefix := strings.Repeat("0", difficulty)
	for nonce := int64(0); ; nonce++ {
		if nonce%miningYieldInterval == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			runtime.Gosched()
		}
		block.Nonce = nonce
		hash, err := block.ComputeHash()
		if err != nil {
			return &fault.LedgerError{Op: "mine", Reason: "hash", Cause: err}
		}
		if strings.HasPrefix(hash, prefix) {
			block.Hash = hash
			break
		}
	}
	elapsed := time.Since(started)

	t.mu.Lock()
	defer t.mu.Unlock()

	// Single miner: the tail cannot have moved, but assert anyway.
	if current := t.chain[len(t.chain)-1]; current.Hash != block.PreviousHash {
		return &fault.LedgerError{Op: "mine", Reason: "chain tail moved during mining"}
	}

	t.chain = append(t.chain, block)
	t.pending = t.pending[count:]
	t.mineTimes = append(t.mineTimes, elapsed)
	t.adjustDifficultyLocked()

	// Reward sentinel for the next block, mirroring the historical
	// behavior the rest of the system ignores.
	reward := Transaction{
		ID:         uuid.New().String(),
		Timestamp:  t.clockOrNow(),
		SolutionID: MiningRewardSolutionID,
	}
	if body, err := reward.SigningBody(); err == nil {
		reward.Signature = t.signer.sign(body)
		t.pending = append(t.pending, reward)
	}

	if err := t.persistLocked(); err != nil {
		return err
	}
	t.logger.Info("block mined",
		"index", block.Index, "transactions", count,
		"difficulty", block.Difficulty, "elapsed", elapsed.String())
	return nil
}

// adjustDifficultyLocked retunes difficulty every adjustment interval from
// the rolling average mine time.
func (t *Trail) adjustDifficultyLocked() {
	interval := t.opts.DifficultyAdjustmentInterval
	if len(t.mineTimes) < interval {
		return
	}
	window := t.mineTimes[len(t.mineTimes)-interval:]
	var total time.Duration
	for _, d := range window {
		total += d
	}
	avg := total / time.Duration(interval)
	target := t.opts.BlockTimeTarget

	switch {
	case avg < target/2:
		t.difficulty++
		t.logger.Info("difficulty raised", "difficulty", t.difficulty, "avg_mine_time", avg.String())
	case avg > 2*target && t.difficulty > 1:
		t.difficulty--
		t.logger.Info("difficulty lowered", "difficulty", t.difficulty, "avg_mine_time", avg.String())
	}
	t.mineTimes = t.mineTimes[:0]
}

// Validate checks the whole chain: recomputed hashes, previous-hash links,
// difficulty prefixes, and every transaction signature.
func (t *Trail) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.validateLocked()
}

func (t *Trail) validateLocked() error {
	for i := range t.chain {
		b := &t.chain[i]

		computed, err := b.ComputeHash()
		if err != nil {
			return &fault.BlockValidationError{Index: b.Index, Reason: "hash computation failed"}
		}
		if computed != b.Hash {
			return &fault.BlockValidationError{Index: b.Index, Reason: "hash mismatch"}
		}
		if !b.MeetsDifficulty() {
			return &fault.BlockValidationError{Index: b.Index, Reason: "hash does not meet difficulty"}
		}

		if i == 0 {
			if b.PreviousHash != zeroHash {
				return &fault.BlockValidationError{Index: b.Index, Reason: "genesis previous hash not zero"}
			}
		} else {
			if b.PreviousHash != t.chain[i-1].Hash {
				return &fault.BlockValidationError{Index: b.Index, Reason: "previous hash link broken"}
			}
			if b.Index != t.chain[i-1].Index+1 {
				return &fault.BlockValidationError{Index: b.Index, Reason: "index not sequential"}
			}
		}

		for j := range b.Transactions {
			tx := &b.Transactions[j]
			body, err := tx.SigningBody()
			if err != nil || !t.signer.verify(tx.Signature, body) {
				return &fault.TransactionValidationError{TxID: tx.ID, Reason: "signature does not verify"}
			}
		}
	}
	return nil
}

// persistLocked writes chain and pending atomically (tmp + rename).
func (t *Trail) persistLocked() error {
	if t.opts.StoragePath == "" {
		return nil
	}
	if err := writeJSONAtomic(filepath.Join(t.opts.StoragePath, chainFileName), t.chain); err != nil {
		return &fault.LedgerError{Op: "persist", Reason: "write chain", Cause: err}
	}
	return t.persistPendingLocked()
}

func (t *Trail) persistPendingLocked() error {
	if t.opts.StoragePath == "" {
		return nil
	}
	pending := t.pending
	if pending == nil {
		pending = []Transaction{}
	}
	if err := writeJSONAtomic(filepath.Join(t.opts.StoragePath, pendingFileName), pending); err != nil {
		return &fault.LedgerError{Op: "persist", Reason: "write pending", Cause: err}
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Close mines any pending transactions into a final block and persists
// the chain. Safe to call after Run has returned; callers that use Run
// get the same flush from context cancellation.
func (t *Trail) Close() error {
	if t.PendingCount() == 0 {
		return nil
	}
	return t.mineOnce(context.Background())
}

// Height returns the chain length.
func (t *Trail) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.chain)
}

// PendingCount returns the pending queue length.
func (t *Trail) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// TransactionCount returns the total number of transactions committed to
// the chain plus pending, excluding mining-reward sentinels.
func (t *Trail) TransactionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for i := range t.chain {
		for j := range t.chain[i].Transactions {
			if t.chain[i].Transactions[j].SolutionID != MiningRewardSolutionID {
				count++
			}
		}
	}
	for i := range t.pending {
		if t.pending[i].SolutionID != MiningRewardSolutionID {
			count++
		}
	}
	return count
}

// Blocks returns a snapshot copy of the chain.
func (t *Trail) Blocks() []Block {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Block, len(t.chain))
	copy(out, t.chain)
	return out
}

// PublicKey returns the ledger's hex verification key.
func (t *Trail) PublicKey() string {
	return t.signer.publicKey()
}

func capabilitiesOf(cellIDs []string) []string {
	caps := make([]string, 0, len(cellIDs))
	for _, id := range cellIDs {
		if c := model.CapabilityFromCellID(id); c != "" {
			caps = append(caps, c)
		}
	}
	return caps
}

// FindSimilarConfigurations retrieves up to maxResults past configurations
// whose recorded capability sets overlap the requested list by more than
// half. Pending transactions participate so a just-finished assembly is
// immediately reusable.
func (t *Trail) FindSimilarConfigurations(capabilities []string, maxResults int) []*model.CellConfiguration {
	if maxResults <= 0 || len(capabilities) == 0 {
		return nil
	}

	requested := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		requested[c] = true
	}

	t.mu.RLock()
	// Newest first: pending back-to-front, then chain back-to-front.
	candidates := make([]Transaction, 0, len(t.pending))
	for i := len(t.pending) - 1; i >= 0; i-- {
		candidates = append(candidates, t.pending[i])
	}
	for i := len(t.chain) - 1; i >= 0; i-- {
		for j := len(t.chain[i].Transactions) - 1; j >= 0; j-- {
			candidates = append(candidates, t.chain[i].Transactions[j])
		}
	}
	t.mu.RUnlock()

	type scored struct {
		similarity float64
		config     *model.CellConfiguration
	}
	var results []scored
	seen := make(map[string]bool)

	for i := range candidates {
		tx := &candidates[i]
		if tx.IsSentinel() {
			continue
		}

		matched := 0
		for _, id := range tx.CellIDs {
			if requested[model.CapabilityFromCellID(id)] {
				matched++
			}
		}
		denom := max(len(capabilities), len(tx.CellIDs))
		similarity := float64(matched) / float64(denom)
		if similarity <= 0.5 {
			continue
		}

		cfg := t.reconstructConfiguration(tx)
		if seen[cfg.ID] {
			continue
		}
		seen[cfg.ID] = true
		results = append(results, scored{similarity: similarity, config: cfg})
	}

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].similarity > results[b].similarity
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	out := make([]*model.CellConfiguration, len(results))
	for i, r := range results {
		out[i] = r.config
	}
	return out
}

// reconstructConfiguration rebuilds a reusable configuration from a
// transaction. Cell types come from the capability prefix of each cell ID;
// provider URLs are not recorded in transactions, so the assembler falls
// back to its configured provider list when reusing.
func (t *Trail) reconstructConfiguration(tx *Transaction) *model.CellConfiguration {
	specs := make([]model.CellSpec, 0, len(tx.CellIDs))
	typeOf := make(map[string]string, len(tx.CellIDs))
	for _, id := range tx.CellIDs {
		capability := model.CapabilityFromCellID(id)
		specs = append(specs, model.CellSpec{
			CellType:   capability,
			Capability: capability,
		})
		typeOf[id] = capability
	}

	// Transactions record edges by cell ID; configurations key them by
	// cell type.
	connMap := make(map[string][]string)
	for src, targets := range tx.ConnectionMap {
		srcType := typeOf[src]
		if srcType == "" {
			srcType = model.CapabilityFromCellID(src)
		}
		for _, target := range targets {
			targetType := typeOf[target]
			if targetType == "" {
				targetType = model.CapabilityFromCellID(target)
			}
			if srcType != "" && targetType != "" {
				connMap[srcType] = append(connMap[srcType], targetType)
			}
		}
	}

	cfg := &model.CellConfiguration{
		ID:            ConfigurationID(capabilitiesOf(tx.CellIDs), tx.ConnectionMap),
		Specs:         specs,
		ConnectionMap: connMap,
		LastUsedAt:    tx.Timestamp,
	}

	t.mu.RLock()
	if sc, ok := t.scores[cfg.ID]; ok {
		cfg.PerformanceScore = sc.score
		cfg.UseCount = sc.useCount
		if sc.lastUsedAt.After(cfg.LastUsedAt) {
			cfg.LastUsedAt = sc.lastUsedAt
		}
	}
	t.mu.RUnlock()

	return cfg
}

// ScoreMetrics computes a configuration performance score in [0, 100].
func ScoreMetrics(metrics map[string]float64) float64 {
	score := 100.0
	if t, ok := metrics[MetricAssemblyTimeMS]; ok {
		score -= minFloat(20, t/50)
	}
	if m, ok := metrics[MetricMemoryPeakMB]; ok {
		score -= minFloat(10, m/100)
	}
	if c, ok := metrics[MetricCPUUsageAvg]; ok {
		score -= minFloat(10, c/10)
	}
	if t, ok := metrics[MetricTotalUsageTimeMS]; ok && t > 0 && t < 5000 {
		score += minFloat(10, (5000-t)/500)
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// foldScore applies the reuse weighting: the first use sets the score,
// later uses fold in with the historical weighting.
func (t *Trail) foldScore(configID string, score float64, at time.Time) {
	sc, ok := t.scores[configID]
	if !ok {
		t.scores[configID] = &configScore{score: score, useCount: 1, lastUsedAt: at}
		return
	}
	sc.useCount++
	n := float64(sc.useCount)
	sc.score = (sc.score*(n-1)*0.8 + score*0.2*n) / n
	if at.After(sc.lastUsedAt) {
		sc.lastUsedAt = at
	}
}

// refineScore blends a release update's final metrics into an existing
// configuration score without counting another use: the assembly and its
// release describe one lifecycle.
func (t *Trail) refineScore(configID string, score float64, at time.Time) {
	sc, ok := t.scores[configID]
	if !ok {
		// Update without a surviving assembly record (pruned or lost);
		// treat it as the first observation.
		t.foldScore(configID, score, at)
		return
	}
	sc.score = sc.score*0.8 + score*0.2
	if at.After(sc.lastUsedAt) {
		sc.lastUsedAt = at
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	DefaultDifficulty = 2
	DefaultBlockSize  = 5
	DefaultNodeID     = "main"
)

// ErrInvalidChain is wrapped by every chain integrity failure reported by Verify.
var ErrInvalidChain = errors.New("invalid chain")

// Sealer signs the hash of a freshly mined block.
type Sealer interface {
	Seal(hash string) ([]byte, error)
}

// SealVerifier checks a seal produced by a Sealer.
type SealVerifier interface {
	VerifySeal(hash string, seal []byte) error
}

// Blockchain is a single-writer ledger of signal-state transactions. Transactions are
// buffered in a pending pool and mined into blocks once the pool reaches the block size.
type Blockchain struct {
	mu         sync.RWMutex
	chain      []Block
	pending    []Transaction
	nodeID     string
	difficulty int
	blockSize  int
	knownNodes map[string]struct{}

	sealer  Sealer
	onMined func(Block, time.Duration)
	logger  *slog.Logger
}

type Option func(*Blockchain)

func WithNodeID(id string) Option {
	return func(bc *Blockchain) {
		bc.nodeID = id
	}
}

func WithDifficulty(difficulty int) Option {
	return func(bc *Blockchain) {
		bc.difficulty = difficulty
	}
}

func WithBlockSize(size int) Option {
	return func(bc *Blockchain) {
		bc.blockSize = size
	}
}

// WithSealer signs every mined block. A failed signature leaves the block unsealed.
func WithSealer(s Sealer) Option {
	return func(bc *Blockchain) {
		bc.sealer = s
	}
}

// WithMinedHook is called with every mined block and the time spent searching the nonce.
// It runs while the ledger is locked and must not call back into the Blockchain.
func WithMinedHook(fn func(Block, time.Duration)) Option {
	return func(bc *Blockchain) {
		bc.onMined = fn
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(bc *Blockchain) {
		bc.logger = l
	}
}

// NewBlockchain creates a ledger holding only the genesis block.
func NewBlockchain(opts ...Option) (*Blockchain, error) {
	bc := &Blockchain{
		nodeID:     DefaultNodeID,
		difficulty: DefaultDifficulty,
		blockSize:  DefaultBlockSize,
	}
	for _, opt := range opts {
		opt(bc)
	}
	if bc.difficulty < 0 || bc.difficulty > len(GenesisPreviousHash) {
		return nil, fmt.Errorf("difficulty must be between 0 and %d, got %d", len(GenesisPreviousHash), bc.difficulty)
	}
	if bc.blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", bc.blockSize)
	}
	if bc.nodeID == "" {
		return nil, errors.New("node id must not be empty")
	}
	if bc.logger == nil {
		bc.logger = slog.Default()
	}
	bc.knownNodes = map[string]struct{}{bc.nodeID: {}}
	bc.chain = []Block{genesisBlock()}
	return bc, nil
}

func genesisBlock() Block {
	tx := NewTransaction(0, StateInit, 0, 0, false, "genesis", map[string]string{
		"message": "Genesis block for Traffic Signal Blockchain",
	})
	return newBlock(0, []Transaction{tx}, GenesisPreviousHash)
}

// AddTransaction validates tx and appends it to the pending pool, mining a block
// synchronously once the pool reaches the block size. Invalid transactions are
// rejected without touching the ledger.
func (bc *Blockchain) AddTransaction(tx Transaction) bool {
	if err := tx.Validate(); err != nil {
		bc.logger.Debug("transaction rejected", "lane", tx.LaneID, "err", err)
		return false
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	bc.pending = append(bc.pending, tx.clone())
	if len(bc.pending) >= bc.blockSize {
		// background context: mining cannot fail here
		_, _, _ = bc.mineLocked(context.Background())
	}
	return true
}

// MinePendingTransactions mines up to block-size pending transactions into a new block.
// It returns false when there is nothing to mine.
func (bc *Blockchain) MinePendingTransactions() (Block, bool) {
	b, ok, _ := bc.MinePendingTransactionsContext(context.Background())
	return b, ok
}

// MinePendingTransactionsContext is MinePendingTransactions with a cancellable nonce
// search. On cancellation the pending pool and the chain are left as they were.
func (bc *Blockchain) MinePendingTransactionsContext(ctx context.Context) (Block, bool, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.mineLocked(ctx)
}

func (bc *Blockchain) mineLocked(ctx context.Context) (Block, bool, error) {
	if len(bc.pending) == 0 {
		return Block{}, false, nil
	}
	n := min(bc.blockSize, len(bc.pending))
	txs := make([]Transaction, n)
	copy(txs, bc.pending[:n])

	tip := bc.chain[len(bc.chain)-1]
	block := newBlock(len(bc.chain), txs, tip.Hash)

	start := time.Now()
	if err := block.mine(ctx, bc.difficulty); err != nil {
		return Block{}, false, err
	}
	elapsed := time.Since(start)

	if bc.sealer != nil {
		seal, err := bc.sealer.Seal(block.Hash)
		if err != nil {
			bc.logger.Warn("block left unsealed", "block", block.Index, "err", err)
		} else {
			block.Seal = seal
		}
	}

	bc.pending = append([]Transaction(nil), bc.pending[n:]...)
	bc.chain = append(bc.chain, block)
	bc.logger.Debug("block mined", "block", block.Index, "nonce", block.Nonce, "txs", n, "elapsed", elapsed)
	if bc.onMined != nil {
		bc.onMined(block.clone(), elapsed)
	}
	return block.clone(), true, nil
}

// Verify checks every block after genesis: its hash must match the recomputation and
// its previous hash must match the hash of the block before it.
func (bc *Blockchain) Verify() error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return verifyChain(bc.chain)
}

// IsChainValid reports whether Verify succeeds.
func (bc *Blockchain) IsChainValid() bool {
	return bc.Verify() == nil
}

func verifyChain(chain []Block) error {
	for i := 1; i < len(chain); i++ {
		current := chain[i]
		previous := chain[i-1]

		if expected := current.CalculateHash(); current.Hash != expected {
			return fmt.Errorf("%w: block %d hash mismatch: expected %s, got %s", ErrInvalidChain, i, expected, current.Hash)
		}
		if current.PreviousHash != previous.Hash {
			return fmt.Errorf("%w: block %d previous hash mismatch: expected %s, got %s", ErrInvalidChain, i, previous.Hash, current.PreviousHash)
		}
	}
	return nil
}

// VerifySeals checks the seal of every sealed block after genesis.
func (bc *Blockchain) VerifySeals(v SealVerifier) error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	for _, b := range bc.chain[1:] {
		if len(b.Seal) == 0 {
			continue
		}
		if err := v.VerifySeal(b.Hash, b.Seal); err != nil {
			return fmt.Errorf("block %d: %w", b.Index, err)
		}
	}
	return nil
}

// ReplaceChain swaps in candidate when it is strictly longer than the current chain and
// passes the same checks as Verify. It is the only operation that rewrites history.
func (bc *Blockchain) ReplaceChain(candidate []Block) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if len(candidate) <= len(bc.chain) {
		return false
	}
	if err := verifyChain(candidate); err != nil {
		bc.logger.Warn("candidate chain rejected", "len", len(candidate), "err", err)
		return false
	}
	chain := make([]Block, len(candidate))
	for i, b := range candidate {
		chain[i] = b.clone()
	}
	bc.chain = chain
	return true
}

// Blocks returns a copy of the chain from genesis to tip.
func (bc *Blockchain) Blocks() []Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	out := make([]Block, len(bc.chain))
	for i, b := range bc.chain {
		out[i] = b.clone()
	}
	return out
}

// BlocksFrom returns a copy of the blocks with index >= from.
func (bc *Blockchain) BlocksFrom(from int) []Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(bc.chain) {
		return nil
	}
	out := make([]Block, 0, len(bc.chain)-from)
	for _, b := range bc.chain[from:] {
		out = append(out, b.clone())
	}
	return out
}

// Latest returns the tip of the chain.
func (bc *Blockchain) Latest() Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.chain[len(bc.chain)-1].clone()
}

// BlockByIndex returns the block at index.
func (bc *Blockchain) BlockByIndex(index int) (Block, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if index < 0 || index >= len(bc.chain) {
		return Block{}, fmt.Errorf("index %d out of range", index)
	}
	return bc.chain[index].clone(), nil
}

// Len returns the number of blocks, genesis included.
func (bc *Blockchain) Len() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.chain)
}

func (bc *Blockchain) Pending() []Transaction {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	out := make([]Transaction, len(bc.pending))
	for i, tx := range bc.pending {
		out[i] = tx.clone()
	}
	return out
}

func (bc *Blockchain) PendingCount() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.pending)
}

// TransactionsByLane returns every mined transaction of a lane in chain order.
func (bc *Blockchain) TransactionsByLane(laneID int) []Transaction {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	var out []Transaction
	for _, b := range bc.chain {
		for _, tx := range b.Transactions {
			if tx.LaneID == laneID {
				out = append(out, tx.clone())
			}
		}
	}
	return out
}

// LatestSignalState returns the newest mined GREEN, RED or YELLOW transaction of a lane.
func (bc *Blockchain) LatestSignalState(laneID int) (Transaction, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	for i := len(bc.chain) - 1; i >= 0; i-- {
		txs := bc.chain[i].Transactions
		for j := len(txs) - 1; j >= 0; j-- {
			if txs[j].LaneID == laneID && txs[j].SignalState.IsSignal() {
				return txs[j].clone(), true
			}
		}
	}
	return Transaction{}, false
}

// AddNode records a peer identifier. Nodes are bookkeeping only: nothing is replicated.
func (bc *Blockchain) AddNode(id string) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.knownNodes[id] = struct{}{}
}

func (bc *Blockchain) KnownNodes() []string {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.knownNodesLocked()
}

func (bc *Blockchain) knownNodesLocked() []string {
	out := make([]string, 0, len(bc.knownNodes))
	for id := range bc.knownNodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (bc *Blockchain) NodeID() string  { return bc.nodeID }
func (bc *Blockchain) Difficulty() int { return bc.difficulty }
func (bc *Blockchain) BlockSize() int  { return bc.blockSize }

// Stats summarizes the ledger for reporting.
type Stats struct {
	TotalBlocks         int         `json:"total_blocks"`
	TotalTransactions   int         `json:"total_transactions"`
	PendingTransactions int         `json:"pending_transactions"`
	LaneTransactions    map[int]int `json:"lane_transactions"`
	IsValid             bool        `json:"is_valid"`
	NodeID              string      `json:"node_id"`
	KnownNodes          int         `json:"known_nodes"`
}

func (bc *Blockchain) Statistics() Stats {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	s := Stats{
		TotalBlocks:         len(bc.chain),
		PendingTransactions: len(bc.pending),
		LaneTransactions:    make(map[int]int),
		IsValid:             verifyChain(bc.chain) == nil,
		NodeID:              bc.nodeID,
		KnownNodes:          len(bc.knownNodes),
	}
	for _, b := range bc.chain {
		s.TotalTransactions += len(b.Transactions)
		for _, tx := range b.Transactions {
			s.LaneTransactions[tx.LaneID]++
		}
	}
	return s
}

// MarshalJSON exports the whole ledger state, pending pool included.
func (bc *Blockchain) MarshalJSON() ([]byte, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	pending := bc.pending
	if pending == nil {
		pending = []Transaction{}
	}
	return json.Marshal(struct {
		Chain               []Block       `json:"chain"`
		PendingTransactions []Transaction `json:"pending_transactions"`
		NodeID              string        `json:"node_id"`
		Difficulty          int           `json:"difficulty"`
		BlockSize           int           `json:"block_size"`
		KnownNodes          []string      `json:"known_nodes"`
	}{
		Chain:               bc.chain,
		PendingTransactions: pending,
		NodeID:              bc.nodeID,
		Difficulty:          bc.difficulty,
		BlockSize:           bc.blockSize,
		KnownNodes:          bc.knownNodesLocked(),
	})
}

func (bc *Blockchain) String() string {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return fmt.Sprintf("Blockchain(node=%s, blocks=%d, pending=%d)", bc.nodeID, len(bc.chain), len(bc.pending))
}

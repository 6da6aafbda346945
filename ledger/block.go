package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisPreviousHash is the previous-hash sentinel of the genesis block: one '0' per
// hex digit of a SHA-256 digest.
var GenesisPreviousHash = strings.Repeat("0", sha256.Size*2)

// Block is a batch of transactions linked to its predecessor and stamped with a
// proof-of-work nonce.
type Block struct {
	Index        int           `json:"index"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	PreviousHash string        `json:"previous_hash"`
	Nonce        int           `json:"nonce"`
	Hash         string        `json:"hash"`
	Seal         []byte        `json:"seal,omitempty"`
}

// hashedTransaction and hashedBlock fix the canonical encoding: field order is the
// declaration order, timestamps are UTC RFC3339Nano and metadata is never null.
type hashedTransaction struct {
	LaneID           int               `json:"lane_id"`
	SignalState      SignalState       `json:"signal_state"`
	VehicleCount     int               `json:"vehicle_count"`
	GreenTime        int               `json:"green_time"`
	EmergencyVehicle bool              `json:"emergency_vehicle"`
	NodeID           string            `json:"node_id"`
	Timestamp        string            `json:"timestamp"`
	Metadata         map[string]string `json:"metadata"`
}

type hashedBlock struct {
	Index        int                 `json:"index"`
	Timestamp    string              `json:"timestamp"`
	Transactions []hashedTransaction `json:"transactions"`
	PreviousHash string              `json:"previous_hash"`
	Nonce        int                 `json:"nonce"`
}

func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func newBlock(index int, transactions []Transaction, previousHash string) Block {
	b := Block{
		Index:        index,
		Timestamp:    time.Now().UTC(),
		Transactions: transactions,
		PreviousHash: previousHash,
	}
	b.Hash = b.CalculateHash()
	return b
}

// CalculateHash computes the SHA-256 digest of the block's canonical encoding.
func (b Block) CalculateHash() string {
	txs := make([]hashedTransaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		md := tx.Metadata
		if md == nil {
			md = map[string]string{}
		}
		txs[i] = hashedTransaction{
			LaneID:           tx.LaneID,
			SignalState:      tx.SignalState,
			VehicleCount:     tx.VehicleCount,
			GreenTime:        tx.GreenTime,
			EmergencyVehicle: tx.EmergencyVehicle,
			NodeID:           tx.NodeID,
			Timestamp:        canonicalTime(tx.Timestamp),
			Metadata:         md,
		}
	}
	// a struct of strings, ints, bools and string maps cannot fail to marshal
	data, _ := json.Marshal(hashedBlock{
		Index:        b.Index,
		Timestamp:    canonicalTime(b.Timestamp),
		Transactions: txs,
		PreviousHash: b.PreviousHash,
		Nonce:        b.Nonce,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MeetsDifficulty reports whether the stored hash starts with difficulty '0' characters.
func (b Block) MeetsDifficulty(difficulty int) bool {
	return hashMeetsDifficulty(b.Hash, difficulty)
}

func hashMeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if difficulty > len(hash) {
		return false
	}
	return strings.HasPrefix(hash, strings.Repeat("0", difficulty))
}

// mine advances the nonce until the hash satisfies difficulty. The context is checked
// every checkEvery attempts so the reference difficulty pays nothing for it.
func (b *Block) mine(ctx context.Context, difficulty int) error {
	const checkEvery = 1 << 12
	b.Hash = b.CalculateHash()
	for attempts := 0; !hashMeetsDifficulty(b.Hash, difficulty); attempts++ {
		if attempts%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("mining block %d: %w", b.Index, err)
			}
		}
		b.Nonce++
		b.Hash = b.CalculateHash()
	}
	return nil
}

func (b Block) clone() Block {
	txs := make([]Transaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = tx.clone()
	}
	b.Transactions = txs
	if b.Seal != nil {
		b.Seal = append([]byte(nil), b.Seal...)
	}
	return b
}

func (b Block) String() string {
	short := b.Hash
	if len(short) > 16 {
		short = short[:16]
	}
	return fmt.Sprintf("Block(index=%d, hash=%s..., tx_count=%d)", b.Index, short, len(b.Transactions))
}

// Package ledger implements the tamper-evident record of traffic signal changes.
//
// # Core Components
//
// Transaction: One observed or decided signal state of a lane. Transactions are
// values and are never modified after construction.
//
// Block: An ordered batch of transactions, linked to the previous block by its
// hash and stamped with a proof-of-work nonce.
//
// Blockchain: The chain from genesis to tip plus the pool of pending transactions.
// Transactions are mined automatically once the pool reaches the block size.
//
// # Security Properties
//
// The chain provides:
//   - Immutability: mined blocks are never rewritten, except by ReplaceChain with a
//     strictly longer chain that passes verification
//   - Verifiability: Verify recomputes every hash and checks every link
//   - Auditability: every signal change of every lane can be queried back
//
// # Concurrency
//
// A Blockchain is safe for concurrent use. Every mutation, mining included, runs
// under a single write lock; queries take the read lock.
package ledger

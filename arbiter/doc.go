// Package arbiter decides, once per control cycle, the single lane that holds right of
// way and records every real signal change in the ledger.
//
// # Decision Order
//
// A cycle picks the green lane by the first rule that applies:
//   - Emergency: a flagged lane preempts everything. The current green lane keeps the
//     grant if it is flagged itself, otherwise the lowest flagged lane id wins.
//   - Rotation: a lane held by the scheduler's expiry rule keeps green.
//   - Load: the lane with the most vehicles wins, ties going to the lowest id. With no
//     traffic at all the lowest id is green.
//
// # Emission
//
// The Engine remembers the last state it recorded for each lane and only emits a
// transaction when a lane flips between GREEN and RED. RED transactions are emitted
// before the GREEN one so the ledger never shows two green lanes in a row.
package arbiter

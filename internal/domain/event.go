package domain

import "time"

// FeeEvent is an immutable record of lamports attributed to one asset.
// Produced by the engine, consumed by the ledger and fee-event stores.
type FeeEvent struct {
	Mint      string
	Symbol    string
	Amount    int64 // signed lamports
	Timestamp time.Time
	Slot      int64
	VaultKind VaultKind
	Signature string // triggering transaction, empty for split remainders
}

// AggregateStats is one row per mint. A migrated asset has two collection
// addresses but a single stats row.
type AggregateStats struct {
	Mint        string
	Symbol      string
	TotalFees   int64
	EventCount  int64
	LastEventAt time.Time
	Migrated    bool
}

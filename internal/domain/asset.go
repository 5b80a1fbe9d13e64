package domain

// MigrationState models the one-way bonding-pool → secondary-pool lifecycle
// of a tracked asset. The only allowed transition is NotMigrated → Migrated,
// performed through TrackedAsset.MarkMigrated.
type MigrationState int

const (
	NotMigrated MigrationState = iota
	Migrated
)

// String returns the string representation of MigrationState.
func (m MigrationState) String() string {
	if m == Migrated {
		return "MIGRATED"
	}
	return "NOT_MIGRATED"
}

// PlaceholderSymbol is used for assets whose metadata has not resolved yet.
const PlaceholderSymbol = "???"

// TrackedAsset is one asset sharing the vault. Owned exclusively by the
// registry; the engine and ledger reference it by bonding-curve address.
type TrackedAsset struct {
	Mint         string // stable identifier
	Symbol       string // starts as PlaceholderSymbol until metadata resolves
	BondingCurve string // collection address for the bonding pool
	AMMPool      string // secondary pool address, set at migration
	Migration    MigrationState
	LastReserves int64 // last observed reserve lamports, basis for proportional attribution
	TotalFees    int64 // cumulative attributed lamports
	EventCount   int64
}

// MarkMigrated flips the one-way migration flag and records the secondary
// pool address. Returns true only on the NotMigrated → Migrated transition;
// repeat calls are no-ops.
func (a *TrackedAsset) MarkMigrated(ammPool string) bool {
	if a.Migration == Migrated {
		return false
	}
	a.Migration = Migrated
	a.AMMPool = ammPool
	return true
}

// CollectionAddress returns the address whose balance changes are the asset's
// current attribution signal: the bonding curve before migration, the
// secondary pool after.
func (a *TrackedAsset) CollectionAddress() string {
	if a.Migration == Migrated && a.AMMPool != "" {
		return a.AMMPool
	}
	return a.BondingCurve
}

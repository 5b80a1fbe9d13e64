package domain

// VaultKind identifies which shared vault an observation refers to.
type VaultKind string

const (
	// VaultPrimary is the native-lamport vault funded by bonding-pool fees.
	VaultPrimary VaultKind = "PRIMARY"
	// VaultSecondary is the token-denominated vault funded by secondary-pool
	// fees after migration.
	VaultSecondary VaultKind = "SECONDARY"
)

// String returns the string representation of VaultKind.
func (v VaultKind) String() string {
	return string(v)
}

// IsValid checks if the vault kind is a valid value.
func (v VaultKind) IsValid() bool {
	return v == VaultPrimary || v == VaultSecondary
}

// EventKind classifies a balance-affecting event on a vault.
type EventKind string

const (
	// EventFee is an inflow attributed (or attributable) to an asset.
	EventFee EventKind = "FEE"
	// EventClaim is an outflow by the vault owner. Claims are recorded but
	// never attributed to an asset.
	EventClaim EventKind = "CLAIM"
)

// String returns the string representation of EventKind.
func (e EventKind) String() string {
	return string(e)
}

// IsValid checks if the event kind is a valid value.
func (e EventKind) IsValid() bool {
	return e == EventFee || e == EventClaim
}

package storage

import (
	"context"

	"vault-fee-tracker/internal/domain"
)

// FeeEventStore archives attributed fee events for external observers.
// Events are immutable; stores are append-only.
type FeeEventStore interface {
	// Insert adds a new event. Returns ErrDuplicateKey if an event with the
	// same (signature, mint, vault kind) already exists.
	Insert(ctx context.Context, e *domain.FeeEvent) error

	// GetByMint retrieves all events for a mint, ordered by timestamp ASC.
	GetByMint(ctx context.Context, mint string) ([]*domain.FeeEvent, error)

	// GetByTimeRange retrieves events within [start, end] (inclusive,
	// Unix milliseconds), ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.FeeEvent, error)

	// TotalByMint returns the cumulative attributed lamports for a mint.
	TotalByMint(ctx context.Context, mint string) (int64, error)
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"vault-fee-tracker/internal/domain"
	"vault-fee-tracker/internal/storage"
)

// FeeEventStore implements storage.FeeEventStore using PostgreSQL.
type FeeEventStore struct {
	pool *Pool
}

// NewFeeEventStore creates a new FeeEventStore.
func NewFeeEventStore(pool *Pool) *FeeEventStore {
	return &FeeEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.FeeEventStore = (*FeeEventStore)(nil)

// Insert adds a new fee event. Returns ErrDuplicateKey if (signature, mint,
// vault_kind) exists.
func (s *FeeEventStore) Insert(ctx context.Context, e *domain.FeeEvent) error {
	if e == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO fee_events (
			signature, mint, vault_kind, symbol, amount, slot, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.pool.Exec(ctx, query,
		e.Signature,
		e.Mint,
		string(e.VaultKind),
		e.Symbol,
		e.Amount,
		e.Slot,
		e.Timestamp.UTC(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert fee event: %w", err)
	}
	return nil
}

// GetByMint retrieves all events for a mint, ordered by timestamp ASC.
func (s *FeeEventStore) GetByMint(ctx context.Context, mint string) ([]*domain.FeeEvent, error) {
	query := `
		SELECT signature, mint, vault_kind, symbol, amount, slot, timestamp
		FROM fee_events
		WHERE mint = $1
		ORDER BY timestamp ASC, slot ASC, signature ASC
	`

	rows, err := s.pool.Query(ctx, query, mint)
	if err != nil {
		return nil, fmt.Errorf("get fee events by mint: %w", err)
	}
	defer rows.Close()

	return scanFeeEvents(rows)
}

// GetByTimeRange retrieves events within [start, end] Unix milliseconds,
// ordered by timestamp ASC.
func (s *FeeEventStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.FeeEvent, error) {
	query := `
		SELECT signature, mint, vault_kind, symbol, amount, slot, timestamp
		FROM fee_events
		WHERE timestamp >= $1 AND timestamp <= $2
		ORDER BY timestamp ASC, slot ASC, signature ASC
	`

	rows, err := s.pool.Query(ctx, query, time.UnixMilli(start).UTC(), time.UnixMilli(end).UTC())
	if err != nil {
		return nil, fmt.Errorf("get fee events by time range: %w", err)
	}
	defer rows.Close()

	return scanFeeEvents(rows)
}

// TotalByMint returns the cumulative attributed lamports for a mint.
func (s *FeeEventStore) TotalByMint(ctx context.Context, mint string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM fee_events
		WHERE mint = $1
	`

	var total int64
	if err := s.pool.QueryRow(ctx, query, mint).Scan(&total); err != nil {
		return 0, fmt.Errorf("total fees by mint: %w", err)
	}
	return total, nil
}

// scanFeeEvents scans multiple rows into a slice of FeeEvent.
func scanFeeEvents(rows pgx.Rows) ([]*domain.FeeEvent, error) {
	var events []*domain.FeeEvent

	for rows.Next() {
		var (
			e    domain.FeeEvent
			kind string
			ts   time.Time
		)

		err := rows.Scan(
			&e.Signature,
			&e.Mint,
			&kind,
			&e.Symbol,
			&e.Amount,
			&e.Slot,
			&ts,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fee event row: %w", err)
		}
		e.VaultKind = domain.VaultKind(kind)
		e.Timestamp = ts.UTC()

		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fee event rows: %w", err)
	}

	return events, nil
}

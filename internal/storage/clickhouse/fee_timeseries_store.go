package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"vault-fee-tracker/internal/domain"
	"vault-fee-tracker/internal/storage"
)

// FeeTimeseriesStore implements storage.FeeEventStore using ClickHouse,
// suited to long-horizon fee analytics.
type FeeTimeseriesStore struct {
	conn *Conn
}

// NewFeeTimeseriesStore creates a new FeeTimeseriesStore.
func NewFeeTimeseriesStore(conn *Conn) *FeeTimeseriesStore {
	return &FeeTimeseriesStore{conn: conn}
}

// Compile-time interface check.
var _ storage.FeeEventStore = (*FeeTimeseriesStore)(nil)

// Insert adds a fee event. ClickHouse MergeTree does not enforce uniqueness,
// so duplicates are detected with an explicit existence check first.
func (s *FeeTimeseriesStore) Insert(ctx context.Context, e *domain.FeeEvent) error {
	if e == nil {
		return storage.ErrInvalidInput
	}

	exists, err := s.exists(ctx, e.Signature, e.Mint, string(e.VaultKind))
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	query := `
		INSERT INTO fee_timeseries (
			signature, mint, vault_kind, symbol, amount, slot, timestamp_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err = s.conn.Exec(ctx, query,
		e.Signature,
		e.Mint,
		string(e.VaultKind),
		e.Symbol,
		e.Amount,
		uint64(e.Slot),
		uint64(e.Timestamp.UnixMilli()),
	)
	if err != nil {
		return fmt.Errorf("insert fee event: %w", err)
	}
	return nil
}

// GetByMint retrieves all events for a mint, ordered by timestamp ASC.
func (s *FeeTimeseriesStore) GetByMint(ctx context.Context, mint string) ([]*domain.FeeEvent, error) {
	query := `
		SELECT signature, mint, vault_kind, symbol, amount, slot, timestamp_ms
		FROM fee_timeseries
		WHERE mint = ?
		ORDER BY timestamp_ms ASC, slot ASC, signature ASC
	`

	rows, err := s.conn.Query(ctx, query, mint)
	if err != nil {
		return nil, fmt.Errorf("query by mint: %w", err)
	}
	defer rows.Close()

	return scanFeeEvents(rows)
}

// GetByTimeRange retrieves events within [start, end] Unix milliseconds.
func (s *FeeTimeseriesStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.FeeEvent, error) {
	query := `
		SELECT signature, mint, vault_kind, symbol, amount, slot, timestamp_ms
		FROM fee_timeseries
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC, slot ASC, signature ASC
	`

	rows, err := s.conn.Query(ctx, query, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanFeeEvents(rows)
}

// TotalByMint returns the cumulative attributed lamports for a mint.
func (s *FeeTimeseriesStore) TotalByMint(ctx context.Context, mint string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM fee_timeseries
		WHERE mint = ?
	`

	var total int64
	if err := s.conn.QueryRow(ctx, query, mint).Scan(&total); err != nil {
		return 0, fmt.Errorf("total fees by mint: %w", err)
	}
	return total, nil
}

// exists reports whether a (signature, mint, vault_kind) row is present.
func (s *FeeTimeseriesStore) exists(ctx context.Context, signature, mint, vaultKind string) (bool, error) {
	query := `
		SELECT count() FROM fee_timeseries
		WHERE signature = ? AND mint = ? AND vault_kind = ?
	`

	var count uint64
	if err := s.conn.QueryRow(ctx, query, signature, mint, vaultKind).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanFeeEvents scans rows into a slice of FeeEvent.
func scanFeeEvents(rows driver.Rows) ([]*domain.FeeEvent, error) {
	var events []*domain.FeeEvent

	for rows.Next() {
		var (
			e    domain.FeeEvent
			kind string
			slot uint64
			ms   uint64
		)

		err := rows.Scan(
			&e.Signature,
			&e.Mint,
			&kind,
			&e.Symbol,
			&e.Amount,
			&slot,
			&ms,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fee event row: %w", err)
		}
		e.VaultKind = domain.VaultKind(kind)
		e.Slot = int64(slot)
		e.Timestamp = time.UnixMilli(int64(ms)).UTC()

		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fee event rows: %w", err)
	}

	return events, nil
}

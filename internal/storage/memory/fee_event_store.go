package memory

import (
	"context"
	"sort"
	"sync"

	"vault-fee-tracker/internal/domain"
	"vault-fee-tracker/internal/storage"
)

// feeEventKey is the composite key for fee event deduplication.
type feeEventKey struct {
	Signature string
	Mint      string
	VaultKind domain.VaultKind
}

// FeeEventStore is an in-memory implementation of storage.FeeEventStore.
type FeeEventStore struct {
	mu   sync.RWMutex
	data []*domain.FeeEvent
	keys map[feeEventKey]bool
}

// NewFeeEventStore creates a new in-memory fee event store.
func NewFeeEventStore() *FeeEventStore {
	return &FeeEventStore{
		data: make([]*domain.FeeEvent, 0),
		keys: make(map[feeEventKey]bool),
	}
}

// Insert adds a new fee event. Returns ErrDuplicateKey if (signature, mint,
// vault kind) exists.
func (s *FeeEventStore) Insert(_ context.Context, e *domain.FeeEvent) error {
	if e == nil {
		return storage.ErrInvalidInput
	}

	key := feeEventKey{
		Signature: e.Signature,
		Mint:      e.Mint,
		VaultKind: e.VaultKind,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys[key] {
		return storage.ErrDuplicateKey
	}

	// Store a copy
	copy := *e
	s.data = append(s.data, &copy)
	s.keys[key] = true

	return nil
}

// GetByMint retrieves all events for a mint, ordered by timestamp ASC.
func (s *FeeEventStore) GetByMint(_ context.Context, mint string) ([]*domain.FeeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FeeEvent
	for _, e := range s.data {
		if e.Mint == mint {
			copy := *e
			result = append(result, &copy)
		}
	}

	sortFeeEvents(result)
	return result, nil
}

// GetByTimeRange retrieves events within [start, end] Unix milliseconds.
func (s *FeeEventStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.FeeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FeeEvent
	for _, e := range s.data {
		ms := e.Timestamp.UnixMilli()
		if ms >= start && ms <= end {
			copy := *e
			result = append(result, &copy)
		}
	}

	sortFeeEvents(result)
	return result, nil
}

// TotalByMint returns the cumulative attributed lamports for a mint.
func (s *FeeEventStore) TotalByMint(_ context.Context, mint string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, e := range s.data {
		if e.Mint == mint {
			total += e.Amount
		}
	}
	return total, nil
}

// sortFeeEvents sorts events by (timestamp, slot, signature).
func sortFeeEvents(events []*domain.FeeEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		if events[i].Slot != events[j].Slot {
			return events[i].Slot < events[j].Slot
		}
		return events[i].Signature < events[j].Signature
	})
}

// Verify interface compliance at compile time.
var _ storage.FeeEventStore = (*FeeEventStore)(nil)

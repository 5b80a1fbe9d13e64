// Package registry owns the bounded collection of tracked assets and their
// per-mint aggregate statistics. Both maps evict their oldest entry once the
// configured capacity is reached, which bounds memory under unbounded dynamic
// discovery.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"vault-fee-tracker/internal/domain"
)

// DefaultCapacity bounds each map when no capacity is configured.
const DefaultCapacity = 1000

// Registry maps collection addresses to tracked assets and mints to
// aggregate statistics. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capacity int
	logger   *zap.Logger

	// assets keyed by bonding-curve address, insertion-order eviction.
	assets     map[string]*domain.TrackedAsset
	assetOrder []string

	// secondary indexes into assets
	byMint map[string]string // mint → bonding-curve address
	byAMM  map[string]string // secondary pool address → bonding-curve address

	// stats keyed by mint. Eviction drops the entry at the front of
	// statsOrder; updates refresh an entry to the back, so useful rows
	// outlive idle ones.
	stats      map[string]*domain.AggregateStats
	statsOrder []string

	// mintLocks serializes stats mutation per mint across the two push
	// notification sources.
	mintLocks map[string]*sync.Mutex
}

// New creates a registry with the given per-map capacity.
func New(capacity int, logger *zap.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		capacity:  capacity,
		logger:    logger.Named("registry"),
		assets:    make(map[string]*domain.TrackedAsset),
		byMint:    make(map[string]string),
		byAMM:     make(map[string]string),
		stats:     make(map[string]*domain.AggregateStats),
		mintLocks: make(map[string]*sync.Mutex),
	}
}

// MintLock returns the mutex serializing updates for one mint. The push-mode
// record path holds it around the fee record for that mint, and the symbol
// resolver holds it around SetSymbol, so a delayed symbol resolution never
// interleaves with a concurrent fee for the same mint.
func (r *Registry) MintLock(mint string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.mintLocks[mint]
	if !ok {
		lock = &sync.Mutex{}
		r.mintLocks[mint] = lock
	}
	return lock
}

// Upsert registers an asset under its bonding-curve address. Insert is
// idempotent on the address; a second collection address for an already
// known mint reuses the existing stats row. Returns true if a new asset
// entry was created.
func (r *Registry) Upsert(asset *domain.TrackedAsset) bool {
	if asset == nil || asset.BondingCurve == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[asset.BondingCurve]; exists {
		return false
	}

	stored := *asset
	r.assets[asset.BondingCurve] = &stored
	r.assetOrder = append(r.assetOrder, asset.BondingCurve)
	r.byMint[asset.Mint] = asset.BondingCurve
	if asset.AMMPool != "" {
		r.byAMM[asset.AMMPool] = asset.BondingCurve
	}

	if _, ok := r.stats[asset.Mint]; !ok {
		r.stats[asset.Mint] = &domain.AggregateStats{
			Mint:     asset.Mint,
			Symbol:   asset.Symbol,
			Migrated: asset.Migration == domain.Migrated,
		}
		r.statsOrder = append(r.statsOrder, asset.Mint)
		r.evictStatsLocked()
	}

	r.evictAssetsLocked()
	return true
}

// evictAssetsLocked drops the oldest inserted asset beyond capacity.
func (r *Registry) evictAssetsLocked() {
	for len(r.assetOrder) > r.capacity {
		oldest := r.assetOrder[0]
		r.assetOrder = r.assetOrder[1:]
		asset, ok := r.assets[oldest]
		if !ok {
			continue
		}
		delete(r.assets, oldest)
		if r.byMint[asset.Mint] == oldest {
			delete(r.byMint, asset.Mint)
		}
		if asset.AMMPool != "" && r.byAMM[asset.AMMPool] == oldest {
			delete(r.byAMM, asset.AMMPool)
		}
		r.logger.Debug("evicted asset",
			zap.String("bondingCurve", oldest),
			zap.String("mint", asset.Mint))
	}
}

// evictStatsLocked drops the least recently touched stats row beyond capacity.
func (r *Registry) evictStatsLocked() {
	for len(r.statsOrder) > r.capacity {
		oldest := r.statsOrder[0]
		r.statsOrder = r.statsOrder[1:]
		delete(r.stats, oldest)
		delete(r.mintLocks, oldest)
	}
}

// ByCollection looks up an asset by either of its collection addresses
// (bonding curve or secondary pool).
func (r *Registry) ByCollection(address string) (*domain.TrackedAsset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if asset, ok := r.assets[address]; ok {
		copied := *asset
		return &copied, true
	}
	if curve, ok := r.byAMM[address]; ok {
		if asset, ok := r.assets[curve]; ok {
			copied := *asset
			return &copied, true
		}
	}
	return nil, false
}

// ByMint looks up an asset by its mint.
func (r *Registry) ByMint(mint string) (*domain.TrackedAsset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	curve, ok := r.byMint[mint]
	if !ok {
		return nil, false
	}
	asset, ok := r.assets[curve]
	if !ok {
		return nil, false
	}
	copied := *asset
	return &copied, true
}

// Known reports whether mint is tracked.
func (r *Registry) Known(mint string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byMint[mint]
	return ok
}

// Assets returns a snapshot of all tracked assets in insertion order.
func (r *Registry) Assets() []*domain.TrackedAsset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.TrackedAsset, 0, len(r.assetOrder))
	for _, curve := range r.assetOrder {
		if asset, ok := r.assets[curve]; ok {
			copied := *asset
			out = append(out, &copied)
		}
	}
	return out
}

// Len returns the number of tracked assets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assets)
}

// RecordFee folds an attributed fee into the asset and its stats row, and
// refreshes the stats row's eviction recency.
func (r *Registry) RecordFee(event *domain.FeeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if curve, ok := r.byMint[event.Mint]; ok {
		if asset, ok := r.assets[curve]; ok {
			asset.TotalFees += event.Amount
			asset.EventCount++
			if event.Symbol != "" && event.Symbol != domain.PlaceholderSymbol {
				asset.Symbol = event.Symbol
			}
		}
	}

	row, ok := r.stats[event.Mint]
	if !ok {
		row = &domain.AggregateStats{Mint: event.Mint, Symbol: event.Symbol}
		r.stats[event.Mint] = row
		r.statsOrder = append(r.statsOrder, event.Mint)
	} else {
		r.refreshStatsLocked(event.Mint)
	}
	row.TotalFees += event.Amount
	row.EventCount++
	row.LastEventAt = event.Timestamp
	if event.Symbol != "" && event.Symbol != domain.PlaceholderSymbol {
		row.Symbol = event.Symbol
	}

	r.evictStatsLocked()
}

// refreshStatsLocked moves mint to the most-recently-used position.
func (r *Registry) refreshStatsLocked(mint string) {
	for i, m := range r.statsOrder {
		if m == mint {
			r.statsOrder = append(r.statsOrder[:i], r.statsOrder[i+1:]...)
			r.statsOrder = append(r.statsOrder, mint)
			return
		}
	}
}

// UpdateReserves stores the last observed reserve amount for the asset at
// the given collection address.
func (r *Registry) UpdateReserves(collection string, reserves int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	curve := collection
	if mapped, ok := r.byAMM[collection]; ok {
		curve = mapped
	}
	if asset, ok := r.assets[curve]; ok {
		asset.LastReserves = reserves
	}
}

// SetSymbol resolves an asset's placeholder symbol once metadata arrives.
func (r *Registry) SetSymbol(mint, symbol string) {
	if symbol == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if curve, ok := r.byMint[mint]; ok {
		if asset, ok := r.assets[curve]; ok {
			asset.Symbol = symbol
		}
	}
	if row, ok := r.stats[mint]; ok {
		row.Symbol = symbol
	}
}

// MarkMigrated flips the one-way migration flag for the asset at the given
// bonding-curve address and records its secondary pool. Returns true only on
// the actual transition.
func (r *Registry) MarkMigrated(bondingCurve, ammPool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, ok := r.assets[bondingCurve]
	if !ok {
		return false
	}
	if !asset.MarkMigrated(ammPool) {
		return false
	}
	if ammPool != "" {
		r.byAMM[ammPool] = bondingCurve
	}
	if row, ok := r.stats[asset.Mint]; ok {
		row.Migrated = true
	}
	r.logger.Info("asset migrated",
		zap.String("mint", asset.Mint),
		zap.String("bondingCurve", bondingCurve),
		zap.String("ammPool", ammPool))
	return true
}

// Stats returns a copy of the stats row for mint.
func (r *Registry) Stats(mint string) (*domain.AggregateStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.stats[mint]
	if !ok {
		return nil, false
	}
	copied := *row
	return &copied, true
}

// TopByFees returns up to n stats rows ordered by cumulative fees
// descending. A read-only convenience view over already-aggregated totals.
func (r *Registry) TopByFees(n int) []*domain.AggregateStats {
	r.mu.RLock()
	rows := make([]*domain.AggregateStats, 0, len(r.stats))
	for _, row := range r.stats {
		copied := *row
		rows = append(rows, &copied)
	}
	r.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalFees != rows[j].TotalFees {
			return rows[i].TotalFees > rows[j].TotalFees
		}
		return rows[i].Mint < rows[j].Mint
	})

	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// Touch updates LastEventAt without changing totals. Used by claim
// recording, which affects freshness but not fee aggregates.
func (r *Registry) Touch(mint string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if row, ok := r.stats[mint]; ok {
		row.LastEventAt = at
		r.refreshStatsLocked(mint)
	}
}

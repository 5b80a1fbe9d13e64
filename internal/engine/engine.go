// Package engine turns raw balance and transaction observations into
// per-asset fee records. It classifies vault balance deltas, attributes fees
// to tracked assets, splits what it cannot attribute, reconciles drift
// against ground truth, and feeds every decision to the hash-chained ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vault-fee-tracker/internal/domain"
	"vault-fee-tracker/internal/gateway"
	"vault-fee-tracker/internal/ledger"
	"vault-fee-tracker/internal/observability"
	"vault-fee-tracker/internal/registry"
	"vault-fee-tracker/internal/solana"
	"vault-fee-tracker/internal/storage"
)

// Config configures the attribution engine.
type Config struct {
	// Owner is the shared vault owner; dynamically discovered assets must
	// have this creator or they fall through to the unattributed pool.
	Owner string
	// PrimaryVault is the native-lamport vault address.
	PrimaryVault string
	// SecondaryVault is the token-denominated vault address (post-migration
	// fees). Empty disables the secondary vault.
	SecondaryVault string
	// CurveProgram is the bonding-pool program id used to derive collection
	// addresses per mint.
	CurveProgram string
	// PoolProgram is the secondary-pool program id.
	PoolProgram string
	// MetadataProgram is the token metadata program id used for symbol
	// resolution. Empty disables resolution.
	MetadataProgram string
	// Mints are the assets configured at start; more are discovered
	// dynamically.
	Mints []string
	// PollInterval is the poll-mode cycle cadence.
	PollInterval time.Duration
	// SignatureLookback caps how many signatures one cycle lists per vault.
	SignatureLookback int
	// SeenCapacity bounds the processed-signature set.
	SeenCapacity int
}

// DefaultConfig returns engine defaults; vault addresses must still be set.
func DefaultConfig() Config {
	return Config{
		PollInterval:      15 * time.Second,
		SignatureLookback: 50,
		SeenCapacity:      defaultSeenCapacity,
	}
}

// Engine is the attribution and reconciliation engine. One instance owns the
// projection file and ledger exclusively.
type Engine struct {
	cfg     Config
	gw      *gateway.Gateway
	reg     *registry.Registry
	led     *ledger.Ledger
	store   storage.FeeEventStore // optional archive
	metrics *observability.Metrics
	logger  *zap.Logger

	projStore *ProjectionStore

	mu   sync.Mutex // guards proj and seen
	proj *Projection
	seen *seenSet

	wg sync.WaitGroup // symbol resolvers
}

// New creates an engine and loads its persisted projection.
func New(
	cfg Config,
	gw *gateway.Gateway,
	reg *registry.Registry,
	led *ledger.Ledger,
	store storage.FeeEventStore,
	projStore *ProjectionStore,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Engine, error) {
	if cfg.PrimaryVault == "" {
		return nil, fmt.Errorf("primary vault address is required")
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("vault owner is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.SignatureLookback <= 0 {
		cfg.SignatureLookback = DefaultConfig().SignatureLookback
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	proj, err := projStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load projection: %w", err)
	}

	return &Engine{
		cfg:       cfg,
		gw:        gw,
		reg:       reg,
		led:       led,
		store:     store,
		metrics:   metrics,
		logger:    logger.Named("engine"),
		projStore: projStore,
		proj:      proj,
		seen:      newSeenSet(cfg.SeenCapacity),
	}, nil
}

// Bootstrap registers the configured mints, deriving their collection
// addresses and reading current curve state through the gateway.
func (e *Engine) Bootstrap(ctx context.Context) error {
	for _, mint := range e.cfg.Mints {
		curveAddr, err := solana.DeriveBondingCurve(mint, e.cfg.CurveProgram)
		if err != nil {
			return fmt.Errorf("derive bonding curve for %s: %w", mint, err)
		}

		asset := &domain.TrackedAsset{
			Mint:         mint,
			Symbol:       domain.PlaceholderSymbol,
			BondingCurve: curveAddr,
		}

		info, err := e.gw.AccountInfo(ctx, curveAddr)
		if err != nil {
			// Tracked regardless; reserves catch up on the next cycle.
			e.logger.Warn("bootstrap curve fetch failed",
				zap.String("mint", mint),
				zap.Error(err))
		} else if info != nil {
			asset.LastReserves = info.Lamports
			if curve, err := solana.DecodeBondingCurve(info.Data); err == nil && curve.Complete {
				pool, err := solana.DerivePoolAddress(mint, e.cfg.PoolProgram)
				if err == nil {
					asset.Migration = domain.Migrated
					asset.AMMPool = pool
				}
			}
		}

		if e.reg.Upsert(asset) {
			e.logger.Info("tracking configured asset",
				zap.String("mint", mint),
				zap.String("bondingCurve", curveAddr))
			e.resolveSymbolAsync(mint)
		}
	}
	return nil
}

// Projection returns a copy of the current projection.
func (e *Engine) Projection() Projection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.proj
}

// classify maps a balance delta to an event kind. Zero deltas are no-ops.
func classify(delta int64) (domain.EventKind, bool) {
	switch {
	case delta > 0:
		return domain.EventFee, true
	case delta < 0:
		return domain.EventClaim, true
	default:
		return "", false
	}
}

// attribute decides which tracked asset caused tx, in strict priority order:
// direct account-key match, then mint-balance match, then dynamic discovery.
// A nil asset with nil error means the amount is unattributable.
func (e *Engine) attribute(ctx context.Context, tx *solana.Transaction) (*domain.TrackedAsset, error) {
	if tx == nil {
		return nil, nil
	}

	// Direct match on collection address, mint or secondary pool.
	if tx.Message != nil {
		for _, key := range tx.Message.AccountKeys {
			if asset, ok := e.reg.ByCollection(key); ok {
				return asset, nil
			}
			if asset, ok := e.reg.ByMint(key); ok {
				return asset, nil
			}
		}
	}

	// Mint-balance match on the transaction's token-balance diffs.
	mints := tx.TokenMints()
	for _, mint := range mints {
		if asset, ok := e.reg.ByMint(mint); ok {
			return asset, nil
		}
	}

	// Dynamic discovery for unmatched mints.
	for _, mint := range mints {
		asset, err := e.discover(ctx, mint)
		if err != nil {
			return nil, err
		}
		if asset != nil {
			return asset, nil
		}
	}

	return nil, nil
}

// discover derives the expected collection address for mint, fetches and
// decodes it, and verifies the creator is the configured vault owner. A
// failed verification is not an error; the amount just stays unattributed.
func (e *Engine) discover(ctx context.Context, mint string) (*domain.TrackedAsset, error) {
	curveAddr, err := solana.DeriveBondingCurve(mint, e.cfg.CurveProgram)
	if err != nil {
		return nil, nil // not a derivable mint
	}

	info, err := e.gw.AccountInfo(ctx, curveAddr)
	if err != nil {
		return nil, fmt.Errorf("fetch curve account: %w", err)
	}
	if info == nil {
		return nil, nil
	}

	curve, err := solana.DecodeBondingCurve(info.Data)
	if err != nil {
		return nil, nil
	}
	if curve.Creator != e.cfg.Owner {
		return nil, nil
	}

	asset := &domain.TrackedAsset{
		Mint:         mint,
		Symbol:       domain.PlaceholderSymbol,
		BondingCurve: curveAddr,
		LastReserves: info.Lamports,
	}
	if curve.Complete {
		if pool, err := solana.DerivePoolAddress(mint, e.cfg.PoolProgram); err == nil {
			asset.Migration = domain.Migrated
			asset.AMMPool = pool
		}
	}

	if e.reg.Upsert(asset) {
		e.logger.Info("discovered asset",
			zap.String("mint", mint),
			zap.String("bondingCurve", curveAddr))
		if e.metrics != nil {
			e.metrics.AssetsDiscovered.Inc()
		}
		e.resolveSymbolAsync(mint)
	}
	return asset, nil
}

// recordFee appends a FEE ledger entry, folds the amount into the asset's
// stats, and archives the event if a store is configured.
func (e *Engine) recordFee(ctx context.Context, asset *domain.TrackedAsset, vault domain.VaultKind, amount int64, slot int64, ts time.Time, signature string, balBefore, balAfter int64) error {
	event := &domain.FeeEvent{
		Mint:      asset.Mint,
		Symbol:    asset.Symbol,
		Amount:    amount,
		Timestamp: ts,
		Slot:      slot,
		VaultKind: vault,
		Signature: signature,
	}

	vaultAddr := e.vaultAddress(vault)
	if _, err := e.led.Append(ledger.EntryInput{
		EventKind:     domain.EventFee,
		VaultKind:     vault,
		VaultAddress:  vaultAddr,
		Mint:          asset.Mint,
		Symbol:        asset.Symbol,
		Amount:        amount,
		BalanceBefore: balBefore,
		BalanceAfter:  balAfter,
		Slot:          slot,
		Timestamp:     ts,
	}); err != nil {
		return fmt.Errorf("append fee entry: %w", err)
	}

	e.reg.RecordFee(event)

	if e.store != nil {
		if err := e.store.Insert(ctx, event); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			e.logger.Warn("archive fee event",
				zap.String("mint", event.Mint),
				zap.Error(err))
		}
	}

	if e.metrics != nil {
		e.metrics.FeesAttributed.Inc()
		e.metrics.LamportsAttributed.Add(float64(amount))
		e.metrics.LedgerEntries.Inc()
	}

	e.logger.Info("fee attributed",
		zap.String("mint", asset.Mint),
		zap.String("symbol", asset.Symbol),
		zap.Int64("amount", amount),
		zap.Int64("slot", slot),
		zap.Stringer("vault", vault))
	return nil
}

// recordClaim appends a CLAIM ledger entry. Claims are never attributed.
func (e *Engine) recordClaim(vault domain.VaultKind, amount int64, slot int64, ts time.Time, balBefore, balAfter int64) error {
	if _, err := e.led.Append(ledger.EntryInput{
		EventKind:     domain.EventClaim,
		VaultKind:     vault,
		VaultAddress:  e.vaultAddress(vault),
		Amount:        amount,
		BalanceBefore: balBefore,
		BalanceAfter:  balAfter,
		Slot:          slot,
		Timestamp:     ts,
	}); err != nil {
		return fmt.Errorf("append claim entry: %w", err)
	}

	if e.metrics != nil {
		e.metrics.ClaimsRecorded.Inc()
		e.metrics.LedgerEntries.Inc()
	}

	e.logger.Info("claim recorded",
		zap.Int64("amount", amount),
		zap.Int64("slot", slot),
		zap.Stringer("vault", vault))
	return nil
}

// refreshReserves reads the collection accounts of every tracked asset in
// one batched call, flips migration flags reported complete, and returns
// each asset's reserve movement since the previous observation.
func (e *Engine) refreshReserves(ctx context.Context, vault domain.VaultKind) []movement {
	assets := e.reg.Assets()
	if len(assets) == 0 {
		return nil
	}

	addrs := make([]string, len(assets))
	for i, a := range assets {
		addrs[i] = a.CollectionAddress()
	}

	infos := e.gw.MultipleAccounts(ctx, addrs)

	var moves []movement
	for i, asset := range assets {
		info := infos[i]
		if info == nil {
			continue // failed chunk or closed account
		}

		if asset.Migration == domain.NotMigrated {
			if curve, err := solana.DecodeBondingCurve(info.Data); err == nil && curve.Complete {
				pool, derr := solana.DerivePoolAddress(asset.Mint, e.cfg.PoolProgram)
				if derr == nil && e.reg.MarkMigrated(asset.BondingCurve, pool) {
					asset.Migration = domain.Migrated
					asset.AMMPool = pool
				}
			}
		}

		delta := info.Lamports - asset.LastReserves
		e.reg.UpdateReserves(asset.CollectionAddress(), info.Lamports)

		if !eligibleForVault(asset, vault) {
			continue
		}
		moves = append(moves, movement{Asset: asset, ReserveDelta: delta})
	}
	return moves
}

// eligibleForVault reports whether an asset participates in the proportional
// split for vault: not-migrated assets for the primary (bonding pool) vault,
// migrated assets for the secondary pool vault.
func eligibleForVault(asset *domain.TrackedAsset, vault domain.VaultKind) bool {
	if vault == domain.VaultSecondary {
		return asset.Migration == domain.Migrated
	}
	return asset.Migration == domain.NotMigrated
}

// distributeUnattributed splits the cycle's unattributed pool across
// eligible assets in proportion to reserve movement.
func (e *Engine) distributeUnattributed(ctx context.Context, vault domain.VaultKind, pool int64, slot int64, ts time.Time, balance int64) {
	if pool <= 0 {
		return
	}

	moves := e.refreshReserves(ctx, vault)
	shares := splitPool(pool, moves)
	if len(shares) == 0 {
		// Nothing eligible: the amount stays in the orphan bookkeeping and
		// reconciliation picks it up.
		e.logger.Warn("unattributed amount with no eligible assets",
			zap.Int64("amount", pool),
			zap.Stringer("vault", vault))
		if e.metrics != nil {
			e.metrics.LamportsUnattributed.Add(float64(pool))
		}
		return
	}

	// Synthetic signature keyed by vault and slot: split shares have no
	// single triggering transaction.
	signature := fmt.Sprintf("split:%s:%d", vault, slot)
	for _, sh := range shares {
		if sh.Amount == 0 {
			continue
		}
		if err := e.recordFee(ctx, sh.Asset, vault, sh.Amount, slot, ts, signature, balance-pool, balance); err != nil {
			e.logger.Error("record split share",
				zap.String("mint", sh.Asset.Mint),
				zap.Error(err))
		}
	}
}

// reconcile compares the freshly observed balance with the projection and
// folds any unexplained drift into the accumulated delta and orphan total.
// Positive drift is unexplained inflow; negative drift is treated as a
// previously recorded orphan now explained, clamped at zero. The heuristic
// is deliberately approximate: a real withdrawal offsetting an unrelated
// orphan in the same cycle is indistinguishable here.
func (e *Engine) reconcile(vault domain.VaultKind, observed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	expected := e.proj.LastBalance(vault) + e.proj.AccumulatedDelta(vault)
	drift := observed - expected

	switch {
	case drift > 0:
		e.proj.OrphanTotal += drift
		e.logger.Warn("unexplained inflow",
			zap.Stringer("vault", vault),
			zap.Int64("drift", drift),
			zap.Int64("orphanTotal", e.proj.OrphanTotal))
		if e.metrics != nil {
			e.metrics.OrphanLamports.Add(float64(drift))
		}
	case drift < 0:
		explained := -drift
		if explained > e.proj.OrphanTotal {
			explained = e.proj.OrphanTotal
		}
		e.proj.OrphanTotal -= explained
		e.logger.Info("orphan explained",
			zap.Stringer("vault", vault),
			zap.Int64("drift", drift),
			zap.Int64("explained", explained),
			zap.Int64("orphanTotal", e.proj.OrphanTotal))
	}

	// Every delta of the cycle is now accounted for; the observed balance
	// becomes the baseline and the accumulated delta restarts from zero.
	e.proj.Rebase(vault, observed)
}

// vaultAddress maps a vault kind to its configured address.
func (e *Engine) vaultAddress(vault domain.VaultKind) string {
	if vault == domain.VaultSecondary {
		return e.cfg.SecondaryVault
	}
	return e.cfg.PrimaryVault
}

// vaults lists the configured vaults in processing order.
func (e *Engine) vaults() []domain.VaultKind {
	vaults := []domain.VaultKind{domain.VaultPrimary}
	if e.cfg.SecondaryVault != "" {
		vaults = append(vaults, domain.VaultSecondary)
	}
	return vaults
}

// observeBalance reads a vault's current balance: native lamports for the
// primary vault, the token amount decoded at its fixed offset for the
// secondary.
func (e *Engine) observeBalance(ctx context.Context, vault domain.VaultKind) (int64, error) {
	if vault == domain.VaultPrimary {
		return e.gw.Balance(ctx, e.cfg.PrimaryVault)
	}

	info, err := e.gw.AccountInfo(ctx, e.cfg.SecondaryVault)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, nil
	}
	amount, err := solana.DecodeTokenAmount(info.Data)
	if err != nil {
		return 0, fmt.Errorf("decode secondary vault: %w", err)
	}
	return int64(amount), nil
}

// flush persists the projection and syncs the ledger.
func (e *Engine) flush() {
	e.mu.Lock()
	proj := *e.proj
	e.mu.Unlock()

	if err := e.projStore.Save(&proj); err != nil {
		e.logger.Error("save projection", zap.Error(err))
	}
	if err := e.led.Flush(); err != nil {
		e.logger.Error("flush ledger", zap.Error(err))
	}
}

// resolveSymbolAsync fetches the token metadata account and resolves the
// asset's placeholder symbol. Failures leave the placeholder in place.
func (e *Engine) resolveSymbolAsync(mint string) {
	if e.cfg.MetadataProgram == "" {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		metaAddr, err := solana.DeriveMetadataAddress(mint, e.cfg.MetadataProgram)
		if err != nil {
			return
		}
		info, err := e.gw.AccountInfo(ctx, metaAddr)
		if err != nil || info == nil {
			return
		}
		_, symbol, err := solana.DecodeMetadata(info.Data)
		if err != nil || symbol == "" {
			return
		}

		lock := e.reg.MintLock(mint)
		lock.Lock()
		e.reg.SetSymbol(mint, symbol)
		lock.Unlock()

		e.logger.Debug("symbol resolved",
			zap.String("mint", mint),
			zap.String("symbol", symbol))
	}()
}

// Wait blocks until background symbol resolvers finish. Used on shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

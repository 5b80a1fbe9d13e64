package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vault-fee-tracker/internal/domain"
	"vault-fee-tracker/internal/solana"
)

// RunPoll drives the engine in poll mode. Cycles never overlap: the next
// cycle is scheduled only after the previous one finishes, so a slow RPC
// endpoint stretches the cadence instead of stacking work.
func (e *Engine) RunPoll(ctx context.Context) error {
	e.logger.Info("poll mode started",
		zap.Duration("interval", e.cfg.PollInterval),
		zap.Int("lookback", e.cfg.SignatureLookback))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flush()
			e.Wait()
			return ctx.Err()
		case <-timer.C:
			start := time.Now()
			e.runCycle(ctx)
			if e.metrics != nil {
				e.metrics.CycleDuration.Observe(time.Since(start).Seconds())
			}
			timer.Reset(e.cfg.PollInterval)
		}
	}
}

// runCycle processes every configured vault once and persists the projection.
func (e *Engine) runCycle(ctx context.Context) {
	for _, vault := range e.vaults() {
		if err := e.pollVault(ctx, vault); err != nil {
			// The vault keeps its previous cursor; the next cycle retries
			// the same range.
			e.logger.Warn("poll cycle failed",
				zap.Stringer("vault", vault),
				zap.Error(err))
			if e.metrics != nil {
				e.metrics.CycleErrors.Inc()
			}
		}
	}

	e.mu.Lock()
	proj := *e.proj
	seen := e.seen.Len()
	e.mu.Unlock()

	if err := e.projStore.Save(&proj); err != nil {
		e.logger.Error("save projection", zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.TrackedAssets.Set(float64(e.reg.Len()))
		e.metrics.SeenSignatures.Set(float64(seen))
	}
}

// pollVault observes the vault balance, walks new signatures oldest-first,
// records fees and claims, splits whatever could not be attributed, and
// reconciles the projection against the observed balance.
func (e *Engine) pollVault(ctx context.Context, vault domain.VaultKind) error {
	observed, err := e.observeBalance(ctx, vault)
	if err != nil {
		return err
	}

	addr := e.vaultAddress(vault)

	e.mu.Lock()
	until := e.proj.LastSignature(vault)
	e.mu.Unlock()

	sigs, err := e.gw.Signatures(ctx, addr, &solana.SignaturesOpts{
		Until: until,
		Limit: e.cfg.SignatureLookback,
	})
	if err != nil {
		return err
	}

	var (
		pool     int64 // unattributed inflow collected this cycle
		poolSlot int64
		poolTime = time.Now()
	)

	// Signatures come back newest-first; apply them in chain order.
	for i := len(sigs) - 1; i >= 0; i-- {
		si := sigs[i]
		if si.Err != nil {
			continue // failed transactions move no balances
		}

		e.mu.Lock()
		dup := e.seen.Contains(si.Signature)
		e.mu.Unlock()
		if dup {
			continue
		}

		tx, err := e.gw.Transaction(ctx, si.Signature)
		if err != nil {
			// Leave the signature unseen and the cursor unadvanced; the
			// whole range is retried next cycle.
			return err
		}

		e.mu.Lock()
		e.seen.Add(si.Signature)
		e.mu.Unlock()

		if tx == nil {
			continue
		}

		delta, ok := e.vaultDelta(tx, vault)
		if !ok || delta == 0 {
			continue
		}

		kind, _ := classify(delta)
		ts := time.Now()
		if tx.BlockTime > 0 {
			ts = time.Unix(tx.BlockTime, 0).UTC()
		}

		e.mu.Lock()
		balBefore := e.proj.LastBalance(vault) + e.proj.AccumulatedDelta(vault)
		e.proj.AddDelta(vault, delta)
		e.mu.Unlock()
		balAfter := balBefore + delta

		switch kind {
		case domain.EventFee:
			asset, aerr := e.attribute(ctx, tx)
			if aerr != nil {
				e.logger.Warn("attribution failed",
					zap.String("signature", tx.Signature),
					zap.Error(aerr))
			}
			if asset != nil {
				if rerr := e.recordFee(ctx, asset, vault, delta, tx.Slot, ts, tx.Signature, balBefore, balAfter); rerr != nil {
					e.logger.Error("record fee", zap.Error(rerr))
				}
			} else {
				pool += delta
				poolSlot = tx.Slot
				poolTime = ts
			}
		case domain.EventClaim:
			if rerr := e.recordClaim(vault, delta, tx.Slot, ts, balBefore, balAfter); rerr != nil {
				e.logger.Error("record claim", zap.Error(rerr))
			}
		}
	}

	if len(sigs) > 0 {
		e.mu.Lock()
		e.proj.SetLastSignature(vault, sigs[0].Signature)
		e.mu.Unlock()
	}

	if pool > 0 {
		e.distributeUnattributed(ctx, vault, pool, poolSlot, poolTime, observed)
	}

	e.reconcile(vault, observed)
	return nil
}

// vaultDelta extracts the vault's balance change from a transaction: native
// lamports for the primary vault, token units for the secondary.
func (e *Engine) vaultDelta(tx *solana.Transaction, vault domain.VaultKind) (int64, bool) {
	addr := e.vaultAddress(vault)
	if vault == domain.VaultSecondary {
		return tx.TokenBalanceDelta(addr)
	}
	return tx.BalanceDelta(addr)
}

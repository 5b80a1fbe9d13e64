package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vault-fee-tracker/internal/domain"
	"vault-fee-tracker/internal/solana"
	"vault-fee-tracker/internal/subs"
)

// triggerLookback caps how many recent signatures a push-mode notification
// inspects to find its triggering transaction.
const triggerLookback = 8

// RunPush drives the engine in push mode: each configured vault account is
// subscribed over websocket and every notification is processed as it
// arrives. Handlers for one vault run serially, vaults run concurrently.
// Returns subs.ErrGaveUp when the manager exhausts its reconnect attempts.
func (e *Engine) RunPush(ctx context.Context, mgr *subs.Manager) error {
	for _, vault := range e.vaults() {
		v := vault
		addr := e.vaultAddress(v)
		err := mgr.SubscribeAccount(ctx, addr, func(u subs.AccountUpdate) {
			e.handleAccountUpdate(ctx, v, u)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s vault %s: %w", v, addr, err)
		}
		e.logger.Info("vault subscribed",
			zap.Stringer("vault", v),
			zap.String("address", addr))
	}

	select {
	case <-ctx.Done():
		e.flush()
		e.Wait()
		return ctx.Err()
	case <-mgr.GaveUp():
		e.flush()
		e.Wait()
		return subs.ErrGaveUp
	}
}

// handleAccountUpdate turns one account notification into fee or claim
// records. The delta is the observed balance minus the projection's expected
// balance, so a notification merely confirming already-recorded state is a
// no-op.
func (e *Engine) handleAccountUpdate(ctx context.Context, vault domain.VaultKind, u subs.AccountUpdate) {
	newBalance := u.Lamports
	if vault == domain.VaultSecondary {
		amount, err := solana.DecodeTokenAmount(u.Data)
		if err != nil {
			e.logger.Warn("undecodable secondary vault update",
				zap.Int64("slot", u.Slot),
				zap.Error(err))
			return
		}
		newBalance = int64(amount)
	}

	e.mu.Lock()
	expected := e.proj.LastBalance(vault) + e.proj.AccumulatedDelta(vault)
	delta := newBalance - expected
	if delta == 0 {
		e.mu.Unlock()
		return
	}
	e.proj.AddDelta(vault, delta)
	e.mu.Unlock()

	kind, _ := classify(delta)
	ts := time.Now().UTC()

	tx := e.findTrigger(ctx, vault)
	if tx != nil && tx.BlockTime > 0 {
		ts = time.Unix(tx.BlockTime, 0).UTC()
	}
	slot := u.Slot
	if tx != nil && tx.Slot > 0 {
		slot = tx.Slot
	}

	switch kind {
	case domain.EventClaim:
		if err := e.recordClaim(vault, delta, slot, ts, expected, newBalance); err != nil {
			e.logger.Error("record claim", zap.Error(err))
		}
	case domain.EventFee:
		var asset *domain.TrackedAsset
		signature := ""
		if tx != nil {
			signature = tx.Signature
			a, err := e.attribute(ctx, tx)
			if err != nil {
				e.logger.Warn("attribution failed",
					zap.String("signature", tx.Signature),
					zap.Error(err))
			}
			asset = a
		}
		if asset != nil {
			lock := e.reg.MintLock(asset.Mint)
			lock.Lock()
			err := e.recordFee(ctx, asset, vault, delta, slot, ts, signature, expected, newBalance)
			lock.Unlock()
			if err != nil {
				e.logger.Error("record fee", zap.Error(err))
			}
		} else {
			e.distributeUnattributed(ctx, vault, delta, slot, ts, newBalance)
		}
	}

	e.mu.Lock()
	proj := *e.proj
	e.mu.Unlock()
	if err := e.projStore.Save(&proj); err != nil {
		e.logger.Error("save projection", zap.Error(err))
	}
}

// findTrigger fetches the newest unseen successful transaction touching the
// vault. Push notifications carry balances but not causes; this recovers the
// cause on a best-effort basis. Gateway failures return nil: the amount is
// still recorded, only unattributed.
func (e *Engine) findTrigger(ctx context.Context, vault domain.VaultKind) *solana.Transaction {
	addr := e.vaultAddress(vault)
	sigs, err := e.gw.Signatures(ctx, addr, &solana.SignaturesOpts{Limit: triggerLookback})
	if err != nil {
		e.logger.Debug("trigger signature lookup failed",
			zap.Stringer("vault", vault),
			zap.Error(err))
		return nil
	}

	for _, si := range sigs {
		if si.Err != nil {
			continue
		}

		e.mu.Lock()
		dup := e.seen.Contains(si.Signature)
		e.mu.Unlock()
		if dup {
			continue
		}

		tx, err := e.gw.Transaction(ctx, si.Signature)
		if err != nil {
			e.logger.Debug("trigger transaction fetch failed",
				zap.String("signature", si.Signature),
				zap.Error(err))
			return nil
		}

		e.mu.Lock()
		e.seen.Add(si.Signature)
		e.mu.Unlock()
		return tx
	}
	return nil
}

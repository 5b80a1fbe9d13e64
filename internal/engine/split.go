package engine

import (
	"math/big"

	"vault-fee-tracker/internal/domain"
)

// movement is one asset's reserve delta within the current cycle.
type movement struct {
	Asset        *domain.TrackedAsset
	ReserveDelta int64 // signed; magnitude is the attribution weight
}

// share is one asset's slice of a split pool.
type share struct {
	Asset  *domain.TrackedAsset
	Amount int64
}

// splitPool divides an unattributed amount among eligible assets. Assets with
// non-zero reserve movement share proportionally to their movement magnitude;
// every asset but the last gets its truncated share and the last gets the
// exact remainder, so shares always sum to total. With no movement anywhere
// the pool is split equally, remainder again to the last asset.
//
// All weight arithmetic goes through math/big: total × delta can exceed
// 63 bits, and the magnitudes of the movements can themselves sum past
// int64 even though every input and output fits int64.
func splitPool(total int64, eligible []movement) []share {
	if total == 0 || len(eligible) == 0 {
		return nil
	}

	movers := make([]movement, 0, len(eligible))
	sumMovement := new(big.Int)
	for _, m := range eligible {
		if m.ReserveDelta == 0 {
			continue
		}
		movers = append(movers, m)
		sumMovement.Add(sumMovement, bigAbs(m.ReserveDelta))
	}

	if len(movers) == 0 {
		// Equal-split fallback across all eligible assets.
		n := int64(len(eligible))
		each := total / n
		shares := make([]share, len(eligible))
		var assigned int64
		for i, m := range eligible {
			shares[i] = share{Asset: m.Asset, Amount: each}
			assigned += each
		}
		shares[len(shares)-1].Amount += total - assigned
		return shares
	}

	shares := make([]share, len(movers))
	var assigned int64
	bigTotal := big.NewInt(total)
	for i, m := range movers {
		if i == len(movers)-1 {
			shares[i] = share{Asset: m.Asset, Amount: total - assigned}
			break
		}
		product := new(big.Int).Mul(bigTotal, bigAbs(m.ReserveDelta))
		amount := product.Quo(product, sumMovement).Int64()
		shares[i] = share{Asset: m.Asset, Amount: amount}
		assigned += amount
	}
	return shares
}

// bigAbs returns |v| as a big.Int, exact even for math.MinInt64.
func bigAbs(v int64) *big.Int {
	return new(big.Int).Abs(big.NewInt(v))
}

package engine

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-fee-tracker/internal/domain"
	"vault-fee-tracker/internal/gateway"
	"vault-fee-tracker/internal/ledger"
	"vault-fee-tracker/internal/registry"
	"vault-fee-tracker/internal/solana"
	"vault-fee-tracker/internal/storage/memory"
)

// fakeRPC serves canned responses. All maps are keyed by address/signature.
type fakeRPC struct {
	mu       sync.Mutex
	balances map[string]int64
	accounts map[string]*solana.AccountInfo
	txs      map[string]*solana.Transaction
	sigs     map[string][]solana.SignatureInfo
	slot     int64
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		balances: make(map[string]int64),
		accounts: make(map[string]*solana.AccountInfo),
		txs:      make(map[string]*solana.Transaction),
		sigs:     make(map[string][]solana.SignatureInfo),
		slot:     1000,
	}
}

func (f *fakeRPC) GetBalance(_ context.Context, address string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[address], nil
}

func (f *fakeRPC) GetAccountInfo(_ context.Context, pubkey string) (*solana.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[pubkey], nil
}

func (f *fakeRPC) GetMultipleAccounts(_ context.Context, pubkeys []string) ([]*solana.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*solana.AccountInfo, len(pubkeys))
	for i, pk := range pubkeys {
		out[i] = f.accounts[pk]
	}
	return out, nil
}

func (f *fakeRPC) GetTransaction(_ context.Context, signature string) (*solana.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[signature], nil
}

func (f *fakeRPC) GetSignaturesForAddress(_ context.Context, address string, opts *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sigs := f.sigs[address]
	if opts != nil && opts.Until != "" {
		// Newest-first list; stop before the cursor.
		var cut []solana.SignatureInfo
		for _, s := range sigs {
			if s.Signature == opts.Until {
				break
			}
			cut = append(cut, s)
		}
		return cut, nil
	}
	return sigs, nil
}

func (f *fakeRPC) GetSlot(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot, nil
}

var _ solana.RPCClient = (*fakeRPC)(nil)

// addr32 returns a deterministic valid 32-byte base58 address.
func addr32(tag byte) string {
	var b [32]byte
	for i := range b {
		b[i] = tag
	}
	return base58.Encode(b[:])
}

// curveData builds a bonding curve account payload.
func curveData(creator string, complete bool) []byte {
	data := make([]byte, 8+5*8+1+32)
	binary.LittleEndian.PutUint64(data[8:], 1_000_000)
	binary.LittleEndian.PutUint64(data[16:], 30_000_000_000)
	if complete {
		data[48] = 1
	}
	creatorBytes, _ := base58.Decode(creator)
	copy(data[49:], creatorBytes)
	return data
}

type testEnv struct {
	eng     *Engine
	rpc     *fakeRPC
	reg     *registry.Registry
	led     *ledger.Ledger
	store   *memory.FeeEventStore
	owner   string
	vault   string
	mint    string
	curve   string
	program string
}

func newTestEnv(t *testing.T, mints ...string) *testEnv {
	t.Helper()

	owner := addr32(1)
	vault := addr32(2)
	program := addr32(3)

	rpc := newFakeRPC()
	gw := gateway.New(rpc, gateway.Config{
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
		BatchPageSize: 100,
	}, nil)
	reg := registry.New(100, nil)

	dir := t.TempDir()
	led, result, err := ledger.Open(filepath.Join(dir, "ledger.jsonl"), nil)
	require.NoError(t, err)
	require.True(t, result.Valid)
	t.Cleanup(func() { led.Close() })

	store := memory.NewFeeEventStore()
	projStore := NewProjectionStore(filepath.Join(dir, "projection.json"), 2, nil)

	env := &testEnv{
		rpc:     rpc,
		reg:     reg,
		led:     led,
		store:   store,
		owner:   owner,
		vault:   vault,
		program: program,
	}

	if len(mints) > 0 {
		env.mint = mints[0]
		curve, err := solana.DeriveBondingCurve(env.mint, program)
		require.NoError(t, err)
		env.curve = curve
		rpc.accounts[curve] = &solana.AccountInfo{
			Lamports: 10_000_000,
			Data:     curveData(owner, false),
		}
	}

	eng, err := New(Config{
		Owner:             owner,
		PrimaryVault:      vault,
		CurveProgram:      program,
		PoolProgram:       addr32(4),
		Mints:             mints,
		PollInterval:      time.Second,
		SignatureLookback: 50,
	}, gw, reg, led, store, projStore, nil, nil)
	require.NoError(t, err)
	env.eng = eng

	require.NoError(t, eng.Bootstrap(context.Background()))
	return env
}

// feeTx builds a transaction crediting the vault and touching the given keys.
func feeTx(sig string, slot int64, vault string, delta int64, extraKeys ...string) *solana.Transaction {
	keys := append([]string{vault}, extraKeys...)
	pre := make([]int64, len(keys))
	post := make([]int64, len(keys))
	pre[0] = 1_000_000
	post[0] = 1_000_000 + delta
	return &solana.Transaction{
		Slot:      slot,
		Signature: sig,
		BlockTime: 1704067200,
		Meta: &solana.TransactionMeta{
			PreBalances:  pre,
			PostBalances: post,
		},
		Message: &solana.TransactionMessage{AccountKeys: keys},
	}
}

func TestEngine_AttributesDirectAccountMatch(t *testing.T) {
	mint := addr32(10)
	env := newTestEnv(t, mint)
	ctx := context.Background()

	tx := feeTx("tx1", 1001, env.vault, 500_000, env.curve)
	env.rpc.txs["tx1"] = tx
	env.rpc.sigs[env.vault] = []solana.SignatureInfo{{Signature: "tx1", Slot: 1001}}
	env.rpc.balances[env.vault] = 500_000

	env.eng.runCycle(ctx)

	stats, ok := env.reg.Stats(mint)
	require.True(t, ok)
	assert.Equal(t, int64(500_000), stats.TotalFees)
	assert.Equal(t, int64(1), stats.EventCount)

	meta := env.led.Metadata()
	assert.Equal(t, uint64(1), meta.Entries)
	assert.Equal(t, "500000", meta.TotalFees)

	archived, err := env.store.GetByMint(ctx, mint)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "tx1", archived[0].Signature)
}

func TestEngine_ReplayedSignatureIsIdempotent(t *testing.T) {
	mint := addr32(10)
	env := newTestEnv(t, mint)
	ctx := context.Background()

	env.rpc.txs["tx1"] = feeTx("tx1", 1001, env.vault, 500_000, env.curve)
	env.rpc.sigs[env.vault] = []solana.SignatureInfo{{Signature: "tx1", Slot: 1001}}
	env.rpc.balances[env.vault] = 500_000

	env.eng.runCycle(ctx)
	// Simulate the RPC returning the same page again (cursor ignored).
	env.eng.mu.Lock()
	env.eng.proj.SetLastSignature(domain.VaultPrimary, "")
	env.eng.mu.Unlock()
	env.eng.runCycle(ctx)

	stats, ok := env.reg.Stats(mint)
	require.True(t, ok)
	assert.Equal(t, int64(500_000), stats.TotalFees, "replay must not double count")
	assert.Equal(t, uint64(1), env.led.Metadata().Entries)
}

func TestEngine_NegativeDeltaRecordsClaim(t *testing.T) {
	mint := addr32(10)
	env := newTestEnv(t, mint)
	ctx := context.Background()

	env.rpc.txs["tx1"] = feeTx("tx1", 1001, env.vault, -400_000, env.curve)
	env.rpc.sigs[env.vault] = []solana.SignatureInfo{{Signature: "tx1", Slot: 1001}}
	env.rpc.balances[env.vault] = 600_000

	env.eng.runCycle(ctx)

	meta := env.led.Metadata()
	assert.Equal(t, uint64(1), meta.Entries)
	assert.Equal(t, "0", meta.TotalFees, "claims never count as fees")

	stats, ok := env.reg.Stats(mint)
	require.True(t, ok)
	assert.Zero(t, stats.TotalFees, "claims are never attributed")
}

func TestEngine_FailedTransactionSkipped(t *testing.T) {
	mint := addr32(10)
	env := newTestEnv(t, mint)
	ctx := context.Background()

	env.rpc.sigs[env.vault] = []solana.SignatureInfo{
		{Signature: "txbad", Slot: 1001, Err: map[string]any{"InstructionError": []any{}}},
	}
	env.rpc.balances[env.vault] = 1_000_000

	env.eng.runCycle(ctx)

	assert.Zero(t, env.led.Metadata().Entries)
}

func TestEngine_DiscoversAssetFromTokenBalances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mint := addr32(20)
	curve, err := solana.DeriveBondingCurve(mint, env.program)
	require.NoError(t, err)
	env.rpc.accounts[curve] = &solana.AccountInfo{
		Lamports: 5_000_000,
		Data:     curveData(env.owner, false),
	}

	tx := feeTx("tx1", 1001, env.vault, 250_000)
	tx.Meta.PreTokenBalances = []solana.TokenBalance{{AccountIndex: 1, Mint: mint, Amount: 100}}
	tx.Meta.PostTokenBalances = []solana.TokenBalance{{AccountIndex: 1, Mint: mint, Amount: 90}}
	env.rpc.txs["tx1"] = tx
	env.rpc.sigs[env.vault] = []solana.SignatureInfo{{Signature: "tx1", Slot: 1001}}
	env.rpc.balances[env.vault] = 250_000

	env.eng.runCycle(ctx)

	require.True(t, env.reg.Known(mint), "asset must be discovered dynamically")
	stats, ok := env.reg.Stats(mint)
	require.True(t, ok)
	assert.Equal(t, int64(250_000), stats.TotalFees)
}

func TestEngine_ForeignCreatorStaysUnattributed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mint := addr32(20)
	curve, err := solana.DeriveBondingCurve(mint, env.program)
	require.NoError(t, err)
	// Curve exists but belongs to someone else's vault.
	env.rpc.accounts[curve] = &solana.AccountInfo{
		Lamports: 5_000_000,
		Data:     curveData(addr32(99), false),
	}

	tx := feeTx("tx1", 1001, env.vault, 250_000)
	tx.Meta.PostTokenBalances = []solana.TokenBalance{{AccountIndex: 1, Mint: mint, Amount: 90}}
	env.rpc.txs["tx1"] = tx
	env.rpc.sigs[env.vault] = []solana.SignatureInfo{{Signature: "tx1", Slot: 1001}}
	env.rpc.balances[env.vault] = 250_000

	env.eng.runCycle(ctx)

	assert.False(t, env.reg.Known(mint))
	// With nothing eligible, the ledger stays empty and the amount waits in
	// the accumulated bookkeeping.
	assert.Zero(t, env.led.Metadata().Entries)
}

func TestEngine_SplitsPoolByReserveMovement(t *testing.T) {
	mintA := addr32(10)
	mintB := addr32(11)
	env := newTestEnv(t, mintA)
	ctx := context.Background()

	// Second configured-style asset registered directly.
	curveB, err := solana.DeriveBondingCurve(mintB, env.program)
	require.NoError(t, err)
	env.rpc.accounts[curveB] = &solana.AccountInfo{
		Lamports: 20_000_000,
		Data:     curveData(env.owner, false),
	}
	env.reg.Upsert(&domain.TrackedAsset{
		Mint:         mintB,
		Symbol:       domain.PlaceholderSymbol,
		BondingCurve: curveB,
		LastReserves: 20_000_000,
	})

	// Reserves of A moved by +300k, B by +700k since bootstrap.
	env.rpc.accounts[env.curve].Lamports = 10_300_000
	env.rpc.accounts[curveB].Lamports = 20_700_000

	// An unattributable credit of 1,000,000: no curve key, no token balances.
	env.rpc.txs["tx1"] = feeTx("tx1", 1001, env.vault, 1_000_000)
	env.rpc.sigs[env.vault] = []solana.SignatureInfo{{Signature: "tx1", Slot: 1001}}
	env.rpc.balances[env.vault] = 1_000_000

	env.eng.runCycle(ctx)

	statsA, ok := env.reg.Stats(mintA)
	require.True(t, ok)
	statsB, ok := env.reg.Stats(mintB)
	require.True(t, ok)

	assert.Equal(t, int64(300_000), statsA.TotalFees)
	assert.Equal(t, int64(700_000), statsB.TotalFees)
	assert.Equal(t, "1000000", env.led.Metadata().TotalFees)

	archived, err := env.store.GetByMint(ctx, mintA)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "split:PRIMARY:1001", archived[0].Signature)
}

func TestEngine_OrphanInflowThenExplained(t *testing.T) {
	mint := addr32(10)
	env := newTestEnv(t, mint)
	ctx := context.Background()

	// Balance jumped with no transaction in sight.
	env.rpc.balances[env.vault] = 100_000_000
	env.eng.runCycle(ctx)

	proj := env.eng.Projection()
	assert.Equal(t, int64(100_000_000), proj.OrphanTotal)
	assert.Equal(t, int64(100_000_000),
		proj.LastBalance(domain.VaultPrimary)+proj.AccumulatedDelta(domain.VaultPrimary),
		"projection must match observed balance after reconciliation")
	assert.Equal(t, int64(100_000_000), proj.LastBalance(domain.VaultPrimary),
		"reconciliation rebases the baseline onto the observed balance")
	assert.Zero(t, proj.AccumulatedDelta(domain.VaultPrimary),
		"accumulated delta restarts after reconciliation")

	// Balance later drops back; the orphan is explained and clamps at zero.
	env.rpc.balances[env.vault] = 0
	env.eng.runCycle(ctx)

	proj = env.eng.Projection()
	assert.Zero(t, proj.OrphanTotal)
	assert.Zero(t, proj.LastBalance(domain.VaultPrimary)+proj.AccumulatedDelta(domain.VaultPrimary))

	// A further drop with no orphan left cannot push the total negative.
	env.eng.reconcile(domain.VaultPrimary, -500)
	assert.Zero(t, env.eng.Projection().OrphanTotal)
}

func TestEngine_MigrationFlipIsOneWay(t *testing.T) {
	mint := addr32(10)
	env := newTestEnv(t, mint)
	ctx := context.Background()

	// Curve reports complete on the next reserve refresh.
	env.rpc.accounts[env.curve].Data = curveData(env.owner, true)
	env.rpc.accounts[env.curve].Lamports = 10_500_000

	env.rpc.txs["tx1"] = feeTx("tx1", 1001, env.vault, 100_000)
	env.rpc.sigs[env.vault] = []solana.SignatureInfo{{Signature: "tx1", Slot: 1001}}
	env.rpc.balances[env.vault] = 100_000

	env.eng.runCycle(ctx)

	asset, ok := env.reg.ByMint(mint)
	require.True(t, ok)
	assert.Equal(t, domain.Migrated, asset.Migration)
	assert.NotEmpty(t, asset.AMMPool)

	// A stale not-complete readback must not flip it back.
	env.rpc.accounts[env.curve].Data = curveData(env.owner, false)
	env.eng.refreshReserves(ctx, domain.VaultPrimary)

	asset, ok = env.reg.ByMint(mint)
	require.True(t, ok)
	assert.Equal(t, domain.Migrated, asset.Migration)
}

// Package gateway wraps every network read behind a circuit breaker and
// bounded exponential-backoff retry. No other component issues RPC calls
// directly, so failure policy is applied in exactly one place.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vault-fee-tracker/internal/solana"
)

// ErrRetriesExhausted is returned when every retry attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Config configures retry and batching behavior.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries uint
	// RetryDelay is the base backoff delay (base * 2^attempt + jitter).
	RetryDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// MaxJitter is the upper bound of the random jitter added per attempt.
	MaxJitter time.Duration
	// BatchPageSize is the chunk size for batched account reads.
	BatchPageSize int
	// Breaker configures the shared circuit breaker.
	Breaker BreakerConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		MaxJitter:     250 * time.Millisecond,
		BatchPageSize: 100,
		Breaker:       DefaultBreakerConfig(),
	}
}

// Gateway is the resilient wrapper over the RPC client.
type Gateway struct {
	rpc     solana.RPCClient
	breaker *Breaker
	cfg     Config
	logger  *zap.Logger
}

// New creates a gateway around rpc.
func New(rpc solana.RPCClient, cfg Config, logger *zap.Logger) *Gateway {
	if cfg.BatchPageSize <= 0 {
		cfg.BatchPageSize = DefaultConfig().BatchPageSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gateway")

	breakerCfg := cfg.Breaker
	prevOnChange := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to CircuitState) {
		logger.Warn("breaker state change",
			zap.Stringer("from", from),
			zap.Stringer("to", to))
		if prevOnChange != nil {
			prevOnChange(from, to)
		}
	}

	return &Gateway{
		rpc:     rpc,
		breaker: NewBreaker(breakerCfg),
		cfg:     cfg,
		logger:  logger,
	}
}

// BreakerState exposes the current breaker state for metrics.
func (g *Gateway) BreakerState() CircuitState {
	return g.breaker.State()
}

// do runs fn with breaker bookkeeping per attempt and bounded backoff retry.
func (g *Gateway) do(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(
		func() error {
			if err := g.breaker.Allow(); err != nil {
				return retry.Unrecoverable(err)
			}
			if err := fn(); err != nil {
				g.breaker.RecordFailure()
				return err
			}
			g.breaker.RecordSuccess()
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(g.cfg.MaxRetries+1),
		retry.Delay(g.cfg.RetryDelay),
		retry.MaxDelay(g.cfg.MaxDelay),
		retry.MaxJitter(g.cfg.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			g.logger.Debug("retrying",
				zap.String("op", op),
				zap.Uint("attempt", attempt),
				zap.Error(err))
		}),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBreakerOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRetriesExhausted, err)
}

// Balance reads the lamport balance of address.
func (g *Gateway) Balance(ctx context.Context, address string) (int64, error) {
	var balance int64
	err := g.do(ctx, "getBalance", func() error {
		var inner error
		balance, inner = g.rpc.GetBalance(ctx, address)
		return inner
	})
	return balance, err
}

// AccountInfo reads one account. Returns nil info if the account is missing.
func (g *Gateway) AccountInfo(ctx context.Context, pubkey string) (*solana.AccountInfo, error) {
	var info *solana.AccountInfo
	err := g.do(ctx, "getAccountInfo", func() error {
		var inner error
		info, inner = g.rpc.GetAccountInfo(ctx, pubkey)
		return inner
	})
	return info, err
}

// Transaction reads one transaction. Returns nil if not found.
func (g *Gateway) Transaction(ctx context.Context, signature string) (*solana.Transaction, error) {
	var tx *solana.Transaction
	err := g.do(ctx, "getTransaction", func() error {
		var inner error
		tx, inner = g.rpc.GetTransaction(ctx, signature)
		return inner
	})
	return tx, err
}

// Signatures lists signatures for address with pagination options.
func (g *Gateway) Signatures(ctx context.Context, address string, opts *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	var sigs []solana.SignatureInfo
	err := g.do(ctx, "getSignaturesForAddress", func() error {
		var inner error
		sigs, inner = g.rpc.GetSignaturesForAddress(ctx, address, opts)
		return inner
	})
	return sigs, err
}

// Slot reads the current slot.
func (g *Gateway) Slot(ctx context.Context) (int64, error) {
	var slot int64
	err := g.do(ctx, "getSlot", func() error {
		var inner error
		slot, inner = g.rpc.GetSlot(ctx)
		return inner
	})
	return slot, err
}

// MultipleAccounts reads many accounts, chunked to the configured page size
// with chunks fetched concurrently. A failed chunk leaves nil slots rather
// than failing the whole batch; the returned slice always has len(pubkeys)
// entries in input order.
func (g *Gateway) MultipleAccounts(ctx context.Context, pubkeys []string) []*solana.AccountInfo {
	out := make([]*solana.AccountInfo, len(pubkeys))
	if len(pubkeys) == 0 {
		return out
	}

	var eg errgroup.Group
	for start := 0; start < len(pubkeys); start += g.cfg.BatchPageSize {
		end := start + g.cfg.BatchPageSize
		if end > len(pubkeys) {
			end = len(pubkeys)
		}
		start, end := start, end
		eg.Go(func() error {
			var infos []*solana.AccountInfo
			err := g.do(ctx, "getMultipleAccounts", func() error {
				var inner error
				infos, inner = g.rpc.GetMultipleAccounts(ctx, pubkeys[start:end])
				return inner
			})
			if err != nil {
				// Partial-failure tolerance: the chunk's slots stay nil.
				g.logger.Warn("batch chunk failed",
					zap.Int("start", start),
					zap.Int("end", end),
					zap.Error(err))
				return nil
			}
			copy(out[start:end], infos)
			return nil
		})
	}
	// Chunk closures swallow their own errors, so Wait only synchronizes.
	_ = eg.Wait()
	return out
}

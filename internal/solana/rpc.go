package solana

import "context"

// RPCClient defines the read-only Solana RPC surface the tracker consumes.
// All callers are expected to go through the gateway wrapper; nothing else in
// the system issues network calls directly.
type RPCClient interface {
	// GetBalance retrieves the lamport balance of an account.
	GetBalance(ctx context.Context, address string) (int64, error)

	// GetAccountInfo retrieves account info by public key.
	// Returns nil if the account does not exist.
	GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error)

	// GetMultipleAccounts retrieves account info for up to 100 pubkeys in one
	// call. Missing accounts are nil in the returned slice.
	GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*AccountInfo, error)

	// GetTransaction retrieves a transaction by signature.
	// Returns nil if the transaction is not found.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetSignaturesForAddress retrieves signatures for an address with pagination.
	GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error)

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context) (int64, error)
}

// Transaction represents a Solana transaction.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err               interface{}
	LogMessages       []string
	PreBalances       []int64
	PostBalances      []int64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// TransactionMessage contains the parsed transaction message.
type TransactionMessage struct {
	AccountKeys []string
}

// TokenBalance is one entry of pre/postTokenBalances.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       int64 // raw token amount
}

// BalanceDelta returns the lamport balance change of address within the
// transaction, computed from pre/postBalances. The second return is false if
// the address is not referenced or balance metadata is missing.
func (t *Transaction) BalanceDelta(address string) (int64, bool) {
	if t == nil || t.Meta == nil || t.Message == nil {
		return 0, false
	}
	for i, key := range t.Message.AccountKeys {
		if key != address {
			continue
		}
		if i >= len(t.Meta.PreBalances) || i >= len(t.Meta.PostBalances) {
			return 0, false
		}
		return t.Meta.PostBalances[i] - t.Meta.PreBalances[i], true
	}
	return 0, false
}

// TokenBalanceDelta returns the token amount change of the account at
// address within the transaction, computed from pre/postTokenBalances.
func (t *Transaction) TokenBalanceDelta(address string) (int64, bool) {
	if t == nil || t.Meta == nil || t.Message == nil {
		return 0, false
	}
	idx := -1
	for i, key := range t.Message.AccountKeys {
		if key == address {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, false
	}

	var pre, post int64
	found := false
	for _, tb := range t.Meta.PreTokenBalances {
		if tb.AccountIndex == idx {
			pre += tb.Amount
			found = true
		}
	}
	for _, tb := range t.Meta.PostTokenBalances {
		if tb.AccountIndex == idx {
			post += tb.Amount
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return post - pre, true
}

// TokenMints returns the distinct mints referenced by the transaction's
// token-balance diffs, in first-seen order.
func (t *Transaction) TokenMints() []string {
	if t == nil || t.Meta == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var mints []string
	for _, tb := range append(t.Meta.PreTokenBalances, t.Meta.PostTokenBalances...) {
		if tb.Mint == "" {
			continue
		}
		if _, ok := seen[tb.Mint]; ok {
			continue
		}
		seen[tb.Mint] = struct{}{}
		mints = append(mints, tb.Mint)
	}
	return mints
}

// References reports whether the transaction's account keys include address.
func (t *Transaction) References(address string) bool {
	if t == nil || t.Message == nil {
		return false
	}
	for _, key := range t.Message.AccountKeys {
		if key == address {
			return true
		}
	}
	return false
}

// SignatureInfo from getSignaturesForAddress.
type SignatureInfo struct {
	Signature string
	Slot      int64
	BlockTime *int64
	Err       interface{}
}

// SignaturesOpts defines optional pagination parameters for getSignaturesForAddress.
type SignaturesOpts struct {
	Before string // Start searching backwards from this signature
	Until  string // Search until this signature
	Limit  int    // Maximum number of signatures to return
}

// AccountInfo represents Solana account information.
type AccountInfo struct {
	Lamports   int64
	Owner      string
	Data       []byte
	Executable bool
	RentEpoch  uint64
}

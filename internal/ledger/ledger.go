// Package ledger persists a tamper-evident, append-only record of every
// attributed fee and detected claim. Each entry commits over the previous
// entry's commitment plus its own fields, so any later mutation of the file
// is detectable on replay.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"vault-fee-tracker/internal/domain"
)

// GenesisCommitment is the published previous-commitment of the first entry.
const GenesisCommitment = "GENESIS"

// metadataLineWidth is the fixed on-disk width of the metadata header line.
// The header is rewritten in place on every state change while entries below
// it are append-only, so it needs a stable size.
const metadataLineWidth = 256

// Entry is one append-only, sequence-numbered ledger record.
type Entry struct {
	Sequence           uint64           `json:"sequence"`
	PreviousCommitment string           `json:"previousCommitment"`
	Commitment         string           `json:"commitment"`
	EventKind          domain.EventKind `json:"eventKind"`
	VaultKind          domain.VaultKind `json:"vaultKind"`
	VaultAddress       string           `json:"vaultAddress"`
	Mint               string           `json:"mint,omitempty"`
	Symbol             string           `json:"symbol,omitempty"`
	Amount             string           `json:"amount"`
	BalanceBefore      string           `json:"balanceBefore"`
	BalanceAfter       string           `json:"balanceAfter"`
	Slot               int64            `json:"slot"`
	Timestamp          int64            `json:"timestamp"` // Unix milliseconds
	ISODate            string           `json:"isoDate"`
}

// Metadata summarizes ledger state. It lives on the first line of the file
// and is rewritten, never appended.
type Metadata struct {
	Entries          uint64 `json:"entries"`
	TotalFees        string `json:"totalFees"` // cumulative |amount| of FEE entries
	LatestCommitment string `json:"latestCommitment"`
	UpdatedAt        int64  `json:"updatedAt"` // Unix milliseconds
}

// line is the on-disk wrapper for both record types.
type line struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EntryInput is the caller-supplied part of an entry; sequence and
// commitments are assigned by Append.
type EntryInput struct {
	EventKind     domain.EventKind
	VaultKind     domain.VaultKind
	VaultAddress  string
	Mint          string
	Symbol        string
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	Slot          int64
	Timestamp     time.Time
}

// Ledger is the durable hash-chained log. A single process owns the file
// exclusively; there is no cross-process locking.
type Ledger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	size   int64 // append offset
	logger *zap.Logger

	entries   uint64
	totalFees int64
	latest    string
}

// Open opens or creates the ledger file at path. An existing file is fully
// replayed; the returned validation result reports any corruption but does
// not prevent opening — the caller decides whether to keep appending.
func Open(path string, logger *zap.Logger) (*Ledger, *ValidationResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		path:   path,
		logger: logger.Named("ledger"),
		latest: GenesisCommitment,
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger file: %w", err)
	}
	l.file = file

	if !exists {
		if err := l.writeMetadataLocked(); err != nil {
			file.Close()
			return nil, nil, err
		}
		l.size = metadataLineWidth
		return l, &ValidationResult{Valid: true, FirstBadSequence: -1}, nil
	}

	result, state, err := replay(path)
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	l.entries = state.entries
	l.totalFees = state.totalFees
	l.latest = state.latest
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("stat ledger file: %w", err)
	}
	l.size = info.Size()

	if !result.Valid {
		l.logger.Error("ledger corruption detected",
			zap.Int64("firstBadSequence", result.FirstBadSequence),
			zap.String("reason", result.Reason),
			zap.Uint64("entriesChecked", result.EntriesChecked))
	}

	return l, result, nil
}

// Append assigns the next sequence number, computes the commitment, updates
// running totals and appends one line to the file.
func (l *Ledger) Append(in EntryInput) (*Entry, error) {
	if !in.EventKind.IsValid() {
		return nil, fmt.Errorf("invalid event kind %q", in.EventKind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.entries + 1
	ts := in.Timestamp.UnixMilli()
	entry := &Entry{
		Sequence:           seq,
		PreviousCommitment: l.latest,
		EventKind:          in.EventKind,
		VaultKind:          in.VaultKind,
		VaultAddress:       in.VaultAddress,
		Mint:               in.Mint,
		Symbol:             in.Symbol,
		Amount:             strconv.FormatInt(in.Amount, 10),
		BalanceBefore:      strconv.FormatInt(in.BalanceBefore, 10),
		BalanceAfter:       strconv.FormatInt(in.BalanceAfter, 10),
		Slot:               in.Slot,
		Timestamp:          ts,
		ISODate:            in.Timestamp.UTC().Format(time.RFC3339),
	}
	entry.Commitment = commitmentOf(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	wrapped, err := json.Marshal(line{Type: "entry", Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal entry line: %w", err)
	}
	wrapped = append(wrapped, '\n')

	if _, err := l.file.WriteAt(wrapped, l.size); err != nil {
		return nil, fmt.Errorf("append entry: %w", err)
	}
	l.size += int64(len(wrapped))

	l.entries = seq
	l.latest = entry.Commitment
	if entry.EventKind == domain.EventFee {
		// Only FEE entries accumulate; CLAIM entries touch UpdatedAt alone.
		amount := in.Amount
		if amount < 0 {
			amount = -amount
		}
		l.totalFees += amount
	}

	if err := l.writeMetadataLocked(); err != nil {
		return nil, err
	}

	return entry, nil
}

// Metadata returns the current in-memory metadata summary.
func (l *Ledger) Metadata() Metadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metadataLocked()
}

func (l *Ledger) metadataLocked() Metadata {
	return Metadata{
		Entries:          l.entries,
		TotalFees:        strconv.FormatInt(l.totalFees, 10),
		LatestCommitment: l.latest,
		UpdatedAt:        time.Now().UnixMilli(),
	}
}

// writeMetadataLocked rewrites the fixed-width header line in place.
func (l *Ledger) writeMetadataLocked() error {
	meta := l.metadataLocked()
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	wrapped, err := json.Marshal(line{Type: "metadata", Data: data})
	if err != nil {
		return fmt.Errorf("marshal metadata line: %w", err)
	}
	if len(wrapped) >= metadataLineWidth {
		return fmt.Errorf("metadata line too long: %d bytes", len(wrapped))
	}

	buf := make([]byte, metadataLineWidth)
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf, wrapped)
	buf[metadataLineWidth-1] = '\n'

	if _, err := l.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("rewrite metadata: %w", err)
	}
	return nil
}

// Flush syncs the file to durable storage.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// Close flushes and closes the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return l.file.Close()
}

// commitmentOf hashes the ordered, delimiter-joined entry fields together
// with the previous commitment.
func commitmentOf(e *Entry) string {
	data := strings.Join([]string{
		strconv.FormatUint(e.Sequence, 10),
		e.PreviousCommitment,
		string(e.EventKind),
		string(e.VaultKind),
		e.VaultAddress,
		e.Mint,
		e.Symbol,
		e.Amount,
		e.BalanceBefore,
		e.BalanceAfter,
		strconv.FormatInt(e.Slot, 10),
		strconv.FormatInt(e.Timestamp, 10),
	}, "|")

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"vault-fee-tracker/internal/domain"
)

// Projection is the engine's persisted belief about reality: last confirmed
// signature and balance per vault, the accumulated delta explained by
// processed transactions, and the running orphan total of balance change no
// transaction accounted for.
//
// Invariant after every reconciliation:
//
//	observed_balance == last_known_balance + accumulated_delta
type Projection struct {
	LastPrimarySignature      string
	LastSecondarySignature    string
	LastPrimaryBalance        int64
	LastSecondaryBalance      int64
	AccumulatedPrimaryDelta   int64
	AccumulatedSecondaryDelta int64
	OrphanTotal               int64
}

// LastSignature returns the last confirmed signature for vault.
func (p *Projection) LastSignature(vault domain.VaultKind) string {
	if vault == domain.VaultSecondary {
		return p.LastSecondarySignature
	}
	return p.LastPrimarySignature
}

// SetLastSignature records the last confirmed signature for vault.
func (p *Projection) SetLastSignature(vault domain.VaultKind, sig string) {
	if vault == domain.VaultSecondary {
		p.LastSecondarySignature = sig
		return
	}
	p.LastPrimarySignature = sig
}

// LastBalance returns the last known balance for vault.
func (p *Projection) LastBalance(vault domain.VaultKind) int64 {
	if vault == domain.VaultSecondary {
		return p.LastSecondaryBalance
	}
	return p.LastPrimaryBalance
}

// AccumulatedDelta returns the accumulated explained delta for vault.
func (p *Projection) AccumulatedDelta(vault domain.VaultKind) int64 {
	if vault == domain.VaultSecondary {
		return p.AccumulatedSecondaryDelta
	}
	return p.AccumulatedPrimaryDelta
}

// AddDelta folds d into the accumulated delta for vault.
func (p *Projection) AddDelta(vault domain.VaultKind, d int64) {
	if vault == domain.VaultSecondary {
		p.AccumulatedSecondaryDelta += d
		return
	}
	p.AccumulatedPrimaryDelta += d
}

// Rebase makes observed the new baseline for vault and restarts the
// accumulated delta from zero. Called once reconciliation has accounted for
// every delta of the cycle.
func (p *Projection) Rebase(vault domain.VaultKind, observed int64) {
	if vault == domain.VaultSecondary {
		p.LastSecondaryBalance = observed
		p.AccumulatedSecondaryDelta = 0
		return
	}
	p.LastPrimaryBalance = observed
	p.AccumulatedPrimaryDelta = 0
}

// projectionFile is the persisted JSON shape. Balances and deltas are
// string-encoded integers; unknown or missing fields default to zero for
// forward compatibility.
type projectionFile struct {
	LastPrimarySignature      string `json:"lastPrimarySignature"`
	LastSecondarySignature    string `json:"lastSecondarySignature"`
	LastPrimaryBalance        string `json:"lastPrimaryBalance"`
	LastSecondaryBalance      string `json:"lastSecondaryBalance"`
	AccumulatedPrimaryDelta   string `json:"accumulatedPrimaryDelta"`
	AccumulatedSecondaryDelta string `json:"accumulatedSecondaryDelta"`
	OrphanTotal               string `json:"orphanTotal"`
}

// DefaultBackupRetention is the number of timestamped projection backups kept.
const DefaultBackupRetention = 3

// ProjectionStore persists the projection as a JSON file with timestamped
// backups taken before every read of an existing file.
type ProjectionStore struct {
	path      string
	retention int
	logger    *zap.Logger
}

// NewProjectionStore creates a store for the projection file at path.
func NewProjectionStore(path string, retention int, logger *zap.Logger) *ProjectionStore {
	if retention <= 0 {
		retention = DefaultBackupRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProjectionStore{
		path:      path,
		retention: retention,
		logger:    logger.Named("projection"),
	}
}

// Load reads the projection. A missing file yields a zero projection. A
// malformed file is discarded entirely in favor of zero defaults: a
// conservative reset beats a speculative partial repair.
func (s *ProjectionStore) Load() (*Projection, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &Projection{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read projection: %w", err)
	}

	if err := s.backup(data); err != nil {
		return nil, err
	}

	var file projectionFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("discarding malformed projection file", zap.Error(err))
		return &Projection{}, nil
	}

	proj := &Projection{
		LastPrimarySignature:   file.LastPrimarySignature,
		LastSecondarySignature: file.LastSecondarySignature,
	}

	fields := []struct {
		name  string
		raw   string
		value *int64
	}{
		{"lastPrimaryBalance", file.LastPrimaryBalance, &proj.LastPrimaryBalance},
		{"lastSecondaryBalance", file.LastSecondaryBalance, &proj.LastSecondaryBalance},
		{"accumulatedPrimaryDelta", file.AccumulatedPrimaryDelta, &proj.AccumulatedPrimaryDelta},
		{"accumulatedSecondaryDelta", file.AccumulatedSecondaryDelta, &proj.AccumulatedSecondaryDelta},
		{"orphanTotal", file.OrphanTotal, &proj.OrphanTotal},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue // missing optional field defaults to zero
		}
		v, err := strconv.ParseInt(f.raw, 10, 64)
		if err != nil {
			// Any bad field discards the whole file.
			s.logger.Warn("discarding projection with invalid field",
				zap.String("field", f.name),
				zap.String("value", f.raw))
			return &Projection{}, nil
		}
		*f.value = v
	}

	return proj, nil
}

// Save writes the projection atomically via a temp file rename.
func (s *ProjectionStore) Save(p *Projection) error {
	file := projectionFile{
		LastPrimarySignature:      p.LastPrimarySignature,
		LastSecondarySignature:    p.LastSecondarySignature,
		LastPrimaryBalance:        strconv.FormatInt(p.LastPrimaryBalance, 10),
		LastSecondaryBalance:      strconv.FormatInt(p.LastSecondaryBalance, 10),
		AccumulatedPrimaryDelta:   strconv.FormatInt(p.AccumulatedPrimaryDelta, 10),
		AccumulatedSecondaryDelta: strconv.FormatInt(p.AccumulatedSecondaryDelta, 10),
		OrphanTotal:               strconv.FormatInt(p.OrphanTotal, 10),
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal projection: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write projection: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename projection: %w", err)
	}
	return nil
}

// backup copies the current file aside and prunes backups beyond retention.
func (s *ProjectionStore) backup(data []byte) error {
	stamp := time.Now().UTC().Format("20060102T150405")
	backupPath := fmt.Sprintf("%s.bak.%s", s.path, stamp)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return fmt.Errorf("write projection backup: %w", err)
	}

	pattern := s.path + ".bak.*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("list projection backups: %w", err)
	}
	if len(matches) <= s.retention {
		return nil
	}

	sort.Strings(matches) // timestamps sort lexicographically
	for _, old := range matches[:len(matches)-s.retention] {
		if err := os.Remove(old); err != nil {
			s.logger.Warn("prune projection backup", zap.String("path", old), zap.Error(err))
		}
	}
	return nil
}

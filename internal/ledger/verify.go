package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"vault-fee-tracker/internal/domain"
)

// ValidationResult is the structured outcome of a full ledger replay.
// Corruption is surfaced, never repaired; the caller decides whether to
// keep appending to a known-corrupt chain.
type ValidationResult struct {
	Valid            bool
	EntriesChecked   uint64
	FirstBadSequence int64 // -1 when the chain is intact
	Reason           string
}

// replayState carries the totals rebuilt during replay.
type replayState struct {
	entries   uint64
	totalFees int64
	latest    string
}

// Verify replays the ledger file at path, recomputing every commitment and
// checking chain linkage. The first mismatch marks the point of corruption
// but the scan continues so the caller can see how far the damage extends.
func Verify(path string) (*ValidationResult, error) {
	result, _, err := replay(path)
	return result, err
}

func replay(path string) (*ValidationResult, *replayState, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer file.Close()

	result := &ValidationResult{Valid: true, FirstBadSequence: -1}
	state := &replayState{latest: GenesisCommitment}

	markBad := func(seq int64, reason string) {
		if result.Valid {
			result.Valid = false
			result.FirstBadSequence = seq
			result.Reason = reason
		}
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	prevCommitment := GenesisCommitment
	var expectSeq uint64 = 1

	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		lineNo++
		if text == "" {
			continue
		}

		var wrapper line
		if err := json.Unmarshal([]byte(text), &wrapper); err != nil {
			markBad(int64(expectSeq), fmt.Sprintf("malformed line %d: %v", lineNo, err))
			continue
		}

		if lineNo == 1 {
			if wrapper.Type != "metadata" {
				markBad(0, "first line is not a metadata record")
			}
			// Header totals are advisory; entries are the source of truth.
			continue
		}

		if wrapper.Type != "entry" {
			markBad(int64(expectSeq), fmt.Sprintf("unexpected record type %q at line %d", wrapper.Type, lineNo))
			continue
		}

		var entry Entry
		if err := json.Unmarshal(wrapper.Data, &entry); err != nil {
			markBad(int64(expectSeq), fmt.Sprintf("malformed entry at line %d: %v", lineNo, err))
			continue
		}

		result.EntriesChecked++

		if entry.Sequence != expectSeq {
			markBad(int64(entry.Sequence), fmt.Sprintf("sequence gap: got %d, want %d", entry.Sequence, expectSeq))
		}
		if entry.PreviousCommitment != prevCommitment {
			markBad(int64(entry.Sequence), fmt.Sprintf("chain break at sequence %d: stored previous commitment does not match predecessor", entry.Sequence))
		}
		if recomputed := commitmentOf(&entry); recomputed != entry.Commitment {
			markBad(int64(entry.Sequence), fmt.Sprintf("commitment mismatch at sequence %d", entry.Sequence))
		}

		// Continue the chain from the stored commitment so one corrupt
		// entry does not cascade over every successor.
		prevCommitment = entry.Commitment
		expectSeq = entry.Sequence + 1

		state.entries = entry.Sequence
		state.latest = entry.Commitment
		if entry.EventKind == domain.EventFee {
			amount, err := strconv.ParseInt(entry.Amount, 10, 64)
			if err != nil {
				markBad(int64(entry.Sequence), fmt.Sprintf("unparseable amount at sequence %d", entry.Sequence))
				continue
			}
			if amount < 0 {
				amount = -amount
			}
			state.totalFees += amount
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan ledger file: %w", err)
	}

	return result, state, nil
}

package solana

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// pdaMarker is the domain separator Solana appends when hashing PDA seeds.
const pdaMarker = "ProgramDerivedAddress"

// Seed prefixes for the collection accounts derived per mint.
const (
	bondingCurveSeed = "bonding-curve"
	poolSeed         = "pool"
)

// DeriveProgramAddress finds the program-derived address for seeds under
// programID, searching bumps from 255 down for the first off-curve result.
func DeriveProgramAddress(seeds [][]byte, programID string) (string, uint8, error) {
	program, err := base58.Decode(programID)
	if err != nil {
		return "", 0, fmt.Errorf("decode program id: %w", err)
	}
	if len(program) != 32 {
		return "", 0, fmt.Errorf("program id must be 32 bytes, got %d", len(program))
	}

	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{uint8(bump)})
		h.Write(program)
		h.Write([]byte(pdaMarker))

		candidate := h.Sum(nil)
		if !isOnCurve(candidate) {
			return base58.Encode(candidate), uint8(bump), nil
		}
	}

	return "", 0, fmt.Errorf("no viable bump for seeds")
}

// DeriveBondingCurve derives the bonding-pool collection address for a mint.
func DeriveBondingCurve(mint, programID string) (string, error) {
	mintBytes, err := base58.Decode(mint)
	if err != nil {
		return "", fmt.Errorf("decode mint: %w", err)
	}
	addr, _, err := DeriveProgramAddress([][]byte{[]byte(bondingCurveSeed), mintBytes}, programID)
	return addr, err
}

// DerivePoolAddress derives the secondary-pool collection address for a mint.
func DerivePoolAddress(mint, programID string) (string, error) {
	mintBytes, err := base58.Decode(mint)
	if err != nil {
		return "", fmt.Errorf("decode mint: %w", err)
	}
	addr, _, err := DeriveProgramAddress([][]byte{[]byte(poolSeed), mintBytes}, programID)
	return addr, err
}

// DeriveMetadataAddress derives the token metadata account for a mint under
// the metadata program (seeds: "metadata", program, mint).
func DeriveMetadataAddress(mint, metadataProgramID string) (string, error) {
	mintBytes, err := base58.Decode(mint)
	if err != nil {
		return "", fmt.Errorf("decode mint: %w", err)
	}
	programBytes, err := base58.Decode(metadataProgramID)
	if err != nil {
		return "", fmt.Errorf("decode metadata program: %w", err)
	}
	addr, _, err := DeriveProgramAddress(
		[][]byte{[]byte("metadata"), programBytes, mintBytes},
		metadataProgramID,
	)
	return addr, err
}

// isOnCurve reports whether point decodes as a valid ed25519 curve point.
// PDAs must be off-curve so no private key can exist for them.
func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// ValidAddress reports whether s decodes as a 32-byte base58 pubkey.
func ValidAddress(s string) bool {
	b, err := base58.Decode(s)
	return err == nil && len(b) == 32
}

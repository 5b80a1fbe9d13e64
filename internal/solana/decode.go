package solana

import (
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// Bonding curve account layout: 8-byte discriminator, five u64 reserve
// fields, a completion flag, then the creator pubkey.
const (
	bondingCurveDiscriminatorLen = 8
	bondingCurveMinLen           = bondingCurveDiscriminatorLen + 5*8 + 1 + 32
)

// BondingCurveAccount is the decoded state of a bonding-pool collection
// account.
type BondingCurveAccount struct {
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64
	Complete             bool   // true once the asset has migrated
	Creator              string // base58 pubkey of the vault owner
}

// DecodeBondingCurve decodes raw bonding curve account bytes.
func DecodeBondingCurve(data []byte) (*BondingCurveAccount, error) {
	if len(data) < bondingCurveMinLen {
		return nil, fmt.Errorf("bonding curve account too short: %d bytes", len(data))
	}

	off := bondingCurveDiscriminatorLen
	acc := &BondingCurveAccount{
		VirtualTokenReserves: binary.LittleEndian.Uint64(data[off : off+8]),
		VirtualSolReserves:   binary.LittleEndian.Uint64(data[off+8 : off+16]),
		RealTokenReserves:    binary.LittleEndian.Uint64(data[off+16 : off+24]),
		RealSolReserves:      binary.LittleEndian.Uint64(data[off+24 : off+32]),
		TokenTotalSupply:     binary.LittleEndian.Uint64(data[off+32 : off+40]),
		Complete:             data[off+40] != 0,
		Creator:              base58.Encode(data[off+41 : off+41+32]),
	}
	return acc, nil
}

// SPL token account layout: mint (32), owner (32), amount u64 LE.
const (
	tokenAmountOffset  = 64
	tokenAccountMinLen = tokenAmountOffset + 8
)

// DecodeTokenAmount reads the raw token amount of an SPL token account at its
// fixed offset.
func DecodeTokenAmount(data []byte) (uint64, error) {
	if len(data) < tokenAccountMinLen {
		return 0, fmt.Errorf("token account too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint64(data[tokenAmountOffset : tokenAmountOffset+8]), nil
}

// Token metadata layout: key (1), update authority (32), mint (32), then
// borsh-encoded name and symbol strings padded with NULs.
const metadataHeaderLen = 1 + 32 + 32

// DecodeMetadata extracts the name and symbol from a token metadata account.
func DecodeMetadata(data []byte) (name, symbol string, err error) {
	off := metadataHeaderLen

	name, off, err = readBorshString(data, off)
	if err != nil {
		return "", "", fmt.Errorf("read name: %w", err)
	}
	symbol, _, err = readBorshString(data, off)
	if err != nil {
		return "", "", fmt.Errorf("read symbol: %w", err)
	}
	return name, symbol, nil
}

// readBorshString reads a u32-length-prefixed string, trimming NUL padding.
func readBorshString(data []byte, off int) (string, int, error) {
	if off+4 > len(data) {
		return "", 0, fmt.Errorf("string length out of bounds at offset %d", off)
	}
	length := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if length < 0 || off+length > len(data) {
		return "", 0, fmt.Errorf("string of %d bytes out of bounds at offset %d", length, off)
	}
	raw := data[off : off+length]
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end]), off + length, nil
}

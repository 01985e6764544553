package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vitwit/payflow/types"
)

var hexPattern = regexp.MustCompile("^[0-9a-fA-F]+$")

// ValidateAmount checks if an amount string is a valid non-negative decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ParseUnits converts a human amount ("0.5") into base units for a token
// with the given decimals. Amounts finer than the token's precision are
// rejected rather than truncated.
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, types.WrapError(types.CodeInvalidAmount, err, "invalid amount %q", amount)
	}
	scaled := dec.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, types.NewError(types.CodeInvalidAmount, "amount %s has more than %d decimals", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// ParseEther is ParseUnits with 18 decimals.
func ParseEther(amount string) (*big.Int, error) {
	return ParseUnits(amount, 18)
}

// FormatUnits formats base units back into a decimal string.
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ValidateTransactionHash checks the 0x-prefixed 32-byte hex form.
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !strings.HasPrefix(hash, "0x") {
		return fmt.Errorf("transaction hash must start with 0x")
	}
	if len(hash) != 2+2*common.HashLength {
		return fmt.Errorf("transaction hash must be %d characters long", 2+2*common.HashLength)
	}
	if !hexPattern.MatchString(hash[2:]) {
		return fmt.Errorf("transaction hash must be valid hex")
	}
	return nil
}

// ValidateOwners checks an owner set: non-empty, unique, no zero address.
func ValidateOwners(owners []common.Address) error {
	if len(owners) == 0 {
		return types.NewError(types.CodeInvalidOwnerSet, "owner set is empty")
	}
	seen := make(map[common.Address]struct{}, len(owners))
	for _, o := range owners {
		if o == (common.Address{}) {
			return types.NewError(types.CodeInvalidOwnerSet, "zero address owner")
		}
		if _, dup := seen[o]; dup {
			return types.NewError(types.CodeInvalidOwnerSet, "duplicate owner %s", o.Hex())
		}
		seen[o] = struct{}{}
	}
	return nil
}

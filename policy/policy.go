// Package policy builds the permission policies attached to sessions and
// evaluates calls against them.
package policy

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/payflow/types"
)

type Kind uint8

const (
	KindTimeFrame Kind = iota + 1
	KindValueLimit
	KindSpendingLimits
	KindSudo
)

func (k Kind) String() string {
	switch k {
	case KindTimeFrame:
		return "time_frame"
	case KindValueLimit:
		return "value_limit"
	case KindSpendingLimits:
		return "spending_limits"
	case KindSudo:
		return "sudo"
	default:
		return "unknown"
	}
}

// Policy is one of TimeFrame, ValueLimit, SpendingLimits or Sudo. The set is
// closed: isPolicy keeps other packages from adding variants.
type Policy interface {
	Kind() Kind
	isPolicy()
}

// TimeFrame bounds when a session may be used, in unix seconds. Zero means
// unbounded on that side.
type TimeFrame struct {
	ValidAfter uint64
	ValidUntil uint64
}

// ValueLimit caps the cumulative native value a session may send.
type ValueLimit struct {
	Limit *big.Int
}

// SpendingLimit caps the cumulative amount of one ERC-20 token.
type SpendingLimit struct {
	Token common.Address
	Limit *big.Int
}

// SpendingLimits caps ERC-20 spend per token. Calls it governs may only be
// transfer, transferFrom or approve on a listed token.
type SpendingLimits struct {
	Limits []SpendingLimit
}

// Sudo approves everything. Attaching it grants owner-level trust: action
// scoping under it is ignored.
type Sudo struct{}

func (TimeFrame) Kind() Kind      { return KindTimeFrame }
func (ValueLimit) Kind() Kind     { return KindValueLimit }
func (SpendingLimits) Kind() Kind { return KindSpendingLimits }
func (Sudo) Kind() Kind           { return KindSudo }

func (TimeFrame) isPolicy()      {}
func (ValueLimit) isPolicy()     {}
func (SpendingLimits) isPolicy() {}
func (Sudo) isPolicy()           {}

// NewTimeFrame fails with INVALID_RANGE when both bounds are set and
// validUntil <= validAfter.
func NewTimeFrame(validAfter, validUntil uint64) (TimeFrame, error) {
	if validAfter != 0 && validUntil != 0 && validUntil <= validAfter {
		return TimeFrame{}, types.NewError(types.CodeInvalidRange,
			"validUntil %d must be after validAfter %d", validUntil, validAfter)
	}
	return TimeFrame{ValidAfter: validAfter, ValidUntil: validUntil}, nil
}

// NewValueLimit fails with INVALID_AMOUNT for nil or non-positive limits.
func NewValueLimit(limit *big.Int) (ValueLimit, error) {
	if limit == nil || limit.Sign() <= 0 {
		return ValueLimit{}, types.NewError(types.CodeInvalidAmount, "value limit must be positive")
	}
	return ValueLimit{Limit: new(big.Int).Set(limit)}, nil
}

// NewSpendingLimits dedupes entries by token. The last entry for a token
// wins and keeps the position of the token's first appearance.
func NewSpendingLimits(entries []SpendingLimit) (SpendingLimits, error) {
	if len(entries) == 0 {
		return SpendingLimits{}, types.NewError(types.CodeInvalidAmount, "spending limits need at least one token")
	}
	index := make(map[common.Address]int, len(entries))
	out := make([]SpendingLimit, 0, len(entries))
	for _, e := range entries {
		if e.Limit == nil || e.Limit.Sign() <= 0 {
			return SpendingLimits{}, types.NewError(types.CodeInvalidAmount, "limit for %s must be positive", e.Token.Hex())
		}
		entry := SpendingLimit{Token: e.Token, Limit: new(big.Int).Set(e.Limit)}
		if i, ok := index[e.Token]; ok {
			out[i] = entry
			continue
		}
		index[e.Token] = len(out)
		out = append(out, entry)
	}
	return SpendingLimits{Limits: out}, nil
}

func NewSudo() Sudo {
	return Sudo{}
}

// LimitFor returns the limit for token, nil when the token is not listed.
func (s SpendingLimits) LimitFor(token common.Address) *big.Int {
	for _, l := range s.Limits {
		if l.Token == token {
			return l.Limit
		}
	}
	return nil
}

// ContainsSudo reports whether any of ps is Sudo.
func ContainsSudo(ps []Policy) bool {
	for _, p := range ps {
		if _, ok := p.(Sudo); ok {
			return true
		}
	}
	return false
}

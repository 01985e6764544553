package policy

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/payflow/types"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]}
]`

// ERC20 is the subset of the token ABI that counts toward spending limits.
var ERC20 abi.ABI

func init() {
	var err error
	if ERC20, err = abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		panic(err)
	}
}

// Usage is spend accumulated under one scope of a session.
type Usage struct {
	Value  *big.Int
	Tokens map[common.Address]*big.Int
}

func NewUsage() Usage {
	return Usage{Value: new(big.Int), Tokens: make(map[common.Address]*big.Int)}
}

// IsZero reports whether nothing was spent.
func (u Usage) IsZero() bool {
	if u.Value != nil && u.Value.Sign() != 0 {
		return false
	}
	for _, v := range u.Tokens {
		if v.Sign() != 0 {
			return false
		}
	}
	return true
}

// Token returns the amount spent of token, never nil.
func (u Usage) Token(token common.Address) *big.Int {
	if v, ok := u.Tokens[token]; ok {
		return v
	}
	return new(big.Int)
}

// Plus returns u + o without modifying either.
func (u Usage) Plus(o Usage) Usage {
	out := NewUsage()
	for _, src := range []Usage{u, o} {
		if src.Value != nil {
			out.Value.Add(out.Value, src.Value)
		}
		for t, v := range src.Tokens {
			out.Tokens[t] = new(big.Int).Add(out.Token(t), v)
		}
	}
	return out
}

// Ledger is a session's usage keyed by scope.
type Ledger map[string]Usage

// ScopeUserOp is the scope of user-operation level policies.
const ScopeUserOp = "userop"

// ActionScope is the usage scope of the action matched by (target, selector).
func ActionScope(target common.Address, selector [4]byte) string {
	return fmt.Sprintf("action:%s:%x", strings.ToLower(target.Hex()), selector)
}

func (l Ledger) Get(scope string) Usage {
	if u, ok := l[scope]; ok {
		return u
	}
	return NewUsage()
}

// Merge returns l with every scope of delta added.
func (l Ledger) Merge(delta Ledger) Ledger {
	out := make(Ledger, len(l)+len(delta))
	for k, v := range l {
		out[k] = v.Plus(Usage{})
	}
	for k, v := range delta {
		out[k] = out.Get(k).Plus(v)
	}
	return out
}

// Sub returns l with every scope of delta taken away, never below zero.
func (l Ledger) Sub(delta Ledger) Ledger {
	out := l.Merge(nil)
	for k, d := range delta {
		u, ok := out[k]
		if !ok {
			continue
		}
		if d.Value != nil {
			u.Value = floorSub(u.Value, d.Value)
		}
		for t, v := range d.Tokens {
			if have, ok := u.Tokens[t]; ok {
				u.Tokens[t] = floorSub(have, v)
			}
		}
		out[k] = u
	}
	return out
}

func floorSub(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	if r.Sign() < 0 {
		return r.SetInt64(0)
	}
	return r
}

// TokenTransfer is the token movement encoded in an ERC-20 call.
type TokenTransfer struct {
	Token  common.Address
	Method string
	Amount *big.Int
}

// DecodeTokenTransfer recognises transfer, approve and transferFrom calls.
// ok is false for any other selector.
func DecodeTokenTransfer(call types.Call) (tt TokenTransfer, ok bool, err error) {
	if len(call.Data) < 4 {
		return TokenTransfer{}, false, nil
	}
	method, err := ERC20.MethodById(call.Data[:4])
	if err != nil {
		return TokenTransfer{}, false, nil
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return TokenTransfer{}, true, fmt.Errorf("malformed %s call: %w", method.Name, err)
	}
	amount, _ := args[len(args)-1].(*big.Int)
	if amount == nil {
		return TokenTransfer{}, true, fmt.Errorf("malformed %s call", method.Name)
	}
	return TokenTransfer{Token: call.To, Method: method.Name, Amount: amount}, true, nil
}

// UsageOf sums what calls spend: native value plus token amounts.
func UsageOf(calls []types.Call) (Usage, error) {
	u := NewUsage()
	for _, c := range calls {
		u.Value.Add(u.Value, c.ValueOrZero())
		tt, ok, err := DecodeTokenTransfer(c)
		if err != nil {
			return Usage{}, types.WrapError(types.CodeSessionScopeViolation, err, "call to %s", c.To.Hex())
		}
		if ok {
			u.Tokens[tt.Token] = new(big.Int).Add(u.Token(tt.Token), tt.Amount)
		}
	}
	return u, nil
}

// Check evaluates p for calls given what the scope already spent. Limits are
// cumulative: spent plus the calls' own usage must stay within them.
func Check(p Policy, calls []types.Call, spent Usage, now time.Time) error {
	switch p := p.(type) {
	case TimeFrame:
		ts := uint64(now.Unix())
		if p.ValidUntil != 0 && ts > p.ValidUntil {
			return types.NewError(types.CodeSessionExpired, "session expired at %d", p.ValidUntil)
		}
		if p.ValidAfter != 0 && ts < p.ValidAfter {
			return types.NewError(types.CodeSessionScopeViolation, "session not valid before %d", p.ValidAfter)
		}
		return nil

	case ValueLimit:
		if !positive(p.Limit) {
			return types.NewError(types.CodeInvalidAmount, "value limit must be positive")
		}
		total := types.TotalValue(calls)
		if spent.Value != nil {
			total.Add(total, spent.Value)
		}
		if total.Cmp(p.Limit) > 0 {
			return types.NewError(types.CodeSessionScopeViolation,
				"native value %s exceeds limit %s", total, p.Limit)
		}
		return nil

	case SpendingLimits:
		for _, l := range p.Limits {
			if !positive(l.Limit) {
				return types.NewError(types.CodeInvalidAmount, "limit for %s must be positive", l.Token.Hex())
			}
		}
		added := make(map[common.Address]*big.Int)
		for _, c := range calls {
			if c.ValueOrZero().Sign() != 0 {
				return types.NewError(types.CodeSessionScopeViolation,
					"native value to %s not allowed under spending limits", c.To.Hex())
			}
			tt, ok, err := DecodeTokenTransfer(c)
			if err != nil {
				return types.WrapError(types.CodeSessionScopeViolation, err, "call to %s", c.To.Hex())
			}
			if !ok {
				return types.NewError(types.CodeSessionScopeViolation,
					"selector %x on %s is not a token transfer", c.Selector(), c.To.Hex())
			}
			if p.LimitFor(tt.Token) == nil {
				return types.NewError(types.CodeSessionScopeViolation, "token %s has no spending limit", tt.Token.Hex())
			}
			if added[tt.Token] == nil {
				added[tt.Token] = new(big.Int)
			}
			added[tt.Token].Add(added[tt.Token], tt.Amount)
		}
		for token, amount := range added {
			total := new(big.Int).Add(spent.Token(token), amount)
			if limit := p.LimitFor(token); total.Cmp(limit) > 0 {
				return types.NewError(types.CodeSessionScopeViolation,
					"spend of %s on %s exceeds limit %s", total, token.Hex(), limit)
			}
		}
		return nil

	case Sudo:
		return nil

	default:
		return types.NewError(types.CodeSessionScopeViolation, "unsupported policy %T", p)
	}
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// Package verification checks session-signed calls against the session's
// policies before anything is sent to the network.
package verification

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/payflow/policy"
	"github.com/vitwit/payflow/session"
	"github.com/vitwit/payflow/types"
)

// Verifier decides whether a session may perform calls.
type Verifier interface {
	Verify(s session.Session, signer common.Address, calls []types.Call, usage policy.Ledger, now time.Time) (policy.Ledger, error)
}

var _ Verifier = (*VerificationService)(nil)

// VerificationService evaluates session scope without I/O.
type VerificationService struct {
	simpleValidators map[common.Address]bool
}

type Option func(*VerificationService)

// WithSimpleValidator marks validator as a simple session validator whose
// init data is the session key address.
func WithSimpleValidator(validator common.Address) Option {
	return func(s *VerificationService) { s.simpleValidators[validator] = true }
}

func NewVerificationService(opts ...Option) *VerificationService {
	s := &VerificationService{
		simpleValidators: map[common.Address]bool{session.DefaultSimpleValidator: true},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify checks calls against s given the usage already recorded for it and
// returns the usage the calls add, keyed by scope. Time frames are checked
// first, so an expired session fails with SESSION_EXPIRED whatever the calls.
func (v *VerificationService) Verify(s session.Session, signer common.Address, calls []types.Call, usage policy.Ledger, now time.Time) (policy.Ledger, error) {
	if len(calls) == 0 {
		return nil, types.NewError(types.CodeInvalidRequest, "no calls to execute")
	}

	for _, p := range s.UserOpPolicies {
		if tf, ok := p.(policy.TimeFrame); ok {
			if err := policy.Check(tf, calls, policy.Usage{}, now); err != nil {
				return nil, err
			}
		}
	}

	if v.simpleValidators[s.Validator] {
		key, ok := s.SessionKey()
		if !ok || key != signer {
			return nil, types.NewError(types.CodeSessionScopeViolation, "signer %s is not the session key", signer.Hex())
		}
	}

	total, err := policy.UsageOf(calls)
	if err != nil {
		return nil, err
	}
	delta := policy.Ledger{policy.ScopeUserOp: total}

	if s.IsSudo() {
		return delta, nil
	}

	groups := make(map[string][]types.Call)
	actions := make(map[string]session.ActionPolicy)
	var order []string
	for _, c := range calls {
		a, ok := LookupAction(s, c)
		if !ok {
			return nil, types.NewError(types.CodeSessionScopeViolation,
				"no action permits selector %x on %s", c.Selector(), c.To.Hex())
		}
		scope := policy.ActionScope(a.Target, a.Selector)
		if _, seen := groups[scope]; !seen {
			order = append(order, scope)
			actions[scope] = a
		}
		groups[scope] = append(groups[scope], c)
	}

	for _, scope := range order {
		a, group := actions[scope], groups[scope]
		if !policy.ContainsSudo(a.Policies) {
			for _, p := range a.Policies {
				if err := policy.Check(p, group, usage.Get(scope), now); err != nil {
					return nil, err
				}
			}
		}
		u, err := policy.UsageOf(group)
		if err != nil {
			return nil, err
		}
		delta[scope] = u
	}

	for _, p := range s.UserOpPolicies {
		if _, ok := p.(policy.TimeFrame); ok {
			continue
		}
		if err := policy.Check(p, calls, usage.Get(policy.ScopeUserOp), now); err != nil {
			return nil, err
		}
	}
	return delta, nil
}

// LookupAction finds the action governing call: exact target and selector
// first, then target with any selector, any target with the selector, and
// finally the full wildcard.
func LookupAction(s session.Session, call types.Call) (session.ActionPolicy, bool) {
	sel := call.Selector()
	candidates := []struct {
		target   common.Address
		selector [4]byte
	}{
		{call.To, sel},
		{call.To, session.WildcardSelector},
		{session.WildcardTarget, sel},
		{session.WildcardTarget, session.WildcardSelector},
	}
	for _, c := range candidates {
		for _, a := range s.Actions {
			if a.Target == c.target && a.Selector == c.selector {
				return a, true
			}
		}
	}
	return session.ActionPolicy{}, false
}

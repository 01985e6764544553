package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vitwit/payflow/policy"
)

const maxUsageRetries = 8

var _ Store = (*RedisStore)(nil)

// RedisStore shares sessions and their spend between processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore keeps entries under "<prefix>:session:<id>" and usage under
// "<prefix>:usage:<id>".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "payflow"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) sessionKey(id ID) string {
	return r.prefix + ":session:" + id.Hex()
}

func (r *RedisStore) usageKey(id ID) string {
	return r.prefix + ":usage:" + id.Hex()
}

func (r *RedisStore) Put(ctx context.Context, id ID, e Entry) error {
	data, err := msgpack.Marshal(toEntryRecord(e))
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}
	key := r.sessionKey(id)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if exists == 0 {
			pipe.Del(ctx, r.usageKey(id))
		}
		pipe.Set(ctx, key, data, 0)
		return nil
	})
	return err
}

func (r *RedisStore) Get(ctx context.Context, id ID) (Entry, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var rec entryRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Entry{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec.entry()
}

func (r *RedisStore) Delete(ctx context.Context, id ID) error {
	return r.client.Del(ctx, r.sessionKey(id), r.usageKey(id)).Err()
}

func (r *RedisStore) Usage(ctx context.Context, id ID) (policy.Ledger, error) {
	return r.readUsage(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) readUsage(ctx context.Context, g getter, id ID) (policy.Ledger, error) {
	data, err := g.Get(ctx, r.usageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return policy.Ledger{}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec map[string]usageRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode usage %s: %w", id, err)
	}
	return fromLedgerRecord(rec)
}

// AddUsage merges delta under WATCH so concurrent writers never lose spend.
func (r *RedisStore) AddUsage(ctx context.Context, id ID, delta policy.Ledger) error {
	return r.updateUsage(ctx, id, func(current policy.Ledger) (policy.Ledger, error) {
		return current.Merge(delta), nil
	})
}

// Reserve checks and records a spend in one optimistic transaction. check
// may run more than once when other writers race on the same session.
func (r *RedisStore) Reserve(ctx context.Context, id ID, check CheckFunc) (policy.Ledger, error) {
	var delta policy.Ledger
	err := r.updateUsage(ctx, id, func(current policy.Ledger) (policy.Ledger, error) {
		d, err := check(current)
		if err != nil {
			return nil, err
		}
		delta = d
		return current.Merge(d), nil
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

func (r *RedisStore) Release(ctx context.Context, id ID, delta policy.Ledger) error {
	return r.updateUsage(ctx, id, func(current policy.Ledger) (policy.Ledger, error) {
		return current.Sub(delta), nil
	})
}

func (r *RedisStore) updateUsage(ctx context.Context, id ID, next func(policy.Ledger) (policy.Ledger, error)) error {
	key := r.usageKey(id)
	update := func(tx *redis.Tx) error {
		current, err := r.readUsage(ctx, tx, id)
		if err != nil {
			return err
		}
		updated, err := next(current)
		if err != nil {
			return err
		}
		data, err := msgpack.Marshal(toLedgerRecord(updated))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUsageRetries; i++ {
		err := r.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("usage of %s: too much contention", id)
}

type policyRecord struct {
	Kind       policy.Kind `msgpack:"k"`
	ValidAfter uint64      `msgpack:"va,omitempty"`
	ValidUntil uint64      `msgpack:"vu,omitempty"`
	Limit      string      `msgpack:"l,omitempty"`
	Tokens     []string    `msgpack:"t,omitempty"`
	Limits     []string    `msgpack:"tl,omitempty"`
}

type actionRecord struct {
	Target   string         `msgpack:"target"`
	Selector []byte         `msgpack:"selector"`
	Policies []policyRecord `msgpack:"policies"`
}

type entryRecord struct {
	Account           string         `msgpack:"account"`
	Validator         string         `msgpack:"validator"`
	ValidatorInitData []byte         `msgpack:"validator_init_data"`
	Salt              []byte         `msgpack:"salt"`
	UserOpPolicies    []policyRecord `msgpack:"userop_policies"`
	Actions           []actionRecord `msgpack:"actions"`
	ChainID           int64          `msgpack:"chain_id"`
	PermitPaymaster   bool           `msgpack:"permit_paymaster"`
}

type usageRecord struct {
	Value  string            `msgpack:"value"`
	Tokens map[string]string `msgpack:"tokens,omitempty"`
}

func toPolicyRecords(ps []policy.Policy) []policyRecord {
	out := make([]policyRecord, 0, len(ps))
	for _, p := range ps {
		rec := policyRecord{Kind: p.Kind()}
		switch p := p.(type) {
		case policy.TimeFrame:
			rec.ValidAfter, rec.ValidUntil = p.ValidAfter, p.ValidUntil
		case policy.ValueLimit:
			rec.Limit = p.Limit.String()
		case policy.SpendingLimits:
			for _, l := range p.Limits {
				rec.Tokens = append(rec.Tokens, l.Token.Hex())
				rec.Limits = append(rec.Limits, l.Limit.String())
			}
		case policy.Sudo:
		}
		out = append(out, rec)
	}
	return out
}

func parseBig(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func (rec policyRecord) policy() (policy.Policy, error) {
	switch rec.Kind {
	case policy.KindTimeFrame:
		return policy.TimeFrame{ValidAfter: rec.ValidAfter, ValidUntil: rec.ValidUntil}, nil
	case policy.KindValueLimit:
		limit, err := parseBig(rec.Limit)
		if err != nil {
			return nil, err
		}
		return policy.ValueLimit{Limit: limit}, nil
	case policy.KindSpendingLimits:
		if len(rec.Tokens) != len(rec.Limits) {
			return nil, fmt.Errorf("spending limits: %d tokens, %d limits", len(rec.Tokens), len(rec.Limits))
		}
		out := policy.SpendingLimits{}
		for i, t := range rec.Tokens {
			limit, err := parseBig(rec.Limits[i])
			if err != nil {
				return nil, err
			}
			out.Limits = append(out.Limits, policy.SpendingLimit{Token: common.HexToAddress(t), Limit: limit})
		}
		return out, nil
	case policy.KindSudo:
		return policy.Sudo{}, nil
	default:
		return nil, fmt.Errorf("unknown policy kind %d", rec.Kind)
	}
}

func fromPolicyRecords(recs []policyRecord) ([]policy.Policy, error) {
	out := make([]policy.Policy, 0, len(recs))
	for _, rec := range recs {
		p, err := rec.policy()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func toEntryRecord(e Entry) entryRecord {
	s := e.Session
	rec := entryRecord{
		Account:           e.Account.Hex(),
		Validator:         s.Validator.Hex(),
		ValidatorInitData: s.ValidatorInitData,
		Salt:              s.Salt[:],
		UserOpPolicies:    toPolicyRecords(s.UserOpPolicies),
		ChainID:           s.ChainID,
		PermitPaymaster:   s.PermitPaymaster,
	}
	for _, a := range s.Actions {
		rec.Actions = append(rec.Actions, actionRecord{
			Target:   a.Target.Hex(),
			Selector: a.Selector[:],
			Policies: toPolicyRecords(a.Policies),
		})
	}
	return rec
}

func (rec entryRecord) entry() (Entry, error) {
	userOp, err := fromPolicyRecords(rec.UserOpPolicies)
	if err != nil {
		return Entry{}, err
	}
	s := Session{
		Validator:         common.HexToAddress(rec.Validator),
		ValidatorInitData: rec.ValidatorInitData,
		UserOpPolicies:    userOp,
		ChainID:           rec.ChainID,
		PermitPaymaster:   rec.PermitPaymaster,
	}
	copy(s.Salt[:], rec.Salt)
	for _, a := range rec.Actions {
		ps, err := fromPolicyRecords(a.Policies)
		if err != nil {
			return Entry{}, err
		}
		action := ActionPolicy{Target: common.HexToAddress(a.Target), Policies: ps}
		copy(action.Selector[:], a.Selector)
		s.Actions = append(s.Actions, action)
	}
	return Entry{Account: common.HexToAddress(rec.Account), Session: s}, nil
}

func toLedgerRecord(l policy.Ledger) map[string]usageRecord {
	out := make(map[string]usageRecord, len(l))
	for scope, u := range l {
		rec := usageRecord{Value: "0", Tokens: make(map[string]string, len(u.Tokens))}
		if u.Value != nil {
			rec.Value = u.Value.String()
		}
		for t, v := range u.Tokens {
			rec.Tokens[t.Hex()] = v.String()
		}
		out[scope] = rec
	}
	return out
}

func fromLedgerRecord(recs map[string]usageRecord) (policy.Ledger, error) {
	out := make(policy.Ledger, len(recs))
	for scope, rec := range recs {
		u := policy.NewUsage()
		v, err := parseBig(rec.Value)
		if err != nil {
			return nil, err
		}
		u.Value = v
		for t, s := range rec.Tokens {
			amount, err := parseBig(s)
			if err != nil {
				return nil, err
			}
			u.Tokens[common.HexToAddress(t)] = amount
		}
		out[scope] = u
	}
	return out, nil
}

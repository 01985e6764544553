package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/payflow/account"
	"github.com/vitwit/payflow/clients"
	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/metrics"
	"github.com/vitwit/payflow/policy"
	"github.com/vitwit/payflow/types"
)

// Executor submits owner-signed user operations.
type Executor interface {
	Execute(ctx context.Context, signer types.Signer, req *types.ExecutionRequest) (common.Hash, error)
}

// InstallRequest describes one module management transaction.
type InstallRequest struct {
	ChainID int64
	Account common.Address
	Owners  []common.Address
	Salt    string
	Add     []Session
	Remove  []ID
	// Sponsored asks the paymaster to cover gas.
	Sponsored bool
	OnStatus  types.StatusFunc
}

// InstallResult reports what an install changed. TxHash is zero when no
// transaction was needed and only the store was repopulated.
type InstallResult struct {
	TxHash  common.Hash
	Added   []ID
	Removed []ID
	// Restored lists sessions already enabled on-chain that the store was
	// missing.
	Restored []ID
}

// Manager installs and revokes sessions on smart accounts.
type Manager struct {
	clients   account.ClientProvider
	executor  Executor
	store     Store
	contracts account.Contracts
	policies  policy.Addresses
	logger    logger.Logger
	metrics   metrics.Recorder
}

type Option func(*Manager)

func WithContracts(c account.Contracts) Option {
	return func(m *Manager) { m.contracts = c }
}

func WithPolicyAddresses(a policy.Addresses) Option {
	return func(m *Manager) { m.policies = a }
}

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.logger = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = metrics.OrNoop(r) }
}

// NewManager builds a Manager. A nil store keeps sessions in memory.
func NewManager(provider account.ClientProvider, executor Executor, store Store, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		clients:   provider,
		executor:  executor,
		store:     store,
		contracts: account.DefaultContracts(),
		policies:  policy.DefaultAddresses(),
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) Contracts() account.Contracts {
	return m.contracts
}

func (m *Manager) PolicyAddresses() policy.Addresses {
	return m.policies
}

// SessionID is ComputeSessionID against the manager's policy contracts.
func (m *Manager) SessionID(s Session) (ID, error) {
	return ComputeSessionIDWith(s, m.policies)
}

// InstallSessions installs the session module as a validator if needed,
// revokes every id in req.Remove that is enabled and registers every
// session of req.Add not already enabled, all in one user operation. An id
// both removed and added is replaced. Sessions of req.Add already enabled
// on-chain but unknown to the store are written back to it. It returns nil
// when neither the chain nor the store changes.
func (m *Manager) InstallSessions(ctx context.Context, signer types.Signer, req *InstallRequest) (*InstallResult, error) {
	if req == nil {
		return nil, types.NewError(types.CodeInvalidRequest, "install request is nil")
	}
	if req.Account == (common.Address{}) {
		return nil, types.NewError(types.CodeInvalidRequest, "account address is required")
	}

	adds := make([]Session, 0, len(req.Add))
	addIDs := make([]ID, 0, len(req.Add))
	seen := make(map[ID]bool)
	for i, s := range req.Add {
		if s.ChainID == 0 {
			s.ChainID = req.ChainID
		}
		if s.ChainID != req.ChainID {
			return nil, types.NewError(types.CodeInvalidRequest,
				"session %d targets chain %d, request targets %d", i, s.ChainID, req.ChainID)
		}
		if len(s.UserOpPolicies) == 0 {
			return nil, types.NewError(types.CodeInvalidRequest, "session %d has no user operation policy", i)
		}
		id, err := m.SessionID(s)
		if err != nil {
			return nil, types.WrapError(types.CodeInvalidRequest, err, "session %d", i)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		adds = append(adds, s)
		addIDs = append(addIDs, id)
	}

	client, err := m.clients.Client(req.ChainID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	state, err := m.readState(ctx, client, req.Account, append(dedupe(req.Remove), addIDs...))
	if err != nil {
		return nil, err
	}

	var (
		calls   []types.Call
		removed []ID
		added   []ID
		toAdd   []Session
	)
	if !state.moduleEnabled {
		call, err := account.InstallModuleCall(req.Account, account.ModuleTypeValidator, m.contracts.SessionModule, nil)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	removing := make(map[ID]bool)
	for _, id := range dedupe(req.Remove) {
		if !state.enabled[id] {
			continue
		}
		call, err := RemoveSessionCall(m.contracts.SessionModule, id)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
		removed = append(removed, id)
		removing[id] = true
	}
	var kept []int
	for i, id := range addIDs {
		if state.enabled[id] && !removing[id] {
			kept = append(kept, i)
			continue
		}
		toAdd = append(toAdd, adds[i])
		added = append(added, id)
	}
	if len(toAdd) > 0 {
		call, err := EnableSessionsCall(m.contracts.SessionModule, toAdd, m.policies)
		if err != nil {
			return nil, types.WrapError(types.CodeInvalidRequest, err, "encode sessions")
		}
		calls = append(calls, call)
	}

	restored, err := m.restore(ctx, req.Account, kept, addIDs, adds)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"chain": req.ChainID, "account": req.Account.Hex()}
	if len(calls) == 0 {
		m.metrics.IncCounter(metrics.EventSessionsNoop, chainLabel(req.ChainID))
		if len(restored) == 0 {
			m.logger.Debug("sessions already in place", fields)
			return nil, nil
		}
		fields["restored"] = len(restored)
		m.logger.Info("sessions restored to store", fields)
		return &InstallResult{Restored: restored}, nil
	}

	hash, err := m.executor.Execute(ctx, signer, &types.ExecutionRequest{
		ChainID:   req.ChainID,
		Account:   req.Account,
		Owners:    req.Owners,
		Salt:      req.Salt,
		Calls:     calls,
		Sponsored: req.Sponsored,
		OnStatus:  req.OnStatus,
	})
	m.metrics.ObserveLatency(metrics.OpInstall, time.Since(start), chainLabel(req.ChainID))
	if err != nil {
		if types.HasCode(err, types.CodeExecutionReverted) {
			return nil, types.WrapError(types.CodeSessionInstallFailed, err, "module management reverted").OnChain(req.ChainID)
		}
		return nil, err
	}

	for _, id := range removed {
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn("failed to drop removed session", map[string]any{"session": id.Hex(), "error": err})
		}
	}
	for i, id := range added {
		if err := m.store.Put(ctx, id, Entry{Account: req.Account, Session: toAdd[i]}); err != nil {
			return nil, fmt.Errorf("record session %s: %w", id, err)
		}
	}

	fields["tx_hash"] = hash.Hex()
	fields["added"] = len(added)
	fields["removed"] = len(removed)
	m.logger.Info("sessions installed", fields)
	m.metrics.IncCounter(metrics.EventSessionsInstalled, chainLabel(req.ChainID))

	return &InstallResult{TxHash: hash, Added: added, Removed: removed, Restored: restored}, nil
}

// restore writes the sessions at idx back to the store when it lacks them.
func (m *Manager) restore(ctx context.Context, acct common.Address, idx []int, ids []ID, sessions []Session) ([]ID, error) {
	var restored []ID
	for _, i := range idx {
		_, err := m.store.Get(ctx, ids[i])
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("look up session %s: %w", ids[i], err)
		}
		if err := m.store.Put(ctx, ids[i], Entry{Account: acct, Session: sessions[i]}); err != nil {
			return nil, fmt.Errorf("record session %s: %w", ids[i], err)
		}
		restored = append(restored, ids[i])
	}
	return restored, nil
}

type moduleState struct {
	moduleEnabled bool
	enabled       map[ID]bool
}

func (m *Manager) readState(ctx context.Context, client clients.ChainClient, acct common.Address, ids []ID) (moduleState, error) {
	state := moduleState{enabled: make(map[ID]bool)}
	deployed, err := account.IsDeployed(ctx, client, acct)
	if err != nil || !deployed {
		return state, err
	}

	data, err := account.ERC7579ABI.Pack("isModuleInstalled",
		new(big.Int).SetUint64(account.ModuleTypeValidator), m.contracts.SessionModule, []byte{})
	if err != nil {
		return state, err
	}
	if state.moduleEnabled, err = callBool(ctx, client, acct, data, account.ERC7579ABI.Methods["isModuleInstalled"].Outputs); err != nil {
		return state, err
	}
	if !state.moduleEnabled {
		return state, nil
	}

	for _, id := range ids {
		if _, done := state.enabled[id]; done {
			continue
		}
		data, err := ModuleABI.Pack("isSessionEnabled", [32]byte(id), acct)
		if err != nil {
			return state, err
		}
		on, err := callBool(ctx, client, m.contracts.SessionModule, data, ModuleABI.Methods["isSessionEnabled"].Outputs)
		if err != nil {
			return state, err
		}
		state.enabled[id] = on
	}
	return state, nil
}

type unpacker interface {
	Unpack(data []byte) ([]any, error)
}

func callBool(ctx context.Context, client clients.ChainClient, to common.Address, data []byte, out unpacker) (bool, error) {
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return false, err
	}
	vals, err := out.Unpack(res)
	if err != nil || len(vals) != 1 {
		return false, types.WrapError(types.CodeNetworkError, err, "unexpected response from %s", to.Hex()).OnChain(client.ChainID())
	}
	on, _ := vals[0].(bool)
	return on, nil
}

func dedupe(ids []ID) []ID {
	seen := make(map[ID]bool, len(ids))
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func chainLabel(chainID int64) map[string]string {
	return map[string]string{"chain": fmt.Sprint(chainID)}
}
